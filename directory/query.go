package directory

import (
	"regexp"
	"strings"

	"paylink/configs"
	"paylink/identity"
)

// QueryKind classifies what shape of identifier a lookup query has.
type QueryKind int

const (
	QueryInvalid QueryKind = iota
	QueryAddress
	QueryHandle
	QueryShortID
)

var (
	handlePattern  = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]{2,31}$`)
	shortIDPattern = regexp.MustCompile(`^[0-9]+$`)
)

// Classify maps a raw user query to its identifier kind and normalized form.
// Order: explicit address shape, explicit @-prefixed handle, fixed-length
// numeric short id, bare alphanumeric fallback treated as handle.
func Classify(query string) (QueryKind, string) {
	query = strings.TrimSpace(query)

	if identity.IsAddress(query) {
		return QueryAddress, identity.NormalizeAddress(query)
	}

	if strings.HasPrefix(query, "@") {
		handle := strings.TrimPrefix(query, "@")
		if handlePattern.MatchString(handle) {
			return QueryHandle, strings.ToLower(handle)
		}
		return QueryInvalid, ""
	}

	if len(query) == configs.ShortIDLength && shortIDPattern.MatchString(query) {
		return QueryShortID, query
	}

	if handlePattern.MatchString(query) {
		return QueryHandle, strings.ToLower(query)
	}

	return QueryInvalid, ""
}
