package common

import "fmt"

// AuthChallenge builds the byte string both sides sign and verify during
// connection authentication.
func AuthChallenge(address string, timestamp int64) []byte {
	return []byte(fmt.Sprintf("%s|%d", address, timestamp))
}
