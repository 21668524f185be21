// Package directory resolves human identifiers (handle, short numeric id,
// raw address) to routable identities via a lookup exchange over the relay
// connection.
package directory

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"paylink/common"
	"paylink/configs"
	"paylink/identity"
	"paylink/relay"
)

// Link is the slice of the relay connection the resolver needs.
type Link interface {
	Send(frame any) (relay.SendResult, error)
	OnMessage(handler func(raw []byte)) (unsubscribe func())
}

type lookupOutcome struct {
	id  identity.Identity
	err error
}

// Resolver issues directory lookups. The relay's lookup_result carries no
// correlation token, so lookups are serialized: at most one is in flight at
// a time and concurrent Resolve callers block on each other. This is part of
// the API contract.
type Resolver struct {
	link    Link
	logger  *logrus.Logger
	timeout time.Duration

	// lookupMu is held across the whole request/response round trip.
	lookupMu sync.Mutex

	mu      sync.Mutex
	pending chan lookupOutcome
}

// NewResolver subscribes to the link's inbound frames and returns a ready
// resolver.
func NewResolver(link Link, logger *logrus.Logger) *Resolver {
	if logger == nil {
		logger = logrus.New()
	}
	r := &Resolver{
		link:    link,
		logger:  logger,
		timeout: configs.LookupTimeout,
	}
	link.OnMessage(r.handleFrame)
	return r
}

// Resolve looks up a single identifier and blocks until the relay answers or
// the timeout window elapses. It fails fast with ErrInvalidQueryFormat on
// unrecognized query shapes.
func (r *Resolver) Resolve(query string) (identity.Identity, error) {
	kind, normalized := Classify(query)
	if kind == QueryInvalid {
		return identity.Identity{}, ErrInvalidQueryFormat
	}

	r.lookupMu.Lock()
	defer r.lookupMu.Unlock()

	ch := make(chan lookupOutcome, 1)
	r.mu.Lock()
	r.pending = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.pending = nil
		r.mu.Unlock()
	}()

	if _, err := r.link.Send(common.Lookup{Type: common.KindLookup, Query: normalized}); err != nil {
		return identity.Identity{}, fmt.Errorf("directory: sending lookup: %w", err)
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case outcome := <-ch:
		return outcome.id, outcome.err
	case <-timer.C:
		return identity.Identity{}, ErrTimeout
	}
}

func (r *Resolver) handleFrame(raw []byte) {
	kind, err := common.PeekKind(raw)
	if err != nil {
		return
	}

	switch kind {
	case common.KindLookupResult:
		var frame common.LookupResult
		if err := json.Unmarshal(raw, &frame); err != nil {
			r.logger.Warnf("directory: dropping malformed lookup_result: %v", err)
			return
		}
		r.deliver(lookupOutcome{id: identity.Identity{
			Address:             frame.Address,
			Handle:              frame.Handle,
			ShortID:             frame.ShortID,
			EncryptionPublicKey: frame.EncryptionPublicKey,
			Online:              frame.Online,
		}})
	case common.KindLookupError:
		var frame common.LookupError
		if err := json.Unmarshal(raw, &frame); err != nil {
			r.logger.Warnf("directory: dropping malformed lookup_error: %v", err)
			return
		}
		if frame.Error == common.LookupErrNotFound {
			r.deliver(lookupOutcome{err: ErrNotFound})
			return
		}
		r.deliver(lookupOutcome{err: fmt.Errorf("directory: lookup failed: %s", frame.Error)})
	}
}

func (r *Resolver) deliver(outcome lookupOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil {
		// Late response after timeout, or a response nobody asked for.
		r.logger.Warn("directory: dropping unsolicited lookup response")
		return
	}
	select {
	case r.pending <- outcome:
	default:
	}
	r.pending = nil
}
