package directory

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paylink/common"
	"paylink/relay"
)

// fakeLink simulates the relay connection: Send triggers the configured
// responder, and pushed frames reach all subscribed handlers.
type fakeLink struct {
	mu       sync.Mutex
	handlers []func([]byte)
	queries  []string
	respond  func(link *fakeLink, query string)
}

func (l *fakeLink) Send(frame any) (relay.SendResult, error) {
	lookup, ok := frame.(common.Lookup)
	if !ok {
		return relay.SendSent, nil
	}
	l.mu.Lock()
	l.queries = append(l.queries, lookup.Query)
	responder := l.respond
	l.mu.Unlock()
	if responder != nil {
		go responder(l, lookup.Query)
	}
	return relay.SendSent, nil
}

func (l *fakeLink) OnMessage(handler func(raw []byte)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, handler)
	return func() {}
}

func (l *fakeLink) push(frame any) {
	data, _ := json.Marshal(frame)
	l.mu.Lock()
	handlers := append([]func([]byte){}, l.handlers...)
	l.mu.Unlock()
	for _, h := range handlers {
		h(data)
	}
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		kind       QueryKind
		normalized string
	}{
		{"Address", "0x0123456789ABCDEF0123456789abcdef01234567", QueryAddress, "0x0123456789abcdef0123456789abcdef01234567"},
		{"Prefixed handle", "@Alice", QueryHandle, "alice"},
		{"Short id", "123456", QueryShortID, "123456"},
		{"Bare handle fallback", "bob_2", QueryHandle, "bob_2"},
		{"Whitespace trimmed", "  @alice  ", QueryHandle, "alice"},
		{"Numeric but wrong length", "12345", QueryInvalid, ""},
		{"Bad prefixed handle", "@!!", QueryInvalid, ""},
		{"Empty", "", QueryInvalid, ""},
		{"Handle starting with digit", "1alice", QueryInvalid, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, normalized := Classify(tt.query)
			assert.Equal(t, tt.kind, kind)
			assert.Equal(t, tt.normalized, normalized)
		})
	}
}

func TestResolveSuccess(t *testing.T) {
	link := &fakeLink{
		respond: func(l *fakeLink, query string) {
			l.push(common.LookupResult{
				Type:                common.KindLookupResult,
				Address:             "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
				Handle:              query,
				ShortID:             "123456",
				EncryptionPublicKey: []byte("0123456789abcdef0123456789abcdef"),
				Online:              true,
			})
		},
	}
	r := NewResolver(link, quietLogger())

	id, err := r.Resolve("@alice")
	require.NoError(t, err)
	assert.Equal(t, "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", id.Address)
	assert.Equal(t, "alice", id.Handle)
	assert.True(t, id.Online)
	assert.Equal(t, []string{"alice"}, link.queries)
}

func TestResolveNotFound(t *testing.T) {
	link := &fakeLink{
		respond: func(l *fakeLink, query string) {
			l.push(common.LookupError{
				Type:  common.KindLookupError,
				Query: query,
				Error: common.LookupErrNotFound,
			})
		},
	}
	r := NewResolver(link, quietLogger())

	_, err := r.Resolve("@nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveTimesOutWhenNoResponse(t *testing.T) {
	// Simulates a connection dropping mid-lookup: the frame is sent but no
	// response ever arrives.
	link := &fakeLink{}
	r := NewResolver(link, quietLogger())
	r.timeout = 20 * time.Millisecond

	start := time.Now()
	_, err := r.Resolve("@alice")
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestResolveInvalidQuery(t *testing.T) {
	r := NewResolver(&fakeLink{}, quietLogger())
	_, err := r.Resolve("!!!")
	assert.ErrorIs(t, err, ErrInvalidQueryFormat)
}

func TestConcurrentResolvesAreSerialized(t *testing.T) {
	// Each lookup gets the answer to its own query because the resolver
	// never has two lookups in flight.
	link := &fakeLink{
		respond: func(l *fakeLink, query string) {
			time.Sleep(time.Millisecond)
			l.push(common.LookupResult{
				Type:    common.KindLookupResult,
				Address: "0x" + query[:1] + "000000000000000000000000000000000000000",
				Handle:  query,
			})
		},
	}
	r := NewResolver(link, quietLogger())

	var wg sync.WaitGroup
	for _, handle := range []string{"alice", "bobby", "carol"} {
		handle := handle
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := r.Resolve("@" + handle)
			assert.NoError(t, err)
			assert.Equal(t, handle, id.Handle)
		}()
	}
	wg.Wait()
}

func TestUnsolicitedResponseDropped(t *testing.T) {
	link := &fakeLink{}
	NewResolver(link, quietLogger())

	// Must not panic or block with no lookup pending.
	link.push(common.LookupResult{Type: common.KindLookupResult, Address: "0xdead"})
}
