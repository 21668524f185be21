package configs

import "time"

var (
	// EnvelopeKDFInfo is the HKDF context string for sealed envelopes.
	// Changing it is a breaking protocol version bump.
	EnvelopeKDFInfo = []byte("paylink-envelope-v1")

	ServerAddress = "localhost:8080"
	RedisAddress  = "localhost:6379"
	WebSocketPath = "/ws"

	// Redis keys

	DirectoryIdentityKey = "directory:identity:%s" // keyed by address
	DirectoryHandleKey   = "directory:handle:%s"   // handle -> address
	DirectoryShortIDKey  = "directory:shortid:%s"  // shortId -> address
	ShortIDCounterKey    = "directory:shortid:next"
	OfflineQueueKey      = "queue:frames:%s"  // keyed by recipient address
	RequestRouteKey      = "route:request:%s" // requestId -> sender/recipient pair
)

const (
	// RequestTTL is the fixed time-to-live of a payment request.
	RequestTTL = time.Hour

	HeartbeatInterval = 30 * time.Second
	LookupTimeout     = 5 * time.Second
	SweepInterval     = time.Minute

	ReconnectInitialDelay = time.Second
	ReconnectMaxDelay     = 30 * time.Second
	ReconnectMaxAttempts  = 10

	// AuthDeadline bounds how long the relay waits for the first auth frame.
	AuthDeadline = 10 * time.Second

	// ShortIDLength is the fixed digit count of relay-assigned numeric ids.
	ShortIDLength = 6

	// LookupRateLimit caps directory lookups per connection per second.
	LookupRateLimit = 5
	LookupRateBurst = 10
)
