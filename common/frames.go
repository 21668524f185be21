package common

import (
	"encoding/json"
	"errors"
)

var (
	ErrUnknownFrameKind = errors.New("unknown frame kind")
)

// LookupErrNotFound is the wire error string the relay uses when a lookup
// query matches no registered identity.
const LookupErrNotFound = "not_found"

// Kind tags every wire frame. One JSON frame per websocket message.
type Kind string

// Client -> relay
const (
	KindAuth           Kind = "auth"
	KindRegister       Kind = "register"
	KindLookup         Kind = "lookup"
	KindPaymentRequest Kind = "payment_request"
	KindCancelRequest  Kind = "cancel_request"
	KindRequestPaid    Kind = "request_paid"
	KindPing           Kind = "ping"
)

// Relay -> client
const (
	KindAuthSuccess      Kind = "auth_success"
	KindAuthError        Kind = "auth_error"
	KindRegisterSuccess  Kind = "register_success"
	KindRegisterError    Kind = "register_error"
	KindLookupResult     Kind = "lookup_result"
	KindLookupError      Kind = "lookup_error"
	KindRequestCancelled Kind = "request_cancelled"
	KindError            Kind = "error"
	KindPong             Kind = "pong"
)

// Auth is the first frame a client sends after the transport opens.
// The signature covers the address and timestamp; the signing public key
// is included so the relay can check the address binding.
type Auth struct {
	Type             Kind   `json:"type"`
	Address          string `json:"address" validate:"required"`
	SigningPublicKey []byte `json:"signingPublicKey" validate:"required"`
	Timestamp        int64  `json:"timestamp" validate:"required"`
	Signature        []byte `json:"signature" validate:"required"`
}

type Register struct {
	Type                Kind   `json:"type"`
	Handle              string `json:"handle,omitempty"`
	EncryptionPublicKey []byte `json:"encryptionPublicKey" validate:"required"`
}

type Lookup struct {
	Type  Kind   `json:"type"`
	Query string `json:"query" validate:"required"`
}

// PaymentRequest carries an opaque sealed envelope. To and From are routable
// addresses; the relay fills From on delivery and never sees the plaintext.
type PaymentRequest struct {
	Type      Kind            `json:"type"`
	To        string          `json:"to,omitempty"`
	From      string          `json:"from,omitempty"`
	RequestID string          `json:"requestId" validate:"required"`
	Envelope  json.RawMessage `json:"encryptedEnvelope" validate:"required"`
	ExpiresAt int64           `json:"expiresAt" validate:"required"`
}

type CancelRequest struct {
	Type      Kind   `json:"type"`
	RequestID string `json:"requestId" validate:"required"`
}

type RequestPaid struct {
	Type          Kind   `json:"type"`
	RequestID     string `json:"requestId" validate:"required"`
	SettlementRef string `json:"settlementRef,omitempty"`
	PaidBy        string `json:"paidBy,omitempty"`
}

type Ping struct {
	Type      Kind  `json:"type"`
	Timestamp int64 `json:"timestamp"`
}

type Pong struct {
	Type      Kind  `json:"type"`
	Timestamp int64 `json:"timestamp"`
}

type AuthSuccess struct {
	Type    Kind   `json:"type"`
	Address string `json:"address"`
	Handle  string `json:"handle,omitempty"`
	ShortID string `json:"shortId,omitempty"`
}

type AuthError struct {
	Type  Kind   `json:"type"`
	Error string `json:"error"`
}

type RegisterSuccess struct {
	Type    Kind   `json:"type"`
	Handle  string `json:"handle,omitempty"`
	ShortID string `json:"shortId"`
}

type RegisterError struct {
	Type  Kind   `json:"type"`
	Error string `json:"error"`
}

type LookupResult struct {
	Type                Kind   `json:"type"`
	Address             string `json:"address"`
	Handle              string `json:"handle,omitempty"`
	ShortID             string `json:"shortId,omitempty"`
	EncryptionPublicKey []byte `json:"encryptionPublicKey"`
	Online              bool   `json:"online"`
}

type LookupError struct {
	Type  Kind   `json:"type"`
	Query string `json:"query"`
	Error string `json:"error"`
}

type RequestCancelled struct {
	Type        Kind   `json:"type"`
	RequestID   string `json:"requestId"`
	CancelledBy string `json:"cancelledBy"`
}

type ServerError struct {
	Type  Kind   `json:"type"`
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// PeekKind extracts the discriminant from a raw frame without decoding the rest.
func PeekKind(raw []byte) (Kind, error) {
	var probe struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return "", err
	}
	if probe.Type == "" {
		return "", ErrUnknownFrameKind
	}
	return probe.Type, nil
}
