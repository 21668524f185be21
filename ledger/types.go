package ledger

import "time"

// Direction says which side of a request this device is on.
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// Status is the lifecycle state of a payment request. Pending is the only
// non-terminal status; paid, cancelled and expired are terminal and a
// request never leaves a terminal status.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Terminal reports whether a status admits no further transitions.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// Payload is the plaintext sealed inside an envelope. Amounts are decimal
// strings, never floats.
type Payload struct {
	RequestID     string `json:"requestId" validate:"required"`
	Amount        string `json:"amount" validate:"required"`
	Currency      string `json:"currency" validate:"required"`
	Memo          string `json:"memo,omitempty"`
	SenderAddress string `json:"senderAddress" validate:"required"`
	SenderHandle  string `json:"senderHandle,omitempty"`
	CreatedAt     int64  `json:"createdAt" validate:"required"`
	ExpiresAt     int64  `json:"expiresAt" validate:"required"`
}

// PaymentRequest is the local lifecycle record, distinct from the wire
// payload. Records are never deleted; they transition to a terminal status
// and are retained for history.
type PaymentRequest struct {
	ID                  string    `json:"id"`
	Direction           Direction `json:"direction"`
	CounterpartyAddress string    `json:"counterpartyAddress"`
	CounterpartyHandle  string    `json:"counterpartyHandle,omitempty"`
	Amount              string    `json:"amount"`
	Currency            string    `json:"currency"`
	Memo                string    `json:"memo,omitempty"`
	Status              Status    `json:"status"`
	SettlementRef       string    `json:"settlementRef,omitempty"`
	ExpiresAt           time.Time `json:"expiresAt"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}
