// Package ledger keeps the local, per-device store of payment-request
// lifecycle records and drives their state machine. Outgoing requests are
// resolved, sealed and handed to the relay connection; incoming envelopes
// are opened and recorded; status transitions arrive either from local
// actions or from relay-delivered events and converge idempotently.
package ledger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"paylink/common"
	"paylink/configs"
	"paylink/crypto/envelope"
	"paylink/identity"
	"paylink/relay"
)

// Link is the slice of the relay connection the ledger needs.
type Link interface {
	Send(frame any) (relay.SendResult, error)
	OnMessage(handler func(raw []byte)) (unsubscribe func())
}

// Resolver turns a human identifier into a routable identity.
type Resolver interface {
	Resolve(query string) (identity.Identity, error)
}

// TransferFunc submits the underlying token transfer and returns a
// settlement reference. Supplied by the blockchain-execution layer.
type TransferFunc func(toAddress, amount, currency string) (settlementRef string, err error)

// LocalIdentity is this device's own identity material.
type LocalIdentity struct {
	Address        string
	Handle         string
	EncryptionKeys *envelope.Pair
}

var amountPattern = regexp.MustCompile(`^(0|[1-9][0-9]*)(\.[0-9]{1,8})?$`)

// Ledger owns the PaymentRequest collection. All writes are serialized
// through its mutex; reads return snapshots.
type Ledger struct {
	mu       sync.Mutex
	requests map[string]*PaymentRequest

	link     Link
	resolver Resolver
	local    LocalIdentity
	transfer TransferFunc
	logger   *logrus.Logger
	now      func() time.Time

	subMu     sync.Mutex
	subs      map[int]func(PaymentRequest)
	nextSubID int
}

// New wires a ledger to the relay link and resolver and subscribes to
// inbound frames. transfer may be nil if this device never pays.
func New(link Link, resolver Resolver, local LocalIdentity, transfer TransferFunc, logger *logrus.Logger) *Ledger {
	if logger == nil {
		logger = logrus.New()
	}
	l := &Ledger{
		requests: make(map[string]*PaymentRequest),
		link:     link,
		resolver: resolver,
		local:    local,
		transfer: transfer,
		logger:   logger,
		now:      time.Now,
		subs:     make(map[int]func(PaymentRequest)),
	}
	link.OnMessage(l.handleFrame)
	return l
}

// CreateAndSend resolves the recipient, records an optimistic local
// sent/pending entry, seals the payload to the recipient's encryption key
// and transmits it. A transport failure does not roll back the local record;
// the error tells the caller, who may choose to Cancel.
func (l *Ledger) CreateAndSend(query, amount, currency, memo string) (PaymentRequest, error) {
	if !validAmount(amount) {
		return PaymentRequest{}, ErrInvalidAmount
	}

	recipient, err := l.resolver.Resolve(query)
	if err != nil {
		return PaymentRequest{}, err
	}

	now := l.now()
	payload := Payload{
		RequestID:     newRequestID(),
		Amount:        amount,
		Currency:      currency,
		Memo:          memo,
		SenderAddress: l.local.Address,
		SenderHandle:  l.local.Handle,
		CreatedAt:     now.UnixMilli(),
		ExpiresAt:     now.Add(configs.RequestTTL).UnixMilli(),
	}

	env, err := envelope.SealJSON(payload, recipient.EncryptionPublicKey)
	if err != nil {
		return PaymentRequest{}, fmt.Errorf("ledger: sealing request: %w", err)
	}
	envJSON, err := json.Marshal(env)
	if err != nil {
		return PaymentRequest{}, fmt.Errorf("ledger: encoding envelope: %w", err)
	}

	// Times are kept at wire precision so both sides agree on the expiry.
	createdAt := time.UnixMilli(payload.CreatedAt)
	record := PaymentRequest{
		ID:                  payload.RequestID,
		Direction:           DirectionSent,
		CounterpartyAddress: recipient.Address,
		CounterpartyHandle:  recipient.Handle,
		Amount:              amount,
		Currency:            currency,
		Memo:                memo,
		Status:              StatusPending,
		ExpiresAt:           time.UnixMilli(payload.ExpiresAt),
		CreatedAt:           createdAt,
		UpdatedAt:           createdAt,
	}

	// Local-first write: the record exists before the send outcome is known.
	l.mu.Lock()
	stored := record
	l.requests[record.ID] = &stored
	l.mu.Unlock()
	l.notify(record)

	if _, err := l.link.Send(common.PaymentRequest{
		Type:      common.KindPaymentRequest,
		To:        recipient.Address,
		RequestID: payload.RequestID,
		Envelope:  envJSON,
		ExpiresAt: payload.ExpiresAt,
	}); err != nil {
		return record, fmt.Errorf("ledger: sending request: %w", err)
	}
	return record, nil
}

// OnEnvelopeReceived opens an inbound envelope, independently re-validates
// its expiry and records a received/pending entry. Duplicate deliveries of
// the same request id are no-ops.
func (l *Ledger) OnEnvelopeReceived(senderAddress string, env *envelope.Envelope) error {
	var payload Payload
	if err := envelope.OpenJSON(env, l.local.EncryptionKeys.Priv, &payload); err != nil {
		return err
	}

	if senderAddress != "" && payload.SenderAddress != senderAddress {
		return ErrSenderMismatch
	}

	// The expiry ceiling is re-derived locally: a payload may not claim a
	// longer life than the fixed TTL, whatever its timestamps say. A forged
	// createdAt in the future falls back to arrival time.
	now := l.now()
	expiresAt := time.UnixMilli(payload.ExpiresAt)
	maxExpiry := now.Add(configs.RequestTTL)
	if created := time.UnixMilli(payload.CreatedAt); created.Before(now) {
		maxExpiry = created.Add(configs.RequestTTL)
	}
	if expiresAt.After(maxExpiry) {
		expiresAt = maxExpiry
	}
	if !expiresAt.After(now) {
		return ErrExpiredOnArrival
	}
	if !validAmount(payload.Amount) {
		return ErrInvalidAmount
	}

	record := PaymentRequest{
		ID:                  payload.RequestID,
		Direction:           DirectionReceived,
		CounterpartyAddress: payload.SenderAddress,
		CounterpartyHandle:  payload.SenderHandle,
		Amount:              payload.Amount,
		Currency:            payload.Currency,
		Memo:                payload.Memo,
		Status:              StatusPending,
		ExpiresAt:           expiresAt,
		CreatedAt:           time.UnixMilli(payload.CreatedAt),
		UpdatedAt:           now,
	}

	l.mu.Lock()
	if _, exists := l.requests[record.ID]; exists {
		l.mu.Unlock()
		return nil
	}
	stored := record
	l.requests[record.ID] = &stored
	l.mu.Unlock()
	l.notify(record)
	return nil
}

// Cancel transitions a pending request to cancelled and best-effort notifies
// the counterparty. Either party may cancel. Cancelling an already-cancelled
// request is a no-op; other terminal states reject with ErrNotPending.
func (l *Ledger) Cancel(requestID string) error {
	l.mu.Lock()
	req, ok := l.requests[requestID]
	if !ok {
		l.mu.Unlock()
		return ErrUnknownRequest
	}
	if req.Status == StatusCancelled {
		l.mu.Unlock()
		return nil
	}
	if req.Status.Terminal() {
		l.mu.Unlock()
		return ErrNotPending
	}
	req.Status = StatusCancelled
	req.UpdatedAt = l.now()
	snapshot := *req
	l.mu.Unlock()
	l.notify(snapshot)

	if _, err := l.link.Send(common.CancelRequest{
		Type:      common.KindCancelRequest,
		RequestID: requestID,
	}); err != nil {
		l.logger.Warnf("ledger: cancel notification for %s not sent: %v", requestID, err)
	}
	return nil
}

// MarkPaid transitions a pending request to paid. Both the local-completion
// path and the relay-notification path converge here; calling it on a
// request already in a terminal status is a no-op.
func (l *Ledger) MarkPaid(requestID, settlementRef string) error {
	l.mu.Lock()
	req, ok := l.requests[requestID]
	if !ok {
		l.mu.Unlock()
		return ErrUnknownRequest
	}
	if req.Status.Terminal() {
		l.mu.Unlock()
		return nil
	}
	req.Status = StatusPaid
	req.SettlementRef = settlementRef
	req.UpdatedAt = l.now()
	snapshot := *req
	l.mu.Unlock()
	l.notify(snapshot)
	return nil
}

// Pay submits the underlying transfer for a pending request, marks it paid
// and notifies the relay so the counterparty converges.
func (l *Ledger) Pay(requestID string) error {
	l.mu.Lock()
	req, ok := l.requests[requestID]
	if !ok {
		l.mu.Unlock()
		return ErrUnknownRequest
	}
	if req.Status.Terminal() {
		l.mu.Unlock()
		return ErrNotPending
	}
	to, amount, currency := req.CounterpartyAddress, req.Amount, req.Currency
	l.mu.Unlock()

	if l.transfer == nil {
		return fmt.Errorf("ledger: no transfer capability configured")
	}
	settlementRef, err := l.transfer(to, amount, currency)
	if err != nil {
		return fmt.Errorf("ledger: transfer failed: %w", err)
	}

	if err := l.MarkPaid(requestID, settlementRef); err != nil {
		return err
	}
	if _, err := l.link.Send(common.RequestPaid{
		Type:          common.KindRequestPaid,
		RequestID:     requestID,
		SettlementRef: settlementRef,
	}); err != nil {
		l.logger.Warnf("ledger: paid notification for %s not sent: %v", requestID, err)
	}
	return nil
}

// SweepExpired transitions every pending request whose expiry has passed to
// expired and returns the affected ids. Expiry is local-only; the two sides
// may observe it at slightly different wall-clock moments.
func (l *Ledger) SweepExpired(now time.Time) []string {
	var swept []PaymentRequest
	l.mu.Lock()
	for _, req := range l.requests {
		if req.Status == StatusPending && !req.ExpiresAt.After(now) {
			req.Status = StatusExpired
			req.UpdatedAt = now
			swept = append(swept, *req)
		}
	}
	l.mu.Unlock()

	ids := make([]string, 0, len(swept))
	for _, snapshot := range swept {
		ids = append(ids, snapshot.ID)
		l.notify(snapshot)
	}
	return ids
}

// RunSweeper calls SweepExpired on a fixed cadence until ctx is done.
func (l *Ledger) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = configs.SweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.SweepExpired(l.now())
		}
	}
}

// Get returns a snapshot of one request.
func (l *Ledger) Get(requestID string) (PaymentRequest, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	req, ok := l.requests[requestID]
	if !ok {
		return PaymentRequest{}, false
	}
	return *req, true
}

// List returns snapshots of all requests, newest first.
func (l *Ledger) List() []PaymentRequest {
	l.mu.Lock()
	out := make([]PaymentRequest, 0, len(l.requests))
	for _, req := range l.requests {
		out = append(out, *req)
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// OnChange registers a lifecycle observer. Returns an unsubscribe func.
func (l *Ledger) OnChange(handler func(PaymentRequest)) (unsubscribe func()) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	id := l.nextSubID
	l.nextSubID++
	l.subs[id] = handler
	return func() {
		l.subMu.Lock()
		defer l.subMu.Unlock()
		delete(l.subs, id)
	}
}

func (l *Ledger) notify(snapshot PaymentRequest) {
	l.subMu.Lock()
	handlers := make([]func(PaymentRequest), 0, len(l.subs))
	for _, h := range l.subs {
		handlers = append(handlers, h)
	}
	l.subMu.Unlock()
	for _, h := range handlers {
		h(snapshot)
	}
}

// handleFrame ingests relay-delivered events. A bad or undecryptable frame
// is logged and dropped; it never disrupts the pipeline.
func (l *Ledger) handleFrame(raw []byte) {
	kind, err := common.PeekKind(raw)
	if err != nil {
		return
	}

	switch kind {
	case common.KindPaymentRequest:
		var frame common.PaymentRequest
		if err := json.Unmarshal(raw, &frame); err != nil {
			l.logger.Warnf("ledger: dropping malformed payment_request: %v", err)
			return
		}
		var env envelope.Envelope
		if err := json.Unmarshal(frame.Envelope, &env); err != nil {
			l.logger.Warnf("ledger: dropping payment_request with bad envelope: %v", err)
			return
		}
		switch err := l.OnEnvelopeReceived(frame.From, &env); err {
		case nil:
		case ErrExpiredOnArrival:
			// Dead on arrival, silently discarded.
		default:
			l.logger.Warnf("ledger: dropping payment_request %s: %v", frame.RequestID, err)
		}

	case common.KindRequestCancelled:
		var frame common.RequestCancelled
		if err := json.Unmarshal(raw, &frame); err != nil {
			l.logger.Warnf("ledger: dropping malformed request_cancelled: %v", err)
			return
		}
		l.applyCancelled(frame.RequestID)

	case common.KindRequestPaid:
		var frame common.RequestPaid
		if err := json.Unmarshal(raw, &frame); err != nil {
			l.logger.Warnf("ledger: dropping malformed request_paid: %v", err)
			return
		}
		if err := l.MarkPaid(frame.RequestID, frame.SettlementRef); err != nil {
			l.logger.Warnf("ledger: request_paid for %s ignored: %v", frame.RequestID, err)
		}
	}
}

// applyCancelled is the relay-event path: duplicate or late events against a
// terminal request are no-ops.
func (l *Ledger) applyCancelled(requestID string) {
	l.mu.Lock()
	req, ok := l.requests[requestID]
	if !ok || req.Status.Terminal() {
		l.mu.Unlock()
		return
	}
	req.Status = StatusCancelled
	req.UpdatedAt = l.now()
	snapshot := *req
	l.mu.Unlock()
	l.notify(snapshot)
}

func validAmount(amount string) bool {
	if !amountPattern.MatchString(amount) {
		return false
	}
	return strings.ContainsAny(amount, "123456789")
}

func newRequestID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is unrecoverable for a security protocol.
		panic(fmt.Sprintf("ledger: random source unavailable: %v", err))
	}
	return hex.EncodeToString(buf)
}
