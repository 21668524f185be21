// Package server implements the reference relay. It authenticates clients
// via signed challenges, keeps a Redis-backed identity directory, routes
// opaque encrypted frames between connected clients, and queues frames for
// offline recipients. It never sees plaintext request contents.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"paylink/common"
	"paylink/configs"
	"paylink/crypto/signkey"
	"paylink/directory"
	"paylink/identity"
)

// AuthMaxSkew bounds how stale an auth challenge timestamp may be.
const AuthMaxSkew = 5 * time.Minute

type client struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	address string
	limiter *rate.Limiter
}

func (c *client) send(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *client) sendRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

type Server struct {
	ctx       context.Context
	cancelCtx context.CancelFunc

	store   *Store
	clients map[string]*client
	mutex   sync.Mutex
	logger  *logrus.Logger

	upgrader *websocket.Upgrader
}

func NewServer(ctx context.Context, store *Store, logger *logrus.Logger) *Server {
	ctx, cancelCtx := context.WithCancel(ctx)
	return &Server{
		ctx:       ctx,
		cancelCtx: cancelCtx,
		store:     store,
		clients:   make(map[string]*client),
		logger:    logger,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) Close() {
	s.cancelCtx()
	s.mutex.Lock()
	for _, c := range s.clients {
		c.ws.Close()
	}
	s.mutex.Unlock()
}

// HandleConnections upgrades the HTTP request and runs the per-connection
// protocol: authenticate first, then route frames until the socket closes.
func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorf("Error upgrading to WebSocket: %v", err)
		return
	}
	defer ws.Close()

	c, ok := s.authenticate(ws)
	if !ok {
		return
	}

	s.mutex.Lock()
	s.clients[c.address] = c
	s.mutex.Unlock()
	s.logger.Infof("Client %s connected", c.address)

	s.flushOfflineQueue(c)

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			break
		}
		s.handleFrame(c, raw)
	}

	s.mutex.Lock()
	if s.clients[c.address] == c {
		delete(s.clients, c.address)
	}
	s.mutex.Unlock()
	s.logger.Infof("Client %s disconnected", c.address)
}

// authenticate reads the first frame, which must be a valid signed auth
// challenge whose address matches the signing key.
func (s *Server) authenticate(ws *websocket.Conn) (*client, bool) {
	ws.SetReadDeadline(time.Now().Add(configs.AuthDeadline))
	defer ws.SetReadDeadline(time.Time{})

	_, raw, err := ws.ReadMessage()
	if err != nil {
		s.logger.Warnf("No auth frame received: %v", err)
		return nil, false
	}

	reject := func(reason string) (*client, bool) {
		s.logger.Warnf("Auth rejected: %s", reason)
		data, _ := json.Marshal(common.AuthError{Type: common.KindAuthError, Error: reason})
		ws.WriteMessage(websocket.TextMessage, data)
		return nil, false
	}

	var auth common.Auth
	if err := json.Unmarshal(raw, &auth); err != nil || auth.Type != common.KindAuth {
		return reject("first frame must be auth")
	}

	addr := identity.NormalizeAddress(auth.Address)
	if identity.DeriveAddress(auth.SigningPublicKey) != addr {
		return reject("address does not match signing key")
	}
	skew := time.Since(time.UnixMilli(auth.Timestamp))
	if skew > AuthMaxSkew || skew < -AuthMaxSkew {
		return reject("challenge timestamp out of range")
	}
	if err := signkey.Verify(auth.SigningPublicKey,
		common.AuthChallenge(auth.Address, auth.Timestamp), auth.Signature); err != nil {
		return reject("invalid signature")
	}

	c := &client{
		ws:      ws,
		address: addr,
		limiter: rate.NewLimiter(rate.Limit(configs.LookupRateLimit), configs.LookupRateBurst),
	}

	success := common.AuthSuccess{Type: common.KindAuthSuccess, Address: addr}
	if id, err := s.store.LoadIdentity(s.ctx, addr); err == nil {
		success.Handle = id.Handle
		success.ShortID = id.ShortID
	}
	if err := c.send(success); err != nil {
		s.logger.Warnf("Error sending auth_success to %s: %v", addr, err)
		return nil, false
	}
	return c, true
}

func (s *Server) handleFrame(c *client, raw []byte) {
	kind, err := common.PeekKind(raw)
	if err != nil {
		s.logger.Warnf("Invalid frame from %s: %v", c.address, err)
		return
	}

	switch kind {
	case common.KindRegister:
		s.handleRegister(c, raw)
	case common.KindLookup:
		s.handleLookup(c, raw)
	case common.KindPaymentRequest:
		s.handlePaymentRequest(c, raw)
	case common.KindCancelRequest:
		s.handleCancel(c, raw)
	case common.KindRequestPaid:
		s.handlePaid(c, raw)
	case common.KindPing:
		var ping common.Ping
		if json.Unmarshal(raw, &ping) == nil {
			c.send(common.Pong{Type: common.KindPong, Timestamp: ping.Timestamp})
		}
	default:
		c.send(common.ServerError{Type: common.KindError, Error: "unsupported frame", Code: "unsupported"})
	}
}

func (s *Server) handleRegister(c *client, raw []byte) {
	var reg common.Register
	if err := json.Unmarshal(raw, &reg); err != nil {
		c.send(common.RegisterError{Type: common.KindRegisterError, Error: "malformed register"})
		return
	}
	if len(reg.EncryptionPublicKey) == 0 {
		c.send(common.RegisterError{Type: common.KindRegisterError, Error: "missing encryption key"})
		return
	}

	handle := reg.Handle
	if handle != "" {
		kind, normalized := directory.Classify(handle)
		if kind != directory.QueryHandle {
			c.send(common.RegisterError{Type: common.KindRegisterError, Error: "invalid handle"})
			return
		}
		handle = normalized
		ok, err := s.store.ClaimHandle(s.ctx, handle, c.address)
		if err != nil {
			s.logger.Errorf("Error claiming handle %s: %v", handle, err)
			c.send(common.RegisterError{Type: common.KindRegisterError, Error: "internal error"})
			return
		}
		if !ok {
			c.send(common.RegisterError{Type: common.KindRegisterError, Error: "handle taken"})
			return
		}
	}

	// Keep a previously assigned short id across re-registration.
	shortID := ""
	if existing, err := s.store.LoadIdentity(s.ctx, c.address); err == nil {
		shortID = existing.ShortID
	}
	if shortID == "" {
		var err error
		shortID, err = s.store.NextShortID(s.ctx, c.address)
		if err != nil {
			s.logger.Errorf("Error allocating short id for %s: %v", c.address, err)
			c.send(common.RegisterError{Type: common.KindRegisterError, Error: "internal error"})
			return
		}
	}

	if err := s.store.SaveIdentity(s.ctx, StoredIdentity{
		Address:             c.address,
		Handle:              handle,
		ShortID:             shortID,
		EncryptionPublicKey: reg.EncryptionPublicKey,
	}); err != nil {
		s.logger.Errorf("Error saving identity for %s: %v", c.address, err)
		c.send(common.RegisterError{Type: common.KindRegisterError, Error: "internal error"})
		return
	}

	c.send(common.RegisterSuccess{Type: common.KindRegisterSuccess, Handle: handle, ShortID: shortID})
}

func (s *Server) handleLookup(c *client, raw []byte) {
	var lookup common.Lookup
	if err := json.Unmarshal(raw, &lookup); err != nil {
		return
	}

	fail := func(reason string) {
		c.send(common.LookupError{Type: common.KindLookupError, Query: lookup.Query, Error: reason})
	}

	if !c.limiter.Allow() {
		fail("rate_limited")
		return
	}

	kind, normalized := directory.Classify(lookup.Query)
	var (
		addr string
		err  error
	)
	switch kind {
	case directory.QueryAddress:
		addr = normalized
	case directory.QueryHandle:
		addr, err = s.store.AddressByHandle(s.ctx, normalized)
	case directory.QueryShortID:
		addr, err = s.store.AddressByShortID(s.ctx, normalized)
	default:
		fail("invalid_query")
		return
	}
	if err != nil {
		fail(common.LookupErrNotFound)
		return
	}

	id, err := s.store.LoadIdentity(s.ctx, addr)
	if err != nil {
		fail(common.LookupErrNotFound)
		return
	}

	s.mutex.Lock()
	_, online := s.clients[addr]
	s.mutex.Unlock()

	c.send(common.LookupResult{
		Type:                common.KindLookupResult,
		Address:             id.Address,
		Handle:              id.Handle,
		ShortID:             id.ShortID,
		EncryptionPublicKey: id.EncryptionPublicKey,
		Online:              online,
	})
}

func (s *Server) handlePaymentRequest(c *client, raw []byte) {
	var frame common.PaymentRequest
	if err := json.Unmarshal(raw, &frame); err != nil {
		s.logger.Warnf("Malformed payment_request from %s: %v", c.address, err)
		return
	}

	to := identity.NormalizeAddress(frame.To)
	if err := s.store.SaveRoute(s.ctx, frame.RequestID, c.address, to); err != nil {
		s.logger.Errorf("Error saving route for %s: %v", frame.RequestID, err)
	}

	// Stamp the verified sender and strip the recipient before delivery.
	frame.From = c.address
	frame.To = ""
	s.routeFrame(to, frame)
}

func (s *Server) handleCancel(c *client, raw []byte) {
	var frame common.CancelRequest
	if err := json.Unmarshal(raw, &frame); err != nil {
		return
	}
	peer, ok := s.counterparty(c.address, frame.RequestID)
	if !ok {
		return
	}
	s.routeFrame(peer, common.RequestCancelled{
		Type:        common.KindRequestCancelled,
		RequestID:   frame.RequestID,
		CancelledBy: c.address,
	})
}

func (s *Server) handlePaid(c *client, raw []byte) {
	var frame common.RequestPaid
	if err := json.Unmarshal(raw, &frame); err != nil {
		return
	}
	peer, ok := s.counterparty(c.address, frame.RequestID)
	if !ok {
		return
	}
	s.routeFrame(peer, common.RequestPaid{
		Type:          common.KindRequestPaid,
		RequestID:     frame.RequestID,
		SettlementRef: frame.SettlementRef,
		PaidBy:        c.address,
	})
}

// counterparty finds the other party of a request. Events from an address
// that is not a party of the request are dropped.
func (s *Server) counterparty(sender, requestID string) (string, bool) {
	from, to, err := s.store.LoadRoute(s.ctx, requestID)
	if err != nil {
		s.logger.Warnf("No route for request %s: %v", requestID, err)
		return "", false
	}
	switch sender {
	case from:
		return to, true
	case to:
		return from, true
	default:
		s.logger.Warnf("Address %s is not a party of request %s", sender, requestID)
		return "", false
	}
}

// routeFrame delivers a frame to a recipient, queuing it if they are offline.
func (s *Server) routeFrame(to string, frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		s.logger.Errorf("Error marshalling frame for %s: %v", to, err)
		return
	}

	s.mutex.Lock()
	recipient, online := s.clients[to]
	s.mutex.Unlock()

	if online {
		if err := recipient.sendRaw(data); err == nil {
			return
		}
		s.logger.Warnf("Error delivering frame to %s, queuing", to)
	}
	if err := s.store.QueueFrame(s.ctx, to, data); err != nil {
		s.logger.Errorf("Error queuing frame for %s: %v", to, err)
	}
}

// flushOfflineQueue replays frames that arrived while the client was away.
func (s *Server) flushOfflineQueue(c *client) {
	frames, err := s.store.DrainFrames(s.ctx, c.address)
	if err != nil {
		s.logger.Errorf("Error draining queue for %s: %v", c.address, err)
		return
	}
	for _, data := range frames {
		if err := c.sendRaw(data); err != nil {
			s.logger.Warnf("Error replaying queued frame to %s: %v", c.address, err)
			return
		}
	}
}
