// Package relay implements the client side of the relay protocol: one
// authenticated websocket per device, heartbeats, exponential-backoff
// reconnection, an outbound queue for frames sent while disconnected, and
// fan-out of inbound frames to subscribers.
package relay

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"paylink/common"
	"paylink/configs"
	"paylink/crypto/signkey"
)

// Signer is the signing capability used to answer the relay's auth
// challenge. It is supplied by the key-management layer.
type Signer interface {
	Sign(msg []byte) ([]byte, error)
	PublicKey() signkey.PublicKey
}

// Config carries the connection's wiring. Zero fields fall back to the
// values in configs.
type Config struct {
	URL                   string
	Dial                  DialFunc
	HeartbeatInterval     time.Duration
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	ReconnectMaxAttempts  int
	Logger                *logrus.Logger
}

// Conn owns the transport and the connection state. All mutation goes
// through its mutex; inbound frames are delivered to message subscribers in
// arrival order from the read loop.
type Conn struct {
	mu sync.Mutex

	url    string
	dial   DialFunc
	logger *logrus.Logger

	heartbeatInterval time.Duration
	initialDelay      time.Duration
	maxDelay          time.Duration
	maxAttempts       int

	signer      Signer
	address     string
	initialized bool

	state        State
	transport    Transport
	gen          int
	outbound     [][]byte
	suppress     bool
	authRejected bool

	msgSubs   map[int]func(raw []byte)
	nextMsgID int

	// stateSubs has its own lock so notifyLoop never contends with c.mu
	// while a state change is being published.
	stateMu     sync.Mutex
	stateSubs   map[int]func(State)
	nextStateID int

	reconnectTimer *time.Timer
	heartbeatStop  chan struct{}

	// State changes queue in notifyPending and are delivered by notifyLoop,
	// so a stalled subscriber can never block a goroutine holding c.mu.
	notifyMu      sync.Mutex
	notifyPending []State
	notifyWake    chan struct{}
}

// New builds a connection. It does not dial; call Initialize then Connect.
func New(cfg Config) *Conn {
	if cfg.URL == "" {
		cfg.URL = fmt.Sprintf("ws://%s%s", configs.ServerAddress, configs.WebSocketPath)
	}
	if cfg.Dial == nil {
		cfg.Dial = DialWebSocket
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = configs.HeartbeatInterval
	}
	if cfg.ReconnectInitialDelay == 0 {
		cfg.ReconnectInitialDelay = configs.ReconnectInitialDelay
	}
	if cfg.ReconnectMaxDelay == 0 {
		cfg.ReconnectMaxDelay = configs.ReconnectMaxDelay
	}
	if cfg.ReconnectMaxAttempts == 0 {
		cfg.ReconnectMaxAttempts = configs.ReconnectMaxAttempts
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	c := &Conn{
		url:               cfg.URL,
		dial:              cfg.Dial,
		logger:            cfg.Logger,
		heartbeatInterval: cfg.HeartbeatInterval,
		initialDelay:      cfg.ReconnectInitialDelay,
		maxDelay:          cfg.ReconnectMaxDelay,
		maxAttempts:       cfg.ReconnectMaxAttempts,
		state:             State{Phase: PhaseDisconnected},
		msgSubs:           make(map[int]func([]byte)),
		stateSubs:         make(map[int]func(State)),
		notifyWake:        make(chan struct{}, 1),
	}
	go c.notifyLoop()
	return c
}

// Initialize binds the signing capability and routable address. Idempotent;
// must be called before Connect.
func (c *Conn) Initialize(signer Signer, address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signer = signer
	c.address = address
	c.initialized = true
}

// Connect opens the transport and starts authentication. No-op if the
// connection is already up or in progress. A manual Connect clears a prior
// auth rejection and re-enables automatic reconnection.
func (c *Conn) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suppress = false
	c.authRejected = false
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	return c.connectLocked()
}

// Disconnect closes the transport and synchronously cancels heartbeat and
// reconnect timers. No reconnect fires after Disconnect returns; the
// connection stays down until Connect is called again.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suppress = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.stopHeartbeatLocked()
	if c.transport != nil {
		c.transport.Close()
		c.transport = nil
	}
	c.gen++
	c.state.IsAuthenticated = false
	c.setPhaseLocked(PhaseDisconnected)
}

// Send transmits a frame immediately when connected, otherwise appends it to
// the outbound queue. Queued frames are flushed in FIFO order after the next
// successful authentication. Queuing is a normal result, not an error. A
// frame that cannot be encoded is neither sent nor queued.
func (c *Conn) Send(frame any) (SendResult, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return SendFailed, fmt.Errorf("failed to marshal frame to JSON: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Phase == PhaseConnected && c.transport != nil {
		if err := c.transport.WriteMessage(data); err != nil {
			// The read loop will observe the broken transport and drive
			// reconnection; keep the frame for the flush after reauth.
			c.logger.Warnf("relay: write failed, queuing frame: %v", err)
			c.outbound = append(c.outbound, data)
			return SendQueued, nil
		}
		return SendSent, nil
	}
	c.outbound = append(c.outbound, data)
	return SendQueued, nil
}

// OnMessage registers a handler for inbound frames. Handlers run on the read
// loop in arrival order. Heartbeat pongs and auth replies are handled
// internally and never reach message subscribers. Returns an unsubscribe func.
func (c *Conn) OnMessage(handler func(raw []byte)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextMsgID
	c.nextMsgID++
	c.msgSubs[id] = handler
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.msgSubs, id)
	}
}

// OnStateChange registers a state subscriber. The handler is invoked once
// immediately with the current state, then on every transition. Returns an
// unsubscribe func.
func (c *Conn) OnStateChange(handler func(State)) (unsubscribe func()) {
	c.stateMu.Lock()
	id := c.nextStateID
	c.nextStateID++
	c.stateSubs[id] = handler
	c.stateMu.Unlock()

	handler(c.State())
	return func() {
		c.stateMu.Lock()
		defer c.stateMu.Unlock()
		delete(c.stateSubs, id)
	}
}

// State returns a snapshot of the connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) connectLocked() error {
	switch c.state.Phase {
	case PhaseConnected, PhaseConnecting, PhaseAuthenticating:
		return nil
	}
	if !c.initialized {
		return ErrNotInitialized
	}

	c.setPhaseLocked(PhaseConnecting)
	c.gen++
	gen := c.gen
	url := c.url

	// A dial can take seconds; releasing the lock keeps Send, State and
	// Disconnect responsive meanwhile. The generation guard absorbs a
	// Disconnect racing the dial.
	c.mu.Unlock()
	transport, err := c.dial(url)
	c.mu.Lock()

	if gen != c.gen || c.suppress {
		if err == nil {
			transport.Close()
		}
		return nil
	}
	if err != nil {
		err = fmt.Errorf("relay: dial: %w", err)
		c.state.LastError = err
		c.setPhaseLocked(PhaseError)
		c.scheduleReconnectLocked()
		return err
	}

	c.transport = transport
	c.setPhaseLocked(PhaseAuthenticating)

	if err := c.writeAuthLocked(); err != nil {
		transport.Close()
		c.transport = nil
		c.state.LastError = err
		c.setPhaseLocked(PhaseError)
		c.scheduleReconnectLocked()
		return err
	}

	go c.readLoop(transport, gen)
	return nil
}

func (c *Conn) writeAuthLocked() error {
	ts := time.Now().UnixMilli()
	sig, err := c.signer.Sign(common.AuthChallenge(c.address, ts))
	if err != nil {
		return fmt.Errorf("relay: signing auth challenge: %w", err)
	}
	frame := common.Auth{
		Type:             common.KindAuth,
		Address:          c.address,
		SigningPublicKey: c.signer.PublicKey(),
		Timestamp:        ts,
		Signature:        sig,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if err := c.transport.WriteMessage(data); err != nil {
		return fmt.Errorf("relay: sending auth: %w", err)
	}
	return nil
}

func (c *Conn) readLoop(t Transport, gen int) {
	for {
		data, err := t.ReadMessage()
		if err != nil {
			c.handleClosure(gen, err)
			return
		}

		kind, err := common.PeekKind(data)
		if err != nil {
			// A single bad frame never tears down the connection.
			c.logger.Warnf("relay: dropping malformed frame: %v", err)
			continue
		}

		switch kind {
		case common.KindPong:
			// Heartbeat ack, swallowed.
		case common.KindAuthSuccess:
			c.handleAuthSuccess(gen)
		case common.KindAuthError:
			c.handleAuthError(gen, data)
		default:
			c.dispatch(data)
		}
	}
}

func (c *Conn) dispatch(raw []byte) {
	c.mu.Lock()
	handlers := make([]func([]byte), 0, len(c.msgSubs))
	for _, h := range c.msgSubs {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(raw)
	}
}

func (c *Conn) handleAuthSuccess(gen int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.state.IsAuthenticated = true
	c.state.LastError = nil
	c.state.ReconnectAttempts = 0
	c.setPhaseLocked(PhaseConnected)
	c.flushQueueLocked()
	c.startHeartbeatLocked()
	c.logger.Infof("relay: authenticated as %s", c.address)
}

func (c *Conn) handleAuthError(gen int, raw []byte) {
	var frame common.AuthError
	if err := json.Unmarshal(raw, &frame); err != nil {
		frame.Error = "unparseable auth_error"
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.authRejected = true
	c.state.IsAuthenticated = false
	c.state.LastError = fmt.Errorf("%w: %s", ErrAuthRejected, frame.Error)
	if c.transport != nil {
		c.transport.Close()
		c.transport = nil
	}
	c.gen++
	c.setPhaseLocked(PhaseError)
	c.logger.Errorf("relay: auth rejected: %s", frame.Error)
}

// handleClosure runs when the read loop dies. A closure requested through
// Disconnect never schedules a reconnect; any other closure does, within the
// backoff policy.
func (c *Conn) handleClosure(gen int, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.stopHeartbeatLocked()
	if c.transport != nil {
		c.transport.Close()
		c.transport = nil
	}
	c.gen++
	c.state.IsAuthenticated = false

	if c.suppress {
		c.setPhaseLocked(PhaseDisconnected)
		return
	}

	c.logger.Warnf("relay: connection lost: %v", cause)
	c.state.LastError = cause
	c.setPhaseLocked(PhaseError)
	c.scheduleReconnectLocked()
}

func (c *Conn) scheduleReconnectLocked() {
	if c.suppress || c.authRejected {
		return
	}
	if c.state.ReconnectAttempts >= c.maxAttempts {
		c.logger.Errorf("relay: giving up after %d reconnect attempts", c.state.ReconnectAttempts)
		return
	}
	delay := backoffDelay(c.state.ReconnectAttempts, c.initialDelay, c.maxDelay)
	c.state.ReconnectAttempts++
	c.logger.Infof("relay: reconnecting in %s (attempt %d)", delay, c.state.ReconnectAttempts)
	c.reconnectTimer = time.AfterFunc(delay, c.autoReconnect)
}

func (c *Conn) autoReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.suppress || c.authRejected {
		return
	}
	if err := c.connectLocked(); err != nil {
		c.logger.Warnf("relay: reconnect attempt failed: %v", err)
	}
}

// backoffDelay doubles from initial up to max: initial, 2*initial, 4*initial...
func backoffDelay(attempt int, initial, max time.Duration) time.Duration {
	delay := initial
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

func (c *Conn) flushQueueLocked() {
	if len(c.outbound) == 0 || c.transport == nil {
		return
	}
	flushed := 0
	for _, data := range c.outbound {
		if err := c.transport.WriteMessage(data); err != nil {
			c.logger.Warnf("relay: flush interrupted: %v", err)
			break
		}
		flushed++
	}
	c.outbound = c.outbound[flushed:]
	if flushed > 0 {
		c.logger.Infof("relay: flushed %d queued frames", flushed)
	}
}

func (c *Conn) startHeartbeatLocked() {
	c.stopHeartbeatLocked()
	stop := make(chan struct{})
	c.heartbeatStop = stop

	go func() {
		ticker := time.NewTicker(c.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.sendHeartbeat()
			}
		}
	}()
}

func (c *Conn) stopHeartbeatLocked() {
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
}

func (c *Conn) sendHeartbeat() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Phase != PhaseConnected || c.transport == nil {
		return
	}
	data, err := json.Marshal(common.Ping{Type: common.KindPing, Timestamp: time.Now().UnixMilli()})
	if err != nil {
		return
	}
	if err := c.transport.WriteMessage(data); err != nil {
		c.logger.Warnf("relay: heartbeat write failed: %v", err)
	}
}

func (c *Conn) setPhaseLocked(phase Phase) {
	c.state.Phase = phase
	c.notifyMu.Lock()
	c.notifyPending = append(c.notifyPending, c.state)
	c.notifyMu.Unlock()
	select {
	case c.notifyWake <- struct{}{}:
	default:
	}
}

func (c *Conn) notifyLoop() {
	for range c.notifyWake {
		for {
			c.notifyMu.Lock()
			if len(c.notifyPending) == 0 {
				c.notifyMu.Unlock()
				break
			}
			st := c.notifyPending[0]
			c.notifyPending = c.notifyPending[1:]
			c.notifyMu.Unlock()

			c.stateMu.Lock()
			handlers := make([]func(State), 0, len(c.stateSubs))
			for _, h := range c.stateSubs {
				handlers = append(handlers, h)
			}
			c.stateMu.Unlock()
			for _, h := range handlers {
				h(st)
			}
		}
	}
}
