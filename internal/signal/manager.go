package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mikeyg42/rtcall/internal/config"
	"github.com/mikeyg42/rtcall/internal/store"
)

var (
	// ErrAllEndpointsFailed means every candidate endpoint, including the
	// last-resort attempt, was exhausted. The caller may call Connect again
	// later; individual endpoint failures are never surfaced.
	ErrAllEndpointsFailed = errors.New("signal: all endpoints failed")

	// ErrNotConnected is returned by Send when no live channel exists.
	ErrNotConnected = errors.New("signal: not connected")
)

const lastEndpointKey = "signal:last-endpoint"

// EventKind distinguishes channel lifecycle notifications.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
)

func (k EventKind) String() string {
	if k == EventConnected {
		return "connected"
	}
	return "disconnected"
}

// Event is a channel lifecycle notification delivered to subscribers.
type Event struct {
	Kind     EventKind
	Endpoint string
	Err      error // nil on deliberate disconnect
}

// Manager owns the single control channel: it races the candidate endpoint
// list, remembers the last endpoint that worked, restarts dead channels
// from the heartbeat loop, and fans lifecycle events out to subscribers.
type Manager struct {
	cfg    *config.Config
	cache  *store.Store
	logger *zap.Logger

	registry *registry

	mu              sync.Mutex
	channel         *Channel
	authToken       string
	dialCancel      context.CancelFunc
	reconnectCancel context.CancelFunc
	hbStop          chan struct{}

	reconnecting atomic.Bool

	subMu  sync.Mutex
	subs   map[int64]func(Event)
	nextID int64
}

// NewManager creates a Manager. cache may be nil, in which case the
// last-successful endpoint is only remembered for the process lifetime.
func NewManager(cfg *config.Config, cache *store.Store, logger *zap.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if len(cfg.SignalEndpoints) == 0 {
		return nil, fmt.Errorf("at least one signal endpoint is required")
	}

	return &Manager{
		cfg:      cfg,
		cache:    cache,
		logger:   logger.Named("signal"),
		registry: newRegistry(),
		subs:     make(map[int64]func(Event)),
	}, nil
}

// Handle registers the consumer for one inbound method. Registration
// survives reconnects.
func (m *Manager) Handle(method string, h Handler) {
	m.registry.set(method, h)
}

// Subscribe registers a lifecycle listener and returns its unsubscribe
// function. Delivery order is not guaranteed; listeners must not block.
func (m *Manager) Subscribe(fn func(Event)) func() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.nextID++
	id := m.nextID
	m.subs[id] = fn
	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		delete(m.subs, id)
	}
}

func (m *Manager) notify(ev Event) {
	m.subMu.Lock()
	fns := make([]func(Event), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.subMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Channel returns the live channel, or nil when disconnected.
func (m *Manager) Channel() *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.channel != nil && m.channel.Connected() {
		return m.channel
	}
	return nil
}

// Send writes one frame on the live channel.
func (m *Manager) Send(method string, payload any) error {
	ch := m.Channel()
	if ch == nil {
		return ErrNotConnected
	}
	return ch.Send(method, payload)
}

// Connect establishes the control channel. It walks the candidate list
// (last-successful endpoint first) with a bounded per-attempt timeout,
// then makes exactly one conservative last-resort attempt before giving
// up. Calling Connect while already connected is a no-op success.
func (m *Manager) Connect(ctx context.Context, authToken string) (*Channel, error) {
	m.mu.Lock()
	if m.channel != nil && m.channel.Connected() {
		ch := m.channel
		m.mu.Unlock()
		return ch, nil
	}
	m.authToken = authToken

	// A pending Disconnect must be able to abort this attempt.
	dialCtx, cancel := context.WithCancel(ctx)
	m.dialCancel = cancel
	m.mu.Unlock()
	defer cancel()

	header := http.Header{}
	if authToken != "" {
		header.Set("Authorization", "Bearer "+authToken)
	}

	for _, endpoint := range m.candidates(dialCtx) {
		conn, err := m.dialOnce(dialCtx, endpoint, header, m.cfg.ConnectTimeout, true)
		if err != nil {
			m.logger.Info("endpoint failed, falling through",
				zap.String("endpoint", endpoint), zap.Error(err))
			continue
		}
		return m.adopt(dialCtx, conn, endpoint)
	}

	// Last resort: most conservative transport mode against the primary
	// configured endpoint. No compression negotiation, long timeout, one
	// retry.
	endpoint := m.cfg.SignalEndpoints[0]
	var conn *websocket.Conn
	err := backoff.Retry(func() error {
		var dialErr error
		conn, dialErr = m.dialOnce(dialCtx, endpoint, header, m.cfg.LastResortTimeout, false)
		return dialErr
	}, backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Second), 1), dialCtx))
	if err != nil {
		m.logger.Warn("last-resort attempt failed", zap.String("endpoint", endpoint), zap.Error(err))
		return nil, ErrAllEndpointsFailed
	}
	return m.adopt(dialCtx, conn, endpoint)
}

// candidates returns the ordered endpoint list: last-successful endpoint
// first, then the configured list with that entry deduplicated.
func (m *Manager) candidates(ctx context.Context) []string {
	ordered := make([]string, 0, len(m.cfg.SignalEndpoints)+1)

	if m.cache != nil {
		if last, err := m.cache.Get(ctx, lastEndpointKey); err == nil && len(last) > 0 {
			ordered = append(ordered, string(last))
		}
	}
	for _, ep := range m.cfg.SignalEndpoints {
		seen := false
		for _, have := range ordered {
			if have == ep {
				seen = true
				break
			}
		}
		if !seen {
			ordered = append(ordered, ep)
		}
	}
	return ordered
}

func (m *Manager) dialOnce(ctx context.Context, endpoint string, header http.Header, timeout time.Duration, allowCompression bool) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout:  timeout,
		EnableCompression: allowCompression,
	}

	u := url.URL{Scheme: "ws", Host: endpoint, Path: "/ws"}
	if strings.HasSuffix(endpoint, ":443") {
		u.Scheme = "wss"
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(dialCtx, u.String(), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s failed: %w", endpoint, err)
	}
	return conn, nil
}

// adopt installs the freshly dialed connection as the live channel.
func (m *Manager) adopt(ctx context.Context, conn *websocket.Conn, endpoint string) (*Channel, error) {
	m.mu.Lock()
	if m.channel != nil && m.channel.Connected() {
		// A concurrent Connect won; keep the existing channel.
		ch := m.channel
		m.mu.Unlock()
		conn.Close()
		return ch, nil
	}

	ch := newChannel(conn, endpoint, m.registry, m.logger, func(err error) {
		m.handleChannelClosed(err)
	})
	m.channel = ch
	m.hbStop = make(chan struct{})
	go m.heartbeat(m.hbStop)
	m.mu.Unlock()

	if m.cache != nil {
		if err := m.cache.Put(ctx, lastEndpointKey, []byte(endpoint), 0); err != nil {
			m.logger.Warn("failed to persist last endpoint", zap.Error(err))
		}
	}

	m.logger.Info("control channel established",
		zap.String("endpoint", endpoint), zap.String("id", ch.ID()))
	m.notify(Event{Kind: EventConnected, Endpoint: endpoint})
	return ch, nil
}

// handleChannelClosed runs when the read loop of the current channel dies.
// Deliberate disconnects clear m.channel first, so a stale callback is a
// no-op.
func (m *Manager) handleChannelClosed(err error) {
	m.mu.Lock()
	if m.channel == nil || m.channel.Connected() {
		m.mu.Unlock()
		return
	}
	endpoint := m.channel.endpoint
	m.channel = nil
	if m.hbStop != nil {
		close(m.hbStop)
		m.hbStop = nil
	}
	m.mu.Unlock()

	m.logger.Warn("control channel lost", zap.String("endpoint", endpoint), zap.Error(err))
	m.notify(Event{Kind: EventDisconnected, Endpoint: endpoint, Err: err})

	// An unexpected loss is not a reason to stay down; only a deliberate
	// Disconnect is.
	go m.reconnect()
}

// reconnect redials after an unexpected channel loss, retrying with
// exponential backoff until a channel is up or Disconnect aborts it. At
// most one reconnect loop runs at a time.
func (m *Manager) reconnect() {
	if !m.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer m.reconnecting.Store(false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.mu.Lock()
	token := m.authToken
	m.reconnectCancel = cancel
	m.mu.Unlock()

	b := backoff.NewExponentialBackOff()
	b.MaxInterval = m.cfg.HeartbeatInterval
	b.MaxElapsedTime = 0 // keep trying until deliberately stopped

	op := func() error {
		_, err := m.Connect(ctx, token)
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		m.logger.Warn("reconnect abandoned", zap.Error(err))
	}
}

// Disconnect aborts any in-flight Connect, closes the channel, and emits
// one disconnected event.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	if m.reconnectCancel != nil {
		m.reconnectCancel()
		m.reconnectCancel = nil
	}
	ch := m.channel
	m.channel = nil
	if m.hbStop != nil {
		close(m.hbStop)
		m.hbStop = nil
	}
	m.mu.Unlock()

	if ch == nil {
		return
	}
	if err := ch.Close(); err != nil {
		m.logger.Debug("error closing channel", zap.Error(err))
	}
	m.notify(Event{Kind: EventDisconnected, Endpoint: ch.Endpoint()})
}

// heartbeat verifies channel liveness every HeartbeatInterval and emits a
// lightweight activity frame so the server refreshes last-seen timestamps.
// A dead channel triggers one reconnect attempt per tick.
func (m *Manager) heartbeat(stop chan struct{}) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := m.Send(MethodUserActivity, nil); err != nil {
				m.logger.Warn("heartbeat failed, reconnecting", zap.Error(err))
				m.mu.Lock()
				token := m.authToken
				m.mu.Unlock()
				m.Disconnect()
				if _, err := m.Connect(context.Background(), token); err != nil {
					m.logger.Warn("heartbeat reconnect failed", zap.Error(err))
				}
				return
			}
		}
	}
}
