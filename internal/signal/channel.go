package signal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
	"go.uber.org/zap"
)

// Handler consumes the raw params of one inbound control-channel frame.
type Handler func(params json.RawMessage)

// registry maps method names to handlers. It outlives any single channel so
// reconnects keep the registered consumers.
type registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func newRegistry() *registry {
	return &registry{handlers: make(map[string]Handler)}
}

func (r *registry) set(method string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = h
}

func (r *registry) get(method string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[method]
	return h, ok
}

// Channel is the live control connection. It is created by the Manager on a
// successful handshake and invalidated on disconnect; nothing else owns its
// lifecycle.
type Channel struct {
	id       string
	endpoint string
	conn     *websocket.Conn
	registry *registry
	logger   *zap.Logger

	writeMu sync.Mutex
	closed  atomic.Bool
	done    chan struct{}

	// onClose fires once when the read loop exits, however that happens.
	onClose func(err error)
}

func newChannel(conn *websocket.Conn, endpoint string, reg *registry, logger *zap.Logger, onClose func(error)) *Channel {
	c := &Channel{
		id:       uuid.NewString(),
		endpoint: endpoint,
		conn:     conn,
		registry: reg,
		logger:   logger.Named("channel").With(zap.String("endpoint", endpoint)),
		done:     make(chan struct{}),
		onClose:  onClose,
	}
	go c.readLoop()
	return c
}

func (c *Channel) ID() string       { return c.id }
func (c *Channel) Endpoint() string { return c.endpoint }

func (c *Channel) Connected() bool {
	return !c.closed.Load()
}

// Send marshals payload and writes one request frame. Concurrent senders
// are serialized; gorilla/websocket allows only one writer at a time.
func (c *Channel) Send(method string, payload any) error {
	if c.closed.Load() {
		return ErrNotConnected
	}

	var params json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal %s params: %w", method, err)
		}
		params = raw
	}

	req := &jsonrpc2.Request{
		Method: method,
		Params: (*json.RawMessage)(&params),
		ID:     jsonrpc2.ID{Num: uint64(uuid.New().ID())},
	}

	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(req); err != nil {
		return fmt.Errorf("failed to encode %s frame: %w", method, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", method, err)
	}
	return nil
}

func (c *Channel) readLoop() {
	var loopErr error
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !c.closed.Load() && !errors.Is(err, websocket.ErrCloseSent) {
				loopErr = err
			}
			break
		}
		c.dispatch(message)
	}

	c.closed.Store(true)
	close(c.done)
	if c.onClose != nil {
		c.onClose(loopErr)
	}
}

func (c *Channel) dispatch(message []byte) {
	var req jsonrpc2.Request
	if err := json.Unmarshal(message, &req); err != nil {
		c.logger.Warn("dropping unparseable frame", zap.Error(err))
		return
	}

	handler, ok := c.registry.get(req.Method)
	if !ok {
		c.logger.Debug("no handler for method", zap.String("method", req.Method))
		return
	}

	var params json.RawMessage
	if req.Params != nil {
		params = *req.Params
	}
	handler(params)
}

// Close tears the connection down and waits for the read loop to exit.
func (c *Channel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.writeMu.Lock()
	// Best effort; the peer may already be gone.
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	err := c.conn.Close()
	<-c.done
	return err
}
