// Package transport manages the client's persistent signaling channel:
// connect handshake, heartbeat, outbound queueing while the channel is
// not ready, and exponential-backoff reconnection.
package transport

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pairvid/pairvid/internal/wire"
)

// State is the transport lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed // terminal: attempt ceiling exhausted
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Handler receives transport events. Callbacks run on the read loop
// goroutine and must not block for long.
type Handler interface {
	OnReady()
	OnMessage(destination string, body []byte)
	OnConnectionLost(err error)
}

// Config holds transport tunables.
type Config struct {
	URL               string
	BackoffBase       time.Duration
	BackoffCeiling    time.Duration
	MaxAttempts       int
	HeartbeatInterval time.Duration
}

// DefaultConfig returns the standard reconnection policy.
func DefaultConfig(url string) Config {
	return Config{
		URL:               url,
		BackoffBase:       time.Second,
		BackoffCeiling:    30 * time.Second,
		MaxAttempts:       10,
		HeartbeatInterval: 10 * time.Second,
	}
}

// Client is the reconnecting signaling channel.
type Client struct {
	cfg     Config
	handler Handler

	dial func(url string) (*websocket.Conn, error)

	wmu sync.Mutex // serializes websocket writes

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	credential     string
	ready          bool
	pending        [][]byte
	attempts       int
	reconnectTimer *time.Timer
	userClosed     bool
	hbStop         chan struct{}
}

// NewClient creates a transport client. Connect must be called before
// messages flow; Send may be called earlier and will queue.
func NewClient(cfg Config, handler Handler) *Client {
	return &Client{
		cfg:     cfg,
		handler: handler,
		dial: func(url string) (*websocket.Conn, error) {
			conn, _, err := websocket.DefaultDialer.Dial(url, nil)
			return conn, err
		},
	}
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the server and performs the CONNECT handshake with the
// given bearer credential. A dial failure schedules a reconnect and is
// also returned so the caller knows the first attempt failed.
func (c *Client) Connect(credential string) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.credential = credential
	c.userClosed = false
	c.state = StateConnecting
	c.mu.Unlock()

	if err := c.dialAndHandshake(); err != nil {
		c.scheduleReconnect(err)
		return err
	}
	return nil
}

// Disconnect closes the channel and suppresses auto-reconnect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.userClosed = true
	c.state = StateDisconnected
	c.ready = false
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.stopHeartbeatLocked()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// Send queues or writes a SEND frame for destination. Messages posted
// while the channel is not logically ready are held in arrival order
// and flushed the moment readiness is reached; the queue is never
// silently dropped. Returns true when the frame went out immediately.
func (c *Client) Send(destination string, body []byte) bool {
	raw := wire.Marshal(wire.NewFrame(wire.CmdSend, destination, body))

	c.mu.Lock()
	if !c.ready || c.conn == nil {
		c.pending = append(c.pending, raw)
		c.mu.Unlock()
		return false
	}
	conn := c.conn
	c.mu.Unlock()

	if err := c.write(conn, raw); err != nil {
		log.Printf("[transport] send failed: %v", err)
		return false
	}
	return true
}

// Subscribe registers interest in a destination.
func (c *Client) Subscribe(id, destination string) {
	f := wire.Frame{
		Command: wire.CmdSubscribe,
		Headers: map[string]string{wire.HdrID: id, wire.HdrDestination: destination},
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	if err := c.write(conn, wire.Marshal(f)); err != nil {
		log.Printf("[transport] subscribe failed: %v", err)
	}
}

func (c *Client) dialAndHandshake() error {
	conn, err := c.dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	if c.userClosed {
		c.mu.Unlock()
		conn.Close()
		return fmt.Errorf("disconnected by user")
	}
	c.conn = conn
	hbStop := make(chan struct{})
	c.hbStop = hbStop
	credential := c.credential
	c.mu.Unlock()

	connect := wire.Frame{
		Command: wire.CmdConnect,
		Headers: map[string]string{wire.HdrAuthorization: "Bearer " + credential},
	}
	if err := c.write(conn, wire.Marshal(connect)); err != nil {
		conn.Close()
		return fmt.Errorf("send CONNECT: %w", err)
	}

	go c.readLoop(conn)
	go c.heartbeatLoop(conn, hbStop)
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.onConnClosed(conn, err)
			return
		}
		if wire.IsHeartbeat(raw) {
			continue
		}

		f, err := wire.Unmarshal(raw)
		if err != nil {
			log.Printf("[transport] malformed frame: %v", err)
			continue
		}

		switch f.Command {
		case wire.CmdConnected:
			c.onReady(conn)
		case wire.CmdMessage:
			c.handler.OnMessage(f.Header(wire.HdrDestination), f.Body)
		case wire.CmdError:
			log.Printf("[transport] server error: %s", f.Header(wire.HdrMessage))
		default:
			log.Printf("[transport] unexpected %s frame", f.Command)
		}
	}
}

// onReady flushes the pending queue in arrival order and resets the
// attempt counter. Every successful connection starts backoff over.
func (c *Client) onReady(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.state = StateConnected
	c.ready = true
	c.attempts = 0
	queued := c.pending
	c.pending = nil
	c.mu.Unlock()

	for i, raw := range queued {
		if err := c.write(conn, raw); err != nil {
			// Put the unsent tail back ahead of anything queued since;
			// the read loop notices the closure and drives reconnect,
			// and the next onReady delivers the lot.
			log.Printf("[transport] flush failed, re-queueing %d messages: %v", len(queued)-i, err)
			c.mu.Lock()
			c.pending = append(append([][]byte{}, queued[i:]...), c.pending...)
			if c.conn == conn {
				c.ready = false
			}
			c.mu.Unlock()
			return
		}
	}
	log.Printf("[transport] ready, flushed %d queued messages", len(queued))
	c.handler.OnReady()
}

func (c *Client) heartbeatLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			// A failed heartbeat is logged only; reconnect is driven by
			// the read loop's closure signal to avoid double-triggering.
			if err := c.write(conn, []byte(wire.Heartbeat)); err != nil {
				log.Printf("[transport] heartbeat failed: %v", err)
			}
		}
	}
}

func (c *Client) onConnClosed(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.ready = false
	c.stopHeartbeatLocked()
	if c.userClosed {
		c.state = StateDisconnected
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	conn.Close()
	log.Printf("[transport] connection lost: %v", err)
	c.scheduleReconnect(err)
}

func (c *Client) scheduleReconnect(cause error) {
	c.mu.Lock()
	if c.userClosed || c.state == StateFailed {
		c.mu.Unlock()
		return
	}
	c.attempts++
	if c.attempts > c.cfg.MaxAttempts {
		c.state = StateFailed
		c.mu.Unlock()
		log.Printf("[transport] giving up after %d attempts", c.cfg.MaxAttempts)
		c.handler.OnConnectionLost(cause)
		return
	}
	c.state = StateReconnecting
	delay := backoffDelay(c.cfg.BackoffBase, c.cfg.BackoffCeiling, c.attempts)
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	c.reconnectTimer = time.AfterFunc(delay, c.redial)
	attempt := c.attempts
	c.mu.Unlock()

	log.Printf("[transport] reconnect attempt %d in %s", attempt, delay)
}

func (c *Client) redial() {
	c.mu.Lock()
	if c.userClosed || c.state == StateFailed {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.mu.Unlock()

	if err := c.dialAndHandshake(); err != nil {
		c.scheduleReconnect(err)
	}
}

func (c *Client) stopHeartbeatLocked() {
	if c.hbStop != nil {
		close(c.hbStop)
		c.hbStop = nil
	}
}

func (c *Client) write(conn *websocket.Conn, raw []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, raw)
}

// backoffDelay returns the delay before the given 1-based attempt:
// base doubled per failure, capped at ceiling.
func backoffDelay(base, ceiling time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	if d > ceiling {
		return ceiling
	}
	return d
}
