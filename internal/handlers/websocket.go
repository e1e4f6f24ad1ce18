package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/pairvid/pairvid/internal/geo"
	"github.com/pairvid/pairvid/internal/matching"
	"github.com/pairvid/pairvid/internal/middleware"
	"github.com/pairvid/pairvid/internal/models"
	"github.com/pairvid/pairvid/internal/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	pingInterval = 54 * time.Second
)

// Registry tracks live sessions by user ID and is the delivery side of
// both engine notifications and signal routing.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*session)}
}

func (r *Registry) add(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.userID] = s
}

func (r *Registry) remove(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.userID] == s {
		delete(r.sessions, s.userID)
	}
}

// Notify implements matching.Notifier: the event is wrapped in a
// MESSAGE frame on the user's private event queue. Best effort.
func (r *Registry) Notify(userID string, event any) {
	body, err := json.Marshal(event)
	if err != nil {
		log.Printf("[ws] marshal event for %s: %v", userID, err)
		return
	}
	r.push(userID, wire.NewFrame(wire.CmdMessage, wire.DestEvents, body))
}

// Deliver implements Delivery for the signal router.
func (r *Registry) Deliver(userID string, msg models.SignalMessage) bool {
	body, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[ws] marshal signal for %s: %v", userID, err)
		return false
	}
	return r.push(userID, wire.NewFrame(wire.CmdMessage, wire.DestSignals, body))
}

func (r *Registry) push(userID string, f wire.Frame) bool {
	r.mu.RLock()
	s, ok := r.sessions[userID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case s.send <- wire.Marshal(f):
		return true
	default:
		log.Printf("[ws] send buffer full for %s, dropping frame", userID)
		return false
	}
}

// session is one authenticated websocket connection.
type session struct {
	userID string
	claims *middleware.Claims
	ip     string
	conn   *websocket.Conn
	send   chan []byte
}

// SignalingServer owns the websocket endpoint: frame parsing, CONNECT
// authentication, and dispatch into the engine and router.
type SignalingServer struct {
	jwtSecret string
	engine    *matching.Engine
	router    *Router
	geo       *geo.Resolver
	registry  *Registry
}

func NewSignalingServer(jwtSecret string, engine *matching.Engine, router *Router, resolver *geo.Resolver, registry *Registry) *SignalingServer {
	return &SignalingServer{
		jwtSecret: jwtSecret,
		engine:    engine,
		router:    router,
		geo:       resolver,
		registry:  registry,
	}
}

// HandleWS upgrades the connection and runs the frame loop. The HTTP
// request itself is unauthenticated; the credential arrives in the
// CONNECT frame.
func (s *SignalingServer) HandleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[ws] failed to upgrade connection: %v", err)
		return
	}

	ip := c.ClientIP()
	go s.readPump(conn, ip)
}

func (s *SignalingServer) readPump(conn *websocket.Conn, ip string) {
	var sess *session
	defer func() {
		conn.Close()
		if sess != nil {
			s.registry.remove(sess)
			s.engine.Disconnect(sess.userID)
			log.Printf("[ws] session closed for %s", sess.userID)
		}
	}()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[ws] read error: %v", err)
			}
			return
		}

		if wire.IsHeartbeat(raw) {
			conn.SetReadDeadline(time.Now().Add(readTimeout))
			continue
		}

		f, err := wire.Unmarshal(raw)
		if err != nil {
			log.Printf("[ws] malformed frame: %v", err)
			continue
		}

		if sess == nil {
			sess = s.handleConnect(conn, f, ip)
			if sess == nil {
				return
			}
			continue
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		s.handleFrame(sess, f)
	}
}

// handleConnect expects the first frame to be CONNECT with a valid
// bearer token. Anything else ends the connection with an ERROR frame.
func (s *SignalingServer) handleConnect(conn *websocket.Conn, f wire.Frame, ip string) *session {
	if f.Command != wire.CmdConnect {
		writeFrame(conn, errorFrame("expected CONNECT"))
		return nil
	}

	claims, err := middleware.ParseToken(f.Header(wire.HdrAuthorization), s.jwtSecret)
	if err != nil {
		log.Printf("[ws] connect rejected: %v", err)
		writeFrame(conn, errorFrame("authentication failed"))
		return nil
	}

	sess := &session{
		userID: claims.UserID,
		claims: claims,
		ip:     ip,
		conn:   conn,
		send:   make(chan []byte, 256),
	}
	s.registry.add(sess)
	go sess.writePump()

	sess.send <- wire.Marshal(wire.Frame{
		Command: wire.CmdConnected,
		Headers: map[string]string{"user-id": claims.UserID},
	})
	log.Printf("[ws] %s connected from %s", claims.UserID, ip)
	return sess
}

func (s *SignalingServer) handleFrame(sess *session, f wire.Frame) {
	switch f.Command {
	case wire.CmdSubscribe, wire.CmdUnsubscribe:
		// Private queues are implicit per user; subscriptions are
		// acknowledged by doing nothing.
	case wire.CmdSend:
		s.handleSend(sess, f)
	default:
		log.Printf("[ws] unexpected %s frame from %s", f.Command, sess.userID)
	}
}

func (s *SignalingServer) handleSend(sess *session, f wire.Frame) {
	switch f.Header(wire.HdrDestination) {
	case wire.DestJoin:
		var req models.JoinRequest
		if err := json.Unmarshal(f.Body, &req); err != nil {
			log.Printf("[ws] malformed join from %s: %v", sess.userID, err)
			return
		}
		s.engine.Join(s.buildEntry(sess, req))
		// Opportunistic pass so a compatible pair does not wait a tick.
		s.engine.Tick()

	case wire.DestLeave:
		s.engine.Leave(sess.userID)

	case wire.DestSignal:
		var msg models.SignalMessage
		if err := json.Unmarshal(f.Body, &msg); err != nil {
			log.Printf("[ws] malformed signal from %s: %v", sess.userID, err)
			return
		}
		switch msg.Type {
		case models.SignalTypeOffer, models.SignalTypeAnswer, models.SignalTypeCandidate:
			s.router.Route(sess.userID, msg)
		default:
			log.Printf("[ws] unknown signal type %q from %s", msg.Type, sess.userID)
		}

	default:
		log.Printf("[ws] SEND to unknown destination %q from %s", f.Header(wire.HdrDestination), sess.userID)
	}
}

func (s *SignalingServer) buildEntry(sess *session, req models.JoinRequest) models.WaitingEntry {
	country := req.MyCountry
	if country == "" || country == models.AutoCountry {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		country = s.geo.Country(ctx, sess.ip)
		cancel()
	}

	targetGender := req.TargetGender
	if targetGender == "" {
		targetGender = models.GenderAll
	}
	targetCountry := req.TargetCountry
	if targetCountry == "" {
		targetCountry = models.AnyCountry
	}

	return models.WaitingEntry{
		UserID:           sess.userID,
		DisplayName:      sess.claims.DisplayName,
		OriginCountry:    country,
		PreferredCountry: targetCountry,
		PreferredGender:  targetGender,
		Gender:           sess.claims.Gender,
		IsPremium:        sess.claims.Premium,
		Karma:            sess.claims.Karma,
		SourceIP:         sess.ip,
		SessionID:        sess.userID + "-" + sess.ip,
	}
}

func (sess *session) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		sess.conn.Close()
	}()

	for {
		select {
		case message, ok := <-sess.send:
			sess.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				sess.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := sess.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("[ws] failed to write message: %v", err)
				return
			}

		case <-ticker.C:
			sess.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := sess.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, f wire.Frame) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	conn.WriteMessage(websocket.TextMessage, wire.Marshal(f))
}

func errorFrame(message string) wire.Frame {
	return wire.Frame{
		Command: wire.CmdError,
		Headers: map[string]string{wire.HdrMessage: message},
	}
}
