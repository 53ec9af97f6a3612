package cli

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

const (
	DefaultStatusAddr = "127.0.0.1:8642"

	eventBuffer  = 64
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
	pongWait     = 2 * pingInterval
)

// StatusServer exposes the daemon over HTTP: a JSON status document, the
// Prometheus registry and a websocket stream of events.
type StatusServer struct {
	services  Services
	metrics   http.Handler
	startTime time.Time
	upgrader  websocket.Upgrader
	server    *http.Server
	listener  net.Listener

	// streams derive from ctx so that Shutdown reaches hijacked connections
	ctx    context.Context
	cancel context.CancelFunc
}

// NewStatusServer creates the server. A nil metrics handler leaves /metrics
// unregistered.
func NewStatusServer(addr string, services Services, metrics http.Handler) *StatusServer {
	if addr == "" {
		addr = DefaultStatusAddr
	}
	s := &StatusServer{
		services:  services,
		metrics:   metrics,
		startTime: time.Now(),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			// the listener is loopback by default; browsers on the box may connect
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}
	return s
}

// Handler returns the routing for the server
func (s *StatusServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/events", s.handleEvents)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// Listen binds the address so that startup errors surface before serving
func (s *StatusServer) Listen() error {
	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	s.listener = listener
	cliLogger.WithField("addr", listener.Addr().String()).Info("Status server listening")
	return nil
}

// Addr is the bound address, valid after Listen
func (s *StatusServer) Addr() string {
	if s.listener == nil {
		return s.server.Addr
	}
	return s.listener.Addr().String()
}

// Serve blocks until Shutdown. It returns nil on a clean shutdown.
func (s *StatusServer) Serve() error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and closes open event streams
func (s *StatusServer) Shutdown(ctx context.Context) error {
	s.cancel()
	return s.server.Shutdown(ctx)
}

func (s *StatusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(buildStatus(s.services, s.startTime)); err != nil {
		cliLogger.WithError(err).Debug("Failed to write status")
	}
}

// handleEvents upgrades to a websocket and streams event entries as JSON text
// frames. ?backlog=N first replays the N most recent entries.
func (s *StatusServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	backlog := 0
	if raw := r.URL.Query().Get("backlog"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "invalid backlog", http.StatusBadRequest)
			return
		}
		backlog = n
	}

	past, entries, unsubscribe := s.services.Events.SubscribeWithBacklog(backlog, eventBuffer)
	defer unsubscribe()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		cliLogger.WithError(err).Warn("Event stream upgrade failed")
		return
	}
	defer conn.Close()

	log := cliLogger.WithField("remote", r.RemoteAddr)
	log.Debug("Event stream opened")

	// the read side only exists to notice the peer going away
	closed := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for _, entry := range past {
		if err := s.writeEntry(conn, entry); err != nil {
			log.WithError(err).Debug("Event stream write failed")
			return
		}
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.closeStream(conn, websocket.CloseGoingAway, "server shutting down")
			return
		case <-closed:
			log.Debug("Event stream closed by peer")
			return
		case entry, ok := <-entries:
			if !ok {
				s.closeStream(conn, websocket.CloseNormalClosure, "")
				return
			}
			if err := s.writeEntry(conn, entry); err != nil {
				log.WithError(err).Debug("Event stream write failed")
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *StatusServer) writeEntry(conn *websocket.Conn, entry interface{}) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(entry)
}

func (s *StatusServer) closeStream(conn *websocket.Conn, code int, reason string) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}
