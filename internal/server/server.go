// Package server ties the relay together: it owns the TCP and WebSocket
// listeners, pumps frames between transports and sessions, and dispatches
// every inbound frame to the subsystem that handles it. The HTTP listener
// additionally serves /health, /metrics and the /ws upgrade endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentchat/relay/internal/allowlist"
	"github.com/agentchat/relay/internal/channel"
	"github.com/agentchat/relay/internal/dispute"
	"github.com/agentchat/relay/internal/marketplace"
	"github.com/agentchat/relay/internal/metrics"
	"github.com/agentchat/relay/internal/protocol"
	"github.com/agentchat/relay/internal/ratelimit"
	"github.com/agentchat/relay/internal/reputation"
	"github.com/agentchat/relay/internal/session"
)

// Notifier delivers dispute frames to an agent's live session. Implements
// the dispute engine's notification hook; offline agents simply miss the
// frame.
type Notifier struct {
	sessions *session.Manager
}

// NewNotifier wraps the session manager for the dispute engine.
func NewNotifier(m *session.Manager) Notifier { return Notifier{sessions: m} }

// Notify enqueues the frame on the agent's session, reporting delivery.
func (n Notifier) Notify(agentID string, f *protocol.Frame) bool {
	sess, ok := n.sessions.Get(agentID)
	if !ok {
		return false
	}
	return sess.Send(f)
}

// ============================================================================
// SERVER
// ============================================================================

// Config wires the server to its subsystems.
type Config struct {
	TCPAddr       string // listen address for the line transport, e.g. ":6667"
	HTTPAddr      string // listen address for /health, /metrics, /ws
	MaxFrameBytes int
	PreauthBudget int

	Sessions *session.Manager
	Channels *channel.Engine
	Limits   *ratelimit.Registry
	Market   *marketplace.Service
	Rep      *reputation.Store
	Court    *dispute.Engine
	Allow    *allowlist.Store
	Metrics  *metrics.Metrics
}

// Server accepts connections on both transports and runs one reader and one
// writer goroutine per connection. All subsystem state lives behind the
// injected components; the server itself only routes frames.
type Server struct {
	sessions *session.Manager
	channels *channel.Engine
	limits   *ratelimit.Registry
	market   *marketplace.Service
	rep      *reputation.Store
	court    *dispute.Engine
	allow    *allowlist.Store
	metrics  *metrics.Metrics

	tcpAddr       string
	httpAddr      string
	maxFrameBytes int
	preauthBudget int

	handlers map[string]handlerFunc
	upgrader websocket.Upgrader

	tcpLn   net.Listener
	httpLn  net.Listener
	httpSrv *http.Server

	started   time.Time
	logger    *log.Logger
	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

// NewServer builds the server around its dependencies. Call Start to begin
// accepting connections.
func NewServer(cfg Config) *Server {
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = 512 * 1024
	}
	if cfg.PreauthBudget <= 0 {
		cfg.PreauthBudget = 10
	}
	s := &Server{
		sessions:      cfg.Sessions,
		channels:      cfg.Channels,
		limits:        cfg.Limits,
		market:        cfg.Market,
		rep:           cfg.Rep,
		court:         cfg.Court,
		allow:         cfg.Allow,
		metrics:       cfg.Metrics,
		tcpAddr:       cfg.TCPAddr,
		httpAddr:      cfg.HTTPAddr,
		maxFrameBytes: cfg.MaxFrameBytes,
		preauthBudget: cfg.PreauthBudget,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  readBufferSize,
			WriteBufferSize: writeBufferSize,
			// Clients are agents, not browsers; origin checks add nothing
			// and TLS termination is the deployer's concern.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: log.New(log.Writer(), "[Server] ", log.LstdFlags),
		done:   make(chan struct{}),
	}
	s.handlers = s.buildHandlers()
	return s
}

// Start binds both listeners and launches the accept loops. Non-blocking;
// errors binding either listener abort the start.
func (s *Server) Start() error {
	tcpLn, err := net.Listen("tcp", s.tcpAddr)
	if err != nil {
		return fmt.Errorf("bind tcp listener: %w", err)
	}
	httpLn, err := net.Listen("tcp", s.httpAddr)
	if err != nil {
		tcpLn.Close()
		return fmt.Errorf("bind http listener: %w", err)
	}
	s.tcpLn = tcpLn
	s.httpLn = httpLn
	s.started = time.Now()

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWS)
	s.httpSrv = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(2)
	go s.acceptLoop()
	go s.serveHTTP()

	s.logger.Printf("listening: tcp=%s http=%s", tcpLn.Addr(), httpLn.Addr())
	return nil
}

// TCPAddr returns the bound line-transport address. Valid after Start.
func (s *Server) TCPAddr() string { return s.tcpLn.Addr().String() }

// HTTPAddr returns the bound HTTP address. Valid after Start.
func (s *Server) HTTPAddr() string { return s.httpLn.Addr().String() }

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		c, err := s.tcpLn.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.logger.Printf("accept failed: %v", err)
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(newTCPConn(c, s.maxFrameBytes), session.TransportTCP)
		}()
	}
}

func (s *Server) serveHTTP() {
	defer s.wg.Done()
	if err := s.httpSrv.Serve(s.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Printf("http serve failed: %v", err)
	}
}

// serveConn runs one connection to completion: open the session, start the
// writer, read frames until the transport fails or the session closes, then
// tear everything down. Runs on the connection's reader goroutine.
func (s *Server) serveConn(c Conn, transport string) {
	sess := s.sessions.Open(transport, c.RemoteAddr(), s.limits.NewBucket(s.preauthBudget))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.writeLoop(c, sess)
	}()

	s.readLoop(c, sess)

	wasAuth := sess.Authenticated()
	s.sessions.Disconnect(sess)
	s.limits.Remove(sess.Key())
	s.metrics.RecordSessionClosed(transport, wasAuth)
}

func (s *Server) readLoop(c Conn, sess *session.Session) {
	for {
		raw, err := c.ReadFrame()
		if err != nil {
			return
		}
		if sess.Closed() {
			return
		}
		s.dispatch(sess, raw)
	}
}

// writeLoop owns every write on the connection. When the session closes it
// drains the remaining outbox, then closes the transport, which unblocks the
// reader.
func (s *Server) writeLoop(c Conn, sess *session.Session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case raw := <-sess.Outbox():
			if err := c.WriteFrame(raw); err != nil {
				sess.Close()
				return
			}
		case <-ticker.C:
			if err := c.Ping(); err != nil {
				sess.Close()
				return
			}
		case <-sess.Done():
			for {
				select {
				case raw := <-sess.Outbox():
					if c.WriteFrame(raw) != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// ============================================================================
// HTTP ENDPOINTS
// ============================================================================

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("websocket upgrade failed: remote=%s err=%v", r.RemoteAddr, err)
		return
	}
	// The HTTP handler goroutine becomes the connection's reader.
	s.serveConn(newWSConn(ws, s.maxFrameBytes), session.TransportWS)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	open, resolved := s.court.Counts()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"sessions":       s.sessions.Count(),
		"authenticated":  s.sessions.AuthCount(),
		"channels":       s.channels.Count(),
		"disputes":       map[string]int{"open": open, "resolved": resolved},
		"started_at":     s.started.UTC().Format(time.RFC3339),
	})
}

// ============================================================================
// SHUTDOWN
// ============================================================================

// Shutdown stops accepting, cancels dispute timers, closes every session so
// writers drain, then shuts the HTTP server down and flushes the reputation
// store. Bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.done) })

	var err error
	if s.tcpLn != nil {
		s.tcpLn.Close()
	}
	s.court.Stop()
	s.sessions.Close()
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}

	if ferr := s.rep.Flush(); ferr != nil && err == nil {
		err = ferr
	}
	s.logger.Printf("shutdown complete")
	return err
}
