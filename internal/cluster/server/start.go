package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Start brings the cluster control plane up: it reconciles any agents left
// CONNECTED by a previous process, launches the lifecycle and rotation
// background loops, and begins accepting agent WebSocket connections on
// addr (spec section 9's startup ordering).
func (s *Server) Start(addr string) error {
	lm := NewLifecycleManager(s)
	if _, err := lm.ReconcileStartup(context.Background()); err != nil {
		return fmt.Errorf("reconcile startup: %w", err)
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		lm.Run(bgCtx, s.cfg.HeartbeatInterval)
	}()
	go func() {
		defer s.wg.Done()
		NewRotationEngine(s).Run(bgCtx, s.cfg.RotationCheckInterval)
	}()
	go func() {
		defer s.wg.Done()
		s.limiterCleanupLoop(bgCtx)
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/agent", s.serveAgentWS)

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		cancel()
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	s.httpSrv = &http.Server{Handler: mux}
	s.log.Info("cluster control plane starting", "addr", lis.Addr().String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(lis); err != nil && err != http.ErrServerClosed {
			s.log.Error("cluster listener exited", "error", err)
		}
	}()

	return nil
}

// limiterCleanupLoop periodically evicts rate-limit entries whose last
// activity is older than twice the window and whose block has expired. The
// interval matches the eviction threshold so an entry lives at most two
// passes past its last activity.
func (s *Server) limiterCleanupLoop(ctx context.Context) {
	interval := 2 * s.cfg.RateLimit.Window
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-s.clock.After(interval):
			if n := s.limiter.Cleanup(); n > 0 {
				s.log.Debug("rate limiter cleanup", "evicted", n)
			}
		}
	}
}

// Stop cooperatively shuts the control plane down: it stops accepting new
// connections, signals the background loops to exit, closes every
// registered agent connection, and waits for everything to finish.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	if s.bgCancel != nil {
		s.bgCancel()
	}
	if s.httpSrv != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutCtx)
	}
	s.registry.CloseAll()
	s.wg.Wait()
	s.log.Info("cluster control plane stopped")
}

// serveAgentWS upgrades an inbound HTTP request to a WebSocket and hands it
// to HandleConnection, blocking until the connection ends.
func (s *Server) serveAgentWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	// Refuse connections that race the listener shutdown: new agents must
	// not register while teardown is mutating state.
	select {
	case <-s.stopCh:
		(&wsTransport{conn: conn}).close(closeReasonServerShutdown)
		return
	default:
	}
	remoteIP, _, _ := net.SplitHostPort(r.RemoteAddr)
	if remoteIP == "" {
		remoteIP = r.RemoteAddr
	}
	s.HandleConnection(r.Context(), conn, remoteIP)
}
