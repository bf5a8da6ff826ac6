// Package gateway hosts the HTTP surface: the WebSocket upgrade endpoint
// feeding the hub, the health and metrics endpoints, and the aggregator
// status API. It also runs connection admission: capacity semaphore,
// per-IP connect rate limiting, shutdown draining.
package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/aggregator"
	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/auth"
	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/health"
	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/hub"
	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/metrics"
	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/ratelimit"
)

// Config tunes the gateway.
type Config struct {
	Addr            string
	MaxConnections  int
	ShutdownGrace   time.Duration
	MetricsInterval time.Duration
}

// Server is the HTTP host.
type Server struct {
	cfg     Config
	hub     *hub.Hub
	monitor *health.Monitor
	agg     *aggregator.Aggregator
	limiter *ratelimit.Limiter
	jwt     *auth.Manager // nil means anonymous mode
	logger  zerolog.Logger

	httpServer     *http.Server
	connectionsSem chan struct{}
	shuttingDown   atomic.Bool

	ipMu       sync.Mutex
	ipLimiters map[string]*ipLimiter

	sysmon *sysMonitor
	wg     sync.WaitGroup
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New wires the gateway. jwtManager may be nil for anonymous mode.
func New(cfg Config, h *hub.Hub, monitor *health.Monitor, agg *aggregator.Aggregator,
	limiter *ratelimit.Limiter, jwtManager *auth.Manager, logger zerolog.Logger) *Server {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 5000
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = 15 * time.Second
	}
	return &Server{
		cfg:            cfg,
		hub:            h,
		monitor:        monitor,
		agg:            agg,
		limiter:        limiter,
		jwt:            jwtManager,
		logger:         logger.With().Str("component", "gateway").Logger(),
		connectionsSem: make(chan struct{}, cfg.MaxConnections),
		ipLimiters:     make(map[string]*ipLimiter),
		sysmon:         newSysMonitor(cfg.MetricsInterval, logger),
	}
}

// Start begins serving. Non-blocking; errors from the listener are logged.
func (s *Server) Start(ctx context.Context) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/status", s.handleStatus)

	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.sysmon.start(ctx)
	s.wg.Add(1)
	go s.cleanupIPLimiters(ctx)

	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("Gateway listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Gateway listener failed")
		}
	}()
}

// Shutdown stops accepting connections, drains the hub within the grace
// period, and closes the listener.
func (s *Server) Shutdown() {
	s.shuttingDown.Store(true)
	s.hub.Shutdown()
	s.sysmon.stop()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Forcing gateway close")
			s.httpServer.Close()
		}
	}
	s.wg.Wait()
	s.logger.Info().Msg("Gateway shut down")
}

// semConn releases the connection slot when the hub closes the transport.
type semConn struct {
	net.Conn
	release func()
	once    sync.Once
}

func (c *semConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(c.release)
	return err
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	if !s.allowIP(remoteIP(r)) {
		metrics.RecordConnectionFailed()
		http.Error(w, "Too many connection attempts", http.StatusTooManyRequests)
		return
	}

	identity, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	select {
	case s.connectionsSem <- struct{}{}:
	default:
		metrics.RecordConnectionFailed()
		s.logger.Warn().
			Int("max_connections", s.cfg.MaxConnections).
			Msg("Connection rejected, server at capacity")
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		<-s.connectionsSem
		metrics.RecordConnectionFailed()
		s.logger.Error().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	wrapped := &semConn{Conn: conn, release: func() { <-s.connectionsSem }}
	s.hub.OnConnect(wrapped, identity)
}

// authenticate maps the request to an identity. With no JWT manager every
// client is anonymous; with one, a missing or invalid token is a 401.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (hub.Identity, bool) {
	if s.jwt == nil {
		return hub.Identity{}, true
	}
	token, err := auth.TokenFromRequest(r)
	if err != nil {
		metrics.RecordConnectionFailed()
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return hub.Identity{}, false
	}
	claims, err := s.jwt.Verify(token)
	if err != nil {
		metrics.RecordConnectionFailed()
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return hub.Identity{}, false
	}
	return hub.Identity{UserID: claims.UserID, Authenticated: true}, true
}

// allowIP enforces a small token bucket per remote IP on the upgrade
// path: 5 connects burst, 1/sec sustained.
func (s *Server) allowIP(ip string) bool {
	s.ipMu.Lock()
	defer s.ipMu.Unlock()
	l, ok := s.ipLimiters[ip]
	if !ok {
		l = &ipLimiter{limiter: rate.NewLimiter(rate.Limit(1), 5)}
		s.ipLimiters[ip] = l
	}
	l.lastSeen = time.Now()
	return l.limiter.Allow()
}

func (s *Server) cleanupIPLimiters(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ipMu.Lock()
			for ip, l := range s.ipLimiters {
				if time.Since(l.lastSeen) > 10*time.Minute {
					delete(s.ipLimiters, ip)
				}
			}
			s.ipMu.Unlock()
		}
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.monitor.Report(r.Context())
	mem, cpu := s.sysmon.snapshot()

	body := map[string]any{
		"status":    report.Status,
		"sources":   report.Sources,
		"checkedAt": report.CheckedAt,
		"hub": map[string]any{
			"clients":       s.hub.ClientCount(),
			"subscriptions": s.hub.SubscriptionCount(),
		},
		"process": map[string]any{
			"memoryBytes": mem,
			"cpuPercent":  cpu,
		},
	}

	status := http.StatusOK
	if report.Status == health.ClassUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	limit := 10
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":     s.agg.Stats(),
		"runs":      s.agg.Runs(limit),
		"config":    s.agg.Config(),
		"blacklist": s.agg.Blacklist(),
		"sources":   s.limiter.Snapshot(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
