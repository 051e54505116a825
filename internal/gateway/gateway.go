// Package gateway is the HTTP surface: the websocket endpoint with its
// per-connection read loop, plus health and stats endpoints.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/sketchdojo-rt/internal/config"
	"github.com/basket/sketchdojo-rt/internal/otel"
	"github.com/basket/sketchdojo-rt/internal/policy"
	"github.com/basket/sketchdojo-rt/internal/protocol"
	"github.com/basket/sketchdojo-rt/internal/session"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	defaultPingInterval = 30 * time.Second
	maxFrameBytes       = 1 << 20
)

// Sessions is the connection registry as used by the gateway.
type Sessions interface {
	Connect(clientID string, conn session.Conn)
	Send(ctx context.Context, clientID string, env protocol.Envelope) bool
	DisconnectConn(ctx context.Context, clientID string, conn session.Conn) bool
	Count() int
}

// Dispatcher routes one raw inbound frame.
type Dispatcher interface {
	Dispatch(ctx context.Context, clientID string, raw []byte)
}

// Granter applies the default tool grants to a new connection.
type Granter interface {
	GrantDefaults(ctx context.Context, clientID string, p policy.Checker) []string
}

// StatsSource produces the get_stats snapshot.
type StatsSource interface {
	Snapshot() protocol.StatsSnapshot
}

// RoomLister exposes room memberships for /api/rooms.
type RoomLister interface {
	Memberships() map[string][]string
}

// Pinger checks a backing store for /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Sessions Sessions
	Router   Dispatcher
	Grants   Granter
	Policy   policy.Checker
	Stats    StatsSource
	Rooms    RoomLister
	Store    Pinger // optional

	// AllowOrigins lists accepted Origin patterns for browser websockets.
	// Empty means same-origin only.
	AllowOrigins      []string
	ConfigFingerprint string
	PingInterval      time.Duration
	RateLimit         config.RateLimitConfig
	CORS              config.CORSConfig

	Metrics *otel.Metrics
	Logger  *slog.Logger
}

type Server struct {
	cfg     Config
	limiter *RateLimiter
	logger  *slog.Logger

	dispatchMu sync.Mutex
	stopped    bool
	inflight   sync.WaitGroup
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	return &Server{
		cfg:     cfg,
		limiter: NewRateLimiter(cfg.RateLimit, cfg.Metrics),
		logger:  cfg.Logger,
	}
}

// StopDispatch stops routing inbound frames and refuses new websocket
// upgrades, then waits until dispatches already running return or ctx
// ends. Open connections stay up so in-flight replies still reach them.
func (s *Server) StopDispatch(ctx context.Context) error {
	s.dispatchMu.Lock()
	s.stopped = true
	s.dispatchMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// beginDispatch admits one frame. Callers that get true must call
// s.inflight.Done when the dispatch returns.
func (s *Server) beginDispatch() bool {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	if s.stopped {
		return false
	}
	s.inflight.Add(1)
	return true
}

func (s *Server) stopping() bool {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	return s.stopped
}

// Limiter exposes the per-client limiter so callers can start eviction.
func (s *Server) Limiter() *RateLimiter { return s.limiter }

func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("/api/stats", s.handleAPIStats)
	api.HandleFunc("/api/rooms", s.handleAPIRooms)

	wrapped := CORS(s.cfg.CORS)(LimitBody(0)(s.limiter.Wrap(api)))

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/api/", wrapped)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if s.cfg.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		dbOK = s.cfg.Store.Ping(ctx) == nil
	}
	policyVersion := ""
	if s.cfg.Policy != nil {
		policyVersion = s.cfg.Policy.PolicyVersion()
	}
	snap := s.snapshot()
	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"connections":        snap.ActiveConnections,
		"rooms":              snap.Rooms,
		"policy_version":     policyVersion,
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) snapshot() protocol.StatsSnapshot {
	if s.cfg.Stats != nil {
		return s.cfg.Stats.Snapshot()
	}
	return protocol.StatsSnapshot{ActiveConnections: s.cfg.Sessions.Count()}
}

func (s *Server) handleAPIStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.snapshot())
}

type roomSummary struct {
	RoomID       string   `json:"room_id"`
	Participants []string `json:"participants"`
}

func (s *Server) handleAPIRooms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	out := []roomSummary{}
	if s.cfg.Rooms != nil {
		for id, members := range s.cfg.Rooms.Memberships() {
			out = append(out, roomSummary{RoomID: id, Participants: members})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	writeJSON(w, http.StatusOK, map[string]any{"rooms": out})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.stopping() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Warn("ws: accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	handle := session.NewWSConn(conn)
	s.cfg.Sessions.Connect(clientID, handle)
	defer func() {
		cancel()
		s.limiter.Forget(clientID)
		s.cfg.Sessions.DisconnectConn(context.Background(), clientID, handle)
		_ = conn.CloseNow()
	}()

	if s.cfg.Grants != nil {
		granted := s.cfg.Grants.GrantDefaults(ctx, clientID, s.cfg.Policy)
		s.logger.Debug("ws: default grants applied", "client_id", clientID, "tools", granted)
	}
	s.cfg.Sessions.Send(ctx, clientID, protocol.ConnectionEstablished(clientID))

	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().UnixNano())
	go s.keepAlive(ctx, clientID, &lastActivity)

	s.readLoop(ctx, conn, clientID, &lastActivity)
}

// readLoop processes frames strictly in arrival order until the socket
// fails or closes.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, clientID string, lastActivity *atomic.Int64) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				s.logger.Debug("ws: connection closed", "client_id", clientID, "status", websocket.CloseStatus(err))
			} else {
				s.logger.Info("ws: read failed, closing", "client_id", clientID, "error", err)
			}
			return
		}
		lastActivity.Store(time.Now().UnixNano())

		if !s.limiter.Allow(ctx, clientID, "ws") {
			perr := protocol.Validation(protocol.CodeRateLimited, "rate limit exceeded")
			s.cfg.Sessions.Send(ctx, clientID, protocol.ErrorEnvelope(perr))
			continue
		}
		if !s.beginDispatch() {
			s.logger.Debug("ws: frame dropped during shutdown", "client_id", clientID)
			continue
		}
		s.cfg.Router.Dispatch(ctx, clientID, data)
		s.inflight.Done()
	}
}

// keepAlive sends an application ping after each quiet interval.
func (s *Server) keepAlive(ctx context.Context, clientID string, lastActivity *atomic.Int64) {
	interval := s.cfg.PingInterval
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.Sub(time.Unix(0, lastActivity.Load())) < interval {
				continue
			}
			if !s.cfg.Sessions.Send(ctx, clientID, protocol.Ping()) {
				return
			}
			lastActivity.Store(now.UnixNano())
		}
	}
}
