package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"stblengine/crypto"
	"stblengine/native/cdp"
	nativecommon "stblengine/native/common"
	"stblengine/native/token"
	"stblengine/observability"
	"stblengine/services/cdpd/journal"
	"stblengine/services/cdpd/oracle"
)

const requestIDHeader = "X-Request-ID"

// Config captures the dependencies required to construct the server.
type Config struct {
	Engine     *cdp.Engine
	Stable     *token.Ledger
	Collateral []*token.Ledger
	Feeds      []*oracle.RoundFeed
	Pauses     *nativecommon.PauseSwitch
	Journal    *journal.Journal
	Recorder   oracle.Recorder
	Hub        *Hub
	Auth       AuthConfig
	RateLimit  RateLimit
	Logger     *slog.Logger
	Metrics    *observability.CDPMetrics
	Now        func() time.Time
}

// Server exposes the engine over HTTP. Engine calls, reads included, are
// serialised so every response observes committed state.
type Server struct {
	engine   *cdp.Engine
	tokens   map[string]*token.Ledger
	byAsset  map[crypto.Address]*token.Ledger
	feeds    map[string]*oracle.RoundFeed
	pauses   *nativecommon.PauseSwitch
	journal  *journal.Journal
	recorder oracle.Recorder
	hub      *Hub
	auth     *Authenticator
	limiter  *RateLimiter
	logger   *slog.Logger
	metrics  *observability.CDPMetrics
	now      func() time.Time

	mu     sync.Mutex
	router http.Handler
}

// New validates cfg and builds the router.
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine required")
	}
	if cfg.Stable == nil {
		return nil, errors.New("server: stable token required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	hub := cfg.Hub
	if hub == nil {
		hub = NewHub(logger)
	}
	srv := &Server{
		engine:   cfg.Engine,
		tokens:   make(map[string]*token.Ledger, len(cfg.Collateral)+1),
		byAsset:  make(map[crypto.Address]*token.Ledger, len(cfg.Collateral)+1),
		feeds:    make(map[string]*oracle.RoundFeed, len(cfg.Feeds)),
		pauses:   cfg.Pauses,
		journal:  cfg.Journal,
		recorder: cfg.Recorder,
		hub:      hub,
		auth:     NewAuthenticator(cfg.Auth, logger),
		limiter:  NewRateLimiter(cfg.RateLimit, cfg.Metrics),
		logger:   logger,
		metrics:  cfg.Metrics,
		now:      now,
	}
	for _, ledger := range append([]*token.Ledger{cfg.Stable}, cfg.Collateral...) {
		if ledger == nil {
			continue
		}
		if _, dup := srv.tokens[ledger.Symbol()]; dup {
			return nil, fmt.Errorf("server: duplicate token %s", ledger.Symbol())
		}
		srv.tokens[ledger.Symbol()] = ledger
		srv.byAsset[ledger.Address()] = ledger
	}
	for _, feed := range cfg.Feeds {
		if feed != nil {
			srv.feeds[strings.ToUpper(feed.Symbol())] = feed
		}
	}
	srv.router = srv.buildRouter()
	return srv, nil
}

// Handler exposes the configured HTTP router wrapped with tracing.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "cdpd")
}

// Hub returns the websocket event hub.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(chimw.RealIP)
	r.Use(s.recoverer)
	r.Use(s.observe)
	r.Use(s.limiter.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Get("/constants", s.getConstants)
		api.Get("/health-factor", s.calculateHealthFactor)
		api.Get("/collateral", s.listCollateral)
		api.Get("/collateral/{asset}/price", s.getPrice)
		api.Get("/collateral/{asset}/usd-value", s.getUsdValue)
		api.Get("/collateral/{asset}/token-amount", s.getTokenAmount)
		api.Get("/accounts/{address}", s.getAccount)
		api.Get("/accounts/{address}/health-factor", s.getHealthFactor)
		api.Get("/accounts/{address}/collateral/{asset}", s.getCollateralBalance)
		api.Get("/positions", s.listPositions)
		api.Get("/tokens/{symbol}", s.getToken)
		api.Get("/tokens/{symbol}/balances/{address}", s.getTokenBalance)
		api.Get("/events/ws", s.hub.ServeHTTP)

		api.Group(func(user chi.Router) {
			user.Use(s.auth.Middleware())
			user.Post("/tokens/{symbol}/approve", s.approve)
			user.Post("/collateral/deposit", s.depositCollateral)
			user.Post("/collateral/redeem", s.redeemCollateral)
			user.Post("/collateral/deposit-and-mint", s.depositAndMint)
			user.Post("/collateral/redeem-for-stbl", s.redeemForStbl)
			user.Post("/stbl/mint", s.mintStbl)
			user.Post("/stbl/burn", s.burnStbl)
			user.Post("/liquidations", s.liquidate)
			user.Get("/events", s.listEvents)
		})

		api.Route("/admin", func(admin chi.Router) {
			admin.Use(s.auth.Admin())
			admin.Post("/tokens/{symbol}/mint", s.fundToken)
			admin.Post("/feeds/{symbol}/rounds", s.publishRound)
			admin.Post("/pause", s.setPaused(true))
			admin.Post("/resume", s.setPaused(false))
			admin.Get("/journal/export", s.exportJournal)
		})
	})
	return r
}

// call runs fn under the engine lock and records the outcome of op.
func (s *Server) call(w http.ResponseWriter, r *http.Request, op string, fn func() (interface{}, error)) {
	result, err := s.locked(fn)
	if err != nil {
		s.fail(w, r, op, err)
		return
	}
	s.metrics.ObserveOperation(op, "ok")
	writeJSON(w, http.StatusOK, result)
}

// read runs fn under the engine lock without counting it as an operation.
func (s *Server) read(w http.ResponseWriter, r *http.Request, fn func() (interface{}, error)) {
	result, err := s.locked(fn)
	if err != nil {
		status, reason := classify(err)
		s.logFailure(r, "read", status, reason, err)
		writeError(w, status, reason, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// locked runs fn while holding the engine lock. A panic in fn releases the
// lock before it reaches the recoverer.
func (s *Server) locked(fn func() (interface{}, error)) (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, reason := classify(err)
	s.metrics.ObserveOperation(op, reason)
	s.logFailure(r, op, status, reason, err)
	writeError(w, status, reason, err.Error())
}

func (s *Server) logFailure(r *http.Request, op string, status int, reason string, err error) {
	level := slog.LevelInfo
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	s.logger.Log(r.Context(), level, "request failed",
		"op", op,
		"reason", reason,
		"status", status,
		"request_id", requestIDOf(r),
		"error", err)
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

func requestIDOf(r *http.Request) string {
	return r.Header.Get(requestIDHeader)
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("handler panic", "panic", fmt.Sprint(rec), "request_id", requestIDOf(r))
				writeError(w, http.StatusInternalServerError, "internal", "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.ObserveRequest(route, status, time.Since(start))
	})
}
