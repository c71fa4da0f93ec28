package relayer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/kevinms/leakybucket-go"
	"github.com/kysee/velo-zk/zk-mixer/pool"
	"github.com/kysee/velo-zk/zk-mixer/types"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

const (
	maxBodyBytes    = 1 << 20
	requestIDHeader = "X-Request-Id"

	kindRateLimited = "RateLimited"
	kindBadRequest  = "BadRequest"
)

type ServerConfig struct {
	Listen         string
	AllowedOrigins []string
	// RateLimit is the sustained number of relay requests per second per client IP.
	RateLimit float64
	RateBurst int64
	Version   string
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Listen:         "127.0.0.1:8787",
		AllowedOrigins: []string{"*"},
		RateLimit:      1,
		RateBurst:      10,
		Version:        "dev",
	}
}

// Server exposes a Service over JSON/HTTP.
type Server struct {
	cfg     ServerConfig
	svc     *Service
	health  *HealthChecker
	limiter *leakybucket.Collector
	logger  zerolog.Logger
}

func NewServer(cfg ServerConfig, svc *Service, health *HealthChecker, logger zerolog.Logger) *Server {
	if health == nil {
		health = DefaultHealthChecker(cfg.Version, svc)
	}
	return &Server{
		cfg:     cfg,
		svc:     svc,
		health:  health,
		limiter: leakybucket.NewCollector(cfg.RateLimit, cfg.RateBurst, true),
		logger:  logger,
	}
}

// DefaultHealthChecker checks ledger reachability and the relayer's balance.
func DefaultHealthChecker(version string, svc *Service) *HealthChecker {
	hc := NewHealthChecker(version)
	hc.RegisterComponent("ledger", func(ctx context.Context) error {
		for _, d := range svc.cfg.Pools {
			if _, err := svc.ledger.CurrentRoot(ctx, d); err == nil {
				return nil
			} else if !errors.Is(err, types.ErrUnknownPool) {
				return err
			}
		}
		return errors.New("no configured pool is initialized")
	})
	hc.RegisterComponent("relayer", func(ctx context.Context) error {
		bal, err := svc.ledger.Balance(ctx, svc.Relayer())
		if err != nil {
			return err
		}
		if bal == 0 {
			return fmt.Errorf("%w: relayer account is empty", ErrDegraded)
		}
		return nil
	})
	hc.RegisterComponent("prover", func(context.Context) error {
		if svc.cfg.Mode == ModeTest {
			return fmt.Errorf("%w: test mode, withdrawals carry no proof", ErrDegraded)
		}
		return nil
	})
	return hc
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /info", s.handleInfo)
	mux.HandleFunc("GET /pools", s.handlePools)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("POST /estimate-fee", s.handleEstimateFee)
	mux.Handle("POST /relay/withdraw", s.limit(http.HandlerFunc(s.handleWithdraw)))
	mux.Handle("POST /relay/stealth", s.limit(http.HandlerFunc(s.handleStealth)))

	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type", requestIDHeader},
		ExposedHeaders: []string{requestIDHeader},
	})
	return c.Handler(s.withRequestID(mux))
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info().Str("listen", s.cfg.Listen).Str("relayer", s.svc.Relayer().String()).Msg("relayer listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(requestIDHeader, id)
		l := s.logger.With().Str("requestId", id).Logger()
		next.ServeHTTP(w, r.WithContext(l.WithContext(r.Context())))
	})
}

func (s *Server) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Add reports what fit in the bucket; zero means it is full
		if s.limiter.Add(clientIP(r), 1) == 0 {
			s.svc.metrics.RateLimited.Inc(1)
			s.writeError(w, r, http.StatusTooManyRequests, kindRateLimited, errors.New("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.health.CheckHealth(r.Context())
	status := http.StatusOK
	if h.OverallStatus == Unhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, struct {
		Success bool `json:"success"`
		*SystemHealth
	}{h.OverallStatus != Unhealthy, h})
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	cfg := s.svc.Config()
	resp := &InfoResponse{
		Success: true,
		Relayer: s.svc.Relayer(),
		Mode:    cfg.Mode,
		Version: s.cfg.Version,
	}
	resp.Fees.MinFee = pool.ToSol(cfg.Fees.MinFee)
	resp.Fees.RateBps = cfg.Fees.RateBps
	resp.Fees.MaxFee = pool.ToSol(cfg.Fees.MaxFee)
	for _, d := range cfg.Pools {
		resp.Pools = append(resp.Pools, pool.ToSol(d))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePools(w http.ResponseWriter, r *http.Request) {
	pools, err := s.svc.Pools(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &PoolsResponse{Success: true, Pools: pools})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	s.svc.metrics.WriteJSON(w)
}

func (s *Server) handleEstimateFee(w http.ResponseWriter, r *http.Request) {
	var req FeeRequest
	if !s.decode(w, r, &req) {
		return
	}
	est, err := s.svc.EstimateFee(req.PoolSize)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newFeeResponse(est))
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if !s.decode(w, r, &req) {
		return
	}
	rcpt, err := s.svc.RelayWithdraw(r.Context(), &req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, relayResponse(w, rcpt))
}

func (s *Server) handleStealth(w http.ResponseWriter, r *http.Request) {
	var req StealthRequest
	if !s.decode(w, r, &req) {
		return
	}
	rcpt, err := s.svc.RelayStealth(r.Context(), &req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, relayResponse(w, rcpt))
}

func relayResponse(w http.ResponseWriter, rcpt *Receipt) *RelayResponse {
	return &RelayResponse{
		Success:         true,
		RequestID:       w.Header().Get(requestIDHeader),
		Signature:       rcpt.Signature,
		NullifierHash:   rcpt.NullifierHash,
		PoolSize:        pool.ToSol(rcpt.Denomination),
		Fee:             pool.ToSol(rcpt.Fee),
		RecipientAmount: pool.ToSol(rcpt.RecipientAmount),
		StealthAddress:  rcpt.StealthAddress,
		Announcement:    rcpt.Announcement,
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		s.writeError(w, r, http.StatusBadRequest, kindBadRequest, err)
		return false
	}
	return true
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	s.writeError(w, r, statusOf(err), types.ErrorKind(err), err)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, kind string, err error) {
	zerolog.Ctx(r.Context()).Debug().Err(err).Int("status", status).Str("path", r.URL.Path).Msg("request failed")
	writeJSON(w, status, &ErrorResponse{
		Success:   false,
		Error:     err.Error(),
		Kind:      kind,
		RequestID: w.Header().Get(requestIDHeader),
	})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, types.ErrMalformedNote),
		errors.Is(err, types.ErrUnknownPool),
		errors.Is(err, types.ErrFeeTooLow),
		errors.Is(err, types.ErrFeeTooHigh):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrNullifierAlreadySpent),
		errors.Is(err, types.ErrSpendInFlight),
		errors.Is(err, types.ErrAlreadyClaimed),
		errors.Is(err, types.ErrStaleRoot):
		return http.StatusConflict
	case errors.Is(err, types.ErrInvalidProof),
		errors.Is(err, types.ErrConstraintViolation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, types.ErrRelayerUnavailable),
		errors.Is(err, types.ErrRelayerNotActive),
		errors.Is(err, types.ErrInsufficientPoolLiquidity),
		errors.Is(err, types.ErrArtifactMissing):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
