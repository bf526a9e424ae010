// Package server exposes the vault ledgers over HTTP.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"yieldvault/config"
	"yieldvault/observability"
	"yieldvault/observability/logging"
	"yieldvault/services/vaultd/app"
	"yieldvault/services/vaultd/storage"
)

const (
	moduleName     = "vaultd"
	maxRequestBody = 1 << 16
)

// EventSource lists indexed events.
type EventSource interface {
	Recent(ctx context.Context, eventType string, limit int) ([]storage.EventRecord, error)
}

// EventStream delivers events as they are indexed.
type EventStream interface {
	Subscribe(buffer int) (<-chan storage.EventRecord, func())
}

// Config captures the dependencies required to construct the server.
type Config struct {
	App       *app.App
	Events    EventSource
	Stream    EventStream
	Auth      *Authenticator
	RateLimit config.RateLimitConfig
	Logger    *slog.Logger
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	app     *app.App
	events  EventSource
	stream  EventStream
	auth    *Authenticator
	limiter *rateLimiter
	logger  *slog.Logger

	router http.Handler
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Component(nil, "api")
	}
	srv := &Server{
		app:     cfg.App,
		events:  cfg.Events,
		stream:  cfg.Stream,
		auth:    cfg.Auth,
		limiter: newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
		logger:  logger,
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.instrument)
	r.Use(s.limiter.middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Get("/vault", s.getVault)
		api.Get("/strategies", s.listStrategies)
		api.Get("/epochs", s.getEpochs)
		api.Get("/epochs/{index}", s.getEpoch)
		api.Get("/accounts/{address}", s.getAccount)
		api.Get("/events", s.listEvents)
		api.Get("/events/stream", s.streamEvents)

		api.Group(func(protected chi.Router) {
			protected.Use(s.requireAuth)
			protected.Post("/deposit", s.deposit)
			protected.Post("/claim", s.claim)
			protected.Post("/auto-compound", s.setAutoCompound)
			protected.Post("/shares/transfer", s.transferShares)

			protected.Route("/ops", func(ops chi.Router) {
				ops.Post("/harvest", s.harvest)
				ops.Post("/rebalance", s.rebalance)
				ops.Post("/close-epoch", s.closeEpoch)
				ops.Post("/emergency-withdraw", s.emergencyWithdraw)
				ops.Post("/pause", s.pause)
				ops.Post("/unpause", s.unpause)
				ops.Post("/allocation", s.setAllocation)
				ops.Post("/strategies/{id}/active", s.setStrategyActive)
			})
		})
	})
	return r
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	if s.auth == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			writeError(w, http.StatusServiceUnavailable, "authentication not configured")
		})
	}
	return s.auth.Middleware(next)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		observability.ModuleMetrics().Observe(moduleName, r.Method+" "+route, status, time.Since(start))
		s.logger.Debug("request",
			"method", r.Method,
			"route", route,
			"status", status,
			"duration", time.Since(start),
			"request_id", chimw.GetReqID(r.Context()),
			"authorization", logging.BearerToken(r.Header.Get("Authorization")))
	})
}

func (s *Server) getVault(w http.ResponseWriter, r *http.Request) {
	var view vaultView
	err := s.app.State.View(r.Context(), func(ctx context.Context) error {
		snap, err := s.app.Vault.Snapshot(ctx)
		if err != nil {
			return err
		}
		pending, err := s.app.Distribution.PendingValue(ctx)
		if err != nil {
			return err
		}
		epochs, err := s.app.Distribution.EpochCount(ctx)
		if err != nil {
			return err
		}
		collected, err := s.app.Collector.Balance(ctx)
		if err != nil {
			return err
		}
		view = vaultView{
			Address:       s.app.Vault.Address().Hex(),
			Asset:         snap.Asset,
			Decimals:      snap.Decimals,
			Idle:          dec(snap.Idle),
			TotalAssets:   dec(snap.TotalAssets),
			TotalSupply:   dec(snap.TotalSupply),
			Paused:        snap.Paused,
			PendingYield:  dec(pending),
			CollectorHeld: dec(collected),
			Epochs:        epochs,
			Positions:     make([]positionView, 0, len(snap.Positions)),
		}
		for _, p := range snap.Positions {
			view.Positions = append(view.Positions, positionView{
				StrategyID: p.StrategyID,
				Value:      dec(p.Value),
				TargetBps:  p.TargetBps,
			})
		}
		return nil
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) listStrategies(w http.ResponseWriter, r *http.Request) {
	entries, err := s.app.Registry.List(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	targets, err := s.app.Vault.TargetAllocation(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	weights := make(map[string]uint16, len(targets))
	for _, t := range targets {
		weights[t.StrategyID] = t.Bps
	}
	out := make([]strategyView, 0, len(entries))
	for _, e := range entries {
		view := strategyView{
			ID:                    e.ID,
			Active:                e.Info.Active,
			HardCap:               dec(e.Info.HardCapAssetValue),
			MaxFractionOfVaultBps: e.Info.MaxFractionOfVaultBps,
			MaxSwapSlippageBps:    e.Info.MaxSwapSlippageBps,
			TargetBps:             weights[e.ID],
		}
		if impl, err := s.app.Registry.Impl(e.ID); err == nil {
			view.HeldAsset = impl.PrimaryHeldAsset()
			view.Account = impl.Address().Hex()
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getEpochs(w http.ResponseWriter, r *http.Request) {
	var (
		count   uint64
		pending *uint256.Int
	)
	err := s.app.State.View(r.Context(), func(ctx context.Context) error {
		var err error
		if count, err = s.app.Distribution.EpochCount(ctx); err != nil {
			return err
		}
		pending, err = s.app.Distribution.PendingValue(ctx)
		return err
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":                count,
		"pending":              dec(pending),
		"max_epochs_per_claim": s.app.Distribution.MaxEpochsPerClaim(),
	})
}

func (s *Server) getEpoch(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.ParseUint(chi.URLParam(r, "index"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid epoch index")
		return
	}
	record, err := s.app.Distribution.Epoch(r.Context(), index)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, epochView{
		Index:            record.Index,
		CloseTimestamp:   record.CloseTimestamp,
		Gross:            dec(record.GrossValue),
		Fee:              dec(record.Fee),
		Net:              dec(record.NetDistributedValue),
		TotalShares:      dec(record.TotalSharesAtClose),
		ValuePerShareRay: dec(record.ValuePerShareRay),
	})
}

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	addr := common.HexToAddress(raw)
	view := accountView{Address: addr.Hex()}
	err := s.app.State.View(r.Context(), func(ctx context.Context) error {
		shares, err := s.app.Vault.SharesOf(ctx, addr)
		if err != nil {
			return err
		}
		value, err := s.app.Vault.ValueOf(ctx, addr)
		if err != nil {
			return err
		}
		acct, err := s.app.Distribution.Account(ctx, addr)
		if err != nil {
			return err
		}
		claimable, err := s.app.Distribution.Claimable(ctx, addr)
		if err != nil {
			return err
		}
		balance, err := s.app.Bank.BalanceOf(ctx, s.app.Vault.Asset(), addr)
		if err != nil {
			return err
		}
		view.Shares = dec(shares)
		view.Value = dec(value)
		view.Cursor = acct.Cursor
		view.AutoCompound = acct.AutoCompound
		view.Claimable = dec(claimable)
		view.AssetBalance = dec(balance)
		return nil
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event index disabled")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}
	records, err := s.events.Recent(r.Context(), r.URL.Query().Get("type"), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]eventView, 0, len(records))
	for _, rec := range records {
		out = append(out, eventView{
			Sequence:   rec.Sequence,
			Type:       rec.Type,
			Attributes: rec.Decoded(),
			CreatedAt:  rec.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) deposit(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFrom(r.Context())
	var req struct {
		Assets   string `json:"assets"`
		Receiver string `json:"receiver"`
	}
	if !decode(w, r, &req) {
		return
	}
	assets, ok := parseAmount(w, req.Assets)
	if !ok {
		return
	}
	receiver := caller
	if strings.TrimSpace(req.Receiver) != "" {
		if !common.IsHexAddress(req.Receiver) {
			writeError(w, http.StatusBadRequest, "invalid receiver")
			return
		}
		receiver = common.HexToAddress(req.Receiver)
	}
	shares, err := s.app.Vault.Deposit(r.Context(), caller, assets, receiver)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"shares": dec(shares), "receiver": receiver.Hex()})
}

func (s *Server) claim(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFrom(r.Context())
	result, err := s.app.Distribution.Claim(r.Context(), caller)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claimView{
		Value:          dec(result.Value),
		AutoCompounded: result.AutoCompounded,
		SharesMinted:   dec(result.SharesMinted),
		FromEpoch:      result.FromEpoch,
		ToEpoch:        result.ToEpoch,
	})
}

func (s *Server) setAutoCompound(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFrom(r.Context())
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.app.Distribution.SetAutoCompound(r.Context(), caller, req.Enabled); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": req.Enabled})
}

func (s *Server) transferShares(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFrom(r.Context())
	var req struct {
		To     string `json:"to"`
		Amount string `json:"amount"`
	}
	if !decode(w, r, &req) {
		return
	}
	if !common.IsHexAddress(req.To) {
		writeError(w, http.StatusBadRequest, "invalid recipient")
		return
	}
	amount, ok := parseAmount(w, req.Amount)
	if !ok {
		return
	}
	if err := s.app.Vault.TransferShares(r.Context(), caller, common.HexToAddress(req.To), amount); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"transferred": dec(amount)})
}

func (s *Server) harvest(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFrom(r.Context())
	report, err := s.app.Collector.Harvest(r.Context(), caller)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"received": dec(report.Received),
		"reported": dec(report.Reported),
		"failed":   report.Failed,
	})
}

func (s *Server) rebalance(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFrom(r.Context())
	report, err := s.app.Vault.Rebalance(r.Context(), caller)
	if err != nil {
		s.fail(w, err)
		return
	}
	deployments := make([]map[string]string, 0, len(report.Deployments))
	for _, d := range report.Deployments {
		deployments = append(deployments, map[string]string{
			"strategy": d.StrategyID,
			"desired":  dec(d.Desired),
			"actual":   dec(d.Actual),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deployed":       dec(report.Deployed),
		"idle_remaining": dec(report.IdleRemaining),
		"deployments":    deployments,
	})
}

func (s *Server) closeEpoch(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFrom(r.Context())
	result, err := s.app.Distribution.CloseEpoch(r.Context(), caller)
	if err != nil {
		s.fail(w, err)
		return
	}
	out := map[string]any{
		"harvested": dec(result.Harvested),
		"deferred":  result.Deferred,
		"pending":   dec(result.Pending),
	}
	if result.Epoch != nil {
		out["epoch"] = result.Epoch.Index
		out["net"] = dec(result.Epoch.NetDistributedValue)
		out["fee"] = dec(result.Epoch.Fee)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) emergencyWithdraw(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFrom(r.Context())
	idle, err := s.app.Vault.EmergencyWithdrawAll(r.Context(), caller)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"idle": dec(idle)})
}

func (s *Server) pause(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFrom(r.Context())
	if err := s.app.Vault.Pause(r.Context(), caller); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) unpause(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFrom(r.Context())
	if err := s.app.Vault.Unpause(r.Context(), caller); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

func (s *Server) setAllocation(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFrom(r.Context())
	var req struct {
		Targets []struct {
			Strategy string `json:"strategy"`
			Bps      uint16 `json:"bps"`
		} `json:"targets"`
	}
	if !decode(w, r, &req) {
		return
	}
	ids := make([]string, len(req.Targets))
	bps := make([]uint16, len(req.Targets))
	for i, t := range req.Targets {
		ids[i] = t.Strategy
		bps[i] = t.Bps
	}
	if err := s.app.Vault.SetTargetAllocation(r.Context(), caller, ids, bps); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) setStrategyActive(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFrom(r.Context())
	var req struct {
		Active bool `json:"active"`
	}
	if !decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.app.Registry.SetActive(r.Context(), caller, id, req.Active); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"strategy": strings.ToLower(id), "active": req.Active})
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeError(w, status, err.Error())
}

func decode(w http.ResponseWriter, r *http.Request, out any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return false
	}
	return true
}

func parseAmount(w http.ResponseWriter, raw string) (*uint256.Int, bool) {
	amount, err := config.ParseAmount(raw)
	if err != nil || strings.TrimSpace(raw) == "" {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return nil, false
	}
	return amount, true
}

func dec(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
