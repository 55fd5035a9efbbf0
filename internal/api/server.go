package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/emblem-rarity/internal/config"
	"github.com/JakeFAU/emblem-rarity/internal/metrics"
	"github.com/JakeFAU/emblem-rarity/internal/rarity"
	"github.com/JakeFAU/emblem-rarity/internal/store"
	"github.com/JakeFAU/emblem-rarity/internal/syncer"
)

const (
	defaultTop = 25
	maxIDs     = 500
)

// RarityReader serves cache-first rarity records.
type RarityReader interface {
	Get(ctx context.Context, itemID int64) (rarity.Record, error)
}

// SyncController drives and reports the daily synchronization.
type SyncController interface {
	Trigger(ctx context.Context, force bool) (syncer.TriggerResult, error)
	Report(ctx context.Context) (syncer.Report, error)
	Progress() rarity.Progress
}

// SnapshotReader returns the public artifact.
type SnapshotReader interface {
	Read(ctx context.Context) ([]byte, error)
}

// Resetter clears rarity records.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Notifier schedules a snapshot rewrite.
type Notifier interface {
	Trigger()
}

// OwnedLookup resolves the emblems a signed-in player owns.
type OwnedLookup interface {
	OwnedEmblems(ctx context.Context, sessionID string, profile rarity.Profile) ([]rarity.CatalogEntry, error)
}

// Deps are the collaborators behind the routes. Runs, Lookup, Snapshot
// notifications and Ready are optional.
type Deps struct {
	Rarity   RarityReader
	Sync     SyncController
	Snapshot SnapshotReader
	Records  Resetter
	Notifier Notifier
	Runs     store.RunRepository
	Lookup   OwnedLookup
	// Ready reports whether downstream dependencies are reachable.
	Ready func(ctx context.Context) error
}

// Server wires HTTP handlers to the cache, orchestrator and stores.
type Server struct {
	router chi.Router
	deps   Deps
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{deps: deps, cfg: cfg, logger: logger.Named("api")}

	timeout := time.Duration(cfg.Server.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	if cfg.Metrics.Enabled {
		r.Use(metrics.Middleware)
	}
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	if cfg.Metrics.Enabled {
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	}

	admin := func(next http.Handler) http.Handler { return next }
	if cfg.Auth.Enabled {
		admin = apiKeyMiddleware(cfg.Auth.APIKey)
	}

	runs := NewRunsHandler(deps.Runs, s.logger)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/rarity", s.listRarity)
		r.Get("/rarity/{item_id}", s.getRarity)
		r.Get("/snapshot", s.snapshot)
		r.With(admin).Post("/sync", s.triggerSync)
		r.Get("/sync/status", s.syncStatus)
		r.Get("/sync/progress", s.syncProgress)
		r.Get("/sync/runs", runs.ListRuns)
		r.Get("/sync/runs/{run_id}", runs.GetRun)
		r.With(admin).Post("/admin/reset", s.reset)
		if deps.Lookup != nil {
			r.Get("/profiles/{membership_type}/{membership_id}/emblems", s.ownedEmblems)
		}
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) getRarity(w http.ResponseWriter, r *http.Request) {
	itemID, err := strconv.ParseInt(chi.URLParam(r, "item_id"), 10, 64)
	if err != nil || itemID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid item_id")
		return
	}
	rec, err := s.deps.Rarity.Get(r.Context(), itemID)
	if err != nil {
		s.logger.Error("get rarity failed", zap.Int64("item_id", itemID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load rarity")
		return
	}
	writeJSON(w, http.StatusOK, toRarityDTO(rec))
}

func (s *Server) listRarity(w http.ResponseWriter, r *http.Request) {
	ids, err := parseIDs(r.URL.Query().Get("ids"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	top, err := parseTop(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	recs := make([]rarity.Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.deps.Rarity.Get(r.Context(), id)
		if err != nil {
			s.logger.Error("get rarity failed", zap.Int64("item_id", id), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to load rarity")
			return
		}
		recs = append(recs, rec)
	}
	ranked := rarity.RankRarest(recs, top)
	out := make([]rarityDTO, 0, len(ranked))
	for _, rec := range ranked {
		out = append(out, toRarityDTO(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (s *Server) triggerSync(w http.ResponseWriter, r *http.Request) {
	force, err := parseBool(r.URL.Query().Get("force"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid force")
		return
	}
	res, err := s.deps.Sync.Trigger(r.Context(), force)
	if err != nil {
		s.logger.Error("trigger sync failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to trigger sync")
		return
	}
	status := http.StatusOK
	if res == syncer.Started {
		status = http.StatusAccepted
	}
	writeJSON(w, status, map[string]string{"status": string(res)})
}

func (s *Server) syncStatus(w http.ResponseWriter, r *http.Request) {
	rep, err := s.deps.Sync.Report(r.Context())
	if err != nil {
		s.logger.Error("sync report failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load sync status")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) syncProgress(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Sync.Progress())
}

func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) {
	data, err := s.deps.Snapshot.Read(r.Context())
	if err != nil {
		s.logger.Error("read snapshot failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read snapshot")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", s.cfg.Snapshot.MaxAgeSeconds))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Warn("write snapshot failed", zap.Error(err))
	}
}

func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Records.Reset(r.Context()); err != nil {
		s.logger.Error("reset failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to reset records")
		return
	}
	if s.deps.Notifier != nil {
		s.deps.Notifier.Trigger()
	}
	s.logger.Warn("rarity records reset")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) ownedEmblems(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get("X-Session-ID")
	if sessionID == "" {
		writeError(w, http.StatusUnauthorized, "session required")
		return
	}
	mtype, err := strconv.Atoi(chi.URLParam(r, "membership_type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid membership_type")
		return
	}
	top, err := parseTop(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	profile := rarity.Profile{MembershipType: mtype, MembershipID: chi.URLParam(r, "membership_id")}

	entries, err := s.deps.Lookup.OwnedEmblems(r.Context(), sessionID, profile)
	if err != nil {
		if errors.Is(err, rarity.ErrNotLinked) {
			writeError(w, http.StatusForbidden, "account not linked")
			return
		}
		s.logger.Error("owned emblems failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "failed to read profile")
		return
	}

	names := make(map[int64]rarity.CatalogEntry, len(entries))
	recs := make([]rarity.Record, 0, len(entries))
	for _, e := range entries {
		rec, err := s.deps.Rarity.Get(r.Context(), e.ItemID)
		if err != nil {
			s.logger.Error("get rarity failed", zap.Int64("item_id", e.ItemID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to load rarity")
			return
		}
		names[e.ItemID] = e
		recs = append(recs, rec)
	}
	out := make([]ownedDTO, 0, len(recs))
	for _, rec := range rarity.RankRarest(recs, top) {
		e := names[rec.ItemID]
		out = append(out, ownedDTO{rarityDTO: toRarityDTO(rec), Name: e.DisplayName, Icon: e.IconRef})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

type rarityDTO struct {
	ItemID    int64    `json:"itemId"`
	Percent   *float64 `json:"percent"`
	Label     string   `json:"label"`
	Source    string   `json:"source"`
	Reason    string   `json:"reason,omitempty"`
	UpdatedAt *int64   `json:"updatedAt"`
}

type ownedDTO struct {
	rarityDTO
	Name string `json:"name"`
	Icon string `json:"icon,omitempty"`
}

func toRarityDTO(rec rarity.Record) rarityDTO {
	dto := rarityDTO{
		ItemID:  rec.ItemID,
		Percent: rec.Percent,
		Label:   rec.Label,
		Source:  rec.SourceURL,
		Reason:  rec.Reason,
	}
	if !rec.UpdatedAt.IsZero() {
		ms := rec.UpdatedAt.UnixMilli()
		dto.UpdatedAt = &ms
	}
	return dto
}

func parseIDs(raw string) ([]int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("ids required")
	}
	parts := strings.Split(raw, ",")
	if len(parts) > maxIDs {
		return nil, fmt.Errorf("at most %d ids allowed", maxIDs)
	}
	seen := make(map[int64]struct{}, len(parts))
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid id %q", p)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, errors.New("ids required")
	}
	return ids, nil
}

func parseTop(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("top")
	if raw == "" {
		return defaultTop, nil
	}
	top, err := strconv.Atoi(raw)
	if err != nil || top < 0 {
		return 0, errors.New("invalid top")
	}
	return top, nil
}

func parseBool(raw string) (bool, error) {
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("parse bool: %w", err)
	}
	return v, nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Debug("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", reqID),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
