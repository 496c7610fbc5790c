package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/bilal/fleet-tracker/internal/model"
	"github.com/bilal/fleet-tracker/internal/tracking"
	"github.com/bilal/fleet-tracker/internal/transmission"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Tracker interface {
	Start(ctx context.Context, restart bool) error
	Stop(ctx context.Context) error
	HandlePositions(ctx context.Context, batch []model.RawPosition) (tracking.BatchResult, error)
	State() tracking.State
	Progress() tracking.Progress
}

type Transmission interface {
	Drain(ctx context.Context, forceAll bool) (transmission.Report, error)
	IsSyncing() bool
	LastSyncTimestamp() (int64, bool)
	IsRecordActivelyBatching(id uint64) bool
	PendingCount(ctx context.Context) (int64, error)
	BackoffDelay() time.Duration
}

type History interface {
	History(ctx context.Context, limit int) ([]model.PositionRecord, error)
	Clear(ctx context.Context) (int64, error)
}

type Connectivity interface {
	Reachable() bool
	LastCheck() (time.Time, bool)
}

// Feed is the location source the ingress endpoint delivers to.
type Feed interface {
	Deliver(batch []model.RawPosition) error
}

type Deps struct {
	Tracker      Tracker
	Transmission Transmission
	History      History
	Connectivity Connectivity
	Feed         Feed
}

// Server is the local control surface: status for the UI, trip control,
// position ingress, health and metrics.
type Server struct {
	listen  string
	running int32
	deps    Deps
	srv     *http.Server
	log     zerolog.Logger
}

func New(listen string, deps Deps) *Server {
	s := &Server{
		listen: listen,
		deps:   deps,
		log:    log.With().Str("component", "control").Logger(),
	}
	s.srv = &http.Server{
		Addr:              listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) SetRunning(ok bool) {
	if ok {
		atomic.StoreInt32(&s.running, 1)
	} else {
		atomic.StoreInt32(&s.running, 0)
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /history", s.handleHistory)
	mux.HandleFunc("DELETE /history", s.handleClearHistory)
	mux.HandleFunc("GET /records/{id}/batching", s.handleBatching)
	mux.HandleFunc("POST /tracking/start", s.handleStart)
	mux.HandleFunc("POST /tracking/stop", s.handleStop)
	mux.HandleFunc("POST /sync", s.handleSync)
	mux.HandleFunc("POST /positions", s.handlePositions)
	return mux
}

// Serve blocks until Shutdown.
func (s *Server) Serve() error {
	s.log.Info().Str("listen", s.listen).Msg("control server listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.SetRunning(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"running":   atomic.LoadInt32(&s.running) == 1,
		"reachable": s.deps.Connectivity.Reachable(),
	})
}

type statusResponse struct {
	State             tracking.State    `json:"state"`
	IsSyncing         bool              `json:"isSyncing"`
	LastSyncTimestamp *int64            `json:"lastSyncTimestamp"`
	PendingCount      int64             `json:"pendingCount"`
	ServerReachable   bool              `json:"serverReachable"`
	LastServerCheck   *int64            `json:"lastServerCheck"`
	BackoffSeconds    float64           `json:"backoffSeconds"`
	Progress          tracking.Progress `json:"progress"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	tx := s.deps.Transmission
	pending, err := tx.PendingCount(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("status: count pending")
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	resp := statusResponse{
		State:           s.deps.Tracker.State(),
		IsSyncing:       tx.IsSyncing(),
		PendingCount:    pending,
		ServerReachable: s.deps.Connectivity.Reachable(),
		BackoffSeconds:  tx.BackoffDelay().Seconds(),
		Progress:        s.deps.Tracker.Progress(),
	}
	if ts, ok := tx.LastSyncTimestamp(); ok {
		resp.LastSyncTimestamp = &ts
	}
	if at, ok := s.deps.Connectivity.LastCheck(); ok {
		ms := at.UnixMilli()
		resp.LastServerCheck = &ms
	}
	writeJSON(w, http.StatusOK, resp)
}

type historyItem struct {
	ID       uint64                `json:"id"`
	Sent     bool                  `json:"sent"`
	Batching bool                  `json:"batching"`
	Created  time.Time             `json:"createdAt"`
	Location model.LocationPayload `json:"location"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be between 1 and 1000"))
			return
		}
		limit = n
	}

	recs, err := s.deps.History.History(r.Context(), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("history")
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	items := make([]historyItem, 0, len(recs))
	for _, rec := range recs {
		items = append(items, historyItem{
			ID:       rec.ID,
			Sent:     rec.Sent,
			Batching: s.deps.Transmission.IsRecordActivelyBatching(rec.ID),
			Created:  rec.CreatedAt,
			Location: rec.Payload(),
		})
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.History.Clear(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("clear history")
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.log.Warn().Int64("deleted", n).Msg("location history cleared")
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (s *Server) handleBatching(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid record id"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"batching": s.deps.Transmission.IsRecordActivelyBatching(id)})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	restart := true
	if v := r.URL.Query().Get("restart"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("restart must be a boolean"))
			return
		}
		restart = b
	}

	if err := s.deps.Tracker.Start(r.Context(), restart); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": s.deps.Tracker.State()})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Tracker.Stop(r.Context()); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": s.deps.Tracker.State()})
}

// handleSync is the user-initiated "sync now": a forced drain, awaited.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	rep, err := s.deps.Transmission.Drain(r.Context(), true)
	resp := map[string]any{
		"batches":   rep.Batches,
		"delivered": rep.Delivered,
		"pending":   rep.Pending,
		"skipped":   rep.Skipped,
	}
	if err != nil {
		resp["error"] = err.Error()
		writeJSON(w, http.StatusBadGateway, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handlePositions accepts one raw position or an array of them.
func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var batch []model.RawPosition
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &batch); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	} else {
		var one model.RawPosition
		if err := json.Unmarshal(raw, &one); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		batch = []model.RawPosition{one}
	}

	if err := s.deps.Feed.Deliver(batch); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	res, err := s.deps.Tracker.HandlePositions(r.Context(), batch)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, tracking.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, tracking.ErrInvalidTransition), errors.Is(err, tracking.ErrNotTracking):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
