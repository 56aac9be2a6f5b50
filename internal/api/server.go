package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"timeflow/internal/dispatch"
	"timeflow/internal/domain"
	"timeflow/internal/queue"
	"timeflow/internal/scheduler"
	"timeflow/internal/timer"
)

const defaultFailedLimit = 50

type Server struct {
	store      queue.Store
	sched      *scheduler.Service
	dispatcher *dispatch.Dispatcher
	machine    *timer.Machine
	bus        *timer.Bus
	batchLimit int
}

func NewServer(store queue.Store, sched *scheduler.Service, dispatcher *dispatch.Dispatcher, machine *timer.Machine, bus *timer.Bus, batchLimit int) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{
		store:      store,
		sched:      sched,
		dispatcher: dispatcher,
		machine:    machine,
		bus:        bus,
		batchLimit: batchLimit,
	}

	r.Get("/health", s.health)

	r.Get("/api/sync/status", s.syncStatus)
	r.Get("/api/sync/failed", s.failedTasks)
	r.Post("/api/sync/retry", s.retryFailed)
	r.Get("/api/sync/stats", s.queueStats)
	r.Post("/api/sync/now", s.syncNow)

	r.Get("/api/timer", s.timerState)
	r.Post("/api/timer/start", s.timerStart)
	r.Post("/api/timer/pause", s.timerPause)
	r.Post("/api/timer/resume", s.timerResume)
	r.Post("/api/timer/stop", s.timerStop)

	r.Post("/api/idle/request", s.idleRequest)
	r.Get("/api/idle/events", s.idleEvents)
	r.Post("/api/idle/resume", s.idleResume)
	r.Post("/api/idle/stop", s.idleStop)

	r.Get("/api/settings/sleep-gap", s.getSleepGap)
	r.Put("/api/settings/sleep-gap", s.setSleepGap)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) syncStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.dispatcher.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) failedTasks(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultFailedLimit)
	tasks, err := s.store.ListTasks(r.Context(), domain.StatusFailed, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

type retryReq struct {
	Limit int `json:"limit"`
}

type countResp struct {
	Count int `json:"count"`
}

func (s *Server) retryFailed(w http.ResponseWriter, r *http.Request) {
	req := retryReq{Limit: defaultFailedLimit}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if req.Limit <= 0 {
		req.Limit = defaultFailedLimit
	}
	n, err := s.sched.RetryAll(r.Context(), req.Limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, countResp{Count: n})
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) syncNow(w http.ResponseWriter, r *http.Request) {
	res, err := s.dispatcher.DispatchPending(r.Context(), s.batchLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) timerState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.machine.Snapshot())
}

type startReq struct {
	ProjectID string `json:"project_id"`
}

func (s *Server) timerStart(w http.ResponseWriter, r *http.Request) {
	var req startReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ProjectID == "" {
		http.Error(w, "project_id is required", http.StatusBadRequest)
		return
	}
	snap, err := s.machine.Start(r.Context(), req.ProjectID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) timerPause(w http.ResponseWriter, r *http.Request) {
	snap, err := s.machine.Pause(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) timerResume(w http.ResponseWriter, r *http.Request) {
	snap, err := s.machine.Resume(r.Context(), false)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) timerStop(w http.ResponseWriter, r *http.Request) {
	snap, err := s.machine.Stop(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) idleRequest(w http.ResponseWriter, r *http.Request) {
	s.machine.RequestIdleState()
	w.WriteHeader(http.StatusNoContent)
}

// idleEvents streams idle-state broadcasts as server-sent events. The idle
// popup keeps one stream open; the initial event reflects the state at
// attach time.
func (s *Server) idleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events := make(chan timer.IdleEvent, 8)
	unsubscribe := s.bus.Subscribe(func(ev timer.IdleEvent) {
		select {
		case events <- ev:
		default: // slow consumer, it will reconcile on the next request
		}
	})
	defer unsubscribe()

	// The popup shows a loading state until the authoritative broadcast
	// below arrives.
	writeSSE(w, flusher, timer.IdleEvent{IsLoading: true})
	go s.machine.RequestIdleState()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-events:
			writeSSE(w, flusher, ev)
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev timer.IdleEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	w.Write([]byte("data: "))
	w.Write(data)
	w.Write([]byte("\n\n"))
	flusher.Flush()
}

func (s *Server) idleResume(w http.ResponseWriter, r *http.Request) {
	snap, err := s.machine.Resume(r.Context(), true)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) idleStop(w http.ResponseWriter, r *http.Request) {
	snap, err := s.machine.Stop(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type sleepGapResp struct {
	Minutes int `json:"minutes"`
}

func (s *Server) getSleepGap(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, sleepGapResp{Minutes: s.machine.SleepGapThreshold()})
}

func (s *Server) setSleepGap(w http.ResponseWriter, r *http.Request) {
	var req sleepGapResp
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.machine.SetSleepGapThreshold(req.Minutes); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, sleepGapResp{Minutes: s.machine.SleepGapThreshold()})
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrStoreUnavailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, domain.ErrTaskNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
