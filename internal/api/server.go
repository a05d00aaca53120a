package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"retap/internal/config"
	"retap/internal/ingest"
	"retap/internal/model"
	"retap/internal/normalize"
	"retap/internal/notices"
	"retap/internal/results"
)

type AnalyzerControl interface {
	Analyze(ctx context.Context, rec model.Recording, mainAxis int) (model.RecordingResult, error)
	Counts() (analyzed, failed int64)
	Started() time.Time
	Reset()
	UpdateConfig(cfg *config.Config)
}

type Server struct {
	cfg      *config.Manager
	results  *results.Store
	notices  *notices.Store
	analyzer AnalyzerControl
	logger   *slog.Logger
	version  string
}

type statusResponse struct {
	Status     string       `json:"status"`
	Time       string       `json:"time"`
	Version    string       `json:"version"`
	ConfigPath string       `json:"config_path"`
	Uptime     string       `json:"uptime"`
	Analyzed   int64        `json:"analyzed"`
	Failed     int64        `json:"failed"`
	Recordings int          `json:"recordings"`
	Ingest     ingestStatus `json:"ingest"`
	API        apiStatus    `json:"api"`
	Storage    string       `json:"storage,omitempty"`
}

type ingestStatus struct {
	DirScan bool `json:"dir_scan"`
	Kafka   bool `json:"kafka"`
}

type apiStatus struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

func NewServer(cfg *config.Manager, resultsStore *results.Store, noticesStore *notices.Store, analyzer AnalyzerControl, logger *slog.Logger, version string) *Server {
	return &Server{
		cfg:      cfg,
		results:  resultsStore,
		notices:  noticesStore,
		analyzer: analyzer,
		logger:   logger,
		version:  version,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/recordings", s.handleRecordings)
	mux.HandleFunc("/recordings/", s.handleRecordings)
	mux.HandleFunc("/notices", s.handleNotices)
	mux.HandleFunc("/analyze", s.handleAnalyze)
	mux.HandleFunc("/config/segmentation", s.handleSegmentation)
	mux.HandleFunc("/config/taps", s.handleTaps)
	mux.HandleFunc("/admin/clear", s.handleClear)
	mux.HandleFunc("/admin/restart", s.handleRestart)
	return mux
}

func Start(ctx context.Context, cfg *config.Manager, resultsStore *results.Store, noticesStore *notices.Store, analyzer AnalyzerControl, logger *slog.Logger, version string) *http.Server {
	if cfg == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := NewServer(cfg, resultsStore, noticesStore, analyzer, logger, version)
	httpServer := &http.Server{Addr: current.Addr, Handler: server.Handler()}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.cfg.Get()
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Ingest: ingestStatus{
			DirScan: cfg.Ingest.DirScan.Enabled,
			Kafka:   cfg.Ingest.Kafka.Enabled,
		},
		API: apiStatus{Enabled: cfg.API.Enabled, Addr: cfg.API.Addr},
	}
	if cfg.Storage.Enabled {
		resp.Storage = cfg.Storage.Driver
	}
	if s.results != nil {
		resp.Recordings = s.results.Len()
	}
	if s.analyzer != nil {
		resp.Analyzed, resp.Failed = s.analyzer.Counts()
		resp.Uptime = time.Since(s.analyzer.Started()).Round(time.Second).String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRecordings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/recordings")
	id = strings.TrimPrefix(id, "/")
	if id != "" {
		res, updated, ok := s.results.Get(id)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"updated_at": updated.Format(time.RFC3339Nano),
			"result":     res,
			"notices":    s.notices.ForRecording(id),
		})
		return
	}
	all := s.results.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"recordings": all,
		"count":      len(all),
	})
}

func (s *Server) handleNotices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	var list []model.Notice
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		ts, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		list = s.notices.Since(ts)
	} else {
		list = s.notices.List(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"notices": list,
		"count":   len(list),
	})
}

// handleAnalyze runs a CSV body through the analyzer. Query parameters fs,
// id and axis override the defaults.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.analyzer == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	cfg := s.cfg.Get()
	q := r.URL.Query()
	fs := cfg.Ingest.DefaultSampleRate
	if v := q.Get("fs"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid fs")
			return
		}
		fs = parsed
	}
	axis, err := normalize.ParseAxis(q.Get("axis"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := strings.TrimSpace(q.Get("id"))
	if id == "" {
		id = "upload-" + uuid.NewString()
	}
	acc, err := ingest.ReadCSV(http.MaxBytesReader(w, r.Body, 64<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.analyzer.Analyze(r.Context(), model.Recording{ID: id, Source: "api", SampleRate: fs, Signal: acc}, axis)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSegmentation(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"segmentation": s.cfg.Get().Segmentation})
	case http.MethodPost:
		current := s.cfg.Get()
		next := *current
		if !decodeBody(w, r, &next.Segmentation) {
			return
		}
		s.apply(w, &next)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleTaps(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"taps": s.cfg.Get().Taps})
	case http.MethodPost:
		current := s.cfg.Get()
		next := *current
		if !decodeBody(w, r, &next.Taps) {
			return
		}
		s.apply(w, &next)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) apply(w http.ResponseWriter, next *config.Config) {
	if err := s.cfg.Update(next); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.analyzer != nil {
		s.analyzer.UpdateConfig(next)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	var req struct {
		Target string `json:"target"`
	}
	_ = json.Unmarshal(body, &req)
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	switch target {
	case "all":
		s.results.Clear()
		s.notices.Clear()
	case "notices":
		s.notices.Clear()
	case "recordings", "results":
		s.results.Clear()
	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.analyzer != nil {
		s.analyzer.Reset()
	}
	s.results.Clear()
	s.notices.Clear()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// decodeBody decodes a JSON body on top of dst, so absent keys keep their
// current values.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
