package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-hclog"

	"hls-recorder/internal/config"
	"hls-recorder/internal/database"
	"hls-recorder/internal/fetch"
	"hls-recorder/internal/stream"
	"hls-recorder/internal/task"
)

type Server struct {
	addr        string
	log         hclog.Logger
	fetcher     fetch.Fetcher
	taskManager *task.Manager
	httpServer  *http.Server
}

func NewServer(logger hclog.Logger) (*Server, error) {
	db, err := database.Init(config.GlobalConfig.CacheDir) // Store DB in cache dir
	if err != nil {
		return nil, fmt.Errorf("failed to init db: %w", err)
	}

	fetcher := fetch.NewClient(logger.Named("fetch"))
	tm, err := task.NewManager(db, fetcher, logger.Named("task"))
	if err != nil {
		return nil, fmt.Errorf("failed to init task manager: %w", err)
	}

	return newServer(fmt.Sprintf(":%d", config.GlobalConfig.ProxyPort), logger, fetcher, tm), nil
}

func newServer(addr string, logger hclog.Logger, fetcher fetch.Fetcher, tm *task.Manager) *Server {
	s := &Server{
		addr:        addr,
		log:         logger,
		fetcher:     fetcher,
		taskManager: tm,
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routes served by the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// API Endpoints
	mux.HandleFunc("GET /api/tasks", s.taskManager.HandleList)
	mux.HandleFunc("POST /api/tasks", s.taskManager.HandleAdd)
	mux.HandleFunc("GET /api/tasks/{id}", s.taskManager.HandleGet)
	mux.HandleFunc("DELETE /api/tasks/{id}", s.taskManager.HandleDelete)
	mux.HandleFunc("POST /api/tasks/{id}/stop", s.taskManager.HandleStop)

	// Live stream
	mux.HandleFunc("GET /stream", s.handleStream)

	return mux
}

// Start resumes interrupted tasks and serves until Shutdown.
func (s *Server) Start() error {
	if err := s.taskManager.ResumeInterrupted(); err != nil {
		s.log.Warn("resuming tasks", "error", err)
	}
	s.log.Info("server starting", "addr", "http://localhost"+s.addr)
	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and ends every recording. Running tasks
// resume on the next Start.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.taskManager.Shutdown()
	return err
}

// flushWriter pushes every write to the client so the player gets segments
// as they are assembled.
type flushWriter struct {
	w  io.Writer
	rc *http.ResponseController
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err == nil {
		f.rc.Flush()
	}
	return n, err
}

// handleStream plays the live stream at ?url= back as one continuous
// response. The session lives as long as the request.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.Query().Get("url")
	u, err := url.Parse(rawURL)
	if rawURL == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		http.Error(w, "Invalid URL", http.StatusBadRequest)
		return
	}

	cfg := config.GlobalConfig
	log := s.log.With("remote", r.RemoteAddr)
	sess, err := stream.Open(r.Context(), rawURL, stream.Options{
		ChunkReadahead:  cfg.ChunkReadahead,
		RefreshInterval: time.Duration(cfg.RefreshInterval),
		RequestOptions: fetch.RequestOptions{
			Headers: cfg.Headers,
			Timeout: time.Duration(cfg.RequestTimeout),
		},
		Fetcher: s.fetcher,
		Logger:  log,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer sess.Close()

	// Nothing is committed until the first bytes arrive, so an upstream
	// failure before that can still be reported with a status code.
	buf := make([]byte, 32*1024)
	n, err := sess.Read(buf)
	if n == 0 && err != nil {
		log.Warn("stream failed before first byte", "url", rawURL, "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)

	fw := flushWriter{w: w, rc: http.NewResponseController(w)}
	written := int64(0)
	if n > 0 {
		if _, werr := fw.Write(buf[:n]); werr != nil {
			return
		}
		written += int64(n)
	}
	if err == nil {
		var m int64
		m, err = io.CopyBuffer(fw, sess, buf)
		written += m
	}
	if err != nil && !errors.Is(err, io.EOF) && r.Context().Err() == nil {
		log.Warn("stream ended with error", "url", rawURL, "sent", humanize.Bytes(uint64(written)), "error", err)
		return
	}
	log.Debug("stream finished", "url", rawURL, "sent", humanize.Bytes(uint64(written)))
}
