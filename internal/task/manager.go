package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"hls-recorder/internal/cache"
	"hls-recorder/internal/config"
	"hls-recorder/internal/fetch"
	"hls-recorder/internal/resume"
	"hls-recorder/internal/stream"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrTaskExists   = errors.New("task already exists")
	ErrTaskRunning  = errors.New("task is running")
	ErrTaskIdle     = errors.New("task is not running")
	ErrInvalidURL   = errors.New("invalid playlist url")
)

// Manager runs file-mode recordings and keeps their progress in the task
// journal. Every task records into its own directory under the cache dir
// and resumes from its checkpoint when restarted.
type Manager struct {
	mu      sync.Mutex
	db      *sql.DB
	log     hclog.Logger
	fetcher fetch.Fetcher
	ctx     context.Context
	cancel  context.CancelFunc
	running map[string]*stream.Session
	wg      sync.WaitGroup
}

func NewManager(db *sql.DB, fetcher fetch.Fetcher, logger hclog.Logger) (*Manager, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		db:      db,
		log:     logger,
		fetcher: fetcher,
		ctx:     ctx,
		cancel:  cancel,
		running: make(map[string]*stream.Session),
	}
	if err := m.InitTable(); err != nil {
		cancel()
		return nil, err
	}
	return m, nil
}

// sessionOptions builds the session options for outFile from the global
// config.
func (m *Manager) sessionOptions(outFile string) (stream.Options, error) {
	cfg := config.GlobalConfig
	miss, err := stream.ParseResumeMissPolicy(cfg.ResumeMiss)
	if err != nil {
		return stream.Options{}, err
	}
	return stream.Options{
		ChunkReadahead:  cfg.ChunkReadahead,
		RefreshInterval: time.Duration(cfg.RefreshInterval),
		RequestOptions: fetch.RequestOptions{
			Headers: cfg.Headers,
			Timeout: time.Duration(cfg.RequestTimeout),
		},
		OutFile:    outFile,
		ResumeLoad: true,
		ResumeMiss: miss,
		Fetcher:    m.fetcher,
	}, nil
}

// StartTask starts recording rawURL. A stopped or failed task for the same
// URL is resumed from its checkpoint.
func (m *Manager) StartTask(rawURL string) (*TaskMetadata, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}
	id := cache.GetTaskID(rawURL)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.running[id]; ok {
		return nil, ErrTaskRunning
	}

	exists, status, err := m.CheckTaskExists(id)
	if err != nil {
		return nil, err
	}
	if exists && status == StatusCompleted {
		return nil, fmt.Errorf("%w with status: %s", ErrTaskExists, status)
	}
	if !exists {
		now := time.Now()
		meta := TaskMetadata{
			ID:          id,
			OriginalURL: rawURL,
			OutFile:     cache.OutputPath(id),
			CreatedTime: now,
			UpdatedTime: now,
			Status:      StatusDownloading,
		}
		if err := m.CreateTask(meta); err != nil {
			return nil, err
		}
	}
	if err := m.run(id, rawURL); err != nil {
		m.UpdateTaskStatus(id, StatusFailed, err.Error())
		return nil, err
	}
	return m.GetTask(id)
}

// run opens the session for a task. Callers hold m.mu.
func (m *Manager) run(id, rawURL string) error {
	if err := cache.EnsureTaskDir(id); err != nil {
		return err
	}
	outFile := cache.OutputPath(id)

	// Items past the checkpoint were not kept by the last run.
	cp, _, err := resume.ForOutput(outFile).Load()
	if err != nil {
		return err
	}
	if err := m.TruncateTaskItems(id, cp.Offset); err != nil {
		return err
	}

	opts, err := m.sessionOptions(outFile)
	if err != nil {
		return err
	}
	// The run is journaled before the session starts so that its final
	// status is always the last write.
	opts.ID = uuid.NewString()
	if err := m.StartRun(id, opts.ID); err != nil {
		return err
	}
	log := m.log.With("task", id)
	opts.Logger = log
	opts.OnSegment = func(d stream.Delivery) {
		item := TaskItem{Seq: d.Seq, Pathname: d.Pathname, URL: d.URL, Length: d.Length, Offset: d.Checkpoint.Offset}
		if err := m.RecordTaskItem(id, item); err != nil {
			log.Warn("recording segment", "pathname", d.Pathname, "error", err)
		}
	}
	opts.OnComplete = func() {
		if err := m.UpdateTaskStatus(id, StatusCompleted, ""); err != nil {
			log.Warn("updating task", "error", err)
		}
	}
	opts.OnError = func(err error) {
		if uerr := m.UpdateTaskStatus(id, StatusFailed, err.Error()); uerr != nil {
			log.Warn("updating task", "error", uerr)
		}
	}

	s, err := stream.Open(m.ctx, rawURL, opts)
	if err != nil {
		return err
	}
	m.running[id] = s
	log.Info("task started", "url", rawURL, "run", s.ID(),
		"resume_offset", humanize.Bytes(uint64(cp.Offset)), "on_disk", humanize.Bytes(uint64(cache.OutputSize(id))))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		<-s.Done()
		m.mu.Lock()
		if m.running[id] == s {
			delete(m.running, id)
		}
		m.mu.Unlock()
		st := s.Stats()
		log.Info("task ended", "completed", st.Completed, "segments", st.Segments, "size", humanize.Bytes(uint64(st.Bytes)))
	}()
	return nil
}

// ResumeInterrupted restarts tasks left downloading by a previous process.
func (m *Manager) ResumeInterrupted() error {
	tasks, err := m.GetTasksByStatus(StatusDownloading)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range tasks {
		if _, ok := m.running[t.ID]; ok {
			continue
		}
		if err := m.run(t.ID, t.OriginalURL); err != nil {
			m.log.Error("resuming task", "task", t.ID, "error", err)
			m.UpdateTaskStatus(t.ID, StatusFailed, err.Error())
		}
	}
	return nil
}

// GetTasks returns all tasks, newest first
func (m *Manager) GetTasks() ([]TaskMetadata, error) {
	tasks, err := m.ListTasksDB()
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []TaskMetadata{}
	}
	return tasks, nil
}

func (m *Manager) StopTask(id string) error {
	m.mu.Lock()
	s, ok := m.running[id]
	m.mu.Unlock()
	if !ok {
		if _, err := m.GetTask(id); err != nil {
			return err
		}
		return ErrTaskIdle
	}

	if err := m.UpdateTaskStatus(id, StatusStopped, ""); err != nil {
		return err
	}
	// The checkpoint stays so the task can be started again.
	err := s.Close()
	m.mu.Lock()
	if m.running[id] == s {
		delete(m.running, id)
	}
	m.mu.Unlock()
	return err
}

func (m *Manager) DeleteTask(id string) error {
	if _, err := m.GetTask(id); err != nil {
		return err
	}
	m.mu.Lock()
	_, running := m.running[id]
	m.mu.Unlock()
	if running {
		return fmt.Errorf("%w, please stop it first", ErrTaskRunning)
	}

	if err := cache.RemoveTaskDir(id); err != nil {
		return fmt.Errorf("failed to remove files: %w", err)
	}
	if err := m.DeleteTaskItems(id); err != nil {
		return fmt.Errorf("failed to delete task items: %w", err)
	}
	if err := m.DeleteTaskDB(id); err != nil {
		return fmt.Errorf("failed to delete from db: %w", err)
	}
	return nil
}

// Shutdown ends every running session. Their tasks stay "downloading" so
// the next ResumeInterrupted picks them up.
func (m *Manager) Shutdown() {
	m.cancel()
	m.wg.Wait()
}

// API Handlers

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrTaskExists), errors.Is(err, ErrTaskRunning), errors.Is(err, ErrTaskIdle):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidURL):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (m *Manager) HandleList(w http.ResponseWriter, r *http.Request) {
	tasks, err := m.GetTasks()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (m *Manager) HandleGet(w http.ResponseWriter, r *http.Request) {
	meta, err := m.GetTask(r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), httpStatus(err))
		return
	}
	items, err := m.GetTaskItems(meta.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		*TaskMetadata
		Items []TaskItem `json:"items"`
	}{meta, items})
}

func (m *Manager) HandleStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "Invalid ID", http.StatusBadRequest)
		return
	}
	if err := m.StopTask(id); err != nil {
		http.Error(w, err.Error(), httpStatus(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (m *Manager) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "Invalid ID", http.StatusBadRequest)
		return
	}
	if err := m.DeleteTask(id); err != nil {
		http.Error(w, err.Error(), httpStatus(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (m *Manager) HandleAdd(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	meta, err := m.StartTask(body.URL)
	if err != nil {
		http.Error(w, err.Error(), httpStatus(err))
		return
	}
	writeJSON(w, http.StatusCreated, meta)
}
