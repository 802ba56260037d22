package engine

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"

	"fleetline/internal/config"
	"fleetline/internal/events"
	"fleetline/internal/firmware"
	"fleetline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Store  firmware.Store
	Log    *zap.SugaredLogger
	Now    func() time.Time

	cancels *cancelRegistry
}

func New(db *sql.DB, cfg *config.Config, store firmware.Store, log *zap.SugaredLogger) Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Config:  cfg,
		Store:   store,
		Log:     log,
		Now:     time.Now,
		cancels: &cancelRegistry{m: map[string]context.CancelFunc{}},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// cancelRegistry tracks the cancel function of every in-flight deployment.
type cancelRegistry struct {
	mu sync.Mutex
	m  map[string]context.CancelFunc
}

func (r *cancelRegistry) add(id string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[id] = cancel
}

func (r *cancelRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, id)
}

func (r *cancelRegistry) cancel(id string) bool {
	r.mu.Lock()
	cancel, ok := r.m[id]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}
