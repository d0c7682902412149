// Package sessions owns the lifecycle of backend sessions. The registry keeps
// the active set in memory for capacity and port accounting and writes every
// mutation through to the state store before returning, so port ownership is
// reconstructable after a restart.
package sessions

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"qadeck/server/internal/global"
	"qadeck/server/internal/logging"
	"qadeck/server/internal/portpool"
	"qadeck/server/internal/state"
)

type Session struct {
	ID             string             `json:"id"`
	BackendID      string             `json:"backendId"`
	Status         string             `json:"status"`
	Ports          *portpool.PortPair `json:"allocatedPorts,omitempty"`
	ServerURL      string             `json:"serverUrl,omitempty"`
	DisplayURL     string             `json:"displayUrl,omitempty"`
	HasRunTask     bool               `json:"hasRunTask"`
	CreatedAt      time.Time          `json:"createdAt"`
	LastActivityAt time.Time          `json:"lastActivityAt"`
}

type Registry struct {
	store  *state.Store
	pool   *portpool.Pool
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]map[string]Session

	now   func() time.Time
	newID func() string
}

// NewRegistry rebuilds the active session set from the store before any
// allocation is served; unique port ownership must hold across restarts.
func NewRegistry(store *state.Store, pool *portpool.Pool, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	r := &Registry{
		store:  store,
		pool:   pool,
		logger: logger.With("module", "sessions"),
		active: map[string]map[string]Session{},
		now:    time.Now,
		newID:  uuid.NewString,
	}
	records, err := store.ListAllActiveSessions()
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		sess := fromRecord(rec)
		if r.active[sess.BackendID] == nil {
			r.active[sess.BackendID] = map[string]Session{}
		}
		r.active[sess.BackendID][sess.ID] = sess
	}
	if len(records) > 0 {
		r.logger.Info("restored active sessions", "count", len(records))
	}
	return r, nil
}

// Create leases a new session against the backend. The capacity check runs
// first; only then is a port pair allocated, so a full pool never burns a
// capacity slot.
func (r *Registry) Create(backend global.BackendConfig) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	active := r.active[backend.ID]
	if len(active) >= backend.Capacity {
		return Session{}, &CapacityExceededError{BackendID: backend.ID, Active: len(active), Limit: backend.Capacity}
	}

	now := r.now().UTC()
	sess := Session{
		ID:             r.newID(),
		BackendID:      backend.ID,
		Status:         state.SessionStatusActive,
		ServerURL:      backend.TaskURL,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	if backend.NeedsPorts {
		pair, ok := r.pool.Allocate(backend.ID, r.heldPairsLocked(backend.ID))
		if !ok {
			return Session{}, &NoPortsAvailableError{BackendID: backend.ID}
		}
		sess.Ports = &pair
		sess.ServerURL, sess.DisplayURL = backend.Endpoints(pair)
	}

	if err := r.store.UpsertSession(toRecord(sess)); err != nil {
		return Session{}, err
	}
	if r.active[backend.ID] == nil {
		r.active[backend.ID] = map[string]Session{}
	}
	r.active[backend.ID][sess.ID] = sess

	r.logger.Info("session created",
		"backend_id", backend.ID,
		"session_id", sess.ID,
		"has_ports", sess.Ports != nil,
		"active", len(r.active[backend.ID]),
		"limit", backend.Capacity,
	)
	return sess, nil
}

// Release removes the session and thereby returns its port pair to the pool
// (availability is derived from the active set). Releasing an unknown or
// already-released session is a no-op.
func (r *Registry) Release(backendID, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.active[backendID][sessionID]
	if !ok {
		return nil
	}
	if err := r.store.DeleteSession(sessionID); err != nil {
		return err
	}
	delete(r.active[backendID], sessionID)

	r.logger.Info("session released",
		"backend_id", backendID,
		"session_id", sessionID,
		"had_ports", sess.Ports != nil,
	)
	return nil
}

// Touch records caller activity for external idle-eviction policies.
func (r *Registry) Touch(backendID, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.active[backendID][sessionID]
	if !ok {
		return nil
	}
	at := r.now().UTC()
	if err := r.store.TouchSession(sessionID, at.Unix()); err != nil {
		return err
	}
	sess.LastActivityAt = at
	r.active[backendID][sessionID] = sess
	return nil
}

// MarkTaskRun flags the session after its first completed task.
func (r *Registry) MarkTaskRun(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for backendID, byID := range r.active {
		sess, ok := byID[sessionID]
		if !ok {
			continue
		}
		if sess.HasRunTask {
			return nil
		}
		if err := r.store.MarkSessionTaskRun(sessionID); err != nil {
			return err
		}
		sess.HasRunTask = true
		r.active[backendID][sessionID] = sess
		return nil
	}
	return nil
}

func (r *Registry) List(backendID string) []Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Session, 0, len(r.active[backendID]))
	for _, sess := range r.active[backendID] {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r *Registry) Get(sessionID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, byID := range r.active {
		if sess, ok := byID[sessionID]; ok {
			return sess, true
		}
	}
	return Session{}, false
}

func (r *Registry) heldPairsLocked(backendID string) []portpool.PortPair {
	held := make([]portpool.PortPair, 0, len(r.active[backendID]))
	for _, sess := range r.active[backendID] {
		if sess.Ports != nil {
			held = append(held, *sess.Ports)
		}
	}
	return held
}

func toRecord(sess Session) state.SessionRecord {
	rec := state.SessionRecord{
		SessionID:      sess.ID,
		BackendID:      sess.BackendID,
		Status:         sess.Status,
		ServerURL:      sess.ServerURL,
		DisplayURL:     sess.DisplayURL,
		HasRunTask:     sess.HasRunTask,
		CreatedAt:      sess.CreatedAt.Unix(),
		LastActivityAt: sess.LastActivityAt.Unix(),
	}
	if sess.Ports != nil {
		rec.HasPorts = true
		rec.ControlPort = sess.Ports.ControlPort
		rec.DisplayPort = sess.Ports.DisplayPort
	}
	return rec
}

func fromRecord(rec state.SessionRecord) Session {
	sess := Session{
		ID:             rec.SessionID,
		BackendID:      rec.BackendID,
		Status:         rec.Status,
		ServerURL:      rec.ServerURL,
		DisplayURL:     rec.DisplayURL,
		HasRunTask:     rec.HasRunTask,
		CreatedAt:      time.Unix(rec.CreatedAt, 0).UTC(),
		LastActivityAt: time.Unix(rec.LastActivityAt, 0).UTC(),
	}
	if rec.HasPorts {
		sess.Ports = &portpool.PortPair{ControlPort: rec.ControlPort, DisplayPort: rec.DisplayPort}
	}
	return sess
}
