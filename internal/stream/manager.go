package stream

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/skypro1111/stream-gateway/internal/handler"
	"github.com/skypro1111/stream-gateway/internal/metrics"
)

// OutputRecord is one auxiliary output kept for a session
type OutputRecord struct {
	Time  time.Time `json:"time"`
	Type  string    `json:"type"`
	Value any       `json:"value"`
}

// ManagerConfig contains configuration for the session manager
type ManagerConfig struct {
	// IdleTimeout closes sessions without traffic for this long; 0 disables it.
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	// MaxAdditionalOutputs bounds the per-session output log.
	MaxAdditionalOutputs int
	// ForwardTranscripts sends recognized text back to the client as media.text.
	ForwardTranscripts bool
}

type entry struct {
	session      *Session
	registeredAt time.Time
	outputs      []OutputRecord
	totalOutputs uint64
}

// Manager is the in-process session registry
type Manager struct {
	sessions map[string]*entry
	ids      map[*Session]string
	mu       sync.RWMutex
	logger   *slog.Logger
	metrics  *metrics.Metrics
	config   ManagerConfig

	// Cleanup management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
	stopped sync.Once
}

var _ Registry = (*Manager)(nil)

// NewManager creates a session manager and starts its idle sweeper
func NewManager(logger *slog.Logger, m *metrics.Metrics, config ManagerConfig) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = 30 * time.Second
	}
	if config.MaxAdditionalOutputs <= 0 {
		config.MaxAdditionalOutputs = 100
	}

	ctx, cancel := context.WithCancel(context.Background())
	mgr := &Manager{
		sessions: make(map[string]*entry),
		ids:      make(map[*Session]string),
		logger:   logger,
		metrics:  m,
		config:   config,
		ctx:      ctx,
		cancel:   cancel,
		cleanup:  make(chan struct{}),
	}

	go mgr.startCleanupRoutine()

	return mgr
}

// Register maps id to the session. A session registering under a new id is
// moved; a different live session holding id is closed and replaced.
func (m *Manager) Register(id string, s *Session) {
	if id == "" || s == nil {
		return
	}

	m.mu.Lock()
	var (
		replaced   *Session
		replacedAt time.Time
	)
	moved := false

	if oldID, ok := m.ids[s]; ok && oldID != id {
		if e, ok := m.sessions[oldID]; ok && e.session == s {
			delete(m.sessions, oldID)
		}
		moved = true
	}

	created := false
	if e, ok := m.sessions[id]; ok {
		if e.session != s {
			replaced, replacedAt = e.session, e.registeredAt
			delete(m.ids, replaced)
			m.sessions[id] = &entry{session: s, registeredAt: time.Now()}
			created = !moved
		}
	} else {
		m.sessions[id] = &entry{session: s, registeredAt: time.Now()}
		created = !moved
	}
	m.ids[s] = id
	active := len(m.sessions)
	m.mu.Unlock()

	if replaced != nil {
		// The replaced session's own CleanUp finds no entry, so its end is counted here.
		m.metrics.RecordSessionDestroyed(active, time.Since(replacedAt).Seconds())
	}
	if created {
		m.metrics.RecordSessionCreated(active)
	}
	if replaced != nil {
		m.logger.Warn("Session id reused, closing previous session",
			slog.String("session_id", id))
		replaced.Close()
	}

	m.logger.Debug("Session registered",
		slog.String("session_id", id),
		slog.Bool("moved", moved),
		slog.Int("active_sessions", active))
}

// CleanUp removes id unless it belongs to a session that is still running.
// It is safe to call more than once and with an empty id.
func (m *Manager) CleanUp(id string) {
	if id == "" {
		return
	}

	m.mu.Lock()
	e, ok := m.sessions[id]
	if !ok || !e.session.isTerminated() {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, id)
	if m.ids[e.session] == id {
		delete(m.ids, e.session)
	}
	active := len(m.sessions)
	m.mu.Unlock()

	lifetime := time.Since(e.registeredAt)
	m.metrics.RecordSessionDestroyed(active, lifetime.Seconds())

	m.logger.Info("Session removed",
		slog.String("session_id", id),
		slog.Duration("duration", lifetime),
		slog.Uint64("additional_outputs", e.totalOutputs),
		slog.Int("active_sessions", active))
}

// AdditionalOutputs returns the sink recording auxiliary outputs for id
func (m *Manager) AdditionalOutputs(id string) OutputSink {
	return func(v any) {
		rec := OutputRecord{Time: time.Now(), Type: additionalKind(v), Value: v}

		m.mu.Lock()
		e, ok := m.sessions[id]
		if ok {
			e.totalOutputs++
			e.outputs = append(e.outputs, rec)
			if over := len(e.outputs) - m.config.MaxAdditionalOutputs; over > 0 {
				e.outputs = append(e.outputs[:0], e.outputs[over:]...)
			}
		}
		m.mu.Unlock()

		if !ok {
			m.logger.Debug("Dropping output for unknown session",
				slog.String("session_id", id),
				slog.String("type", rec.Type))
			return
		}

		m.logger.Debug("Additional output",
			slog.String("session_id", id),
			slog.String("type", rec.Type))

		if m.config.ForwardTranscripts {
			m.forward(id, e.session, v)
		}
	}
}

func (m *Manager) forward(id string, s *Session, v any) {
	var text string
	switch t := v.(type) {
	case handler.Transcript:
		text = t.Text
	case *handler.Transcript:
		if t != nil {
			text = t.Text
		}
	case string:
		text = t
	}
	if text == "" {
		return
	}

	if err := s.SendTranscript(text); err != nil {
		m.logger.Debug("Transcript not forwarded",
			slog.String("session_id", id),
			slog.String("error", err.Error()))
	}
}

// Get returns the session registered under id
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// Count returns the number of registered sessions
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// List returns a snapshot of all registered sessions ordered by id
func (m *Manager) List() []SessionInfo {
	m.mu.RLock()
	infos := make([]SessionInfo, 0, len(m.sessions))
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	totals := make([]uint64, len(entries))
	for i, e := range entries {
		totals[i] = e.totalOutputs
	}
	m.mu.RUnlock()

	for i, e := range entries {
		info := e.session.Info()
		info.AdditionalOutputs = totals[i]
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Outputs returns the recorded auxiliary outputs of a session, oldest first
func (m *Manager) Outputs(id string) ([]OutputRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return append([]OutputRecord(nil), e.outputs...), true
}

// Stop closes every session and stops the idle sweeper
func (m *Manager) Stop() {
	m.stopped.Do(func() {
		m.logger.Info("Stopping session manager...")

		m.cancel()
		<-m.cleanup

		m.mu.RLock()
		sessions := make([]*Session, 0, len(m.sessions))
		for _, e := range m.sessions {
			sessions = append(sessions, e.session)
		}
		m.mu.RUnlock()

		for _, s := range sessions {
			s.Close()
		}

		m.logger.Info("Session manager stopped",
			slog.Int("closed_sessions", len(sessions)))
	})
}

// startCleanupRoutine closes sessions that have been idle for too long
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	if m.config.IdleTimeout <= 0 {
		<-m.ctx.Done()
		return
	}

	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	m.logger.Info("Session cleanup routine started",
		slog.Duration("idle_timeout", m.config.IdleTimeout),
		slog.Duration("check_interval", m.config.SweepInterval))

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Info("Session cleanup routine stopping")
			return
		case <-ticker.C:
			m.closeIdleSessions()
		}
	}
}

func (m *Manager) closeIdleSessions() {
	now := time.Now()
	expired := make(map[string]*Session)

	m.mu.RLock()
	for id, e := range m.sessions {
		if now.Sub(e.session.LastActivity()) > m.config.IdleTimeout {
			expired[id] = e.session
		}
	}
	m.mu.RUnlock()

	if len(expired) == 0 {
		return
	}

	m.logger.Info("Closing idle sessions", slog.Int("expired_count", len(expired)))
	for id, s := range expired {
		m.logger.Debug("Closing idle session", slog.String("session_id", id))
		s.Close()
	}
}
