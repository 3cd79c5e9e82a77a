package session

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/statbridge/statbridge/internal/common/config"
	"github.com/statbridge/statbridge/internal/common/logger"
	"github.com/statbridge/statbridge/internal/events"
	"github.com/statbridge/statbridge/internal/events/bus"
	"github.com/statbridge/statbridge/internal/ipc"
	"github.com/statbridge/statbridge/internal/script"
	v1 "github.com/statbridge/statbridge/pkg/api/v1"
)

const (
	// reclaimInterval is how often idle sessions and worker health are
	// checked.
	reclaimInterval = 60 * time.Second

	// resultGrace is added to every command deadline so a worker finishing
	// right at the timeout still gets its result delivered.
	resultGrace = 5 * time.Second

	// gracefulJoin and hardJoin bound session destruction.
	gracefulJoin = 5 * time.Second
	hardJoin     = 2 * time.Second

	// stopTimeout bounds the queue-based stop fallback.
	stopTimeout = 2 * time.Second

	historyLimit = 200
)

// Manager is the registry of sessions and the request router. A single lock
// protects the registry; IPC waits always happen with the lock released.
type Manager struct {
	cfg      config.SessionsConfig
	spawner  Spawner
	eventBus bus.EventBus
	logger   *logger.Logger

	sessions map[string]*Session
	mu       sync.Mutex

	histMu  sync.Mutex
	history []v1.HistoryEntry

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewManager creates a session manager.
func NewManager(cfg config.SessionsConfig, spawner Spawner, eventBus bus.EventBus, log *logger.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		spawner:  spawner,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "session-manager")),
		sessions: make(map[string]*Session),
		stopCh:   make(chan struct{}),
	}
}

// Start creates the default session and begins idle reclamation. With
// sessions disabled it is a no-op.
func (m *Manager) Start() error {
	if !m.cfg.Enabled {
		m.logger.Info("session manager disabled")
		return nil
	}

	m.logger.Info("starting session manager",
		zap.Int("max_sessions", m.cfg.MaxSessions),
		zap.Int("session_timeout", m.cfg.SessionTimeout))

	if err := m.createSession(DefaultSessionID, true); err != nil {
		return fmt.Errorf("create default session: %w", err)
	}

	m.started = true
	m.wg.Add(1)
	go m.reclaimLoop()

	m.logger.Info("session manager started")
	return nil
}

// Stop destroys every session, the default one included, and stops the
// reclaim loop.
func (m *Manager) Stop() {
	m.logger.Info("stopping session manager")

	if m.started {
		close(m.stopCh)
		m.wg.Wait()
		m.started = false
	}

	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.DestroySession(id, true); err != nil {
			m.logger.Error("error destroying session", zap.String("session_id", id), zap.Error(err))
		}
	}

	m.logger.Info("session manager stopped")
}

// CreateSession creates a session, generating an id when none is given.
// Creating an id that already exists succeeds and returns that id.
func (m *Manager) CreateSession(sessionID string) (string, error) {
	m.mu.Lock()
	if sessionID != "" {
		if _, exists := m.sessions[sessionID]; exists {
			m.mu.Unlock()
			return sessionID, nil
		}
	}
	if m.activeCountLocked() >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return "", fmt.Errorf("maximum sessions (%d) reached", m.cfg.MaxSessions)
	}
	m.mu.Unlock()

	if sessionID == "" {
		sessionID = uuid.New().String()[:8]
	}

	if err := m.createSession(sessionID, false); err != nil {
		return "", err
	}
	return sessionID, nil
}

// createSession spawns a worker and waits for its init reply. The session is
// registered as CREATING before the spawn so admission counts it.
func (m *Manager) createSession(sessionID string, isDefault bool) error {
	log := m.logger.WithSessionID(sessionID)
	log.Info("creating session", zap.Bool("is_default", isDefault))

	now := time.Now()
	sess := &Session{
		ID:           sessionID,
		State:        v1.SessionStateCreating,
		CreatedAt:    now,
		LastActivity: now,
		IsDefault:    isDefault,
	}

	m.mu.Lock()
	if m.activeCountLocked() >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return fmt.Errorf("maximum sessions (%d) reached", m.cfg.MaxSessions)
	}
	m.sessions[sessionID] = sess
	m.mu.Unlock()

	handle, err := m.spawner.Spawn(sessionID)
	if err != nil {
		m.removeSession(sessionID)
		return fmt.Errorf("spawn worker: %w", err)
	}

	// Wait for the _init reply, discarding anything else that may arrive.
	deadline := time.Now().Add(m.cfg.WorkerStartTimeoutDuration())
	var initRes *ipc.Result
	for time.Now().Before(deadline) {
		res, err := handle.Recv(time.Until(deadline))
		if err != nil {
			break
		}
		if res.CommandID == ipc.InitCommandID {
			initRes = res
			break
		}
	}

	if initRes == nil || initRes.Status != ipc.StatusReady {
		reason := "worker initialization timeout"
		if initRes != nil && initRes.Error != "" {
			reason = initRes.Error
		}
		log.Error("session init failed", zap.String("reason", reason))

		m.terminateWorker(handle)
		handle.Close()
		m.removeSession(sessionID)
		return fmt.Errorf("%s", reason)
	}

	m.mu.Lock()
	sess.worker = handle
	sess.State = v1.SessionStateReady
	sess.LastActivity = time.Now()
	m.mu.Unlock()

	m.publish(events.SessionCreated, map[string]interface{}{
		"session_id": sessionID,
		"is_default": isDefault,
		"worker_pid": handle.PID(),
	})

	log.Info("session ready")
	return nil
}

// DestroySession tears a session down. The default session is protected
// unless force is set.
func (m *Manager) DestroySession(sessionID string, force bool) error {
	m.mu.Lock()
	sess, exists := m.sessions[sessionID]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("session %q not found", sessionID)
	}
	if sess.IsDefault && !force {
		m.mu.Unlock()
		return fmt.Errorf("cannot destroy default session")
	}
	sess.State = v1.SessionStateDestroying
	handle := sess.worker
	m.mu.Unlock()

	if handle != nil {
		if !force {
			// Graceful: ask the worker to exit, then join briefly.
			_ = handle.Send(&ipc.Command{Type: ipc.CommandExit, CommandID: "shutdown"})
			handle.Wait(gracefulJoin)
		}
		m.terminateWorker(handle)
		handle.Close()
	}

	m.mu.Lock()
	delete(m.sessions, sessionID)
	sess.State = v1.SessionStateDestroyed
	m.mu.Unlock()

	m.publish(events.SessionDestroyed, map[string]interface{}{
		"session_id": sessionID,
		"forced":     force,
	})

	m.logger.Info("session destroyed", zap.String("session_id", sessionID))
	return nil
}

// terminateWorker force-terminates a worker process, escalating to kill.
func (m *Manager) terminateWorker(handle Handle) {
	if handle == nil || !handle.Alive() {
		return
	}
	_ = handle.Terminate()
	if !handle.Wait(hardJoin) {
		_ = handle.Kill()
		handle.Wait(hardJoin)
	}
}

func (m *Manager) removeSession(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

// GetSession returns a snapshot of a session; empty id means default.
func (m *Manager) GetSession(sessionID string) (v1.SessionInfo, bool) {
	if sessionID == "" {
		sessionID = DefaultSessionID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return v1.SessionInfo{}, false
	}
	return sess.Info(), true
}

// ListSessions snapshots every live session.
func (m *Manager) ListSessions() []v1.SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]v1.SessionInfo, 0, len(m.sessions))
	for _, sess := range m.sessions {
		if sess.State == v1.SessionStateDestroyed || sess.State == v1.SessionStateDestroying {
			continue
		}
		out = append(out, sess.Info())
	}
	return out
}

// Stats snapshots the registry counters.
func (m *Manager) Stats() v1.ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := v1.ManagerStats{
		Enabled:        m.cfg.Enabled,
		TotalSessions:  len(m.sessions),
		MaxSessions:    m.cfg.MaxSessions,
		SessionTimeout: m.cfg.SessionTimeout,
	}
	for _, sess := range m.sessions {
		switch sess.State {
		case v1.SessionStateReady:
			stats.ActiveSessions++
		case v1.SessionStateBusy:
			stats.BusySessions++
		}
	}
	stats.AvailableSlots = m.availableSlotsLocked()
	return stats
}

// activeCountLocked counts sessions holding an admission slot.
func (m *Manager) activeCountLocked() int {
	n := 0
	for _, sess := range m.sessions {
		switch sess.State {
		case v1.SessionStateCreating, v1.SessionStateReady, v1.SessionStateBusy:
			n++
		}
	}
	return n
}

func (m *Manager) availableSlotsLocked() int {
	slots := m.cfg.MaxSessions - m.activeCountLocked()
	if slots < 0 {
		return 0
	}
	return slots
}

// Execute runs ad-hoc code in a session. Logical lines joined by the
// continuation marker are merged before the code reaches the engine.
func (m *Manager) Execute(ctx context.Context, code, sessionID string, timeout time.Duration) *v1.ExecuteResult {
	sess, errRes := m.routeForExecution(sessionID)
	if errRes != nil {
		return errRes
	}

	processed := script.JoinContinuations(code)
	res := m.executeCommand(ctx, sess, ipc.CommandExecute, ipc.Payload{
		Code:    processed,
		Timeout: m.effectiveTimeout(timeout).Seconds(),
	}, m.effectiveTimeout(timeout))

	m.record("selection", firstLine(code), sess.ID, res.Status)
	return res.ExecuteResult
}

// ExecuteFile runs a .do file in a session. The log path is computed
// absolutely so logs stay put when the engine's working directory moves.
func (m *Manager) ExecuteFile(ctx context.Context, filePath, sessionID string, timeout time.Duration, logFile, workingDir string) *v1.ExecuteResult {
	sess, errRes := m.routeForExecution(sessionID)
	if errRes != nil {
		return errRes
	}

	if logFile == "" {
		logFile = m.LogFilePath(filePath, sess.ID)
	}

	res := m.executeCommand(ctx, sess, ipc.CommandExecuteFile, ipc.Payload{
		FilePath:   filePath,
		Timeout:    m.effectiveTimeout(timeout).Seconds(),
		LogFile:    logFile,
		WorkingDir: workingDir,
	}, m.effectiveTimeout(timeout))

	m.record("file", filePath, sess.ID, res.Status)
	return res.ExecuteResult
}

// LogFilePath computes the absolute log path for a file execution. The name
// includes the session id so parallel sessions never lock each other's logs.
func (m *Manager) LogFilePath(filePath, sessionID string) string {
	base := strings.TrimSuffix(filepath.Base(filePath), filepath.Ext(filePath))
	dir := m.cfg.LogDir
	if dir == "" {
		abs, err := filepath.Abs(filePath)
		if err != nil {
			abs = filePath
		}
		dir = filepath.Dir(abs)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s_mcp.log", base, sessionID))
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

// GetData returns a columnar snapshot of a session's dataset.
func (m *Manager) GetData(ctx context.Context, sessionID, ifCondition string, maxRows int, timeout time.Duration) *v1.DataResult {
	if sessionID == "" {
		sessionID = DefaultSessionID
	}

	m.mu.Lock()
	sess, exists := m.sessions[sessionID]
	if !exists {
		m.mu.Unlock()
		return &v1.DataResult{Status: ipc.StatusError, Error: fmt.Sprintf("session not found: %s", sessionID), SessionID: sessionID}
	}
	if sess.State != v1.SessionStateReady {
		state := sess.State
		m.mu.Unlock()
		return &v1.DataResult{Status: ipc.StatusError, Error: fmt.Sprintf("session not ready: %s", state), SessionID: sessionID}
	}
	m.mu.Unlock()

	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	res := m.executeCommand(ctx, sess, ipc.CommandGetData, ipc.Payload{
		IfCondition: ifCondition,
		MaxRows:     maxRows,
	}, timeout)

	out := &v1.DataResult{Status: res.Status, Error: res.Error, SessionID: res.SessionID}
	if res.frame != nil {
		out.Frame = res.frame
	}
	return out
}

// StopResult reports the outcome of a stop request.
type StopResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StopExecution interrupts a session's in-flight command. The stop flag is
// raised regardless of the session state: a streaming job may not have
// flipped the session to BUSY yet. Falls back to an on-queue stop command
// when the flag is unavailable; that fallback waits for the worker's reply
// for up to the stop timeout plus the result grace.
func (m *Manager) StopExecution(sessionID string) StopResult {
	if sessionID == "" {
		sessionID = DefaultSessionID
	}

	m.mu.Lock()
	sess, exists := m.sessions[sessionID]
	if !exists {
		m.mu.Unlock()
		return StopResult{Status: ipc.StatusError, Error: "session not found"}
	}
	wasBusy := sess.State == v1.SessionStateBusy
	handle := sess.worker
	m.mu.Unlock()

	if handle == nil {
		return StopResult{Status: ipc.StatusError, Error: "session has no worker"}
	}

	// Signal outside the registry lock; the stop path must never contend
	// with a waiter holding IPC state.
	if err := handle.SignalStop(); err == nil {
		m.logger.Info("stop signal sent",
			zap.String("session_id", sessionID),
			zap.Bool("was_busy", wasBusy))
		return StopResult{Status: ipc.StatusStopSent, Message: "stop signal sent"}
	}

	if !wasBusy {
		return StopResult{Status: ipc.StatusNotRunning, Message: "no execution running"}
	}

	// Queue-based fallback for platforms without the async stop primitive.
	res := m.executeCommand(context.Background(), sess, ipc.CommandStop, ipc.Payload{}, stopTimeout)
	return StopResult{Status: res.Status, Message: res.Output, Error: res.Error}
}

// routeForExecution resolves a session for an execute request:
// auto-creating a named session that does not exist, spilling over to a
// fresh session when the target is busy, and failing on terminal states.
func (m *Manager) routeForExecution(sessionID string) (*Session, *v1.ExecuteResult) {
	if sessionID == "" {
		sessionID = DefaultSessionID
	}

	m.mu.Lock()
	sess, exists := m.sessions[sessionID]
	m.mu.Unlock()

	if !exists {
		if sessionID == DefaultSessionID {
			return nil, &v1.ExecuteResult{
				Status:    ipc.StatusError,
				Error:     "session not found: default",
				SessionID: sessionID,
			}
		}
		m.logger.Info("auto-creating session", zap.String("session_id", sessionID))
		if err := m.createSession(sessionID, false); err != nil {
			return nil, &v1.ExecuteResult{
				Status:    ipc.StatusError,
				Error:     fmt.Sprintf("failed to auto-create session: %v", err),
				SessionID: sessionID,
			}
		}
		m.mu.Lock()
		sess = m.sessions[sessionID]
		m.mu.Unlock()
		if sess == nil {
			return nil, &v1.ExecuteResult{Status: ipc.StatusError, Error: "session creation raced with destruction", SessionID: sessionID}
		}
		return sess, nil
	}

	m.mu.Lock()
	state := sess.State
	m.mu.Unlock()

	switch state {
	case v1.SessionStateReady:
		return sess, nil

	case v1.SessionStateBusy:
		// Spillover: an accidental collision becomes parallel execution.
		// The result carries the spillover session id so the client
		// observes where its command actually ran.
		spillID := uuid.New().String()[:8]
		m.logger.Info("session busy, spilling over",
			zap.String("session_id", sessionID),
			zap.String("spillover_id", spillID))
		if err := m.createSession(spillID, false); err != nil {
			return nil, &v1.ExecuteResult{
				Status:    ipc.StatusError,
				Error:     fmt.Sprintf("session busy and spillover failed: %v", err),
				SessionID: sessionID,
			}
		}
		m.mu.Lock()
		spill := m.sessions[spillID]
		m.mu.Unlock()
		if spill == nil {
			return nil, &v1.ExecuteResult{Status: ipc.StatusError, Error: "spillover session vanished", SessionID: sessionID}
		}
		m.publish(events.SessionSpilled, map[string]interface{}{
			"session_id":   spillID,
			"spilled_from": sessionID,
		})
		return spill, nil

	default:
		return nil, &v1.ExecuteResult{
			Status:    ipc.StatusError,
			Error:     fmt.Sprintf("session not ready: %s", state),
			SessionID: sessionID,
		}
	}
}

// executeResult is the internal form carrying the optional data frame.
type executeResult struct {
	*v1.ExecuteResult
	frame *v1.DataFrame
}

// executeCommand sends one command and waits for its matching result,
// discarding any result whose command id differs: out-of-band stop results
// and results of commands whose waiters timed out may still be queued.
// The registry lock is never held across an IPC wait.
func (m *Manager) executeCommand(ctx context.Context, sess *Session, cmdType string, payload ipc.Payload, timeout time.Duration) *executeResult {
	commandID := uuid.New().String()[:8]
	log := m.logger.WithSessionID(sess.ID).WithCommandID(commandID)

	m.mu.Lock()
	handle := sess.worker
	if handle == nil || !handle.Alive() {
		sess.State = v1.SessionStateError
		sess.ErrorMessage = "Worker process died"
		m.mu.Unlock()
		m.publish(events.SessionError, map[string]interface{}{"session_id": sess.ID, "error": "Worker process died"})
		return &executeResult{ExecuteResult: &v1.ExecuteResult{Status: ipc.StatusError, Error: "Worker process died", SessionID: sess.ID}}
	}
	isExecute := cmdType == ipc.CommandExecute || cmdType == ipc.CommandExecuteFile
	setBusy := isExecute || cmdType == ipc.CommandGetData
	if setBusy {
		sess.State = v1.SessionStateBusy
		sess.CurrentCommandID = commandID
	}
	sess.LastActivity = time.Now()
	m.mu.Unlock()

	if isExecute {
		m.publish(events.ExecutionStarted, map[string]interface{}{
			"session_id": sess.ID,
			"command_id": commandID,
			"type":       cmdType,
		})
	}

	err := handle.Send(&ipc.Command{
		Type:      cmdType,
		CommandID: commandID,
		Payload:   payload,
	})
	if err != nil {
		m.mu.Lock()
		sess.State = v1.SessionStateError
		sess.ErrorMessage = err.Error()
		if setBusy {
			sess.CurrentCommandID = ""
		}
		m.mu.Unlock()
		m.publish(events.SessionError, map[string]interface{}{"session_id": sess.ID, "error": err.Error()})
		return &executeResult{ExecuteResult: &v1.ExecuteResult{Status: ipc.StatusError, Error: err.Error(), SessionID: sess.ID}}
	}

	deadline := time.Now().Add(timeout + resultGrace)
	var result *ipc.Result
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			break
		}
		step := remaining
		if step > time.Second {
			step = time.Second
		}
		candidate, err := handle.Recv(step)
		if err == ipc.ErrTimeout {
			continue
		}
		if err != nil {
			break
		}
		if candidate.CommandID != commandID {
			log.Debug("discarding stale result", zap.String("got", candidate.CommandID))
			continue
		}
		result = candidate
		break
	}

	m.mu.Lock()
	if setBusy {
		if sess.State == v1.SessionStateBusy {
			sess.State = v1.SessionStateReady
		}
		sess.CurrentCommandID = ""
	}
	sess.LastActivity = time.Now()
	m.mu.Unlock()

	if result == nil {
		log.Warn("command timed out", zap.Duration("timeout", timeout))
		return &executeResult{ExecuteResult: &v1.ExecuteResult{
			Status:    ipc.StatusTimeout,
			Error:     fmt.Sprintf("command timeout after %s", timeout),
			SessionID: sess.ID,
		}}
	}

	out := &executeResult{ExecuteResult: &v1.ExecuteResult{
		Status:        result.Status,
		Output:        result.Output,
		Error:         result.Error,
		ExecutionTime: result.ExecutionTime,
		SessionID:     sess.ID,
	}}
	if result.Extra != nil {
		out.LogFile = result.Extra.LogFile
		out.Graphs = result.Extra.Graphs
		out.frame = result.Extra.Frame
	}

	if isExecute {
		event := events.ExecutionCompleted
		if result.Status == ipc.StatusCancelled || result.Status == ipc.StatusStopped {
			event = events.ExecutionCancelled
		}
		m.publish(event, map[string]interface{}{
			"session_id": sess.ID,
			"command_id": commandID,
			"status":     result.Status,
		})
	}

	return out
}

// effectiveTimeout resolves the per-command deadline; zero or negative
// means the configured default.
func (m *Manager) effectiveTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return m.cfg.CommandTimeoutDuration()
	}
	return timeout
}

// reclaimLoop destroys idle non-default sessions and flags dead workers.
func (m *Manager) reclaimLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(reclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.reclaim()
		}
	}
}

func (m *Manager) reclaim() {
	now := time.Now()

	m.mu.Lock()
	type check struct {
		id         string
		idle       bool
		deadWorker bool
	}
	var checks []check
	for id, sess := range m.sessions {
		c := check{id: id}
		if !sess.IsDefault &&
			sess.State == v1.SessionStateReady &&
			now.Sub(sess.LastActivity) > m.cfg.SessionTimeoutDuration() {
			c.idle = true
		}
		if sess.worker != nil && !sess.worker.Alive() &&
			sess.State != v1.SessionStateDestroyed && sess.State != v1.SessionStateDestroying {
			c.deadWorker = true
		}
		if c.idle || c.deadWorker {
			checks = append(checks, c)
		}
	}
	m.mu.Unlock()

	for _, c := range checks {
		if c.idle {
			m.logger.Info("reclaiming idle session", zap.String("session_id", c.id))
			if err := m.DestroySession(c.id, false); err != nil {
				m.logger.Warn("idle reclaim failed", zap.String("session_id", c.id), zap.Error(err))
			}
			continue
		}
		if c.deadWorker {
			m.logger.Warn("worker died unexpectedly", zap.String("session_id", c.id))
			m.mu.Lock()
			if sess, ok := m.sessions[c.id]; ok {
				sess.State = v1.SessionStateError
				sess.ErrorMessage = "Worker process died"
			}
			m.mu.Unlock()
			m.publish(events.SessionError, map[string]interface{}{"session_id": c.id, "error": "Worker process died"})
		}
	}
}

// History returns the recorded command history, newest last.
func (m *Manager) History() []v1.HistoryEntry {
	m.histMu.Lock()
	defer m.histMu.Unlock()
	out := make([]v1.HistoryEntry, len(m.history))
	copy(out, m.history)
	return out
}

// ClearHistory drops the recorded command history.
func (m *Manager) ClearHistory() {
	m.histMu.Lock()
	m.history = nil
	m.histMu.Unlock()
}

func (m *Manager) record(kind, input, sessionID, status string) {
	m.histMu.Lock()
	defer m.histMu.Unlock()
	m.history = append(m.history, v1.HistoryEntry{
		Timestamp: time.Now(),
		SessionID: sessionID,
		Kind:      kind,
		Input:     input,
		Status:    status,
	})
	if len(m.history) > historyLimit {
		m.history = m.history[len(m.history)-historyLimit:]
	}
}

func (m *Manager) publish(eventType string, data map[string]interface{}) {
	if m.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, "session-manager", data)
	if err := m.eventBus.Publish(context.Background(), eventType, event); err != nil {
		m.logger.Error("failed to publish event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

func firstLine(code string) string {
	if i := strings.IndexByte(code, '\n'); i >= 0 {
		return code[:i]
	}
	return code
}
