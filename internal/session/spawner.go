package session

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/statbridge/statbridge/internal/common/config"
	"github.com/statbridge/statbridge/internal/common/logger"
	"github.com/statbridge/statbridge/internal/ipc"
)

// Handle is the manager's grip on one worker: the two message queues, the
// out-of-band stop signal, and process control.
type Handle interface {
	// Send puts a command on the worker's inbound queue.
	Send(cmd *ipc.Command) error

	// Recv reads the next result from the outbound queue.
	Recv(timeout time.Duration) (*ipc.Result, error)

	// SignalStop raises the worker's stop flag without touching the
	// command queue. Returns an error where unsupported.
	SignalStop() error

	// Alive reports whether the worker process is still running.
	Alive() bool

	// PID returns the worker's process id.
	PID() int

	// Terminate asks the process to die; Kill forces it.
	Terminate() error
	Kill() error

	// Wait blocks until the process exits or the timeout elapses.
	Wait(timeout time.Duration) bool

	// Close releases the IPC endpoints.
	Close()
}

// Spawner creates the worker for a new session.
type Spawner interface {
	Spawn(sessionID string) (Handle, error)
}

// ProcessSpawner launches statbridge-worker child processes.
type ProcessSpawner struct {
	engine   config.EngineConfig
	sessions config.SessionsConfig
	logger   *logger.Logger
}

// NewProcessSpawner creates a spawner for the configured engine.
func NewProcessSpawner(engine config.EngineConfig, sessions config.SessionsConfig, log *logger.Logger) *ProcessSpawner {
	return &ProcessSpawner{
		engine:   engine,
		sessions: sessions,
		logger:   log.WithFields(zap.String("component", "spawner")),
	}
}

// workerExecutable locates the worker binary: an explicit override, else
// next to the running server binary.
func workerExecutable() (string, error) {
	if p := os.Getenv("STATBRIDGE_WORKER_BIN"); p != "" {
		return p, nil
	}
	self, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locate server binary: %w", err)
	}
	name := "statbridge-worker"
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return filepath.Join(filepath.Dir(self), name), nil
}

// Spawn starts a worker process wired to fresh IPC queues. The worker's
// stderr is inherited so its structured logs interleave with the server's.
func (s *ProcessSpawner) Spawn(sessionID string) (Handle, error) {
	exe, err := workerExecutable()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(exe)
	cmd.Env = append(os.Environ(),
		"STATBRIDGE_WORKER_ID="+sessionID,
		"STATBRIDGE_ENGINE_INSTALLPATH="+s.engine.InstallPath,
		"STATBRIDGE_ENGINE_EDITION="+s.engine.Edition,
		"STATBRIDGE_GRAPHS_DIR="+s.sessions.GraphsDir,
	)
	if s.sessions.NameGraphs {
		cmd.Env = append(cmd.Env, "STATBRIDGE_NAME_GRAPHS=1")
	}
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}

	h := &processHandle{
		cmd:    cmd,
		writer: ipc.NewCommandWriter(stdin),
		reader: ipc.NewResultReader(stdout),
		exited: make(chan struct{}),
	}
	go func() {
		_ = cmd.Wait()
		close(h.exited)
	}()

	s.logger.Info("spawned worker",
		zap.String("session_id", sessionID),
		zap.Int("pid", cmd.Process.Pid))

	return h, nil
}

// processHandle implements Handle over a child process.
type processHandle struct {
	cmd    *exec.Cmd
	writer *ipc.CommandWriter
	reader *ipc.ResultReader
	exited chan struct{}

	closeOnce sync.Once
}

func (h *processHandle) Send(cmd *ipc.Command) error {
	return h.writer.Send(cmd)
}

func (h *processHandle) Recv(timeout time.Duration) (*ipc.Result, error) {
	return h.reader.Recv(timeout)
}

func (h *processHandle) SignalStop() error {
	return ipc.SignalStop(h.cmd.Process.Pid)
}

func (h *processHandle) Alive() bool {
	select {
	case <-h.exited:
		return false
	default:
		return true
	}
}

func (h *processHandle) PID() int {
	return h.cmd.Process.Pid
}

func (h *processHandle) Terminate() error {
	if runtime.GOOS == "windows" {
		return h.cmd.Process.Kill()
	}
	return h.cmd.Process.Signal(syscall.SIGTERM)
}

func (h *processHandle) Kill() error {
	return h.cmd.Process.Kill()
}

func (h *processHandle) Wait(timeout time.Duration) bool {
	select {
	case <-h.exited:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (h *processHandle) Close() {
	h.closeOnce.Do(func() {
		h.reader.Close()
	})
}
