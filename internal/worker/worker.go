// Package worker implements the child-process side of the bridge: one worker
// owns one engine instance, consumes commands from its inbound queue one at a
// time, and reports results on the outbound queue. A monitor goroutine
// observes the out-of-band stop flag so a running script can be interrupted
// without going through the command queue.
package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/statbridge/statbridge/internal/common/logger"
	"github.com/statbridge/statbridge/internal/engine"
	"github.com/statbridge/statbridge/internal/ipc"
	"github.com/statbridge/statbridge/internal/script"
	v1 "github.com/statbridge/statbridge/pkg/api/v1"
)

// State is the worker lifecycle state
type State string

const (
	StateCreated      State = "created"
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateBusy         State = "busy"
	StateStopping     State = "stopping"
	StateStopped      State = "stopped"
	StateInitFailed   State = "init_failed"
)

const (
	// inboundReadTimeout lets the main loop observe shutdown cooperatively.
	inboundReadTimeout = 1 * time.Second

	// stopPollInterval is the cadence of the stop monitor.
	stopPollInterval = 100 * time.Millisecond
)

// breakMarker is what Stata prints when an execution is interrupted.
const breakMarker = "--Break--"

var (
	dupBreakRe = regexp.MustCompile(`(--Break--\s*\n\s*r\(1\);\s*\n?)+`)
	returnRe   = regexp.MustCompile(`(?m)^r\((\d+)\);\s*$`)
)

// Config parameterizes one worker.
type Config struct {
	WorkerID  string
	TempDir   string // per-worker scratch; created if absent, removed on exit
	GraphsDir string // shared graph export directory

	// NameGraphs injects generated name() options into graph commands so
	// export is deterministic. Used by IDE integrations.
	NameGraphs bool
}

// Worker hosts one engine and serves one session.
type Worker struct {
	cfg      Config
	eng      engine.Engine
	commands *ipc.CommandReader
	results  *ipc.ResultWriter
	stopFlag *ipc.StopFlag
	logger   *logger.Logger

	mu    sync.Mutex
	state State

	flagMu          sync.Mutex
	cancelled       bool
	stopAlreadySent bool

	seedConfirmed bool
}

// New creates a worker over the given IPC endpoints.
func New(cfg Config, eng engine.Engine, commands *ipc.CommandReader, results *ipc.ResultWriter, stopFlag *ipc.StopFlag, log *logger.Logger) *Worker {
	return &Worker{
		cfg:      cfg,
		eng:      eng,
		commands: commands,
		results:  results,
		stopFlag: stopFlag,
		logger:   log.WithFields(zap.String("component", "worker"), zap.String("worker_id", cfg.WorkerID)),
		state:    StateCreated,
	}
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Run executes the worker until EXIT, stream close, or a fatal error.
func (w *Worker) Run(ctx context.Context) {
	defer w.finalize()

	if err := w.initialize(ctx); err != nil {
		w.setState(StateInitFailed)
		w.send(&ipc.Result{
			CommandID: ipc.InitCommandID,
			Status:    ipc.StatusInitFailed,
			Error:     err.Error(),
		})
		return
	}

	w.setState(StateReady)
	w.send(&ipc.Result{
		CommandID: ipc.InitCommandID,
		Status:    ipc.StatusReady,
		Output:    fmt.Sprintf("worker %s initialized", w.cfg.WorkerID),
	})

	monitorDone := make(chan struct{})
	go w.stopMonitor(monitorDone)
	defer close(monitorDone)

	defer func() {
		if r := recover(); r != nil {
			w.send(&ipc.Result{
				CommandID: ipc.FatalCommandID,
				Status:    ipc.StatusFatal,
				Error:     fmt.Sprintf("worker loop panic: %v", r),
			})
		}
	}()

	for {
		if s := w.State(); s == StateStopping || s == StateStopped {
			return
		}
		select {
		case <-ctx.Done():
			w.setState(StateStopping)
			return
		default:
		}

		cmd, err := w.commands.Recv(inboundReadTimeout)
		if err == ipc.ErrTimeout {
			continue
		}
		if err != nil {
			// Parent went away; shut down cooperatively.
			w.logger.Info("command stream closed, shutting down")
			w.setState(StateStopping)
			return
		}

		w.dispatch(cmd)
	}
}

func (w *Worker) initialize(ctx context.Context) error {
	w.setState(StateInitializing)

	if w.cfg.TempDir == "" {
		dir, err := os.MkdirTemp("", "statbridge_worker_"+w.cfg.WorkerID+"_")
		if err != nil {
			return fmt.Errorf("create scratch dir: %w", err)
		}
		w.cfg.TempDir = dir
	} else if err := os.MkdirAll(w.cfg.TempDir, 0o755); err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	if w.cfg.GraphsDir != "" {
		if err := os.MkdirAll(w.cfg.GraphsDir, 0o755); err != nil {
			return fmt.Errorf("create graphs dir: %w", err)
		}
	}

	if err := w.eng.Start(ctx); err != nil {
		return err
	}

	// Seed the engine RNG so parallel sessions have independent streams.
	seed := script.Seed(w.cfg.WorkerID, os.Getpid(), time.Now())
	if _, err := w.eng.Run(fmt.Sprintf("quietly set seed %d\n", seed), false); err != nil {
		return fmt.Errorf("seed engine: %w", err)
	}

	return nil
}

func (w *Worker) finalize() {
	w.setState(StateStopped)
	_ = w.eng.Close()
	if w.cfg.TempDir != "" {
		_ = os.RemoveAll(w.cfg.TempDir)
	}
}

func (w *Worker) dispatch(cmd *ipc.Command) {
	switch cmd.Type {
	case ipc.CommandExit:
		w.setState(StateStopping)
		w.send(&ipc.Result{
			CommandID: cmd.CommandID,
			Status:    ipc.StatusExiting,
			Output:    fmt.Sprintf("worker %s shutting down", w.cfg.WorkerID),
		})

	case ipc.CommandGetStatus:
		w.send(&ipc.Result{
			CommandID: cmd.CommandID,
			Status:    ipc.StatusStatus,
			Extra:     &ipc.Extra{State: string(w.State())},
		})

	case ipc.CommandStop:
		// Most stops are handled by the monitor while a script runs; this
		// branch answers stops that arrive over the queue.
		if w.State() == StateBusy {
			if w.handleStop() {
				w.send(&ipc.Result{CommandID: cmd.CommandID, Status: ipc.StatusStopped, Output: "stop signal sent"})
			} else {
				w.send(&ipc.Result{CommandID: cmd.CommandID, Status: ipc.StatusStopSent, Output: "stop already sent"})
			}
		} else {
			w.send(&ipc.Result{CommandID: cmd.CommandID, Status: ipc.StatusNotRunning, Output: "no execution in progress"})
		}

	case ipc.CommandExecute:
		w.execute(cmd)

	case ipc.CommandExecuteFile:
		w.executeFile(cmd)

	case ipc.CommandGetData:
		w.getData(cmd)

	default:
		w.send(&ipc.Result{
			CommandID: cmd.CommandID,
			Status:    ipc.StatusError,
			Error:     fmt.Sprintf("unknown command type: %s", cmd.Type),
		})
	}
}

// beginExecution flips the worker to BUSY and resets the stop machinery.
// The stop flag is cleared strictly before the two booleans are reset: in
// the other order the monitor could observe a stale flag from the previous
// command and cancel the new one.
func (w *Worker) beginExecution() {
	w.setState(StateBusy)
	w.stopFlag.Clear()
	w.flagMu.Lock()
	w.cancelled = false
	w.stopAlreadySent = false
	w.flagMu.Unlock()
}

func (w *Worker) wasCancelled() bool {
	w.flagMu.Lock()
	defer w.flagMu.Unlock()
	return w.cancelled
}

func (w *Worker) execute(cmd *ipc.Command) {
	code := cmd.Payload.Code
	w.beginExecution()
	start := time.Now()

	var seed uint32
	if !w.seedConfirmed {
		seed = script.Seed(w.cfg.WorkerID, os.Getpid(), start)
	}

	logFile := filepath.Join(w.cfg.TempDir, fmt.Sprintf("bridge_run_%d.log", start.UnixMilli()))
	wrapped := script.WrapSelection(script.SelectionWrap{
		Code:    code,
		LogFile: logFile,
		Seed:    seed,
	})

	consoleOut, runErr := w.eng.Run(wrapped, true)
	elapsed := time.Since(start).Seconds()

	output := w.captureOutput(logFile, consoleOut)
	_ = os.Remove(logFile)

	w.setState(StateReady)

	status, errMsg := w.classify(output, runErr)
	if status == ipc.StatusSuccess && !w.seedConfirmed {
		w.seedConfirmed = true
	}

	var graphs []v1.Graph
	if status == ipc.StatusSuccess {
		graphs = w.exportGraphs()
	}

	res := &ipc.Result{
		CommandID:     cmd.CommandID,
		Status:        status,
		Output:        output,
		Error:         errMsg,
		ExecutionTime: elapsed,
	}
	if len(graphs) > 0 {
		res.Extra = &ipc.Extra{Graphs: graphs}
	}
	w.send(res)
}

func (w *Worker) executeFile(cmd *ipc.Command) {
	filePath := cmd.Payload.FilePath

	body, err := os.ReadFile(filePath)
	if err != nil {
		w.send(&ipc.Result{
			CommandID: cmd.CommandID,
			Status:    ipc.StatusError,
			Error:     fmt.Sprintf("file not found: %s", filePath),
		})
		return
	}

	logFile := cmd.Payload.LogFile
	if logFile == "" {
		base := strings.TrimSuffix(filepath.Base(filePath), filepath.Ext(filePath))
		abs, _ := filepath.Abs(filePath)
		// Include the worker id so parallel sessions never lock each
		// other's logs.
		logFile = filepath.Join(filepath.Dir(abs), fmt.Sprintf("%s_%s_mcp.log", base, w.cfg.WorkerID))
	}

	content := string(body)
	if w.cfg.NameGraphs {
		content = script.InjectGraphNames(content)
	}

	w.beginExecution()
	start := time.Now()

	wrapped := script.WrapFile(script.FileWrap{
		Body:       content,
		LogFile:    logFile,
		WorkingDir: cmd.Payload.WorkingDir,
		FilePath:   filePath,
		Seed:       script.Seed(w.cfg.WorkerID, os.Getpid(), start),
	})

	consoleOut, runErr := w.eng.Run(wrapped, true)
	elapsed := time.Since(start).Seconds()

	output := w.captureOutput(logFile, consoleOut)

	w.setState(StateReady)

	status, errMsg := w.classify(output, runErr)

	var graphs []v1.Graph
	if status == ipc.StatusSuccess {
		graphs = w.exportGraphs()
	}

	w.send(&ipc.Result{
		CommandID:     cmd.CommandID,
		Status:        status,
		Output:        output,
		Error:         errMsg,
		ExecutionTime: elapsed,
		Extra: &ipc.Extra{
			FilePath: filePath,
			LogFile:  logFile,
			Graphs:   graphs,
		},
	})
}

// captureOutput prefers the wrapped log file and falls back to console
// stdout when the log is empty. The log is the source of truth; stdout
// capture is unreliable across platforms.
func (w *Worker) captureOutput(logFile, consoleOut string) string {
	output := ""
	if data, err := os.ReadFile(logFile); err == nil {
		output = string(data)
	}
	if strings.TrimSpace(output) == "" {
		output = consoleOut
	}
	return dedupBreakMessages(output)
}

// classify maps captured output and engine transport errors onto a result
// status. Break markers win over everything: an interrupted script is
// cancelled, not failed.
func (w *Worker) classify(output string, runErr error) (string, string) {
	if w.wasCancelled() || strings.Contains(output, breakMarker) {
		return ipc.StatusCancelled, "execution cancelled"
	}
	if runErr != nil {
		if strings.Contains(runErr.Error(), breakMarker) {
			return ipc.StatusCancelled, "execution cancelled"
		}
		return ipc.StatusError, runErr.Error()
	}
	if m := returnRe.FindAllStringSubmatch(output, -1); len(m) > 0 {
		last := m[len(m)-1][1]
		if code, _ := strconv.Atoi(last); code == 1 {
			return ipc.StatusCancelled, "execution cancelled"
		}
		return ipc.StatusError, fmt.Sprintf("r(%s)", last)
	}
	return ipc.StatusSuccess, ""
}

// exportGraphs runs the graph epilogue in the engine and reads back the
// manifest of exported artifacts. Failures are non-fatal.
func (w *Worker) exportGraphs() []v1.Graph {
	if w.cfg.GraphsDir == "" {
		return nil
	}
	manifest := filepath.Join(w.cfg.TempDir, "graphs_manifest.txt")
	if _, err := w.eng.Run(script.GraphEpilogue(w.cfg.GraphsDir, manifest), false); err != nil {
		w.logger.Warn("graph export failed", zap.Error(err))
		return nil
	}
	data, err := os.ReadFile(manifest)
	if err != nil {
		return nil
	}
	defer os.Remove(manifest)

	var graphs []v1.Graph
	for _, name := range strings.Fields(string(data)) {
		path := filepath.Join(w.cfg.GraphsDir, name+".png")
		if info, err := os.Stat(path); err == nil && info.Size() > 0 {
			graphs = append(graphs, v1.Graph{Name: name, Path: script.StataPath(path)})
		}
	}
	return graphs
}

func (w *Worker) getData(cmd *ipc.Command) {
	maxRows := cmd.Payload.MaxRows
	if maxRows < 100 {
		maxRows = 100
	}

	w.setState(StateBusy)
	defer w.setState(StateReady)

	csvPath := filepath.Join(w.cfg.TempDir, "snapshot.csv")
	metaPath := filepath.Join(w.cfg.TempDir, "snapshot.meta")
	defer os.Remove(csvPath)
	defer os.Remove(metaPath)

	snap := script.SnapshotScript(script.Snapshot{
		CSVPath:     csvPath,
		MetaPath:    metaPath,
		IfCondition: cmd.Payload.IfCondition,
		MaxRows:     maxRows,
	})

	out, err := w.eng.Run(snap, false)
	if err != nil {
		w.send(&ipc.Result{CommandID: cmd.CommandID, Status: ipc.StatusError, Error: err.Error()})
		return
	}
	if m := returnRe.FindAllStringSubmatch(out, -1); len(m) > 0 {
		w.send(&ipc.Result{
			CommandID: cmd.CommandID,
			Status:    ipc.StatusError,
			Error:     fmt.Sprintf("filter error: r(%s)", m[len(m)-1][1]),
		})
		return
	}

	frame, err := readSnapshot(csvPath, metaPath, maxRows)
	if err != nil {
		w.send(&ipc.Result{CommandID: cmd.CommandID, Status: ipc.StatusError, Error: err.Error()})
		return
	}

	w.send(&ipc.Result{
		CommandID: cmd.CommandID,
		Status:    ipc.StatusSuccess,
		Extra:     &ipc.Extra{Frame: frame},
	})
}

// handleStop issues the engine break, exactly once per execution. Multiple
// break calls can corrupt engine internals and crash the worker, so the
// stop_already_sent guard is load-bearing.
func (w *Worker) handleStop() bool {
	w.flagMu.Lock()
	if w.stopAlreadySent {
		w.flagMu.Unlock()
		return false
	}
	if w.State() != StateBusy {
		w.flagMu.Unlock()
		return false
	}
	w.cancelled = true
	w.stopAlreadySent = true
	w.flagMu.Unlock()

	if err := w.eng.Break(); err != nil {
		w.logger.Warn("engine break failed", zap.Error(err))
		return false
	}
	return true
}

// stopMonitor observes the out-of-band stop flag while the worker lives.
// On a raised flag it clears the flag first (preventing re-triggering) and
// then interrupts the engine if a script is running.
func (w *Worker) stopMonitor(done <-chan struct{}) {
	ticker := time.NewTicker(stopPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if !w.stopFlag.IsSet() {
				continue
			}
			w.stopFlag.Clear()

			if w.State() != StateBusy {
				// Nothing running; ignore silently.
				continue
			}

			if w.handleStop() {
				w.send(&ipc.Result{CommandID: ipc.StopCommandID, Status: ipc.StatusStopped, Output: "stop signal sent to engine"})
			} else {
				w.send(&ipc.Result{CommandID: ipc.StopCommandID, Status: ipc.StatusStopSkipped, Output: "stop already sent"})
			}
		}
	}
}

func (w *Worker) send(res *ipc.Result) {
	res.WorkerID = w.cfg.WorkerID
	res.WorkerState = string(w.State())
	if err := w.results.Send(res); err != nil {
		w.logger.WithCommandID(res.CommandID).Error("failed to send result", zap.Error(err))
	}
}

// dedupBreakMessages collapses consecutive break markers into one. Stata may
// print several when breaking out of nested commands.
func dedupBreakMessages(output string) string {
	if !strings.Contains(output, breakMarker) {
		return output
	}
	return dupBreakRe.ReplaceAllString(output, "--Break--\nr(1);\n")
}
