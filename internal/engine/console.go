package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/statbridge/statbridge/internal/common/logger"
	"github.com/statbridge/statbridge/internal/script"
)

// Console drives the Stata console executable over a stdin pipe. Scripts are
// written to scratch .do files and dispatched with `do`; completion is
// detected by a sentinel echoed after the script returns to the prompt.
type Console struct {
	cfg    Config
	logger *logger.Logger

	cmd   *exec.Cmd
	stdin io.WriteCloser

	mu      sync.Mutex // serializes Run
	lineCh  chan string
	exited  chan struct{}
	started bool
	seq     int
}

// NewConsole creates an unstarted console engine.
func NewConsole(cfg Config, log *logger.Logger) *Console {
	return &Console{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "engine"), zap.String("worker_id", cfg.WorkerID)),
	}
}

// Start launches the console process with an isolated environment and runs
// the one-time graph warm-up in this initialization context.
func (c *Console) Start(ctx context.Context) error {
	exe, err := FindExecutable(c.cfg.InstallPath, c.cfg.Edition)
	if err != nil {
		return err
	}

	cmd := exec.Command(exe, "-q")
	cmd.Dir = c.cfg.TempDir
	cmd.Env = append(os.Environ(), c.isolationEnv()...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("engine stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("engine stdout: %w", err)
	}
	cmd.Stderr = cmd.Stdout // interleave; the log file is the source of truth

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", exe, err)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.lineCh = make(chan string, 1024)
	c.exited = make(chan struct{})
	c.started = true

	go c.readLoop(stdout)
	go func() {
		_ = cmd.Wait()
		close(c.exited)
	}()

	c.logger.Info("engine started", zap.String("executable", exe), zap.Int("pid", cmd.Process.Pid))

	// Warm up the graphics subsystem before the worker loop takes over.
	warmupPNG := filepath.Join(c.cfg.TempDir, "__bridge_init.png")
	if out, err := c.Run(script.WarmupScript(warmupPNG), false); err != nil {
		return fmt.Errorf("graphics warm-up: %w", err)
	} else if strings.Contains(out, "unrecognized command") {
		c.logger.Warn("graphics warm-up not supported by this engine build")
	}
	_ = os.Remove(warmupPNG)

	return nil
}

// isolationEnv builds the environment names that bind this engine instance
// to its worker: install root, per-worker scratch directory (all three
// common temp variable spellings), and GUI suppression where the graphics
// backend would otherwise connect to a window server.
func (c *Console) isolationEnv() []string {
	env := []string{
		"SYSDIR_STATA=" + c.cfg.InstallPath,
		"STATATMP=" + c.cfg.TempDir,
		"TMPDIR=" + c.cfg.TempDir,
		"TEMP=" + c.cfg.TempDir,
		"TMP=" + c.cfg.TempDir,
	}
	if runtime.GOOS == "darwin" {
		env = append(env, "_JAVA_OPTIONS=-Djava.awt.headless=true")
	}
	return env
}

func (c *Console) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		select {
		case c.lineCh <- scanner.Text():
		default:
			// Drop on overflow rather than block the engine; the log file
			// still has the full output.
		}
	}
	close(c.lineCh)
}

// Run writes the script to a scratch .do file, dispatches it, and collects
// console output until the completion sentinel appears.
func (c *Console) Run(text string, echo bool) (string, error) {
	if !c.started {
		return "", ErrNotStarted
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.exited:
		return "", ErrExited
	default:
	}

	c.seq++
	sentinel := fmt.Sprintf("<<__bridge_done_%d>>", c.seq)

	doFile := filepath.Join(c.cfg.TempDir, fmt.Sprintf("__bridge_run_%d.do", c.seq))
	if err := os.WriteFile(doFile, []byte(text), 0o644); err != nil {
		return "", fmt.Errorf("write scratch script: %w", err)
	}
	defer os.Remove(doFile)

	verb := "do"
	if !echo {
		verb = "run"
	}
	dispatch := fmt.Sprintf("capture noisily %s \"%s\"\ndisplay \"%s\"\n", verb, script.StataPath(doFile), sentinel)
	if _, err := io.WriteString(c.stdin, dispatch); err != nil {
		return "", fmt.Errorf("engine stdin write: %w", err)
	}

	var out strings.Builder
	for {
		select {
		case line, ok := <-c.lineCh:
			if !ok {
				return out.String(), ErrExited
			}
			if strings.TrimSpace(line) == sentinel {
				return out.String(), nil
			}
			// The echoed sentinel command contains the token too; skip it.
			if strings.Contains(line, sentinel) {
				continue
			}
			out.WriteString(line)
			out.WriteString("\n")
		case <-c.exited:
			// Drain whatever arrived before exit.
			for line := range c.lineCh {
				out.WriteString(line)
				out.WriteString("\n")
			}
			return out.String(), ErrExited
		}
	}
}

// Break interrupts the running script by delivering the console break
// signal. Callers guard the one-shot contract.
func (c *Console) Break() error {
	if !c.started || c.cmd == nil || c.cmd.Process == nil {
		return ErrNotStarted
	}
	return c.cmd.Process.Signal(os.Interrupt)
}

// Close asks the console to exit, then kills it after a grace period.
func (c *Console) Close() error {
	if !c.started {
		return nil
	}
	if c.stdin != nil {
		_, _ = io.WriteString(c.stdin, "exit, clear STATA\n")
		_ = c.stdin.Close()
	}
	select {
	case <-c.exited:
		return nil
	case <-time.After(5 * time.Second):
	}
	if c.cmd != nil && c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	select {
	case <-c.exited:
	case <-time.After(2 * time.Second):
	}
	return nil
}

var _ Engine = (*Console)(nil)
