package worker

import (
	"context"
	"errors"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statbridge/statbridge/internal/common/logger"
	"github.com/statbridge/statbridge/internal/ipc"
)

var logUsingRe = regexp.MustCompile(`log using "([^"]+)"`)

// fakeEngine simulates the Stata driver: it honors the wrapped script's log
// directive by writing canned output to the log file, and supports blocking
// runs interrupted by Break.
type fakeEngine struct {
	mu        sync.Mutex
	started   bool
	startErr  error
	logOutput string        // written to the wrapped script's log file
	runDelay  time.Duration // how long a wrapped (log-capturing) Run blocks before completing
	breakCh   chan struct{}
	breaks    int32
	runs      []string

	snapshotCSV  string // written when the script exports a snapshot
	snapshotMeta string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{breakCh: make(chan struct{}, 4)}
}

func (e *fakeEngine) Start(ctx context.Context) error {
	if e.startErr != nil {
		return e.startErr
	}
	e.mu.Lock()
	e.started = true
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) Run(text string, echo bool) (string, error) {
	e.mu.Lock()
	e.runs = append(e.runs, text)
	delay := e.runDelay
	out := e.logOutput
	e.mu.Unlock()

	interrupted := false
	if delay > 0 && logUsingRe.MatchString(text) {
		select {
		case <-e.breakCh:
			interrupted = true
		case <-time.After(delay):
		}
	}

	if interrupted {
		out = "--Break--\nr(1);\n"
	}

	if m := logUsingRe.FindStringSubmatch(text); m != nil {
		_ = os.WriteFile(m[1], []byte(out), 0o644)
	}
	if csvRe := regexp.MustCompile(`export delimited using "([^"]+)"`); e.snapshotCSV != "" {
		if m := csvRe.FindStringSubmatch(text); m != nil {
			_ = os.WriteFile(m[1], []byte(e.snapshotCSV), 0o644)
			if mm := regexp.MustCompile(`file open __bridge_meta using "([^"]+)"`).FindStringSubmatch(text); mm != nil {
				_ = os.WriteFile(mm[1], []byte(e.snapshotMeta), 0o644)
			}
		}
	}

	return out, nil
}

func (e *fakeEngine) Break() error {
	atomic.AddInt32(&e.breaks, 1)
	select {
	case e.breakCh <- struct{}{}:
	default:
	}
	return nil
}

func (e *fakeEngine) Close() error { return nil }

func (e *fakeEngine) breakCount() int32 { return atomic.LoadInt32(&e.breaks) }

// harness wires a worker to in-process pipes the way the parent would.
type harness struct {
	t       *testing.T
	eng     *fakeEngine
	flag    *ipc.StopFlag
	cmds    *ipc.CommandWriter
	results *ipc.ResultReader
	cancel  context.CancelFunc
	done    chan struct{}
}

func newHarness(t *testing.T, eng *fakeEngine, opts ...func(*Config)) *harness {
	t.Helper()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)

	cmdR, cmdW := io.Pipe()
	resR, resW := io.Pipe()

	cfg := Config{WorkerID: "test", TempDir: t.TempDir()}
	for _, opt := range opts {
		opt(&cfg)
	}

	flag := ipc.NewStopFlag()
	w := New(
		cfg,
		eng,
		ipc.NewCommandReader(cmdR),
		ipc.NewResultWriter(resW),
		flag,
		log,
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	h := &harness{
		t:       t,
		eng:     eng,
		flag:    flag,
		cmds:    ipc.NewCommandWriter(cmdW),
		results: ipc.NewResultReader(resR),
		cancel:  cancel,
		done:    done,
	}
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
		}
	})
	return h
}

func (h *harness) recv(timeout time.Duration) *ipc.Result {
	h.t.Helper()
	res, err := h.results.Recv(timeout)
	require.NoError(h.t, err)
	return res
}

// recvFor drains results until one matches the command id, the way the
// session manager's waiter does.
func (h *harness) recvFor(id string, timeout time.Duration) *ipc.Result {
	h.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		res, err := h.results.Recv(time.Until(deadline))
		require.NoError(h.t, err)
		if res.CommandID == id {
			return res
		}
	}
	h.t.Fatalf("no result for command %s", id)
	return nil
}

func (h *harness) waitReady() {
	h.t.Helper()
	res := h.recv(3 * time.Second)
	require.Equal(h.t, ipc.InitCommandID, res.CommandID)
	require.Equal(h.t, ipc.StatusReady, res.Status)
}

func TestWorkerInitReady(t *testing.T) {
	h := newHarness(t, newFakeEngine())
	h.waitReady()
}

func TestWorkerInitFailure(t *testing.T) {
	eng := newFakeEngine()
	eng.startErr = errors.New("license not found")

	h := newHarness(t, eng)
	res := h.recv(3 * time.Second)
	assert.Equal(t, ipc.InitCommandID, res.CommandID)
	assert.Equal(t, ipc.StatusInitFailed, res.Status)
	assert.Contains(t, res.Error, "license not found")

	select {
	case <-h.done:
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not terminate after init failure")
	}
}

func TestWorkerExecuteSuccess(t *testing.T) {
	eng := newFakeEngine()
	eng.logOutput = ". display \"Hello\"\nHello\n"

	h := newHarness(t, eng)
	h.waitReady()

	require.NoError(t, h.cmds.Send(&ipc.Command{
		Type:      ipc.CommandExecute,
		CommandID: "c1",
		Payload:   ipc.Payload{Code: `display "Hello"`},
	}))

	res := h.recvFor("c1", 3*time.Second)
	assert.Equal(t, ipc.StatusSuccess, res.Status)
	assert.Contains(t, res.Output, "Hello")
	assert.Empty(t, res.Error)
	assert.Equal(t, string(StateReady), res.WorkerState)
}

func TestWorkerExecuteEngineError(t *testing.T) {
	eng := newFakeEngine()
	eng.logOutput = ". regress\nvarlist required\nr(100);\n"

	h := newHarness(t, eng)
	h.waitReady()

	require.NoError(t, h.cmds.Send(&ipc.Command{
		Type:      ipc.CommandExecute,
		CommandID: "c1",
		Payload:   ipc.Payload{Code: "regress"},
	}))

	res := h.recvFor("c1", 3*time.Second)
	assert.Equal(t, ipc.StatusError, res.Status)
	assert.Contains(t, res.Error, "r(100)")
	assert.Contains(t, res.Output, "varlist required")
}

func TestWorkerStopDuringExecution(t *testing.T) {
	eng := newFakeEngine()
	eng.runDelay = 5 * time.Second

	h := newHarness(t, eng)
	h.waitReady()

	require.NoError(t, h.cmds.Send(&ipc.Command{
		Type:      ipc.CommandExecute,
		CommandID: "slow",
		Payload:   ipc.Payload{Code: "sleep 5000"},
	}))

	time.Sleep(300 * time.Millisecond)
	h.flag.Set()

	res := h.recvFor("slow", 3*time.Second)
	assert.Equal(t, ipc.StatusCancelled, res.Status)
	assert.Equal(t, int32(1), eng.breakCount())
}

func TestWorkerRepeatedStopSingleBreak(t *testing.T) {
	eng := newFakeEngine()
	eng.runDelay = 2 * time.Second

	h := newHarness(t, eng)
	h.waitReady()

	require.NoError(t, h.cmds.Send(&ipc.Command{
		Type:      ipc.CommandExecute,
		CommandID: "slow",
		Payload:   ipc.Payload{Code: "sleep 2000"},
	}))

	time.Sleep(300 * time.Millisecond)
	h.flag.Set()
	time.Sleep(250 * time.Millisecond)
	h.flag.Set()

	res := h.recvFor("slow", 3*time.Second)
	assert.Equal(t, ipc.StatusCancelled, res.Status)
	// The one-shot guard must hold no matter how many stops arrive.
	assert.Equal(t, int32(1), eng.breakCount())
}

func TestWorkerExecuteAfterCancellation(t *testing.T) {
	eng := newFakeEngine()
	eng.runDelay = 2 * time.Second

	h := newHarness(t, eng)
	h.waitReady()

	require.NoError(t, h.cmds.Send(&ipc.Command{
		Type:      ipc.CommandExecute,
		CommandID: "first",
		Payload:   ipc.Payload{Code: "sleep 2000"},
	}))
	time.Sleep(300 * time.Millisecond)
	h.flag.Set()

	res := h.recvFor("first", 3*time.Second)
	require.Equal(t, ipc.StatusCancelled, res.Status)

	// The next command must not inherit the prior cancellation.
	eng.mu.Lock()
	eng.runDelay = 0
	eng.logOutput = ". display 2+2\n4\n"
	eng.mu.Unlock()

	require.NoError(t, h.cmds.Send(&ipc.Command{
		Type:      ipc.CommandExecute,
		CommandID: "second",
		Payload:   ipc.Payload{Code: "display 2+2"},
	}))

	res = h.recvFor("second", 3*time.Second)
	assert.Equal(t, ipc.StatusSuccess, res.Status)
	assert.Contains(t, res.Output, "4")
	assert.NotContains(t, res.Error, "cancelled")
}

func TestWorkerStopWhileIdle(t *testing.T) {
	h := newHarness(t, newFakeEngine())
	h.waitReady()

	for i := 0; i < 2; i++ {
		require.NoError(t, h.cmds.Send(&ipc.Command{Type: ipc.CommandStop, CommandID: "s"}))
		res := h.recvFor("s", 3*time.Second)
		assert.Equal(t, ipc.StatusNotRunning, res.Status)
		assert.Equal(t, string(StateReady), res.WorkerState)
	}
	assert.Equal(t, int32(0), h.eng.breakCount())
}

func TestWorkerStaleStopFlagIgnored(t *testing.T) {
	// A stop that arrives while idle must be consumed, not held over to
	// cancel the next execution.
	eng := newFakeEngine()
	eng.logOutput = "ok\n"

	h := newHarness(t, eng)
	h.waitReady()

	h.flag.Set()
	time.Sleep(300 * time.Millisecond) // let the monitor consume it

	require.NoError(t, h.cmds.Send(&ipc.Command{
		Type:      ipc.CommandExecute,
		CommandID: "c1",
		Payload:   ipc.Payload{Code: "display 1"},
	}))

	res := h.recvFor("c1", 3*time.Second)
	assert.Equal(t, ipc.StatusSuccess, res.Status)
	assert.Equal(t, int32(0), eng.breakCount())
}

func TestWorkerGetStatus(t *testing.T) {
	h := newHarness(t, newFakeEngine())
	h.waitReady()

	require.NoError(t, h.cmds.Send(&ipc.Command{Type: ipc.CommandGetStatus, CommandID: "st"}))
	res := h.recvFor("st", 3*time.Second)
	assert.Equal(t, ipc.StatusStatus, res.Status)
	require.NotNil(t, res.Extra)
	assert.Equal(t, string(StateReady), res.Extra.State)
}

func TestWorkerExit(t *testing.T) {
	h := newHarness(t, newFakeEngine())
	h.waitReady()

	require.NoError(t, h.cmds.Send(&ipc.Command{Type: ipc.CommandExit, CommandID: "bye"}))
	res := h.recvFor("bye", 3*time.Second)
	assert.Equal(t, ipc.StatusExiting, res.Status)

	select {
	case <-h.done:
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not exit")
	}
}

func TestWorkerExecuteFileMissing(t *testing.T) {
	h := newHarness(t, newFakeEngine())
	h.waitReady()

	require.NoError(t, h.cmds.Send(&ipc.Command{
		Type:      ipc.CommandExecuteFile,
		CommandID: "f1",
		Payload:   ipc.Payload{FilePath: "/nonexistent/analysis.do"},
	}))

	res := h.recvFor("f1", 3*time.Second)
	assert.Equal(t, ipc.StatusError, res.Status)
	assert.Contains(t, res.Error, "file not found")
}

func TestWorkerExecuteFile(t *testing.T) {
	eng := newFakeEngine()
	eng.logOutput = ". summarize price\n(output)\n"

	h := newHarness(t, eng)
	h.waitReady()

	do := t.TempDir() + "/analysis.do"
	require.NoError(t, os.WriteFile(do, []byte("summarize price\n"), 0o644))
	logFile := t.TempDir() + "/analysis_test_mcp.log"

	require.NoError(t, h.cmds.Send(&ipc.Command{
		Type:      ipc.CommandExecuteFile,
		CommandID: "f1",
		Payload:   ipc.Payload{FilePath: do, LogFile: logFile},
	}))

	res := h.recvFor("f1", 3*time.Second)
	assert.Equal(t, ipc.StatusSuccess, res.Status)
	require.NotNil(t, res.Extra)
	assert.Equal(t, logFile, res.Extra.LogFile)
	assert.Contains(t, res.Output, "summarize price")
}

func TestWorkerGetData(t *testing.T) {
	eng := newFakeEngine()
	eng.snapshotCSV = "__bridge_obs,price,make\n0,4099,\"AMC Concord\"\n2,3799,\"AMC Spirit\"\n"
	eng.snapshotMeta = "total=2\nvar=__bridge_obs,type=long\nvar=price,type=int\nvar=make,type=str18\n"

	h := newHarness(t, eng)
	h.waitReady()

	require.NoError(t, h.cmds.Send(&ipc.Command{
		Type:      ipc.CommandGetData,
		CommandID: "d1",
		Payload:   ipc.Payload{MaxRows: 10}, // below the floor; must clamp to 100
	}))

	res := h.recvFor("d1", 3*time.Second)
	require.Equal(t, ipc.StatusSuccess, res.Status)
	require.NotNil(t, res.Extra)
	frame := res.Extra.Frame
	require.NotNil(t, frame)

	assert.Equal(t, []string{"price", "make"}, frame.Columns)
	assert.Equal(t, []int{0, 2}, frame.Index)
	assert.Equal(t, 2, frame.Rows)
	assert.Equal(t, 2, frame.TotalRows)
	assert.Equal(t, 100, frame.MaxRows)
	assert.Equal(t, "str18", frame.Dtypes["make"])
	assert.Equal(t, float64(4099), frame.Data[0][0])
	assert.Equal(t, "AMC Concord", frame.Data[0][1])
}

func TestDedupBreakMessages(t *testing.T) {
	in := "partial output\n--Break--\nr(1);\n--Break--\nr(1);\n--Break--\nr(1);\n"
	out := dedupBreakMessages(in)
	assert.Equal(t, "partial output\n--Break--\nr(1);\n", out)

	// Untouched when no break marker appears
	assert.Equal(t, "clean\n", dedupBreakMessages("clean\n"))
}

func TestWorkerUnknownCommand(t *testing.T) {
	h := newHarness(t, newFakeEngine())
	h.waitReady()

	require.NoError(t, h.cmds.Send(&ipc.Command{Type: "bogus", CommandID: "x"}))
	res := h.recvFor("x", 3*time.Second)
	assert.Equal(t, ipc.StatusError, res.Status)
	assert.Contains(t, res.Error, "unknown command type")
}

func TestWorkerExecuteFileInjectsGraphNames(t *testing.T) {
	eng := newFakeEngine()
	eng.logOutput = "ok\n"

	h := newHarness(t, eng, func(cfg *Config) { cfg.NameGraphs = true })
	h.waitReady()

	do := t.TempDir() + "/plot.do"
	require.NoError(t, os.WriteFile(do, []byte("scatter y x\n"), 0o644))

	require.NoError(t, h.cmds.Send(&ipc.Command{
		Type:      ipc.CommandExecuteFile,
		CommandID: "g1",
		Payload:   ipc.Payload{FilePath: do, LogFile: t.TempDir() + "/plot.log"},
	}))

	res := h.recvFor("g1", 3*time.Second)
	require.Equal(t, ipc.StatusSuccess, res.Status)

	eng.mu.Lock()
	defer eng.mu.Unlock()
	var wrapped string
	for _, r := range eng.runs {
		if strings.Contains(r, "scatter") {
			wrapped = r
		}
	}
	assert.Contains(t, wrapped, "name(bridge_g1, replace)")
}
