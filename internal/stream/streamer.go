package stream

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/statbridge/statbridge/internal/common/logger"
	"github.com/statbridge/statbridge/internal/session"
	v1 "github.com/statbridge/statbridge/pkg/api/v1"
)

// Executor is the slice of the session manager the streamer drives.
type Executor interface {
	ExecuteFile(ctx context.Context, filePath, sessionID string, timeout time.Duration, logFile, workingDir string) *v1.ExecuteResult
	StopExecution(sessionID string) session.StopResult
	LogFilePath(filePath, sessionID string) string
}

// tailLines is the size of the snippet included with log notifications.
const tailLines = 3

// FileRequest describes one streamed file execution.
type FileRequest struct {
	FilePath   string
	SessionID  string
	WorkingDir string
	Timeout    time.Duration

	// ProgressToken is the client's token for progress notifications;
	// nil suppresses them.
	ProgressToken interface{}

	// RequestID correlates notifications with the tool invocation.
	RequestID string
}

// Streamer supervises execute-file calls, tailing the log file and pushing
// notifications while the command is outstanding.
type Streamer struct {
	exec     Executor
	notifier Notifier
	levels   *LevelRegistry
	logger   *logger.Logger

	// ProgressInterval and LogInterval control notification cadence.
	ProgressInterval time.Duration
	LogInterval      time.Duration
}

// NewStreamer creates a streamer with the design-target cadences.
func NewStreamer(exec Executor, notifier Notifier, levels *LevelRegistry, log *logger.Logger) *Streamer {
	return &Streamer{
		exec:             exec,
		notifier:         notifier,
		levels:           levels,
		logger:           log.WithFields(zap.String("component", "streamer")),
		ProgressInterval: 2 * time.Second,
		LogInterval:      5 * time.Second,
	}
}

// ExecuteFile runs the file in its session while emitting progress and log
// notifications. Cancelling ctx propagates a stop into the engine; the call
// still returns the execution's final result.
func (s *Streamer) ExecuteFile(ctx context.Context, req FileRequest) *v1.ExecuteResult {
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = session.DefaultSessionID
	}
	logFile := s.exec.LogFilePath(req.FilePath, sessionID)

	// The execution itself must not die with the tool call: cancellation
	// goes through the stop path so the engine interrupts cleanly.
	resCh := make(chan *v1.ExecuteResult, 1)
	go func() {
		resCh <- s.exec.ExecuteFile(context.Background(), req.FilePath, req.SessionID, req.Timeout, logFile, req.WorkingDir)
	}()

	progressTicker := time.NewTicker(s.ProgressInterval)
	defer progressTicker.Stop()
	logTicker := time.NewTicker(s.LogInterval)
	defer logTicker.Stop()

	start := time.Now()
	total := req.Timeout.Seconds()
	var offset int64
	stopSent := false
	done := ctx.Done()

	for {
		select {
		case res := <-resCh:
			// Flush whatever the log gained since the last tick, then
			// close out the stream.
			s.emitLogDelta(ctx, sessionID, logFile, &offset, req.RequestID)
			s.emitCompletion(ctx, req, sessionID, res, total)
			return res

		case <-done:
			s.logger.Info("tool call cancelled, stopping execution",
				zap.String("session_id", sessionID),
				zap.String("file", req.FilePath))
			if !stopSent {
				s.exec.StopExecution(sessionID)
				stopSent = true
			}
			// Keep draining until the execution reports back.
			done = nil

		case <-progressTicker.C:
			if req.ProgressToken == nil {
				continue
			}
			elapsed := time.Since(start).Seconds()
			msg := fmt.Sprintf("running %s (%.0fs elapsed)", req.FilePath, elapsed)
			if err := s.notifier.Progress(ctx, req.ProgressToken, elapsed, total, msg); err != nil {
				s.logger.Debug("progress notification failed", zap.Error(err))
			}

		case <-logTicker.C:
			s.emitLogDelta(ctx, sessionID, logFile, &offset, req.RequestID)
		}
	}
}

// emitLogDelta reads the bytes appended to the log since the last tick and
// emits them as one notification, subject to the session's level threshold.
func (s *Streamer) emitLogDelta(ctx context.Context, sessionID, logFile string, offset *int64, requestID string) {
	chunk, err := readFrom(logFile, offset)
	if err != nil || chunk == "" {
		return
	}
	if !s.levels.Allows(sessionID, LevelNotice) {
		return
	}

	data := map[string]interface{}{
		"message":            chunk,
		"tail":               tail(chunk, tailLines),
		"session_id":         sessionID,
		"related_request_id": requestID,
	}
	if err := s.notifier.Log(ctx, LevelNotice, "statbridge", data); err != nil {
		s.logger.Debug("log notification failed", zap.Error(err))
	}
}

func (s *Streamer) emitCompletion(ctx context.Context, req FileRequest, sessionID string, res *v1.ExecuteResult, total float64) {
	if req.ProgressToken != nil {
		msg := fmt.Sprintf("finished %s: %s", req.FilePath, res.Status)
		if err := s.notifier.Progress(ctx, req.ProgressToken, total, total, msg); err != nil {
			s.logger.Debug("final progress notification failed", zap.Error(err))
		}
	}

	if s.levels.Allows(sessionID, LevelNotice) {
		data := map[string]interface{}{
			"message":            fmt.Sprintf("execution %s in %.1fs", res.Status, res.ExecutionTime),
			"status":             res.Status,
			"session_id":         res.SessionID,
			"related_request_id": req.RequestID,
		}
		if err := s.notifier.Log(ctx, LevelNotice, "statbridge", data); err != nil {
			s.logger.Debug("completion notification failed", zap.Error(err))
		}
	}
}

// readFrom returns the file content past offset and advances the offset.
// A missing log file is not an error; the execution may not have opened it
// yet.
func readFrom(path string, offset *int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", nil
	}
	defer f.Close()

	if _, err := f.Seek(*offset, io.SeekStart); err != nil {
		return "", err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	*offset += int64(len(data))
	return string(data), nil
}

// tail returns the last n non-empty lines of a chunk.
func tail(chunk string, n int) string {
	lines := strings.Split(strings.TrimRight(chunk, "\n"), "\n")
	keep := make([]string, 0, n)
	for i := len(lines) - 1; i >= 0 && len(keep) < n; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			keep = append([]string{lines[i]}, keep...)
		}
	}
	return strings.Join(keep, "\n")
}
