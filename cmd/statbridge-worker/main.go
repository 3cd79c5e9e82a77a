// The statbridge-worker binary hosts one engine instance for one session.
// It is spawned by the statbridge server with its queues on stdio: commands
// arrive on stdin, results leave on stdout, and the worker's own logs go to
// stderr so they never corrupt the result stream.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/statbridge/statbridge/internal/common/logger"
	"github.com/statbridge/statbridge/internal/engine"
	"github.com/statbridge/statbridge/internal/ipc"
	"github.com/statbridge/statbridge/internal/worker"
)

func main() {
	workerID := os.Getenv("STATBRIDGE_WORKER_ID")
	if workerID == "" {
		fmt.Fprintln(os.Stderr, "STATBRIDGE_WORKER_ID not set")
		os.Exit(1)
	}

	level := os.Getenv("STATBRIDGE_LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      level,
		Format:     "console",
		OutputPath: "stderr",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	tempDir, err := os.MkdirTemp("", "statbridge_worker_"+workerID+"_")
	if err != nil {
		log.Fatal("failed to create scratch directory", zap.Error(err))
	}

	eng := engine.NewConsole(engine.Config{
		InstallPath: os.Getenv("STATBRIDGE_ENGINE_INSTALLPATH"),
		Edition:     os.Getenv("STATBRIDGE_ENGINE_EDITION"),
		WorkerID:    workerID,
		TempDir:     tempDir,
	}, log)

	// The stop flag rides on a process signal so the parent can interrupt
	// the engine without enqueueing behind the in-flight command.
	stopFlag := ipc.NewStopFlag()
	stopFlag.BindSignal(ipc.StopSignal)

	w := worker.New(
		worker.Config{
			WorkerID:   workerID,
			TempDir:    tempDir,
			GraphsDir:  os.Getenv("STATBRIDGE_GRAPHS_DIR"),
			NameGraphs: os.Getenv("STATBRIDGE_NAME_GRAPHS") == "1",
		},
		eng,
		ipc.NewCommandReader(os.Stdin),
		ipc.NewResultWriter(os.Stdout),
		stopFlag,
		log,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	w.Run(ctx)
}
