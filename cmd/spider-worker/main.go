// Command spider-worker runs the worker main loop (§4.5, §6.4): registers
// a driver, heartbeats, and polls a scheduler for tasks, running each via
// the spider-task-executor binary.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/y-scope/spider-go/internal/logging"
	"github.com/y-scope/spider-go/internal/storage/boltmeta"
	"github.com/y-scope/spider-go/internal/telemetry"
	"github.com/y-scope/spider-go/internal/worker"
)

func main() {
	var (
		schedulerAddr  = flag.String("scheduler-addr", "localhost:7070", "address of the scheduler to poll for work")
		metaPath       = flag.String("metadata-db", "spider-metadata.db", "path to the bbolt metadata database shared with the scheduler")
		executorBinary = flag.String("executor-binary", "spider-task-executor", "path to the spider-task-executor binary spawned per task instance")
		tags           = flag.String("tags", "", "comma-separated locality tags this worker advertises")
	)
	flag.Parse()

	logging.Init("spider-worker")
	log := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.InitTracer(ctx, "spider-worker")
	if err != nil {
		log.Error("init tracer failed", slog.Any("err", err))
	} else {
		defer telemetry.Flush(shutdownTracer)
	}
	shutdownMetrics, err := telemetry.InitMetrics(ctx, "spider-worker")
	if err != nil {
		log.Error("init metrics failed", slog.Any("err", err))
	} else {
		defer telemetry.Flush(shutdownMetrics)
	}

	meta, err := boltmeta.Open(*metaPath)
	if err != nil {
		log.Error("open metadata store failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer meta.Close()

	var tagList []string
	if *tags != "" {
		tagList = strings.Split(*tags, ",")
	}

	w := worker.New(uuid.New(), *schedulerAddr, *executorBinary, tagList)

	log.Info("spider-worker starting", slog.String("scheduler_addr", *schedulerAddr), slog.String("driver_id", w.DriverID.String()))
	if err := w.Run(ctx, meta); err != nil {
		log.Error("worker stopped", slog.Any("err", err))
		os.Exit(1)
	}
}
