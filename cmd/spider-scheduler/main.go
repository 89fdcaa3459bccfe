// Command spider-scheduler runs the scheduler server and recovery sweeps
// (§6.4): a TCP lease server plus the heartbeat-timeout, dangling-data, and
// lease-eviction cron sweeps, all sharing one storage pair.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	natsgo "github.com/nats-io/nats.go"

	"github.com/y-scope/spider-go/client"
	"github.com/y-scope/spider-go/internal/logging"
	"github.com/y-scope/spider-go/internal/recovery"
	"github.com/y-scope/spider-go/internal/scheduler"
	"github.com/y-scope/spider-go/internal/storage/badgerdata"
	"github.com/y-scope/spider-go/internal/storage/boltmeta"
	"github.com/y-scope/spider-go/internal/telemetry"
)

func main() {
	var (
		addr        = flag.String("addr", ":7070", "TCP address to listen on for worker lease requests")
		metaPath    = flag.String("metadata-db", "spider-metadata.db", "path to the bbolt metadata database")
		dataPath    = flag.String("data-db", "spider-data", "path to the badger data directory")
		natsURL     = flag.String("nats-url", "", "optional NATS URL for job-status push notifications (§6.6)")
		leaseTTLArg = flag.Duration("lease-ttl", scheduler.LLease, "scheduler lease staleness threshold")
	)
	flag.Parse()

	logging.Init("spider-scheduler")
	log := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.InitTracer(ctx, "spider-scheduler")
	if err != nil {
		log.Error("init tracer failed", slog.Any("err", err))
	} else {
		defer telemetry.Flush(shutdownTracer)
	}
	shutdownMetrics, err := telemetry.InitMetrics(ctx, "spider-scheduler")
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

	data, err := badgerdata.Open(*dataPath)
	if err != nil {
		log.Error("open data store failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer data.Close()

	var notifier scheduler.Notifier
	if *natsURL != "" {
		conn, err := natsgo.Connect(*natsURL)
		if err != nil {
			log.Error("connect to nats failed", slog.Any("err", err))
			os.Exit(1)
		}
		defer conn.Close()
		notifier = client.NewNATSNotifier(conn)
	}

	driverID := uuid.New()
	schedulerID := uuid.New()

	srv := scheduler.NewServer(schedulerID, driverID, *addr, meta, data, notifier)

	recoveryLoop := recovery.New(meta, data, *leaseTTLArg)
	if err := recoveryLoop.Start(ctx); err != nil {
		log.Error("start recovery sweeps failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		recoveryLoop.Stop(stopCtx)
	}()

	log.Info("spider-scheduler starting", slog.String("addr", *addr), slog.String("scheduler_id", schedulerID.String()))
	if err := srv.Run(ctx); err != nil {
		log.Error("scheduler server stopped", slog.Any("err", err))
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, "spider-scheduler exited cleanly")
}
