package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Egbertjing/buffer-manager/bufferpool"
	"github.com/Egbertjing/buffer-manager/config"
	"github.com/Egbertjing/buffer-manager/internal/store"
	"github.com/Egbertjing/buffer-manager/logging"
	"github.com/Egbertjing/buffer-manager/telemetry"
)

const ShutdownTimeout = 5 * time.Second

var configPath = flag.String("config", "", "path to the bufferctl YAML config file (defaults built in if omitted)")
var inspectSegment = flag.Int("inspect", -1, "print the on-disk size of the given segment id and exit, instead of serving")

func main() {
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("CRITICAL: loading config: %v", err)
		}
		cfg = loaded
	}

	zlogger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("CRITICAL: can't initialize logger: %v", err)
	}
	defer zlogger.Sync()

	if *inspectSegment >= 0 {
		runInspect(zlogger, cfg, uint16(*inspectSegment))
		return
	}

	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry,
		attribute.Int("pool.page_size", cfg.Pool.PageSize),
		attribute.Int("pool.page_count", cfg.Pool.PageCount),
	)
	if err != nil {
		zlogger.Fatal("initializing telemetry", zap.Error(err))
	}

	st, err := store.New(cfg.Pool.DataDir, zlogger)
	if err != nil {
		zlogger.Fatal("initializing segment store", zap.Error(err))
	}

	pool, err := bufferpool.NewPool(st, cfg.Pool.PageSize, cfg.Pool.PageCount,
		bufferpool.WithLogger(zlogger),
		bufferpool.WithTracer(tel.Tracer),
		bufferpool.WithMeter(tel.Meter),
	)
	if err != nil {
		zlogger.Fatal("constructing buffer pool", zap.Error(err))
	}

	zlogger.Info("bufferctl started",
		zap.Int("page_size", cfg.Pool.PageSize),
		zap.Int("page_count", cfg.Pool.PageCount),
		zap.String("data_dir", cfg.Pool.DataDir),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	zlogger.Info("shutdown signal received, flushing buffer pool")

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	if err := pool.Close(ctx); err != nil {
		zlogger.Error("closing buffer pool", zap.Error(err))
	}
	if err := shutdownTelemetry(ctx); err != nil {
		zlogger.Error("shutting down telemetry", zap.Error(err))
	}

	zlogger.Info("bufferctl shutdown complete")
	fmt.Fprintln(os.Stdout, "bufferctl: shutdown complete")
}

// runInspect reports the on-disk size of a single segment without
// standing up a Pool, for operators checking disk usage per segment.
func runInspect(zlogger *zap.Logger, cfg config.Config, segmentID uint16) {
	st, err := store.New(cfg.Pool.DataDir, zlogger)
	if err != nil {
		zlogger.Fatal("initializing segment store", zap.Error(err))
	}
	defer st.Close()

	size, err := st.Size(segmentID)
	if err != nil {
		zlogger.Fatal("stat segment", zap.Uint16("segment_id", segmentID), zap.Error(err))
	}
	fmt.Fprintf(os.Stdout, "segment %d: %d bytes\n", segmentID, size)
}
