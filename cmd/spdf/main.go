// spdf is the shardfs PDF store. It keeps every .pdf file uploaded
// through the coordinator under ~/spdf, or in S3 with --store-backend=s3.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/fruitsalade/shardfs/internal/config"
	"github.com/fruitsalade/shardfs/internal/logging"
	"github.com/fruitsalade/shardfs/internal/metrics"
	"github.com/fruitsalade/shardfs/internal/netserve"
	"github.com/fruitsalade/shardfs/internal/storage"
	"github.com/fruitsalade/shardfs/internal/store"
)

func main() {
	flags := pflag.NewFlagSet("spdf", pflag.ExitOnError)
	config.AddFlags(flags)
	flags.Parse(os.Args[1:])

	configPath, _ := flags.GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		panic("configuration error: " + err.Error())
	}
	if err := cfg.ApplyFlags(flags); err != nil {
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: "spdf",
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := storage.NewBackendFromConfig(ctx, cfg)
	if err != nil {
		logging.Fatal("storage init failed", zap.Error(err), zap.String("backend", cfg.StoreBackend))
	}
	defer backend.Close()

	logging.Info("spdf starting...",
		zap.String("listen", cfg.PDFAddr()),
		zap.String("root", cfg.PDFRoot),
		zap.String("backend", backend.Type()))

	srv := store.New(store.Config{
		Name:          "pdf",
		Suffix:        ".pdf",
		NamespaceRoot: cfg.NamespaceRoot,
		Root:          cfg.PDFRoot,
		Home:          cfg.HomeDir,
	}, backend)

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.ListenAndServe(ctx, cfg.MetricsAddr); err != nil {
				logging.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	if err := netserve.New("spdf", srv).ListenAndServe(ctx, cfg.PDFAddr()); err != nil {
		logging.Fatal("server error", zap.Error(err))
	}
	logging.Info("spdf stopped")
}
