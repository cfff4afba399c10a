// smain is the shardfs coordinator.
//
// Clients connect here to upload, download, remove and list files. .c
// files are kept on this host; .pdf and .txt files are forwarded to the
// spdf and stext stores.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/fruitsalade/shardfs/internal/config"
	"github.com/fruitsalade/shardfs/internal/coordinator"
	"github.com/fruitsalade/shardfs/internal/logging"
	"github.com/fruitsalade/shardfs/internal/metrics"
	"github.com/fruitsalade/shardfs/internal/netserve"
	"github.com/fruitsalade/shardfs/internal/peer"
	"github.com/fruitsalade/shardfs/internal/storage"
	"github.com/fruitsalade/shardfs/internal/storage/local"
)

func main() {
	flags := pflag.NewFlagSet("smain", pflag.ExitOnError)
	config.AddFlags(flags)
	flags.Parse(os.Args[1:])

	// Load configuration
	configPath, _ := flags.GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}
	if err := cfg.ApplyFlags(flags); err != nil {
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: "smain",
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	if cfg.HomeDir == "" {
		logging.Fatal("home directory is not set; export HOME or SHARDFS_HOME")
	}

	logging.Info("smain starting...",
		zap.String("listen", cfg.CoordinatorAddr()),
		zap.String("pdf_store", cfg.PDFAddr()),
		zap.String("text_store", cfg.TextAddr()),
		zap.String("home", cfg.HomeDir))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// .c files live on the coordinator's own disk.
	backend, err := local.New(local.Config{RootPath: cfg.LocalRoot, CreateDirs: true})
	if err != nil {
		logging.Fatal("local storage init failed", zap.Error(err))
	}
	defer backend.Close()

	coord := coordinator.New(
		coordinator.Config{NamespaceRoot: cfg.NamespaceRoot, Home: cfg.HomeDir},
		storage.DefaultRouter(),
		backend,
		peer.New("pdf", cfg.PDFAddr(), cfg.NamespaceRoot, cfg.PDFRoot),
		peer.New("text", cfg.TextAddr(), cfg.NamespaceRoot, cfg.TextRoot),
	)

	if cfg.MetricsAddr != "" {
		go func() {
			logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
			if err := metrics.ListenAndServe(ctx, cfg.MetricsAddr); err != nil {
				logging.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	if err := netserve.New("smain", coord).ListenAndServe(ctx, cfg.CoordinatorAddr()); err != nil {
		logging.Fatal("server error", zap.Error(err))
	}
	logging.Info("smain stopped")
}
