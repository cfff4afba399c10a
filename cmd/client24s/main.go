// client24s is the interactive shardfs shell.
//
//	client24s$ ufile notes.txt ~/smain/docs
//	client24s$ display ~/smain/docs
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/fruitsalade/shardfs/internal/config"
	"github.com/fruitsalade/shardfs/internal/logging"
	"github.com/fruitsalade/shardfs/pkg/client"
)

func main() {
	flags := pflag.NewFlagSet("client24s", pflag.ExitOnError)
	config.AddFlags(flags)
	addr := flags.String("addr", "", "coordinator address (default <peer-host>:<coordinator-port>)")
	flags.Parse(os.Args[1:])

	configPath, _ := flags.GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}
	if err := cfg.ApplyFlags(flags); err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}

	// The shell owns stdout; logs go to stderr and stay quiet by default.
	level := cfg.LogLevel
	if !flags.Changed("log-level") {
		level = "warn"
	}
	if err := logging.Init(logging.Config{
		Level:      level,
		Format:     "console",
		OutputPath: "stderr",
		Service:    "client24s",
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	if *addr == "" {
		*addr = net.JoinHostPort(cfg.PeerHost, strconv.Itoa(cfg.CoordinatorPort))
	}

	c, err := client.Dial(context.Background(), *addr)
	if err != nil {
		logging.Fatal("connect failed", zap.String("addr", *addr), zap.Error(err))
	}
	defer c.Close()
	fmt.Println("Connected to the server")

	wd, err := os.Getwd()
	if err != nil {
		logging.Fatal("working directory unavailable", zap.Error(err))
	}

	sh := client.NewShell(client.ShellConfig{
		NamespaceRoot: cfg.NamespaceRoot,
		WorkDir:       wd,
	}, c)
	if err := sh.Run(os.Stdin, os.Stdout); err != nil {
		logging.Error("session ended", zap.Error(err))
		os.Exit(1)
	}
}
