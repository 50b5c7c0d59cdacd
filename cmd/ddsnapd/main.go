// Command ddsnapd serves the copy-on-write block snapshot store described
// in pkg/snapstore over a Unix-domain control socket.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/ddsnap/ddsnap/internal/logger"
	"github.com/ddsnap/ddsnap/pkg/config"
	"github.com/ddsnap/ddsnap/pkg/snapstore"

	// Registers the Prometheus-backed metrics.Collector implementation.
	_ "github.com/ddsnap/ddsnap/pkg/metrics/prometheus"
)

var version = "dev"

const usage = `ddsnapd - copy-on-write block snapshot store daemon

Usage:
  ddsnapd init [-config path] [-force]    write a sample configuration file
  ddsnapd format -config path              initialize a new metadata device
  ddsnapd serve -config path                run the daemon
  ddsnapd version                           print the build version

Flags:
`

func main() {
	if len(os.Args) < 2 {
		fail(usage)
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "format":
		runFormat(os.Args[2:])
	case "serve":
		runServe(os.Args[2:])
	case "version":
		fmt.Println(version)
	case "-h", "-help", "--help":
		fail(usage)
	default:
		fail(usage)
	}
}

func fail(msg string) {
	fmt.Fprint(os.Stderr, msg)
	flag.CommandLine.SetOutput(os.Stderr)
	flag.PrintDefaults()
	os.Exit(2)
}

func runInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	path := fs.String("config", "", "config file path (defaults to $XDG_CONFIG_HOME/ddsnap/config.yaml)")
	force := fs.Bool("force", false, "overwrite an existing config file")
	fs.Parse(args)

	var err error
	var written string
	if *path == "" {
		written, err = config.InitConfig(*force)
	} else {
		written = *path
		err = config.InitConfigToPath(*path, *force)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "ddsnapd init: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("wrote sample configuration to %s\n", written)
}

func runFormat(args []string) {
	cfg := loadConfig("format", args)
	if err := snapstore.Format(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "ddsnapd format: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("metadata device formatted")
}

func runServe(args []string) {
	cfg := loadConfig("serve", args)

	logger.Init(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	store, err := snapstore.Open(cfg)
	if err != nil {
		logger.Error("opening snapshot store", logger.Err(err))
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("closing snapshot store", logger.Err(err))
		}
	}()

	srv, err := snapstore.NewServer(store, cfg.Socket)
	if err != nil {
		logger.Error("starting server", logger.Err(err))
		os.Exit(1)
	}

	logger.Info("ddsnapd serving", "socket", cfg.Socket)
	if err := srv.Run(context.Background(), cfg.ShutdownTimeout); err != nil {
		logger.Error("server exited with error", logger.Err(err))
		os.Exit(1)
	}
}

func loadConfig(cmd string, args []string) *config.Config {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	path := fs.String("config", "", "config file path")
	fs.Parse(args)

	cfg, err := config.Load(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ddsnapd %s: %v\n", cmd, err)
		os.Exit(1)
	}
	return cfg
}
