// Package main is the entry point for langserv-mux.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"go.trai.ch/langserv-mux/internal/config"
	"go.trai.ch/langserv-mux/internal/diag"
	"go.trai.ch/langserv-mux/internal/lspproxy"
)

const componentName = "Main"

func main() {
	os.Exit(run())
}

func run() int {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// A vanished peer must surface as EPIPE on write, not kill the process.
	signal.Ignore(syscall.SIGPIPE)

	configPath := flag.String(
		"config",
		"",
		"Path to a YAML config file. Flags override its values.",
	)
	logFile := flag.String(
		"log-file",
		"",
		"Path to write logs (don't log to stdout!). Empty logs to stderr.",
	)
	logLevel := flag.String(
		"log-level",
		config.DefaultLogLevel,
		"Log level: debug, info, warn or error.",
	)
	socket := flag.String(
		"socket",
		"",
		"Path of the side-channel socket peers connect to.",
	)
	privileged := flag.String(
		"privileged-socket",
		"",
		"Path of the privileged peer's socket that receives documentSymbol pushes.",
	)
	printConfig := flag.Bool(
		"print-config",
		false,
		"Print the effective configuration as YAML and exit.",
	)
	_ = flag.Bool(
		"stdio",
		true,
		"Ignored. Kept for compatibility with LSP clients that automatically append it.",
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <language-server> [args...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[%s] %v\n", componentName, err)
		return 1
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "log-file":
			cfg.LogFile = *logFile
		case "log-level":
			cfg.LogLevel = *logLevel
		case "socket":
			cfg.SideChannelSocket = *socket
		case "privileged-socket":
			cfg.PrivilegedSocket = *privileged
		}
	})
	if flag.NArg() > 0 {
		cfg.ServerCommand = flag.Args()
	}

	if *printConfig {
		out, err := cfg.Marshal()
		if err != nil {
			fmt.Fprintf(os.Stderr, "[%s] %v\n", componentName, err)
			return 1
		}
		_, _ = os.Stdout.Write(out)
		return 0
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "[%s] invalid configuration: %v\n", componentName, err)
		flag.Usage()
		return 2
	}

	logger, closer, err := diag.New(cfg.LogFile, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[%s] %v\n", componentName, err)
		return 1
	}
	defer func() {
		if err := closer.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "[%s] error closing log file: %v\n", componentName, err)
		}
	}()

	log := diag.Component(logger, componentName)
	log.WithFields(logrus.Fields{
		"socket":     cfg.SideChannelSocket,
		"privileged": cfg.PrivilegedSocket,
	}).Infof("Starting langserv-mux. Using language server: %v", cfg.ServerCommand)

	proxy := lspproxy.NewProxy(cfg, logger)

	if err := proxy.Start(ctx); err != nil {
		if errors.Cause(err) == lspproxy.ErrEditorGone {
			log.Infof("Editor disconnected: %v", err)
			return 0
		}
		log.Errorf("Fatal error: %+v", err)
		return 1
	}

	log.Info("Proxy shut down cleanly.")

	return 0
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}
