package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/NicolasHaas/gorelay/pkg/datastore"
	"github.com/NicolasHaas/gorelay/pkg/logging"
	"github.com/NicolasHaas/gorelay/pkg/server"
)

func main() {
	cfg := server.DefaultConfig()

	configFile := flag.String("config", "", "YAML config file (flags override its values)")
	flag.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "TCP bind address for the chat protocol")
	flag.StringVar(&cfg.WSAddr, "ws", cfg.WSAddr, "HTTP bind address for the WebSocket endpoint (empty to disable)")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database file path")
	flag.StringVar(&cfg.DataDir, "data", cfg.DataDir, "Data directory for generated files")
	flag.BoolVar(&cfg.UseTLS, "tls", false, "Serve the chat protocol over TLS")
	flag.StringVar(&cfg.CertFile, "cert", "", "TLS certificate file (auto-generated if empty)")
	flag.StringVar(&cfg.KeyFile, "key", "", "TLS private key file (auto-generated if empty)")
	flag.DurationVar(&cfg.AuthTimeout, "auth-timeout", 0, "Max wait for the first auth frame (0 = wait forever)")
	flag.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "HTTP bind address for Prometheus /metrics (empty to disable)")
	flag.BoolVar(&cfg.ExportUsers, "export-users", false, "Export all users as YAML and exit")
	flag.BoolVar(&cfg.ExportMessages, "export-messages", false, "Export message history as YAML and exit")

	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	logFormat := flag.String("log-format", "text", "Log format: text or json")
	flag.Parse()

	if *configFile != "" {
		// Load the file into a fresh default config so explicit flags win,
		// then re-apply the flags that were actually set.
		fileCfg := server.DefaultConfig()
		fileLevel, fileFormat, err := server.LoadConfigFile(*configFile, &fileCfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid config file: %v\n", err)
			os.Exit(1)
		}
		if fileLevel != "" && !flagWasSet("log-level") {
			*logLevel = fileLevel
		}
		if fileFormat != "" && !flagWasSet("log-format") {
			*logFormat = fileFormat
		}
		applyUnsetFlags(&cfg, fileCfg)
	}

	// Configure structured logging
	if err := logging.Setup(logging.Options{
		Level:  *logLevel,
		Format: *logFormat,
		Output: os.Stdout,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	// Handle export commands (run and exit)
	if cfg.ExportUsers || cfg.ExportMessages {
		st, err := datastore.NewProviderFactory(cfg.DBPath)
		if err != nil {
			slog.Error("open database", "err", err)
			os.Exit(1)
		}
		defer func() { _ = st.Close() }()

		if cfg.ExportUsers {
			data, err := server.ExportUsersYAML(st)
			if err != nil {
				slog.Error("export users", "err", err)
				os.Exit(1)
			}
			fmt.Print(string(data))
		}
		if cfg.ExportMessages {
			data, err := server.ExportMessagesYAML(st)
			if err != nil {
				slog.Error("export messages", "err", err)
				os.Exit(1)
			}
			fmt.Print(string(data))
		}
		return
	}

	st, err := datastore.NewProviderFactory(cfg.DBPath)
	if err != nil {
		slog.Error("open database", "err", err)
		os.Exit(1)
	}
	defer func() { _ = st.Close() }()

	srv := server.New(cfg, server.Dependencies{Store: st})
	if err := srv.Run(); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}

// flagWasSet reports whether a flag was given on the command line.
func flagWasSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

// applyUnsetFlags copies file-config values into cfg for every flag the
// user did not set explicitly.
func applyUnsetFlags(cfg *server.Config, fileCfg server.Config) {
	if !flagWasSet("listen") {
		cfg.ListenAddr = fileCfg.ListenAddr
	}
	if !flagWasSet("ws") {
		cfg.WSAddr = fileCfg.WSAddr
	}
	if !flagWasSet("metrics") {
		cfg.MetricsAddr = fileCfg.MetricsAddr
	}
	if !flagWasSet("db") {
		cfg.DBPath = fileCfg.DBPath
	}
	if !flagWasSet("data") {
		cfg.DataDir = fileCfg.DataDir
	}
	if !flagWasSet("tls") {
		cfg.UseTLS = fileCfg.UseTLS
	}
	if !flagWasSet("cert") {
		cfg.CertFile = fileCfg.CertFile
	}
	if !flagWasSet("key") {
		cfg.KeyFile = fileCfg.KeyFile
	}
	if !flagWasSet("auth-timeout") {
		cfg.AuthTimeout = fileCfg.AuthTimeout
	}
}
