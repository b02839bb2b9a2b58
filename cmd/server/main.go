package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/parleychat/parley/pkg/history"
	"github.com/parleychat/parley/pkg/logging"
	"github.com/parleychat/parley/pkg/server"
	"github.com/parleychat/parley/pkg/version"
)

func main() {
	// .env is optional; flags and real environment win over it
	_ = godotenv.Load()

	cfg := server.DefaultConfig()

	flag.StringVar(&cfg.ControlAddr, "control", envOr("PARLEY_CONTROL_ADDR", cfg.ControlAddr), "TCP control plane bind address")
	flag.StringVar(&cfg.AudioAddr, "audio", envOr("PARLEY_AUDIO_ADDR", cfg.AudioAddr), "HTTP bind address for the websocket audio relay")
	flag.StringVar(&cfg.MetricsAddr, "metrics", envOr("PARLEY_METRICS_ADDR", cfg.MetricsAddr), "HTTP bind address for Prometheus /metrics (empty to disable)")
	flag.StringVar(&cfg.HistoryBackend, "history-backend", envOr("PARLEY_HISTORY_BACKEND", cfg.HistoryBackend), "Message history backend: file or sqlite")
	flag.StringVar(&cfg.HistoryDir, "history-dir", envOr("PARLEY_HISTORY_DIR", cfg.HistoryDir), "Directory for flat-file message history")
	flag.StringVar(&cfg.DBPath, "db", envOr("PARLEY_DB", cfg.DBPath), "SQLite database file path (sqlite backend)")
	flag.StringVar(&cfg.GroupsFile, "groups-file", envOr("PARLEY_GROUPS_FILE", cfg.GroupsFile), "YAML file defining groups to create on startup")
	flag.BoolVar(&cfg.ExportGroups, "export-groups", false, "Normalize the groups file as YAML to stdout and exit")

	logLevel := flag.String("log-level", envOr("PARLEY_LOG_LEVEL", "info"), "Log level: "+strings.Join(logging.Levels, ", "))
	logFormat := flag.String("log-format", envOr("PARLEY_LOG_FORMAT", "text"), "Log format: text or json")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Full())
		return
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

	// Handle export command (run and exit)
	if cfg.ExportGroups {
		if cfg.GroupsFile == "" {
			slog.Error("export-groups requires -groups-file")
			os.Exit(1)
		}
		dir := server.NewGroupDirectory()
		if err := server.LoadGroupsFromYAML(cfg.GroupsFile, dir); err != nil {
			slog.Error("load groups", "err", err)
			os.Exit(1)
		}
		data, err := server.ExportGroupsYAML(dir)
		if err != nil {
			slog.Error("export groups", "err", err)
			os.Exit(1)
		}
		fmt.Print(string(data))
		return
	}

	st, err := openHistory(cfg)
	if err != nil {
		slog.Error("open history store", "err", err)
		os.Exit(1)
	}

	slog.Info("starting Parley server", "version", version.String())

	srv := server.New(cfg, server.Dependencies{History: st})
	if err := srv.Run(); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}

func openHistory(cfg server.Config) (history.Store, error) {
	switch cfg.HistoryBackend {
	case "file":
		return history.NewFileStore(cfg.HistoryDir)
	case "sqlite":
		return history.NewSQLiteStore(cfg.DBPath)
	default:
		return nil, fmt.Errorf("unknown history backend %q (want file or sqlite)", cfg.HistoryBackend)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
