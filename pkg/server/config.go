package server

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/parleychat/parley/pkg/model"
)

// Config holds server configuration.
type Config struct {
	ControlAddr    string // TCP bind address for the control plane (e.g. ":9700")
	AudioAddr      string // HTTP bind address for the websocket audio relay (e.g. ":9701")
	MetricsAddr    string // HTTP bind address for /metrics endpoint (empty = disabled)
	HistoryBackend string // "file" or "sqlite"
	HistoryDir     string // directory for flat-file history (file backend)
	DBPath         string // SQLite database path (sqlite backend)
	GroupsFile     string // YAML file defining groups to create on startup

	// CLI-only actions (run and exit)
	ExportGroups bool // export all groups as YAML and exit
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ControlAddr:    ":9700",
		AudioAddr:      ":9701",
		MetricsAddr:    ":9702",
		HistoryBackend: "file",
		HistoryDir:     "chat_history",
		DBPath:         "parley.db",
	}
}

// GroupYAML represents a group in YAML config.
type GroupYAML struct {
	Name    string   `yaml:"name"`
	Members []string `yaml:"members"`
}

// GroupsConfig is the top-level YAML config for groups.
type GroupsConfig struct {
	Groups []GroupYAML `yaml:"groups"`
}

// LoadGroupsFromYAML reads a groups YAML file and creates the groups in
// the directory.
func LoadGroupsFromYAML(path string, dir *GroupDirectory) error {
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI config
	if err != nil {
		return fmt.Errorf("read groups config: %w", err)
	}
	return ImportGroupsFromYAML(data, dir)
}

// ImportGroupsFromYAML parses YAML data and creates the listed groups.
// The first member listed becomes the creator; groups without members
// or with invalid names are skipped with a log entry. Groups that
// already exist keep their current members and only gain new ones.
func ImportGroupsFromYAML(data []byte, dir *GroupDirectory) error {
	var cfg GroupsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse groups config: %w", err)
	}

	count := 0
	for _, g := range cfg.Groups {
		if model.ValidateGroupName(g.Name) != nil {
			slog.Error("skipping group with invalid name from config", "name", g.Name)
			continue
		}
		if len(g.Members) == 0 {
			slog.Error("skipping group with no members from config", "name", g.Name)
			continue
		}
		dir.Create(g.Name, g.Members[0])
		for _, m := range g.Members[1:] {
			dir.AddMember(g.Name, m)
		}
		count++
	}

	slog.Info("imported groups from YAML", "count", count)
	return nil
}

// ExportGroupsYAML exports all groups and their members as YAML.
func ExportGroupsYAML(dir *GroupDirectory) ([]byte, error) {
	cfg := GroupsConfig{}
	for _, name := range dir.Names() {
		members, ok := dir.Members(name)
		if !ok {
			continue
		}
		cfg.Groups = append(cfg.Groups, GroupYAML{Name: name, Members: members})
	}
	return yaml.Marshal(&cfg)
}
