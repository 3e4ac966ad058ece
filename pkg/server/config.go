package server

import (
	"fmt"
	"os"
	"time"

	"github.com/NicolasHaas/gorelay/pkg/datastore"
	"github.com/NicolasHaas/gorelay/pkg/model"
	"gopkg.in/yaml.v3"
)

const exportTimeLayout = "2006-01-02T15:04:05Z"

// FileConfig is the optional YAML server configuration. Fields left
// unset keep the values already in Config (defaults or flags).
type FileConfig struct {
	Listen      string `yaml:"listen,omitempty"`
	WS          string `yaml:"ws,omitempty"`
	Metrics     string `yaml:"metrics,omitempty"`
	DB          string `yaml:"db,omitempty"`
	DataDir     string `yaml:"data_dir,omitempty"`
	TLS         bool   `yaml:"tls,omitempty"`
	Cert        string `yaml:"cert,omitempty"`
	Key         string `yaml:"key,omitempty"`
	AuthTimeout string `yaml:"auth_timeout,omitempty"` // Go duration; empty = wait forever

	Log struct {
		Level  string `yaml:"level,omitempty"`
		Format string `yaml:"format,omitempty"`
	} `yaml:"log,omitempty"`
}

// LoadConfigFile reads a YAML config file and applies the set fields to
// cfg. Returns the log level/format from the file (empty when unset).
func LoadConfigFile(path string, cfg *Config) (logLevel, logFormat string, err error) {
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI config
	if err != nil {
		return "", "", fmt.Errorf("read config: %w", err)
	}

	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return "", "", fmt.Errorf("parse config: %w", err)
	}

	if fc.Listen != "" {
		cfg.ListenAddr = fc.Listen
	}
	if fc.WS != "" {
		cfg.WSAddr = fc.WS
	}
	if fc.Metrics != "" {
		cfg.MetricsAddr = fc.Metrics
	}
	if fc.DB != "" {
		cfg.DBPath = fc.DB
	}
	if fc.DataDir != "" {
		cfg.DataDir = fc.DataDir
	}
	if fc.TLS {
		cfg.UseTLS = true
	}
	if fc.Cert != "" {
		cfg.CertFile = fc.Cert
	}
	if fc.Key != "" {
		cfg.KeyFile = fc.Key
	}
	if fc.AuthTimeout != "" {
		d, err := time.ParseDuration(fc.AuthTimeout)
		if err != nil {
			return "", "", fmt.Errorf("parse auth_timeout: %w", err)
		}
		cfg.AuthTimeout = d
	}

	return fc.Log.Level, fc.Log.Format, nil
}

// UserYAML represents a user in YAML export. Digests are never exported.
type UserYAML struct {
	Username    string `yaml:"username"`
	Online      bool   `yaml:"online"`
	ConnectedAt string `yaml:"connected_at,omitempty"`
	CreatedAt   string `yaml:"created_at"`
}

// UsersExport is the top-level YAML for user export.
type UsersExport struct {
	Users []UserYAML `yaml:"users"`
}

// MessageYAML represents a logged chat message in YAML export.
type MessageYAML struct {
	Sender string `yaml:"sender"`
	Body   string `yaml:"body"`
	At     string `yaml:"at"`
}

// MessagesExport is the top-level YAML for message export.
type MessagesExport struct {
	Messages []MessageYAML `yaml:"messages"`
}

// ExportUsersYAML exports all users as YAML.
func ExportUsersYAML(st datastore.DataProviderFactory) ([]byte, error) {
	users, err := st.NonTx().ListUsers()
	if err != nil {
		return nil, err
	}

	export := UsersExport{}
	for _, u := range users {
		entry := UserYAML{
			Username:  u.Username,
			Online:    u.IsOnline,
			CreatedAt: u.CreatedAt.Format(exportTimeLayout),
		}
		if !u.ConnectedAt.IsZero() {
			entry.ConnectedAt = u.ConnectedAt.Format(exportTimeLayout)
		}
		export.Users = append(export.Users, entry)
	}
	return yaml.Marshal(&export)
}

// ExportMessagesYAML exports the full message history as YAML,
// oldest first.
func ExportMessagesYAML(st datastore.DataProviderFactory) ([]byte, error) {
	pageSize := int64(1 << 30) // whole history in one page
	messages, err := st.NonTx().ListMessages(model.MessageFilters{PageSize: &pageSize})
	if err != nil {
		return nil, err
	}

	export := MessagesExport{}
	// ListMessages returns newest first; export reads better oldest first.
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		export.Messages = append(export.Messages, MessageYAML{
			Sender: m.Sender,
			Body:   m.Body,
			At:     m.CreatedAt.Format(exportTimeLayout),
		})
	}
	return yaml.Marshal(&export)
}
