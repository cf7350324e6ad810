// Package bot answers questions asked in Slack threads. Each Slack thread
// maps to one workflow thread, so follow-ups reuse the thread's checkpoints
// and memory.
package bot

import (
	"fmt"
	"os"
	"strings"
)

// Mode is how Slack delivers events.
type Mode string

const (
	ModeSocket Mode = "socket" // Socket Mode, no public endpoint needed
	ModeHTTP   Mode = "http"   // Events API over HTTP
)

// Config holds the Slack bot configuration.
type Config struct {
	BotToken      string
	AppToken      string
	SigningSecret string
	Mode          Mode
	BotUserID     string

	// AllowedTeamIDs restricts the workspaces served. Empty allows all.
	AllowedTeamIDs []string
}

// LoadFromEnv reads the configuration from environment variables. The mode
// comes from SLACK_MODE, or socket when SLACK_APP_TOKEN is set.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		BotToken: os.Getenv("SLACK_BOT_TOKEN"),
		Mode:     Mode(strings.ToLower(os.Getenv("SLACK_MODE"))),
	}
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("SLACK_BOT_TOKEN is required")
	}

	if cfg.Mode == "" {
		if os.Getenv("SLACK_APP_TOKEN") != "" {
			cfg.Mode = ModeSocket
		} else {
			cfg.Mode = ModeHTTP
		}
	}

	switch cfg.Mode {
	case ModeSocket:
		cfg.AppToken = os.Getenv("SLACK_APP_TOKEN")
		if cfg.AppToken == "" {
			return nil, fmt.Errorf("SLACK_APP_TOKEN is required for socket mode")
		}
	case ModeHTTP:
		cfg.SigningSecret = os.Getenv("SLACK_SIGNING_SECRET")
		if cfg.SigningSecret == "" {
			return nil, fmt.Errorf("SLACK_SIGNING_SECRET is required for HTTP mode")
		}
	default:
		return nil, fmt.Errorf("mode must be 'socket' or 'http', got: %s", cfg.Mode)
	}

	if allowed := os.Getenv("SLACK_ALLOWED_TEAM_IDS"); allowed != "" {
		for id := range strings.SplitSeq(allowed, ",") {
			if id = strings.TrimSpace(id); id != "" {
				cfg.AllowedTeamIDs = append(cfg.AllowedTeamIDs, id)
			}
		}
	}
	return cfg, nil
}
