package server

import (
	"strings"
	"time"

	"github.com/shivangiamit/hackathon/internal/config"
)

// Config represents the server configuration
type Config struct {
	// Listener settings. Port 0 picks a free port; GRPCPort 0 disables gRPC.
	Host     string
	Port     int
	GRPCPort int

	// AllowedOrigins is the CORS and WebSocket origin allow list.
	// Use "*" to allow all origins (development only). Empty means the
	// localhost development origins.
	AllowedOrigins []string

	// APIKey, when set, is required on /api and /ws routes.
	APIKey string

	RateLimitRPS   float64
	RateLimitBurst int

	ShutdownTimeout time.Duration

	// PurgeInterval is how often expired conversations are removed.
	PurgeInterval time.Duration
}

// defaultOrigins are the local frontend dev servers.
var defaultOrigins = []string{"http://localhost:3000", "http://localhost:5173"}

// ConfigFrom extracts the server settings from the application config.
func ConfigFrom(c *config.Config) Config {
	return Config{
		Host:            c.Server.Host,
		Port:            c.Server.Port,
		GRPCPort:        c.Server.GRPCPort,
		AllowedOrigins:  append([]string(nil), c.Server.AllowedOrigins...),
		APIKey:          c.Server.APIKey,
		RateLimitRPS:    c.Server.RateLimitRPS,
		RateLimitBurst:  c.Server.RateLimitBurst,
		ShutdownTimeout: c.Server.ShutdownTimeout,
		PurgeInterval:   c.Database.PurgeInterval,
	}
}

func (c Config) origins() []string {
	if len(c.AllowedOrigins) == 0 {
		return defaultOrigins
	}
	return c.AllowedOrigins
}

func allowsAnyOrigin(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}
