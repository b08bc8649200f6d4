// Package config loads server configuration from environment variables.
// Agent and world definitions are not loaded here — they arrive through the
// API as already-parsed records.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the root configuration for the server process.
type Config struct {
	HTTPPort string
	DBPath   string

	// Auth
	AuthSecret    string
	AdminPassword string
	GuestPassword string
	TokenTTL      time.Duration

	// LLM runtime subprocess
	RuntimeCommand []string
	RuntimeModel   string

	// Conversation limits
	MaxFollowUpRounds int
	MaxTotalMessages  int

	// Autonomous round scheduling
	MaxConcurrentRooms int
	AutonomousTick     time.Duration
	RoomActiveWindow   time.Duration

	// Shutdown budgets
	WriteQueueDrainTimeout time.Duration
}

// Load reads configuration from the environment, applying defaults.
// AUTH_SECRET and ADMIN_PASSWORD are required.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPPort:               getEnv("HTTP_PORT", "8080"),
		DBPath:                 getEnv("DB_PATH", "./palaver.db"),
		AuthSecret:             os.Getenv("AUTH_SECRET"),
		AdminPassword:          os.Getenv("ADMIN_PASSWORD"),
		GuestPassword:          os.Getenv("GUEST_PASSWORD"),
		TokenTTL:               getDuration("TOKEN_TTL", 24*time.Hour),
		RuntimeCommand:         splitCommand(getEnv("RUNTIME_COMMAND", "claude --print --output-format stream-json")),
		RuntimeModel:           getEnv("RUNTIME_MODEL", "sonnet"),
		MaxFollowUpRounds:      getInt("MAX_FOLLOW_UP_ROUNDS", 2),
		MaxTotalMessages:       getInt("MAX_TOTAL_MESSAGES", 10),
		MaxConcurrentRooms:     getInt("MAX_CONCURRENT_ROOMS", 5),
		AutonomousTick:         getDuration("AUTONOMOUS_TICK", 2*time.Second),
		RoomActiveWindow:       getDuration("ROOM_ACTIVE_WINDOW", 5*time.Minute),
		WriteQueueDrainTimeout: getDuration("WRITE_QUEUE_DRAIN_TIMEOUT", 10*time.Second),
	}

	if cfg.AuthSecret == "" {
		return nil, fmt.Errorf("AUTH_SECRET is required")
	}
	if cfg.AdminPassword == "" {
		return nil, fmt.Errorf("ADMIN_PASSWORD is required")
	}
	if len(cfg.RuntimeCommand) == 0 {
		return nil, fmt.Errorf("RUNTIME_COMMAND must not be empty")
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// splitCommand splits a command line on spaces. Arguments with embedded
// spaces are not supported; the runtime command is expected to be a plain
// argv list.
func splitCommand(s string) []string {
	return strings.Fields(s)
}
