package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	// Telegram Bot configuration
	BotToken string

	// Storage configuration
	DataDir string

	// Queue behavior
	RejoinGrace  time.Duration
	DefaultBreak time.Duration
	MaxBreak     time.Duration

	// Known course sections; a section outside this list is rejected
	// by the command layer before it reaches the engine.
	Sections []string

	// Telegram user IDs allowed to use staff commands. Roster
	// authentication proper lives upstream; this is the bot-side gate.
	StaffKeys []string
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() (*Config, error) {
	// Load .env file if it exists
	err := godotenv.Load()
	if err != nil {
		log.Printf("Warning: Error loading .env file: %v", err)
	}

	cfg := &Config{}

	// Required configurations
	botToken := os.Getenv("BOT_TOKEN")
	if botToken == "" {
		return nil, fmt.Errorf("BOT_TOKEN environment variable is required")
	}
	cfg.BotToken = botToken

	// Optional configurations with defaults
	cfg.DataDir = getEnvWithDefault("DATA_DIR", "./data")

	rejoinMinutes, err := getEnvMinutes("REJOIN_GRACE_MINUTES", 2)
	if err != nil {
		return nil, err
	}
	cfg.RejoinGrace = rejoinMinutes

	defaultBreak, err := getEnvMinutes("DEFAULT_BREAK_MINUTES", 10)
	if err != nil {
		return nil, err
	}
	cfg.DefaultBreak = defaultBreak

	maxBreak, err := getEnvMinutes("MAX_BREAK_MINUTES", 60)
	if err != nil {
		return nil, err
	}
	cfg.MaxBreak = maxBreak

	// Parse sections
	sectionsStr := getEnvWithDefault("SECTIONS", "default")
	cfg.Sections = strings.Split(sectionsStr, ",")
	for i := range cfg.Sections {
		cfg.Sections[i] = strings.TrimSpace(cfg.Sections[i])
	}

	// Parse staff IDs
	staffStr := os.Getenv("STAFF_IDS")
	if staffStr != "" {
		cfg.StaffKeys = strings.Split(staffStr, ",")
		for i := range cfg.StaffKeys {
			cfg.StaffKeys[i] = strings.TrimSpace(cfg.StaffKeys[i])
		}
	}

	// Log configuration with sensitive data redacted
	logCfg := *cfg
	if len(logCfg.BotToken) > 8 {
		logCfg.BotToken = logCfg.BotToken[:8] + "...REDACTED..."
	}
	log.Printf("Configuration loaded: %+v", logCfg)
	return cfg, nil
}

// HasSection reports whether the given section ID is configured
func (c *Config) HasSection(sectionID string) bool {
	for _, s := range c.Sections {
		if s == sectionID {
			return true
		}
	}
	return false
}

// IsStaff reports whether the given user key may use staff commands
func (c *Config) IsStaff(key string) bool {
	for _, s := range c.StaffKeys {
		if s == key {
			return true
		}
	}
	return false
}

// getEnvWithDefault returns the value of the environment variable or the default value
func getEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvMinutes parses an integer minute count from the environment
func getEnvMinutes(key string, defaultMinutes int) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return time.Duration(defaultMinutes) * time.Minute, nil
	}
	minutes, err := strconv.Atoi(value)
	if err != nil || minutes <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", key, value)
	}
	return time.Duration(minutes) * time.Minute, nil
}
