// Package config provides configuration management for the satbridge server.
package config

import (
	"errors"
	"flag"
	"fmt"
	"strings"

	"github.com/dvbkit/satbridge/internal/buffer"
	"github.com/dvbkit/satbridge/internal/types"
)

var (
	// ErrServersFileRequired is returned when the server inventory path is not provided.
	ErrServersFileRequired = errors.New("servers file is required")
	// ErrInvalidPort is returned when port number is invalid.
	ErrInvalidPort = errors.New("invalid port number")
	// ErrInvalidDeviceCount is returned when the device count is out of range.
	ErrInvalidDeviceCount = errors.New("invalid device count")
	// ErrBufferTooSmall is returned when the stream buffer cannot hold a single packet.
	ErrBufferTooSmall = errors.New("stream buffer too small")
	// ErrInvalidMode is returned when the operating mode is unknown.
	ErrInvalidMode = errors.New("invalid operating mode")
	// ErrInvalidLogLevel is returned when log level is invalid.
	ErrInvalidLogLevel = errors.New("invalid log level")
	// ErrInvalidCamID is returned when a CI CAM CA system id is out of range.
	ErrInvalidCamID = errors.New("invalid CAM system id")
)

// Config holds the application configuration.
type Config struct {
	Port            int
	LogLevel        string
	ServersFile     string
	Devices         int
	BufferBytes     int
	Mode            string
	FrontendReuse   bool
	Detached        bool
	DisabledSources string
	CICam1          int
	CICam2          int
	EITScan         bool
}

// New creates a new configuration instance by parsing command-line flags.
func New() (*Config, error) {
	cfg := &Config{}

	flag.IntVar(&cfg.Port, "port", 8080, "Port to listen on")
	flag.StringVar(&cfg.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.ServersFile, "servers", "", "Path to the YAML server inventory (required)")
	flag.IntVar(&cfg.Devices, "devices", 4, "Number of streaming devices to create (1-8)")
	flag.IntVar(&cfg.BufferBytes, "buffer", 1<<20, "Stream buffer size per device in bytes")
	flag.StringVar(&cfg.Mode, "mode", "normal", "Operating mode (off, low, normal, high)")
	flag.BoolVar(&cfg.FrontendReuse, "frontend-reuse", false, "Allow tuning a transponder another device already holds")
	flag.BoolVar(&cfg.Detached, "detached", false, "Detach devices from packet delivery")
	flag.StringVar(&cfg.DisabledSources, "disabled-sources", "", "Comma-separated source letters to disable (e.g. C,T)")
	flag.IntVar(&cfg.CICam1, "cicam1", 0, "CA system id served by CI slot 1 (0x prefix for hex)")
	flag.IntVar(&cfg.CICam2, "cicam2", 0, "CA system id served by CI slot 2 (0x prefix for hex)")
	flag.BoolVar(&cfg.EITScan, "eit-scan", true, "Offer devices for EIT scanning")

	flag.Parse()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.ServersFile == "" {
		return ErrServersFileRequired
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Port)
	}

	if c.Devices < 1 || c.Devices > 8 {
		return fmt.Errorf("%w: %d (must be 1-8)", ErrInvalidDeviceCount, c.Devices)
	}

	if c.BufferBytes < buffer.PacketSize {
		return fmt.Errorf("%w: %d bytes", ErrBufferTooSmall, c.BufferBytes)
	}

	validModes := map[string]bool{
		"off":    true,
		"low":    true,
		"normal": true,
		"high":   true,
	}
	if !validModes[c.Mode] {
		return fmt.Errorf("%w: %s (must be off, low, normal, or high)", ErrInvalidMode, c.Mode)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("%w: %s (must be debug, info, warn, or error)", ErrInvalidLogLevel, c.LogLevel)
	}

	if _, err := c.DisabledSourceList(); err != nil {
		return fmt.Errorf("invalid disabled sources: %w", err)
	}

	for _, id := range []int{c.CICam1, c.CICam2} {
		if id < 0 || id > 0xFFFF {
			return fmt.Errorf("%w: %#x", ErrInvalidCamID, id)
		}
	}

	return nil
}

// DisabledSourceList parses the disabled-sources flag into source values.
func (c *Config) DisabledSourceList() ([]types.Source, error) {
	if strings.TrimSpace(c.DisabledSources) == "" {
		return nil, nil
	}

	var out []types.Source
	for _, part := range strings.Split(c.DisabledSources, ",") {
		src, err := types.ParseSource(part)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, nil
}
