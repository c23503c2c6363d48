// Package config loads blue-transfer settings from a TOML file
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"github.com/user/blue-transfer/connection"
	"github.com/user/blue-transfer/logger"
	"github.com/user/blue-transfer/transfer"
	"github.com/user/blue-transfer/wire"
)

// Service and channel the apps have always used
const (
	DefaultServiceID = "E20A39F4-73F5-4BC4-A12F-17D1AD07A961"
	DefaultChannelID = "08590F7E-DB05-467E-8757-72F6FAEB13D4"
)

// Config is the resolved configuration of one device
type Config struct {
	DeviceID  string // Empty = generate one per run
	Name      string
	DataDir   string // Empty = util.GetDataDir()
	ServiceID string
	ChannelID string
	LogLevel  string

	MTU          int
	QueueDepth   int
	ScanInterval time.Duration
	RSSI         int // What receivers see for us
	WireDebug    bool

	RSSIFloor      int
	MaxAttempts    int
	ConnectPolicy  string
	SubmitPolicy   string
	MaxMessageSize int

	MetricsAddr string
	InboxDir    string // Empty = {dataDir}/{id}/inbox
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		ServiceID:     DefaultServiceID,
		ChannelID:     DefaultChannelID,
		LogLevel:      "info",
		MTU:           wire.PreferredMTU,
		QueueDepth:    wire.DefaultQueueDepth,
		ScanInterval:  wire.DefaultScanInterval,
		RSSI:          wire.DefaultRSSI,
		RSSIFloor:     connection.DefaultRSSIFloor,
		MaxAttempts:   connection.DefaultMaxAttempts,
		ConnectPolicy: "always",
		SubmitPolicy:  "replace",
	}
}

type fileConfig struct {
	DeviceID       string `toml:"device_id"`
	Name           string `toml:"name"`
	DataDir        string `toml:"data_dir"`
	ServiceID      string `toml:"service_id"`
	ChannelID      string `toml:"channel_id"`
	LogLevel       string `toml:"log_level"`
	MTU            int    `toml:"mtu"`
	QueueDepth     int    `toml:"queue_depth"`
	ScanInterval   string `toml:"scan_interval"`
	RSSI           int    `toml:"rssi"`
	WireDebug      bool   `toml:"wire_debug"`
	RSSIFloor      int    `toml:"rssi_floor"`
	MaxAttempts    int    `toml:"max_attempts"`
	ConnectPolicy  string `toml:"connect_policy"`
	SubmitPolicy   string `toml:"submit_policy"`
	MaxMessageSize int    `toml:"max_message_size"`
	MetricsAddr    string `toml:"metrics_addr"`
	InboxDir       string `toml:"inbox_dir"`
}

// Load reads path over the defaults. Keys missing from the file keep their
// default value.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return apply(Default(), raw, meta)
}

// Parse is Load for TOML text
func Parse(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return apply(Default(), raw, meta)
}

func apply(cfg Config, raw fileConfig, meta toml.MetaData) (Config, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		logger.Warn("config", "Ignoring unknown keys: %v", undecoded)
	}

	str := func(key, v string, dst *string) {
		if meta.IsDefined(key) {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, v int, dst *int) {
		if meta.IsDefined(key) {
			*dst = v
		}
	}

	str("device_id", raw.DeviceID, &cfg.DeviceID)
	str("name", raw.Name, &cfg.Name)
	str("data_dir", raw.DataDir, &cfg.DataDir)
	str("service_id", raw.ServiceID, &cfg.ServiceID)
	str("channel_id", raw.ChannelID, &cfg.ChannelID)
	str("log_level", raw.LogLevel, &cfg.LogLevel)
	str("connect_policy", raw.ConnectPolicy, &cfg.ConnectPolicy)
	str("submit_policy", raw.SubmitPolicy, &cfg.SubmitPolicy)
	str("metrics_addr", raw.MetricsAddr, &cfg.MetricsAddr)
	str("inbox_dir", raw.InboxDir, &cfg.InboxDir)

	num("mtu", raw.MTU, &cfg.MTU)
	num("queue_depth", raw.QueueDepth, &cfg.QueueDepth)
	num("rssi", raw.RSSI, &cfg.RSSI)
	num("rssi_floor", raw.RSSIFloor, &cfg.RSSIFloor)
	num("max_attempts", raw.MaxAttempts, &cfg.MaxAttempts)
	num("max_message_size", raw.MaxMessageSize, &cfg.MaxMessageSize)

	if meta.IsDefined("wire_debug") {
		cfg.WireDebug = raw.WireDebug
	}

	if meta.IsDefined("scan_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ScanInterval))
		if err != nil {
			return Config{}, fmt.Errorf("parse scan_interval: %w", err)
		}
		cfg.ScanInterval = d
	}

	return cfg, nil
}

// Validate checks every field and returns all problems at once
func (c Config) Validate() error {
	var errs []error

	if c.DeviceID != "" {
		if _, err := uuid.Parse(c.DeviceID); err != nil {
			errs = append(errs, fmt.Errorf("device_id %q: %w", c.DeviceID, err))
		}
	}
	if _, err := uuid.Parse(c.ServiceID); err != nil {
		errs = append(errs, fmt.Errorf("service_id %q: %w", c.ServiceID, err))
	}
	if _, err := uuid.Parse(c.ChannelID); err != nil {
		errs = append(errs, fmt.Errorf("channel_id %q: %w", c.ChannelID, err))
	}
	if strings.EqualFold(c.ServiceID, c.ChannelID) {
		errs = append(errs, errors.New("service_id and channel_id must differ"))
	}
	if c.MTU < wire.DefaultMTU || c.MTU > wire.MaxMTU {
		errs = append(errs, fmt.Errorf("mtu %d outside [%d, %d]", c.MTU, wire.DefaultMTU, wire.MaxMTU))
	}
	if c.QueueDepth <= 0 {
		errs = append(errs, fmt.Errorf("queue_depth must be positive, got %d", c.QueueDepth))
	}
	if c.ScanInterval <= 0 {
		errs = append(errs, fmt.Errorf("scan_interval must be positive, got %s", c.ScanInterval))
	}
	if c.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("max_attempts must be positive, got %d", c.MaxAttempts))
	}
	if c.MaxMessageSize < 0 {
		errs = append(errs, fmt.Errorf("max_message_size must not be negative, got %d", c.MaxMessageSize))
	}
	if _, err := connection.ParsePolicy(c.ConnectPolicy); err != nil {
		errs = append(errs, err)
	}
	if _, err := transfer.ParsePolicy(c.SubmitPolicy); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Connect returns the connect policy; Validate has already rejected bad names
func (c Config) Connect() connection.ConnectPolicy {
	p, _ := connection.ParsePolicy(c.ConnectPolicy)
	return p
}

// Submit returns the submission policy; Validate has already rejected bad names
func (c Config) Submit() transfer.SubmitPolicy {
	p, _ := transfer.ParsePolicy(c.SubmitPolicy)
	return p
}

// Level returns the logger level
func (c Config) Level() logger.LogLevel {
	return logger.ParseLevel(c.LogLevel)
}

// WireOptions returns the link settings
func (c Config) WireOptions() wire.Options {
	return wire.Options{
		DataDir:      c.DataDir,
		Name:         c.Name,
		MTU:          c.MTU,
		QueueDepth:   c.QueueDepth,
		ScanInterval: c.ScanInterval,
		RSSI:         c.RSSI,
		Debug:        c.WireDebug,
	}
}
