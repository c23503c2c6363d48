package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"

	"github.com/user/blue-transfer/config"
	"github.com/user/blue-transfer/logger"
	"github.com/user/blue-transfer/metrics"
	"github.com/user/blue-transfer/util"
	"github.com/user/blue-transfer/wire"
)

const prefix = "CLI"

// resolveConfig layers the config file, then BLUE_TRANSFER_* env vars, then
// flags over the defaults
func resolveConfig(v *viper.Viper) (config.Config, error) {
	cfg := config.Default()
	if path := v.GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}

	if v.IsSet("data_dir") {
		cfg.DataDir = v.GetString("data_dir")
	}
	if v.IsSet("device_id") {
		cfg.DeviceID = v.GetString("device_id")
	}
	if v.IsSet("name") {
		cfg.Name = v.GetString("name")
	}
	if v.IsSet("log_level") {
		cfg.LogLevel = v.GetString("log_level")
	}
	if v.IsSet("metrics_addr") {
		cfg.MetricsAddr = v.GetString("metrics_addr")
	}
	if v.IsSet("wire_debug") {
		cfg.WireDebug = v.GetBool("wire_debug")
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// deviceID returns the configured ID, or a fresh one for this run
func deviceID(cfg config.Config) string {
	if cfg.DeviceID != "" {
		return strings.ToUpper(cfg.DeviceID)
	}
	return strings.ToUpper(uuid.NewString())
}

func inboxDir(cfg config.Config, id string) string {
	switch {
	case cfg.InboxDir != "":
		return cfg.InboxDir
	case cfg.DataDir != "":
		return filepath.Join(util.DeviceDir(cfg.DataDir, id), "inbox")
	default:
		return util.GetInboxDir(id)
	}
}

// session is the wire plus metrics shared by send and receive
type session struct {
	id      string
	cfg     config.Config
	wire    *wire.Wire
	metrics *metrics.Transfer
	server  *http.Server
}

func startSession(v *viper.Viper) (*session, error) {
	cfg, err := resolveConfig(v)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(cfg.Level())
	logger.DebugJSON(prefix, "Config", cfg)

	s := &session{
		id:      deviceID(cfg),
		cfg:     cfg,
		metrics: metrics.New(),
	}

	s.wire = wire.New(s.id, cfg.WireOptions())
	if err := s.wire.Start(); err != nil {
		return nil, fmt.Errorf("start wire: %w", err)
	}
	logger.Info(prefix, "🆔 Device %s", s.id)

	if cfg.MetricsAddr != "" {
		s.server = serveMetrics(cfg.MetricsAddr, s.metrics)
	}
	return s, nil
}

func (s *session) close() {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			logger.Warn(prefix, "Metrics server shutdown: %v", err)
		}
	}
	s.wire.Stop()
}

func serveMetrics(addr string, m *metrics.Transfer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Info(prefix, "📈 Metrics on http://%s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(prefix, "Metrics server: %v", err)
		}
	}()
	return srv
}
