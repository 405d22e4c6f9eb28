package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"wlink-home/internal/atcore"
	"wlink-home/internal/gateway"
	"wlink-home/internal/ncp"
	"wlink-home/internal/store"
	"wlink-home/internal/transport"
	"wlink-home/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	NCP struct {
		Port       string `yaml:"port"`
		Baud       int    `yaml:"baud"`
		BufferSize int    `yaml:"buffer_size"`
	} `yaml:"ncp"`
	WiFi struct {
		SSID     string `yaml:"ssid"`
		Password string `yaml:"password"`
		Hostname string `yaml:"hostname"`
	} `yaml:"wifi"`
	BLE struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"ble"`
	// NCPMQTT is the broker session for the NCP's own MQTT client, carried
	// over the radio. The host-side bridge below is a separate connection.
	NCPMQTT struct {
		Enabled   bool     `yaml:"enabled"`
		Host      string   `yaml:"host"`
		Port      int      `yaml:"port"`
		ClientID  string   `yaml:"client_id"`
		Username  string   `yaml:"username"`
		Password  string   `yaml:"password"`
		Subscribe []string `yaml:"subscribe"`
	} `yaml:"ncp_mqtt"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Telegram struct {
		BotToken string   `yaml:"bot_token"`
		ChatIDs  []string `yaml:"chat_ids"`
	} `yaml:"telegram"`
	Exec struct {
		Allowlist []string `yaml:"allowlist"`
		Timeout   string   `yaml:"timeout"`
	} `yaml:"exec"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	if c.NCP.Port == "" {
		return fmt.Errorf("ncp.port is required")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt.enabled")
	}
	if c.NCPMQTT.Enabled && c.NCPMQTT.Host == "" {
		return fmt.Errorf("ncp_mqtt.host is required when ncp_mqtt.enabled")
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	// Create configured logger.
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("wlink-home starting", "version", version)

	// Open store
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	// Open the NCP serial link and bring the engine up.
	port, err := transport.OpenSerial(cfg.NCP.Port, cfg.NCP.Baud)
	if err != nil {
		logger.Error("open serial port", "port", cfg.NCP.Port, "err", err)
		os.Exit(1)
	}
	logger.Info("serial port open", "port", cfg.NCP.Port, "baud", cfg.NCP.Baud)

	engine := atcore.New(port, atcore.Config{BufferSize: cfg.NCP.BufferSize}, logger)
	engine.Run()

	drv := ncp.NewDriver(engine, logger)
	defer drv.Close()

	// Create and start the gateway.
	events := gateway.NewEventBus(logger)
	gw := gateway.New(drv, db, events, gateway.Config{
		Hostname:  cfg.WiFi.Hostname,
		SSID:      cfg.WiFi.SSID,
		Password:  cfg.WiFi.Password,
		EnableBLE: cfg.BLE.Enabled,
	}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	if err := gw.Start(ctx); err != nil {
		logger.Error("start gateway", "err", err)
		cancel()
		os.Exit(1)
	}

	if cfg.NCPMQTT.Enabled {
		if err := connectNCPBroker(ctx, drv, cfg, logger); err != nil {
			logger.Warn("ncp mqtt broker", "err", err)
		}
	}
	cancel()

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(gw, cfg, logger)

	// Start web server
	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))
	webOpts = append(webOpts, autoWebOpts...)

	webServer := web.NewServer(gw, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(gw, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	gw.Stop()

	logger.Info("goodbye")
}

// connectNCPBroker brings the radio-side MQTT client up and installs the
// configured subscriptions.
func connectNCPBroker(ctx context.Context, drv *ncp.Driver, cfg *Config, logger *slog.Logger) error {
	if err := drv.ConfigureMQTT(ctx, ncp.MQTTConfig{
		Scheme:   1, // plain TCP
		ClientID: cfg.NCPMQTT.ClientID,
		Username: cfg.NCPMQTT.Username,
		Password: cfg.NCPMQTT.Password,
	}); err != nil {
		return fmt.Errorf("configure: %w", err)
	}
	if err := drv.MQTTConnect(ctx, cfg.NCPMQTT.Host, cfg.NCPMQTT.Port, true); err != nil {
		return fmt.Errorf("connect %s:%d: %w", cfg.NCPMQTT.Host, cfg.NCPMQTT.Port, err)
	}
	logger.Info("ncp mqtt connected", "host", cfg.NCPMQTT.Host, "port", cfg.NCPMQTT.Port)

	for _, topic := range cfg.NCPMQTT.Subscribe {
		if err := drv.MQTTSubscribe(ctx, topic, 0); err != nil {
			logger.Warn("ncp mqtt subscribe", "topic", topic, "err", err)
		}
	}
	return nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "wlink-home.db"
	}
	if cfg.NCP.Baud == 0 {
		cfg.NCP.Baud = 115200
	}
	if cfg.NCPMQTT.Port == 0 {
		cfg.NCPMQTT.Port = 1883
	}
	if cfg.NCPMQTT.ClientID == "" {
		cfg.NCPMQTT.ClientID = "wlink-ncp"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "wlink"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
