package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel    string            `json:"log_level" yaml:"log_level"`
	LogFormat   string            `json:"log_format" yaml:"log_format"`
	Recognition RecognitionConfig `json:"recognition" yaml:"recognition"`
	Location    LocationConfig    `json:"location" yaml:"location"`
	Escalation  EscalationConfig  `json:"escalation" yaml:"escalation"`
	Notify      NotifyConfig      `json:"notify" yaml:"notify"`
	API         APIConfig         `json:"api" yaml:"api"`
	Storage     StorageConfig     `json:"storage" yaml:"storage"`
	Alerts      AlertsConfig      `json:"alerts" yaml:"alerts"`
}

type RecognitionConfig struct {
	Provider      string           `json:"provider" yaml:"provider"`
	Language      string           `json:"language" yaml:"language"`
	AutoStart     bool             `json:"auto_start" yaml:"auto_start"`
	ExtraKeywords []string         `json:"extra_keywords" yaml:"extra_keywords"`
	Kiswahili     bool             `json:"kiswahili" yaml:"kiswahili"`
	Restart       RestartConfig    `json:"restart" yaml:"restart"`
	Google        GoogleConfig     `json:"google" yaml:"google"`
	Kafka         KafkaInputConfig `json:"kafka" yaml:"kafka"`
	Lines         LinesConfig      `json:"lines" yaml:"lines"`
}

type RestartConfig struct {
	ErrorThreshold int           `json:"error_threshold" yaml:"error_threshold"`
	ErrorWindow    time.Duration `json:"error_window" yaml:"error_window"`
	BaseBackoff    time.Duration `json:"base_backoff" yaml:"base_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff" yaml:"max_backoff"`
}

type GoogleConfig struct {
	CredentialsFile string `json:"credentials_file" yaml:"credentials_file"`
	AudioSource     string `json:"audio_source" yaml:"audio_source"`
	SampleRateHz    int    `json:"sample_rate_hz" yaml:"sample_rate_hz"`
	ChunkBytes      int    `json:"chunk_bytes" yaml:"chunk_bytes"`
}

type KafkaInputConfig struct {
	Brokers      []string `json:"brokers" yaml:"brokers"`
	TopicPartial string   `json:"topic_partial" yaml:"topic_partial"`
	TopicFinal   string   `json:"topic_final" yaml:"topic_final"`
	GroupID      string   `json:"group_id" yaml:"group_id"`
}

type LinesConfig struct {
	Source string `json:"source" yaml:"source"`
}

type LocationConfig struct {
	Provider string        `json:"provider" yaml:"provider"`
	MaxAge   time.Duration `json:"max_age" yaml:"max_age"`
	Timeout  time.Duration `json:"timeout" yaml:"timeout"`
	Lat      float64       `json:"lat" yaml:"lat"`
	Lng      float64       `json:"lng" yaml:"lng"`
}

type EscalationConfig struct {
	Cooldown        time.Duration `json:"cooldown" yaml:"cooldown"`
	DispatchTimeout time.Duration `json:"dispatch_timeout" yaml:"dispatch_timeout"`
}

type NotifyConfig struct {
	Log     bool          `json:"log" yaml:"log"`
	Webhook WebhookConfig `json:"webhook" yaml:"webhook"`
	Kafka   KafkaOutput   `json:"kafka" yaml:"kafka"`
	NATS    NATSConfig    `json:"nats" yaml:"nats"`
}

type WebhookConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	URL     string `json:"url" yaml:"url"`
	Token   string `json:"token" yaml:"token"`
}

type KafkaOutput struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

type NATSConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	URL     string `json:"url" yaml:"url"`
	Subject string `json:"subject" yaml:"subject"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

type AlertsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Recognition: RecognitionConfig{
			Provider: "lines",
			Language: "en-US",
			Restart: RestartConfig{
				ErrorThreshold: 3,
				ErrorWindow:    10 * time.Second,
				BaseBackoff:    500 * time.Millisecond,
				MaxBackoff:     30 * time.Second,
			},
			Google: GoogleConfig{AudioSource: "-", SampleRateHz: 16000, ChunkBytes: 3200},
			Kafka: KafkaInputConfig{
				TopicPartial: "interaction.transcript.partial",
				TopicFinal:   "interaction.transcript.final",
				GroupID:      "distressguard",
			},
			Lines: LinesConfig{Source: "-"},
		},
		Location: LocationConfig{
			Provider: "none",
			MaxAge:   60 * time.Second,
			Timeout:  10 * time.Second,
		},
		Escalation: EscalationConfig{
			Cooldown:        5 * time.Second,
			DispatchTimeout: 10 * time.Second,
		},
		Notify: NotifyConfig{
			Log:   true,
			Kafka: KafkaOutput{Topic: "safety.alert"},
			NATS:  NATSConfig{URL: "nats://127.0.0.1:4222", Subject: "safety.alert"},
		},
		API:     APIConfig{Enabled: true, Addr: ":8085"},
		Storage: StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:distressguard.db?_pragma=busy_timeout(5000)"},
		Alerts:  AlertsConfig{StoreLimit: 200},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Recognition.Language == "" {
		cfg.Recognition.Language = def.Recognition.Language
	}
	if cfg.Recognition.Restart.ErrorThreshold <= 0 {
		cfg.Recognition.Restart.ErrorThreshold = def.Recognition.Restart.ErrorThreshold
	}
	if cfg.Recognition.Restart.ErrorWindow <= 0 {
		cfg.Recognition.Restart.ErrorWindow = def.Recognition.Restart.ErrorWindow
	}
	if cfg.Recognition.Restart.BaseBackoff <= 0 {
		cfg.Recognition.Restart.BaseBackoff = def.Recognition.Restart.BaseBackoff
	}
	if cfg.Recognition.Restart.MaxBackoff <= 0 {
		cfg.Recognition.Restart.MaxBackoff = def.Recognition.Restart.MaxBackoff
	}
	if cfg.Recognition.Google.SampleRateHz <= 0 {
		cfg.Recognition.Google.SampleRateHz = def.Recognition.Google.SampleRateHz
	}
	if cfg.Recognition.Google.ChunkBytes <= 0 {
		cfg.Recognition.Google.ChunkBytes = def.Recognition.Google.ChunkBytes
	}
	if cfg.Location.MaxAge <= 0 {
		cfg.Location.MaxAge = def.Location.MaxAge
	}
	if cfg.Location.Timeout <= 0 {
		cfg.Location.Timeout = def.Location.Timeout
	}
	if cfg.Escalation.Cooldown <= 0 {
		cfg.Escalation.Cooldown = def.Escalation.Cooldown
	}
	if cfg.Escalation.DispatchTimeout <= 0 {
		cfg.Escalation.DispatchTimeout = def.Escalation.DispatchTimeout
	}
	if cfg.Alerts.StoreLimit <= 0 {
		cfg.Alerts.StoreLimit = def.Alerts.StoreLimit
	}
}

func Validate(cfg *Config) error {
	switch strings.ToLower(cfg.Recognition.Provider) {
	case "", "none", "lines":
	case "tail":
		src := cfg.Recognition.Lines.Source
		if src == "" || src == "-" || strings.HasPrefix(src, "tcp://") {
			return errors.New("recognition.lines.source must be a file path when provider is tail")
		}
	case "google":
		if cfg.Recognition.Google.AudioSource == "" {
			return errors.New("recognition.google.audio_source required when provider is google")
		}
	case "kafka":
		k := cfg.Recognition.Kafka
		if len(k.Brokers) == 0 || (k.TopicPartial == "" && k.TopicFinal == "") {
			return errors.New("recognition.kafka requires brokers and at least one topic")
		}
	default:
		return fmt.Errorf("unsupported recognition.provider: %q", cfg.Recognition.Provider)
	}
	switch strings.ToLower(cfg.Location.Provider) {
	case "", "none":
	case "static":
		if cfg.Location.Lat < -90 || cfg.Location.Lat > 90 || cfg.Location.Lng < -180 || cfg.Location.Lng > 180 {
			return errors.New("location.lat/lng out of range")
		}
	default:
		return fmt.Errorf("unsupported location.provider: %q", cfg.Location.Provider)
	}
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Notify.Webhook.Enabled && cfg.Notify.Webhook.URL == "" {
		return errors.New("notify.webhook.url required when notify.webhook.enabled is true")
	}
	if cfg.Notify.Kafka.Enabled && (len(cfg.Notify.Kafka.Brokers) == 0 || cfg.Notify.Kafka.Topic == "") {
		return errors.New("notify.kafka requires brokers and topic")
	}
	if cfg.Notify.NATS.Enabled && (cfg.Notify.NATS.URL == "" || cfg.Notify.NATS.Subject == "") {
		return errors.New("notify.nats requires url and subject")
	}
	if cfg.Recognition.Restart.MaxBackoff < cfg.Recognition.Restart.BaseBackoff {
		return errors.New("recognition.restart.max_backoff must be >= base_backoff")
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps an in-memory config with no backing file. Reload and
// Watch are no-ops for it.
func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if m.path == "" {
		return
	}
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
