package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel     string             `json:"log_level" yaml:"log_level"`
	LogFormat    string             `json:"log_format" yaml:"log_format"`
	Workers      int                `json:"workers" yaml:"workers"`
	Segmentation SegmentationConfig `json:"segmentation" yaml:"segmentation"`
	Taps         TapConfig          `json:"taps" yaml:"taps"`
	Ingest       IngestConfig       `json:"ingest" yaml:"ingest"`
	Storage      StorageConfig      `json:"storage" yaml:"storage"`
	Publish      PublishConfig      `json:"publish" yaml:"publish"`
	API          APIConfig          `json:"api" yaml:"api"`
	Results      StoreConfig        `json:"results" yaml:"results"`
	Notices      StoreConfig        `json:"notices" yaml:"notices"`
}

type SegmentationConfig struct {
	WindowsPerSecond  int           `json:"windows_per_second" yaml:"windows_per_second"`
	BufferWindows     int           `json:"buffer_windows" yaml:"buffer_windows"`
	ActivityRatio     float64       `json:"activity_ratio" yaml:"activity_ratio"`
	MinActiveWindows  int           `json:"min_active_windows" yaml:"min_active_windows"`
	ThresholdSD       float64       `json:"threshold_sd" yaml:"threshold_sd"`
	MergeGap          time.Duration `json:"merge_gap" yaml:"merge_gap"`
	MinBlockLength    time.Duration `json:"min_block_length" yaml:"min_block_length"`
	SelectBlockLength time.Duration `json:"select_block_length" yaml:"select_block_length"`
}

type TapConfig struct {
	PosPeakDistance      time.Duration `json:"pos_peak_distance" yaml:"pos_peak_distance"`
	NegPeakDistance      time.Duration `json:"neg_peak_distance" yaml:"neg_peak_distance"`
	NegPeakFloor         float64       `json:"neg_peak_floor" yaml:"neg_peak_floor"`
	NegPeakProminence    float64       `json:"neg_peak_prominence" yaml:"neg_peak_prominence"`
	ImpactMinDistance    time.Duration `json:"impact_min_distance" yaml:"impact_min_distance"`
	ImpactHeightSD       float64       `json:"impact_height_sd" yaml:"impact_height_sd"`
	ImpactHeightFraction float64       `json:"impact_height_fraction" yaml:"impact_height_fraction"`
	ImpactDebounce       time.Duration `json:"impact_debounce" yaml:"impact_debounce"`
	BackfillOffset       int           `json:"backfill_offset" yaml:"backfill_offset"`
}

type IngestConfig struct {
	ChannelBuffer     int           `json:"channel_buffer" yaml:"channel_buffer"`
	DefaultSampleRate float64       `json:"default_sample_rate" yaml:"default_sample_rate"`
	DedupeWindow      time.Duration `json:"dedupe_window" yaml:"dedupe_window"`
	RateLimit         float64       `json:"rate_limit" yaml:"rate_limit"`
	RateBurst         int           `json:"rate_burst" yaml:"rate_burst"`
	DirScan           DirScanConfig `json:"dir_scan" yaml:"dir_scan"`
	Kafka             KafkaConfig   `json:"kafka" yaml:"kafka"`
}

type DirScanConfig struct {
	Enabled  bool          `json:"enabled" yaml:"enabled"`
	Dir      string        `json:"dir" yaml:"dir"`
	Pattern  string        `json:"pattern" yaml:"pattern"`
	Interval time.Duration `json:"interval" yaml:"interval"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type PublishConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
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

type StoreConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

func DefaultSegmentation() SegmentationConfig {
	return SegmentationConfig{
		WindowsPerSecond:  8,
		BufferWindows:     5,
		ActivityRatio:     0.3,
		MinActiveWindows:  2,
		ThresholdSD:       0.5,
		MergeGap:          2 * time.Second,
		MinBlockLength:    2500 * time.Millisecond,
		SelectBlockLength: 3 * time.Second,
	}
}

func DefaultTaps() TapConfig {
	return TapConfig{
		PosPeakDistance:      50 * time.Millisecond,
		NegPeakDistance:      50 * time.Millisecond,
		NegPeakFloor:         5e-8,
		NegPeakProminence:    0.05,
		ImpactMinDistance:    50 * time.Millisecond,
		ImpactHeightSD:       2.0,
		ImpactHeightFraction: 0.5,
		ImpactDebounce:       15 * time.Millisecond,
		BackfillOffset:       5,
	}
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:     "info",
		LogFormat:    "json",
		Workers:      4,
		Segmentation: DefaultSegmentation(),
		Taps:         DefaultTaps(),
		Ingest: IngestConfig{
			ChannelBuffer:     256,
			DefaultSampleRate: 250,
			DedupeWindow:      10 * time.Minute,
			RateBurst:         1,
			DirScan:           DirScanConfig{Enabled: false, Pattern: "*.csv", Interval: 2 * time.Second},
			Kafka:             KafkaConfig{Enabled: false},
		},
		Storage: StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:retap.db?_pragma=busy_timeout(5000)"},
		Publish: PublishConfig{Enabled: false},
		API:     APIConfig{Enabled: true, Addr: ":8081"},
		Results: StoreConfig{StoreLimit: 1000},
		Notices: StoreConfig{StoreLimit: 1000},
	}
}

func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(content)
}

// Parse decodes a JSON or YAML document over DefaultConfig, so omitted keys
// keep their defaults.
func Parse(content []byte) (*Config, error) {
	trimmed := strings.TrimSpace(string(content))
	if trimmed == "" {
		return nil, errors.New("config file is empty")
	}
	cfg := DefaultConfig()
	var err error
	if looksLikeJSON(trimmed) {
		err = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		err = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
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
	if strings.EqualFold(filepath.Ext(path), ".json") {
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
	seg := DefaultSegmentation()
	if cfg.Segmentation.WindowsPerSecond <= 0 {
		cfg.Segmentation.WindowsPerSecond = seg.WindowsPerSecond
	}
	if cfg.Segmentation.ThresholdSD <= 0 {
		cfg.Segmentation.ThresholdSD = seg.ThresholdSD
	}
	if cfg.Taps.ImpactMinDistance <= 0 {
		cfg.Taps.ImpactMinDistance = DefaultTaps().ImpactMinDistance
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Results.StoreLimit <= 0 {
		cfg.Results.StoreLimit = 1000
	}
	if cfg.Notices.StoreLimit <= 0 {
		cfg.Notices.StoreLimit = 1000
	}
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = 256
	}
	if cfg.Ingest.DefaultSampleRate <= 0 {
		cfg.Ingest.DefaultSampleRate = 250
	}
	if cfg.Ingest.RateBurst <= 0 {
		cfg.Ingest.RateBurst = 1
	}
	if cfg.Ingest.DirScan.Pattern == "" {
		cfg.Ingest.DirScan.Pattern = "*.csv"
	}
}

func Validate(cfg *Config) error {
	if cfg.Workers < 1 {
		return errors.New("workers must be >= 1")
	}
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.DirScan.Enabled && cfg.Ingest.DirScan.Dir == "" {
		return errors.New("ingest.dir_scan.dir required when ingest.dir_scan.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Ingest.RateLimit < 0 {
		return errors.New("ingest.rate_limit must be >= 0")
	}
	if cfg.Publish.Enabled && (len(cfg.Publish.Brokers) == 0 || cfg.Publish.Topic == "") {
		return errors.New("publish requires brokers and topic")
	}
	if err := ValidateSegmentation(cfg.Segmentation); err != nil {
		return err
	}
	return ValidateTaps(cfg.Taps)
}

func ValidateSegmentation(seg SegmentationConfig) error {
	if seg.WindowsPerSecond <= 0 {
		return errors.New("segmentation.windows_per_second must be > 0")
	}
	if seg.BufferWindows < 0 {
		return errors.New("segmentation.buffer_windows must be >= 0")
	}
	if seg.ActivityRatio < 0 || seg.ActivityRatio > 1 {
		return fmt.Errorf("segmentation.activity_ratio out of range: %v", seg.ActivityRatio)
	}
	if seg.MinActiveWindows < 0 {
		return errors.New("segmentation.min_active_windows must be >= 0")
	}
	if seg.ThresholdSD <= 0 {
		return errors.New("segmentation.threshold_sd must be > 0")
	}
	if seg.MergeGap < 0 || seg.MinBlockLength < 0 || seg.SelectBlockLength < 0 {
		return errors.New("segmentation durations must not be negative")
	}
	return nil
}

func ValidateTaps(tc TapConfig) error {
	if tc.PosPeakDistance < 0 || tc.NegPeakDistance < 0 || tc.ImpactDebounce < 0 {
		return errors.New("taps durations must not be negative")
	}
	if tc.ImpactMinDistance <= 0 {
		return errors.New("taps.impact_min_distance must be > 0")
	}
	if tc.NegPeakProminence < 0 || tc.ImpactHeightSD < 0 || tc.ImpactHeightFraction < 0 {
		return errors.New("taps thresholds must not be negative")
	}
	if tc.BackfillOffset < 0 {
		return errors.New("taps.backfill_offset must be >= 0")
	}
	return nil
}

// Manager holds the active configuration. A manager without a path serves a
// fixed configuration and never reloads.
type Manager struct {
	path    string
	cfg     atomic.Pointer[Config]
	modTime atomic.Int64
}

func NewManager(path string) (*Manager, error) {
	if path == "" {
		return NewStatic(DefaultConfig()), nil
	}
	m := &Manager{path: path}
	if _, err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

func NewStatic(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if cfg := m.cfg.Load(); cfg != nil {
		return cfg
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
		return nil, fmt.Errorf("load %s: %w", m.path, err)
	}
	m.cfg.Store(cfg)
	m.touch()
	return cfg, nil
}

// Update validates cfg, writes it back to the config file when there is one
// and makes it active.
func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := Validate(cfg); err != nil {
		return err
	}
	if m.path != "" {
		if err := Save(m.path, cfg); err != nil {
			return err
		}
		m.touch()
	}
	m.cfg.Store(cfg)
	return nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().UnixNano() > m.modTime.Load(), nil
}

func (m *Manager) touch() {
	if info, err := os.Stat(m.path); err == nil {
		m.modTime.Store(info.ModTime().UnixNano())
	}
}

// Watch polls the config file until ctx is done and calls onReload with every
// configuration that loads and validates.
func (m *Manager) Watch(ctx context.Context, interval time.Duration, onReload func(*Config), onError func(error)) {
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
			if err == nil && needs {
				var cfg *Config
				if cfg, err = m.Reload(); err == nil && onReload != nil {
					onReload(cfg)
				}
			}
			if err != nil && onError != nil {
				onError(err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
