package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math/bits"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"

	"dragnshare/chunk"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "dragnshare"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "DRAGNSHARE_DATA_DIR"
	// DefaultChunkSize is the plaintext chunk size used when no override exists.
	DefaultChunkSize = chunk.DefaultSize
	// MaxChunkSize caps chunk_size so one encoded add-chunk frame stays under the relay read limit.
	MaxChunkSize = chunk.MaxSize
	// DefaultLivenessTimeoutSeconds aborts transfers idle for this long.
	DefaultLivenessTimeoutSeconds = 120
	// DefaultRelayListen is the address `dragnshare relay` binds by default.
	DefaultRelayListen = ":7879"
	// DefaultSession is the session joined when none is configured.
	DefaultSession = "default"
	// EncodingBase64 sends chunk ciphertext as standard base64.
	EncodingBase64 = "base64"
	// EncodingHex sends chunk ciphertext as lowercase hex.
	EncodingHex = "hex"
	// DefaultLogLevel is used when log_level is empty or unknown.
	DefaultLogLevel = "info"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// PeerConfig contains persistent local-peer settings.
type PeerConfig struct {
	PeerID                 string `json:"peer_id"`
	PeerName               string `json:"peer_name"`
	RelayURL               string `json:"relay_url"`
	Session                string `json:"session"`
	Token                  string `json:"token"`
	ChunkSize              int    `json:"chunk_size"`
	ChunkEncoding          string `json:"chunk_encoding"`
	LivenessTimeoutSeconds int    `json:"liveness_timeout_seconds"`
	DownloadDir            string `json:"download_dir"`
	RelayListen            string `json:"relay_listen"`
	Discovery              bool   `json:"discovery"`
	LogLevel               string `json:"log_level"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If DRAGNSHARE_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "downloads"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*PeerConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg PeerConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *PeerConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist in the resolved data
// directory, then returns the config, its path and the data directory.
func LoadOrCreate() (*PeerConfig, string, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", "", err
	}
	cfg, cfgPath, err := LoadOrCreateIn(dataDir)
	if err != nil {
		return nil, "", "", err
	}
	return cfg, cfgPath, dataDir, nil
}

// LoadOrCreateIn is LoadOrCreate for an explicit data directory.
func LoadOrCreateIn(dataDir string) (*PeerConfig, string, error) {
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *PeerConfig {
	return &PeerConfig{
		PeerID:                 uuid.NewString(),
		PeerName:               defaultPeerName(),
		Session:                DefaultSession,
		ChunkSize:              DefaultChunkSize,
		ChunkEncoding:          EncodingBase64,
		LivenessTimeoutSeconds: DefaultLivenessTimeoutSeconds,
		DownloadDir:            filepath.Join(dataDir, "downloads"),
		RelayListen:            DefaultRelayListen,
		Discovery:              true,
		LogLevel:               DefaultLogLevel,
	}
}

func defaultPeerName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "dragnshare peer"
}

func normalizeDefaults(cfg *PeerConfig, dataDir string) bool {
	updated := false

	if cfg.PeerID == "" {
		cfg.PeerID = uuid.NewString()
		updated = true
	}

	if cfg.PeerName == "" {
		cfg.PeerName = defaultPeerName()
		updated = true
	}

	if strings.TrimSpace(cfg.Session) == "" {
		cfg.Session = DefaultSession
		updated = true
	}

	if size := NormalizeChunkSize(cfg.ChunkSize); size != cfg.ChunkSize {
		cfg.ChunkSize = size
		updated = true
	}

	if encoding := normalizeEncoding(cfg.ChunkEncoding); encoding != cfg.ChunkEncoding {
		cfg.ChunkEncoding = encoding
		updated = true
	}

	if cfg.LivenessTimeoutSeconds <= 0 {
		cfg.LivenessTimeoutSeconds = DefaultLivenessTimeoutSeconds
		updated = true
	}

	if cfg.DownloadDir == "" {
		cfg.DownloadDir = filepath.Join(dataDir, "downloads")
		updated = true
	}

	if cfg.RelayListen == "" {
		cfg.RelayListen = DefaultRelayListen
		updated = true
	}

	if level := NormalizeLogLevel(cfg.LogLevel); level != cfg.LogLevel {
		cfg.LogLevel = level
		updated = true
	}

	return updated
}

// NormalizeChunkSize rounds size up to a power of two within
// [1 KiB, MaxChunkSize]. Zero or negative selects DefaultChunkSize.
func NormalizeChunkSize(size int) int {
	if size <= 0 {
		return DefaultChunkSize
	}
	if size < 1024 {
		size = 1024
	}
	if size > MaxChunkSize {
		return MaxChunkSize
	}
	if size&(size-1) == 0 {
		return size
	}
	return 1 << bits.Len(uint(size))
}

func normalizeEncoding(encoding string) string {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case EncodingHex:
		return EncodingHex
	default:
		return EncodingBase64
	}
}

// NormalizeLogLevel maps a level name to debug, info, warn or error.
func NormalizeLogLevel(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return "debug"
	case "warn", "warning":
		return "warn"
	case "error":
		return "error"
	default:
		return DefaultLogLevel
	}
}
