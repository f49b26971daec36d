package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rowjay/backup-export/internal/cryptoutil"
)

const (
	envPrefix = "BEX"
)

// Load reads configuration from a file (optionally encrypted), env vars, and defaults.
func Load(path string) (*Config, error) {
	vp := viper.New()
	vp.SetEnvPrefix(envPrefix)
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	setDefaults(vp)

	resolved, err := resolveConfigPath(path)
	if err != nil {
		return nil, err
	}

	if resolved != "" {
		data, readErr := os.ReadFile(resolved)
		if readErr != nil {
			return nil, fmt.Errorf("read config: %w", readErr)
		}
		if isEncryptedPath(resolved) {
			if typ := configTypeFromPath(resolved); typ != "" {
				vp.SetConfigType(typ)
			}
			key := os.Getenv("BEX_CONFIG_KEY")
			if key == "" {
				key = vp.GetString("global.config_passphrase")
			}
			if key == "" {
				return nil, errors.New("config file is encrypted but BEX_CONFIG_KEY is not set")
			}
			plain, decErr := decryptConfig(data, key)
			if decErr != nil {
				return nil, fmt.Errorf("decrypt config: %w", decErr)
			}
			if err := vp.ReadConfig(bytes.NewReader(plain)); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		} else {
			vp.SetConfigFile(resolved)
			if err := vp.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := vp.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	expandEnv(&cfg)
	applyPostLoadDefaults(&cfg)
	return &cfg, nil
}

func resolveConfigPath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	if envPath := os.Getenv("BEX_CONFIG"); envPath != "" {
		return envPath, nil
	}

	candidates := []string{
		"bex.yaml",
		"bex.yml",
		"bex.toml",
		"bex.json",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}

	configDir, err := os.UserConfigDir()
	if err == nil {
		base := filepath.Join(configDir, "bex")
		for _, c := range candidates {
			p := filepath.Join(base, c)
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
		}
		for _, c := range []string{"bex.yaml.enc", "bex.yml.enc", "bex.toml.enc"} {
			p := filepath.Join(base, c)
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
		}
	}

	return "", nil
}

func isEncryptedPath(path string) bool {
	return strings.HasSuffix(path, ".enc") || strings.HasSuffix(path, ".encrypted")
}

func configTypeFromPath(path string) string {
	switch {
	case strings.HasSuffix(path, ".toml") || strings.HasSuffix(path, ".toml.enc") || strings.HasSuffix(path, ".toml.encrypted"):
		return "toml"
	case strings.HasSuffix(path, ".json") || strings.HasSuffix(path, ".json.enc") || strings.HasSuffix(path, ".json.encrypted"):
		return "json"
	default:
		return "yaml"
	}
}

func setDefaults(vp *viper.Viper) {
	vp.SetDefault("global.log_level", "info")
	vp.SetDefault("global.log_format", "json")
	vp.SetDefault("global.operation_timeout", "12h")
	vp.SetDefault("export.volume_poll_interval", "60s")
	vp.SetDefault("export.export_poll_interval", "30m")
	vp.SetDefault("export.detach_wait", "2m")
	vp.SetDefault("export.delete_retries", 3)
	vp.SetDefault("export.retry_count", 3)
	vp.SetDefault("export.retry_backoff", "10s")
	vp.SetDefault("worker.mode", "batch")
	vp.SetDefault("worker.poll_interval", "30s")
	vp.SetDefault("worker.lock_dir", "/var/lock")
	vp.SetDefault("worker.device_dir", "/dev")
	vp.SetDefault("worker.mount_dir", "/mnt/bex")
	vp.SetDefault("worker.device_wait", "90s")
	vp.SetDefault("worker.compression", "gzip")
	vp.SetDefault("storage.backend", "local")
	vp.SetDefault("storage.local.path", "./state")
	vp.SetDefault("storage.prefix", "checkpoints")
}

func applyPostLoadDefaults(cfg *Config) {
	if cfg.Export.RetryBackoff == 0 {
		cfg.Export.RetryBackoff = 10 * time.Second
	}
	if cfg.Export.VolumePollInterval == 0 {
		cfg.Export.VolumePollInterval = time.Minute
	}
	if cfg.Export.ExportPollInterval == 0 {
		cfg.Export.ExportPollInterval = 30 * time.Minute
	}
	if cfg.Export.DetachWait == 0 {
		cfg.Export.DetachWait = 2 * time.Minute
	}
	if cfg.Export.DeleteRetries == 0 {
		cfg.Export.DeleteRetries = 3
	}
	if cfg.Global.OperationTimeout == 0 {
		cfg.Global.OperationTimeout = 12 * time.Hour
	}
}

func expandEnv(cfg *Config) {
	cfg.AWS.AccessKey = os.ExpandEnv(cfg.AWS.AccessKey)
	cfg.AWS.SecretKey = os.ExpandEnv(cfg.AWS.SecretKey)
	cfg.AWS.SessionToken = os.ExpandEnv(cfg.AWS.SessionToken)
	cfg.Worker.EncryptionKey = os.ExpandEnv(cfg.Worker.EncryptionKey)
	cfg.Storage.S3.AccessKey = os.ExpandEnv(cfg.Storage.S3.AccessKey)
	cfg.Storage.S3.SecretKey = os.ExpandEnv(cfg.Storage.S3.SecretKey)
	cfg.Storage.S3.SessionToken = os.ExpandEnv(cfg.Storage.S3.SessionToken)
	cfg.Notifications = expandNotificationEnv(cfg.Notifications)
}

func expandNotificationEnv(cfg NotificationsConfig) NotificationsConfig {
	for i := range cfg.Webhooks {
		cfg.Webhooks[i].URL = os.ExpandEnv(cfg.Webhooks[i].URL)
	}
	for i := range cfg.Mattermost {
		cfg.Mattermost[i].URL = os.ExpandEnv(cfg.Mattermost[i].URL)
	}
	for i := range cfg.Matrix {
		cfg.Matrix[i].ServerURL = os.ExpandEnv(cfg.Matrix[i].ServerURL)
		cfg.Matrix[i].AccessToken = os.ExpandEnv(cfg.Matrix[i].AccessToken)
		cfg.Matrix[i].RoomID = os.ExpandEnv(cfg.Matrix[i].RoomID)
	}
	return cfg
}

func decryptConfig(ciphertext []byte, key string) ([]byte, error) {
	parsed, err := cryptoutil.ParseKey(key)
	if err != nil {
		return nil, err
	}
	return cryptoutil.DecryptConfig(ciphertext, parsed)
}
