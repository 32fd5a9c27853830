// Package config loads the server settings from the environment. A .env file
// in the working directory is read first when present.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"

	"github.com/tutorly/peerchat/internal/crypto"
)

const (
	BackendBadger   = "badger"
	BackendPostgres = "postgres"
)

type Config struct {
	ListenAddr     string        `env:"PEERCHAT_LISTEN_ADDR,default=:8080"`
	Backend        string        `env:"PEERCHAT_BACKEND,default=badger"`
	BadgerPath     string        `env:"PEERCHAT_BADGER_PATH,default=data/peerchat"`
	DBURL          string        `env:"PEERCHAT_DB_URL"`
	MasterKeyB64   string        `env:"PEERCHAT_MASTER_KEY"`
	StoreTimeout   time.Duration `env:"PEERCHAT_STORE_TIMEOUT,default=5s"`
	LogLevel       string        `env:"PEERCHAT_LOG_LEVEL,default=INFO"`
	DirectoryFile  string        `env:"PEERCHAT_DIRECTORY_FILE"`
	UserHeader     string        `env:"PEERCHAT_USER_HEADER,default=X-User-ID"`
	AdminTokenHash string        `env:"PEERCHAT_ADMIN_TOKEN_HASH"`
	TLSCertPath    string        `env:"PEERCHAT_TLS_CERT"`
	TLSKeyPath     string        `env:"PEERCHAT_TLS_KEY"`

	MasterKey []byte
}

func LoadFromEnv() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("read environment: %w", err)
	}
	cfg.Backend = strings.ToLower(strings.TrimSpace(cfg.Backend))

	if v := strings.TrimSpace(cfg.MasterKeyB64); v != "" {
		key, err := crypto.ParseKey(v)
		if err != nil {
			return Config{}, fmt.Errorf("master key: %w", err)
		}
		cfg.MasterKey = key
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	switch c.Backend {
	case BackendBadger:
		if c.BadgerPath == "" {
			return errors.New("badger path is required for the badger backend")
		}
	case BackendPostgres:
		if c.DBURL == "" {
			return errors.New("db url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if len(c.MasterKey) != crypto.KeySize {
		return errors.New("master key must be 32 bytes (base64-encoded)")
	}
	if c.StoreTimeout <= 0 {
		return errors.New("store timeout must be positive")
	}
	if strings.TrimSpace(c.UserHeader) == "" {
		return errors.New("user header is required")
	}
	if (c.TLSCertPath == "") != (c.TLSKeyPath == "") {
		return errors.New("both tls cert and key are required when enabling tls")
	}
	return nil
}
