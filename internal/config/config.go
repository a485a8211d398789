// Package config loads the client configuration from an optional YAML file,
// MESHCALL_* environment variables and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/spf13/viper"
)

// Config is the resolved client configuration.
type Config struct {
	ServerURL        string        `mapstructure:"server_url"`
	Token            string        `mapstructure:"token"`
	Identity         string        `mapstructure:"identity"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	ReadyTimeout     time.Duration `mapstructure:"ready_timeout"`
	ReconnectDelay   time.Duration `mapstructure:"reconnect_delay"`
	RingTimeout      time.Duration `mapstructure:"ring_timeout"`
	ChunkSize        int           `mapstructure:"chunk_size"`
	FileRetention    time.Duration `mapstructure:"file_retention"`
	OfferDedupWindow time.Duration `mapstructure:"offer_dedup_window"`
	STUNServers      []string      `mapstructure:"stun_servers"`
	DownloadDir      string        `mapstructure:"download_dir"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("server_url", "ws://localhost:8081")
	v.SetDefault("token", "")
	v.SetDefault("identity", "")
	v.SetDefault("connect_timeout", "8s")
	v.SetDefault("ready_timeout", "6s")
	v.SetDefault("reconnect_delay", "1.5s")
	v.SetDefault("ring_timeout", "30s")
	v.SetDefault("chunk_size", 16384)
	v.SetDefault("file_retention", "60s")
	v.SetDefault("offer_dedup_window", "5s")
	v.SetDefault("stun_servers", []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"})
	v.SetDefault("download_dir", ".")
}

// Load reads path when it is non-empty, then applies the environment. A
// missing file is an error only when path was given explicitly.
func Load(path string) (*Config, error) {
	v := viper.New()
	defaults(v)
	v.SetEnvPrefix("MESHCALL")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Resolve fills Identity from Token when unset and checks the result.
func (c *Config) Resolve() error {
	c.ServerURL = strings.TrimRight(c.ServerURL, "/")
	if c.ServerURL == "" {
		return errors.New("server_url is required")
	}
	if c.Identity == "" && c.Token != "" {
		id, err := IdentityFromToken(c.Token)
		if err != nil {
			return err
		}
		c.Identity = id
	}
	if c.Identity == "" {
		return errors.New("identity is required (set identity or a token with an email claim)")
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive, got %d", c.ChunkSize)
	}
	return nil
}

// IdentityFromToken returns the email (or subject) claim of an access
// token. The signature is not checked; the server does that.
func IdentityFromToken(token string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	for _, k := range []string{"email", "sub"} {
		if s, ok := claims[k].(string); ok && s != "" {
			return s, nil
		}
	}
	return "", errors.New("token carries no email or sub claim")
}
