package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"

	"github.com/1ureka/meshcall/internal/config"
)

func TestDefaults(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ServerURL != "ws://localhost:8081" || cfg.ConnectTimeout != 8*time.Second ||
		cfg.ReconnectDelay != 1500*time.Millisecond || cfg.RingTimeout != 30*time.Second ||
		cfg.ChunkSize != 16384 || len(cfg.STUNServers) != 2 {
		t.Errorf("defaults = %+v", cfg)
	}
}

func TestFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meshcall.yaml")
	data := "server_url: wss://call.example.com/\nring_timeout: 10s\nchunk_size: 8192\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MESHCALL_IDENTITY", "alice@example.com")
	t.Setenv("MESHCALL_RING_TIMEOUT", "12s")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Resolve(); err != nil {
		t.Fatal(err)
	}
	if cfg.ServerURL != "wss://call.example.com" {
		t.Errorf("server url = %q", cfg.ServerURL)
	}
	if cfg.RingTimeout != 12*time.Second || cfg.ChunkSize != 8192 || cfg.Identity != "alice@example.com" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestMissingExplicitFile(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("missing file accepted")
	}
}

func TestIdentityFromToken(t *testing.T) {
	sign := func(claims jwt.MapClaims) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
		if err != nil {
			t.Fatal(err)
		}
		return s
	}

	tests := []struct {
		name   string
		claims jwt.MapClaims
		want   string
	}{
		{"email", jwt.MapClaims{"email": "bob@x.io", "sub": "42"}, "bob@x.io"},
		{"subject", jwt.MapClaims{"sub": "carol@x.io"}, "carol@x.io"},
		{"none", jwt.MapClaims{"role": "user"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := config.IdentityFromToken(sign(tt.claims))
			if tt.want == "" {
				if err == nil {
					t.Errorf("got %q, want error", got)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("got %q, %v; want %q", got, err, tt.want)
			}
		})
	}

	cfg := &config.Config{ServerURL: "ws://h", Token: sign(jwt.MapClaims{"sub": "dave"}), ChunkSize: 1}
	if err := cfg.Resolve(); err != nil || cfg.Identity != "dave" {
		t.Errorf("Resolve: %v, identity %q", err, cfg.Identity)
	}
	if _, err := config.IdentityFromToken("not-a-token"); err == nil {
		t.Error("garbage token accepted")
	}
}
