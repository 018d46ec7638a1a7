package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/hitoshi/clothman/internal/config"
	"github.com/hitoshi/clothman/internal/mailer"
	"golang.org/x/time/rate"
)

const testJWTSecret = "test-jwt-secret-that-is-32-bytes!"

func TestInit_WithValidConfig_Succeeds(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	cfg, err := Init(&buf)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg == nil {
		t.Fatal("expected non-nil config")
	}

	if cfg.DatabaseURL != testDatabaseURL {
		t.Errorf("DatabaseURL = %q, want %q", cfg.DatabaseURL, testDatabaseURL)
	}

	// slogのグローバルロガーがJSON出力になっていることを確認する
	slog.Default().Info("init test")
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON log output, got error: %v\nraw: %s", err, buf.String())
	}
	if entry["msg"] != "init test" {
		t.Errorf("msg = %q, want %q", entry["msg"], "init test")
	}
}

func TestInit_WithMissingConfig_ReturnsError(t *testing.T) {
	t.Setenv("ENV_FILE", t.TempDir()+"/missing.env")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("JWT_SECRET", "")

	var buf bytes.Buffer
	cfg, err := Init(&buf)
	if err == nil {
		t.Fatal("expected error for missing required env vars, got nil")
	}
	if cfg != nil {
		t.Error("expected nil config on error")
	}
}

func TestInit_AppliesLogLevel(t *testing.T) {
	setTestEnv(t)
	t.Setenv("LOG_LEVEL", "warn")

	var buf bytes.Buffer
	if _, err := Init(&buf); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	slog.Default().Info("should be dropped")
	if buf.Len() != 0 {
		t.Errorf("info log should be suppressed at warn level: %s", buf.String())
	}
}

func TestMaskDatabaseURL(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "パスワードあり",
			raw:  "postgres://clothman:s3cret@db:5432/clothman?sslmode=disable",
			want: "postgres://clothman:xxxxx@db:5432/clothman?sslmode=disable",
		},
		{
			name: "パスワードなし",
			raw:  "postgres://db:5432/clothman",
			want: "postgres://db:5432/clothman",
		},
		{
			name: "URL形式でない",
			raw:  "host=db user=clothman password=s3cret",
			want: "***",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := maskDatabaseURL(tt.raw); got != tt.want {
				t.Errorf("maskDatabaseURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewRateLimiterConfig(t *testing.T) {
	cfg := &config.Config{RateLimitGeneral: 120, RateLimitAuth: 0}

	rl := newRateLimiterConfig(cfg)
	if rl.GeneralRate != rate.Limit(2) || rl.GeneralBurst != 120 {
		t.Errorf("general = (%v, %d), want (2, 120)", rl.GeneralRate, rl.GeneralBurst)
	}
	if rl.AuthRate != rate.Inf {
		t.Errorf("auth rate = %v, want Inf when disabled", rl.AuthRate)
	}
}

func TestNewNotifier(t *testing.T) {
	t.Run("APIキーなし", func(t *testing.T) {
		if _, ok := newNotifier(&config.Config{}).(*mailer.LogNotifier); !ok {
			t.Error("expected LogNotifier without API key")
		}
	})

	t.Run("APIキーあり", func(t *testing.T) {
		n := newNotifier(&config.Config{SendGridAPIKey: "SG.test", MailFrom: "no-reply@example.com"})
		if _, ok := n.(*mailer.SendGridNotifier); !ok {
			t.Error("expected SendGridNotifier with API key")
		}
	})
}
