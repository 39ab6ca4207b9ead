package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Gate.MovementThresholdMeters != 100 || cfg.Gate.MinInterval != 60*time.Second {
		t.Errorf("gate = %+v", cfg.Gate)
	}
	if cfg.Realtime.MaxReconnectAttempts != 5 || cfg.Realtime.MaxBackoff != 32*time.Second {
		t.Errorf("realtime = %+v", cfg.Realtime)
	}
	if cfg.Geocode.UserAgent != "NomadNet-Chat-App" {
		t.Errorf("user agent = %q", cfg.Geocode.UserAgent)
	}
	if cfg.NATS.URL != "" {
		t.Errorf("NATS enabled by default: %q", cfg.NATS.URL)
	}
	if len(cfg.Nearby.Types) != 4 {
		t.Errorf("types = %v", cfg.Nearby.Types)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("GATE_MOVEMENT_THRESHOLD_METERS", "250")
	t.Setenv("GATE_MIN_INTERVAL", "2m")
	t.Setenv("NEARBY_TYPES", "users, venues,")
	t.Setenv("SAMPLER_HIGH_ACCURACY", "false")
	t.Setenv("SERVER_PORT", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Gate.MovementThresholdMeters != 250 || cfg.Gate.MinInterval != 2*time.Minute {
		t.Errorf("gate = %+v", cfg.Gate)
	}
	if got := strings.Join(cfg.Nearby.Types, "|"); got != "users|venues" {
		t.Errorf("types = %q", got)
	}
	if cfg.Sampler.HighAccuracy {
		t.Error("high accuracy override ignored")
	}
	if cfg.Server.Port != 8787 {
		t.Errorf("unparsable port should fall back to default, got %d", cfg.Server.Port)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "production without token",
			env:     map[string]string{"APP_ENV": "production"},
			wantErr: "SESSION_TOKEN",
		},
		{
			name: "production with token",
			env:  map[string]string{"APP_ENV": "production", "SESSION_TOKEN": "abc"},
		},
		{
			name:    "zero threshold",
			env:     map[string]string{"GATE_MOVEMENT_THRESHOLD_METERS": "0"},
			wantErr: "movement threshold",
		},
		{
			name:    "negative interval",
			env:     map[string]string{"GATE_MIN_INTERVAL": "-1s"},
			wantErr: "min interval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Load: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Load error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
