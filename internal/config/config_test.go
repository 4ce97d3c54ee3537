package config

import (
	"reflect"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Detection.LookbackDays != 3 {
		t.Errorf("LookbackDays = %d, want 3", cfg.Detection.LookbackDays)
	}
	if cfg.Detection.ExactTTL != 15*24*time.Hour {
		t.Errorf("ExactTTL = %v, want 15 days", cfg.Detection.ExactTTL)
	}
	if !reflect.DeepEqual(cfg.Detection.PatternMonths, []int{1, 2, 3, 4, 5, 6}) {
		t.Errorf("PatternMonths = %v", cfg.Detection.PatternMonths)
	}
	if cfg.Server.Addr != "0.0.0.0:8080" {
		t.Errorf("Addr = %q", cfg.Server.Addr)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9000")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("CONFLICT_LOOKBACK_DAYS", "5")
	t.Setenv("DUPLICATE_DAY_TTL", "48h")
	t.Setenv("PATTERN_MONTHS_LOOKBACK", "1, 3,12")
	t.Setenv("ALLOWED_BANKS", "bbva,santander")
	t.Setenv("UPDATES_REQUIRE_GROWTH", "true")
	t.Setenv("ADMIN_TOKEN", "s3cret")
	t.Setenv("REPORTS_PREFIX", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != "9000" || cfg.Redis.DB != 2 {
		t.Errorf("unexpected server/redis config: %+v %+v", cfg.Server, cfg.Redis)
	}
	if cfg.Detection.LookbackDays != 5 || cfg.Detection.DayTTL != 48*time.Hour {
		t.Errorf("unexpected detection config: %+v", cfg.Detection)
	}
	if !reflect.DeepEqual(cfg.Detection.PatternMonths, []int{1, 3, 12}) {
		t.Errorf("PatternMonths = %v", cfg.Detection.PatternMonths)
	}
	if cfg.Server.AdminToken != "s3cret" || cfg.GCP.ReportsPrefix != "dedup" {
		t.Errorf("AdminToken = %q, ReportsPrefix = %q", cfg.Server.AdminToken, cfg.GCP.ReportsPrefix)
	}
	if !cfg.Updates.RequireGrowth {
		t.Error("expected RequireGrowth to be true")
	}
	if !cfg.Server.BankAllowed("BBVA") || cfg.Server.BankAllowed("banorte") {
		t.Errorf("unexpected bank allow-list behaviour: %v", cfg.Server.AllowedBanks)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"bad duration", "DUPLICATE_EXACT_TTL", "fifteen days"},
		{"bad int", "REDIS_DB", "zero"},
		{"bad month list", "PATTERN_MONTHS_LOOKBACK", "1,-2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%q", tt.key, tt.val)
			}
		})
	}
}

func TestBankAllowed_EmptyListAllowsAll(t *testing.T) {
	var s ServerConfig
	if !s.BankAllowed("anything") {
		t.Error("empty allow-list should allow every bank")
	}
}
