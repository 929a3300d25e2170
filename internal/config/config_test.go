package config

import (
	"testing"
	"time"

	"github.com/adverant/nexus/visual-triage-worker/internal/errors"
)

func TestDefaultTriageConfigIsValid(t *testing.T) {
	if err := DefaultTriageConfig().Validate(); err != nil {
		t.Fatalf("defaults rejected: %v", err)
	}
}

func TestTriageConfigValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*TriageConfig)
		key    string
	}{
		{"negative digits", func(c *TriageConfig) { c.MinDigits = -1 }, "TRIAGE_MIN_DIGITS"},
		{"zero nearby numbers", func(c *TriageConfig) { c.MinNearbyNumbers = 0 }, "TRIAGE_MIN_NEARBY_NUMBERS"},
		{"negative density", func(c *TriageConfig) { c.MinTextDensity = -0.5 }, "TRIAGE_MIN_TEXT_DENSITY"},
		{"page ratio above one", func(c *TriageConfig) { c.MinPageRatio = 1.5 }, "TRIAGE_MIN_PAGE_RATIO"},
		{"negative margin", func(c *TriageConfig) { c.ProximityMargin = -1 }, "TRIAGE_PROXIMITY_MARGIN"},
		{"empty language", func(c *TriageConfig) { c.OCRLang = " " }, "TRIAGE_OCR_LANG"},
		{"no workers", func(c *TriageConfig) { c.Workers = 0 }, "TRIAGE_WORKERS"},
		{"no timeout", func(c *TriageConfig) { c.OCRTimeout = 0 }, "TRIAGE_OCR_TIMEOUT_MS"},
		{"multiplier above one", func(c *TriageConfig) { c.CharsWithNumbersMultiplier = 2 }, "TRIAGE_CHARS_WITH_NUMBERS_MULTIPLIER"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultTriageConfig()
			tc.mutate(&cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.IsCode(err, errors.ErrorConfigInvalid) {
				t.Fatalf("expected config error, got %v", err)
			}
			te := err.(*errors.TriageError)
			if te.Details["config_key"] != tc.key {
				t.Errorf("config_key = %v, want %s", te.Details["config_key"], tc.key)
			}
		})
	}
}

func TestLoadTriageConfigFromEnv(t *testing.T) {
	t.Setenv("TRIAGE_MIN_DIGITS", "4")
	t.Setenv("TRIAGE_MIN_TEXT_DENSITY", "2.25")
	t.Setenv("TRIAGE_REQUIRE_NUMBERS", "true")
	t.Setenv("TRIAGE_IGNORE_WORDS", "Acme, Corp ,,confidential")
	t.Setenv("TRIAGE_OCR_TIMEOUT_MS", "1500")
	t.Setenv("TRIAGE_WORKERS", "3")

	cfg, err := LoadTriageConfig()
	if err != nil {
		t.Fatalf("LoadTriageConfig() error = %v", err)
	}

	if cfg.MinDigits != 4 || cfg.MinTextDensity != 2.25 || !cfg.RequireNumbers {
		t.Errorf("thresholds not loaded: %+v", cfg)
	}
	if len(cfg.IgnoreWords) != 3 || cfg.IgnoreWords[1] != "Corp" {
		t.Errorf("ignore words = %q", cfg.IgnoreWords)
	}
	if cfg.OCRTimeout != 1500*time.Millisecond || cfg.Workers != 3 {
		t.Errorf("execution settings not loaded: %v %d", cfg.OCRTimeout, cfg.Workers)
	}
	if cfg.MinArea != DefaultTriageConfig().MinArea {
		t.Errorf("unset key should keep its default")
	}
}

func TestLoadTriageConfigRejectsMalformed(t *testing.T) {
	t.Setenv("TRIAGE_MIN_AREA", "ten thousand")

	_, err := LoadTriageConfig()
	if !errors.IsCode(err, errors.ErrorConfigInvalid) {
		t.Fatalf("expected config error for malformed integer, got %v", err)
	}
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://triage@localhost/triage?sslmode=disable")
	t.Setenv("QUEUE_BACKEND", "asynq")
	t.Setenv("DELETE_DISCARDED", "1")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.QueueBackend != QueueBackendAsynq || !cfg.DeleteDiscarded {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.ProcessingTimeoutDuration() != 5*time.Minute {
		t.Errorf("unexpected timeout %v", cfg.ProcessingTimeoutDuration())
	}
}

func TestLoadConfigRequiresDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	if _, err := LoadConfig(); !errors.IsCode(err, errors.ErrorConfigInvalid) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestLanguagesAndIgnoreSet(t *testing.T) {
	cfg := DefaultTriageConfig()
	cfg.OCRLang = "spa+eng"
	cfg.IgnoreWords = []string{"ACME", " Globex "}

	langs := cfg.Languages()
	if len(langs) != 2 || langs[0] != "spa" || langs[1] != "eng" {
		t.Errorf("Languages() = %q", langs)
	}

	set := cfg.IgnoreSet()
	if _, ok := set["acme"]; !ok {
		t.Errorf("ignore set not lower-cased: %v", set)
	}
	if _, ok := set["globex"]; !ok {
		t.Errorf("ignore set not trimmed: %v", set)
	}
}
