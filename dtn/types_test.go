package dtn

import (
	"testing"
	"time"
)

func TestNormalizeConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := normalizeConfig(Config{})
	if cfg.DefaultLifetime != DefaultBundleLifetime {
		t.Fatalf("DefaultLifetime = %v, want %v", cfg.DefaultLifetime, DefaultBundleLifetime)
	}
	if cfg.MaxHopCount != DefaultMaxHopCount {
		t.Fatalf("MaxHopCount = %d, want %d", cfg.MaxHopCount, DefaultMaxHopCount)
	}
	if cfg.GlobalQuotaBytes != DefaultGlobalQuotaBytes {
		t.Fatalf("GlobalQuotaBytes = %d, want %d", cfg.GlobalQuotaBytes, DefaultGlobalQuotaBytes)
	}
	if len(cfg.DemotionThresholds) != 2 {
		t.Fatalf("DemotionThresholds = %v, want two defaults", cfg.DemotionThresholds)
	}
	if cfg.Strategy != StrategyStoreAndForward {
		t.Fatalf("Strategy = %v, want store-and-forward", cfg.Strategy)
	}

	// Explicit values survive normalization.
	custom := normalizeConfig(Config{MaxHopCount: 3, DefaultLifetime: time.Minute})
	if custom.MaxHopCount != 3 || custom.DefaultLifetime != time.Minute {
		t.Fatalf("normalizeConfig() overrode explicit values: %+v", custom)
	}
}

func TestConfigValidateWarnings(t *testing.T) {
	t.Parallel()

	if warnings := (Config{}).Validate(); len(warnings) != 0 {
		t.Fatalf("Validate() on defaults = %v, want none", warnings)
	}

	bad := Config{
		DefaultLifetime:    48 * time.Hour,
		MaxLifetime:        time.Hour,
		SweepInterval:      100 * time.Millisecond,
		DemotionThresholds: []float64{0.5, 1.5},
	}
	warnings := bad.Validate()
	want := map[ConfigWarning]bool{
		WarnDefaultLifetimeExceedsMax: true,
		WarnSweepIntervalTooShort:     true,
		WarnDemotionOutOfRange:        true,
	}
	if len(warnings) != len(want) {
		t.Fatalf("Validate() = %v, want %d warnings", warnings, len(want))
	}
	for _, w := range warnings {
		if !want[w] {
			t.Fatalf("Validate() produced unexpected warning %q", w)
		}
	}
}

func TestPriorityDemote(t *testing.T) {
	t.Parallel()

	if got := PriorityCritical.Demote(); got != PriorityHigh {
		t.Fatalf("Demote(critical) = %v, want high", got)
	}
	if got := PriorityLow.Demote(); got != PriorityLow {
		t.Fatalf("Demote(low) = %v, want low", got)
	}
}

func TestParsePriority(t *testing.T) {
	t.Parallel()

	for _, p := range []Priority{PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical} {
		got, ok := ParsePriority(p.String())
		if !ok || got != p {
			t.Fatalf("ParsePriority(%q) = %v, %v", p.String(), got, ok)
		}
	}
	if _, ok := ParsePriority("urgent"); ok {
		t.Fatalf("ParsePriority() accepted unknown priority")
	}
}

func TestConfigProfiles(t *testing.T) {
	t.Parallel()

	low := LowLatencyConfig()
	if low.Strategy != StrategyStoreAndForward || low.DefaultLifetime != 10*time.Minute {
		t.Fatalf("LowLatencyConfig() = %+v", low)
	}
	challenged := ChallengedNetworkConfig()
	if challenged.Strategy != StrategyEpidemic || challenged.DefaultLifetime != 24*time.Hour {
		t.Fatalf("ChallengedNetworkConfig() = %+v", challenged)
	}
	constrained := ResourceConstrainedConfig()
	if constrained.Strategy != StrategySprayAndWait || constrained.SprayInitialCopies != 2 {
		t.Fatalf("ResourceConstrainedConfig() = %+v", constrained)
	}
	for _, cfg := range []Config{low, challenged, constrained} {
		if warnings := cfg.Validate(); len(warnings) != 0 {
			t.Fatalf("profile produced warnings: %v", warnings)
		}
	}
}
