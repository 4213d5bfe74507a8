package config

import (
	"strings"
	"testing"
)

func validConfig() *Config {
	cfg := &Config{}
	cfg.ExchangeConfig.Kraken.Enabled = true
	cfg.TradingConfig.TrailingStopEnabled = true
	applyDefaults(cfg)
	return cfg
}

func TestValidateDefaults(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestValidateTrailingArmBelowBreakEven(t *testing.T) {
	cfg := validConfig()
	cfg.TradingConfig.BreakEvenArmPct = 4.0
	cfg.TradingConfig.TrailingArmPct = 2.0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("trailing arm below break-even must be rejected")
	}
	if !strings.Contains(err.Error(), "trailing_arm_pct") {
		t.Fatalf("error = %v", err)
	}

	// With trailing off the ordering is irrelevant; TP exits instead.
	cfg.TradingConfig.TrailingStopEnabled = false
	if err := cfg.Validate(); err != nil {
		t.Fatalf("misordered thresholds with trailing off must pass: %v", err)
	}
}

func TestValidateRejectsDisabledTradingVenue(t *testing.T) {
	cfg := validConfig()
	cfg.ExchangeConfig.TradingVenue = "revolutx"

	if err := cfg.Validate(); err == nil {
		t.Fatal("trading on a disabled venue must be rejected")
	}
	cfg.ExchangeConfig.RevolutX.Enabled = true
	if err := cfg.Validate(); err != nil {
		t.Fatalf("enabled venue must validate: %v", err)
	}
}
