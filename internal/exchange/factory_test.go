package exchange

import (
	"testing"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/config"
)

func devFactory(t *testing.T, venue string) *Factory {
	t.Helper()
	cfg := config.ExchangeConfig{
		TradingVenue: venue,
		Kraken:       config.VenueConfig{Enabled: true},
		RevolutX:     config.VenueConfig{Enabled: true},
	}
	f, err := NewFactory(cfg, nil, true)
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	return f
}

func TestFactoryDataVenueIsAlwaysKraken(t *testing.T) {
	f := devFactory(t, VenueRevolutX)

	data, err := f.Data()
	if err != nil {
		t.Fatalf("Data: %v", err)
	}
	if data.Name() != VenueKraken {
		t.Errorf("data venue = %q, want kraken", data.Name())
	}

	trading, err := f.Trading()
	if err != nil {
		t.Fatalf("Trading: %v", err)
	}
	if trading.Name() != VenueRevolutX {
		t.Errorf("trading venue = %q, want revolutx", trading.Name())
	}
}

func TestFactoryRejectsDisabledTradingVenue(t *testing.T) {
	cfg := config.ExchangeConfig{
		TradingVenue: VenueRevolutX,
		Kraken:       config.VenueConfig{Enabled: true},
		RevolutX:     config.VenueConfig{Enabled: false},
	}
	if _, err := NewFactory(cfg, nil, true); err == nil {
		t.Fatal("factory accepted a disabled trading venue")
	}
}

func TestFactorySetVenueEnabledGuardsSelected(t *testing.T) {
	f := devFactory(t, VenueKraken)

	if err := f.SetVenueEnabled(VenueKraken, false); err == nil {
		t.Error("disabling the selected trading venue must be rejected")
	}
	if err := f.SetVenueEnabled(VenueRevolutX, false); err != nil {
		t.Errorf("disabling a non-selected venue failed: %v", err)
	}
	if err := f.SetTradingVenue(VenueRevolutX); err == nil {
		t.Error("switching to a disabled venue must be rejected")
	}
	if err := f.SetVenueEnabled(VenueRevolutX, true); err != nil {
		t.Errorf("re-enabling venue failed: %v", err)
	}
	if err := f.SetTradingVenue(VenueRevolutX); err != nil {
		t.Errorf("switching to an enabled venue failed: %v", err)
	}
	if f.TradingVenue() != VenueRevolutX {
		t.Errorf("trading venue = %q, want revolutx", f.TradingVenue())
	}
}

func TestFactoryUnknownVenue(t *testing.T) {
	f := devFactory(t, VenueKraken)
	if err := f.SetTradingVenue("binance"); err == nil {
		t.Error("unknown venue accepted")
	}
}
