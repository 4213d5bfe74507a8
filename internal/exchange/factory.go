package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/config"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/logging"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/vault"
)

const (
	VenueKraken   = "kraken"
	VenueRevolutX = "revolutx"
)

var (
	ErrUnknownVenue  = errors.New("exchange: unknown venue")
	ErrVenueDisabled = errors.New("exchange: venue disabled")
)

// Factory builds and caches venue clients and owns the two venue roles: the
// trading venue is switchable at runtime, the data venue is Kraken, always.
// Disabling the venue currently selected for trading is rejected.
type Factory struct {
	mu           sync.RWMutex
	cfg          config.ExchangeConfig
	vaultClient  *vault.Client
	devMode      bool
	clients      map[string]Exchange
	tradingVenue string
	enabled      map[string]bool
	logger       zerolog.Logger
}

// NewFactory validates the configured trading venue and prepares clients
// lazily. vaultClient may be nil; credentials then come from the config.
func NewFactory(cfg config.ExchangeConfig, vaultClient *vault.Client, devMode bool) (*Factory, error) {
	f := &Factory{
		cfg:          cfg,
		vaultClient:  vaultClient,
		devMode:      devMode,
		clients:      make(map[string]Exchange),
		tradingVenue: cfg.TradingVenue,
		enabled: map[string]bool{
			VenueKraken:   cfg.Kraken.Enabled,
			VenueRevolutX: cfg.RevolutX.Enabled,
		},
		logger: logging.Component("exchange-factory"),
	}

	if _, ok := f.enabled[f.tradingVenue]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVenue, f.tradingVenue)
	}
	if !f.enabled[f.tradingVenue] {
		return nil, fmt.Errorf("%w: %q is configured as trading venue", ErrVenueDisabled, f.tradingVenue)
	}
	return f, nil
}

// Trading returns the client for the currently selected trading venue.
func (f *Factory) Trading() (Exchange, error) {
	f.mu.RLock()
	venue := f.tradingVenue
	f.mu.RUnlock()
	return f.client(venue)
}

// Data returns the market data client. Market data always comes from Kraken
// regardless of the trading venue; analytics stay comparable across venues.
func (f *Factory) Data() (Exchange, error) {
	return f.client(VenueKraken)
}

// TradingVenue returns the name of the active trading venue.
func (f *Factory) TradingVenue() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.tradingVenue
}

// SetTradingVenue switches live trading to another venue. The venue must be
// known and enabled.
func (f *Factory) SetTradingVenue(venue string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	enabled, ok := f.enabled[venue]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownVenue, venue)
	}
	if !enabled {
		return fmt.Errorf("%w: %q", ErrVenueDisabled, venue)
	}
	if venue != f.tradingVenue {
		f.logger.Info().Str("from", f.tradingVenue).Str("to", venue).Msg("trading venue changed")
		f.tradingVenue = venue
	}
	return nil
}

// SetVenueEnabled toggles a venue. Disabling the venue currently selected for
// trading is rejected; switch first.
func (f *Factory) SetVenueEnabled(venue string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.enabled[venue]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownVenue, venue)
	}
	if !enabled && venue == f.tradingVenue {
		return fmt.Errorf("cannot disable %q: it is the selected trading venue", venue)
	}
	f.enabled[venue] = enabled
	return nil
}

func (f *Factory) client(venue string) (Exchange, error) {
	f.mu.RLock()
	if c, ok := f.clients[venue]; ok {
		f.mu.RUnlock()
		return c, nil
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[venue]; ok {
		return c, nil
	}

	c, err := f.build(venue)
	if err != nil {
		return nil, err
	}
	f.clients[venue] = c
	return c, nil
}

func (f *Factory) build(venue string) (Exchange, error) {
	if f.devMode {
		f.logger.Warn().Str("venue", venue).Msg("dev mode: using mock exchange")
		return NewMockExchange(venue), nil
	}

	apiKey, secretKey, baseURL, err := f.credentials(venue)
	if err != nil {
		return nil, err
	}

	switch venue {
	case VenueKraken:
		return NewKrakenClient(apiKey, secretKey, baseURL), nil
	case VenueRevolutX:
		return NewRevolutXClient(apiKey, secretKey, baseURL), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownVenue, venue)
	}
}

func (f *Factory) credentials(venue string) (apiKey, secretKey, baseURL string, err error) {
	var vc config.VenueConfig
	switch venue {
	case VenueKraken:
		vc = f.cfg.Kraken
	case VenueRevolutX:
		vc = f.cfg.RevolutX
	default:
		return "", "", "", fmt.Errorf("%w: %q", ErrUnknownVenue, venue)
	}

	apiKey, secretKey, baseURL = vc.APIKey, vc.SecretKey, vc.BaseURL

	if f.vaultClient != nil && f.vaultClient.Enabled() {
		creds, verr := f.vaultClient.VenueCredentials(context.Background(), venue)
		if verr != nil {
			f.logger.Warn().Err(verr).Str("venue", venue).Msg("vault lookup failed, falling back to config credentials")
		} else if creds != nil {
			apiKey, secretKey = creds.APIKey, creds.SecretKey
		}
	}
	return apiKey, secretKey, baseURL, nil
}
