package fisco

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/cache"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/database"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/exchange"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/logging"
)

// RateProvider converts an amount's currency into EUR for a given moment.
type RateProvider interface {
	RateToEUR(ctx context.Context, currency string, at time.Time) (decimal.Decimal, error)
}

// Rates resolves conversion rates with three sources in order: a manual
// override stored per date, the Redis cache, and finally the data venue's
// FX ticker.
type Rates struct {
	repo   *database.Repository
	data   exchange.Exchange
	cache  *cache.CacheService
	ttl    time.Duration
	logger zerolog.Logger
}

func NewRates(repo *database.Repository, data exchange.Exchange, cs *cache.CacheService, ttl time.Duration) *Rates {
	if ttl <= 0 {
		ttl = cache.DefaultFXRateTTL
	}
	return &Rates{
		repo:   repo,
		data:   data,
		cache:  cs,
		ttl:    ttl,
		logger: logging.Component("fisco.rates"),
	}
}

// RateToEUR returns how many EUR one unit of currency is worth at the given
// time. EUR returns one.
func (r *Rates) RateToEUR(ctx context.Context, currency string, at time.Time) (decimal.Decimal, error) {
	currency = strings.ToUpper(currency)
	if currency == "EUR" {
		return decimal.NewFromInt(1), nil
	}

	day := at.UTC().Truncate(24 * time.Hour)
	if r.repo != nil {
		override, err := r.repo.GetFXRate(ctx, day, currency+"/EUR")
		if err != nil {
			return decimal.Zero, fmt.Errorf("fx override lookup %s: %w", currency, err)
		}
		if override != nil {
			return override.Rate, nil
		}
	}

	if r.cache != nil {
		var cached string
		if err := r.cache.GetJSON(ctx, cache.FXRateKey(currency), &cached); err == nil {
			if rate, derr := decimal.NewFromString(cached); derr == nil {
				return rate, nil
			}
		}
	}

	rate, err := r.spotRate(ctx, currency)
	if err != nil {
		return decimal.Zero, err
	}

	if r.cache != nil {
		_ = r.cache.SetJSON(ctx, cache.FXRateKey(currency), rate.String(), r.ttl)
	}
	return rate, nil
}

// spotRate asks the data venue. EUR/USD trades directly; other currencies
// quote as EUR being the counter side, so the ticker price inverts.
func (r *Rates) spotRate(ctx context.Context, currency string) (decimal.Decimal, error) {
	ticker, err := r.data.GetTicker(ctx, "EUR/"+currency)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fx rate %s: %w", currency, err)
	}
	mid := ticker.Mid()
	if mid <= 0 {
		return decimal.Zero, fmt.Errorf("fx rate %s: empty ticker", currency)
	}
	// Ticker gives currency-per-EUR; invert for EUR-per-currency.
	return decimal.NewFromInt(1).Div(decimal.NewFromFloat(mid)), nil
}
