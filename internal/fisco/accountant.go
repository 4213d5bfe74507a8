// Package fisco keeps the EUR cost-basis book: every acquisition becomes a
// lot, every sale consumes lots strictly first-in-first-out, and the
// resulting disposals carry the realized gain the annual tax report needs.
package fisco

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/database"
)

// Sale is one sell execution expressed in EUR, ready for FIFO matching.
type Sale struct {
	Asset       string
	Quantity    decimal.Decimal
	ProceedsEUR decimal.Decimal // net of the sell fee
	FillRef     string
	DisposedAt  time.Time
}

// Acquisition is one buy-side execution expressed in EUR.
type Acquisition struct {
	Asset      string
	Quantity   decimal.Decimal
	CostEUR    decimal.Decimal // gross cost including the buy fee
	FeeEUR     decimal.Decimal
	Source     string
	FillRef    string
	AcquiredAt time.Time
}

// NewLot builds the lot for an acquisition. The fee is folded into the unit
// cost, so disposing the whole lot at the purchase price realizes exactly
// the negative of the fee.
func NewLot(acq Acquisition) *database.Lot {
	unitCost := decimal.Zero
	if acq.Quantity.IsPositive() {
		unitCost = acq.CostEUR.Div(acq.Quantity)
	}
	fillRef := acq.FillRef
	return &database.Lot{
		ID:          uuid.New().String(),
		Asset:       acq.Asset,
		Quantity:    acq.Quantity,
		Remaining:   acq.Quantity,
		UnitCostEUR: unitCost,
		FeeEUR:      acq.FeeEUR,
		Source:      acq.Source,
		FillRef:     &fillRef,
		AcquiredAt:  acq.AcquiredAt,
	}
}

// MatchSale consumes lots in the order given (callers pass them FIFO:
// acquisition time, then insertion order) and returns one disposal per lot
// touched plus the updated remaining quantity of each. Quantity sold beyond
// the available lots becomes a final warning disposal with no lot and no
// cost basis.
//
// Proceeds are allocated pro rata by quantity; the last slice takes the
// remainder so the disposals always sum exactly to the sale proceeds.
func MatchSale(lots []*database.Lot, sale Sale) ([]*database.Disposal, map[string]decimal.Decimal) {
	var disposals []*database.Disposal
	remaining := make(map[string]decimal.Decimal)

	left := sale.Quantity
	allocated := decimal.Zero
	fillRef := sale.FillRef

	for _, lot := range lots {
		if !left.IsPositive() {
			break
		}
		if !lot.Remaining.IsPositive() {
			continue
		}

		matched := decimal.Min(left, lot.Remaining)
		left = left.Sub(matched)

		var proceeds decimal.Decimal
		if left.IsPositive() {
			proceeds = sale.ProceedsEUR.Mul(matched).Div(sale.Quantity)
		} else {
			proceeds = sale.ProceedsEUR.Sub(allocated)
		}
		allocated = allocated.Add(proceeds)

		cost := matched.Mul(lot.UnitCostEUR)
		lotID := lot.ID

		disposals = append(disposals, &database.Disposal{
			ID:          uuid.New().String(),
			Asset:       sale.Asset,
			Quantity:    matched,
			ProceedsEUR: proceeds,
			CostEUR:     cost,
			GainEUR:     proceeds.Sub(cost),
			LotID:       &lotID,
			FillRef:     &fillRef,
			DisposedAt:  sale.DisposedAt,
		})
		remaining[lot.ID] = lot.Remaining.Sub(matched)
	}

	if left.IsPositive() {
		proceeds := sale.ProceedsEUR.Sub(allocated)
		disposals = append(disposals, &database.Disposal{
			ID:          uuid.New().String(),
			Asset:       sale.Asset,
			Quantity:    left,
			ProceedsEUR: proceeds,
			CostEUR:     decimal.Zero,
			GainEUR:     proceeds,
			Warning:     true,
			FillRef:     &fillRef,
			DisposedAt:  sale.DisposedAt,
		})
	}

	return disposals, remaining
}
