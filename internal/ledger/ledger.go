// Package ledger keeps per-staker share accounting for the round currently
// open in each currency. Shares are integrals of eligible balance over blocks,
// not points in time, so every block contributes a credit and credits are
// strictly additive - an entry is never overwritten or decreased.
package ledger

import (
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/vrscpool/poolmgr/internal/lib/misc"
	"github.com/vrscpool/poolmgr/internal/pool"
	"github.com/vrscpool/poolmgr/internal/store"
)

type ShareLedger struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *ShareLedger {
	return &ShareLedger{logger: logger}
}

// Credit merges amount into the staker's entry for the round, creating the
// entry on first credit.
func (l *ShareLedger) Credit(tx *store.Tx, currency string, round uint64, addr string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return pool.ErrInvalidAmount
	}
	return tx.Credit(currency, round, addr, amount)
}

// Snapshot reads every entry of a round. Called once, inside the transaction
// that settles the round, so no credit can slip in behind it.
func (l *ShareLedger) Snapshot(tx *store.Tx, currency string, round uint64) (map[string]decimal.Decimal, error) {
	return tx.WorkByRound(currency, round)
}

// OpenRound returns the round currently accepting credits for the currency.
func (l *ShareLedger) OpenRound(tx *store.Tx, currency string) (uint64, error) {
	wm, err := tx.Watermark(currency)
	if err != nil {
		return 0, err
	}
	return wm.Round, nil
}

// RollForward merges a closed round's unconsumed work into the currently open
// round. Used when the stake that owned fromRound will never settle, so the
// shares it would have paid stay in play for the next settlement.
func (l *ShareLedger) RollForward(tx *store.Tx, currency string, fromRound uint64) error {
	wm, err := tx.Watermark(currency)
	if err != nil {
		return err
	}
	if wm.Round == fromRound {
		return nil
	}
	misc.Debugf(l.logger, "rolling work of round %d on %s forward into open round %d", fromRound, currency, wm.Round)
	return tx.MoveWork(currency, fromRound, wm.Round)
}

// AdvanceRound closes fromRound and opens fromRound+1 for credits. The
// coordinator only ever credits the round recorded in the watermark, which is
// what makes the closed round immutable.
func (l *ShareLedger) AdvanceRound(tx *store.Tx, currency string, fromRound uint64) (uint64, error) {
	wm, err := tx.Watermark(currency)
	if err != nil {
		return 0, err
	}
	if wm.Round != fromRound {
		return wm.Round, fmt.Errorf("cannot advance round %d for %s: open round is %d", fromRound, currency, wm.Round)
	}
	wm.Round = fromRound + 1
	if err := tx.PutWatermark(currency, wm); err != nil {
		return 0, err
	}
	pool.PromOpenRound.WithLabelValues(currency).Set(float64(wm.Round))
	misc.Debugf(l.logger, "round %d closed for %s, round %d now open", fromRound, currency, wm.Round)
	return wm.Round, nil
}
