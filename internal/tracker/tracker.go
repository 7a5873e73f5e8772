// Package tracker drives each discovered stake through its maturity state
// machine: MATURING until the pool-standard confirmation depth, then MATURED
// (settled in the same transaction), or STALE when the chain reorganizes away
// from the block, or STOLEN when the chain credits a different finder. The
// three non-MATURING states are terminal.
//
// Discovery partitions the share ledger: recording a stake closes the open
// round (the stake settles against it) and opens a fresh one, so several
// stakes can mature in flight without contending for the same shares. A stake
// that goes stale or stolen hands its round's work forward to the open round.
package tracker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/vrscpool/poolmgr/internal/gateway"
	"github.com/vrscpool/poolmgr/internal/ledger"
	"github.com/vrscpool/poolmgr/internal/lib/misc"
	"github.com/vrscpool/poolmgr/internal/pool"
	"github.com/vrscpool/poolmgr/internal/settle"
	"github.com/vrscpool/poolmgr/internal/store"
)

// Params supplies per-currency tracking configuration.
type Params struct {
	MaturityDepth uint64
	FeeDiscount   decimal.Decimal
}

type Tracker struct {
	logger *slog.Logger
	engine *settle.Engine
	shares *ledger.ShareLedger
	chain  gateway.ChainReader
	params func(currency string) Params
}

func New(logger *slog.Logger, engine *settle.Engine, shares *ledger.ShareLedger, chain gateway.ChainReader, params func(currency string) Params) *Tracker {
	return &Tracker{logger: logger, engine: engine, shares: shares, chain: chain, params: params}
}

// Record stores a newly discovered stake in MATURING state and partitions the
// ledger: the stake takes the round that was open (including the credits of
// its own block) and a new round opens for everything after. Redelivered
// discoveries are no-ops.
func (t *Tracker) Record(tx *store.Tx, st *pool.Stake) error {
	if _, err := tx.Stake(st.CurrencyID, st.BlockHash); err == nil {
		return nil
	} else if !errors.Is(err, pool.ErrNotFound) {
		return err
	}
	wm, err := tx.Watermark(st.CurrencyID)
	if err != nil {
		return err
	}
	st.Status = pool.StakeMaturing
	st.Round = wm.Round
	if err := tx.PutStake(st); err != nil {
		return err
	}
	if _, err := t.shares.AdvanceRound(tx, st.CurrencyID, wm.Round); err != nil {
		return err
	}
	pool.PromStakesFound.WithLabelValues(st.CurrencyID).Inc()
	misc.Infof(t.logger, "stake found for %s: block %s at height %d by %s, reward %d, settles round %d",
		st.CurrencyID, st.BlockHash, st.BlockHeight, st.FoundBy, st.Reward, st.Round)
	return nil
}

// EvaluateMaturing re-checks every maturing stake of the currency against the
// given chain tip. Matured stakes settle inside the caller's transaction, so
// a failed commit leaves them MATURING and the evaluation re-fires later.
func (t *Tracker) EvaluateMaturing(ctx context.Context, tx *store.Tx, currency string, tip uint64) error {
	stakes, err := tx.StakesByStatus(currency, pool.StakeMaturing)
	if err != nil {
		return err
	}
	p := t.params(currency)
	for i := range stakes {
		st := &stakes[i]
		info, err := t.chain.BlockInfoAt(ctx, currency, st.BlockHeight)
		if err != nil {
			return err
		}
		switch {
		case info.Hash != st.BlockHash:
			if err := t.markStale(tx, st, info.Hash); err != nil {
				return err
			}
		case tip >= st.BlockHeight && tip-st.BlockHeight >= p.MaturityDepth:
			// finder attribution is checked at confirmation, once the chain's
			// view of the block is final
			if info.Finder != "" && info.Finder != st.FoundBy {
				st.Status = pool.StakeStolen
				pool.PromStakesFlagged.WithLabelValues(currency).Inc()
				misc.Errorf(t.logger, "stake %s on %s attributed to %s locally but %s on chain - flagged for review, no payout",
					st.BlockHash, currency, st.FoundBy, info.Finder)
				if err := tx.PutStake(st); err != nil {
					return err
				}
				if err := t.shares.RollForward(tx, currency, st.Round); err != nil {
					return err
				}
				continue
			}
			st.Status = pool.StakeMatured
			if err := tx.PutStake(st); err != nil {
				return err
			}
			if _, err := t.engine.Settle(tx, st, p.FeeDiscount); err != nil {
				return err
			}
		}
	}
	return nil
}

// Disconnected marks the maturing stake carrying this block hash stale.
func (t *Tracker) Disconnected(tx *store.Tx, currency, hash string) error {
	if hash == "" {
		return nil
	}
	st, err := tx.Stake(currency, hash)
	if errors.Is(err, pool.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if st.Status != pool.StakeMaturing {
		return nil
	}
	return t.markStale(tx, st, "")
}

// markStale retires a maturing stake reorged off the active chain. Its round's
// shares are not discarded; they roll forward into the open round and pay out
// with the next settlement.
func (t *Tracker) markStale(tx *store.Tx, st *pool.Stake, activeHash string) error {
	st.Status = pool.StakeStale
	pool.PromStakesStale.WithLabelValues(st.CurrencyID).Inc()
	if activeHash != "" {
		misc.Warnf(t.logger, "stake %s at height %d on %s is stale (active chain has %s)",
			st.BlockHash, st.BlockHeight, st.CurrencyID, activeHash)
	} else {
		misc.Warnf(t.logger, "stake %s at height %d on %s disconnected before maturity",
			st.BlockHash, st.BlockHeight, st.CurrencyID)
	}
	if err := tx.PutStake(st); err != nil {
		return err
	}
	return t.shares.RollForward(tx, st.CurrencyID, st.Round)
}

// Reconcile folds in confirmations and reorgs that happened while the daemon
// was offline. Must complete before the currency accepts new events.
func (t *Tracker) Reconcile(ctx context.Context, s *store.Store, currency string) error {
	tip, err := t.chain.TipHeight(ctx, currency)
	if err != nil {
		return err
	}
	misc.Infof(t.logger, "reconciling maturing stakes for %s against tip %d", currency, tip)
	return s.Update(func(tx *store.Tx) error {
		return t.EvaluateMaturing(ctx, tx, currency, tip)
	})
}
