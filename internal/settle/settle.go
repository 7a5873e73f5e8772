// Package settle computes and persists the reward distribution for a matured
// stake. Distribution is deterministic: members are walked in ascending
// address order, every amount is floored, and whatever flooring leaves over
// goes to the pool fee - so a payout always sums exactly to the stake reward.
package settle

import (
	"log/slog"
	"math/big"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/vrscpool/poolmgr/internal/ledger"
	"github.com/vrscpool/poolmgr/internal/lib/misc"
	"github.com/vrscpool/poolmgr/internal/pool"
	"github.com/vrscpool/poolmgr/internal/store"
)

type Engine struct {
	logger *slog.Logger
	shares *ledger.ShareLedger
}

func New(logger *slog.Logger, shares *ledger.ShareLedger) *Engine {
	return &Engine{logger: logger, shares: shares}
}

// Settle distributes the stake's reward over the share snapshot of its round
// and records the payout. The round was closed when the stake was discovered,
// so the snapshot is immutable by the time settlement runs. Settling an
// already-settled stake is a no-op, which makes redelivered maturity triggers
// safe. All writes land in the caller's transaction.
func (e *Engine) Settle(tx *store.Tx, stake *pool.Stake, feeDiscount decimal.Decimal) (*pool.Payout, error) {
	snapshot, err := e.shares.Snapshot(tx, stake.CurrencyID, stake.Round)
	if err != nil {
		return nil, err
	}

	totalWork := decimal.Zero
	addrs := make([]string, 0, len(snapshot))
	for addr, shares := range snapshot {
		if shares.IsZero() {
			misc.Warnf(e.logger, "participant %s with zero work in round %d of %s", addr, stake.Round, stake.CurrencyID)
			continue
		}
		totalWork = totalWork.Add(shares)
		addrs = append(addrs, addr)
	}
	if totalWork.IsZero() {
		return nil, pool.ErrNoWorkRecorded
	}
	sort.Strings(addrs)

	var (
		members []pool.PayoutMember
		sumNet  int64
	)
	for _, addr := range addrs {
		shares := snapshot[addr]
		gross := floorShare(stake.Reward, shares, totalWork)
		fee := floorFee(gross, e.feeRate(tx, stake.CurrencyID, addr, feeDiscount))
		members = append(members, pool.PayoutMember{
			CurrencyID: stake.CurrencyID,
			Address:    addr,
			BlockHash:  stake.BlockHash,
			Shares:     shares,
			Reward:     gross - fee,
			Fee:        fee,
		})
		sumNet += gross - fee
	}

	payout := &pool.Payout{
		CurrencyID:    stake.CurrencyID,
		BlockHash:     stake.BlockHash,
		BlockHeight:   stake.BlockHeight,
		Reward:        stake.Reward,
		TotalWork:     totalWork,
		PoolFee:       stake.Reward - sumNet, // member fees plus the flooring residual
		PaidToStakers: sumNet,
		MemberCount:   len(members),
	}

	inserted, err := tx.InsertPayout(payout, members)
	if err != nil {
		return nil, err
	}
	if !inserted {
		misc.Debugf(e.logger, "stake %s/%s already settled, skipping", stake.CurrencyID, stake.BlockHash)
		return payout, nil
	}
	pool.PromPayoutsSettled.WithLabelValues(stake.CurrencyID).Inc()
	misc.Infof(e.logger, "settled stake %s at height %d for %s: reward %d, %d members, pool fee %d",
		stake.BlockHash, stake.BlockHeight, stake.CurrencyID, stake.Reward, len(members), payout.PoolFee)
	return payout, nil
}

// feeRate is the staker's configured fee minus any pool-wide discount, never
// below zero. A staker missing from the registry pays no fee.
func (e *Engine) feeRate(tx *store.Tx, currency, addr string, discount decimal.Decimal) decimal.Decimal {
	staker, err := tx.Staker(currency, addr)
	if err != nil {
		misc.Warnf(e.logger, "no staker record for %s/%s at settlement, charging no fee", currency, addr)
		return decimal.Zero
	}
	rate := staker.FeeRate.Sub(discount)
	if rate.IsNegative() {
		return decimal.Zero
	}
	return rate
}

// floorShare is floor(reward * shares / totalWork), computed exactly.
func floorShare(reward int64, shares, totalWork decimal.Decimal) int64 {
	x := new(big.Rat).Mul(shares.Rat(), new(big.Rat).SetInt64(reward))
	x.Quo(x, totalWork.Rat())
	return new(big.Int).Quo(x.Num(), x.Denom()).Int64()
}

// floorFee is floor(gross * rate); multiplication by a decimal rate is exact.
func floorFee(gross int64, rate decimal.Decimal) int64 {
	return rate.Mul(decimal.NewFromInt(gross)).Floor().IntPart()
}
