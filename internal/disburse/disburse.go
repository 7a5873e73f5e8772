// Package disburse aggregates unpaid payout members per staker and submits
// one on-chain payment once the staker's minimum threshold is met. It runs on
// its own timer, independent of chain events, and protects itself with a
// claim-before-pay protocol: a conditional batch claim on each member row, an
// idempotency key derived from the claimed set, and claim release on failure.
package disburse

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/ssgreg/repeat"

	"github.com/vrscpool/poolmgr/internal/gateway"
	"github.com/vrscpool/poolmgr/internal/lib/misc"
	"github.com/vrscpool/poolmgr/internal/pool"
	"github.com/vrscpool/poolmgr/internal/store"
)

type Batcher struct {
	logger        *slog.Logger
	store         *store.Store
	submitter     gateway.PaymentSubmitter
	submitTimeout time.Duration
}

func New(logger *slog.Logger, s *store.Store, submitter gateway.PaymentSubmitter, submitTimeout time.Duration) *Batcher {
	if submitTimeout <= 0 {
		submitTimeout = 2 * time.Minute
	}
	return &Batcher{logger: logger, store: s, submitter: submitter, submitTimeout: submitTimeout}
}

// Run executes a disbursement pass for the currency at every wall-clock epoch
// boundary until ctx is done.
func (b *Batcher) Run(ctx context.Context, currency string, epochMinutes int) {
	misc.Infof(b.logger, "disbursement batcher started for %s, every %d minutes", currency, epochMinutes)
	for {
		select {
		case <-ctx.Done():
			misc.Infof(b.logger, "disbursement batcher for %s exiting", currency)
			return
		case <-time.After(durationToNextEpoch(time.Now(), epochMinutes)):
			if err := b.RunOnce(ctx, currency); err != nil {
				misc.Warnf(b.logger, "disbursement pass for %s failed: %v", currency, err)
			}
		}
	}
}

// durationToNextEpoch returns the wait until the next wall-clock boundary of
// epochMinutes, so payouts land at predictable times regardless of when the
// daemon was restarted.
func durationToNextEpoch(now time.Time, epochMinutes int) time.Duration {
	dur := time.Duration(epochMinutes) * time.Minute
	return now.Truncate(dur).Add(dur).Sub(now)
}

// RunOnce performs one full disbursement pass: finish any batch a previous
// cycle left claimed, then claim and pay every staker whose pending rewards
// meet their threshold.
func (b *Batcher) RunOnce(ctx context.Context, currency string) error {
	if err := b.recoverClaimed(ctx, currency); err != nil {
		return err
	}

	unclaimed := make(map[string][]pool.PayoutMember)
	stakers := make(map[string]pool.Staker)
	err := b.store.View(func(tx *store.Tx) error {
		members, err := tx.UnpaidMembers(currency)
		if err != nil {
			return err
		}
		for _, m := range members {
			if m.BatchID != "" {
				continue
			}
			unclaimed[m.Address] = append(unclaimed[m.Address], m)
		}
		for addr := range unclaimed {
			st, err := tx.Staker(currency, addr)
			if errors.Is(err, pool.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			stakers[addr] = *st
		}
		return nil
	})
	if err != nil {
		return err
	}

	var errs []error
	for addr, members := range unclaimed {
		staker, known := stakers[addr]
		if !known {
			misc.Warnf(b.logger, "unpaid rewards for %s/%s but no staker record, skipping", currency, addr)
			continue
		}
		total := sumNet(members)
		if total < staker.MinPayout {
			continue
		}
		if err := b.payBatch(ctx, currency, addr, members, total); err != nil {
			errs = append(errs, fmt.Errorf("paying %s: %w", addr, err))
		}
	}
	return errors.Join(errs...)
}

// recoverClaimed resubmits batches left claimed by an interrupted cycle,
// reusing each batch's stored id so the gateway recognizes a payment that
// already went out instead of paying again.
func (b *Batcher) recoverClaimed(ctx context.Context, currency string) error {
	type claimedBatch struct {
		addr  string
		total int64
	}
	batches := make(map[string]*claimedBatch)
	err := b.store.View(func(tx *store.Tx) error {
		members, err := tx.UnpaidMembers(currency)
		if err != nil {
			return err
		}
		for _, m := range members {
			if m.BatchID == "" {
				continue
			}
			cb, ok := batches[m.BatchID]
			if !ok {
				cb = &claimedBatch{addr: m.Address}
				batches[m.BatchID] = cb
			}
			cb.total += m.Reward
		}
		return nil
	})
	if err != nil {
		return err
	}
	var errs []error
	for id, cb := range batches {
		misc.Warnf(b.logger, "resuming interrupted batch %s for %s/%s", id, currency, cb.addr)
		if err := b.submitAndAttach(ctx, currency, cb.addr, id, cb.total); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Batcher) payBatch(ctx context.Context, currency, addr string, members []pool.PayoutMember, total int64) error {
	id := batchID(currency, addr, members)
	err := b.store.Update(func(tx *store.Tx) error {
		for _, m := range members {
			if err := tx.ClaimMember(currency, m.BlockHash, m.Address, id); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, pool.ErrClaimConflict) {
		// raced a recovering batch; the next pass sorts it out
		misc.Warnf(b.logger, "claim conflict for %s/%s, deferring", currency, addr)
		return nil
	}
	if err != nil {
		return err
	}
	return b.submitAndAttach(ctx, currency, addr, id, total)
}

func (b *Batcher) submitAndAttach(ctx context.Context, currency, addr, id string, total int64) error {
	sctx, cancel := context.WithTimeout(ctx, b.submitTimeout)
	defer cancel()

	var paymentID string
	err := repeat.Repeat(
		repeat.Fn(func() error {
			pid, err := b.submitter.SubmitPayment(sctx, currency, id, []gateway.Recipient{{Address: addr, Amount: total}})
			if err != nil {
				if errors.Is(err, gateway.ErrRejected) || sctx.Err() != nil {
					return repeat.HintStop(err)
				}
				return repeat.HintTemporary(err)
			}
			paymentID = pid
			return nil
		}),
		repeat.StopOnSuccess(),
		repeat.LimitMaxTries(5),
		repeat.WithDelay(
			repeat.SetContextHintStop(),
			(&repeat.FullJitterBackoffBuilder{
				BaseDelay: 2 * time.Second,
				MaxDelay:  30 * time.Second,
			}).Set(),
		),
	)
	if err != nil {
		// release the claim so a later pass retries the same member set
		rerr := b.store.Update(func(tx *store.Tx) error {
			_, e := tx.ReleaseClaim(currency, id)
			return e
		})
		if rerr != nil {
			err = errors.Join(err, rerr)
		}
		if errors.Is(err, gateway.ErrRejected) {
			pool.PromPaymentsRejected.WithLabelValues(currency).Inc()
			misc.Errorf(b.logger, "payment for %s/%s permanently rejected, operator attention required: %v", currency, addr, err)
		}
		return err
	}

	return b.store.Update(func(tx *store.Tx) error {
		n, err := tx.AttachPayment(currency, id, paymentID)
		if err != nil {
			return err
		}
		pool.PromSatsDisbursed.WithLabelValues(currency).Add(float64(total))
		misc.Infof(b.logger, "paid %d sats to %s/%s as %s (%d payout rows)", total, currency, addr, paymentID, n)
		return nil
	})
}

func sumNet(members []pool.PayoutMember) int64 {
	var total int64
	for _, m := range members {
		total += m.Reward
	}
	return total
}

// batchID is the payment idempotency key: it commits to the currency, the
// staker and the exact set of blocks being paid, so resubmitting the same
// claimed set is recognized as the same payment.
func batchID(currency, addr string, members []pool.PayoutMember) string {
	hashes := make([]string, 0, len(members))
	for _, m := range members {
		hashes = append(hashes, m.BlockHash)
	}
	sort.Strings(hashes)
	h := sha256.New()
	io.WriteString(h, currency)
	h.Write([]byte{0})
	io.WriteString(h, addr)
	for _, bh := range hashes {
		h.Write([]byte{0})
		io.WriteString(h, bh)
	}
	return hex.EncodeToString(h.Sum(nil))
}
