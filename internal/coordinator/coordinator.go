// Package coordinator serializes chain events per currency: one worker
// goroutine per currency applies events strictly one at a time, while
// different currencies run fully independently. Every accepted event advances
// the currency's durable watermark in the same store transaction as the
// ledger and stake mutations it causes, so a crash anywhere is equivalent to
// the event never having arrived.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/ssgreg/repeat"

	"github.com/vrscpool/poolmgr/internal/ledger"
	"github.com/vrscpool/poolmgr/internal/lib/misc"
	"github.com/vrscpool/poolmgr/internal/pool"
	"github.com/vrscpool/poolmgr/internal/store"
	"github.com/vrscpool/poolmgr/internal/tracker"
)

const eventBacklog = 64

type Coordinator struct {
	logger  *slog.Logger
	store   *store.Store
	shares  *ledger.ShareLedger
	tracker *tracker.Tracker

	mu      sync.Mutex
	workers map[string]*worker
	wg      sync.WaitGroup
}

type worker struct {
	currency string
	events   chan pool.Event
	cancel   context.CancelFunc
}

func New(logger *slog.Logger, s *store.Store, shares *ledger.ShareLedger, tr *tracker.Tracker) *Coordinator {
	return &Coordinator{
		logger:  logger,
		store:   s,
		shares:  shares,
		tracker: tr,
		workers: make(map[string]*worker),
	}
}

// StartCurrency reconciles offline progress for the currency and then begins
// consuming its events on a dedicated worker.
func (c *Coordinator) StartCurrency(ctx context.Context, currency string) error {
	if err := c.tracker.Reconcile(ctx, c.store, currency); err != nil {
		return fmt.Errorf("reconciling %s: %w", currency, err)
	}
	wctx, cancel := context.WithCancel(ctx)
	w := &worker{
		currency: currency,
		events:   make(chan pool.Event, eventBacklog),
		cancel:   cancel,
	}
	c.mu.Lock()
	if _, dup := c.workers[currency]; dup {
		c.mu.Unlock()
		cancel()
		return fmt.Errorf("currency %s already started", currency)
	}
	c.workers[currency] = w
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(wctx, w)
	misc.Infof(c.logger, "event worker started for %s", currency)
	return nil
}

// StopCurrency stops one currency's worker without touching any other.
func (c *Coordinator) StopCurrency(currency string) {
	c.mu.Lock()
	w, ok := c.workers[currency]
	if ok {
		delete(c.workers, currency)
	}
	c.mu.Unlock()
	if ok {
		w.cancel()
	}
}

// Stop cancels every worker and waits for them to drain.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	for currency, w := range c.workers {
		w.cancel()
		delete(c.workers, currency)
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// Submit routes an event to its currency's worker. Blocks only against the
// worker's bounded backlog.
func (c *Coordinator) Submit(ev pool.Event) error {
	c.mu.Lock()
	w, ok := c.workers[ev.Currency()]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("no worker for currency %s", ev.Currency())
	}
	w.events <- ev
	return nil
}

// AppliedHeight reads the currency's durable watermark height.
func (c *Coordinator) AppliedHeight(currency string) (uint64, error) {
	var height uint64
	err := c.store.View(func(tx *store.Tx) error {
		wm, err := tx.Watermark(currency)
		if err != nil {
			return err
		}
		height = wm.Height
		return nil
	})
	return height, err
}

func (c *Coordinator) run(ctx context.Context, w *worker) {
	defer c.wg.Done()
	defer misc.Infof(c.logger, "event worker for %s exiting", w.currency)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-w.events:
			c.applyWithRetry(ctx, ev)
		}
	}
}

// applyWithRetry retries transient failures in place; nothing was committed,
// so re-applying the same event is safe.
func (c *Coordinator) applyWithRetry(ctx context.Context, ev pool.Event) {
	err := repeat.Repeat(
		repeat.Fn(func() error {
			if ctx.Err() != nil {
				return repeat.HintStop(ctx.Err())
			}
			if err := c.apply(ctx, ev); err != nil {
				return repeat.HintTemporary(err)
			}
			return nil
		}),
		repeat.StopOnSuccess(),
		repeat.LimitMaxTries(10),
		repeat.FnOnError(func(err error) error {
			misc.Warnf(c.logger, "retrying event at height %d for %s: %v", ev.EventHeight(), ev.Currency(), err)
			return err
		}),
		repeat.WithDelay(
			repeat.SetContextHintStop(),
			(&repeat.FullJitterBackoffBuilder{
				BaseDelay: time.Second,
				MaxDelay:  30 * time.Second,
			}).Set(),
		),
	)
	if err != nil {
		misc.Errorf(c.logger, "giving up on event at height %d for %s: %v", ev.EventHeight(), ev.Currency(), err)
	}
}

func (c *Coordinator) apply(ctx context.Context, ev pool.Event) error {
	switch ev := ev.(type) {
	case pool.BlockConnected:
		return c.applyConnected(ctx, ev)
	case pool.BlockDisconnected:
		return c.applyDisconnected(ctx, ev)
	default:
		return fmt.Errorf("unknown event type %T", ev)
	}
}

func (c *Coordinator) applyConnected(ctx context.Context, ev pool.BlockConnected) error {
	return c.store.Update(func(tx *store.Tx) error {
		wm, err := tx.Watermark(ev.CurrencyID)
		if err != nil {
			return err
		}
		if ev.Height <= wm.Height {
			misc.Debugf(c.logger, "discarding redelivered block %d/%s for %s", ev.Height, ev.Hash, ev.CurrencyID)
			return nil
		}

		// fold in maturity first so stakes confirmed by this block settle
		// before its credits are granted
		if err := c.tracker.EvaluateMaturing(ctx, tx, ev.CurrencyID, ev.Height); err != nil {
			return err
		}

		active, err := tx.StakersByStatus(ev.CurrencyID, pool.StakerActive)
		if err != nil {
			return err
		}
		for addr, bal := range ev.Eligible {
			if _, ok := active[addr]; !ok {
				continue
			}
			if err := c.shares.Credit(tx, ev.CurrencyID, wm.Round, addr, decimal.NewFromInt(bal)); err != nil {
				return err
			}
		}
		// a maturing stake's source utxo is cooling down on chain; keep
		// crediting its finder as if the utxo were still eligible
		maturing, err := tx.StakesByStatus(ev.CurrencyID, pool.StakeMaturing)
		if err != nil {
			return err
		}
		for _, st := range maturing {
			if _, eligible := ev.Eligible[st.FoundBy]; !eligible {
				continue
			}
			if _, ok := active[st.FoundBy]; !ok {
				continue
			}
			if err := c.shares.Credit(tx, ev.CurrencyID, wm.Round, st.FoundBy, decimal.NewFromInt(st.SourceAmount)); err != nil {
				return err
			}
		}

		// a block staked by a participant enters the maturity pipeline and
		// takes the open round (including this block's credits) with it
		if _, ok := active[ev.Finder]; ok && ev.Reward > 0 {
			st := &pool.Stake{
				CurrencyID:   ev.CurrencyID,
				BlockHash:    ev.Hash,
				BlockHeight:  ev.Height,
				Reward:       ev.Reward,
				FoundBy:      ev.Finder,
				SourceTxID:   ev.SourceTxID,
				SourceVout:   ev.SourceVout,
				SourceAmount: ev.SourceAmount,
			}
			if err := c.tracker.Record(tx, st); err != nil {
				return err
			}
		}

		wm.Height = ev.Height
		wm.Hash = ev.Hash
		if err := tx.PutWatermark(ev.CurrencyID, wm); err != nil {
			return err
		}
		pool.PromBlocksProcessed.WithLabelValues(ev.CurrencyID).Inc()
		return nil
	})
}

func (c *Coordinator) applyDisconnected(ctx context.Context, ev pool.BlockDisconnected) error {
	if ev.Height == 0 {
		return nil // genesis cannot disconnect; also keeps height-1 from wrapping
	}
	return c.store.Update(func(tx *store.Tx) error {
		wm, err := tx.Watermark(ev.CurrencyID)
		if err != nil {
			return err
		}
		if ev.Height > wm.Height {
			return nil // never applied, nothing to undo
		}
		if err := c.tracker.Disconnected(tx, ev.CurrencyID, ev.Hash); err != nil {
			return err
		}
		// roll the cursor back so replacement blocks at this height are accepted
		wm.Height = ev.Height - 1
		wm.Hash = ""
		return tx.PutWatermark(ev.CurrencyID, wm)
	})
}
