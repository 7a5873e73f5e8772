package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/vrscpool/poolmgr/internal/lib/misc"
	"github.com/vrscpool/poolmgr/internal/pool"
)

// recentWindow bounds the height->hash memory used to name disconnected
// blocks during a reorg.
const recentWindow = 1000

// Feeder turns raw tip notifications into the ordered, at-least-once event
// stream the coordinator consumes: BlockConnected for every height from the
// applied watermark up to the chain tip, BlockDisconnected when the tip moves
// backwards. A periodic catch-up walk covers notifications lost while offline.
type Feeder struct {
	logger   *slog.Logger
	verus    *Verus
	currency string

	// activeAddrs supplies the current ACTIVE staker addresses so connected
	// events can carry eligible balances.
	activeAddrs func(ctx context.Context) ([]string, error)
	// appliedHeight reads the coordinator's durable watermark.
	appliedHeight func(ctx context.Context) (uint64, error)
	submit        func(ev pool.Event) error

	fed    map[uint64]string // heights we've emitted, for naming disconnects
	topFed uint64
}

func NewFeeder(
	logger *slog.Logger,
	verus *Verus,
	currency string,
	activeAddrs func(ctx context.Context) ([]string, error),
	appliedHeight func(ctx context.Context) (uint64, error),
	submit func(ev pool.Event) error,
) *Feeder {
	return &Feeder{
		logger:        logger,
		verus:         verus,
		currency:      currency,
		activeAddrs:   activeAddrs,
		appliedHeight: appliedHeight,
		submit:        submit,
		fed:           make(map[uint64]string),
	}
}

// Run consumes notification hashes until ctx is done. An initial catch-up
// walk backfills blocks missed while the daemon was down; the ticker repeats
// it in case zmq notifications were dropped.
func (f *Feeder) Run(ctx context.Context, hashes <-chan string) {
	if err := f.catchUp(ctx); err != nil {
		misc.Warnf(f.logger, "initial catch-up for %s failed: %v", f.currency, err)
	}
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case hash := <-hashes:
			if err := f.handle(ctx, hash); err != nil {
				misc.Warnf(f.logger, "handling %s notification %s: %v", f.currency, hash, err)
			}
		case <-ticker.C:
			if err := f.catchUp(ctx); err != nil {
				misc.Warnf(f.logger, "catch-up for %s failed: %v", f.currency, err)
			}
		}
	}
}

func (f *Feeder) handle(ctx context.Context, hash string) error {
	blk, err := f.verus.block(ctx, f.currency, hash)
	if err != nil {
		return err
	}
	applied, err := f.appliedHeight(ctx)
	if err != nil {
		return err
	}
	if blk.Height <= applied {
		// the tip moved backwards: everything from the new height up is off
		// the active chain now
		misc.Warnf(f.logger, "reorg on %s: new tip %d at or below applied height %d", f.currency, blk.Height, applied)
		for h := applied; h >= blk.Height && h > 0; h-- {
			ev := pool.BlockDisconnected{CurrencyID: f.currency, Height: h, Hash: f.fed[h]}
			if err := f.submit(ev); err != nil {
				return err
			}
			delete(f.fed, h)
		}
	}
	return f.catchUp(ctx)
}

// catchUp emits a connected event for every height above the applied
// watermark up to the current chain tip.
func (f *Feeder) catchUp(ctx context.Context) error {
	applied, err := f.appliedHeight(ctx)
	if err != nil {
		return err
	}
	tip, err := f.verus.TipHeight(ctx, f.currency)
	if err != nil {
		return err
	}
	if tip <= applied {
		return nil
	}
	addrs, err := f.activeAddrs(ctx)
	if err != nil {
		return err
	}
	for h := applied + 1; h <= tip; h++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		hash, err := f.verus.BlockAt(ctx, f.currency, h)
		if err != nil {
			return err
		}
		ev, err := f.verus.ConnectedEvent(ctx, f.currency, hash, addrs)
		if err != nil {
			return err
		}
		if err := f.submit(ev); err != nil {
			return err
		}
		f.remember(h, hash)
	}
	return nil
}

func (f *Feeder) remember(height uint64, hash string) {
	f.fed[height] = hash
	if height > f.topFed {
		f.topFed = height
	}
	if old := f.topFed - recentWindow; old > 0 {
		delete(f.fed, old)
	}
}
