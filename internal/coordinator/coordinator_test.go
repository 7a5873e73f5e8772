package coordinator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrscpool/poolmgr/internal/gateway"
	"github.com/vrscpool/poolmgr/internal/ledger"
	"github.com/vrscpool/poolmgr/internal/pool"
	"github.com/vrscpool/poolmgr/internal/settle"
	"github.com/vrscpool/poolmgr/internal/store"
	"github.com/vrscpool/poolmgr/internal/tracker"
)

type fakeChain struct {
	tip    uint64
	blocks map[uint64]gateway.BlockInfo
}

func (f *fakeChain) TipHeight(ctx context.Context, currency string) (uint64, error) {
	return f.tip, nil
}

func (f *fakeChain) BlockAt(ctx context.Context, currency string, height uint64) (string, error) {
	info, ok := f.blocks[height]
	if !ok {
		return "", fmt.Errorf("no block at height %d", height)
	}
	return info.Hash, nil
}

func (f *fakeChain) BlockInfoAt(ctx context.Context, currency string, height uint64) (gateway.BlockInfo, error) {
	info, ok := f.blocks[height]
	if !ok {
		return gateway.BlockInfo{}, fmt.Errorf("no block at height %d", height)
	}
	return info, nil
}

func testSetup(t *testing.T, chain *fakeChain, depth uint64) (*store.Store, *Coordinator) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	shares := ledger.New(logger)
	engine := settle.New(logger, shares)
	track := tracker.New(logger, engine, shares, chain, func(string) tracker.Params {
		return tracker.Params{MaturityDepth: depth}
	})
	return st, New(logger, st, shares, track)
}

func addStaker(t *testing.T, st *store.Store, currency, addr string) {
	t.Helper()
	err := st.Update(func(tx *store.Tx) error {
		return tx.PutStaker(&pool.Staker{CurrencyID: currency, Address: addr, Status: pool.StakerActive})
	})
	require.NoError(t, err)
}

func workAt(t *testing.T, st *store.Store, currency string, round uint64) map[string]decimal.Decimal {
	t.Helper()
	var work map[string]decimal.Decimal
	err := st.View(func(tx *store.Tx) error {
		var err error
		work, err = tx.WorkByRound(currency, round)
		return err
	})
	require.NoError(t, err)
	return work
}

func TestConnectedCreditsActiveStakersOnly(t *testing.T) {
	st, c := testSetup(t, &fakeChain{}, 150)
	addStaker(t, st, "VRSC", "alice")

	ev := pool.BlockConnected{
		CurrencyID: "VRSC",
		Height:     1,
		Hash:       "blk1",
		Eligible:   map[string]int64{"alice": 1000, "mallory": 9999},
	}
	require.NoError(t, c.applyConnected(context.Background(), ev))

	work := workAt(t, st, "VRSC", 0)
	require.Len(t, work, 1)
	assert.True(t, decimal.NewFromInt(1000).Equal(work["alice"]))
}

func TestConnectedReplayIsDiscarded(t *testing.T) {
	st, c := testSetup(t, &fakeChain{}, 150)
	addStaker(t, st, "VRSC", "alice")

	ev := pool.BlockConnected{
		CurrencyID: "VRSC",
		Height:     1,
		Hash:       "blk1",
		Eligible:   map[string]int64{"alice": 1000},
	}
	require.NoError(t, c.applyConnected(context.Background(), ev))
	require.NoError(t, c.applyConnected(context.Background(), ev))

	work := workAt(t, st, "VRSC", 0)
	assert.True(t, decimal.NewFromInt(1000).Equal(work["alice"]), "replay must not double-credit, got %s", work["alice"])

	height, err := c.AppliedHeight("VRSC")
	require.NoError(t, err)
	assert.EqualValues(t, 1, height)
}

func TestConnectedRecordsStake(t *testing.T) {
	st, c := testSetup(t, &fakeChain{}, 150)
	addStaker(t, st, "VRSC", "alice")

	ev := pool.BlockConnected{
		CurrencyID:   "VRSC",
		Height:       5,
		Hash:         "blk5",
		Finder:       "alice",
		Reward:       600_000_000,
		SourceTxID:   "srctx",
		SourceAmount: 100_000_000_000,
		Eligible:     map[string]int64{"alice": 1000},
	}
	require.NoError(t, c.applyConnected(context.Background(), ev))

	err := st.View(func(tx *store.Tx) error {
		stk, err := tx.Stake("VRSC", "blk5")
		require.NoError(t, err)
		assert.Equal(t, pool.StakeMaturing, stk.Status)
		assert.Equal(t, "alice", stk.FoundBy)
		assert.EqualValues(t, 0, stk.Round)

		// discovery closes the stake's round and opens the next one
		wm, err := tx.Watermark("VRSC")
		require.NoError(t, err)
		assert.EqualValues(t, 1, wm.Round)
		return nil
	})
	require.NoError(t, err)
}

func TestConnectedIgnoresForeignFinder(t *testing.T) {
	st, c := testSetup(t, &fakeChain{}, 150)
	addStaker(t, st, "VRSC", "alice")

	ev := pool.BlockConnected{
		CurrencyID: "VRSC",
		Height:     5,
		Hash:       "blk5",
		Finder:     "someone-else",
		Reward:     600_000_000,
		Eligible:   map[string]int64{"alice": 1000},
	}
	require.NoError(t, c.applyConnected(context.Background(), ev))

	err := st.View(func(tx *store.Tx) error {
		stakes, err := tx.Stakes("VRSC")
		require.NoError(t, err)
		assert.Empty(t, stakes, "a block staked outside the pool is not tracked")
		return nil
	})
	require.NoError(t, err)
}

func TestCoolingDownCompensation(t *testing.T) {
	st, c := testSetup(t, &fakeChain{blocks: map[uint64]gateway.BlockInfo{
		5: {Hash: "blk5", Finder: "alice"},
	}}, 150)
	addStaker(t, st, "VRSC", "alice")

	stakeEv := pool.BlockConnected{
		CurrencyID:   "VRSC",
		Height:       5,
		Hash:         "blk5",
		Finder:       "alice",
		Reward:       600_000_000,
		SourceAmount: 500,
		Eligible:     map[string]int64{"alice": 1000},
	}
	require.NoError(t, c.applyConnected(context.Background(), stakeEv))

	// the staked utxo no longer shows as eligible while it cools down; its
	// source amount is still credited to the finder
	nextEv := pool.BlockConnected{
		CurrencyID: "VRSC",
		Height:     6,
		Hash:       "blk6",
		Eligible:   map[string]int64{"alice": 500},
	}
	require.NoError(t, c.applyConnected(context.Background(), nextEv))

	// height 5's credit went into the stake's round; height 6 credits the new
	// round with 500 eligible + 500 compensation
	work := workAt(t, st, "VRSC", 0)
	assert.True(t, decimal.NewFromInt(1000).Equal(work["alice"]), "got %s", work["alice"])
	work = workAt(t, st, "VRSC", 1)
	assert.True(t, decimal.NewFromInt(1000).Equal(work["alice"]), "got %s", work["alice"])
}

func TestMaturityTriggersSettlement(t *testing.T) {
	chain := &fakeChain{blocks: map[uint64]gateway.BlockInfo{
		5: {Hash: "blk5", Finder: "alice"},
	}}
	st, c := testSetup(t, chain, 10)
	addStaker(t, st, "VRSC", "alice")

	stakeEv := pool.BlockConnected{
		CurrencyID: "VRSC",
		Height:     5,
		Hash:       "blk5",
		Finder:     "alice",
		Reward:     1000,
		Eligible:   map[string]int64{"alice": 100},
	}
	require.NoError(t, c.applyConnected(context.Background(), stakeEv))

	// deep enough for maturity on the next event
	matureEv := pool.BlockConnected{
		CurrencyID: "VRSC",
		Height:     15,
		Hash:       "blk15",
		Eligible:   map[string]int64{"alice": 100},
	}
	require.NoError(t, c.applyConnected(context.Background(), matureEv))

	err := st.View(func(tx *store.Tx) error {
		stk, err := tx.Stake("VRSC", "blk5")
		require.NoError(t, err)
		assert.Equal(t, pool.StakeMatured, stk.Status)

		p, err := tx.Payout("VRSC", "blk5")
		require.NoError(t, err)
		assert.EqualValues(t, 1000, p.PoolFee+p.PaidToStakers)

		wm, err := tx.Watermark("VRSC")
		require.NoError(t, err)
		assert.EqualValues(t, 1, wm.Round, "the stake's round closed at discovery")
		return nil
	})
	require.NoError(t, err)

	// the credit from the confirming block lands in the open round
	work := workAt(t, st, "VRSC", 1)
	assert.True(t, decimal.NewFromInt(100).Equal(work["alice"]))
}

func TestOverlappingStakesBothSettle(t *testing.T) {
	chain := &fakeChain{blocks: map[uint64]gateway.BlockInfo{
		5: {Hash: "blk5", Finder: "alice"},
		6: {Hash: "blk6", Finder: "alice"},
	}}
	st, c := testSetup(t, chain, 10)
	addStaker(t, st, "VRSC", "alice")

	for _, ev := range []pool.BlockConnected{
		{CurrencyID: "VRSC", Height: 5, Hash: "blk5", Finder: "alice", Reward: 1000, Eligible: map[string]int64{"alice": 100}},
		{CurrencyID: "VRSC", Height: 6, Hash: "blk6", Finder: "alice", Reward: 2000, Eligible: map[string]int64{"alice": 100}},
	} {
		require.NoError(t, c.applyConnected(context.Background(), ev))
	}

	// deep enough for both pending stakes to mature in a single pass
	require.NoError(t, c.applyConnected(context.Background(), pool.BlockConnected{
		CurrencyID: "VRSC", Height: 17, Hash: "blk17",
		Eligible: map[string]int64{"alice": 100},
	}))

	err := st.View(func(tx *store.Tx) error {
		payouts, err := tx.Payouts("VRSC")
		require.NoError(t, err)
		require.Len(t, payouts, 2)
		for _, p := range payouts {
			assert.EqualValues(t, p.Reward, p.PoolFee+p.PaidToStakers)
		}

		wm, err := tx.Watermark("VRSC")
		require.NoError(t, err)
		assert.EqualValues(t, 17, wm.Height, "the pipeline keeps advancing past both settlements")
		assert.EqualValues(t, 2, wm.Round)
		return nil
	})
	require.NoError(t, err)
}

func TestOverlappingStakesStaggeredSettle(t *testing.T) {
	chain := &fakeChain{blocks: map[uint64]gateway.BlockInfo{
		5: {Hash: "blk5", Finder: "alice"},
		6: {Hash: "blk6", Finder: "alice"},
	}}
	st, c := testSetup(t, chain, 10)
	addStaker(t, st, "VRSC", "alice")

	for _, ev := range []pool.BlockConnected{
		{CurrencyID: "VRSC", Height: 5, Hash: "blk5", Finder: "alice", Reward: 1000, Eligible: map[string]int64{"alice": 100}},
		{CurrencyID: "VRSC", Height: 6, Hash: "blk6", Finder: "alice", Reward: 2000, Eligible: map[string]int64{"alice": 100}},
		// deep enough for blk5 only; blk6 is still one confirmation short
		{CurrencyID: "VRSC", Height: 15, Hash: "blk15", Eligible: map[string]int64{"alice": 100}},
	} {
		require.NoError(t, c.applyConnected(context.Background(), ev))
	}

	err := st.View(func(tx *store.Tx) error {
		_, err := tx.Payout("VRSC", "blk5")
		require.NoError(t, err)
		_, err = tx.Payout("VRSC", "blk6")
		assert.ErrorIs(t, err, pool.ErrNotFound)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, c.applyConnected(context.Background(), pool.BlockConnected{
		CurrencyID: "VRSC", Height: 16, Hash: "blk16",
		Eligible: map[string]int64{"alice": 100},
	}))

	err = st.View(func(tx *store.Tx) error {
		p, err := tx.Payout("VRSC", "blk6")
		require.NoError(t, err)
		assert.EqualValues(t, p.Reward, p.PoolFee+p.PaidToStakers)

		wm, err := tx.Watermark("VRSC")
		require.NoError(t, err)
		assert.EqualValues(t, 16, wm.Height)
		return nil
	})
	require.NoError(t, err)
}

func TestDisconnectedRollsBackAndStales(t *testing.T) {
	st, c := testSetup(t, &fakeChain{}, 150)
	addStaker(t, st, "VRSC", "alice")

	stakeEv := pool.BlockConnected{
		CurrencyID: "VRSC",
		Height:     5,
		Hash:       "blk5",
		Finder:     "alice",
		Reward:     1000,
		Eligible:   map[string]int64{"alice": 100},
	}
	require.NoError(t, c.applyConnected(context.Background(), stakeEv))

	require.NoError(t, c.applyDisconnected(context.Background(), pool.BlockDisconnected{
		CurrencyID: "VRSC", Height: 5, Hash: "blk5",
	}))

	err := st.View(func(tx *store.Tx) error {
		stk, err := tx.Stake("VRSC", "blk5")
		require.NoError(t, err)
		assert.Equal(t, pool.StakeStale, stk.Status)

		wm, err := tx.Watermark("VRSC")
		require.NoError(t, err)
		assert.EqualValues(t, 4, wm.Height, "watermark rolls back so the replacement block is accepted")
		return nil
	})
	require.NoError(t, err)

	// the stale stake's shares roll forward into the open round instead of
	// being discarded
	work := workAt(t, st, "VRSC", 1)
	assert.True(t, decimal.NewFromInt(100).Equal(work["alice"]))
	work = workAt(t, st, "VRSC", 0)
	assert.Empty(t, work)
}

func TestDisconnectedAtHeightZeroIsNoop(t *testing.T) {
	st, c := testSetup(t, &fakeChain{}, 150)

	require.NoError(t, c.applyDisconnected(context.Background(), pool.BlockDisconnected{
		CurrencyID: "VRSC", Height: 0, Hash: "genesis",
	}))

	err := st.View(func(tx *store.Tx) error {
		wm, err := tx.Watermark("VRSC")
		require.NoError(t, err)
		assert.Zero(t, wm.Height, "height must not wrap around")
		return nil
	})
	require.NoError(t, err)
}

func TestDisconnectedBeyondWatermarkIsNoop(t *testing.T) {
	st, c := testSetup(t, &fakeChain{}, 150)

	require.NoError(t, c.applyDisconnected(context.Background(), pool.BlockDisconnected{
		CurrencyID: "VRSC", Height: 50, Hash: "blk50",
	}))

	err := st.View(func(tx *store.Tx) error {
		wm, err := tx.Watermark("VRSC")
		require.NoError(t, err)
		assert.Zero(t, wm.Height)
		return nil
	})
	require.NoError(t, err)
}

func TestSubmitRoutesAndStops(t *testing.T) {
	chain := &fakeChain{}
	st, c := testSetup(t, chain, 150)
	addStaker(t, st, "VRSC", "alice")

	require.NoError(t, c.StartCurrency(context.Background(), "VRSC"))
	assert.Error(t, c.StartCurrency(context.Background(), "VRSC"), "double start must fail")

	assert.Error(t, c.Submit(pool.BlockConnected{CurrencyID: "BTC", Height: 1}), "unknown currency is rejected")
	require.NoError(t, c.Submit(pool.BlockConnected{
		CurrencyID: "VRSC", Height: 1, Hash: "blk1",
		Eligible: map[string]int64{"alice": 10},
	}))

	assert.Eventually(t, func() bool {
		h, err := c.AppliedHeight("VRSC")
		return err == nil && h == 1
	}, 5*time.Second, 10*time.Millisecond, "submitted event should be applied")

	c.Stop()
}
