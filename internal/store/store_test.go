package store

import (
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrscpool/poolmgr/internal/pool"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestWatermarkRoundtrip(t *testing.T) {
	st := testStore(t)

	err := st.View(func(tx *Tx) error {
		wm, err := tx.Watermark("VRSC")
		require.NoError(t, err)
		assert.Zero(t, wm.Height, "unwritten watermark should be zero-valued")
		assert.Zero(t, wm.Round)
		return nil
	})
	require.NoError(t, err)

	err = st.Update(func(tx *Tx) error {
		return tx.PutWatermark("VRSC", pool.Watermark{Height: 1234, Hash: "abcd", Round: 7})
	})
	require.NoError(t, err)

	err = st.View(func(tx *Tx) error {
		wm, err := tx.Watermark("VRSC")
		require.NoError(t, err)
		assert.EqualValues(t, 1234, wm.Height)
		assert.Equal(t, "abcd", wm.Hash)
		assert.EqualValues(t, 7, wm.Round)
		return nil
	})
	require.NoError(t, err)
}

func TestViewIsReadOnly(t *testing.T) {
	st := testStore(t)

	err := st.View(func(tx *Tx) error {
		return tx.PutWatermark("VRSC", pool.Watermark{Height: 1})
	})
	assert.ErrorIs(t, err, errReadOnly)
}

func TestUpdateRollsBackOnError(t *testing.T) {
	st := testStore(t)

	wantErr := assert.AnError
	err := st.Update(func(tx *Tx) error {
		if err := tx.PutWatermark("VRSC", pool.Watermark{Height: 99}); err != nil {
			return err
		}
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)

	err = st.View(func(tx *Tx) error {
		wm, err := tx.Watermark("VRSC")
		require.NoError(t, err)
		assert.Zero(t, wm.Height, "failed update must not persist")
		return nil
	})
	require.NoError(t, err)
}

func TestInsertPayoutIsInsertIfAbsent(t *testing.T) {
	st := testStore(t)

	p := &pool.Payout{CurrencyID: "VRSC", BlockHash: "blk1", Reward: 1000, PaidToStakers: 900, PoolFee: 100}
	members := []pool.PayoutMember{
		{CurrencyID: "VRSC", BlockHash: "blk1", Address: "alice", Reward: 900},
	}
	err := st.Update(func(tx *Tx) error {
		inserted, err := tx.InsertPayout(p, members)
		require.NoError(t, err)
		assert.True(t, inserted)

		inserted, err = tx.InsertPayout(p, members)
		require.NoError(t, err)
		assert.False(t, inserted, "second insert of the same payout must be a no-op")
		return nil
	})
	require.NoError(t, err)
}

func TestClaimConflict(t *testing.T) {
	st := testStore(t)

	members := []pool.PayoutMember{
		{CurrencyID: "VRSC", BlockHash: "blk1", Address: "alice", Reward: 500},
	}
	err := st.Update(func(tx *Tx) error {
		_, err := tx.InsertPayout(&pool.Payout{CurrencyID: "VRSC", BlockHash: "blk1"}, members)
		return err
	})
	require.NoError(t, err)

	err = st.Update(func(tx *Tx) error {
		require.NoError(t, tx.ClaimMember("VRSC", "blk1", "alice", "batch-1"))
		// re-claiming under the same batch is idempotent
		require.NoError(t, tx.ClaimMember("VRSC", "blk1", "alice", "batch-1"))
		// a different batch must not steal the row
		assert.ErrorIs(t, tx.ClaimMember("VRSC", "blk1", "alice", "batch-2"), pool.ErrClaimConflict)
		return nil
	})
	require.NoError(t, err)
}

func TestClaimMissingMember(t *testing.T) {
	st := testStore(t)

	err := st.Update(func(tx *Tx) error {
		return tx.ClaimMember("VRSC", "nosuch", "alice", "batch-1")
	})
	assert.ErrorIs(t, err, pool.ErrNotFound)
}

func TestAttachPaymentAndRelease(t *testing.T) {
	st := testStore(t)

	members := []pool.PayoutMember{
		{CurrencyID: "VRSC", BlockHash: "blk1", Address: "alice", Reward: 500},
		{CurrencyID: "VRSC", BlockHash: "blk2", Address: "alice", Reward: 300},
		{CurrencyID: "VRSC", BlockHash: "blk1", Address: "bob", Reward: 200},
	}
	err := st.Update(func(tx *Tx) error {
		for i := range members {
			m := members[i]
			if _, err := tx.InsertPayout(&pool.Payout{CurrencyID: "VRSC", BlockHash: m.BlockHash + m.Address}, []pool.PayoutMember{m}); err != nil {
				return err
			}
		}
		require.NoError(t, tx.ClaimMember("VRSC", "blk1", "alice", "batch-1"))
		require.NoError(t, tx.ClaimMember("VRSC", "blk2", "alice", "batch-1"))
		return nil
	})
	require.NoError(t, err)

	// releasing clears only the claimed rows
	err = st.Update(func(tx *Tx) error {
		n, err := tx.ReleaseClaim("VRSC", "batch-1")
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		return nil
	})
	require.NoError(t, err)

	err = st.Update(func(tx *Tx) error {
		require.NoError(t, tx.ClaimMember("VRSC", "blk1", "alice", "batch-1"))
		require.NoError(t, tx.ClaimMember("VRSC", "blk2", "alice", "batch-1"))
		n, err := tx.AttachPayment("VRSC", "batch-1", "txid-1")
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		return nil
	})
	require.NoError(t, err)

	err = st.View(func(tx *Tx) error {
		unpaid, err := tx.UnpaidMembers("VRSC")
		require.NoError(t, err)
		require.Len(t, unpaid, 1)
		assert.Equal(t, "bob", unpaid[0].Address)

		paid, err := tx.MembersByStaker("VRSC", "alice")
		require.NoError(t, err)
		for _, m := range paid {
			assert.Equal(t, "txid-1", m.PaymentID)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestWorkIterationScoping(t *testing.T) {
	st := testStore(t)

	err := st.Update(func(tx *Tx) error {
		require.NoError(t, tx.Credit("VRSC", 0, "alice", decimal.NewFromInt(10)))
		require.NoError(t, tx.Credit("VRSC", 0, "bob", decimal.NewFromInt(20)))
		require.NoError(t, tx.Credit("VRSC", 1, "alice", decimal.NewFromInt(99)))
		require.NoError(t, tx.Credit("VRSCTEST", 0, "alice", decimal.NewFromInt(5)))
		return nil
	})
	require.NoError(t, err)

	err = st.View(func(tx *Tx) error {
		work, err := tx.WorkByRound("VRSC", 0)
		require.NoError(t, err)
		require.Len(t, work, 2)
		assert.True(t, decimal.NewFromInt(10).Equal(work["alice"]))
		assert.True(t, decimal.NewFromInt(20).Equal(work["bob"]))
		return nil
	})
	require.NoError(t, err)
}

func TestStakersByStatus(t *testing.T) {
	st := testStore(t)

	err := st.Update(func(tx *Tx) error {
		for _, s := range []pool.Staker{
			{CurrencyID: "VRSC", Address: "alice", Status: pool.StakerActive},
			{CurrencyID: "VRSC", Address: "bob", Status: pool.StakerCoolingDown},
			{CurrencyID: "VRSC", Address: "carol", Status: pool.StakerActive},
		} {
			s := s
			if err := tx.PutStaker(&s); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = st.View(func(tx *Tx) error {
		active, err := tx.StakersByStatus("VRSC", pool.StakerActive)
		require.NoError(t, err)
		require.Len(t, active, 2)
		assert.Contains(t, active, "alice")
		assert.Contains(t, active, "carol")
		return nil
	})
	require.NoError(t, err)
}

func TestStakesByStatus(t *testing.T) {
	st := testStore(t)

	err := st.Update(func(tx *Tx) error {
		for _, s := range []pool.Stake{
			{CurrencyID: "VRSC", BlockHash: "blk1", BlockHeight: 10, Status: pool.StakeMaturing},
			{CurrencyID: "VRSC", BlockHash: "blk2", BlockHeight: 20, Status: pool.StakeMatured},
			{CurrencyID: "VRSC", BlockHash: "blk3", BlockHeight: 30, Status: pool.StakeMaturing},
		} {
			s := s
			if err := tx.PutStake(&s); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = st.View(func(tx *Tx) error {
		maturing, err := tx.StakesByStatus("VRSC", pool.StakeMaturing)
		require.NoError(t, err)
		assert.Len(t, maturing, 2)

		all, err := tx.Stakes("VRSC")
		require.NoError(t, err)
		assert.Len(t, all, 3)

		_, err = tx.Stake("VRSC", "nosuch")
		assert.ErrorIs(t, err, pool.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}
