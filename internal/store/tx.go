package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/vrscpool/poolmgr/internal/pool"
)

var errReadOnly = errors.New("write attempted on read-only store view")

func (t *Tx) get(key []byte, out any) (bool, error) {
	b, err := t.r.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(b, out)
}

func (t *Tx) put(key []byte, v any) error {
	if t.w == nil {
		return errReadOnly
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.w.Put(key, b, nil)
}

// Watermark returns the currency's cursor, zero-valued when never written.
func (t *Tx) Watermark(currency string) (pool.Watermark, error) {
	var wm pool.Watermark
	_, err := t.get(watermarkKey(currency), &wm)
	return wm, err
}

func (t *Tx) PutWatermark(currency string, wm pool.Watermark) error {
	return t.put(watermarkKey(currency), wm)
}

// Credit additively merges amount into the (currency, round, addr) work entry,
// creating it on first credit.
func (t *Tx) Credit(currency string, round uint64, addr string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return pool.ErrInvalidAmount
	}
	key := workKey(currency, round, addr)
	var cur decimal.Decimal
	found, err := t.get(key, &cur)
	if err != nil {
		return err
	}
	if found {
		amount = amount.Add(cur)
	}
	return t.put(key, amount)
}

// WorkByRound reads every work entry of a round, keyed by staker address.
func (t *Tx) WorkByRound(currency string, round uint64) (map[string]decimal.Decimal, error) {
	prefix := workPrefix(currency, round)
	it := t.r.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	work := make(map[string]decimal.Decimal)
	for it.Next() {
		addr := string(it.Key()[len(prefix):])
		var shares decimal.Decimal
		if err := json.Unmarshal(it.Value(), &shares); err != nil {
			return nil, fmt.Errorf("decoding work entry for %s: %w", addr, err)
		}
		work[addr] = shares
	}
	return work, it.Error()
}

// MoveWork additively merges every work entry of fromRound into toRound and
// removes the source entries.
func (t *Tx) MoveWork(currency string, fromRound, toRound uint64) error {
	if t.w == nil {
		return errReadOnly
	}
	work, err := t.WorkByRound(currency, fromRound)
	if err != nil {
		return err
	}
	for addr, shares := range work {
		if err := t.Credit(currency, toRound, addr, shares); err != nil {
			return err
		}
		if err := t.w.Delete(workKey(currency, fromRound, addr), nil); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tx) PutStake(st *pool.Stake) error {
	return t.put(stakeKey(st.CurrencyID, st.BlockHash), st)
}

func (t *Tx) Stake(currency, hash string) (*pool.Stake, error) {
	var st pool.Stake
	found, err := t.get(stakeKey(currency, hash), &st)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, pool.ErrNotFound
	}
	return &st, nil
}

func (t *Tx) Stakes(currency string) ([]pool.Stake, error) {
	return t.stakes(currency, "")
}

func (t *Tx) StakesByStatus(currency string, status pool.StakeStatus) ([]pool.Stake, error) {
	return t.stakes(currency, status)
}

func (t *Tx) stakes(currency string, status pool.StakeStatus) ([]pool.Stake, error) {
	it := t.r.NewIterator(util.BytesPrefix(stakePrefix(currency)), nil)
	defer it.Release()

	var stakes []pool.Stake
	for it.Next() {
		var st pool.Stake
		if err := json.Unmarshal(it.Value(), &st); err != nil {
			return nil, err
		}
		if status == "" || st.Status == status {
			stakes = append(stakes, st)
		}
	}
	return stakes, it.Error()
}

// InsertPayout writes the payout and all its member rows, unless the payout
// already exists - replays are a no-op. Reports whether the write happened.
func (t *Tx) InsertPayout(p *pool.Payout, members []pool.PayoutMember) (bool, error) {
	if t.w == nil {
		return false, errReadOnly
	}
	key := payoutKey(p.CurrencyID, p.BlockHash)
	exists, err := t.r.Has(key, nil)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	if err := t.put(key, p); err != nil {
		return false, err
	}
	for i := range members {
		m := &members[i]
		if err := t.put(memberKey(m.CurrencyID, m.BlockHash, m.Address), m); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (t *Tx) Payout(currency, hash string) (*pool.Payout, error) {
	var p pool.Payout
	found, err := t.get(payoutKey(currency, hash), &p)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, pool.ErrNotFound
	}
	return &p, nil
}

func (t *Tx) Payouts(currency string) ([]pool.Payout, error) {
	it := t.r.NewIterator(util.BytesPrefix(payoutPrefix(currency)), nil)
	defer it.Release()

	var payouts []pool.Payout
	for it.Next() {
		var p pool.Payout
		if err := json.Unmarshal(it.Value(), &p); err != nil {
			return nil, err
		}
		payouts = append(payouts, p)
	}
	return payouts, it.Error()
}

// PoolFeeTotal sums the pool's retained fee over every settled payout. Fees
// are never disbursed; this is the attributable operator balance.
func (t *Tx) PoolFeeTotal(currency string) (int64, error) {
	payouts, err := t.Payouts(currency)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, p := range payouts {
		total += p.PoolFee
	}
	return total, nil
}

func (t *Tx) members(currency string, keep func(*pool.PayoutMember) bool) ([]pool.PayoutMember, error) {
	it := t.r.NewIterator(util.BytesPrefix(memberPrefix(currency)), nil)
	defer it.Release()

	var members []pool.PayoutMember
	for it.Next() {
		var m pool.PayoutMember
		if err := json.Unmarshal(it.Value(), &m); err != nil {
			return nil, err
		}
		if keep == nil || keep(&m) {
			members = append(members, m)
		}
	}
	return members, it.Error()
}

// UnpaidMembers returns every member row without a payment id, claimed or not.
func (t *Tx) UnpaidMembers(currency string) ([]pool.PayoutMember, error) {
	return t.members(currency, func(m *pool.PayoutMember) bool {
		return m.PaymentID == ""
	})
}

func (t *Tx) MembersByStaker(currency, addr string) ([]pool.PayoutMember, error) {
	return t.members(currency, func(m *pool.PayoutMember) bool {
		return m.Address == addr
	})
}

// ClaimMember puts the member row under batchID. The claim is conditional: it
// fails with ErrClaimConflict when the row is already claimed or already paid,
// which keeps a restarted batcher from double-spending a row.
func (t *Tx) ClaimMember(currency, hash, addr, batchID string) error {
	key := memberKey(currency, hash, addr)
	var m pool.PayoutMember
	found, err := t.get(key, &m)
	if err != nil {
		return err
	}
	if !found {
		return pool.ErrNotFound
	}
	if m.PaymentID != "" || (m.BatchID != "" && m.BatchID != batchID) {
		return pool.ErrClaimConflict
	}
	m.BatchID = batchID
	return t.put(key, &m)
}

// AttachPayment writes paymentID into every unpaid row claimed under batchID
// and returns how many rows were updated.
func (t *Tx) AttachPayment(currency, batchID, paymentID string) (int, error) {
	return t.updateBatch(currency, batchID, func(m *pool.PayoutMember) {
		m.PaymentID = paymentID
	})
}

// ReleaseClaim clears the claim on every unpaid row of batchID so a later
// disbursement pass can retry them.
func (t *Tx) ReleaseClaim(currency, batchID string) (int, error) {
	return t.updateBatch(currency, batchID, func(m *pool.PayoutMember) {
		m.BatchID = ""
	})
}

func (t *Tx) updateBatch(currency, batchID string, mutate func(*pool.PayoutMember)) (int, error) {
	if batchID == "" {
		return 0, errors.New("batch id must not be empty")
	}
	claimed, err := t.members(currency, func(m *pool.PayoutMember) bool {
		return m.BatchID == batchID && m.PaymentID == ""
	})
	if err != nil {
		return 0, err
	}
	for i := range claimed {
		m := &claimed[i]
		mutate(m)
		if err := t.put(memberKey(m.CurrencyID, m.BlockHash, m.Address), m); err != nil {
			return 0, err
		}
	}
	return len(claimed), nil
}

// PutStaker exists for the subscriber registry (and tests); the ledger engine
// itself never writes staker rows.
func (t *Tx) PutStaker(st *pool.Staker) error {
	return t.put(stakerKey(st.CurrencyID, st.Address), st)
}

func (t *Tx) Staker(currency, addr string) (*pool.Staker, error) {
	var st pool.Staker
	found, err := t.get(stakerKey(currency, addr), &st)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, pool.ErrNotFound
	}
	return &st, nil
}

func (t *Tx) StakersByStatus(currency string, status pool.StakerStatus) (map[string]pool.Staker, error) {
	it := t.r.NewIterator(util.BytesPrefix(stakerPrefix(currency)), nil)
	defer it.Release()

	stakers := make(map[string]pool.Staker)
	for it.Next() {
		var st pool.Staker
		if err := json.Unmarshal(it.Value(), &st); err != nil {
			return nil, err
		}
		if st.Status == status {
			stakers[st.Address] = st
		}
	}
	return stakers, it.Error()
}
