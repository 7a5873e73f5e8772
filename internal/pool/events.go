package pool

// Event is a chain notification scoped to one currency. The coordinator
// applies events for a currency strictly one at a time.
type Event interface {
	Currency() string
	EventHeight() uint64
}

// BlockConnected reports a new block on the active chain. The stake fields
// (Reward, Source*) are only populated when the block is a proof-of-stake
// block; Finder then carries the reward destination the chain reports.
type BlockConnected struct {
	CurrencyID string
	Height     uint64
	Hash       string
	PrevHash   string
	Finder     string
	// Eligible maps staker address to the balance (sats) eligible for staking
	// as of this block. Empty when the wallet isn't staking.
	Eligible map[string]int64

	Reward       int64
	SourceTxID   string
	SourceVout   uint32
	SourceAmount int64
}

func (e BlockConnected) Currency() string    { return e.CurrencyID }
func (e BlockConnected) EventHeight() uint64 { return e.Height }

// BlockDisconnected reports a block removed from the active chain by a
// reorganization. Hash may be empty when the transport no longer knows it.
type BlockDisconnected struct {
	CurrencyID string
	Height     uint64
	Hash       string
}

func (e BlockDisconnected) Currency() string    { return e.CurrencyID }
func (e BlockDisconnected) EventHeight() uint64 { return e.Height }
