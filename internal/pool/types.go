package pool

import (
	"github.com/shopspring/decimal"
)

type StakerStatus string

const (
	StakerActive      StakerStatus = "ACTIVE"
	StakerCoolingDown StakerStatus = "COOLING_DOWN"
	StakerInactive    StakerStatus = "INACTIVE"
)

// Staker is a pool participant in one currency. Staker records are owned by
// the subscriber registry; the ledger engine only ever reads them.
type Staker struct {
	CurrencyID string          `json:"currencyid"`
	Address    string          `json:"address"`
	Status     StakerStatus    `json:"status"`
	FeeRate    decimal.Decimal `json:"feerate"`   // fraction, 0.05 == 5%
	MinPayout  int64           `json:"minpayout"` // sats
}

type StakeStatus string

const (
	StakeMaturing StakeStatus = "MATURING"
	StakeMatured  StakeStatus = "MATURED"
	StakeStale    StakeStatus = "STALE"
	// StakeStolen flags a block whose chain-reported finder doesn't match our
	// local attribution. Never paid out - held for operator review.
	StakeStolen StakeStatus = "STOLEN"
)

// Stake is a block found by a pool participant. Keyed on (currency, block
// hash); rows are never deleted so the table doubles as an audit trail.
type Stake struct {
	CurrencyID   string      `json:"currencyid"`
	BlockHash    string      `json:"blockhash"`
	BlockHeight  uint64      `json:"blockheight"`
	Reward       int64       `json:"reward"` // sats
	FoundBy      string      `json:"foundby"`
	SourceTxID   string      `json:"sourcetxid"`
	SourceVout   uint32      `json:"sourcevout"`
	SourceAmount int64       `json:"sourceamount"`
	Status       StakeStatus `json:"status"`
	Round        uint64      `json:"round"` // the round this stake settles
}

// Payout is the settlement record for one matured stake. PoolFee + PaidToStakers
// always equals Reward exactly; the flooring residual lands in PoolFee.
type Payout struct {
	CurrencyID    string          `json:"currencyid"`
	BlockHash     string          `json:"blockhash"`
	BlockHeight   uint64          `json:"blockheight"`
	Reward        int64           `json:"reward"`
	TotalWork     decimal.Decimal `json:"totalwork"`
	PoolFee       int64           `json:"poolfee"`
	PaidToStakers int64           `json:"paidtostakers"`
	MemberCount   int             `json:"membercount"`
}

// PayoutMember is one staker's slice of a Payout. BatchID is set while a
// disbursement batch holds a claim on the row; PaymentID once the payment is
// confirmed on chain.
type PayoutMember struct {
	CurrencyID string          `json:"currencyid"`
	Address    string          `json:"address"`
	BlockHash  string          `json:"blockhash"`
	Shares     decimal.Decimal `json:"shares"`
	Reward     int64           `json:"reward"` // net of fee
	Fee        int64           `json:"fee"`
	BatchID    string          `json:"batchid,omitempty"`
	PaymentID  string          `json:"paymentid,omitempty"`
}

// Watermark is the per-currency durable cursor: the last block applied by the
// event coordinator and the round currently open for share credits.
type Watermark struct {
	Height uint64 `json:"height"`
	Hash   string `json:"hash"`
	Round  uint64 `json:"round"`
}

// StakerBalance summarizes a staker's settled rewards: confirmed paid out vs
// still pending disbursement.
type StakerBalance struct {
	Paid    int64 `json:"paid"`
	Pending int64 `json:"pending"`
}
