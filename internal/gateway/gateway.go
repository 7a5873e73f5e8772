// Package gateway is the boundary to the blockchain daemons: it supplies the
// per-currency chain event stream and carries outgoing payment requests.
package gateway

import (
	"context"
	"errors"
)

// BlockInfo identifies the block on the active chain at some height. Finder is
// the address the chain credited with the stake reward, empty for non-stake
// blocks.
type BlockInfo struct {
	Hash   string
	Finder string
}

type Recipient struct {
	Address string
	Amount  int64 // sats
}

// ErrRejected marks a permanently rejected payment request (malformed address,
// unspendable amount). Anything else from SubmitPayment is transient and
// safe to retry.
var ErrRejected = errors.New("payment request rejected")

// ChainReader is the read side of the gateway, used by the tracker for
// maturity confirmation and restart reconciliation.
type ChainReader interface {
	TipHeight(ctx context.Context, currency string) (uint64, error)
	BlockAt(ctx context.Context, currency string, height uint64) (string, error)
	BlockInfoAt(ctx context.Context, currency string, height uint64) (BlockInfo, error)
}

// PaymentSubmitter submits one aggregated payment. Resubmitting with an
// idempotency key already seen must return the original payment id instead of
// paying twice.
type PaymentSubmitter interface {
	SubmitPayment(ctx context.Context, currency, idempotencyKey string, recipients []Recipient) (string, error)
}

type Gateway interface {
	ChainReader
	PaymentSubmitter
}
