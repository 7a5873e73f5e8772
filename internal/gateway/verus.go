package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vrscpool/poolmgr/internal/lib/misc"
	"github.com/vrscpool/poolmgr/internal/pool"
)

var satsPerCoin = decimal.NewFromInt(100_000_000)

// eligibleMinConf is the pool-standard confirmation depth a UTXO needs before
// it counts toward a staker's eligible balance.
const eligibleMinConf = 150

type currencyClient struct {
	rpc         *RPCClient
	poolAddress string
	minConf     int
}

// Verus implements Gateway against one verusd per currency.
type Verus struct {
	logger *slog.Logger

	mu         sync.RWMutex
	currencies map[string]*currencyClient
	submitted  map[string]string // idempotency key -> payment id, process lifetime
}

func NewVerus(logger *slog.Logger) *Verus {
	return &Verus{
		logger:     logger,
		currencies: make(map[string]*currencyClient),
		submitted:  make(map[string]string),
	}
}

func (v *Verus) AddCurrency(currency string, rpc *RPCClient, poolAddress string, minConf int) {
	if minConf <= 0 {
		minConf = eligibleMinConf
	}
	v.mu.Lock()
	v.currencies[currency] = &currencyClient{rpc: rpc, poolAddress: poolAddress, minConf: minConf}
	v.mu.Unlock()
}

func (v *Verus) client(currency string) (*currencyClient, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	c, ok := v.currencies[currency]
	if !ok {
		return nil, fmt.Errorf("no daemon configured for currency %s", currency)
	}
	return c, nil
}

type rpcBlock struct {
	Hash              string  `json:"hash"`
	Height            uint64  `json:"height"`
	Confirmations     int64   `json:"confirmations"`
	ValidationType    string  `json:"validationtype"`
	PreviousBlockHash string  `json:"previousblockhash"`
	PosTxDDest        string  `json:"postxddest"`
	PosSourceTxID     string  `json:"possourcetxid"`
	PosSourceVoutNum  uint32  `json:"possourcevoutnum"`
	Tx                []rpcTx `json:"tx"`
}

type rpcTx struct {
	Vin  []rpcValue `json:"vin"`
	Vout []rpcValue `json:"vout"`
}

type rpcValue struct {
	ValueSat int64 `json:"valueSat"`
}

func (v *Verus) TipHeight(ctx context.Context, currency string) (uint64, error) {
	c, err := v.client(currency)
	if err != nil {
		return 0, err
	}
	var height uint64
	if err := c.rpc.Call(ctx, "getblockcount", nil, &height); err != nil {
		return 0, err
	}
	return height, nil
}

func (v *Verus) BlockAt(ctx context.Context, currency string, height uint64) (string, error) {
	c, err := v.client(currency)
	if err != nil {
		return "", err
	}
	var hash string
	if err := c.rpc.Call(ctx, "getblockhash", []any{height}, &hash); err != nil {
		return "", err
	}
	return hash, nil
}

func (v *Verus) BlockInfoAt(ctx context.Context, currency string, height uint64) (BlockInfo, error) {
	hash, err := v.BlockAt(ctx, currency, height)
	if err != nil {
		return BlockInfo{}, err
	}
	blk, err := v.block(ctx, currency, hash)
	if err != nil {
		return BlockInfo{}, err
	}
	info := BlockInfo{Hash: blk.Hash}
	if blk.ValidationType == "stake" {
		info.Finder = blk.PosTxDDest
	}
	return info, nil
}

func (v *Verus) block(ctx context.Context, currency, hash string) (*rpcBlock, error) {
	c, err := v.client(currency)
	if err != nil {
		return nil, err
	}
	var blk rpcBlock
	if err := c.rpc.Call(ctx, "getblock", []any{hash, 2}, &blk); err != nil {
		return nil, err
	}
	return &blk, nil
}

// Staking reports whether the wallet is actively staking; a currency whose
// wallet isn't staking earns no work credit.
func (v *Verus) Staking(ctx context.Context, currency string) (bool, error) {
	c, err := v.client(currency)
	if err != nil {
		return false, err
	}
	var info struct {
		Staking bool `json:"staking"`
	}
	if err := c.rpc.Call(ctx, "getmininginfo", nil, &info); err != nil {
		return false, err
	}
	return info.Staking, nil
}

type unspent struct {
	Address       string          `json:"address"`
	Amount        decimal.Decimal `json:"amount"` // coins
	Confirmations int64           `json:"confirmations"`
}

// eligibleBalances sums each address's sufficiently-confirmed UTXOs, in sats.
func (v *Verus) eligibleBalances(ctx context.Context, currency string, addrs []string) (map[string]int64, error) {
	if len(addrs) == 0 {
		return nil, nil
	}
	c, err := v.client(currency)
	if err != nil {
		return nil, err
	}
	var utxos []unspent
	if err := c.rpc.Call(ctx, "listunspent", []any{c.minConf, 9999999, addrs}, &utxos); err != nil {
		return nil, err
	}
	balances := make(map[string]int64)
	for _, u := range utxos {
		if u.Amount.IsPositive() {
			balances[u.Address] += u.Amount.Mul(satsPerCoin).IntPart()
		}
	}
	return balances, nil
}

// ConnectedEvent builds the BlockConnected event for hash: block identity,
// stake attribution if the block is proof-of-stake, and the eligible balance
// of every given active staker address.
func (v *Verus) ConnectedEvent(ctx context.Context, currency, hash string, activeAddrs []string) (pool.BlockConnected, error) {
	blk, err := v.block(ctx, currency, hash)
	if err != nil {
		return pool.BlockConnected{}, err
	}
	ev := pool.BlockConnected{
		CurrencyID: currency,
		Height:     blk.Height,
		Hash:       blk.Hash,
		PrevHash:   blk.PreviousBlockHash,
	}

	if blk.ValidationType == "stake" && blk.Confirmations >= 0 && blk.PosTxDDest != "" {
		ev.Finder = blk.PosTxDDest
		ev.SourceTxID = blk.PosSourceTxID
		ev.SourceVout = blk.PosSourceVoutNum
		if len(blk.Tx) > 0 && len(blk.Tx[0].Vout) > 0 {
			ev.Reward = blk.Tx[0].Vout[0].ValueSat
		}
		if last := len(blk.Tx) - 1; last >= 0 && len(blk.Tx[last].Vin) > 0 {
			ev.SourceAmount = blk.Tx[last].Vin[0].ValueSat
		}
	}

	staking, err := v.Staking(ctx, currency)
	if err != nil {
		return pool.BlockConnected{}, err
	}
	if !staking {
		misc.Warnf(v.logger, "wallet for %s not staking, no work credited for block %d", currency, blk.Height)
		return ev, nil
	}
	ev.Eligible, err = v.eligibleBalances(ctx, currency, activeAddrs)
	if err != nil {
		return pool.BlockConnected{}, err
	}
	return ev, nil
}

type operationStatus struct {
	Status string `json:"status"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
	Result *struct {
		TxID string `json:"txid"`
	} `json:"result"`
}

// SubmitPayment sends one aggregated payment from the pool address. A key
// already submitted in this process returns the original txid instead of
// paying again.
func (v *Verus) SubmitPayment(ctx context.Context, currency, idempotencyKey string, recipients []Recipient) (string, error) {
	v.mu.RLock()
	txid, seen := v.submitted[idempotencyKey]
	v.mu.RUnlock()
	if seen {
		misc.Infof(v.logger, "payment %s already submitted as %s", idempotencyKey, txid)
		return txid, nil
	}

	c, err := v.client(currency)
	if err != nil {
		return "", err
	}
	outputs := make([]map[string]any, 0, len(recipients))
	for _, r := range recipients {
		if r.Address == "" || r.Amount <= 0 {
			return "", fmt.Errorf("%w: bad recipient %q amount %d", ErrRejected, r.Address, r.Amount)
		}
		outputs = append(outputs, map[string]any{
			"address": r.Address,
			"amount":  json.Number(decimal.New(r.Amount, -8).String()),
		})
	}

	var opid string
	if err := c.rpc.Call(ctx, "sendcurrency", []any{c.poolAddress, outputs}, &opid); err != nil {
		return "", err
	}
	txid, err = v.waitForOperation(ctx, c, opid)
	if err != nil {
		return "", err
	}

	v.mu.Lock()
	v.submitted[idempotencyKey] = txid
	v.mu.Unlock()
	misc.Infof(v.logger, "payment %s submitted for %s: txid %s", idempotencyKey, currency, txid)
	return txid, nil
}

// waitForOperation polls the async sendcurrency operation until it leaves the
// queued/executing states.
func (v *Verus) waitForOperation(ctx context.Context, c *currencyClient, opid string) (string, error) {
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
		var statuses []operationStatus
		if err := c.rpc.Call(ctx, "z_getoperationstatus", []any{[]string{opid}}, &statuses); err != nil {
			return "", err
		}
		if len(statuses) == 0 {
			continue
		}
		st := statuses[0]
		switch st.Status {
		case "queued", "executing":
			continue
		case "success":
			if st.Result == nil {
				return "", fmt.Errorf("operation %s succeeded without a txid", opid)
			}
			return st.Result.TxID, nil
		default:
			msg := st.Status
			if st.Error != nil {
				msg = st.Error.Message
			}
			return "", fmt.Errorf("%w: operation %s failed: %s", ErrRejected, opid, msg)
		}
	}
}
