package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mailgun/holster/v4/syncutil"

	"github.com/vrscpool/poolmgr/internal/api"
	"github.com/vrscpool/poolmgr/internal/coordinator"
	"github.com/vrscpool/poolmgr/internal/disburse"
	"github.com/vrscpool/poolmgr/internal/gateway"
	"github.com/vrscpool/poolmgr/internal/ledger"
	"github.com/vrscpool/poolmgr/internal/lib/misc"
	"github.com/vrscpool/poolmgr/internal/pool"
	"github.com/vrscpool/poolmgr/internal/settle"
	"github.com/vrscpool/poolmgr/internal/store"
	"github.com/vrscpool/poolmgr/internal/tracker"
)

// defaultMaturityDepth is the Verus coinbase maturity; a found stake settles
// once its block is this many confirmations deep.
const defaultMaturityDepth = 150

// Daemon provides a 'little' separation in that we initialize it with some data
// from the App global set up by the process startup, but otherwise it owns all
// of the long-running machinery: the store, one event pipeline per currency,
// the disbursement batchers and the query api.
type Daemon struct {
	logger *slog.Logger
	cfg    *PoolConfig
	verus  *gateway.Verus

	store *store.Store
	coord *coordinator.Coordinator
	api   *api.Server
}

func newDaemon() (*Daemon, error) {
	st, err := App.openStore()
	if err != nil {
		return nil, err
	}
	shares := ledger.New(App.logger)
	engine := settle.New(App.logger, shares)
	track := tracker.New(App.logger, engine, shares, App.verus, func(currency string) tracker.Params {
		p := tracker.Params{MaturityDepth: defaultMaturityDepth}
		cc, err := App.cfg.currency(currency)
		if err != nil {
			return p
		}
		if cc.MaturityDepth > 0 {
			p.MaturityDepth = cc.MaturityDepth
		}
		p.FeeDiscount = cc.FeeDiscount
		return p
	})

	return &Daemon{
		logger: App.logger,
		cfg:    App.cfg,
		verus:  App.verus,
		store:  st,
		coord:  coordinator.New(App.logger, st, shares, track),
		api:    api.New(App.logger, st),
	}, nil
}

func (d *Daemon) start(ctx context.Context, wg *sync.WaitGroup) {
	d.logger.Info("Starting poolmgr daemon")

	// Reconcile and start every currency in parallel; each has its own daemon
	// to talk to, so a slow one shouldn't delay the others.
	fanOut := syncutil.NewFanOut(4)
	for _, cc := range d.cfg.Currencies {
		fanOut.Run(func(val any) error {
			cfg := val.(CurrencyConfig)
			if err := d.coord.StartCurrency(ctx, cfg.CurrencyID); err != nil {
				return err
			}
			d.startCurrencyFeeds(ctx, wg, cfg)
			return nil
		}, cc)
	}
	errs := fanOut.Wait()
	if len(errs) > 0 {
		for _, err := range errs {
			misc.Errorf(d.logger, "currency startup failed: %v", err)
		}
	}

	if d.cfg.APIAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.api.Run(ctx, d.cfg.APIAddr); err != nil && !errors.Is(err, context.Canceled) {
				misc.Errorf(d.logger, "api server exited: %v", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer d.logger.Info("exiting daemon start function")
		<-ctx.Done()
	}()
}

// startCurrencyFeeds wires the zmq listener, the feeder and the disbursement
// batcher for one already-started currency.
func (d *Daemon) startCurrencyFeeds(ctx context.Context, wg *sync.WaitGroup, cfg CurrencyConfig) {
	hashes := make(chan string, 16)

	listener := gateway.NewListener(d.logger, cfg.CurrencyID, cfg.ZMQAddress)
	wg.Add(1)
	go func() {
		defer wg.Done()
		listener.Run(ctx, hashes)
	}()

	feeder := gateway.NewFeeder(
		d.logger, d.verus, cfg.CurrencyID,
		func(ctx context.Context) ([]string, error) {
			return d.activeAddresses(cfg.CurrencyID)
		},
		func(ctx context.Context) (uint64, error) {
			return d.coord.AppliedHeight(cfg.CurrencyID)
		},
		d.coord.Submit,
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		feeder.Run(ctx, hashes)
	}()

	batcher := disburse.New(d.logger, d.store, d.verus,
		time.Duration(cfg.SubmitTimeoutSeconds)*time.Second)
	epoch := cfg.PayoutEveryMinutes
	if epoch <= 0 {
		epoch = 60
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		batcher.Run(ctx, cfg.CurrencyID, epoch)
	}()
}

func (d *Daemon) activeAddresses(currency string) ([]string, error) {
	var addrs []string
	err := d.store.View(func(tx *store.Tx) error {
		active, err := tx.StakersByStatus(currency, pool.StakerActive)
		if err != nil {
			return err
		}
		for addr := range active {
			addrs = append(addrs, addr)
		}
		return nil
	})
	return addrs, err
}

func (d *Daemon) shutdown() {
	d.coord.Stop()
	if err := d.store.Close(); err != nil {
		misc.Warnf(d.logger, "closing store: %v", err)
	}
}
