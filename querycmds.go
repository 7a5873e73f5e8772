package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v3"

	"github.com/vrscpool/poolmgr/internal/pool"
	"github.com/vrscpool/poolmgr/internal/store"
)

func GetQueryCmdOpts() *cli.Command {
	currencyFlag := &cli.StringFlag{
		Name:     "currency",
		Usage:    "Currency id to query",
		Value:    "VRSC",
		Aliases:  []string{"c"},
		Sources:  cli.EnvVars("POOL_CURRENCY"),
		Required: false,
	}
	return &cli.Command{
		Name:    "query",
		Aliases: []string{"q"},
		Usage:   "Query the ledger store (daemon must not hold it open)",
		Before:  checkConfigured,
		Commands: []*cli.Command{
			{
				Name:  "stakes",
				Usage: "List stakes found by pool participants",
				Flags: []cli.Flag{
					currencyFlag,
					&cli.StringFlag{
						Name:  "status",
						Usage: "Filter by status (MATURING, MATURED, STALE, STOLEN)",
					},
				},
				Action: queryStakes,
			},
			{
				Name:   "payouts",
				Usage:  "List settled payouts",
				Flags:  []cli.Flag{currencyFlag},
				Action: queryPayouts,
			},
			{
				Name:  "balance",
				Usage: "Show a staker's paid and pending rewards",
				Flags: []cli.Flag{
					currencyFlag,
					&cli.StringFlag{Name: "address", Usage: "Staker address", Required: true},
				},
				Action: queryBalance,
			},
		},
	}
}

func queryStakes(ctx context.Context, cmd *cli.Command) error {
	var stakes []pool.Stake
	err := withStore(func(tx *store.Tx) error {
		var err error
		if status := cmd.String("status"); status != "" {
			stakes, err = tx.StakesByStatus(cmd.String("currency"), pool.StakeStatus(status))
		} else {
			stakes, err = tx.Stakes(cmd.String("currency"))
		}
		return err
	})
	if err != nil {
		return err
	}
	return printJSON(stakes)
}

func queryPayouts(ctx context.Context, cmd *cli.Command) error {
	var payouts []pool.Payout
	err := withStore(func(tx *store.Tx) error {
		var err error
		payouts, err = tx.Payouts(cmd.String("currency"))
		return err
	})
	if err != nil {
		return err
	}
	return printJSON(payouts)
}

func queryBalance(ctx context.Context, cmd *cli.Command) error {
	var bal pool.StakerBalance
	err := withStore(func(tx *store.Tx) error {
		members, err := tx.MembersByStaker(cmd.String("currency"), cmd.String("address"))
		if err != nil {
			return err
		}
		for _, m := range members {
			if m.PaymentID != "" {
				bal.Paid += m.Reward
			} else {
				bal.Pending += m.Reward
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return printJSON(bal)
}

func GetStakerCmdOpts() *cli.Command {
	currencyFlag := &cli.StringFlag{
		Name:    "currency",
		Usage:   "Currency id",
		Value:   "VRSC",
		Aliases: []string{"c"},
		Sources: cli.EnvVars("POOL_CURRENCY"),
	}
	return &cli.Command{
		Name:    "staker",
		Aliases: []string{"s"},
		Usage:   "Manage pool participants",
		Before:  checkConfigured,
		Commands: []*cli.Command{
			{
				Name:  "add",
				Usage: "Register a staker (or replace their settings)",
				Flags: []cli.Flag{
					currencyFlag,
					&cli.StringFlag{Name: "address", Usage: "Staker payout address", Required: true},
					&cli.StringFlag{Name: "fee", Usage: "Fee rate as a fraction, eg 0.05", Value: "0.05"},
					&cli.IntFlag{Name: "minpayout", Usage: "Minimum payout in sats", Value: 100_000_000},
				},
				Action: stakerAdd,
			},
			{
				Name:  "set-status",
				Usage: "Change a staker's status (ACTIVE, COOLING_DOWN, INACTIVE)",
				Flags: []cli.Flag{
					currencyFlag,
					&cli.StringFlag{Name: "address", Usage: "Staker payout address", Required: true},
					&cli.StringFlag{Name: "status", Usage: "New status", Required: true},
				},
				Action: stakerSetStatus,
			},
			{
				Name:   "list",
				Usage:  "List all stakers",
				Flags:  []cli.Flag{currencyFlag},
				Action: stakerList,
			},
		},
	}
}

func stakerAdd(ctx context.Context, cmd *cli.Command) error {
	fee, err := decimal.NewFromString(cmd.String("fee"))
	if err != nil {
		return fmt.Errorf("bad fee rate: %w", err)
	}
	if fee.IsNegative() || fee.GreaterThan(decimal.NewFromInt(1)) {
		return errors.New("fee rate must be between 0 and 1")
	}
	st := &pool.Staker{
		CurrencyID: cmd.String("currency"),
		Address:    cmd.String("address"),
		Status:     pool.StakerActive,
		FeeRate:    fee,
		MinPayout:  cmd.Value("minpayout").(int64),
	}
	return withStoreUpdate(func(tx *store.Tx) error {
		return tx.PutStaker(st)
	})
}

func stakerSetStatus(ctx context.Context, cmd *cli.Command) error {
	status := pool.StakerStatus(cmd.String("status"))
	switch status {
	case pool.StakerActive, pool.StakerCoolingDown, pool.StakerInactive:
	default:
		return fmt.Errorf("unknown status %q", status)
	}
	return withStoreUpdate(func(tx *store.Tx) error {
		st, err := tx.Staker(cmd.String("currency"), cmd.String("address"))
		if err != nil {
			return err
		}
		st.Status = status
		return tx.PutStaker(st)
	})
}

func stakerList(ctx context.Context, cmd *cli.Command) error {
	all := make(map[string]pool.Staker)
	err := withStore(func(tx *store.Tx) error {
		for _, status := range []pool.StakerStatus{pool.StakerActive, pool.StakerCoolingDown, pool.StakerInactive} {
			stakers, err := tx.StakersByStatus(cmd.String("currency"), status)
			if err != nil {
				return err
			}
			for addr, st := range stakers {
				all[addr] = st
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return printJSON(all)
}

func withStore(fn func(*store.Tx) error) error {
	st, err := App.openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	return st.View(fn)
}

func withStoreUpdate(fn func(*store.Tx) error) error {
	st, err := App.openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	return st.Update(fn)
}

func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
