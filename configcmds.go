package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/manifoldco/promptui"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v3"
)

func GetConfigCmdOpts() *cli.Command {
	return &cli.Command{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Configure the pool and its currencies",
		Commands: []*cli.Command{
			{
				Name:   "init",
				Usage:  "Initialize the pool configuration, prompting for each setting",
				Action: initConfig,
			},
			{
				Name:   "add",
				Usage:  "Add a currency to an existing configuration",
				Before: checkConfigured,
				Action: addCurrency,
			},
			{
				Name:   "show",
				Usage:  "Display the current configuration",
				Before: checkConfigured,
				Action: showConfig,
			},
		},
	}
}

func initConfig(ctx context.Context, cmd *cli.Command) error {
	if len(App.cfg.Currencies) != 0 {
		if _, err := yesNo("A configuration already exists, overwrite"); err != nil {
			return nil
		}
	}
	cfg := &PoolConfig{}

	apiAddr, err := getString("API listen address (blank to disable)", ":8090", func(string) error { return nil })
	if err != nil {
		return err
	}
	cfg.APIAddr = apiAddr

	for {
		cc, err := promptCurrency()
		if err != nil {
			return err
		}
		cfg.Currencies = append(cfg.Currencies, *cc)
		if _, err := yesNo("Add another currency"); err != nil {
			break
		}
	}
	return SavePoolConfig(cfg)
}

func addCurrency(ctx context.Context, cmd *cli.Command) error {
	cc, err := promptCurrency()
	if err != nil {
		return err
	}
	if _, err := App.cfg.currency(cc.CurrencyID); err == nil {
		return fmt.Errorf("currency %s is already configured", cc.CurrencyID)
	}
	App.cfg.Currencies = append(App.cfg.Currencies, *cc)
	return SavePoolConfig(App.cfg)
}

func showConfig(ctx context.Context, cmd *cli.Command) error {
	out := *App.cfg
	// don't echo credentials
	for i := range out.Currencies {
		if out.Currencies[i].RPCPass != "" {
			out.Currencies[i].RPCPass = "********"
		}
	}
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(out)
}

// promptCurrency asks for each of the configuration items of one currency.
func promptCurrency() (*CurrencyConfig, error) {
	var (
		cc  CurrencyConfig
		err error
	)
	cc.CurrencyID, err = getString("Currency id (eg VRSC)", "VRSC", notBlank)
	if err != nil {
		return nil, err
	}
	cc.Name, err = getString("Display name", cc.CurrencyID, notBlank)
	if err != nil {
		return nil, err
	}
	cc.RPCURL, err = getString("Daemon RPC url", "http://127.0.0.1:27486", func(s string) error {
		_, err := url.ParseRequestURI(s)
		return err
	})
	if err != nil {
		return nil, err
	}
	cc.RPCUser, err = getString("Daemon RPC user", "", notBlank)
	if err != nil {
		return nil, err
	}
	cc.RPCPass, err = getString("Daemon RPC password (blank to use POOL_RPCPASS_<id> env)", "", func(string) error { return nil })
	if err != nil {
		return nil, err
	}
	cc.ZMQAddress, err = getString("Daemon zmq hashblock address", "tcp://127.0.0.1:27487", notBlank)
	if err != nil {
		return nil, err
	}
	cc.PoolAddress, err = getString("Pool payout address", "", notBlank)
	if err != nil {
		return nil, err
	}
	discount, err := getString("Pool fee discount, eg 0.01 for 1%", "0", func(s string) error {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return err
		}
		if d.IsNegative() {
			return errors.New("discount cannot be negative")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	cc.FeeDiscount, _ = decimal.NewFromString(discount)
	cc.PayoutEveryMinutes, err = getInt("Minutes between disbursement passes", 60, 1, 60*24)
	if err != nil {
		return nil, err
	}
	return &cc, nil
}

func notBlank(s string) error {
	if s == "" {
		return errors.New("value required")
	}
	return nil
}

func getString(prompt string, defVal string, validate func(string) error) (string, error) {
	return (&promptui.Prompt{
		Label:    prompt,
		Default:  defVal,
		Validate: validate,
	}).Run()
}

func getInt(prompt string, defVal int, minVal int, maxVal int) (int, error) {
	validate := func(input string) error {
		value, err := strconv.Atoi(input)
		if err != nil {
			return err
		}
		if value < minVal || value > maxVal {
			return fmt.Errorf("value must be between %d and %d", minVal, maxVal)
		}
		return nil
	}
	result, err := (&promptui.Prompt{
		Label:    prompt,
		Default:  strconv.Itoa(defVal),
		Validate: validate,
	}).Run()
	if err != nil {
		return 0, err
	}
	value, _ := strconv.Atoi(result)
	return value, nil
}

func yesNo(prompt string) (string, error) {
	return (&promptui.Prompt{
		Label:     prompt,
		IsConfirm: true,
	}).Run()
}
