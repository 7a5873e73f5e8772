package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/shopspring/decimal"
)

// CurrencyConfig describes one staked currency and the verusd that serves it.
type CurrencyConfig struct {
	CurrencyID  string `json:"currencyid"`
	Name        string `json:"name"`
	RPCURL      string `json:"rpcurl"`
	RPCUser     string `json:"rpcuser"`
	RPCPass     string `json:"rpcpass,omitempty"`
	ZMQAddress  string `json:"zmqaddress"`
	PoolAddress string `json:"pooladdress"`
	// MinConf is the confirmation depth a UTXO needs to count as eligible
	// balance. 0 means the pool default.
	MinConf int `json:"minconf,omitempty"`
	// MaturityDepth is the confirmation depth at which a found stake is
	// settled. 0 means the chain default.
	MaturityDepth uint64 `json:"maturitydepth,omitempty"`
	// FeeDiscount is subtracted from every staker's fee rate, eg 0.01 for a
	// promotional 1% discount.
	FeeDiscount          decimal.Decimal `json:"feediscount"`
	PayoutEveryMinutes   int             `json:"payouteveryminutes"`
	SubmitTimeoutSeconds int             `json:"submittimeoutseconds,omitempty"`
}

// rpcPass allows the daemon credential to come from the environment instead of
// sitting in the config file.
func (c *CurrencyConfig) rpcPass() string {
	if pass := os.Getenv("POOL_RPCPASS_" + c.CurrencyID); pass != "" {
		return pass
	}
	return c.RPCPass
}

type PoolConfig struct {
	APIAddr    string           `json:"apiaddr,omitempty"`
	DataDir    string           `json:"datadir,omitempty"`
	Currencies []CurrencyConfig `json:"currencies"`
}

func (p *PoolConfig) dataDir() string {
	if p.DataDir != "" {
		return p.DataDir
	}
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return "poolmgr-data"
	}
	return filepath.Join(cfgDir, "poolmgr", "data")
}

func (p *PoolConfig) currency(id string) (*CurrencyConfig, error) {
	for i := range p.Currencies {
		if p.Currencies[i].CurrencyID == id {
			return &p.Currencies[i], nil
		}
	}
	return nil, fmt.Errorf("currency %s not configured", id)
}

func ConfigFilename() (string, error) {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	cfgPath := filepath.Join(cfgDir, "poolmgr", "poolmgr.json")
	err = os.MkdirAll(filepath.Dir(cfgPath), 0775) // user+group RWX, others RX
	if err != nil {
		return "", fmt.Errorf("error making directory:%s, error:%w", cfgDir, err)
	}
	return cfgPath, nil
}

func LoadPoolConfig() (*PoolConfig, error) {
	cfgName, err := ConfigFilename()
	if err != nil {
		return nil, err
	}
	file, err := os.Open(cfgName)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	var cfg PoolConfig
	err = decoder.Decode(&cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func SavePoolConfig(cfg *PoolConfig) error {
	// Save into a temp file first and replace the config file only if
	// successfully written.
	cfgName, err := ConfigFilename()
	if err != nil {
		return err
	}
	temp, err := os.CreateTemp(filepath.Dir(cfgName), filepath.Base(cfgName)+".*")
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(temp)
	encoder.SetIndent("", "  ")
	err = encoder.Encode(cfg)
	if err != nil {
		_ = temp.Close()
		_ = os.Remove(temp.Name())
		return fmt.Errorf("error saving configuration: %w", err)
	}

	err = temp.Close()
	if err != nil {
		return err
	}

	err = os.Rename(temp.Name(), cfgName)
	if err != nil {
		return err
	}
	slog.Info("configuration saved", "file", cfgName)
	return nil
}
