package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"runtime/debug"
	"slices"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/vrscpool/poolmgr/internal/gateway"
	"github.com/vrscpool/poolmgr/internal/lib/misc"
	"github.com/vrscpool/poolmgr/internal/store"
)

var logLevel = new(slog.LevelVar) // Info by default

func initApp() *PoolApp {
	log.SetFlags(0)
	var logger *slog.Logger
	if term.IsTerminal(int(os.Stdout.Fd())) {
		// Output is a tty - we're being run as a CLI rather than a daemon
		logger = slog.New(misc.NewMinimalHandler(os.Stdout,
			misc.MinimalHandlerOptions{SlogOpts: slog.HandlerOptions{Level: logLevel, AddSource: true}}))
	} else {
		// not on console - output json, with key names compatible w/ what
		// google logging expects
		opts := &slog.HandlerOptions{
			AddSource: true,
			Level:     logLevel,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.MessageKey {
					a.Key = "message"
				} else if a.Key == slog.LevelKey && len(groups) == 0 {
					a.Key = "severity"
				}
				return a
			},
		}
		logger = slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	slog.SetDefault(logger)
	if os.Getenv("DEBUG") == "1" {
		logLevel.Set(slog.LevelDebug)
	}

	misc.LoadEnvSettings(logger)

	appConfig := &PoolApp{logger: logger}
	appConfig.cliCmd = &cli.Command{
		Name:    "poolmgr",
		Usage:   "Ledger and settlement daemon for non-custodial Verus staking pools",
		Version: getVersionInfo(),
		Before: func(ctx context.Context, cmd *cli.Command) error {
			return appConfig.initClients(ctx, cmd)
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "envfile",
				Usage:   "env file to load",
				Sources: cli.EnvVars("POOL_ENVFILE"),
				Aliases: []string{"e"},
			},
		},
		Commands: []*cli.Command{
			GetDaemonCmdOpts(),
			GetConfigCmdOpts(),
			GetStakerCmdOpts(),
			GetQueryCmdOpts(),
		},
	}
	return appConfig
}

type PoolApp struct {
	cliCmd *cli.Command
	logger *slog.Logger
	cfg    *PoolConfig
	verus  *gateway.Verus
}

// initClients loads the pool configuration and builds one rpc client per
// configured currency. Connectivity is only exercised once a command needs it.
func (ac *PoolApp) initClients(ctx context.Context, cmd *cli.Command) error {
	if envfile := cmd.String("envfile"); envfile != "" {
		misc.Infof(ac.logger, "loading env file:%s", envfile)
		if err := godotenv.Load(envfile); err != nil {
			return err
		}
	}

	cfg, err := LoadPoolConfig()
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		// no config yet - fine for 'config init', anything else complains
		// via checkConfigured
		cfg = &PoolConfig{}
	}
	ac.cfg = cfg

	verus := gateway.NewVerus(ac.logger)
	for _, c := range cfg.Currencies {
		// per-currency env overlay, eg .env.VRSC holding POOL_RPCPASS_VRSC
		misc.LoadEnvForChain(ac.logger, c.CurrencyID)
		rpc := gateway.NewRPCClient(ac.logger, c.RPCURL, c.RPCUser, c.rpcPass())
		verus.AddCurrency(c.CurrencyID, rpc, c.PoolAddress, c.MinConf)
	}
	ac.verus = verus
	return nil
}

func (ac *PoolApp) openStore() (*store.Store, error) {
	return store.Open(ac.cfg.dataDir(), ac.logger)
}

func checkConfigured(ctx context.Context, cmd *cli.Command) error {
	if len(App.cfg.Currencies) == 0 {
		return errors.New("no currencies configured - run 'poolmgr config init' first")
	}
	return nil
}

// Version is replaced at build time during docker builds w/ 'release' version
// If not defined, we just return the git rev.
var Version string

func getVersionInfo() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "The version information could not be determined"
	}
	var vcsRev = "(unknown)"
	if fnd := slices.IndexFunc(info.Settings, func(v debug.BuildSetting) bool { return v.Key == "vcs.revision" }); fnd != -1 {
		vcsRev = info.Settings[fnd].Value[0:7]
	}
	if Version != "" {
		return fmt.Sprintf("%s [%s]", Version, vcsRev)
	}
	return vcsRev
}
