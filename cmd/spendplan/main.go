// Package main provides spendplan, which runs the spend scenarios against a
// regtest node (or an in-process simulated one) and journals every spend.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Klingon-tech/spendplanner/internal/backend"
	"github.com/Klingon-tech/spendplanner/internal/chain"
	"github.com/Klingon-tech/spendplanner/internal/config"
	"github.com/Klingon-tech/spendplanner/internal/keys"
	"github.com/Klingon-tech/spendplanner/internal/planner"
	"github.com/Klingon-tech/spendplanner/internal/regtest"
	"github.com/Klingon-tech/spendplanner/internal/scenario"
	"github.com/Klingon-tech/spendplanner/internal/storage"
	"github.com/Klingon-tech/spendplanner/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		dataDir     = flag.String("data-dir", config.DefaultDataDir, "Data directory")
		configFile  = flag.String("config", "", "Config file path (default: <data-dir>/config.yaml)")
		network     = flag.String("network", "", "Network, overrides config (scenarios need regtest)")
		rpcURL      = flag.String("rpc-url", "", "bitcoind JSON-RPC URL, overrides config")
		rpcUser     = flag.String("rpc-user", "", "RPC user, overrides config")
		rpcPass     = flag.String("rpc-pass", "", "RPC password, overrides config")
		wallet      = flag.String("wallet", "", "Wallet name, overrides config")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error)")
		sim         = flag.Bool("sim", false, "Run against the in-process simulated node")
		scenarios   = flag.String("scenario", "", "Scenarios to run (comma-separated, default all)")
		list        = flag.Bool("list", false, "List scenarios and exit")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("spendplan %s (commit: %s)", version, commit)
		return 0
	}
	if *list {
		for _, s := range scenario.All() {
			fmt.Printf("%-16s %s\n", s.Name, s.Description)
		}
		return 0
	}

	cfgPath := configPath(*dataDir, *configFile)
	cfg, err := config.LoadConfigFile(cfgPath, *dataDir)
	if err != nil {
		log.Error("Failed to load config", "error", err)
		return 1
	}

	// CLI flags take precedence over the config file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "network":
			cfg.Network = *network
		case "rpc-url":
			cfg.Node.URL = *rpcURL
		case "rpc-user":
			cfg.Node.User = *rpcUser
		case "rpc-pass":
			cfg.Node.Pass = *rpcPass
		case "wallet":
			cfg.Node.Wallet = *wallet
		case "log-level":
			cfg.Logging.Level = *logLevel
		case "sim":
			cfg.Sim = *sim
		case "data-dir":
			cfg.Storage.DataDir = *dataDir
		}
	})
	if err := cfg.Validate(); err != nil {
		log.Error("Invalid config", "error", err)
		return 1
	}

	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)
	log.Info("Config loaded", "path", cfgPath)

	params, err := cfg.Params()
	if err != nil {
		log.Error("Invalid network", "error", err)
		return 1
	}
	if params.Network != chain.Regtest {
		log.Error("Scenarios mine blocks and only run on regtest", "network", params.Network)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dataPath := config.ExpandPath(cfg.Storage.DataDir)
	store, err := storage.New(&storage.Config{DataDir: dataPath})
	if err != nil {
		log.Error("Failed to initialize storage", "error", err)
		return 1
	}
	defer store.Close()
	log.Info("Storage initialized", "path", store.Path())

	node, err := newNode(cfg, params, log)
	if err != nil {
		log.Error("Failed to connect to node", "error", err)
		return 1
	}

	keySource, err := loadKeys(cfg, params, log)
	if err != nil {
		log.Error("Failed to open keystore", "error", err)
		return 1
	}

	fundAmount, _ := cfg.Planner.FundAmount()
	tracker := planner.NewTracker(store)
	p := planner.New(node,
		planner.WithLogger(log.Component("planner")),
		planner.WithTracker(tracker),
	)
	p.OnEvent(func(ev planner.SpendEvent) {
		log.Debug("Spend event", "spend_id", ev.SpendID, "state", ev.State, "txid", ev.TxID)
	})

	env := scenario.NewEnv(&scenario.Config{
		Node:          node,
		Params:        params,
		Planner:       p,
		Keys:          keySource,
		Wallet:        walletName(cfg),
		FeeSats:       cfg.Planner.FeeSats,
		FundAmount:    fundAmount,
		ConfirmBlocks: cfg.Planner.ConfirmBlocks,
		Logger:        log.Component("scenario"),
	})

	printBanner(log, cfg, params)

	results, err := scenario.Run(ctx, env, splitNames(*scenarios)...)
	for _, r := range results {
		log.Info("PASS", "scenario", r.Name, "txids", strings.Join(r.TxIDs, ","), "rejected", r.Rejected)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Warn("Interrupted")
		}
		log.Error("FAIL", "error", err)
		return 1
	}

	pending, err := tracker.Pending()
	if err != nil {
		log.Warn("Failed to list pending spends", "error", err)
	} else if len(pending) > 0 {
		log.Warn("Spends left unconfirmed", "count", len(pending))
	}

	log.Info("All scenarios passed", "count", len(results))
	return 0
}

func newNode(cfg *config.Config, params *chain.Params, log *logging.Logger) (backend.NodeClient, error) {
	if cfg.Sim {
		log.Info("Using simulated node")
		return regtest.New(params, regtest.WithLogger(log.Component("simnode"))), nil
	}

	nodeCfg := cfg.Node
	nodeCfg.Timeout = cfg.NodeTimeout()
	reader, err := backend.NewChainReader(&nodeCfg)
	if err != nil {
		return nil, err
	}
	node, ok := reader.(backend.NodeClient)
	if !ok {
		return nil, fmt.Errorf("backend %s cannot mine or fund; use jsonrpc", cfg.Node.Type)
	}
	log.Info("Using bitcoind", "url", cfg.Node.URL, "wallet", cfg.Node.Wallet)
	return node, nil
}

func walletName(cfg *config.Config) string {
	if cfg.Sim {
		return ""
	}
	return cfg.Node.Wallet
}

func loadKeys(cfg *config.Config, params *chain.Params, log *logging.Logger) (scenario.KeySource, error) {
	path := cfg.KeystorePath()
	if path == "" {
		return scenario.SeedKeys, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Warn("Keystore not found, using seed keys", "path", path)
		return scenario.SeedKeys, nil
	}
	ks, err := keys.OpenKeystore(path, os.Getenv(cfg.Keystore.PasswordEnv), params)
	if err != nil {
		return nil, err
	}
	log.Info("Keystore opened", "path", path, "keys", len(ks.Names()))
	return scenario.KeystoreKeys(ks), nil
}

// configPath is -config when given, else config.yaml in dataDir.
func configPath(dataDir, configFile string) string {
	if configFile != "" {
		return config.ExpandPath(configFile)
	}
	return config.ConfigPath(dataDir)
}

func splitNames(s string) []string {
	var names []string
	for _, n := range strings.Split(s, ",") {
		n = strings.TrimSpace(n)
		if n != "" {
			names = append(names, n)
		}
	}
	return names
}

func printBanner(log *logging.Logger, cfg *config.Config, params *chain.Params) {
	nodeLabel := cfg.Node.URL
	if cfg.Sim {
		nodeLabel = "simulated"
	}

	log.Info("")
	log.Info("=================================================")
	log.Infof("  Spend planner (%s)", params.Name)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Infof("  Node: %s", nodeLabel)
	log.Infof("  Fee: %d sat | Confirm blocks: %d", cfg.Planner.FeeSats, cfg.Planner.ConfirmBlocks)
	log.Infof("  Data dir: %s", config.ExpandPath(cfg.Storage.DataDir))
	log.Info("=================================================")
	log.Info("")
}
