// Package scenario runs end-to-end spend flows against a node: fund a
// descriptor address, plan and sign a spend along a chosen path, broadcast
// it and wait for a confirmation. Expected rejections (unmet time locks,
// unsatisfied branches) are exercised on the way.
package scenario

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/Klingon-tech/spendplanner/internal/backend"
	"github.com/Klingon-tech/spendplanner/internal/chain"
	"github.com/Klingon-tech/spendplanner/internal/compiler"
	"github.com/Klingon-tech/spendplanner/internal/keys"
	"github.com/Klingon-tech/spendplanner/internal/planner"
	"github.com/Klingon-tech/spendplanner/internal/policy"
	"github.com/Klingon-tech/spendplanner/pkg/logging"
)

// Defaults used when Config leaves a field zero.
const (
	DefaultFeeSats       = 100_000
	DefaultFundAmount    = btcutil.Amount(10_000_000)
	DefaultConfirmBlocks = 1

	// MaturityHeight is the height at which a fresh regtest wallet has a
	// spendable coinbase.
	MaturityHeight = 101
)

// Scenario errors
var (
	ErrUnexpectedAccept = errors.New("node accepted a spend that must be rejected")
	ErrUnknownScenario  = errors.New("unknown scenario")
)

// KeySource returns the secret key for a scenario seed. Seeds name the fixed
// test keys: seed b is the 32-byte array of b repeated.
type KeySource func(seed byte) (*keys.PrivateKey, error)

// SeedKeys derives every key from its seed.
func SeedKeys(seed byte) (*keys.PrivateKey, error) {
	return keys.FromSeed(seed), nil
}

// KeystoreName is the keystore entry consulted for seed.
func KeystoreName(seed byte) string {
	return fmt.Sprintf("seed-%d", seed)
}

// KeystoreKeys reads keys from ks, falling back to the seed key for names
// the keystore does not hold.
func KeystoreKeys(ks *keys.Keystore) KeySource {
	return func(seed byte) (*keys.PrivateKey, error) {
		k, err := ks.Get(KeystoreName(seed))
		if errors.Is(err, keys.ErrKeyNotFound) {
			return keys.FromSeed(seed), nil
		}
		return k, err
	}
}

// Config configures an Env.
type Config struct {
	Node          backend.NodeClient
	Params        *chain.Params
	Planner       *planner.Planner
	Keys          KeySource
	Wallet        string
	FeeSats       int64
	FundAmount    btcutil.Amount
	ConfirmBlocks int
	Logger        *logging.Logger
}

// Env is the shared state of a scenario run.
type Env struct {
	node          backend.NodeClient
	params        *chain.Params
	planner       *planner.Planner
	keys          KeySource
	wallet        string
	feeSats       int64
	fundAmount    btcutil.Amount
	confirmBlocks int
	log           *logging.Logger

	mineTo string
}

// NewEnv creates an environment from cfg.
func NewEnv(cfg *Config) *Env {
	e := &Env{
		node:          cfg.Node,
		params:        cfg.Params,
		planner:       cfg.Planner,
		keys:          cfg.Keys,
		wallet:        cfg.Wallet,
		feeSats:       cfg.FeeSats,
		fundAmount:    cfg.FundAmount,
		confirmBlocks: cfg.ConfirmBlocks,
		log:           cfg.Logger,
	}
	if e.params == nil {
		e.params = chain.MustGet(chain.Regtest)
	}
	if e.keys == nil {
		e.keys = SeedKeys
	}
	if e.feeSats <= 0 {
		e.feeSats = DefaultFeeSats
	}
	if e.fundAmount <= 0 {
		e.fundAmount = DefaultFundAmount
	}
	if e.confirmBlocks <= 0 {
		e.confirmBlocks = DefaultConfirmBlocks
	}
	if e.log == nil {
		e.log = logging.GetDefault().Component("scenario")
	}
	if e.planner == nil {
		e.planner = planner.New(e.node, planner.WithLogger(e.log))
	}
	return e
}

// Planner returns the planner used by the environment.
func (e *Env) Planner() *planner.Planner {
	return e.planner
}

// Setup makes sure the wallet exists and is loaded and that the chain is
// past coinbase maturity.
func (e *Env) Setup(ctx context.Context) error {
	if e.wallet != "" {
		if err := e.node.CreateWallet(ctx, e.wallet); err != nil {
			return fmt.Errorf("failed to create wallet %s: %w", e.wallet, err)
		}
		if err := e.node.LoadWallet(ctx, e.wallet); err != nil {
			return fmt.Errorf("failed to load wallet %s: %w", e.wallet, err)
		}
	}

	addr, err := e.node.GetNewAddress(ctx)
	if err != nil {
		return fmt.Errorf("failed to get mining address: %w", err)
	}
	e.mineTo = addr

	return e.MineTo(ctx, MaturityHeight)
}

// Mine generates n blocks.
func (e *Env) Mine(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	if e.mineTo == "" {
		addr, err := e.node.GetNewAddress(ctx)
		if err != nil {
			return err
		}
		e.mineTo = addr
	}
	if _, err := e.node.GenerateToAddress(ctx, n, e.mineTo); err != nil {
		return fmt.Errorf("failed to mine %d blocks: %w", n, err)
	}
	return nil
}

// MineTo mines until the tip is at least height.
func (e *Env) MineTo(ctx context.Context, height int64) error {
	tip, err := e.node.GetBlockCount(ctx)
	if err != nil {
		return fmt.Errorf("failed to get block count: %w", err)
	}
	if tip >= height {
		return nil
	}
	return e.Mine(ctx, int(height-tip))
}

// Key returns the key for seed.
func (e *Env) Key(seed byte) (*keys.PrivateKey, error) {
	return e.keys(seed)
}

// Satisfier returns a satisfier holding the keys for seeds.
func (e *Env) Satisfier(seeds ...byte) (*planner.Satisfier, error) {
	sat := planner.NewSatisfier()
	for _, s := range seeds {
		k, err := e.keys(s)
		if err != nil {
			return nil, err
		}
		sat.AddKey(k)
	}
	return sat, nil
}

// Pub returns the public key for seed.
func (e *Env) Pub(seed byte) (*keys.PublicKey, error) {
	k, err := e.keys(seed)
	if err != nil {
		return nil, err
	}
	return k.PubKey(), nil
}

// Compile compiles d for the environment's network.
func (e *Env) Compile(d *policy.Descriptor) (*compiler.Artifact, error) {
	return compiler.Compile(d, e.params)
}

// Fund pays the configured amount to a, confirms it and returns the prevout.
func (e *Env) Fund(ctx context.Context, a *compiler.Artifact) (*planner.Prevout, error) {
	addr := a.Address.EncodeAddress()
	txid, err := e.node.SendToAddress(ctx, addr, e.fundAmount)
	if err != nil {
		return nil, fmt.Errorf("failed to fund %s: %w", addr, err)
	}
	if err := e.Mine(ctx, e.confirmBlocks); err != nil {
		return nil, err
	}
	prev, err := planner.PrevoutFromNode(ctx, e.node, txid, a.ScriptPubKey)
	if err != nil {
		return nil, err
	}
	e.log.Debug("Funded descriptor", "address", addr, "outpoint", prev.OutPoint, "amount", e.fundAmount)
	return prev, nil
}

// Destination returns a fresh wallet address.
func (e *Env) Destination(ctx context.Context) (btcutil.Address, error) {
	s, err := e.node.GetNewAddress(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get destination: %w", err)
	}
	return btcutil.DecodeAddress(s, e.params.ChainCfg())
}

// Plan signs a spend of in to a fresh destination.
func (e *Env) Plan(ctx context.Context, in planner.Input) (*planner.Spend, error) {
	return e.PlanRequest(ctx, &planner.Request{Inputs: []planner.Input{in}})
}

// PlanRequest fills in the destination and fee when unset and signs req.
func (e *Env) PlanRequest(ctx context.Context, req *planner.Request) (*planner.Spend, error) {
	if req.Destination == nil {
		dest, err := e.Destination(ctx)
		if err != nil {
			return nil, err
		}
		req.Destination = dest
	}
	if req.FeeSats == 0 {
		req.FeeSats = e.feeSats
	}
	return e.planner.PlanInputs(req)
}

// Complete broadcasts s and waits for its confirmation.
func (e *Env) Complete(ctx context.Context, s *planner.Spend) (int64, error) {
	if _, err := e.planner.Broadcast(ctx, s); err != nil {
		return 0, err
	}
	return e.planner.AwaitConfirmation(ctx, s.ID, e.confirmBlocks)
}

// ExpectRejected broadcasts s and succeeds only if the node refuses it and
// check (when set) accepts the error.
func (e *Env) ExpectRejected(ctx context.Context, s *planner.Spend, check func(error) bool) error {
	_, err := e.planner.Broadcast(ctx, s)
	if err == nil {
		return fmt.Errorf("%w: %s", ErrUnexpectedAccept, s.TxID())
	}
	if check != nil && !check(err) {
		return fmt.Errorf("spend %s rejected for the wrong reason: %w", s.ID, err)
	}
	e.log.Debug("Spend rejected as expected", "spend_id", s.ID, "error", err)
	return nil
}
