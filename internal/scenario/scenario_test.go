package scenario

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Klingon-tech/spendplanner/internal/backend"
	"github.com/Klingon-tech/spendplanner/internal/chain"
	"github.com/Klingon-tech/spendplanner/internal/keys"
	"github.com/Klingon-tech/spendplanner/internal/planner"
	"github.com/Klingon-tech/spendplanner/internal/policy"
	"github.com/Klingon-tech/spendplanner/internal/regtest"
	"github.com/Klingon-tech/spendplanner/internal/storage"
	"github.com/Klingon-tech/spendplanner/pkg/logging"
)

func newSimEnv(t *testing.T, opts ...planner.Option) (*Env, *regtest.SimNode) {
	t.Helper()
	params := chain.MustGet(chain.Regtest)
	node := regtest.New(params, regtest.WithLogger(logging.Discard()))
	opts = append([]planner.Option{
		planner.WithLogger(logging.Discard()),
		planner.WithPollInterval(time.Millisecond),
	}, opts...)
	env := NewEnv(&Config{
		Node:    node,
		Params:  params,
		Planner: planner.New(node, opts...),
		Wallet:  "spendplanner",
		Logger:  logging.Discard(),
	})
	return env, node
}

func TestRunAllScenarios(t *testing.T) {
	env, node := newSimEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	results, err := Run(ctx, env)
	require.NoError(t, err)
	require.Len(t, results, len(All()))

	want := map[string]struct{ spends, rejected int }{
		"p2sh-multisig":    {1, 0},
		"p2wsh-cltv":       {2, 0},
		"p2wsh-csv":        {1, 2},
		"p2tr-key":         {1, 0},
		"p2tr-script":      {1, 0},
		"p2tr-cltv-leaf":   {2, 1},
		"multi-input":      {1, 0},
		"taproot-musig":    {2, 0},
		"four-leaf-tree":   {4, 1},
		"chained-hashlock": {2, 0},
	}
	for _, r := range results {
		w, ok := want[r.Name]
		require.True(t, ok, r.Name)
		assert.Len(t, r.TxIDs, w.spends, r.Name)
		assert.Equal(t, w.rejected, r.Rejected, r.Name)
		assert.NotEmpty(t, r.Address, r.Name)
		for _, txid := range r.TxIDs {
			raw, err := node.GetRawTransaction(ctx, txid)
			require.NoError(t, err, r.Name)
			assert.Positive(t, raw.Confirmations, r.Name)
		}
	}
	assert.GreaterOrEqual(t, node.Tip(), int64(leafCLTV))
}

func TestRunSingleScenario(t *testing.T) {
	env, node := newSimEnv(t)
	ctx := context.Background()

	results, err := Run(ctx, env, "p2tr-key")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "p2tr-key", results[0].Name)
	assert.Equal(t, int64(MaturityHeight+2), node.Tip())
}

func TestChainedHashlockSpendsChange(t *testing.T) {
	env, node := newSimEnv(t)
	ctx := context.Background()

	results, err := Run(ctx, env, "chained-hashlock")
	require.NoError(t, err)
	require.Len(t, results[0].TxIDs, 2)
	first, second := results[0].TxIDs[0], results[0].TxIDs[1]

	parent, err := node.GetRawTransaction(ctx, first)
	require.NoError(t, err)
	require.Len(t, parent.Vout, 2)

	child, err := node.GetRawTransaction(ctx, second)
	require.NoError(t, err)
	require.Len(t, child.Vin, 1)
	assert.Equal(t, first, child.Vin[0].TxID)
	assert.Equal(t, uint32(1), child.Vin[0].Vout)

	// Both confirm in the same block.
	assert.Equal(t, parent.Confirmations, child.Confirmations)
}

func TestRunUnknownScenario(t *testing.T) {
	env, node := newSimEnv(t)

	_, err := Run(context.Background(), env, "p2tr-key", "nope")
	require.ErrorIs(t, err, ErrUnknownScenario)
	assert.Zero(t, node.Tip(), "nothing runs when a name is unknown")
}

func TestLookup(t *testing.T) {
	for _, s := range All() {
		got, err := Lookup(s.Name)
		require.NoError(t, err)
		assert.Equal(t, s.Description, got.Description)
	}
	_, err := Lookup("")
	assert.ErrorIs(t, err, ErrUnknownScenario)
}

func TestScenarioJournal(t *testing.T) {
	store, err := storage.New(&storage.Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	defer store.Close()

	env, _ := newSimEnv(t, planner.WithTracker(planner.NewTracker(store)))
	_, err = Run(context.Background(), env, "p2wsh-csv")
	require.NoError(t, err)

	confirmed, err := store.ListSpendsByState(storage.SpendStateConfirmed)
	require.NoError(t, err)
	assert.Len(t, confirmed, 1)

	rejected, err := store.ListSpendsByState(storage.SpendStateRejected)
	require.NoError(t, err)
	assert.Len(t, rejected, 2)
}

func TestExpectRejectedFailsOnAccept(t *testing.T) {
	env, _ := newSimEnv(t)
	ctx := context.Background()
	require.NoError(t, env.Setup(ctx))

	internal, err := env.xonly(seedTapKey)
	require.NoError(t, err)
	a, err := env.Compile(&policy.Descriptor{Type: policy.Tr, Policy: &policy.Taproot{Internal: internal}})
	require.NoError(t, err)
	prev, err := env.Fund(ctx, a)
	require.NoError(t, err)
	sat, err := env.Satisfier(seedTapKey)
	require.NoError(t, err)

	s, err := env.Plan(ctx, planner.Input{Artifact: a, Prevout: prev, Path: planner.KeyPath{}, Satisfier: sat})
	require.NoError(t, err)
	assert.ErrorIs(t, env.ExpectRejected(ctx, s, nil), ErrUnexpectedAccept)
}

func TestKeystoreKeys(t *testing.T) {
	params := chain.MustGet(chain.Regtest)
	ks := keys.NewKeystore(filepath.Join(t.TempDir(), "keys.json"), params)

	custom, err := keys.NewPrivateKey(bytes.Repeat([]byte{0x42}, 32))
	require.NoError(t, err)
	require.NoError(t, ks.Put(KeystoreName(5), custom))

	src := KeystoreKeys(ks)
	k, err := src(5)
	require.NoError(t, err)
	assert.Equal(t, custom.PubKey().Compressed(), k.PubKey().Compressed())

	k, err = src(1)
	require.NoError(t, err)
	assert.Equal(t, keys.FromSeed(1).PubKey().Compressed(), k.PubKey().Compressed())
}

func TestNewEnvDefaults(t *testing.T) {
	env := NewEnv(&Config{Node: regtest.New(chain.MustGet(chain.Regtest))})
	assert.Equal(t, int64(DefaultFeeSats), env.feeSats)
	assert.Equal(t, DefaultFundAmount, env.fundAmount)
	assert.Equal(t, DefaultConfirmBlocks, env.confirmBlocks)
	assert.NotNil(t, env.Planner())

	k, err := env.Key(3)
	require.NoError(t, err)
	assert.Equal(t, keys.FromSeed(3).PubKey().Compressed(), k.PubKey().Compressed())
}

// TestLiveNode runs every scenario against the bitcoind regtest node named by
// SPENDPLANNER_RPC_URL.
func TestLiveNode(t *testing.T) {
	url := os.Getenv("SPENDPLANNER_RPC_URL")
	if url == "" {
		t.Skip("SPENDPLANNER_RPC_URL not set")
	}
	node := backend.NewJSONRPCClient(url,
		os.Getenv("SPENDPLANNER_RPC_USER"),
		os.Getenv("SPENDPLANNER_RPC_PASS"),
		backend.WithLogger(logging.Discard()),
	)
	env := NewEnv(&Config{
		Node:    node,
		Params:  chain.MustGet(chain.Regtest),
		Planner: planner.New(node, planner.WithLogger(logging.Discard()), planner.WithPollInterval(100*time.Millisecond)),
		Wallet:  "spendplanner-test",
		Logger:  logging.Discard(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	_, err := Run(ctx, env)
	require.NoError(t, err)
}
