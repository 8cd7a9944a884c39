package scenario

import (
	"context"
	"fmt"
	"time"

	"github.com/Klingon-tech/spendplanner/internal/compiler"
	"github.com/Klingon-tech/spendplanner/internal/planner"
)

// Result summarises one scenario run.
type Result struct {
	Name     string
	Address  string
	TxIDs    []string
	Rejected int
	Duration time.Duration
}

func (r *Result) confirmed(s *planner.Spend) {
	r.TxIDs = append(r.TxIDs, s.TxID())
}

// Scenario is a named end-to-end flow.
type Scenario struct {
	Name        string
	Description string
	Run         func(ctx context.Context, env *Env, res *Result) error
}

// All returns every scenario in run order.
func All() []Scenario {
	return []Scenario{
		{"p2sh-multisig", "S1: legacy 2-of-3 P2SH multisig", runP2SHMultisig},
		{"p2wsh-cltv", "S2: P2WSH or_d with CLTV multisig backup", runP2WSHCLTV},
		{"p2wsh-csv", "S3: P2WSH or_d with CSV multisig branch", runP2WSHCSV},
		{"p2tr-key", "S4: P2TR key path", runP2TRKey},
		{"p2tr-script", "S5: P2TR single-leaf script path", runP2TRScript},
		{"p2tr-cltv-leaf", "S6: P2TR two-leaf tree with CLTV leaf", runP2TRCLTVLeaf},
		{"multi-input", "P2TR key path and P2PKH inputs in one transaction", runMultiInput},
		{"taproot-musig", "MuSig2 internal key: key path and script path", runTaprootMuSig},
		{"four-leaf-tree", "hashlock, multi_a, CSV and signature leaves", runFourLeafTree},
		{"chained-hashlock", "NUMS-keyed escrow: payment plus change, change spent with the revealed preimage", runChainedHashlock},
	}
}

// Lookup returns the scenario called name.
func Lookup(name string) (Scenario, error) {
	for _, s := range All() {
		if s.Name == name {
			return s, nil
		}
	}
	return Scenario{}, fmt.Errorf("%w: %s", ErrUnknownScenario, name)
}

// Run executes the named scenarios (all of them when names is empty) and
// stops at the first failure.
func Run(ctx context.Context, env *Env, names ...string) ([]*Result, error) {
	list := All()
	if len(names) > 0 {
		list = list[:0:0]
		for _, n := range names {
			s, err := Lookup(n)
			if err != nil {
				return nil, err
			}
			list = append(list, s)
		}
	}

	if err := env.Setup(ctx); err != nil {
		return nil, err
	}

	results := make([]*Result, 0, len(list))
	for _, s := range list {
		res := &Result{Name: s.Name}
		start := time.Now()
		env.log.Info("Running scenario", "name", s.Name, "description", s.Description)
		if err := s.Run(ctx, env, res); err != nil {
			return results, fmt.Errorf("scenario %s: %w", s.Name, err)
		}
		res.Duration = time.Since(start)
		env.log.Info("Scenario passed",
			"name", s.Name,
			"address", res.Address,
			"spends", len(res.TxIDs),
			"rejected", res.Rejected,
			"took", res.Duration.Round(time.Millisecond),
		)
		results = append(results, res)
	}
	return results, nil
}

// spendOnce funds a, spends it along in and waits for a confirmation.
func spendOnce(ctx context.Context, env *Env, res *Result, a *compiler.Artifact, in planner.Input) (*planner.Spend, error) {
	prev, err := env.Fund(ctx, a)
	if err != nil {
		return nil, err
	}
	in.Artifact, in.Prevout = a, prev
	s, err := env.Plan(ctx, in)
	if err != nil {
		return nil, err
	}
	if _, err := env.Complete(ctx, s); err != nil {
		return nil, err
	}
	res.confirmed(s)
	return s, nil
}
