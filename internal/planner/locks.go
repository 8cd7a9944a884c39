package planner

import (
	"github.com/btcsuite/btcd/wire"

	"github.com/Klingon-tech/spendplanner/internal/policy"
)

// Locks are the time locks on the satisfied branch of one or more inputs.
// A nil field means no lock of that kind.
type Locks struct {
	After *policy.After
	Older *policy.Older
}

func (l *Locks) addAfter(a *policy.After) error {
	if l.After == nil {
		l.After = a
		return nil
	}
	if l.After.IsHeight() != a.IsHeight() {
		return unsatisfiable("after(%d) and after(%d) mix heights and times", l.After.Value, a.Value)
	}
	if a.Value > l.After.Value {
		l.After = a
	}
	return nil
}

func (l *Locks) addOlder(o *policy.Older) error {
	if l.Older == nil {
		l.Older = o
		return nil
	}
	if l.Older.IsSeconds() != o.IsSeconds() {
		return unsatisfiable("older(%d) and older(%d) mix blocks and time", l.Older.Value, o.Value)
	}
	if o.Units() > l.Older.Units() {
		l.Older = o
	}
	return nil
}

// merge folds the absolute lock of other into l. Relative locks are per
// input and are not merged.
func (l *Locks) merge(other Locks) error {
	if other.After == nil {
		return nil
	}
	return l.addAfter(other.After)
}

// LockTime is the transaction lock_time satisfying the absolute lock.
func (l Locks) LockTime() uint32 {
	if l.After == nil {
		return 0
	}
	return l.After.Value
}

// sequenceFor returns the nSequence of an input carrying locks in, inside a
// transaction whose absolute lock is txLocks.
func sequenceFor(in Locks, txLocks Locks) uint32 {
	switch {
	case in.Older != nil:
		return in.Older.Sequence()
	case txLocks.After != nil:
		return policy.SequenceLockEnabled
	default:
		return policy.SequenceRBF
	}
}

// txVersion is 2 when any input relies on BIP-68.
func txVersion(inputs []Locks) int32 {
	for _, l := range inputs {
		if l.Older != nil {
			return 2
		}
	}
	return wire.TxVersion
}
