package policy

import (
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// LockTimeThreshold separates block heights from Unix times in lock_time.
const LockTimeThreshold = txscript.LockTimeThreshold

// Sequence field constants (BIP-68 and opt-in RBF).
const (
	SequenceFinal       = wire.MaxTxInSequenceNum
	SequenceLockEnabled = wire.MaxTxInSequenceNum - 1 // enables lock_time, no RBF
	SequenceRBF         = wire.MaxTxInSequenceNum - 2 // enables lock_time and RBF

	SequenceDisableFlag = wire.SequenceLockTimeDisabled
	SequenceTypeFlag    = wire.SequenceLockTimeIsSeconds
	SequenceMask        = wire.SequenceLockTimeMask
	SequenceGranularity = wire.SequenceLockTimeGranularity
)

// IsHeight reports whether an absolute lock value is a block height.
func (a *After) IsHeight() bool {
	return a.Value < LockTimeThreshold
}

// OlderBlocks returns a relative lock of n blocks.
func OlderBlocks(n uint16) *Older {
	return &Older{Value: uint32(n)}
}

// OlderSeconds returns a relative lock of at least secs seconds, rounded up
// to the 512-second granularity.
func OlderSeconds(secs uint32) *Older {
	units := (secs + (1 << SequenceGranularity) - 1) >> SequenceGranularity
	if units > SequenceMask {
		units = SequenceMask
	}
	return &Older{Value: SequenceTypeFlag | units}
}

// IsSeconds reports whether the lock counts 512-second units.
func (o *Older) IsSeconds() bool {
	return o.Value&SequenceTypeFlag != 0
}

// Units returns the masked lock amount (blocks or 512-second units).
func (o *Older) Units() uint32 {
	return o.Value & SequenceMask
}

// Sequence is the input nSequence that satisfies this lock.
func (o *Older) Sequence() uint32 {
	return o.Value & (SequenceTypeFlag | SequenceMask)
}
