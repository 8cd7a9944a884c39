package planner

import (
	"bytes"
	"encoding/hex"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/Klingon-tech/spendplanner/internal/sighash"
	"github.com/Klingon-tech/spendplanner/internal/spenderr"
	"github.com/Klingon-tech/spendplanner/internal/storage"
)

// Signature is one signature placed on an input's stack.
type Signature struct {
	// PubKey is the 33-byte compressed key, or the 32-byte x-only key for
	// Schnorr signatures.
	PubKey []byte
	// Sig is the signature as pushed: DER plus sighash byte, or 64 bytes.
	Sig     []byte
	Schnorr bool
}

// SignedInput describes how one input was satisfied.
type SignedInput struct {
	Path       Path
	Mode       sighash.Mode
	Digest     []byte
	Locks      Locks
	Signatures []Signature
}

// Spend is a signed transaction together with everything used to build it.
type Spend struct {
	ID       string
	Tx       *wire.MsgTx
	Prevouts []*Prevout
	Inputs   []SignedInput
	Locks    Locks

	// Journal fields.
	Descriptor  string
	Network     string
	Destination string
	FeeSats     int64

	sendMu sync.Mutex // serialises Broadcast

	mu            sync.Mutex
	state         storage.SpendState
	broadcastTxID string
	err           error
}

// State returns the current state of the spend.
func (s *Spend) State() storage.SpendState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that moved the spend to rejected, if any.
func (s *Spend) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// BroadcastTxID returns the txid the node reported on broadcast.
func (s *Spend) BroadcastTxID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broadcastTxID
}

func (s *Spend) setBroadcastTxID(txid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcastTxID = txid
}

// advance moves the spend from one of want to next. It reports false, and
// leaves the spend untouched, when the spend is in any other state.
func (s *Spend) advance(next storage.SpendState, cause error, want ...storage.SpendState) (storage.SpendState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range want {
		if s.state == w {
			s.state = next
			s.err = cause
			return w, true
		}
	}
	return s.state, false
}

// Final reports whether the spend can no longer change state.
func (s *Spend) Final() bool {
	switch s.State() {
	case storage.SpendStateConfirmed, storage.SpendStateRejected:
		return true
	}
	return false
}

// Output returns output i of the spend's transaction as a prevout, so a
// later spend can chain off it before it confirms.
func (s *Spend) Output(i int) (*Prevout, error) {
	if i < 0 || i >= len(s.Tx.TxOut) {
		return nil, spenderr.New(spenderr.KindMissingPrevout, "spend %s has no output %d", s.ID, i)
	}
	out := s.Tx.TxOut[i]
	hash := s.Tx.TxHash()
	return &Prevout{
		OutPoint: *wire.NewOutPoint(&hash, uint32(i)),
		Output:   wire.NewTxOut(out.Value, out.PkScript),
	}, nil
}

// Hex returns the consensus serialisation of the transaction.
func (s *Spend) Hex() string {
	var buf bytes.Buffer
	_ = s.Tx.Serialize(&buf)
	return hex.EncodeToString(buf.Bytes())
}

// TxID returns the transaction id.
func (s *Spend) TxID() string {
	return s.Tx.TxHash().String()
}

// Verify executes every input script against its prevout with standard
// flags. Time locks are checked against the transaction fields only, not
// against any chain tip.
func (s *Spend) Verify() error {
	outs := make([]*wire.TxOut, len(s.Prevouts))
	for i, p := range s.Prevouts {
		outs[i] = p.Output
	}
	eng, err := sighash.NewEngine(s.Tx, outs)
	if err != nil {
		return err
	}
	for i, p := range s.Prevouts {
		vm, err := txscript.NewEngine(p.Output.PkScript, s.Tx, i, txscript.StandardVerifyFlags,
			nil, eng.Hashes(), p.Output.Value, eng.Fetcher())
		if err == nil {
			err = vm.Execute()
		}
		if err != nil {
			return spenderr.Wrap(spenderr.KindSign, err, "input %d does not verify", i)
		}
	}
	return nil
}

// Witness returns the witness stack of input i.
func (s *Spend) Witness(i int) [][]byte {
	return s.Tx.TxIn[i].Witness
}

// PathString joins the paths of all inputs.
func (s *Spend) PathString() string {
	parts := make([]string, len(s.Inputs))
	for i, in := range s.Inputs {
		parts[i] = pathString(in.Path)
	}
	return strings.Join(parts, ";")
}

func (s *Spend) record() *storage.SpendRecord {
	rec := &storage.SpendRecord{
		ID:          s.ID,
		Descriptor:  s.Descriptor,
		Path:        s.PathString(),
		Network:     s.Network,
		Destination: s.Destination,
		FeeSats:     s.FeeSats,
		State:       s.State(),
		LockTime:    s.Tx.LockTime,
	}
	if len(s.Prevouts) > 0 {
		p := s.Prevouts[0]
		rec.PrevTxID = p.OutPoint.Hash.String()
		rec.PrevVout = p.OutPoint.Index
		rec.PrevValue = p.Output.Value
		rec.Sequence = s.Tx.TxIn[0].Sequence
	}
	return rec
}

// lockValue is the lock reported with a non-final rejection: the relative
// lock when one is set, else lock_time.
func (s *Spend) lockValue() uint32 {
	for _, in := range s.Inputs {
		if in.Locks.Older != nil {
			return in.Locks.Older.Units()
		}
	}
	return s.Tx.LockTime
}
