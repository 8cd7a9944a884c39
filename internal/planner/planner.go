// Package planner turns a compiled descriptor, an explicit path selector and
// a prevout into a signed transaction, and follows it through broadcast to
// confirmation.
//
// Planning is synchronous and CPU-bound. The node is only contacted by
// Broadcast, AwaitConfirmation and PrevoutFromNode.
package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"

	"github.com/Klingon-tech/spendplanner/internal/backend"
	"github.com/Klingon-tech/spendplanner/internal/compiler"
	"github.com/Klingon-tech/spendplanner/internal/sighash"
	"github.com/Klingon-tech/spendplanner/internal/spenderr"
	"github.com/Klingon-tech/spendplanner/internal/storage"
	"github.com/Klingon-tech/spendplanner/pkg/helpers"
	"github.com/Klingon-tech/spendplanner/pkg/logging"
)

// Planner errors
var (
	ErrInsufficientValue = errors.New("inputs do not cover fee")
	ErrNoInputs          = errors.New("spend has no inputs")
	ErrNoDestination     = errors.New("spend has no destination")
	ErrSpendNotFound     = errors.New("spend not found")
	ErrNotBroadcast      = errors.New("spend was not broadcast")
	ErrInvalidOutput     = errors.New("invalid output")
)

// DefaultPollInterval is how often AwaitConfirmation asks the node.
const DefaultPollInterval = time.Second

// Input is one prevout to spend.
type Input struct {
	Artifact  *compiler.Artifact
	Prevout   *Prevout
	Path      Path
	Satisfier *Satisfier

	// Sequence overrides the derived nSequence.
	Sequence *uint32
}

// Request describes a spend of one or more inputs. Outputs are paid as
// given, in order; Destination is appended last and receives the inputs
// minus FeeSats minus the sum of Outputs.
type Request struct {
	Inputs      []Input
	Outputs     []*wire.TxOut
	Destination btcutil.Address
	FeeSats     int64

	// LockTime and Version override the derived values.
	LockTime *uint32
	Version  *int32
}

// EventHandler receives spend state changes.
type EventHandler func(SpendEvent)

// SpendEvent is emitted on every state change.
type SpendEvent struct {
	SpendID   string
	State     storage.SpendState
	TxID      string
	Err       error
	Timestamp time.Time
}

// Planner plans, signs and tracks spends.
type Planner struct {
	node    backend.ChainReader
	tracker *Tracker
	log     *logging.Logger

	pollInterval time.Duration

	spends sync.Map // id -> *Spend, until the spend is final

	mu       sync.RWMutex
	handlers []EventHandler
}

// Option configures a Planner.
type Option func(*Planner)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Planner) { p.log = l }
}

// WithTracker journals every spend through t.
func WithTracker(t *Tracker) Option {
	return func(p *Planner) { p.tracker = t }
}

// WithPollInterval sets how often AwaitConfirmation polls the node.
func WithPollInterval(d time.Duration) Option {
	return func(p *Planner) { p.pollInterval = d }
}

// New creates a planner. node may be nil when the planner is only used to
// sign.
func New(node backend.ChainReader, opts ...Option) *Planner {
	p := &Planner{
		node:         node,
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = logging.GetDefault().Component("planner")
	}
	return p
}

// OnEvent registers an event handler.
func (p *Planner) OnEvent(h EventHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = append(p.handlers, h)
}

func (p *Planner) emit(s *Spend) {
	p.mu.RLock()
	handlers := make([]EventHandler, len(p.handlers))
	copy(handlers, p.handlers)
	p.mu.RUnlock()

	ev := SpendEvent{
		SpendID:   s.ID,
		State:     s.State(),
		TxID:      s.TxID(),
		Err:       s.Err(),
		Timestamp: time.Now(),
	}
	for _, h := range handlers {
		h(ev)
	}
}

// Plan spends a single input to dest.
func (p *Planner) Plan(in Input, dest btcutil.Address, feeSats int64) (*Spend, error) {
	return p.PlanInputs(&Request{
		Inputs:      []Input{in},
		Destination: dest,
		FeeSats:     feeSats,
	})
}

// PlanInputs builds and signs the transaction described by req.
//
// Each input is first walked without signing to check that its path is
// satisfiable and to collect its time locks. The skeleton (version,
// lock_time, sequences, output) is fixed from those locks before any digest
// is computed, since every digest commits to it.
func (p *Planner) PlanInputs(req *Request) (*Spend, error) {
	if len(req.Inputs) == 0 {
		return nil, ErrNoInputs
	}
	if req.Destination == nil {
		return nil, ErrNoDestination
	}
	if req.FeeSats < 0 {
		return nil, fmt.Errorf("%w: negative fee %d", ErrInsufficientValue, req.FeeSats)
	}

	targets := make([]*target, len(req.Inputs))
	inLocks := make([]Locks, len(req.Inputs))
	var txLocks Locks
	var total int64
	for i, in := range req.Inputs {
		t, err := resolve(in.Artifact, in.Prevout, in.Path)
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
		locks, err := t.check(in.Satisfier)
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
		if err := txLocks.merge(locks); err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
		targets[i], inLocks[i] = t, locks
		total += in.Prevout.Value()
	}

	var paid int64
	for i, out := range req.Outputs {
		if out == nil || out.Value <= 0 || len(out.PkScript) == 0 {
			return nil, fmt.Errorf("%w: output %d", ErrInvalidOutput, i)
		}
		paid += out.Value
	}
	value := total - req.FeeSats - paid
	if value <= 0 {
		return nil, fmt.Errorf("%w: inputs %d, outputs %d, fee %d", ErrInsufficientValue, total, paid, req.FeeSats)
	}
	destScript, err := txscript.PayToAddrScript(req.Destination)
	if err != nil {
		return nil, fmt.Errorf("destination %s: %w", req.Destination, err)
	}

	tx := wire.NewMsgTx(txVersion(inLocks))
	if req.Version != nil {
		tx.Version = *req.Version
	}
	tx.LockTime = txLocks.LockTime()
	if req.LockTime != nil {
		tx.LockTime = *req.LockTime
	}
	prevouts := make([]*Prevout, len(req.Inputs))
	outs := make([]*wire.TxOut, len(req.Inputs))
	for i, in := range req.Inputs {
		txIn := wire.NewTxIn(&in.Prevout.OutPoint, nil, nil)
		txIn.Sequence = sequenceFor(inLocks[i], txLocks)
		if in.Sequence != nil {
			txIn.Sequence = *in.Sequence
		}
		tx.AddTxIn(txIn)
		prevouts[i], outs[i] = in.Prevout, in.Prevout.Output
	}
	for _, out := range req.Outputs {
		tx.AddTxOut(wire.NewTxOut(out.Value, out.PkScript))
	}
	tx.AddTxOut(wire.NewTxOut(value, destScript))

	eng, err := sighash.NewEngine(tx, outs)
	if err != nil {
		return nil, err
	}

	spend := &Spend{
		ID:          uuid.New().String(),
		Tx:          tx,
		Prevouts:    prevouts,
		Inputs:      make([]SignedInput, len(req.Inputs)),
		Locks:       txLocks,
		state:       storage.SpendStatePlanned,
		Network:     string(req.Inputs[0].Artifact.Network.Network),
		Destination: req.Destination.EncodeAddress(),
		FeeSats:     req.FeeSats,
	}

	descs := make([]string, len(req.Inputs))
	for i, t := range targets {
		mode, err := t.mode()
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
		digest, err := eng.Digest(i, mode)
		if err != nil {
			return nil, err
		}
		sigs, err := t.sign(tx.TxIn[i], req.Inputs[i].Satisfier, digest)
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
		spend.Inputs[i] = SignedInput{
			Path:       req.Inputs[i].Path,
			Mode:       mode,
			Digest:     digest,
			Locks:      inLocks[i],
			Signatures: sigs,
		}
		descs[i] = t.artifact.Descriptor.String()
		p.log.Debug("Input signed",
			"input", i,
			"path", pathString(req.Inputs[i].Path),
			"script_sig", len(tx.TxIn[i].SignatureScript),
			"witness", helpers.HexStack(tx.TxIn[i].Witness),
		)
	}
	spend.Descriptor = strings.Join(descs, ";")
	spend.state = storage.SpendStateSigned

	if p.tracker != nil {
		if err := p.tracker.Record(spend); err != nil {
			return nil, err
		}
	}
	p.spends.Store(spend.ID, spend)

	p.log.Info("Spend signed",
		"spend_id", spend.ID,
		"txid", spend.TxID(),
		"inputs", len(tx.TxIn),
		"outputs", len(tx.TxOut),
		"path", spend.PathString(),
		"lock_time", tx.LockTime,
		"value", btcutil.Amount(value),
	)
	p.emit(spend)
	return spend, nil
}

// Spend returns a spend planned by this planner that is not yet confirmed
// or rejected.
func (p *Planner) Spend(id string) (*Spend, bool) {
	v, ok := p.spends.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Spend), true
}

// Broadcast submits a signed spend. Node rejections are returned verbatim as
// *spenderr.RPCError, or as *spenderr.NonFinalError when a time lock is not
// yet met, and move the spend to rejected. Transport failures leave the
// spend signed so it can be retried.
func (p *Planner) Broadcast(ctx context.Context, s *Spend) (string, error) {
	if p.node == nil {
		return "", spenderr.New(spenderr.KindNodeRPC, "planner has no node")
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if state := s.State(); state != storage.SpendStateSigned {
		return "", fmt.Errorf("%w: spend %s is %s", storage.ErrInvalidTransition, s.ID, state)
	}

	txid, err := p.node.SendRawTransaction(ctx, s.Hex())
	if err != nil {
		var rpcErr *spenderr.RPCError
		if !errors.As(err, &rpcErr) {
			return "", spenderr.Wrap(spenderr.KindNodeRPC, err, "broadcast %s", s.ID)
		}
		err = spenderr.AsNonFinal(err, s.lockValue())
		p.transition(s, storage.SpendStateRejected, storage.SpendUpdate{
			ErrorCode:    rpcErr.Code,
			ErrorMessage: rpcErr.Message,
		}, err, storage.SpendStateSigned)
		p.log.Warn("Spend rejected", "spend_id", s.ID, "code", rpcErr.Code, "reason", rpcErr.Message)
		return "", err
	}

	s.setBroadcastTxID(txid)
	p.transition(s, storage.SpendStateBroadcast, storage.SpendUpdate{TxID: txid}, nil, storage.SpendStateSigned)
	p.log.Info("Spend broadcast", "spend_id", s.ID, "txid", txid)
	return txid, nil
}

// transition moves s to state if it is in one of from. A spend that
// reaches a final state is dropped from the planner; the journal keeps it.
func (p *Planner) transition(s *Spend, state storage.SpendState, upd storage.SpendUpdate, cause error, from ...storage.SpendState) {
	if _, ok := s.advance(state, cause, from...); !ok {
		return
	}
	if s.Final() {
		p.spends.Delete(s.ID)
	}
	if p.tracker != nil {
		if err := p.tracker.Transition(s.ID, state, upd); err != nil {
			p.log.Error("Failed to journal spend state", "spend_id", s.ID, "state", state, "error", err)
		}
	}
	p.emit(s)
}

// AwaitConfirmation waits until the broadcast spend id has at least one
// confirmation. When the node can mine (regtest), blocks blocks are
// generated first. The wait is bounded only by ctx. Spends that are already
// final are looked up in the journal.
func (p *Planner) AwaitConfirmation(ctx context.Context, id string, blocks int) (int64, error) {
	s, ok := p.Spend(id)
	if !ok {
		return p.journalConfirmations(ctx, id)
	}
	if state := s.State(); state != storage.SpendStateBroadcast {
		return 0, fmt.Errorf("%w: spend %s is %s", ErrNotBroadcast, id, state)
	}

	if miner, ok := p.node.(backend.NodeClient); ok && blocks > 0 {
		addr, err := miner.GetNewAddress(ctx)
		if err != nil {
			return 0, spenderr.Wrap(spenderr.KindNodeRPC, err, "getnewaddress")
		}
		if _, err := miner.GenerateToAddress(ctx, blocks, addr); err != nil {
			return 0, spenderr.Wrap(spenderr.KindNodeRPC, err, "generatetoaddress")
		}
		p.log.Debug("Mined blocks", "count", blocks, "spend_id", id)
	}

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		confs, err := p.confirmations(ctx, s.TxID())
		if err != nil {
			return 0, err
		}
		if confs > 0 {
			p.transition(s, storage.SpendStateConfirmed, storage.SpendUpdate{}, nil, storage.SpendStateBroadcast)
			p.log.Info("Spend confirmed", "spend_id", id, "txid", s.TxID(), "confirmations", confs)
			return confs, nil
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Planner) journalConfirmations(ctx context.Context, id string) (int64, error) {
	if p.tracker == nil {
		return 0, fmt.Errorf("%w: %s", ErrSpendNotFound, id)
	}
	rec, err := p.tracker.Get(id)
	if err != nil {
		if errors.Is(err, storage.ErrSpendNotFound) {
			return 0, fmt.Errorf("%w: %s", ErrSpendNotFound, id)
		}
		return 0, err
	}
	if rec.State != storage.SpendStateConfirmed {
		return 0, fmt.Errorf("%w: spend %s is %s", ErrNotBroadcast, id, rec.State)
	}
	return p.confirmations(ctx, rec.TxID)
}

// confirmations asks the wallet first and falls back to the raw transaction
// for transactions the wallet does not know about.
func (p *Planner) confirmations(ctx context.Context, txid string) (int64, error) {
	wtx, err := p.node.GetTransaction(ctx, txid)
	if err == nil {
		return wtx.Confirmations, nil
	}
	raw, rerr := p.node.GetRawTransaction(ctx, txid)
	if rerr != nil {
		if errors.Is(rerr, backend.ErrTxNotFound) {
			return 0, nil
		}
		return 0, spenderr.Wrap(spenderr.KindNodeRPC, rerr, "getrawtransaction %s", txid)
	}
	return raw.Confirmations, nil
}
