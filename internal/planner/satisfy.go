package planner

import (
	"crypto/sha256"

	"github.com/Klingon-tech/spendplanner/internal/keys"
	"github.com/Klingon-tech/spendplanner/internal/policy"
	"github.com/Klingon-tech/spendplanner/internal/spenderr"
)

// Satisfier holds the secrets available for a spend: private keys, hash
// preimages and locally held MuSig2 signer groups.
type Satisfier struct {
	byPub     map[[33]byte]*keys.PrivateKey
	byXOnly   map[keys.XOnly]*keys.PrivateKey
	preimages map[[32]byte][]byte
	musig     map[keys.XOnly][]*keys.PrivateKey
}

// NewSatisfier returns a satisfier holding ks.
func NewSatisfier(ks ...*keys.PrivateKey) *Satisfier {
	s := &Satisfier{
		byPub:     make(map[[33]byte]*keys.PrivateKey),
		byXOnly:   make(map[keys.XOnly]*keys.PrivateKey),
		preimages: make(map[[32]byte][]byte),
		musig:     make(map[keys.XOnly][]*keys.PrivateKey),
	}
	for _, k := range ks {
		s.AddKey(k)
	}
	return s
}

// AddKey makes k available for signing.
func (s *Satisfier) AddKey(k *keys.PrivateKey) *Satisfier {
	pub := k.PubKey()
	var c [33]byte
	copy(c[:], pub.Compressed())
	s.byPub[c] = k
	x, _ := pub.XOnly()
	s.byXOnly[x] = k
	return s
}

// AddPreimage makes preimage available for sha256 conditions.
func (s *Satisfier) AddPreimage(preimage []byte) *Satisfier {
	s.preimages[sha256.Sum256(preimage)] = append([]byte(nil), preimage...)
	return s
}

// AddMuSig2 registers a group of signers whose aggregate key may be used as
// a Taproot internal key. Returns the aggregate x-only key.
func (s *Satisfier) AddMuSig2(signers ...*keys.PrivateKey) (keys.XOnly, error) {
	pubs := make([]*keys.PublicKey, len(signers))
	for i, k := range signers {
		pubs[i] = k.PubKey()
	}
	agg, err := keys.AggregateXOnly(pubs...)
	if err != nil {
		return agg, err
	}
	s.musig[agg] = signers
	return agg, nil
}

// Key returns the secret for pub. Keys are matched by x coordinate when no
// exact match exists, since tapscript only commits to it.
func (s *Satisfier) Key(pub *keys.PublicKey) (*keys.PrivateKey, bool) {
	if s == nil || pub == nil {
		return nil, false
	}
	var c [33]byte
	copy(c[:], pub.Compressed())
	if k, ok := s.byPub[c]; ok {
		return k, true
	}
	x, _ := pub.XOnly()
	k, ok := s.byXOnly[x]
	return k, ok
}

// XOnlyKey returns the secret for an x-only key.
func (s *Satisfier) XOnlyKey(x keys.XOnly) (*keys.PrivateKey, bool) {
	if s == nil {
		return nil, false
	}
	k, ok := s.byXOnly[x]
	return k, ok
}

// MuSig2Group returns the signers registered for an aggregate key.
func (s *Satisfier) MuSig2Group(x keys.XOnly) ([]*keys.PrivateKey, bool) {
	if s == nil {
		return nil, false
	}
	g, ok := s.musig[x]
	return g, ok
}

// Preimage returns the preimage of hash.
func (s *Satisfier) Preimage(hash [32]byte) ([]byte, bool) {
	if s == nil {
		return nil, false
	}
	p, ok := s.preimages[hash]
	return p, ok
}

// signFunc signs the current input's digest with k.
type signFunc func(k *keys.PrivateKey) ([]byte, error)

// walker builds the stack (bottom to top) satisfying a policy along a path
// and collects the time locks on that path. With a nil sign it only checks
// that the path is satisfiable and fills signatures with placeholders.
type walker struct {
	sat       *Satisfier
	sign      signFunc
	tapscript bool

	locks Locks
	sigs  []Signature
}

func unsatisfiable(format string, args ...interface{}) error {
	return spenderr.New(spenderr.KindPathUnsatisfiable, format, args...)
}

func (w *walker) signWith(pub *keys.PublicKey) ([]byte, error) {
	k, ok := w.sat.Key(pub)
	if !ok {
		return nil, unsatisfiable("no secret for key %s", pub)
	}
	if w.sign == nil {
		if w.tapscript {
			return make([]byte, 64), nil
		}
		return make([]byte, 72), nil
	}
	sig, err := w.sign(k)
	if err != nil {
		return nil, err
	}
	sigPub := pub.Compressed()
	if w.tapscript {
		x, _ := pub.XOnly()
		sigPub = x[:]
	}
	w.sigs = append(w.sigs, Signature{PubKey: sigPub, Sig: sig, Schnorr: w.tapscript})
	return sig, nil
}

func (w *walker) satisfy(n policy.Node, p Path) ([][]byte, error) {
	switch v := n.(type) {
	case *policy.Pk:
		sig, err := w.signWith(v.Key)
		if err != nil {
			return nil, err
		}
		return [][]byte{sig}, nil

	case *policy.Multi:
		chosen, err := w.choose(v.K, v.Keys, p)
		if err != nil {
			return nil, err
		}
		// CHECKMULTISIG pops one extra element; signatures follow key order.
		stack := [][]byte{{}}
		for i, k := range v.Keys {
			if !chosen[i] {
				continue
			}
			sig, err := w.signWith(k)
			if err != nil {
				return nil, err
			}
			stack = append(stack, sig)
		}
		return stack, nil

	case *policy.MultiA:
		chosen, err := w.choose(v.K, v.Keys, p)
		if err != nil {
			return nil, err
		}
		// The first key is checked first, so its signature sits on top.
		stack := make([][]byte, len(v.Keys))
		for i, k := range v.Keys {
			slot := len(v.Keys) - 1 - i
			if !chosen[i] {
				stack[slot] = []byte{}
				continue
			}
			sig, err := w.signWith(k)
			if err != nil {
				return nil, err
			}
			stack[slot] = sig
		}
		return stack, nil

	case *policy.After:
		if err := w.locks.addAfter(v); err != nil {
			return nil, err
		}
		return nil, nil

	case *policy.Older:
		if err := w.locks.addOlder(v); err != nil {
			return nil, err
		}
		return nil, nil

	case *policy.Sha256:
		pre, ok := w.sat.Preimage(v.Hash)
		if !ok {
			return nil, unsatisfiable("no preimage for sha256(%x)", v.Hash)
		}
		if len(pre) != 32 {
			return nil, unsatisfiable("preimage of sha256(%x) is %d bytes, need 32", v.Hash, len(pre))
		}
		return [][]byte{pre}, nil

	case *policy.And:
		lp, rp := p, p
		if c, ok := p.(Composite); ok {
			lp, rp = c.Left, c.Right
		}
		left, err := w.satisfy(v.Left, lp)
		if err != nil {
			return nil, err
		}
		right, err := w.satisfy(v.Right, rp)
		if err != nil {
			return nil, err
		}
		// The left side runs first and consumes the top of the stack.
		return append(right, left...), nil

	case *policy.Or:
		return w.satisfyOr(v, p)

	case *policy.Taproot:
		return nil, unsatisfiable("nested taproot")
	}
	return nil, unsatisfiable("unsupported node %T", n)
}

func (w *walker) satisfyOr(o *policy.Or, p Path) ([][]byte, error) {
	br, ok := p.(Branch)
	if !ok {
		return nil, unsatisfiable("disjunction needs a branch selector, got %s", pathString(p))
	}

	chosen := o.Left
	if br.Side == Right {
		chosen = o.Right
	}
	first, _, swapped := o.Ordered()
	onFirst := (br.Side == Left) != swapped

	stack, err := w.satisfy(chosen, br.Inner)
	if err != nil {
		return nil, err
	}

	switch o.ResolvedShape() {
	case policy.ShapeOrD:
		if onFirst {
			return stack, nil
		}
		dissat, err := dissatisfy(first)
		if err != nil {
			return nil, err
		}
		return append(stack, dissat...), nil

	default:
		if onFirst {
			return append(stack, []byte{0x01}), nil
		}
		return append(stack, []byte{}), nil
	}
}

// dissatisfy returns the stack that makes n evaluate to false without
// failing the script.
func dissatisfy(n policy.Node) ([][]byte, error) {
	switch v := n.(type) {
	case *policy.Pk:
		return [][]byte{{}}, nil
	case *policy.Multi:
		out := make([][]byte, v.K+1)
		for i := range out {
			out[i] = []byte{}
		}
		return out, nil
	}
	return nil, unsatisfiable("%T cannot be dissatisfied", n)
}

// choose returns which of pubs sign a k-of-n threshold.
func (w *walker) choose(k int, pubs []*keys.PublicKey, p Path) ([]bool, error) {
	chosen := make([]bool, len(pubs))

	if m, ok := p.(Multi); ok {
		if err := m.check(len(pubs)); err != nil {
			return nil, unsatisfiable("%s: %v", m, err)
		}
		if m.Signers() != k {
			return nil, unsatisfiable("%s selects %d signers, threshold is %d", m, m.Signers(), k)
		}
		for i := range pubs {
			chosen[i] = m.Has(i)
		}
		return chosen, nil
	}

	// No explicit selection: the first k keys we hold a secret for.
	count := 0
	for i, pub := range pubs {
		if count == k {
			break
		}
		if _, ok := w.sat.Key(pub); ok {
			chosen[i] = true
			count++
		}
	}
	if count < k {
		return nil, unsatisfiable("hold %d of %d required keys", count, k)
	}
	return chosen, nil
}
