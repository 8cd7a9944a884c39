package compiler

import (
	"github.com/btcsuite/btcd/txscript"

	"github.com/Klingon-tech/spendplanner/internal/policy"
	"github.com/Klingon-tech/spendplanner/internal/script"
	"github.com/Klingon-tech/spendplanner/internal/spenderr"
)

// Context selects key encoding and the multisig flavour.
type Context int

const (
	// Legacy covers bare, P2SH and P2WSH scripts: 33-byte keys, CHECKMULTISIG.
	Legacy Context = iota
	// Tapscript covers Taproot leaves: x-only keys, CHECKSIGADD.
	Tapscript
)

// Script compiles a policy fragment to script bytes.
//
// Fragments compile as follows (v: marks the verify form used on the left
// of a conjunction):
//
//	pk(K)        <K> CHECKSIG                    v: CHECKSIGVERIFY
//	multi(k,..)  k <K1>..<Kn> n CHECKMULTISIG    v: CHECKMULTISIGVERIFY
//	multi_a(k,..) <K1> CHECKSIG <K2> CHECKSIGADD .. k NUMEQUAL   v: NUMEQUALVERIFY
//	after(n)     <n> CHECKLOCKTIMEVERIFY         v: .. DROP
//	older(n)     <n> CHECKSEQUENCEVERIFY         v: .. DROP
//	sha256(h)    SIZE 32 EQUALVERIFY SHA256 <h> EQUAL   v: EQUALVERIFY
//	and(X,Y)     [v:X] [Y]
//	or_d(X,Z)    [X] IFDUP NOTIF [Z] ENDIF       v: .. VERIFY
//	or_i(X,Z)    IF [X] ELSE [Z] ENDIF           v: .. VERIFY
func Script(n policy.Node, ctx Context) ([]byte, error) {
	b := script.NewBuilder()
	if err := emit(b, n, ctx, false); err != nil {
		return nil, err
	}
	s, err := b.Script()
	if err != nil {
		return nil, spenderr.Wrap(spenderr.KindCompile, err, "build script")
	}
	return s, nil
}

func emit(b *script.Builder, n policy.Node, ctx Context, verify bool) error {
	switch v := n.(type) {
	case *policy.Pk:
		if ctx == Tapscript {
			x, _ := v.Key.XOnly()
			b.Data(x[:])
		} else {
			b.Data(v.Key.Compressed())
		}
		b.Op(pick(verify, txscript.OP_CHECKSIGVERIFY, txscript.OP_CHECKSIG))

	case *policy.Multi:
		if ctx == Tapscript {
			return spenderr.New(spenderr.KindCompile, "multi in tapscript")
		}
		b.Int(int64(v.K))
		for _, k := range v.Keys {
			b.Data(k.Compressed())
		}
		b.Int(int64(len(v.Keys)))
		b.Op(pick(verify, txscript.OP_CHECKMULTISIGVERIFY, txscript.OP_CHECKMULTISIG))

	case *policy.MultiA:
		if ctx != Tapscript {
			return spenderr.New(spenderr.KindCompile, "multi_a outside tapscript")
		}
		for i, k := range v.Keys {
			x, _ := k.XOnly()
			b.Data(x[:])
			b.Op(pick(i == 0, txscript.OP_CHECKSIG, txscript.OP_CHECKSIGADD))
		}
		b.Int(int64(v.K))
		b.Op(pick(verify, txscript.OP_NUMEQUALVERIFY, txscript.OP_NUMEQUAL))

	case *policy.After:
		b.Int(int64(v.Value)).Op(txscript.OP_CHECKLOCKTIMEVERIFY)
		if verify {
			b.Op(txscript.OP_DROP)
		}

	case *policy.Older:
		b.Int(int64(v.Value)).Op(txscript.OP_CHECKSEQUENCEVERIFY)
		if verify {
			b.Op(txscript.OP_DROP)
		}

	case *policy.Sha256:
		b.Op(txscript.OP_SIZE).Int(32).Op(txscript.OP_EQUALVERIFY)
		b.Op(txscript.OP_SHA256).Data(v.Hash[:])
		b.Op(pick(verify, txscript.OP_EQUALVERIFY, txscript.OP_EQUAL))

	case *policy.And:
		if err := emit(b, v.Left, ctx, true); err != nil {
			return err
		}
		return emit(b, v.Right, ctx, verify)

	case *policy.Or:
		first, second, _ := v.Ordered()
		switch v.ResolvedShape() {
		case policy.ShapeOrD:
			if err := emit(b, first, ctx, false); err != nil {
				return err
			}
			b.Ops(txscript.OP_IFDUP, txscript.OP_NOTIF)
			if err := emit(b, second, ctx, false); err != nil {
				return err
			}
			b.Op(txscript.OP_ENDIF)
		default:
			b.Op(txscript.OP_IF)
			if err := emit(b, first, ctx, false); err != nil {
				return err
			}
			b.Op(txscript.OP_ELSE)
			if err := emit(b, second, ctx, false); err != nil {
				return err
			}
			b.Op(txscript.OP_ENDIF)
		}
		if verify {
			b.Op(txscript.OP_VERIFY)
		}

	case *policy.Taproot:
		return spenderr.New(spenderr.KindCompile, "taproot container inside a script")

	default:
		return spenderr.New(spenderr.KindCompile, "unknown leaf %T", n)
	}
	return nil
}

func pick(cond bool, a, b byte) byte {
	if cond {
		return a
	}
	return b
}
