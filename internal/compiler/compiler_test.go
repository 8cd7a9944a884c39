package compiler

import (
	"crypto/sha256"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Klingon-tech/spendplanner/internal/chain"
	"github.com/Klingon-tech/spendplanner/internal/keys"
	"github.com/Klingon-tech/spendplanner/internal/policy"
	"github.com/Klingon-tech/spendplanner/internal/script"
)

const generatorHex = "0279be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"

func pub(seed byte) *keys.PublicKey {
	return keys.FromSeed(seed).PubKey()
}

func ops(t *testing.T, s []byte) []byte {
	t.Helper()
	tokens, err := script.Parse(s)
	require.NoError(t, err)
	out := make([]byte, len(tokens))
	for i, tok := range tokens {
		out[i] = tok.Op
	}
	return out
}

func timedMultisig(lock policy.Node) *policy.Descriptor {
	return &policy.Descriptor{
		Type: policy.Wsh,
		Policy: policy.NewOr(
			&policy.Pk{Key: pub(8)},
			&policy.And{
				Left:  &policy.Multi{K: 2, Keys: []*keys.PublicKey{pub(5), pub(6), pub(7)}},
				Right: lock,
			},
		),
	}
}

func TestKnownAddresses(t *testing.T) {
	mainnet := chain.MustGet(chain.Mainnet)
	g, err := keys.ParsePublicKeyHex(generatorHex)
	require.NoError(t, err)

	tests := []struct {
		name string
		desc *policy.Descriptor
		want string
	}{
		{"p2pkh", &policy.Descriptor{Type: policy.Pkh, Policy: &policy.Pk{Key: g}}, "1BgGZ9tcN4rm9KBzDn7KprQz87SZ26SAMH"},
		{"p2wpkh", &policy.Descriptor{Type: policy.Wpkh, Policy: &policy.Pk{Key: g}}, "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"},
	}

	bip86, err := keys.ParsePublicKeyHex("cc8a4bc64d897bddc5fbc2f670f7a8ba0b386779106cf1223c6fc5d7cd6fc115")
	require.NoError(t, err)
	ik, _ := bip86.XOnly()
	tests = append(tests, struct {
		name string
		desc *policy.Descriptor
		want string
	}{"p2tr bip86", &policy.Descriptor{Type: policy.Tr, Policy: &policy.Taproot{Internal: ik}}, "bc1p5cyxnuxmeuwuvkwfem96lqzszd02n6xdcjrs20cac6yqjjwudpxqkedrcr"})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := Compile(tt.desc, mainnet)
			require.NoError(t, err)
			if got := a.Address.EncodeAddress(); got != tt.want {
				t.Errorf("Address = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestMultisigP2SH(t *testing.T) {
	regtest := chain.MustGet(chain.Regtest)
	d := &policy.Descriptor{Type: policy.Sh, Policy: &policy.Multi{K: 2, Keys: []*keys.PublicKey{pub(1), pub(2), pub(3)}}}

	a, err := Compile(d, regtest)
	require.NoError(t, err)

	assert.Equal(t, []byte{
		txscript.OP_2, txscript.OP_DATA_33, txscript.OP_DATA_33, txscript.OP_DATA_33,
		txscript.OP_3, txscript.OP_CHECKMULTISIG,
	}, ops(t, a.RedeemScript))
	assert.Equal(t, script.ScriptHash, a.Class())
	assert.True(t, strings.HasPrefix(a.Address.EncodeAddress(), "2"))

	again, err := Compile(d, regtest)
	require.NoError(t, err)
	assert.Equal(t, a.ScriptPubKey, again.ScriptPubKey)
	assert.Equal(t, a.Address.EncodeAddress(), again.Address.EncodeAddress())
}

func TestTimedMultisigScripts(t *testing.T) {
	regtest := chain.MustGet(chain.Regtest)

	tests := []struct {
		name string
		lock policy.Node
		op   byte
	}{
		{"cltv", &policy.After{Value: 10}, txscript.OP_CHECKLOCKTIMEVERIFY},
		{"csv", policy.OlderBlocks(10), txscript.OP_CHECKSEQUENCEVERIFY},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := Compile(timedMultisig(tt.lock), regtest)
			require.NoError(t, err)

			want := []byte{
				txscript.OP_DATA_33, txscript.OP_CHECKSIG, txscript.OP_IFDUP, txscript.OP_NOTIF,
				txscript.OP_2, txscript.OP_DATA_33, txscript.OP_DATA_33, txscript.OP_DATA_33,
				txscript.OP_3, txscript.OP_CHECKMULTISIGVERIFY,
				txscript.OP_10, tt.op,
				txscript.OP_ENDIF,
			}
			assert.Equal(t, want, ops(t, a.WitnessScript))

			h := sha256.Sum256(a.WitnessScript)
			assert.Equal(t, append([]byte{txscript.OP_0, txscript.OP_DATA_32}, h[:]...), a.ScriptPubKey)
			assert.True(t, strings.HasPrefix(a.Address.EncodeAddress(), "bcrt1q"))
		})
	}
}

func TestFragments(t *testing.T) {
	x2, _ := pub(2).XOnly()

	tests := []struct {
		name string
		node policy.Node
		ctx  Context
		want []byte
	}{
		{
			"tap checksig",
			&policy.Pk{Key: pub(2)},
			Tapscript,
			append(append([]byte{txscript.OP_DATA_32}, x2[:]...), txscript.OP_CHECKSIG),
		},
		{
			"cltv leaf",
			&policy.And{Left: &policy.After{Value: 200}, Right: &policy.Pk{Key: pub(2)}},
			Tapscript,
			append(append([]byte{txscript.OP_DATA_2, 0xc8, 0x00, txscript.OP_CHECKLOCKTIMEVERIFY, txscript.OP_DROP, txscript.OP_DATA_32}, x2[:]...), txscript.OP_CHECKSIG),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Script(tt.node, tt.ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMultiAAndHashlock(t *testing.T) {
	var h [32]byte
	copy(h[:], []byte("0123456789abcdef0123456789abcdef"))

	s, err := Script(&policy.MultiA{K: 2, Keys: []*keys.PublicKey{pub(1), pub(2), pub(3)}}, Tapscript)
	require.NoError(t, err)
	assert.Equal(t, []byte{
		txscript.OP_DATA_32, txscript.OP_CHECKSIG,
		txscript.OP_DATA_32, txscript.OP_CHECKSIGADD,
		txscript.OP_DATA_32, txscript.OP_CHECKSIGADD,
		txscript.OP_2, txscript.OP_NUMEQUAL,
	}, ops(t, s))

	s, err = Script(&policy.Sha256{Hash: h}, Tapscript)
	require.NoError(t, err)
	assert.Equal(t, []byte{
		txscript.OP_SIZE, txscript.OP_DATA_1, txscript.OP_EQUALVERIFY,
		txscript.OP_SHA256, txscript.OP_DATA_32, txscript.OP_EQUAL,
	}, ops(t, s))

	_, err = Script(&policy.Multi{K: 1, Keys: []*keys.PublicKey{pub(1)}}, Tapscript)
	assert.Error(t, err)
	_, err = Script(&policy.MultiA{K: 1, Keys: []*keys.PublicKey{pub(1)}}, Legacy)
	assert.Error(t, err)
}

func TestOrIShape(t *testing.T) {
	or := &policy.Or{
		Left:      &policy.And{Left: &policy.Pk{Key: pub(1)}, Right: &policy.After{Value: 50}},
		Right:     &policy.Pk{Key: pub(2)},
		LeftProb:  1,
		RightProb: 1,
	}
	s, err := Script(or, Legacy)
	require.NoError(t, err)
	assert.Equal(t, []byte{
		txscript.OP_IF,
		txscript.OP_DATA_33, txscript.OP_CHECKSIGVERIFY, txscript.OP_DATA_1, txscript.OP_CHECKLOCKTIMEVERIFY,
		txscript.OP_ELSE,
		txscript.OP_DATA_33, txscript.OP_CHECKSIG,
		txscript.OP_ENDIF,
	}, ops(t, s))
}

func TestTaprootCache(t *testing.T) {
	regtest := chain.MustGet(chain.Regtest)
	x5, _ := pub(5).XOnly()
	tr := &policy.Taproot{
		Internal: x5,
		Tree: policy.TapBranch(
			policy.TapLeaf(&policy.Pk{Key: pub(2)}),
			policy.TapLeaf(&policy.And{Left: &policy.After{Value: 200}, Right: &policy.Pk{Key: pub(2)}}),
		),
	}
	d := &policy.Descriptor{Type: policy.Tr, Policy: tr}

	c := New()
	a, err := c.Compile(d, regtest)
	require.NoError(t, err)
	b, err := c.Compile(d, regtest)
	require.NoError(t, err)

	assert.Same(t, a.Taproot, b.Taproot)
	assert.Len(t, a.LeafPolicies, 2)
	assert.Equal(t, script.WitnessV1Taproot, a.Class())
	assert.True(t, strings.HasPrefix(a.Address.EncodeAddress(), "bcrt1p"))

	leaf0, err := Script(a.LeafPolicies[0], Tapscript)
	require.NoError(t, err)
	assert.Equal(t, 0, a.Taproot.LeafIndex(leaf0))

	// An equal but distinct container is compiled afresh to the same output.
	clone := *tr
	other, err := c.Compile(&policy.Descriptor{Type: policy.Tr, Policy: &clone}, regtest)
	require.NoError(t, err)
	assert.NotSame(t, a.Taproot, other.Taproot)
	assert.Equal(t, a.ScriptPubKey, other.ScriptPubKey)
}

func TestCompileRejectsInvalid(t *testing.T) {
	regtest := chain.MustGet(chain.Regtest)

	_, err := Compile(&policy.Descriptor{Type: policy.Sh, Policy: &policy.Multi{K: 3, Keys: []*keys.PublicKey{pub(1), pub(2)}}}, regtest)
	assert.Error(t, err)

	_, err = Compile(nil, regtest)
	assert.Error(t, err)
}
