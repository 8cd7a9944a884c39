package script

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestBuilderMinimalIntegers(t *testing.T) {
	tests := []struct {
		name string
		v    int64
		want string
	}{
		{"zero", 0, "00"},
		{"one", 1, "51"},
		{"sixteen", 16, "60"},
		{"minus one", -1, "4f"},
		{"seventeen", 17, "0111"},
		{"ten blocks", 10, "5a"},
		{"cltv 200", 200, "02c800"},
		{"cltv 500", 500, "02f401"},
		{"0x7fff", 0x7fff, "02ff7f"},
		{"0x8000 needs sign byte", 0x8000, "03008000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewBuilder().Int(tt.v).Script()
			require.NoError(t, err)
			if hex.EncodeToString(got) != tt.want {
				t.Errorf("Int(%d) = %x, want %s", tt.v, got, tt.want)
			}
		})
	}
}

func TestBuilderDataPushes(t *testing.T) {
	tests := []struct {
		name     string
		size     int
		wantHead []byte
	}{
		{"pushbytes 33", 33, []byte{33}},
		{"pushbytes 75", 75, []byte{75}},
		{"pushdata1 76", 76, []byte{txscript.OP_PUSHDATA1, 76}},
		{"pushdata1 255", 255, []byte{txscript.OP_PUSHDATA1, 255}},
		{"pushdata2 256", 256, []byte{txscript.OP_PUSHDATA2, 0x00, 0x01}},
		{"pushdata2 520", 520, []byte{txscript.OP_PUSHDATA2, 0x08, 0x02}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := bytes.Repeat([]byte{0xaa}, tt.size)
			got, err := NewBuilder().Data(data).Script()
			require.NoError(t, err)
			assert.Equal(t, tt.wantHead, got[:len(tt.wantHead)])
			assert.Len(t, got, len(tt.wantHead)+tt.size)
		})
	}
}

func TestBuilderRejectsOversize(t *testing.T) {
	_, err := NewBuilder().Data(make([]byte, 521)).Script()
	assert.True(t, errors.Is(err, ErrPushTooLarge), "got %v", err)

	chunk := bytes.Repeat([]byte{0xbb}, 500)
	b := NewBuilder()
	for i := 0; i < 21; i++ {
		b.Data(chunk)
	}
	_, err = b.Script()
	assert.True(t, errors.Is(err, ErrScriptTooLong), "got %v", err)
}

func TestAppendSplicesFragments(t *testing.T) {
	frag, err := NewBuilder().Data(bytes.Repeat([]byte{2}, 33)).Op(txscript.OP_CHECKSIG).Script()
	require.NoError(t, err)

	got, err := NewBuilder().Append(frag).Op(txscript.OP_IFDUP).Script()
	require.NoError(t, err)
	assert.Equal(t, append(append([]byte{}, frag...), txscript.OP_IFDUP), got)
}

func TestParseSerializeRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b := NewBuilder()
		n := rapid.IntRange(0, 20).Draw(t, "items")
		for i := 0; i < n; i++ {
			switch rapid.IntRange(0, 2).Draw(t, "kind") {
			case 0:
				b.Op(rapid.SampledFrom([]byte{
					txscript.OP_CHECKSIG, txscript.OP_IF, txscript.OP_ELSE, txscript.OP_ENDIF,
					txscript.OP_CHECKLOCKTIMEVERIFY, txscript.OP_DROP, txscript.OP_CHECKSIGADD,
				}).Draw(t, "op"))
			case 1:
				b.Int(rapid.Int64Range(-1, 1<<31).Draw(t, "int"))
			default:
				b.Data(rapid.SliceOfN(rapid.Byte(), 0, 300).Draw(t, "data"))
			}
		}
		s, err := b.Script()
		if err != nil {
			t.Fatalf("Script() error: %v", err)
		}

		tokens, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse() error: %v", err)
		}
		if got := Serialize(tokens); !bytes.Equal(got, s) {
			t.Fatalf("Serialize(Parse(s)) = %x, want %x", got, s)
		}
		ok, err := IsMinimal(s)
		if err != nil || !ok {
			t.Fatalf("IsMinimal() = %v, %v; builder output must be minimal", ok, err)
		}
	})
}

func TestIsMinimalDetectsNonMinimalPush(t *testing.T) {
	// OP_PUSHDATA1 carrying 3 bytes where OP_PUSHBYTES_3 suffices.
	s := []byte{txscript.OP_PUSHDATA1, 3, 1, 2, 3}
	ok, err := IsMinimal(s)
	require.NoError(t, err)
	assert.False(t, ok)

	// OP_PUSHBYTES_1 0x05 where OP_5 suffices.
	ok, err = IsMinimal([]byte{txscript.OP_DATA_1, 5})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestParseMalformed(t *testing.T) {
	_, err := Parse([]byte{txscript.OP_DATA_5, 1, 2})
	assert.Error(t, err)
}

func TestStandardTemplates(t *testing.T) {
	hash := bytes.Repeat([]byte{0x11}, 20)
	key := bytes.Repeat([]byte{0x22}, 32)

	p2pkh, err := PayToPubKeyHash(hash)
	require.NoError(t, err)
	assert.Equal(t, "OP_DUP OP_HASH160 1111111111111111111111111111111111111111 OP_EQUALVERIFY OP_CHECKSIG", Disasm(p2pkh))
	assert.Equal(t, PubKeyHash, Classify(p2pkh))

	p2sh, err := PayToScriptHash([]byte{txscript.OP_TRUE})
	require.NoError(t, err)
	assert.Equal(t, ScriptHash, Classify(p2sh))

	p2wpkh, err := PayToWitnessPubKeyHash(hash)
	require.NoError(t, err)
	assert.Equal(t, WitnessV0PubKeyHash, Classify(p2wpkh))

	p2wsh, err := PayToWitnessScriptHash([]byte{txscript.OP_TRUE})
	require.NoError(t, err)
	assert.Equal(t, WitnessV0ScriptHash, Classify(p2wsh))
	assert.Len(t, p2wsh, 34)

	p2tr, err := PayToTaproot(key)
	require.NoError(t, err)
	assert.Equal(t, WitnessV1Taproot, Classify(p2tr))
	assert.True(t, WitnessV1Taproot.IsWitness())
	assert.False(t, PubKeyHash.IsWitness())

	assert.Equal(t, NonStandard, Classify([]byte{txscript.OP_RETURN}))
}
