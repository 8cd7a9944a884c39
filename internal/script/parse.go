package script

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/txscript"
)

// Token is one parsed script element: an opcode and, for pushes, its data.
type Token struct {
	Op   byte
	Data []byte
}

// IsPush reports whether the token pushes data (including OP_0).
func (t Token) IsPush() bool {
	return t.Op <= txscript.OP_PUSHDATA4
}

// Parse splits a script into tokens.
func Parse(s []byte) ([]Token, error) {
	var tokens []Token
	tok := txscript.MakeScriptTokenizer(0, s)
	for tok.Next() {
		t := Token{Op: tok.Opcode()}
		if d := tok.Data(); d != nil {
			t.Data = append([]byte(nil), d...)
		}
		tokens = append(tokens, t)
	}
	if err := tok.Err(); err != nil {
		return nil, fmt.Errorf("malformed script at byte %d: %w", tok.ByteIndex(), err)
	}
	return tokens, nil
}

// Serialize re-encodes tokens using exactly the push opcodes they carry, so
// Serialize(Parse(s)) == s for every well-formed script.
func Serialize(tokens []Token) []byte {
	var buf bytes.Buffer
	for _, t := range tokens {
		buf.WriteByte(t.Op)
		switch {
		case t.Op >= txscript.OP_DATA_1 && t.Op <= txscript.OP_DATA_75:
		case t.Op == txscript.OP_PUSHDATA1:
			buf.WriteByte(byte(len(t.Data)))
		case t.Op == txscript.OP_PUSHDATA2:
			var l [2]byte
			binary.LittleEndian.PutUint16(l[:], uint16(len(t.Data)))
			buf.Write(l[:])
		case t.Op == txscript.OP_PUSHDATA4:
			var l [4]byte
			binary.LittleEndian.PutUint32(l[:], uint32(len(t.Data)))
			buf.Write(l[:])
		default:
			continue
		}
		buf.Write(t.Data)
	}
	return buf.Bytes()
}

// IsMinimal reports whether every push in s uses its smallest encoding.
func IsMinimal(s []byte) (bool, error) {
	tokens, err := Parse(s)
	if err != nil {
		return false, err
	}
	for _, t := range tokens {
		if !t.IsPush() {
			continue
		}
		want, err := NewBuilder().Data(t.Data).Script()
		if err != nil {
			return false, err
		}
		if !bytes.Equal(want, Serialize([]Token{t})) {
			return false, nil
		}
	}
	return true, nil
}

// Disasm renders a script in the familiar one-line assembly form.
func Disasm(s []byte) string {
	out, err := txscript.DisasmString(s)
	if err != nil {
		return out + " [error]"
	}
	return out
}
