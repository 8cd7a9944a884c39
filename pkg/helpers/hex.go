package helpers

import (
	"encoding/hex"
	"strings"
)

// HexToBytes converts a hex string (with or without 0x prefix) to bytes.
func HexToBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	return hex.DecodeString(s)
}

// MustHex decodes a hex string and panics on failure. Only for constants and tests.
func MustHex(s string) []byte {
	b, err := HexToBytes(s)
	if err != nil {
		panic(err)
	}
	return b
}

// HexStack renders a witness or data stack as hex strings, empty items as "<>".
func HexStack(stack [][]byte) []string {
	out := make([]string, len(stack))
	for i, item := range stack {
		if len(item) == 0 {
			out[i] = "<>"
			continue
		}
		out[i] = hex.EncodeToString(item)
	}
	return out
}
