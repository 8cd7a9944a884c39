package helpers

import (
	"bytes"
	"testing"
)

func TestRepeatByte(t *testing.T) {
	seed := RepeatByte(5)
	for i, b := range seed {
		if b != 5 {
			t.Fatalf("RepeatByte(5)[%d] = %d, want 5", i, b)
		}
	}
}

func TestGenerateSecureRandom(t *testing.T) {
	a, err := GenerateSecureRandom(16)
	if err != nil {
		t.Fatalf("GenerateSecureRandom() error = %v", err)
	}
	b, err := GenerateSecureRandom(16)
	if err != nil {
		t.Fatalf("GenerateSecureRandom() error = %v", err)
	}
	if len(a) != 16 {
		t.Errorf("len = %d, want 16", len(a))
	}
	if bytes.Equal(a, b) {
		t.Error("two random draws are equal")
	}
}

func TestSecureClear(t *testing.T) {
	b := []byte{1, 2, 3}
	SecureClear(b)
	if !bytes.Equal(b, []byte{0, 0, 0}) {
		t.Errorf("SecureClear = %v, want zeros", b)
	}
}

func TestHexToBytes(t *testing.T) {
	tests := []struct {
		in      string
		want    []byte
		wantErr bool
	}{
		{"abcd", []byte{0xab, 0xcd}, false},
		{"0xabcd", []byte{0xab, 0xcd}, false},
		{" 00 ", []byte{0}, false},
		{"", []byte{}, false},
		{"abc", nil, true},
		{"zz", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := HexToBytes(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("HexToBytes(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && !bytes.Equal(got, tt.want) {
				t.Errorf("HexToBytes(%q) = %x, want %x", tt.in, got, tt.want)
			}
		})
	}
}

func TestMustHexPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustHex did not panic on bad input")
		}
	}()
	MustHex("not hex")
}

func TestHexStack(t *testing.T) {
	got := HexStack([][]byte{{}, {0xab, 0xcd}})
	if got[0] != "<>" || got[1] != "abcd" {
		t.Errorf("HexStack = %v, want [<> abcd]", got)
	}
}
