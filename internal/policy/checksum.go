package policy

import (
	"errors"
	"strings"
)

// Descriptor checksum (BIP-380).

const (
	checksumInputCharset = "0123456789()[],'/*abcdefgh@:$%{}IJKLMNOPQRSTUVWXYZ&+-.;<=>?!^_|~ijklmnopqrstuvwxyzABCDEFGH`#\"\\ "
	checksumCharset      = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"
	checksumLength       = 8
)

var (
	ErrBadChecksum     = errors.New("descriptor checksum mismatch")
	ErrInvalidCharater = errors.New("invalid character in descriptor")

	checksumGenerator = [5]uint64{0xf5dee51989, 0xa9fdca3312, 0x1bab10e32d, 0x3706b1677a, 0x644d626ffd}
)

func polymod(c uint64, val uint64) uint64 {
	top := c >> 35
	c = (c&0x7ffffffff)<<5 ^ val
	for i := 0; i < 5; i++ {
		if (top>>i)&1 == 1 {
			c ^= checksumGenerator[i]
		}
	}
	return c
}

// Checksum computes the 8-character checksum of a descriptor without '#'.
func Checksum(desc string) (string, error) {
	c := uint64(1)
	cls, clscount := uint64(0), 0
	for _, ch := range desc {
		pos := strings.IndexRune(checksumInputCharset, ch)
		if pos < 0 {
			return "", ErrInvalidCharater
		}
		c = polymod(c, uint64(pos&31))
		cls = cls*3 + uint64(pos>>5)
		clscount++
		if clscount == 3 {
			c = polymod(c, cls)
			cls, clscount = 0, 0
		}
	}
	if clscount > 0 {
		c = polymod(c, cls)
	}
	for i := 0; i < checksumLength; i++ {
		c = polymod(c, 0)
	}
	c ^= 1

	out := make([]byte, checksumLength)
	for i := 0; i < checksumLength; i++ {
		out[i] = checksumCharset[(c>>(5*(7-i)))&31]
	}
	return string(out), nil
}

// AddChecksum returns desc#checksum. Invalid input is returned unchanged.
func AddChecksum(desc string) string {
	sum, err := Checksum(desc)
	if err != nil {
		return desc
	}
	return desc + "#" + sum
}

// StripChecksum verifies and removes an optional "#checksum" suffix.
func StripChecksum(s string) (string, error) {
	desc, sum, found := strings.Cut(s, "#")
	if !found {
		return s, nil
	}
	want, err := Checksum(desc)
	if err != nil {
		return "", err
	}
	if sum != want {
		return "", ErrBadChecksum
	}
	return desc, nil
}
