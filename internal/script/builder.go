// Package script builds and inspects raw Bitcoin scripts.
//
// Builder wraps txscript.ScriptBuilder, which already emits minimal pushes
// (OP_0, OP_1..OP_16, OP_1NEGATE, OP_PUSHBYTES_n, OP_PUSHDATA1/2/4) and
// minimal script numbers. On top of it the builder enforces the 10 000 byte
// consensus script limit and lets compiled fragments be spliced together.
package script

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/txscript"
)

// MaxScriptSize is the consensus limit for a script.
const MaxScriptSize = txscript.MaxScriptSize

// MaxStandardWitnessScriptSize is the policy limit for a P2WSH witness script.
const MaxStandardWitnessScriptSize = 3600

var (
	ErrScriptTooLong = errors.New("script exceeds maximum size")
	ErrPushTooLarge  = errors.New("data push exceeds 520 bytes")
)

// Builder accumulates opcodes and pushes. Errors are sticky and reported by Script.
type Builder struct {
	sb  *txscript.ScriptBuilder
	err error
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{sb: txscript.NewScriptBuilder()}
}

// Op appends a single opcode.
func (b *Builder) Op(op byte) *Builder {
	if b.err == nil {
		b.sb.AddOp(op)
	}
	return b
}

// Ops appends several opcodes.
func (b *Builder) Ops(ops ...byte) *Builder {
	for _, op := range ops {
		b.Op(op)
	}
	return b
}

// Int appends a minimally encoded script number.
func (b *Builder) Int(v int64) *Builder {
	if b.err == nil {
		b.sb.AddInt64(v)
	}
	return b
}

// Data appends a minimal push of d.
func (b *Builder) Data(d []byte) *Builder {
	if b.err != nil {
		return b
	}
	if len(d) > txscript.MaxScriptElementSize {
		b.err = fmt.Errorf("%w: %d bytes", ErrPushTooLarge, len(d))
		return b
	}
	b.sb.AddData(d)
	return b
}

// Append splices an already serialised fragment verbatim.
func (b *Builder) Append(fragment []byte) *Builder {
	if b.err == nil && len(fragment) > 0 {
		b.sb.AddOps(fragment)
	}
	return b
}

// Script returns the serialised script.
func (b *Builder) Script() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	s, err := b.sb.Script()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScriptTooLong, err)
	}
	if len(s) > MaxScriptSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrScriptTooLong, len(s))
	}
	return s, nil
}
