package spenderr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorIsByKind(t *testing.T) {
	err := New(KindPathUnsatisfiable, "need %d signatures, have %d", 2, 1)
	wrapped := fmt.Errorf("plan spend: %w", err)

	assert.True(t, errors.Is(wrapped, ErrPathUnsatisfiable))
	assert.False(t, errors.Is(wrapped, ErrSign))
	assert.Equal(t, KindPathUnsatisfiable, KindOf(wrapped))
	assert.Equal(t, "path unsatisfiable: need 2 signatures, have 1", err.Error())
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(KindSign, nil, "ignored"))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("digest must be 32 bytes")
	err := Wrap(KindSign, cause, "input %d", 0)

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrSign)
	assert.Equal(t, "sign error: input 0: digest must be 32 bytes", err.Error())
}

func TestAsNonFinal(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		wantNonFinal bool
		wantRelative bool
	}{
		{
			name:         "absolute",
			err:          &RPCError{Code: RPCVerifyRejected, Message: "non-final"},
			wantNonFinal: true,
		},
		{
			name:         "relative",
			err:          &RPCError{Code: RPCVerifyRejected, Message: "non-BIP68-final"},
			wantNonFinal: true,
			wantRelative: true,
		},
		{
			name: "script failure",
			err:  &RPCError{Code: RPCVerifyRejected, Message: "mandatory-script-verify-flag-failed (Script evaluated without error but finished with a false/empty top stack element)"},
		},
		{
			name: "not an rpc error",
			err:  errors.New("connection refused"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AsNonFinal(fmt.Errorf("broadcast: %w", tt.err), 200)
			require.Equal(t, tt.wantNonFinal, IsNonFinal(got))
			if !tt.wantNonFinal {
				return
			}
			var nf *NonFinalError
			require.True(t, errors.As(got, &nf))
			assert.Equal(t, uint32(200), nf.MinHeightOrTime)
			assert.Equal(t, tt.wantRelative, nf.Relative)
			assert.Equal(t, KindNonFinal, KindOf(got))
			assert.True(t, IsRPCCode(got, RPCVerifyRejected))
		})
	}
}
