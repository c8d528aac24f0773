package ledger

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToHash32(t *testing.T) {
	full := strings.Repeat("ab", 32)

	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"plain 64 hex", full, false},
		{"0x prefixed", "0x" + full, false},
		{"short gets left-padded", "abcd", false},
		{"surrounding whitespace", " " + full + " ", false},
		{"empty", "", true},
		{"too long", full + "00", true},
		{"non hex", strings.Repeat("zz", 32), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := ToHash32(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				var lerr *Error
				require.ErrorAs(t, err, &lerr)
				assert.Equal(t, KindInvalidInput, lerr.Kind)
				return
			}
			require.NoError(t, err)
			assert.Len(t, h, 32)
		})
	}
}

func TestToHash32LeftPad(t *testing.T) {
	h, err := ToHash32("ff")
	require.NoError(t, err)
	assert.Equal(t, byte(0x00), h[0])
	assert.Equal(t, byte(0xff), h[31])
}

func TestToHash32RoundTrip(t *testing.T) {
	in := "2dab47a53c7c8c1036c6c3e99e33f8a73cf177e42fd7b5cd53b0a27449c407c9"
	h1, err := ToHash32(in)
	require.NoError(t, err)
	h2, err := ToHash32("0x" + in)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		kind      Kind
		retryable bool
	}{
		{KindInvalidInput, false},
		{KindTxRejected, false},
		{KindReceiptTimeout, true},
		{KindTransport, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			err := &Error{Kind: tt.kind, Op: "test"}
			assert.Equal(t, tt.retryable, err.Retryable())
			assert.Equal(t, !tt.retryable, Permanent(err))
		})
	}
}

func TestPermanentUnclassified(t *testing.T) {
	// Unknown errors get the retry ceiling, not an immediate dead-letter.
	assert.False(t, Permanent(errors.New("connection reset")))
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := &Error{Kind: KindTransport, Op: "send", Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "transport")
}
