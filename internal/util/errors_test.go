package util

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{name: "nil stays nil", err: nil},
		{name: "wraps", err: ErrTimeout, wantMsg: "stop process: timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := WrapError(tt.err, "stop process")
			if tt.err == nil {
				assert.NoError(t, got)
				return
			}
			require.Error(t, got)
			assert.Equal(t, tt.wantMsg, got.Error())
			assert.True(t, IsTimeout(got))
		})
	}
}

func TestMultiError(t *testing.T) {
	var m MultiError
	assert.NoError(t, m.Err())

	m.Add(nil)
	assert.NoError(t, m.Err())

	first := errors.New("flush chain")
	m.Add(first)
	assert.Equal(t, "flush chain", m.Err().Error())

	m.Add(ErrUnsupported)
	err := m.Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 errors occurred")
	assert.ErrorIs(t, err, first)
	assert.ErrorIs(t, err, ErrUnsupported)
}
