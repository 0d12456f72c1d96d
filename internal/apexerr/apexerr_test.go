package apexerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	base := errors.New("row not found")
	wrapped := fmt.Errorf("store: loading run: %w", New(KindNotFound, "store.GetRun", base))

	kind, ok := KindOf(wrapped)
	assert.True(t, ok)
	assert.Equal(t, KindNotFound, kind)

	_, ok = KindOf(base)
	assert.False(t, ok)
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindValidation, 400},
		{KindNotFound, 404},
		{KindBudgetExceeded, 402},
		{KindConflict, 409},
		{KindNoCapacity, 503},
		{KindBackendUnhealthy, 503},
		{KindStalled, 504},
		{KindTimeboxExceeded, 504},
		{KindTransient, 503},
		{KindFatal, 500},
		{Kind("unknown"), 500},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.kind))
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	base := errors.New("boom")
	err := New(KindFatal, "op", base)
	assert.ErrorIs(t, err, base)
	assert.Contains(t, err.Error(), "boom")
}
