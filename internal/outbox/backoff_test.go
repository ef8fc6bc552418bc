package outbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 5 * time.Second},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{5, 80 * time.Second},
		{6, 160 * time.Second},
		{7, 300 * time.Second},
		{8, 300 * time.Second},
		{200, 300 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(tt.attempt, DefaultBaseDelay, DefaultMaxDelay), "attempt %d", tt.attempt)
	}
}

func TestBackoff_Milliseconds(t *testing.T) {
	t.Parallel()

	want := []int64{5000, 10000, 20000, 40000, 80000, 160000, 300000}
	for n := 1; n <= len(want); n++ {
		assert.Equal(t, want[n-1], Backoff(n, DefaultBaseDelay, DefaultMaxDelay).Milliseconds())
	}
}
