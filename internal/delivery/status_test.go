package delivery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_TransitionClosure(t *testing.T) {
	t.Parallel()

	allowed := map[Status][]Status{
		StatusOpen:    {StatusArrived, StatusCancel, StatusWait},
		StatusArrived: {StatusOK, StatusNC, StatusAbsent, StatusWait},
		StatusWait:    {StatusOK, StatusNC, StatusAbsent, StatusCancel},
		StatusOK:      {StatusDone},
		StatusNC:      {StatusDone},
		StatusAbsent:  {StatusDone},
		StatusCancel:  {StatusDone},
		StatusDone:    nil,
	}

	for _, from := range AllStatuses() {
		for _, to := range AllStatuses() {
			want := false
			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}
			assert.Equal(t, want, from.CanTransition(to), "%s -> %s", from, to)

			s := NewSession("E1", "C1")
			forceStatus(s, from)
			err := s.Transition(to)
			if want {
				assert.NoError(t, err, "%s -> %s", from, to)
				assert.Equal(t, to, s.Status())
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", from, to)
				assert.Equal(t, from, s.Status(), "rejected transition leaves status unchanged")
			}
		}
	}
}

func TestStatus_Restrictions(t *testing.T) {
	t.Parallel()

	assert.False(t, StatusArrived.CanTransition(StatusOpen))
	assert.False(t, StatusOpen.CanTransition(StatusDone))
	assert.True(t, StatusDone.Terminal())
	assert.Empty(t, StatusDone.Next())
	assert.False(t, Status("BOGUS").CanTransition(StatusDone))
}

func TestStatus_NextReturnsCopy(t *testing.T) {
	t.Parallel()

	next := StatusOpen.Next()
	next[0] = StatusDone
	assert.Equal(t, StatusArrived, StatusOpen.Next()[0])
}

func TestStatus_Labels(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Ouverte", StatusOpen.Label())
	assert.Equal(t, "Livraison OK", StatusOK.Label())
	assert.Equal(t, "Non Conformité", StatusNC.Label())
	assert.Equal(t, "Clôturé", StatusDone.Label())
	assert.Equal(t, "X", Status("X").Label())
}

func TestParseStatus(t *testing.T) {
	t.Parallel()

	st, err := ParseStatus(" arrived ")
	require.NoError(t, err)
	assert.Equal(t, StatusArrived, st)

	_, err = ParseStatus("LOST")
	assert.Error(t, err)
}

func forceStatus(s *Session, st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}
