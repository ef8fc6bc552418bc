package push

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/els-fr/livreur/internal/datastore/entities"
	"github.com/els-fr/livreur/internal/errors"
	"github.com/els-fr/livreur/internal/swcache"
)

var errDispatch = errors.NewStd("worker stopped")

type recordingDispatcher struct {
	mu     sync.Mutex
	events []swcache.Event
	err    error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, ev swcache.Event) (swcache.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
	return swcache.Result{}, d.err
}

type memPrefs struct {
	mu     sync.Mutex
	values map[string]string
}

func (p *memPrefs) Set(_ context.Context, key, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.values == nil {
		p.values = map[string]string{}
	}
	p.values[key] = value
	return nil
}

type outcomes struct {
	mu   sync.Mutex
	seen []string
}

func (o *outcomes) PushReceived(outcome string) {
	o.mu.Lock()
	o.seen = append(o.seen, outcome)
	o.mu.Unlock()
}

func TestNewRelay_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewRelay(Config{Topic: "livreur/push"}, &recordingDispatcher{})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))

	_, err = NewRelay(Config{Broker: "tcp://localhost:1883", Topic: "livreur/push"}, nil)
	require.Error(t, err)

	r, err := NewRelay(Config{Broker: "tcp://localhost:1883", Topic: "livreur/push"}, &recordingDispatcher{})
	require.NoError(t, err)
	assert.False(t, r.Connected())
}

func TestRelay_HandlePayload(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		payload     string
		dispatchErr error
		wantErr     bool
		dispatched  bool
		email       string
		outcome     string
	}{
		{
			name:       "dispatches and persists driver email",
			payload:    `{"data":{"eventId":"EVT-42","cmd":"CMD-7","driverEmail":" Driver@Example.com "}}`,
			dispatched: true,
			email:      "driver@example.com",
			outcome:    OutcomeDispatched,
		},
		{
			name:       "dispatches without email",
			payload:    `{"data":{"eventId":"EVT-42"},"notification":{"title":"T","body":"B"}}`,
			dispatched: true,
			outcome:    OutcomeDispatched,
		},
		{
			name:    "ignores messages without eventId",
			payload: `{"data":{"cmd":"CMD-7","driverEmail":"driver@example.com"}}`,
			outcome: OutcomeIgnored,
		},
		{
			name:    "rejects malformed json",
			payload: `{"data":`,
			wantErr: true,
			outcome: OutcomeInvalid,
		},
		{
			name:        "reports dispatch failure",
			payload:     `{"data":{"eventId":"EVT-42"}}`,
			dispatchErr: errDispatch,
			wantErr:     true,
			dispatched:  true,
			outcome:     OutcomeFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			d := &recordingDispatcher{err: tt.dispatchErr}
			prefs := &memPrefs{}
			rec := &outcomes{}
			r, err := NewRelay(Config{Broker: "tcp://localhost:1883", Topic: "livreur/push"}, d,
				WithPreferences(prefs), WithRecorder(rec))
			require.NoError(t, err)

			err = r.HandlePayload(t.Context(), []byte(tt.payload))
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}

			if tt.dispatched {
				require.Len(t, d.events, 1)
				assert.Equal(t, swcache.EventPush, d.events[0].Kind)
				assert.JSONEq(t, tt.payload, string(d.events[0].Data))
			} else {
				assert.Empty(t, d.events)
			}
			assert.Equal(t, tt.email, prefs.values[entities.PrefDriverEmail])
			assert.Equal(t, []string{tt.outcome}, rec.seen)
		})
	}
}

func TestRelay_DeliversToPageClients(t *testing.T) {
	t.Parallel()

	clients := swcache.NewClients(nil)
	w, err := swcache.NewWorker(swcache.Config{
		CacheName:   "livreur-shell-v1",
		CachePrefix: "livreur-shell-",
		Origin:      "https://livraison.example.com",
	}, swcache.NewStorage(swcache.NewMemoryBackend()), clients)
	require.NoError(t, err)

	page := swcache.NewLocalClient("page-1", "https://livraison.example.com/?eventId=EVT-42", nil)
	t.Cleanup(page.Close)
	got := make(chan swcache.Message, 1)
	page.Subscribe(func(msg swcache.Message) { got <- msg })
	clients.Register(page)

	r, err := NewRelay(Config{Broker: "tcp://localhost:1883", Topic: "livreur/push"}, w)
	require.NoError(t, err)
	require.NoError(t, r.HandlePayload(t.Context(), []byte(`{"data":{"eventId":"EVT-42","cmd":"CMD-7"}}`)))

	select {
	case msg := <-got:
		assert.Equal(t, swcache.Message{
			Type:    swcache.MessagePush,
			EventID: "EVT-42",
			Cmd:     "CMD-7",
			Title:   swcache.DefaultNotificationTitle,
			Body:    swcache.DefaultNotificationBody,
		}, msg)
	case <-time.After(time.Second):
		t.Fatal("page client did not receive the push")
	}
}
