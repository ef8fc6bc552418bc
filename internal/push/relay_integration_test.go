//go:build integration

//nolint:misspell // Mosquitto is the official Eclipse project name
package push_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/els-fr/livreur/internal/push"
	"github.com/els-fr/livreur/internal/swcache"
	"github.com/els-fr/livreur/internal/testutil/containers"
)

var broker *containers.MosquittoContainer

func TestMain(m *testing.M) {
	ctx := context.Background() //nolint:gocritic // TestMain has no *testing.T for t.Context()

	var err error
	broker, err = containers.NewMosquittoContainer(ctx, nil)
	if err != nil {
		panic("failed to start mosquitto: " + err.Error())
	}

	code := m.Run()
	_ = broker.Terminate(ctx)
	os.Exit(code)
}

type capture struct {
	mu     sync.Mutex
	events []swcache.Event
}

func (c *capture) Dispatch(_ context.Context, ev swcache.Event) (swcache.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return swcache.Result{}, nil
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestRelayIntegration_ReceivesPush(t *testing.T) {
	topic := "livreur/integration/" + t.Name()
	d := &capture{}

	r, err := push.NewRelay(push.Config{
		Broker:   broker.BrokerURL(t),
		Topic:    topic,
		ClientID: "relay-" + t.Name(),
		QoS:      1,
	}, d)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 15*time.Second)
	defer cancel()
	require.NoError(t, r.Start(ctx))
	t.Cleanup(r.Stop)
	assert.True(t, r.Connected())

	// The subscription is made in the connect handler.
	require.Eventually(t, func() bool {
		require.NoError(t, broker.Publish(topic, []byte(`{"data":{"eventId":"EVT-42","cmd":"CMD-7"}}`)))
		return d.count() > 0
	}, 10*time.Second, 250*time.Millisecond)

	require.NoError(t, broker.Publish(topic, []byte(`{"data":{"cmd":"no-event"}}`)))
	time.Sleep(300 * time.Millisecond)

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ev := range d.events {
		assert.Equal(t, swcache.EventPush, ev.Kind)
		assert.Contains(t, string(ev.Data), "EVT-42", "messages without eventId are not dispatched")
	}
}

func TestRelayIntegration_StartCancelled(t *testing.T) {
	r, err := push.NewRelay(push.Config{
		Broker:   broker.BrokerURL(t),
		Topic:    "livreur/integration/cancelled",
		ClientID: "relay-cancelled",
	}, &capture{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	require.Error(t, r.Start(ctx))
}
