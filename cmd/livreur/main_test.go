package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/els-fr/livreur/internal/backendstub"
	"github.com/els-fr/livreur/internal/delivery"
)

func writeConfig(t *testing.T, apiURL string) string {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`api:
  base_url: %s
  timeout: 2s
outbox:
  base_delay: 10ms
  max_delay: 50ms
cache:
  backend: memory
datastore:
  path: %s
device:
  battery_path: ""
log:
  level: error
`, apiURL, filepath.Join(dir, "livreur.db"))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(io.Discard)
	err := root.ExecuteContext(t.Context())
	return out.String(), err
}

func newStubServer(t *testing.T) (*backendstub.Server, string) {
	t.Helper()
	stub := backendstub.New()
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)
	return stub, srv.URL
}

func TestSubmitCommand(t *testing.T) {
	t.Parallel()

	stub, url := newStubServer(t)
	stub.Seed("E1", delivery.EventInfo{Status: "OPEN"})
	config := writeConfig(t, url)

	out, err := run(t, "submit", "--config", config,
		"--event", "E1", "--cmd", "C1",
		"--status", "arrived", "--status", "OK",
		"--item", "3760001:2", "--item", "3760002",
		"--receiver-name", "M. Durand",
		"--email", " Driver@Example.com ",
		"--wait", "5s")
	require.NoError(t, err)
	assert.Contains(t, out, "queued E1 seq=1")
	assert.Contains(t, out, "sent: synced=true")

	records := stub.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "OK", records[0].Status)
	assert.Equal(t, "driver@example.com", records[0].DriverEmail)

	var body struct {
		Items    []delivery.Item   `json:"items"`
		Receiver delivery.Receiver `json:"receiver"`
		Device   struct {
			ID string `json:"id"`
		} `json:"device"`
	}
	require.NoError(t, json.Unmarshal(records[0].Raw, &body))
	assert.Equal(t, []delivery.Item{{Barcode: "3760001", Qty: 2}, {Barcode: "3760002", Qty: 1}}, body.Items)
	assert.Equal(t, "M. Durand", body.Receiver.Name)
	assert.Contains(t, body.Device.ID, "ANDROID-")

	// The email is remembered for the next delivery.
	out, err = run(t, "submit", "--config", config, "--event", "E2", "--status", "WAIT", "--wait", "5s")
	require.NoError(t, err)
	assert.Contains(t, out, "sent: synced=true")
	assert.Len(t, stub.Records(), 2)

	out, err = run(t, "queue", "list", "--config", config)
	require.NoError(t, err)
	assert.Contains(t, out, "queue is empty")
}

func TestSubmitCommand_OfflineThenFlush(t *testing.T) {
	t.Parallel()

	stub, url := newStubServer(t)
	stub.FailNext(1 << 20)
	config := writeConfig(t, url)

	out, err := run(t, "submit", "--config", config,
		"--event", "E1", "--status", "ARRIVED", "--email", "driver@example.com", "--wait", "200ms")
	require.NoError(t, err)
	assert.Contains(t, out, "pending: 1 task(s)")
	assert.Empty(t, stub.Records())

	out, err = run(t, "queue", "list", "--config", config)
	require.NoError(t, err)
	assert.Contains(t, out, "saveDelivery")
	assert.Contains(t, out, "503")

	stub.FailNext(0)
	out, err = run(t, "queue", "flush", "--config", config, "--timeout", "5s")
	require.NoError(t, err)
	assert.Contains(t, out, "sent 1 of 1")

	records := stub.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "ARRIVED", records[0].Status)
	assert.Equal(t, 1, records[0].Seq)

	out, err = run(t, "queue", "flush", "--config", config)
	require.NoError(t, err)
	assert.Contains(t, out, "queue is empty")
}

func TestSubmitCommand_RequiresEmail(t *testing.T) {
	t.Parallel()

	_, url := newStubServer(t)
	config := writeConfig(t, url)

	_, err := run(t, "submit", "--config", config, "--event", "E1", "--wait", "100ms")
	require.Error(t, err)
}

func TestParseItem(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw     string
		want    delivery.Item
		wantErr bool
	}{
		{raw: "ABC", want: delivery.Item{Barcode: "ABC", Qty: 1}},
		{raw: " ABC:3 ", want: delivery.Item{Barcode: "ABC", Qty: 3}},
		{raw: "ABC:0", want: delivery.Item{Barcode: "ABC", Qty: 0}},
		{raw: "ABC:x", wantErr: true},
		{raw: ":2", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()
			got, err := parseItem(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPageURL(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "http://o.test/", pageURL("http://o.test", "", ""))
	assert.Equal(t, "http://o.test/?cmd=C1&eventId=E1", pageURL("http://o.test", "E1", "C1"))
}
