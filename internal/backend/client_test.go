package backend

import (
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/els-fr/livreur/internal/errors"
)

const base = "http://backend.test"

func newMockClient(t *testing.T) (*Client, *httpmock.MockTransport) {
	t.Helper()
	mt := httpmock.NewMockTransport()
	return NewClient(base, WithTransport(mt)), mt
}

func TestClient_EventInfo(t *testing.T) {
	t.Parallel()

	c, mt := newMockClient(t)
	mt.RegisterResponder(http.MethodGet, "=~^"+base+PathEventInfo,
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "E 1", req.URL.Query().Get("eventId"))
			assert.Equal(t, "C1", req.URL.Query().Get("cmd"))
			return httpmock.NewStringResponse(http.StatusOK,
				`{"status":"ARRIVED","items":[{"barcode":"A","qty":2}],"driverEmail":"d@x.fr"}`), nil
		})

	info, err := c.EventInfo(t.Context(), "E 1", "C1")
	require.NoError(t, err)
	assert.Equal(t, "ARRIVED", info.Status)
	require.Len(t, info.Items, 1)
	assert.Equal(t, 2, info.Items[0].Qty)
	assert.Equal(t, "d@x.fr", info.DriverEmail)
}

func TestClient_EventInfoNon2xx(t *testing.T) {
	t.Parallel()

	c, mt := newMockClient(t)
	mt.RegisterResponder(http.MethodGet, "=~^"+base+PathEventInfo,
		httpmock.NewStringResponder(http.StatusBadGateway, "upstream down"))

	_, err := c.EventInfo(t.Context(), "E1", "C1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStatus)
	assert.True(t, errors.IsCategory(err, errors.CategoryNetwork))
}

func TestClient_SaveDelivery(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		body      string
		wantErr   error
		wantTS    time.Time
		transport error
	}{
		{
			name:   "accepted",
			status: http.StatusOK,
			body:   `{"ok":true,"ts":"2026-03-02T10:00:00Z"}`,
			wantTS: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		},
		{
			name:    "rejected",
			status:  http.StatusOK,
			body:    `{"ok":false,"reason":"signature manquante"}`,
			wantErr: ErrRejected,
		},
		{
			name:    "server error",
			status:  http.StatusInternalServerError,
			body:    `{"ok":true}`,
			wantErr: ErrStatus,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c, mt := newMockClient(t)
			mt.RegisterResponder(http.MethodPost, base+PathSaveDelivery,
				func(req *http.Request) (*http.Response, error) {
					assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
					b, _ := io.ReadAll(req.Body)
					assert.JSONEq(t, `{"eventId":"E1","seq":1}`, string(b))
					return httpmock.NewStringResponse(tt.status, tt.body), nil
				})

			ack, err := c.SaveDelivery(t.Context(), json.RawMessage(`{"eventId":"E1","seq":1}`))
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.True(t, ack.OK)
			assert.Equal(t, tt.wantTS, ack.Time())
		})
	}
}

func TestClient_SaveDeliveryRejectedReason(t *testing.T) {
	t.Parallel()

	c, mt := newMockClient(t)
	mt.RegisterResponder(http.MethodPost, base+PathSaveDelivery,
		httpmock.NewStringResponder(http.StatusOK, `{"ok":false,"reason":"doublon"}`))

	_, err := c.SaveDelivery(t.Context(), json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "doublon")
}

func TestClient_NetworkError(t *testing.T) {
	t.Parallel()

	c, mt := newMockClient(t)
	mt.RegisterResponder(http.MethodPost, base+PathSaveDelivery,
		httpmock.NewErrorResponder(errors.NewStd("dial tcp: connection refused")))

	_, err := c.SaveDelivery(t.Context(), json.RawMessage(`{}`))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryNetwork))
}

func TestClient_RegisterDevice(t *testing.T) {
	t.Parallel()

	c, mt := newMockClient(t)
	mt.RegisterResponder(http.MethodPost, base+PathRegisterDevice,
		func(req *http.Request) (*http.Response, error) {
			var got RegisterRequest
			require.NoError(t, json.NewDecoder(req.Body).Decode(&got))
			assert.Equal(t, RegisterRequest{DriverEmail: "d@x.fr", Token: "tok", Platform: "web"}, got)
			return httpmock.NewStringResponse(http.StatusNoContent, ""), nil
		})

	require.NoError(t, c.RegisterDevice(t.Context(), RegisterRequest{DriverEmail: "d@x.fr", Token: "tok", Platform: "web"}))
	assert.Equal(t, 1, mt.GetTotalCallCount())
}

func TestAck_ParseTime(t *testing.T) {
	t.Parallel()

	want := time.Date(2026, 3, 4, 10, 15, 30, 0, time.UTC)
	tests := []struct {
		name    string
		ts      string
		want    time.Time
		wantErr bool
	}{
		{name: "absent", ts: ""},
		{name: "rfc3339", ts: "2026-03-04T10:15:30Z", want: want},
		{name: "millis", ts: "2026-03-04T10:15:30.250Z", want: want.Add(250 * time.Millisecond)},
		{name: "offset", ts: "2026-03-04T11:15:30+01:00", want: want},
		{name: "zoneless", ts: "2026-03-04T10:15:30", want: want},
		{name: "sql style", ts: "2026-03-04 10:15:30", want: want},
		{name: "unreadable", ts: "hier", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Ack{TS: tt.ts}.ParseTime()
			if tt.wantErr {
				require.ErrorIs(t, err, ErrAckTime)
				assert.True(t, Ack{TS: tt.ts}.Time().IsZero())
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s", got)
		})
	}
}
