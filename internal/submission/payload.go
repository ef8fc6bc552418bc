package submission

import (
	"time"

	"github.com/els-fr/livreur/internal/delivery"
	"github.com/els-fr/livreur/internal/device"
)

// isoMillis matches the browser's Date.toISOString output the backend expects.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

// Payload is the saveDelivery body. The backend deduplicates on
// (ClientUUID, EventID) and keeps the highest Seq.
type Payload struct {
	EventID          string            `json:"eventId"`
	Cmd              string            `json:"cmd"`
	DriverEmail      string            `json:"driverEmail"`
	ClientUUID       string            `json:"clientUUID"`
	Seq              int               `json:"seq"`
	Status           delivery.Status   `json:"status"`
	Items            []delivery.Item   `json:"items"`
	Receiver         delivery.Receiver `json:"receiver"`
	Temp             *float64          `json:"temp,omitempty"`
	SignatureDataURL *string           `json:"signatureDataUrl"`
	Photos           []string          `json:"photos"`
	Geo              *device.Position  `json:"geo"`
	Device           DeviceInfo        `json:"device"`
	Timestamps       Timestamps        `json:"timestamps"`
}

// DeviceInfo describes the submitting device.
type DeviceInfo struct {
	ID         string   `json:"id"`
	Battery    *float64 `json:"battery,omitempty"`
	AppVersion string   `json:"appVersion"`
}

// Timestamps are ISO-8601 UTC strings; Arrived is empty until the driver
// reached the site.
type Timestamps struct {
	Opened    string `json:"opened"`
	Arrived   string `json:"arrived"`
	Submitted string `json:"submitted"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(isoMillis)
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// ackHeader is the part of a queued payload needed to reconcile its
// acknowledgment with the open session.
type ackHeader struct {
	EventID    string `json:"eventId"`
	ClientUUID string `json:"clientUUID"`
	Seq        int    `json:"seq"`
}
