package swcache

import (
	"context"
	"encoding/json"

	"github.com/els-fr/livreur/internal/errors"
	"github.com/els-fr/livreur/internal/logger"
)

// Default notification text when a push carries data only.
const (
	DefaultNotificationTitle = "Livraison"
	DefaultNotificationBody  = "Nouvelle fiche disponible"
)

// Notification is the display part of a push message.
type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// PushPayload is the JSON body of a push message.
type PushPayload struct {
	Data         map[string]string `json:"data,omitempty"`
	Notification *Notification     `json:"notification,omitempty"`
}

// ParsePushPayload decodes raw and fills in the default notification.
func ParsePushPayload(raw json.RawMessage) (PushPayload, error) {
	var p PushPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, errors.Newf("invalid push payload: %w", err).
			Component("swcache").
			Category(errors.CategoryValidation).
			Build()
	}
	if p.Notification == nil {
		p.Notification = &Notification{Title: DefaultNotificationTitle, Body: DefaultNotificationBody}
	}
	if p.Data == nil {
		p.Data = map[string]string{}
	}
	return p, nil
}

// handlePush relays a push to every page as a PUSH message. Rendering the
// notification is left to the platform; the effect only describes it.
func (w *Worker) handlePush(_ context.Context, ev Event) (Result, error) {
	if len(ev.Data) == 0 {
		return Result{}, nil
	}
	p, err := ParsePushPayload(ev.Data)
	if err != nil {
		return Result{}, err
	}

	url := p.Data["url"]
	if url == "" {
		url = p.Data["click_action"]
	}
	msg := Message{
		Type:    MessagePush,
		EventID: p.Data["eventId"],
		Cmd:     p.Data["cmd"],
		Title:   p.Notification.Title,
		Body:    p.Notification.Body,
		URL:     url,
	}
	n := w.clients.Broadcast(msg)
	w.log.Info("push relayed",
		logger.String("event_id", msg.EventID),
		logger.Int("clients", n))

	return Result{Effects: []Effect{
		{Kind: EffectShowNotification, Target: msg.Title, Message: &msg},
		{Kind: EffectBroadcast, Message: &msg},
	}}, nil
}

// handleNotificationClick focuses the first page whose URL contains the
// notification URL, or asks for a new window on it.
func (w *Worker) handleNotificationClick(_ context.Context, ev Event) (Result, error) {
	url := ev.NotificationData["url"]
	if url == "" {
		url = ev.NotificationData["click_action"]
	}
	if url == "" {
		return Result{}, nil
	}

	if c, ok := w.clients.FindByURL(url); ok {
		if err := c.Focus(); err != nil {
			return Result{}, err
		}
		return Result{Effects: []Effect{{Kind: EffectFocus, Target: c.ID()}}}, nil
	}

	if w.openWindow != nil {
		w.openWindow(url)
	}
	return Result{Effects: []Effect{{Kind: EffectOpenWindow, Target: url}}}, nil
}
