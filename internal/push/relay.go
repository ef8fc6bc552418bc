// Package push receives push messages from an MQTT broker and hands them to
// the cache worker as push events.
package push

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/els-fr/livreur/internal/datastore/entities"
	"github.com/els-fr/livreur/internal/delivery"
	"github.com/els-fr/livreur/internal/errors"
	"github.com/els-fr/livreur/internal/logger"
	"github.com/els-fr/livreur/internal/swcache"
)

// Push outcomes reported to the Recorder.
const (
	OutcomeDispatched = "dispatched"
	OutcomeIgnored    = "ignored"
	OutcomeInvalid    = "invalid"
	OutcomeFailed     = "failed"
)

const defaultConnectTimeout = 10 * time.Second

// Dispatcher runs worker events. *swcache.Worker satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev swcache.Event) (swcache.Result, error)
}

// Preferences persists the driver email carried by a push.
type Preferences interface {
	Set(ctx context.Context, key, value string) error
}

// Recorder counts received messages by outcome.
type Recorder interface {
	PushReceived(outcome string)
}

// Config locates the broker and topic.
type Config struct {
	Broker         string
	Topic          string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	ConnectTimeout time.Duration
}

// Relay subscribes to the push topic and dispatches each message.
type Relay struct {
	cfg        Config
	dispatcher Dispatcher
	prefs      Preferences
	rec        Recorder
	log        logger.Logger

	mu     sync.Mutex
	client paho.Client
	ctx    context.Context
}

// Option configures a Relay.
type Option func(*Relay)

// WithPreferences persists driver emails found in push data.
func WithPreferences(p Preferences) Option {
	return func(r *Relay) { r.prefs = p }
}

func WithRecorder(rec Recorder) Option {
	return func(r *Relay) { r.rec = rec }
}

func WithLogger(l logger.Logger) Option {
	return func(r *Relay) { r.log = l }
}

// NewRelay validates cfg and creates an unconnected relay.
func NewRelay(cfg Config, d Dispatcher, opts ...Option) (*Relay, error) {
	if cfg.Broker == "" || cfg.Topic == "" {
		return nil, errors.Newf("push relay requires a broker and a topic").
			Component("push").
			Category(errors.CategoryConfiguration).
			Context("broker", cfg.Broker).
			Context("topic", cfg.Topic).
			Build()
	}
	if d == nil {
		return nil, errors.Newf("push relay dispatcher is nil").
			Component("push").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	r := &Relay{
		cfg:        cfg,
		dispatcher: d,
		log:        logger.NewDiscard(),
		ctx:        context.Background(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.Module("push").With(logger.String("topic", cfg.Topic))
	return r, nil
}

// Start connects to the broker and subscribes. The subscription is renewed
// on every automatic reconnect. Messages are handled with ctx.
func (r *Relay) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	opts := paho.NewClientOptions()
	opts.AddBroker(r.cfg.Broker)
	opts.SetClientID(r.cfg.ClientID)
	if r.cfg.Username != "" {
		opts.SetUsername(r.cfg.Username)
		opts.SetPassword(r.cfg.Password)
	}
	opts.SetConnectTimeout(r.cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetOnConnectHandler(r.onConnect)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		r.log.Warn("broker connection lost", logger.Error(err))
	})

	client := paho.NewClient(opts)
	r.mu.Lock()
	r.client = client
	r.ctx = context.WithoutCancel(ctx)
	r.mu.Unlock()

	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		client.Disconnect(250)
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return errors.Newf("failed to connect to push broker: %w", err).
			Component("push").
			Category(errors.CategoryNetwork).
			Context("broker", r.cfg.Broker).
			Build()
	}
	r.log.Info("connected to push broker", logger.String("broker", r.cfg.Broker))
	return nil
}

func (r *Relay) onConnect(c paho.Client) {
	token := c.Subscribe(r.cfg.Topic, r.cfg.QoS, func(_ paho.Client, msg paho.Message) {
		r.mu.Lock()
		ctx := r.ctx
		r.mu.Unlock()
		_ = r.HandlePayload(ctx, msg.Payload())
	})
	if !token.WaitTimeout(r.cfg.ConnectTimeout) {
		r.log.Error("subscribe timed out")
		return
	}
	if err := token.Error(); err != nil {
		r.log.Error("subscribe failed", logger.Error(err))
		return
	}
	r.log.Debug("subscribed", logger.Int("qos", int(r.cfg.QoS)))
}

// Run starts the relay and blocks until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	r.Stop()
	return nil
}

// Stop disconnects from the broker.
func (r *Relay) Stop() {
	r.mu.Lock()
	client := r.client
	r.client = nil
	r.mu.Unlock()
	if client != nil {
		client.Disconnect(250)
		r.log.Info("disconnected from push broker")
	}
}

// Connected reports whether the broker connection is up.
func (r *Relay) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.client != nil && r.client.IsConnected()
}

// HandlePayload processes one push message. Messages without an eventId are
// ignored. A driverEmail in the data is persisted before the message is
// dispatched to the worker.
func (r *Relay) HandlePayload(ctx context.Context, raw []byte) error {
	p, err := swcache.ParsePushPayload(raw)
	if err != nil {
		r.record(OutcomeInvalid)
		r.log.Warn("dropping malformed push", logger.Error(err))
		return err
	}
	eventID := strings.TrimSpace(p.Data["eventId"])
	if eventID == "" {
		r.record(OutcomeIgnored)
		r.log.Debug("push without eventId ignored")
		return nil
	}

	if email := delivery.NormalizeEmail(p.Data["driverEmail"]); email != "" && r.prefs != nil {
		if err := r.prefs.Set(ctx, entities.PrefDriverEmail, email); err != nil {
			r.log.Warn("failed to persist driver email from push", logger.Error(err))
		}
	}

	if _, err := r.dispatcher.Dispatch(ctx, swcache.Event{Kind: swcache.EventPush, Data: json.RawMessage(raw)}); err != nil {
		r.record(OutcomeFailed)
		r.log.Error("push dispatch failed", logger.String("event_id", eventID), logger.Error(err))
		return err
	}
	r.record(OutcomeDispatched)
	r.log.Info("push dispatched", logger.String("event_id", eventID), logger.String("cmd", p.Data["cmd"]))
	return nil
}

func (r *Relay) record(outcome string) {
	if r.rec != nil {
		r.rec.PushReceived(outcome)
	}
}
