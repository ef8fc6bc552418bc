// Package submission ties the open delivery session to the backend: it builds
// saveDelivery payloads, queues them in the outbox and reconciles
// acknowledgments with the session.
package submission

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/els-fr/livreur/internal/backend"
	"github.com/els-fr/livreur/internal/datastore/entities"
	"github.com/els-fr/livreur/internal/delivery"
	"github.com/els-fr/livreur/internal/device"
	"github.com/els-fr/livreur/internal/errors"
	"github.com/els-fr/livreur/internal/logger"
	"github.com/els-fr/livreur/internal/outbox"
	"github.com/els-fr/livreur/internal/swcache"
)

// EndpointSaveDelivery names saveDelivery tasks in the outbox.
const EndpointSaveDelivery = "saveDelivery"

// DefaultGeoTimeout bounds the position fix taken for each payload.
const DefaultGeoTimeout = 5 * time.Second

var (
	// ErrDriverEmailRequired is returned when a payload cannot be built
	// because no driver email is known.
	ErrDriverEmailRequired = errors.NewStd("driver email required")
	// ErrNoCode is returned by AddScannedItem for an empty code.
	ErrNoCode = errors.NewStd("no barcode detected")
)

// Backend is the subset of the delivery API the orchestrator calls.
type Backend interface {
	EventInfo(ctx context.Context, eventID, cmd string) (delivery.EventInfo, error)
	SaveDelivery(ctx context.Context, payload json.RawMessage) (backend.Ack, error)
	RegisterDevice(ctx context.Context, req backend.RegisterRequest) error
}

// Queue accepts tasks for ordered, retried delivery.
type Queue interface {
	Add(ctx context.Context, task outbox.Task) error
	Wake()
}

// DeviceIDs returns the stable device id.
type DeviceIDs interface {
	DeviceID(ctx context.Context) (string, error)
}

// Sync registers and fires background sync tags.
type Sync interface {
	Register(tag string)
	Fire(ctx context.Context) int
}

// Preferences persists small settings across sessions.
type Preferences interface {
	Set(ctx context.Context, key, value string) error
}

// Config carries the device-level settings used to build payloads.
type Config struct {
	AppVersion string
	GeoTimeout time.Duration
	IDPrefix   string
}

// Orchestrator runs the submission workflow for one session.
type Orchestrator struct {
	session *delivery.Session
	api     Backend
	queue   Queue
	cfg     Config

	notifier Notifier
	prompter EmailPrompter
	locator  device.Locator
	battery  device.BatteryReader
	ids      DeviceIDs
	sync     Sync
	prefs    Preferences
	log      logger.Logger
	now      func() time.Time

	ephemeralID string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithNotifier sets where driver notices go.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithEmailPrompter sets how a missing driver email is asked for.
func WithEmailPrompter(p EmailPrompter) Option {
	return func(o *Orchestrator) { o.prompter = p }
}

func WithLocator(l device.Locator) Option {
	return func(o *Orchestrator) { o.locator = l }
}

func WithBattery(b device.BatteryReader) Option {
	return func(o *Orchestrator) { o.battery = b }
}

func WithDeviceIDs(ids DeviceIDs) Option {
	return func(o *Orchestrator) { o.ids = ids }
}

// WithSync registers the sync tag on each submission and fires pending tags
// when connectivity returns.
func WithSync(s Sync) Option {
	return func(o *Orchestrator) { o.sync = s }
}

// WithPreferences persists the driver email once known.
func WithPreferences(p Preferences) Option {
	return func(o *Orchestrator) { o.prefs = p }
}

func WithLogger(l logger.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator for session. Call Routes to let the outbox
// execute the tasks it queues.
func New(session *delivery.Session, api Backend, queue Queue, cfg Config, opts ...Option) *Orchestrator {
	if cfg.GeoTimeout <= 0 {
		cfg.GeoTimeout = DefaultGeoTimeout
	}
	if cfg.IDPrefix == "" {
		cfg.IDPrefix = device.DefaultIDPrefix
	}
	o := &Orchestrator{
		session:  session,
		api:      api,
		queue:    queue,
		cfg:      cfg,
		notifier: noopNotifier{},
		locator:  device.NoLocator{},
		battery:  device.NoBattery{},
		log:      logger.NewDiscard(),
		now:      time.Now,

		ephemeralID: cfg.IDPrefix + uuid.NewString(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.Module("submission").With(
		logger.String("event_id", session.EventID()),
		logger.String("client_uuid", session.ClientUUID()))
	return o
}

// Routes registers the orchestrator's task handlers on r.
func (o *Orchestrator) Routes(r *outbox.Router) {
	r.Handle(EndpointSaveDelivery, o.executeSaveDelivery)
}

// Session returns the session being submitted.
func (o *Orchestrator) Session() *delivery.Session {
	return o.session
}

func (o *Orchestrator) notify(text string) {
	o.notifier.Notify(text)
}

// EnsureDriverEmail prompts for the driver email when the session has none
// and persists the answer.
func (o *Orchestrator) EnsureDriverEmail(ctx context.Context) error {
	if o.session.DriverEmail() != "" {
		return nil
	}
	if o.prompter == nil {
		return ErrDriverEmailRequired
	}
	email, err := o.prompter.PromptEmail(ctx)
	if err != nil {
		o.log.Warn("email prompt failed", logger.Error(err))
		return ErrDriverEmailRequired
	}
	if err := o.session.SetDriverEmail(email); err != nil {
		return ErrDriverEmailRequired
	}
	o.persistEmail(ctx)
	return nil
}

// SetDriverEmail records the driver email entered by the driver.
func (o *Orchestrator) SetDriverEmail(ctx context.Context, email string) error {
	if err := o.session.SetDriverEmail(email); err != nil {
		return err
	}
	o.persistEmail(ctx)
	return nil
}

func (o *Orchestrator) persistEmail(ctx context.Context) {
	if o.prefs == nil {
		return
	}
	if err := o.prefs.Set(ctx, entities.PrefDriverEmail, o.session.DriverEmail()); err != nil {
		o.log.Warn("failed to persist driver email", logger.Error(err))
	}
}

// CollectPayload snapshots the session into a new payload with the next seq.
// Position, battery and device id are best-effort.
func (o *Orchestrator) CollectPayload(ctx context.Context) (Payload, error) {
	if o.session.DriverEmail() == "" {
		return Payload{}, ErrDriverEmailRequired
	}

	geo := device.RequestPosition(ctx, o.locator, o.cfg.GeoTimeout)
	var battery *float64
	if level, ok := o.battery.Level(ctx); ok {
		battery = &level
	}
	deviceID := o.deviceID(ctx)

	seq := o.session.NextSeq()
	snap := o.session.Snapshot()

	var signature *string
	if snap.Signature != "" {
		signature = &snap.Signature
	}
	return Payload{
		EventID:          snap.EventID,
		Cmd:              snap.Cmd,
		DriverEmail:      snap.DriverEmail,
		ClientUUID:       snap.ClientUUID,
		Seq:              seq,
		Status:           snap.Status,
		Items:            snap.Items,
		Receiver:         snap.Receiver,
		SignatureDataURL: signature,
		Photos:           snap.Photos,
		Geo:              geo,
		Device: DeviceInfo{
			ID:         deviceID,
			Battery:    battery,
			AppVersion: o.cfg.AppVersion,
		},
		Timestamps: Timestamps{
			Opened:    formatTime(snap.OpenedAt),
			Arrived:   formatTime(timeOrZero(snap.ArrivedAt)),
			Submitted: formatTime(o.now()),
		},
	}, nil
}

// deviceID falls back to an id valid for this process only when the
// persisted one cannot be read or written.
func (o *Orchestrator) deviceID(ctx context.Context) string {
	if o.ids != nil {
		id, err := o.ids.DeviceID(ctx)
		if err == nil {
			return id
		}
		o.log.Warn("device id unavailable, using an ephemeral id", logger.Error(err))
	}
	return o.ephemeralID
}

// Submit queues the current session state for delivery. Without a driver
// email nothing is queued.
func (o *Orchestrator) Submit(ctx context.Context) (Payload, error) {
	if err := o.EnsureDriverEmail(ctx); err != nil {
		o.notify(NoticeEmailRequired)
		return Payload{}, err
	}

	payload, err := o.CollectPayload(ctx)
	if err != nil {
		return Payload{}, err
	}
	task, err := outbox.NewTask(EndpointSaveDelivery, payload)
	if err != nil {
		return Payload{}, err
	}
	if err := o.queue.Add(ctx, task); err != nil {
		return Payload{}, errors.Newf("failed to queue delivery: %w", err).
			Component("submission").
			Category(errors.CategoryState).
			Context("seq", payload.Seq).
			Build()
	}
	if o.sync != nil {
		o.sync.Register(swcache.SyncTagQueue)
	}

	o.log.Info("delivery queued",
		logger.Int("seq", payload.Seq),
		logger.String("status", string(payload.Status)),
		logger.String("task_id", task.ID))
	o.notify(NoticeScheduled)
	return payload, nil
}

// SendPayload posts payload to saveDelivery and reconciles the
// acknowledgment. Any error leaves the payload to be retried.
func (o *Orchestrator) SendPayload(ctx context.Context, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Newf("failed to encode payload: %w", err).
			Component("submission").
			Category(errors.CategoryValidation).
			Build()
	}
	return o.send(ctx, body, ackHeader{
		EventID:    payload.EventID,
		ClientUUID: payload.ClientUUID,
		Seq:        payload.Seq,
	})
}

func (o *Orchestrator) executeSaveDelivery(ctx context.Context, task outbox.Task) error {
	var h ackHeader
	if err := json.Unmarshal(task.Payload, &h); err != nil {
		o.log.Warn("queued payload has no readable header",
			logger.String("task_id", task.ID),
			logger.Error(err))
	}
	return o.send(ctx, task.Payload, h)
}

func (o *Orchestrator) send(ctx context.Context, body json.RawMessage, h ackHeader) error {
	ack, err := o.api.SaveDelivery(ctx, body)
	if err != nil {
		if ctx.Err() == nil {
			o.notify(NoticeSendFailed)
		}
		return err
	}

	if h.ClientUUID == o.session.ClientUUID() && h.EventID == o.session.EventID() {
		ts, err := ack.ParseTime()
		if err != nil {
			o.log.Warn("acknowledgment time unreadable, using local clock",
				logger.String("ts", ack.TS),
				logger.Error(err))
		}
		o.session.MarkSynced(h.Seq, ts)
	} else {
		o.log.Info("acknowledged payload from an earlier session",
			logger.String("payload_event_id", h.EventID),
			logger.Int("seq", h.Seq))
	}
	o.log.Info("delivery acknowledged", logger.Int("seq", h.Seq), logger.String("ts", ack.TS))
	o.notify(NoticeSent)
	return nil
}

// LoadEventInfo merges the server's view of the event into the session.
// On failure the local state is kept and the driver works offline.
func (o *Orchestrator) LoadEventInfo(ctx context.Context) error {
	if o.session.EventID() == "" {
		return nil
	}
	info, err := o.api.EventInfo(ctx, o.session.EventID(), o.session.Cmd())
	if err != nil {
		o.log.Warn("event info unavailable, continuing offline", logger.Error(err))
		o.notify(NoticeLoadFailed)
		return err
	}
	if err := o.session.ApplyEventInfo(info); err != nil {
		o.log.Warn("event info partly ignored", logger.String("status", info.Status), logger.Error(err))
	}
	if delivery.NormalizeEmail(info.DriverEmail) != "" {
		o.persistEmail(ctx)
	}
	return nil
}

// RegisterDevice associates the push token with the driver. It is skipped
// until a driver email is known, and failures are only logged.
func (o *Orchestrator) RegisterDevice(ctx context.Context, token, platform string) {
	email := o.session.DriverEmail()
	if email == "" || token == "" {
		o.log.Debug("device registration skipped",
			logger.Bool("has_email", email != ""),
			logger.Bool("has_token", token != ""))
		return
	}
	err := o.api.RegisterDevice(ctx, backend.RegisterRequest{
		DriverEmail: email,
		Token:       token,
		Platform:    platform,
	})
	if err != nil {
		o.log.Warn("device registration failed", logger.Error(err))
		return
	}
	o.log.Info("device registered", logger.String("platform", platform))
}

// HandleMessage reacts to messages posted by the cache worker.
func (o *Orchestrator) HandleMessage(msg swcache.Message) {
	switch msg.Type {
	case swcache.MessageSyncQueue:
		o.queue.Wake()
	case swcache.MessagePush:
		if msg.EventID != "" && msg.EventID == o.session.EventID() {
			o.notify(NoticePushReceived)
		}
	}
}

// AddScannedItem adds one unit of a scanned or typed barcode.
func (o *Orchestrator) AddScannedItem(code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		o.notify(NoticeNoCode)
		return ErrNoCode
	}
	if err := o.session.AddItem(delivery.Item{Barcode: code, Qty: 1}); err != nil {
		return err
	}
	o.notify(scannedNotice(code))
	return nil
}

// OnRetry is the outbox retry listener.
func (o *Orchestrator) OnRetry(attempt int) {
	o.notify(retryNotice(attempt))
}

// Online handles a return of connectivity: pending sync tags fire and the
// outbox drains.
func (o *Orchestrator) Online(ctx context.Context) {
	o.notify(NoticeOnline)
	if o.sync != nil {
		o.sync.Fire(ctx)
	}
	o.queue.Wake()
}

// Offline handles a loss of connectivity.
func (o *Orchestrator) Offline(context.Context) {
	o.notify(NoticeOffline)
}
