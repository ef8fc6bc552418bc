package main

import (
	"context"
	"net/http"
	"net/url"
	"os"

	"github.com/els-fr/livreur/internal/api"
	"github.com/els-fr/livreur/internal/backend"
	"github.com/els-fr/livreur/internal/conf"
	"github.com/els-fr/livreur/internal/datastore"
	"github.com/els-fr/livreur/internal/datastore/entities"
	"github.com/els-fr/livreur/internal/datastore/repository"
	"github.com/els-fr/livreur/internal/delivery"
	"github.com/els-fr/livreur/internal/device"
	"github.com/els-fr/livreur/internal/errors"
	"github.com/els-fr/livreur/internal/logger"
	"github.com/els-fr/livreur/internal/observability/metrics"
	"github.com/els-fr/livreur/internal/outbox"
	"github.com/els-fr/livreur/internal/submission"
	"github.com/els-fr/livreur/internal/swcache"
)

// orchestratorClientID names the in-process page that reacts to worker
// messages on behalf of the orchestrator.
const orchestratorClientID = "orchestrator"

// app holds the components shared by every subcommand that submits.
type app struct {
	settings *conf.Settings
	log      logger.Logger

	db       *datastore.Manager
	prefs    repository.PreferenceRepository
	outboxDB repository.OutboxRepository
	metrics  *metrics.Metrics
	storage  *swcache.Storage
	worker   *swcache.Worker
	sync     *swcache.SyncManager
	hub      *api.Hub
	backend  *backend.Client
	queue    *outbox.Queue
	orch     *submission.Orchestrator

	local      *swcache.LocalClient
	unregister func()
}

// newApp wires the submission pipeline for one delivery session. Pending
// tasks of earlier sessions are restored into the queue but not drained.
func newApp(ctx context.Context, s *conf.Settings, log logger.Logger, eventID, cmd string) (*app, error) {
	a := &app{settings: s, log: log, metrics: metrics.New()}
	built := false
	defer func() {
		if !built {
			a.Close()
		}
	}()

	var err error

	a.db, err = datastore.Open(datastore.Config{Path: s.Datastore.Path, Logger: log})
	if err != nil {
		return nil, err
	}
	if err := a.db.Initialize(ctx); err != nil {
		return nil, err
	}
	a.prefs = repository.NewPreferenceRepository(a.db.DB())
	a.outboxDB = repository.NewOutboxRepository(a.db.DB())

	backendStore, err := openCacheBackend(s.Cache)
	if err != nil {
		return nil, err
	}
	a.storage = swcache.NewStorage(backendStore)

	network := http.DefaultTransport
	if s.Cache.EmbeddedShell {
		network, err = api.NewShellTransport(s.Cache.Origin, api.ShellFS(), http.DefaultTransport)
		if err != nil {
			return nil, err
		}
	}

	clients := swcache.NewClients(log)
	a.worker, err = swcache.NewWorker(swcache.Config{
		CacheName:   s.Cache.ShellCacheName(),
		CachePrefix: s.Cache.Prefix,
		Origin:      s.Cache.Origin,
		Assets:      s.Cache.Assets,
		APIPattern:  s.Cache.APIPattern,
	}, a.storage, clients,
		swcache.WithNetwork(network),
		swcache.WithLogger(log),
		swcache.WithRecorder(a.metrics),
		swcache.WithOpenWindow(func(u string) {
			log.Info("notification asks for a new window", logger.String("url", u))
		}))
	if err != nil {
		return nil, err
	}
	a.sync = swcache.NewSyncManager(a.worker)
	a.hub = api.NewHub(clients, log)

	a.backend = backend.NewClient(s.API.BaseURL,
		backend.WithTransport(a.worker),
		backend.WithTimeout(s.API.Timeout.Std()),
		backend.WithLogger(log))

	router := outbox.NewRouter()
	a.queue, err = outbox.New(ctx, router,
		outbox.WithStore(outbox.NewRepositoryStore(a.outboxDB)),
		outbox.WithBackoff(s.Outbox.BaseDelay.Std(), s.Outbox.MaxDelay.Std()),
		outbox.WithLogger(log),
		outbox.WithRecorder(a.metrics))
	if err != nil {
		return nil, err
	}

	opts := []delivery.SessionOption{}
	if email, err := a.prefs.Get(ctx, entities.PrefDriverEmail); err == nil {
		opts = append(opts, delivery.WithDriverEmail(email))
	}
	session := delivery.NewSession(eventID, cmd, opts...)

	a.orch = submission.New(session, a.backend, a.queue, submission.Config{
		AppVersion: s.Device.AppVersion,
		GeoTimeout: s.Device.GeoTimeout.Std(),
		IDPrefix:   s.Device.IDPrefix,
	},
		submission.WithNotifier(a.hub),
		submission.WithLocator(locator(s.Device)),
		submission.WithBattery(battery(s.Device)),
		submission.WithDeviceIDs(device.NewIDProvider(a.prefs, s.Device.IDPrefix)),
		submission.WithSync(a.sync),
		submission.WithPreferences(a.prefs),
		submission.WithLogger(log))
	a.orch.Routes(router)
	a.queue.SetRetryListener(a.orch.OnRetry)

	a.local = swcache.NewLocalClient(orchestratorClientID, pageURL(s.Cache.Origin, eventID, cmd), log)
	a.local.Subscribe(a.orch.HandleMessage)
	a.unregister = clients.Register(a.local)
	built = true
	return a, nil
}

// installShell precaches the shell and drops older caches. A failed install
// keeps serving from whatever cache exists.
func (a *app) installShell(ctx context.Context) {
	if _, err := a.worker.Dispatch(ctx, swcache.Event{Kind: swcache.EventInstall}); err != nil {
		a.log.Warn("shell install failed, keeping the previous cache", logger.Error(err))
		return
	}
	if _, err := a.worker.Dispatch(ctx, swcache.Event{Kind: swcache.EventActivate}); err != nil {
		a.log.Warn("shell activation failed", logger.Error(err))
	}
}

// Close releases everything newApp opened. Safe on a partially built app.
func (a *app) Close() {
	if a.unregister != nil {
		a.unregister()
	}
	if a.local != nil {
		a.local.Close()
	}
	if a.queue != nil {
		a.queue.Close()
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.log.Warn("failed to close cache storage", logger.Error(err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("failed to close datastore", logger.Error(err))
		}
	}
}

func openCacheBackend(c conf.CacheSettings) (swcache.Backend, error) {
	if c.Backend == "memory" {
		return swcache.NewMemoryBackend(), nil
	}
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return nil, errors.Newf("failed to create cache directory: %w", err).
			Component("livreur").
			Category(errors.CategoryStorage).
			Context("dir", c.Dir).
			Build()
	}
	return swcache.OpenBadger(c.Dir)
}

func locator(d conf.DeviceSettings) device.Locator {
	if d.PositionSource != "static" {
		return device.NoLocator{}
	}
	pos := device.Position{Lat: d.Latitude, Lng: d.Longitude}
	if d.Accuracy > 0 {
		acc := d.Accuracy
		pos.Accuracy = &acc
	}
	return device.StaticLocator{Position: pos}
}

func battery(d conf.DeviceSettings) device.BatteryReader {
	if d.BatteryPath == "" {
		return device.NoBattery{}
	}
	return device.SysfsBattery{Root: d.BatteryPath}
}

// pageURL is the shell URL of a delivery, the address a push click targets.
func pageURL(origin, eventID, cmd string) string {
	q := url.Values{}
	if eventID != "" {
		q.Set("eventId", eventID)
	}
	if cmd != "" {
		q.Set("cmd", cmd)
	}
	if len(q) == 0 {
		return origin + "/"
	}
	return origin + "/?" + q.Encode()
}
