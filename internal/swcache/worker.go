// Package swcache is the network cache layer of livreur. It plays the role a
// service worker plays for a browser page: it precaches a versioned app shell,
// answers requests network-first for the API and cache-first for everything
// else, and relays background sync and push events to open page clients.
package swcache

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"strings"
	"sync"

	"github.com/els-fr/livreur/internal/errors"
	"github.com/els-fr/livreur/internal/logger"
)

// EventKind names a worker lifecycle or functional event.
type EventKind string

const (
	EventInstall           EventKind = "install"
	EventActivate          EventKind = "activate"
	EventFetch             EventKind = "fetch"
	EventSync              EventKind = "sync"
	EventPush              EventKind = "push"
	EventNotificationClick EventKind = "notificationclick"
)

// SyncTagQueue is the background sync tag that wakes the outbox.
const SyncTagQueue = "sync-queue"

// Cache policy names, used in metrics and logs.
const (
	PolicyBypass       = "bypass"
	PolicyNetworkFirst = "network-first"
	PolicyCacheFirst   = "cache-first"
)

// Event is delivered to the worker's handler table.
type Event struct {
	Kind    EventKind
	Request *http.Request   // fetch
	Tag     string          // sync
	Data    json.RawMessage // push payload
	// NotificationData is the data attached to a clicked notification.
	NotificationData map[string]string
}

// Effect describes a side effect a handler performed.
type Effect struct {
	Kind    string   `json:"kind"`
	Target  string   `json:"target,omitempty"`
	Message *Message `json:"message,omitempty"`
}

// Effect kinds.
const (
	EffectCacheOpened      = "cache-opened"
	EffectCacheDeleted     = "cache-deleted"
	EffectBroadcast        = "broadcast"
	EffectShowNotification = "show-notification"
	EffectFocus            = "focus"
	EffectOpenWindow       = "open-window"
)

// Result is the outcome of a dispatched event.
type Result struct {
	Response *http.Response
	Effects  []Effect
}

// Handler handles one event kind.
type Handler func(ctx context.Context, ev Event) (Result, error)

// CacheRecorder counts cache decisions. *metrics.Metrics satisfies it.
type CacheRecorder interface {
	CacheResult(policy, result string)
}

// ErrNoHandler is returned for events without a registered handler.
var ErrNoHandler = errors.NewStd("no handler for event")

// Config configures a Worker.
type Config struct {
	CacheName   string   // versioned shell cache, e.g. livreur-shell-v1.0.0
	CachePrefix string   // prefix shared by every shell cache version
	Origin      string   // base URL shell assets are fetched from
	Assets      []string // shell asset paths precached on install
	APIPattern  string   // regexp matched against request URLs
}

// Worker dispatches events through an explicit handler table.
type Worker struct {
	cfg        Config
	apiPattern *regexp.Regexp
	storage    *Storage
	network    http.RoundTripper
	clients    *Clients
	log        logger.Logger
	rec        CacheRecorder
	openWindow func(url string)

	mu       sync.RWMutex
	handlers map[EventKind]Handler
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithNetwork sets the transport used for network fetches.
func WithNetwork(rt http.RoundTripper) WorkerOption {
	return func(w *Worker) { w.network = rt }
}

// WithLogger sets the worker logger.
func WithLogger(l logger.Logger) WorkerOption {
	return func(w *Worker) { w.log = l }
}

// WithRecorder reports cache hits and misses.
func WithRecorder(r CacheRecorder) WorkerOption {
	return func(w *Worker) { w.rec = r }
}

// WithOpenWindow sets the callback for notification clicks that match no
// open client.
func WithOpenWindow(fn func(url string)) WorkerOption {
	return func(w *Worker) { w.openWindow = fn }
}

type noopCacheRecorder struct{}

func (noopCacheRecorder) CacheResult(string, string) {}

// NewWorker creates a worker with the default handler table.
func NewWorker(cfg Config, storage *Storage, clients *Clients, opts ...WorkerOption) (*Worker, error) {
	if cfg.CacheName == "" || !strings.HasPrefix(cfg.CacheName, cfg.CachePrefix) {
		return nil, errors.Newf("cache name %q must start with prefix %q", cfg.CacheName, cfg.CachePrefix).
			Component("swcache").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if cfg.APIPattern == "" {
		cfg.APIPattern = "/api/"
	}
	re, err := regexp.Compile(cfg.APIPattern)
	if err != nil {
		return nil, errors.Newf("invalid api pattern: %w", err).
			Component("swcache").
			Category(errors.CategoryConfiguration).
			Context("pattern", cfg.APIPattern).
			Build()
	}

	w := &Worker{
		cfg:        cfg,
		apiPattern: re,
		storage:    storage,
		network:    http.DefaultTransport,
		clients:    clients,
		log:        logger.NewDiscard(),
		rec:        noopCacheRecorder{},
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = w.log.Module("swcache")

	w.handlers = map[EventKind]Handler{
		EventInstall:           w.handleInstall,
		EventActivate:          w.handleActivate,
		EventFetch:             w.handleFetch,
		EventSync:              w.handleSync,
		EventPush:              w.handlePush,
		EventNotificationClick: w.handleNotificationClick,
	}
	return w, nil
}

// Handle replaces the handler for kind.
func (w *Worker) Handle(kind EventKind, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[kind] = h
}

// Dispatch routes ev to its handler.
func (w *Worker) Dispatch(ctx context.Context, ev Event) (Result, error) {
	w.mu.RLock()
	h, ok := w.handlers[ev.Kind]
	w.mu.RUnlock()
	if !ok {
		return Result{}, errors.New(ErrNoHandler).
			Component("swcache").
			Category(errors.CategoryState).
			Context("kind", string(ev.Kind)).
			Build()
	}
	return h(ctx, ev)
}

// RoundTrip lets the worker act as the transport of an http.Client, so every
// request made through that client goes through the fetch handler.
func (w *Worker) RoundTrip(req *http.Request) (*http.Response, error) {
	res, err := w.Dispatch(req.Context(), Event{Kind: EventFetch, Request: req})
	if err != nil {
		return nil, err
	}
	return res.Response, nil
}

// Clients returns the client registry.
func (w *Worker) Clients() *Clients {
	return w.clients
}

// CacheName returns the live shell cache name.
func (w *Worker) CacheName() string {
	return w.cfg.CacheName
}

// Install precaches every shell asset. Like cache.addAll, nothing is stored
// unless every asset was fetched successfully.
func (w *Worker) handleInstall(ctx context.Context, _ Event) (Result, error) {
	cache, err := w.storage.Open(w.cfg.CacheName)
	if err != nil {
		return Result{}, err
	}

	type fetched struct {
		req  *http.Request
		resp *http.Response
	}
	var all []fetched
	defer func() {
		for _, f := range all {
			_ = f.resp.Body.Close()
		}
	}()

	for _, asset := range w.cfg.Assets {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.assetURL(asset), http.NoBody)
		if err != nil {
			return Result{}, installErr(err, asset)
		}
		resp, err := w.network.RoundTrip(req)
		if err != nil {
			return Result{}, installErr(err, asset)
		}
		all = append(all, fetched{req, resp})
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return Result{}, installErr(errors.Newf("unexpected status %s", resp.Status).Build(), asset)
		}
	}

	for _, f := range all {
		if err := cache.Put(f.req, f.resp); err != nil {
			return Result{}, err
		}
	}
	w.log.Info("shell installed",
		logger.String("cache", w.cfg.CacheName),
		logger.Int("assets", len(all)))
	return Result{Effects: []Effect{{Kind: EffectCacheOpened, Target: w.cfg.CacheName}}}, nil
}

func (w *Worker) assetURL(asset string) string {
	if strings.HasPrefix(asset, "http://") || strings.HasPrefix(asset, "https://") {
		return asset
	}
	asset = strings.TrimPrefix(asset, ".")
	if !strings.HasPrefix(asset, "/") {
		asset = "/" + asset
	}
	return w.cfg.Origin + asset
}

func installErr(err error, asset string) error {
	return errors.Newf("failed to precache %s: %w", asset, err).
		Component("swcache").
		Category(errors.CategoryNetwork).
		Context("asset", asset).
		Build()
}

// Activate deletes every older shell cache so exactly one stays live.
func (w *Worker) handleActivate(_ context.Context, _ Event) (Result, error) {
	names, err := w.storage.Keys()
	if err != nil {
		return Result{}, err
	}
	var res Result
	for _, name := range names {
		if !strings.HasPrefix(name, w.cfg.CachePrefix) || name == w.cfg.CacheName {
			continue
		}
		if _, err := w.storage.Delete(name); err != nil {
			return res, err
		}
		w.log.Info("deleted old cache", logger.String("cache", name))
		res.Effects = append(res.Effects, Effect{Kind: EffectCacheDeleted, Target: name})
	}
	return res, nil
}

func (w *Worker) handleFetch(_ context.Context, ev Event) (Result, error) {
	req := ev.Request
	if req == nil {
		return Result{}, errors.Newf("fetch event without request").
			Component("swcache").
			Category(errors.CategoryValidation).
			Build()
	}

	var (
		resp *http.Response
		err  error
	)
	switch {
	case req.Method != http.MethodGet:
		w.rec.CacheResult(PolicyBypass, "network")
		resp, err = w.network.RoundTrip(req)
	case w.apiPattern.MatchString(req.URL.String()):
		resp, err = w.networkFirst(req)
	default:
		resp, err = w.cacheFirst(req)
	}
	if err != nil {
		return Result{}, err
	}
	return Result{Response: resp}, nil
}

func (w *Worker) networkFirst(req *http.Request) (*http.Response, error) {
	cache, err := w.storage.Open(w.cfg.CacheName)
	if err != nil {
		return nil, err
	}

	resp, netErr := w.network.RoundTrip(req)
	if netErr == nil {
		w.store(cache, req, resp, PolicyNetworkFirst)
		w.rec.CacheResult(PolicyNetworkFirst, "network")
		return resp, nil
	}

	cached, err := cache.Match(req)
	if err != nil {
		w.log.Warn("cache lookup failed", logger.String("url", req.URL.String()), logger.Error(err))
	}
	if cached != nil {
		w.rec.CacheResult(PolicyNetworkFirst, "fallback")
		w.log.Debug("serving cached api response", logger.String("url", req.URL.String()))
		return cached, nil
	}
	w.rec.CacheResult(PolicyNetworkFirst, "error")
	return nil, netErr
}

func (w *Worker) cacheFirst(req *http.Request) (*http.Response, error) {
	cache, err := w.storage.Open(w.cfg.CacheName)
	if err != nil {
		return nil, err
	}

	cached, err := cache.Match(req)
	if err != nil {
		w.log.Warn("cache lookup failed", logger.String("url", req.URL.String()), logger.Error(err))
	}
	if cached != nil {
		w.rec.CacheResult(PolicyCacheFirst, "hit")
		return cached, nil
	}

	resp, err := w.network.RoundTrip(req)
	if err != nil {
		w.rec.CacheResult(PolicyCacheFirst, "error")
		return nil, err
	}
	w.store(cache, req, resp, PolicyCacheFirst)
	w.rec.CacheResult(PolicyCacheFirst, "miss")
	return resp, nil
}

// store caches successful responses. Error responses are passed through but
// never replace a good cached copy.
func (w *Worker) store(cache *Cache, req *http.Request, resp *http.Response, policy string) {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return
	}
	if err := cache.Put(req, resp); err != nil {
		w.log.Warn("failed to cache response",
			logger.String("policy", policy),
			logger.String("url", req.URL.String()),
			logger.Error(err))
	}
}

func (w *Worker) handleSync(_ context.Context, ev Event) (Result, error) {
	if ev.Tag != SyncTagQueue {
		return Result{}, nil
	}
	msg := Message{Type: MessageSyncQueue}
	n := w.clients.Broadcast(msg)
	w.log.Info("sync event relayed", logger.String("tag", ev.Tag), logger.Int("clients", n))
	return Result{Effects: []Effect{{Kind: EffectBroadcast, Message: &msg}}}, nil
}
