// Package connectivity watches whether the backend is reachable and reports
// online/offline transitions.
package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/els-fr/livreur/internal/errors"
	"github.com/els-fr/livreur/internal/logger"
)

// Prober checks reachability once.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// HTTPProber sends a HEAD request to URL. Any HTTP response, whatever its
// status, means the network path is up.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// Probe performs one request.
func (p HTTPProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, http.NoBody)
	if err != nil {
		return errors.Newf("invalid probe url: %w", err).
			Component("connectivity").
			Category(errors.CategoryConfiguration).
			Context("url", p.URL).
			Build()
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// Handler receives connectivity transitions.
type Handler interface {
	Online(ctx context.Context)
	Offline(ctx context.Context)
}

// Recorder tracks the current state. *metrics.Metrics satisfies it.
type Recorder interface {
	SetOnline(online bool)
}

// Monitor probes on an interval and notifies handlers on each change. It
// starts in the online state, so a healthy start emits nothing.
type Monitor struct {
	prober   Prober
	interval time.Duration
	timeout  time.Duration
	rec      Recorder
	log      logger.Logger
	probeLog rate.Sometimes

	mu       sync.Mutex
	online   bool
	handlers []Handler
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithTimeout bounds each probe.
func WithTimeout(d time.Duration) Option {
	return func(m *Monitor) { m.timeout = d }
}

func WithRecorder(r Recorder) Option {
	return func(m *Monitor) { m.rec = r }
}

func WithLogger(l logger.Logger) Option {
	return func(m *Monitor) { m.log = l }
}

// NewMonitor creates a monitor probing with p every interval.
func NewMonitor(p Prober, interval time.Duration, opts ...Option) *Monitor {
	m := &Monitor{
		prober:   p,
		interval: interval,
		timeout:  5 * time.Second,
		log:      logger.NewDiscard(),
		probeLog: rate.Sometimes{First: 1, Interval: time.Minute},
		online:   true,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.Module("connectivity")
	if m.rec != nil {
		m.rec.SetOnline(true)
	}
	return m
}

// Subscribe adds h to the handlers called on each transition.
func (m *Monitor) Subscribe(h Handler) {
	m.mu.Lock()
	m.handlers = append(m.handlers, h)
	m.mu.Unlock()
}

// Online reports the last observed state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Check probes once and dispatches a transition if the state changed. It
// returns the new state.
func (m *Monitor) Check(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.prober.Probe(pctx)
	cancel()
	if err != nil && ctx.Err() != nil {
		return m.Online()
	}
	if err != nil {
		m.probeLog.Do(func() {
			m.log.Debug("probe failed", logger.Error(err))
		})
	}
	m.Set(ctx, err == nil)
	return err == nil
}

// Set forces the state, notifying handlers on a change.
func (m *Monitor) Set(ctx context.Context, online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	handlers := append([]Handler(nil), m.handlers...)
	m.mu.Unlock()

	if !changed {
		return
	}
	if m.rec != nil {
		m.rec.SetOnline(online)
	}
	m.log.Info("connectivity changed", logger.Bool("online", online))
	for _, h := range handlers {
		if online {
			h.Online(ctx)
		} else {
			h.Offline(ctx)
		}
	}
}

// Run checks immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
