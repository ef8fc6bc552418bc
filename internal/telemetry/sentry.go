// Package telemetry forwards built errors to sentry when a DSN is configured.
package telemetry

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/els-fr/livreur/internal/errors"
	"github.com/els-fr/livreur/internal/logger"
)

const flushTimeout = 2 * time.Second

// Config configures sentry.
type Config struct {
	DSN         string
	Environment string
	Release     string
}

// Init initializes sentry and installs the error reporter. Without a DSN
// nothing is installed. The returned func flushes pending events.
func Init(cfg Config, log logger.Logger) (flush func(), err error) {
	if log == nil {
		log = logger.NewDiscard()
	}
	log = log.Module("telemetry")
	if cfg.DSN == "" {
		log.Debug("error reporting disabled")
		return func() {}, nil
	}

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		Release:          cfg.Release,
		AttachStacktrace: true,
	}); err != nil {
		return func() {}, errors.Newf("failed to initialize sentry: %w", err).
			Component("telemetry").
			Category(errors.CategoryConfiguration).
			Build()
	}
	errors.SetReporter(NewReporter(sentry.CurrentHub(), log))
	log.Info("error reporting enabled", logger.String("environment", cfg.Environment))

	return func() {
		errors.SetReporter(nil)
		sentry.Flush(flushTimeout)
	}, nil
}

// Reporter sends EnhancedErrors to a sentry hub.
type Reporter struct {
	hub *sentry.Hub
	log logger.Logger
}

// NewReporter reports to hub.
func NewReporter(hub *sentry.Hub, log logger.Logger) *Reporter {
	if log == nil {
		log = logger.NewDiscard()
	}
	return &Reporter{hub: hub, log: log}
}

// Report implements errors.Reporter. Validation and not-found errors are
// expected in normal operation and are not sent; neither are network errors,
// which a device on the road produces constantly.
func (r *Reporter) Report(ee *errors.EnhancedError) {
	switch ee.GetCategory() {
	case errors.CategoryValidation, errors.CategoryNotFound, errors.CategoryNetwork:
		return
	}

	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelError)
		scope.SetTag("component", ee.GetComponent())
		scope.SetTag("category", string(ee.GetCategory()))
		if ctx := ee.GetContext(); len(ctx) > 0 {
			sc := make(sentry.Context, len(ctx))
			for k, v := range ctx {
				sc[k] = fmt.Sprint(v)
			}
			scope.SetContext("error", sc)
		}
		if id := r.hub.CaptureException(ee); id != nil {
			r.log.Debug("error reported", logger.String("event_id", string(*id)))
		}
	})
}
