// Package device exposes the optional capabilities of the device running
// livreur: position, battery, platform and a stable device id. Every
// capability is best-effort and reports "no result" rather than failing.
package device

import (
	"context"
	"time"

	"github.com/els-fr/livreur/internal/errors"
)

// ErrUnavailable is returned by capabilities the device does not have.
var ErrUnavailable = errors.NewStd("capability unavailable")

// Position is a geolocation fix.
type Position struct {
	Lat      float64  `json:"lat"`
	Lng      float64  `json:"lng"`
	Accuracy *float64 `json:"accuracy,omitempty"`
}

// Locator acquires a position fix.
type Locator interface {
	CurrentPosition(ctx context.Context) (Position, error)
}

// NoLocator is a device without positioning.
type NoLocator struct{}

func (NoLocator) CurrentPosition(context.Context) (Position, error) {
	return Position{}, ErrUnavailable
}

// StaticLocator always reports the same position, e.g. a depot-mounted terminal.
type StaticLocator struct {
	Position Position
}

func (l StaticLocator) CurrentPosition(context.Context) (Position, error) {
	return l.Position, nil
}

// RequestPosition asks loc for a fix bounded by timeout. A timeout, an error
// or a nil locator yields nil. The bound holds even if loc ignores ctx.
func RequestPosition(ctx context.Context, loc Locator, timeout time.Duration) *Position {
	if loc == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		pos Position
		err error
	}
	ch := make(chan result, 1)
	go func() {
		pos, err := loc.CurrentPosition(ctx)
		ch <- result{pos, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil
		}
		return &r.pos
	case <-ctx.Done():
		return nil
	}
}
