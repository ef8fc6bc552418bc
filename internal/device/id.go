package device

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/els-fr/livreur/internal/datastore/entities"
	"github.com/els-fr/livreur/internal/datastore/repository"
	"github.com/els-fr/livreur/internal/errors"
)

// DefaultIDPrefix matches the id format of the Android wrapper.
const DefaultIDPrefix = "ANDROID-"

// IDProvider returns the persisted device id, generating it on first use.
type IDProvider struct {
	prefs  repository.PreferenceRepository
	prefix string

	mu sync.Mutex
	id string
}

// NewIDProvider stores ids in prefs under the livreur-device-id key.
func NewIDProvider(prefs repository.PreferenceRepository, prefix string) *IDProvider {
	if prefix == "" {
		prefix = DefaultIDPrefix
	}
	return &IDProvider{prefs: prefs, prefix: prefix}
}

// DeviceID returns the stable device id.
func (p *IDProvider) DeviceID(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.id != "" {
		return p.id, nil
	}

	id, err := p.prefs.Get(ctx, entities.PrefDeviceID)
	switch {
	case err == nil && id != "":
		p.id = id
		return id, nil
	case err != nil && !errors.Is(err, repository.ErrPreferenceNotFound):
		return "", errors.Newf("failed to read device id: %w", err).
			Component("device").
			Category(errors.CategoryStorage).
			Build()
	}

	id = p.prefix + uuid.NewString()
	if err := p.prefs.Set(ctx, entities.PrefDeviceID, id); err != nil {
		return "", errors.Newf("failed to persist device id: %w", err).
			Component("device").
			Category(errors.CategoryStorage).
			Build()
	}
	p.id = id
	return id, nil
}
