package settings

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/revive-app/recoveryservice/internal/cache"
	"github.com/revive-app/recoveryservice/internal/domain"
	"github.com/revive-app/recoveryservice/internal/log"
	"github.com/revive-app/recoveryservice/internal/repository"
)

const redisKeyPrefix = "tenant_settings:"

type entry struct {
	settings  *domain.TenantSettings
	fetchedAt time.Time
}

// Provider serves per-tenant configuration with an in-process TTL cache,
// optionally backed by Redis. Lookups never fail: a tenant without stored
// settings gets defaults, and a store outage serves the last known value.
type Provider struct {
	repo  repository.SettingsRepository
	cache *cache.Cache
	ttl   time.Duration

	mu      sync.Mutex
	entries map[string]entry

	now func() time.Time
}

// NewProvider creates a settings provider. redisCache may be nil.
func NewProvider(repo repository.SettingsRepository, redisCache *cache.Cache, ttl time.Duration) *Provider {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Provider{
		repo:    repo,
		cache:   redisCache,
		ttl:     ttl,
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// WithNow overrides the clock. Used by tests.
func (p *Provider) WithNow(now func() time.Time) *Provider {
	p.now = now
	return p
}

// Get returns the effective settings for a tenant.
func (p *Provider) Get(ctx context.Context, tenantID string) *domain.TenantSettings {
	now := p.now()

	p.mu.Lock()
	cached, ok := p.entries[tenantID]
	p.mu.Unlock()

	if ok && now.Sub(cached.fetchedAt) < p.ttl {
		return cached.settings
	}

	settings, err := p.load(ctx, tenantID)
	if err != nil {
		if ok {
			// Stale beats unavailable.
			log.Warn(ctx, fmt.Sprintf("settings load failed for tenant %s, serving stale", tenantID))
			return cached.settings
		}
		log.Warn(ctx, fmt.Sprintf("settings load failed for tenant %s, serving defaults", tenantID))
		return domain.DefaultTenantSettings(tenantID)
	}

	p.mu.Lock()
	p.entries[tenantID] = entry{settings: settings, fetchedAt: now}
	p.mu.Unlock()

	return settings
}

// Update persists new settings for a tenant and refreshes both cache layers.
func (p *Provider) Update(ctx context.Context, settings *domain.TenantSettings) error {
	if err := p.repo.Upsert(ctx, settings); err != nil {
		return fmt.Errorf("failed to upsert settings: %w", err)
	}

	if p.cache != nil {
		if err := p.cache.Set(ctx, redisKeyPrefix+settings.TenantID, settings, p.ttl); err != nil {
			log.Warn(ctx, fmt.Sprintf("failed to cache settings for tenant %s", settings.TenantID))
		}
	}

	p.mu.Lock()
	p.entries[settings.TenantID] = entry{settings: settings, fetchedAt: p.now()}
	p.mu.Unlock()

	return nil
}

// Invalidate drops a tenant from both cache layers.
func (p *Provider) Invalidate(ctx context.Context, tenantID string) {
	p.mu.Lock()
	delete(p.entries, tenantID)
	p.mu.Unlock()

	if p.cache != nil {
		if err := p.cache.Delete(ctx, redisKeyPrefix+tenantID); err != nil {
			log.Warn(ctx, fmt.Sprintf("failed to invalidate cached settings for tenant %s", tenantID))
		}
	}
}

func (p *Provider) load(ctx context.Context, tenantID string) (*domain.TenantSettings, error) {
	if p.cache != nil {
		var cached domain.TenantSettings
		err := p.cache.Get(ctx, redisKeyPrefix+tenantID, &cached)
		if err == nil {
			return &cached, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			log.Warn(ctx, fmt.Sprintf("settings cache read failed for tenant %s", tenantID))
		}
	}

	settings, err := p.repo.GetByTenant(ctx, tenantID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			settings = domain.DefaultTenantSettings(tenantID)
		} else {
			return nil, err
		}
	}

	if p.cache != nil {
		if err := p.cache.Set(ctx, redisKeyPrefix+tenantID, settings, p.ttl); err != nil {
			log.Warn(ctx, fmt.Sprintf("failed to cache settings for tenant %s", tenantID))
		}
	}

	return settings, nil
}
