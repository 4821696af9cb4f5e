package webhook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sd0xdev/onekey-balance-kit/cache"
)

const (
	createLockTTL = 30 * time.Second
	secretTTL     = 30 * time.Minute
)

// ErrCreationLocked means another worker is creating the chain's webhook
// right now; the caller backs off and the next trigger re-checks.
var ErrCreationLocked = errors.New("webhook creation lock held")

// ErrNoWebhook means the chain has no webhook yet and none was created in
// this call.
var ErrNoWebhook = errors.New("no webhook for chain")

// Manager owns the chain -> remote-webhook-id table, the signing-secret
// cache and the add/remove primitives. Lazy creation is guarded by an
// advisory lock so concurrent triggers produce at most one webhook per
// chain.
type Manager struct {
	provider    Provider
	locks       LockStore
	secrets     *cache.Cache[string]
	logger      *logrus.Logger
	callbackURL string

	// default monitored address per chain; excluded from every removal
	defaults map[string]string

	mu       sync.RWMutex
	webhooks map[string]string // chain -> remote webhook id
}

func NewManager(provider Provider, locks LockStore, secrets *cache.Cache[string], callbackURL string, defaults map[string]string, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	if defaults == nil {
		defaults = map[string]string{}
	}
	return &Manager{
		provider:    provider,
		locks:       locks,
		secrets:     secrets,
		logger:      logger,
		callbackURL: callbackURL,
		defaults:    defaults,
		webhooks:    make(map[string]string),
	}
}

// DefaultAddress returns the chain's permanently monitored address.
func (m *Manager) DefaultAddress(chain string) string {
	return m.defaults[chain]
}

// RefreshRegistry rebuilds the chain -> webhook-id table from the remote
// list, keeping only active webhooks pointing at our callback URL.
func (m *Manager) RefreshRegistry(ctx context.Context) error {
	records, err := m.provider.ListWebhooks(ctx)
	if err != nil {
		return fmt.Errorf("list webhooks: %w", err)
	}

	table := make(map[string]string)
	for _, rec := range records {
		if rec.IsActive && rec.URL == m.callbackURL {
			table[rec.Chain] = rec.ID
		}
	}

	m.mu.Lock()
	m.webhooks = table
	m.mu.Unlock()

	m.logger.WithField("webhooks", len(table)).Info("Webhook registry refreshed")
	return nil
}

// WebhookForChain returns the chain's webhook id from the startup-built
// table, without creating one.
func (m *Manager) WebhookForChain(chain string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.webhooks[chain]
	return id, ok
}

func createLockKey(chain string) string {
	return "webhook:create:" + chain
}

// EnsureWebhook returns the chain's webhook id, lazily creating the webhook
// on first use. When another worker holds the creation lock this returns
// ErrCreationLocked without touching the remote API; callers treat that as
// "no webhook" and retry on the next trigger.
func (m *Manager) EnsureWebhook(ctx context.Context, chain string) (string, error) {
	if id, ok := m.WebhookForChain(chain); ok {
		return id, nil
	}

	lockKey := createLockKey(chain)
	acquired, err := m.locks.Acquire(ctx, lockKey, createLockTTL)
	if err != nil {
		return "", fmt.Errorf("acquire creation lock for %s: %w", chain, err)
	}
	if !acquired {
		m.logger.WithField("chain", chain).Info("Webhook creation lock held, backing off")
		return "", ErrCreationLocked
	}
	defer func() {
		if err := m.locks.Release(ctx, lockKey); err != nil {
			m.logger.WithError(err).WithField("chain", chain).Error("Failed to release creation lock")
		}
	}()

	// Another process may have created the webhook between our table check
	// and the lock grant; re-check the remote list before creating.
	if err := m.RefreshRegistry(ctx); err != nil {
		return "", err
	}
	if id, ok := m.WebhookForChain(chain); ok {
		return id, nil
	}

	initial := []string{}
	if def := m.defaults[chain]; def != "" {
		initial = append(initial, def)
	}
	id, err := m.provider.CreateWebhook(ctx, m.callbackURL, chain, initial)
	if err != nil {
		return "", fmt.Errorf("create webhook for %s: %w", chain, err)
	}

	m.mu.Lock()
	m.webhooks[chain] = id
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"chain":   chain,
		"webhook": id,
	}).Info("Created webhook")
	return id, nil
}

// MonitoredAddresses fetches the webhook's full monitored-address list.
func (m *Manager) MonitoredAddresses(ctx context.Context, chain string) (string, []string, error) {
	id, ok := m.WebhookForChain(chain)
	if !ok {
		return "", nil, ErrNoWebhook
	}
	addrs, err := m.provider.GetMonitoredAddresses(ctx, id)
	if err != nil {
		return id, nil, fmt.Errorf("get monitored addresses for %s: %w", chain, err)
	}
	return id, addrs, nil
}

// UpdateAddresses issues one combined add/remove call. The chain's default
// address is stripped from the removal list unconditionally.
func (m *Manager) UpdateAddresses(ctx context.Context, chain string, add, remove []string) error {
	id, ok := m.WebhookForChain(chain)
	if !ok {
		return ErrNoWebhook
	}

	if def := m.defaults[chain]; def != "" {
		filtered := make([]string, 0, len(remove))
		for _, addr := range remove {
			if addr != def {
				filtered = append(filtered, addr)
			}
		}
		remove = filtered
	}
	if len(add) == 0 && len(remove) == 0 {
		return nil
	}

	ok, err := m.provider.UpdateAddresses(ctx, id, add, remove)
	if err != nil {
		return fmt.Errorf("update addresses on %s: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("provider rejected address update on %s", id)
	}
	return nil
}

func secretKey(callbackURL, chain string) string {
	return callbackURL + "|" + chain
}

// SigningSecret returns the webhook signing secret for (callbackURL, chain),
// from the 30-minute cache unless force is set.
func (m *Manager) SigningSecret(ctx context.Context, chain string, force bool) (string, error) {
	key := secretKey(m.callbackURL, chain)
	if !force {
		if secret, err := m.secrets.Get(ctx, key); err == nil {
			return secret, nil
		} else if !errors.Is(err, cache.ErrNotFound) {
			m.logger.WithError(err).WithField("chain", chain).Warn("Secret cache read failed")
		}
	}

	id, ok := m.WebhookForChain(chain)
	if !ok {
		return "", ErrNoWebhook
	}
	secret, err := m.provider.GetSigningSecret(ctx, id)
	if err != nil {
		return "", fmt.Errorf("fetch signing secret for %s: %w", chain, err)
	}
	if err := m.secrets.Set(ctx, key, secret, secretTTL); err != nil {
		m.logger.WithError(err).WithField("chain", chain).Warn("Secret cache write failed")
	}
	return secret, nil
}

// InvalidateSecrets drops cached secrets: by url and chain, by url, by
// chain, or all, depending on which arguments are empty.
func (m *Manager) InvalidateSecrets(ctx context.Context, callbackURL, chain string) error {
	switch {
	case callbackURL != "" && chain != "":
		return m.secrets.Delete(ctx, secretKey(callbackURL, chain))
	case callbackURL != "":
		_, err := m.secrets.DeleteByPattern(ctx, callbackURL+"|*")
		return err
	case chain != "":
		_, err := m.secrets.DeleteByPattern(ctx, "*|"+chain)
		return err
	default:
		_, err := m.secrets.DeleteByPattern(ctx, "*")
		return err
	}
}
