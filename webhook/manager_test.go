package webhook

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/sd0xdev/onekey-balance-kit/cache"
)

const testCallbackURL = "https://example.com/api/v1/webhooks/events"

// fakeProvider is an in-memory Provider with per-method call counters.
type fakeProvider struct {
	mu       sync.Mutex
	webhooks map[string]*fakeWebhook // id -> webhook
	nextID   int

	listCalls       int
	createCalls     int
	updateCalls     int
	addressesCalls  int
	secretCalls     int
	failUpdates     bool
	failGetAddrs    bool
	rotatedSecret   string
	secretByWebhook map[string]string
}

type fakeWebhook struct {
	record    Record
	addresses map[string]bool
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		webhooks:        make(map[string]*fakeWebhook),
		secretByWebhook: make(map[string]string),
	}
}

func (p *fakeProvider) seedWebhook(chain string, addresses ...string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := "wh-" + chain
	set := make(map[string]bool)
	for _, a := range addresses {
		set[a] = true
	}
	p.webhooks[id] = &fakeWebhook{
		record:    Record{ID: id, URL: testCallbackURL, Chain: chain, IsActive: true},
		addresses: set,
	}
	p.secretByWebhook[id] = "secret-" + chain
	return id
}

func (p *fakeProvider) ListWebhooks(ctx context.Context) ([]Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listCalls++
	records := make([]Record, 0, len(p.webhooks))
	for _, wh := range p.webhooks {
		records = append(records, wh.record)
	}
	return records, nil
}

func (p *fakeProvider) CreateWebhook(ctx context.Context, url, chain string, initialAddresses []string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createCalls++
	p.nextID++
	id := "wh-" + chain
	set := make(map[string]bool)
	for _, a := range initialAddresses {
		set[a] = true
	}
	p.webhooks[id] = &fakeWebhook{
		record:    Record{ID: id, URL: url, Chain: chain, IsActive: true},
		addresses: set,
	}
	p.secretByWebhook[id] = "secret-" + chain
	return id, nil
}

func (p *fakeProvider) UpdateAddresses(ctx context.Context, id string, add, remove []string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updateCalls++
	if p.failUpdates {
		return false, errors.New("provider unavailable")
	}
	wh, ok := p.webhooks[id]
	if !ok {
		return false, errors.New("no such webhook")
	}
	for _, a := range add {
		wh.addresses[a] = true
	}
	for _, a := range remove {
		delete(wh.addresses, a)
	}
	return true, nil
}

func (p *fakeProvider) GetMonitoredAddresses(ctx context.Context, id string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addressesCalls++
	if p.failGetAddrs {
		return nil, errors.New("provider unavailable")
	}
	wh, ok := p.webhooks[id]
	if !ok {
		return nil, errors.New("no such webhook")
	}
	addrs := make([]string, 0, len(wh.addresses))
	for a := range wh.addresses {
		addrs = append(addrs, a)
	}
	return addrs, nil
}

func (p *fakeProvider) GetSigningSecret(ctx context.Context, id string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.secretCalls++
	if p.rotatedSecret != "" {
		return p.rotatedSecret, nil
	}
	secret, ok := p.secretByWebhook[id]
	if !ok {
		return "", errors.New("no such webhook")
	}
	return secret, nil
}

func (p *fakeProvider) monitored(id string) map[string]bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]bool)
	for a := range p.webhooks[id].addresses {
		out[a] = true
	}
	return out
}

func setupManager(t *testing.T, provider Provider, defaults map[string]string) (*Manager, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	caches := cache.NewManager(client)
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	return NewManager(provider, NewRedisLockStore(client), caches.Secrets, testCallbackURL, defaults, logger), mr
}

func TestRefreshRegistryFiltersByCallbackAndActive(t *testing.T) {
	provider := newFakeProvider()
	provider.seedWebhook("ethereum")
	provider.webhooks["wh-foreign"] = &fakeWebhook{
		record:    Record{ID: "wh-foreign", URL: "https://other.example.com/hook", Chain: "polygon", IsActive: true},
		addresses: map[string]bool{},
	}
	provider.webhooks["wh-inactive"] = &fakeWebhook{
		record:    Record{ID: "wh-inactive", URL: testCallbackURL, Chain: "bsc", IsActive: false},
		addresses: map[string]bool{},
	}

	mgr, _ := setupManager(t, provider, nil)
	if err := mgr.RefreshRegistry(context.Background()); err != nil {
		t.Fatalf("RefreshRegistry: %v", err)
	}

	if id, ok := mgr.WebhookForChain("ethereum"); !ok || id != "wh-ethereum" {
		t.Errorf("ethereum webhook = %q, %v", id, ok)
	}
	if _, ok := mgr.WebhookForChain("polygon"); ok {
		t.Error("foreign-callback webhook must not be registered")
	}
	if _, ok := mgr.WebhookForChain("bsc"); ok {
		t.Error("inactive webhook must not be registered")
	}
}

func TestEnsureWebhookCreatesOnce(t *testing.T) {
	provider := newFakeProvider()
	mgr, _ := setupManager(t, provider, map[string]string{"ethereum": "0xdefault"})
	ctx := context.Background()

	id, err := mgr.EnsureWebhook(ctx, "ethereum")
	if err != nil {
		t.Fatalf("EnsureWebhook: %v", err)
	}
	if provider.createCalls != 1 {
		t.Fatalf("expected 1 create call, got %d", provider.createCalls)
	}
	if !provider.monitored(id)["0xdefault"] {
		t.Error("new webhook must start with the default address")
	}

	// Second call hits the registry, no remote traffic.
	if _, err := mgr.EnsureWebhook(ctx, "ethereum"); err != nil {
		t.Fatalf("second EnsureWebhook: %v", err)
	}
	if provider.createCalls != 1 {
		t.Errorf("expected no further create calls, got %d", provider.createCalls)
	}
}

func TestEnsureWebhookBacksOffWhenLocked(t *testing.T) {
	provider := newFakeProvider()
	mgr, mr := setupManager(t, provider, nil)
	ctx := context.Background()

	// Simulate another worker holding the creation lock.
	mr.Set(createLockKey("ethereum"), "1")

	_, err := mgr.EnsureWebhook(ctx, "ethereum")
	if !errors.Is(err, ErrCreationLocked) {
		t.Fatalf("expected ErrCreationLocked, got %v", err)
	}
	if provider.createCalls != 0 || provider.listCalls != 0 {
		t.Errorf("locked-out worker must not call the provider (create=%d list=%d)",
			provider.createCalls, provider.listCalls)
	}

	// Lock released: creation proceeds and the lock is dropped afterwards.
	mr.Del(createLockKey("ethereum"))
	if _, err := mgr.EnsureWebhook(ctx, "ethereum"); err != nil {
		t.Fatalf("EnsureWebhook after release: %v", err)
	}
	if provider.createCalls != 1 {
		t.Errorf("expected 1 create call, got %d", provider.createCalls)
	}
	if mr.Exists(createLockKey("ethereum")) {
		t.Error("creation lock must be released after success")
	}
}

func TestEnsureWebhookRecheckAfterLock(t *testing.T) {
	provider := newFakeProvider()
	mgr, _ := setupManager(t, provider, nil)

	// The webhook shows up remotely between the table check and the lock
	// grant (created by another instance).
	provider.seedWebhook("ethereum")

	id, err := mgr.EnsureWebhook(context.Background(), "ethereum")
	if err != nil {
		t.Fatalf("EnsureWebhook: %v", err)
	}
	if id != "wh-ethereum" {
		t.Errorf("expected adopted webhook id, got %q", id)
	}
	if provider.createCalls != 0 {
		t.Errorf("expected no create call, got %d", provider.createCalls)
	}
}

func TestUpdateAddressesProtectsDefault(t *testing.T) {
	provider := newFakeProvider()
	id := provider.seedWebhook("ethereum", "0xdefault", "0xold")
	mgr, _ := setupManager(t, provider, map[string]string{"ethereum": "0xdefault"})
	ctx := context.Background()

	if err := mgr.RefreshRegistry(ctx); err != nil {
		t.Fatalf("RefreshRegistry: %v", err)
	}
	if err := mgr.UpdateAddresses(ctx, "ethereum", []string{"0xnew"}, []string{"0xold", "0xdefault"}); err != nil {
		t.Fatalf("UpdateAddresses: %v", err)
	}

	monitored := provider.monitored(id)
	if !monitored["0xdefault"] {
		t.Error("default address was removed")
	}
	if monitored["0xold"] {
		t.Error("0xold should have been removed")
	}
	if !monitored["0xnew"] {
		t.Error("0xnew should have been added")
	}
}

func TestUpdateAddressesLeavesInputSliceIntact(t *testing.T) {
	provider := newFakeProvider()
	provider.seedWebhook("ethereum", "0xdefault", "0xa", "0xb")
	mgr, _ := setupManager(t, provider, map[string]string{"ethereum": "0xdefault"})
	ctx := context.Background()

	if err := mgr.RefreshRegistry(ctx); err != nil {
		t.Fatalf("RefreshRegistry: %v", err)
	}

	remove := []string{"0xdefault", "0xa", "0xb"}
	if err := mgr.UpdateAddresses(ctx, "ethereum", nil, remove); err != nil {
		t.Fatalf("UpdateAddresses: %v", err)
	}

	want := []string{"0xdefault", "0xa", "0xb"}
	for i, addr := range remove {
		if addr != want[i] {
			t.Fatalf("caller's slice mutated: %v", remove)
		}
	}
}

func TestUpdateAddressesSkipsEmptyDiff(t *testing.T) {
	provider := newFakeProvider()
	provider.seedWebhook("ethereum", "0xdefault")
	mgr, _ := setupManager(t, provider, map[string]string{"ethereum": "0xdefault"})
	ctx := context.Background()

	if err := mgr.RefreshRegistry(ctx); err != nil {
		t.Fatalf("RefreshRegistry: %v", err)
	}
	// Removing only the default leaves nothing to send.
	if err := mgr.UpdateAddresses(ctx, "ethereum", nil, []string{"0xdefault"}); err != nil {
		t.Fatalf("UpdateAddresses: %v", err)
	}
	if provider.updateCalls != 0 {
		t.Errorf("expected no update call for empty diff, got %d", provider.updateCalls)
	}
}

func TestSigningSecretCachedAndRefreshed(t *testing.T) {
	provider := newFakeProvider()
	provider.seedWebhook("ethereum")
	mgr, _ := setupManager(t, provider, nil)
	ctx := context.Background()

	if err := mgr.RefreshRegistry(ctx); err != nil {
		t.Fatalf("RefreshRegistry: %v", err)
	}

	secret, err := mgr.SigningSecret(ctx, "ethereum", false)
	if err != nil {
		t.Fatalf("SigningSecret: %v", err)
	}
	if secret != "secret-ethereum" {
		t.Errorf("secret = %q", secret)
	}
	if provider.secretCalls != 1 {
		t.Fatalf("expected 1 provider call, got %d", provider.secretCalls)
	}

	// Cached: no second provider call.
	if _, err := mgr.SigningSecret(ctx, "ethereum", false); err != nil {
		t.Fatalf("cached SigningSecret: %v", err)
	}
	if provider.secretCalls != 1 {
		t.Errorf("expected cached read, got %d provider calls", provider.secretCalls)
	}

	// Forced refresh bypasses the cache and observes the rotation.
	provider.rotatedSecret = "secret-rotated"
	secret, err = mgr.SigningSecret(ctx, "ethereum", true)
	if err != nil {
		t.Fatalf("forced SigningSecret: %v", err)
	}
	if secret != "secret-rotated" {
		t.Errorf("forced secret = %q", secret)
	}
	if provider.secretCalls != 2 {
		t.Errorf("expected 2 provider calls after force, got %d", provider.secretCalls)
	}
}

func TestInvalidateSecrets(t *testing.T) {
	provider := newFakeProvider()
	provider.seedWebhook("ethereum")
	provider.seedWebhook("polygon")
	mgr, _ := setupManager(t, provider, nil)
	ctx := context.Background()

	if err := mgr.RefreshRegistry(ctx); err != nil {
		t.Fatalf("RefreshRegistry: %v", err)
	}
	if _, err := mgr.SigningSecret(ctx, "ethereum", false); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.SigningSecret(ctx, "polygon", false); err != nil {
		t.Fatal(err)
	}
	baseline := provider.secretCalls

	// Invalidate one chain: only that chain re-fetches.
	if err := mgr.InvalidateSecrets(ctx, "", "ethereum"); err != nil {
		t.Fatalf("InvalidateSecrets: %v", err)
	}
	if _, err := mgr.SigningSecret(ctx, "polygon", false); err != nil {
		t.Fatal(err)
	}
	if provider.secretCalls != baseline {
		t.Errorf("polygon secret should still be cached, calls=%d", provider.secretCalls)
	}
	if _, err := mgr.SigningSecret(ctx, "ethereum", false); err != nil {
		t.Fatal(err)
	}
	if provider.secretCalls != baseline+1 {
		t.Errorf("ethereum secret should have been evicted, calls=%d", provider.secretCalls)
	}

	// Invalidate everything.
	if err := mgr.InvalidateSecrets(ctx, "", ""); err != nil {
		t.Fatalf("InvalidateSecrets all: %v", err)
	}
	if _, err := mgr.SigningSecret(ctx, "polygon", false); err != nil {
		t.Fatal(err)
	}
	if provider.secretCalls != baseline+2 {
		t.Errorf("all secrets should have been evicted, calls=%d", provider.secretCalls)
	}
}

func TestConcurrentEnsureWebhookSingleCreation(t *testing.T) {
	provider := newFakeProvider()
	mgr, _ := setupManager(t, provider, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = mgr.EnsureWebhook(ctx, "ethereum")
		}(i)
	}
	wg.Wait()

	if provider.createCalls != 1 {
		t.Fatalf("expected exactly 1 creation across concurrent calls, got %d", provider.createCalls)
	}
	for _, err := range results {
		if err != nil && !errors.Is(err, ErrCreationLocked) {
			t.Errorf("unexpected error: %v", err)
		}
	}

	// Lock released even with the contention.
	deadline := time.Now().Add(time.Second)
	for {
		if _, err := mgr.EnsureWebhook(ctx, "ethereum"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("creation lock never released")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
