package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/sd0xdev/onekey-balance-kit/cache"
	"github.com/sd0xdev/onekey-balance-kit/models"
	"github.com/sd0xdev/onekey-balance-kit/snapshot"
	"github.com/sd0xdev/onekey-balance-kit/stream"
	"github.com/sd0xdev/onekey-balance-kit/webhook"
)

const signatureHeader = "X-Signature"

// snapshotTTL bounds how long a delivery-driven snapshot counts as active
// before the reconciler drops the address from monitoring.
const snapshotTTL = 24 * time.Hour

type apiHandlers struct {
	logger     *logrus.Logger
	caches     *cache.Manager
	store      snapshot.Store
	stream     *stream.Service
	webhooks   *webhook.Manager
	reconciler *webhook.Reconciler
	chainIDs   map[string]int64
}

type portfolioResponse struct {
	Chain     string          `json:"chain"`
	ChainID   int64           `json:"chainId"`
	Address   string          `json:"address"`
	Cached    bool            `json:"cached"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Data      json.RawMessage `json:"data"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// getPortfolio serves the cached portfolio for an address, falling back to
// the snapshot store on cache miss and re-warming the cache from it.
func (h *apiHandlers) getPortfolio(c *fiber.Ctx) error {
	chain := c.Params("chain")
	address := c.Params("address")

	chainID, ok := h.chainIDs[chain]
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(errorResponse{Error: fmt.Sprintf("unknown chain %q", chain)})
	}

	ctx := c.Context()
	key := fmt.Sprintf("%s:%d:%s", chain, chainID, address)

	snap, err := h.caches.Portfolio.Get(ctx, key)
	if err == nil {
		return c.JSON(portfolioResponse{
			Chain:     chain,
			ChainID:   chainID,
			Address:   address,
			Cached:    true,
			UpdatedAt: snap.UpdatedAt,
			Data:      snap.Payload,
		})
	}
	if !errors.Is(err, cache.ErrNotFound) {
		h.logger.WithError(err).WithField("key", key).Warn("Portfolio cache read failed")
	}

	stored, err := h.store.FindActive(ctx, chain, address)
	if err != nil {
		h.logger.WithError(err).WithField("key", key).Error("Snapshot lookup failed")
		return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{Error: "snapshot lookup failed"})
	}
	if stored == nil {
		return c.Status(fiber.StatusNotFound).JSON(errorResponse{Error: "no active portfolio"})
	}

	if ttl := time.Until(stored.ExpiresAt); ttl > 0 {
		if err := h.caches.Portfolio.Set(ctx, key, *stored, ttl); err != nil {
			h.logger.WithError(err).WithField("key", key).Warn("Portfolio cache re-warm failed")
		}
	}

	return c.JSON(portfolioResponse{
		Chain:     chain,
		ChainID:   chainID,
		Address:   address,
		Cached:    false,
		UpdatedAt: stored.UpdatedAt,
		Data:      stored.Payload,
	})
}

type providerEvent struct {
	Chain   string          `json:"chain"`
	Address string          `json:"address"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// handleWebhookEvent ingests an address-activity notification from the
// provider. The HMAC-SHA256 body signature is verified against the cached
// signing secret; one forced secret refresh covers provider-side rotation
// before the request is rejected. A verified delivery refreshes the
// address's snapshot, drops the stale cache entry, publishes the
// invalidation and triggers a scoped reconciliation.
func (h *apiHandlers) handleWebhookEvent(c *fiber.Ctx) error {
	body := c.Body()

	var event providerEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "malformed event payload"})
	}
	chainID, ok := h.chainIDs[event.Chain]
	if !ok || event.Address == "" {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "unknown chain or missing address"})
	}

	signature := c.Get(signatureHeader)
	if signature == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(errorResponse{Error: "missing signature"})
	}

	ctx := c.Context()
	if !h.verifySignature(ctx, event.Chain, body, signature) {
		return c.Status(fiber.StatusUnauthorized).JSON(errorResponse{Error: "invalid signature"})
	}

	now := time.Now()
	if err := h.store.Upsert(ctx, models.PortfolioSnapshot{
		Chain:     event.Chain,
		ChainID:   chainID,
		Address:   event.Address,
		Payload:   event.Payload,
		ExpiresAt: now.Add(snapshotTTL),
		UpdatedAt: now,
	}); err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"chain":   event.Chain,
			"address": event.Address,
		}).Error("Snapshot upsert failed")
		return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{Error: "snapshot upsert failed"})
	}

	key := fmt.Sprintf("%s:%d:%s", event.Chain, chainID, event.Address)
	if err := h.caches.Portfolio.Delete(ctx, key); err != nil {
		h.logger.WithError(err).WithField("key", key).Warn("Cache delete failed")
	}

	h.stream.PublishCacheInvalidation(
		models.PortfolioKey(event.Chain, chainID, event.Address),
		"",
		&models.EventMetadata{Chain: event.Chain, ChainID: chainID, Address: event.Address},
	)
	h.reconciler.OnPortfolioUpdated(context.Background(), event.Chain, event.Address)

	h.logger.WithFields(logrus.Fields{
		"chain":   event.Chain,
		"address": event.Address,
		"type":    event.Type,
	}).Info("Processed provider event")
	return c.JSON(fiber.Map{"ok": true})
}

func (h *apiHandlers) verifySignature(ctx context.Context, chain string, body []byte, signature string) bool {
	secret, err := h.webhooks.SigningSecret(ctx, chain, false)
	if err != nil {
		h.logger.WithError(err).WithField("chain", chain).Error("Failed to load signing secret")
		return false
	}
	if signatureValid(secret, body, signature) {
		return true
	}

	// The provider may have rotated the secret; refresh once and retry.
	secret, err = h.webhooks.SigningSecret(ctx, chain, true)
	if err != nil {
		h.logger.WithError(err).WithField("chain", chain).Error("Failed to refresh signing secret")
		return false
	}
	return signatureValid(secret, body, signature)
}

func signatureValid(secret string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
