package cache

import (
	"github.com/redis/go-redis/v9"

	"github.com/sd0xdev/onekey-balance-kit/models"
)

// Manager holds all typed caches for the service.
type Manager struct {
	// Portfolio cache: portfolio:<chain>:<chainId>:<address> -> snapshot
	// (short TTL, invalidated by the event bus)
	Portfolio *Cache[models.PortfolioSnapshot]

	// Secrets cache: <callbackUrl>|<chain> -> webhook signing secret
	// (30m TTL, see webhook.Manager)
	Secrets *Cache[string]
}

// NewManager creates a Manager with all caches configured.
func NewManager(client *redis.Client) *Manager {
	return &Manager{
		Portfolio: New(Options[models.PortfolioSnapshot]{
			Client:  client,
			Encoder: MsgpackEncoder[models.PortfolioSnapshot](),
			Decoder: MsgpackDecoder[models.PortfolioSnapshot](),
			Prefix:  "portfolio",
		}),
		Secrets: New(Options[string]{
			Client:  client,
			Encoder: StringEncoder(),
			Decoder: StringDecoder(),
			Prefix:  "webhook:secret",
		}),
	}
}
