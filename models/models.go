package models

import (
	"strconv"
	"strings"
	"time"
)

// EventMetadata is captured at publish time and carried with an invalidation
// event so subscribers can filter without parsing cache keys.
type EventMetadata struct {
	Chain   string `json:"chain,omitempty" msgpack:"chain"`
	ChainID int64  `json:"chainId,omitempty" msgpack:"chain_id"`
	Address string `json:"address,omitempty" msgpack:"address"`
}

// InvalidationEvent announces that a cached value at Key is no longer valid.
// Events live only in the in-memory replay window; they are never persisted.
type InvalidationEvent struct {
	ID        string         `json:"-"`
	Seq       uint64         `json:"-"`
	Key       string         `json:"key"`
	Pattern   string         `json:"pattern,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  *EventMetadata `json:"metadata,omitempty"`
}

// System events (heartbeats) share the bus with invalidation events but are
// never written to the replay window.
const HeartbeatKey = "system:heartbeat"

func (e *InvalidationEvent) IsSystem() bool {
	return strings.HasPrefix(e.Key, "system:")
}

// KeyMetadata parses a "portfolio:<chain>:<chainId>:<address>" cache key.
// Returns nil when the key does not follow that layout.
func (e *InvalidationEvent) KeyMetadata() *EventMetadata {
	if e.Metadata != nil {
		return e.Metadata
	}
	parts := strings.Split(e.Key, ":")
	if len(parts) < 4 {
		return nil
	}
	chainID, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return nil
	}
	return &EventMetadata{Chain: parts[1], ChainID: chainID, Address: parts[3]}
}

// SubscriptionFilter narrows which invalidation events reach a client.
// A zero filter matches everything.
type SubscriptionFilter struct {
	Chain   string `json:"chain,omitempty"`
	ChainID int64  `json:"chainId,omitempty"`
	Address string `json:"address,omitempty"`
	Pattern string `json:"pattern,omitempty"`
}

func (f *SubscriptionFilter) IsEmpty() bool {
	return f == nil || (f.Chain == "" && f.ChainID == 0 && f.Address == "" && f.Pattern == "")
}

// Matches reports whether the event should be delivered under this filter.
// Structural metadata is preferred; key segments are the fallback.
func (f *SubscriptionFilter) Matches(e *InvalidationEvent) bool {
	if f.IsEmpty() {
		return true
	}
	if f.Pattern != "" && !MatchPattern(f.Pattern, e.Key) {
		return false
	}
	if f.Chain == "" && f.ChainID == 0 && f.Address == "" {
		return true
	}
	md := e.KeyMetadata()
	if md == nil {
		return false
	}
	if f.Chain != "" && !strings.EqualFold(f.Chain, md.Chain) {
		return false
	}
	if f.ChainID != 0 && f.ChainID != md.ChainID {
		return false
	}
	if f.Address != "" && !strings.EqualFold(f.Address, md.Address) {
		return false
	}
	return true
}

// MatchPattern matches s against a glob where '*' spans any run of
// characters, including ':' separators.
func MatchPattern(pattern, s string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == s
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	for i := 1; i < len(parts)-1; i++ {
		idx := strings.Index(s, parts[i])
		if idx < 0 {
			return false
		}
		s = s[idx+len(parts[i]):]
	}
	return strings.HasSuffix(s, parts[len(parts)-1])
}

// PortfolioKey builds the canonical cache key for a portfolio entry.
func PortfolioKey(chain string, chainID int64, address string) string {
	return "portfolio:" + chain + ":" + strconv.FormatInt(chainID, 10) + ":" + address
}

// PortfolioSnapshot is the durable per-address record the reconciler reasons
// over. Payload holds the provider response as raw JSON.
type PortfolioSnapshot struct {
	Chain     string    `json:"chain" msgpack:"chain"`
	ChainID   int64     `json:"chainId" msgpack:"chain_id"`
	Address   string    `json:"address" msgpack:"address"`
	Payload   []byte    `json:"payload,omitempty" msgpack:"payload"`
	Monitored bool      `json:"monitored" msgpack:"monitored"`
	ExpiresAt time.Time `json:"expiresAt" msgpack:"expires_at"`
	UpdatedAt time.Time `json:"updatedAt" msgpack:"updated_at"`
}

func (s *PortfolioSnapshot) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && s.ExpiresAt.Before(now)
}
