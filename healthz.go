package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	healthKeyStreaming = "health:balance-streaming"

	heartbeatMaxAge    = 15 * time.Second
	healthCheckTimeout = 2 * time.Second
)

type componentHealth struct {
	OK            bool   `json:"ok"`
	Error         string `json:"error,omitempty"`
	AgeSeconds    *int64 `json:"age_seconds,omitempty"`
	LastHeartbeat *int64 `json:"last_heartbeat,omitempty"`
}

type healthzResponse struct {
	OK         bool                       `json:"ok"`
	Now        int64                      `json:"now"`
	Components map[string]componentHealth `json:"components"`
}

func parseInt64Field(values map[string]string, field string) (int64, error) {
	val, ok := values[field]
	if !ok || val == "" {
		return 0, fmt.Errorf("missing field %q", field)
	}
	parsed, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q", field, val)
	}
	return parsed, nil
}

func statusFromCmd(cmd *redis.MapStringStringCmd) (componentHealth, map[string]string) {
	status := componentHealth{OK: true}
	if err := cmd.Err(); err != nil {
		status.OK = false
		status.Error = err.Error()
		return status, nil
	}
	values := cmd.Val()
	if len(values) == 0 {
		status.OK = false
		status.Error = "missing health data"
		return status, nil
	}
	return status, values
}

func applyHeartbeat(status *componentHealth, values map[string]string, now int64, maxAge time.Duration) {
	if values == nil {
		return
	}
	lastHeartbeat, err := parseInt64Field(values, "last_heartbeat")
	if err != nil {
		status.OK = false
		if status.Error == "" {
			status.Error = err.Error()
		}
		return
	}
	status.LastHeartbeat = &lastHeartbeat
	age := now - lastHeartbeat
	status.AgeSeconds = &age
	if time.Duration(age)*time.Second > maxAge {
		status.OK = false
		if status.Error == "" {
			status.Error = "heartbeat is too old"
		}
	}
}

func healthzHandler(rdb *redis.Client, pool *pgxpool.Pool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
		defer cancel()

		streamingCmd := rdb.HGetAll(ctx, healthKeyStreaming)

		now := time.Now().Unix()
		response := healthzResponse{
			OK:         true,
			Now:        now,
			Components: make(map[string]componentHealth),
		}

		streamingStatus, streamingValues := statusFromCmd(streamingCmd)
		applyHeartbeat(&streamingStatus, streamingValues, now, heartbeatMaxAge)
		response.OK = response.OK && streamingStatus.OK
		response.Components["balance-streaming"] = streamingStatus

		pgStatus := componentHealth{OK: true}
		if err := pool.Ping(ctx); err != nil {
			pgStatus.OK = false
			pgStatus.Error = err.Error()
		}
		response.OK = response.OK && pgStatus.OK
		response.Components["postgres"] = pgStatus

		if response.OK {
			return c.Status(fiber.StatusOK).JSON(response)
		}
		return c.Status(fiber.StatusServiceUnavailable).JSON(response)
	}
}

// heartbeatWriter periodically records this process as alive in the shared
// health hash that healthz reads.
func heartbeatWriter(ctx context.Context, rdb *redis.Client, interval time.Duration, logger *logrus.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			writeCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
			err := rdb.HSet(writeCtx, healthKeyStreaming, "last_heartbeat", time.Now().Unix()).Err()
			cancel()
			if err != nil {
				logger.WithError(err).Warn("Failed to write health heartbeat")
			}
		}
	}
}
