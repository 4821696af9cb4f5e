package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/sd0xdev/onekey-balance-kit/models"
)

const keepAliveInterval = 15 * time.Second

type ErrorResponse struct {
	Error string `json:"error"`
}

type StatusResponse struct {
	Status string `json:"status"`
	Client string `json:"client,omitempty"`
}

// SSEHandler streams invalidation events over Server-Sent Events. Each frame
// carries the event id, so clients resume with the Last-Event-ID header. A
// comment-style keepalive goes out on its own cadence to keep intermediaries
// from timing out the connection.
func SSEHandler(svc *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		filter, err := filterFromQuery(c.Query)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: err.Error()})
		}

		clientID := c.Query("client_id")
		if clientID == "" {
			clientID = uuid.NewString()
		}
		lastEventID := c.Get("Last-Event-ID")
		if lastEventID == "" {
			lastEventID = c.Query("last_event_id")
		}

		client := svc.RegisterClient(clientID, filter)

		stream, err := svc.GetEventStream(context.Background(), clientID, lastEventID)
		if err != nil {
			svc.UnregisterConnection(client)
			return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: err.Error()})
		}

		c.Set("Content-Type", "text/event-stream")
		c.Set("Cache-Control", "no-cache")
		c.Set("Connection", "keep-alive")
		c.Set("Transfer-Encoding", "chunked")

		c.Status(fiber.StatusOK).Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
			// Tear down only this registration: a same-id reconnect may
			// have replaced it while the stream was draining.
			defer svc.UnregisterConnection(client)

			if err := writeSSE(w, "", "connected", StatusResponse{Status: "subscribed", Client: clientID}); err != nil {
				return
			}

			keepAlive := time.NewTicker(keepAliveInterval)
			defer keepAlive.Stop()

			for {
				select {
				case msg, open := <-stream:
					if !open {
						return
					}
					if err := writeSSEBytes(w, msg.ID, string(msg.Type), msg.Data); err != nil {
						return
					}
					svc.UpdateClientActivity(clientID)
				case <-keepAlive.C:
					if _, err := w.WriteString(": keepalive\n\n"); err != nil {
						return
					}
					if err := w.Flush(); err != nil {
						return
					}
					svc.UpdateClientActivity(clientID)
				}
			}
		}))
		return nil
	}
}

// filterFromQuery builds the subscription filter from query parameters.
// Absent parameters produce a nil filter, which matches every event.
func filterFromQuery(query func(key string, defaultValue ...string) string) (*models.SubscriptionFilter, error) {
	filter := &models.SubscriptionFilter{
		Chain:   query("chain"),
		Address: query("address"),
		Pattern: query("pattern"),
	}
	if raw := query("chain_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid chain_id: %q", raw)
		}
		filter.ChainID = id
	}
	if filter.IsEmpty() {
		return nil, nil
	}
	return filter, nil
}

// writeSSE marshals v and writes a single Server-Sent-Event frame.
func writeSSE(w *bufio.Writer, id, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return writeSSEBytes(w, id, event, data)
}

func writeSSEBytes(w *bufio.Writer, id, event string, payload []byte) error {
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	return w.Flush()
}

// WebSocketHandler carries the same frames over a websocket. Inbound
// messages are activity pings; anything else is answered with an error.
func WebSocketHandler(svc *Service) func(*websocket.Conn) {
	return func(c *websocket.Conn) {
		clientID := c.Query("client_id")
		if clientID == "" {
			clientID = uuid.NewString()
		}
		lastEventID := c.Query("last_event_id")

		filter, err := filterFromQuery(c.Query)
		if err != nil {
			sendWSJSONErr(c, err)
			return
		}

		client := svc.RegisterClient(clientID, filter)
		defer svc.UnregisterConnection(client)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		stream, err := svc.GetEventStream(ctx, clientID, lastEventID)
		if err != nil {
			sendWSJSONErr(c, err)
			return
		}

		go func() {
			for msg := range stream {
				frame := map[string]any{
					"id":   msg.ID,
					"type": msg.Type,
					"data": json.RawMessage(msg.Data),
				}
				payload, err := json.Marshal(frame)
				if err != nil {
					continue
				}
				if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
					cancel()
					return
				}
			}
		}()

		for {
			_, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			var env struct {
				Operation string `json:"operation"`
			}
			if err := json.Unmarshal(msg, &env); err != nil {
				sendWSJSONErr(c, fmt.Errorf("invalid request: %v", err))
				continue
			}
			switch env.Operation {
			case "ping":
				svc.UpdateClientActivity(clientID)
				ack, _ := json.Marshal(StatusResponse{Status: "pong"})
				_ = c.WriteMessage(websocket.TextMessage, ack)
			default:
				sendWSJSONErr(c, fmt.Errorf("unknown operation: %s", env.Operation))
			}
		}
	}
}

func sendWSJSONErr(c *websocket.Conn, err error) {
	if msg, e := json.Marshal(ErrorResponse{Error: err.Error()}); e == nil {
		_ = c.WriteMessage(websocket.TextMessage, msg)
	}
}
