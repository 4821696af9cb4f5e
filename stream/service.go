package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sd0xdev/onekey-balance-kit/bus"
	"github.com/sd0xdev/onekey-balance-kit/metrics"
	"github.com/sd0xdev/onekey-balance-kit/models"
)

const (
	defaultSweepInterval     = 10 * time.Second
	defaultIdleTimeout       = 30 * time.Second
	defaultHeartbeatInterval = 25 * time.Second

	streamBuffer = 32
)

// ErrUnknownClient is returned when a stream is requested for a client id
// that was never registered (or has already been unregistered).
var ErrUnknownClient = errors.New("unknown client")

// MessageType distinguishes frames on the client-facing stream.
type MessageType string

const (
	MessageEvent MessageType = "invalidation"
	MessageError MessageType = "error"
)

// Message is one delivered stream item: the event id the client can echo
// back as Last-Event-ID, a frame type and the serialized payload.
type Message struct {
	ID   string
	Type MessageType
	Data []byte
}

// ClientConnection is the registry record for one connected client.
type ClientConnection struct {
	ID         string
	LastActive time.Time
	Active     bool
	Filter     *models.SubscriptionFilter

	term     chan struct{}
	termOnce sync.Once
}

// Terminate fires the client's one-shot termination signal. Safe to call
// from any of its owners; only the first call has an effect.
func (c *ClientConnection) Terminate() {
	c.termOnce.Do(func() { close(c.term) })
}

// Done exposes the termination signal for select loops.
func (c *ClientConnection) Done() <-chan struct{} {
	return c.term
}

// Options tunes the background loops. Zero values take the production
// defaults (10s sweep, 30s idle timeout, 25s heartbeat).
type Options struct {
	SweepInterval     time.Duration
	IdleTimeout       time.Duration
	HeartbeatInterval time.Duration
}

// Service composes the event bus, replay window and subscriber registry into
// per-client push streams with replay, plus the liveness heartbeat and the
// stale-client sweep.
type Service struct {
	bus    *bus.Bus
	logger *logrus.Logger

	mu      sync.RWMutex
	clients map[string]*ClientConnection

	sweepInterval     time.Duration
	idleTimeout       time.Duration
	heartbeatInterval time.Duration

	encode func(*models.InvalidationEvent) (Message, error)
}

func NewService(b *bus.Bus, logger *logrus.Logger, opts Options) *Service {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	return &Service{
		bus:               b,
		logger:            logger,
		clients:           make(map[string]*ClientConnection),
		sweepInterval:     opts.SweepInterval,
		idleTimeout:       opts.IdleTimeout,
		heartbeatInterval: opts.HeartbeatInterval,
		encode:            encodeEvent,
	}
}

// Run starts the heartbeat and stale-client sweep loops. Both stop when ctx
// is cancelled.
func (s *Service) Run(ctx context.Context) {
	go s.heartbeatLoop(ctx)
	go s.sweepLoop(ctx)
}

// RegisterClient creates a fresh active record for id. An existing record
// with the same id is unregistered first (firing its termination signal), so
// a reconnect cannot accumulate duplicate live pipelines.
func (s *Service) RegisterClient(id string, filter *models.SubscriptionFilter) *ClientConnection {
	s.mu.Lock()
	if prev, ok := s.clients[id]; ok {
		prev.Active = false
		delete(s.clients, id)
		prev.Terminate()
		metrics.ActiveStreamConnections.Dec()
		s.logger.WithField("client", id).Info("Replaced existing client registration")
	}
	client := &ClientConnection{
		ID:         id,
		LastActive: time.Now(),
		Active:     true,
		Filter:     filter,
		term:       make(chan struct{}),
	}
	s.clients[id] = client
	s.mu.Unlock()

	metrics.ActiveStreamConnections.Inc()
	s.logger.WithField("client", id).Info("Client registered")
	return client
}

// UnregisterClient flips the record inactive, fires its termination signal
// exactly once and removes it. Unknown or already-inactive ids are a no-op.
func (s *Service) UnregisterClient(id string) {
	s.mu.Lock()
	client, ok := s.clients[id]
	if ok {
		client.Active = false
		delete(s.clients, id)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	client.Terminate()
	metrics.ActiveStreamConnections.Dec()
	s.logger.WithField("client", id).Info("Client unregistered")
}

// UnregisterConnection removes exactly this registration. A transport that
// was already replaced by a same-id reconnect finds a different record in
// the registry and must not touch it: its own termination signal fired at
// replacement time, and the new registration stays live.
func (s *Service) UnregisterConnection(client *ClientConnection) {
	if client == nil {
		return
	}
	s.mu.Lock()
	current, ok := s.clients[client.ID]
	if !ok || current != client {
		s.mu.Unlock()
		client.Terminate()
		return
	}
	client.Active = false
	delete(s.clients, client.ID)
	s.mu.Unlock()

	client.Terminate()
	metrics.ActiveStreamConnections.Dec()
	s.logger.WithField("client", client.ID).Info("Client unregistered")
}

// UpdateClientActivity refreshes the last-activity timestamp for an active
// client. Unknown clients are logged and ignored.
func (s *Service) UpdateClientActivity(id string) {
	s.mu.Lock()
	client, ok := s.clients[id]
	if ok && client.Active {
		client.LastActive = time.Now()
	}
	s.mu.Unlock()

	if !ok {
		s.logger.WithField("client", id).Debug("Activity update for unknown client")
	}
}

// ActiveConnections returns the number of active client records.
func (s *Service) ActiveConnections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// PublishCacheInvalidation builds an invalidation event with a fresh id and
// timestamp, records it in the replay window and fans it out. Failures are
// logged and swallowed: notification is best-effort, never transactional.
func (s *Service) PublishCacheInvalidation(key, pattern string, md *models.EventMetadata) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithField("key", key).Errorf("Panic publishing invalidation: %v", r)
		}
	}()

	event := s.bus.Publish(models.InvalidationEvent{
		Key:      key,
		Pattern:  pattern,
		Metadata: md,
	})
	metrics.InvalidationEventsTotal.Inc()
	s.logger.WithFields(logrus.Fields{
		"key":   key,
		"event": event.ID,
	}).Debug("Published cache invalidation")
}

// GetEventStream produces the per-client message sequence: replayed events
// after lastEventID first (when given), then the live bus filtered by the
// client's subscription. The sequence ends when the client's termination
// signal fires or ctx is cancelled. Pipeline errors become one terminal
// error message followed by unregistration; they never reach the bus or
// other clients.
func (s *Service) GetEventStream(ctx context.Context, id, lastEventID string) (<-chan Message, error) {
	s.mu.RLock()
	client, ok := s.clients[id]
	s.mu.RUnlock()
	if !ok || !client.Active {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClient, id)
	}

	// Subscribe before reading the replay window so the handover between
	// replayed and live events cannot open a gap. Duplicates across the
	// boundary are dropped by sequence number.
	live, cancel := s.bus.Subscribe()

	out := make(chan Message, streamBuffer)
	go func() {
		defer cancel()
		defer close(out)
		defer func() {
			if r := recover(); r != nil {
				s.logger.WithField("client", id).Errorf("Stream pipeline error: %v", r)
				s.emitError(out, fmt.Sprintf("stream terminated: %v", r))
				s.UnregisterConnection(client)
			}
		}()

		var lastSeq uint64
		if lastEventID != "" {
			for _, ev := range s.bus.EventsSince(lastEventID) {
				if !s.deliverable(client, &ev) {
					continue
				}
				msg, err := s.encode(&ev)
				if err != nil {
					panic(fmt.Sprintf("encode replayed event %s: %v", ev.ID, err))
				}
				if !s.send(ctx, client, out, msg) {
					return
				}
				lastSeq = ev.Seq
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case ev, open := <-live:
				if !open {
					return
				}
				if ev.Seq <= lastSeq || !s.deliverable(client, &ev) {
					continue
				}
				msg, err := s.encode(&ev)
				if err != nil {
					s.logger.WithError(err).WithField("client", id).Error("Skipping unencodable event")
					continue
				}
				if !s.send(ctx, client, out, msg) {
					return
				}
			}
		}
	}()

	return out, nil
}

// deliverable applies the client's subscription filter. System events
// (heartbeats) are bus-internal and never forwarded as data frames.
func (s *Service) deliverable(client *ClientConnection, ev *models.InvalidationEvent) bool {
	if ev.IsSystem() {
		return false
	}
	return client.Filter.Matches(ev)
}

// send blocks until the message is accepted or the stream is torn down.
func (s *Service) send(ctx context.Context, client *ClientConnection, out chan<- Message, msg Message) bool {
	select {
	case out <- msg:
		return true
	case <-client.Done():
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *Service) emitError(out chan<- Message, detail string) {
	data, err := json.Marshal(map[string]string{"error": detail})
	if err != nil {
		return
	}
	select {
	case out <- Message{Type: MessageError, Data: data}:
	default:
	}
}

func encodeEvent(ev *models.InvalidationEvent) (Message, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return Message{}, err
	}
	return Message{ID: ev.ID, Type: MessageEvent, Data: data}, nil
}

func (s *Service) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Heartbeat loop stopped")
			return
		case <-ticker.C:
			// Liveness signal for bus observers; not recorded in the
			// replay window, so reconnects never backfill heartbeats.
			s.bus.PublishTransient(models.InvalidationEvent{Key: models.HeartbeatKey})
		}
	}
}

func (s *Service) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stale-client sweep stopped")
			return
		case <-ticker.C:
			s.sweepStaleClients()
		}
	}
}

func (s *Service) sweepStaleClients() {
	cutoff := time.Now().Add(-s.idleTimeout)

	s.mu.RLock()
	var stale []string
	for id, client := range s.clients {
		if client.LastActive.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range stale {
		s.logger.WithField("client", id).Warn("Unregistering stale client")
		s.UnregisterClient(id)
		metrics.StaleClientsSweptTotal.Inc()
	}
}
