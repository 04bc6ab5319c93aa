package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/taskhive/taskhive-api/internal/dto"
	"github.com/taskhive/taskhive-api/internal/observability"
)

const busSendBufferSize = 32

// BusEventNewMessage is pushed to room subscribers when a message is appended.
const BusEventNewMessage = "newMessage"

// BusClient is one live connection's view of the bus: a buffered event queue
// plus the identity it was opened for. A user with several tabs holds several
// clients. Events is never closed; consumers stop on Done instead, so
// producers can always send without racing the teardown.
type BusClient struct {
	UserID string
	Events chan dto.SocketEvent

	bus   *DeliveryBus
	rooms map[string]struct{}
	done  chan struct{}
	once  sync.Once
}

// Done is closed when the client has been dropped from the bus.
func (c *BusClient) Done() <-chan struct{} {
	return c.done
}

// Close detaches the client from every room and releases its presence slot.
// Safe to call more than once.
func (c *BusClient) Close() {
	c.once.Do(func() {
		c.bus.drop(c)
	})
}

// DeliveryBus fans room events out to subscribed connections. It is built and
// injected explicitly; in-process delivery runs over buffered channels, while
// Redis pub/sub and a NATS queue subscription relay events between nodes.
type DeliveryBus struct {
	mu      sync.RWMutex
	rooms   map[string]map[*BusClient]struct{}
	online  map[string]int
	clients map[*BusClient]struct{}

	redis        *redis.Client
	redisChannel string
	natsConn     *nats.Conn
	natsSubject  string
	natsQueue    string

	logger zerolog.Logger
	nodeID string
}

type busEnvelope struct {
	Source string          `json:"source"`
	Event  dto.SocketEvent `json:"event"`
	SentAt time.Time       `json:"sent_at"`
}

// NewDeliveryBus constructs the bus. Either backend may be nil; the bus then
// degrades to single-node in-process delivery, which is what the tests use.
func NewDeliveryBus(redisClient *redis.Client, natsConn *nats.Conn, channelBase string, logger zerolog.Logger) *DeliveryBus {
	redisChannel := ""
	natsSubject := ""
	if channelBase != "" {
		redisChannel = channelBase + ":rooms"
		natsSubject = strings.ReplaceAll(channelBase, ":", ".") + ".rooms"
	}

	return &DeliveryBus{
		rooms:        make(map[string]map[*BusClient]struct{}),
		online:       make(map[string]int),
		clients:      make(map[*BusClient]struct{}),
		redis:        redisClient,
		redisChannel: redisChannel,
		natsConn:     natsConn,
		natsSubject:  natsSubject,
		natsQueue:    "taskhive-rooms",
		logger:       logger.With().Str("component", "delivery_bus").Logger(),
		nodeID:       uuid.NewString(),
	}
}

// Start launches the cross-node consumers. They stop when ctx is cancelled.
func (b *DeliveryBus) Start(ctx context.Context) {
	if b.redis != nil && b.redisChannel != "" {
		go b.consumeRedis(ctx)
	}
	if b.natsConn != nil && b.natsSubject != "" {
		go b.consumeNATS(ctx)
	}
}

// Connect registers a connection for the given user and returns its client
// handle. The caller owns the handle and must Close it on disconnect.
func (b *DeliveryBus) Connect(userID string) *BusClient {
	client := &BusClient{
		UserID: userID,
		Events: make(chan dto.SocketEvent, busSendBufferSize),
		rooms:  make(map[string]struct{}),
		done:   make(chan struct{}),
	}
	client.bus = b

	b.mu.Lock()
	b.clients[client] = struct{}{}
	b.online[userID]++
	if b.online[userID] == 1 {
		observability.OnlineUsers().Inc()
	}
	b.mu.Unlock()

	observability.ChatConnectionsTotal().Inc()
	observability.ChatConnectionsActive().Inc()
	return client
}

// Join subscribes the client to a room channel. Joining twice is a no-op.
func (b *DeliveryBus) Join(client *BusClient, roomID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.rooms[roomID]; !exists {
		b.rooms[roomID] = make(map[*BusClient]struct{})
	}
	b.rooms[roomID][client] = struct{}{}
	client.rooms[roomID] = struct{}{}
	b.logger.Debug().Str("room_id", roomID).Str("user_id", client.UserID).Msg("client joined room")
}

// Leave unsubscribes the client from one room channel.
func (b *DeliveryBus) Leave(client *BusClient, roomID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.detachLocked(client, roomID)
}

// Publish delivers the event to every connection subscribed to the room on
// this node, then relays it to the other nodes. Local delivery is at most once
// per connection; slow consumers are skipped rather than blocking the caller.
// Relay failures are logged and swallowed: the message is already durable and
// only the real-time nudge is lost.
func (b *DeliveryBus) Publish(ctx context.Context, roomID string, event dto.SocketEvent) {
	event.RoomID = roomID
	b.deliverLocal(roomID, event)

	if err := b.relay(ctx, event); err != nil {
		b.logger.Warn().Err(err).Str("room_id", roomID).Msg("failed to relay room event")
	}
}

// NotifyUser pushes an event to every live connection of one user regardless
// of room subscriptions. Used for direct nudges such as invite notifications.
func (b *DeliveryBus) NotifyUser(userID string, event dto.SocketEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for client := range b.clients {
		if client.UserID != userID {
			continue
		}
		select {
		case client.Events <- event:
		default:
			b.logger.Warn().Str("user_id", userID).Msg("dropping user event for slow client")
		}
	}
}

// Online reports whether the user has at least one live connection on this
// node.
func (b *DeliveryBus) Online(userID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.online[userID] > 0
}

func (b *DeliveryBus) deliverLocal(roomID string, event dto.SocketEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for client := range b.rooms[roomID] {
		select {
		case client.Events <- event:
		default:
			b.logger.Warn().Str("room_id", roomID).Str("user_id", client.UserID).Msg("dropping room event for slow client")
		}
	}
}

func (b *DeliveryBus) relay(ctx context.Context, event dto.SocketEvent) error {
	if (b.redis == nil || b.redisChannel == "") && (b.natsConn == nil || b.natsSubject == "") {
		return nil
	}

	payload, err := json.Marshal(busEnvelope{Source: b.nodeID, Event: event, SentAt: time.Now().UTC()})
	if err != nil {
		return err
	}

	if b.redis != nil && b.redisChannel != "" {
		if err := b.redis.Publish(ctx, b.redisChannel, payload).Err(); err != nil {
			observability.BusPublishFailures().WithLabelValues("redis").Inc()
			return err
		}
	}
	if b.natsConn != nil && b.natsSubject != "" {
		if err := b.natsConn.Publish(b.natsSubject, payload); err != nil {
			observability.BusPublishFailures().WithLabelValues("nats").Inc()
			return err
		}
	}
	return nil
}

func (b *DeliveryBus) consumeRedis(ctx context.Context) {
	pubsub := b.redis.Subscribe(ctx, b.redisChannel)
	defer func() {
		_ = pubsub.Close()
	}()
	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			b.logger.Error().Err(err).Msg("room event redis subscription closed")
			return
		}
		b.handleRelayed([]byte(msg.Payload))
	}
}

func (b *DeliveryBus) consumeNATS(ctx context.Context) {
	sub, err := b.natsConn.QueueSubscribe(b.natsSubject, b.natsQueue, func(msg *nats.Msg) {
		b.handleRelayed(msg.Data)
	})
	if err != nil {
		b.logger.Error().Err(err).Msg("failed to subscribe to nats room subject")
		return
	}
	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			b.logger.Warn().Err(err).Msg("failed to drain room nats subscription")
		}
	}()
}

func (b *DeliveryBus) handleRelayed(payload []byte) {
	var envelope busEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		b.logger.Warn().Err(err).Msg("invalid room event payload")
		return
	}
	if envelope.Source == b.nodeID {
		return
	}
	b.deliverLocal(envelope.Event.RoomID, envelope.Event)
}

func (b *DeliveryBus) drop(client *BusClient) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for roomID := range client.rooms {
		b.detachLocked(client, roomID)
	}
	if _, ok := b.clients[client]; ok {
		delete(b.clients, client)
		close(client.done)
		observability.ChatConnectionsActive().Dec()

		b.online[client.UserID]--
		if b.online[client.UserID] <= 0 {
			delete(b.online, client.UserID)
			observability.OnlineUsers().Dec()
		}
	}
}

func (b *DeliveryBus) detachLocked(client *BusClient, roomID string) {
	if subscribers, ok := b.rooms[roomID]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(b.rooms, roomID)
		}
	}
	delete(client.rooms, roomID)
}
