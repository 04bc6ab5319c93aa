package service

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/taskhive/taskhive-api/internal/dto"
)

func newTestBus() *DeliveryBus {
	return NewDeliveryBus(nil, nil, "", zerolog.Nop())
}

func TestDeliveryBusFanOut(t *testing.T) {
	bus := newTestBus()
	roomID := uuid.NewString()

	alice := bus.Connect("alice")
	defer alice.Close()
	bob := bus.Connect("bob")
	defer bob.Close()
	outsider := bus.Connect("carol")
	defer outsider.Close()

	bus.Join(alice, roomID)
	bus.Join(bob, roomID)

	bus.Publish(context.Background(), roomID, dto.SocketEvent{Event: BusEventNewMessage})

	for _, client := range []*BusClient{alice, bob} {
		select {
		case event := <-client.Events:
			require.Equal(t, BusEventNewMessage, event.Event)
			require.Equal(t, roomID, event.RoomID)
		default:
			t.Fatalf("subscriber %s did not receive the event", client.UserID)
		}
		require.Empty(t, client.Events, "expected exactly one event per subscriber")
	}
	require.Empty(t, outsider.Events, "unsubscribed client must not receive room events")
}

func TestDeliveryBusLeaveStopsDelivery(t *testing.T) {
	bus := newTestBus()
	roomID := uuid.NewString()

	client := bus.Connect("alice")
	defer client.Close()
	bus.Join(client, roomID)
	bus.Leave(client, roomID)

	bus.Publish(context.Background(), roomID, dto.SocketEvent{Event: BusEventNewMessage})
	require.Empty(t, client.Events)
}

func TestDeliveryBusJoinIsIdempotent(t *testing.T) {
	bus := newTestBus()
	roomID := uuid.NewString()

	client := bus.Connect("alice")
	defer client.Close()
	bus.Join(client, roomID)
	bus.Join(client, roomID)

	bus.Publish(context.Background(), roomID, dto.SocketEvent{Event: BusEventNewMessage})
	require.Len(t, client.Events, 1)
}

func TestDeliveryBusPresence(t *testing.T) {
	bus := newTestBus()

	require.False(t, bus.Online("alice"))

	first := bus.Connect("alice")
	second := bus.Connect("alice")
	require.True(t, bus.Online("alice"))

	first.Close()
	require.True(t, bus.Online("alice"), "presence survives while another tab is open")

	second.Close()
	require.False(t, bus.Online("alice"))
}

func TestDeliveryBusCloseDetachesFromRooms(t *testing.T) {
	bus := newTestBus()
	roomID := uuid.NewString()

	client := bus.Connect("alice")
	bus.Join(client, roomID)
	client.Close()
	client.Close() // second close is a no-op

	select {
	case <-client.Done():
	default:
		t.Fatal("done channel should be closed after Close")
	}

	// Publishing to the room after the only subscriber left must not panic.
	bus.Publish(context.Background(), roomID, dto.SocketEvent{Event: BusEventNewMessage})
}

func TestDeliveryBusNotifyUser(t *testing.T) {
	bus := newTestBus()

	tabOne := bus.Connect("alice")
	defer tabOne.Close()
	tabTwo := bus.Connect("alice")
	defer tabTwo.Close()
	other := bus.Connect("bob")
	defer other.Close()

	bus.NotifyUser("alice", dto.SocketEvent{Event: "roomInvite"})

	require.Len(t, tabOne.Events, 1)
	require.Len(t, tabTwo.Events, 1)
	require.Empty(t, other.Events)
}

func TestDeliveryBusDropsSlowConsumer(t *testing.T) {
	bus := newTestBus()
	roomID := uuid.NewString()

	client := bus.Connect("alice")
	defer client.Close()
	bus.Join(client, roomID)

	// Overflow the buffer without draining; the extra events are dropped
	// instead of blocking the publisher.
	for i := 0; i < busSendBufferSize+5; i++ {
		bus.Publish(context.Background(), roomID, dto.SocketEvent{Event: BusEventNewMessage})
	}
	require.Len(t, client.Events, busSendBufferSize)
}

func TestDeliveryBusRedisRelay(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	newNode := func() *DeliveryBus {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })

		bus := NewDeliveryBus(client, nil, "taskhive:chat", zerolog.Nop())
		bus.Start(ctx)
		return bus
	}

	roomID := uuid.NewString()
	busA := newNode()
	busB := newNode()

	subscriber := busB.Connect("bob")
	defer subscriber.Close()
	busB.Join(subscriber, roomID)

	sender := busA.Connect("alice")
	defer sender.Close()
	busA.Join(sender, roomID)

	// The remote subscription is established asynchronously; retry until the
	// event crosses node boundaries.
	require.Eventually(t, func() bool {
		busA.Publish(ctx, roomID, dto.SocketEvent{Event: BusEventNewMessage})
		select {
		case event := <-subscriber.Events:
			return event.Event == BusEventNewMessage && event.RoomID == roomID
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	// The publishing node never replays its own relayed events: the sender
	// saw each publish exactly once, locally.
	local := len(sender.Events)
	require.NotZero(t, local)
	time.Sleep(100 * time.Millisecond)
	require.Len(t, sender.Events, local)
}
