package server

import (
	"errors"
	"testing"
)

func TestHubDeliverReachesRegisteredConnection(testContext *testing.T) {
	hub := NewHub()
	connection := hub.Register("conn-1", "user-1")

	if err := hub.Deliver("conn-1", []byte("payload")); err != nil {
		testContext.Fatalf("deliver failed: %v", err)
	}

	select {
	case payload := <-connection.Outbound():
		if string(payload) != "payload" {
			testContext.Fatalf("unexpected payload %q", payload)
		}
	default:
		testContext.Fatal("expected a queued payload")
	}
}

func TestHubDeliverUnknownConnection(testContext *testing.T) {
	hub := NewHub()
	if err := hub.Deliver("conn-missing", []byte("payload")); !errors.Is(err, ErrConnectionUnknown) {
		testContext.Fatalf("expected ErrConnectionUnknown, got %v", err)
	}
}

func TestHubDeliverSaturatedQueue(testContext *testing.T) {
	hub := NewHub()
	hub.Register("conn-1", "user-1")

	for i := 0; i < outboundBufferSize; i++ {
		if err := hub.Deliver("conn-1", []byte("fill")); err != nil {
			testContext.Fatalf("fill delivery %d failed: %v", i, err)
		}
	}
	if err := hub.Deliver("conn-1", []byte("overflow")); !errors.Is(err, ErrConnectionSaturated) {
		testContext.Fatalf("expected ErrConnectionSaturated, got %v", err)
	}
}

func TestHubUnregisterClosesOutboundOnce(testContext *testing.T) {
	hub := NewHub()
	connection := hub.Register("conn-1", "user-1")

	hub.Unregister("conn-1")
	hub.Unregister("conn-1")

	if _, open := <-connection.Outbound(); open {
		testContext.Fatal("expected outbound channel to be closed")
	}
	if err := hub.Deliver("conn-1", []byte("late")); !errors.Is(err, ErrConnectionUnknown) {
		testContext.Fatalf("expected ErrConnectionUnknown after unregister, got %v", err)
	}
	if hub.Len() != 0 {
		testContext.Fatalf("expected empty hub, got %d connections", hub.Len())
	}
}

func TestHubConnectionActiveConversationHint(testContext *testing.T) {
	hub := NewHub()
	connection := hub.Register("conn-1", "user-1")

	if connection.ActiveConversation() != "" {
		testContext.Fatal("expected no initial conversation hint")
	}
	connection.SetActiveConversation("conversation-9")
	if connection.ActiveConversation() != "conversation-9" {
		testContext.Fatalf("unexpected conversation hint %q", connection.ActiveConversation())
	}
}
