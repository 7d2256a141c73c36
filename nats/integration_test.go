package nats

import (
	"bytes"
	"os"
	"testing"
	"time"
)

// Integration tests run against a real server when NATS_TEST_URI is set,
// e.g. NATS_TEST_URI=nats://127.0.0.1:4222 go test ./nats -run Integration
func integrationURI(t *testing.T) string {
	t.Helper()
	uri := os.Getenv("NATS_TEST_URI")
	if uri == "" {
		t.Skip("NATS_TEST_URI not set; skipping integration test")
	}
	return uri
}

func TestIntegrationConnectPingClose(t *testing.T) {
	uri := integrationURI(t)

	client := NewClient("integration-ping")
	if err := client.Connect(uri); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer client.Close()

	if err := client.Ping(); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
}

func TestIntegrationPublishSubscribe(t *testing.T) {
	uri := integrationURI(t)

	client := NewClient("integration-pubsub")
	if err := client.Connect(uri); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer client.Close()

	var received []*Message
	if _, err := client.Subscribe("integration.subject", func(message *Message) error {
		received = append(received, message)
		return nil
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := client.Publish("integration.subject", nil); err != nil {
		t.Fatalf("publish without payload failed: %v", err)
	}
	if err := client.Publish("integration.subject", []byte("test-payload")); err != nil {
		t.Fatalf("publish with payload failed: %v", err)
	}
	if err := client.Wait(2, 5*time.Second); err != nil {
		t.Fatalf("wait failed: %v", err)
	}

	if len(received) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(received))
	}
	if len(received[0].Payload) != 0 || !bytes.Equal(received[1].Payload, []byte("test-payload")) {
		t.Fatalf("unexpected payloads: %q %q", received[0].Payload, received[1].Payload)
	}
}

func TestIntegrationRequestReply(t *testing.T) {
	uri := integrationURI(t)

	responder := NewClient("integration-responder")
	if err := responder.Connect(uri); err != nil {
		t.Fatalf("responder connect failed: %v", err)
	}
	defer responder.Close()

	if _, err := responder.Subscribe("integration.echo", func(message *Message) error {
		return responder.Publish(message.Reply, message.Payload)
	}); err != nil {
		t.Fatalf("responder subscribe failed: %v", err)
	}

	requester := NewClient("integration-requester")
	if err := requester.Connect(uri); err != nil {
		t.Fatalf("requester connect failed: %v", err)
	}
	defer requester.Close()

	reply, err := requester.Request("integration.echo", []byte("echo-me"), 5*time.Second)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if string(reply.Payload) != "echo-me" {
		t.Fatalf("unexpected reply payload %q", reply.Payload)
	}
}

func TestIntegrationReconnect(t *testing.T) {
	uri := integrationURI(t)

	client := NewClient("integration-reconnect")
	if err := client.Connect(uri); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if err := client.Ping(); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	if err := client.Connect(uri); err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	defer client.Close()
	if err := client.Ping(); err != nil {
		t.Fatalf("ping after reconnect failed: %v", err)
	}
}
