package bus

import (
	"context"
	"os"
	"testing"
	"time"
)

// connectTestBus dials the NATS server named by JARVIS_TEST_NATS_URL or
// skips the test.
func connectTestBus(t *testing.T) *NATSBus {
	t.Helper()
	url := os.Getenv("JARVIS_TEST_NATS_URL")
	if url == "" {
		t.Skip("JARVIS_TEST_NATS_URL not set")
	}
	b, err := Connect(url, "bus-test")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestPublishSubscribe(t *testing.T) {
	b := connectTestBus(t)

	got := make(chan []byte, 1)
	sub, err := b.Subscribe("jarvis.test.pubsub", func(msg *Message) {
		got <- msg.Data
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	if err := b.Publish("jarvis.test.pubsub", []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case data := <-got:
		if string(data) != "hello" {
			t.Errorf("payload = %q, want hello", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestRequestReply(t *testing.T) {
	b := connectTestBus(t)

	sub, err := b.Subscribe("jarvis.test.echo", func(msg *Message) {
		_ = msg.Respond(append([]byte("echo:"), msg.Data...))
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	reply, err := b.Request(context.Background(), "jarvis.test.echo", []byte("ping"), 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if string(reply) != "echo:ping" {
		t.Errorf("reply = %q", reply)
	}
}

func TestRequestTimeout(t *testing.T) {
	b := connectTestBus(t)

	_, err := b.Request(context.Background(), "jarvis.test.nobody", []byte("x"), 200*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error for unanswered request")
	}
}

func TestQueueSubscribe_OneOfN(t *testing.T) {
	b := connectTestBus(t)

	hits := make(chan int, 4)
	for i := 0; i < 2; i++ {
		i := i
		sub, err := b.QueueSubscribe("jarvis.test.queue", "workers", func(*Message) {
			hits <- i
		})
		if err != nil {
			t.Fatalf("queue subscribe: %v", err)
		}
		defer sub.Unsubscribe()
	}

	if err := b.Publish("jarvis.test.queue", []byte("job")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case <-hits:
	case <-time.After(2 * time.Second):
		t.Fatal("queue message not delivered")
	}
	select {
	case <-hits:
		t.Fatal("queue message delivered to more than one subscriber")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRespondWithoutReplySubject(t *testing.T) {
	m := &Message{Subject: "jarvis.test.x", Data: []byte("d")}
	if err := m.Respond([]byte("r")); err == nil {
		t.Fatal("expected error responding to a message with no reply subject")
	}
}
