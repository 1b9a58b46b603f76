package queue

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"
)

// External brokers are exercised only when a test server is provided.
const (
	redisURLEnv = "MARKETFLOW_TEST_REDIS_URL"
	amqpURLEnv  = "MARKETFLOW_TEST_AMQP_URL"
)

func testQueueName() string {
	return fmt.Sprintf("marketflow_test_%d", time.Now().UnixNano())
}

func receiveOne(t *testing.T, b Broker) *Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	del, err := b.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	return del
}

func TestRedisBroker(t *testing.T) {
	url := os.Getenv(redisURLEnv)
	if url == "" {
		t.Skip(redisURLEnv + " not set")
	}
	ctx := context.Background()
	queue := testQueueName()
	b, err := NewRedisBroker(ctx, url, queue)
	if err != nil {
		t.Fatalf("NewRedisBroker: %v", err)
	}
	t.Cleanup(func() {
		b.client.Del(context.Background(), queue, queue+":processing")
		b.Close()
	})

	want := Task{JobID: "job-r", Input: testInput, Attempt: 2}
	if err := b.Publish(ctx, want); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	// Received but never acked: Recover must hand it out again.
	if got := receiveOne(t, b).Task; got != want {
		t.Fatalf("Receive = %+v, want %+v", got, want)
	}
	n, err := b.Recover(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Recover = %d, %v, want 1, nil", n, err)
	}

	del := receiveOne(t, b)
	if del.Task != want {
		t.Fatalf("redelivered = %+v, want %+v", del.Task, want)
	}
	if err := del.Ack(ctx); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if n, err := b.Recover(ctx); err != nil || n != 0 {
		t.Errorf("Recover after ack = %d, %v, want 0, nil", n, err)
	}
}

func TestAMQPBroker(t *testing.T) {
	url := os.Getenv(amqpURLEnv)
	if url == "" {
		t.Skip(amqpURLEnv + " not set")
	}
	ctx := context.Background()
	queue := testQueueName()
	b, err := NewAMQPBroker(url, queue, 1)
	if err != nil {
		t.Fatalf("NewAMQPBroker: %v", err)
	}
	t.Cleanup(func() {
		b.pub.QueueDelete(queue, false, false, false)
		b.Close()
	})

	want := Task{JobID: "job-a", Input: testInput, Attempt: 1}
	if err := b.Publish(ctx, want); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	del := receiveOne(t, b)
	if del.Task != want {
		t.Fatalf("Receive = %+v, want %+v", del.Task, want)
	}
	if err := del.Ack(ctx); err != nil {
		t.Fatalf("Ack: %v", err)
	}
}
