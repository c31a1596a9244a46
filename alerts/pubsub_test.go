package alerts

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func TestPubSubPublisher_PublishesOneMessagePerViolation(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	conn, err := grpc.Dial(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	client, err := pubsub.NewClient(ctx, "test-project", option.WithGRPCConn(conn))
	if err != nil {
		t.Fatalf("pubsub client: %v", err)
	}
	defer client.Close()

	topic, err := client.CreateTopic(ctx, "crm-alerts")
	if err != nil {
		t.Fatalf("create topic: %v", err)
	}
	defer topic.Stop()

	v := sampleViolation(time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC))
	other := v
	other.DealID = intPtr(900)

	if err := NewPubSubPublisher(topic).Publish(ctx, []Violation{v, other}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	msgs := srv.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	var decoded Violation
	if err := json.Unmarshal(msgs[0].Data, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Rule != "overdue_activities" || msgs[0].Attributes["rule"] != "overdue_activities" {
		t.Fatalf("unexpected message %+v", msgs[0])
	}
}
