package jobs

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

	"github.com/fieldshop/storefront/internal/domain"
	"github.com/fieldshop/storefront/internal/services"
)

func TestPubSubOrderPublisherPublishesMessage(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	defer func() { _ = client.Close() }()

	topic, err := client.CreateTopic(ctx, "orders")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	publisher, err := NewPubSubOrderPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubOrderPublisher: %v", err)
	}
	defer publisher.Stop()

	event := services.OrderPaidEvent{
		OrderID:        "ORDER1",
		PaymentID:      "PAY1",
		Provider:       "square",
		ReceiptNumber:  "R1",
		ReceiptURL:     "https://example/r1",
		Status:         "COMPLETED",
		TotalMoney:     domain.Money{Amount: 1000, Currency: "USD"},
		IdempotencyKey: "key-1",
		PaidAt:         time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	if _, err := publisher.PublishOrderPaid(ctx, event); err != nil {
		t.Fatalf("PublishOrderPaid: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	var payload services.OrderPaidEvent
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.OrderID != "ORDER1" || payload.TotalMoney.Amount != 1000 {
		t.Fatalf("unexpected payload %#v", payload)
	}
	attrs := messages[0].Attributes
	if attrs["event"] != eventOrderPaid || attrs["idempotencyKey"] != "key-1" || attrs["orderId"] != "ORDER1" {
		t.Fatalf("unexpected attributes %v", attrs)
	}
	if _, ok := attrs["locationId"]; ok {
		t.Fatalf("empty attributes should be omitted")
	}
}

func TestNewPubSubOrderPublisherRequiresTopic(t *testing.T) {
	if _, err := NewPubSubOrderPublisher(nil); err == nil {
		t.Fatalf("expected error")
	}
}
