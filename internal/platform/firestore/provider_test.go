package firestore

import (
	"context"
	"errors"
	"testing"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"

	"github.com/fieldshop/storefront/internal/platform/config"
)

func TestProviderRequiresProject(t *testing.T) {
	t.Setenv(envGoogleProjectID, "")
	p := NewProvider(config.FirestoreConfig{})
	if _, err := p.Client(context.Background()); !errors.Is(err, ErrMissingProject) {
		t.Fatalf("expected ErrMissingProject, got %v", err)
	}
}

func TestProviderRetriesAfterFailureAndCachesClient(t *testing.T) {
	calls := 0
	client := &firestore.Client{}
	p := NewProvider(config.FirestoreConfig{ProjectID: "shop", EmulatorHost: "localhost:8081"})
	p.newClient = func(ctx context.Context, projectID string, opts ...option.ClientOption) (*firestore.Client, error) {
		calls++
		if projectID != "shop" {
			t.Fatalf("unexpected project %s", projectID)
		}
		if calls == 1 {
			return nil, errors.New("dial failed")
		}
		return client, nil
	}

	if _, err := p.Client(context.Background()); err == nil {
		t.Fatalf("expected first attempt to fail")
	}
	for i := 0; i < 2; i++ {
		got, err := p.Client(context.Background())
		if err != nil || got != client {
			t.Fatalf("expected cached client, got %v %v", got, err)
		}
	}
	if calls != 2 {
		t.Fatalf("expected two creation attempts, got %d", calls)
	}
}

func TestProviderClosed(t *testing.T) {
	p := NewProvider(config.FirestoreConfig{ProjectID: "shop"})
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := p.Client(context.Background()); !errors.Is(err, ErrProviderClosed) {
		t.Fatalf("expected ErrProviderClosed, got %v", err)
	}
}
