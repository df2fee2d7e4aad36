package secrets

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type fakeSecretClient struct {
	mu     sync.Mutex
	values map[string]string
	errs   map[string]error
	calls  map[string]int
}

func newFakeSecretClient() *fakeSecretClient {
	return &fakeSecretClient{values: map[string]string{}, errs: map[string]error{}, calls: map[string]int{}}
}

func (c *fakeSecretClient) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[req.GetName()]++
	if err := c.errs[req.GetName()]; err != nil {
		return nil, err
	}
	value, ok := c.values[req.GetName()]
	if !ok {
		return nil, status.Error(codes.NotFound, "missing")
	}
	return &secretmanagerpb.AccessSecretVersionResponse{Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)}}, nil
}

func (c *fakeSecretClient) Close() error { return nil }

func TestResolveCachesRemoteSecret(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	resource := "projects/jbites/secrets/stripe_api_key/versions/latest"
	client.values[resource] = "sk_test_remote"

	fetcher, err := NewFetcher(ctx, withClient(client), WithDefaultProject("jbites"), WithFallbackFile(""))
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	for i := 0; i < 2; i++ {
		got, err := fetcher.Resolve(ctx, "secret://stripe_api_key")
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if got != "sk_test_remote" {
			t.Fatalf("unexpected value %q", got)
		}
	}
	if client.calls[resource] != 1 {
		t.Fatalf("expected one remote call, got %d", client.calls[resource])
	}

	fetcher.Invalidate("secret://stripe_api_key")
	if _, err := fetcher.Resolve(ctx, "secret://stripe_api_key"); err != nil {
		t.Fatalf("Resolve after invalidate: %v", err)
	}
	if client.calls[resource] != 2 {
		t.Fatalf("expected refetch after invalidate, got %d", client.calls[resource])
	}
}

func TestResolveHonoursVersionAndProjectQuery(t *testing.T) {
	client := newFakeSecretClient()
	client.values["projects/other/secrets/twilio/versions/3"] = "v3"
	fetcher, _ := NewFetcher(context.Background(), withClient(client), WithDefaultProject("jbites"), WithFallbackFile(""))

	got, err := fetcher.Resolve(context.Background(), "secret://twilio?version=3&project=other")
	if err != nil || got != "v3" {
		t.Fatalf("unexpected result %q %v", got, err)
	}
}

func TestResolveFallsBackWhenSecretManagerUnavailable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".secrets.local")
	if err := os.WriteFile(path, []byte("# local secrets\nstripe_webhook=whsec_local\n"), 0o600); err != nil {
		t.Fatalf("write fallback: %v", err)
	}
	client := newFakeSecretClient()
	client.errs["projects/jbites/secrets/stripe_webhook/versions/latest"] = status.Error(codes.Unavailable, "down")

	fetcher, _ := NewFetcher(context.Background(), withClient(client), WithDefaultProject("jbites"), WithFallbackFile(path))
	got, err := fetcher.Resolve(context.Background(), "secret://stripe_webhook")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "whsec_local" {
		t.Fatalf("unexpected value %q", got)
	}
}

func TestResolvePropagatesNonFallbackErrors(t *testing.T) {
	client := newFakeSecretClient()
	client.errs["projects/jbites/secrets/db/versions/latest"] = status.Error(codes.InvalidArgument, "bad")
	fetcher, _ := NewFetcher(context.Background(), withClient(client), WithDefaultProject("jbites"), WithFallbackFile(""))
	if _, err := fetcher.Resolve(context.Background(), "secret://db"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestParseReferenceRejectsInvalid(t *testing.T) {
	for _, ref := range []string{"", "http://x", "secret://"} {
		if _, err := parseReference(ref); err == nil {
			t.Fatalf("expected %q to be rejected", ref)
		}
	}
}
