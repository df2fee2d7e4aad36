package firestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/jbites/api/internal/platform/config"
)

const (
	defaultDialTimeout = 10 * time.Second
	envEmulatorHost    = "FIRESTORE_EMULATOR_HOST"
)

// ErrProviderClosed is returned by Client after Close.
var ErrProviderClosed = errors.New("firestore: provider is closed")

// Provider lazily creates and shares a Firestore client.
type Provider struct {
	cfg         config.FirestoreConfig
	dialTimeout time.Duration
	clientOpts  []option.ClientOption

	mu     sync.Mutex
	client *firestore.Client
	closed bool
}

// ProviderOption customises a Provider.
type ProviderOption func(*Provider)

// WithDialTimeout bounds client creation.
func WithDialTimeout(timeout time.Duration) ProviderOption {
	return func(p *Provider) {
		if timeout > 0 {
			p.dialTimeout = timeout
		}
	}
}

// WithClientOptions appends Google client options.
func WithClientOptions(opts ...option.ClientOption) ProviderOption {
	return func(p *Provider) { p.clientOpts = append(p.clientOpts, opts...) }
}

// NewProvider constructs a Provider. No connection is made until Client is called.
func NewProvider(cfg config.FirestoreConfig, opts ...ProviderOption) *Provider {
	p := &Provider{cfg: cfg, dialTimeout: defaultDialTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Client returns the shared client, creating it on first use.
func (p *Provider) Client(ctx context.Context) (*firestore.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrProviderClosed
	}
	if p.client != nil {
		return p.client, nil
	}

	projectID := strings.TrimSpace(p.cfg.ProjectID)
	if projectID == "" {
		return nil, errors.New("firestore: project id is required")
	}
	opts := append([]option.ClientOption(nil), p.clientOpts...)
	if host := p.emulatorHost(); host != "" {
		opts = append(opts,
			option.WithoutAuthentication(),
			option.WithEndpoint(host),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()
	client, err := firestore.NewClient(dialCtx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("firestore: create client: %w", err)
	}
	p.client = client
	return client, nil
}

// Close releases the client. Subsequent Client calls fail.
func (p *Provider) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.client == nil {
		return nil
	}
	err := p.client.Close()
	p.client = nil
	return err
}

// RunTransaction runs fn in a Firestore transaction on the shared client.
func (p *Provider) RunTransaction(ctx context.Context, fn TxFunc, opts ...TxOption) error {
	client, err := p.Client(ctx)
	if err != nil {
		return err
	}
	return RunTransaction(ctx, client, fn, opts...)
}

// Ping performs a cheap read to verify connectivity.
func (p *Provider) Ping(ctx context.Context) error {
	client, err := p.Client(ctx)
	if err != nil {
		return err
	}
	_, err = client.Collection("_health").Doc("ping").Get(ctx)
	if err != nil && !isNotFound(err) {
		return WrapError("ping", err)
	}
	return nil
}

func (p *Provider) emulatorHost() string {
	if host := strings.TrimSpace(p.cfg.EmulatorHost); host != "" {
		return host
	}
	return strings.TrimSpace(os.Getenv(envEmulatorHost))
}
