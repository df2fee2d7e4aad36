package secrets

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultFallbackPath = ".secrets.local"
	meterName           = "github.com/jbites/api/internal/platform/secrets"
)

var clientFactory = func(ctx context.Context, opts ...option.ClientOption) (secretManagerClient, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves secret:// references against Secret Manager with an
// in-process cache and a local fallback file for development.
//
// Reference format: secret://<name>[?version=<v>&project=<id>]
type Fetcher struct {
	client     secretManagerClient
	ownsClient bool
	logger     *zap.Logger
	projectID  string

	fallbackPath string
	fallbackOnce sync.Once
	fallback     map[string]string

	mu    sync.RWMutex
	cache map[string]string

	latency metric.Float64Histogram
}

type fetcherConfig struct {
	logger       *zap.Logger
	projectID    string
	fallbackPath string
	meter        metric.Meter
	client       secretManagerClient
	clientOpts   []option.ClientOption
}

// Option customises a Fetcher.
type Option func(*fetcherConfig)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *fetcherConfig) { cfg.logger = logger }
}

// WithDefaultProject sets the project used when a reference has no project query.
func WithDefaultProject(projectID string) Option {
	return func(cfg *fetcherConfig) { cfg.projectID = strings.TrimSpace(projectID) }
}

// WithFallbackFile overrides the dotenv style fallback file. Keys are secret names.
func WithFallbackFile(path string) Option {
	return func(cfg *fetcherConfig) { cfg.fallbackPath = strings.TrimSpace(path) }
}

// WithMeter overrides the meter used for fetch latency.
func WithMeter(m metric.Meter) Option {
	return func(cfg *fetcherConfig) { cfg.meter = m }
}

// WithClientOptions passes options to the Secret Manager client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(cfg *fetcherConfig) { cfg.clientOpts = append(cfg.clientOpts, opts...) }
}

func withClient(client secretManagerClient) Option {
	return func(cfg *fetcherConfig) { cfg.client = client }
}

// NewFetcher builds a Fetcher. A Secret Manager client that cannot be created
// leaves the fetcher in fallback-only mode.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	cfg := fetcherConfig{logger: zap.NewNop(), fallbackPath: defaultFallbackPath}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	meter := cfg.meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(meterName)
	}
	latency, err := meter.Float64Histogram("secrets.fetch.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency of secret resolution"),
	)
	if err != nil {
		return nil, fmt.Errorf("secrets: register latency metric: %w", err)
	}

	f := &Fetcher{
		client:       cfg.client,
		logger:       cfg.logger,
		projectID:    cfg.projectID,
		fallbackPath: cfg.fallbackPath,
		cache:        make(map[string]string),
		latency:      latency,
	}
	if f.client == nil && f.projectID != "" {
		client, err := clientFactory(ctx, cfg.clientOpts...)
		if err != nil {
			cfg.logger.Warn("secrets: secret manager unavailable, using fallback file only", zap.Error(err))
		} else {
			f.client = client
			f.ownsClient = true
		}
	}
	return f, nil
}

// Close releases the Secret Manager client when the fetcher created it.
func (f *Fetcher) Close() error {
	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// ResolveSecret implements config.SecretResolver.
func (f *Fetcher) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f.Resolve(ctx, ref)
}

// Resolve returns the secret value for ref.
func (f *Fetcher) Resolve(ctx context.Context, ref string) (string, error) {
	start := time.Now()
	parsed, err := parseReference(ref)
	if err != nil {
		return "", err
	}

	f.mu.RLock()
	value, ok := f.cache[parsed.key()]
	f.mu.RUnlock()
	if ok {
		f.record(ctx, start, "cache")
		return value, nil
	}

	project := parsed.project
	if project == "" {
		project = f.projectID
	}
	if f.client != nil && project != "" {
		value, err := f.fetchRemote(ctx, project, parsed)
		if err == nil {
			f.store(parsed, value)
			f.record(ctx, start, "remote")
			return value, nil
		}
		if !isFallbackError(err) {
			f.record(ctx, start, "error")
			return "", fmt.Errorf("secrets: fetch %s: %w", parsed.name, err)
		}
		f.logger.Debug("secrets: falling back to local file", zap.String("secret", parsed.name), zap.Error(err))
	}

	value, ok = f.lookupFallback(parsed)
	if !ok {
		f.record(ctx, start, "error")
		return "", fmt.Errorf("secrets: no value for %s", parsed.name)
	}
	f.store(parsed, value)
	f.record(ctx, start, "fallback")
	return value, nil
}

// Invalidate drops any cached value for ref.
func (f *Fetcher) Invalidate(ref string) {
	parsed, err := parseReference(ref)
	if err != nil {
		return
	}
	f.mu.Lock()
	delete(f.cache, parsed.key())
	f.mu.Unlock()
}

func (f *Fetcher) fetchRemote(ctx context.Context, project string, ref reference) (string, error) {
	name := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, ref.name, ref.version)
	retry := gax.WithRetry(func() gax.Retryer {
		return gax.OnCodes([]codes.Code{codes.Unavailable, codes.ResourceExhausted}, gax.Backoff{
			Initial:    100 * time.Millisecond,
			Max:        2 * time.Second,
			Multiplier: 2,
		})
	})
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name}, retry)
	if err != nil {
		return "", err
	}
	if resp.GetPayload() == nil {
		return "", fmt.Errorf("secrets: empty payload for %s", name)
	}
	return string(resp.GetPayload().GetData()), nil
}

func (f *Fetcher) store(ref reference, value string) {
	f.mu.Lock()
	f.cache[ref.key()] = value
	f.mu.Unlock()
}

func (f *Fetcher) lookupFallback(ref reference) (string, bool) {
	f.fallbackOnce.Do(func() {
		f.fallback = map[string]string{}
		if f.fallbackPath == "" {
			return
		}
		values, err := godotenv.Read(f.fallbackPath)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				f.logger.Warn("secrets: unable to read fallback file", zap.String("path", f.fallbackPath), zap.Error(err))
			}
			return
		}
		f.fallback = values
	})
	value, ok := f.fallback[ref.name]
	return value, ok
}

func (f *Fetcher) record(ctx context.Context, start time.Time, source string) {
	f.latency.Record(ctx, float64(time.Since(start))/float64(time.Millisecond),
		metric.WithAttributes(attribute.String("source", source)))
}

type reference struct {
	name    string
	version string
	project string
}

func (r reference) key() string {
	return r.project + "/" + r.name + "#" + r.version
}

func parseReference(ref string) (reference, error) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return reference{}, fmt.Errorf("secrets: invalid reference %q: %w", ref, err)
	}
	if u.Scheme != "secret" {
		return reference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return reference{}, fmt.Errorf("secrets: missing secret name in %q", ref)
	}
	version := strings.TrimSpace(u.Query().Get("version"))
	if version == "" {
		version = "latest"
	}
	return reference{name: name, version: version, project: strings.TrimSpace(u.Query().Get("project"))}, nil
}

func isFallbackError(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded, codes.NotFound:
		return true
	default:
		return false
	}
}
