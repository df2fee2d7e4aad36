package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jbites/api/internal/notifications"
	"github.com/jbites/api/internal/payments"
	"github.com/jbites/api/internal/platform/config"
	"github.com/jbites/api/internal/platform/events"
	"github.com/jbites/api/internal/repositories"
	"github.com/jbites/api/internal/services"
)

// Infrastructure holds the adapters selected from configuration. main builds
// them; tests pass the memory ledger and the fake gateway.
type Infrastructure struct {
	Ledger    repositories.Ledger
	Gateway   payments.Gateway
	Notifier  notifications.Notifier
	Publisher events.Publisher
	Logger    services.Logger
	Clock     func() time.Time
}

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Orders        services.OrderService
	StateMachine  services.OrderStateMachine
	Cancellations services.CancellationService
	Webhooks      services.WebhookIngestor
	Catalog       services.CatalogService
}

// Container wires repositories, services, and the event publisher for runtime use.
type Container struct {
	Config    config.Config
	Ledger    repositories.Ledger
	Publisher events.Publisher
	Services  Services
}

// NewContainer constructs the service graph. Catalog seeding runs here when
// the feature flag is on so the menu exists before the first request.
func NewContainer(ctx context.Context, cfg config.Config, infra Infrastructure) (*Container, error) {
	if infra.Ledger.Orders == nil || infra.Ledger.Catalog == nil || infra.Ledger.WebhookEvents == nil {
		return nil, errors.New("di: ledger repositories are required")
	}
	if infra.Gateway == nil {
		return nil, errors.New("di: payment gateway is required")
	}
	if infra.Notifier == nil {
		return nil, errors.New("di: notifier is required")
	}
	if infra.Publisher == nil {
		infra.Publisher = events.NoopPublisher{}
	}
	if infra.Clock == nil {
		infra.Clock = time.Now
	}

	svc, err := buildServices(cfg, infra)
	if err != nil {
		return nil, err
	}

	if cfg.Features.SeedCatalog {
		if _, err := svc.Catalog.Seed(ctx); err != nil {
			return nil, fmt.Errorf("seed catalog: %w", err)
		}
	}

	return &Container{
		Config:    cfg,
		Ledger:    infra.Ledger,
		Publisher: infra.Publisher,
		Services:  svc,
	}, nil
}

// Close flushes the publisher and releases the ledger backend.
func (c *Container) Close(context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.Publisher != nil {
		if err := c.Publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publisher: %w", err))
		}
	}
	if c.Ledger.Close != nil {
		if err := c.Ledger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close ledger: %w", err))
		}
	}
	return errors.Join(errs...)
}

func buildServices(cfg config.Config, infra Infrastructure) (Services, error) {
	var svc Services

	catalogSvc, err := services.NewCatalogService(services.CatalogServiceDeps{
		Catalog: infra.Ledger.Catalog,
		Logger:  infra.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build catalog service: %w", err)
	}
	svc.Catalog = catalogSvc

	pricing, err := services.NewPricingSnapshotter(infra.Ledger.Catalog)
	if err != nil {
		return Services{}, fmt.Errorf("build pricing snapshotter: %w", err)
	}

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:      infra.Ledger.Orders,
		Pricing:     pricing,
		Gateway:     infra.Gateway,
		Events:      infra.Publisher,
		Clock:       infra.Clock,
		Logger:      infra.Logger,
		PhoneRegion: cfg.SMS.DefaultRegion,
		Currency:    cfg.PSP.Currency,
		SuccessURL:  cfg.PSP.SuccessURL,
		CancelURL:   cfg.PSP.CancelURL,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orderSvc

	machine, err := services.NewOrderStateMachine(services.StateMachineDeps{
		Orders:         infra.Ledger.Orders,
		Gateway:        infra.Gateway,
		Notifier:       infra.Notifier,
		Events:         infra.Publisher,
		Clock:          infra.Clock,
		Logger:         infra.Logger,
		RefundAttempts: cfg.PSP.RefundAttempts,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order state machine: %w", err)
	}
	svc.StateMachine = machine

	cancellations, err := services.NewCancellationService(services.CancellationServiceDeps{
		Orders:       infra.Ledger.Orders,
		StateMachine: machine,
		Logger:       infra.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build cancellation service: %w", err)
	}
	svc.Cancellations = cancellations

	ingestor, err := services.NewWebhookIngestor(services.WebhookIngestorDeps{
		Gateway:      infra.Gateway,
		Events:       infra.Ledger.WebhookEvents,
		StateMachine: machine,
		Clock:        infra.Clock,
		Logger:       infra.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build webhook ingestor: %w", err)
	}
	svc.Webhooks = ingestor

	return svc, nil
}
