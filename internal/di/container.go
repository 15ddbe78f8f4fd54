package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	domain "github.com/brightcart/api/internal/domain"
	"github.com/brightcart/api/internal/platform/config"
	"github.com/brightcart/api/internal/repositories"
	"github.com/brightcart/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Orders    services.OrderService
	Payments  services.PaymentService
	Reconcile services.ReconcileService
	System    services.SystemService
}

// Collaborators are the out-of-process dependencies the services talk to.
// The gateway is required; publisher and inventory hook degrade to no-ops.
type Collaborators struct {
	Gateway   services.PaymentGateway
	Events    services.OrderEventPublisher
	Inventory services.InventoryHook
	Logger    services.Logger
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Production wiring will provide real
// implementations, while tests can supply in-memory registries and stub collaborators.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, collab Collaborators) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}
	if collab.Gateway == nil {
		return nil, errors.New("payment gateway is required")
	}

	svc, err := buildServices(ctx, reg, cfg, collab)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients, background workers, or caches.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(ctx context.Context, reg repositories.Registry, cfg config.Config, collab Collaborators) (Services, error) {
	var svc Services

	inventory := collab.Inventory
	if inventory == nil {
		inventory = services.NewRestockInventoryHook(collab.Logger)
	}

	policy := domain.TotalsPolicy{
		TaxRate:               cfg.Pricing.TaxRate,
		FreeShippingThreshold: cfg.Pricing.FreeShippingThreshold,
		FlatShippingFee:       cfg.Pricing.FlatShippingFee,
	}

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:     reg.Orders(),
		UnitOfWork: reg,
		Events:     collab.Events,
		Policy:     policy,
		Currency:   cfg.Pricing.Currency,
		Clock:      time.Now,
		Logger:     collab.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orderSvc

	paymentSvc, err := services.NewPaymentService(services.PaymentServiceDeps{
		Orders:  reg.Orders(),
		Gateway: collab.Gateway,
		Clock:   time.Now,
		Logger:  collab.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build payment service: %w", err)
	}
	svc.Payments = paymentSvc

	reconcileSvc, err := services.NewReconcileService(services.ReconcileServiceDeps{
		Orders:          reg.Orders(),
		ProcessedEvents: reg.ProcessedEvents(),
		UnitOfWork:      reg,
		Gateway:         collab.Gateway,
		Events:          collab.Events,
		Inventory:       inventory,
		Clock:           time.Now,
		Logger:          collab.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build reconcile service: %w", err)
	}
	svc.Reconcile = reconcileSvc

	if healthRepo := reg.Health(); healthRepo != nil {
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            time.Now,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	return svc, nil
}
