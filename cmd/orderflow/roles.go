package main

import (
	"github.com/coachpo/orderflow/internal/app/participant"
	"github.com/coachpo/orderflow/internal/app/resilience"
	"github.com/coachpo/orderflow/internal/app/router"
	"github.com/coachpo/orderflow/internal/domain/orderstore"
	"github.com/coachpo/orderflow/internal/infra/collaborator"
	"github.com/coachpo/orderflow/internal/infra/config"
	httpserver "github.com/coachpo/orderflow/internal/infra/server/http"
	"github.com/coachpo/orderflow/internal/infra/telemetry"
	"github.com/coachpo/orderflow/internal/observability"
)

type roleHandler interface {
	router.Handler
	Topics() []string
}

type boundRole struct {
	role    config.Role
	handler roleHandler
}

// roleSet is what this process runs, in config.Roles order.
type roleSet struct {
	handlers     []boundRole
	order        *participant.Order
	delivery     *participant.Delivery
	notification *participant.Notification
}

func buildRoles(cfg config.AppConfig, uow orderstore.UnitOfWork, policy *resilience.Policy, clients collaborator.Set, logger observability.Logger, metrics *telemetry.SagaMetrics) roleSet {
	opts := []participant.Option{participant.WithLogger(logger), participant.WithMetrics(metrics)}
	var set roleSet
	for _, role := range config.Roles() {
		if !cfg.Service.Role.Includes(role) {
			continue
		}
		var h roleHandler
		switch role {
		case config.RoleOrder:
			set.order = participant.NewOrder(uow, policy, clients.Payment, clients.Restaurant, opts...)
			h = set.order
		case config.RolePayment:
			h = participant.NewPayment(policy, clients.Payment, opts...)
		case config.RoleRestaurant:
			h = participant.NewRestaurant(policy, clients.Restaurant, opts...)
		case config.RoleDelivery:
			set.delivery = participant.NewDelivery(policy, clients.Delivery, uow, opts...)
			h = set.delivery
		case config.RoleNotification:
			set.notification = participant.NewNotification(clients.Notifier, cfg.Notification, opts...)
			h = set.notification
		}
		set.handlers = append(set.handlers, boundRole{role: role, handler: h})
	}
	return set
}

// intake exposes only the endpoints whose role runs here.
func (s roleSet) intake(cfg config.AppConfig, logger observability.Logger, ops httpserver.Ops) httpserver.Deps {
	deps := httpserver.Deps{Environment: cfg.Environment, Ops: ops, Logger: logger, Debug: cfg.APIServer.Debug}
	if s.order != nil {
		deps.Orders = s.order
	}
	if s.delivery != nil {
		deps.Deliveries = s.delivery
	}
	return deps
}

func routerConfig(cfg config.AppConfig, role config.Role, topics []string, redelivery resilience.Retry) router.Config {
	return router.Config{
		Consumer:        string(role),
		Group:           role.ConsumerGroup(),
		Topics:          topics,
		Lanes:           cfg.Service.Lanes,
		MaxRedeliveries: cfg.Service.MaxRedeliveries,
		ParkCapacity:    cfg.Service.ParkCapacity,
		Redelivery:      redelivery,
	}
}
