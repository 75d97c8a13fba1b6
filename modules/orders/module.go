package orders

import (
	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/async-orders/modules/orders/infrastructure/persistence"
	"github.com/iota-uz/async-orders/modules/orders/presentation/controllers"
	"github.com/iota-uz/async-orders/modules/orders/services"
	"github.com/iota-uz/async-orders/pkg/application"
	"github.com/iota-uz/async-orders/pkg/outbox"
)

type Options struct {
	Pool   *pgxpool.Pool
	Outbox outbox.Writer
	Logger *logrus.Entry
	// APIMiddleware wraps the /orders routes only.
	APIMiddleware []mux.MiddlewareFunc
}

func NewModule(opts Options) *Module {
	return &Module{opts: opts}
}

type Module struct {
	opts Options
}

func (m *Module) Register(app application.Application) error {
	orderRepo := persistence.NewOrderRepository()
	logRepo := persistence.NewProcessingLogRepository()

	creator := services.NewCreateOrderService(orderRepo, m.opts.Outbox, m.opts.Logger)
	reader := services.NewOrderService(orderRepo, logRepo)

	var pinger controllers.Pinger
	if m.opts.Pool != nil {
		pinger = m.opts.Pool
	}
	app.RegisterControllers(
		controllers.NewHealthController(pinger),
		controllers.NewOrdersController(creator, reader, m.opts.APIMiddleware...),
	)
	return nil
}

func (m *Module) Name() string {
	return "orders"
}
