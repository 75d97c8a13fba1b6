package server

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"github.com/ulule/limiter/v3"

	"github.com/iota-uz/async-orders/pkg/application"
	"github.com/iota-uz/async-orders/pkg/configuration"
	"github.com/iota-uz/async-orders/pkg/httpapi"
	"github.com/iota-uz/async-orders/pkg/middleware"
	"github.com/iota-uz/async-orders/pkg/server"
)

type DefaultOptions struct {
	Logger        *logrus.Logger
	Configuration *configuration.Configuration
	Application   application.Application
	Pool          *pgxpool.Pool
}

func Default(options *DefaultOptions) (*server.HTTPServer, error) {
	app := options.Application
	conf := options.Configuration

	loggerOpts := middleware.DefaultLoggerOptions()
	if conf != nil {
		loggerOpts.RequestIDHeader = conf.RequestIDHeader
		loggerOpts.RealIPHeader = conf.RealIPHeader
	}

	// WithLogger opens the root span of every request.
	middlewares := []mux.MiddlewareFunc{
		middleware.WithLogger(options.Logger, loggerOpts),
	}
	if options.Pool != nil {
		middlewares = append(middlewares,
			middleware.TracedMiddleware("database"),
			middleware.ProvidePool(options.Pool),
		)
	}
	if conf != nil && len(conf.CORSAllowedOrigins) > 0 {
		middlewares = append(middlewares,
			middleware.TracedMiddleware("cors"),
			middleware.Cors(conf.CORSAllowedOrigins...),
		)
	}
	app.RegisterMiddleware(middlewares...)

	return server.NewHTTPServer(app, NotFound(), MethodNotAllowed()), nil
}

// RateLimit builds the limiter for the order API from configuration. A redis
// store that cannot be created falls back to memory.
func RateLimit(conf *configuration.Configuration, logger *logrus.Logger) []mux.MiddlewareFunc {
	if conf == nil || !conf.RateLimit.Enabled {
		return nil
	}
	var store limiter.Store
	switch conf.RateLimit.Storage {
	case "redis":
		var err error
		store, err = middleware.NewRedisStore(conf.RateLimit.RedisURL)
		if err != nil {
			logger.WithError(err).Warn("Failed to create Redis store for rate limiting, falling back to memory")
			store = middleware.NewMemoryStore()
		}
	default:
		store = middleware.NewMemoryStore()
	}
	return []mux.MiddlewareFunc{
		middleware.TracedMiddleware("rateLimit"),
		middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerPeriod: conf.RateLimit.GlobalRPS,
			Store:             store,
		}),
	}
}

func NotFound() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = httpapi.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found")
	})
}

func MethodNotAllowed() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = httpapi.WriteError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})
}
