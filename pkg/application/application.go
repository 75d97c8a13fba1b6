package application

import (
	"github.com/gorilla/mux"
)

// Controller mounts a group of routes on the router.
type Controller interface {
	Register(r *mux.Router)
	Key() string
}

// Application collects the controllers and middleware served over HTTP.
type Application interface {
	Controllers() []Controller
	Middleware() []mux.MiddlewareFunc
	RegisterControllers(controllers ...Controller)
	RegisterMiddleware(middleware ...mux.MiddlewareFunc)
}

type application struct {
	controllers map[string]Controller
	order       []string
	middleware  []mux.MiddlewareFunc
}

func New() Application {
	return &application{controllers: map[string]Controller{}}
}

func (app *application) Controllers() []Controller {
	out := make([]Controller, 0, len(app.order))
	for _, key := range app.order {
		out = append(out, app.controllers[key])
	}
	return out
}

func (app *application) Middleware() []mux.MiddlewareFunc {
	return app.middleware
}

// RegisterControllers adds controllers; a controller with an already
// registered key replaces the earlier one.
func (app *application) RegisterControllers(controllers ...Controller) {
	for _, c := range controllers {
		key := c.Key()
		if _, ok := app.controllers[key]; !ok {
			app.order = append(app.order, key)
		}
		app.controllers[key] = c
	}
}

func (app *application) RegisterMiddleware(middleware ...mux.MiddlewareFunc) {
	app.middleware = append(app.middleware, middleware...)
}
