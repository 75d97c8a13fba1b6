package controllers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/iota-uz/async-orders/modules/orders/domain/aggregates/order"
	"github.com/iota-uz/async-orders/modules/orders/domain/entities/processinglog"
	"github.com/iota-uz/async-orders/modules/orders/presentation/mappers"
	"github.com/iota-uz/async-orders/modules/orders/presentation/viewmodels"
	"github.com/iota-uz/async-orders/modules/orders/services"
	"github.com/iota-uz/async-orders/pkg/application"
	"github.com/iota-uz/async-orders/pkg/httpapi"
)

type OrderCreator interface {
	Create(ctx context.Context, dto *order.CreateDTO) (services.CreatedOrder, error)
}

type OrderReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (order.Order, error)
	List(ctx context.Context, status order.Status, page, pageSize int) (services.OrderPage, error)
	ProcessingLogs(ctx context.Context, id uuid.UUID) ([]*processinglog.Entry, error)
}

type OrdersController struct {
	creator    OrderCreator
	reader     OrderReader
	basePath   string
	middleware []mux.MiddlewareFunc
}

// NewOrdersController mounts the order API under /orders. middleware applies
// to every order route (rate limiting in production).
func NewOrdersController(creator OrderCreator, reader OrderReader, middleware ...mux.MiddlewareFunc) application.Controller {
	return &OrdersController{
		creator:    creator,
		reader:     reader,
		basePath:   "/orders",
		middleware: middleware,
	}
}

func (c *OrdersController) Key() string {
	return c.basePath
}

func (c *OrdersController) Register(r *mux.Router) {
	router := r.PathPrefix(c.basePath).Subrouter()
	router.Use(c.middleware...)
	router.HandleFunc("", c.Create).Methods(http.MethodPost)
	router.HandleFunc("", c.List).Methods(http.MethodGet)
	router.HandleFunc("/{id}", c.GetByID).Methods(http.MethodGet)
	router.HandleFunc("/{id}/processing-logs", c.ProcessingLogs).Methods(http.MethodGet)
}

func (c *OrdersController) Create(w http.ResponseWriter, r *http.Request) {
	var dto order.CreateDTO
	if err := httpapi.DecodeJSON(r, &dto); err != nil {
		writeAPIError(w, r, http.StatusBadRequest, "ORDER_INVALID_JSON", "invalid json")
		return
	}

	created, err := c.creator.Create(r.Context(), &dto)
	if err != nil {
		var verr *services.ValidationError
		switch {
		case errors.As(err, &verr):
			_ = httpapi.WriteValidationError(w, r, verr.Fields)
		case errors.Is(err, order.ErrInvalidOrder):
			writeAPIError(w, r, http.StatusBadRequest, "ORDER_INVALID", err.Error())
		default:
			writeInternalError(w, r, err, "create order failed")
		}
		return
	}

	w.Header().Set("Location", c.basePath+"/"+created.OrderID.String())
	writeJSON(w, r, http.StatusCreated, created)
}

func (c *OrdersController) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := c.orderID(w, r)
	if !ok {
		return
	}
	o, err := c.reader.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			writeAPIError(w, r, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found")
			return
		}
		writeInternalError(w, r, err, "get order failed")
		return
	}
	writeJSON(w, r, http.StatusOK, mappers.OrderToViewModel(o))
}

func (c *OrdersController) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	status := order.Status(strings.ToLower(strings.TrimSpace(q.Get("status"))))
	if status != "" && !status.IsValid() {
		writeAPIError(w, r, http.StatusBadRequest, "ORDER_INVALID_STATUS", "unknown status "+string(status))
		return
	}
	page, ok := intParam(q.Get("page"), 1)
	if !ok {
		writeAPIError(w, r, http.StatusBadRequest, "ORDER_INVALID_PAGE", "page must be an integer")
		return
	}
	pageSize, ok := intParam(q.Get("pageSize"), services.DefaultPageSize)
	if !ok {
		writeAPIError(w, r, http.StatusBadRequest, "ORDER_INVALID_PAGE", "pageSize must be an integer")
		return
	}

	result, err := c.reader.List(r.Context(), status, page, pageSize)
	if err != nil {
		writeInternalError(w, r, err, "list orders failed")
		return
	}
	writeJSON(w, r, http.StatusOK, mappers.OrderPageToViewModel(result))
}

func (c *OrdersController) ProcessingLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := c.orderID(w, r)
	if !ok {
		return
	}
	entries, err := c.reader.ProcessingLogs(r.Context(), id)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			writeAPIError(w, r, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found")
			return
		}
		writeInternalError(w, r, err, "list processing logs failed")
		return
	}
	out := make([]viewmodels.ProcessingLog, 0, len(entries))
	for _, e := range entries {
		out = append(out, mappers.ProcessingLogToViewModel(e))
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"items": out})
}

func (c *OrdersController) orderID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeAPIError(w, r, http.StatusBadRequest, "ORDER_INVALID_ID", "order id must be a uuid")
		return uuid.Nil, false
	}
	return id, true
}

func intParam(raw string, def int) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}
