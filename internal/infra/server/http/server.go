// Package httpserver exposes the order intake and operator endpoints.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/orderflow/errs"
	"github.com/coachpo/orderflow/internal/domain/event"
	"github.com/coachpo/orderflow/internal/domain/order"
	"github.com/coachpo/orderflow/internal/domain/saga"
	"github.com/coachpo/orderflow/internal/infra/config"
	"github.com/coachpo/orderflow/internal/observability"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	ordersPath = "/orders"
	orderParam = "orderID"
)

// Orders is the order role as seen by the intake.
type Orders interface {
	PlaceOrder(ctx context.Context, p order.Placement) (order.Order, error)
	GetOrder(ctx context.Context, orderID string) (order.Order, *saga.Instance, error)
	CancelOrder(ctx context.Context, orderID, reason string) (event.Event, error)
}

// Deliveries reports courier hand-offs.
type Deliveries interface {
	CompleteDelivery(ctx context.Context, orderID, courierID string) (event.Event, error)
}

// Deps wires the handler. Nil collaborators disable their routes. Debug
// adds the saga internals to order reads.
type Deps struct {
	Environment config.Environment
	Orders      Orders
	Deliveries  Deliveries
	Ops         Ops
	Logger      observability.Logger
	Debug       bool
}

type httpServer struct {
	environment config.Environment
	orders      Orders
	deliveries  Deliveries
	ops         Ops
	logger      observability.Logger
	debug       bool
}

type cancelPayload struct {
	Reason string `json:"reason"`
}

type completeDeliveryPayload struct {
	CourierID string `json:"courierId"`
}

type sagaView struct {
	State                saga.State          `json:"state"`
	Version              int64               `json:"version"`
	PendingCompensations []saga.Compensation `json:"pendingCompensations"`
	CancelReason         string              `json:"cancelReason,omitempty"`
	History              []saga.HistoryEntry `json:"history"`
}

// orderView is what customers see of an order: the coarse status, never the
// saga state.
type orderView struct {
	ID           string          `json:"id"`
	CustomerID   string          `json:"customerId"`
	RestaurantID string          `json:"restaurantId"`
	Items        []order.Item    `json:"items"`
	Total        decimal.Decimal `json:"total"`
	Currency     string          `json:"currency"`
	Status       order.Status    `json:"status"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
	Saga         *sagaView       `json:"saga,omitempty"`
}

func viewOf(o order.Order) orderView {
	return orderView{
		ID:           o.ID,
		CustomerID:   o.CustomerID,
		RestaurantID: o.RestaurantID,
		Items:        o.Items,
		Total:        o.Total,
		Currency:     o.Currency,
		Status:       order.CoarseStatus(o.State),
		CreatedAt:    o.CreatedAt,
		UpdatedAt:    o.UpdatedAt,
	}
}

type acceptedView struct {
	Status    string `json:"status"`
	OrderID   string `json:"orderId"`
	EventID   string `json:"eventId"`
	EventType string `json:"eventType"`
}

// NewHandler builds the HTTP surface.
func NewHandler(deps Deps) http.Handler {
	server := &httpServer{
		environment: deps.Environment,
		orders:      deps.Orders,
		deliveries:  deps.Deliveries,
		ops:         deps.Ops,
		logger:      observability.Or(deps.Logger),
		debug:       deps.Debug,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(withCORS)
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})

	r.Get("/healthz", server.health)
	if server.orders != nil {
		r.Route(ordersPath, func(r chi.Router) {
			r.Post("/", server.placeOrder)
			r.Get("/{"+orderParam+"}", server.getOrder)
			r.Post("/{"+orderParam+"}/cancel", server.cancelOrder)
		})
	}
	if server.deliveries != nil {
		r.Post(ordersPath+"/{"+orderParam+"}/delivery/complete", server.completeDelivery)
	}
	if server.ops != nil {
		r.Route(opsPath, server.mountOps)
	}
	return r
}

func (s *httpServer) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok", "environment": string(s.environment)}
	if s.ops != nil {
		if backlog, err := s.ops.Backlog(r.Context()); err == nil {
			body["outboxBacklog"] = backlog
		} else {
			body["status"] = "degraded"
			body["error"] = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *httpServer) placeOrder(w http.ResponseWriter, r *http.Request) {
	var placement order.Placement
	if err := decodeJSON(w, r, &placement); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	created, err := s.orders.PlaceOrder(r.Context(), placement)
	if err != nil {
		s.writeFailure(w, r, "place order", err)
		return
	}
	w.Header().Set("Location", ordersPath+"/"+created.ID)
	writeJSON(w, http.StatusCreated, viewOf(created))
}

func (s *httpServer) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, orderParam)
	current, inst, err := s.orders.GetOrder(r.Context(), orderID)
	if err != nil {
		s.writeFailure(w, r, "get order", err)
		return
	}
	view := viewOf(current)
	if s.debug && inst != nil {
		view.Saga = &sagaView{
			State:                inst.State,
			Version:              inst.Version,
			PendingCompensations: inst.PendingCompensations,
			CancelReason:         inst.CancelReason,
			History:              inst.History,
		}
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *httpServer) cancelOrder(w http.ResponseWriter, r *http.Request) {
	var payload cancelPayload
	if err := decodeOptionalJSON(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	evt, err := s.orders.CancelOrder(r.Context(), chi.URLParam(r, orderParam), payload.Reason)
	if err != nil {
		s.writeFailure(w, r, "cancel order", err)
		return
	}
	writeJSON(w, http.StatusAccepted, accepted(evt))
}

func (s *httpServer) completeDelivery(w http.ResponseWriter, r *http.Request) {
	var payload completeDeliveryPayload
	if err := decodeOptionalJSON(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	evt, err := s.deliveries.CompleteDelivery(r.Context(), chi.URLParam(r, orderParam), payload.CourierID)
	if err != nil {
		s.writeFailure(w, r, "complete delivery", err)
		return
	}
	writeJSON(w, http.StatusAccepted, accepted(evt))
}

func accepted(evt event.Event) acceptedView {
	return acceptedView{Status: "accepted", OrderID: evt.OrderID, EventID: evt.ID, EventType: string(evt.Type)}
}

// writeFailure maps a domain error onto a status. Unclassified failures are
// logged and reported without detail.
func (s *httpServer) writeFailure(w http.ResponseWriter, r *http.Request, operation string, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(operation+" failed",
			observability.F("request_id", middleware.GetReqID(r.Context())),
			observability.F("path", r.URL.Path),
			observability.Err(err))
		writeError(w, status, operation+" failed")
		return
	}
	writeError(w, status, messageOf(err))
}

func statusOf(err error) int {
	var e *errs.E
	if errors.As(err, &e) && e != nil && e.HTTP > 0 {
		return e.HTTP
	}
	switch errs.CodeOf(err) {
	case errs.CodeInvalid, errs.CodeMalformedEvent:
		return http.StatusBadRequest
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeConflict:
		return http.StatusConflict
	case errs.CodeUnavailable, errs.CodeCircuitOpen, errs.CodeBulkheadFull:
		return http.StatusServiceUnavailable
	default:
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return http.StatusInternalServerError
	}
}

func messageOf(err error) string {
	var e *errs.E
	if errors.As(err, &e) && e != nil {
		if e.Message != "" {
			return e.Message
		}
		return strings.ReplaceAll(string(e.Code), "_", " ")
	}
	return err.Error()
}

var errBodyRequired = errors.New("request body required")

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errBodyRequired
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// decodeOptionalJSON accepts an empty body.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := decodeJSON(w, r, dst); err != nil && !errors.Is(err, errBodyRequired) {
		return err
	}
	return nil
}

func queryLimit(r *http.Request, fallback, ceiling int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return fallback, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	return min(limit, ceiling), nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

// Serve runs the handler on addr until ctx ends, then shuts down within
// grace.
func Serve(ctx context.Context, addr string, handler http.Handler, grace time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}
