package collaborator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/orderflow/errs"
)

const maxErrorBody = 4 << 10

// ClientOption configures an HTTP collaborator client.
type ClientOption func(*restClient)

// WithTimeout bounds each round trip.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *restClient) {
		if d > 0 {
			c.client.Timeout = d
		}
	}
}

// WithHTTPClient replaces the underlying client, keeping its timeout.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *restClient) {
		if client != nil {
			c.client = client
		}
	}
}

type restClient struct {
	component string
	base      string
	client    *http.Client
	// business is the code a 409/422 answer maps to.
	business errs.Code
}

func newRESTClient(component, base string, business errs.Code, opts []ClientOption) *restClient {
	c := &restClient{
		component: component,
		base:      strings.TrimRight(strings.TrimSpace(base), "/"),
		client:    &http.Client{Timeout: DefaultTimeout},
		business:  business,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

type problem struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// post sends body as JSON and decodes a 2xx answer into out when non-nil.
func (c *restClient) post(ctx context.Context, path, idempotencyKey string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errs.New(c.component, errs.CodeInvalid, errs.WithMessage("encode request"), errs.WithCause(err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return errs.New(c.component, errs.CodeInvalid, errs.WithMessage("create request"), errs.WithCause(err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return c.transportError(ctx, path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errs.New(c.component, errs.CodeNonRetryable,
				errs.WithMessage("decode response"), errs.WithField("path", path), errs.WithCause(err))
		}
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return c.statusError(path, resp.StatusCode, raw)
}

func (c *restClient) statusError(path string, status int, raw []byte) error {
	var p problem
	_ = json.Unmarshal(raw, &p)
	reason := strings.TrimSpace(p.Reason)
	if reason == "" {
		reason = strings.TrimSpace(string(raw))
	}
	if reason == "" {
		reason = http.StatusText(status)
	}
	code := classifyStatus(status, c.business)
	return errs.New(c.component, code,
		errs.WithMessage(reason),
		errs.WithHTTP(status),
		errs.WithField("path", path),
		errs.WithField("status", strconv.Itoa(status)))
}

func (c *restClient) transportError(ctx context.Context, path string, err error) error {
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s %s: %w", c.component, path, ctx.Err())
	}
	code := errs.CodeNetwork
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		code = errs.CodeTimeout
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}
	return errs.New(c.component, code, errs.WithField("path", path), errs.WithCause(err))
}

// classifyStatus maps an HTTP answer onto the shared error codes: 5xx and 429
// are transient, 409 and 422 carry the business outcome, any other 4xx is final.
func classifyStatus(status int, business errs.Code) errs.Code {
	switch {
	case status == http.StatusTooManyRequests, status >= 500:
		return errs.CodeUnavailable
	case status == http.StatusConflict, status == http.StatusUnprocessableEntity:
		return business
	default:
		return errs.CodeNonRetryable
	}
}

// PaymentClient talks to the payment service.
type PaymentClient struct{ rest *restClient }

// NewPaymentClient returns a client for the payment service at base.
func NewPaymentClient(base string, opts ...ClientOption) *PaymentClient {
	return &PaymentClient{rest: newRESTClient("collaborator/payment", base, errs.CodeDeclined, opts)}
}

// Authorize places a hold of req.Amount.
func (c *PaymentClient) Authorize(ctx context.Context, req AuthorizeRequest) (Authorization, error) {
	var out Authorization
	if err := c.rest.post(ctx, "/payments/authorize", req.IdempotencyKey, req, &out); err != nil {
		return Authorization{}, err
	}
	if strings.TrimSpace(out.TransactionID) == "" {
		return Authorization{}, errs.New("collaborator/payment", errs.CodeNonRetryable,
			errs.WithMessage("authorization without transaction id"))
	}
	return out, nil
}

// Refund returns an authorized amount.
func (c *PaymentClient) Refund(ctx context.Context, req RefundRequest) error {
	return c.rest.post(ctx, "/payments/refund", req.IdempotencyKey, req, nil)
}

// RestaurantClient talks to the restaurant service.
type RestaurantClient struct{ rest *restClient }

// NewRestaurantClient returns a client for the restaurant service at base.
func NewRestaurantClient(base string, opts ...ClientOption) *RestaurantClient {
	return &RestaurantClient{rest: newRESTClient("collaborator/restaurant", base, errs.CodeRejected, opts)}
}

func (c *RestaurantClient) Confirm(ctx context.Context, req ConfirmRequest) (Confirmation, error) {
	var out Confirmation
	path := "/restaurants/" + url.PathEscape(req.RestaurantID) + "/orders/" + url.PathEscape(req.OrderID) + "/confirm"
	if err := c.rest.post(ctx, path, req.IdempotencyKey, req, &out); err != nil {
		return Confirmation{}, err
	}
	return out, nil
}

func (c *RestaurantClient) Release(ctx context.Context, req ReleaseRequest) error {
	path := "/restaurants/" + url.PathEscape(req.RestaurantID) + "/orders/" + url.PathEscape(req.OrderID) + "/release"
	return c.rest.post(ctx, path, req.IdempotencyKey, req, nil)
}

// DeliveryClient talks to the courier dispatch service. A 409 means no
// courier is free, which stays retryable.
type DeliveryClient struct{ rest *restClient }

// NewDeliveryClient returns a client for the delivery service at base.
func NewDeliveryClient(base string, opts ...ClientOption) *DeliveryClient {
	return &DeliveryClient{rest: newRESTClient("collaborator/delivery", base, errs.CodeNoCourier, opts)}
}

func (c *DeliveryClient) Assign(ctx context.Context, req AssignRequest) (Assignment, error) {
	var out Assignment
	if err := c.rest.post(ctx, "/deliveries/assign", req.IdempotencyKey, req, &out); err != nil {
		return Assignment{}, err
	}
	return out, nil
}

// NotifierClient posts to the notification service.
type NotifierClient struct{ rest *restClient }

// NewNotifierClient returns a client for the notification service at base.
func NewNotifierClient(base string, opts ...ClientOption) *NotifierClient {
	return &NotifierClient{rest: newRESTClient("collaborator/notification", base, errs.CodeNonRetryable, opts)}
}

func (c *NotifierClient) Notify(ctx context.Context, n Notification) error {
	return c.rest.post(ctx, "/notifications", "", n, nil)
}

var (
	_ Payment    = (*PaymentClient)(nil)
	_ Restaurant = (*RestaurantClient)(nil)
	_ Delivery   = (*DeliveryClient)(nil)
	_ Notifier   = (*NotifierClient)(nil)
)
