package event

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/orderflow/errs"
)

type envelope struct {
	EventID     string          `json:"eventId"`
	Type        Type            `json:"type"`
	OrderID     string          `json:"orderId"`
	CausationID string          `json:"causationId,omitempty"`
	EmittedAt   string          `json:"emittedAt"`
	Payload     json.RawMessage `json:"payload"`
}

// Encode serialises the event into its wire envelope. The output is stable for
// a given event value.
func Encode(evt Event) ([]byte, error) {
	if err := evt.Validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return nil, errs.New("event", errs.CodeInvalid, errs.WithMessage("encode payload"), errs.WithCause(err))
	}
	env := envelope{
		EventID:     evt.ID,
		Type:        evt.Type,
		OrderID:     evt.OrderID,
		CausationID: evt.CausationID,
		EmittedAt:   evt.EmittedAt.UTC().Format(time.RFC3339Nano),
		Payload:     payload,
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, errs.New("event", errs.CodeInvalid, errs.WithMessage("encode envelope"), errs.WithCause(err))
	}
	return out, nil
}

// Decode parses a wire envelope. Missing or mistyped fields yield
// CodeMalformedEvent, unrecognised type tags yield CodeUnknownEventType.
func Decode(data []byte) (Event, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Event{}, malformed("empty message")
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, errs.New("event", errs.CodeMalformedEvent, errs.WithMessage("decode envelope"), errs.WithCause(err))
	}
	if strings.TrimSpace(string(env.Type)) == "" {
		return Event{}, malformed("type required")
	}
	if !env.Type.Valid() {
		return Event{}, errs.New("event", errs.CodeUnknownEventType, errs.WithField("type", string(env.Type)))
	}
	if strings.TrimSpace(env.EmittedAt) == "" {
		return Event{}, malformed("emittedAt required")
	}
	emittedAt, err := time.Parse(time.RFC3339Nano, env.EmittedAt)
	if err != nil {
		return Event{}, errs.New("event", errs.CodeMalformedEvent, errs.WithMessage("emittedAt must be RFC3339"), errs.WithCause(err))
	}
	raw := bytes.TrimSpace(env.Payload)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Event{}, malformed("payload required")
	}
	payload, err := decodePayload(env.Type, raw)
	if err != nil {
		return Event{}, err
	}
	evt := Event{
		ID:          env.EventID,
		Type:        env.Type,
		OrderID:     env.OrderID,
		CausationID: env.CausationID,
		EmittedAt:   emittedAt.UTC(),
		Payload:     payload,
	}
	if err := evt.Validate(); err != nil {
		return Event{}, err
	}
	return evt, nil
}

func decodePayload(t Type, raw []byte) (Payload, error) {
	switch t {
	case TypeOrderPlaced:
		return unmarshalPayload[OrderPlaced](raw)
	case TypePaymentAuthorized:
		return unmarshalPayload[PaymentAuthorized](raw)
	case TypePaymentFailed:
		return unmarshalPayload[PaymentFailed](raw)
	case TypeRestaurantAccepted:
		return unmarshalPayload[RestaurantAccepted](raw)
	case TypeRestaurantRejected:
		return unmarshalPayload[RestaurantRejected](raw)
	case TypeDeliveryAssigned:
		return unmarshalPayload[DeliveryAssigned](raw)
	case TypeDeliveryCompleted:
		return unmarshalPayload[DeliveryCompleted](raw)
	case TypeOrderCancelled:
		return unmarshalPayload[OrderCancelled](raw)
	case TypeCompensationRequired:
		return unmarshalPayload[CompensationRequired](raw)
	default:
		return nil, errs.New("event", errs.CodeUnknownEventType, errs.WithField("type", string(t)))
	}
}

func unmarshalPayload[T Payload](raw []byte) (Payload, error) {
	var p T
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errs.New("event", errs.CodeMalformedEvent, errs.WithMessage("decode payload"), errs.WithCause(err))
	}
	return p, nil
}

// Fingerprint returns a hex SHA-256 digest of the encoded event, used to spot
// duplicate deliveries in diagnostics.
func Fingerprint(evt Event) (string, error) {
	data, err := Encode(evt)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// IsPoison reports whether err marks a message that can never be processed and
// belongs in a dead-letter sink.
func IsPoison(err error) bool {
	return errs.IsCode(err, errs.CodeMalformedEvent) || errs.IsCode(err, errs.CodeUnknownEventType)
}
