package saga

import (
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/orderflow/errs"
	"github.com/coachpo/orderflow/internal/domain/event"
)

// HistoryEntry records one applied step for audit and replay.
type HistoryEntry struct {
	EventID   string     `json:"eventId,omitempty"`
	EventType event.Type `json:"eventType,omitempty"`
	From      State      `json:"from"`
	To        State      `json:"to"`
	Comment   string     `json:"comment,omitempty"`
	At        time.Time  `json:"at"`
}

// Instance is the saga of a single order.
type Instance struct {
	OrderID              string
	State                State
	History              []HistoryEntry
	PendingCompensations []Compensation
	Version              int64

	CustomerID           string
	RestaurantID         string
	Amount               decimal.Decimal
	Currency             string
	PaymentTransactionID string
	CancelReason         string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Outcome describes what applying an event did.
type Outcome struct {
	Applied       bool
	Early         bool
	From          State
	To            State
	Emit          []event.Event
	Compensations []Compensation
	Reason        string
}

// Start creates the saga for an OrderPlaced event and applies it.
func Start(evt event.Event) (*Instance, Outcome, error) {
	if evt.Type != event.TypeOrderPlaced {
		return nil, Outcome{}, errs.New("saga", errs.CodeInvalid,
			errs.WithMessage("saga must start with OrderPlaced"), errs.WithField("type", string(evt.Type)))
	}
	inst := &Instance{
		OrderID:   evt.OrderID,
		State:     StateCreated,
		CreatedAt: evt.EmittedAt,
		UpdatedAt: evt.EmittedAt,
	}
	out, err := inst.Apply(evt)
	if err != nil {
		return nil, Outcome{}, err
	}
	return inst, out, nil
}

// Apply runs evt through the transition table. Events with no edge from the
// current state leave the instance untouched and report Applied=false.
func (i *Instance) Apply(evt event.Event) (Outcome, error) {
	if evt.OrderID != i.OrderID {
		return Outcome{}, errs.New("saga", errs.CodeInvalid,
			errs.WithMessage("event belongs to another order"),
			errs.WithField("saga", i.OrderID), errs.WithField("event", evt.OrderID))
	}
	from := i.State
	rule, ok := lookup(from, evt.Type)
	if !ok {
		out := Outcome{From: from, To: from, Early: IsEarly(from, evt.Type)}
		if out.Early {
			out.Reason = "event ahead of saga state"
		} else {
			out.Reason = "no transition from " + string(from) + " on " + string(evt.Type)
		}
		return out, nil
	}

	i.capture(evt)
	at := evt.EmittedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	comment := describe(evt)
	prev := from
	for _, next := range rule.Path {
		i.History = append(i.History, HistoryEntry{
			EventID:   evt.ID,
			EventType: evt.Type,
			From:      prev,
			To:        next,
			Comment:   comment,
			At:        at,
		})
		prev = next
	}
	i.State = rule.To()
	i.Version++
	i.UpdatedAt = at

	if len(rule.Compensations) > 0 {
		i.CancelReason = comment
		for _, c := range rule.Compensations {
			if !slices.Contains(i.PendingCompensations, c) {
				i.PendingCompensations = append(i.PendingCompensations, c)
			}
		}
	} else if i.State == StateCancelled {
		i.CancelReason = comment
	}

	emitted, err := i.emit(rule, evt)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{
		Applied:       true,
		From:          from,
		To:            i.State,
		Emit:          emitted,
		Compensations: slices.Clone(rule.Compensations),
	}, nil
}

// CompleteCompensation records a finished compensating action. Once nothing
// is pending the saga leaves Cancelling for Cancelled and announces it.
func (i *Instance) CompleteCompensation(action Compensation, causationID string) (Outcome, error) {
	from := i.State
	idx := slices.Index(i.PendingCompensations, action)
	if idx < 0 {
		return Outcome{From: from, To: from, Reason: "compensation not pending"}, nil
	}
	i.PendingCompensations = slices.Delete(i.PendingCompensations, idx, idx+1)
	now := time.Now().UTC()
	i.Version++
	i.UpdatedAt = now
	if len(i.PendingCompensations) > 0 || i.State != StateCancelling {
		return Outcome{Applied: true, From: from, To: i.State}, nil
	}

	i.State = StateCancelled
	i.History = append(i.History, HistoryEntry{
		From:    from,
		To:      StateCancelled,
		Comment: "compensations completed",
		At:      now,
	})
	cancelled, err := event.New(i.OrderID, causationID, event.OrderCancelled{Reason: i.CancelReason})
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Applied: true, From: from, To: StateCancelled, Emit: []event.Event{cancelled}}, nil
}

// FailCompensation parks the saga in CompensationFailed for manual
// reconciliation. The returned error carries CodeCompensationFailed.
func (i *Instance) FailCompensation(action Compensation, cause error) (Outcome, error) {
	from := i.State
	if from.Terminal() {
		return Outcome{From: from, To: from, Reason: "saga already terminal"}, nil
	}
	now := time.Now().UTC()
	comment := string(action) + " failed"
	if cause != nil {
		comment += ": " + cause.Error()
	}
	i.State = StateCompensationFailed
	i.Version++
	i.UpdatedAt = now
	i.History = append(i.History, HistoryEntry{From: from, To: StateCompensationFailed, Comment: comment, At: now})
	failure := errs.New("saga", errs.CodeCompensationFailed,
		errs.WithMessage(string(action)+" could not complete"),
		errs.WithField("order_id", i.OrderID),
		errs.WithCause(cause))
	return Outcome{Applied: true, From: from, To: StateCompensationFailed, Reason: comment}, failure
}

// PaymentOutcome reports whether the payment outcome is known and whether it
// was an authorization. A saga cancelled while payment was pending has to
// wait for it before refunding.
func (i *Instance) PaymentOutcome() (settled, authorized bool) {
	if i.PaymentTransactionID != "" {
		return true, true
	}
	for _, h := range i.History {
		switch h.EventType {
		case event.TypePaymentAuthorized:
			return true, true
		case event.TypePaymentFailed:
			settled = true
		}
	}
	return settled, false
}

// Snapshot returns a deep copy safe to hand to other goroutines or stores.
func (i *Instance) Snapshot() *Instance {
	if i == nil {
		return nil
	}
	clone := *i
	clone.History = slices.Clone(i.History)
	clone.PendingCompensations = slices.Clone(i.PendingCompensations)
	return &clone
}

func (i *Instance) capture(evt event.Event) {
	switch p := evt.Payload.(type) {
	case event.OrderPlaced:
		i.CustomerID = p.CustomerID
		i.RestaurantID = p.RestaurantID
		i.Amount = p.Amount
		i.Currency = p.Currency
	case event.PaymentAuthorized:
		i.PaymentTransactionID = p.TransactionID
		if i.RestaurantID == "" {
			i.RestaurantID = p.RestaurantID
		}
		if i.Amount.IsZero() {
			i.Amount = p.Amount
			i.Currency = p.Currency
		}
	}
}

func (i *Instance) emit(rule Rule, cause event.Event) ([]event.Event, error) {
	if len(rule.Emits) == 0 {
		return nil, nil
	}
	out := make([]event.Event, 0, len(rule.Emits))
	for _, t := range rule.Emits {
		var payload event.Payload
		switch t {
		case event.TypeOrderCancelled:
			payload = event.OrderCancelled{Reason: i.CancelReason}
		case event.TypeCompensationRequired:
			payload = event.CompensationRequired{Stage: stageName(rule.From), Reason: i.CancelReason}
		default:
			continue
		}
		evt, err := event.New(i.OrderID, cause.ID, payload)
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, nil
}

func describe(evt event.Event) string {
	switch p := evt.Payload.(type) {
	case event.PaymentFailed:
		return nonEmpty(p.Reason, "payment failed")
	case event.RestaurantRejected:
		return nonEmpty(p.Reason, "restaurant rejected")
	case event.OrderCancelled:
		return nonEmpty(p.Reason, "cancelled")
	case event.CompensationRequired:
		return nonEmpty(strings.TrimSpace(p.Stage+" "+p.Reason), "compensation required")
	default:
		return string(evt.Type)
	}
}

func stageName(s State) string {
	switch s {
	case StateRestaurantConfirming:
		return "restaurant"
	case StatePreparing, StateReadyForPickup, StateOutForDelivery:
		return "delivery"
	default:
		return "payment"
	}
}

func nonEmpty(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
