package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	ecerrors "github.com/randalmurphal/eventcore/pkg/eventcore/errors"
	"github.com/randalmurphal/eventcore/pkg/eventcore/event"
	"github.com/randalmurphal/eventcore/pkg/eventcore/registry"
)

// Handler IDs.
const (
	StockHandlerID        = "inventory.stock"
	OrderHandlerID        = "inventory.order"
	SupplierHandlerID     = "inventory.supplier"
	NotificationHandlerID = "inventory.notification"
)

// Deps are the ports the handlers need. Nil fields get in-memory or
// logging defaults.
type Deps struct {
	Ledger   StockLedger
	Notifier Notifier
	Logger   *slog.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Ledger == nil {
		d.Ledger = NewMemoryLedger()
	}
	if d.Notifier == nil {
		d.Notifier = LogNotifier{Logger: d.Logger}
	}
	return d
}

// Handlers returns one of each inventory handler, sharing deps.
func Handlers(deps Deps) []event.Handler {
	deps = deps.withDefaults()
	return []event.Handler{
		NewStockHandler(deps),
		NewOrderHandler(deps),
		NewSupplierHandler(deps),
		NewNotificationHandler(deps),
	}
}

// base carries the identity and accepted kinds of a handler.
type base struct {
	id       string
	priority int
	kinds    []Kind
}

func (b base) ID() string    { return b.id }
func (b base) Priority() int { return b.priority }

func (b base) CanHandle(eventType string) bool {
	k, err := ParseKind(eventType)
	if err != nil {
		return false
	}
	for _, accepted := range b.kinds {
		if k == accepted {
			return true
		}
	}
	return false
}

// EventTypes lists the accepted event types for handler statistics.
func (b base) EventTypes() []string {
	out := make([]string, len(b.kinds))
	for i, k := range b.kinds {
		out[i] = k.String()
	}
	return out
}

// decodeEnvelope decodes env, marking failures permanent.
func decodeEnvelope(env event.Envelope) (Payload, error) {
	p, err := Decode(env)
	if err != nil {
		return nil, ecerrors.Permanent(err, "decode "+env.Type())
	}
	return p, nil
}

// ledgerError marks ledger rejections permanent. Anything else is left to
// the retry service.
func ledgerError(err error, op string) error {
	if errors.Is(err, ErrUnknownSKU) || errors.Is(err, ErrInsufficientStock) {
		return ecerrors.Permanent(err, op)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// StockHandler maintains stock levels and raises low-stock notifications.
type StockHandler struct {
	base
	deps Deps
}

// NewStockHandler creates the stock handler. It runs first so later
// handlers see updated levels.
func NewStockHandler(deps Deps) *StockHandler {
	return &StockHandler{
		base: base{
			id:       StockHandlerID,
			priority: 10,
			kinds:    []Kind{KindProductCreated, KindStockUpdated},
		},
		deps: deps.withDefaults(),
	}
}

// Process implements event.Handler.
func (h *StockHandler) Process(ctx context.Context, env event.Envelope) error {
	p, err := decodeEnvelope(env)
	if err != nil {
		return err
	}

	switch p := p.(type) {
	case ProductCreated:
		_, err := h.deps.Ledger.Create(ctx, p.SKU, p.InitialStock, p.ReorderLevel)
		// A redelivered creation is already applied
		if errors.Is(err, ErrProductExists) {
			return nil
		}
		return err
	case StockUpdated:
		level, err := h.deps.Ledger.Adjust(ctx, p.SKU, p.Delta)
		if err != nil {
			return ledgerError(err, "adjust stock")
		}
		if level.Low() {
			notifyLow(ctx, h.deps, env.ID(), level)
		}
		return nil
	default:
		return ecerrors.Permanent(fmt.Errorf("%w: %s", ErrUnknownKind, env.Type()), h.id)
	}
}

// notifyLow reports a low level. The stock change is already applied, so a
// notifier failure is logged rather than returned.
func notifyLow(ctx context.Context, deps Deps, eventID string, level Level) {
	err := deps.Notifier.Notify(ctx, Notification{
		Kind:    KindLowStockDetected,
		EventID: eventID,
		Subject: level.SKU,
		Message: fmt.Sprintf("%s is low: %d available, reorder level %d", level.SKU, level.Available(), level.ReorderLevel),
	})
	if err != nil && deps.Logger != nil {
		deps.Logger.Warn("low-stock notification failed",
			slog.String("event_id", eventID),
			slog.String("sku", level.SKU),
			slog.String("error", err.Error()),
		)
	}
}

// OrderHandler reserves and releases stock for orders.
type OrderHandler struct {
	base
	deps Deps
}

// NewOrderHandler creates the order handler.
func NewOrderHandler(deps Deps) *OrderHandler {
	return &OrderHandler{
		base: base{
			id:       OrderHandlerID,
			priority: 5,
			kinds:    []Kind{KindOrderPlaced, KindOrderCancelled},
		},
		deps: deps.withDefaults(),
	}
}

// Process implements event.Handler.
func (h *OrderHandler) Process(ctx context.Context, env event.Envelope) error {
	p, err := decodeEnvelope(env)
	if err != nil {
		return err
	}

	switch p := p.(type) {
	case OrderPlaced:
		if len(p.Lines) == 0 {
			return ecerrors.Permanent(errors.New("order has no lines"), "order "+p.OrderID)
		}
		levels, err := h.deps.Ledger.Reserve(ctx, p.OrderID, p.Lines)
		if err != nil {
			return ledgerError(err, "reserve order "+p.OrderID)
		}
		for _, level := range levels {
			if level.Low() {
				notifyLow(ctx, h.deps, env.ID(), level)
			}
		}
		return nil
	case OrderCancelled:
		if _, err := h.deps.Ledger.Release(ctx, p.OrderID); err != nil {
			return ledgerError(err, "release order "+p.OrderID)
		}
		return nil
	default:
		return ecerrors.Permanent(fmt.Errorf("%w: %s", ErrUnknownKind, env.Type()), h.id)
	}
}

// SupplierHandler keeps the supplier directory.
type SupplierHandler struct {
	base
	suppliers *registry.Registry[string, SupplierUpdated]
}

// NewSupplierHandler creates the supplier handler.
func NewSupplierHandler(Deps) *SupplierHandler {
	return &SupplierHandler{
		base: base{
			id:       SupplierHandlerID,
			priority: 5,
			kinds:    []Kind{KindSupplierUpdated},
		},
		suppliers: registry.New[string, SupplierUpdated](),
	}
}

// Process implements event.Handler.
func (h *SupplierHandler) Process(_ context.Context, env event.Envelope) error {
	p, err := decodeEnvelope(env)
	if err != nil {
		return err
	}
	s, ok := p.(SupplierUpdated)
	if !ok {
		return ecerrors.Permanent(fmt.Errorf("%w: %s", ErrUnknownKind, env.Type()), h.id)
	}
	if s.SupplierID == "" {
		return ecerrors.Permanent(errors.New("supplier id is empty"), h.id)
	}
	h.suppliers.Put(s.SupplierID, s)
	return nil
}

// Supplier returns the latest record for id.
func (h *SupplierHandler) Supplier(id string) (SupplierUpdated, bool) {
	return h.suppliers.Get(id)
}

// Suppliers returns every supplier in first-seen order.
func (h *SupplierHandler) Suppliers() []SupplierUpdated {
	return h.suppliers.Values()
}

// NotificationHandler tells operators about orders, suppliers and low
// stock reported by other services.
type NotificationHandler struct {
	base
	deps Deps
}

// NewNotificationHandler creates the notification handler. It runs last.
func NewNotificationHandler(deps Deps) *NotificationHandler {
	return &NotificationHandler{
		base: base{
			id:       NotificationHandlerID,
			priority: 1,
			kinds: []Kind{
				KindLowStockDetected,
				KindOrderPlaced,
				KindOrderCancelled,
				KindSupplierUpdated,
			},
		},
		deps: deps.withDefaults(),
	}
}

// Process implements event.Handler.
func (h *NotificationHandler) Process(ctx context.Context, env event.Envelope) error {
	p, err := decodeEnvelope(env)
	if err != nil {
		return err
	}

	n := Notification{Kind: p.Kind(), EventID: env.ID()}
	switch p := p.(type) {
	case LowStockDetected:
		n.Subject = p.SKU
		n.Message = fmt.Sprintf("%s is low: %d available, reorder level %d", p.SKU, p.Available, p.ReorderLevel)
	case OrderPlaced:
		n.Subject = p.OrderID
		n.Message = fmt.Sprintf("order %s placed with %d lines", p.OrderID, len(p.Lines))
	case OrderCancelled:
		n.Subject = p.OrderID
		n.Message = fmt.Sprintf("order %s cancelled", p.OrderID)
		if p.Reason != "" {
			n.Message += ": " + p.Reason
		}
	case SupplierUpdated:
		n.Subject = p.SupplierID
		n.Message = fmt.Sprintf("supplier %s updated, lead time %d days", p.Name, p.LeadTimeDays)
	default:
		return ecerrors.Permanent(fmt.Errorf("%w: %s", ErrUnknownKind, env.Type()), h.id)
	}

	if err := h.deps.Notifier.Notify(ctx, n); err != nil {
		return ecerrors.Transient(err, "notify "+n.Subject)
	}
	return nil
}
