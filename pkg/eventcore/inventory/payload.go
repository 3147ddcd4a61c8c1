package inventory

import (
	"errors"
	"fmt"

	"github.com/randalmurphal/eventcore/pkg/eventcore/event"
)

// ErrUnknownKind is returned for event types outside the inventory domain.
var ErrUnknownKind = errors.New("unknown inventory event kind")

// Payload is the body of an inventory event. The set of implementations is
// closed: one struct per Kind.
type Payload interface {
	Kind() Kind
	inventoryPayload()
}

// Line is one product quantity in an order.
type Line struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

// StockUpdated adjusts on-hand stock. Delta may be negative.
type StockUpdated struct {
	SKU    string `json:"sku"`
	Delta  int    `json:"delta"`
	Reason string `json:"reason,omitempty"`
}

// ProductCreated introduces a product with its opening stock.
type ProductCreated struct {
	SKU          string `json:"sku"`
	Name         string `json:"name"`
	InitialStock int    `json:"initial_stock"`
	ReorderLevel int    `json:"reorder_level"`
}

// OrderPlaced reserves stock for an order.
type OrderPlaced struct {
	OrderID string `json:"order_id"`
	Lines   []Line `json:"lines"`
}

// OrderCancelled releases an order's reservation.
type OrderCancelled struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason,omitempty"`
}

// SupplierUpdated creates or replaces a supplier record.
type SupplierUpdated struct {
	SupplierID   string   `json:"supplier_id"`
	Name         string   `json:"name"`
	LeadTimeDays int      `json:"lead_time_days"`
	SKUs         []string `json:"skus,omitempty"`
}

// LowStockDetected reports a product at or below its reorder level.
type LowStockDetected struct {
	SKU          string `json:"sku"`
	Available    int    `json:"available"`
	ReorderLevel int    `json:"reorder_level"`
}

func (StockUpdated) Kind() Kind     { return KindStockUpdated }
func (ProductCreated) Kind() Kind   { return KindProductCreated }
func (OrderPlaced) Kind() Kind      { return KindOrderPlaced }
func (OrderCancelled) Kind() Kind   { return KindOrderCancelled }
func (SupplierUpdated) Kind() Kind  { return KindSupplierUpdated }
func (LowStockDetected) Kind() Kind { return KindLowStockDetected }

func (StockUpdated) inventoryPayload()     {}
func (ProductCreated) inventoryPayload()   {}
func (OrderPlaced) inventoryPayload()      {}
func (OrderCancelled) inventoryPayload()   {}
func (SupplierUpdated) inventoryPayload()  {}
func (LowStockDetected) inventoryPayload() {}

// NewEnvelope wraps p in an envelope typed by its Kind.
func NewEnvelope(p Payload, opts ...event.Option) event.Envelope {
	return event.New(p.Kind().String(), p, opts...)
}

// Decode returns the typed payload of an inventory envelope. It accepts
// envelopes built in process and envelopes read back from a store.
func Decode(env event.Envelope) (Payload, error) {
	kind, err := ParseKind(env.Type())
	if err != nil {
		return nil, err
	}

	switch kind {
	case KindStockUpdated:
		return decode[StockUpdated](env)
	case KindProductCreated:
		return decode[ProductCreated](env)
	case KindOrderPlaced:
		return decode[OrderPlaced](env)
	case KindOrderCancelled:
		return decode[OrderCancelled](env)
	case KindSupplierUpdated:
		return decode[SupplierUpdated](env)
	case KindLowStockDetected:
		return decode[LowStockDetected](env)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
}

func decode[T Payload](env event.Envelope) (Payload, error) {
	p, err := event.DecodePayload[T](env)
	if err != nil {
		return nil, err
	}
	return p, nil
}
