package inventory

import "fmt"

// Kind identifies an inventory event. Its String form is the envelope's
// event type.
type Kind int

const (
	KindUnknown Kind = iota
	KindStockUpdated
	KindProductCreated
	KindOrderPlaced
	KindOrderCancelled
	KindSupplierUpdated
	KindLowStockDetected
)

var kindNames = map[Kind]string{
	KindStockUpdated:     "stock.updated",
	KindProductCreated:   "product.created",
	KindOrderPlaced:      "order.placed",
	KindOrderCancelled:   "order.cancelled",
	KindSupplierUpdated:  "supplier.updated",
	KindLowStockDetected: "stock.low_detected",
}

var kindsByName = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames))
	for k, name := range kindNames {
		m[name] = k
	}
	return m
}()

// Kinds returns every known kind in declaration order.
func Kinds() []Kind {
	return []Kind{
		KindStockUpdated,
		KindProductCreated,
		KindOrderPlaced,
		KindOrderCancelled,
		KindSupplierUpdated,
		KindLowStockDetected,
	}
}

// String returns the event type name.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseKind maps an event type name to its Kind.
func ParseKind(eventType string) (Kind, error) {
	if k, ok := kindsByName[eventType]; ok {
		return k, nil
	}
	return KindUnknown, fmt.Errorf("%w: %q", ErrUnknownKind, eventType)
}
