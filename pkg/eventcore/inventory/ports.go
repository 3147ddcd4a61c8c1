package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	// ErrUnknownSKU is returned for a product the ledger has never seen.
	ErrUnknownSKU = errors.New("unknown sku")

	// ErrProductExists is returned when a product is created twice.
	ErrProductExists = errors.New("product already exists")

	// ErrInsufficientStock is returned when a reservation or adjustment
	// would take available stock below zero.
	ErrInsufficientStock = errors.New("insufficient stock")
)

// Level is the stock position of one product.
type Level struct {
	SKU          string
	OnHand       int
	Reserved     int
	ReorderLevel int
}

// Available is the stock that can still be reserved.
func (l Level) Available() int {
	return l.OnHand - l.Reserved
}

// Low reports whether the product is at or below its reorder level.
func (l Level) Low() bool {
	return l.Available() <= l.ReorderLevel
}

// StockLedger is the persistence port for stock levels.
type StockLedger interface {
	Create(ctx context.Context, sku string, initial, reorderLevel int) (Level, error)
	Adjust(ctx context.Context, sku string, delta int) (Level, error)

	// Reserve holds stock for every line or for none.
	Reserve(ctx context.Context, orderID string, lines []Line) ([]Level, error)

	// Release frees an order's reservation. Releasing an unknown order is
	// not an error.
	Release(ctx context.Context, orderID string) ([]Level, error)

	Level(ctx context.Context, sku string) (Level, error)
}

// Notification is a message for operators.
type Notification struct {
	Kind    Kind
	EventID string
	Subject string
	Message string
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// MemoryLedger is an in-memory StockLedger.
type MemoryLedger struct {
	mu           sync.Mutex
	levels       map[string]*Level
	reservations map[string][]Line
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		levels:       make(map[string]*Level),
		reservations: make(map[string][]Line),
	}
}

// Create implements StockLedger.
func (m *MemoryLedger) Create(_ context.Context, sku string, initial, reorderLevel int) (Level, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.levels[sku]; ok {
		return Level{}, fmt.Errorf("%w: %s", ErrProductExists, sku)
	}
	l := &Level{SKU: sku, OnHand: initial, ReorderLevel: reorderLevel}
	m.levels[sku] = l
	return *l, nil
}

// Adjust implements StockLedger.
func (m *MemoryLedger) Adjust(_ context.Context, sku string, delta int) (Level, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.levels[sku]
	if !ok {
		return Level{}, fmt.Errorf("%w: %s", ErrUnknownSKU, sku)
	}
	if l.OnHand+delta < l.Reserved {
		return *l, fmt.Errorf("%w: %s has %d available, delta %d", ErrInsufficientStock, sku, l.Available(), delta)
	}
	l.OnHand += delta
	return *l, nil
}

// Reserve implements StockLedger. Reserving an order twice returns the
// current levels without reserving again.
func (m *MemoryLedger) Reserve(_ context.Context, orderID string, lines []Line) ([]Level, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.reservations[orderID]; ok {
		return m.levelsOf(lines), nil
	}

	need := make(map[string]int, len(lines))
	for _, line := range lines {
		if _, ok := m.levels[line.SKU]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSKU, line.SKU)
		}
		need[line.SKU] += line.Quantity
	}
	for sku, qty := range need {
		if l := m.levels[sku]; l.Available() < qty {
			return nil, fmt.Errorf("%w: %s has %d available, order %s needs %d",
				ErrInsufficientStock, sku, l.Available(), orderID, qty)
		}
	}

	for sku, qty := range need {
		m.levels[sku].Reserved += qty
	}
	m.reservations[orderID] = append([]Line(nil), lines...)
	return m.levelsOf(lines), nil
}

// Release implements StockLedger.
func (m *MemoryLedger) Release(_ context.Context, orderID string) ([]Level, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lines, ok := m.reservations[orderID]
	if !ok {
		return nil, nil
	}
	for _, line := range lines {
		if l, ok := m.levels[line.SKU]; ok {
			l.Reserved -= line.Quantity
		}
	}
	delete(m.reservations, orderID)
	return m.levelsOf(lines), nil
}

// Level implements StockLedger.
func (m *MemoryLedger) Level(_ context.Context, sku string) (Level, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.levels[sku]
	if !ok {
		return Level{}, fmt.Errorf("%w: %s", ErrUnknownSKU, sku)
	}
	return *l, nil
}

// levelsOf returns one level per distinct SKU in lines, in line order.
// Callers hold mu.
func (m *MemoryLedger) levelsOf(lines []Line) []Level {
	seen := make(map[string]bool, len(lines))
	out := make([]Level, 0, len(lines))
	for _, line := range lines {
		if seen[line.SKU] {
			continue
		}
		seen[line.SKU] = true
		if l, ok := m.levels[line.SKU]; ok {
			out = append(out, *l)
		}
	}
	return out
}

// LogNotifier writes notifications to a logger.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify implements Notifier.
func (n LogNotifier) Notify(ctx context.Context, note Notification) error {
	if n.Logger == nil {
		return nil
	}
	n.Logger.InfoContext(ctx, note.Message,
		slog.String("kind", note.Kind.String()),
		slog.String("event_id", note.EventID),
		slog.String("subject", note.Subject),
	)
	return nil
}
