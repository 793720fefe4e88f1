package core

import (
	"context"
	"fmt"
	"time"
)

// SideType represents the direction of an order.
type SideType string

// OrderType represents the type of an order.
type OrderType string

// OrderStatusType represents the lifecycle status of an order.
type OrderStatusType string

const (
	SideTypeBuy  SideType = "BUY"
	SideTypeSell SideType = "SELL"
)

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

const (
	OrderStatusTypeCreated         OrderStatusType = "CREATED"
	OrderStatusTypeSubmitted       OrderStatusType = "SUBMITTED"
	OrderStatusTypePartiallyFilled OrderStatusType = "PARTIALLY_FILLED"
	OrderStatusTypeFilled          OrderStatusType = "FILLED"
	OrderStatusTypeCanceled        OrderStatusType = "CANCELED"
	OrderStatusTypeRejected        OrderStatusType = "REJECTED"
	OrderStatusTypeExpired         OrderStatusType = "EXPIRED"
)

// Order represents a trading order, created internally and optionally backed
// by an exchange_order_id once submitted. Orders older than 3600s are purged
// from the engine's pending set by its housekeeping loop.
type Order struct {
	ID              int64 `db:"id" json:"id" gorm:"primaryKey,autoIncrement"`
	ExchangeOrderID int64 `db:"exchange_order_id" json:"exchange_order_id"`

	Pair   string          `db:"pair" json:"pair"`
	Side   SideType        `db:"side" json:"side"`
	Type   OrderType       `db:"type" json:"type"`
	Status OrderStatusType `db:"status" json:"status"`

	Price float64 `db:"price" json:"price"`
	Size  float64 `db:"size" json:"size"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// IsActive returns true if the order is still pending at the exchange.
func (o Order) IsActive() bool {
	return o.Status == OrderStatusTypeCreated ||
		o.Status == OrderStatusTypeSubmitted ||
		o.Status == OrderStatusTypePartiallyFilled
}

// IsFilled returns true if the order has been completely filled.
func (o Order) IsFilled() bool {
	return o.Status == OrderStatusTypeFilled
}

// Value returns the notional value of the order (price * size).
func (o Order) Value() float64 {
	return o.Price * o.Size
}

func (o Order) String() string {
	return fmt.Sprintf("[%s] %s %s | ID: %d, Type: %s, %f x $%f",
		o.Status, o.Side, o.Pair, o.ID, o.Type, o.Size, o.Price)
}

// OrderFilter is a composable predicate used to query stored orders.
type OrderFilter func(order Order) bool

func WithStatusIn(status ...OrderStatusType) OrderFilter {
	return func(order Order) bool {
		for _, s := range status {
			if order.Status == s {
				return true
			}
		}
		return false
	}
}

func WithStatus(status OrderStatusType) OrderFilter {
	return func(order Order) bool { return order.Status == status }
}

func WithPair(pair string) OrderFilter {
	return func(order Order) bool { return order.Pair == pair }
}

func WithCreatedAtBeforeOrEqual(t time.Time) OrderFilter {
	return func(order Order) bool { return !order.CreatedAt.After(t) }
}

// Storage is the durable audit interface for orders, implemented by
// storage.BuntStorage.
type Storage interface {
	CreateOrder(ctx context.Context, order *Order) error
	UpdateOrder(ctx context.Context, order *Order) error
	Orders(ctx context.Context, filters ...OrderFilter) ([]*Order, error)
}
