package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kode4food/cascade/pkg/api"
	"github.com/kode4food/cascade/pkg/log"
	"github.com/kode4food/cascade/pkg/retry"
	"github.com/kode4food/cascade/pkg/workflow"
)

type (
	// Order is the input of the order fulfillment workflow
	Order struct {
		ID        string  `json:"id"`
		ProductID string  `json:"product_id"`
		Quantity  int     `json:"quantity"`
		Amount    float64 `json:"amount"`
	}

	// Reservation is the output of the stock reservation step
	Reservation struct {
		ReservationID string `json:"reservation_id"`
		ProductID     string `json:"product_id"`
		Quantity      int    `json:"quantity"`
		ReservedAt    string `json:"reserved_at"`
	}

	// Payment is the output of the payment step
	Payment struct {
		PaymentID string  `json:"payment_id"`
		Amount    float64 `json:"amount"`
		Status    string  `json:"status"`
	}

	// Inventory simulates a stock database shared by all instances
	Inventory struct {
		levels map[string]int
		mu     sync.Mutex
	}
)

const (
	OrderFulfillment = "order-fulfillment"
	PriceQuote       = "price-quote"

	paymentLimit = 10_000.0
	taxRate      = 0.08
)

var (
	ErrUnknownProduct    = errors.New("product not found in stock system")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrPaymentDeclined   = errors.New("payment declined")
)

// NewInventory returns an inventory seeded with demo stock levels
func NewInventory() *Inventory {
	return &Inventory{
		levels: map[string]int{
			"prod-laptop":     50,
			"prod-mouse":      200,
			"prod-keyboard":   75,
			"prod-monitor":    30,
			"prod-headphones": 0,
		},
	}
}

// Level returns the units of a product currently in stock
func (i *Inventory) Level(productID string) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.levels[productID]
}

func (i *Inventory) reserve(productID string, qty int) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	level, ok := i.levels[productID]
	if !ok {
		return api.Permanent(fmt.Errorf("%w: %s", ErrUnknownProduct, productID))
	}
	if level < qty {
		return fmt.Errorf("%w: requested %d, available %d",
			ErrInsufficientStock, qty, level)
	}
	i.levels[productID] = level - qty
	return nil
}

func (i *Inventory) release(productID string, qty int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.levels[productID] += qty
}

// NewRegistry builds the workflows served by the binary
func NewRegistry(inv *Inventory) (*workflow.Registry, error) {
	fulfillment, err := orderFulfillment(inv)
	if err != nil {
		return nil, err
	}
	quote, err := priceQuote()
	if err != nil {
		return nil, err
	}
	return workflow.NewRegistry(fulfillment, quote)
}

func orderFulfillment(inv *Inventory) (*workflow.Definition, error) {
	stockRetry, err := retry.New(retry.Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
		AbortOn:      []retry.Matcher{retry.Is(ErrUnknownProduct)},
	})
	if err != nil {
		return nil, err
	}

	return workflow.NewDefinition(OrderFulfillment).
		Parallel().
		WithReverseCompensation().
		WithTimeout(5*time.Minute).
		WithSteps(
			workflow.NewStepFunc("validate-order", validateOrder).
				WithRetry(retry.None),
			workflow.NewStepFunc("reserve-stock", inv.reserveStock).
				DependsOn("validate-order").
				WithRetry(stockRetry).
				WithCompensationFunc(inv.releaseStock),
			workflow.NewStepFunc("charge-payment", chargePayment).
				DependsOn("validate-order").
				WithTimeout(10*time.Second).
				WithCompensationFunc(refundPayment),
			workflow.NewStepFunc("create-order", createOrder).
				DependsOn("reserve-stock", "charge-payment"),
			workflow.NewStepFunc("send-notification", sendNotification).
				DependsOn("create-order").
				WhenLua(`ctx.notify ~= false`),
		).
		Build()
}

func priceQuote() (*workflow.Definition, error) {
	return workflow.NewDefinition(PriceQuote).
		WithSteps(
			workflow.NewStepFunc("subtotal", subtotal),
			workflow.NewStepFunc("tax", tax),
			workflow.NewStepFunc("shipping", shipping),
		).
		Build()
}

func validateOrder(_ context.Context, wc *api.WorkflowContext) (any, error) {
	order, err := api.ContextValue[Order](wc, "order")
	if err != nil {
		return nil, err
	}
	if order.ID == "" || order.ProductID == "" || order.Quantity <= 0 {
		return nil, api.Permanent(
			fmt.Errorf("invalid order: %+v", order),
		)
	}
	return order, nil
}

func (i *Inventory) reserveStock(
	_ context.Context, wc *api.WorkflowContext,
) (any, error) {
	order, err := api.ContextValue[Order](wc, "order")
	if err != nil {
		return nil, err
	}
	if err := i.reserve(order.ProductID, order.Quantity); err != nil {
		slog.Warn("Stock reservation failed",
			slog.String("order_id", order.ID),
			log.Error(err))
		return nil, err
	}

	res := &Reservation{
		ReservationID: "RES-" + uuid.NewString(),
		ProductID:     order.ProductID,
		Quantity:      order.Quantity,
		ReservedAt:    time.Now().Format(time.RFC3339),
	}
	slog.Info("Stock reserved",
		slog.String("reservation_id", res.ReservationID),
		slog.String("product_id", res.ProductID),
		slog.Int("quantity", res.Quantity))
	return res, nil
}

func (i *Inventory) releaseStock(
	_ context.Context, output any, wc *api.WorkflowContext,
) error {
	res, ok := output.(*Reservation)
	if !ok {
		var err error
		if res, err = api.ContextValue[*Reservation](wc, "reserve-stock"); err != nil {
			return err
		}
	}
	i.release(res.ProductID, res.Quantity)
	slog.Info("Stock released",
		slog.String("reservation_id", res.ReservationID))
	return nil
}

func chargePayment(_ context.Context, wc *api.WorkflowContext) (any, error) {
	order, err := api.ContextValue[Order](wc, "order")
	if err != nil {
		return nil, err
	}
	if order.Amount > paymentLimit {
		return nil, api.Permanent(fmt.Errorf("%w: %.2f exceeds limit",
			ErrPaymentDeclined, order.Amount))
	}
	return &Payment{
		PaymentID: "PAY-" + uuid.NewString(),
		Amount:    order.Amount,
		Status:    "captured",
	}, nil
}

func refundPayment(
	_ context.Context, output any, wc *api.WorkflowContext,
) error {
	p, ok := output.(*Payment)
	if !ok {
		var err error
		if p, err = api.ContextValue[*Payment](wc, "charge-payment"); err != nil {
			return err
		}
	}
	slog.Info("Payment refunded",
		slog.String("payment_id", p.PaymentID),
		slog.Float64("amount", p.Amount))
	return nil
}

func createOrder(_ context.Context, wc *api.WorkflowContext) (any, error) {
	order, err := api.ContextValue[Order](wc, "order")
	if err != nil {
		return nil, err
	}
	payment, err := api.ContextValue[*Payment](wc, "charge-payment")
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"order_id":   order.ID,
		"payment_id": payment.PaymentID,
		"status":     "created",
	}, nil
}

func sendNotification(
	_ context.Context, wc *api.WorkflowContext,
) (any, error) {
	order, err := api.ContextValue[Order](wc, "order")
	if err != nil {
		return nil, err
	}
	slog.Info("Order confirmation sent",
		slog.String("order_id", order.ID))
	return "sent", nil
}

func subtotal(_ context.Context, wc *api.WorkflowContext) (any, error) {
	qty, err := api.ContextValue[float64](wc, "quantity")
	if err != nil {
		return nil, err
	}
	price, err := api.ContextValue[float64](wc, "unit_price")
	if err != nil {
		return nil, err
	}
	return qty * price, nil
}

func tax(_ context.Context, wc *api.WorkflowContext) (any, error) {
	sub, err := api.ContextValue[float64](wc, "subtotal")
	if err != nil {
		return nil, err
	}
	return sub * taxRate, nil
}

func shipping(_ context.Context, wc *api.WorkflowContext) (any, error) {
	qty, err := api.ContextValue[float64](wc, "quantity")
	if err != nil {
		return nil, err
	}
	if qty > 5 {
		return 0.0, nil
	}
	return 9.99, nil
}
