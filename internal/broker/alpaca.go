package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"tradedesk/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*AlpacaBroker)(nil)

// AlpacaBroker implements the Broker interface using the Alpaca trading API.
type AlpacaBroker struct {
	client *alpaca.Client
}

// NewAlpacaBroker creates a new AlpacaBroker configured with the given
// credentials and API endpoint. An empty baseURL selects the SDK default.
func NewAlpacaBroker(apiKey, apiSecret, baseURL string) *AlpacaBroker {
	return &AlpacaBroker{
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
	}
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string {
	return "alpaca"
}

// PlaceOrder submits the order via POST /v2/orders. The order id is sent as
// the client order id so duplicates are rejected by Alpaca.
func (b *AlpacaBroker) PlaceOrder(ctx context.Context, order *domain.Order) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	req, err := placeOrderRequest(order)
	if err != nil {
		return "", err
	}
	resp, err := b.client.PlaceOrder(req)
	if err != nil {
		return "", classify(err)
	}
	return resp.ID, nil
}

// CancelOrder requests cancellation via DELETE /v2/orders/{id}.
func (b *AlpacaBroker) CancelOrder(ctx context.Context, order *domain.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.client.CancelOrder(order.BrokerOrderID); err != nil {
		return classify(err)
	}
	return nil
}

// OrderStatus reads GET /v2/orders/{id}.
func (b *AlpacaBroker) OrderStatus(ctx context.Context, brokerOrderID string) (OrderReport, error) {
	if err := ctx.Err(); err != nil {
		return OrderReport{}, err
	}
	o, err := b.client.GetOrder(brokerOrderID)
	if err != nil {
		return OrderReport{}, classify(err)
	}
	rep := OrderReport{
		Status:    mapAlpacaStatus(o.Status),
		FilledQty: o.FilledQty.InexactFloat64(),
	}
	if o.FilledAvgPrice != nil {
		rep.FilledPrice = o.FilledAvgPrice.InexactFloat64()
	}
	if rep.Status == domain.OrderStatusRejected || rep.Status == domain.OrderStatusCancelled {
		rep.Reason = "alpaca status " + o.Status
	}
	return rep, nil
}

// Account returns the current account information from GET /v2/account.
func (b *AlpacaBroker) Account(ctx context.Context) (*domain.AccountInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	acct, err := b.client.GetAccount()
	if err != nil {
		return nil, classify(err)
	}
	marginUsed := acct.InitialMargin.InexactFloat64()
	return &domain.AccountInfo{
		Cash:            acct.Cash.InexactFloat64(),
		BuyingPower:     acct.BuyingPower.InexactFloat64(),
		Equity:          acct.Equity.InexactFloat64(),
		MarginUsed:      marginUsed,
		MarginAvailable: acct.BuyingPower.InexactFloat64(),
	}, nil
}

func placeOrderRequest(order *domain.Order) (alpaca.PlaceOrderRequest, error) {
	qty := decimal.NewFromFloat(order.Quantity)
	req := alpaca.PlaceOrderRequest{
		Symbol:        order.Symbol,
		Qty:           &qty,
		ClientOrderID: order.ID,
	}

	switch order.Side {
	case domain.OrderSideBuy:
		req.Side = alpaca.Buy
	case domain.OrderSideSell:
		req.Side = alpaca.Sell
	default:
		return req, fmt.Errorf("unsupported side %q", order.Side)
	}

	price := decimal.NewFromFloat(order.Price)
	switch order.Type {
	case domain.OrderTypeMarket:
		req.Type = alpaca.Market
	case domain.OrderTypeLimit:
		req.Type = alpaca.Limit
		req.LimitPrice = &price
	case domain.OrderTypeStopLoss:
		req.Type = alpaca.Stop
		req.StopPrice = &price
	default:
		return req, fmt.Errorf("unsupported order type %q", order.Type)
	}

	switch order.Validity {
	case domain.ValidityGTC:
		req.TimeInForce = alpaca.GTC
	case domain.ValidityIOC:
		req.TimeInForce = alpaca.IOC
	default:
		req.TimeInForce = alpaca.Day
	}
	return req, nil
}

// classify turns Alpaca 4xx responses into rejections. Everything else
// (transport errors, 5xx, rate limiting) stays a retryable failure.
func classify(err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) &&
		apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 &&
		apiErr.StatusCode != http.StatusTooManyRequests {
		return &RejectedError{Reason: apiErr.Message}
	}
	return err
}

func mapAlpacaStatus(s string) domain.OrderStatus {
	switch s {
	case "filled":
		return domain.OrderStatusFilled
	case "canceled", "expired", "done_for_day", "replaced":
		return domain.OrderStatusCancelled
	case "rejected", "suspended":
		return domain.OrderStatusRejected
	default:
		return domain.OrderStatusPlaced
	}
}
