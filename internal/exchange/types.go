package exchange

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// Order sides and position sides, as the exchange spells them.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	PositionLong  = "LONG"
	PositionShort = "SHORT"
)

// Order statuses returned by the order query endpoint.
const (
	StatusNew             = "NEW"
	StatusPartiallyFilled = "PARTIALLY_FILLED"
	StatusFilled          = "FILLED"
	StatusCancelled       = "CANCELED"
	StatusExpired         = "EXPIRED"
)

// SymbolInfo carries the contract filters needed for quantization.
type SymbolInfo struct {
	Symbol   string
	TickSize decimal.Decimal
	QtyStep  decimal.Decimal
	MinQty   decimal.Decimal
}

// OrderRequest describes a new order.
type OrderRequest struct {
	Symbol       string // normalized BASEUSDT form
	Side         string // BUY / SELL
	PositionSide string // LONG / SHORT
	Type         string // LIMIT / MARKET / TRIGGER_MARKET
	Qty          decimal.Decimal
	Price        decimal.Decimal // limit price, zero for market
	StopPrice    decimal.Decimal // trigger price for stops
	PostOnly     bool
	ReduceOnly   bool
	ClientID     string
}

// OrderAck is the exchange acknowledgement of a placed order.
type OrderAck struct {
	OrderID  string
	ClientID string
}

// OrderState is a point-in-time view of an order.
type OrderState struct {
	OrderID      string
	Status       string
	ExecutedQty  decimal.Decimal
	AvgFillPrice decimal.Decimal
}

// PositionState is one exchange-side position.
type PositionState struct {
	Symbol     string
	Side       string // LONG / SHORT
	Qty        decimal.Decimal
	EntryPrice decimal.Decimal
}

// Gateway is the exchange surface the pipeline stages consume. The real
// client implements it; tests substitute a fake.
type Gateway interface {
	GetBalance(ctx context.Context) (decimal.Decimal, error)
	GetSymbolInfo(ctx context.Context, symbol string) (SymbolInfo, error)
	GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOrder(ctx context.Context, symbol, orderID string) (OrderState, error)
	GetPositions(ctx context.Context, symbol string) ([]PositionState, error)
	SetLeverage(ctx context.Context, symbol, positionSide string, leverage decimal.Decimal) error
}

// BizError is a business-level rejection from the exchange (code != 0).
type BizError struct {
	Code int
	Msg  string
}

func (e *BizError) Error() string {
	return fmt.Sprintf("exchange error %d: %s", e.Code, e.Msg)
}
