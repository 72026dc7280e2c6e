package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXCHANGE GATEWAY - Signed REST client
// ═══════════════════════════════════════════════════════════════════════════════
//
// All requests are signed HMAC-SHA256 over the sorted, urlencoded query
// string plus a millisecond timestamp. Responses share the envelope
// {code, msg, data} where code=0 means success; any other code surfaces
// as a *BizError. Transport-level failures and 429/5xx are retried with
// backoff before they reach the caller.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	pathBalance   = "/openApi/swap/v2/user/balance"
	pathContracts = "/openApi/swap/v2/quote/contracts"
	pathMarkPrice = "/openApi/swap/v2/quote/premiumIndex"
	pathOrder     = "/openApi/swap/v2/trade/order"
	pathPositions = "/openApi/swap/v2/user/positions"
	pathLeverage  = "/openApi/swap/v2/trade/leverage"
)

type Client struct {
	http      *resty.Client
	apiKey    string
	apiSecret string
	dryRun    bool

	now func() time.Time
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// NewClient creates a signed REST client for the exchange.
func NewClient(baseURL, apiKey, apiSecret string, timeout time.Duration, dryRun bool) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == 429 || r.StatusCode() >= 500
		})

	mode := "LIVE"
	if dryRun {
		mode = "DRY RUN"
	}
	log.Info().Str("mode", mode).Str("base_url", baseURL).Msg("🔌 Exchange client initialized")

	return &Client{
		http:      httpClient,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		dryRun:    dryRun,
		now:       time.Now,
	}
}

// GetBalance returns the available USDT margin balance.
func (c *Client) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	raw, err := c.signedGet(ctx, pathBalance, nil)
	if err != nil {
		return decimal.Zero, err
	}
	var data struct {
		Balance struct {
			Balance string `json:"balance"`
		} `json:"balance"`
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return decimal.Zero, fmt.Errorf("parse balance: %w", err)
	}
	bal, err := decimal.NewFromString(data.Balance.Balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse balance value %q: %w", data.Balance.Balance, err)
	}
	return bal, nil
}

// GetSymbolInfo returns the contract filters for one symbol.
func (c *Client) GetSymbolInfo(ctx context.Context, symbol string) (SymbolInfo, error) {
	raw, err := c.signedGet(ctx, pathContracts, map[string]string{
		"symbol": FormatSymbol(symbol),
	})
	if err != nil {
		return SymbolInfo{}, err
	}
	var contracts []struct {
		Symbol            string `json:"symbol"`
		PricePrecision    int32  `json:"pricePrecision"`
		QuantityPrecision int32  `json:"quantityPrecision"`
		TradeMinQuantity  string `json:"tradeMinQuantity"`
	}
	if err := json.Unmarshal(raw, &contracts); err != nil {
		return SymbolInfo{}, fmt.Errorf("parse contracts: %w", err)
	}
	want := FormatSymbol(symbol)
	for _, ct := range contracts {
		if ct.Symbol != want {
			continue
		}
		minQty, _ := decimal.NewFromString(ct.TradeMinQuantity)
		return SymbolInfo{
			Symbol:   symbol,
			TickSize: decimal.New(1, -ct.PricePrecision),
			QtyStep:  decimal.New(1, -ct.QuantityPrecision),
			MinQty:   minQty,
		}, nil
	}
	return SymbolInfo{}, fmt.Errorf("symbol %s not listed", want)
}

// GetMarkPrice returns the current mark price for a symbol.
func (c *Client) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	raw, err := c.signedGet(ctx, pathMarkPrice, map[string]string{
		"symbol": FormatSymbol(symbol),
	})
	if err != nil {
		return decimal.Zero, err
	}
	var data struct {
		MarkPrice string `json:"markPrice"`
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return decimal.Zero, fmt.Errorf("parse mark price: %w", err)
	}
	price, err := decimal.NewFromString(data.MarkPrice)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse mark price value %q: %w", data.MarkPrice, err)
	}
	return price, nil
}

// PlaceOrder submits a new order and returns the exchange acknowledgement.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	if c.dryRun {
		ack := OrderAck{OrderID: fmt.Sprintf("DRY_%d", c.now().UnixNano()), ClientID: req.ClientID}
		log.Info().
			Str("order_id", ack.OrderID).
			Str("symbol", req.Symbol).
			Str("side", req.Side).
			Str("type", req.Type).
			Str("qty", req.Qty.String()).
			Str("price", req.Price.String()).
			Msg("📝 DRY RUN: order would be placed")
		return ack, nil
	}

	params := map[string]string{
		"symbol":       FormatSymbol(req.Symbol),
		"side":         req.Side,
		"positionSide": req.PositionSide,
		"type":         req.Type,
		"quantity":     req.Qty.String(),
	}
	if !req.Price.IsZero() {
		params["price"] = req.Price.String()
	}
	if !req.StopPrice.IsZero() {
		params["stopPrice"] = req.StopPrice.String()
	}
	if req.Type == "LIMIT" {
		if req.PostOnly {
			params["timeInForce"] = "PostOnly"
		} else {
			params["timeInForce"] = "GTC"
		}
	}
	if req.ReduceOnly {
		params["reduceOnly"] = "true"
	}
	if req.ClientID != "" {
		params["clientOrderId"] = req.ClientID
	}

	raw, err := c.signedPost(ctx, pathOrder, params)
	if err != nil {
		return OrderAck{}, err
	}
	var data struct {
		Order struct {
			OrderID       json.Number `json:"orderId"`
			ClientOrderID string      `json:"clientOrderId"`
		} `json:"order"`
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return OrderAck{}, fmt.Errorf("parse order ack: %w", err)
	}
	return OrderAck{OrderID: data.Order.OrderID.String(), ClientID: data.Order.ClientOrderID}, nil
}

// CancelOrder cancels a resting order. Cancelling an already-gone order
// is treated as success so cleanup stays idempotent.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if c.dryRun {
		log.Info().Str("order_id", orderID).Msg("📝 DRY RUN: order would be cancelled")
		return nil
	}
	_, err := c.signedDelete(ctx, pathOrder, map[string]string{
		"symbol":  FormatSymbol(symbol),
		"orderId": orderID,
	})
	var biz *BizError
	if err != nil {
		if errors.As(err, &biz) && isOrderGone(biz) {
			return nil
		}
		return err
	}
	return nil
}

// GetOrder queries the current state of one order.
func (c *Client) GetOrder(ctx context.Context, symbol, orderID string) (OrderState, error) {
	raw, err := c.signedGet(ctx, pathOrder, map[string]string{
		"symbol":  FormatSymbol(symbol),
		"orderId": orderID,
	})
	if err != nil {
		return OrderState{}, err
	}
	var data struct {
		Order struct {
			OrderID     json.Number `json:"orderId"`
			Status      string      `json:"status"`
			ExecutedQty string      `json:"executedQty"`
			AvgPrice    string      `json:"avgPrice"`
		} `json:"order"`
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return OrderState{}, fmt.Errorf("parse order state: %w", err)
	}
	executed, _ := decimal.NewFromString(data.Order.ExecutedQty)
	avg, _ := decimal.NewFromString(data.Order.AvgPrice)
	return OrderState{
		OrderID:      data.Order.OrderID.String(),
		Status:       data.Order.Status,
		ExecutedQty:  executed,
		AvgFillPrice: avg,
	}, nil
}

// GetPositions lists open positions, optionally filtered by symbol.
func (c *Client) GetPositions(ctx context.Context, symbol string) ([]PositionState, error) {
	params := map[string]string{}
	if symbol != "" {
		params["symbol"] = FormatSymbol(symbol)
	}
	raw, err := c.signedGet(ctx, pathPositions, params)
	if err != nil {
		return nil, err
	}
	var data []struct {
		Symbol       string `json:"symbol"`
		PositionSide string `json:"positionSide"`
		PositionAmt  string `json:"positionAmt"`
		AvgPrice     string `json:"avgPrice"`
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parse positions: %w", err)
	}
	out := make([]PositionState, 0, len(data))
	for _, p := range data {
		qty, _ := decimal.NewFromString(p.PositionAmt)
		entry, _ := decimal.NewFromString(p.AvgPrice)
		out = append(out, PositionState{
			Symbol:     strings.ReplaceAll(p.Symbol, "-", ""),
			Side:       p.PositionSide,
			Qty:        qty.Abs(),
			EntryPrice: entry,
		})
	}
	return out, nil
}

// SetLeverage sets the leverage for one side of a symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol, positionSide string, leverage decimal.Decimal) error {
	if c.dryRun {
		log.Info().Str("symbol", symbol).Str("leverage", leverage.String()).Msg("📝 DRY RUN: leverage would be set")
		return nil
	}
	_, err := c.signedPost(ctx, pathLeverage, map[string]string{
		"symbol":   FormatSymbol(symbol),
		"side":     positionSide,
		"leverage": leverage.StringFixed(0),
	})
	return err
}

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNING & TRANSPORT
// ═══════════════════════════════════════════════════════════════════════════════

func (c *Client) signedGet(ctx context.Context, path string, params map[string]string) (json.RawMessage, error) {
	return c.signedRequest(ctx, "GET", path, params)
}

func (c *Client) signedPost(ctx context.Context, path string, params map[string]string) (json.RawMessage, error) {
	return c.signedRequest(ctx, "POST", path, params)
}

func (c *Client) signedDelete(ctx context.Context, path string, params map[string]string) (json.RawMessage, error) {
	return c.signedRequest(ctx, "DELETE", path, params)
}

func (c *Client) signedRequest(ctx context.Context, method, path string, params map[string]string) (json.RawMessage, error) {
	query := c.signQuery(params)

	req := c.http.R().
		SetContext(ctx).
		SetHeader("X-BX-APIKEY", c.apiKey).
		SetQueryString(query)

	var resp *resty.Response
	var err error
	switch method {
	case "GET":
		resp, err = req.Get(path)
	case "POST":
		resp, err = req.Post(path)
	case "DELETE":
		resp, err = req.Delete(path)
	default:
		return nil, fmt.Errorf("unsupported method %s", method)
	}
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode() >= 400 {
		return nil, fmt.Errorf("%s %s: HTTP %d: %s", method, path, resp.StatusCode(), resp.String())
	}

	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return nil, fmt.Errorf("%s %s: parse envelope: %w", method, path, err)
	}
	if env.Code != 0 {
		return nil, &BizError{Code: env.Code, Msg: env.Msg}
	}
	return env.Data, nil
}

// signQuery builds the sorted query string with timestamp and signature.
func (c *Client) signQuery(params map[string]string) string {
	merged := make(map[string]string, len(params)+1)
	for k, v := range params {
		merged[k] = v
	}
	merged["timestamp"] = fmt.Sprintf("%d", c.now().UnixMilli())

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(k))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(merged[k]))
	}
	payload := sb.String()

	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(payload))
	return payload + "&signature=" + hex.EncodeToString(mac.Sum(nil))
}

// order-already-gone codes from the cancel endpoint
func isOrderGone(e *BizError) bool {
	return e.Code == 109414 || strings.Contains(strings.ToLower(e.Msg), "not exist")
}
