package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	wallex "github.com/wallexchange/wallex-go"
	"golang.org/x/time/rate"

	"botfleet/internal/market"
)

// WallexGateway trades through the Wallex REST API.
type WallexGateway struct {
	client  *wallex.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	feeRate float64
}

func NewWallexGateway(apiKey string, feeRate float64) *WallexGateway {
	return &WallexGateway{
		client:  wallex.New(wallex.ClientOptions{APIKey: apiKey}),
		breaker: newBreaker("wallex"),
		limiter: rate.NewLimiter(rate.Limit(5), 10),
		feeRate: feeRate,
	}
}

func (w *WallexGateway) Name() string { return "wallex" }

// normalizeSymbol maps "BTC-USDT" to the venue's "BTCUSDT" form.
func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "-", ""))
}

func (w *WallexGateway) call(ctx context.Context, op string, fn func() error) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return err
	}
	return retry(ctx, 3, 2*time.Second, w.Name(), op, func() error {
		_, err := w.breaker.Execute(func() (any, error) {
			return nil, fn()
		})
		return err
	})
}

func (w *WallexGateway) FetchSnapshot(ctx context.Context, symbol string) (market.Snapshot, error) {
	normalized := normalizeSymbol(symbol)

	var trades []*wallex.MarketTrade
	if err := w.call(ctx, "FetchSnapshot", func() error {
		var err error
		trades, err = w.client.MarketTrades(normalized)
		return err
	}); err != nil {
		return market.Snapshot{}, err
	}
	if len(trades) == 0 {
		return market.Snapshot{}, wrapErr(w.Name(), "FetchSnapshot", fmt.Errorf("no trades for symbol %s", symbol))
	}

	var markets []*wallex.Market
	if err := w.call(ctx, "FetchSnapshot", func() error {
		var err error
		markets, err = w.client.Markets()
		return err
	}); err != nil {
		return market.Snapshot{}, err
	}
	var changePct float64
	for _, m := range markets {
		if m.Symbol == normalized {
			changePct = numToFloat(&m.Stats.Change24H)
			break
		}
	}

	end := time.Now().UTC()
	start := end.Add(-24 * time.Hour)
	var wcandles []*wallex.Candle
	if err := w.call(ctx, "FetchSnapshot", func() error {
		var err error
		wcandles, err = w.client.Candles(normalized, "60", start, end)
		return err
	}); err != nil {
		return market.Snapshot{}, err
	}

	recent := make([]market.Candle, 0, len(wcandles))
	for _, wc := range wcandles {
		recent = append(recent, market.Candle{
			Timestamp: wc.Timestamp.UTC(),
			Open:      numToFloat(&wc.Open),
			High:      numToFloat(&wc.High),
			Low:       numToFloat(&wc.Low),
			Close:     numToFloat(&wc.Close),
			Volume:    numToFloat(&wc.Volume),
		})
	}

	return market.Snapshot{
		Symbol:    symbol,
		Price:     numToFloat(&trades[0].Price),
		ChangePct: changePct,
		Recent:    recent,
		Timestamp: time.Now().UTC(),
	}, nil
}

func (w *WallexGateway) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResponse, error) {
	params := &wallex.OrderParams{
		Symbol:   normalizeSymbol(req.Symbol),
		Type:     strings.ToUpper(req.Type),
		Side:     strings.ToUpper(req.Side),
		Price:    wallex.Number(strconv.FormatFloat(req.Price, 'f', 8, 64)),
		Quantity: wallex.Number(strconv.FormatFloat(req.Quantity, 'f', 8, 64)),
	}

	var resp *wallex.Order
	if err := w.call(ctx, "PlaceOrder", func() error {
		var err error
		resp, err = w.client.PlaceOrder(params)
		return err
	}); err != nil {
		return OrderResponse{}, err
	}

	filledQty := numToFloat(resp.ExecutedQty)
	filledPrice := numToFloat(resp.ExecutedPrice)
	if filledPrice == 0 {
		filledPrice = req.Price
	}
	return OrderResponse{
		OrderID:     resp.ClientOrderID,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        req.Type,
		Status:      strings.ToUpper(resp.Status),
		FilledQty:   filledQty,
		FilledPrice: filledPrice,
		// Wallex does not report the commission on the order endpoint.
		Fee:       filledQty * filledPrice * w.feeRate,
		Timestamp: resp.CreatedAt.UTC(),
	}, nil
}

func (w *WallexGateway) CancelOrder(ctx context.Context, _ string, orderID string) error {
	return w.call(ctx, "CancelOrder", func() error {
		return w.client.CancelOrder(orderID)
	})
}

// numToFloat safely dereferences *wallex.Number.
func numToFloat(n *wallex.Number) float64 {
	if n == nil {
		return 0
	}
	out, _ := strconv.ParseFloat(string(*n), 64)
	return out
}
