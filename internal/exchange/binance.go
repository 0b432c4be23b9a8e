package exchange

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"botfleet/internal/market"
)

// BinanceGateway trades USDT-margined futures through the Binance API.
type BinanceGateway struct {
	client  *futures.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	feeRate float64
}

func NewBinanceGateway(apiKey, secretKey string, feeRate float64) *BinanceGateway {
	httpClient := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	client := futures.NewClient(apiKey, secretKey)
	client.HTTPClient = httpClient

	return &BinanceGateway{
		client:  client,
		breaker: newBreaker("binance"),
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		feeRate: feeRate,
	}
}

func (b *BinanceGateway) Name() string { return "binance" }

func (b *BinanceGateway) call(ctx context.Context, op string, fn func() error) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	return retry(ctx, 3, time.Second, b.Name(), op, func() error {
		_, err := b.breaker.Execute(func() (any, error) {
			return nil, fn()
		})
		return err
	})
}

func (b *BinanceGateway) FetchSnapshot(ctx context.Context, symbol string) (market.Snapshot, error) {
	normalized := normalizeSymbol(symbol)

	var stats []*futures.PriceChangeStats
	if err := b.call(ctx, "FetchSnapshot", func() error {
		var err error
		stats, err = b.client.NewListPriceChangeStatsService().Symbol(normalized).Do(ctx)
		return err
	}); err != nil {
		return market.Snapshot{}, err
	}
	if len(stats) == 0 {
		return market.Snapshot{}, wrapErr(b.Name(), "FetchSnapshot", fmt.Errorf("no ticker for symbol %s", symbol))
	}
	price, _ := strconv.ParseFloat(stats[0].LastPrice, 64)
	changePct, _ := strconv.ParseFloat(stats[0].PriceChangePercent, 64)

	end := time.Now().UTC()
	start := end.Add(-24 * time.Hour)
	var klines []*futures.Kline
	if err := b.call(ctx, "FetchSnapshot", func() error {
		var err error
		klines, err = b.client.NewKlinesService().
			Symbol(normalized).
			Interval("1h").
			StartTime(start.UnixMilli()).
			EndTime(end.UnixMilli()).
			Do(ctx)
		return err
	}); err != nil {
		return market.Snapshot{}, err
	}

	recent := make([]market.Candle, 0, len(klines))
	for _, k := range klines {
		open, _ := strconv.ParseFloat(k.Open, 64)
		high, _ := strconv.ParseFloat(k.High, 64)
		low, _ := strconv.ParseFloat(k.Low, 64)
		closePrice, _ := strconv.ParseFloat(k.Close, 64)
		volume, _ := strconv.ParseFloat(k.Volume, 64)
		recent = append(recent, market.Candle{
			Timestamp: time.UnixMilli(k.OpenTime).UTC(),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closePrice,
			Volume:    volume,
		})
	}

	return market.Snapshot{
		Symbol:    symbol,
		Price:     price,
		ChangePct: changePct,
		Recent:    recent,
		Timestamp: time.Now().UTC(),
	}, nil
}

func (b *BinanceGateway) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResponse, error) {
	svc := b.client.NewCreateOrderService().
		Symbol(normalizeSymbol(req.Symbol)).
		Side(futures.SideType(strings.ToUpper(req.Side))).
		Quantity(strconv.FormatFloat(req.Quantity, 'f', 8, 64))

	if req.Type == "limit" {
		svc = svc.Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Price(strconv.FormatFloat(req.Price, 'f', 8, 64))
	} else {
		svc = svc.Type(futures.OrderTypeMarket)
	}

	var resp *futures.CreateOrderResponse
	if err := b.call(ctx, "PlaceOrder", func() error {
		var err error
		resp, err = svc.Do(ctx)
		return err
	}); err != nil {
		return OrderResponse{}, err
	}

	filledQty, _ := strconv.ParseFloat(resp.ExecutedQuantity, 64)
	filledPrice, _ := strconv.ParseFloat(resp.AvgPrice, 64)
	if filledPrice == 0 {
		filledPrice = req.Price
	}
	return OrderResponse{
		OrderID:     strconv.FormatInt(resp.OrderID, 10),
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        req.Type,
		Status:      string(resp.Status),
		FilledQty:   filledQty,
		FilledPrice: filledPrice,
		Fee:         filledQty * filledPrice * b.feeRate,
		Timestamp:   time.UnixMilli(resp.UpdateTime).UTC(),
	}, nil
}

func (b *BinanceGateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return wrapErr(b.Name(), "CancelOrder", fmt.Errorf("bad order id %q: %w", orderID, err))
	}
	return b.call(ctx, "CancelOrder", func() error {
		_, err := b.client.NewCancelOrderService().
			Symbol(normalizeSymbol(symbol)).
			OrderID(id).
			Do(ctx)
		return err
	})
}
