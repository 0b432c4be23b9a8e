package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"botfleet/internal/market"
)

// SimGateway is a paper venue: orders fill immediately at the current
// simulated price. It backs the "sim" mode and the package tests.
type SimGateway struct {
	mu       sync.Mutex
	prices   map[string]float64
	history  map[string][]market.Candle
	orderSeq int64
	feeRate  float64

	failFetch error
	failPlace error
}

func NewSimGateway(feeRate float64) *SimGateway {
	return &SimGateway{
		prices:   make(map[string]float64),
		history:  make(map[string][]market.Candle),
		orderSeq: 1000,
		feeRate:  feeRate,
	}
}

func (s *SimGateway) Name() string { return "sim" }

// SetPrice sets the current price for a symbol and appends a synthetic bar.
func (s *SimGateway) SetPrice(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = price
	s.history[symbol] = append(s.history[symbol], market.Candle{
		Timestamp: time.Now().UTC(),
		Open:      price,
		High:      price,
		Low:       price,
		Close:     price,
		Volume:    1,
	})
	if len(s.history[symbol]) > 500 {
		s.history[symbol] = s.history[symbol][len(s.history[symbol])-500:]
	}
}

// FailNextFetch makes the next FetchSnapshot calls return err until reset
// with nil.
func (s *SimGateway) FailNextFetch(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failFetch = err
}

// FailNextPlace makes PlaceOrder return err until reset with nil.
func (s *SimGateway) FailNextPlace(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPlace = err
}

func (s *SimGateway) FetchSnapshot(ctx context.Context, symbol string) (market.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return market.Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFetch != nil {
		return market.Snapshot{}, wrapErr(s.Name(), "FetchSnapshot", s.failFetch)
	}
	price, ok := s.prices[symbol]
	if !ok {
		return market.Snapshot{}, wrapErr(s.Name(), "FetchSnapshot", fmt.Errorf("unknown symbol %s", symbol))
	}
	recent := make([]market.Candle, len(s.history[symbol]))
	copy(recent, s.history[symbol])
	return market.Snapshot{
		Symbol:    symbol,
		Price:     price,
		Recent:    recent,
		Timestamp: time.Now().UTC(),
	}, nil
}

func (s *SimGateway) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResponse, error) {
	if err := ctx.Err(); err != nil {
		return OrderResponse{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPlace != nil {
		return OrderResponse{}, wrapErr(s.Name(), "PlaceOrder", s.failPlace)
	}
	price, ok := s.prices[req.Symbol]
	if !ok {
		return OrderResponse{}, wrapErr(s.Name(), "PlaceOrder", fmt.Errorf("unknown symbol %s", req.Symbol))
	}
	if req.Type == "limit" && req.Price > 0 {
		price = req.Price
	}
	s.orderSeq++
	return OrderResponse{
		OrderID:     fmt.Sprintf("sim-%d", s.orderSeq),
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        req.Type,
		Status:      "FILLED",
		FilledQty:   req.Quantity,
		FilledPrice: price,
		Fee:         req.Quantity * price * s.feeRate,
		Timestamp:   time.Now().UTC(),
	}, nil
}

func (s *SimGateway) CancelOrder(ctx context.Context, _, _ string) error {
	return ctx.Err()
}
