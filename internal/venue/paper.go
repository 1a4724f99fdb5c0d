package venue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fenwick-trading/confluence-engine/pkg/types"
)

// PaperAdapter simulates fills against the last known price from an
// upstream market-data feed, applying a fixed symmetric slippage to every
// side. It wraps a real Adapter for market data (bars/book/candles) and
// only fakes the order-placement half, so paper mode still sees a live
// feed. Grounded on the teacher's simulateExecution in internal/execution/
// executor.go.
type PaperAdapter struct {
	feed        Adapter
	slippagePct decimal.Decimal
	logger      *zap.Logger

	mu        sync.Mutex
	lastPrice map[string]decimal.Decimal
	orders    map[string]types.Order
	balances  map[string]decimal.Decimal
}

// NewPaperAdapter wraps feed (typically a BinanceAdapter used read-only) and
// simulates fills at lastPrice +/- slippagePct.
func NewPaperAdapter(feed Adapter, slippagePct decimal.Decimal, startingBalances map[string]decimal.Decimal, logger *zap.Logger) *PaperAdapter {
	p := &PaperAdapter{
		feed:        feed,
		slippagePct: slippagePct,
		logger:      logger,
		lastPrice:   make(map[string]decimal.Decimal),
		orders:      make(map[string]types.Order),
		balances:    startingBalances,
	}
	feed.OnBar(func(bar types.Bar) {
		p.mu.Lock()
		p.lastPrice[bar.Pair] = bar.Close
		p.mu.Unlock()
	})
	return p
}

func (p *PaperAdapter) Name() string { return "paper:" + p.feed.Name() }

func (p *PaperAdapter) Connect(ctx context.Context, pairs []string, timeframes []types.Timeframe) error {
	return p.feed.Connect(ctx, pairs, timeframes)
}
func (p *PaperAdapter) Disconnect() error    { return p.feed.Disconnect() }
func (p *PaperAdapter) Connected() bool      { return p.feed.Connected() }
func (p *PaperAdapter) OnBar(h BarHandler)   { p.feed.OnBar(h) }
func (p *PaperAdapter) OnBook(h BookHandler) { p.feed.OnBook(h) }

func (p *PaperAdapter) FetchCandles(ctx context.Context, pair string, tf types.Timeframe, limit int) ([]types.Bar, error) {
	bars, err := p.feed.FetchCandles(ctx, pair, tf, limit)
	if err != nil {
		return nil, err
	}
	if len(bars) > 0 {
		p.mu.Lock()
		p.lastPrice[pair] = bars[len(bars)-1].Close
		p.mu.Unlock()
	}
	return bars, nil
}

func (p *PaperAdapter) PlaceOrder(ctx context.Context, order types.Order) (types.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ref, ok := p.lastPrice[order.Symbol]
	if !ok || ref.IsZero() {
		return order, fmt.Errorf("no reference price for %s", order.Symbol)
	}
	fillPrice := ref
	if order.Side == types.OrderSideBuy {
		fillPrice = ref.Mul(decimal.NewFromInt(1).Add(p.slippagePct))
	} else {
		fillPrice = ref.Mul(decimal.NewFromInt(1).Sub(p.slippagePct))
	}
	order.ID = uuid.NewString()
	order.Status = types.OrderStatusFilled
	order.FilledQty = order.Quantity
	order.AvgFillPrice = fillPrice
	now := time.Now()
	order.UpdatedAt = now
	order.FilledAt = &now
	p.orders[order.ID] = order
	p.logger.Debug("paper fill", zap.String("pair", order.Symbol), zap.String("side", string(order.Side)), zap.String("price", fillPrice.String()))
	return order, nil
}

func (p *PaperAdapter) CancelOrder(ctx context.Context, pair, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.orders, orderID)
	return nil
}

func (p *PaperAdapter) GetOrder(ctx context.Context, pair, orderID string) (types.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return types.Order{}, fmt.Errorf("unknown paper order %s", orderID)
	}
	return o, nil
}

func (p *PaperAdapter) GetOpenOrders(ctx context.Context, pair string) ([]types.Order, error) {
	return nil, nil // paper orders fill immediately, never stay open
}

func (p *PaperAdapter) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balances[asset], nil
}

func (p *PaperAdapter) GetPositions(ctx context.Context) ([]types.Position, error) {
	return nil, nil
}

func (p *PaperAdapter) ServerTime(ctx context.Context) (time.Time, error) {
	return time.Now(), nil
}
