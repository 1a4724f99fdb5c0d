package venue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fenwick-trading/confluence-engine/internal/errtax"
	"github.com/fenwick-trading/confluence-engine/pkg/types"
)

// classifyVenueErr maps a Binance API error onto the engine's error
// taxonomy: 4xx request/auth/balance problems are permanent (never retried),
// everything else -- timeouts, 5xx, disconnects -- is transient.
func classifyVenueErr(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) && apiErr.Code != 0 {
		// Binance uses negative codes; -1xxx are request/auth/limit faults.
		return errtax.Classify("venue", errtax.Permanent, err)
	}
	return errtax.Classify("venue", errtax.Transient, err)
}

// BinanceAdapter implements Adapter against Binance spot, using go-binance/v2
// for REST and its websocket streaming helpers for the live feed. Reconnect
// logic follows the same "resubscribe everything on drop" shape the
// teacher's raw-websocket market data client used, just against a typed
// client instead of hand-parsed JSON frames.
type BinanceAdapter struct {
	client  *binance.Client
	limiter *rate.Limiter
	logger  *zap.Logger

	mu           sync.Mutex
	barHandlers  []BarHandler
	bookHandlers []BookHandler
	stopFuncs    []func() error
	streamErrors int
}

// NewBinanceAdapter builds a client against testnet or production REST
// endpoints depending on cfg.Testnet.
func NewBinanceAdapter(cfg types.ExchangeConfig, logger *zap.Logger) *BinanceAdapter {
	client := binance.NewClient(cfg.APIKey, cfg.APISecret)
	if cfg.Testnet {
		binance.UseTestnet = true
	}
	rl := cfg.RateLimitPerSec
	if rl <= 0 {
		rl = 10
	}
	return &BinanceAdapter{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(rl), rl),
		logger:  logger,
	}
}

func (b *BinanceAdapter) Name() string { return "binance" }

func (b *BinanceAdapter) OnBar(h BarHandler) {
	b.mu.Lock()
	b.barHandlers = append(b.barHandlers, h)
	b.mu.Unlock()
}
func (b *BinanceAdapter) OnBook(h BookHandler) {
	b.mu.Lock()
	b.bookHandlers = append(b.bookHandlers, h)
	b.mu.Unlock()
}

func (b *BinanceAdapter) emitBar(bar types.Bar) {
	b.mu.Lock()
	handlers := append([]BarHandler(nil), b.barHandlers...)
	b.mu.Unlock()
	for _, h := range handlers {
		h(bar)
	}
}

func (b *BinanceAdapter) emitBook(book types.OrderBookSnapshot) {
	b.mu.Lock()
	handlers := append([]BookHandler(nil), b.bookHandlers...)
	b.mu.Unlock()
	for _, h := range handlers {
		h(book)
	}
}

func binanceInterval(tf types.Timeframe) string {
	switch tf {
	case types.Timeframe1m:
		return "1m"
	case types.Timeframe5m:
		return "5m"
	case types.Timeframe15m:
		return "15m"
	case types.Timeframe30m:
		return "30m"
	case types.Timeframe1h:
		return "1h"
	case types.Timeframe4h:
		return "4h"
	case types.Timeframe1d:
		return "1d"
	default:
		return string(tf)
	}
}

// Connect opens one kline stream per pair/timeframe pair and one partial
// depth stream per pair. On a stream error it resubscribes with backoff
// rather than surfacing the error to the caller, matching the teacher's
// reconnect loop in its raw market data client.
func (b *BinanceAdapter) Connect(ctx context.Context, pairs []string, timeframes []types.Timeframe) error {
	for _, pair := range pairs {
		for _, tf := range timeframes {
			if err := b.subscribeKline(ctx, pair, tf); err != nil {
				return fmt.Errorf("subscribe kline %s/%s: %w", pair, tf, err)
			}
		}
		if err := b.subscribeDepth(ctx, pair); err != nil {
			return fmt.Errorf("subscribe depth %s: %w", pair, err)
		}
	}
	return nil
}

func (b *BinanceAdapter) subscribeKline(ctx context.Context, pair string, tf types.Timeframe) error {
	interval := binanceInterval(tf)
	handler := func(event *binance.WsKlineEvent) {
		k := event.Kline
		open, _ := decimal.NewFromString(k.Open)
		high, _ := decimal.NewFromString(k.High)
		low, _ := decimal.NewFromString(k.Low)
		closeP, _ := decimal.NewFromString(k.Close)
		vol, _ := decimal.NewFromString(k.Volume)
		b.emitBar(types.Bar{
			Pair:      pair,
			Timeframe: tf,
			OpenTime:  time.UnixMilli(k.StartTime),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closeP,
			Volume:    vol,
			Closed:    k.IsFinal,
		})
	}
	errHandler := func(err error) {
		b.logger.Warn("kline stream error, resubscribing", zap.String("pair", pair), zap.String("interval", interval), zap.Error(err))
		b.mu.Lock()
		b.streamErrors++
		b.mu.Unlock()
		time.AfterFunc(2*time.Second, func() {
			if b.subscribeKline(ctx, pair, tf) == nil {
				b.mu.Lock()
				b.streamErrors--
				b.mu.Unlock()
			}
		})
	}
	_, stop, err := binance.WsKlineServe(pair, interval, handler, errHandler)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.stopFuncs = append(b.stopFuncs, func() error { stop <- struct{}{}; return nil })
	b.mu.Unlock()
	return nil
}

func (b *BinanceAdapter) subscribeDepth(ctx context.Context, pair string) error {
	handler := func(event *binance.WsPartialDepthEvent) {
		bids := make([]types.OrderBookLevel, 0, len(event.Bids))
		for _, lvl := range event.Bids {
			p, _ := decimal.NewFromString(lvl.Price)
			q, _ := decimal.NewFromString(lvl.Quantity)
			bids = append(bids, types.OrderBookLevel{Price: p, Quantity: q})
		}
		asks := make([]types.OrderBookLevel, 0, len(event.Asks))
		for _, lvl := range event.Asks {
			p, _ := decimal.NewFromString(lvl.Price)
			q, _ := decimal.NewFromString(lvl.Quantity)
			asks = append(asks, types.OrderBookLevel{Price: p, Quantity: q})
		}
		b.emitBook(types.OrderBookSnapshot{Pair: pair, Bids: bids, Asks: asks, UpdatedAt: time.Now()})
	}
	errHandler := func(err error) {
		b.logger.Warn("depth stream error, resubscribing", zap.String("pair", pair), zap.Error(err))
		b.mu.Lock()
		b.streamErrors++
		b.mu.Unlock()
		time.AfterFunc(2*time.Second, func() {
			if b.subscribeDepth(ctx, pair) == nil {
				b.mu.Lock()
				b.streamErrors--
				b.mu.Unlock()
			}
		})
	}
	_, stop, err := binance.WsPartialDepthServe(pair, "20", handler, errHandler)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.stopFuncs = append(b.stopFuncs, func() error { stop <- struct{}{}; return nil })
	b.mu.Unlock()
	return nil
}

// Connected reports whether all subscribed streams are healthy: true once
// Connect has succeeded and no stream is currently waiting on a resubscribe.
func (b *BinanceAdapter) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.stopFuncs) > 0 && b.streamErrors == 0
}

func (b *BinanceAdapter) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, stop := range b.stopFuncs {
		_ = stop()
	}
	b.stopFuncs = nil
	return nil
}

func (b *BinanceAdapter) FetchCandles(ctx context.Context, pair string, tf types.Timeframe, limit int) ([]types.Bar, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	klines, err := b.client.NewKlinesService().
		Symbol(pair).
		Interval(binanceInterval(tf)).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch candles %s/%s: %w", pair, tf, classifyVenueErr(err))
	}
	bars := make([]types.Bar, 0, len(klines))
	for _, k := range klines {
		open, _ := decimal.NewFromString(k.Open)
		high, _ := decimal.NewFromString(k.High)
		low, _ := decimal.NewFromString(k.Low)
		closeP, _ := decimal.NewFromString(k.Close)
		vol, _ := decimal.NewFromString(k.Volume)
		bars = append(bars, types.Bar{
			Pair:      pair,
			Timeframe: tf,
			OpenTime:  time.UnixMilli(k.OpenTime),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closeP,
			Volume:    vol,
			Closed:    true,
		})
	}
	return bars, nil
}

func (b *BinanceAdapter) PlaceOrder(ctx context.Context, order types.Order) (types.Order, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return order, err
	}
	side := binance.SideTypeBuy
	if order.Side == types.OrderSideSell {
		side = binance.SideTypeSell
	}
	svc := b.client.NewCreateOrderService().
		Symbol(order.Symbol).
		Side(side).
		Type(binance.OrderTypeMarket).
		Quantity(order.Quantity.String())
	resp, err := svc.Do(ctx)
	if err != nil {
		return order, fmt.Errorf("place order %s: %w", order.Symbol, classifyVenueErr(err))
	}
	filled, _ := decimal.NewFromString(resp.ExecutedQuantity)
	avgPrice := order.Price
	order.ID = fmt.Sprintf("%d", resp.OrderID)
	order.Status = types.OrderStatusFilled
	order.FilledQty = filled
	order.AvgFillPrice = avgPrice
	order.UpdatedAt = time.Now()
	return order, nil
}

func (b *BinanceAdapter) CancelOrder(ctx context.Context, pair, orderID string) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	var id int64
	fmt.Sscanf(orderID, "%d", &id)
	_, err := b.client.NewCancelOrderService().Symbol(pair).OrderID(id).Do(ctx)
	return err
}

func (b *BinanceAdapter) GetOrder(ctx context.Context, pair, orderID string) (types.Order, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return types.Order{}, err
	}
	var id int64
	fmt.Sscanf(orderID, "%d", &id)
	resp, err := b.client.NewGetOrderService().Symbol(pair).OrderID(id).Do(ctx)
	if err != nil {
		return types.Order{}, err
	}
	price, _ := decimal.NewFromString(resp.Price)
	filled, _ := decimal.NewFromString(resp.ExecutedQuantity)
	return types.Order{
		ID:        orderID,
		Symbol:    pair,
		Price:     price,
		FilledQty: filled,
		Status:    types.OrderStatus(resp.Status),
		UpdatedAt: time.Now(),
	}, nil
}

func (b *BinanceAdapter) GetOpenOrders(ctx context.Context, pair string) ([]types.Order, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := b.client.NewListOpenOrdersService().Symbol(pair).Do(ctx)
	if err != nil {
		return nil, err
	}
	orders := make([]types.Order, 0, len(resp))
	for _, o := range resp {
		price, _ := decimal.NewFromString(o.Price)
		qty, _ := decimal.NewFromString(o.OrigQuantity)
		orders = append(orders, types.Order{
			ID:       fmt.Sprintf("%d", o.OrderID),
			Symbol:   o.Symbol,
			Price:    price,
			Quantity: qty,
			Status:   types.OrderStatus(o.Status),
		})
	}
	return orders, nil
}

func (b *BinanceAdapter) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return decimal.Zero, err
	}
	acct, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	for _, bal := range acct.Balances {
		if bal.Asset == asset {
			free, _ := decimal.NewFromString(bal.Free)
			return free, nil
		}
	}
	return decimal.Zero, nil
}

func (b *BinanceAdapter) GetPositions(ctx context.Context) ([]types.Position, error) {
	// Spot has no native "position" concept; callers derive open exposure
	// from the local ledger instead. Kept to satisfy Adapter.
	return nil, nil
}

func (b *BinanceAdapter) ServerTime(ctx context.Context) (time.Time, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return time.Time{}, err
	}
	ms, err := b.client.NewServerTimeService().Do(ctx)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}
