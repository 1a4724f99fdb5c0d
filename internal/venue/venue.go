// Package venue abstracts the single exchange an engine instance trades
// against, so internal/marketdata, internal/execution and internal/engine
// never talk to a concrete exchange client directly.
package venue

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fenwick-trading/confluence-engine/pkg/types"
)

// BarHandler is invoked for every closed (and, where the venue supports it,
// still-forming) candle received over the venue's streaming connection.
type BarHandler func(types.Bar)

// BookHandler is invoked for every order book update.
type BookHandler func(types.OrderBookSnapshot)

// Adapter is the full surface internal/marketdata and internal/execution
// need from a venue. A single engine instance holds exactly one Adapter.
type Adapter interface {
	Name() string

	// Connect establishes streaming connections for the given pairs and
	// timeframes and begins delivering updates to the registered handlers.
	// It must reconnect and resubscribe on drop without the caller's
	// involvement.
	Connect(ctx context.Context, pairs []string, timeframes []types.Timeframe) error
	Disconnect() error

	// Connected reports whether the streaming connection is currently up,
	// consumed by the engine's ws-disconnect circuit breaker.
	Connected() bool

	OnBar(BarHandler)
	OnBook(BookHandler)

	// FetchCandles backfills historical bars via REST, used for cache
	// warm-up and for filling gaps the stream missed.
	FetchCandles(ctx context.Context, pair string, tf types.Timeframe, limit int) ([]types.Bar, error)

	// PlaceOrder submits an order and returns the venue's view of it. For
	// market orders this typically returns a filled or partially-filled
	// order; callers should poll GetOrder for eventual consistency.
	PlaceOrder(ctx context.Context, order types.Order) (types.Order, error)
	CancelOrder(ctx context.Context, pair, orderID string) error
	GetOrder(ctx context.Context, pair, orderID string) (types.Order, error)
	GetOpenOrders(ctx context.Context, pair string) ([]types.Order, error)

	GetBalance(ctx context.Context, asset string) (decimal.Decimal, error)
	GetPositions(ctx context.Context) ([]types.Position, error)

	ServerTime(ctx context.Context) (time.Time, error)
}
