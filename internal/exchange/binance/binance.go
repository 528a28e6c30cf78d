// Package binance implements the exchange client for Binance USD-M futures.
package binance

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/newthinker/riskguard/internal/core"
	"github.com/newthinker/riskguard/internal/exchange"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Name is the venue name.
const Name = "binance"

const testnetURL = "https://testnet.binancefuture.com"

// Config configures the futures client.
type Config struct {
	// BaseURL overrides the REST endpoint, e.g. for the testnet.
	BaseURL string
	Testnet bool
}

// Client talks to Binance futures. One underlying API client is kept per
// API key.
type Client struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	clients map[string]*futures.Client
}

// New creates a Binance futures adapter.
func New(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[string]*futures.Client),
	}
}

// Name returns the venue name.
func (c *Client) Name() string {
	return Name
}

func (c *Client) client(creds exchange.Credentials) (*futures.Client, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if fc, ok := c.clients[creds.APIKey]; ok {
		return fc, nil
	}
	fc := futures.NewClient(creds.APIKey, creds.APISecret)
	switch {
	case c.cfg.BaseURL != "":
		fc.BaseURL = c.cfg.BaseURL
	case c.cfg.Testnet:
		fc.BaseURL = testnetURL
	}
	c.clients[creds.APIKey] = fc
	return fc, nil
}

// GetBalance returns the futures wallet balance.
func (c *Client) GetBalance(ctx context.Context, creds exchange.Credentials) (*exchange.Balance, error) {
	fc, err := c.client(creds)
	if err != nil {
		return nil, err
	}

	acc, err := fc.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, wrap(ctx, fmt.Errorf("get account: %w", err))
	}

	return &exchange.Balance{
		Total:         parse(acc.TotalWalletBalance),
		Available:     parse(acc.AvailableBalance),
		UnrealizedPnl: parse(acc.TotalUnrealizedProfit),
		UpdatedAt:     time.Now().UTC(),
	}, nil
}

// GetPositions returns open futures positions.
func (c *Client) GetPositions(ctx context.Context, creds exchange.Credentials) ([]exchange.Position, error) {
	fc, err := c.client(creds)
	if err != nil {
		return nil, err
	}

	risks, err := fc.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, wrap(ctx, fmt.Errorf("get position risk: %w", err))
	}

	positions := make([]exchange.Position, 0, len(risks))
	for _, r := range risks {
		amt := parse(r.PositionAmt)
		if amt.IsZero() {
			continue
		}
		side := exchange.PositionLong
		if amt.IsNegative() {
			side = exchange.PositionShort
		}
		p := exchange.Position{
			Symbol:        r.Symbol,
			Side:          side,
			Amount:        amt,
			EntryPrice:    parse(r.EntryPrice),
			UnrealizedPnl: parse(r.UnRealizedProfit),
		}
		if hs := string(r.PositionSide); hs != "" && hs != "BOTH" {
			p.HedgeSide = hs
		}
		positions = append(positions, p)
	}
	return positions, nil
}

// CloseAllPositions sends a reduce-only market order against every open
// position. Individual order failures are counted, not returned.
func (c *Client) CloseAllPositions(ctx context.Context, creds exchange.Credentials) (*exchange.ClosePositionsResult, error) {
	positions, err := c.GetPositions(ctx, creds)
	if err != nil {
		return nil, err
	}
	fc, err := c.client(creds)
	if err != nil {
		return nil, err
	}

	result := &exchange.ClosePositionsResult{Timestamp: time.Now().UTC()}
	for _, p := range positions {
		orderID, err := c.closePosition(ctx, fc, p)
		if err != nil {
			c.logger.Warn("failed to close position",
				zap.String("symbol", p.Symbol),
				zap.String("amount", p.Amount.String()),
				zap.Error(err),
			)
			result.FailedCount++
			result.FailedSymbols = append(result.FailedSymbols, p.Symbol)
			continue
		}
		result.ClosedCount++
		result.ClosedOrderIDs = append(result.ClosedOrderIDs, strconv.FormatInt(orderID, 10))
		result.TotalValue = result.TotalValue.Add(p.Notional())
	}
	result.Summarize()
	return result, nil
}

func (c *Client) closePosition(ctx context.Context, fc *futures.Client, p exchange.Position) (int64, error) {
	side := futures.SideTypeSell
	if p.Amount.IsNegative() {
		side = futures.SideTypeBuy
	}

	svc := fc.NewCreateOrderService().
		Symbol(p.Symbol).
		Side(side).
		Type(futures.OrderTypeMarket).
		Quantity(p.Amount.Abs().String())
	if p.HedgeSide != "" {
		svc = svc.PositionSide(futures.PositionSideType(p.HedgeSide))
	} else {
		svc = svc.ReduceOnly(true)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return 0, wrap(ctx, err)
	}
	return res.OrderID, nil
}

func parse(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func wrap(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return core.WrapError(core.ErrExchangeTimeout, err)
	}
	return core.WrapError(core.ErrExchangeFailed, err)
}
