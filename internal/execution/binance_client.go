package execution

import (
	"context"
	"fmt"
	"sync"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
)

// Client adapts *binance.Client to SpotAPI and caches exchange info.
type Client struct {
	api *binance.Client

	mu      sync.Mutex
	symbols map[string]SymbolInfo
}

// NewClient creates a signed spot client.
func NewClient(apiKey, secretKey string) *Client {
	return &Client{
		api:     binance.NewClient(apiKey, secretKey),
		symbols: make(map[string]SymbolInfo),
	}
}

func (c *Client) MarketOrder(ctx context.Context, symbol string, side binance.SideType, quoteQty, qty string) (*binance.CreateOrderResponse, error) {
	svc := c.api.NewCreateOrderService().
		Symbol(symbol).
		Side(side).
		Type(binance.OrderTypeMarket).
		NewOrderRespType(binance.NewOrderRespTypeFULL)
	if quoteQty != "" {
		svc.QuoteOrderQty(quoteQty)
	} else {
		svc.Quantity(qty)
	}
	return svc.Do(ctx)
}

func (c *Client) FreeBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	acct, err := c.api.NewGetAccountService().Do(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	for _, b := range acct.Balances {
		if b.Asset == asset {
			return decimal.NewFromString(b.Free)
		}
	}
	return decimal.Zero, nil
}

func (c *Client) SymbolInfo(ctx context.Context, symbol string) (SymbolInfo, error) {
	c.mu.Lock()
	info, ok := c.symbols[symbol]
	c.mu.Unlock()
	if ok {
		return info, nil
	}

	res, err := c.api.NewExchangeInfoService().Symbol(symbol).Do(ctx)
	if err != nil {
		return SymbolInfo{}, err
	}
	if len(res.Symbols) == 0 {
		return SymbolInfo{}, fmt.Errorf("unknown symbol %s", symbol)
	}
	s := res.Symbols[0]
	info = SymbolInfo{Base: s.BaseAsset, Quote: s.QuoteAsset}
	if lot := s.LotSizeFilter(); lot != nil {
		info.StepSize, _ = decimal.NewFromString(lot.StepSize)
	}

	c.mu.Lock()
	c.symbols[symbol] = info
	c.mu.Unlock()
	return info, nil
}
