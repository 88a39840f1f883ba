package binance

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/depthcast/collector/errs"
	"github.com/depthcast/collector/internal/schema"
)

const (
	defaultHTTPTimeout   = 10 * time.Second
	defaultSnapshotRate  = rate.Limit(5) // snapshot requests per second across all symbols
	defaultSnapshotBurst = 10
)

// DepthSnapshot is the REST order-book snapshot used for (re)synchronization.
type DepthSnapshot struct {
	LastUpdateID int64
	Bids         []schema.PriceLevel
	Asks         []schema.PriceLevel
}

// Instrument describes one listed contract from exchangeInfo.
type Instrument struct {
	Symbol       string `json:"symbol"`
	Status       string `json:"status"`
	ContractType string `json:"contractType"`
	BaseAsset    string `json:"baseAsset"`
	QuoteAsset   string `json:"quoteAsset"`
}

// Client serves the futures REST surface needed by the collector: depth
// snapshots and the instrument universe. Snapshot calls pass through a rate
// limiter and a circuit breaker so resync storms cannot hammer the venue.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[*DepthSnapshot]
}

// NewClient constructs a REST client for the given base URL.
func NewClient(baseURL string) *Client {
	settings := gobreaker.Settings{
		Name:        "binance-depth-snapshot",
		MaxRequests: 2,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{Timeout: defaultHTTPTimeout},
		limiter: rate.NewLimiter(defaultSnapshotRate, defaultSnapshotBurst),
		breaker: gobreaker.NewCircuitBreaker[*DepthSnapshot](settings),
	}
}

// DepthSnapshot fetches /fapi/v1/depth for the symbol with the given level limit.
func (c *Client) DepthSnapshot(ctx context.Context, symbol string, limit int) (*DepthSnapshot, error) {
	if limit <= 0 {
		limit = 1000
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, errs.New("rest", errs.KindREST, errs.WithMessage("symbol required"))
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("snapshot limiter: %w", err)
	}

	snapshot, err := c.breaker.Execute(func() (*DepthSnapshot, error) {
		return c.fetchDepthSnapshot(ctx, symbol, limit)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, errs.New("rest", errs.KindUnavailable,
				errs.WithMessage("snapshot breaker open"), errs.WithCause(err))
		}
		return nil, err
	}
	return snapshot, nil
}

func (c *Client) fetchDepthSnapshot(ctx context.Context, symbol string, limit int) (*DepthSnapshot, error) {
	endpoint := c.baseURL + "/fapi/v1/depth?" + url.Values{
		"symbol": []string{symbol},
		"limit":  []string{strconv.Itoa(limit)},
	}.Encode()

	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var wire struct {
		LastUpdateID int64      `json:"lastUpdateId"`
		Bids         [][]string `json:"bids"`
		Asks         [][]string `json:"asks"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, errs.New("rest", errs.KindParse,
			errs.WithMessage("depth snapshot payload"), errs.WithCause(err))
	}
	bids, err := toPriceLevels(wire.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := toPriceLevels(wire.Asks)
	if err != nil {
		return nil, err
	}
	return &DepthSnapshot{LastUpdateID: wire.LastUpdateID, Bids: bids, Asks: asks}, nil
}

// ExchangeInfo fetches /fapi/v1/exchangeInfo and returns the listed instruments.
func (c *Client) ExchangeInfo(ctx context.Context) ([]Instrument, error) {
	body, err := c.get(ctx, c.baseURL+"/fapi/v1/exchangeInfo")
	if err != nil {
		return nil, err
	}
	var wire struct {
		Symbols []Instrument `json:"symbols"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, errs.New("rest", errs.KindParse,
			errs.WithMessage("exchangeInfo payload"), errs.WithCause(err))
	}
	return wire.Symbols, nil
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errs.New("rest", errs.KindREST,
			errs.WithMessage("request failed"), errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.New("rest", errs.KindREST,
			errs.WithMessage("read response"), errs.WithCause(err))
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot {
		return nil, errs.New("rest", errs.KindRateLimited, errs.WithHTTP(resp.StatusCode),
			errs.WithMessage("rate limited"))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		msg := strings.TrimSpace(string(body))
		if len(msg) > 256 {
			msg = msg[:256]
		}
		return nil, errs.New("rest", errs.KindREST, errs.WithHTTP(resp.StatusCode),
			errs.WithMessage(msg))
	}
	return body, nil
}

// TradableUSDTPerps filters instruments down to actively trading USDT-margined
// perpetuals and returns their symbols in the venue's listing order.
func TradableUSDTPerps(instruments []Instrument) []string {
	out := make([]string, 0, len(instruments))
	for _, inst := range instruments {
		if !strings.EqualFold(inst.Status, "TRADING") {
			continue
		}
		if !strings.EqualFold(inst.ContractType, "PERPETUAL") {
			continue
		}
		if !strings.EqualFold(inst.QuoteAsset, "USDT") {
			continue
		}
		out = append(out, strings.ToUpper(inst.Symbol))
	}
	return out
}
