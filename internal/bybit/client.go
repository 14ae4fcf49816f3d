package bybit

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/bywatch/internal/domain"
	"github.com/vadiminshakov/bywatch/pkg/retrier"
)

const (
	// DefaultBaseURL is the Bybit mainnet REST endpoint.
	DefaultBaseURL = "https://api.bybit.com"

	defaultRecvWindowMillis = 5000
	defaultRequestTimeout   = 10 * time.Second

	endpointWalletBalance = "/v5/account/wallet-balance"
	endpointPositionList  = "/v5/position/list"

	settleCoin = "USDT"
)

// envelope is the common Bybit v5 response wrapper.
type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// Client performs signed read-only requests against the Bybit v5 API.
// Transient failures (throttling, network, 5xx) are retried internally with
// capped exponential backoff; auth and payload errors surface immediately.
type Client struct {
	http       *resty.Client
	creds      domain.Credentials
	recvWindow int64
	retrier    *retrier.Retrier
	logger     *zap.Logger
	now        func() time.Time
}

// Option configures the Client.
type Option func(*Client)

// WithBaseURL overrides the API host, mainly for tests.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.http.SetBaseURL(u)
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.http.SetTimeout(d)
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithRetrier overrides the backoff policy.
func WithRetrier(r *retrier.Retrier) Option {
	return func(c *Client) {
		c.retrier = r
	}
}

// WithClock overrides the wall clock used for request timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// NewClient creates a Bybit API client for the given credentials.
func NewClient(creds domain.Credentials, opts ...Option) *Client {
	c := &Client{
		http: resty.New().
			SetBaseURL(DefaultBaseURL).
			SetTimeout(defaultRequestTimeout).
			SetHeader("Accept", "application/json"),
		creds:      creds,
		recvWindow: defaultRecvWindowMillis,
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	// 3 attempts total: 1s, then 2s between them, 30s hard cap on any wait.
	c.retrier = retrier.New(
		retrier.WithInitialInterval(1*time.Second),
		retrier.WithMultiplier(2),
		retrier.WithMaxInterval(30*time.Second),
		retrier.WithMaxRetries(2),
		retrier.WithRetryIf(IsTransient),
	)

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchBalance returns the UNIFIED account view for the settlement coin.
func (c *Client) FetchBalance(ctx context.Context) (domain.BalanceData, error) {
	query := url.Values{}
	query.Set("accountType", "UNIFIED")

	return retrier.DoWithData(c.retrier, ctx, func(ctx context.Context) (domain.BalanceData, error) {
		var result walletBalanceResult
		if err := c.get(ctx, endpointWalletBalance, query, &result); err != nil {
			return domain.BalanceData{}, err
		}
		return result.balanceData()
	})
}

// FetchPositions returns the open linear positions settled in USDT.
// Zero-size rows the exchange keeps reporting for recently closed positions
// are included as-is; snapshot construction filters them.
func (c *Client) FetchPositions(ctx context.Context) ([]domain.Position, error) {
	query := url.Values{}
	query.Set("category", "linear")
	query.Set("settleCoin", settleCoin)

	return retrier.DoWithData(c.retrier, ctx, func(ctx context.Context) ([]domain.Position, error) {
		var result positionListResult
		if err := c.get(ctx, endpointPositionList, query, &result); err != nil {
			return nil, err
		}
		return result.positions()
	})
}

// get performs one signed GET request and decodes the result payload.
// The encoded query string is signed verbatim, so the exact same bytes must
// go on the wire; url.Values.Encode keeps key order stable.
func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	encoded := query.Encode()
	headers := Sign(c.creds, c.now().UnixMilli(), c.recvWindow, encoded)

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryString(encoded).
		SetHeader(headerAPIKey, headers.APIKey).
		SetHeader(headerSignature, headers.Signature).
		SetHeader(headerTimestamp, headers.Timestamp).
		SetHeader(headerRecvWindow, headers.RecvWindow).
		Get(endpoint)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return newTransportError(err)
	}

	if resp.StatusCode() != 200 {
		return newHTTPStatusError(resp.StatusCode(), parseRetryAfter(resp.Header().Get("Retry-After")))
	}

	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return newValidationError("malformed response envelope", err)
	}
	if env.RetCode != 0 {
		apiErr := newRetCodeError(env.RetCode, env.RetMsg)
		c.logger.Debug("bybit returned application error",
			zap.String("endpoint", endpoint),
			zap.Int("ret_code", env.RetCode),
			zap.String("kind", string(apiErr.Kind)))
		return apiErr
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return newValidationError("malformed result payload", err)
	}
	return nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

type walletBalanceResult struct {
	List []struct {
		AccountType string `json:"accountType"`
		Coin        []struct {
			Coin                string `json:"coin"`
			Equity              string `json:"equity"`
			AvailableToWithdraw string `json:"availableToWithdraw"`
			WalletBalance       string `json:"walletBalance"`
		} `json:"coin"`
	} `json:"list"`
}

// balanceData extracts the settlement coin entry. An account without a USDT
// coin entry yields zero balances rather than an error.
func (r walletBalanceResult) balanceData() (domain.BalanceData, error) {
	for _, account := range r.List {
		for _, coin := range account.Coin {
			if coin.Coin != settleCoin {
				continue
			}
			equity, err := parseDecimal("equity", coin.Equity)
			if err != nil {
				return domain.BalanceData{}, err
			}
			available, err := parseDecimal("availableToWithdraw", coin.AvailableToWithdraw)
			if err != nil {
				return domain.BalanceData{}, err
			}
			wallet, err := parseDecimal("walletBalance", coin.WalletBalance)
			if err != nil {
				return domain.BalanceData{}, err
			}
			return domain.BalanceData{
				Equity:           equity,
				AvailableBalance: available,
				WalletBalance:    wallet,
			}, nil
		}
	}
	return domain.BalanceData{}, nil
}

type positionListResult struct {
	List []struct {
		Symbol         string `json:"symbol"`
		Side           string `json:"side"`
		Size           string `json:"size"`
		Leverage       string `json:"leverage"`
		AvgPrice       string `json:"avgPrice"`
		MarkPrice      string `json:"markPrice"`
		LiqPrice       string `json:"liqPrice"`
		PositionValue  string `json:"positionValue"`
		UnrealisedPnl  string `json:"unrealisedPnl"`
		CurRealisedPnl string `json:"curRealisedPnl"`
		CumRealisedPnl string `json:"cumRealisedPnl"`
		TakeProfit     string `json:"takeProfit"`
		StopLoss       string `json:"stopLoss"`
		PositionStatus string `json:"positionStatus"`
		CreatedTime    string `json:"createdTime"`
		UpdatedTime    string `json:"updatedTime"`
	} `json:"list"`
}

func (r positionListResult) positions() ([]domain.Position, error) {
	positions := make([]domain.Position, 0, len(r.List))
	for _, row := range r.List {
		if row.Symbol == "" {
			return nil, newValidationError("position row without symbol", nil)
		}

		pos := domain.Position{
			Symbol:     row.Symbol,
			Side:       domain.Side(row.Side),
			Status:     parsePositionStatus(row.PositionStatus),
			TakeProfit: parseNullDecimal(row.TakeProfit),
			StopLoss:   parseNullDecimal(row.StopLoss),
			CreatedAt:  parseTimeMillis(row.CreatedTime),
			UpdatedAt:  parseTimeMillis(row.UpdatedTime),
		}

		var err error
		for _, field := range []struct {
			name string
			raw  string
			dst  *decimal.Decimal
		}{
			{"size", row.Size, &pos.Size},
			{"leverage", row.Leverage, &pos.Leverage},
			{"avgPrice", row.AvgPrice, &pos.AvgPrice},
			{"markPrice", row.MarkPrice, &pos.MarkPrice},
			{"liqPrice", row.LiqPrice, &pos.LiquidationPrice},
			{"positionValue", row.PositionValue, &pos.PositionValue},
			{"unrealisedPnl", row.UnrealisedPnl, &pos.UnrealisedPnl},
			{"curRealisedPnl", row.CurRealisedPnl, &pos.RealisedPnl},
			{"cumRealisedPnl", row.CumRealisedPnl, &pos.CumRealisedPnl},
		} {
			*field.dst, err = parseDecimal(field.name, field.raw)
			if err != nil {
				return nil, err
			}
		}

		positions = append(positions, pos)
	}
	return positions, nil
}

// parseDecimal converts an exchange numeric string; empty means zero.
func parseDecimal(field, raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, newValidationError("invalid decimal in field "+field, err)
	}
	return d, nil
}

// parseNullDecimal handles optional price levels; the exchange reports ""
// or "0" when take-profit/stop-loss is not set.
func parseNullDecimal(raw string) decimal.NullDecimal {
	if raw == "" || raw == "0" {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

func parsePositionStatus(raw string) domain.PositionStatus {
	switch raw {
	case "Liq":
		return domain.StatusLiquidated
	case "Adl":
		return domain.StatusAutoDeleveraged
	default:
		return domain.StatusNormal
	}
}

func parseTimeMillis(raw string) time.Time {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
