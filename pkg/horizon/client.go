package horizon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrNoNativeBalance is returned when an account record carries no native balance entry.
var ErrNoNativeBalance = errors.New("horizon: account has no native balance")

// StatusError is a non-success Horizon response that is not treated as an empty account.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("horizon %s: status %d: %s", e.Op, e.Code, e.Body)
}

// Ledger is the subset of a Horizon ledger record used for supply figures.
type Ledger struct {
	Sequence   int64
	ClosedAt   time.Time
	TotalCoins decimal.Decimal
	FeePool    decimal.Decimal
}

type Client struct {
	base   string
	client *http.Client
	log    zerolog.Logger
}

func NewClient(base string, httpClient *http.Client, log zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		base:   strings.TrimRight(base, "/"),
		client: httpClient,
		log:    log.With().Str("component", "horizon").Logger(),
	}
}

// Endpoint returns the Horizon base URL the client talks to.
func (c *Client) Endpoint() string { return c.base }

// NativeBalance returns the native (XLM) balance of an account. Accounts that
// Horizon reports as missing (404) or invalid (400) have a zero balance: they
// were never funded, were merged away, or the id is malformed.
func (c *Client) NativeBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	if accountID == "" {
		return decimal.Zero, errors.New("horizon: empty account id")
	}
	u := c.base + "/accounts/" + url.PathEscape(accountID)
	resp, err := c.get(ctx, u)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "horizon account %s", accountID)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusBadRequest:
		c.log.Warn().Str("account", accountID).Int("status", resp.StatusCode).
			Msg("account not found or invalid, treating as 0 balance")
		return decimal.Zero, nil
	default:
		b, _ := io.ReadAll(resp.Body)
		c.log.Error().Str("account", accountID).Int("status", resp.StatusCode).Msg("balance fetch failed")
		return decimal.Zero, &StatusError{Op: "account " + accountID, Code: resp.StatusCode, Body: string(b)}
	}

	var out struct {
		Balances []struct {
			Balance   string `json:"balance"`
			AssetType string `json:"asset_type"`
		} `json:"balances"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return decimal.Zero, errors.Wrapf(err, "decode account %s", accountID)
	}
	for _, b := range out.Balances {
		if b.AssetType != "native" {
			continue
		}
		v, err := decimal.NewFromString(b.Balance)
		if err != nil {
			return decimal.Zero, errors.Wrapf(err, "parse native balance of %s", accountID)
		}
		return v, nil
	}
	return decimal.Zero, errors.Wrap(ErrNoNativeBalance, accountID)
}

// LatestLedger returns the most recently closed ledger.
func (c *Client) LatestLedger(ctx context.Context) (*Ledger, error) {
	u := c.base + "/ledgers?order=desc&limit=1"
	resp, err := c.get(ctx, u)
	if err != nil {
		return nil, errors.Wrap(err, "horizon latest ledger")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, &StatusError{Op: "latest ledger", Code: resp.StatusCode, Body: string(b)}
	}
	var out struct {
		Embedded struct {
			Records []struct {
				Sequence   int64     `json:"sequence"`
				ClosedAt   time.Time `json:"closed_at"`
				TotalCoins string    `json:"total_coins"`
				FeePool    string    `json:"fee_pool"`
			} `json:"records"`
		} `json:"_embedded"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.Wrap(err, "decode latest ledger")
	}
	if len(out.Embedded.Records) == 0 {
		return nil, errors.New("horizon latest ledger: no records")
	}
	rec := out.Embedded.Records[0]
	total, err := decimal.NewFromString(rec.TotalCoins)
	if err != nil {
		return nil, errors.Wrap(err, "parse total_coins")
	}
	fee, err := decimal.NewFromString(rec.FeePool)
	if err != nil {
		return nil, errors.Wrap(err, "parse fee_pool")
	}
	return &Ledger{Sequence: rec.Sequence, ClosedAt: rec.ClosedAt.UTC(), TotalCoins: total, FeePool: fee}, nil
}

func (c *Client) get(ctx context.Context, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	return c.client.Do(req)
}
