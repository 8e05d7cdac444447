package pricefeed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	cowQuotePath   = "/quote"
	zeroAddressHex = "0x0000000000000000000000000000000000000000"
	defaultCowBase = "https://api.cow.fi/mainnet/api/v1"
)

// MarketOptions parameterise the CoW Protocol trading price source.
type MarketOptions struct {
	BaseURL      string
	PriceQuality string
	// Notional is the amount of the rebasable token quoted for sale.
	Notional     decimal.Decimal
	Timeout      time.Duration
	UserAgent    string
	AppCode      string
	SellToken    string
	BuyToken     string
	SellDecimals int32
	BuyDecimals  int32
}

// Market derives the trading price of the rebasable token from a CoW Protocol
// sell quote into the quote asset.
type Market struct {
	opts    MarketOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewMarket constructs a market source.
func NewMarket(opts MarketOptions, logger zerolog.Logger) *Market {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultCowBase
	}
	if opts.AppCode == "" {
		opts.AppCode = "rebaser"
	}

	return &Market{
		opts:    opts,
		logger:  logger.With().Str("component", "market_price").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// FetchPrice requests a quote and returns quote-asset units per token.
func (m *Market) FetchPrice(ctx context.Context) (Price, error) {
	if !m.opts.Notional.IsPositive() {
		return Price{}, errors.New("notional must be greater than zero")
	}
	if m.opts.SellToken == "" || m.opts.BuyToken == "" {
		return Price{}, errors.New("sellToken and buyToken addresses required")
	}

	sellAtoms := m.opts.Notional.Shift(m.opts.SellDecimals).Round(0)
	if sellAtoms.IsZero() {
		return Price{}, errors.New("sell amount rounded to zero")
	}

	reqPayload := quoteRequest{
		SellToken:           m.opts.SellToken,
		BuyToken:            m.opts.BuyToken,
		Kind:                "sell",
		From:                zeroAddressHex,
		AppData:             fmt.Sprintf(`{"version":"0.7.0","appCode":%q,"metadata":{}}`, m.opts.AppCode),
		PriceQuality:        m.opts.PriceQuality,
		SellAmountBeforeFee: sellAtoms.StringFixed(0),
		ValidTo:             uint64(time.Now().Add(5 * time.Minute).Unix()),
	}

	body, err := json.Marshal(reqPayload)
	if err != nil {
		return Price{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+cowQuotePath, bytes.NewReader(body))
	if err != nil {
		return Price{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(m.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "rebaser/1.0")
	}
	req.Header.Set("X-AppId", m.opts.AppCode)

	resp, err := m.client.Do(req)
	if err != nil {
		return Price{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Price{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Price{}, parseHTTPError(resp.StatusCode, payload)
	}

	var quoteRes quoteResponse
	if err := json.Unmarshal(payload, &quoteRes); err != nil {
		return Price{}, err
	}

	buyAtoms, err := decimal.NewFromString(quoteRes.Quote.BuyAmount)
	if err != nil {
		return Price{}, fmt.Errorf("parse buy amount: %w", err)
	}
	if buyAtoms.IsZero() {
		return Price{}, errors.New("buy amount returned zero")
	}

	bought := buyAtoms.Shift(-m.opts.BuyDecimals)
	sold := sellAtoms.Shift(-m.opts.SellDecimals)
	rate := bought.DivRound(sold, 18)

	quality := quoteRes.PriceQuality
	if quality == "" {
		quality = m.opts.PriceQuality
	}

	m.logger.Debug().Str("price", rate.String()).Str("quality", quality).Msg("market quote received")
	return Price{Value: rate, Source: "cow", Quality: quality, Raw: json.RawMessage(payload)}, nil
}

type quoteRequest struct {
	SellToken           string `json:"sellToken"`
	BuyToken            string `json:"buyToken"`
	Kind                string `json:"kind"`
	From                string `json:"from"`
	AppData             string `json:"appData"`
	PriceQuality        string `json:"priceQuality,omitempty"`
	SellAmountBeforeFee string `json:"sellAmountBeforeFee"`
	ValidTo             uint64 `json:"validTo"`
}

type quoteResponse struct {
	Quote struct {
		SellAmount string `json:"sellAmount"`
		BuyAmount  string `json:"buyAmount"`
		FeeAmount  string `json:"feeAmount"`
		SellToken  string `json:"sellToken"`
		BuyToken   string `json:"buyToken"`
	} `json:"quote"`
	PriceQuality string `json:"priceQuality"`
}

type errorResponse struct {
	ErrorType   string `json:"errorType"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		switch {
		case apiErr.Description != "":
			return fmt.Errorf("cow api error (%d): %s", status, apiErr.Description)
		case apiErr.Message != "":
			return fmt.Errorf("cow api error (%d): %s", status, apiErr.Message)
		case apiErr.ErrorType != "":
			return fmt.Errorf("cow api error (%d): %s", status, apiErr.ErrorType)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("cow api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("cow api error (%d)", status)
}

var _ Source = (*Market)(nil)
