package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	defaultCoinbaseEndpoint = "https://api.coinbase.com/v2/prices/BTC-USD/spot"
	defaultKrakenEndpoint   = "https://api.kraken.com/0/public/Ticker?pair=XBTUSD"
	defaultBinanceEndpoint  = "https://api.binance.com/api/v3/ticker/price?symbol=BTCUSDT"
)

type httpSource struct {
	name     string
	endpoint string
	client   *http.Client
	parse    func([]byte) (float64, error)
}

func (s *httpSource) Name() string { return s.name }

func (s *httpSource) FetchUSDPerBTC(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return 0, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("%s: status %d: %s", s.name, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return 0, fmt.Errorf("%s: read: %w", s.name, err)
	}
	price, err := s.parse(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", s.name, err)
	}
	if price <= 0 {
		return 0, fmt.Errorf("%s: non-positive price", s.name)
	}
	return price, nil
}

// NewCoinbaseSource reads the BTC-USD spot price from the Coinbase API shape.
func NewCoinbaseSource(client *http.Client, endpoint string) Source {
	return &httpSource{
		name:     "coinbase",
		endpoint: orDefault(endpoint, defaultCoinbaseEndpoint),
		client:   orClient(client),
		parse: func(raw []byte) (float64, error) {
			var payload struct {
				Data struct {
					Amount string `json:"amount"`
				} `json:"data"`
			}
			if err := json.Unmarshal(raw, &payload); err != nil {
				return 0, fmt.Errorf("decode: %w", err)
			}
			return strconv.ParseFloat(strings.TrimSpace(payload.Data.Amount), 64)
		},
	}
}

// NewKrakenSource reads the XBTUSD last-trade price from the Kraken API shape.
func NewKrakenSource(client *http.Client, endpoint string) Source {
	return &httpSource{
		name:     "kraken",
		endpoint: orDefault(endpoint, defaultKrakenEndpoint),
		client:   orClient(client),
		parse: func(raw []byte) (float64, error) {
			var payload struct {
				Error  []string `json:"error"`
				Result map[string]struct {
					C []string `json:"c"`
				} `json:"result"`
			}
			if err := json.Unmarshal(raw, &payload); err != nil {
				return 0, fmt.Errorf("decode: %w", err)
			}
			if len(payload.Error) > 0 {
				return 0, fmt.Errorf("api error: %s", strings.Join(payload.Error, "; "))
			}
			for _, pair := range payload.Result {
				if len(pair.C) > 0 {
					return strconv.ParseFloat(pair.C[0], 64)
				}
			}
			return 0, fmt.Errorf("no ticker pair in response")
		},
	}
}

// NewBinanceSource reads the BTCUSDT ticker price from the Binance API shape.
func NewBinanceSource(client *http.Client, endpoint string) Source {
	return &httpSource{
		name:     "binance",
		endpoint: orDefault(endpoint, defaultBinanceEndpoint),
		client:   orClient(client),
		parse: func(raw []byte) (float64, error) {
			var payload struct {
				Price string `json:"price"`
			}
			if err := json.Unmarshal(raw, &payload); err != nil {
				return 0, fmt.Errorf("decode: %w", err)
			}
			return strconv.ParseFloat(strings.TrimSpace(payload.Price), 64)
		},
	}
}

// DefaultSources returns the standard three-exchange set.
func DefaultSources(client *http.Client) []Source {
	return []Source{
		NewCoinbaseSource(client, ""),
		NewKrakenSource(client, ""),
		NewBinanceSource(client, ""),
	}
}

func orDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func orClient(client *http.Client) *http.Client {
	if client != nil {
		return client
	}
	return &http.Client{Timeout: 10 * time.Second}
}
