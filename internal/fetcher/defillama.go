package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const defaultProtocolsURL = "https://api.llama.fi/protocols"

// DefiLlamaOptions parameterise the protocol listing fetcher.
type DefiLlamaOptions struct {
	URL       string
	Timeout   time.Duration
	UserAgent string
}

// DefiLlama fetches the protocol listing from the DefiLlama API.
type DefiLlama struct {
	opts   DefiLlamaOptions
	logger zerolog.Logger
	client *http.Client
	url    string
}

// NewDefiLlama constructs a protocol fetcher.
func NewDefiLlama(opts DefiLlamaOptions, logger zerolog.Logger) *DefiLlama {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	url := strings.TrimSpace(opts.URL)
	if url == "" {
		url = defaultProtocolsURL
	}

	return &DefiLlama{
		opts:   opts,
		logger: logger.With().Str("component", "protocol_fetcher").Logger(),
		client: &http.Client{Timeout: timeout},
		url:    url,
	}
}

// FetchProtocols performs a single GET and decodes the listing. Any failure
// yields no records and a non-nil error.
func (d *DefiLlama) FetchProtocols(ctx context.Context) ([]Protocol, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create protocols request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(d.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "tvlwatcher/1.0")
	}

	started := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch protocols: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read protocols body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, parseHTTPError(resp.StatusCode, payload)
	}

	protocols, skipped, err := decodeProtocols(payload)
	if err != nil {
		return nil, err
	}

	d.logger.Debug().
		Int("protocols", len(protocols)).
		Int("skipped", skipped).
		Dur("elapsed", time.Since(started)).
		Msg("protocol listing fetched")
	return protocols, nil
}

type rawProtocol struct {
	Name     json.RawMessage `json:"name"`
	TVL      json.RawMessage `json:"tvl"`
	Category json.RawMessage `json:"category"`
	Chain    json.RawMessage `json:"chain"`
}

func decodeProtocols(payload []byte) ([]Protocol, int, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(payload, &items); err != nil {
		return nil, 0, fmt.Errorf("decode protocols: %w", err)
	}

	protocols := make([]Protocol, 0, len(items))
	skipped := 0
	for _, item := range items {
		var raw rawProtocol
		if err := json.Unmarshal(item, &raw); err != nil {
			skipped++
			continue
		}

		p := Protocol{
			Name:     stringField(raw.Name),
			Category: stringField(raw.Category),
			Chain:    stringField(raw.Chain),
		}
		if p.Chain == "" {
			p.Chain = DefaultChain
		}
		p.TVL, p.HasTVL = numberField(raw.TVL)
		protocols = append(protocols, p)
	}
	return protocols, skipped, nil
}

func stringField(raw json.RawMessage) string {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

// numberField accepts JSON numbers only; quoted numerals, booleans and null
// are rejected.
func numberField(raw json.RawMessage) (decimal.Decimal, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return decimal.Decimal{}, false
	}
	if c := trimmed[0]; c != '-' && (c < '0' || c > '9') {
		return decimal.Decimal{}, false
	}
	var num json.Number
	if err := json.Unmarshal(trimmed, &num); err != nil {
		return decimal.Decimal{}, false
	}
	value, err := decimal.NewFromString(num.String())
	if err != nil {
		return decimal.Decimal{}, false
	}
	return value, true
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("protocols api error (%d): %s", status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("protocols api error (%d): %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		body := strings.TrimSpace(string(payload))
		if len(body) > 256 {
			body = body[:256]
		}
		return fmt.Errorf("protocols api error (%d): %s", status, body)
	}
	return fmt.Errorf("protocols api error (%d)", status)
}

var _ ProtocolFetcher = (*DefiLlama)(nil)
