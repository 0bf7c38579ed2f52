package fetcher

import (
	"context"

	"github.com/shopspring/decimal"
)

// DefaultChain is reported when the source omits a protocol's chain.
const DefaultChain = "N/A"

// Protocol is one entry of the remote protocol listing.
type Protocol struct {
	Name     string
	TVL      decimal.Decimal
	HasTVL   bool
	Category string
	Chain    string
}

// ProtocolFetcher retrieves the full current protocol listing.
type ProtocolFetcher interface {
	FetchProtocols(ctx context.Context) ([]Protocol, error)
}
