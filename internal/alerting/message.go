package alerting

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"
)

// ProtocolAlert describes a protocol crossing the TVL threshold.
type ProtocolAlert struct {
	Name     string
	TVL      decimal.Decimal
	Chain    string
	Category string
}

// RenderProtocolAlert formats the alert text sent to recipients.
func RenderProtocolAlert(a ProtocolAlert) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("🚨 New %s Protocol Alert!\n", a.Category))
	builder.WriteString(fmt.Sprintf("Name: %s\n", a.Name))
	builder.WriteString(fmt.Sprintf("TVL: %s\n", FormatUSD(a.TVL)))
	builder.WriteString(fmt.Sprintf("Chain: %s\n", a.Chain))
	builder.WriteString(fmt.Sprintf("Category: %s", a.Category))
	return builder.String()
}

// FormatUSD renders whole dollars with thousands separators, e.g. $15,000,000.
func FormatUSD(v decimal.Decimal) string {
	return "$" + humanize.Comma(v.Round(0).IntPart())
}
