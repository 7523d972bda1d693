package parser

import (
	"strings"

	"github.com/prime-radiant-inc/union-square/internal/money"
)

// modelPrice is one (input, output) price-per-1000-tokens pair.
type modelPrice struct {
	In, Out money.PricePerThousand
}

// PricingTable is a per-provider, per-model static pricing table, quoted
// per 1000 tokens with input and output priced separately. Prices are
// list prices as of this build and are expected to be kept current by
// whoever operates Union Square; there is no live pricing-fetch
// integration.
var PricingTable = map[string]map[string]modelPrice{
	"openai": {
		"gpt-4o":      {In: money.MustParsePrice("2.50"), Out: money.MustParsePrice("10.00")},
		"gpt-4o-mini": {In: money.MustParsePrice("0.15"), Out: money.MustParsePrice("0.60")},
		"gpt-4-turbo": {In: money.MustParsePrice("10.00"), Out: money.MustParsePrice("30.00")},
	},
	"anthropic": {
		"claude-3-5-sonnet-20241022": {In: money.MustParsePrice("3.00"), Out: money.MustParsePrice("15.00")},
		"claude-3-5-haiku-20241022":  {In: money.MustParsePrice("0.80"), Out: money.MustParsePrice("4.00")},
		"claude-3-opus-20240229":     {In: money.MustParsePrice("15.00"), Out: money.MustParsePrice("75.00")},
	},
	"bedrock": {
		"anthropic.claude-3-sonnet": {In: money.MustParsePrice("3.00"), Out: money.MustParsePrice("15.00")},
		"anthropic.claude-3-haiku":  {In: money.MustParsePrice("0.25"), Out: money.MustParsePrice("1.25")},
	},
	"vertex-ai": {
		"gemini-1.5-pro":   {In: money.MustParsePrice("1.25"), Out: money.MustParsePrice("5.00")},
		"gemini-1.5-flash": {In: money.MustParsePrice("0.075"), Out: money.MustParsePrice("0.30")},
	},
}

// CostCents computes the ceiling-rounded whole-cent cost for a
// provider/model pair, falling back to zero cost for an unrecognized
// model rather than failing the audit record — an unpriced model should
// never block the pipeline, only under-report spend.
func CostCents(provider, model string, inTokens, outTokens int) money.Cents {
	byModel, ok := PricingTable[provider]
	if !ok {
		return 0
	}
	price, ok := byModel[model]
	if !ok {
		// Try a prefix match: Bedrock model IDs sometimes carry a
		// ":version" suffix that the static table doesn't enumerate.
		for name, p := range byModel {
			if strings.HasPrefix(model, name) {
				price = p
				ok = true
				break
			}
		}
	}
	if !ok {
		return 0
	}
	return money.CostCents(inTokens, outTokens, price.In, price.Out)
}
