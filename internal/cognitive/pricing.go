package cognitive

import "strings"

// modelPrice is USD per million tokens.
type modelPrice struct {
	inputPerM  float64
	outputPerM float64
}

// Published list prices. Unknown models fall back by family substring so
// cost accounting degrades to an estimate instead of zero.
var modelPrices = map[string]modelPrice{
	"claude-opus-4-20250514":     {15.00, 75.00},
	"claude-sonnet-4-20250514":   {3.00, 15.00},
	"claude-3-7-sonnet-20250219": {3.00, 15.00},
	"claude-3-5-haiku-20241022":  {0.80, 4.00},

	"gpt-4o":      {2.50, 10.00},
	"gpt-4o-mini": {0.15, 0.60},
	"gpt-4-turbo": {10.00, 30.00},
}

var familyPrices = []struct {
	substr string
	price  modelPrice
}{
	{"opus", modelPrice{15.00, 75.00}},
	{"sonnet", modelPrice{3.00, 15.00}},
	{"haiku", modelPrice{0.80, 4.00}},
	{"mini", modelPrice{0.15, 0.60}},
	{"gpt", modelPrice{2.50, 10.00}},
}

// defaultPrice covers models no rule matches.
var defaultPrice = modelPrice{3.00, 15.00}

func lookupPrice(model string) modelPrice {
	if p, ok := modelPrices[model]; ok {
		return p
	}
	lower := strings.ToLower(model)
	for _, f := range familyPrices {
		if strings.Contains(lower, f.substr) {
			return f.price
		}
	}
	return defaultPrice
}

// priceCall converts a token usage pair into USD for the model.
func priceCall(model string, inputTokens, outputTokens int64) float64 {
	p := lookupPrice(model)
	return float64(inputTokens)/1e6*p.inputPerM + float64(outputTokens)/1e6*p.outputPerM
}
