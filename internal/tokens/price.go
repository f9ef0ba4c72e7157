package tokens

import "strings"

// defaultContextWindow is used until a handler detects (env override,
// disk cache, or probe) a real context window for its model.
const defaultContextWindow = 128_000

// price is a per-million-token rate pair.
type price struct {
	inputPerM  float64
	outputPerM float64
}

// priceTable is a static (providerFamily, model-substring) -> price
// lookup. Unknown models fall back to the provider's default entry
// (empty model key), and an entirely unknown provider falls back to
// defaultPrice.
var priceTable = map[string]map[string]price{
	"anthropic": {
		"":        {inputPerM: 3.00, outputPerM: 15.00},
		"opus":    {inputPerM: 15.00, outputPerM: 75.00},
		"sonnet":  {inputPerM: 3.00, outputPerM: 15.00},
		"haiku":   {inputPerM: 0.80, outputPerM: 4.00},
	},
	"openai": {
		"":       {inputPerM: 2.50, outputPerM: 10.00},
		"gpt-4o": {inputPerM: 2.50, outputPerM: 10.00},
		"o1":     {inputPerM: 15.00, outputPerM: 60.00},
		"o3":     {inputPerM: 10.00, outputPerM: 40.00},
		"mini":   {inputPerM: 0.15, outputPerM: 0.60},
	},
	"gemini": {
		"":       {inputPerM: 1.25, outputPerM: 5.00},
		"flash":  {inputPerM: 0.075, outputPerM: 0.30},
		"pro":    {inputPerM: 1.25, outputPerM: 5.00},
	},
	"openrouter": {
		"": {inputPerM: 1.00, outputPerM: 3.00},
	},
	"minimax":  {"": {inputPerM: 0.30, outputPerM: 1.20}},
	"moonshot": {"": {inputPerM: 0.60, outputPerM: 2.50}},
	"zhipu":    {"": {inputPerM: 0.50, outputPerM: 1.50}},
}

// defaultPrice covers local backends and any provider family absent
// from priceTable entirely — local inference has no metered cost.
var defaultPrice = price{inputPerM: 0, outputPerM: 0}

// EstimateCost looks up the best-matching price entry for
// (providerFamily, model) and returns the dollar cost of inputTokens +
// outputTokens at that rate.
func EstimateCost(providerFamily, model string, inputTokens, outputTokens int) float64 {
	p := lookupPrice(providerFamily, model)
	return float64(inputTokens)/1_000_000*p.inputPerM + float64(outputTokens)/1_000_000*p.outputPerM
}

func lookupPrice(providerFamily, model string) price {
	models, ok := priceTable[providerFamily]
	if !ok {
		return defaultPrice
	}
	lower := strings.ToLower(model)
	best := models[""]
	bestLen := -1
	for key, p := range models {
		if key == "" {
			continue
		}
		if strings.Contains(lower, key) && len(key) > bestLen {
			best = p
			bestLen = len(key)
		}
	}
	return best
}
