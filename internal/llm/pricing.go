package llm

import (
	"strings"

	"github.com/stewardhq/steward/pkg/models"
)

// modelPrice is USD per million tokens.
type modelPrice struct {
	InputPerM  float64
	OutputPerM float64
}

// priceTable maps model id prefixes to prices. Longest prefix wins, so a
// dated model id matches its family row.
var priceTable = map[string]modelPrice{
	"claude-opus-4":     {InputPerM: 15.00, OutputPerM: 75.00},
	"claude-sonnet-4":   {InputPerM: 3.00, OutputPerM: 15.00},
	"claude-haiku-4":    {InputPerM: 1.00, OutputPerM: 5.00},
	"claude-3-5-sonnet": {InputPerM: 3.00, OutputPerM: 15.00},
	"claude-3-haiku":    {InputPerM: 0.25, OutputPerM: 1.25},
	"gpt-4o":            {InputPerM: 2.50, OutputPerM: 10.00},
	"gpt-4o-mini":       {InputPerM: 0.15, OutputPerM: 0.60},
}

// Cost computes the USD cost of provider-reported usage for a model.
// Unknown models cost zero; billing for them is reconciled upstream.
func Cost(model string, usage models.Usage) float64 {
	var best string
	for prefix := range priceTable {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return 0
	}
	price := priceTable[best]
	in := float64(usage.PromptTokens) / 1e6 * price.InputPerM
	out := float64(usage.CompletionTokens) / 1e6 * price.OutputPerM
	return in + out
}
