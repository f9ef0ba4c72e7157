package adapter

import (
	"regexp"
	"strings"

	"github.com/howard-nolan/claudish-gateway/internal/types"
)

const (
	geminiBudgetThresholdNextGen = 16000
	geminiBudgetCap              = 24576
)

// geminiNextGenPattern recognises Gemini model ids that use the newer
// thinkingLevel dialect instead of thinkingConfig.thinkingBudget.
var geminiNextGenPattern = regexp.MustCompile(`(?i)gemini-3`)

// reasoningOpeners are line-leading phrases that mark the start of a
// chain-of-thought block to suppress.
var reasoningOpeners = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^wait,?\s+i'?m\s+\w+ing`),
	regexp.MustCompile(`(?i)^let me (think|check|look|verify|see)`),
	regexp.MustCompile(`(?i)^i'?ll\s+\w+`),
	regexp.MustCompile(`(?i)^okay,?\s*so\b`),
	regexp.MustCompile(`(?i)^(first|next|then|finally|step\s*\d+)[,:]`),
	regexp.MustCompile(`(?i)^the goal is\b`),
	regexp.MustCompile(`(?i)^\d+\.\s`),
}

// reasoningContinuations are phrases that extend an already-open
// reasoning block.
var reasoningContinuations = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^and then\b`),
	regexp.MustCompile(`(?i)^actually,?\b`),
	regexp.MustCompile(`(?i)^(since|because|if)\b`),
}

// Gemini handles Google's native Gemini dialect: filtering externalised
// chain-of-thought lines out of the visible text stream, and mapping
// the neutral thinking budget to whichever of the two reasoning-control
// fields the target model version understands.
type Gemini struct {
	inReasoningBlock bool
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) ShouldHandle(modelID string) bool {
	lower := strings.ToLower(modelID)
	return strings.Contains(lower, "gemini")
}

func (g *Gemini) Reset() { g.inReasoningBlock = false }

func (g *Gemini) PrepareRequest(payload map[string]any, original *types.Req) {
	if original.Thinking == nil {
		return
	}
	// Gemini payloads carry no "model" key (the model lives in the URL),
	// so version detection reads the neutral request instead.
	model := original.Model

	genConfig, _ := payload["generationConfig"].(map[string]any)
	if genConfig == nil {
		genConfig = map[string]any{}
	}

	if geminiNextGenPattern.MatchString(model) {
		level := "low"
		if original.Thinking.BudgetTokens >= geminiBudgetThresholdNextGen {
			level = "high"
		}
		genConfig["thinkingConfig"] = map[string]any{"thinkingLevel": level}
	} else {
		budget := original.Thinking.BudgetTokens
		if budget > geminiBudgetCap {
			budget = geminiBudgetCap
		}
		genConfig["thinkingConfig"] = map[string]any{"thinkingBudget": budget}
	}
	payload["generationConfig"] = genConfig
}

// ProcessTextContent filters externalised chain-of-thought lines.
// A reasoning block opens on a line matching reasoningOpeners and stays
// open through reasoningContinuations lines; it closes on the first
// "substantive" line (length > 20, or ending in ".", "!" or "?") that
// is not a continuation.
func (g *Gemini) ProcessTextContent(chunk string) TextResult {
	lines := strings.Split(chunk, "\n")
	var kept []string
	transformed := false

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)

		if g.inReasoningBlock {
			if matchesAny(reasoningContinuations, trimmed) {
				transformed = true
				continue
			}
			if len(trimmed) > 20 || endsSentence(trimmed) {
				g.inReasoningBlock = false
				// fall through — this line is substantive, evaluate it as new
			} else {
				transformed = true
				continue
			}
		}

		if matchesAny(reasoningOpeners, trimmed) {
			g.inReasoningBlock = true
			transformed = true
			continue
		}

		if i == len(lines)-1 && line == "" {
			// trailing split artifact from a chunk ending in \n
			continue
		}
		kept = append(kept, line)
	}

	return TextResult{CleanedText: strings.Join(kept, "\n"), WasTransformed: transformed}
}

// endsSentence treats a short line with terminal punctuation as
// substantive — "Here is the result." must survive the filter even
// though it is under the length threshold.
func endsSentence(s string) bool {
	return strings.HasSuffix(s, ".") || strings.HasSuffix(s, "!") || strings.HasSuffix(s, "?")
}

func matchesAny(patterns []*regexp.Regexp, s string) bool {
	for _, p := range patterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}
