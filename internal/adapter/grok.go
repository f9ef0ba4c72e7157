package adapter

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/howard-nolan/claudish-gateway/internal/toolcall"
	"github.com/howard-nolan/claudish-gateway/internal/types"
)

// grokBudgetThreshold is the thinking.budget_tokens cutoff between
// "low" and "high" reasoning_effort for Grok's mini models.
const grokBudgetThreshold = 20000

var (
	grokFunctionCallRe = regexp.MustCompile(`(?s)<xai:function_call name="([^"]+)">(.*?)</xai:function_call>`)
	grokParameterRe    = regexp.MustCompile(`(?s)<xai:parameter name="([^"]+)">(.*?)</xai:parameter>`)
	grokOpenTagPrefix  = regexp.MustCompile(`<xai:function_call[^>]*$`)
)

// Grok handles xAI's Grok family, which embeds tool calls as XML in the
// text stream rather than using structured tool_calls deltas.
type Grok struct {
	buf string
}

func (g *Grok) Name() string { return "grok" }

func (g *Grok) ShouldHandle(modelID string) bool {
	lower := strings.ToLower(modelID)
	return strings.Contains(lower, "grok")
}

func (g *Grok) Reset() { g.buf = "" }

// PrepareRequest maps thinking.budget_tokens to reasoning_effort, but
// only for "mini" model variants; for all other Grok models the
// thinking field is stripped outright.
func (g *Grok) PrepareRequest(payload map[string]any, original *types.Req) {
	delete(payload, "thinking")
	if original.Thinking == nil {
		return
	}
	model, _ := payload["model"].(string)
	if !strings.Contains(strings.ToLower(model), "mini") {
		return
	}
	effort := "low"
	if original.Thinking.BudgetTokens >= grokBudgetThreshold {
		effort = "high"
	}
	payload["reasoning_effort"] = effort
}

// ProcessTextContent accumulates streamed text in g.buf until a
// complete <xai:function_call> element appears, extracting zero or
// more tool calls from it. While a partial opening tag is buffered, no
// text is emitted.
func (g *Grok) ProcessTextContent(chunk string) TextResult {
	g.buf += chunk

	var calls []toolcall.ExtractedCall
	for {
		m := grokFunctionCallRe.FindStringSubmatchIndex(g.buf)
		if m == nil {
			break
		}
		name := g.buf[m[2]:m[3]]
		body := g.buf[m[4]:m[5]]
		calls = append(calls, toolcall.ExtractedCall{Name: name, Args: parseGrokParams(body)})
		g.buf = g.buf[:m[0]] + g.buf[m[1]:]
	}

	if grokOpenTagPrefix.MatchString(g.buf) {
		// A partial opening tag is buffered — withhold everything.
		return TextResult{Suppressed: true, ExtractedCalls: calls, WasTransformed: len(calls) > 0}
	}

	out := g.buf
	g.buf = ""
	return TextResult{CleanedText: out, ExtractedCalls: calls, WasTransformed: len(calls) > 0}
}

// parseGrokParams decodes each <xai:parameter> value as JSON, falling
// back to the raw string when it isn't valid JSON.
func parseGrokParams(body string) map[string]any {
	args := map[string]any{}
	for _, m := range grokParameterRe.FindAllStringSubmatch(body, -1) {
		key, raw := m[1], strings.TrimSpace(m[2])
		var decoded any
		if err := json.Unmarshal([]byte(raw), &decoded); err == nil {
			args[key] = decoded
		} else {
			args[key] = raw
		}
	}
	return args
}

// NewToolUseID mints a fresh id for a tool call extracted from XML,
// which carries no id of its own.
func NewToolUseID() string {
	return "toolu_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}
