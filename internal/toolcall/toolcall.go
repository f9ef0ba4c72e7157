// Package toolcall implements tool-call validation and recovery:
// checking a tool call's arguments against its declared
// schema, inferring missing required parameters from surrounding text,
// and extracting fully-formed tool calls embedded in plain text.
package toolcall

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/howard-nolan/claudish-gateway/internal/types"
)

// Result is the outcome of validating (and possibly repairing) one tool
// call, normalised to a single exit path.
type Result struct {
	Valid        bool
	MissingParams []string
	Args         map[string]any
	Repaired     bool
}

// Validate parses argsJSON, checks it against tool's required
// parameters, and attempts to infer any that are missing from
// nearbyText.
func Validate(tool types.Tool, argsJSON string, nearbyText string) Result {
	args := parseArgsObject(argsJSON)

	required := tool.RequiredParams()
	missing := missingKeys(required, args)
	if len(missing) == 0 {
		return Result{Valid: true, Args: args}
	}

	repairedAny := false
	var stillMissing []string
	for _, key := range missing {
		if val, ok := infer(tool.Name, key, nearbyText); ok {
			args[key] = val
			repairedAny = true
		} else {
			stillMissing = append(stillMissing, key)
		}
	}

	if len(stillMissing) > 0 {
		return Result{Valid: false, MissingParams: stillMissing, Args: args}
	}
	return Result{Valid: true, Args: args, Repaired: repairedAny}
}

// MissingParamsMessage formats the user-visible text block emitted when
// repair fails.
func MissingParamsMessage(toolName string, missing []string) string {
	return fmt.Sprintf("missing required parameters: %s", strings.Join(missing, ", "))
}

func parseArgsObject(argsJSON string) map[string]any {
	if strings.TrimSpace(argsJSON) == "" {
		return map[string]any{}
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(argsJSON), &obj); err != nil {
		return map[string]any{}
	}
	if obj == nil {
		return map[string]any{}
	}
	return obj
}

func missingKeys(required []string, args map[string]any) []string {
	var missing []string
	for _, key := range required {
		if _, ok := args[key]; !ok {
			missing = append(missing, key)
		}
	}
	return missing
}

// --- per-tool inference heuristics -----------------------------------

var (
	fencedCommandRe  = regexp.MustCompile("(?s)```(?:\\w*\\n)?(.*?)```")
	backtickedRe     = regexp.MustCompile("`([^`\n]+)`")
	pathLikeRe       = regexp.MustCompile(`(?:^|[\s("'` + "`" + `])(/[^\s"'` + "`" + `)]+|(?:\./|\.\./)[^\s"'` + "`" + `)]+)`)
	leadingQuotedRe  = regexp.MustCompile(`"([^"]+)"`)
)

// infer applies per-tool heuristics that search
// nearbyText for a plausible value of a single missing parameter. An
// empty inferred value counts as failure.
func infer(toolName, param, nearbyText string) (string, bool) {
	nameLower := strings.ToLower(toolName)
	paramLower := strings.ToLower(param)

	switch {
	case isShellTool(nameLower) && (paramLower == "command" || paramLower == "cmd"):
		return inferCommand(nearbyText)
	case isShellTool(nameLower) && paramLower == "description":
		return inferDescription(toolName, nearbyText)
	case isFileTool(nameLower) && (paramLower == "file_path" || paramLower == "path" || paramLower == "filepath"):
		return inferPath(nearbyText)
	case isSearchTool(nameLower) && (paramLower == "query" || paramLower == "pattern"):
		return inferQuotedPhrase(nearbyText)
	default:
		// Generic fallback: a path-like token covers most "path"-named
		// parameters regardless of tool family; a quoted phrase covers
		// most "query"/"pattern"-named parameters.
		if strings.Contains(paramLower, "path") {
			return inferPath(nearbyText)
		}
		if strings.Contains(paramLower, "quer") || strings.Contains(paramLower, "pattern") {
			return inferQuotedPhrase(nearbyText)
		}
	}
	return "", false
}

func isShellTool(name string) bool {
	return strings.Contains(name, "bash") || strings.Contains(name, "shell") || strings.Contains(name, "exec") || strings.Contains(name, "run")
}

func isFileTool(name string) bool {
	return strings.Contains(name, "read") || strings.Contains(name, "file") || strings.Contains(name, "edit") || strings.Contains(name, "write")
}

func isSearchTool(name string) bool {
	return strings.Contains(name, "search") || strings.Contains(name, "grep") || strings.Contains(name, "glob")
}

func inferCommand(text string) (string, bool) {
	if m := fencedCommandRe.FindStringSubmatch(text); len(m) == 2 {
		if cmd := strings.TrimSpace(m[1]); cmd != "" {
			return cmd, true
		}
	}
	if m := backtickedRe.FindStringSubmatch(text); len(m) == 2 {
		if cmd := strings.TrimSpace(m[1]); cmd != "" {
			return cmd, true
		}
	}
	return "", false
}

func inferDescription(toolName, text string) (string, bool) {
	// Fall back to the first sentence of the surrounding text — a
	// human-readable one-liner is good enough for the "description"
	// parameter many shell-execution tools require.
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", false
	}
	if idx := strings.IndexAny(trimmed, ".\n"); idx > 0 {
		return strings.TrimSpace(trimmed[:idx]), true
	}
	return trimmed, true
}

func inferPath(text string) (string, bool) {
	if m := pathLikeRe.FindStringSubmatch(text); len(m) == 2 {
		if p := strings.TrimSpace(m[1]); p != "" {
			return p, true
		}
	}
	return "", false
}

func inferQuotedPhrase(text string) (string, bool) {
	if m := leadingQuotedRe.FindStringSubmatch(text); len(m) == 2 {
		if q := strings.TrimSpace(m[1]); q != "" {
			return q, true
		}
	}
	return "", false
}

// ExtractedCall is a fully-formed tool call recovered from plain text.
type ExtractedCall struct {
	Name string
	Args map[string]any
}

var (
	functionEnvelopeRe = regexp.MustCompile(`(?s)<function=([\w.-]+)>(.*?)</function=[\w.-]+>`)
	toolCallEnvelopeRe = regexp.MustCompile(`(?s)<tool_call>(.*?)</tool_call>`)
)

// ExtractFromText pulls fully-formed
// tool calls out of plain text via three envelope conventions. It is
// called only at stream finalisation — structured detection during
// streaming is authoritative, this is the finalise-time fallback — so
// it's safe for it to be a little permissive.
func ExtractFromText(text string, knownTools []types.Tool) []ExtractedCall {
	var calls []ExtractedCall

	for _, m := range functionEnvelopeRe.FindAllStringSubmatch(text, -1) {
		name, rawArgs := m[1], m[2]
		var args map[string]any
		if json.Unmarshal([]byte(strings.TrimSpace(rawArgs)), &args) == nil {
			calls = append(calls, ExtractedCall{Name: name, Args: args})
		}
	}

	for _, m := range toolCallEnvelopeRe.FindAllStringSubmatch(text, -1) {
		var wrapper struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		if json.Unmarshal([]byte(strings.TrimSpace(m[1])), &wrapper) == nil && wrapper.Name != "" {
			calls = append(calls, ExtractedCall{Name: wrapper.Name, Args: wrapper.Arguments})
		}
	}

	known := make(map[string]bool, len(knownTools))
	for _, t := range knownTools {
		known[t.Name] = true
	}
	for _, candidate := range findNamedJSONObjects(text) {
		if known[candidate.Name] {
			calls = append(calls, candidate)
		}
	}

	return calls
}

// findNamedJSONObjects scans text for top-level JSON objects shaped like
// {"name": "...", "arguments": {...}} or {"tool": "...", "arguments": {...}}.
func findNamedJSONObjects(text string) []ExtractedCall {
	var found []ExtractedCall
	depth := 0
	start := -1
	for i, r := range text {
		switch r {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					candidate := text[start: i+1]
					if call, ok := parseNamedJSONObject(candidate); ok {
						found = append(found, call)
					}
					start = -1
				}
			}
		}
	}
	return found
}

func parseNamedJSONObject(candidate string) (ExtractedCall, bool) {
	var wrapper struct {
		Name      string         `json:"name"`
		Tool      string         `json:"tool"`
		Arguments map[string]any `json:"arguments"`
	}
	if json.Unmarshal([]byte(candidate), &wrapper) != nil {
		return ExtractedCall{}, false
	}
	name := wrapper.Name
	if name == "" {
		name = wrapper.Tool
	}
	if name == "" || wrapper.Arguments == nil {
		return ExtractedCall{}, false
	}
	return ExtractedCall{Name: name, Args: wrapper.Arguments}, true
}

// HasStructuredSignature reports whether buf contains the start of a
// structured tool-call signature: an XML-style
// function envelope, a JSON object naming a known tool, or a <tool_call>
// tag. Used by the streaming state machine to decide whether to
// withhold text pending finalise-time extraction.
func HasStructuredSignature(buf string, knownTools []types.Tool) bool {
	if strings.Contains(buf, "<function=") || strings.Contains(buf, "<tool_call>") {
		return true
	}
	for _, t := range knownTools {
		if strings.Contains(buf, `"name":"`+t.Name+`"`) || strings.Contains(buf, `"name": "`+t.Name+`"`) ||
			strings.Contains(buf, `"tool":"`+t.Name+`"`) || strings.Contains(buf, `"tool": "`+t.Name+`"`) {
			return true
		}
	}
	return false
}
