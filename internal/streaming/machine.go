package streaming

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/howard-nolan/claudish-gateway/internal/adapter"
	"github.com/howard-nolan/claudish-gateway/internal/middleware"
	"github.com/howard-nolan/claudish-gateway/internal/toolcall"
	"github.com/howard-nolan/claudish-gateway/internal/types"
)

// maxWithheldBuffer is the size above which a buffer suspected of
// carrying a structured tool-call signature is emitted anyway rather
// than withheld forever.
const maxWithheldBuffer = 1000

// toolEntry tracks one in-flight tool-use block.
type toolEntry struct {
	id         string
	name       string
	blockIndex int
	started    bool
	closed     bool
	args       string
	buffered   bool
}

// Machine drives one Anthropic-shaped SSE response for a single
// request. It is not safe for concurrent use — each
// stream is a single cooperative reader loop.
type Machine struct {
	adapter adapter.Adapter
	tools   []types.Tool
	mw      middleware.Middleware
	sc      *middleware.StreamContext

	emit          func(types.Evt)
	onTokenUpdate func(types.Usage)

	messageID string
	model     string

	currentIndex  int
	textOpen      bool
	textIdx       int
	reasoningOpen bool
	reasoningIdx  int
	tools_        map[int]*toolEntry
	toolOrder     []int

	accumulatedText  string
	withheldText     string
	usage            types.Usage
	lastActivity     time.Time
	finalized        bool
	hadToolUseBlocks bool

	mu sync.Mutex
}

// Config bundles a Machine's collaborators.
type Config struct {
	Adapter       adapter.Adapter
	Tools         []types.Tool
	Middleware    middleware.Middleware
	Model         string
	Emit          func(types.Evt)
	OnTokenUpdate func(types.Usage)
}

// New constructs a Machine ready to Start.
func New(cfg Config) *Machine {
	mw := cfg.Middleware
	if mw == nil {
		mw = middleware.NewChain()
	}
	return &Machine{
		adapter:       cfg.Adapter,
		tools:         cfg.Tools,
		mw:            mw,
		sc:            middleware.NewStreamContext(),
		emit:          cfg.Emit,
		onTokenUpdate: cfg.OnTokenUpdate,
		model:         cfg.Model,
		messageID:     "msg_" + uuid.NewString(),
		textIdx:       -1,
		reasoningIdx:  -1,
		tools_:        map[int]*toolEntry{},
		lastActivity:  time.Now(),
	}
}

// Start emits message_start followed by the initial ping.
func (m *Machine) Start() {
	m.emit(types.Evt{Type: types.EvtMessageStart, MessageID: m.messageID, MessageModel: m.model})
	m.emit(types.Evt{Type: types.EvtPing})
	m.lastActivity = time.Now()
}

// Tick emits a keep-alive ping if the stream has been idle for more
// than a second and isn't finalised.
func (m *Machine) Tick(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized {
		return
	}
	if now.Sub(m.lastActivity) > time.Second {
		m.emit(types.Evt{Type: types.EvtPing})
		m.lastActivity = now
	}
}

// HandleChunk processes one neutral ProviderChunk from an OpenAI- or
// Gemini-dialect upstream, driving the content-block machine.
func (m *Machine) HandleChunk(chunk ProviderChunk) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized {
		return
	}
	m.lastActivity = time.Now()

	if m.mw != nil && chunk.Raw != nil {
		m.mw.AfterStreamChunk(m.sc, chunk.Raw)
	}

	for _, rd := range chunk.ReasoningDeltas {
		m.handleReasoningDelta(rd)
	}
	if chunk.TextDelta != "" {
		m.handleTextDelta(chunk.TextDelta)
	}
	for _, tc := range chunk.ToolCallDeltas {
		m.handleToolCallDelta(tc)
	}
	if chunk.Usage != nil {
		m.usage = *chunk.Usage
	}

	switch chunk.FinishReason {
	case "":
		return
	case "tool_calls":
		m.finalizeLocked(FinalizeToolCalls, "")
	case "length":
		m.finalizeWithStopReasonLocked("max_tokens")
	case "content_filter":
		m.finalizeWithStopReasonLocked("refusal")
	default:
		m.finalizeWithStopReasonLocked("end_turn")
	}
}

func (m *Machine) handleReasoningDelta(rd ReasoningDelta) {
	if rd.Kind == ReasoningEncrypted {
		// Captured by middleware via the raw delta; no client-visible event.
		return
	}
	m.closeTextIfOpen()
	if !m.reasoningOpen {
		m.reasoningIdx = m.openBlock(types.BlockThinking, "", "")
		m.reasoningOpen = true
	}
	if rd.Text == "" {
		return
	}
	m.emit(types.Evt{
		Type: types.EvtContentBlockDelta, Index: m.reasoningIdx,
		DeltaType: types.DeltaThinking, TextDelta: rd.Text,
	})
}

func (m *Machine) handleTextDelta(chunk string) {
	result := TextResult(m.adapter.ProcessTextContent(chunk))
	for _, call := range result.ExtractedCalls {
		m.emitExtractedCall(call)
	}
	if result.Suppressed || result.CleanedText == "" {
		return
	}
	m.accumulatedText += result.CleanedText

	buf := m.withheldText + result.CleanedText
	if toolcall.HasStructuredSignature(buf, m.tools) && len(buf) < maxWithheldBuffer {
		m.withheldText = buf
		return
	}

	m.closeReasoningIfOpen()
	if !m.textOpen {
		m.textIdx = m.openBlock(types.BlockText, "", "")
		m.textOpen = true
	}
	if buf != "" {
		m.emit(types.Evt{Type: types.EvtContentBlockDelta, Index: m.textIdx, DeltaType: types.DeltaText, TextDelta: buf})
		m.withheldText = ""
	}
}

func (m *Machine) handleToolCallDelta(tc ToolCallDelta) {
	entry, ok := m.tools_[tc.UpstreamIndex]
	if !ok {
		m.closeTextIfOpen()
		m.closeReasoningIfOpen()
		id := tc.ID
		if id == "" {
			id = "toolu_" + uuid.NewString()
		}
		_, schemaKnown := findTool(m.tools, tc.Name)
		entry = &toolEntry{id: id, name: tc.Name, buffered: schemaKnown}
		m.tools_[tc.UpstreamIndex] = entry
		m.toolOrder = append(m.toolOrder, tc.UpstreamIndex)
	}

	entry.args += tc.ArgsDelta

	if !entry.buffered {
		if !entry.started {
			entry.blockIndex = m.openBlock(types.BlockToolUse, entry.id, entry.name)
			entry.started = true
			m.hadToolUseBlocks = true
		}
		if tc.ArgsDelta != "" {
			m.emit(types.Evt{Type: types.EvtContentBlockDelta, Index: entry.blockIndex, DeltaType: types.DeltaInputJSON, PartialJSON: tc.ArgsDelta})
		}
	}
}

// openBlock allocates a fresh monotonic index, emits content_block_start,
// and returns the index.
func (m *Machine) openBlock(kind types.BlockType, toolUseID, toolUseName string) int {
	idx := m.currentIndex
	m.currentIndex++
	m.emit(types.Evt{
		Type: types.EvtContentBlockStart, Index: idx,
		StartBlockType: kind, ToolUseID: toolUseID, ToolUseName: toolUseName,
	})
	return idx
}

func (m *Machine) closeBlock(idx int) {
	m.emit(types.Evt{Type: types.EvtContentBlockStop, Index: idx})
}

func (m *Machine) closeTextIfOpen() {
	if m.textOpen {
		m.closeBlock(m.textIdx)
		m.textOpen = false
	}
}

func (m *Machine) closeReasoningIfOpen() {
	if m.reasoningOpen {
		m.closeBlock(m.reasoningIdx)
		m.reasoningOpen = false
	}
}

// finalizeWithStopReasonLocked is Finalize's normal (no outstanding
// tool calls) path; callers already hold m.mu.
func (m *Machine) finalizeWithStopReasonLocked(reason string) {
	m.finalizeLocked(FinalizeNormal, reason)
}

// Finalize runs the full finalisation sequence,
// guarded so repeated invocations are no-ops (rule 9).
func (m *Machine) Finalize(reason FinalizeReason, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finalizeLocked(reason, errMsg)
}

func (m *Machine) finalizeLocked(reason FinalizeReason, errOrStopReason string) {
	if m.finalized {
		return
	}
	m.finalized = true

	if reason == FinalizeError {
		m.closeTextIfOpen()
		m.closeReasoningIfOpen()
		m.closeAllOpenTools()
		m.emit(types.Evt{Type: types.EvtError, ErrorType: "api_error", ErrorMsg: errOrStopReason})
		m.emit(types.Evt{Type: types.EvtMessageStop})
		m.reportTokens()
		return
	}

	if reason == FinalizeToolCalls {
		m.runToolRecovery()
	}

	// The extractor scans everything accumulated this stream, not just
	// the withheld buffer: an envelope that grew past maxWithheldBuffer
	// was flushed to the client as text, and this is the only chance to
	// still recover the call it carries.
	for _, call := range toolcall.ExtractFromText(m.accumulatedText, m.tools) {
		m.emitExtractedCall(call)
	}
	m.withheldText = ""

	m.closeTextIfOpen()
	m.closeReasoningIfOpen()
	m.closeAllOpenTools()

	if m.mw != nil {
		m.mw.AfterStreamComplete(m.sc, middleware.CompletionMetadata{MessageID: m.messageID})
	}

	stopReason := errOrStopReason
	if m.hadToolUseBlocks {
		stopReason = "tool_use"
	} else if stopReason == "" {
		stopReason = "end_turn"
	}

	if m.usage.OutputTokens == 0 {
		m.usage.OutputTokens = (len(m.accumulatedText) + 3) / 4
	}
	m.emit(types.Evt{Type: types.EvtMessageDelta, StopReason: stopReason, Usage: &m.usage})
	m.emit(types.Evt{Type: types.EvtMessageStop})
	m.reportTokens()
}

func (m *Machine) closeAllOpenTools() {
	for _, idx := range m.toolOrder {
		entry := m.tools_[idx]
		if entry.started && !entry.closed {
			m.closeBlock(entry.blockIndex)
			entry.closed = true
		}
	}
}

// runToolRecovery runs at finish time: for each outstanding
// tool entry, validate+repair its arguments against its declared
// schema, emitting either a repaired tool-use block or a synthetic
// error text block.
func (m *Machine) runToolRecovery() {
	for _, idx := range m.toolOrder {
		entry := m.tools_[idx]
		if entry.closed {
			continue
		}
		if !entry.buffered {
			// Streamed unbuffered: already emitted deltas, just close.
			continue
		}

		tool, found := findTool(m.tools, entry.name)
		if !found {
			entry.blockIndex = m.openBlock(types.BlockToolUse, entry.id, entry.name)
			if entry.args != "" {
				m.emit(types.Evt{Type: types.EvtContentBlockDelta, Index: entry.blockIndex, DeltaType: types.DeltaInputJSON, PartialJSON: entry.args})
			}
			entry.started = true
			m.hadToolUseBlocks = true
			continue
		}

		result := toolcall.Validate(tool, entry.args, m.accumulatedText)
		if !result.Valid {
			errIdx := m.openBlock(types.BlockText, "", "")
			m.emit(types.Evt{
				Type: types.EvtContentBlockDelta, Index: errIdx, DeltaType: types.DeltaText,
				TextDelta: toolcall.MissingParamsMessage(entry.name, result.MissingParams),
			})
			m.closeBlock(errIdx)
			entry.closed = true
			continue
		}

		entry.blockIndex = m.openBlock(types.BlockToolUse, entry.id, entry.name)
		argsJSON := marshalArgs(result.Args)
		m.emit(types.Evt{Type: types.EvtContentBlockDelta, Index: entry.blockIndex, DeltaType: types.DeltaInputJSON, PartialJSON: argsJSON})
		entry.started = true
		m.hadToolUseBlocks = true
	}
}

func (m *Machine) emitExtractedCall(call toolcall.ExtractedCall) {
	m.closeTextIfOpen()
	m.closeReasoningIfOpen()
	idx := m.openBlock(types.BlockToolUse, "toolu_"+uuid.NewString(), call.Name)
	m.emit(types.Evt{Type: types.EvtContentBlockDelta, Index: idx, DeltaType: types.DeltaInputJSON, PartialJSON: marshalArgs(call.Args)})
	m.closeBlock(idx)
	m.hadToolUseBlocks = true
}

func (m *Machine) reportTokens() {
	if m.onTokenUpdate != nil {
		m.onTokenUpdate(m.usage)
	}
}

func findTool(tools []types.Tool, name string) (types.Tool, bool) {
	for _, t := range tools {
		if t.Name == name {
			return t, true
		}
	}
	return types.Tool{}, false
}

func marshalArgs(args map[string]any) string {
	if args == nil {
		args = map[string]any{}
	}
	b, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// TextResult mirrors adapter.TextResult; defined as a conversion alias
// so callers in this package can use adapter.Adapter.ProcessTextContent's
// return value without importing the adapter package's type name twice.
type TextResult adapter.TextResult
