package cognitive

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"llmos/internal/config"
	"llmos/internal/logging"
)

// maxToolRounds caps the request/tool/request loop of a single query so
// a model stuck requesting tools cannot spin forever.
const maxToolRounds = 8

// MessagesClient is the subset of the Anthropic SDK used here. It is
// satisfied by *sdk.MessageService and by test fakes.
type MessagesClient interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// AnthropicBackend implements Backend over the Anthropic Messages API
// with streaming and a synchronous tool loop.
type AnthropicBackend struct {
	msg       MessagesClient
	model     string
	maxTokens int
	timeout   int
}

// NewAnthropicBackend builds the backend from the SDK config.
func NewAnthropicBackend(cfg *config.Config) (*AnthropicBackend, error) {
	if cfg.SDK.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key not configured (set ANTHROPIC_API_KEY)")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.SDK.APIKey)}
	if cfg.SDK.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.SDK.BaseURL))
	}
	if cfg.SDK.MaxRetries > 0 {
		opts = append(opts, option.WithMaxRetries(cfg.SDK.MaxRetries))
	}
	client := sdk.NewClient(opts...)
	return &AnthropicBackend{
		msg:       &client.Messages,
		model:     cfg.SDK.Model,
		maxTokens: cfg.SDK.MaxTokens,
		timeout:   cfg.SDK.TimeoutSeconds,
	}, nil
}

// NewAnthropicBackendWithClient injects a messages client, used by tests.
func NewAnthropicBackendWithClient(msg MessagesClient, model string, maxTokens int) *AnthropicBackend {
	return &AnthropicBackend{msg: msg, model: model, maxTokens: maxTokens}
}

func (b *AnthropicBackend) Name() string { return "anthropic" }

// Query starts a streaming call. Tool calls requested by the model are
// resolved through opts.OnTool and their results fed back until the
// model stops asking.
func (b *AnthropicBackend) Query(ctx context.Context, prompt string, opts QueryOptions) (*Stream, error) {
	if prompt == "" {
		return nil, fmt.Errorf("%w: empty prompt", ErrBackend)
	}
	ctx, cancel := context.WithCancel(ctx)
	s := newStream(cancel)
	go b.run(ctx, prompt, opts, s)
	return s, nil
}

func (b *AnthropicBackend) run(ctx context.Context, prompt string, opts QueryOptions, s *Stream) {
	defer s.finish()

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = b.maxTokens
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	tools := encodeToolDefs(opts.Tools)
	messages := []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(prompt))}

	var totalIn, totalOut int64

	for round := 0; round < maxToolRounds; round++ {
		params := sdk.MessageNewParams{
			Model:     sdk.Model(b.model),
			MaxTokens: int64(maxTokens),
			Messages:  messages,
		}
		if opts.SystemPrompt != "" {
			params.System = []sdk.TextBlockParam{{Text: opts.SystemPrompt}}
		}
		if len(tools) > 0 {
			params.Tools = tools
		}

		turn, err := b.consumeTurn(ctx, params, s)
		if err != nil {
			logging.AdapterError("[anthropic] stream failed on round %d: %v", round, err)
			s.fail(fmt.Errorf("%w: %v", ErrBackend, err))
			return
		}
		totalIn += turn.inputTokens
		totalOut += turn.outputTokens

		if turn.stopReason != "tool_use" || len(turn.toolCalls) == 0 || opts.OnTool == nil {
			break
		}

		// Echo the assistant blocks, then answer each tool call so the
		// next round sees the results.
		messages = append(messages, sdk.NewAssistantMessage(turn.assistantBlocks...))
		results := make([]sdk.ContentBlockParamUnion, 0, len(turn.toolCalls))
		for _, call := range turn.toolCalls {
			out, err := opts.OnTool(ctx, call.name, call.input)
			isError := err != nil
			if isError {
				out = err.Error()
				logging.AdapterDebug("[anthropic] tool %s returned error: %v", call.name, err)
			}
			results = append(results, sdk.NewToolResultBlock(call.id, out, isError))
		}
		messages = append(messages, sdk.NewUserMessage(results...))
	}

	cost := priceCall(b.model, totalIn, totalOut)
	logging.Adapter("[anthropic] query done: in=%d out=%d cost=$%.4f", totalIn, totalOut, cost)
	_ = s.emit(ctx, Message{Kind: KindResult, TotalCostUSD: cost})
}

// toolCall is one pending tool invocation collected from a turn.
type toolCall struct {
	id    string
	name  string
	input string
}

// turnResult is everything one streamed assistant turn produced.
type turnResult struct {
	assistantBlocks []sdk.ContentBlockParamUnion
	toolCalls       []toolCall
	stopReason      string
	inputTokens     int64
	outputTokens    int64
}

// blockBuf accumulates one content block while its deltas stream in.
type blockBuf struct {
	isTool    bool
	toolID    string
	toolName  string
	fragments []string
	text      strings.Builder
}

func (b *AnthropicBackend) consumeTurn(ctx context.Context, params sdk.MessageNewParams, s *Stream) (*turnResult, error) {
	stream := b.msg.NewStreaming(ctx, params)
	defer stream.Close()

	turn := &turnResult{}
	blocks := make(map[int]*blockBuf)

	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case sdk.ContentBlockStartEvent:
			if tu, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
				blocks[int(ev.Index)] = &blockBuf{isTool: true, toolID: tu.ID, toolName: tu.Name}
			}

		case sdk.ContentBlockDeltaEvent:
			idx := int(ev.Index)
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				if delta.Text == "" {
					continue
				}
				buf := blocks[idx]
				if buf == nil {
					buf = &blockBuf{}
					blocks[idx] = buf
				}
				buf.text.WriteString(delta.Text)
			case sdk.InputJSONDelta:
				if buf := blocks[idx]; buf != nil && buf.isTool && delta.PartialJSON != "" {
					buf.fragments = append(buf.fragments, delta.PartialJSON)
				}
			}

		case sdk.ContentBlockStopEvent:
			buf := blocks[int(ev.Index)]
			if buf == nil {
				continue
			}
			delete(blocks, int(ev.Index))
			if buf.isTool {
				input := strings.Join(buf.fragments, "")
				if strings.TrimSpace(input) == "" {
					input = "{}"
				}
				turn.toolCalls = append(turn.toolCalls, toolCall{id: buf.toolID, name: buf.toolName, input: input})
				turn.assistantBlocks = append(turn.assistantBlocks,
					sdk.NewToolUseBlock(buf.toolID, json.RawMessage(input), buf.toolName))
				if err := s.emit(ctx, Message{Kind: KindToolUse, ToolName: buf.toolName, ToolInput: input}); err != nil {
					return nil, err
				}
			} else if text := buf.text.String(); text != "" {
				turn.assistantBlocks = append(turn.assistantBlocks, sdk.NewTextBlock(text))
				if err := s.emit(ctx, Message{Kind: KindText, Text: text}); err != nil {
					return nil, err
				}
			}

		case sdk.MessageDeltaEvent:
			turn.stopReason = string(ev.Delta.StopReason)
			turn.inputTokens += ev.Usage.InputTokens
			turn.outputTokens += ev.Usage.OutputTokens
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return turn, nil
}

func encodeToolDefs(defs []ToolDef) []sdk.ToolUnionParam {
	if len(defs) == 0 {
		return nil
	}
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		schema := sdk.ToolInputSchemaParam{}
		if len(def.InputSchema) > 0 {
			schema.ExtraFields = def.InputSchema
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out
}
