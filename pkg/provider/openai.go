package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/wangtian24/agiraph/pkg/model"
)

// ChatClient captures the subset of the go-openai client the adapter uses,
// so tests can substitute a scripted implementation.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIOptions configures the OpenAI adapter.
type OpenAIOptions struct {
	DefaultModel string
	MaxTokens    int
	Temperature  float32
}

// OpenAI implements Adapter against the OpenAI Chat Completions API with
// native function-calling. The executor's assistant/tool-result adjacency
// rule matters most here: OpenAI's 400 errors are the primary
// consequence of getting that ordering wrong.
type OpenAI struct {
	Client ChatClient
	Opts   OpenAIOptions
}

var _ Adapter = (*OpenAI)(nil)

// NewOpenAI builds an adapter over client.
func NewOpenAI(client ChatClient, opts OpenAIOptions) *OpenAI {
	return &OpenAI{Client: client, Opts: opts}
}

// FormatTools renders defs as OpenAI function-tool definitions.
func (o *OpenAI) FormatTools(defs []model.ToolDef) any {
	if len(defs) == 0 {
		return nil
	}
	tools := make([]openai.Tool, 0, len(defs))
	for _, d := range defs {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  json.RawMessage(d.Parameters),
			},
		})
	}
	return tools
}

// FormatToolPrompt returns only the per-tool guidance text; OpenAI's native
// function-calling carries the schema out of band via FormatTools.
func (o *OpenAI) FormatToolPrompt(defs []model.ToolDef) string {
	return joinGuidance(defs)
}

// Complete issues one CreateChatCompletion call and translates the result.
func (o *OpenAI) Complete(ctx context.Context, req Request) (model.Response, error) {
	if o.Client == nil {
		return model.Response{}, errors.New("openai: no client configured")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = o.Opts.DefaultModel
	}
	messages := encodeOpenAIMessages(req.System, req.Messages)
	tools, _ := o.FormatTools(req.Tools).([]openai.Tool)

	resp, err := o.Client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       modelID,
		Messages:    messages,
		Tools:       tools,
		Temperature: o.Opts.Temperature,
		MaxTokens:   o.Opts.MaxTokens,
	})
	if err != nil {
		return model.Response{}, fmt.Errorf("openai chat completion: %w", err)
	}
	return translateOpenAIResponse(resp), nil
}

// FormatToolResult builds the "tool"-role message OpenAI expects
// immediately following the assistant message containing call.ID.
func (o *OpenAI) FormatToolResult(call model.ToolCall, result string, isError bool) model.Message {
	text := result
	if isError {
		text = "error: " + result
	}
	return model.Message{
		Role:  model.RoleUser,
		Parts: []model.Part{model.ToolResultPart{ToolUseID: call.ID, Content: text, IsError: isError}},
	}
}

func encodeOpenAIMessages(system string, msgs []model.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if strings.TrimSpace(system) != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, m := range msgs {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case model.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		case model.RoleSystem:
			role = openai.ChatMessageRoleSystem
		}
		msg := openai.ChatCompletionMessage{Role: role, Content: m.Text()}
		for _, p := range m.Parts {
			switch part := p.(type) {
			case model.ToolUsePart:
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   part.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      part.Name,
						Arguments: string(part.Input),
					},
				})
			case model.ToolResultPart:
				msg.Role = openai.ChatMessageRoleTool
				msg.ToolCallID = part.ToolUseID
				msg.Content = part.Content
			}
		}
		out = append(out, msg)
	}
	return out
}

func translateOpenAIResponse(resp openai.ChatCompletionResponse) model.Response {
	var out model.Response
	for _, choice := range resp.Choices {
		out.Text += choice.Message.Content
		for _, call := range choice.Message.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{
				ID:   call.ID,
				Name: call.Function.Name,
				Args: json.RawMessage(call.Function.Arguments),
			})
		}
		if out.StopReason == "" {
			out.StopReason = string(choice.FinishReason)
		}
	}
	out.Usage = model.Usage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	return out
}
