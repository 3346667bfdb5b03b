// Package aiclient is a thin façade over an OpenAI-compatible endpoint for
// the three AI call shapes the rest of the system needs: multi-modal VLM
// analysis, text-only structured generation, and embeddings.
//
// Grounded on server/webrtc/frame_client.go (image+text structured-output
// chat completions) and server/models/client.go (the NewClient/option
// wiring, and GenerateDimensionProbeSchema's jsonschema.Reflector usage).
package aiclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/zapdos-labs/mnemora/internal/airuntime"
)

// Capability identifies which of the three AI clients is making a call;
// reuses airuntime's capability vocabulary so acquire/record calls line up
// 1:1 with the runtime's semaphores.
type Capability = airuntime.Capability

// Config configures one capability's underlying OpenAI-compatible client.
type Config struct {
	Capability Capability
	Model      string
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
}

// Client wraps one capability's openai.Client, gated by a shared
// airuntime.Runtime and recording every call to a shared Recorder.
type Client struct {
	cap      Capability
	model    string
	timeout  time.Duration
	oa       openai.Client
	runtime  *airuntime.Runtime
	recorder *Recorder
}

// New builds a Client for one capability.
func New(cfg Config, runtime *airuntime.Runtime, recorder *Recorder) *Client {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Client{
		cap:      cfg.Capability,
		model:    cfg.Model,
		timeout:  cfg.Timeout,
		oa:       openai.NewClient(opts...),
		runtime:  runtime,
		recorder: recorder,
	}
}

// Image is one image attachment for a multi-modal GenerateObject call; Data
// is the raw (JPEG/PNG) bytes, inlined as a data URL as frame_client.go does.
type Image struct {
	Data     []byte
	MimeType string // e.g. "image/jpeg"; defaults to image/jpeg if empty
}

// GenerateObjectRequest mirrors spec §6's generateObject contract.
type GenerateObjectRequest struct {
	System    string
	Prompt    string
	Images    []Image // empty for text-only capabilities
	Schema    any     // JSON schema, typically from ReflectSchema
	SchemaName string
	MaxTokens  int64
}

// GenerateObjectResult mirrors spec §6's {object, usage?{tokens}}.
type GenerateObjectResult struct {
	Object      json.RawMessage
	TotalTokens int64
}

// ReflectSchema builds a strict JSON schema for v the way
// GenerateVLMResponseSchema/GenerateDimensionProbeSchema do.
func ReflectSchema(v any) any {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	return reflector.Reflect(v)
}

// GenerateObject issues a structured-output chat completion, acquiring the
// capability's airuntime slot first and recording success/failure after.
func (c *Client) GenerateObject(ctx context.Context, req GenerateObjectRequest) (*GenerateObjectResult, error) {
	release, err := c.runtime.Acquire(ctx, c.cap)
	if err != nil {
		return nil, fmt.Errorf("aiclient: acquire %s: %w", c.cap, err)
	}
	defer release()

	start := time.Now()
	result, err := c.generateObject(ctx, req)
	duration := time.Since(start)

	if err != nil {
		c.runtime.RecordFailure(c.cap, err, false)
		c.recorder.record(Event{
			Ts: start, Capability: c.cap, Operation: "generateObject", Status: "error",
			Model: c.model, DurationMs: duration.Milliseconds(), ErrorPreview: preview(err.Error()),
		})
		return nil, err
	}

	c.runtime.RecordSuccess(c.cap)
	c.recorder.record(Event{
		Ts: start, Capability: c.cap, Operation: "generateObject", Status: "ok",
		Model: c.model, DurationMs: duration.Milliseconds(), TotalTokens: result.TotalTokens,
		ResponsePreview: preview(string(result.Object)),
	})
	return result, nil
}

func (c *Client) generateObject(ctx context.Context, req GenerateObjectRequest) (*GenerateObjectResult, error) {
	content := []openai.ChatCompletionContentPartUnionParam{}
	if req.System != "" {
		content = append(content, openai.TextContentPart(req.System))
	}
	for _, img := range req.Images {
		mime := img.MimeType
		if mime == "" {
			mime = "image/jpeg"
		}
		dataURL := fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(img.Data))
		content = append(content, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: dataURL}))
	}
	content = append(content, openai.TextContentPart(req.Prompt))

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2000
	}

	schemaParam := openai.ResponseFormatJSONSchemaJSONSchemaParam{
		Name:   req.SchemaName,
		Schema: req.Schema,
		Strict: openai.Bool(true),
	}

	params := openai.ChatCompletionNewParams{
		Model:     openai.ChatModel(c.model),
		Messages:  []openai.ChatCompletionMessageParamUnion{openai.UserMessage(content)},
		MaxTokens: openai.Int(maxTokens),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{JSONSchema: schemaParam},
		},
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.oa.Chat.Completions.New(timeoutCtx, params)
	if err != nil {
		return nil, fmt.Errorf("generateObject request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("generateObject: no choices returned")
	}

	return &GenerateObjectResult{
		Object:      json.RawMessage(resp.Choices[0].Message.Content),
		TotalTokens: resp.Usage.TotalTokens,
	}, nil
}

// Embed mirrors spec §6's embed({model, value, providerOptions:{dimensions}}).
func (c *Client) Embed(ctx context.Context, value string, dimensions int) ([]float32, error) {
	release, err := c.runtime.Acquire(ctx, c.cap)
	if err != nil {
		return nil, fmt.Errorf("aiclient: acquire %s: %w", c.cap, err)
	}
	defer release()

	start := time.Now()
	vec, tokens, err := c.embed(ctx, value, dimensions)
	duration := time.Since(start)

	if err != nil {
		c.runtime.RecordFailure(c.cap, err, false)
		c.recorder.record(Event{
			Ts: start, Capability: c.cap, Operation: "embed", Status: "error",
			Model: c.model, DurationMs: duration.Milliseconds(), ErrorPreview: preview(err.Error()),
		})
		return nil, err
	}

	c.runtime.RecordSuccess(c.cap)
	c.recorder.record(Event{
		Ts: start, Capability: c.cap, Operation: "embed", Status: "ok",
		Model: c.model, DurationMs: duration.Milliseconds(), TotalTokens: tokens,
	})
	return vec, nil
}

func (c *Client) embed(ctx context.Context, value string, dimensions int) ([]float32, int64, error) {
	params := openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(c.model),
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(value)},
	}
	if dimensions > 0 {
		params.Dimensions = openai.Int(int64(dimensions))
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.oa.Embeddings.New(timeoutCtx, params)
	if err != nil {
		return nil, 0, fmt.Errorf("embed request failed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, 0, fmt.Errorf("embed: no embeddings returned")
	}

	vec := make([]float32, len(resp.Data[0].Embedding))
	for i, f := range resp.Data[0].Embedding {
		vec[i] = float32(f)
	}
	return vec, resp.Usage.TotalTokens, nil
}

func preview(s string) string {
	const maxLen = 300
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
