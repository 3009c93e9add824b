// Package openai provides a producer.Handler backed by the OpenAI API using
// github.com/openai/openai-go. Structured and text leaves go through Chat
// Completions; image leaves go through the Images API with base64 responses.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"goa.design/reel/runtime/build"
	"goa.design/reel/runtime/build/graph"
	"goa.design/reel/runtime/build/producer"
	"goa.design/reel/runtime/build/schema"
)

// Name is the provider name jobs select this handler with.
const Name = "openai"

type (
	// ChatClient captures the subset of the OpenAI SDK used for structured
	// generation. It is satisfied by &client.Chat.Completions.
	ChatClient interface {
		New(ctx context.Context, params sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
	}

	// ImageClient captures the subset used for image generation. It is
	// satisfied by &client.Images.
	ImageClient interface {
		Generate(ctx context.Context, params sdk.ImageGenerateParams, opts ...option.RequestOption) (*sdk.ImagesResponse, error)
	}

	// Options configures the handler.
	Options struct {
		// DefaultModel is the chat model used when a job does not pin one.
		DefaultModel string

		// ImageModel is the image generation model. Required only for
		// producers with image leaves.
		ImageModel string

		// Temperature is forwarded when positive.
		Temperature float64
	}

	// Handler implements producer.Handler via the OpenAI API.
	Handler struct {
		chat   ChatClient
		images ImageClient
		g      *graph.Graph
		model  string
		imgMod string
		temp   float64
	}
)

var _ producer.Handler = (*Handler)(nil)

// New builds an OpenAI-backed handler. images may be nil when no producer
// routed to this provider declares image leaves.
func New(chat ChatClient, images ImageClient, g *graph.Graph, opts Options) (*Handler, error) {
	if chat == nil {
		return nil, errors.New("openai chat client is required")
	}
	if g == nil {
		return nil, errors.New("producer graph is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	return &Handler{
		chat:   chat,
		images: images,
		g:      g,
		model:  opts.DefaultModel,
		imgMod: opts.ImageModel,
		temp:   opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a handler using the default OpenAI HTTP client.
func NewFromAPIKey(apiKey string, g *graph.Graph, opts Options) (*Handler, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&client.Chat.Completions, &client.Images, g, opts)
}

// WarmStart implements producer.Handler.
func (h *Handler) WarmStart(context.Context) error { return nil }

// Invoke dispatches on the produced leaf types: image leaves route to the
// Images API, everything else to Chat Completions.
func (h *Handler) Invoke(ctx context.Context, req producer.ProduceRequest) (producer.ProduceResult, error) {
	prod, err := h.producerFor(req)
	if err != nil {
		return producer.ProduceResult{}, err
	}
	payload, err := producer.BuildPayload(ctx, req, prod.Input)
	if err != nil {
		return producer.ProduceResult{}, err
	}
	media, err := h.allImages(req.Produces)
	if err != nil {
		return producer.ProduceResult{}, err
	}
	if media {
		return h.generateImages(ctx, req, payload)
	}
	return h.complete(ctx, req, prod, payload)
}

func (h *Handler) complete(ctx context.Context, req producer.ProduceRequest, prod *graph.Producer, payload map[string]any) (producer.ProduceResult, error) {
	prompt, err := producer.ComposePrompt(payload, prod.Output)
	if err != nil {
		return producer.ProduceResult{}, producer.NewError(Name, "compose",
			producer.ErrorKindUnknown, err.Error(), false, err)
	}
	modelID := req.Model
	if modelID == "" {
		modelID = h.model
	}
	params := sdk.ChatCompletionNewParams{
		Messages: []sdk.ChatCompletionMessageParamUnion{sdk.UserMessage(prompt)},
		Model:    sdk.ChatModel(modelID),
	}
	if h.temp > 0 {
		params.Temperature = sdk.Float(h.temp)
	}
	completion, err := h.chat.New(ctx, params)
	if err != nil {
		return producer.ProduceResult{}, classify("chat.completions.new", err)
	}
	doc, err := decodeDocument(completion)
	if err != nil {
		return producer.ProduceResult{}, err
	}
	artifacts, err := producer.SplitDocument(h.g, Name, doc, req.Produces)
	if err != nil {
		return producer.ProduceResult{}, err
	}
	return producer.ProduceResult{Status: producer.StatusSucceeded, Artifacts: artifacts}, nil
}

// generateImages issues one Images.Generate call per produced leaf using the
// shaped "Prompt" payload field.
func (h *Handler) generateImages(ctx context.Context, req producer.ProduceRequest, payload map[string]any) (producer.ProduceResult, error) {
	if h.images == nil {
		return producer.ProduceResult{}, producer.NewError(Name, "images.generate",
			producer.ErrorKindUnknown, "image client is not configured", false, nil)
	}
	prompt, err := imagePrompt(payload)
	if err != nil {
		return producer.ProduceResult{}, err
	}
	res := producer.ProduceResult{Status: producer.StatusSucceeded}
	for _, id := range req.Produces {
		params := sdk.ImageGenerateParams{
			Prompt:         prompt,
			ResponseFormat: sdk.ImageGenerateParamsResponseFormatB64JSON,
		}
		if h.imgMod != "" {
			params.Model = sdk.ImageModel(h.imgMod)
		}
		resp, err := h.images.Generate(ctx, params)
		if err != nil {
			return producer.ProduceResult{}, classify("images.generate", err)
		}
		if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
			return producer.ProduceResult{}, producer.NewError(Name, "images.generate",
				producer.ErrorKindUnknown, "response carries no image data", false, nil)
		}
		data, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
		if err != nil {
			return producer.ProduceResult{}, producer.NewError(Name, "images.generate",
				producer.ErrorKindUnknown, fmt.Sprintf("decode image: %v", err), false, err)
		}
		res.Artifacts = append(res.Artifacts, producer.Artifact{
			ArtifactID: id,
			Status:     producer.StatusSucceeded,
			Blob:       &producer.Blob{Data: data, MimeType: "image/png"},
		})
	}
	return res, nil
}

func (h *Handler) producerFor(req producer.ProduceRequest) (*graph.Producer, error) {
	ref, err := build.ParseRef(string(req.JobID))
	if err != nil {
		return nil, producer.NewError(Name, "invoke", producer.ErrorKindUnknown, err.Error(), false, err)
	}
	prod, ok := h.g.Producer(ref.Owner)
	if !ok {
		return nil, producer.NewError(Name, "invoke", producer.ErrorKindUnknown,
			fmt.Sprintf("unknown producer %q", ref.Owner), false, nil)
	}
	return prod, nil
}

// allImages reports whether every produced leaf is image-typed. Mixing image
// and document leaves in one producer is unsupported on this provider.
func (h *Handler) allImages(produces []build.ArtifactID) (bool, error) {
	images := 0
	for _, id := range produces {
		ref, err := build.ParseRef(string(id))
		if err != nil {
			return false, producer.NewError(Name, "invoke", producer.ErrorKindUnknown, err.Error(), false, err)
		}
		bare := build.NewArtifactID(ref.Owner, ref.Rest)
		v, ok := h.g.Virtual[bare]
		if !ok {
			return false, producer.NewError(Name, "invoke", producer.ErrorKindUnknown,
				fmt.Sprintf("no declared output leaf %s", bare), false, nil)
		}
		switch v.Schema.Type {
		case schema.TypeImage:
			images++
		case schema.TypeAudio, schema.TypeVideo:
			return false, producer.NewError(Name, "invoke", producer.ErrorKindUserInput,
				fmt.Sprintf("leaf %s: %s generation is not supported by this provider", id, v.Schema.Type), false, nil)
		}
	}
	if images > 0 && images != len(produces) {
		return false, producer.NewError(Name, "invoke", producer.ErrorKindUserInput,
			"producer mixes image and document leaves", false, nil)
	}
	return images > 0, nil
}

func imagePrompt(payload map[string]any) (string, error) {
	for _, key := range []string{"Prompt", "prompt"} {
		if s, ok := payload[key].(string); ok && s != "" {
			return s, nil
		}
	}
	return "", producer.NewError(Name, "images.generate", producer.ErrorKindUserInput,
		"payload has no Prompt field", false, nil)
}

func decodeDocument(completion *sdk.ChatCompletion) (any, error) {
	if completion == nil || len(completion.Choices) == 0 {
		return nil, producer.NewError(Name, "chat.completions.new", producer.ErrorKindUnknown,
			"response carries no choices", false, nil)
	}
	text := strings.TrimSpace(completion.Choices[0].Message.Content)
	if text == "" {
		return nil, producer.NewError(Name, "chat.completions.new", producer.ErrorKindUnknown,
			"response contains no text content", false, nil)
	}
	var doc any
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return nil, producer.NewError(Name, "chat.completions.new", producer.ErrorKindUnknown,
			fmt.Sprintf("response is not valid JSON: %v", err), false, err)
	}
	return doc, nil
}

// classify maps SDK errors into the typed error taxonomy.
func classify(operation string, err error) error {
	var apierr *sdk.Error
	if !errors.As(err, &apierr) {
		return producer.NewError(Name, operation, producer.ErrorKindUnknown, err.Error(), false, err)
	}
	switch status := apierr.StatusCode; {
	case status == http.StatusTooManyRequests:
		pe := producer.NewError(Name, operation, producer.ErrorKindRateLimited, "rate limited", true, err)
		if d, ok := retryAfter(apierr.Response); ok {
			pe = pe.WithRetryAfter(d)
		}
		return pe
	case status >= http.StatusInternalServerError:
		return producer.NewError(Name, operation, producer.ErrorKindUnavailable,
			fmt.Sprintf("provider unavailable (status %d)", status), true, err)
	case status >= http.StatusBadRequest:
		return producer.NewError(Name, operation, producer.ErrorKindUserInput,
			fmt.Sprintf("request rejected (status %d)", status), false, err)
	default:
		return producer.NewError(Name, operation, producer.ErrorKindUnknown, err.Error(), false, err)
	}
}

func retryAfter(resp *http.Response) (time.Duration, bool) {
	if resp == nil {
		return 0, false
	}
	secs, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || secs <= 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}
