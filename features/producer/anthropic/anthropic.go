// Package anthropic provides a producer.Handler backed by the Anthropic
// Claude Messages API. It shapes job inputs into a structured generation
// prompt using github.com/anthropics/anthropic-sdk-go, asks the model for a
// document conforming to the producer's output schema, and splits the
// response into the job's leaf artifacts.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"goa.design/reel/runtime/build"
	"goa.design/reel/runtime/build/graph"
	"goa.design/reel/runtime/build/producer"
)

// Name is the provider name jobs select this handler with.
const Name = "anthropic"

const defaultMaxTokens = 4096

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by
	// the handler. It is satisfied by *sdk.MessageService so callers can pass
	// either a real client or a mock in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures optional handler behavior.
	Options struct {
		// DefaultModel is the Claude model identifier used when a job does
		// not pin one.
		DefaultModel string

		// MaxTokens caps completion length. Defaults to 4096.
		MaxTokens int

		// Temperature is forwarded when positive.
		Temperature float64
	}

	// Handler implements producer.Handler on top of Claude Messages.
	Handler struct {
		msg    MessagesClient
		g      *graph.Graph
		model  string
		maxTok int
		temp   float64
	}
)

var _ producer.Handler = (*Handler)(nil)

// New builds an Anthropic-backed handler from the provided Messages client,
// the compiled producer graph, and configuration options.
func New(msg MessagesClient, g *graph.Graph, opts Options) (*Handler, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if g == nil {
		return nil, errors.New("producer graph is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = defaultMaxTokens
	}
	return &Handler{
		msg:    msg,
		g:      g,
		model:  opts.DefaultModel,
		maxTok: maxTok,
		temp:   opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a handler using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey string, g *graph.Graph, opts Options) (*Handler, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, g, opts)
}

// WarmStart implements producer.Handler. The client carries its credential;
// there is nothing remote to validate cheaply.
func (h *Handler) WarmStart(context.Context) error { return nil }

// Invoke shapes the job payload, issues one Messages.New call, and extracts
// the produced leaves from the returned JSON document.
func (h *Handler) Invoke(ctx context.Context, req producer.ProduceRequest) (producer.ProduceResult, error) {
	prod, err := h.producerFor(req)
	if err != nil {
		return producer.ProduceResult{}, err
	}
	payload, err := producer.BuildPayload(ctx, req, prod.Input)
	if err != nil {
		return producer.ProduceResult{}, err
	}
	prompt, err := producer.ComposePrompt(payload, prod.Output)
	if err != nil {
		return producer.ProduceResult{}, producer.NewError(Name, "compose",
			producer.ErrorKindUnknown, err.Error(), false, err)
	}
	modelID := req.Model
	if modelID == "" {
		modelID = h.model
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(h.maxTok),
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(prompt))},
		Model:     sdk.Model(modelID),
	}
	if h.temp > 0 {
		params.Temperature = sdk.Float(h.temp)
	}
	msg, err := h.msg.New(ctx, params)
	if err != nil {
		return producer.ProduceResult{}, classify("messages.new", err)
	}
	doc, err := decodeDocument(msg)
	if err != nil {
		return producer.ProduceResult{}, err
	}
	artifacts, err := producer.SplitDocument(h.g, Name, doc, req.Produces)
	if err != nil {
		return producer.ProduceResult{}, err
	}
	return producer.ProduceResult{Status: producer.StatusSucceeded, Artifacts: artifacts}, nil
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

// decodeDocument joins the response text blocks and parses them as a single
// JSON document.
func decodeDocument(msg *sdk.Message) (any, error) {
	if msg == nil {
		return nil, producer.NewError(Name, "messages.new", producer.ErrorKindUnknown,
			"response message is nil", false, nil)
	}
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return nil, producer.NewError(Name, "messages.new", producer.ErrorKindUnknown,
			"response contains no text content", false, nil)
	}
	var doc any
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return nil, producer.NewError(Name, "messages.new", producer.ErrorKindUnknown,
			fmt.Sprintf("response is not valid JSON: %v", err), false, err)
	}
	return doc, nil
}

// classify maps SDK errors into the typed error taxonomy: 429 is rate
// limited and retryable, 5xx and overload are unavailable and retryable,
// 4xx are user input errors, everything else unknown.
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
	case status >= http.StatusInternalServerError || status == 529:
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
