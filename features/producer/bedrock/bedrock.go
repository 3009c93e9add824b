// Package bedrock provides a producer.Handler backed by the AWS Bedrock
// Converse API. It shapes job inputs into a structured generation prompt,
// issues one Converse call per job, and splits the returned JSON document
// into the job's leaf artifacts. Provider failures map into the typed error
// taxonomy using the smithy error chain.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"goa.design/reel/runtime/build"
	"goa.design/reel/runtime/build/graph"
	"goa.design/reel/runtime/build/producer"
)

// Name is the provider name jobs select this handler with.
const Name = "bedrock"

const defaultMaxTokens = 4096

type (
	// ConverseClient captures the subset of the Bedrock runtime client used
	// by the handler. It is satisfied by *bedrockruntime.Client.
	ConverseClient interface {
		Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	}

	// Options configures the handler.
	Options struct {
		// DefaultModel is the Bedrock model identifier used when a job does
		// not pin one.
		DefaultModel string

		// MaxTokens caps completion length. Defaults to 4096.
		MaxTokens int

		// Temperature is forwarded when positive.
		Temperature float64
	}

	// Handler implements producer.Handler on top of Bedrock Converse.
	Handler struct {
		runtime ConverseClient
		g       *graph.Graph
		model   string
		maxTok  int
		temp    float64
	}
)

var _ producer.Handler = (*Handler)(nil)

// New builds a Bedrock-backed handler from the provided runtime client, the
// compiled producer graph, and configuration options.
func New(runtime ConverseClient, g *graph.Graph, opts Options) (*Handler, error) {
	if runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
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
		runtime: runtime,
		g:       g,
		model:   opts.DefaultModel,
		maxTok:  maxTok,
		temp:    opts.Temperature,
	}, nil
}

// WarmStart implements producer.Handler. Credential resolution happens on
// the first Converse call.
func (h *Handler) WarmStart(context.Context) error { return nil }

// Invoke shapes the job payload, issues one Converse call, and extracts the
// produced leaves from the returned JSON document.
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
	output, err := h.runtime.Converse(ctx, h.converseInput(req, prompt))
	if err != nil {
		return producer.ProduceResult{}, classify("converse", err)
	}
	doc, err := decodeDocument(output)
	if err != nil {
		return producer.ProduceResult{}, err
	}
	artifacts, err := producer.SplitDocument(h.g, Name, doc, req.Produces)
	if err != nil {
		return producer.ProduceResult{}, err
	}
	return producer.ProduceResult{Status: producer.StatusSucceeded, Artifacts: artifacts}, nil
}

func (h *Handler) converseInput(req producer.ProduceRequest, prompt string) *bedrockruntime.ConverseInput {
	modelID := req.Model
	if modelID == "" {
		modelID = h.model
	}
	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(modelID),
		Messages: []brtypes.Message{{
			Role:    brtypes.ConversationRoleUser,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: prompt}},
		}},
	}
	cfg := &brtypes.InferenceConfiguration{MaxTokens: aws.Int32(int32(h.maxTok))}
	if h.temp > 0 {
		cfg.Temperature = aws.Float32(float32(h.temp))
	}
	input.InferenceConfig = cfg
	return input
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
func decodeDocument(output *bedrockruntime.ConverseOutput) (any, error) {
	if output == nil {
		return nil, producer.NewError(Name, "converse", producer.ErrorKindUnknown,
			"response output is nil", false, nil)
	}
	msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return nil, producer.NewError(Name, "converse", producer.ErrorKindUnknown,
			"response output carries no message", false, nil)
	}
	var b strings.Builder
	for _, block := range msg.Value.Content {
		if text, ok := block.(*brtypes.ContentBlockMemberText); ok {
			b.WriteString(text.Value)
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return nil, producer.NewError(Name, "converse", producer.ErrorKindUnknown,
			"response contains no text content", false, nil)
	}
	var doc any
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return nil, producer.NewError(Name, "converse", producer.ErrorKindUnknown,
			fmt.Sprintf("response is not valid JSON: %v", err), false, err)
	}
	return doc, nil
}

// isRateLimited reports whether err represents a provider rate limiting
// condition: HTTP 429 responses or throttling error codes.
func isRateLimited(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusTooManyRequests
}

// classify maps smithy errors into the typed error taxonomy.
func classify(operation string, err error) error {
	if isRateLimited(err) {
		return producer.NewError(Name, operation, producer.ErrorKindRateLimited, "rate limited", true, err)
	}

	var (
		status int
		msg    string
	)
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		msg = fmt.Sprintf("%s: %s", apiErr.ErrorCode(), apiErr.ErrorMessage())
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}
	if msg == "" {
		msg = err.Error()
	}

	switch {
	case status == http.StatusBadRequest || status == http.StatusUnauthorized || status == http.StatusForbidden:
		return producer.NewError(Name, operation, producer.ErrorKindUserInput, msg, false, err)
	case status >= http.StatusInternalServerError:
		return producer.NewError(Name, operation, producer.ErrorKindUnavailable, msg, true, err)
	default:
		return producer.NewError(Name, operation, producer.ErrorKindUnknown, msg, false, err)
	}
}
