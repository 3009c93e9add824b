package openai

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"testing"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/require"

	"goa.design/reel/runtime/build"
	"goa.design/reel/runtime/build/blueprint"
	"goa.design/reel/runtime/build/graph"
	"goa.design/reel/runtime/build/plan"
	"goa.design/reel/runtime/build/producer"
	"goa.design/reel/runtime/build/schema"
)

type stubChat struct {
	lastParams sdk.ChatCompletionNewParams
	resp       *sdk.ChatCompletion
	err        error
}

func (s *stubChat) New(_ context.Context, params sdk.ChatCompletionNewParams, _ ...option.RequestOption) (*sdk.ChatCompletion, error) {
	s.lastParams = params
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

type stubImages struct {
	lastParams sdk.ImageGenerateParams
	resp       *sdk.ImagesResponse
	err        error
	calls      int
}

func (s *stubImages) Generate(_ context.Context, params sdk.ImageGenerateParams, _ ...option.RequestOption) (*sdk.ImagesResponse, error) {
	s.lastParams = params
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func testGraph(t *testing.T) *graph.Graph {
	t.Helper()
	tree := &blueprint.Tree{
		Meta: blueprint.Meta{ID: "movie-1", Name: "mixed", Kind: blueprint.KindBlueprint},
		Inputs: []blueprint.InputDecl{
			{Name: "Topic", Type: blueprint.TypeString, Required: true},
		},
		Producers: []blueprint.ProducerDecl{
			{Alias: "DocProducer", Provider: Name, Model: "gpt-test", OutputSchemaRef: "doc"},
			{Alias: "ImageProducer", Provider: Name, Model: "img-test", OutputSchemaRef: "image"},
		},
		Connections: []blueprint.Connection{
			{Consumer: "DocProducer.Topic", Source: "Input:Topic"},
			{Consumer: "ImageProducer.Prompt", Source: "DocProducer.Title"},
		},
	}
	docs := map[string]string{
		"doc":   `{"type": "object", "properties": {"Title": {"type": "string"}}}`,
		"image": `{"type": "object", "properties": {"Image": {"type": "image"}}}`,
	}
	g, err := graph.Build(tree, func(ref string) (*schema.Schema, error) {
		doc, ok := docs[ref]
		if !ok {
			return nil, fmt.Errorf("unknown schema %q", ref)
		}
		return schema.Parse([]byte(doc))
	})
	require.NoError(t, err)
	return g
}

func docRequest(t *testing.T) producer.ProduceRequest {
	t.Helper()
	title, err := build.ParsePath("Title")
	require.NoError(t, err)
	return producer.ProduceRequest{
		JobID:    build.NewJobID("DocProducer", nil),
		Provider: Name,
		Revision: "rev-1",
		Produces: []build.ArtifactID{build.NewArtifactID("DocProducer", title)},
		Context: plan.Context{
			Extras: map[string]any{"resolvedInputs": map[string]any{"Topic": "glaciers"}},
		},
	}
}

func imageRequest(t *testing.T) producer.ProduceRequest {
	t.Helper()
	img, err := build.ParsePath("Image")
	require.NoError(t, err)
	return producer.ProduceRequest{
		JobID:    build.NewJobID("ImageProducer", nil),
		Provider: Name,
		Revision: "rev-1",
		Produces: []build.ArtifactID{build.NewArtifactID("ImageProducer", img)},
		Resolved: map[string]build.Value{"Prompt": build.StringValue("a glacier at dawn")},
	}
}

func TestInvokeChatCompletionSplitsDocument(t *testing.T) {
	t.Parallel()

	chat := &stubChat{resp: &sdk.ChatCompletion{
		Choices: []sdk.ChatCompletionChoice{
			{Message: sdk.ChatCompletionMessage{Content: `{"Title": "Rivers of Ice"}`}},
		},
	}}
	h, err := New(chat, nil, testGraph(t), Options{DefaultModel: "gpt-test"})
	require.NoError(t, err)

	res, err := h.Invoke(context.Background(), docRequest(t))
	require.NoError(t, err)
	require.Equal(t, producer.StatusSucceeded, res.Status)
	require.Len(t, res.Artifacts, 1)
	require.Equal(t, build.ArtifactID("Artifact:DocProducer.Title"), res.Artifacts[0].ArtifactID)
	require.Equal(t, "Rivers of Ice", string(res.Artifacts[0].Blob.Data))
	require.Equal(t, sdk.ChatModel("gpt-test"), chat.lastParams.Model)
}

func TestInvokeImageLeafUsesImagesAPI(t *testing.T) {
	t.Parallel()

	png := []byte{0x89, 'P', 'N', 'G'}
	images := &stubImages{resp: &sdk.ImagesResponse{
		Data: []sdk.Image{{B64JSON: base64.StdEncoding.EncodeToString(png)}},
	}}
	chat := &stubChat{}
	h, err := New(chat, images, testGraph(t), Options{DefaultModel: "gpt-test", ImageModel: "img-test"})
	require.NoError(t, err)

	res, err := h.Invoke(context.Background(), imageRequest(t))
	require.NoError(t, err)
	require.Equal(t, 1, images.calls)
	require.Equal(t, "a glacier at dawn", images.lastParams.Prompt)
	require.Len(t, res.Artifacts, 1)
	require.Equal(t, "image/png", res.Artifacts[0].Blob.MimeType)
	require.Equal(t, png, res.Artifacts[0].Blob.Data)
}

func TestInvokeImageWithoutPromptFails(t *testing.T) {
	t.Parallel()

	images := &stubImages{}
	h, err := New(&stubChat{}, images, testGraph(t), Options{DefaultModel: "gpt-test"})
	require.NoError(t, err)

	req := imageRequest(t)
	req.Resolved = nil
	_, err = h.Invoke(context.Background(), req)
	pe, ok := producer.AsError(err)
	require.True(t, ok)
	require.Equal(t, producer.ErrorKindUserInput, pe.Kind())
	require.Zero(t, images.calls)
}

func TestInvokeImageWithoutClientFails(t *testing.T) {
	t.Parallel()

	h, err := New(&stubChat{}, nil, testGraph(t), Options{DefaultModel: "gpt-test"})
	require.NoError(t, err)

	_, err = h.Invoke(context.Background(), imageRequest(t))
	pe, ok := producer.AsError(err)
	require.True(t, ok)
	require.Equal(t, producer.ErrorKindUnknown, pe.Kind())
}

func TestClassifyStatusMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status    int
		kind      producer.ErrorKind
		retryable bool
	}{
		{http.StatusTooManyRequests, producer.ErrorKindRateLimited, true},
		{http.StatusBadRequest, producer.ErrorKindUserInput, false},
		{http.StatusBadGateway, producer.ErrorKindUnavailable, true},
	}
	for _, tc := range cases {
		err := classify("chat.completions.new", &sdk.Error{StatusCode: tc.status})
		pe, ok := producer.AsError(err)
		require.True(t, ok, "status %d", tc.status)
		require.Equal(t, tc.kind, pe.Kind(), "status %d", tc.status)
		require.Equal(t, tc.retryable, pe.Retryable(), "status %d", tc.status)
	}
}
