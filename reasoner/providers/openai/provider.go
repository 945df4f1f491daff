// Package openai implements the reasoner Generator over the official OpenAI
// Go SDK, using the Responses API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/deepnoodle-ai/stride/reasoner"
	"github.com/deepnoodle-ai/wonton/retry"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
)

var (
	DefaultModel         = openai.ChatModelGPT4
	DefaultMaxTokens     = 4096
	DefaultMaxRetries    = 3
	DefaultRetryBaseWait = 1 * time.Second
)

var _ reasoner.Generator = &Provider{}

type Provider struct {
	client        openai.Client
	model         string
	maxTokens     int
	maxRetries    int
	retryBaseWait time.Duration
	options       []option.RequestOption
}

func New(opts ...Option) *Provider {
	p := &Provider{
		model:         DefaultModel,
		maxTokens:     DefaultMaxTokens,
		maxRetries:    DefaultMaxRetries,
		retryBaseWait: DefaultRetryBaseWait,
	}
	// GenerateText owns retries, with backoff and permanent-error
	// classification, so the SDK's internal retry loop is turned off.
	p.options = append(p.options, option.WithMaxRetries(0))
	for _, opt := range opts {
		opt(p)
	}
	p.client = openai.NewClient(p.options...)
	return p
}

func (p *Provider) Name() string {
	return "openai"
}

func (p *Provider) GenerateText(ctx context.Context, req reasoner.TextRequest) (*reasoner.TextResponse, error) {
	params := responses.ResponseNewParams{
		Model: p.model,
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: []responses.ResponseInputItemUnionParam{{
				OfMessage: &responses.EasyInputMessageParam{
					Role: responses.EasyInputMessageRole("user"),
					Content: responses.EasyInputMessageContentUnionParam{
						OfInputItemContentList: []responses.ResponseInputContentUnionParam{{
							OfInputText: &responses.ResponseInputTextParam{
								Text: req.Prompt,
							},
						}},
					},
				},
			}},
		},
	}
	if req.System != "" {
		params.Instructions = openai.String(req.System)
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	if maxTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(maxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}

	var response *responses.Response
	err := retry.DoSimple(ctx, func() error {
		resp, err := p.client.Responses.New(ctx, params)
		if err != nil {
			return classifyError(err)
		}
		response = resp
		return nil
	}, retry.WithMaxAttempts(p.maxRetries+1), retry.WithBackoff(p.retryBaseWait, 5*time.Minute))
	if err != nil {
		return nil, err
	}

	text := outputText(response)
	if text == "" {
		return nil, fmt.Errorf("empty response from openai api")
	}
	return &reasoner.TextResponse{
		Text: text,
		Usage: reasoner.TokenUsage{
			InputTokens:  int(response.Usage.InputTokens),
			OutputTokens: int(response.Usage.OutputTokens),
		},
	}, nil
}

// outputText joins the output_text content of a response's message items.
func outputText(response *responses.Response) string {
	var sb strings.Builder
	for _, item := range response.Output {
		if item.Type != "message" {
			continue
		}
		message := item.AsMessage()
		for _, content := range message.Content {
			if content.Type == "output_text" {
				sb.WriteString(content.AsOutputText().Text)
			}
		}
	}
	return strings.TrimSpace(sb.String())
}

// classifyError marks errors permanent when their status can never succeed
// on retry.
func classifyError(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) && !shouldRetry(apierr.StatusCode) {
		return retry.MarkPermanent(err)
	}
	return err
}

func shouldRetry(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || // 429
		statusCode == http.StatusInternalServerError || // 500
		statusCode == http.StatusServiceUnavailable || // 503
		statusCode == http.StatusGatewayTimeout || // 504
		statusCode == 520 // Cloudflare
}
