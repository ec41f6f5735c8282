package semantic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/pkg/errors"
)

// ErrNoAPIKey is returned when the judge is constructed without a key.
var ErrNoAPIKey = fmt.Errorf("semantic: api key not configured")

const defaultModel = openai.ChatModelGPT4oMini

// OpenAIJudge implements Judge over the OpenAI chat completions API. The
// model is asked for a strict-JSON verdict so the response can be decoded
// without prose stripping.
type OpenAIJudge struct {
	model   string
	timeout time.Duration
	client  openai.Client
}

// NewOpenAIJudge builds a judge using the given API key and model; an empty
// model selects a small default.
func NewOpenAIJudge(apiKey, model string) (*OpenAIJudge, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrNoAPIKey
	}
	if strings.TrimSpace(model) == "" {
		model = defaultModel
	}
	return &OpenAIJudge{
		model:   model,
		timeout: 8 * time.Second,
		client:  openai.NewClient(option.WithAPIKey(strings.TrimSpace(apiKey))),
	}, nil
}

type judgeVerdict struct {
	Similarity float64 `json:"similarity"`
	Reasoning  string  `json:"reasoning"`
}

const judgeSystemPrompt = "You compare two purchase concept descriptions from Mexican financial documents. " +
	"Return ONLY valid JSON with keys: similarity (number 0-1, how likely both describe the same real-world purchase), reasoning (short string)."

// Similarity implements Judge.
func (j *OpenAIJudge) Similarity(ctx context.Context, a, b string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	payload, _ := json.Marshal(map[string]string{"concept_a": a, "concept_b": b})
	resp, err := j.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: j.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(judgeSystemPrompt),
			openai.UserMessage("Input JSON:\n" + string(payload)),
		},
	})
	if err != nil {
		return 0, errors.Wrap(err, "semantic: completion request")
	}
	if len(resp.Choices) == 0 {
		return 0, fmt.Errorf("semantic: empty completion response")
	}

	var verdict judgeVerdict
	if err := decodeJSON(resp.Choices[0].Message.Content, &verdict); err != nil {
		return 0, errors.Wrap(err, "semantic: parse verdict")
	}
	return clamp01(verdict.Similarity), nil
}

// IsTransient reports whether an error from the semantic service is worth
// retrying: rate limits, server-side failures, and timeouts.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// decodeJSON tolerates models that wrap the JSON body in a code fence.
func decodeJSON(text string, out interface{}) error {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return json.Unmarshal([]byte(strings.TrimSpace(text)), out)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
