package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	recallerr "github.com/chatrecall/chatrecall/internal/errors"
)

// Ollama judge defaults.
const (
	DefaultOllamaHost  = "http://localhost:11434"
	DefaultOllamaModel = "llama3.2"
	DefaultTimeout     = 30 * time.Second
)

// OllamaConfig configures the Ollama relevance judge.
type OllamaConfig struct {
	Host    string
	Model   string
	Timeout time.Duration
}

// OllamaJudge grades candidates with a single chat completion asking
// for a JSON array of integer grades.
type OllamaJudge struct {
	client *http.Client
	config OllamaConfig
}

var _ RelevanceJudge = (*OllamaJudge)(nil)

// NewOllamaJudge creates the judge. No network traffic happens until
// the first Grade call.
func NewOllamaJudge(cfg OllamaConfig) *OllamaJudge {
	if cfg.Host == "" {
		cfg.Host = DefaultOllamaHost
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOllamaModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &OllamaJudge{
		client: &http.Client{},
		config: cfg,
	}
}

const gradingSystemPrompt = `You grade chat-log passages for how well they answer a question.
Reply with ONLY a JSON array of integers, one per passage, in order.
Grades: 0 = irrelevant, 1 = topically related, 2 = partially answers, 3 = directly answers.`

func gradingPrompt(question string, candidates []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nPassages:\n", question)
	for i, c := range candidates {
		fmt.Fprintf(&b, "[%d] %s\n\n", i+1, c)
	}
	fmt.Fprintf(&b, "Reply with a JSON array of %d grades.", len(candidates))
	return b.String()
}

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	System string `json:"system"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
	Format string `json:"format,omitempty"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
}

// Grade implements RelevanceJudge.
func (j *OllamaJudge) Grade(ctx context.Context, question string, candidates []string) ([]int, error) {
	if len(candidates) == 0 {
		return []int{}, nil
	}

	payload, err := json.Marshal(ollamaGenerateRequest{
		Model:  j.config.Model,
		System: gradingSystemPrompt,
		Prompt: gradingPrompt(question, candidates),
		Stream: false,
		Format: "json",
	})
	if err != nil {
		return nil, recallerr.InternalError("encode grading request", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, j.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost,
		j.config.Host+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, recallerr.InternalError("build grading request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := j.client.Do(req)
	if err != nil {
		if reqCtx.Err() != nil {
			return nil, recallerr.New(recallerr.ErrCodeProviderTimeout, "judge request timed out", err)
		}
		return nil, recallerr.New(recallerr.ErrCodeProviderUnavailable, "judge unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(0)
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			retryAfter = time.Duration(secs) * time.Second
		}
		return nil, &recallerr.RateLimitError{Provider: "ollama-judge", RetryAfter: retryAfter}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, recallerr.New(recallerr.ErrCodeProviderUnavailable,
			fmt.Sprintf("judge returned %d: %s", resp.StatusCode, string(body)), nil)
	}

	var out ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, recallerr.MalformedResponseError("decode judge response", err)
	}

	grades, err := parseGrades(out.Response, len(candidates))
	if err != nil {
		return nil, err
	}
	return grades, nil
}

// parseGrades extracts the JSON integer array from the model output.
// Models occasionally wrap the array in prose, so the first bracketed
// region is parsed rather than the whole response.
func parseGrades(response string, want int) ([]int, error) {
	start := strings.Index(response, "[")
	end := strings.LastIndex(response, "]")
	if start < 0 || end <= start {
		return nil, recallerr.MalformedResponseError(
			fmt.Sprintf("judge output has no grade array: %.120s", response), nil)
	}

	var grades []int
	if err := json.Unmarshal([]byte(response[start:end+1]), &grades); err != nil {
		return nil, recallerr.MalformedResponseError("judge grade array is not integers", err)
	}
	if len(grades) != want {
		return nil, recallerr.MalformedResponseError(
			fmt.Sprintf("judge returned %d grades for %d candidates", len(grades), want), nil)
	}

	for i, g := range grades {
		if g < GradeMin {
			grades[i] = GradeMin
		}
		if g > GradeMax {
			grades[i] = GradeMax
		}
	}
	return grades, nil
}

// Available implements RelevanceJudge with a cheap version probe.
func (j *OllamaJudge) Available(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.config.Host+"/api/version", nil)
	if err != nil {
		return false
	}
	resp, err := j.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Close implements RelevanceJudge.
func (j *OllamaJudge) Close() error {
	j.client.CloseIdleConnections()
	return nil
}
