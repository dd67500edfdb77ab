package coach

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Classification sources recorded on an episode.
const (
	SourceRemote    = "remote"
	SourceCache     = "cache"
	SourceHeuristic = "heuristic"
)

// Result is a question classification.
type Result struct {
	Type               QuestionType `json:"type"`
	Confidence         float64      `json:"confidence"`
	RecommendedSeconds *float64     `json:"recommended_seconds,omitempty"`
	Source             string       `json:"-"`
}

// Classifier assigns a type to a question. Implementations must honour ctx
// cancellation; errors are never fatal to the caller.
type Classifier interface {
	Classify(ctx context.Context, questionText string) (Result, error)
}

// HTTPClassifier calls a backend text-classification endpoint.
type HTTPClassifier struct {
	url    string
	token  string
	client *http.Client
}

// NewHTTPClassifier creates a classifier client. The per-call deadline comes
// from the caller's context; timeout is only an upper bound for the transport.
func NewHTTPClassifier(url, token string, timeout time.Duration) *HTTPClassifier {
	return &HTTPClassifier{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: timeout},
	}
}

type classifyRequest struct {
	QuestionText string `json:"question_text"`
}

// Classify posts the question and decodes {type, confidence, recommended_seconds}.
func (c *HTTPClassifier) Classify(ctx context.Context, questionText string) (Result, error) {
	body, err := json.Marshal(classifyRequest{QuestionText: questionText})
	if err != nil {
		return Result{}, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("classify request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, fmt.Errorf("classifier returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Result{}, fmt.Errorf("decode response: %w", err)
	}
	if res.Type == "" {
		return Result{}, fmt.Errorf("classifier response missing type")
	}
	if res.Confidence < 0 || res.Confidence > 1 {
		return Result{}, fmt.Errorf("classifier confidence %v out of range", res.Confidence)
	}
	res.Source = SourceRemote
	return res, nil
}
