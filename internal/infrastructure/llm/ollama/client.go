package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/kirillkom/clinical-batch-intake/internal/core/domain"
	"github.com/kirillkom/clinical-batch-intake/internal/infrastructure/extractor/textdecode"
	"github.com/kirillkom/clinical-batch-intake/internal/infrastructure/resilience"
)

type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
	executor   *resilience.Executor
	limiter    *rate.Limiter
}

type Options struct {
	HTTPTimeout time.Duration
	// Executor wraps every generate call; nil calls Ollama directly.
	Executor *resilience.Executor
	// Limiter throttles generate calls across all batches; nil is unlimited.
	Limiter *rate.Limiter
}

func New(baseURL, model string, opts Options) *Client {
	timeout := opts.HTTPTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
		executor:   opts.Executor,
		limiter:    limiter,
	}
}

// Ping checks that Ollama answers and has the configured model pulled.
func (c *Client) Ping(ctx context.Context) error {
	var response struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := c.getJSON(ctx, "/api/tags", &response, "tags"); err != nil {
		return wrapTemporaryIfNeeded("ollama ping", err)
	}
	for _, m := range response.Models {
		if m.Name == c.model || strings.TrimSuffix(m.Name, ":latest") == c.model {
			return nil
		}
	}
	return fmt.Errorf("ollama model %q is not available", c.model)
}

// ClinicalExtractor reads session documents with a local model and returns
// the structured fields the batch pipeline routes on.
type ClinicalExtractor struct {
	client *Client
}

func NewClinicalExtractor(client *Client) *ClinicalExtractor {
	return &ClinicalExtractor{client: client}
}

type extractionResponse struct {
	ClientName      string   `json:"client_name"`
	SessionDate     string   `json:"session_date"`
	DateConfidence  float64  `json:"date_confidence"`
	SessionType     string   `json:"session_type"`
	Themes          []string `json:"themes"`
	RiskLevel       string   `json:"risk_level"`
	MatchConfidence float64  `json:"match_confidence"`
	QualityScore    float64  `json:"quality_score"`
}

func (e *ClinicalExtractor) Extract(ctx context.Context, data []byte, filename string) (domain.Extraction, error) {
	text, err := textdecode.Decode(data, filename)
	if err != nil {
		return domain.Extraction{}, err
	}

	if err := e.client.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return domain.Extraction{}, ctx.Err()
		}
		return domain.Extraction{}, domain.WrapError(domain.ErrTemporary, "ollama extract", fmt.Errorf("rate limit: %w", err))
	}

	respText, err := e.client.generateJSON(ctx, buildExtractionPrompt(filename, text))
	if err != nil {
		return domain.Extraction{}, wrapTemporaryIfNeeded("ollama extract", err)
	}

	var parsed extractionResponse
	if err := json.Unmarshal([]byte(extractJSONObject(respText)), &parsed); err != nil {
		// Model output varies between calls; a second attempt may parse.
		return domain.Extraction{}, domain.WrapError(domain.ErrTemporary, "ollama extract", fmt.Errorf("parse extraction json: %w", err))
	}
	return parsed.toDomain(text), nil
}

func (r extractionResponse) toDomain(text string) domain.Extraction {
	out := domain.Extraction{
		CandidateClientName: strings.TrimSpace(r.ClientName),
		DateConfidence:      r.DateConfidence,
		SessionType:         strings.ToLower(strings.TrimSpace(r.SessionType)),
		Themes:              cleanThemes(r.Themes),
		RiskLevel:           strings.ToLower(strings.TrimSpace(r.RiskLevel)),
		MatchConfidence:     r.MatchConfidence,
		QualityScore:        r.QualityScore,
		RawText:             text,
	}
	if date, err := domain.ParseSessionDate(strings.TrimSpace(r.SessionDate)); err == nil {
		out.SessionDate = &date
	} else {
		out.DateConfidence = 0
	}
	// Some models answer quality as a fraction. 1 stays 1 on the 0..100 scale.
	if out.QualityScore > 0 && out.QualityScore < 1 {
		out.QualityScore = math.Round(out.QualityScore * 100)
	}
	return out
}

func cleanThemes(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, theme := range in {
		theme = strings.ToLower(strings.TrimSpace(theme))
		if theme == "" {
			continue
		}
		if _, ok := seen[theme]; ok {
			continue
		}
		seen[theme] = struct{}{}
		out = append(out, theme)
	}
	return out
}

func (c *Client) generateJSON(ctx context.Context, prompt string) (string, error) {
	reqBody := map[string]any{
		"model":  c.model,
		"prompt": prompt,
		"stream": false,
		"format": "json",
		"options": map[string]any{
			"temperature": 0,
		},
	}
	return resilience.Do(ctx, c.executor, "ollama.generate", func(ctx context.Context) (string, error) {
		return c.generate(ctx, reqBody)
	}, classifyOllamaError)
}

func (c *Client) generate(ctx context.Context, reqBody map[string]any) (string, error) {
	var response struct {
		Response string `json:"response"`
	}
	if err := c.postJSON(ctx, "/api/generate", reqBody, &response, "generate"); err != nil {
		return "", err
	}
	text := strings.TrimSpace(response.Response)
	if text == "" {
		return "", errors.New("ollama generate returned an empty response")
	}
	return text, nil
}

func extractJSONObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return raw
}
