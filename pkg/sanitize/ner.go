package sanitize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// Entity is one detected sensitive span, half-open [Start, End) byte offsets
// into the analysed text.
type Entity struct {
	Start       int
	End         int
	Placeholder string
	Confidence  float64
	Source      string
}

// NERProvider detects free-form PII entities in text
type NERProvider interface {
	// Detect returns the sensitive spans found in text
	Detect(ctx context.Context, text string) ([]Entity, error)

	// Ping verifies the backend is reachable. Called once during warm-up.
	Ping(ctx context.Context) error
}

// DefaultLabelMapping maps recognizer labels to placeholder classes. Labels
// outside the mapping fall through to [REDACTED] when their score clears the
// redaction threshold.
func DefaultLabelMapping() map[string]string {
	return map[string]string{
		"person":       PlaceholderName,
		"name":         PlaceholderName,
		"location":     PlaceholderLocation,
		"address":      PlaceholderLocation,
		"city":         PlaceholderLocation,
		"country":      PlaceholderLocation,
		"email":        PlaceholderEmail,
		"phone number": PlaceholderPhone,
		"phone":        PlaceholderPhone,
		"credit card":  PlaceholderCreditCard,
		"ip address":   PlaceholderIPAddress,
		"username":     PlaceholderUsername,
		"password":     PlaceholderPassword,
		"api key":      PlaceholderAPIKey,
	}
}

// HTTPNERConfig configures the HTTP NER provider
type HTTPNERConfig struct {
	Endpoint string
	Timeout  time.Duration

	// MinScore drops entities below this confidence. Defaults to 0.5.
	MinScore float64

	// RedactScore is the confidence above which an unmapped label still
	// becomes [REDACTED]. Defaults to 0.75.
	RedactScore float64

	// LabelMapping overrides DefaultLabelMapping when non-nil
	LabelMapping map[string]string
}

// HTTPNERProvider calls a GLiNER-style entity extraction server over HTTP.
// Requests go through a circuit breaker so a dead NER backend fails fast
// instead of stalling every ingest behind its timeout.
type HTTPNERProvider struct {
	endpoint    string
	client      *http.Client
	minScore    float64
	redactScore float64
	mapping     map[string]string
	breaker     *gobreaker.CircuitBreaker
}

// NewHTTPNERProvider creates a provider for the given endpoint
func NewHTTPNERProvider(cfg HTTPNERConfig) *HTTPNERProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	minScore := cfg.MinScore
	if minScore <= 0 {
		minScore = 0.5
	}
	redactScore := cfg.RedactScore
	if redactScore <= 0 {
		redactScore = 0.75
	}
	mapping := cfg.LabelMapping
	if mapping == nil {
		mapping = DefaultLabelMapping()
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "ner",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &HTTPNERProvider{
		endpoint:    cfg.Endpoint,
		client:      &http.Client{Timeout: timeout},
		minScore:    minScore,
		redactScore: redactScore,
		mapping:     mapping,
		breaker:     breaker,
	}
}

type nerRequest struct {
	Text   string   `json:"text"`
	Labels []string `json:"labels,omitempty"`
}

type nerEntity struct {
	Text  string  `json:"text"`
	Label string  `json:"label"`
	Start int     `json:"start"`
	End   int     `json:"end"`
	Score float64 `json:"score"`
}

type nerResponse struct {
	Entities []nerEntity `json:"entities"`
}

// Detect implements NERProvider
func (p *HTTPNERProvider) Detect(ctx context.Context, text string) ([]Entity, error) {
	labels := make([]string, 0, len(p.mapping))
	for label := range p.mapping {
		labels = append(labels, label)
	}

	body, err := json.Marshal(nerRequest{Text: text, Labels: labels})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal NER request: %w", err)
	}

	result, err := p.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/detect", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create NER request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := p.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("NER request failed: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read NER response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("NER backend error (status %d): %s", resp.StatusCode, string(respBody))
		}

		var parsed nerResponse
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return nil, fmt.Errorf("failed to parse NER response: %w", err)
		}
		return parsed.Entities, nil
	})
	if err != nil {
		return nil, err
	}

	raw := result.([]nerEntity)
	entities := make([]Entity, 0, len(raw))
	for _, e := range raw {
		if e.Score < p.minScore || e.Start < 0 || e.End <= e.Start || e.End > len(text) {
			continue
		}
		placeholder, mapped := p.mapping[e.Label]
		if !mapped {
			// Unknown entity class: only redact when the model is confident.
			if e.Score < p.redactScore {
				continue
			}
			placeholder = PlaceholderRedacted
		}
		entities = append(entities, Entity{
			Start:       e.Start,
			End:         e.End,
			Placeholder: placeholder,
			Confidence:  e.Score,
			Source:      "ner:" + e.Label,
		})
	}
	return entities, nil
}

// Ping implements NERProvider
func (p *HTTPNERProvider) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create NER health request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("NER backend unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("NER backend unhealthy (status %d)", resp.StatusCode)
	}
	return nil
}
