package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// TEIProvider calls a HuggingFace text-embeddings-inference server. This is
// the default deployment backend: a TEI container serving
// sentence-transformers/all-MiniLM-L6-v2 at 384 dimensions.
type TEIProvider struct {
	endpoint   string
	modelID    string
	revision   string
	dimensions int
	httpClient *http.Client
}

// TEIConfig configures a TEIProvider
type TEIConfig struct {
	Endpoint   string
	ModelID    string
	Dimensions int
	Timeout    time.Duration
}

// NewTEIProvider creates a provider for the given TEI endpoint and resolves
// the served model's identity from its /info route. The configured model id
// must match what the server actually loads.
func NewTEIProvider(ctx context.Context, cfg TEIConfig) (*TEIProvider, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	p := &TEIProvider{
		endpoint:   cfg.Endpoint,
		modelID:    cfg.ModelID,
		dimensions: cfg.Dimensions,
		httpClient: &http.Client{Timeout: timeout},
	}

	info, err := p.fetchInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query TEI server info: %w", err)
	}
	if cfg.ModelID != "" && info.ModelID != "" && info.ModelID != cfg.ModelID {
		return nil, fmt.Errorf("TEI server loads model %q, configuration expects %q", info.ModelID, cfg.ModelID)
	}
	if info.ModelID != "" {
		p.modelID = info.ModelID
	}
	p.revision = info.ModelSHA
	return p, nil
}

type teiInfo struct {
	ModelID  string `json:"model_id"`
	ModelSHA string `json:"model_sha"`
}

func (p *TEIProvider) fetchInfo(ctx context.Context) (*teiInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"/info", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create info request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read info response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("TEI info error (status %d): %s", resp.StatusCode, string(body))
	}

	var info teiInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to parse info response: %w", err)
	}
	return &info, nil
}

type teiEmbedRequest struct {
	Inputs   []string `json:"inputs"`
	Truncate bool     `json:"truncate"`
}

// Embed implements Provider
func (p *TEIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch implements Provider
func (p *TEIProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("no texts to embed")
	}

	reqBody, err := json.Marshal(teiEmbedRequest{Inputs: texts, Truncate: true})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/embed", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read embed response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("TEI embed error (status %d): %s", resp.StatusCode, string(body))
	}

	var vectors [][]float32
	if err := json.Unmarshal(body, &vectors); err != nil {
		return nil, fmt.Errorf("failed to parse embed response: %w", err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("TEI returned %d vectors for %d inputs", len(vectors), len(texts))
	}
	for i, v := range vectors {
		if len(v) != p.dimensions {
			return nil, fmt.Errorf("TEI vector %d has %d dimensions, expected %d", i, len(v), p.dimensions)
		}
	}
	return vectors, nil
}

// ModelID implements Provider
func (p *TEIProvider) ModelID() string { return p.modelID }

// ModelRevision implements Provider
func (p *TEIProvider) ModelRevision() string { return p.revision }

// Dimensions implements Provider
func (p *TEIProvider) Dimensions() int { return p.dimensions }
