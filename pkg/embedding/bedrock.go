package embedding

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

// BedrockProvider calls Amazon Bedrock Titan text embeddings
type BedrockProvider struct {
	client     *bedrockruntime.Client
	modelID    string
	dimensions int
}

// BedrockConfig configures a BedrockProvider
type BedrockConfig struct {
	Region     string
	ModelID    string
	Dimensions int
}

// NewBedrockProvider creates a Bedrock embedding provider using the default
// AWS credential chain
func NewBedrockProvider(ctx context.Context, cfg BedrockConfig) (*BedrockProvider, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	modelID := cfg.ModelID
	if modelID == "" {
		modelID = "amazon.titan-embed-text-v2:0"
	}

	return &BedrockProvider{
		client:     bedrockruntime.NewFromConfig(awsCfg),
		modelID:    modelID,
		dimensions: cfg.Dimensions,
	}, nil
}

// titanEmbedRequest is the request body for Titan embedding models
type titanEmbedRequest struct {
	InputText  string `json:"inputText"`
	Dimensions int    `json:"dimensions,omitempty"`
	Normalize  bool   `json:"normalize"`
}

// titanEmbedResponse is the response body from Titan embedding models
type titanEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed implements Provider
func (p *BedrockProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	reqBody, err := json.Marshal(titanEmbedRequest{
		InputText:  text,
		Dimensions: p.dimensions,
		Normalize:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	output, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(p.modelID),
		ContentType: aws.String("application/json"),
		Body:        reqBody,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to invoke model: %w", err)
	}

	var resp titanEmbedResponse
	if err := json.Unmarshal(output.Body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse Titan response: %w", err)
	}
	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("no embedding in response")
	}
	return resp.Embedding, nil
}

// EmbedBatch implements Provider. Titan has no batch endpoint, so inputs are
// embedded sequentially.
func (p *BedrockProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("no texts to embed")
	}
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := p.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("failed to embed batch item %d: %w", i, err)
		}
		vectors[i] = v
	}
	return vectors, nil
}

// ModelID implements Provider
func (p *BedrockProvider) ModelID() string { return p.modelID }

// ModelRevision implements Provider. Bedrock pins revisions in the model id.
func (p *BedrockProvider) ModelRevision() string { return "" }

// Dimensions implements Provider
func (p *BedrockProvider) Dimensions() int { return p.dimensions }
