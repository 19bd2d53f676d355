package embeddings

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"mcpgate/internal/config"
)

// BedrockEmbedder generates embeddings with Amazon Titan via Bedrock
type BedrockEmbedder struct {
	client     *bedrockruntime.Client
	modelID    string
	dimensions int
}

// NewBedrockEmbedder creates a Titan embedder. Static credentials are used
// when configured; otherwise the default AWS credential chain applies.
func NewBedrockEmbedder(ctx context.Context, cfg *config.EmbedderConfig) (*BedrockEmbedder, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	var awsCfg aws.Config
	var err error
	if cfg.AccessKeyID != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID,
				cfg.SecretAccessKey,
				"",
			)),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	modelID := cfg.Model
	if modelID == "" {
		modelID = "amazon.titan-embed-text-v2:0"
	}

	return &BedrockEmbedder{
		client:     bedrockruntime.NewFromConfig(awsCfg),
		modelID:    modelID,
		dimensions: cfg.Dimensions,
	}, nil
}

// Embed generates an embedding through Titan's InvokeModel API
func (e *BedrockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	reqBody := map[string]any{
		"inputText": text,
	}
	if e.dimensions > 0 {
		reqBody["dimensions"] = e.dimensions
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	output, err := e.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(e.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, fmt.Errorf("bedrock embed: %w", err)
	}

	var result struct {
		Embedding   []float32 `json:"embedding"`
		InputTokens int64     `json:"inputTextTokenCount"`
	}
	if err := json.Unmarshal(output.Body, &result); err != nil {
		return nil, err
	}
	if len(result.Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding returned")
	}

	return result.Embedding, nil
}

// EmbedBatch embeds texts one at a time; Titan has no batch API
func (e *BedrockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		emb, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		embeddings[i] = emb
	}
	return embeddings, nil
}
