package generation

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	geminiDefaultBaseURL = "https://generativelanguage.googleapis.com"
	geminiImageModel     = "gemini-3-pro-image-preview"
)

// ImageGenerator produces a still image for a prompt. An optional reference
// image guides subject and style consistency (the project's character or
// product shot).
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string, refImage []byte, refMIME string) ([]byte, error)
}

// GeminiImageGenerator drives the Gemini REST generateContent endpoint with
// image response modality.
type GeminiImageGenerator struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
	log     *zap.SugaredLogger
}

var _ ImageGenerator = (*GeminiImageGenerator)(nil)

func NewGeminiImageGenerator(apiKey string, log *zap.SugaredLogger) *GeminiImageGenerator {
	return &GeminiImageGenerator{
		apiKey:  apiKey,
		baseURL: geminiDefaultBaseURL,
		model:   geminiImageModel,
		client:  &http.Client{Timeout: 300 * time.Second},
		log:     log,
	}
}

// NewGeminiImageGeneratorWithBaseURL points the client at a custom endpoint.
// Tests use this with httptest.
func NewGeminiImageGeneratorWithBaseURL(apiKey, baseURL string, log *zap.SugaredLogger) *GeminiImageGenerator {
	g := NewGeminiImageGenerator(apiKey, log)
	g.baseURL = baseURL
	return g
}

type geminiGenerateContentRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiGenerationConfig struct {
	ResponseModalities []string           `json:"responseModalities,omitempty"`
	ImageConfig        *geminiImageConfig `json:"imageConfig,omitempty"`
}

type geminiImageConfig struct {
	AspectRatio string `json:"aspectRatio,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiGenerateContentResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// GenerateImage generates a single image. Each call is independent — safe
// for parallel execution across scenes.
func (g *GeminiImageGenerator) GenerateImage(ctx context.Context, prompt string, refImage []byte, refMIME string) ([]byte, error) {
	parts := []geminiPart{{Text: composeImagePrompt(prompt, len(refImage) > 0)}}
	if len(refImage) > 0 {
		parts = append(parts, geminiPart{
			InlineData: &geminiInlineData{
				MimeType: refMIME,
				Data:     base64.StdEncoding.EncodeToString(refImage),
			},
		})
	}

	reqBody := geminiGenerateContentRequest{
		Contents: []geminiContent{{Role: "user", Parts: parts}},
		GenerationConfig: &geminiGenerationConfig{
			ResponseModalities: []string{"TEXT", "IMAGE"},
			ImageConfig:        &geminiImageConfig{AspectRatio: "9:16"},
		},
	}

	var imageData []byte
	err := defaultRetry.do(ctx, func() error {
		data, err := g.doGenerateContent(ctx, reqBody)
		if err != nil {
			return err
		}
		imageData = data
		return nil
	})
	if err != nil {
		return nil, err
	}

	g.log.Debugw("image generated", "bytes", len(imageData))
	return imageData, nil
}

func (g *GeminiImageGenerator) doGenerateContent(ctx context.Context, reqBody geminiGenerateContentRequest) ([]byte, error) {
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &ImageGenerationError{Reason: "failed to marshal request", Err: err}
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", g.baseURL, g.model, g.apiKey)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, &ImageGenerationError{Reason: "failed to create request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, &ImageGenerationError{Reason: "request failed", Err: err, Transient: true}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ImageGenerationError{Reason: "failed to read response", Err: err, Transient: true}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &ImageGenerationError{
			Reason:    fmt.Sprintf("status %d: %s", resp.StatusCode, truncateForLog(string(body))),
			Transient: httpStatusTransient(resp.StatusCode),
		}
	}

	var geminiResp geminiGenerateContentResponse
	if err := json.Unmarshal(body, &geminiResp); err != nil {
		return nil, &ImageGenerationError{Reason: "failed to decode response", Err: err}
	}
	if len(geminiResp.Candidates) == 0 {
		return nil, &ImageGenerationError{Reason: "no candidates in response", Transient: true}
	}

	for _, part := range geminiResp.Candidates[0].Content.Parts {
		if part.InlineData != nil && part.InlineData.Data != "" {
			imageData, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
			if err != nil {
				return nil, &ImageGenerationError{Reason: "failed to decode base64 image", Err: err}
			}
			return imageData, nil
		}
	}

	// Text instead of an image usually means the prompt was refused.
	return nil, &ImageGenerationError{Reason: "no image data in response"}
}

func composeImagePrompt(basePrompt string, hasReference bool) string {
	var prompt bytes.Buffer

	if hasReference {
		prompt.WriteString("REFERENCE: Use the attached image for subject identity and style consistency. Copy the subject's appearance and the visual treatment, not the scene.\n\n")
	}
	prompt.WriteString("SCENE TO DEPICT:\n")
	prompt.WriteString(basePrompt)
	prompt.WriteString("\n\nOutput: Portrait 9:16, highest quality.")

	return prompt.String()
}
