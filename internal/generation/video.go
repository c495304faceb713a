package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

// VideoRequest describes one scene clip to generate. FirstFrame carries raw
// image bytes for backends that accept inline frames; FirstFrameURL a signed
// URL for backends that fetch the frame themselves. Either may be empty.
type VideoRequest struct {
	Prompt         string
	NegativePrompt string
	DurationSec    int
	FirstFrame     []byte
	FirstFrameMIME string
	FirstFrameURL  string
}

// VideoGenerator produces a video clip (raw MP4 bytes) for one scene.
type VideoGenerator interface {
	GenerateVideo(ctx context.Context, req VideoRequest) ([]byte, error)
}

// ---------------------------------------------------------------------------
// Veo backend — Google Gen AI SDK, long-running operation + poll loop.
// ---------------------------------------------------------------------------

const (
	defaultVeoModel    = "veo-3.1-generate-preview"
	veoPollInterval    = 10 * time.Second
	veoMaxPollDuration = 5 * time.Minute
)

type VeoGenerator struct {
	apiKey string
	model  string
	log    *zap.SugaredLogger
}

var _ VideoGenerator = (*VeoGenerator)(nil)

func NewVeoGenerator(apiKey, model string, log *zap.SugaredLogger) *VeoGenerator {
	if model == "" {
		model = defaultVeoModel
	}
	return &VeoGenerator{apiKey: apiKey, model: model, log: log}
}

// GenerateVideo starts an async Veo operation and polls until it finishes.
// Blocking the calling goroutine is intentional: each scene runs in its own
// goroutine inside the asset stage.
func (g *VeoGenerator) GenerateVideo(ctx context.Context, req VideoRequest) ([]byte, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  g.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, &VideoGenerationError{Reason: "failed to create client", Err: err, Transient: true}
	}

	var firstFrame *genai.Image
	if len(req.FirstFrame) > 0 {
		firstFrame = &genai.Image{
			ImageBytes: req.FirstFrame,
			MIMEType:   req.FirstFrameMIME,
		}
	}

	config := &genai.GenerateVideosConfig{
		AspectRatio:      "9:16",
		PersonGeneration: "allow_adult",
		NumberOfVideos:   1,
	}
	if req.NegativePrompt != "" {
		config.NegativePrompt = req.NegativePrompt
	}

	g.log.Infow("starting video generation", "backend", "veo", "model", g.model, "prompt_len", len(req.Prompt))

	operation, err := client.Models.GenerateVideos(ctx, g.model, req.Prompt, firstFrame, config)
	if err != nil {
		return nil, &VideoGenerationError{Reason: "failed to start operation", Err: err, Transient: true}
	}

	deadline := time.Now().Add(veoMaxPollDuration)
	pollCount := 0
	for !operation.Done {
		if time.Now().After(deadline) {
			return nil, &VideoGenerationError{
				Reason:    fmt.Sprintf("timed out after %v (%d polls)", veoMaxPollDuration, pollCount),
				Transient: true,
			}
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("video generation cancelled: %w", ctx.Err())
		case <-time.After(veoPollInterval):
		}

		pollCount++
		operation, err = client.Operations.GetVideosOperation(ctx, operation, nil)
		if err != nil {
			return nil, &VideoGenerationError{
				Reason:    fmt.Sprintf("poll %d failed", pollCount),
				Err:       err,
				Transient: true,
			}
		}
	}

	if len(operation.Error) > 0 {
		errJSON, _ := json.Marshal(operation.Error)
		return nil, &VideoGenerationError{Reason: fmt.Sprintf("operation failed: %s", errJSON)}
	}
	if operation.Response == nil {
		return nil, &VideoGenerationError{Reason: "completed operation has no response", Transient: true}
	}

	// Safety-filter rejections are permanent — the same prompt will be
	// filtered again.
	if operation.Response.RAIMediaFilteredCount > 0 {
		return nil, &VideoGenerationError{
			Reason: fmt.Sprintf("blocked by safety filters (%d filtered)", operation.Response.RAIMediaFilteredCount),
		}
	}
	if len(operation.Response.GeneratedVideos) == 0 {
		return nil, &VideoGenerationError{Reason: "no videos in response", Transient: true}
	}

	video := operation.Response.GeneratedVideos[0]
	if video.Video == nil {
		return nil, &VideoGenerationError{Reason: "generated video object is nil", Transient: true}
	}

	videoBytes, err := client.Files.Download(ctx, genai.NewDownloadURIFromVideo(video.Video), nil)
	if err != nil {
		return nil, &VideoGenerationError{Reason: "failed to download video", Err: err, Transient: true}
	}
	if len(videoBytes) == 0 {
		return nil, &VideoGenerationError{Reason: "downloaded video is empty", Transient: true}
	}

	g.log.Infow("video generated", "backend", "veo", "bytes", len(videoBytes), "polls", pollCount)
	return videoBytes, nil
}

// ---------------------------------------------------------------------------
// Grok backend — deferred request pattern: submit → poll by request_id →
// download from the returned URL.
// ---------------------------------------------------------------------------

const (
	grokDefaultBaseURL   = "https://api.x.ai/v1"
	grokVideoModel       = "grok-imagine-video"
	grokInitialDelay     = 15 * time.Second
	grokPollMinInterval  = 5 * time.Second
	grokPollMaxInterval  = 20 * time.Second
	grokPollBackoff      = 1.5
	grokMaxPollDuration  = 5 * time.Minute
	grokMinDurationSec   = 1
	grokMaxDurationSec   = 15
	grokDefaultDuration  = 8
)

type GrokGenerator struct {
	apiKey  string
	baseURL string
	client  *http.Client
	log     *zap.SugaredLogger
}

var _ VideoGenerator = (*GrokGenerator)(nil)

func NewGrokGenerator(apiKey string, log *zap.SugaredLogger) *GrokGenerator {
	return &GrokGenerator{
		apiKey:  apiKey,
		baseURL: grokDefaultBaseURL,
		// Timeout covers individual HTTP calls, not the full poll cycle.
		client: &http.Client{Timeout: 30 * time.Second},
		log:    log,
	}
}

// NewGrokGeneratorWithBaseURL points the client at a custom endpoint.
// Tests use this with httptest.
func NewGrokGeneratorWithBaseURL(apiKey, baseURL string, log *zap.SugaredLogger) *GrokGenerator {
	g := NewGrokGenerator(apiKey, log)
	g.baseURL = baseURL
	return g
}

type grokGenerationRequest struct {
	Prompt      string          `json:"prompt"`
	Model       string          `json:"model"`
	Image       *grokImageInput `json:"image,omitempty"`
	Duration    int             `json:"duration,omitempty"`
	AspectRatio string          `json:"aspect_ratio,omitempty"`
	Resolution  string          `json:"resolution,omitempty"`
}

type grokImageInput struct {
	URL string `json:"url"`
}

type grokGenerationResponse struct {
	RequestID string `json:"request_id"`
}

// grokVideoResult has two shapes: pending returns {"status":"pending"},
// completed returns a video object with no status field at all.
type grokVideoResult struct {
	Status string           `json:"status"`
	Video  *grokVideoOutput `json:"video,omitempty"`
	Error  string           `json:"error"`
}

type grokVideoOutput struct {
	URL      string `json:"url"`
	Duration int    `json:"duration"`
}

func (g *GrokGenerator) GenerateVideo(ctx context.Context, req VideoRequest) ([]byte, error) {
	duration := req.DurationSec
	if duration <= 0 {
		duration = grokDefaultDuration
	}
	if duration < grokMinDurationSec {
		duration = grokMinDurationSec
	}
	if duration > grokMaxDurationSec {
		duration = grokMaxDurationSec
	}

	prompt := req.Prompt
	if req.NegativePrompt != "" {
		// The API has no negative-prompt field; fold it into the prompt.
		prompt += "\n\nAvoid: " + req.NegativePrompt
	}

	body := grokGenerationRequest{
		Prompt:      prompt,
		Model:       grokVideoModel,
		Duration:    duration,
		AspectRatio: "9:16",
		Resolution:  "720p",
	}
	if req.FirstFrameURL != "" {
		body.Image = &grokImageInput{URL: req.FirstFrameURL}
	}

	g.log.Infow("starting video generation", "backend", "grok", "duration_sec", duration, "has_image", req.FirstFrameURL != "")

	requestID, err := g.submit(ctx, body)
	if err != nil {
		return nil, err
	}

	result, err := g.poll(ctx, requestID)
	if err != nil {
		return nil, err
	}

	videoBytes, err := g.download(ctx, result.Video.URL)
	if err != nil {
		return nil, err
	}
	if len(videoBytes) == 0 {
		return nil, &VideoGenerationError{Reason: "downloaded video is empty", Transient: true}
	}

	g.log.Infow("video generated", "backend", "grok", "bytes", len(videoBytes))
	return videoBytes, nil
}

func (g *GrokGenerator) submit(ctx context.Context, body grokGenerationRequest) (string, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return "", &VideoGenerationError{Reason: "failed to marshal request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", g.baseURL+"/videos/generations", bytes.NewReader(jsonData))
	if err != nil {
		return "", &VideoGenerationError{Reason: "failed to create request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", &VideoGenerationError{Reason: "submit failed", Err: err, Transient: true}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &VideoGenerationError{Reason: "failed to read submit response", Err: err, Transient: true}
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return "", &VideoGenerationError{
			Reason:    fmt.Sprintf("submit returned status %d: %s", resp.StatusCode, truncateForLog(string(respBody))),
			Transient: httpStatusTransient(resp.StatusCode),
		}
	}

	var genResp grokGenerationResponse
	if err := json.Unmarshal(respBody, &genResp); err != nil {
		return "", &VideoGenerationError{Reason: "failed to parse submit response", Err: err}
	}
	if genResp.RequestID == "" {
		return "", &VideoGenerationError{Reason: "no request_id in submit response"}
	}

	return genResp.RequestID, nil
}

func (g *GrokGenerator) poll(ctx context.Context, requestID string) (*grokVideoResult, error) {
	deadline := time.Now().Add(grokMaxPollDuration)
	interval := grokPollMinInterval
	pollCount := 0

	// Skip the guaranteed-pending window before the first poll.
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("video generation cancelled: %w", ctx.Err())
	case <-time.After(grokInitialDelay):
	}

	for {
		if time.Now().After(deadline) {
			return nil, &VideoGenerationError{
				Reason:    fmt.Sprintf("timed out after %v (%d polls, request_id=%s)", grokMaxPollDuration, pollCount, requestID),
				Transient: true,
			}
		}

		pollCount++
		result, err := g.getResult(ctx, requestID)
		if err != nil {
			return nil, err
		}

		if result.Video != nil && result.Video.URL != "" {
			return result, nil
		}

		if result.Status == "failed" {
			reason := result.Error
			if reason == "" {
				reason = "unknown error"
			}
			return nil, &VideoGenerationError{Reason: fmt.Sprintf("generation failed: %s", reason)}
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("video generation cancelled: %w", ctx.Err())
		case <-time.After(interval):
		}

		next := time.Duration(float64(interval) * grokPollBackoff)
		if next > grokPollMaxInterval {
			next = grokPollMaxInterval
		}
		interval = next
	}
}

func (g *GrokGenerator) getResult(ctx context.Context, requestID string) (*grokVideoResult, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", fmt.Sprintf("%s/videos/%s", g.baseURL, requestID), nil)
	if err != nil {
		return nil, &VideoGenerationError{Reason: "failed to create poll request", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, &VideoGenerationError{Reason: "poll failed", Err: err, Transient: true}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &VideoGenerationError{Reason: "failed to read poll response", Err: err, Transient: true}
	}

	// 202 with {"status":"pending"} is a valid poll response.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, &VideoGenerationError{
			Reason:    fmt.Sprintf("poll returned status %d: %s", resp.StatusCode, truncateForLog(string(body))),
			Transient: httpStatusTransient(resp.StatusCode),
		}
	}

	var result grokVideoResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &VideoGenerationError{Reason: "failed to parse poll response", Err: err}
	}
	return &result, nil
}

func (g *GrokGenerator) download(ctx context.Context, videoURL string) ([]byte, error) {
	// Videos can be large; use a longer timeout than the poll client.
	downloadClient := &http.Client{Timeout: 120 * time.Second}

	req, err := http.NewRequestWithContext(ctx, "GET", videoURL, nil)
	if err != nil {
		return nil, &VideoGenerationError{Reason: "failed to create download request", Err: err}
	}

	resp, err := downloadClient.Do(req)
	if err != nil {
		return nil, &VideoGenerationError{Reason: "download failed", Err: err, Transient: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &VideoGenerationError{
			Reason:    fmt.Sprintf("download returned status %d", resp.StatusCode),
			Transient: httpStatusTransient(resp.StatusCode),
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &VideoGenerationError{Reason: "failed to read video data", Err: err, Transient: true}
	}
	return data, nil
}
