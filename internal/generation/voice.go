package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	elevenLabsBaseURL      = "https://api.elevenlabs.io"
	elevenLabsDefaultModel = "eleven_flash_v2_5"
	elevenLabsDefaultVoice = "pNInz6obpgDQGcFmaJgB"
	elevenLabsOutputFormat = "mp3_44100_128"

	defaultSpeakingSpeed = 0.85

	// durationTolerance bounds how far synthesized audio may drift from the
	// scene's target duration before one corrective retry at adjusted speed.
	durationTolerance = 0.40
)

// VoiceResult is the synthesized voiceover for one scene.
type VoiceResult struct {
	AudioData  []byte
	DurationMs int
	Format     string
}

// VoiceSynthesizer converts voiceover text into speech audio.
type VoiceSynthesizer interface {
	Synthesize(ctx context.Context, text, voiceProfile string, speed float64) (*VoiceResult, error)
}

// ElevenLabsSynthesizer drives the ElevenLabs text-to-speech REST API.
type ElevenLabsSynthesizer struct {
	apiKey  string
	baseURL string
	voiceID string
	modelID string
	client  *http.Client
	log     *zap.SugaredLogger
}

var _ VoiceSynthesizer = (*ElevenLabsSynthesizer)(nil)

func NewElevenLabsSynthesizer(apiKey, voiceID string, log *zap.SugaredLogger) *ElevenLabsSynthesizer {
	if voiceID == "" {
		voiceID = elevenLabsDefaultVoice
	}
	return &ElevenLabsSynthesizer{
		apiKey:  apiKey,
		baseURL: elevenLabsBaseURL,
		voiceID: voiceID,
		modelID: elevenLabsDefaultModel,
		client:  &http.Client{Timeout: 90 * time.Second},
		log:     log,
	}
}

// NewElevenLabsSynthesizerWithBaseURL points the client at a custom endpoint.
// Tests use this with httptest.
func NewElevenLabsSynthesizerWithBaseURL(apiKey, voiceID, baseURL string, log *zap.SugaredLogger) *ElevenLabsSynthesizer {
	s := NewElevenLabsSynthesizer(apiKey, voiceID, log)
	s.baseURL = baseURL
	return s
}

type elevenLabsRequest struct {
	Text          string                   `json:"text"`
	ModelID       string                   `json:"model_id"`
	VoiceSettings *elevenLabsVoiceSettings `json:"voice_settings,omitempty"`
	Speed         *float64                 `json:"speed,omitempty"`
}

type elevenLabsVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style,omitempty"`
	UseSpeakerBoost bool    `json:"use_speaker_boost,omitempty"`
}

// Synthesize converts text to speech. voiceProfile overrides the default
// voice ID when non-empty; speed <= 0 uses the default narration pace.
func (s *ElevenLabsSynthesizer) Synthesize(ctx context.Context, text, voiceProfile string, speed float64) (*VoiceResult, error) {
	voice := s.voiceID
	if voiceProfile != "" {
		voice = voiceProfile
	}
	if speed <= 0 {
		speed = defaultSpeakingSpeed
	}

	reqBody := elevenLabsRequest{
		Text:    text,
		ModelID: s.modelID,
		Speed:   &speed,
		VoiceSettings: &elevenLabsVoiceSettings{
			Stability:       0.60,
			SimilarityBoost: 0.80,
			Style:           0.35,
			UseSpeakerBoost: true,
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &VoiceGenerationError{Reason: "failed to marshal request", Err: err}
	}

	url := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=%s", s.baseURL, voice, elevenLabsOutputFormat)

	var result *VoiceResult
	err = defaultRetry.do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonData))
		if err != nil {
			return &VoiceGenerationError{Reason: "failed to create request", Err: err}
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("xi-api-key", s.apiKey)

		resp, err := s.client.Do(req)
		if err != nil {
			return &VoiceGenerationError{Reason: "request failed", Err: err, Transient: true}
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return &VoiceGenerationError{
				Reason:    fmt.Sprintf("status %d: %s", resp.StatusCode, truncateForLog(string(body))),
				Transient: httpStatusTransient(resp.StatusCode),
			}
		}

		// The response body IS the audio file.
		audioData, err := io.ReadAll(resp.Body)
		if err != nil {
			return &VoiceGenerationError{Reason: "failed to read audio body", Err: err, Transient: true}
		}
		if len(audioData) == 0 {
			return &VoiceGenerationError{Reason: "empty audio response", Transient: true}
		}

		result = &VoiceResult{
			AudioData:  audioData,
			DurationMs: estimateAudioDuration(text, speed),
			Format:     "mp3",
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Debugw("speech synthesized", "voice", voice, "bytes", len(result.AudioData), "estimated_ms", result.DurationMs)
	return result, nil
}

// SynthesizeForDuration synthesizes text and checks the result against the
// scene's target duration. Audio farther than the tolerance from target is
// retried once at a speaking speed scaled toward the target, then accepted
// as-is — the composition engine reconciles the remainder.
func SynthesizeForDuration(ctx context.Context, syn VoiceSynthesizer, text, voiceProfile string, targetSec float64, log *zap.SugaredLogger) (*VoiceResult, error) {
	result, err := syn.Synthesize(ctx, text, voiceProfile, 0)
	if err != nil {
		return nil, err
	}
	if targetSec <= 0 {
		return result, nil
	}

	targetMs := targetSec * 1000
	ratio := float64(result.DurationMs) / targetMs
	if ratio >= 1-durationTolerance && ratio <= 1+durationTolerance {
		return result, nil
	}

	// One corrective pass: scale speed by the overshoot, clamped to the
	// range ElevenLabs accepts.
	adjusted := defaultSpeakingSpeed * ratio
	if adjusted < 0.7 {
		adjusted = 0.7
	}
	if adjusted > 1.2 {
		adjusted = 1.2
	}

	log.Infow("voice duration outside tolerance, retrying at adjusted speed",
		"duration_ms", result.DurationMs, "target_ms", int(targetMs), "speed", adjusted)

	retried, err := syn.Synthesize(ctx, text, voiceProfile, adjusted)
	if err != nil {
		// The first take is usable even if the retry failed.
		return result, nil
	}
	return retried, nil
}

// estimateAudioDuration approximates spoken duration from word count at a
// natural narration pace (~140 words per minute), scaled by speaking speed.
func estimateAudioDuration(text string, speed float64) int {
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	if speed <= 0 {
		speed = 1.0
	}
	const wordsPerMinute = 140.0
	seconds := float64(words) / (wordsPerMinute / 60.0) / speed
	return int(math.Round(seconds * 1000))
}
