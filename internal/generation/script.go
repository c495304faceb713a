package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const defaultScriptModel = "gpt-5-mini"

// ScenePlan is one scene of the generated ad script.
type ScenePlan struct {
	VoiceoverText  string  `json:"voiceover_text"`
	VisualPrompt   string  `json:"visual_prompt"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	DurationSec    float64 `json:"duration_sec"`
}

// Script is the full ad plan returned by the script stage. The first scene
// carries the hook; the last scene ends with the call to action.
type Script struct {
	Scenes            []ScenePlan `json:"scenes"`
	TotalEstimatedSec float64     `json:"total_estimated_sec"`
	Narrative         string      `json:"narrative"`
}

// ScriptRequest carries the creative inputs for script generation.
type ScriptRequest struct {
	Brief    string
	CTAText  *string
	Language *string
}

// ScriptGenerator produces an ad script from a product brief.
type ScriptGenerator interface {
	GenerateScript(ctx context.Context, req ScriptRequest) (*Script, error)
}

// OpenAIScriptGenerator generates scripts via chat completions in JSON mode.
// The model's output is untrusted: it is parsed and shape-validated at this
// boundary, and any violation is a permanent ScriptGenerationError.
type OpenAIScriptGenerator struct {
	client *openai.Client
	model  string
	log    *zap.SugaredLogger
}

var _ ScriptGenerator = (*OpenAIScriptGenerator)(nil)

func NewOpenAIScriptGenerator(apiKey, model string, log *zap.SugaredLogger) *OpenAIScriptGenerator {
	if model == "" {
		model = defaultScriptModel
	}
	return &OpenAIScriptGenerator{
		client: openai.NewClient(apiKey),
		model:  model,
		log:    log,
	}
}

// NewOpenAIScriptGeneratorWithConfig allows pointing the client at a custom
// endpoint. Tests use this with httptest.
func NewOpenAIScriptGeneratorWithConfig(cfg openai.ClientConfig, model string, log *zap.SugaredLogger) *OpenAIScriptGenerator {
	if model == "" {
		model = defaultScriptModel
	}
	return &OpenAIScriptGenerator{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		log:    log,
	}
}

func (g *OpenAIScriptGenerator) GenerateScript(ctx context.Context, req ScriptRequest) (*Script, error) {
	var script *Script

	err := defaultRetry.do(ctx, func() error {
		resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model: g.model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: buildScriptSystemPrompt(req)},
				{Role: openai.ChatMessageRoleUser, Content: buildScriptUserPrompt(req)},
			},
			ResponseFormat: &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONObject,
			},
			Temperature: 1.0,
		})
		if err != nil {
			return &ScriptGenerationError{Reason: "request failed", Err: err, Transient: true}
		}

		if len(resp.Choices) == 0 {
			return &ScriptGenerationError{Reason: "no choices in response", Transient: true}
		}

		raw := resp.Choices[0].Message.Content

		var parsed Script
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			g.log.Warnw("script parse failed", "error", err, "raw", truncateForLog(raw))
			return &ScriptGenerationError{Reason: "failed to parse model output", Err: err}
		}

		if err := validateScript(&parsed); err != nil {
			g.log.Warnw("script validation failed", "error", err, "raw", truncateForLog(raw))
			return &ScriptGenerationError{Reason: err.Error()}
		}

		script = &parsed
		return nil
	})
	if err != nil {
		return nil, err
	}

	g.log.Infow("script generated",
		"scenes", len(script.Scenes),
		"total_estimated_sec", script.TotalEstimatedSec,
	)
	return script, nil
}

// validateScript rejects any script a downstream stage could not act on.
func validateScript(s *Script) error {
	if len(s.Scenes) == 0 {
		return fmt.Errorf("script has no scenes")
	}

	for i, scene := range s.Scenes {
		var missing []string
		if strings.TrimSpace(scene.VoiceoverText) == "" {
			missing = append(missing, "voiceover_text")
		}
		if strings.TrimSpace(scene.VisualPrompt) == "" {
			missing = append(missing, "visual_prompt")
		}
		if scene.DurationSec <= 0 {
			missing = append(missing, "duration_sec")
		}
		if len(missing) > 0 {
			return fmt.Errorf("scene %d missing required fields: %v", i, missing)
		}
	}
	return nil
}

func truncateForLog(s string) string {
	const maxLogLen = 2000
	if len(s) <= maxLogLen {
		return s
	}
	return s[:maxLogLen] + "..."
}

func buildScriptSystemPrompt(req ScriptRequest) string {
	language := "en"
	if req.Language != nil && *req.Language != "" {
		language = *req.Language
	}

	prompt := fmt.Sprintf(`You are an expert short-form video ad strategist writing scripts for portrait-format viewing (9:16, like TikTok/Reels/Shorts).

Your task is to turn a product brief into a scene-by-scene ad script.

LANGUAGE: %s
All voiceover_text must be written in the "%s" language. Visual prompts stay in English for the generation engine.

Before writing any individual scene, compose the ENTIRE ad as one flowing pitch: hook, build, payoff. Only then divide it into scenes. Read back-to-back, the voiceovers should sound like one person making one persuasive case.

Guidelines:
- Produce 3 to 6 scenes. Each scene is 6-10 seconds of spoken narration (duration_sec in that range).
- The FIRST scene must open with a hook that stops scrolling — genuine curiosity or surprise, not a generic intro.
- voiceover_text is read aloud by text-to-speech. Write to be LISTENED to: short punchy sentences, contractions, no parenthetical asides.
- visual_prompt is a complete scene description for an AI video engine: subject, setting, lighting, motion, composed for vertical 9:16 framing. Present tense, cinematic, no audio cues.
- negative_prompt lists what the video engine must avoid for that scene (text overlays, watermarks, distorted faces, off-brand elements). May be empty.

ALL FIELDS ARE REQUIRED:
- voiceover_text: NEVER empty.
- visual_prompt: NEVER empty.
- duration_sec: NEVER zero.
- total_estimated_sec: sum of scene durations.
- narrative: one line describing the arc.

Respond with JSON only, matching the schema: {"scenes": [{"voiceover_text", "visual_prompt", "negative_prompt", "duration_sec"}], "total_estimated_sec", "narrative"}.`, language, language)

	if req.CTAText != nil && *req.CTAText != "" {
		prompt += fmt.Sprintf(`

The FINAL scene's voiceover_text MUST end with this call-to-action: %q. Weave it naturally into the narration — do not just append it mechanically.`, *req.CTAText)
	} else {
		prompt += `

End the final scene with a clear call-to-action.`
	}

	return prompt
}

func buildScriptUserPrompt(req ScriptRequest) string {
	prompt := fmt.Sprintf("Write a short-form video ad script for this product brief:\n\n%s", req.Brief)

	var extras []string
	if req.CTAText != nil && *req.CTAText != "" {
		extras = append(extras, fmt.Sprintf("End with CTA: %q", *req.CTAText))
	}
	if req.Language != nil && *req.Language != "" && *req.Language != "en" {
		extras = append(extras, fmt.Sprintf("Language: %s", *req.Language))
	}
	if len(extras) > 0 {
		prompt += "\n\nConstraints:\n- " + strings.Join(extras, "\n- ")
	}

	return prompt
}
