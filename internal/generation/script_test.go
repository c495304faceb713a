package generation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

func TestValidateScript(t *testing.T) {
	valid := ScenePlan{VoiceoverText: "hook", VisualPrompt: "a scene", DurationSec: 8}

	tests := []struct {
		name    string
		script  Script
		wantErr bool
	}{
		{
			name:   "valid",
			script: Script{Scenes: []ScenePlan{valid, valid}},
		},
		{
			name:    "no scenes",
			script:  Script{},
			wantErr: true,
		},
		{
			name: "missing voiceover",
			script: Script{Scenes: []ScenePlan{
				{VisualPrompt: "a scene", DurationSec: 8},
			}},
			wantErr: true,
		},
		{
			name: "missing visual prompt",
			script: Script{Scenes: []ScenePlan{
				{VoiceoverText: "hook", DurationSec: 8},
			}},
			wantErr: true,
		},
		{
			name: "zero duration",
			script: Script{Scenes: []ScenePlan{
				{VoiceoverText: "hook", VisualPrompt: "a scene"},
			}},
			wantErr: true,
		},
		{
			name: "whitespace-only voiceover",
			script: Script{Scenes: []ScenePlan{
				{VoiceoverText: "   ", VisualPrompt: "a scene", DurationSec: 8},
			}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateScript(&tt.script)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateScript() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// chatCompletionStub serves a canned chat-completion payload.
func chatCompletionStub(t *testing.T, content string) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{
				{Message: openai.ChatCompletionMessage{Content: content}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

func newStubScriptGenerator(t *testing.T, serverURL string) *OpenAIScriptGenerator {
	t.Helper()

	cfg := openai.DefaultConfig("test-key")
	cfg.BaseURL = serverURL + "/v1"
	return NewOpenAIScriptGeneratorWithConfig(cfg, "", zap.NewNop().Sugar())
}

func TestGenerateScript(t *testing.T) {
	script := Script{
		Scenes: []ScenePlan{
			{VoiceoverText: "Ever wondered why your skin feels dry by noon?", VisualPrompt: "close-up of a woman touching her cheek, soft morning light", DurationSec: 8},
			{VoiceoverText: "Try it today — link in bio.", VisualPrompt: "product bottle on a marble counter, golden hour", NegativePrompt: "text overlays, watermarks", DurationSec: 6},
		},
		TotalEstimatedSec: 14,
		Narrative:         "hook, payoff, CTA",
	}
	raw, _ := json.Marshal(script)

	srv := chatCompletionStub(t, string(raw))
	defer srv.Close()

	g := newStubScriptGenerator(t, srv.URL)

	cta := "link in bio"
	got, err := g.GenerateScript(context.Background(), ScriptRequest{Brief: "a moisturizer", CTAText: &cta})
	if err != nil {
		t.Fatalf("GenerateScript failed: %v", err)
	}
	if len(got.Scenes) != 2 {
		t.Fatalf("expected 2 scenes, got %d", len(got.Scenes))
	}
	if got.Scenes[1].NegativePrompt != "text overlays, watermarks" {
		t.Errorf("negative prompt not carried through: %q", got.Scenes[1].NegativePrompt)
	}
}

func TestGenerateScriptRejectsMalformedOutput(t *testing.T) {
	srv := chatCompletionStub(t, `{"scenes": "not an array"}`)
	defer srv.Close()

	g := newStubScriptGenerator(t, srv.URL)

	_, err := g.GenerateScript(context.Background(), ScriptRequest{Brief: "a moisturizer"})
	var sgErr *ScriptGenerationError
	if !errors.As(err, &sgErr) {
		t.Fatalf("expected ScriptGenerationError, got %v", err)
	}
	if sgErr.IsTransient() {
		t.Error("malformed model output must be a permanent failure")
	}
}

func TestGenerateScriptRejectsEmptyPlan(t *testing.T) {
	srv := chatCompletionStub(t, `{"scenes": [], "total_estimated_sec": 0, "narrative": ""}`)
	defer srv.Close()

	g := newStubScriptGenerator(t, srv.URL)

	_, err := g.GenerateScript(context.Background(), ScriptRequest{Brief: "a moisturizer"})
	if err == nil {
		t.Fatal("expected error for empty scene list")
	}
}
