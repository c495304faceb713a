package compose

import (
	"fmt"
)

// Target canvas and timing profile for the final ad.
const (
	OutputWidth  = 1080
	OutputHeight = 1920
	FrameRate    = 30

	// FrameMs is the reconciliation tolerance: clip and voice durations
	// within one frame of each other are left alone.
	FrameMs = 1000 / FrameRate

	// FadeMs is the crossfade length at segment boundaries.
	FadeMs = 500

	// CTAMinMs floors the call-to-action still segment.
	CTAMinMs = 3000

	// BackgroundVolume keeps the music bed under the narration.
	BackgroundVolume = 0.15
)

// SceneMedia is the measured input for one scene: local file paths plus
// durations. VideoPath is empty for the still CTA scene, which uses
// ImagePath instead.
type SceneMedia struct {
	Sequence        int
	VideoPath       string
	ImagePath       string
	AudioPath       string
	VoiceDurationMs int
	ClipDurationMs  int
}

// IsStill reports whether this scene renders from a still image.
func (m SceneMedia) IsStill() bool { return m.VideoPath == "" && m.ImagePath != "" }

// Segment is one planned slice of the output timeline.
type Segment struct {
	Sequence    int
	IsStill     bool
	TargetMs    int
	FreezePadMs int // extend the clip by freezing its last frame
	TrimToMs    int // cut the clip to this length
	FadeIn      bool
	FadeOut     bool
}

// Plan is the full composition timeline. Building it is pure — no I/O —
// so every duration decision is testable without ffmpeg.
type Plan struct {
	Segments        []Segment
	TotalMs         int
	BackgroundLoops int
}

// ReconcileDuration decides how to make a clip match its voiceover. Voice
// length wins: a short clip is freeze-extended, a long clip is trimmed, and
// a difference within one frame is left untouched.
func ReconcileDuration(clipMs, voiceMs int) (freezePadMs, trimToMs int) {
	diff := clipMs - voiceMs
	if diff < 0 {
		diff = -diff
	}
	if diff <= FrameMs {
		return 0, 0
	}
	if clipMs < voiceMs {
		return voiceMs - clipMs, 0
	}
	return 0, voiceMs
}

// BuildPlan lays out the timeline for the given scenes. expectedCount is the
// project's scene count; a mismatch means the caller handed over a partial
// set and composition must not start. backgroundMs is the background track
// length (0 when there is no track).
func BuildPlan(scenes []SceneMedia, expectedCount, backgroundMs int) (*Plan, error) {
	if len(scenes) == 0 {
		return nil, fmt.Errorf("no scenes to compose")
	}
	if len(scenes) != expectedCount {
		return nil, fmt.Errorf("scene count mismatch: have %d, project expects %d", len(scenes), expectedCount)
	}

	plan := &Plan{Segments: make([]Segment, 0, len(scenes))}

	for i, m := range scenes {
		seg := Segment{
			Sequence: m.Sequence,
			IsStill:  m.IsStill(),
			FadeIn:   i > 0,
			FadeOut:  i < len(scenes)-1,
		}

		if seg.IsStill {
			// The CTA still holds at least its floor, longer if the
			// voiceover needs it.
			seg.TargetMs = m.VoiceDurationMs
			if seg.TargetMs < CTAMinMs {
				seg.TargetMs = CTAMinMs
			}
		} else {
			if m.VideoPath == "" {
				return nil, fmt.Errorf("scene %d has no video and no image", m.Sequence)
			}
			seg.FreezePadMs, seg.TrimToMs = ReconcileDuration(m.ClipDurationMs, m.VoiceDurationMs)
			seg.TargetMs = m.VoiceDurationMs
			if seg.FreezePadMs == 0 && seg.TrimToMs == 0 {
				// Within tolerance: the clip's own length stands.
				seg.TargetMs = m.ClipDurationMs
			}
		}

		plan.Segments = append(plan.Segments, seg)
		plan.TotalMs += seg.TargetMs
	}

	if backgroundMs > 0 {
		plan.BackgroundLoops = backgroundLoops(plan.TotalMs, backgroundMs)
	}

	return plan, nil
}

// backgroundLoops returns how many times the track must play to cover the
// timeline; the mix trims the overhang.
func backgroundLoops(totalMs, trackMs int) int {
	loops := totalMs / trackMs
	if totalMs%trackMs != 0 {
		loops++
	}
	if loops < 1 {
		loops = 1
	}
	return loops
}
