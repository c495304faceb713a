package compose

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Request carries everything the engine needs to render one final ad.
// Scene media must already be on local disk; ClipDurationMs may be zero, in
// which case the engine probes it.
type Request struct {
	Scenes         []SceneMedia
	ExpectedScenes int
	BackgroundPath string // optional music bed, empty = none
	WorkDir        string // scratch dir for intermediate segments
	OutputPath     string
}

// Engine realizes a composition plan with ffmpeg. All timeline decisions
// come from BuildPlan; the engine only executes them.
type Engine struct {
	log *zap.SugaredLogger
}

func NewEngine(log *zap.SugaredLogger) *Engine {
	return &Engine{log: log}
}

// Compose renders the final video: probe, plan, render each segment to the
// shared canvas, concatenate, then mix the background track. A background
// mix failure is non-fatal — the narration-only cut ships instead.
func (e *Engine) Compose(ctx context.Context, req Request) error {
	scenes := make([]SceneMedia, len(req.Scenes))
	copy(scenes, req.Scenes)

	for i := range scenes {
		if scenes[i].VideoPath != "" && scenes[i].ClipDurationMs == 0 {
			d, err := e.ProbeDurationMs(ctx, scenes[i].VideoPath)
			if err != nil {
				return fmt.Errorf("failed to probe scene %d clip: %w", scenes[i].Sequence, err)
			}
			scenes[i].ClipDurationMs = d
		}
	}

	backgroundMs := 0
	if req.BackgroundPath != "" {
		d, err := e.ProbeDurationMs(ctx, req.BackgroundPath)
		if err != nil {
			e.log.Warnw("failed to probe background track, composing without it", "error", err)
			req.BackgroundPath = ""
		} else {
			backgroundMs = d
		}
	}

	plan, err := BuildPlan(scenes, req.ExpectedScenes, backgroundMs)
	if err != nil {
		return err
	}

	e.log.Infow("composition plan built",
		"segments", len(plan.Segments),
		"total_ms", plan.TotalMs,
		"background_loops", plan.BackgroundLoops,
	)

	segmentPaths := make([]string, len(plan.Segments))
	for i, seg := range plan.Segments {
		out := filepath.Join(req.WorkDir, fmt.Sprintf("segment_%d.mp4", seg.Sequence))
		if seg.IsStill {
			err = e.renderStillSegment(ctx, scenes[i], seg, out)
		} else {
			err = e.renderVideoSegment(ctx, scenes[i], seg, out)
		}
		if err != nil {
			return fmt.Errorf("failed to render segment %d: %w", seg.Sequence, err)
		}
		segmentPaths[i] = out
	}

	concatOut := req.OutputPath
	if req.BackgroundPath != "" {
		concatOut = filepath.Join(req.WorkDir, "concat.mp4")
	}

	if err := e.concatenate(ctx, segmentPaths, concatOut, req.WorkDir); err != nil {
		return fmt.Errorf("failed to concatenate segments: %w", err)
	}

	if req.BackgroundPath != "" {
		if err := e.mixBackground(ctx, concatOut, req.BackgroundPath, req.OutputPath, plan.BackgroundLoops); err != nil {
			e.log.Warnw("background mix failed, shipping narration-only cut", "error", err)
			if err := os.Rename(concatOut, req.OutputPath); err != nil {
				return fmt.Errorf("failed to move narration-only cut: %w", err)
			}
		}
	}

	return nil
}

// renderVideoSegment normalizes one generated clip onto the target canvas,
// reconciles its length against the voiceover, applies fades, and replaces
// the clip's native audio with the narration.
func (e *Engine) renderVideoSegment(ctx context.Context, m SceneMedia, seg Segment, outputPath string) error {
	filters := []string{
		fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=increase", OutputWidth, OutputHeight),
		fmt.Sprintf("crop=%d:%d", OutputWidth, OutputHeight),
		fmt.Sprintf("fps=%d", FrameRate),
	}

	if seg.FreezePadMs > 0 {
		filters = append(filters, fmt.Sprintf("tpad=stop_mode=clone:stop_duration=%.3f", float64(seg.FreezePadMs)/1000))
	}
	filters = append(filters, fadeFilters(seg)...)

	args := []string{
		"-i", m.VideoPath,
		"-i", m.AudioPath,
		"-vf", strings.Join(filters, ","),
		"-map", "0:v",
		"-map", "1:a", // narration only, the clip's own audio is discarded
		"-c:v", "libx264",
		"-c:a", "aac",
		"-b:a", "192k",
		"-pix_fmt", "yuv420p",
	}
	if seg.TrimToMs > 0 {
		args = append(args, "-t", msToSec(seg.TrimToMs))
	}
	args = append(args, "-shortest", "-y", outputPath)

	return e.runFFmpeg(ctx, args)
}

// renderStillSegment turns the CTA still into a held clip. Without a
// voiceover it gets a silent audio track so concatenation stays uniform.
func (e *Engine) renderStillSegment(ctx context.Context, m SceneMedia, seg Segment, outputPath string) error {
	filters := []string{
		fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=increase", OutputWidth, OutputHeight),
		fmt.Sprintf("crop=%d:%d", OutputWidth, OutputHeight),
		fmt.Sprintf("fps=%d", FrameRate),
	}
	filters = append(filters, fadeFilters(seg)...)

	args := []string{
		"-loop", "1",
		"-i", m.ImagePath,
	}
	if m.AudioPath != "" {
		args = append(args, "-i", m.AudioPath)
	} else {
		args = append(args, "-f", "lavfi", "-i", "anullsrc=channel_layout=stereo:sample_rate=44100")
	}
	args = append(args,
		"-vf", strings.Join(filters, ","),
		"-map", "0:v",
		"-map", "1:a",
		"-c:v", "libx264",
		"-c:a", "aac",
		"-b:a", "192k",
		"-pix_fmt", "yuv420p",
		"-t", msToSec(seg.TargetMs),
		"-y", outputPath,
	)

	return e.runFFmpeg(ctx, args)
}

// fadeFilters places the segment's fades: fade-in at the head, fade-out
// ending exactly at the target duration.
func fadeFilters(seg Segment) []string {
	var filters []string
	if seg.FadeIn {
		filters = append(filters, fmt.Sprintf("fade=t=in:st=0:d=%.1f", float64(FadeMs)/1000))
	}
	if seg.FadeOut {
		start := seg.TargetMs - FadeMs
		if start < 0 {
			start = 0
		}
		filters = append(filters, fmt.Sprintf("fade=t=out:st=%.3f:d=%.1f", float64(start)/1000, float64(FadeMs)/1000))
	}
	return filters
}

// concatenate joins uniformly encoded segments without re-encoding.
func (e *Engine) concatenate(ctx context.Context, segmentPaths []string, outputPath, workDir string) error {
	if len(segmentPaths) == 0 {
		return fmt.Errorf("no segments to concatenate")
	}

	listPath := filepath.Join(workDir, "concat_list.txt")
	f, err := os.Create(listPath)
	if err != nil {
		return fmt.Errorf("failed to create concat list: %w", err)
	}
	for _, p := range segmentPaths {
		fmt.Fprintf(f, "file '%s'\n", p)
	}
	f.Close()
	defer os.Remove(listPath)

	args := []string{
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-y", outputPath,
	}
	return e.runFFmpeg(ctx, args)
}

// mixBackground loops the music bed under the narration at low volume. The
// plan decides how many plays cover the timeline; -shortest trims the
// overhang and dropout_transition smooths the tail.
func (e *Engine) mixBackground(ctx context.Context, videoPath, musicPath, outputPath string, loops int) error {
	filterComplex := fmt.Sprintf(
		"[0:a]volume=1.0[voice];[1:a]volume=%.2f[music];[voice][music]amix=inputs=2:duration=first:dropout_transition=3[aout]",
		BackgroundVolume,
	)

	args := []string{
		"-i", videoPath,
		"-stream_loop", fmt.Sprintf("%d", streamLoopCount(loops)),
		"-i", musicPath,
		"-filter_complex", filterComplex,
		"-map", "0:v",
		"-map", "[aout]",
		"-c:v", "copy",
		"-c:a", "aac",
		"-b:a", "192k",
		"-shortest",
		"-y", outputPath,
	}
	return e.runFFmpeg(ctx, args)
}

// streamLoopCount converts the plan's play count into ffmpeg's -stream_loop
// argument, which counts additional plays beyond the first.
func streamLoopCount(loops int) int {
	if loops < 1 {
		loops = 1
	}
	return loops - 1
}

// ProbeDurationMs measures a media file's duration with ffprobe.
func (e *Engine) ProbeDurationMs(ctx context.Context, path string) (int, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}

	cmd := exec.CommandContext(ctx, "ffprobe", args...)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed for %s: %w", path, err)
	}

	var durationSec float64
	if _, err := fmt.Sscanf(strings.TrimSpace(string(output)), "%f", &durationSec); err != nil {
		return 0, fmt.Errorf("failed to parse duration: %w", err)
	}
	return int(durationSec * 1000), nil
}

func (e *Engine) runFFmpeg(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := stderr.String()
		if len(msg) > 500 {
			msg = msg[len(msg)-500:]
		}
		return fmt.Errorf("ffmpeg failed: %w (%s)", err, strings.TrimSpace(msg))
	}
	return nil
}

func msToSec(ms int) string {
	return fmt.Sprintf("%.3f", float64(ms)/1000)
}
