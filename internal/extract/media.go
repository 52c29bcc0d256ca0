package extract

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// sceneThreshold selects keyframes on scene changes; frames below this
// visual difference are skipped.
const sceneThreshold = 0.3

// ExtractAudioTrack writes the audio of a video file as 16 kHz mono WAV,
// the format transcription models expect.
func ExtractAudioTrack(ctx context.Context, videoPath, outPath string) error {
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-i", videoPath,
		"-vn",
		"-acodec", "pcm_s16le",
		"-ar", "16000",
		"-ac", "1",
		"-y", outPath,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("extracting audio track: %w: %s", err, tail(out))
	}
	return nil
}

var ptsTimeRe = regexp.MustCompile(`pts_time:([0-9.]+)`)

// ExtractKeyframes captures representative frames from a video. Scene
// detection runs first; when it yields nothing (static content such as
// slide recordings with long holds) evenly spaced sampling is the
// fallback. At most maxFrames frames are returned.
func ExtractKeyframes(ctx context.Context, videoPath, workDir string, maxFrames int) ([]Frame, error) {
	if maxFrames <= 0 {
		maxFrames = 15
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating frame directory: %w", err)
	}

	frames, err := sceneFrames(ctx, videoPath, workDir, maxFrames)
	if err == nil && len(frames) > 0 {
		return frames, nil
	}
	return intervalFrames(ctx, videoPath, workDir, maxFrames)
}

func sceneFrames(ctx context.Context, videoPath, workDir string, maxFrames int) ([]Frame, error) {
	pattern := filepath.Join(workDir, "scene_%04d.jpg")
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-i", videoPath,
		"-vf", fmt.Sprintf("select='gt(scene,%g)',showinfo", sceneThreshold),
		"-vsync", "vfr",
		"-y", pattern,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("scene detection: %w: %s", err, tail(out))
	}

	timestamps := parsePtsTimes(string(out))
	return collectFrames(workDir, "scene_", timestamps, maxFrames)
}

func intervalFrames(ctx context.Context, videoPath, workDir string, maxFrames int) ([]Frame, error) {
	duration, err := probeDuration(ctx, videoPath)
	if err != nil {
		return nil, err
	}
	interval := duration / float64(maxFrames)
	if interval < 1 {
		interval = 1
	}

	pattern := filepath.Join(workDir, "interval_%04d.jpg")
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-i", videoPath,
		"-vf", fmt.Sprintf("fps=1/%g", interval),
		"-y", pattern,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("interval sampling: %w: %s", err, tail(out))
	}

	// Sampled frames land at multiples of the interval.
	var timestamps []float64
	for i := 0; float64(i)*interval < duration; i++ {
		timestamps = append(timestamps, float64(i)*interval)
	}
	return collectFrames(workDir, "interval_", timestamps, maxFrames)
}

// collectFrames reads captured frame files in order, pairing them with
// their timestamps.
func collectFrames(workDir, prefix string, timestamps []float64, maxFrames int) ([]Frame, error) {
	entries, err := os.ReadDir(workDir)
	if err != nil {
		return nil, fmt.Errorf("reading frame directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) > maxFrames {
		names = names[:maxFrames]
	}

	frames := make([]Frame, 0, len(names))
	for i, name := range names {
		data, err := os.ReadFile(filepath.Join(workDir, name))
		if err != nil {
			return nil, fmt.Errorf("reading frame %s: %w", name, err)
		}
		ts := 0.0
		if i < len(timestamps) {
			ts = timestamps[i]
		}
		frames = append(frames, Frame{Timestamp: ts, Image: data})
	}
	return frames, nil
}

func parsePtsTimes(ffmpegOutput string) []float64 {
	matches := ptsTimeRe.FindAllStringSubmatch(ffmpegOutput, -1)
	times := make([]float64, 0, len(matches))
	for _, m := range matches {
		if t, err := strconv.ParseFloat(m[1], 64); err == nil {
			times = append(times, t)
		}
	}
	return times
}

func probeDuration(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("probing duration: %w", err)
	}
	duration, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("parsing duration %q: %w", strings.TrimSpace(string(out)), err)
	}
	return duration, nil
}

func tail(out []byte) string {
	s := strings.TrimSpace(string(out))
	if len(s) > 300 {
		s = s[len(s)-300:]
	}
	return s
}
