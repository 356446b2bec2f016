// Package engineconfig writes the flat key/value run config consumed by the
// engine's command-line entry point.
package engineconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/3leaps/audioq/pkg/job"
)

// FilePrefix names generated run configs: <prefix><timestamp>.toml.
const FilePrefix = "ace_step_run_"

// StampLayout is the timestamp layout shared by run configs and output names.
const StampLayout = "20060102_150405"

// Settings are engine-wide values written into every run config.
type Settings struct {
	ProjectRoot        string
	Backend            string
	LogLevel           string
	Device             string
	UseFlashAttention  bool
	OffloadToCPU       bool
	OffloadDiTToCPU    bool
	MainModel          string
	EnableLM           bool
	LMEnhanceCaption   bool
	LMParallelThinking bool
}

// Values flattens settings and params into the engine's config keys. Unset
// optional values are omitted.
func Values(s Settings, p job.Params, saveDir string) map[string]any {
	v := map[string]any{
		"project_root":       s.ProjectRoot,
		"backend":            orDefault(s.Backend, "vllm"),
		"log_level":          orDefault(s.LogLevel, "INFO"),
		"device":             orDefault(s.Device, "auto"),
		"offload_to_cpu":     s.OffloadToCPU,
		"offload_dit_to_cpu": s.OffloadDiTToCPU,
		"save_dir":           saveDir,
		"audio_format":       orDefault(p.AudioFormat, job.DefaultAudioFormat),
		"task_type":          p.TaskType,
		"caption":            p.Prompt,
		"duration":           p.DurationSeconds,
		"batch_size":         max(p.BatchSize, 1),
		"thinking":           s.EnableLM && p.Thinking,
		"instrumental":       false,
		"use_cot_lyrics":     false,
	}
	if s.UseFlashAttention {
		v["use_flash_attention"] = true
	}
	if p.Shift > 0 {
		v["shift"] = p.Shift
	}
	if p.Seed != nil {
		v["seed"] = *p.Seed
	}
	if p.VocalLanguage != "" && !strings.EqualFold(p.VocalLanguage, "auto") {
		v["vocal_language"] = p.VocalLanguage
	}
	if p.GuidanceScale > 0 {
		v["guidance_scale"] = p.GuidanceScale
	}
	if p.InferenceSteps > 0 {
		v["inference_steps"] = p.InferenceSteps
	}
	if p.InferMethod != "" {
		v["infer_method"] = p.InferMethod
	}
	if p.BPM != nil && *p.BPM > 0 {
		v["bpm"] = *p.BPM
	}
	if p.TimeSignature != "" && p.TimeSignature != "0" {
		v["timesignature"] = p.TimeSignature
	}
	if p.KeyScale != "" && !strings.EqualFold(p.KeyScale, "auto") {
		v["keyscale"] = p.KeyScale
	}
	if s.EnableLM && s.LMParallelThinking {
		v["parallel_thinking"] = true
	}
	if p.NegativePrompt != "" && p.NegativePrompt != job.DefaultNegativePrompt {
		v["lm_negative_prompt"] = p.NegativePrompt
	}
	if s.EnableLM {
		v["use_cot_caption"] = s.LMEnhanceCaption
		v["use_cot_language"] = s.LMEnhanceCaption
		v["use_cot_metas"] = s.LMEnhanceCaption
		v["lm_temperature"] = orDefaultFloat(p.LMTemperature, 0.85)
		v["lm_top_p"] = orDefaultFloat(p.LMTopP, 0.95)
		v["lm_top_k"] = p.LMTopK
	}
	if model := orDefault(p.Model, s.MainModel); model != "" {
		v["main_model_path"] = model
		v["config_path"] = model
	}
	if p.LMModelPath != "" {
		v["lm_model_path"] = p.LMModelPath
	}

	switch p.TaskType {
	case job.TaskText2Music, job.TaskCover, job.TaskRepaint, job.TaskLego, job.TaskComplete:
		if p.Instrumental {
			v["instrumental"] = true
			v["lyrics"] = job.InstrumentalLyrics
		} else if p.Lyrics != "" {
			v["lyrics"] = p.Lyrics
		}
	}
	switch p.TaskType {
	case job.TaskCover, job.TaskRepaint, job.TaskLego, job.TaskExtract, job.TaskComplete:
		v["src_audio"] = p.SourceAudio
	}
	switch p.TaskType {
	case job.TaskRepaint:
		v["repainting_start"] = p.RepaintStart
		v["repainting_end"] = p.RepaintEnd
	case job.TaskLego:
		v["lego_track"] = p.Track
	case job.TaskExtract:
		v["extract_track"] = p.Track
	case job.TaskComplete:
		v["complete_tracks"] = p.CompleteTracks
	}
	return v
}

// Write serializes values as flat TOML into dir and returns the file path.
func Write(dir string, values map[string]any, now time.Time) (string, error) {
	if strings.TrimSpace(dir) == "" {
		return "", fmt.Errorf("config dir is empty")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}

	b, err := toml.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("marshal run config: %w", err)
	}

	base := FilePrefix + now.Format(StampLayout)
	path := filepath.Join(dir, base+".toml")
	for i := 2; ; i++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			if _, err := f.Write(b); err != nil {
				_ = f.Close()
				return "", fmt.Errorf("write run config: %w", err)
			}
			if err := f.Close(); err != nil {
				return "", fmt.Errorf("close run config: %w", err)
			}
			return path, nil
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("create run config: %w", err)
		}
		path = filepath.Join(dir, fmt.Sprintf("%s_%d.toml", base, i))
	}
}

// StampFromPath extracts the run timestamp from a generated config path, or
// "" when the name does not follow the run config pattern.
func StampFromPath(path string) string {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if !strings.HasPrefix(stem, FilePrefix) {
		return ""
	}
	return strings.TrimPrefix(stem, FilePrefix)
}

// Read parses a run config back into a flat map.
func Read(path string) (map[string]any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := toml.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("parse run config: %w", err)
	}
	return out, nil
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return strings.TrimSpace(s)
}

func orDefaultFloat(f, def float64) float64 {
	if f == 0 {
		return def
	}
	return f
}
