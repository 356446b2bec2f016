package job

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// Task types understood by the engine.
const (
	TaskText2Music = "text2music"
	TaskCover      = "cover"
	TaskRepaint    = "repaint"
	TaskLego       = "lego"
	TaskExtract    = "extract"
	TaskComplete   = "complete"
)

// Defaults applied to resident-service payloads.
const (
	DefaultInferenceSteps = 8
	DefaultGuidanceScale  = 7.0
	DefaultInferMethod    = "ode"
	DefaultAudioFormat    = "mp3"
	DefaultVocalLanguage  = "en"
	DefaultNegativePrompt = "NO USER INPUT"
	InstrumentalLyrics    = "[Instrumental]"
)

// ErrValidation is the sentinel wrapped by every ValidationError.
var ErrValidation = errors.New("validation failed")

// ValidationError rejects a request before it enters the queue.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Params are the generation parameters of a request. The JSON names are the
// resident service's payload keys.
type Params struct {
	TaskType        string  `json:"task_type" yaml:"task_type"`
	Prompt          string  `json:"prompt" yaml:"prompt"`
	Lyrics          string  `json:"lyrics" yaml:"lyrics"`
	Instrumental    bool    `json:"instrumental,omitempty" yaml:"instrumental"`
	NegativePrompt  string  `json:"lm_negative_prompt" yaml:"lm_negative_prompt"`
	DurationSeconds float64 `json:"audio_duration" yaml:"audio_duration"`
	BatchSize       int     `json:"batch_size" yaml:"batch_size"`
	Seed            *int64  `json:"seed,omitempty" yaml:"seed"`
	UseRandomSeed   bool    `json:"use_random_seed" yaml:"use_random_seed"`
	BPM             *int    `json:"bpm" yaml:"bpm"`
	KeyScale        string  `json:"key_scale" yaml:"key_scale"`
	TimeSignature   string  `json:"time_signature" yaml:"time_signature"`
	VocalLanguage   string  `json:"vocal_language" yaml:"vocal_language"`
	InferenceSteps  int     `json:"inference_steps" yaml:"inference_steps"`
	GuidanceScale   float64 `json:"guidance_scale" yaml:"guidance_scale"`
	InferMethod     string  `json:"infer_method" yaml:"infer_method"`
	Shift           float64 `json:"shift,omitempty" yaml:"shift"`
	AudioFormat     string  `json:"audio_format" yaml:"audio_format"`
	Thinking        bool    `json:"thinking" yaml:"thinking"`
	UseFormat       bool    `json:"use_format" yaml:"use_format"`
	Model           string  `json:"model,omitempty" yaml:"model"`
	LMModelPath     string  `json:"lm_model_path,omitempty" yaml:"lm_model_path"`
	LMBackend       string  `json:"lm_backend,omitempty" yaml:"lm_backend"`
	LMTemperature   float64 `json:"lm_temperature,omitempty" yaml:"lm_temperature"`
	LMTopP          float64 `json:"lm_top_p,omitempty" yaml:"lm_top_p"`
	LMTopK          int     `json:"lm_top_k,omitempty" yaml:"lm_top_k"`

	SourceAudio    string  `json:"src_audio,omitempty" yaml:"src_audio"`
	RepaintStart   float64 `json:"repainting_start,omitempty" yaml:"repainting_start"`
	RepaintEnd     float64 `json:"repainting_end,omitempty" yaml:"repainting_end"`
	Track          string  `json:"track,omitempty" yaml:"track"`
	CompleteTracks string  `json:"complete_tracks,omitempty" yaml:"complete_tracks"`
}

// Request is what callers submit to the orchestrator.
type Request struct {
	Mode      Mode   `json:"mode" yaml:"mode"`
	OutputDir string `json:"out_dir" yaml:"out_dir"`
	Title     string `json:"title,omitempty" yaml:"title"`
	NamingTag string `json:"naming_tag,omitempty" yaml:"naming_tag"`
	Params    Params `json:"params" yaml:"params"`
}

// WithDefaults returns a copy with service defaults filled in. InferMethod is
// expected to be already normalized.
func (p Params) WithDefaults() Params {
	if strings.TrimSpace(p.TaskType) == "" {
		p.TaskType = TaskText2Music
	}
	if p.BatchSize <= 0 {
		p.BatchSize = 1
	}
	if p.InferenceSteps == 0 {
		p.InferenceSteps = DefaultInferenceSteps
	}
	if p.GuidanceScale == 0 {
		p.GuidanceScale = DefaultGuidanceScale
	}
	if p.InferMethod == "" {
		p.InferMethod = DefaultInferMethod
	}
	if strings.TrimSpace(p.AudioFormat) == "" {
		p.AudioFormat = DefaultAudioFormat
	}
	if strings.TrimSpace(p.VocalLanguage) == "" {
		p.VocalLanguage = DefaultVocalLanguage
	}
	if strings.TrimSpace(p.NegativePrompt) == "" {
		p.NegativePrompt = DefaultNegativePrompt
	}
	if p.BPM != nil && *p.BPM == 0 {
		p.BPM = nil
	}
	if p.TimeSignature == "0" {
		p.TimeSignature = ""
	}
	if p.Instrumental {
		p.Lyrics = InstrumentalLyrics
	}
	return p
}

// NormalizeInferMethod maps a sampler name onto the engine's reduced set.
// Empty and "auto" normalize to "" (engine decides). Names outside
// {auto, ode, sde} are rejected rather than guessed.
func NormalizeInferMethod(s string) (string, error) {
	switch v := strings.ToLower(strings.TrimSpace(s)); v {
	case "", "auto":
		return "", nil
	case "ode", "sde":
		return v, nil
	default:
		return "", &ValidationError{Field: "infer_method", Message: fmt.Sprintf("unsupported sampler %q (want auto, ode or sde)", s)}
	}
}

func needsCaption(task string) bool {
	switch task {
	case TaskCover, TaskRepaint, TaskLego, TaskComplete:
		return true
	}
	return false
}

func needsSourceAudio(task string) bool {
	switch task {
	case TaskCover, TaskRepaint, TaskLego, TaskExtract, TaskComplete:
		return true
	}
	return false
}

// Normalize validates the parameters and returns the normalized copy. Every
// failure is a *ValidationError.
func (p Params) Normalize() (Params, error) {
	p.TaskType = strings.ToLower(strings.TrimSpace(p.TaskType))
	if p.TaskType == "" {
		p.TaskType = TaskText2Music
	}
	switch p.TaskType {
	case TaskText2Music, TaskCover, TaskRepaint, TaskLego, TaskExtract, TaskComplete:
	default:
		return p, &ValidationError{Field: "task_type", Message: fmt.Sprintf("unknown task type %q", p.TaskType)}
	}

	im, err := NormalizeInferMethod(p.InferMethod)
	if err != nil {
		return p, err
	}
	p.InferMethod = im

	p.Prompt = strings.TrimSpace(p.Prompt)
	p.Lyrics = strings.TrimSpace(p.Lyrics)

	if p.TaskType == TaskText2Music && p.Prompt == "" && p.Lyrics == "" && !p.Instrumental {
		return p, &ValidationError{Field: "prompt", Message: "text2music needs a prompt or lyrics"}
	}
	if needsCaption(p.TaskType) && p.Prompt == "" {
		return p, &ValidationError{Field: "prompt", Message: fmt.Sprintf("%s needs a prompt", p.TaskType)}
	}
	if needsSourceAudio(p.TaskType) {
		src := strings.TrimSpace(p.SourceAudio)
		if src == "" {
			return p, &ValidationError{Field: "src_audio", Message: fmt.Sprintf("%s needs a source audio file", p.TaskType)}
		}
		if _, err := os.Stat(src); err != nil {
			return p, &ValidationError{Field: "src_audio", Message: fmt.Sprintf("source audio not found: %s", src)}
		}
	}
	if p.TaskType == TaskRepaint && p.RepaintEnd > 0 && p.RepaintEnd <= p.RepaintStart {
		return p, &ValidationError{Field: "repainting_end", Message: "repaint end must be after start"}
	}

	if p.BatchSize < 0 {
		return p, &ValidationError{Field: "batch_size", Message: "must not be negative"}
	}
	if p.BatchSize == 0 {
		p.BatchSize = 1
	}
	if p.DurationSeconds < 0 {
		return p, &ValidationError{Field: "audio_duration", Message: "must not be negative"}
	}
	return p, nil
}

// Validate checks the request independent of engine installation.
func (r Request) Validate() (Request, error) {
	mode, err := ParseMode(string(r.Mode))
	if err != nil {
		return r, err
	}
	r.Mode = mode
	if strings.TrimSpace(r.OutputDir) == "" {
		return r, &ValidationError{Field: "out_dir", Message: "output directory is required"}
	}
	p, err := r.Params.Normalize()
	if err != nil {
		return r, err
	}
	r.Params = p
	return r, nil
}
