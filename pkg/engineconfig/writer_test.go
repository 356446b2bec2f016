package engineconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/audioq/pkg/job"
)

func TestWrite_FlatTOML(t *testing.T) {
	dir := t.TempDir()
	seed := int64(1234)
	bpm := 122
	p := job.Params{
		TaskType:        job.TaskText2Music,
		Prompt:          `deep "house" groove`,
		Lyrics:          "line one\nline two",
		DurationSeconds: 90,
		BatchSize:       2,
		Seed:            &seed,
		BPM:             &bpm,
		InferMethod:     "ode",
	}
	now := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)

	path, err := Write(dir, Values(Settings{ProjectRoot: "/opt/ace"}, p, dir), now)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "ace_step_run_20260203_040506.toml"), path)

	got, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, `deep "house" groove`, got["caption"])
	assert.Equal(t, "line one\nline two", got["lyrics"])
	assert.EqualValues(t, 1234, got["seed"])
	assert.EqualValues(t, 2, got["batch_size"])
	assert.EqualValues(t, 122, got["bpm"])
	assert.Equal(t, "ode", got["infer_method"])
	assert.Equal(t, "/opt/ace", got["project_root"])
	assert.NotContains(t, got, "src_audio")
}

func TestWrite_DoesNotOverwrite(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)

	first, err := Write(dir, map[string]any{"a": 1}, now)
	require.NoError(t, err)
	second, err := Write(dir, map[string]any{"a": 2}, now)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	b, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Contains(t, string(b), "a = 1")
}

func TestValues_TaskSpecificKeys(t *testing.T) {
	p := job.Params{TaskType: job.TaskRepaint, Prompt: "x", SourceAudio: "/a.wav", RepaintStart: 1, RepaintEnd: 4}
	v := Values(Settings{}, p, "/out")
	assert.Equal(t, "/a.wav", v["src_audio"])
	assert.Equal(t, 1.0, v["repainting_start"])
	assert.Equal(t, 4.0, v["repainting_end"])

	p = job.Params{TaskType: job.TaskText2Music, Prompt: "x", Instrumental: true}
	v = Values(Settings{}, p, "/out")
	assert.Equal(t, true, v["instrumental"])
	assert.Equal(t, job.InstrumentalLyrics, v["lyrics"])
}

func TestStampFromPath(t *testing.T) {
	assert.Equal(t, "20260203_040506", StampFromPath("/x/ace_step_run_20260203_040506.toml"))
	assert.Equal(t, "", StampFromPath("/x/other.toml"))
}
