package jobstore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/3leaps/audioq/pkg/job"
)

func apiJob(id int64) job.Job {
	return job.Job{
		ID:        id,
		CreatedAt: time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC),
		Mode:      job.ModeResidentAPI,
		Status:    job.StatusPending,
		OutputDir: "/tmp/out",
		API:       &job.APIPayload{Params: job.Params{Prompt: "p", BatchSize: 2}},
		Display:   job.Display{Title: "demo", BatchSize: 2, SeedLabel: "random"},
	}
}

func subprocessJob(t *testing.T, id int64) job.Job {
	t.Helper()
	cfg := filepath.Join(t.TempDir(), "ace_step_run.toml")
	if err := os.WriteFile(cfg, []byte("seed = 1\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return job.Job{
		ID:        id,
		Mode:      job.ModeSubprocess,
		Status:    job.StatusPending,
		OutputDir: "/tmp/out",
		Subprocess: &job.SubprocessPayload{
			Args:       []string{"python", "cli.py", "-c", cfg},
			Dir:        "/tmp",
			ConfigPath: cfg,
		},
	}
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "queue", DefaultFileName), nil)

	pending := []job.Job{apiJob(2), subprocessJob(t, 3)}
	if err := s.Save(nil, pending, 4); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	got, next, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("unexpected job count: %d", len(got))
	}
	if got[0].ID != 2 || got[1].ID != 3 {
		t.Fatalf("order not preserved: %d, %d", got[0].ID, got[1].ID)
	}
	if got[0].API == nil || got[0].API.Params.Prompt != "p" {
		t.Fatalf("api payload not persisted")
	}
	if got[0].Display.Title != "demo" {
		t.Fatalf("display snapshot not persisted")
	}
	if next != 4 {
		t.Fatalf("next id: got=%d want=4", next)
	}
}

func TestStore_ActiveJobIsRecoveredFirst(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), DefaultFileName), nil)

	active := apiJob(7)
	active.Status = job.StatusActive
	if err := s.Save(&active, []job.Job{apiJob(8), apiJob(9)}, 10); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	got, _, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(got) != 3 || got[0].ID != 7 {
		t.Fatalf("active job not recovered at head: %+v", got)
	}
	for _, j := range got {
		if j.Status != job.StatusPending {
			t.Fatalf("job %d status=%s, want pending", j.ID, j.Status)
		}
	}
}

func TestStore_NextIDNeverBehindJobs(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), DefaultFileName), nil)

	// A stale next id must not cause reuse.
	if err := s.Save(nil, []job.Job{apiJob(11)}, 3); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	_, next, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if next != 12 {
		t.Fatalf("next id: got=%d want=12", next)
	}
}

func TestStore_DropsUnrunnableJobs(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(filepath.Join(dir, DefaultFileName), nil)

	gone := subprocessJob(t, 5)
	if err := os.Remove(gone.Subprocess.ConfigPath); err != nil {
		t.Fatalf("remove config: %v", err)
	}
	if err := s.Save(nil, []job.Job{apiJob(4), gone, apiJob(6)}, 7); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	got, next, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(got) != 2 || got[0].ID != 4 || got[1].ID != 6 {
		t.Fatalf("unexpected jobs after drop: %+v", got)
	}
	if next != 7 {
		t.Fatalf("next id: got=%d want=7", next)
	}
}

func TestStore_DropsUnsupportedSampler(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), DefaultFileName), nil)

	legacy := apiJob(2)
	legacy.API.Params.InferMethod = "dpmpp_2m"
	kept := apiJob(3)
	kept.API.Params.InferMethod = "ode"
	if err := s.Save(nil, []job.Job{legacy, kept}, 4); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	got, next, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(got) != 1 || got[0].ID != 3 {
		t.Fatalf("unexpected jobs: %+v", got)
	}
	if next != 4 {
		t.Fatalf("next id: got=%d want=4", next)
	}
}

func TestStore_DropsNonObjectAPIPayload(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	doc := `{"version":1,"saved_epoch":1,"next_job_id":3,"jobs":[
	  {"job_id":1,"mode":"resident_api","api":{"params":"not-an-object"}},
	  {"job_id":2,"mode":"resident_api","api":{"params":{"prompt":"ok"}}}
	]}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, next, err := NewStore(path, nil).Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(got) != 1 || got[0].ID != 2 {
		t.Fatalf("unexpected jobs: %+v", got)
	}
	if next != 3 {
		t.Fatalf("next id: got=%d want=3", next)
	}
}

func TestStore_CorruptFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultFileName)
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, next, err := NewStore(path, nil).Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(got) != 0 || next != 1 {
		t.Fatalf("expected empty queue, got %d jobs next=%d", len(got), next)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("corrupt file should have been moved aside")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	found := false
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), DefaultFileName+".corrupt-") {
			found = true
		}
	}
	if !found {
		t.Fatalf("moved-aside copy not found")
	}
}

func TestStore_MissingFile(t *testing.T) {
	got, next, err := NewStore(filepath.Join(t.TempDir(), DefaultFileName), nil).Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(got) != 0 || next != 1 {
		t.Fatalf("expected empty queue")
	}
}

func TestStore_SaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(filepath.Join(dir, DefaultFileName), nil)
	for i := int64(1); i <= 3; i++ {
		if err := s.Save(nil, []job.Job{apiJob(i)}, i+1); err != nil {
			t.Fatalf("Save() error: %v", err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the queue file, found %d entries", len(entries))
	}
}

func TestNextID(t *testing.T) {
	cases := []struct {
		persisted, maxID, want int64
	}{
		{0, 0, 1},
		{5, 2, 5},
		{2, 9, 10},
		{-4, 0, 1},
	}
	for _, c := range cases {
		if got := NextID(c.persisted, c.maxID); got != c.want {
			t.Fatalf("NextID(%d,%d)=%d want %d", c.persisted, c.maxID, got, c.want)
		}
	}
}
