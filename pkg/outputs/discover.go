// Package outputs finds the audio files a run produced and gives them
// stable, descriptive names.
package outputs

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// AudioPattern matches produced audio files at any depth.
const AudioPattern = "**/*.{wav,mp3,flac,ogg,m4a,WAV,MP3,FLAC,OGG,M4A}"

// mtimeSlack widens the mtime fallback window for coarse filesystem clocks.
const mtimeSlack = 2 * time.Second

// Snapshot is the set of audio files present before a run, keyed by
// absolute path.
type Snapshot map[string]struct{}

// ListAudio returns absolute paths of audio files under dir, sorted.
// A missing dir yields no files.
func ListAudio(dir string) ([]string, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, nil
	}
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	matches, err := doublestar.Glob(os.DirFS(abs), AudioPattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, filepath.Join(abs, filepath.FromSlash(m)))
	}
	sort.Strings(out)
	return out, nil
}

// Take records the audio files currently under dir.
func Take(dir string) (Snapshot, error) {
	files, err := ListAudio(dir)
	if err != nil {
		return nil, err
	}
	snap := make(Snapshot, len(files))
	for _, f := range files {
		snap[f] = struct{}{}
	}
	return snap, nil
}

// NewSince returns files under dir that are absent from before. When the diff
// is empty it falls back to files modified at or after started (minus a small
// slack). Results are ordered oldest first.
func NewSince(dir string, before Snapshot, started time.Time) ([]string, error) {
	files, err := ListAudio(dir)
	if err != nil {
		return nil, err
	}

	var fresh []string
	if len(before) > 0 {
		for _, f := range files {
			if _, seen := before[f]; !seen {
				fresh = append(fresh, f)
			}
		}
	}
	if len(fresh) == 0 && !started.IsZero() {
		cutoff := started.Add(-mtimeSlack)
		for _, f := range files {
			info, err := os.Stat(f)
			if err != nil {
				continue
			}
			if !info.ModTime().Before(cutoff) {
				fresh = append(fresh, f)
			}
		}
	}

	sort.SliceStable(fresh, func(i, j int) bool {
		return modTime(fresh[i]).Before(modTime(fresh[j]))
	})
	return fresh, nil
}

func modTime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}
