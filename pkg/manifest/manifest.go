// Package manifest loads audioq job manifests.
//
// A job manifest is a YAML or JSON file holding a batch of generation
// requests. Entries inherit from an optional defaults block; any key set on
// an entry wins over the same key in defaults, and params merge key by key.
//
// Manifests are validated against an embedded JSON Schema before they are
// decoded. The schema disallows unknown properties.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	defaults:
//	  mode: resident_api
//	  out_dir: ~/Music/audioq
//	  params:
//	    audio_duration: 90
//	    inference_steps: 8
//	jobs:
//	  - title: Rain
//	    params:
//	      prompt: lofi hip hop, rain on the window
//	      instrumental: true
//	  - title: Anthem
//	    mode: subprocess
//	    params:
//	      prompt: stadium rock anthem
//	      lyrics: "[verse]\n..."
package manifest

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/3leaps/audioq/pkg/job"
)

// CurrentVersion is the only manifest version understood.
const CurrentVersion = "1.0"

// Manifest is a validated batch of requests with defaults already merged.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty"`

	Version string `json:"version"`

	// Jobs are in file order, which is also enqueue order.
	Jobs []job.Request `json:"jobs"`
}

// ResolvePaths makes relative out_dir values absolute against base and
// expands a leading "~/".
func (m *Manifest) ResolvePaths(base string) {
	home, _ := os.UserHomeDir()
	for i := range m.Jobs {
		dir := strings.TrimSpace(m.Jobs[i].OutputDir)
		switch {
		case dir == "":
			continue
		case dir == "~" && home != "":
			dir = home
		case strings.HasPrefix(dir, "~/") && home != "":
			dir = filepath.Join(home, dir[2:])
		case !filepath.IsAbs(dir) && base != "":
			dir = filepath.Join(base, dir)
		}
		m.Jobs[i].OutputDir = filepath.Clean(dir)
	}
}

// mergeRequest overlays entry on defaults. Nested objects merge recursively;
// everything else is replaced.
func mergeRequest(defaults, entry map[string]any) map[string]any {
	out := make(map[string]any, len(defaults)+len(entry))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range entry {
		dm, dok := out[k].(map[string]any)
		em, eok := v.(map[string]any)
		if dok && eok {
			out[k] = mergeRequest(dm, em)
			continue
		}
		out[k] = v
	}
	return out
}
