package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/audioq/internal/server/handlers"
	"github.com/3leaps/audioq/pkg/job"
	"github.com/3leaps/audioq/pkg/manifest"
)

var submitCmd = &cobra.Command{
	Use:   "submit [--file jobs.yaml | --prompt TEXT --out DIR]",
	Short: "Submit jobs to a running audioq server",
	Long: `Submit one or more generation jobs to the control API of a running
'audioq serve'.

Jobs come either from a manifest file (YAML or JSON, validated against the
embedded job-manifest schema) or from flags for a single job. Manifest
entries are enqueued in file order.

Examples:
  audioq submit --file tonight.yaml
  audioq submit --prompt "lofi hip hop, rain" --out ~/Music/audioq --duration 90
  audioq submit --prompt "synthwave" --out . --mode api --generate`,
	Args: cobra.NoArgs,
	RunE: runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)
	registerSubmitFlags(submitCmd)
}

func registerSubmitFlags(c *cobra.Command) {
	c.Flags().StringP("file", "f", "", "Job manifest (YAML or JSON)")
	c.Flags().String("prompt", "", "Caption for a single job")
	c.Flags().String("lyrics", "", "Lyrics for a single job")
	c.Flags().Bool("instrumental", false, "Instrumental (no vocals)")
	c.Flags().String("out", "", "Output directory for a single job")
	c.Flags().String("mode", "subprocess", "Execution mode: subprocess or resident_api")
	c.Flags().String("title", "", "Display title")
	c.Flags().Float64("duration", 0, "Audio duration in seconds (0 = engine default)")
	c.Flags().Int("batch", 1, "Number of outputs")
	c.Flags().Int64("seed", -1, "Seed (-1 = random)")
	c.Flags().Bool("generate", false, "Start immediately when idle instead of only enqueueing")
	c.Flags().Bool("json", false, "Output as JSON")
}

// submitResult is one line of submit output.
type submitResult struct {
	JobID   int64  `json:"job_id,omitempty"`
	Title   string `json:"title,omitempty"`
	Started bool   `json:"started"`
	Error   string `json:"error,omitempty"`
}

func runSubmit(cmd *cobra.Command, args []string) error {
	reqs, err := submitRequests(cmd)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid job input", err)
	}

	generate, _ := cmd.Flags().GetBool("generate")
	asJSON, _ := cmd.Flags().GetBool("json")
	path := "/v1/jobs"
	if generate {
		path = "/v1/generate"
	}

	client := newControlClient(apiAddr)
	results := make([]submitResult, 0, len(reqs))
	failed := 0
	for _, req := range reqs {
		var resp handlers.EnqueueResponse
		_, err := client.do(cmd.Context(), http.MethodPost, path, req, &resp)
		res := submitResult{JobID: resp.JobID, Title: req.Title, Started: resp.Started}
		if err != nil {
			var apiErr *apiError
			if !errors.As(err, &apiErr) {
				return exitError(foundry.ExitExternalServiceUnavailable, "Cannot reach audioq server", err)
			}
			res.Error = err.Error()
			failed++
		}
		results = append(results, res)
	}

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		for _, r := range results {
			_ = enc.Encode(r)
		}
	} else {
		for _, r := range results {
			label := r.Title
			if label == "" {
				label = "(untitled)"
			}
			switch {
			case r.Error != "":
				_, _ = fmt.Fprintf(out, "rejected  %s: %s\n", label, r.Error)
			case r.Started:
				_, _ = fmt.Fprintf(out, "started   #%d %s\n", r.JobID, label)
			default:
				_, _ = fmt.Fprintf(out, "queued    #%d %s\n", r.JobID, label)
			}
		}
	}

	if failed > 0 {
		return exitError(foundry.ExitInvalidArgument, "Some jobs were rejected", fmt.Errorf("rejected=%d", failed))
	}
	return nil
}

func submitRequests(cmd *cobra.Command) ([]job.Request, error) {
	file, _ := cmd.Flags().GetString("file")
	prompt, _ := cmd.Flags().GetString("prompt")

	if file != "" {
		if prompt != "" {
			return nil, errors.New("--file and --prompt are mutually exclusive")
		}
		m, err := manifest.Load(file)
		if err != nil {
			return nil, err
		}
		return m.Jobs, nil
	}

	if strings.TrimSpace(prompt) == "" {
		return nil, errors.New("either --file or --prompt is required")
	}
	out, _ := cmd.Flags().GetString("out")
	if strings.TrimSpace(out) == "" {
		return nil, errors.New("--out is required with --prompt")
	}
	modeFlag, _ := cmd.Flags().GetString("mode")
	mode, err := job.ParseMode(modeFlag)
	if err != nil {
		return nil, err
	}

	lyrics, _ := cmd.Flags().GetString("lyrics")
	instrumental, _ := cmd.Flags().GetBool("instrumental")
	title, _ := cmd.Flags().GetString("title")
	duration, _ := cmd.Flags().GetFloat64("duration")
	batch, _ := cmd.Flags().GetInt("batch")
	seed, _ := cmd.Flags().GetInt64("seed")

	p := job.Params{
		Prompt:          prompt,
		Lyrics:          lyrics,
		Instrumental:    instrumental,
		DurationSeconds: duration,
		BatchSize:       batch,
		UseRandomSeed:   seed < 0,
	}
	if seed >= 0 {
		p.Seed = &seed
	}
	single := manifest.Manifest{Jobs: []job.Request{{Mode: mode, OutputDir: out, Title: title, Params: p}}}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	single.ResolvePaths(cwd)
	return single.Jobs, nil
}
