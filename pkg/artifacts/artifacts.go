// Package artifacts publishes the final output files of finished jobs to
// durable storage.
package artifacts

import (
	"context"
	"errors"
	"mime"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/3leaps/audioq/pkg/job"
)

// Sink stores the outputs of one finished job.
type Sink interface {
	Publish(ctx context.Context, j job.Job, files []string) error
}

// Multi publishes to every sink and joins their errors.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, j job.Job, files []string) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, j, files); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ObjectKey is "<prefix>/<job id>/<file name>"; an empty prefix is omitted.
func ObjectKey(prefix string, jobID int64, file string) string {
	name := filepath.Base(file)
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return path.Join(strconv.FormatInt(jobID, 10), name)
	}
	return path.Join(prefix, strconv.FormatInt(jobID, 10), name)
}

// ContentType guesses the media type from the file extension.
func ContentType(file string) string {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	case ".flac":
		return "audio/flac"
	case ".ogg":
		return "audio/ogg"
	case ".m4a":
		return "audio/mp4"
	}
	if t := mime.TypeByExtension(filepath.Ext(file)); t != "" {
		return t
	}
	return "application/octet-stream"
}

func jobMetadata(j job.Job) map[string]string {
	return map[string]string{
		"job-id":    strconv.FormatInt(j.ID, 10),
		"task-type": j.Display.TaskType,
		"seed":      j.Display.SeedLabel,
		"mode":      string(j.Mode),
	}
}

func publishErr(op, backend, bucket, key string, err error) error {
	if err == nil {
		return nil
	}
	return &PublishError{Op: op, Backend: backend, Bucket: bucket, Key: key, Err: err}
}
