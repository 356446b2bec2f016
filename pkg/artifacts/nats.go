package artifacts

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/3leaps/audioq/pkg/job"
)

// ObjectStoreSink uploads outputs to a NATS JetStream object store bucket.
type ObjectStoreSink struct {
	bucket string
	prefix string
	store  nats.ObjectStore
}

var _ Sink = (*ObjectStoreSink)(nil)

// NewObjectStore creates the bucket, or binds to it when it already exists.
func NewObjectStore(js nats.JetStreamContext, bucket, prefix string) (*ObjectStoreSink, error) {
	if bucket == "" {
		return nil, &ConfigError{Field: "nats_bucket", Message: "bucket name is required"}
	}
	store, err := js.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucket,
		Description: "audioq generated audio",
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil, fmt.Errorf("create object store bucket %q: %w", bucket, err)
		}
		store, err = js.ObjectStore(bucket)
		if err != nil {
			return nil, fmt.Errorf("bind object store bucket %q: %w", bucket, err)
		}
	}
	return &ObjectStoreSink{bucket: bucket, prefix: prefix, store: store}, nil
}

// Publish streams each file into the bucket.
func (s *ObjectStoreSink) Publish(ctx context.Context, j job.Job, files []string) error {
	meta := jobMetadata(j)
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		key := ObjectKey(s.prefix, j.ID, file)
		if err := s.put(key, file, meta); err != nil {
			return err
		}
	}
	return nil
}

func (s *ObjectStoreSink) put(key, file string, meta map[string]string) error {
	f, err := os.Open(file)
	if err != nil {
		return publishErr("Put", "nats", s.bucket, key, err)
	}
	defer func() { _ = f.Close() }()

	_, err = s.store.Put(&nats.ObjectMeta{
		Name:        key,
		Description: ContentType(file),
		Metadata:    meta,
	}, f)
	return publishErr("Put", "nats", s.bucket, key, err)
}
