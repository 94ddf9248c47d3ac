package mirror

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/brisling/regmirror/pkg/model"
)

// S3Store persists one JSON object per mirror under bucket/prefix/<id>.json.
// It lets operators keep mirror state across restarts without standing
// up a database; the in-process InMemoryStore remains the default.
type S3Store struct {
	bucket   string
	prefix   string
	client   *s3.Client
	uploader *manager.Uploader
}

var _ Store = (*S3Store)(nil)

// NewS3Store loads AWS config from the environment/instance profile
// and verifies the bucket is reachable before returning.
func NewS3Store(ctx context.Context, bucket, prefix string) (*S3Store, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg)
	if _, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(bucket),
		MaxKeys: aws.Int32(1),
	}); err != nil {
		return nil, fmt.Errorf("access s3 bucket %q: %w", bucket, err)
	}

	return &S3Store{
		bucket: bucket,
		prefix: prefix,
		client: client,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.Concurrency = 4
			u.LeavePartsOnError = false
		}),
	}, nil
}

func (s *S3Store) key(id string) string {
	if s.prefix == "" {
		return id + ".json"
	}
	return s.prefix + "/" + id + ".json"
}

func (s *S3Store) List(ctx context.Context) ([]model.Mirror, error) {
	prefix := s.prefix
	if prefix != "" {
		prefix += "/"
	}

	var out []model.Mirror
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list mirrors: %w", err)
		}
		for _, obj := range page.Contents {
			m, err := s.getObject(ctx, *obj.Key)
			if err != nil {
				return nil, err
			}
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *S3Store) Get(ctx context.Context, id string) (model.Mirror, error) {
	return s.getObject(ctx, s.key(id))
}

func (s *S3Store) getObject(ctx context.Context, key string) (model.Mirror, error) {
	obj, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NoSuchKey
		if errors.As(err, &notFound) {
			return model.Mirror{}, ErrNotFound
		}
		return model.Mirror{}, fmt.Errorf("get mirror object %q: %w", key, err)
	}
	defer obj.Body.Close()

	body, err := io.ReadAll(obj.Body)
	if err != nil {
		return model.Mirror{}, fmt.Errorf("read mirror object %q: %w", key, err)
	}

	var m model.Mirror
	if err := json.Unmarshal(body, &m); err != nil {
		return model.Mirror{}, fmt.Errorf("decode mirror object %q: %w", key, err)
	}
	return m, nil
}

func (s *S3Store) Upsert(ctx context.Context, m model.Mirror) (model.Mirror, error) {
	m.RoutePrefix = m.NormalizedPrefix()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}

	body, err := json.Marshal(m)
	if err != nil {
		return model.Mirror{}, fmt.Errorf("encode mirror %q: %w", m.ID, err)
	}

	if _, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(m.ID)),
		Body:   bytes.NewReader(body),
	}); err != nil {
		return model.Mirror{}, fmt.Errorf("upload mirror %q: %w", m.ID, err)
	}
	return m, nil
}

func (s *S3Store) UpdateHealth(ctx context.Context, id string, latencyMS int, enabled bool, checkedAt time.Time) error {
	m, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	m.LatencyMS = latencyMS
	m.Enabled = enabled
	ts := checkedAt
	m.LastCheck = &ts
	_, err = s.Upsert(ctx, m)
	return err
}
