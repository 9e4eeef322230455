package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/stratusfn/stratus/internal/job"
)

// S3Store is an object-storage status store backed by S3 or any
// S3-compatible endpoint. This is the production medium the engine was
// designed around: status propagation through it is eventually consistent.
type S3Store struct {
	client *s3.Client
	bucket string
	keys   Keys
}

// NewS3Store loads the default AWS configuration and returns a status store
// over the given bucket and key prefix.
func NewS3Store(ctx context.Context, bucket, region, prefix string) (*S3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Store{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		keys:   Keys{Prefix: prefix},
	}, nil
}

// NewS3StoreWithStaticCredentials returns a status store for an
// S3-compatible endpoint (MinIO, COS) with explicit credentials.
func NewS3StoreWithStaticCredentials(ctx context.Context, endpoint, accessKey, secretKey, bucket, region, prefix string) (*S3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})
	return &S3Store{client: client, bucket: bucket, keys: Keys{Prefix: prefix}}, nil
}

// NewS3StoreFromClient wraps an existing S3 client (custom endpoint,
// credentials, or test double).
func NewS3StoreFromClient(client *s3.Client, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, keys: Keys{Prefix: prefix}}
}

// Keys exposes the store's key layout.
func (s *S3Store) Keys() Keys {
	return s.keys
}

func (s *S3Store) PutData(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}

func (s *S3Store) GetData(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get s3://%s/%s: %w", s.bucket, key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (s *S3Store) PutStatus(ctx context.Context, st *job.Status) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	key := s.keys.Status(st.ExecutorID, st.JobID, st.CallID)
	if !st.Terminal() {
		key = s.keys.Init(st.ExecutorID, st.JobID, st.CallID)
	}
	return s.PutData(ctx, key, data)
}

func (s *S3Store) GetCallStatus(ctx context.Context, executorID, jobID, callID string) (*job.Status, error) {
	data, err := s.GetData(ctx, s.keys.Status(executorID, jobID, callID))
	if errors.Is(err, ErrNotFound) {
		data, err = s.GetData(ctx, s.keys.Init(executorID, jobID, callID))
	}
	if err != nil {
		return nil, err
	}
	var st job.Status
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *S3Store) GetCallOutput(ctx context.Context, executorID, jobID, callID string) ([]byte, error) {
	return s.GetData(ctx, s.keys.Output(executorID, jobID, callID))
}

func (s *S3Store) GetRuntimeMeta(ctx context.Context, runtimeKey string) (*job.RuntimeMeta, error) {
	data, err := s.GetData(ctx, s.keys.Runtime(runtimeKey))
	if err != nil {
		return nil, err
	}
	var meta job.RuntimeMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (s *S3Store) PutRuntimeMeta(ctx context.Context, runtimeKey string, meta *job.RuntimeMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return s.PutData(ctx, s.keys.Runtime(runtimeKey), data)
}

func (s *S3Store) ListCompletionMarkers(ctx context.Context, executorID, jobID string) (map[string]struct{}, error) {
	prefix := s.keys.Job(executorID, jobID)
	keys, err := s.ListKeys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	done := make(map[string]struct{})
	for _, k := range keys {
		if callID := CallIDFromStatusKey(prefix, k); callID != "" {
			done[callID] = struct{}{}
		}
	}
	return done, nil
}

func (s *S3Store) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list s3://%s/%s: %w", s.bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func (s *S3Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	// DeleteObjects accepts at most 1000 keys per request.
	for start := 0; start < len(keys); start += 1000 {
		end := start + 1000
		if end > len(keys) {
			end = len(keys)
		}
		objects := make([]types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			objects = append(objects, types.ObjectIdentifier{Key: aws.String(k)})
		}
		_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("delete s3://%s: %w", s.bucket, err)
		}
	}
	return nil
}
