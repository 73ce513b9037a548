package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// PathRuns is the bucket prefix under which each run gets its own folder.
const PathRuns = "runs"

const uploadWorkers = 4

// MinIOConfig addresses an S3-compatible bucket.
type MinIOConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	UseSSL          bool
	Region          string
}

// MinIOStorage archives evaluation output directories.
type MinIOStorage struct {
	client *minio.Client
	bucket string
	region string
}

func NewMinIOStorage(cfg MinIOConfig) (*MinIOStorage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client for %s: %w", cfg.Endpoint, err)
	}
	return &MinIOStorage{client: client, bucket: cfg.BucketName, region: cfg.Region}, nil
}

// InitBucket creates the bucket on first use.
func (s *MinIOStorage) InitBucket(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	switch {
	case err != nil:
		return fmt.Errorf("failed to look up bucket %s: %w", s.bucket, err)
	case ok:
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", s.bucket, err)
	}
	return nil
}

// UploadDir copies every file below localDir to runs/<runID>/. Files named
// in last are uploaded only after everything else succeeded, so their
// presence marks a complete archive. Keys come back sorted, the last
// files at the end.
func (s *MinIOStorage) UploadDir(ctx context.Context, localDir, runID string, last ...string) ([]string, error) {
	files, err := listFiles(localDir)
	if err != nil {
		return nil, err
	}
	body, tail := splitLast(files, last)

	keys, err := s.putAll(ctx, localDir, runID, body)
	if err != nil {
		return keys, err
	}
	for _, rel := range tail {
		key, err := s.put(ctx, localDir, runID, rel)
		if err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// putAll uploads files with a small worker pool. On failure the keys of
// the files that did make it are still returned.
func (s *MinIOStorage) putAll(ctx context.Context, localDir, runID string, files []string) ([]string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	keys := make([]string, len(files))
	errs := make([]error, len(files))
	jobs := make(chan int)

	var wg sync.WaitGroup
	for range min(uploadWorkers, len(files)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				keys[i], errs[i] = s.put(ctx, localDir, runID, files[i])
				if errs[i] != nil {
					cancel()
				}
			}
		}()
	}
feed:
	for i := range files {
		select {
		case jobs <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	done := slices.DeleteFunc(keys, func(k string) bool { return k == "" })
	if err := errors.Join(errs...); err != nil {
		return done, err
	}
	return done, ctx.Err()
}

func (s *MinIOStorage) put(ctx context.Context, localDir, runID, rel string) (string, error) {
	info, err := s.client.FPutObject(ctx, s.bucket, BuildRunPath(runID, rel), filepath.Join(localDir, rel), minio.PutObjectOptions{
		ContentType:  detectContentType(rel),
		UserMetadata: map[string]string{"run-id": runID},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", rel, err)
	}
	return info.Key, nil
}

// BuildRunPath is the object key of a file relative to a run's output dir.
func BuildRunPath(runID, rel string) string {
	return path.Join(PathRuns, runID, filepath.ToSlash(rel))
}

func splitLast(files, last []string) (body, tail []string) {
	for _, f := range files {
		if slices.Contains(last, f) {
			tail = append(tail, f)
		} else {
			body = append(body, f)
		}
	}
	return body, tail
}

// listFiles returns the regular files below root, relative and sorted.
func listFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return err
		}
		rel, err := filepath.Rel(root, p)
		files = append(files, rel)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}
	slices.Sort(files)
	return files, nil
}

func detectContentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		return "application/json"
	case ".jsonl":
		return "application/x-ndjson"
	case ".csv":
		return "text/csv; charset=utf-8"
	case ".md":
		return "text/markdown; charset=utf-8"
	case ".txt", ".log":
		return "text/plain; charset=utf-8"
	}
	return "application/octet-stream"
}
