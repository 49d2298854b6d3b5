package s3

import (
	"context"
	"io"
	"path"
	"strings"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"

	"github.com/cedricziel/errata/eventdb/backend"
)

// Backend reads and writes objects in an S3-compatible bucket. Writes
// are single PUTs of fully-formed objects; the store surfaces them
// atomically, so no directory creation or rename step exists here.
type Backend struct {
	cfg  *Config
	core *minio.Core
}

var _ backend.Backend = (*Backend)(nil)

// New builds the S3 backend and verifies the bucket is reachable.
func New(cfg *Config) (*Backend, error) {
	return internalNew(cfg, true)
}

// NewNoConfirm builds the S3 backend without testing it.
func NewNoConfirm(cfg *Config) (*Backend, error) {
	return internalNew(cfg, false)
}

func internalNew(cfg *Config, confirm bool) (*Backend, error) {
	core, err := createCore(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "unexpected error creating core")
	}

	if confirm {
		if _, err := core.ListObjects(cfg.Bucket, cfg.Prefix, "", "/", 1); err != nil {
			return nil, errors.Wrapf(err, "unexpected error from ListObjects on %s", cfg.Bucket)
		}
	}

	return &Backend{cfg: cfg, core: core}, nil
}

func createCore(cfg *Config) (*minio.Core, error) {
	creds := credentials.NewChainCredentials([]credentials.Provider{
		&credentials.EnvAWS{},
		&credentials.Static{
			Value: credentials.Value{
				AccessKeyID:     cfg.AccessKey,
				SecretAccessKey: cfg.SecretKey.String(),
			},
		},
		&credentials.EnvMinio{},
	})

	opts := &minio.Options{
		Region: cfg.Region,
		Secure: !cfg.Insecure,
		Creds:  creds,
	}
	if cfg.ForcePathStyle {
		opts.BucketLookup = minio.BucketLookupPath
	}

	return minio.NewCore(cfg.Endpoint, opts)
}

func (b *Backend) objectName(p string) string {
	if b.cfg.Prefix == "" {
		return p
	}
	return path.Join(b.cfg.Prefix, p)
}

func (b *Backend) List(_ context.Context, prefix string) ([]backend.FileInfo, error) {
	objPrefix := b.objectName(prefix)
	if len(objPrefix) > 0 && !strings.HasSuffix(objPrefix, "/") {
		objPrefix += "/"
	}

	var files []backend.FileInfo

	nextMarker := ""
	isTruncated := true
	for isTruncated {
		res, err := b.core.ListObjects(b.cfg.Bucket, objPrefix, nextMarker, "/", 0)
		if err != nil {
			return nil, errors.Wrapf(err, "error listing objects in s3 bucket, bucket: %s", b.cfg.Bucket)
		}
		isTruncated = res.IsTruncated
		nextMarker = res.NextMarker

		for _, obj := range res.Contents {
			name := strings.TrimPrefix(obj.Key, objPrefix)
			if name == "" || strings.Contains(name, "/") {
				continue
			}
			files = append(files, backend.FileInfo{
				Path: joinPath(prefix, name),
				Name: name,
				Size: obj.Size,
			})
		}
	}

	return files, nil
}

func (b *Backend) ListPrefixes(_ context.Context, prefix string) ([]string, error) {
	objPrefix := b.objectName(prefix)
	if len(objPrefix) > 0 && !strings.HasSuffix(objPrefix, "/") {
		objPrefix += "/"
	}

	var dirs []string

	nextMarker := ""
	isTruncated := true
	for isTruncated {
		res, err := b.core.ListObjects(b.cfg.Bucket, objPrefix, nextMarker, "/", 0)
		if err != nil {
			return nil, errors.Wrapf(err, "error listing prefixes in s3 bucket, bucket: %s", b.cfg.Bucket)
		}
		isTruncated = res.IsTruncated
		nextMarker = res.NextMarker

		for _, cp := range res.CommonPrefixes {
			dirs = append(dirs, strings.Split(strings.TrimPrefix(cp.Prefix, objPrefix), "/")[0])
		}
	}

	return dirs, nil
}

func (b *Backend) Open(ctx context.Context, p string) (io.ReadCloser, int64, error) {
	reader, info, _, err := b.core.GetObject(ctx, b.cfg.Bucket, b.objectName(p), minio.GetObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, 0, backend.ErrDoesNotExist
		}
		return nil, 0, errors.Wrap(err, "error fetching object from s3 backend")
	}
	return reader, info.Size, nil
}

func (b *Backend) Write(ctx context.Context, p string, data io.Reader, size int64) error {
	_, err := b.core.Client.PutObject(ctx, b.cfg.Bucket, b.objectName(p), data, size, minio.PutObjectOptions{})
	if err != nil {
		return errors.Wrapf(err, "error writing object to s3 backend, object %s", p)
	}
	return nil
}

func (b *Backend) Remove(ctx context.Context, p string) error {
	err := b.core.Client.RemoveObject(ctx, b.cfg.Bucket, b.objectName(p), minio.RemoveObjectOptions{})
	if err != nil && minio.ToErrorResponse(err).Code != "NoSuchKey" {
		return errors.Wrapf(err, "error removing object from s3 backend, object %s", p)
	}
	return nil
}

func (b *Backend) Exists(ctx context.Context, p string) (bool, error) {
	_, err := b.core.Client.StatObject(ctx, b.cfg.Bucket, b.objectName(p), minio.StatObjectOptions{})
	if err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" || resp.Code == "NotFound" {
			return false, nil
		}
		return false, errors.Wrapf(err, "error statting object in s3 backend, object %s", p)
	}
	return true, nil
}

func (b *Backend) BasePath() string { return path.Join(b.cfg.Bucket, b.cfg.Prefix) }

func (b *Backend) Kind() backend.Kind { return backend.KindS3 }

func (b *Backend) Shutdown() {}

func joinPath(prefix, name string) string {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}
