package blobsvc

import (
	"context"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/pkg/errors"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/message"
)

var (
	ErrNotFound   = errors.New("file not found")
	ErrInvalidKey = errors.New("invalid file key")
)

// Store keeps message attachments in any gocloud bucket (file://, mem://, s3://).
type Store struct {
	bucket        *blob.Bucket
	publicBaseURL string
}

var _ message.BlobStore = (*Store)(nil)

func Open(ctx context.Context, conf *core.Config) (*Store, error) {
	bucket, err := blob.OpenBucket(ctx, conf.Storage.URL)
	if err != nil {
		return nil, errors.Wrapf(err, "opening bucket %q", conf.Storage.URL)
	}
	return NewStore(bucket, conf.Storage.PublicBaseURL), nil
}

func NewStore(bucket *blob.Bucket, publicBaseURL string) *Store {
	return &Store{bucket: bucket, publicBaseURL: strings.TrimRight(publicBaseURL, "/")}
}

// sanitizeKey prevents path traversal.
func sanitizeKey(key string) (string, error) {
	key = strings.TrimLeft(path.Clean("/"+key), "/")
	if key == "" || key == "." {
		return "", ErrInvalidKey
	}
	return key, nil
}

func (s *Store) Put(ctx context.Context, key string, r io.Reader, contentType string) error {
	key, err := sanitizeKey(key)
	if err != nil {
		return err
	}
	w, err := s.bucket.NewWriter(ctx, key, &blob.WriterOptions{ContentType: contentType})
	if err != nil {
		return errors.Wrap(err, "opening blob writer")
	}
	if _, err = io.Copy(w, r); err != nil {
		_ = w.Close()
		return errors.Wrap(err, "writing blob")
	}
	return errors.Wrap(w.Close(), "closing blob writer")
}

// URL returns the public URL of the object at key.
func (s *Store) URL(key string) string {
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return s.publicBaseURL + "/" + strings.Join(segments, "/")
}

// Open returns a reader of the object at key. The caller must close it.
func (s *Store) Open(ctx context.Context, key string) (*blob.Reader, error) {
	key, err := sanitizeKey(key)
	if err != nil {
		return nil, err
	}
	r, err := s.bucket.NewReader(ctx, key, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "opening blob reader")
	}
	return r, nil
}

func (s *Store) Close() error {
	return s.bucket.Close()
}
