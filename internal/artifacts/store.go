// Package artifacts keeps uploaded and processed image files as flat files in
// a single retention directory. The directory is shared with the janitor, so
// nothing here caches existence: every call goes back to the filesystem.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"

	"imageforge/internal/models"
)

const (
	dirPerm      = 0o755
	filePerm     = 0o644
	tmpSuffix    = ".part"
	retryDelay   = 50 * time.Millisecond
	readDirBatch = 64
)

var extPattern = regexp.MustCompile(`^\.[a-z0-9]{1,5}$`)

type Store struct {
	dir string
	now func() time.Time
}

func NewStore(dir string) (*Store, error) {
	const op = "artifacts.NewStore"

	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Store{dir: dir, now: time.Now}, nil
}

func (s *Store) Dir() string { return s.dir }

// Put writes data under a fresh id ending in ext. The file becomes visible
// under its final name only once fully written. A failed write is retried
// once before being reported as transient.
func (s *Store) Put(ctx context.Context, data []byte, ext string) (string, error) {
	const op = "artifacts.Put"

	id := s.newID(ext)
	backoff := retry.WithMaxRetries(1, retry.NewConstant(retryDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := s.write(id, data); err != nil {
			log.Warn().Err(err).Str("artifact_id", id).Msg("artifact write failed")
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return "", models.NewError(models.KindTransientStorage, op, err)
	}
	return id, nil
}

// PutReader is Put for streamed uploads.
func (s *Store) PutReader(ctx context.Context, r io.Reader, ext string) (string, int64, error) {
	const op = "artifacts.PutReader"

	data, err := io.ReadAll(r)
	if err != nil {
		return "", 0, fmt.Errorf("%s: %w", op, err)
	}
	id, err := s.Put(ctx, data, ext)
	if err != nil {
		return "", 0, err
	}
	return id, int64(len(data)), nil
}

func (s *Store) write(id string, data []byte) error {
	final := filepath.Join(s.dir, id)
	tmp := final + tmpSuffix

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Path resolves id to a readable file.
func (s *Store) Path(id string) (string, error) {
	const op = "artifacts.Path"

	if !validName(id) || strings.HasSuffix(id, tmpSuffix) {
		return "", models.NewError(models.KindNotFound, op, models.ErrArtifactMissing)
	}
	p := filepath.Join(s.dir, id)
	info, err := os.Stat(p)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return "", models.NewError(models.KindNotFound, op, models.ErrArtifactMissing)
	case err != nil:
		return "", models.NewError(models.KindTransientStorage, op, err)
	case !info.Mode().IsRegular():
		return "", models.NewError(models.KindNotFound, op, models.ErrArtifactMissing)
	}
	return p, nil
}

// Read returns the artifact bytes.
func (s *Store) Read(id string) ([]byte, error) {
	const op = "artifacts.Read"

	p, err := s.Path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// swept between stat and read
		return nil, models.NewError(models.KindNotFound, op, models.ErrArtifactMissing)
	case err != nil:
		return nil, models.NewError(models.KindTransientStorage, op, err)
	}
	return data, nil
}

// Delete removes id. Deleting an absent artifact is not an error.
func (s *Store) Delete(id string) error {
	const op = "artifacts.Delete"

	if !validName(id) {
		return nil
	}
	err := os.Remove(filepath.Join(s.dir, id))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// ListOlderThan lazily yields ids of artifacts created before now-age. The
// sequence reads the directory in batches and can be ranged over once.
func (s *Store) ListOlderThan(age time.Duration) iter.Seq[string] {
	cutoff := s.now().Add(-age)
	return func(yield func(string) bool) {
		dir, err := os.Open(s.dir)
		if err != nil {
			log.Warn().Err(err).Msg("open artifact dir")
			return
		}
		defer dir.Close()

		for {
			entries, err := dir.ReadDir(readDirBatch)
			for _, e := range entries {
				if !e.Type().IsRegular() {
					continue
				}
				info, ierr := e.Info()
				if ierr != nil {
					// removed concurrently
					continue
				}
				if info.ModTime().Before(cutoff) && !yield(e.Name()) {
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					log.Warn().Err(err).Msg("read artifact dir")
				}
				return
			}
		}
	}
}

// newID builds <unix-nanos>-<random>.<ext>; only the random part needs to
// differ between near-simultaneous writers.
func (s *Store) newID(ext string) string {
	ext = strings.ToLower(ext)
	if !extPattern.MatchString(ext) {
		ext = ".bin"
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return strconv.FormatInt(s.now().UnixNano(), 10) + "-" + suffix + ext
}

// validName rejects anything that could resolve outside the directory.
func validName(id string) bool {
	return id != "" &&
		id == filepath.Base(id) &&
		!strings.HasPrefix(id, ".") &&
		!strings.ContainsAny(id, `/\`)
}
