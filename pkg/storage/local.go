package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"

	"github.com/spf13/afero"
)

// Local stores objects on a filesystem and serves them under a base URL.
type Local struct {
	fs      afero.Fs
	baseURL string
}

// NewLocal creates a store rooted at dir on the OS filesystem.
func NewLocal(dir, baseURL string) *Local {
	return NewLocalFs(afero.NewBasePathFs(afero.NewOsFs(), dir), baseURL)
}

// NewLocalFs creates a store over an arbitrary afero filesystem.
func NewLocalFs(fsys afero.Fs, baseURL string) *Local {
	return &Local{fs: fsys, baseURL: strings.TrimRight(baseURL, "/")}
}

// Put writes to a temporary file and renames it into place.
func (l *Local) Put(ctx context.Context, key, _ string, body io.Reader, _ int64) error {
	name, err := cleanKey(key)
	if err != nil {
		return err
	}
	if err := l.fs.MkdirAll(path.Dir(name), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", key, err)
	}
	tmp := name + ".part"
	f, err := l.fs.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", key, err)
	}
	_, err = io.Copy(f, readerWithContext(ctx, body))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = l.fs.Remove(tmp)
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := l.fs.Rename(tmp, name); err != nil {
		_ = l.fs.Remove(tmp)
		return fmt.Errorf("rename %s: %w", key, err)
	}
	return nil
}

// MediaURL returns baseURL/key for an existing object.
func (l *Local) MediaURL(_ context.Context, key string) (string, error) {
	name, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	if _, err := l.fs.Stat(name); err != nil {
		return "", l.mapError(key, err)
	}
	return l.baseURL + "/" + strings.TrimPrefix(name, "/"), nil
}

func (l *Local) Open(_ context.Context, key string) (io.ReadCloser, error) {
	name, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	f, err := l.fs.Open(name)
	if err != nil {
		return nil, l.mapError(key, err)
	}
	return f, nil
}

func (l *Local) Delete(_ context.Context, key string) error {
	name, err := cleanKey(key)
	if err != nil {
		return err
	}
	if err := l.fs.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (l *Local) mapError(key string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", key, ErrObjectNotFound)
	}
	return fmt.Errorf("local object %s: %w", key, err)
}

// cleanKey rejects keys that would escape the store root.
func cleanKey(key string) (string, error) {
	name := path.Clean("/" + key)
	if name == "/" || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return name, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return ctxReader{ctx: ctx, r: r}
}
