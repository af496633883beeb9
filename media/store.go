// Package media stores uploaded task attachments on local disk and maps
// stored keys to URLs clients can fetch them from.
package media

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"
)

// Locator resolves a stored key to an access URL.
type Locator interface {
	URL(key string) string
}

// DiskStore writes uploads under a root directory, one dated folder per day.
type DiskStore struct {
	root    string
	baseURL string
	now     func() time.Time
}

func NewDiskStore(root, baseURL string) (*DiskStore, error) {
	if root == "" {
		return nil, errors.New("media: empty root directory")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("media: %w", err)
	}
	return &DiskStore{root: root, baseURL: strings.TrimRight(baseURL, "/"), now: time.Now}, nil
}

func (d *DiskStore) Root() string { return d.root }

// Save writes r atomically and returns the stored key and byte count. The
// original extension is kept; the rest of the name is replaced.
func (d *DiskStore) Save(name string, r io.Reader) (string, int64, error) {
	ext := strings.ToLower(filepath.Ext(filepath.Base(name)))
	if len(ext) > 16 {
		ext = ""
	}
	key := path.Join(d.now().UTC().Format("2006/01/02"), uuid.NewString()+ext)
	full := d.path(key)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", 0, fmt.Errorf("media: %w", err)
	}
	cr := &countingReader{r: r}
	if err := atomic.WriteFile(full, cr); err != nil {
		return "", 0, fmt.Errorf("media: write %s: %w", key, err)
	}
	return key, cr.n, nil
}

// Remove deletes a stored file. Missing files are not an error.
func (d *DiskStore) Remove(key string) error {
	if err := os.Remove(d.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("media: remove %s: %w", key, err)
	}
	return nil
}

func (d *DiskStore) URL(key string) string {
	if key == "" {
		return ""
	}
	return d.baseURL + "/" + key
}

func (d *DiskStore) path(key string) string {
	return filepath.Join(d.root, filepath.FromSlash(path.Clean("/"+key)))
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
