package bucket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/Father1993/PIM-Image-Management/internal/httpclient"
)

// Local stores objects as files under a root directory
type Local struct {
	root          string
	publicBaseURL string
}

// NewLocal creates a local bucket rooted at root.
// Public URLs are publicBaseURL/<key>, or file URLs when publicBaseURL is empty.
func NewLocal(root, publicBaseURL string) (*Local, error) {
	if root == "" {
		return nil, fmt.Errorf("local bucket path is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve bucket path: %w", err)
	}
	if err := os.MkdirAll(abs, 0750); err != nil {
		return nil, fmt.Errorf("failed to create bucket directory: %w", err)
	}
	return &Local{root: abs, publicBaseURL: strings.TrimRight(publicBaseURL, "/")}, nil
}

// Put implements Bucket. The object is written to a temp file and renamed into place.
func (l *Local) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	path, err := l.path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return "", fmt.Errorf("failed to create object directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp object: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("failed to write object %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close object %s: %w", key, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("failed to store object %s: %w", key, err)
	}
	return l.publicURL(key), nil
}

// Get implements Bucket
func (l *Local) Get(_ context.Context, ref string) ([]byte, error) {
	path, err := l.path(l.keyFromRef(ref))
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, httpclient.NewHTTPError(http.StatusNotFound, ref, "object not found")
		}
		return nil, fmt.Errorf("failed to read object %s: %w", ref, err)
	}
	return data, nil
}

func (l *Local) path(key string) (string, error) {
	rel := filepath.FromSlash(key)
	if key == "" || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(l.root, rel), nil
}

func (l *Local) publicURL(key string) string {
	if l.publicBaseURL != "" {
		return l.publicBaseURL + "/" + key
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(filepath.Join(l.root, filepath.FromSlash(key)))}
	return u.String()
}

func (l *Local) keyFromRef(ref string) string {
	if l.publicBaseURL != "" && strings.HasPrefix(ref, l.publicBaseURL+"/") {
		return strings.TrimPrefix(ref, l.publicBaseURL+"/")
	}
	if u, err := url.Parse(ref); err == nil && u.Scheme == "file" {
		root := filepath.ToSlash(l.root) + "/"
		if strings.HasPrefix(u.Path, root) {
			return strings.TrimPrefix(u.Path, root)
		}
	}
	return ref
}
