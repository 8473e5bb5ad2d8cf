package targetstore

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"github.com/studio-b12/gowebdav"
)

// WebDAV implements Store against an HTTP/1.1+ WebDAV server reachable at
// BaseURL, using MKCOL/PUT/HEAD/GET/DELETE/PROPFIND, authenticated with
// stored Basic credentials.
type WebDAV struct {
	BaseURL  string
	Username string
	Password string

	client *gowebdav.Client
}

func NewWebDAV(baseURL, username, password string) *WebDAV {
	c := gowebdav.NewClient(baseURL, username, password)
	return &WebDAV{BaseURL: baseURL, Username: username, Password: password, client: c}
}

// temporaryError marks network/5xx failures as retryable for withRetry.
type temporaryError struct{ err error }

func (t temporaryError) Error() string    { return t.err.Error() }
func (t temporaryError) Unwrap() error    { return t.err }
func (t temporaryError) Temporary() bool  { return true }

func wrapTemporary(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if ok := isNetError(err, &netErr); ok {
		return temporaryError{err}
	}
	msg := err.Error()
	if strings.Contains(msg, "50") && (strings.Contains(msg, "502") || strings.Contains(msg, "503") || strings.Contains(msg, "504")) {
		return temporaryError{err}
	}
	return err
}

func isNetError(err error, target *net.Error) bool {
	for err != nil {
		if ne, ok := err.(net.Error); ok {
			*target = ne
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func (w *WebDAV) mkdirAll(relDir string) error {
	if relDir == "" || relDir == "." {
		return nil
	}
	return w.client.MkdirAll(relDir, 0o755)
}

func (w *WebDAV) Put(ctx context.Context, relPath, localPath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("webdav: read %q: %w", localPath, err)
	}

	dir := dirOf(relPath)
	if err := w.mkdirAll(dir); err != nil {
		return wrapTemporary(fmt.Errorf("webdav: mkcol %q: %w", dir, err))
	}
	if err := w.client.Write(relPath, data, 0o600); err != nil {
		return wrapTemporary(fmt.Errorf("webdav: put %q: %w", relPath, err))
	}
	return nil
}

func (w *WebDAV) Stat(ctx context.Context, relPath string) (int64, bool, error) {
	info, err := w.client.Stat(relPath)
	if err != nil {
		if isNotFound(err) {
			return 0, false, nil
		}
		return 0, false, wrapTemporary(fmt.Errorf("webdav: head %q: %w", relPath, err))
	}
	return info.Size(), true, nil
}

func (w *WebDAV) Get(ctx context.Context, relPath, localPath string) error {
	reader, err := w.client.ReadStream(relPath)
	if err != nil {
		return wrapTemporary(fmt.Errorf("webdav: get %q: %w", relPath, err))
	}
	defer reader.Close()

	out, err := os.OpenFile(localPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("webdav: create %q: %w", localPath, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, reader); err != nil {
		return fmt.Errorf("webdav: copy %q: %w", relPath, err)
	}
	return nil
}

func (w *WebDAV) Delete(ctx context.Context, relPath string) error {
	if err := w.client.Remove(relPath); err != nil && !isNotFound(err) {
		return wrapTemporary(fmt.Errorf("webdav: delete %q: %w", relPath, err))
	}
	return nil
}

func (w *WebDAV) List(ctx context.Context, prefix string) ([]string, error) {
	infos, err := w.client.ReadDir(prefix)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, wrapTemporary(fmt.Errorf("webdav: propfind %q: %w", prefix, err))
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, strings.TrimSuffix(prefix, "/")+"/"+info.Name())
	}
	return names, nil
}

func dirOf(relPath string) string {
	idx := strings.LastIndex(relPath, "/")
	if idx < 0 {
		return ""
	}
	return relPath[:idx]
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	if os.IsNotExist(err) {
		return true
	}
	return strings.Contains(err.Error(), "404")
}
