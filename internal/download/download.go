// Package download transfers episode enclosures to local files.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bryan-buckman/castkeep/internal/model"
	"github.com/dustin/go-humanize"
	"github.com/gosimple/slug"
)

// DefaultTimeout bounds a whole episode transfer.
const DefaultTimeout = 30 * time.Minute

const (
	maxNameLength = 100
	defaultExt    = ".mp3"
)

// Limiter gates requests per host.
type Limiter interface {
	Acquire(ctx context.Context, rawURL string) error
	Release(rawURL string)
}

// Options configures a Downloader.
type Options struct {
	Timeout   time.Duration
	UserAgent string
	Limiter   Limiter
}

// Downloader fetches episode media over HTTP.
type Downloader struct {
	client    *http.Client
	userAgent string
	limiter   Limiter
}

// New creates a Downloader.
func New(opts Options) *Downloader {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Downloader{
		client:    &http.Client{Timeout: opts.Timeout},
		userAgent: opts.UserAgent,
		limiter:   opts.Limiter,
	}
}

// Fetch downloads the enclosure of ep into destDir and returns the path of
// the written file. Partial transfers never appear under the final name.
func (d *Downloader) Fetch(ctx context.Context, ep model.Episode, destDir string) (string, error) {
	src := ep.Enclosure.URL
	if src == "" {
		return "", fmt.Errorf("episode %s has no enclosure", ep.ID)
	}

	if d.limiter != nil {
		if err := d.limiter.Acquire(ctx, src); err != nil {
			return "", fmt.Errorf("rate limit cancelled for %s: %w", src, err)
		}
		defer d.limiter.Release(src)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	if d.userAgent != "" {
		req.Header.Set("User-Agent", d.userAgent)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("get %s: %w", src, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("get %s: unexpected status %s", src, resp.Status)
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create download directory: %w", err)
	}

	base := FileName(ep)
	ext := Extension(ep.Enclosure, resp.Header.Get("Content-Type"))

	tmp, err := os.CreateTemp(destDir, "."+base+"-*.part")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	n, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write %s: %w", src, err)
	}

	dest, err := reservePath(destDir, base, ext)
	if err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		os.Remove(dest)
		return "", fmt.Errorf("rename download: %w", err)
	}

	log.Printf("Downloaded %s (%s)", dest, humanize.Bytes(uint64(n)))
	return dest, nil
}

// DestDir returns the directory that downloads for sub are written to.
func DestDir(root string, sub model.Subscription) string {
	if sub.DownloadDir != "" {
		return sub.DownloadDir
	}
	return filepath.Join(root, DirName(sub.Name))
}

// DirName turns a subscription name into a directory name.
func DirName(name string) string {
	return clean(name, "podcast")
}

// FileName returns the base file name, without extension, for ep.
func FileName(ep model.Episode) string {
	return clean(ep.Title, clean(ep.ID, "episode"))
}

// Extension picks a file extension from the enclosure URL, then the
// declared or served MIME type.
func Extension(enc model.Enclosure, contentType string) string {
	if u, err := url.Parse(enc.URL); err == nil {
		if ext := strings.ToLower(path.Ext(u.Path)); isMediaExt(ext) {
			return ext
		}
	}
	for _, ct := range []string{enc.Type, contentType} {
		if ext := extensionForType(ct); ext != "" {
			return ext
		}
	}
	return defaultExt
}

var knownTypes = map[string]string{
	"audio/mpeg":  ".mp3",
	"audio/mp3":   ".mp3",
	"audio/mp4":   ".m4a",
	"audio/x-m4a": ".m4a",
	"audio/aac":   ".aac",
	"audio/ogg":   ".ogg",
	"audio/opus":  ".opus",
	"video/mp4":   ".mp4",
}

func extensionForType(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	if ext, ok := knownTypes[mediaType]; ok {
		return ext
	}
	if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}

func isMediaExt(ext string) bool {
	if len(ext) < 2 {
		return false
	}
	for _, known := range knownTypes {
		if ext == known {
			return true
		}
	}
	t := mime.TypeByExtension(ext)
	return strings.HasPrefix(t, "audio/") || strings.HasPrefix(t, "video/")
}

func clean(s, fallback string) string {
	name := slug.Make(s)
	if len(name) > maxNameLength {
		name = strings.TrimRight(name[:maxNameLength], "-_")
	}
	if name == "" {
		return fallback
	}
	return name
}

// reservePath creates an empty file under the first free name of the form
// base, base-2, base-3... so concurrent downloads never pick the same name.
// The caller renames its finished transfer over the reservation.
func reservePath(dir, base, ext string) (string, error) {
	candidate := filepath.Join(dir, base+ext)
	for i := 2; ; i++ {
		f, err := os.OpenFile(candidate, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			f.Close()
			return candidate, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("reserve %s: %w", candidate, err)
		}
		candidate = filepath.Join(dir, base+"-"+strconv.Itoa(i)+ext)
	}
}
