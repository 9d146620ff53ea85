// Package modelstore keeps a local cache of hub-hosted classifier models,
// downloading them on first use.
package modelstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/straja-ai/imageguard/internal/redact"
)

// ErrOffline is returned when a model is not cached and downloads are disabled.
var ErrOffline = errors.New("model not cached and offline mode is enabled")

// Ref identifies one model on the hub.
type Ref struct {
	Repo     string
	Revision string
	OnnxFile string
}

func (r Ref) key() string {
	return r.Repo + "@" + r.Revision
}

// Files lists the files Ensure fetches, required ones first.
func (r Ref) Files() (required, optional []string) {
	onnx := strings.TrimSpace(r.OnnxFile)
	if onnx == "" {
		onnx = "onnx/model.onnx"
	}
	return []string{onnx, "config.json"}, []string{"preprocessor_config.json"}
}

func (r Ref) validate() error {
	repo := strings.TrimSpace(r.Repo)
	if repo == "" {
		return errors.New("repo is empty")
	}
	if strings.TrimSpace(r.Revision) == "" {
		return errors.New("revision is empty")
	}
	for _, p := range []string{repo, r.Revision, r.OnnxFile} {
		if strings.Contains(p, "..") || strings.HasPrefix(p, "/") {
			return fmt.Errorf("invalid path component %q", p)
		}
	}
	return nil
}

// Options configures a Store.
type Options struct {
	CacheDir string
	Endpoint string
	Token    string
	Offline  bool
	Timeout  time.Duration
	Client   *http.Client
}

// Store downloads models into CacheDir/<repo>/<revision>.
type Store struct {
	cacheDir string
	endpoint string
	token    string
	offline  bool
	client   *http.Client
	group    singleflight.Group
}

// New creates a Store. Timeout bounds each file download.
func New(opts Options) (*Store, error) {
	cacheDir := strings.TrimSpace(opts.CacheDir)
	if cacheDir == "" {
		return nil, errors.New("cache dir is empty")
	}
	endpoint := strings.TrimRight(strings.TrimSpace(opts.Endpoint), "/")
	if endpoint == "" && !opts.Offline {
		return nil, errors.New("hub endpoint is empty")
	}
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Minute
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Store{
		cacheDir: cacheDir,
		endpoint: endpoint,
		token:    strings.TrimSpace(opts.Token),
		offline:  opts.Offline,
		client:   client,
	}, nil
}

// Dir is where ref lives in the cache, whether or not it was downloaded.
func (s *Store) Dir(ref Ref) string {
	return filepath.Join(s.cacheDir, filepath.FromSlash(ref.Repo), ref.Revision)
}

// Ensure returns the local directory for ref, downloading it when the
// cache does not hold a complete copy. Concurrent calls for the same ref
// share one download.
func (s *Store) Ensure(ctx context.Context, ref Ref) (string, error) {
	if err := ref.validate(); err != nil {
		return "", err
	}
	v, err, _ := s.group.Do(ref.key(), func() (interface{}, error) {
		return s.ensure(ctx, ref)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *Store) ensure(ctx context.Context, ref Ref) (string, error) {
	finalDir := s.Dir(ref)
	if dirLooksValid(finalDir, ref) {
		return finalDir, nil
	}
	if s.offline {
		return "", fmt.Errorf("%w: %s", ErrOffline, ref.key())
	}

	parent := filepath.Dir(finalDir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", fmt.Errorf("create model cache dir: %w", err)
	}
	tmpDir, err := os.MkdirTemp(parent, filepath.Base(finalDir)+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	success := false
	defer func() {
		if !success {
			os.RemoveAll(tmpDir)
		}
	}()

	redact.Logf("imageguard modelstore: downloading %s from %s", ref.key(), s.endpoint)

	required, optional := ref.Files()
	state := State{
		Repo:     ref.Repo,
		Revision: ref.Revision,
		Endpoint: s.endpoint,
	}
	for _, name := range required {
		rec, err := s.download(ctx, ref, name, tmpDir)
		if err != nil {
			return "", err
		}
		state.Files = append(state.Files, rec)
	}
	for _, name := range optional {
		rec, err := s.download(ctx, ref, name, tmpDir)
		if errors.Is(err, errNotFound) {
			continue
		}
		if err != nil {
			return "", err
		}
		state.Files = append(state.Files, rec)
	}
	state.DownloadedAt = time.Now().UTC()
	if err := SaveState(tmpDir, state); err != nil {
		return "", err
	}

	backupDir := finalDir + ".bak"
	if _, err := os.Stat(finalDir); err == nil {
		_ = os.RemoveAll(backupDir)
		if err := os.Rename(finalDir, backupDir); err != nil {
			return "", fmt.Errorf("prepare existing model for replacement: %w", err)
		}
	}
	if err := os.Rename(tmpDir, finalDir); err != nil {
		if _, statErr := os.Stat(backupDir); statErr == nil {
			_ = os.Rename(backupDir, finalDir)
		}
		return "", fmt.Errorf("activate model: %w", err)
	}
	_ = os.RemoveAll(backupDir)
	success = true
	return finalDir, nil
}

var errNotFound = errors.New("file not found on hub")

// fileURL builds <endpoint>/<repo>/resolve/<revision>/<file>.
func (s *Store) fileURL(ref Ref, name string) string {
	return s.endpoint + "/" + path.Join(ref.Repo, "resolve", url.PathEscape(ref.Revision), name)
}

func (s *Store) download(ctx context.Context, ref Ref, name, dir string) (FileRecord, error) {
	remote := s.fileURL(ref, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, remote, nil)
	if err != nil {
		return FileRecord{}, fmt.Errorf("build file request for %s: %w", name, err)
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return FileRecord{}, fmt.Errorf("download file %s: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return FileRecord{}, fmt.Errorf("%w: %s", errNotFound, name)
	}
	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return FileRecord{}, fmt.Errorf("download file %s status: %s: %s", name, resp.Status, strings.TrimSpace(string(errBody)))
	}

	localPath := filepath.Join(dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return FileRecord{}, fmt.Errorf("create dir for %s: %w", name, err)
	}
	dst, err := os.Create(localPath)
	if err != nil {
		return FileRecord{}, fmt.Errorf("create local file %s: %w", localPath, err)
	}

	h := sha256.New()
	prog := newProgressLogger(name, resp.ContentLength)
	n, err := io.Copy(io.MultiWriter(dst, h), io.TeeReader(resp.Body, prog))
	closeErr := dst.Close()
	prog.Finish()
	if err != nil {
		return FileRecord{}, fmt.Errorf("write file %s: %w", name, err)
	}
	if closeErr != nil {
		return FileRecord{}, fmt.Errorf("close file %s: %w", name, closeErr)
	}
	if resp.ContentLength > 0 && n != resp.ContentLength {
		return FileRecord{}, fmt.Errorf("size mismatch for %s: expected %d, got %d", name, resp.ContentLength, n)
	}

	return FileRecord{Path: name, Size: n, SHA256: hex.EncodeToString(h.Sum(nil))}, nil
}

func dirLooksValid(dir string, ref Ref) bool {
	if _, err := LoadState(dir); err != nil {
		return false
	}
	required, _ := ref.Files()
	for _, name := range required {
		if _, err := os.Stat(filepath.Join(dir, filepath.FromSlash(name))); err != nil {
			return false
		}
	}
	return true
}

type progressLogger struct {
	name       string
	total      int64
	downloaded int64
	step       int64
	next       int64
	start      time.Time
}

func newProgressLogger(name string, total int64) *progressLogger {
	step := total / 10
	if step <= 0 {
		step = 16 << 20
	}
	return &progressLogger{
		name:  name,
		total: total,
		step:  step,
		next:  step,
		start: time.Now(),
	}
}

func (p *progressLogger) Write(b []byte) (int, error) {
	n := len(b)
	p.downloaded += int64(n)
	if p.downloaded >= p.next {
		percent := int64(0)
		if p.total > 0 {
			percent = p.downloaded * 100 / p.total
		}
		redact.Logf("imageguard modelstore: download progress %s: %d/%d bytes (%d%%)", p.name, p.downloaded, p.total, percent)
		p.next += p.step
	}
	return n, nil
}

func (p *progressLogger) Finish() {
	if p == nil {
		return
	}
	duration := time.Since(p.start).Round(time.Millisecond)
	redact.Logf("imageguard modelstore: download complete %s: %d bytes in %s", p.name, p.downloaded, duration)
}
