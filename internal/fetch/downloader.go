package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrHTTPStatus       = errors.New("fetch: unexpected http status")
	ErrChecksumMismatch = errors.New("fetch: checksum mismatch")
	ErrEmptyBody        = errors.New("fetch: empty response body")
)

const (
	DefaultTimeout   = 5 * time.Minute
	DefaultUserAgent = "ctrtools"
)

// Options configures a Downloader. Zero values fall back to defaults.
type Options struct {
	Client    *http.Client
	Timeout   time.Duration
	UserAgent string
	Logger    *zerolog.Logger
}

// Downloader streams HTTP artifacts to temp files next to their destination.
type Downloader struct {
	client    *http.Client
	userAgent string
	logger    zerolog.Logger
}

// Result describes one completed download.
type Result struct {
	Path     string
	Size     int64
	SHA256   string
	FinalURL string
}

func NewDownloader(opts Options) *Downloader {
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = DefaultUserAgent
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Downloader{
		client:    client,
		userAgent: ua,
		logger:    logger.With().Str("component", "fetch").Logger(),
	}
}

// Fetch GETs rawURL into a new temp file under dir. When wantSHA256 is set the
// digest is enforced and the temp file removed on mismatch. The caller owns the
// returned file and must rename or remove it.
func (d *Downloader) Fetch(ctx context.Context, rawURL, dir, name, wantSHA256 string) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("User-Agent", d.userAgent)

	started := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return Result{}, fmt.Errorf("%w: %s url=%s", ErrHTTPStatus, resp.Status, rawURL)
	}

	file, err := os.CreateTemp(dir, "."+name+".download-*")
	if err != nil {
		return Result{}, err
	}
	tmpPath := file.Name()
	keep := false
	defer func() {
		if !keep {
			_ = os.Remove(tmpPath)
		}
	}()

	hash := sha256.New()
	counter := &progressReader{reader: resp.Body}
	if _, err := io.CopyBuffer(io.MultiWriter(file, hash), counter, make([]byte, 32*1024)); err != nil {
		_ = file.Close()
		return Result{}, err
	}
	if err := file.Close(); err != nil {
		return Result{}, err
	}
	if counter.total == 0 {
		return Result{}, fmt.Errorf("%w: url=%s", ErrEmptyBody, rawURL)
	}

	sum := hex.EncodeToString(hash.Sum(nil))
	want := strings.ToLower(strings.TrimSpace(wantSHA256))
	if want != "" && want != sum {
		return Result{}, fmt.Errorf("%w: want=%s got=%s url=%s", ErrChecksumMismatch, want, sum, rawURL)
	}

	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	d.logger.Debug().
		Str("url", rawURL).
		Str("final_url", finalURL).
		Int64("bytes", counter.total).
		Dur("elapsed", time.Since(started)).
		Msg("download complete")

	keep = true
	return Result{
		Path:     tmpPath,
		Size:     counter.total,
		SHA256:   sum,
		FinalURL: finalURL,
	}, nil
}

type progressReader struct {
	reader io.Reader
	total  int64
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.reader.Read(buf)
	if n > 0 {
		p.total += int64(n)
	}
	return n, err
}
