// Package databricks reads Unity Catalog volumes through the Databricks Files
// REST API (/api/2.0/fs).
package databricks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/schaermu/vol2git/internal/fingerprint"
	"github.com/schaermu/vol2git/internal/volume"
)

const (
	directoriesAPI = "/api/2.0/fs/directories"
	filesAPI       = "/api/2.0/fs/files"

	defaultMaxAttempts = 4
	defaultBackoff     = 500 * time.Millisecond
	maxErrorBody       = 4 << 10
)

// Options configures a Volume.
type Options struct {
	// Host is the workspace URL, e.g. https://adb-123.azuredatabricks.net
	Host string
	// Token is a personal access token or OAuth access token.
	Token string
	// Path is the volume directory, e.g. /Volumes/main/default/pipeline/logs
	Path string
	// HTTPClient overrides the default client.
	HTTPClient *http.Client
	// MaxAttempts bounds retries of throttled or failed requests.
	MaxAttempts int
	// Backoff is the initial retry delay; it doubles per attempt.
	Backoff time.Duration
	Logger  *slog.Logger
}

// Volume is a Databricks volume directory.
type Volume struct {
	host        *url.URL
	token       string
	root        string
	client      *http.Client
	maxAttempts int
	backoff     time.Duration
	logger      *slog.Logger
}

// New validates opts and returns a Volume.
func New(opts Options) (*Volume, error) {
	if opts.Host == "" {
		return nil, errors.New("databricks host is required")
	}
	host, err := url.Parse(strings.TrimRight(opts.Host, "/"))
	if err != nil || host.Scheme == "" || host.Host == "" {
		return nil, fmt.Errorf("invalid databricks host %q", opts.Host)
	}
	if opts.Token == "" {
		return nil, errors.New("databricks token is required")
	}
	root := "/" + strings.Trim(opts.Path, "/")
	if root == "/" {
		return nil, errors.New("databricks volume path is required")
	}

	v := &Volume{
		host:        host,
		token:       opts.Token,
		root:        root,
		client:      opts.HTTPClient,
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.Backoff,
		logger:      opts.Logger,
	}
	if v.client == nil {
		v.client = &http.Client{Timeout: 5 * time.Minute}
	}
	if v.maxAttempts <= 0 {
		v.maxAttempts = defaultMaxAttempts
	}
	if v.backoff <= 0 {
		v.backoff = defaultBackoff
	}
	if v.logger == nil {
		v.logger = slog.Default()
	}
	return v, nil
}

// Describe implements volume.Describer.
func (v *Volume) Describe() string {
	return "databricks:" + v.host.Host + v.root
}

type directoryEntry struct {
	Path         string `json:"path"`
	Name         string `json:"name"`
	IsDirectory  bool   `json:"is_directory"`
	IsDir        bool   `json:"is_dir"`
	FileSize     int64  `json:"file_size"`
	LastModified int64  `json:"last_modified"`
}

type directoryListing struct {
	Contents      []directoryEntry `json:"contents"`
	NextPageToken string           `json:"next_page_token"`
}

// Walk lists the volume recursively. Any failed page aborts the walk: a
// partial listing would make present files look deleted.
func (v *Volume) Walk(ctx context.Context, fn volume.WalkFunc) error {
	return v.walk(ctx, "", fn)
}

func (v *Volume) walk(ctx context.Context, rel string, fn volume.WalkFunc) error {
	pageToken := ""
	for {
		listing, err := v.list(ctx, rel, pageToken)
		if err != nil {
			return err
		}

		for _, item := range listing.Contents {
			name := item.Name
			if name == "" {
				name = path.Base(item.Path)
			}
			child := name
			if rel != "" {
				child = rel + "/" + name
			}
			id, err := volume.ParseIdentity(child)
			if err != nil {
				if err := fn(volume.InvalidEntry(child, err)); err != nil {
					return err
				}
				continue
			}

			if item.IsDirectory || item.IsDir {
				if err := v.walk(ctx, child, fn); err != nil {
					return err
				}
				continue
			}

			entry := volume.Entry{Identity: id, Size: item.FileSize}
			if item.LastModified > 0 {
				entry.ModTime = time.UnixMilli(item.LastModified).UTC()
			}
			if err := fn(entry); err != nil {
				return err
			}
		}

		if listing.NextPageToken == "" {
			return nil
		}
		pageToken = listing.NextPageToken
	}
}

func (v *Volume) list(ctx context.Context, rel, pageToken string) (*directoryListing, error) {
	u := v.endpoint(directoriesAPI, rel)
	if pageToken != "" {
		q := u.Query()
		q.Set("page_token", pageToken)
		u.RawQuery = q.Encode()
	}

	resp, err := v.do(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("failed to list %q: %w", dirOrRoot(rel), err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var listing directoryListing
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, fmt.Errorf("failed to decode listing of %q: %w", dirOrRoot(rel), err)
	}
	return &listing, nil
}

// Open downloads a file. The caller must close the returned body.
func (v *Volume) Open(ctx context.Context, id fingerprint.Identity) (io.ReadCloser, error) {
	resp, err := v.do(ctx, v.endpoint(filesAPI, string(id)))
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", volume.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to download %q: %w", id, err)
	}
	return resp.Body, nil
}

// endpoint builds the API URL for a path below the volume root. Escaping is
// left to url.URL.
func (v *Volume) endpoint(api, rel string) *url.URL {
	u := *v.host
	u.RawPath = ""
	u.Path = strings.TrimRight(v.host.Path, "/") + api + path.Join(v.root, rel)
	return &u
}

// StatusError is a non-2xx API response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("databricks api: %s", http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("databricks api: %s: %s", http.StatusText(e.StatusCode), e.Body)
}

func retryable(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// do performs a GET, retrying throttled and server errors with exponential
// backoff (honouring Retry-After).
func (v *Volume) do(ctx context.Context, u *url.URL) (*http.Response, error) {
	delay := v.backoff
	var lastErr error

	for attempt := 1; attempt <= v.maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+v.token)

		resp, err := v.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
		} else if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		} else {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			_ = resp.Body.Close()
			lastErr = &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
			if !retryable(resp.StatusCode) {
				return nil, lastErr
			}
			if after := retryAfter(resp.Header.Get("Retry-After")); after > 0 {
				delay = after
			}
		}

		if attempt == v.maxAttempts {
			break
		}
		v.logger.Debug("retrying databricks request", "url", u.Path, "attempt", attempt, "delay", delay, "error", lastErr)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}

	return nil, lastErr
}

func retryAfter(h string) time.Duration {
	if h == "" {
		return 0
	}
	secs, err := strconv.Atoi(h)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func dirOrRoot(rel string) string {
	if rel == "" {
		return "/"
	}
	return rel
}
