// Package upload sends finalized archives to the collection server.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	uploadPath       = "/session/uploadArchive"
	defaultUserAgent = "probe-agent/1.0"
	// maximum response body kept in error messages.
	maxErrorBody = 512
)

var ErrUploadStatus = errors.New("upload rejected by server")

type Option func(*Client)

// WithHTTPClient sets the HTTP client used for uploads.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithHostname overrides the hostname reported to the server.
func WithHostname(h string) Option {
	return func(cl *Client) {
		if h != "" {
			cl.hostname = h
		}
	}
}

// WithLogFile attaches the agent log to every upload when the file exists.
func WithLogFile(path string) Option {
	return func(cl *Client) {
		cl.logFile = path
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) {
		if l != nil {
			cl.logger = l
		}
	}
}

// Client uploads archives as multipart form posts authenticated with a bearer token.
type Client struct {
	endpoint  string
	sessionID string
	token     string
	hostname  string
	logFile   string
	http      *http.Client
	logger    *slog.Logger
}

// New returns a client posting to serverURL. An empty sessionID gets a random one.
func New(serverURL, sessionID, token string, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("unsupported server url scheme %q", base.Scheme)
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	endpoint := *base
	endpoint.Path += uploadPath
	q := endpoint.Query()
	q.Set("sessionId", sessionID)
	endpoint.RawQuery = q.Encode()

	c := &Client{
		endpoint:  endpoint.String(),
		sessionID: sessionID,
		token:     token,
		hostname:  Hostname(),
		http:      &http.Client{Timeout: 10 * time.Minute},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "uploader")
	return c, nil
}

func (c *Client) SessionID() string {
	return c.sessionID
}

func (c *Client) Endpoint() string {
	return c.endpoint
}

// Upload posts the archive at path. Any 2xx response is a success.
func (c *Client) Upload(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(c.writeForm(mw, f))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, pr)
	if err != nil {
		pr.Close()
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("User-Agent", defaultUserAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		pr.Close()
		return fmt.Errorf("upload %s: %w", filepath.Base(path), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%w: %s: %s", ErrUploadStatus, resp.Status, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	c.logger.Debug("archive uploaded", "path", path, "status", resp.StatusCode)
	return nil
}

func (c *Client) writeForm(mw *multipart.Writer, archive *os.File) error {
	if err := mw.WriteField("sessionId", c.sessionID); err != nil {
		return err
	}
	if err := mw.WriteField("hostname", c.hostname); err != nil {
		return err
	}
	part, err := mw.CreateFormFile("file", filepath.Base(archive.Name()))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, archive); err != nil {
		return fmt.Errorf("stream archive: %w", err)
	}
	if c.logFile != "" {
		if err := c.attachLog(mw); err != nil {
			c.logger.Warn("failed to attach log file", "path", c.logFile, "error", err)
		}
	}
	return mw.Close()
}

func (c *Client) attachLog(mw *multipart.Writer) error {
	lf, err := os.Open(c.logFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer lf.Close()
	part, err := mw.CreateFormFile("file", filepath.Base(c.logFile))
	if err != nil {
		return err
	}
	_, err = io.Copy(part, lf)
	return err
}

// Hostname returns the machine hostname, falling back to the user name and a
// random suffix when it cannot be read.
func Hostname() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	name := "unknown"
	if u, err := user.Current(); err == nil && u.Username != "" {
		name = u.Username
	}
	return name + "-" + uuid.NewString()
}
