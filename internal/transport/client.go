// Package transport implements authenticated HTTP calls between meshdrop
// nodes and the shared-secret check that guards every node API.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SecretHeader carries the network's shared secret on every node-to-node call.
const SecretHeader = "X-Network-Secret"

// maxErrorBody bounds how much of a failed response is kept for the error message.
const maxErrorBody = 512

// ClientConfig holds configuration for a peer Client.
type ClientConfig struct {
	Secret  string
	Timeout time.Duration // Per-request timeout (default: 10s)
	Logger  *zerolog.Logger
}

// Client performs authenticated requests against peer nodes.
type Client struct {
	secret     string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a peer client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Client{
		secret: cfg.Secret,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger.With().Str("component", "transport").Logger(),
	}
}

// WithTimeout returns a client sharing the connection pool but using a different timeout.
func (c *Client) WithTimeout(d time.Duration) *Client {
	hc := *c.httpClient
	hc.Timeout = d
	return &Client{secret: c.secret, httpClient: &hc, logger: c.logger}
}

// Endpoint joins a peer base URL and an API path, adding query parameters.
func Endpoint(base, path string, query url.Values) string {
	u := strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// Get issues an authenticated GET. On success the caller owns resp.Body.
// Non-2xx responses are returned as *TransportError with the body consumed.
func (c *Client) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &TransportError{URL: rawURL, Err: fmt.Errorf("create request: %w", err)}
	}
	return c.do(req)
}

// GetJSON fetches rawURL and decodes a JSON body into out.
func (c *Client) GetJSON(ctx context.Context, rawURL string, out any) error {
	resp, err := c.Get(ctx, rawURL)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransportError{URL: rawURL, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// GetTo fetches rawURL and streams the body into w, returning the byte count.
func (c *Client) GetTo(ctx context.Context, rawURL string, w io.Writer) (int64, error) {
	resp, err := c.Get(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, &TransportError{URL: rawURL, Err: fmt.Errorf("read body: %w", err)}
	}
	return n, nil
}

// FilePart is the file section of a multipart upload.
type FilePart struct {
	Field    string
	FileName string
	Body     io.Reader
}

// PostMultipart streams a multipart/form-data request of fields plus one file
// part and decodes the JSON reply into out (which may be nil).
func (c *Client) PostMultipart(ctx context.Context, rawURL string, fields map[string]string, file FilePart, out any) error {
	pr, pw := io.Pipe()
	defer func() { _ = pr.Close() }()
	mw := multipart.NewWriter(pw)

	go func() {
		err := writeMultipart(mw, fields, file)
		_ = pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, pr)
	if err != nil {
		return &TransportError{URL: rawURL, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransportError{URL: rawURL, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func writeMultipart(mw *multipart.Writer, fields map[string]string, file FilePart) error {
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return err
		}
	}
	fw, err := mw.CreateFormFile(file.Field, file.FileName)
	if err != nil {
		return err
	}
	if _, err := io.Copy(fw, file.Body); err != nil {
		return err
	}
	return mw.Close()
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	req.Header.Set(SecretHeader, c.secret)
	rawURL := req.URL.String()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug().Err(err).Str("url", rawURL).Msg("peer request failed")
		return nil, &TransportError{URL: rawURL, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		c.logger.Debug().
			Str("url", rawURL).
			Int("status", resp.StatusCode).
			Msg("peer returned error status")
		return nil, &TransportError{
			URL:        rawURL,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status: %s", strings.TrimSpace(string(body))),
		}
	}
	return resp, nil
}
