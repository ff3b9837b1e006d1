// Package imagery is a client for the Mapillary v4 graph API: bounding-box
// image search, per-image detail, and image byte download.
package imagery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/curbwatch/hotspots/engine/geo"
	"github.com/curbwatch/hotspots/pkg/fn"
	"github.com/curbwatch/hotspots/pkg/metrics"
	"github.com/curbwatch/hotspots/pkg/resilience"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultBaseURL is the public Mapillary graph endpoint.
const DefaultBaseURL = "https://graph.mapillary.com"

// Config configures a Client.
type Config struct {
	BaseURL   string
	Token     string
	PageLimit int           // images per search page
	MaxPages  int           // pages followed by Search; <=0 means 1
	Timeout   time.Duration // per request, body included

	Retry   fn.RetryOpts
	Breaker *resilience.Breaker
	Metrics *metrics.Registry
	Logger  *slog.Logger

	// HTTPClient overrides the otelhttp-instrumented default, mostly for tests.
	HTTPClient *http.Client
}

// Client talks to the imagery API. It is safe for concurrent use.
type Client struct {
	base     string
	token    string
	limit    int
	maxPages int
	retry    fn.RetryOpts
	breaker  *resilience.Breaker
	metrics  *metrics.Registry
	log      *slog.Logger
	http     *http.Client
}

// NewClient creates a Client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = 1000
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Retry.Retryable == nil {
		cfg.Retry.Retryable = Transient
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Client{
		base:     strings.TrimRight(cfg.BaseURL, "/"),
		token:    cfg.Token,
		limit:    cfg.PageLimit,
		maxPages: cfg.MaxPages,
		retry:    cfg.Retry,
		breaker:  cfg.Breaker,
		metrics:  cfg.Metrics,
		log:      cfg.Logger,
		http:     hc,
	}
}

// StatusError is a non-2xx API response.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: HTTP %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.StatusCode, e.Body)
}

// Transient reports whether err is worth retrying and counting against the
// breaker: network failures, timeouts, 429 and 5xx. An open breaker is not.
func Transient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, resilience.ErrCircuitOpen) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
	}
	return true
}

// BBoxParam formats a box as west,south,east,north.
func BBoxParam(b geo.BBox) string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	return f(b.West) + "," + f(b.South) + "," + f(b.East) + "," + f(b.North)
}

// SearchPage fetches one page of images inside bbox. An empty next starts
// from the first page; otherwise next is the cursor URL from a previous Page.
func (c *Client) SearchPage(ctx context.Context, bbox geo.BBox, next string) (Page, error) {
	target := next
	if target == "" {
		q := url.Values{
			"bbox":  {BBoxParam(bbox)},
			"limit": {strconv.Itoa(c.limit)},
		}
		target = c.base + "/images?" + q.Encode()
	}

	body, err := c.getBody(ctx, "search", target)
	if err != nil {
		return Page{}, err
	}
	var sr searchResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return Page{}, fmt.Errorf("decode search: %w", err)
	}
	return Page{Images: sr.Data, Next: sr.Paging.Next}, nil
}

// Search returns the images inside bbox, following at most MaxPages pages.
func (c *Client) Search(ctx context.Context, bbox geo.BBox) ([]Image, error) {
	var (
		all  []Image
		next string
	)
	for page := 0; page < c.maxPages; page++ {
		p, err := c.SearchPage(ctx, bbox, next)
		if err != nil {
			if page > 0 {
				c.log.Warn("search pagination stopped", "page", page, "err", err)
				return all, nil
			}
			return nil, err
		}
		all = append(all, p.Images...)
		if p.Next == "" {
			break
		}
		next = p.Next
	}
	return all, nil
}

// Detail fetches the extended metadata for one image.
func (c *Client) Detail(ctx context.Context, id string) (Detail, error) {
	q := url.Values{"fields": {DetailFields}}
	body, err := c.getBody(ctx, "detail", c.base+"/"+url.PathEscape(id)+"?"+q.Encode())
	if err != nil {
		return Detail{}, err
	}
	d, err := ParseDetail(body)
	if err != nil {
		return Detail{}, err
	}
	if d.ID == "" {
		d.ID = id
	}
	return d, nil
}

// Open starts a download of rawURL. The caller must close the body. size is
// the advertised Content-Length, or -1 when unknown.
func (c *Client) Open(ctx context.Context, rawURL string) (body io.ReadCloser, size int64, err error) {
	resp, err := c.do(ctx, "download", rawURL)
	if err != nil {
		return nil, 0, err
	}
	return resp.Body, resp.ContentLength, nil
}

func (c *Client) getBody(ctx context.Context, op, target string) ([]byte, error) {
	resp, err := c.do(ctx, op, target)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", op, err)
	}
	return body, nil
}

// do issues a GET through retry and the breaker. Only 2xx responses are returned.
func (c *Client) do(ctx context.Context, op, target string) (*http.Response, error) {
	return fn.RetryPair(ctx, c.retry, func(ctx context.Context) (*http.Response, error) {
		return resilience.Do(ctx, c.breaker, func(ctx context.Context) (*http.Response, error) {
			start := time.Now()
			resp, err := c.get(ctx, op, target)
			c.metrics.ObserveAPI(op, start, err)
			return resp, err
		})
	})
}

func (c *Client) get(ctx context.Context, op, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.withToken(target), nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "OAuth "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	return resp, nil
}

// withToken adds access_token to graph API URLs. Download URLs point at the
// CDN and are signed already.
func (c *Client) withToken(target string) string {
	if c.token == "" || !strings.HasPrefix(target, c.base) {
		return target
	}
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	q := u.Query()
	if q.Get("access_token") == "" {
		q.Set("access_token", c.token)
		u.RawQuery = q.Encode()
	}
	return u.String()
}
