// Package evidence looks up external evidence for the claims a submission
// makes, feeding the fact-checking stage.
package evidence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultEndpoint is the Custom Search JSON API.
const DefaultEndpoint = "https://www.googleapis.com/customsearch/v1"

// DefaultResults is the number of hits requested per query.
const DefaultResults = 3

// ErrNotConfigured is returned when the search credentials are missing.
var ErrNotConfigured = errors.New("search api key or cx id missing")

// Result is a single search hit.
type Result struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
}

// Searcher looks up evidence for a query.
type Searcher interface {
	Search(ctx context.Context, query string, n int) ([]Result, error)
}

// Config configures a GoogleSearch client.
type Config struct {
	APIKey     string
	CX         string
	Endpoint   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// GoogleSearch queries the Custom Search JSON API.
type GoogleSearch struct {
	apiKey   string
	cx       string
	endpoint string
	client   *http.Client
	timeout  time.Duration
}

// NewGoogleSearch returns a client for cfg. Missing credentials are not an
// error here; Search reports ErrNotConfigured instead.
func NewGoogleSearch(cfg Config) *GoogleSearch {
	s := &GoogleSearch{
		apiKey:   cfg.APIKey,
		cx:       cfg.CX,
		endpoint: cfg.Endpoint,
		client:   cfg.HTTPClient,
		timeout:  cfg.Timeout,
	}
	if s.endpoint == "" {
		s.endpoint = DefaultEndpoint
	}
	if s.client == nil {
		s.client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if s.timeout <= 0 {
		s.timeout = 10 * time.Second
	}
	return s
}

// Configured reports whether both credentials are present.
func (s *GoogleSearch) Configured() bool {
	return s.apiKey != "" && s.cx != ""
}

type searchResponse struct {
	Items []Result `json:"items"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Search runs query and returns at most n hits. n <= 0 means DefaultResults;
// the API caps it at 10.
func (s *GoogleSearch) Search(ctx context.Context, query string, n int) ([]Result, error) {
	if !s.Configured() {
		return nil, ErrNotConfigured
	}
	if n <= 0 {
		n = DefaultResults
	}
	n = min(n, 10)

	q := url.Values{}
	q.Set("key", s.apiKey)
	q.Set("cx", s.cx)
	q.Set("q", query)
	q.Set("num", strconv.Itoa(n))

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		// The request URL carries the api key.
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return nil, fmt.Errorf("search %q: %w", query, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read search response: %w", err)
	}

	var out searchResponse
	if err := json.Unmarshal(body, &out); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("search %q: status %d", query, resp.StatusCode)
		}
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if out.Error != nil {
			return nil, fmt.Errorf("search %q: status %d: %s", query, resp.StatusCode, out.Error.Message)
		}
		return nil, fmt.Errorf("search %q: status %d", query, resp.StatusCode)
	}
	if len(out.Items) > n {
		out.Items = out.Items[:n]
	}
	return out.Items, nil
}
