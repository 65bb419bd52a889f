// Package source fetches authoritative directory data for one record type
// and year, either from the directory API, from static files published next
// to the web app, or from a local directory.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/couchcryptid/ok-offline-sync/internal/domain"
)

// Layout selects how URLs are built for a (type, year).
type Layout int

const (
	// LayoutStatic reads {base}/data/{year}/{camps|art|events}.json.
	LayoutStatic Layout = iota
	// LayoutAPI reads {base}/{type}?year={year} with an X-API-Key header.
	LayoutAPI
)

const maxBodyBytes = 64 << 20

// Client implements pipeline.Source over HTTP.
type Client struct {
	layout     Layout
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewStaticClient reads the static JSON files served with the web app.
func NewStaticClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		layout:     LayoutStatic,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// NewAPIClient reads the directory API.
func NewAPIClient(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		layout:     LayoutAPI,
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Name identifies the source in sync metadata.
func (c *Client) Name() string {
	if c.layout == LayoutAPI {
		return "api"
	}
	return "static"
}

// URL returns the request URL for a partition.
func (c *Client) URL(t domain.RecordType, year int) string {
	if c.layout == LayoutAPI {
		return fmt.Sprintf("%s/%s?%s", c.baseURL, t, url.Values{"year": {strconv.Itoa(year)}}.Encode())
	}
	return fmt.Sprintf("%s/data/%d/%s.json", c.baseURL, year, t.FileName())
}

// Fetch returns the raw response body for a partition. Failures are
// classified: 404 is NO_DATA, 401/403 AUTH_ERROR, other statuses
// SYNC_FAILED, transport failures NETWORK_ERROR or TIMEOUT.
func (c *Client) Fetch(ctx context.Context, t domain.RecordType, year int) ([]byte, error) {
	u := c.URL(t, year)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, domain.NewError(domain.KindSyncFailed, "create request", "", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.layout == LayoutAPI {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	c.logger.Debug("fetching partition", "type", t, "year", year, "url", u)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(fmt.Sprintf("fetch %s %d", t, year), err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode, t, year); err != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, classifyTransport(fmt.Sprintf("read %s %d", t, year), err)
	}
	return body, nil
}

func classifyStatus(status int, t domain.RecordType, year int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return domain.NewError(domain.KindNoData,
			fmt.Sprintf("no %s data for %d", t, year),
			fmt.Sprintf("No %d %s data available yet.", year, t), nil)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.NewError(domain.KindAuth, fmt.Sprintf("authentication failed: status %d", status), "", nil)
	default:
		return domain.NewError(domain.KindSyncFailed,
			fmt.Sprintf("source returned status %d for %s %d", status, t, year),
			"Unable to sync data. Please try again later.", nil)
	}
}

func classifyTransport(op string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return domain.NewError(domain.KindTimeout, op, "", err)
	}
	return domain.NewError(domain.KindNetwork, op, "", err)
}
