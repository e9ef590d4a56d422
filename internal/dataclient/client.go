// Package dataclient is a series.Source backed by the telemetry HTTP API, for
// callers that run outside the service process.
package dataclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hydronode/telemetry-service/internal/apperrors"
	"github.com/hydronode/telemetry-service/internal/series"
	"github.com/hydronode/telemetry-service/internal/store"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
	location   *time.Location
}

type httpStatusError struct {
	status int
	body   string
}

func (e httpStatusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("API returned status %d", e.status)
	}
	return fmt.Sprintf("API returned status %d: %s", e.status, e.body)
}

// New returns a client for the API at baseURL. Bucket dates are placed in loc.
func New(baseURL string, loc *time.Location) *Client {
	if loc == nil {
		loc = time.UTC
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		location:   loc,
	}
}

func (c *Client) Instant(ctx context.Context, nodeID, metric string) ([]series.Entry, error) {
	var body struct {
		Data []series.Entry `json:"data"`
	}
	q := url.Values{"node-id": {nodeID}, "type": {metric}}
	if err := c.get(ctx, "/data/now", q, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

func (c *Client) Historic(ctx context.Context, nodeID, metric string, tf series.Timeframe) ([]series.Entry, error) {
	var body struct {
		Data []store.Bucket `json:"data"`
	}
	q := url.Values{"node-id": {nodeID}, "type": {metric}, "timeframe": {tf.Name}}
	if err := c.get(ctx, "/data/aggregate", q, &body); err != nil {
		return nil, err
	}
	out := make([]series.Entry, 0, len(body.Data))
	for _, b := range body.Data {
		out = append(out, series.BucketEntry(b, c.location))
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	u := c.baseURL + path + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Store("GET "+path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return apperrors.ErrNotFound
	case resp.StatusCode == http.StatusBadRequest:
		return apperrors.Invalid("%s", readError(resp.Body))
	case resp.StatusCode != http.StatusOK:
		return apperrors.Store("GET "+path, httpStatusError{status: resp.StatusCode, body: readError(resp.Body)})
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Malformed(path, err)
	}
	return nil
}

func readError(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 4096))
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(b, &body) == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(b))
}
