// Package malware is the client for the external reputation service that
// vets every upload before it is stored.
package malware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrUnavailable wraps every failure to obtain a verdict. The upload gate
// treats it as a rejection, never as "safe".
var ErrUnavailable = errors.New("malware scan service unavailable")

// Verdict is the service response.
type Verdict struct {
	Safe   bool   `json:"safe"`
	Reason string `json:"reason,omitempty"`
}

// Scanner scans raw upload bytes.
type Scanner interface {
	Scan(ctx context.Context, body io.Reader, size int64, fileName string) (Verdict, error)
}

// Client posts raw bytes to the scan URL.
type Client struct {
	url        string
	httpClient *http.Client
}

func NewClient(url string, timeout time.Duration) *Client {
	return &Client{url: url, httpClient: &http.Client{Timeout: timeout}}
}

func (c *Client) Scan(ctx context.Context, body io.Reader, size int64, fileName string) (Verdict, error) {
	var verdict Verdict

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, body)
	if err != nil {
		return verdict, fmt.Errorf("failed to create request: %w", err)
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-File-Name", fileName)

	// Execute the request
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return verdict, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	// Ensure we got a 200 OK
	if resp.StatusCode != http.StatusOK {
		return verdict, fmt.Errorf("%w: received status code %d", ErrUnavailable, resp.StatusCode)
	}

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return verdict, fmt.Errorf("%w: failed to read response body: %v", ErrUnavailable, err)
	}
	if err := json.Unmarshal(bodyBytes, &verdict); err != nil {
		return verdict, fmt.Errorf("%w: failed to unmarshal JSON: %v", ErrUnavailable, err)
	}
	return verdict, nil
}
