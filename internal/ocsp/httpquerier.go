package ocsp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPQuerier is the production Querier binding: a plain RFC 6960
// OCSP-over-HTTP POST, the "certificate-revocation HTTP client" spec §5
// names as an external collaborator kept behind the Querier interface.
type HTTPQuerier struct {
	client *http.Client
}

// NewHTTPQuerier builds an HTTPQuerier with the given per-request timeout
// (spec §5's internetConnectionTimeoutMilliseconds applies here too).
func NewHTTPQuerier(timeout time.Duration) *HTTPQuerier {
	return &HTTPQuerier{client: &http.Client{Timeout: timeout}}
}

// Query POSTs the DER-encoded OCSP request and returns the DER-encoded
// response body.
func (q *HTTPQuerier) Query(ctx context.Context, responderURL string, request []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, responderURL, bytes.NewReader(request))
	if err != nil {
		return nil, fmt.Errorf("ocsp: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/ocsp-request")

	resp, err := q.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ocsp: responder request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ocsp: responder returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("ocsp: read response: %w", err)
	}
	return body, nil
}
