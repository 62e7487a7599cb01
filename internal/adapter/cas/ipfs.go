// Package cas stores opaque blobs in IPFS through its HTTP API. Handles
// are "ipfs://<cid>"; the core never looks inside them.
package cas

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/swarmos/swarmos/internal/domain"
)

const refPrefix = "ipfs://"

// IPFS implements domain.CAS against a go-ipfs / Kubo API endpoint.
type IPFS struct {
	apiURL string
	http   *http.Client
}

// NewIPFS constructs the adapter for the given API URL (e.g.
// http://127.0.0.1:5001).
func NewIPFS(apiURL string, timeout time.Duration) *IPFS {
	return &IPFS{
		apiURL: strings.TrimRight(apiURL, "/"),
		http:   &http.Client{Timeout: timeout},
	}
}

// Put adds the blob and returns its handle.
func (c *IPFS) Put(ctx domain.Context, data []byte) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "blob")
	if err != nil {
		return "", fmt.Errorf("op=cas.put: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		return "", fmt.Errorf("op=cas.put: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("op=cas.put: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/api/v0/add?cid-version=1", &buf)
	if err != nil {
		return "", fmt.Errorf("op=cas.put: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("op=cas.put: %w", domainErr(err))
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("op=cas.put: status %d: %w", resp.StatusCode, domain.ErrUnavailable)
	}

	var out struct {
		Hash string `json:"Hash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("op=cas.put: decode: %w", err)
	}
	if out.Hash == "" {
		return "", fmt.Errorf("op=cas.put: empty hash: %w", domain.ErrInternal)
	}
	return refPrefix + out.Hash, nil
}

// Get fetches the blob behind a handle.
func (c *IPFS) Get(ctx domain.Context, ref string) ([]byte, error) {
	cid := strings.TrimPrefix(ref, refPrefix)
	if cid == "" {
		return nil, fmt.Errorf("op=cas.get ref=%q: %w", ref, domain.ErrBadRequest)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.apiURL+"/api/v0/cat?arg="+url.QueryEscape(cid), nil)
	if err != nil {
		return nil, fmt.Errorf("op=cas.get ref=%s: %w", ref, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=cas.get ref=%s: %w", ref, domainErr(err))
	}
	defer func() { _ = resp.Body.Close() }()
	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusInternalServerError:
		// Kubo reports unknown CIDs as 500 with a JSON message.
		return nil, fmt.Errorf("op=cas.get ref=%s: %w", ref, domain.ErrNotFound)
	default:
		return nil, fmt.Errorf("op=cas.get ref=%s: status %d: %w", ref, resp.StatusCode, domain.ErrUnavailable)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("op=cas.get ref=%s: %w", ref, err)
	}
	return b, nil
}

func domainErr(err error) error {
	return fmt.Errorf("%v: %w", err, domain.ErrUnavailable)
}
