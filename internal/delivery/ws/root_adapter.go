package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"prosesync/mergeseq/seqstore"
)

// RootAdapter is a seqstore.Adapter backed by a Server's root endpoints.
type RootAdapter struct {
	baseURL string
	client  *http.Client
}

var _ seqstore.Adapter = (*RootAdapter)(nil)

// NewRootAdapter creates an adapter for the server at baseURL.
func NewRootAdapter(baseURL string, client *http.Client) *RootAdapter {
	if client == nil {
		client = http.DefaultClient
	}
	return &RootAdapter{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (a *RootAdapter) endpoint(documentID, key string) string {
	u := a.baseURL + "/documents/" + url.PathEscape(documentID) + "/root"
	if key == "" {
		return u
	}
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return u + "/" + strings.Join(parts, "/")
}

func (a *RootAdapter) do(ctx context.Context, method, endpoint string, body interface{}, header http.Header) (*http.Response, error) {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	var req *http.Request
	var err error
	if reader != nil {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, reader)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, nil)
	}
	if err != nil {
		return nil, err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to %s %s: %w", method, endpoint, err)
	}
	return resp, nil
}

// Get returns the value stored under key.
func (a *RootAdapter) Get(ctx context.Context, documentID, key string) (string, bool, error) {
	resp, err := a.do(ctx, http.MethodGet, a.endpoint(documentID, key), nil, nil)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var v RootValue
		if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
			return "", false, fmt.Errorf("failed to decode root value: %w", err)
		}
		return v.Value, true, nil
	case http.StatusNotFound:
		return "", false, nil
	default:
		return "", false, responseError(resp)
	}
}

// SetIfAbsent stores value unless key is taken.
func (a *RootAdapter) SetIfAbsent(ctx context.Context, documentID, key, value string) (bool, error) {
	header := http.Header{"If-None-Match": {"*"}}
	resp, err := a.do(ctx, http.MethodPut, a.endpoint(documentID, key), RootValue{Value: value}, header)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusOK, http.StatusNoContent:
		return true, nil
	case http.StatusPreconditionFailed:
		return false, nil
	default:
		return false, responseError(resp)
	}
}

// Set stores value under key.
func (a *RootAdapter) Set(ctx context.Context, documentID, key, value string) error {
	resp, err := a.do(ctx, http.MethodPut, a.endpoint(documentID, key), RootValue{Value: value}, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return responseError(resp)
	}
	return nil
}

// Keys lists the keys of the document root.
func (a *RootAdapter) Keys(ctx context.Context, documentID string) ([]string, error) {
	resp, err := a.do(ctx, http.MethodGet, a.endpoint(documentID, ""), nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp)
	}
	var keys RootKeys
	if err := json.NewDecoder(resp.Body).Decode(&keys); err != nil {
		return nil, fmt.Errorf("failed to decode keys: %w", err)
	}
	return keys.Keys, nil
}

// Close releases idle connections.
func (a *RootAdapter) Close() error {
	a.client.CloseIdleConnections()
	return nil
}
