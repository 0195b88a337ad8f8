package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	errorsmod "cosmossdk.io/errors"

	"github.com/paw-chain/custody/evidence"
	"github.com/paw-chain/custody/types"
)

// HTTPTransport talks to the replication endpoints of a remote site
type HTTPTransport struct {
	endpoint string
	auth     *Authenticator
	client   *http.Client
}

var _ Transport = (*HTTPTransport)(nil)

// NewHTTPTransport creates a client for the site at endpoint
func NewHTTPTransport(endpoint string, auth *Authenticator, timeout time.Duration) (*HTTPTransport, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid replication endpoint %q", endpoint)
	}
	return &HTTPTransport{
		endpoint: strings.TrimRight(endpoint, "/") + RoutePrefix,
		auth:     auth,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

// HTTPDialer returns a Dialer that reaches every site over HTTP
func HTTPDialer(auth *Authenticator, timeout time.Duration) Dialer {
	return func(site types.ReplicaSite) (Transport, error) {
		return NewHTTPTransport(site.Endpoint, auth, timeout)
	}
}

func (t *HTTPTransport) Status(ctx context.Context) (types.PeerStatus, error) {
	var status types.PeerStatus
	err := t.doJSON(ctx, http.MethodGet, "/status", nil, nil, &status)
	return status, err
}

func (t *HTTPTransport) BlobOffset(ctx context.Context, digest string) (BlobOffset, error) {
	var offset BlobOffset
	err := t.doJSON(ctx, http.MethodGet, "/blobs/"+url.PathEscape(digest)+"/offset", nil, nil, &offset)
	return offset, err
}

func (t *HTTPTransport) PushBlobChunk(ctx context.Context, digest string, offset int64, chunk []byte) (int64, error) {
	q := url.Values{"offset": {strconv.FormatInt(offset, 10)}}
	var staged BlobOffset
	err := t.doJSON(ctx, http.MethodPut, "/blobs/"+url.PathEscape(digest), q, bytes.NewReader(chunk), &staged)
	return staged.Offset, err
}

func (t *HTTPTransport) CommitBlob(ctx context.Context, meta evidence.Meta) error {
	body, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return t.doJSON(ctx, http.MethodPost, "/blobs/"+url.PathEscape(meta.Digest)+"/commit", nil, bytes.NewReader(body), nil)
}

func (t *HTTPTransport) PushBlock(ctx context.Context, rb types.ReplicatedBlock) (Ack, error) {
	body, err := json.Marshal(rb)
	if err != nil {
		return Ack{}, err
	}
	var ack Ack
	err = t.doJSON(ctx, http.MethodPost, "/blocks", nil, bytes.NewReader(body), &ack)
	return ack, err
}

func (t *HTTPTransport) FetchBlocks(ctx context.Context, from uint64, limit int) ([]types.ReplicatedBlock, error) {
	q := url.Values{
		"from":  {strconv.FormatUint(from, 10)},
		"limit": {strconv.Itoa(limit)},
	}
	var blocks []types.ReplicatedBlock
	err := t.doJSON(ctx, http.MethodGet, "/blocks", q, nil, &blocks)
	return blocks, err
}

// FetchBlob streams a remote blob from offset; the caller closes the reader
func (t *HTTPTransport) FetchBlob(ctx context.Context, digest string, offset int64) (io.ReadCloser, error) {
	q := url.Values{"offset": {strconv.FormatInt(offset, 10)}}
	resp, err := t.do(ctx, http.MethodGet, "/blobs/"+url.PathEscape(digest), q, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (t *HTTPTransport) doJSON(ctx context.Context, method, path string, query url.Values, body io.Reader, out interface{}) error {
	resp, err := t.do(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errorsmod.Wrapf(types.ErrReplicationTransport, "decode %s response: %v", path, err)
	}
	return nil
}

// do sends one request. A non-2xx answer is decoded back into the registered
// error the remote site returned.
func (t *HTTPTransport) do(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Response, error) {
	target := t.endpoint + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	token, err := t.auth.Token()
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		if method == http.MethodPut {
			req.Header.Set("Content-Type", "application/octet-stream")
		} else {
			req.Header.Set("Content-Type", "application/json")
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, errorsmod.Wrapf(types.ErrReplicationTransport, "%s %s: %v", method, path, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	var eb errorBody
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&eb); err == nil && eb.Code != 0 {
		if remote, ok := types.ErrorFromCode(eb.Code, eb.Error); ok {
			return nil, remote
		}
	}
	return nil, errorsmod.Wrapf(types.ErrReplicationTransport, "%s %s: status %d %s", method, path, resp.StatusCode, eb.Error)
}
