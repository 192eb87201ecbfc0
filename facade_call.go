package delegauth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// CallOptions describes one authenticated call. Body is replayed verbatim on the retry.
type CallOptions struct {
	Method string
	Header http.Header
	Query  url.Values
	Body   []byte
}

// CallResult is the outcome of [Facade.MakeAuthenticatedCall]. Error is nil exactly when
// Success is true.
type CallResult struct {
	Success    bool
	StatusCode int
	Data       []byte
	Header     http.Header
	Error      error
}

// DecodeJSON decodes Data into v.
func (r CallResult) DecodeJSON(v any) error {
	if len(r.Data) == 0 {
		return errors.New("empty response body")
	}
	return json.Unmarshal(r.Data, v)
}

// MakeAuthenticatedCall sends a request with the delegated access token as a bearer
// credential.
//
// Without a delegated credential it returns [ErrUnauthenticated] without sending. A 401
// response triggers one refresh followed by exactly one retry; a refresh failure ends the
// call with [ErrRefreshFailed] and the delegated session is cleared, and a second 401 ends
// it with [ErrUnauthorized]. When Refresh.Proactive is set, a token expiring within
// Refresh.ExpirySkew is refreshed before sending.
func (f *Facade) MakeAuthenticatedCall(ctx context.Context, path string, opts CallOptions) CallResult {
	if err := f.ready(); err != nil {
		return CallResult{Error: err}
	}
	started := time.Now()
	res := f.call(ctx, path, opts)
	f.metrics.Observe(MetricCallLatency, time.Since(started))
	if res.Success {
		f.metrics.Inc(MetricCallSuccess)
	} else {
		f.metrics.Inc(MetricCallFailure)
	}
	return res
}

func (f *Facade) call(ctx context.Context, path string, opts CallOptions) CallResult {
	target, err := f.resolveURL(path, opts.Query)
	if err != nil {
		return CallResult{Error: err}
	}

	cred, ok := f.session.Credential()
	if !ok {
		f.metrics.Inc(MetricCallUnauthenticated)
		return CallResult{Error: ErrUnauthenticated}
	}

	if f.config.Refresh.Proactive && cred.ExpiresWithin(time.Now(), f.config.Refresh.ExpirySkew) {
		if err := f.session.RefreshIfStale(ctx, cred.AccessToken); err != nil && !errors.Is(err, ErrRefreshThrottled) {
			return CallResult{Error: refreshCallError(err)}
		}
		if cred, ok = f.session.Credential(); !ok {
			return CallResult{Error: ErrUnauthenticated}
		}
	}

	res := f.send(ctx, target, opts, cred.AccessToken)
	if res.StatusCode != http.StatusUnauthorized {
		return res
	}

	f.metrics.Inc(MetricCallRetried)
	f.log.WithField("path", path).Debug("delegauth: call rejected with 401, refreshing")
	if err := f.session.RefreshIfStale(ctx, cred.AccessToken); err != nil {
		res.Error = refreshCallError(err)
		return res
	}
	cred, ok = f.session.Credential()
	if !ok {
		res.Error = ErrUnauthenticated
		return res
	}

	retried := f.send(ctx, target, opts, cred.AccessToken)
	if retried.StatusCode == http.StatusUnauthorized {
		retried.Error = fmt.Errorf("%w: retried call rejected", ErrUnauthorized)
	}
	return retried
}

func refreshCallError(err error) error {
	switch {
	case errors.Is(err, ErrUnauthenticated), errors.Is(err, ErrRefreshThrottled):
		return err
	case errors.Is(err, ErrSuperseded):
		return ErrUnauthenticated
	case errors.Is(err, ErrRefreshFailed):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
}

func (f *Facade) resolveURL(path string, query url.Values) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errors.New("call path is required")
	}
	var u *url.URL
	var err error
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		u, err = url.Parse(path)
	} else {
		base := f.config.Endpoint.APIBaseURL
		if base == "" {
			base = f.config.Endpoint.BaseURL
		}
		if base == "" {
			return "", errors.New("relative call path requires Endpoint.APIBaseURL or Endpoint.BaseURL")
		}
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		u, err = url.Parse(base + path)
	}
	if err != nil {
		return "", fmt.Errorf("invalid call path %q: %w", path, err)
	}
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (f *Facade) send(ctx context.Context, target string, opts CallOptions, accessToken string) CallResult {
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if opts.Body != nil {
		body = bytes.NewReader(opts.Body)
	}

	reqCtx, cancel := context.WithTimeout(ctx, f.config.Endpoint.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, target, body)
	if err != nil {
		return CallResult{Error: fmt.Errorf("build request: %w", err)}
	}
	for k, vs := range opts.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if opts.Body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if req.Header.Get("X-Request-ID") == "" {
		req.Header.Set("X-Request-ID", uuid.NewString())
	}
	if f.config.Endpoint.UserAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", f.config.Endpoint.UserAgent)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := f.http.Do(req)
	if err != nil {
		return CallResult{Error: fmt.Errorf("%w: %v", ErrTransport, err)}
	}
	defer resp.Body.Close()

	limit := f.config.Endpoint.MaxResponseBytes
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return CallResult{StatusCode: resp.StatusCode, Header: resp.Header, Error: fmt.Errorf("%w: read response: %v", ErrTransport, err)}
	}
	if int64(len(data)) > limit {
		return CallResult{StatusCode: resp.StatusCode, Header: resp.Header, Error: fmt.Errorf("response exceeds %d bytes", limit)}
	}

	res := CallResult{
		StatusCode: resp.StatusCode,
		Data:       data,
		Header:     resp.Header,
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		res.Success = true
	case resp.StatusCode == http.StatusUnauthorized:
		res.Error = ErrUnauthorized
	default:
		res.Error = fmt.Errorf("call failed with status %d", resp.StatusCode)
	}
	return res
}
