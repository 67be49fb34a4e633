// Copyright 2015-2019 Bleemeo
//
// bleemeo.com an infrastructure monitoring solution in the Cloud
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package client is the authenticated HTTP transport to the Bleemeo
// control plane (C2): JWT bearer-token authentication with a single
// retry-on-401, and paginated listing.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/bleemeo/bleemeo-agent/version"
)

const (
	apiTimeout  = 15 * time.Second
	authTimeout = 10 * time.Second

	defaultPageSize = "100"
)

// AuthError is returned when authentication itself is rejected (4xx on the
// jwt-auth endpoint, or a 401 that survives a re-authentication retry).
type AuthError struct {
	StatusCode int
	Content    string
}

func (e AuthError) Error() string {
	return fmt.Sprintf("authentication failed (%d): %s", e.StatusCode, e.Content)
}

// APIError is any other non-2xx HTTP response.
type APIError struct {
	StatusCode   int
	Content      string
	UnmarshalErr error
}

func (e APIError) Error() string {
	if e.Content == "" && e.UnmarshalErr != nil {
		return fmt.Sprintf("unable to decode JSON response: %v", e.UnmarshalErr)
	}

	return fmt.Sprintf("response code %d: %s", e.StatusCode, e.Content)
}

// TransportError wraps a lower-level failure: DNS, TCP, TLS, timeout.
type TransportError struct {
	Cause error
}

func (e TransportError) Error() string {
	return fmt.Sprintf("transport error: %v", e.Cause)
}

func (e TransportError) Unwrap() error {
	return e.Cause
}

// IsAuthError reports whether err is an AuthError.
func IsAuthError(err error) bool {
	var authErr AuthError

	return errors.As(err, &authErr)
}

// IsNotFound reports whether err is an APIError carrying a 404.
func IsNotFound(err error) bool {
	var apiErr APIError

	return errors.As(err, &apiErr) && apiErr.StatusCode == 404
}

// IsForbidden reports whether err is an APIError carrying a 403.
func IsForbidden(err error) bool {
	var apiErr APIError

	return errors.As(err, &apiErr) && apiErr.StatusCode == 403
}

// Client is a thin JWT-authenticated wrapper around the Bleemeo HTTP API.
type Client struct {
	baseURL  *url.URL
	username string
	password string

	httpClient *http.Client

	l        sync.Mutex
	jwtToken string
}

// New returns a Client authenticating as username/password against the API
// rooted at baseURL.
func New(baseURL, username, password string, insecureTLS bool) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}

	return &Client{
		baseURL:  u,
		username: username,
		password: password,
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				TLSClientConfig: &tls.Config{
					InsecureSkipVerify: insecureTLS, //nolint:gosec
					MinVersion:         tls.VersionTLS12,
				},
			},
		},
	}, nil
}

// Do performs method on path, JSON-encoding data (if non-nil) as the body
// and decoding the JSON response into result (if non-nil). On a 401, the
// token is cleared and the request retried exactly once.
func (c *Client) Do(ctx context.Context, method, path string, data, result interface{}) (int, error) {
	c.l.Lock()
	defer c.l.Unlock()

	req, err := c.prepareRequest(method, path, data)
	if err != nil {
		return 0, err
	}

	return c.do(ctx, req, result, true)
}

func (c *Client) prepareRequest(method, path string, data interface{}) (*http.Request, error) {
	u, err := c.baseURL.Parse(path)
	if err != nil {
		return nil, err
	}

	var bodyReader io.Reader

	if data != nil {
		body, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}

		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequest(method, u.String(), bodyReader)
	if err != nil {
		return nil, err
	}

	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return req, nil
}

// PostAuth performs a POST using HTTP basic auth rather than a JWT bearer
// token, used for the initial agent registration.
func (c *Client) PostAuth(ctx context.Context, path string, data interface{}, username, password string, result interface{}) (int, error) {
	c.l.Lock()
	defer c.l.Unlock()

	req, err := c.prepareRequest("POST", path, data)
	if err != nil {
		return 0, err
	}

	req.SetBasicAuth(username, password)

	return c.sendRequest(ctx, req, result, apiTimeout)
}

// Iter lists every item of resource across pages, following the server's
// `next` URL. A 404 ends the iteration cleanly with whatever was collected
// so far, rather than as an error.
func (c *Client) Iter(ctx context.Context, resource string, params map[string]string) ([]json.RawMessage, error) {
	if params == nil {
		params = make(map[string]string)
	}

	if _, ok := params["page_size"]; !ok {
		params["page_size"] = defaultPageSize
	}

	nextURL, err := url.Parse(fmt.Sprintf("v1/%s/", resource))
	if err != nil {
		return nil, err
	}

	q := nextURL.Query()
	for k, v := range params {
		q.Set(k, v)
	}

	nextURL.RawQuery = q.Encode()

	var result []json.RawMessage

	next := nextURL.String()

	for next != "" {
		var page struct {
			Next    string
			Results []json.RawMessage
		}

		_, err := c.Do(ctx, "GET", next, nil, &page)
		if err != nil {
			if IsNotFound(err) {
				break
			}

			return result, err
		}

		result = append(result, page.Results...)
		next = page.Next
	}

	return result, nil
}

func (c *Client) do(ctx context.Context, req *http.Request, result interface{}, firstCall bool) (int, error) {
	if c.jwtToken == "" {
		token, err := c.getJWT(ctx)
		if err != nil {
			return 0, err
		}

		c.jwtToken = token
	}

	req.Header.Set("Authorization", "JWT "+c.jwtToken)

	statusCode, err := c.sendRequest(ctx, req, result, apiTimeout)
	if err != nil {
		var apiErr APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == 401 {
			c.jwtToken = ""

			if !firstCall {
				return statusCode, AuthError{StatusCode: apiErr.StatusCode, Content: apiErr.Content}
			}

			return c.do(ctx, req, result, false)
		}
	}

	return statusCode, err
}

// getJWT obtains a fresh bearer token. A 4xx response here becomes an
// AuthError (spec.md §4.2); a 5xx is transient and surfaces as APIError so
// the caller's ordinary error-escalation policy applies.
func (c *Client) getJWT(ctx context.Context) (string, error) {
	u, err := c.baseURL.Parse("v1/jwt-auth/")
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(map[string]string{
		"username": c.username,
		"password": c.password,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequest("POST", u.String(), bytes.NewReader(body))
	if err != nil {
		return "", err
	}

	req.Header.Set("Content-Type", "application/json")

	var token struct {
		Token string
	}

	statusCode, err := c.sendRequest(ctx, req, &token, authTimeout)
	if err != nil {
		var apiErr APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
			return "", AuthError{StatusCode: apiErr.StatusCode, Content: apiErr.Content}
		}

		return "", err
	}

	if statusCode != http.StatusOK {
		return "", AuthError{StatusCode: statusCode, Content: "unexpected jwt-auth response"}
	}

	return token.Token, nil
}

func (c *Client) sendRequest(ctx context.Context, req *http.Request, result interface{}, timeout time.Duration) (int, error) {
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set("User-Agent", version.UserAgent())

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := c.httpClient.Do(req.WithContext(reqCtx))
	if err != nil {
		return 0, TransportError{Cause: err}
	}

	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var jsonError struct {
			Error  string
			Detail string
		}

		if decodeErr := json.NewDecoder(resp.Body).Decode(&jsonError); decodeErr == nil {
			msg := jsonError.Error
			if msg == "" {
				msg = jsonError.Detail
			}

			return resp.StatusCode, APIError{StatusCode: resp.StatusCode, Content: msg}
		}

		return resp.StatusCode, APIError{StatusCode: resp.StatusCode}
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return resp.StatusCode, APIError{StatusCode: resp.StatusCode, UnmarshalErr: err}
		}
	}

	return resp.StatusCode, nil
}
