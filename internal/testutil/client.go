// Package testutil holds the containers, HTTP client and contract checks
// shared by the integration tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/bissquit/sterility-garden/internal/domain"
)

// Client is an HTTP client for testing API endpoints with bearer tokens.
type Client struct {
	BaseURL     string
	Token       string
	HTTPClient  *http.Client
	Validator   *OpenAPIValidator
	ValidateAPI bool
	t           *testing.T
}

// NewClientWithValidator creates a new test client with a pre-loaded OpenAPI validator.
// Use this in TestMain where *testing.T is not available during initialization.
func NewClientWithValidator(baseURL string, validator *OpenAPIValidator) *Client {
	return &Client{
		BaseURL:     baseURL,
		HTTPClient:  &http.Client{Timeout: 30 * time.Second},
		Validator:   validator,
		ValidateAPI: true,
	}
}

// SetT sets the testing.T for validation error reporting.
// This should be called at the beginning of each test when using a shared client.
func (c *Client) SetT(t *testing.T) {
	c.t = t
}

// WithoutValidation returns a copy of the client with validation disabled.
// Use this for negative tests where you expect invalid responses.
func (c *Client) WithoutValidation() *Client {
	clone := *c
	clone.ValidateAPI = false
	return &clone
}

// TokenIssuer signs bearer tokens for test operators.
type TokenIssuer interface {
	IssueToken(operator domain.Operator, ttl time.Duration) (string, error)
}

// AuthenticateAs signs a token for operator and sends it on every request.
func (c *Client) AuthenticateAs(t *testing.T, issuer TokenIssuer, operator domain.Operator) {
	t.Helper()
	c.t = t

	token, err := issuer.IssueToken(operator, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	c.Token = token
}

// AsAdmin authenticates as an admin of facilityID.
func (c *Client) AsAdmin(t *testing.T, issuer TokenIssuer, facilityID string) {
	t.Helper()
	c.AuthenticateAs(t, issuer, domain.Operator{ID: "admin-" + facilityID, FacilityID: facilityID, Role: domain.RoleAdmin})
}

// AsOperator authenticates as an operator of facilityID.
func (c *Client) AsOperator(t *testing.T, issuer TokenIssuer, facilityID string) {
	t.Helper()
	c.AuthenticateAs(t, issuer, domain.Operator{ID: "operator-" + facilityID, FacilityID: facilityID, Role: domain.RoleOperator})
}

// AsUser authenticates as a read-only user of facilityID.
func (c *Client) AsUser(t *testing.T, issuer TokenIssuer, facilityID string) {
	t.Helper()
	c.AuthenticateAs(t, issuer, domain.Operator{ID: "user-" + facilityID, FacilityID: facilityID, Role: domain.RoleUser})
}

// GET performs a GET request.
func (c *Client) GET(path string) (*http.Response, error) {
	return c.do("GET", path, nil)
}

// POST performs a POST request with JSON body.
func (c *Client) POST(path string, body any) (*http.Response, error) {
	return c.do("POST", path, body)
}

// PUT performs a PUT request with JSON body.
func (c *Client) PUT(path string, body any) (*http.Response, error) {
	return c.do("PUT", path, body)
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	var bodyBytes []byte

	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequest(method, c.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}

	if c.ValidateAPI && c.Validator != nil && c.t != nil {
		// req's body was consumed by the transport.
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		validationReq, _ := http.NewRequest(method, c.BaseURL+path, bodyReader)
		validationReq.Header = req.Header
		validationReq.URL = req.URL

		c.Validator.ValidateResponse(c.t, validationReq, resp)
	}

	return resp, nil
}

// DecodeJSON decodes response body into v.
func DecodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}
