package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rennerdo30/tunnelguard/internal/util"
)

// Data is what the account service reports about an account.
type Data struct {
	Expiry time.Time `json:"expiry"`
}

// Expired reports whether the account has run out at now.
func (d Data) Expired(now time.Time) bool { return !d.Expiry.After(now) }

// InvalidAccountError is returned when the account service rejects a token.
type InvalidAccountError struct {
	Status  int
	Message string
}

func (e *InvalidAccountError) Error() string {
	if e.Message == "" {
		return "invalid account token"
	}
	return "invalid account token: " + e.Message
}

// IsInvalidAccount reports whether err is an InvalidAccountError.
func IsInvalidAccount(err error) bool {
	var ie *InvalidAccountError
	return errors.As(err, &ie)
}

// ErrServiceUnavailable wraps transport and unexpected-status failures.
var ErrServiceUnavailable = errors.New("account service unavailable")

// Client talks to the account service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient returns a client for the service at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Data fetches the account data for token.
func (c *Client) Data(ctx context.Context, token string) (Data, error) {
	if c.baseURL == "" {
		return Data{}, fmt.Errorf("account lookup: %w", util.ErrUnsupported)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return Data{}, &InvalidAccountError{Message: "empty token"}
	}

	u := fmt.Sprintf("%s/v1/accounts/%s", c.baseURL, url.PathEscape(token))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Data{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Data{}, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return Data{}, err
	}

	var data Data
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return Data{}, fmt.Errorf("decode account data: %w", err)
	}
	if data.Expiry.IsZero() {
		return Data{}, fmt.Errorf("decode account data: missing expiry")
	}
	return data, nil
}

func checkResponse(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)
		return &InvalidAccountError{Status: resp.StatusCode, Message: body.Error}
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: status %d: %s", ErrServiceUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}
}
