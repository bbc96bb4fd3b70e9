// Package mojang resolves Minecraft account names from their UUIDs
package mojang

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// DefaultBaseURL is the playerdb.co Minecraft lookup endpoint
const DefaultBaseURL = "https://playerdb.co/api/player/minecraft/"

var (
	// ErrPlayerUnknown is returned when the lookup service has no such account
	ErrPlayerUnknown = errors.New("player unknown")
	// ErrBadResponse is returned when the service answers with something unparsable
	ErrBadResponse = errors.New("unexpected lookup response")
)

// Client looks up usernames, at most rps requests per second
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	userAgent  string
}

// NewClient creates a client. An empty baseURL uses DefaultBaseURL and a
// non-positive rps disables rate limiting.
func NewClient(baseURL string, rps float64) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}

	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		limiter:    rate.NewLimiter(limit, 1),
		userAgent:  "mcconnect",
	}
}

type playerResponse struct {
	Code    string `json:"code"`
	Success bool   `json:"success"`
	Data    struct {
		Player struct {
			Username string `json:"username"`
			ID       string `json:"id"`
		} `json:"player"`
	} `json:"data"`
}

// LookupName returns the current username for uuid
func (c *Client) LookupName(ctx context.Context, uuid string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+uuid, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("lookup %s: %w", uuid, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %s (status %d)", ErrPlayerUnknown, uuid, resp.StatusCode)
	}

	var body playerResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if !body.Success || body.Data.Player.Username == "" {
		return "", fmt.Errorf("%w: %s (%s)", ErrPlayerUnknown, uuid, body.Code)
	}

	return body.Data.Player.Username, nil
}
