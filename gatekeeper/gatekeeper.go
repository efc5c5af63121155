// Package gatekeeper wraps the external abuse-detection service that
// screens subscription requests before they touch the database. The
// service's internal heuristics are opaque to us; we only consume its
// allow/deny verdicts.
package gatekeeper

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/lettergate/lettergate-backend/util"
)

// Reason classifies why a request was denied.
type Reason string

// Possible values for Reason.
const (
	ReasonNone      Reason = ""           // Request was allowed.
	ReasonShield    Reason = "shield"     // Suspicious traffic pattern.
	ReasonBot       Reason = "bot"        // Automated-client signature.
	ReasonRateLimit Reason = "rate_limit" // Too many requests from this client.
	ReasonEmail     Reason = "email"      // E-mail address failed validation.
)

// EmailFlag describes a single e-mail validation failure.
type EmailFlag string

// Possible values for EmailFlag.
const (
	EmailInvalid     EmailFlag = "INVALID"
	EmailDisposable  EmailFlag = "DISPOSABLE"
	EmailNoMXRecords EmailFlag = "NO_MX_RECORDS"
)

// Decision is the verdict returned by the gatekeeper for one request.
type Decision struct {
	Allowed    bool
	Reason     Reason
	Reset      time.Time // Rate-limit reset time; zero when not reported.
	EmailFlags []EmailFlag
}

// Denied reports whether the request should be rejected.
func (d Decision) Denied() bool {
	return !d.Allowed
}

// HasEmailFlag reports whether the decision carries a particular e-mail
// validation failure.
func (d Decision) HasEmailFlag(flag EmailFlag) bool {
	for _, f := range d.EmailFlags {
		if f == flag {
			return true
		}
	}
	return false
}

// Checker is the decision oracle consumed by the API handlers.
type Checker interface {
	// Check submits a request fingerprint and candidate e-mail address for
	// screening, and returns the service's decision.
	Check(r *http.Request, email string) (Decision, error)
}

// Client calls a remote gatekeeper decision endpoint over HTTP.
type Client struct {
	endpoint string
	key      string
	client   *http.Client
}

// NewClient returns a Client for the decision service at endpoint,
// authenticating with key.
func NewClient(endpoint string, key string) *Client {
	return &Client{
		endpoint: endpoint,
		key:      key,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// MakeClientFromEnv initializes a Client from GATEKEEPER_URL and
// GATEKEEPER_API_KEY.
func MakeClientFromEnv() (*Client, error) {
	varErrs := util.Errors{}
	endpoint := util.RequireEnv("GATEKEEPER_URL", &varErrs)
	key := util.RequireEnv("GATEKEEPER_API_KEY", &varErrs)
	if len(varErrs) > 0 {
		return nil, varErrs
	}
	return NewClient(endpoint, key), nil
}

// checkRequest is the fingerprint we submit for screening.
type checkRequest struct {
	Email     string `json:"email"`
	IP        string `json:"ip"`
	UserAgent string `json:"user_agent"`
	Method    string `json:"method"`
	Path      string `json:"path"`
}

// checkResponse mirrors the decision service's wire format.
type checkResponse struct {
	Conclusion string `json:"conclusion"` // "ALLOW" or "DENY"
	Reason     struct {
		Type       string     `json:"type"` // "SHIELD", "BOT", "RATE_LIMIT" or "EMAIL"
		ResetTime  *time.Time `json:"reset_time,omitempty"`
		EmailTypes []string   `json:"email_types,omitempty"`
	} `json:"reason"`
}

// clientIP extracts the originating address for a request, preferring the
// forwarding header set by the load balancer.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Check implements Checker against the remote decision endpoint.
func (c *Client) Check(r *http.Request, email string) (Decision, error) {
	payload, err := json.Marshal(checkRequest{
		Email:     email,
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
		Method:    r.Method,
		Path:      r.URL.Path,
	})
	if err != nil {
		return Decision{}, err
	}
	request, err := http.NewRequest(http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return Decision{}, err
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.key))
	response, err := c.client.Do(request)
	if err != nil {
		return Decision{}, err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return Decision{}, fmt.Errorf("gatekeeper returned status %d", response.StatusCode)
	}
	wire := checkResponse{}
	if err := json.NewDecoder(response.Body).Decode(&wire); err != nil {
		return Decision{}, fmt.Errorf("could not decode gatekeeper response: %v", err)
	}
	return decisionFromWire(wire), nil
}

func decisionFromWire(wire checkResponse) Decision {
	if wire.Conclusion != "DENY" {
		return Decision{Allowed: true}
	}
	decision := Decision{Allowed: false}
	switch wire.Reason.Type {
	case "SHIELD":
		decision.Reason = ReasonShield
	case "BOT":
		decision.Reason = ReasonBot
	case "RATE_LIMIT":
		decision.Reason = ReasonRateLimit
		if wire.Reason.ResetTime != nil {
			decision.Reset = *wire.Reason.ResetTime
		}
	case "EMAIL":
		decision.Reason = ReasonEmail
		for _, flag := range wire.Reason.EmailTypes {
			decision.EmailFlags = append(decision.EmailFlags, EmailFlag(flag))
		}
	}
	return decision
}
