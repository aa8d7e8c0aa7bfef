package syncline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// PushSummary is the provider-level notification summary shown by the device
// when the application is not in the foreground.
type PushSummary struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// PushMessage is one multicast send: a summary plus a flattened string-valued
// data map of all other event fields, addressed to a set of tokens.
type PushMessage struct {
	Summary PushSummary       `json:"summary"`
	Data    map[string]string `json:"data"`
	Tokens  []string          `json:"tokens"`
}

// PushDelivery is the per-token outcome of a multicast send.
type PushDelivery struct {
	Token     string `json:"token"`
	OK        bool   `json:"ok"`
	ErrorCode string `json:"error,omitempty"`
}

// Err converts a failed delivery into a classified DeliveryError, nil for
// successes. Permanent errors mean the token must be pruned.
func (d PushDelivery) Err() *DeliveryError {
	if d.OK {
		return nil
	}
	return &DeliveryError{
		Token:     d.Token,
		Code:      d.ErrorCode,
		Permanent: IsPermanentPushError(d.ErrorCode),
	}
}

// PushProvider delivers one multicast push message and reports per-token
// outcomes. A nil provider disables the push leg entirely.
type PushProvider interface {
	Send(ctx context.Context, msg PushMessage) ([]PushDelivery, error)
}

// Provider error codes that mean the token will never work again and must be
// pruned from the registry. Anything else is treated as transient.
var permanentPushCodes = map[string]struct{}{
	"invalid-token":                              {},
	"not-registered":                             {},
	"messaging/invalid-registration-token":       {},
	"messaging/registration-token-not-registered": {},
}

// IsPermanentPushError reports whether a provider error code indicates an
// invalid or unregistered token.
func IsPermanentPushError(code string) bool {
	_, ok := permanentPushCodes[strings.ToLower(strings.TrimSpace(code))]
	return ok
}

// PushProviderConfig configures the HTTP push provider.
type PushProviderConfig struct {
	// URL is the provider's multicast send endpoint.
	URL string `yaml:"url"`

	// AuthToken is sent as a bearer token when non-empty.
	AuthToken string `yaml:"auth_token"`

	// Timeout bounds one multicast call. Default: 15s.
	Timeout time.Duration `yaml:"timeout"`
}

// HTTPDoer is implemented by *http.Client and can be mocked in tests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPPushProvider sends multicast pushes to a provider-relay endpoint as a
// single JSON POST and decodes the per-token results.
type HTTPPushProvider struct {
	config PushProviderConfig
	client HTTPDoer
}

// NewHTTPPushProvider creates a push provider talking to cfg.URL.
func NewHTTPPushProvider(cfg PushProviderConfig) *HTTPPushProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &HTTPPushProvider{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type pushResponse struct {
	Results []PushDelivery `json:"results"`
}

// Send posts one multicast message and returns the per-token outcomes.
func (p *HTTPPushProvider) Send(ctx context.Context, msg PushMessage) ([]PushDelivery, error) {
	if p.config.URL == "" {
		return nil, fmt.Errorf("push provider URL not configured")
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal push message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.AuthToken)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("push provider returned status %d", resp.StatusCode)
	}

	var decoded pushResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode push response: %w", err)
	}
	return decoded.Results, nil
}

// flattenEventData converts every non-summary event field to the flat
// string-valued map providers require for data payloads.
func flattenEventData(ev *NotificationEvent) map[string]string {
	data := map[string]string{
		"type":       ev.Type,
		"priority":   string(ev.Priority),
		"created_at": ev.CreatedAt.UTC().Format(time.RFC3339),
	}
	if ev.TargetRole != "" {
		data["target_role"] = ev.TargetRole
	}
	if ev.TargetUser != "" {
		data["target_user"] = ev.TargetUser
	}
	if len(ev.Actions) > 0 {
		data["actions"] = strings.Join(ev.Actions, ",")
	}
	return data
}
