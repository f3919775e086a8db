package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/shineum/newsletter/internal/email"
)

// GraphProviderConfig holds the configuration for creating a GraphProvider.
type GraphProviderConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	// Sender is the mailbox the newsletter is sent from.
	Sender string
}

// GraphProvider sends emails via the Microsoft Graph sendMail endpoint
// using OAuth2 client credentials.
type GraphProvider struct {
	graphURL   string
	httpClient *http.Client
	token      *tokenCache
}

// New creates a new GraphProvider with the given configuration.
func New(cfg GraphProviderConfig) *GraphProvider {
	client := &http.Client{Timeout: 30 * time.Second}
	return newWithEndpoints(cfg,
		fmt.Sprintf("https://graph.microsoft.com/v1.0/users/%s/sendMail", url.PathEscape(cfg.Sender)),
		fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", url.PathEscape(cfg.TenantID)),
		client,
	)
}

func newWithEndpoints(cfg GraphProviderConfig, graphURL, tokenURL string, client *http.Client) *GraphProvider {
	return &GraphProvider{
		graphURL:   graphURL,
		httpClient: client,
		token:      newTokenCache(tokenURL, cfg.ClientID, cfg.ClientSecret, client),
	}
}

// Send delivers one message. A 401 triggers a single token refresh and
// resend; every other failure is returned to the caller.
func (g *GraphProvider) Send(ctx context.Context, msg *email.Message) error {
	body, err := json.Marshal(buildSendMailRequest(msg))
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	token, err := g.token.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get access token: %w", err)
	}

	status, err := g.post(ctx, token, body)
	if status != http.StatusUnauthorized {
		return err
	}

	slog.Info("refreshing Graph API token after 401")
	if token, err = g.token.Invalidate(ctx); err != nil {
		return fmt.Errorf("token refresh failed: %w", err)
	}
	_, err = g.post(ctx, token, body)
	return err
}

// Name returns the provider name.
func (g *GraphProvider) Name() string {
	return "msgraph"
}

// post performs a single sendMail request and returns the HTTP status.
func (g *GraphProvider) post(ctx context.Context, token string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.graphURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("Graph API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return resp.StatusCode, nil
	}

	raw, _ := io.ReadAll(resp.Body)
	message := string(raw)
	var ge graphErrorResponse
	if json.Unmarshal(raw, &ge) == nil && ge.Error.Message != "" {
		message = ge.Error.Code + ": " + ge.Error.Message
	}
	return resp.StatusCode, fmt.Errorf("Graph API error (HTTP %d): %s", resp.StatusCode, message)
}
