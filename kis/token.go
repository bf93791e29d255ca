package kis

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// Token issuance is globally rate-limited at the venue, so the bearer
// token is cached on a persistent volume and reused across restarts.
// Rotation happens only inside the final 5 minutes of validity.
const tokenRotateMargin = 5 * time.Minute

type cachedToken struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// TokenManager owns the venue bearer token lifecycle.
type TokenManager struct {
	http      *resty.Client
	appKey    string
	appSecret string
	baseURL   string
	filePath  string
	log       zerolog.Logger

	mu    sync.Mutex
	token cachedToken
}

// NewTokenManager creates a token manager backed by the token cache file.
func NewTokenManager(http *resty.Client, appKey, appSecret, baseURL, filePath string, log zerolog.Logger) *TokenManager {
	return &TokenManager{
		http:      http,
		appKey:    appKey,
		appSecret: appSecret,
		baseURL:   baseURL,
		filePath:  filePath,
		log:       log,
	}
}

// Token returns a valid bearer token, loading the file cache first and
// requesting a new one only when the cached token is near expiry.
func (tm *TokenManager) Token(ctx context.Context) (string, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.token.AccessToken == "" {
		tm.loadFromFile()
	}

	if tm.token.AccessToken != "" && time.Until(tm.token.ExpiresAt) > tokenRotateMargin {
		return tm.token.AccessToken, nil
	}

	if err := tm.issue(ctx); err != nil {
		// A still-valid cached token beats a failed issuance.
		if tm.token.AccessToken != "" && time.Now().Before(tm.token.ExpiresAt) {
			tm.log.Warn().Err(err).Msg("token issuance failed, using cached token")
			return tm.token.AccessToken, nil
		}
		return "", err
	}
	return tm.token.AccessToken, nil
}

// ExpiresAt returns the current token's expiry for health reporting.
func (tm *TokenManager) ExpiresAt() time.Time {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.token.ExpiresAt
}

// RunMonitor refreshes the token proactively so that order placement
// never pays the issuance latency. Checks every 5 minutes.
func (tm *TokenManager) RunMonitor(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := tm.Token(ctx); err != nil {
				tm.log.Error().Err(err).Msg("proactive token refresh failed")
			}
		}
	}
}

func (tm *TokenManager) loadFromFile() {
	data, err := os.ReadFile(tm.filePath)
	if err != nil {
		return
	}
	var tok cachedToken
	if err := json.Unmarshal(data, &tok); err != nil {
		tm.log.Warn().Err(err).Msg("token cache file unreadable")
		return
	}
	if tok.AccessToken != "" && time.Now().Before(tok.ExpiresAt) {
		tm.token = tok
		tm.log.Info().Time("expires_at", tok.ExpiresAt).Msg("using cached venue token")
	}
}

func (tm *TokenManager) saveToFile() {
	data, err := json.Marshal(tm.token)
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(tm.filePath), 0o755); err != nil {
		tm.log.Warn().Err(err).Msg("token cache dir create failed")
		return
	}
	if err := os.WriteFile(tm.filePath, data, 0o600); err != nil {
		tm.log.Warn().Err(err).Msg("token cache write failed")
	}
}

func (tm *TokenManager) issue(ctx context.Context) error {
	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	resp, err := tm.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"grant_type": "client_credentials",
			"appkey":     tm.appKey,
			"appsecret":  tm.appSecret,
		}).
		SetResult(&result).
		Post(tm.baseURL + "/oauth2/tokenP")
	if err != nil {
		return fmt.Errorf("token request: %w", err)
	}
	if resp.IsError() || result.AccessToken == "" {
		return fmt.Errorf("token request rejected: %s", resp.Status())
	}

	tm.token = cachedToken{
		AccessToken: result.AccessToken,
		ExpiresAt:   time.Now().Add(time.Duration(result.ExpiresIn) * time.Second),
	}
	tm.saveToFile()
	tm.log.Info().Time("expires_at", tm.token.ExpiresAt).Msg("venue token issued")
	return nil
}

// ApprovalKey requests a fresh WebSocket approval key. Called on every
// reconnect attempt so a stale key never wedges the stream.
func (tm *TokenManager) ApprovalKey(ctx context.Context) (string, error) {
	var result struct {
		ApprovalKey string `json:"approval_key"`
	}
	resp, err := tm.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"grant_type": "client_credentials",
			"appkey":     tm.appKey,
			"secretkey":  tm.appSecret,
		}).
		SetResult(&result).
		Post(tm.baseURL + "/oauth2/Approval")
	if err != nil {
		return "", fmt.Errorf("approval key request: %w", err)
	}
	if resp.IsError() || result.ApprovalKey == "" {
		return "", fmt.Errorf("approval key rejected: %s", resp.Status())
	}
	return result.ApprovalKey, nil
}
