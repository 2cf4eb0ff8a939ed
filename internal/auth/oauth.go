package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/user/ucr/internal/models"
	"go.uber.org/zap"
)

// GitHub device-flow defaults (used by the Copilot provider).
const (
	DefaultClientID      = "Iv1.b507a08c87ecfe98"
	DefaultDeviceCodeURL = "https://github.com/login/device/code"
	DefaultTokenURL      = "https://github.com/login/oauth/access_token"
	DefaultScope         = "read:user"
	refreshWindow        = 5 * time.Minute
	slowDownIncrement    = 5 * time.Second
)

// DeviceFlowConfig parameterizes one device-code authorization.
type DeviceFlowConfig struct {
	ClientID      string
	Scope         string
	DeviceCodeURL string
	TokenURL      string
}

func (c *DeviceFlowConfig) withDefaults() DeviceFlowConfig {
	out := *c
	if out.ClientID == "" {
		out.ClientID = DefaultClientID
	}
	if out.Scope == "" {
		out.Scope = DefaultScope
	}
	if out.DeviceCodeURL == "" {
		out.DeviceCodeURL = DefaultDeviceCodeURL
	}
	if out.TokenURL == "" {
		out.TokenURL = DefaultTokenURL
	}
	return out
}

// DeviceCode is the server's response to a device-code request.
type DeviceCode struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int    `json:"expires_in"`
	TokenType        string `json:"token_type"`
	Scope            string `json:"scope"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// OAuthFlow drives device-code authorization and token refresh against
// one provider, persisting results into the store.
type OAuthFlow struct {
	store  *Store
	client *http.Client
	logger *zap.Logger
	cfg    DeviceFlowConfig
}

// NewOAuthFlow builds a flow with the given config; zero fields fall
// back to the GitHub defaults.
func NewOAuthFlow(store *Store, cfg DeviceFlowConfig, logger *zap.Logger) *OAuthFlow {
	return &OAuthFlow{
		store:  store,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
		cfg:    cfg.withDefaults(),
	}
}

// RequestDeviceCode starts the flow and returns the code the human must
// enter at the verification URI.
func (f *OAuthFlow) RequestDeviceCode(ctx context.Context) (*DeviceCode, error) {
	form := url.Values{
		"client_id": {f.cfg.ClientID},
		"scope":     {f.cfg.Scope},
	}
	var dc DeviceCode
	if err := f.postForm(ctx, f.cfg.DeviceCodeURL, form, &dc); err != nil {
		return nil, fmt.Errorf("request device code: %w", err)
	}
	if dc.DeviceCode == "" || dc.UserCode == "" {
		return nil, fmt.Errorf("device code endpoint returned no code")
	}
	if dc.Interval <= 0 {
		dc.Interval = 5
	}
	return &dc, nil
}

// PollForToken polls the token endpoint until authorization completes,
// the code expires, or ctx is cancelled. On success the credential is
// persisted for providerID.
func (f *OAuthFlow) PollForToken(ctx context.Context, providerID string, dc *DeviceCode) (*models.Credential, error) {
	interval := time.Duration(dc.Interval) * time.Second
	deadline := time.Now().Add(time.Duration(dc.ExpiresIn) * time.Second)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
		if dc.ExpiresIn > 0 && time.Now().After(deadline) {
			return nil, fmt.Errorf("device code expired before authorization")
		}

		form := url.Values{
			"client_id":   {f.cfg.ClientID},
			"device_code": {dc.DeviceCode},
			"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
		}
		var tok tokenResponse
		if err := f.postForm(ctx, f.cfg.TokenURL, form, &tok); err != nil {
			return nil, fmt.Errorf("poll token endpoint: %w", err)
		}

		switch {
		case tok.AccessToken != "":
			cred := credentialFromToken(providerID, &tok)
			if err := f.store.Set(cred); err != nil {
				return nil, fmt.Errorf("persist credential: %w", err)
			}
			f.logger.Info("oauth authorization complete", zap.String("provider", providerID))
			return cred, nil
		case tok.Error == "authorization_pending":
			continue
		case tok.Error == "slow_down":
			interval += slowDownIncrement
			continue
		case tok.Error != "":
			desc := tok.ErrorDescription
			if desc == "" {
				desc = tok.Error
			}
			return nil, fmt.Errorf("authorization failed: %s", desc)
		default:
			return nil, fmt.Errorf("token endpoint returned neither token nor error")
		}
	}
}

// NeedsRefresh reports whether the stored credential for providerID
// expires within the refresh window.
func (f *OAuthFlow) NeedsRefresh(providerID string) bool {
	cred, ok := f.store.Get(providerID)
	if !ok {
		return false
	}
	return cred.NeedsRefresh(time.Now(), refreshWindow)
}

// Refresh exchanges the stored refresh token for a new access token and
// overwrites the stored credential.
func (f *OAuthFlow) Refresh(ctx context.Context, providerID string) (*models.Credential, error) {
	cred, ok := f.store.Get(providerID)
	if !ok {
		return nil, fmt.Errorf("no stored credential for provider %s", providerID)
	}
	if cred.RefreshToken == "" {
		return nil, fmt.Errorf("credential for provider %s has no refresh token", providerID)
	}

	form := url.Values{
		"client_id":     {f.cfg.ClientID},
		"refresh_token": {cred.RefreshToken},
		"grant_type":    {"refresh_token"},
	}
	var tok tokenResponse
	if err := f.postForm(ctx, f.cfg.TokenURL, form, &tok); err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	if tok.Error != "" {
		desc := tok.ErrorDescription
		if desc == "" {
			desc = tok.Error
		}
		return nil, fmt.Errorf("refresh failed: %s", desc)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("refresh returned no access token")
	}

	updated := credentialFromToken(providerID, &tok)
	if updated.RefreshToken == "" {
		updated.RefreshToken = cred.RefreshToken
	}
	if err := f.store.Set(updated); err != nil {
		return nil, fmt.Errorf("persist refreshed credential: %w", err)
	}
	return updated, nil
}

func credentialFromToken(providerID string, tok *tokenResponse) *models.Credential {
	cred := &models.Credential{
		Provider:     providerID,
		Kind:         models.AuthOAuth,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if tok.ExpiresIn > 0 {
		cred.ExpiresAt = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second).UnixMilli()
	}
	if tok.Scope != "" {
		cred.Metadata = map[string]string{"scope": tok.Scope}
	}
	return cred
}

// postForm sends a form POST asking for a JSON reply and decodes it.
func (f *OAuthFlow) postForm(ctx context.Context, endpoint string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return json.Unmarshal(body, out)
}
