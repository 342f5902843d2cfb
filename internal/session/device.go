package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	deviceGrantType     = "urn:ietf:params:oauth:grant-type:device_code"
	defaultPollInterval = 5 * time.Second
	slowDownStep        = 5 * time.Second
	defaultDeviceTTL    = 10 * time.Minute
)

// DeviceCode 等待用户授权的设备码信息
type DeviceCode struct {
	UserCode                string    `json:"user_code"`
	VerificationURI         string    `json:"verification_uri"`
	VerificationURIComplete string    `json:"verification_uri_complete,omitempty"`
	ExpiresAt               time.Time `json:"expires_at"`
}

// tokenResponse 设备码轮询的令牌端点响应
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	IDToken          string `json:"id_token"`
	TokenType        string `json:"token_type"`
	Scope            string `json:"scope"`
	GCID             string `json:"gcid"`
	ExpiresIn        int64  `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// deviceLogin 设备码登录，按服务端间隔轮询直到授权、拒绝或过期
func (m *Manager) deviceLogin(ctx context.Context) (Credential, error) {
	verifier, challenge, err := newPKCE()
	if err != nil {
		return Credential{}, err
	}

	da, err := m.oauth.DeviceAuth(m.oauthContext(ctx),
		oauth2.SetAuthURLParam("response_type", "device_code"),
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"))
	if err != nil {
		return Credential{}, fmt.Errorf("device authorization: %w", err)
	}

	ttl := defaultDeviceTTL
	if !da.Expiry.IsZero() {
		ttl = time.Until(da.Expiry)
	}
	deadline := m.clock.Now().Add(ttl)
	interval := time.Duration(da.Interval) * time.Second
	if interval <= 0 {
		interval = defaultPollInterval
	}

	pending := &DeviceCode{
		UserCode:                da.UserCode,
		VerificationURI:         da.VerificationURI,
		VerificationURIComplete: da.VerificationURIComplete,
		ExpiresAt:               deadline,
	}
	m.pending.Store(pending)
	defer m.pending.Store(nil)

	if err := m.machine.Fire(EventAwaitUser); err != nil {
		m.logger.Warn("Session state transition failed", zap.Error(err))
	}
	m.logger.Info("Waiting for user authorization",
		zap.String("identity", m.cfg.Name),
		zap.String("user_code", da.UserCode),
		zap.String("verification_uri", da.VerificationURI),
		zap.Time("expires_at", deadline))

	for poll := 1; ; poll++ {
		if !m.clock.Now().Before(deadline) {
			return Credential{}, ErrDeviceCodeExpired
		}

		cred, status, err := m.pollDeviceToken(ctx, da.DeviceCode, verifier)
		if err != nil {
			return Credential{}, err
		}

		switch status {
		case "":
			return cred, nil
		case "authorization_pending":
			m.logger.Debug("Authorization pending", zap.Int("poll", poll))
		case "slow_down":
			interval += slowDownStep
			m.logger.Debug("Slowing down device polling", zap.Duration("interval", interval))
		case "expired_token":
			return Credential{}, ErrDeviceCodeExpired
		case "access_denied":
			return Credential{}, ErrAuthorizationDenied
		default:
			return Credential{}, fmt.Errorf("device token: %s", status)
		}

		if err := m.sleep(ctx, interval); err != nil {
			return Credential{}, err
		}
	}
}

// pollDeviceToken 单次令牌轮询，返回 OAuth 错误码（成功时为空）
func (m *Manager) pollDeviceToken(ctx context.Context, deviceCode, verifier string) (Credential, string, error) {
	form := url.Values{}
	form.Set("grant_type", deviceGrantType)
	form.Set("device_code", deviceCode)
	form.Set("client_id", m.cfg.ClientID)
	form.Set("code_verifier", verifier)
	if m.cfg.ClientSecret != "" {
		form.Set("client_secret", m.cfg.ClientSecret)
	}

	resp, err := m.postForm(ctx, m.cfg.TokenURL, form)
	if err != nil {
		return Credential{}, "", fmt.Errorf("device token request: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return Credential{}, "", fmt.Errorf("device token: status=%d body=%s", resp.StatusCode, string(body))
	}
	if tr.Error != "" {
		return Credential{}, tr.Error, nil
	}
	if resp.StatusCode >= 300 || tr.AccessToken == "" {
		return Credential{}, "", fmt.Errorf("device token: status=%d body=%s", resp.StatusCode, string(body))
	}

	return Credential{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		IDToken:      tr.IDToken,
		TokenType:    tr.TokenType,
		Scope:        tr.Scope,
		GCID:         tr.GCID,
		ExpiresIn:    time.Duration(tr.ExpiresIn) * time.Second,
		IssuedAt:     m.clock.Now(),
	}, "", nil
}
