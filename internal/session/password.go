package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// authenticateResponse 第一步返回的跳转信息
type authenticateResponse struct {
	RedirectTo string `json:"redirect_to"`
}

// passwordLogin 用户名密码三步登录：提交凭据、换取授权码、授权码换令牌
func (m *Manager) passwordLogin(ctx context.Context) (Credential, error) {
	verifier, challenge, err := newPKCE()
	if err != nil {
		return Credential{}, err
	}

	form := url.Values{}
	form.Set("client_id", m.cfg.ClientID)
	form.Set("response_type", "code")
	form.Set("scope", strings.Join(m.cfg.Scopes, " "))
	form.Set("redirect_uri", m.cfg.RedirectURI)
	form.Set("state", uuid.NewString())
	form.Set("nonce", "login_nonce")
	form.Set("code_challenge_method", "S256")
	form.Set("code_challenge", challenge)

	// 第一步：提交用户名密码
	step1 := cloneValues(form)
	step1.Set("username", m.cfg.Username)
	step1.Set("password", m.cfg.Password)
	step1.Set("grant_type", "authorization_code")

	resp, err := m.postForm(ctx, m.cfg.AuthURL, step1)
	if err != nil {
		return Credential{}, fmt.Errorf("authenticate request: %w", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return Credential{}, fmt.Errorf("authenticate: status=%d body=%s: %w", resp.StatusCode, string(body), ErrLoginRejected)
	case resp.StatusCode == http.StatusBadRequest:
		return Credential{}, fmt.Errorf("authenticate: status=%d body=%s: %w", resp.StatusCode, string(body), ErrInvalidCredentials)
	case resp.StatusCode >= 300:
		return Credential{}, fmt.Errorf("authenticate failed: status=%d body=%s", resp.StatusCode, string(body))
	}

	var auth authenticateResponse
	if err := json.Unmarshal(body, &auth); err != nil || auth.RedirectTo == "" {
		return Credential{}, fmt.Errorf("authenticate: missing redirect_to in %s", string(body))
	}
	authorization := queryParam(auth.RedirectTo, "authorization")
	if authorization == "" {
		return Credential{}, fmt.Errorf("authenticate: no authorization in redirect_to")
	}

	// 第二步：用授权信息换取授权码，不跟随跳转
	step2 := cloneValues(form)
	step2.Set("authorization", authorization)

	resp, err = m.postForm(ctx, m.cfg.AuthURL, step2)
	if err != nil {
		return Credential{}, fmt.Errorf("authorization request: %w", err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		return Credential{}, fmt.Errorf("authorization failed: status=%d body=%s", resp.StatusCode, string(body))
	}
	code := queryParam(resp.Header.Get("Location"), "code")
	if code == "" {
		return Credential{}, fmt.Errorf("authorization: no code in redirect (status=%d)", resp.StatusCode)
	}

	// 第三步：授权码换令牌
	tok, err := m.oauth.Exchange(m.oauthContext(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		return Credential{}, fmt.Errorf("code exchange: %w", classifyTokenError(err))
	}
	return credentialFromToken(tok, m.clock.Now()), nil
}

func (m *Manager) postForm(ctx context.Context, endpoint string, form url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json, text/plain, */*")
	return m.httpClient.Do(req)
}

// queryParam 从 URL 或裸查询串中取参数
func queryParam(raw, key string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[i+1:]
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return ""
	}
	return values.Get(key)
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}
