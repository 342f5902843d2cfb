package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// codecVersion 当前序列化格式版本
const codecVersion = 1

// ErrUnsupportedFormat 无法识别的持久化格式
var ErrUnsupportedFormat = errors.New("unsupported credential format")

// storedCredential 持久化格式，与 Credential 分离以便独立演进
type storedCredential struct {
	Version      int    `json:"v"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	Scope        string `json:"scope,omitempty"`
	GCID         string `json:"gcid,omitempty"`
	ExpiresIn    int64  `json:"expires_in"`
	IssuedAt     int64  `json:"issued_at"`
}

// Encode 序列化凭证
func Encode(c Credential) (string, error) {
	data, err := json.Marshal(storedCredential{
		Version:      codecVersion,
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		IDToken:      c.IDToken,
		TokenType:    c.TokenType,
		Scope:        c.Scope,
		GCID:         c.GCID,
		ExpiresIn:    int64(c.ExpiresIn / time.Second),
		IssuedAt:     c.IssuedAt.Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("encode credential: %w", err)
	}
	return string(data), nil
}

// Decode 反序列化凭证
func Decode(blob string) (Credential, error) {
	var s storedCredential
	if err := json.Unmarshal([]byte(blob), &s); err != nil {
		return Credential{}, fmt.Errorf("decode credential: %w", err)
	}
	if s.Version != codecVersion {
		return Credential{}, fmt.Errorf("version %d: %w", s.Version, ErrUnsupportedFormat)
	}
	if s.AccessToken == "" {
		return Credential{}, fmt.Errorf("missing access token: %w", ErrUnsupportedFormat)
	}

	return Credential{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		IDToken:      s.IDToken,
		TokenType:    s.TokenType,
		Scope:        s.Scope,
		GCID:         s.GCID,
		ExpiresIn:    time.Duration(s.ExpiresIn) * time.Second,
		IssuedAt:     time.Unix(s.IssuedAt, 0),
	}, nil
}
