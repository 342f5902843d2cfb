package session

import (
	"time"

	"golang.org/x/oauth2"
)

// Credential 一次完整令牌交换的结果，创建后不可修改
// 刷新时整体替换，读者只会看到完整的旧值或新值
type Credential struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	TokenType    string
	Scope        string
	GCID         string
	ExpiresIn    time.Duration
	IssuedAt     time.Time
}

// ExpiresAt 过期时间
func (c Credential) ExpiresAt() time.Time {
	return c.IssuedAt.Add(c.ExpiresIn)
}

// Expired 在 now 时是否已过期
func (c Credential) Expired(now time.Time) bool {
	return c.ExpiresIn > 0 && !now.Before(c.ExpiresAt())
}

// Bearer REST 调用使用的令牌
func (c Credential) Bearer() string {
	return c.AccessToken
}

// StreamToken 推送连接的密码，优先 id_token
func (c Credential) StreamToken() string {
	if c.IDToken != "" {
		return c.IDToken
	}
	return c.AccessToken
}

// OAuth2Token 转换为 oauth2.Token
func (c Credential) OAuth2Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    c.TokenType,
		Expiry:       c.ExpiresAt(),
	}
}

// credentialFromToken 从 oauth2 令牌构造凭证，附加字段从 Extra 中读取
func credentialFromToken(tok *oauth2.Token, issuedAt time.Time) Credential {
	c := Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		IssuedAt:     issuedAt,
	}
	if v, ok := tok.Extra("id_token").(string); ok {
		c.IDToken = v
	}
	if v, ok := tok.Extra("scope").(string); ok {
		c.Scope = v
	}
	if v, ok := tok.Extra("gcid").(string); ok {
		c.GCID = v
	}
	if !tok.Expiry.IsZero() {
		c.ExpiresIn = time.Until(tok.Expiry).Round(time.Second)
	}
	return c
}

// redact 日志中只保留令牌首尾
func redact(token string) string {
	if len(token) <= 8 {
		return "***"
	}
	return token[:4] + "***" + token[len(token)-4:]
}
