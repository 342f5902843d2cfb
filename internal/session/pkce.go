package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/oauth2"
)

// newPKCE 每次登录生成新的 verifier/challenge 对
// verifier 为 64 位十六进制随机串，challenge = base64url(sha256(verifier))
func newPKCE() (verifier, challenge string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate code verifier: %w", err)
	}
	verifier = hex.EncodeToString(buf)
	return verifier, oauth2.S256ChallengeFromVerifier(verifier), nil
}
