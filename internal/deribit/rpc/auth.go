package rpc

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	GrantClientSignature = "client_signature"
	TokenTypeBearer      = "bearer"
)

type AuthParams struct {
	GrantType string `json:"grant_type"`
	ClientID  string `json:"client_id"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
	Nonce     string `json:"nonce"`
	Data      string `json:"data"`
}

type AuthResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

func (r AuthResult) IsBearer() bool {
	return strings.EqualFold(r.TokenType, TokenTypeBearer)
}

// NewAuthParams builds client_signature credentials with a fresh nonce.
func NewAuthParams(clientID, secret string, now time.Time) AuthParams {
	nonce := strings.ReplaceAll(uuid.NewString(), "-", "")
	return SignAuth(clientID, secret, now.UnixMilli(), nonce, "")
}

// SignAuth signs "timestamp\nnonce\ndata" with HMAC-SHA256 keyed by the secret.
func SignAuth(clientID, secret string, timestampMS int64, nonce, data string) AuthParams {
	payload := strings.Join([]string{
		strconv.FormatInt(timestampMS, 10),
		nonce,
		data,
	}, "\n")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return AuthParams{
		GrantType: GrantClientSignature,
		ClientID:  clientID,
		Timestamp: timestampMS,
		Signature: hex.EncodeToString(mac.Sum(nil)),
		Nonce:     nonce,
		Data:      data,
	}
}
