package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	core "github.com/DomeLiquid/escrowmarket"
)

var _ core.SignatureVerifier = (*HMACVerifier)(nil)

// HMACVerifier checks hex(HMAC-SHA256(secret, "{order}|{payment}")).
type HMACVerifier struct {
	secret []byte
}

func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret)}
}

func (v *HMACVerifier) Sign(orderId, paymentId string) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(orderId + "|" + paymentId))
	return hex.EncodeToString(mac.Sum(nil))
}

func (v *HMACVerifier) Verify(orderId, paymentId, signature string) bool {
	if len(v.secret) == 0 || signature == "" {
		return false
	}
	expected := v.Sign(orderId, paymentId)
	return hmac.Equal([]byte(expected), []byte(signature))
}
