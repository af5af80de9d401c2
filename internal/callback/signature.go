package callback

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Verifier checks both signatures a provider attaches to a callback.
type Verifier struct {
	secret string
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: secret}
}

func digest(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// HeaderHash is hex(SHA-256(command || secret)).
func (v *Verifier) HeaderHash(command string) string {
	return digest(command, v.secret)
}

// BodyHash is hex(SHA-256(command || request_timestamp || secret)).
func (v *Verifier) BodyHash(command, requestTimestamp string) string {
	return digest(command, requestTimestamp, v.secret)
}

// Verify checks the header hash and the envelope hash in constant time.
func (v *Verifier) Verify(headerHash string, env *Envelope) error {
	if headerHash == "" || env.Hash == "" {
		return ErrInvalidSignature
	}
	okHeader := hmac.Equal([]byte(strings.ToLower(headerHash)), []byte(v.HeaderHash(env.Command)))
	okBody := hmac.Equal([]byte(strings.ToLower(env.Hash)), []byte(v.BodyHash(env.Command, env.RequestTimestamp)))
	if !okHeader || !okBody {
		return ErrInvalidSignature
	}
	return nil
}
