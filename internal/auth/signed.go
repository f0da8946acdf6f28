package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	headerTriggerTimestamp = "X-Trigger-Timestamp"
	headerTriggerSignature = "X-Trigger-Signature"
	schedulerSubject       = "scheduler"
	maxSignedBody          = 1 << 16
)

var (
	errSignatureMissing = errors.New("missing trigger signature")
	errSignatureInvalid = errors.New("invalid trigger signature")
	errSignatureExpired = errors.New("trigger signature expired")
)

// SignedRequestMiddleware authenticates an external scheduler by HMAC over timestamp and body.
type SignedRequestMiddleware struct {
	Secret  []byte
	MaxSkew time.Duration
	now     func() time.Time
}

// NewSignedRequestMiddleware constructs signed request middleware.
func NewSignedRequestMiddleware(secret []byte, maxSkew time.Duration) *SignedRequestMiddleware {
	return &SignedRequestMiddleware{Secret: secret, MaxSkew: maxSkew, now: time.Now}
}

// Wrap enforces signature validation. Accepted requests carry the operator role.
func (m *SignedRequestMiddleware) Wrap(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := m.verify(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), RoleOperator, schedulerSubject)))
	})
}

func (m *SignedRequestMiddleware) verify(r *http.Request) ([]byte, error) {
	if len(m.Secret) == 0 {
		return nil, errors.New("trigger auth not configured")
	}
	timestamp := strings.TrimSpace(r.Header.Get(headerTriggerTimestamp))
	signature := strings.ToLower(strings.TrimSpace(r.Header.Get(headerTriggerSignature)))
	if timestamp == "" || signature == "" {
		return nil, errSignatureMissing
	}
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return nil, errSignatureInvalid
	}
	now := time.Now
	if m.now != nil {
		now = m.now
	}
	if skew := now().Sub(time.Unix(unix, 0)).Abs(); m.MaxSkew > 0 && skew > m.MaxSkew {
		return nil, errSignatureExpired
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody))
	_ = r.Body.Close()
	if err != nil {
		return nil, errSignatureInvalid
	}
	if !hmac.Equal([]byte(signature), []byte(SignRequest(m.Secret, timestamp, body))) {
		return nil, errSignatureInvalid
	}
	return body, nil
}

// SignRequest returns the hex HMAC-SHA256 of timestamp and body.
func SignRequest(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(timestamp + "\n"))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
