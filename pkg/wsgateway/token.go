package wsgateway

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/freitascorp/concierge/pkg/concierr"
	"github.com/freitascorp/concierge/pkg/task"
)

// TokenIssuer issues and verifies the short-lived TokenGrant wire
// format: base64url(msg ‖ HMAC-SHA256(secret, msg)), where
// msg = "user:task_id:hostname:exp:nonce". Tokens are single-use: a
// successful Verify consumes the nonce until it expires.
type TokenIssuer struct {
	secret []byte

	mu   sync.Mutex
	seen map[string]int64 // nonce -> exp, for replay detection
}

// NewTokenIssuer constructs an issuer keyed on secret (the service's
// HMAC key, loaded from EnvConfig at boot).
func NewTokenIssuer(secret []byte) *TokenIssuer {
	return &TokenIssuer{secret: secret, seen: map[string]int64{}}
}

// Issue produces a token authorizing user to open a WebSocket against
// (taskID, hostname) for the next ttlSeconds.
func (ti *TokenIssuer) Issue(user, taskID, hostname string, ttlSeconds int) (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	nonceStr := base64.RawURLEncoding.EncodeToString(nonce)
	exp := time.Now().Add(time.Duration(ttlSeconds) * time.Second).Unix()

	msg := fmt.Sprintf("%s:%s:%s:%d:%s", user, taskID, hostname, exp, nonceStr)
	mac := ti.hmacSum([]byte(msg))
	combined := append([]byte(msg), mac...)
	return base64.RawURLEncoding.EncodeToString(combined), nil
}

func (ti *TokenIssuer) hmacSum(msg []byte) []byte {
	h := hmac.New(sha256.New, ti.secret)
	h.Write(msg)
	return h.Sum(nil)
}

// Verify parses raw, checks the HMAC, checks expiry, and enforces
// single-use via the nonce table. The returned
// *concierr.Error's Kind is one of TokenInvalid, TokenExpired,
// TokenReplay.
func (ti *TokenIssuer) Verify(raw string) (*task.TokenGrant, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil || len(decoded) <= sha256.Size {
		return nil, concierr.New(concierr.KindTokenInvalid, "malformed token")
	}

	cut := len(decoded) - sha256.Size
	msgBytes, mac := decoded[:cut], decoded[cut:]
	expect := ti.hmacSum(msgBytes)
	if subtle.ConstantTimeCompare(mac, expect) != 1 {
		return nil, concierr.New(concierr.KindTokenInvalid, "signature mismatch")
	}

	parts := strings.SplitN(string(msgBytes), ":", 5)
	if len(parts) != 5 {
		return nil, concierr.New(concierr.KindTokenInvalid, "malformed token body")
	}
	user, taskID, hostname, expStr, nonce := parts[0], parts[1], parts[2], parts[3], parts[4]

	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return nil, concierr.New(concierr.KindTokenInvalid, "malformed expiry")
	}

	ti.mu.Lock()
	defer ti.mu.Unlock()
	ti.sweepLocked()

	if _, replayed := ti.seen[nonce]; replayed {
		return nil, concierr.New(concierr.KindTokenReplay, "token already used")
	}
	if time.Now().Unix() > exp {
		return nil, concierr.New(concierr.KindTokenExpired, "token expired")
	}

	ti.seen[nonce] = exp

	return &task.TokenGrant{User: user, TaskID: taskID, Hostname: hostname, ExpiresAt: exp, Nonce: nonce}, nil
}

// sweepLocked drops expired nonces so the replay table stays bounded.
func (ti *TokenIssuer) sweepLocked() {
	now := time.Now().Unix()
	for n, exp := range ti.seen {
		if exp < now {
			delete(ti.seen, n)
		}
	}
}
