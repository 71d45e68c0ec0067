package auth

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// SignedRequest is the JSON payload inside X-Signed-Message (fields sorted).
// Operation names the session-key action the wallet is authorizing, e.g.
// "create" or "send-transaction".
type SignedRequest struct {
	ExpiresAt int64           `json:"expires_at"`
	Nonce     string          `json:"nonce"`
	Operation string          `json:"operation"`
	Params    json.RawMessage `json:"params"`
}

const (
	maxFutureWindow = 5 * time.Minute

	walletKey = "wallet_address"
	signedKey = "signed_request"
)

// Wallet returns the authenticated wallet address, lower-cased, or "" when
// the middleware did not run.
func Wallet(c *gin.Context) string {
	return c.GetString(walletKey)
}

// Signed returns the verified signed request stored by the middleware.
func Signed(c *gin.Context) (SignedRequest, bool) {
	v, ok := c.Get(signedKey)
	if !ok {
		return SignedRequest{}, false
	}
	sr, ok := v.(SignedRequest)
	return sr, ok
}

// Middleware validates EIP-191 wallet signatures on session-key operations.
// The nonce inside the signed message is single-use; replays are rejected
// until the message itself expires.
func Middleware(rdb *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		walletAddr := c.GetHeader("X-Wallet-Address")
		signedMsgB64 := c.GetHeader("X-Signed-Message")
		sigHex := c.GetHeader("X-Wallet-Signature")

		if walletAddr == "" || signedMsgB64 == "" || sigHex == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing auth headers"})
			return
		}

		msgBytes, err := base64.StdEncoding.DecodeString(signedMsgB64)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid X-Signed-Message encoding"})
			return
		}

		var req SignedRequest
		if err := json.Unmarshal(msgBytes, &req); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signed message JSON"})
			return
		}

		now := time.Now().Unix()
		if req.ExpiresAt <= now {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "request expired"})
			return
		}
		if req.ExpiresAt > now+int64(maxFutureWindow.Seconds()) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "expires_at too far in future"})
			return
		}

		sigHex = strings.TrimPrefix(sigHex, "0x")
		sig, err := hex.DecodeString(sigHex)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature hex"})
			return
		}

		recovered, err := Recover(msgBytes, sig)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}
		if !strings.EqualFold(recovered.Hex(), walletAddr) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}

		// Single-use nonce via SET NX, expiring with the message.
		nonceKey := "sessionkey:nonce:" + req.Nonce
		ttl := time.Duration(req.ExpiresAt-now) * time.Second
		set, err := rdb.SetNX(context.Background(), nonceKey, 1, ttl).Result()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if !set {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "nonce already used"})
			return
		}

		c.Set(walletKey, strings.ToLower(walletAddr))
		c.Set(signedKey, req)
		c.Next()
	}
}
