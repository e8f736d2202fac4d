package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// DefaultMaxSkew 时间戳与当前时间允许的最大偏差
const DefaultMaxSkew = 5 * time.Minute

// Sign 计算 webhook 签名: HMAC-SHA256(secret, timestampMs || body) 的小写十六进制
//
// 参数:
//   - timestampMs: Unix 毫秒时间戳的十进制字符串
//   - body: 原始请求体
//   - secret: 共享密钥
func Sign(timestampMs string, body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestampMs))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify 校验 webhook 签名与时间戳新鲜度，偏差上限为 DefaultMaxSkew
//
// 时间戳无法解析、偏差超过 5 分钟、签名不一致时返回 false。
// 内部任何异常都视为校验失败，不会向调用方传播。
func Verify(signatureHex, timestampMs string, body []byte, secret string, now time.Time) bool {
	return VerifyWithSkew(signatureHex, timestampMs, body, secret, now, DefaultMaxSkew)
}

// VerifyWithSkew 与 Verify 相同，但允许自定义最大偏差
func VerifyWithSkew(signatureHex, timestampMs string, body []byte, secret string, now time.Time, maxSkew time.Duration) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	ts, err := strconv.ParseInt(timestampMs, 10, 64)
	if err != nil {
		return false
	}

	diff := now.UnixMilli() - ts
	if diff < 0 {
		diff = -diff
	}
	if diff > maxSkew.Milliseconds() {
		return false
	}

	expected := Sign(timestampMs, body, secret)
	return constantTimeEqual(expected, signatureHex)
}

// constantTimeEqual 先比较长度，再对全部字符做异或累积
func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	var acc byte
	for i := 0; i < len(a); i++ {
		acc |= a[i] ^ b[i]
	}
	return acc == 0
}

// Verifier 绑定密钥与时钟的签名校验器，供 HTTP 中间件使用
type Verifier struct {
	secret  string
	maxSkew time.Duration
	now     func() time.Time
}

// NewVerifier 创建签名校验器，maxSkew <= 0 时使用 DefaultMaxSkew
func NewVerifier(secret string, maxSkew time.Duration) *Verifier {
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	return &Verifier{secret: secret, maxSkew: maxSkew, now: time.Now}
}

// Verify 使用当前时间校验签名
func (v *Verifier) Verify(signatureHex, timestampMs string, body []byte) bool {
	return VerifyWithSkew(signatureHex, timestampMs, body, v.secret, v.now(), v.maxSkew)
}
