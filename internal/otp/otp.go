// Package otp derives short-lived numeric codes from an account secret.
package otp

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

// CodeFunc produces the one-time code for a secret at a point in time.
// Services depend on this seam so tests can pin the generated codes.
type CodeFunc func(secret string, at time.Time) string

const (
	step   = 30 * time.Second
	digits = 6
)

// TimeBased is the production CodeFunc: HMAC-SHA1 over the 30-second
// counter with dynamic truncation to six digits. Secrets are base32
// as distributed by the upstream operators; padding and case are
// normalized before decoding.
func TimeBased(secret string, at time.Time) string {
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).
		DecodeString(strings.ToUpper(strings.TrimRight(secret, "=")))
	if err != nil {
		key = []byte(secret)
	}

	var counter [8]byte
	binary.BigEndian.PutUint64(counter[:], uint64(at.Unix()/int64(step.Seconds())))

	mac := hmac.New(sha1.New, key)
	mac.Write(counter[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	value := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff
	return fmt.Sprintf("%0*d", digits, value%1_000_000)
}
