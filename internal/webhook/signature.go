package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// SignatureHeader carries "t=<unix>,v1=<hex>[,v1=<hex>...]".
	SignatureHeader = "Stripe-Signature"
	// DebugSecretHeader overrides the signing secret when the server runs
	// in debug mode.
	DebugSecretHeader = "X-Paysync-Webhook-Secret"
)

var (
	ErrMissingSignature = errors.New("webhook has no v1 signature")
	ErrMissingTimestamp = errors.New("webhook signature has no timestamp")
	ErrBadSignature     = errors.New("webhook signature does not match")
	ErrStaleSignature   = errors.New("webhook timestamp is outside the tolerance window")
	ErrNoSecret         = errors.New("webhook signing secret is not configured")
)

// VerifySignature checks an HMAC-SHA256 signature header against body. A
// zero tolerance disables the age check. An empty secret never verifies.
func VerifySignature(body []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	if secret == "" {
		return ErrNoSecret
	}
	var ts int64
	var haveTS bool
	var sigs [][]byte
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrMissingTimestamp, err)
			}
			ts, haveTS = n, true
		case "v1":
			sig, err := hex.DecodeString(value)
			if err == nil {
				sigs = append(sigs, sig)
			}
		}
	}
	if !haveTS {
		return ErrMissingTimestamp
	}
	if len(sigs) == 0 {
		return ErrMissingSignature
	}

	expected := computeSignature(body, secret, ts)
	matched := false
	for _, sig := range sigs {
		if hmac.Equal(expected, sig) {
			matched = true
			break
		}
	}
	if !matched {
		return ErrBadSignature
	}
	if tolerance > 0 && now.Sub(time.Unix(ts, 0)) > tolerance {
		return ErrStaleSignature
	}
	return nil
}

// SignatureHeaderFor builds the header a sender would attach to body.
func SignatureHeaderFor(body []byte, secret string, at time.Time) string {
	ts := at.Unix()
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(computeSignature(body, secret, ts)))
}

func computeSignature(body []byte, secret string, ts int64) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}
