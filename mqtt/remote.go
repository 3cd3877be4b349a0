package mqtt

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// OpenWindow is how far a remote open request's timestamp may drift from
// the kiosk clock.
const OpenWindow = 5 * time.Minute

var (
	ErrBadSignature = errors.New("mqtt: signature verification failed")
	ErrWrongKiosk   = errors.New("mqtt: request addressed to another kiosk")
	ErrStale        = errors.New("mqtt: request timestamp out of range")
)

// OpenRequest asks a kiosk to open its bin, e.g. to clear a jam. It is
// signed by staff tooling with a shared secret.
type OpenRequest struct {
	Staff     string `json:"staff"`
	Kiosk     string `json:"kiosk"`
	Timestamp uint64 `json:"timestamp"`
	Signature string `json:"signature"`
}

// SignOpen computes the HMAC-SHA256 of staff, kiosk and the big-endian
// timestamp under the base64 secret. It returns hex and base64 renderings.
func SignOpen(base64Secret, staff, kiosk string, ts uint64) (string, string, error) {
	secret, err := base64.StdEncoding.DecodeString(base64Secret)
	if err != nil {
		return "", "", fmt.Errorf("invalid base64 secret: %w", err)
	}
	if len(secret) == 0 {
		return "", "", errors.New("secret cannot be empty")
	}

	msg := make([]byte, 0, len(staff)+len(kiosk)+8)
	msg = append(msg, staff...)
	msg = append(msg, kiosk...)
	msg = binary.BigEndian.AppendUint64(msg, ts)

	mac := hmac.New(sha256.New, secret)
	mac.Write(msg)
	sum := mac.Sum(nil)

	return hex.EncodeToString(sum), base64.StdEncoding.EncodeToString(sum), nil
}

// DecodeOpen parses and authenticates a remote open payload for kiosk at now.
func DecodeOpen(payload []byte, base64Secret, kiosk string, now time.Time) (OpenRequest, error) {
	var req OpenRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return OpenRequest{}, fmt.Errorf("decode open request: %w", err)
	}
	if err := verify(base64Secret, req); err != nil {
		return OpenRequest{}, err
	}
	if req.Kiosk != kiosk {
		return OpenRequest{}, fmt.Errorf("%w: %q", ErrWrongKiosk, req.Kiosk)
	}
	ts := time.Unix(int64(req.Timestamp), 0)
	if now.Before(ts.Add(-OpenWindow)) || now.After(ts.Add(OpenWindow)) {
		return OpenRequest{}, ErrStale
	}
	return req, nil
}

func verify(base64Secret string, req OpenRequest) error {
	sigHex, sigBase64, err := SignOpen(base64Secret, req.Staff, req.Kiosk, req.Timestamp)
	if err != nil {
		return err
	}

	if decoded, err := hex.DecodeString(req.Signature); err == nil {
		expected, _ := hex.DecodeString(sigHex)
		if subtle.ConstantTimeCompare(decoded, expected) == 1 {
			return nil
		}
	}
	if decoded, err := base64.StdEncoding.DecodeString(req.Signature); err == nil {
		expected, _ := base64.StdEncoding.DecodeString(sigBase64)
		if subtle.ConstantTimeCompare(decoded, expected) == 1 {
			return nil
		}
	}
	return ErrBadSignature
}
