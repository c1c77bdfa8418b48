package approval

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// approverRole is baked into every minted token: spec.md §4.5 requires
// the approver's resolved role to be admin, so the token binds to that
// role literally rather than carrying an arbitrary claim.
const approverRole = "admin"

var (
	ErrTokenMalformed = errors.New("approval token malformed")
	ErrTokenSignature = errors.New("approval token signature mismatch")
	ErrTokenExpired   = errors.New("approval token expired")
	ErrTokenMismatch  = errors.New("approval token does not match approval id")
)

// MintToken produces an opaque HMAC-signed token bound to
// (approvalID, approverRole=admin, expiresAt), grounded on
// pkg/auth.VerifyHS256Token's hmac.New(sha256.New, secret) signing
// primitive but deliberately not JWT-shaped: spec.md §4.5 calls for
// H(secret, approval_id || approver_role || expiry), a flat signed
// payload, not a claims envelope.
func MintToken(secret string, approvalID string, expiresAt time.Time) (string, error) {
	if secret == "" {
		return "", errors.New("secret is required")
	}
	payload := encodePayload(approvalID, expiresAt)
	sig := sign(secret, payload)
	return base64.RawURLEncoding.EncodeToString([]byte(payload)) + "." +
		base64.RawURLEncoding.EncodeToString(sig), nil
}

// VerifyToken checks the signature, expiry, and that the token is bound
// to approvalID. It does not itself enforce single-use; that is the
// coordinator's job (token validity is necessary, not sufficient).
func VerifyToken(secret, token, approvalID string, now time.Time) error {
	if secret == "" {
		return errors.New("secret is required")
	}
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return ErrTokenMalformed
	}
	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return ErrTokenMalformed
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return ErrTokenMalformed
	}
	expected := sign(secret, string(payloadBytes))
	if !hmac.Equal(sig, expected) {
		return ErrTokenSignature
	}
	gotApprovalID, gotRole, expiresAt, err := decodePayload(string(payloadBytes))
	if err != nil {
		return ErrTokenMalformed
	}
	if gotApprovalID != approvalID {
		return ErrTokenMismatch
	}
	if gotRole != approverRole {
		return ErrTokenMalformed
	}
	if now.UTC().After(expiresAt) {
		return ErrTokenExpired
	}
	return nil
}

func sign(secret, payload string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(payload))
	return mac.Sum(nil)
}

func encodePayload(approvalID string, expiresAt time.Time) string {
	return approvalID + "|" + approverRole + "|" + strconv.FormatInt(expiresAt.UTC().Unix(), 10)
}

func decodePayload(payload string) (approvalID, role string, expiresAt time.Time, err error) {
	parts := strings.Split(payload, "|")
	if len(parts) != 3 {
		return "", "", time.Time{}, ErrTokenMalformed
	}
	unixSec, convErr := strconv.ParseInt(parts[2], 10, 64)
	if convErr != nil {
		return "", "", time.Time{}, ErrTokenMalformed
	}
	return parts[0], parts[1], time.Unix(unixSec, 0).UTC(), nil
}
