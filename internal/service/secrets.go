package service

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/pkg/errors"
)

const (
	inviteTokenBytes = 32
	codeDigits       = 6
)

var codeSpace = big.NewInt(1_000_000)

// newInviteToken returns an unguessable URL-safe token and the hash stored
// in its place.
func newInviteToken() (raw, hash string, err error) {
	buf := make([]byte, inviteTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", errors.Wrap(err, "generate invitation token")
	}
	raw = base64.RawURLEncoding.EncodeToString(buf)
	return raw, hashToken(raw), nil
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// newVerificationCode returns a uniformly random zero-padded numeric code.
func newVerificationCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", errors.Wrap(err, "generate verification code")
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}
