package share

import (
	"crypto/subtle"

	"github.com/google/uuid"
)

// IssueToken mints a new owner token. Tokens are random UUIDv4 strings, so
// they never collide with the shorter alphanumeric share ids.
func IssueToken() string {
	return uuid.NewString()
}

// Authorize checks token against the share's owner token. It never mutates
// the share.
func Authorize(s *Share, token string) error {
	if token == "" {
		return ErrForbidden
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.ownerToken)) != 1 {
		return ErrForbidden
	}
	return nil
}
