package crypto

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// MinPasswordLength is the shortest accepted plaintext password.
const MinPasswordLength = 8

// ErrPasswordTooShort is returned by HashPassword for short inputs.
var ErrPasswordTooShort = errors.New("password must be at least 8 characters")

// HashPassword hashes plaintext using bcrypt.
func HashPassword(plain string) ([]byte, error) {
	if len(plain) < MinPasswordLength {
		return nil, ErrPasswordTooShort
	}
	return bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
}

// ComparePassword compares plaintext to hashed secret.
func ComparePassword(hash []byte, plain string) error {
	return bcrypt.CompareHashAndPassword(hash, []byte(plain))
}
