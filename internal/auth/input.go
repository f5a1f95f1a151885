package auth

import (
	"strings"

	"github.com/islombek4642/tgsecret/internal/errors"
)

const (
	minPhoneDigits = 7
	maxPhoneDigits = 15
)

// NormalizePhone strips formatting from an international phone number and
// returns it as "+<digits>". It only checks syntax; whether the number
// exists is for the platform to decide.
func NormalizePhone(raw string) (string, error) {
	s := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.', '\t':
			return -1
		}
		return r
	}, strings.TrimSpace(raw))
	s = strings.TrimPrefix(s, "+")

	if s == "" {
		return "", errors.NewValidationError("phone number is empty").WithField("phone")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return "", errors.NewValidationError("phone number may only contain digits").
				WithField("phone").WithValue(raw)
		}
	}
	if len(s) < minPhoneDigits || len(s) > maxPhoneDigits {
		return "", errors.NewValidationError("phone number must have 7 to 15 digits").
			WithField("phone").WithValue(raw)
	}
	return "+" + s, nil
}

// NormalizeCode keeps only the digits of a login code, so "1 2 3-4 5" and
// "12345" are the same submission.
func NormalizeCode(raw string) (string, error) {
	code := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, raw)
	if code == "" {
		return "", errors.NewValidationError("login code must contain digits").WithField("code")
	}
	return code, nil
}

func validatePassword(secret string) error {
	if secret == "" {
		return errors.NewValidationError("password is empty").WithField("password")
	}
	return nil
}
