package services

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const (
	MinPinLength = 4
	MaxPinLength = 10

	pinLow   = 100000
	pinRange = 900000 // 100000..999999
)

// ValidatePin accepts 4 to 10 ASCII digits.
func ValidatePin(pin string) error {
	if len(pin) < MinPinLength || len(pin) > MaxPinLength {
		return fmt.Errorf("%w: must have %d to %d digits", ErrInvalidPin, MinPinLength, MaxPinLength)
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return fmt.Errorf("%w: digits only", ErrInvalidPin)
		}
	}
	return nil
}

// GeneratePin draws a 6-digit PIN from crypto/rand.
func GeneratePin() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(pinRange))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()+pinLow), nil
}
