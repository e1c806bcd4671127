package random

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"
)

// Token returns a URL-safe bearer token with nBytes of entropy.
// 32 bytes (256 bits) is the default used for magic links.
func Token(nBytes int) (string, error) {
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// NumericCode returns a fixed-width decimal code, left-padded with zeros.
// Each digit is drawn uniformly from crypto/rand.
func NumericCode(width int) (string, error) {
	if width <= 0 {
		return "", fmt.Errorf("numeric code width must be positive, got %d", width)
	}

	var sb strings.Builder
	sb.Grow(width)
	for i := 0; i < width; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		sb.WriteByte(byte('0' + n.Int64()))
	}

	return sb.String(), nil
}
