package wire

import (
	"encoding/base64"
	"fmt"
)

func encodeB64(payload []byte) string {
	return base64.RawURLEncoding.EncodeToString(payload)
}

func decodeB64(s string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode base64url payload: %w", err)
	}
	return b, nil
}
