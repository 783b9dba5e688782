package crypto

import (
	"encoding/base64"
	"encoding/hex"
)

// EncodeBase64 returns standard padded base64.
func EncodeBase64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

// DecodeBase64 decodes standard padded base64.
func DecodeBase64(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }

// EncodeHex returns lowercase hex.
func EncodeHex(b []byte) string { return hex.EncodeToString(b) }

// DecodeHex decodes hex of either case.
func DecodeHex(s string) ([]byte, error) { return hex.DecodeString(s) }
