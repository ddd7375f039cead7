package blocks

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// Encoding is the textual encoding the oracle expects for ciphertexts.
// Whichever encoding the original ciphertext arrived in is reused for every
// forged submission.
type Encoding int

const (
	EncodingHex Encoding = iota
	EncodingBase64
	EncodingBase64URL
)

func (e Encoding) String() string {
	switch e {
	case EncodingHex:
		return "hex"
	case EncodingBase64:
		return "base64"
	case EncodingBase64URL:
		return "base64url"
	default:
		return fmt.Sprintf("encoding(%d)", int(e))
	}
}

// ParseEncoding maps a CLI encoding name to an Encoding. The empty string and
// "auto" are rejected here; auto-detection goes through DetectEncoding.
func ParseEncoding(name string) (Encoding, error) {
	switch strings.ToLower(name) {
	case "hex":
		return EncodingHex, nil
	case "base64", "b64":
		return EncodingBase64, nil
	case "base64url", "b64url":
		return EncodingBase64URL, nil
	default:
		return 0, fmt.Errorf("unknown encoding %q", name)
	}
}

// EncodeToString renders raw bytes in this encoding.
func (e Encoding) EncodeToString(raw []byte) string {
	switch e {
	case EncodingHex:
		return hex.EncodeToString(raw)
	case EncodingBase64:
		return base64.StdEncoding.EncodeToString(raw)
	case EncodingBase64URL:
		return base64.URLEncoding.EncodeToString(raw)
	default:
		panic(fmt.Sprintf("blocks: encode with unknown encoding %d", int(e)))
	}
}

// DecodeString decodes text in this encoding.
func (e Encoding) DecodeString(text string) ([]byte, error) {
	switch e {
	case EncodingHex:
		return hex.DecodeString(text)
	case EncodingBase64:
		return base64.StdEncoding.DecodeString(text)
	case EncodingBase64URL:
		return base64.URLEncoding.DecodeString(text)
	default:
		return nil, fmt.Errorf("unknown encoding %d", int(e))
	}
}

// DetectEncoding guesses the encoding of text and decodes it. Hex is tried
// first as it's unambiguous; the URL-safe base64 alphabet wins over the
// standard one when URL-safe characters are present.
func DetectEncoding(text string) (Encoding, []byte, error) {
	if raw, err := hex.DecodeString(text); err == nil {
		return EncodingHex, raw, nil
	}
	if strings.ContainsAny(text, "-_") {
		if raw, err := base64.URLEncoding.DecodeString(text); err == nil {
			return EncodingBase64URL, raw, nil
		}
		return 0, nil, fmt.Errorf("ciphertext looks URL-safe base64 encoded but does not decode")
	}
	if raw, err := base64.StdEncoding.DecodeString(text); err == nil {
		return EncodingBase64, raw, nil
	}
	return 0, nil, fmt.Errorf("ciphertext encoding not recognised: tried hex, base64, base64url")
}
