// Package pkcs7 implements PKCS#7 padding as used by CBC block ciphers.
package pkcs7

import (
	"bytes"
	"errors"
)

var ErrInvalidPadding = errors.New("pkcs7: invalid padding")

// Pad returns buf extended with PKCS#7 padding up to a multiple of blockSize.
// A buffer that is already block-aligned gains a full block of padding.
func Pad(buf []byte, blockSize int) []byte {
	n := blockSize - len(buf)%blockSize
	return append(buf, bytes.Repeat([]byte{byte(n)}, n)...)
}

// Unpad returns buf with its PKCS#7 padding removed.
func Unpad(buf []byte, blockSize int) ([]byte, error) {
	if len(buf) == 0 || len(buf)%blockSize != 0 {
		return nil, ErrInvalidPadding
	}
	n := int(buf[len(buf)-1])
	if n == 0 || n > blockSize {
		return nil, ErrInvalidPadding
	}
	if !bytes.Equal(bytes.Repeat([]byte{byte(n)}, n), buf[len(buf)-n:]) {
		return nil, ErrInvalidPadding
	}
	return buf[:len(buf)-n], nil
}

// Valid reports whether buf ends in valid PKCS#7 padding.
func Valid(buf []byte, blockSize int) bool {
	_, err := Unpad(buf, blockSize)
	return err == nil
}
