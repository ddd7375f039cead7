// Package cbctest provides a reference CBC service with a known key, playing
// the role of the vulnerable server in tests: it encrypts plaintexts and
// answers whether a submitted ciphertext decrypts to valid PKCS#7 padding,
// without ever revealing the plaintext.
package cbctest

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"fmt"

	"github.com/nzkv/pado/pkcs7"
)

// Service decrypts submitted ciphertexts the way a real endpoint would: when
// it expects an IV, the first block is used as one; otherwise a null IV is
// assumed and every block is data.
type Service struct {
	block     cipher.Block
	iv        []byte
	expectsIV bool
}

// NewAES builds a 16-byte-block service. The key must be a valid AES key
// length and iv must match the block size.
func NewAES(key, iv []byte, expectsIV bool) (*Service, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return newService(block, iv, expectsIV)
}

// NewDES builds an 8-byte-block service.
func NewDES(key, iv []byte, expectsIV bool) (*Service, error) {
	block, err := des.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return newService(block, iv, expectsIV)
}

func newService(block cipher.Block, iv []byte, expectsIV bool) (*Service, error) {
	if len(iv) != block.BlockSize() {
		return nil, fmt.Errorf("iv length %d does not match block size %d", len(iv), block.BlockSize())
	}
	return &Service{
		block:     block,
		iv:        append([]byte(nil), iv...),
		expectsIV: expectsIV,
	}, nil
}

func (s *Service) BlockSize() int { return s.block.BlockSize() }

// Encrypt pads and CBC-encrypts plain, prepending the IV when the service
// expects one on the wire.
func (s *Service) Encrypt(plain []byte) []byte {
	padded := pkcs7.Pad(append([]byte(nil), plain...), s.BlockSize())
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(s.block, s.iv).CryptBlocks(out, padded)
	if s.expectsIV {
		return append(append([]byte(nil), s.iv...), out...)
	}
	return out
}

// Decrypt reverses Encrypt and strips the padding.
func (s *Service) Decrypt(ciphertext []byte) ([]byte, error) {
	plain, err := s.decrypt(ciphertext)
	if err != nil {
		return nil, err
	}
	return pkcs7.Unpad(plain, s.BlockSize())
}

// CheckPadding reports whether ciphertext decrypts to validly padded
// plaintext. This is the observable a padding oracle leaks.
func (s *Service) CheckPadding(ciphertext []byte) bool {
	plain, err := s.decrypt(ciphertext)
	if err != nil {
		return false
	}
	return pkcs7.Valid(plain, s.BlockSize())
}

func (s *Service) decrypt(ciphertext []byte) ([]byte, error) {
	blockSize := s.BlockSize()
	iv := make([]byte, blockSize)
	data := ciphertext

	if s.expectsIV {
		if len(ciphertext) < 2*blockSize {
			return nil, fmt.Errorf("ciphertext too short: %d bytes", len(ciphertext))
		}
		iv = ciphertext[:blockSize]
		data = ciphertext[blockSize:]
	}
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not block aligned", len(data))
	}

	plain := make([]byte, len(data))
	cipher.NewCBCDecrypter(s.block, iv).CryptBlocks(plain, data)
	return plain, nil
}
