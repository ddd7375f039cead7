// Package blocks models the target ciphertext as a sequence of cipher blocks
// and handles the encodings oracles expect on the wire.
package blocks

import "fmt"

// Supported CBC block widths.
const (
	BlockSize8  = 8
	BlockSize16 = 16
)

// InvalidCiphertextError reports a ciphertext that cannot be attacked.
type InvalidCiphertextError struct {
	Reason string
}

func (e *InvalidCiphertextError) Error() string {
	return fmt.Sprintf("invalid ciphertext: %s", e.Reason)
}

// ValidBlockSize reports whether b is a supported block width.
func ValidBlockSize(b int) bool {
	return b == BlockSize8 || b == BlockSize16
}

// Ciphertext is the immutable input to the attack. When it carries an IV, the
// first block is the IV; otherwise all blocks are normal cipher blocks and a
// null IV is assumed.
type Ciphertext struct {
	raw       []byte
	blockSize int
	hasIV     bool
	encoding  Encoding
}

// NewCiphertext validates raw and wraps it. The minimum length is two blocks
// with an IV (one block to decrypt plus its predecessor) and one block without.
func NewCiphertext(raw []byte, blockSize int, hasIV bool, encoding Encoding) (*Ciphertext, error) {
	if !ValidBlockSize(blockSize) {
		return nil, &InvalidCiphertextError{Reason: fmt.Sprintf("unsupported block size %d", blockSize)}
	}
	if len(raw)%blockSize != 0 {
		return nil, &InvalidCiphertextError{
			Reason: fmt.Sprintf("length %d is not a multiple of the block size %d", len(raw), blockSize),
		}
	}
	min := blockSize
	if hasIV {
		min = 2 * blockSize
	}
	if len(raw) < min {
		return nil, &InvalidCiphertextError{
			Reason: fmt.Sprintf("length %d is below the minimum of %d bytes", len(raw), min),
		}
	}

	return &Ciphertext{
		raw:       append([]byte(nil), raw...),
		blockSize: blockSize,
		hasIV:     hasIV,
		encoding:  encoding,
	}, nil
}

func (c *Ciphertext) BlockSize() int     { return c.blockSize }
func (c *Ciphertext) HasIV() bool        { return c.hasIV }
func (c *Ciphertext) Encoding() Encoding { return c.encoding }

// AmountBlocks returns the number of blocks, IV included when present.
func (c *Ciphertext) AmountBlocks() int {
	return len(c.raw) / c.blockSize
}

// Block returns a copy of the i-th block.
func (c *Ciphertext) Block(i int) []byte {
	return append([]byte(nil), c.raw[i*c.blockSize:(i+1)*c.blockSize]...)
}

// Bytes returns a copy of the whole ciphertext.
func (c *Ciphertext) Bytes() []byte {
	return append([]byte(nil), c.raw...)
}

// XOR returns a ^ b byte-wise. Both slices must have equal length.
func XOR(a, b []byte) []byte {
	if len(a) != len(b) {
		panic(fmt.Sprintf("blocks: XOR length mismatch: %d != %d", len(a), len(b)))
	}
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}
