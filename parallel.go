package envelopefs

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
)

// ParallelConfig controls parallel keystream processing of large reads and
// writes
type ParallelConfig struct {
	// Enabled enables parallel processing
	Enabled bool

	// MaxWorkers is the maximum number of worker goroutines
	// If 0, defaults to runtime.NumCPU()
	MaxWorkers int

	// SegmentSize is the number of bytes one worker processes per job.
	// Must be a multiple of 64 so segments start on keystream blocks.
	SegmentSize int

	// MinSegmentsForParallel is the minimum number of segments to use
	// parallel processing. Below this threshold the shared cursor is used.
	MinSegmentsForParallel int
}

// Validate checks if the parallel configuration is valid
func (p *ParallelConfig) Validate() error {
	if !p.Enabled {
		return nil // Nothing to validate if disabled
	}

	if p.MaxWorkers < 0 {
		return errors.New("parallel max workers cannot be negative")
	}
	if p.MaxWorkers > 1024 {
		return errors.New("parallel max workers must not exceed 1024")
	}
	if p.SegmentSize < 1024 || p.SegmentSize%64 != 0 {
		return errors.New("parallel segment size must be a multiple of 64 and at least 1024")
	}
	if p.MinSegmentsForParallel < 2 {
		return errors.New("parallel min segments threshold must be at least 2")
	}
	if p.MinSegmentsForParallel > 1000 {
		return errors.New("parallel min segments threshold must not exceed 1000")
	}

	return nil
}

// DefaultParallelConfig returns the default parallel processing configuration
func DefaultParallelConfig() ParallelConfig {
	return ParallelConfig{
		Enabled:                true,
		MaxWorkers:             runtime.NumCPU(),
		SegmentSize:            64 * 1024,
		MinSegmentsForParallel: 4,
	}
}

// segmentJob is one block-aligned slice of a keystream operation
type segmentJob struct {
	off int64
	dst []byte
	src []byte
}

// processParallel XORs src with the keystream at off into dst like
// processAt, splitting large ranges into segments that workers process
// with their own keystream generators. The shared cursor is not moved.
func (c *seekableCipher) processParallel(dst, src []byte, off int64, p ParallelConfig) error {
	if !p.Enabled || p.SegmentSize <= 0 || len(src) < p.SegmentSize*p.MinSegmentsForParallel {
		return c.processAt(dst, src, off)
	}
	if err := ValidateBuffer(dst, "destination", len(src)); err != nil {
		return err
	}
	if off < 0 || int64(len(src)) > c.engine.MaxBytes()-off {
		return &BoundsError{Operation: "keystream", Offset: off, Length: len(src), Size: c.engine.MaxBytes()}
	}

	c.mu.Lock()
	if c.key == nil {
		c.mu.Unlock()
		return ErrClosed
	}
	key := append([]byte(nil), c.key...)
	iv := append([]byte(nil), c.iv...)
	c.mu.Unlock()
	defer wipe(key)
	defer wipe(iv)

	// Segments end on SegmentSize boundaries of the keystream
	var jobs []segmentJob
	for i := 0; i < len(src); {
		pos := off + int64(i)
		n := p.SegmentSize - int(pos%int64(p.SegmentSize))
		if n > len(src)-i {
			n = len(src) - i
		}
		jobs = append(jobs, segmentJob{off: pos, dst: dst[i : i+n], src: src[i : i+n]})
		i += n
	}

	// Determine number of workers
	numWorkers := p.MaxWorkers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	if numWorkers > len(jobs) {
		numWorkers = len(jobs)
	}

	var wg sync.WaitGroup
	jobChan := make(chan int, len(jobs))
	errChan := make(chan error, numWorkers)

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					// Convert panic to error
					err := fmt.Errorf("panic in keystream worker: %v", r)
					select {
					case errChan <- err:
					default:
					}
				}
			}()
			bs := int64(c.engine.BlockSize())
			for idx := range jobChan {
				job := jobs[idx]
				stream, err := c.engine.NewStream(key, iv, uint64(job.off/bs))
				if err != nil {
					select {
					case errChan <- err:
					default:
					}
					return
				}
				if skip := job.off % bs; skip > 0 {
					discard := make([]byte, skip)
					stream.XORKeyStream(discard, discard)
				}
				stream.XORKeyStream(job.dst, job.src)
				if c.onRebuild != nil {
					c.onRebuild()
				}
			}
		}()
	}

	for i := range jobs {
		jobChan <- i
	}
	close(jobChan)

	wg.Wait()
	close(errChan)

	select {
	case err := <-errChan:
		return err
	default:
		return nil
	}
}
