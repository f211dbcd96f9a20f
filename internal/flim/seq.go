package flim

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// FrameSource is a lazy sequence of frames. Next returns ErrStreamEnded when
// the sequence is exhausted. Implementations other than FrameSeq (filtered
// subsets, test fixtures) satisfy it too; the registration and ROI layers
// accept any FrameSource.
type FrameSource interface {
	Next(ctx context.Context) (*Frame, error)
}

// seqItem carries one pipeline result in range order. idx is the position
// within the requested range, not the frame ordinal.
type seqItem struct {
	idx   int
	frame *Frame
	err   error
}

// rawJob is one fetched-but-undecoded record handed to a decode worker.
type rawJob struct {
	idx     int
	ordinal int
	raw     []byte
	err     error
}

// FrameSeq is the lazy sequence returned by Container.ReadRange. Raw record
// fetches are serialised by the container; decoding fans out across the
// configured worker count and results are delivered in range order.
//
// A decode error is reported for its frame only; the sequence continues with
// the next ordinal. Cancellation is cooperative between frames: a frame is
// always fully decoded or not started.
type FrameSeq struct {
	c     *Container
	start int
	count int

	mu        sync.Mutex
	out       chan seqItem
	cancel    context.CancelFunc
	delivered int
	done      bool
}

// Next returns the next frame in the range. After the last frame, or after a
// follow-mode wait times out, it returns ErrStreamEnded. A per-frame decode
// failure is returned as that frame's error; the following call continues
// with the next ordinal.
func (s *FrameSeq) Next(ctx context.Context) (*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done || (s.count >= 0 && s.delivered >= s.count) {
		s.done = true
		return nil, ErrStreamEnded
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.out == nil {
		s.startPipeline()
	}

	select {
	case item, ok := <-s.out:
		if !ok {
			s.done = true
			return nil, ErrStreamEnded
		}
		if item.err != nil {
			if errors.Is(item.err, ErrStreamEnded) {
				s.done = true
				return nil, item.err
			}
			s.delivered++
			return nil, item.err
		}
		s.delivered++
		return item.frame, nil
	case <-ctx.Done():
		// Tear the pipeline down; a later Next resumes from this position.
		s.stopLocked()
		return nil, ctx.Err()
	}
}

// Collect drains the remaining sequence into a slice, stopping at the first
// error other than ErrStreamEnded.
func (s *FrameSeq) Collect(ctx context.Context) ([]*Frame, error) {
	var frames []*Frame
	for {
		f, err := s.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrStreamEnded) {
				return frames, nil
			}
			return frames, err
		}
		frames = append(frames, f)
	}
}

// Reset rewinds the sequence to its start. For a non-growing container the
// restarted sequence yields the same frames.
func (s *FrameSeq) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.delivered = 0
	s.done = false
}

func (s *FrameSeq) stopLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.out = nil
}

// startPipeline spawns the fetch → decode → reorder stages covering the
// not-yet-delivered remainder of the range. Called with s.mu held.
func (s *FrameSeq) startPipeline() {
	pctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	workers := s.c.opts.DecodeWorkers
	first := s.start + s.delivered
	remaining := -1 // unbounded
	if s.count >= 0 {
		remaining = s.count - s.delivered
	}

	jobs := make(chan rawJob, workers)
	results := make(chan seqItem, workers)
	out := make(chan seqItem, workers)
	s.out = out

	// Stage 1: serial raw fetch, with follow-mode waits between frames.
	go func() {
		defer close(jobs)
		for i := 0; remaining < 0 || i < remaining; i++ {
			if pctx.Err() != nil {
				return
			}
			ordinal := first + i
			job := s.fetch(pctx, i, ordinal)
			select {
			case jobs <- job:
			case <-pctx.Done():
				return
			}
			if job.err != nil && errors.Is(job.err, ErrStreamEnded) {
				return
			}
		}
	}()

	// Stage 2: parallel decode.
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				item := seqItem{idx: job.idx, err: job.err}
				if job.err == nil {
					f, err := DecodeFrame(job.raw, s.c.hdr)
					if err != nil {
						item.err = &FrameError{Ordinal: job.ordinal, Err: err}
					} else {
						f.Ordinal = job.ordinal
						item.frame = f
					}
				}
				select {
				case results <- item:
				case <-pctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	// Stage 3: restore range order.
	go func() {
		defer close(out)
		pending := make(map[int]seqItem)
		next := 0
		for item := range results {
			pending[item.idx] = item
			for {
				it, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				select {
				case out <- it:
				case <-pctx.Done():
					return
				}
				if it.err != nil && errors.Is(it.err, ErrStreamEnded) {
					return
				}
				next++
			}
		}
	}()
}

// fetch reads one record's raw bytes, waiting in follow mode for records not
// yet appended. A wait that exhausts the configured timeout yields
// ErrStreamEnded.
func (s *FrameSeq) fetch(ctx context.Context, idx, ordinal int) rawJob {
	job := rawJob{idx: idx, ordinal: ordinal}

	if ordinal >= s.c.FrameCount() {
		if !s.c.opts.Follow {
			job.err = fmt.Errorf("%w: ordinal %d beyond frame count %d", ErrStreamEnded, ordinal, s.c.FrameCount())
			return job
		}
		clock := s.c.opts.Clock
		timer := clock.NewTimer(s.c.opts.WaitTimeout)
		defer timer.Stop()
		for ordinal >= s.c.FrameCount() {
			if err := ctx.Err(); err != nil {
				job.err = err
				return job
			}
			select {
			case <-timer.C():
				job.err = fmt.Errorf("%w: timed out waiting for frame %d", ErrStreamEnded, ordinal)
				return job
			default:
			}
			if _, err := s.c.Refresh(); err != nil {
				job.err = err
				return job
			}
			if ordinal < s.c.FrameCount() {
				break
			}
			clock.Sleep(followPollInterval)
		}
	}

	snap := s.c.snapshot()
	if ordinal >= len(snap) {
		job.err = fmt.Errorf("%w: ordinal %d", ErrStreamEnded, ordinal)
		return job
	}
	job.raw, job.err = s.c.readRaw(snap[ordinal])
	return job
}
