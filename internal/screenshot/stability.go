package screenshot

import (
	"bytes"
	"context"
	"time"
)

// FrameFunc returns the currently rendered frame as encoded bytes.
type FrameFunc func(ctx context.Context) ([]byte, error)

// Stability describes the outcome of WaitStable.
type Stability struct {
	Frame   []byte
	Stable  bool
	Elapsed time.Duration
	Frames  int
}

// WaitStable captures a frame every poll interval and returns as soon as two
// consecutive frames are identical and at least minWait has elapsed. It gives
// up after max(ceiling, minWait) and returns the last frame it saw.
func WaitStable(ctx context.Context, frame FrameFunc, minWait, poll, ceiling time.Duration) (Stability, error) {
	bound := ceiling
	if minWait > bound {
		bound = minWait
	}

	var res Stability
	var last []byte
	timer := time.NewTimer(poll)
	timer.Stop()
	defer timer.Stop()

	start := time.Now()
	for time.Since(start) < bound {
		cur, err := frame(ctx)
		if err != nil {
			return res, err
		}
		res.Frames++
		res.Frame = cur
		res.Elapsed = time.Since(start)
		if last != nil && bytes.Equal(cur, last) && res.Elapsed >= minWait {
			res.Stable = true
			return res, nil
		}
		last = cur

		timer.Reset(poll)
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-timer.C:
		}
	}
	res.Elapsed = time.Since(start)
	return res, nil
}
