package nntp

import (
	"context"

	"golang.org/x/time/rate"
)

// BandwidthLimiter shapes traffic per direction with independent token
// buckets. A zero or negative rate means unlimited.
type BandwidthLimiter struct {
	upload   *rate.Limiter
	download *rate.Limiter
}

// burstFor sizes the bucket at one second of traffic, floored so a single
// article's worth of bytes can always be requested in one call.
func burstFor(bytesPerSec int64) int {
	const minBurst = 1 << 20
	if bytesPerSec < minBurst {
		return minBurst
	}
	return int(bytesPerSec)
}

// NewBandwidthLimiter creates per-direction limiters from byte-per-second
// caps.
func NewBandwidthLimiter(uploadBps, downloadBps int64) *BandwidthLimiter {
	l := &BandwidthLimiter{}
	if uploadBps > 0 {
		l.upload = rate.NewLimiter(rate.Limit(uploadBps), burstFor(uploadBps))
	}
	if downloadBps > 0 {
		l.download = rate.NewLimiter(rate.Limit(downloadBps), burstFor(downloadBps))
	}
	return l
}

// WaitUpload blocks until n bytes may be transmitted.
func (l *BandwidthLimiter) WaitUpload(ctx context.Context, n int64) error {
	return waitN(ctx, l.upload, n)
}

// WaitDownload blocks until n bytes may be received.
func (l *BandwidthLimiter) WaitDownload(ctx context.Context, n int64) error {
	return waitN(ctx, l.download, n)
}

func waitN(ctx context.Context, lim *rate.Limiter, n int64) error {
	if lim == nil || n <= 0 {
		return nil
	}
	// Requests beyond the burst are split so huge articles still pass.
	burst := int64(lim.Burst())
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := lim.WaitN(ctx, int(chunk)); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}
