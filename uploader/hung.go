package uploader

import (
	"errors"
	"time"

	"github.com/bitrise-io/go-chunkupload/transport"
)

const hungCheckInterval = time.Second

var errHung = errors.New("transfer hung")

// watchHung aborts transfers running much longer than the average finished
// transfer and routes them through the retry path with a timeout reason.
func (u *Uploader) watchHung() {
	defer u.wg.Done()

	interval := hungCheckInterval
	if u.config.HungThreshold < interval {
		interval = u.config.HungThreshold
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-u.done:
			return
		case <-ticker.C:
			u.abortHung(time.Now())
		}
	}
}

func (u *Uploader) abortHung(now time.Time) {
	if u.stats.FinishedCount() == 0 {
		return
	}
	avg := u.stats.Average()

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return
	}
	for _, item := range u.pool.activeItems() {
		if item.transport == nil {
			continue
		}
		elapsed := now.Sub(item.started)
		if elapsed-avg <= u.config.HungThreshold {
			continue
		}

		block := item.block
		u.logger.Warnf("Found hung block upload (block %d/%d of %s); canceling request after %s (avg: %s)",
			block.Index+1, block.TotalBlocks, block.File.Name, elapsed.Round(time.Second), avg.Round(time.Second))
		u.retryOrFail(item, &transport.Reason{Kind: transport.ReasonTimeout, Err: errHung})
	}
}
