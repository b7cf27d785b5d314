package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stellar/go/support/log"
)

// DefaultStatusInterval is the interval a StatusWatcher polls at by default.
const DefaultStatusInterval = 15 * time.Second

var watchingFinished = errors.New("watching finished")

// StatusWatcherConfig contains the information that can be supplied to
// configure the StatusWatcher at construction.
type StatusWatcherConfig struct {
	Channel common.Address
	Status  StatusGetter

	// Interval defaults to DefaultStatusInterval.
	Interval time.Duration

	Logger *log.Entry

	Events chan<- interface{}
}

// StatusWatcher polls the status of a channel's wallet contract and emits a
// StatusChangedEvent whenever it changes. A challenge opened by either
// participant is noticed this way.
type StatusWatcher struct {
	channel  common.Address
	status   StatusGetter
	interval time.Duration
	logger   *log.Entry
	events   chan<- interface{}

	// mu is a lock for the last observed status.
	mu    sync.Mutex
	last  ChannelStatus
	known bool
}

func NewStatusWatcher(c StatusWatcherConfig) *StatusWatcher {
	w := &StatusWatcher{
		channel:  c.Channel,
		status:   c.Status,
		interval: c.Interval,
		logger:   loggerOrDiscard(c.Logger).WithField("channel", c.Channel.Hex()),
		events:   c.Events,
	}
	if w.interval == 0 {
		w.interval = DefaultStatusInterval
	}
	return w
}

// Status returns the last observed status, and false if none has been
// observed.
func (w *StatusWatcher) Status() (ChannelStatus, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last, w.known
}

func (w *StatusWatcher) ingest(ctx context.Context) error {
	after, err := w.status.GetStatus(ctx)
	if err != nil {
		err = fmt.Errorf("getting status of channel %s: %w", w.channel.Hex(), err)
		if w.events != nil {
			w.events <- ErrorEvent{Err: err}
		}
		return err
	}
	w.mu.Lock()
	before := w.last
	w.last, w.known = after, true
	w.mu.Unlock()
	if before == after {
		return nil
	}
	w.logger.WithFields(log.F{"before": before.String(), "after": after.String()}).Info("channel status changed")
	if w.events != nil {
		w.events <- StatusChangedEvent{Channel: w.channel, Before: before, After: after}
	}
	if after == ChannelStatusFinalized {
		return watchingFinished
	}
	return nil
}

// Watch polls the status until the context is done or the channel is
// finalized. Channels are assumed open before the first poll. Watch returns nil
// when the channel is finalized.
func (w *StatusWatcher) Watch(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		err := w.ingest(ctx)
		if errors.Is(err, watchingFinished) {
			return nil
		}
		if err != nil {
			w.logger.WithError(err).Error("error watching status")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
