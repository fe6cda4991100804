package syncer

import (
	"context"
	"log"
	"sync"
	"time"
)

// MinPollingIntervalMinutes is the minimum allowed interval.
const MinPollingIntervalMinutes = 15

// IntervalSource provides the polling interval in minutes.
type IntervalSource interface {
	GetPollingInterval() (int, error)
}

// Poller runs a sync pass periodically.
type Poller struct {
	settings IntervalSource
	run      func(ctx context.Context)
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewPoller creates a background poller that calls run every interval.
func NewPoller(settings IntervalSource, run func(ctx context.Context)) *Poller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		settings: settings,
		run:      run,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the polling loop.
func (p *Poller) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			interval := p.interval()
			log.Printf("Poller: syncing all podcasts (interval: %dm)", interval)
			p.run(p.ctx)

			select {
			case <-p.ctx.Done():
				return
			case <-time.After(time.Duration(interval) * time.Minute):
			}
		}
	}()
}

// Stop cancels any running pass and waits for the loop to exit.
func (p *Poller) Stop() {
	p.cancel()
	p.wg.Wait()
}

func (p *Poller) interval() int {
	interval, err := p.settings.GetPollingInterval()
	if err != nil || interval < MinPollingIntervalMinutes {
		return MinPollingIntervalMinutes
	}
	return interval
}
