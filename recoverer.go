// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package swarmq

import (
	"context"
	"sync"
	"time"

	"github.com/priyansh/swarmq/internal/base"
	"github.com/priyansh/swarmq/internal/errors"
	"github.com/priyansh/swarmq/internal/log"
)

// recoverer resolves jobs whose lease expired without a resolution,
// typically because the worker process died mid-run.
type recoverer struct {
	logger         *log.Logger
	broker         base.Broker
	retryDelayFunc RetryDelayFunc

	// channel to communicate back to the long running "recoverer" goroutine.
	done chan struct{}

	// queues returns a snapshot of the queue names to check for expired leases.
	queues func() []string

	// poll interval.
	interval time.Duration
}

type recovererParams struct {
	logger         *log.Logger
	broker         base.Broker
	retryDelayFunc RetryDelayFunc
	queues         func() []string
	interval       time.Duration
}

func newRecoverer(params recovererParams) *recoverer {
	return &recoverer{
		logger:         params.logger,
		broker:         params.broker,
		retryDelayFunc: params.retryDelayFunc,
		done:           make(chan struct{}),
		queues:         params.queues,
		interval:       params.interval,
	}
}

func (r *recoverer) shutdown() {
	r.logger.Debug("Recoverer shutting down...")
	// Signal the recoverer goroutine to stop polling.
	r.done <- struct{}{}
}

func (r *recoverer) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.recover()
		timer := time.NewTimer(r.interval)
		for {
			select {
			case <-r.done:
				r.logger.Debug("Recoverer done")
				timer.Stop()
				return
			case <-timer.C:
				r.recover()
				timer.Reset(r.interval)
			}
		}
	}()
}

// ErrLeaseExpired error indicates that the job failed because the worker
// holding the job did not resolve it before its lease deadline. The worker
// may have crashed or got cut off the network.
var ErrLeaseExpired = errors.New("swarmq: job lease expired")

func (r *recoverer) recover() {
	// Get all jobs which have expired 30 seconds ago or earlier to accommodate certain amount of clock skew.
	cutoff := time.Now().Add(-30 * time.Second)
	msgs, err := r.broker.ListLeaseExpired(cutoff, r.queues()...)
	if err != nil {
		r.logger.Warnf("recoverer: could not list lease expired jobs: %v", err)
		return
	}
	for _, msg := range msgs {
		// The interrupted invocation was already counted when the job
		// was claimed, so the usual attempt arithmetic applies.
		if msg.Attempts < msg.MaxRetries+1 {
			r.retry(msg, ErrLeaseExpired)
		} else {
			r.markFailed(msg, ErrLeaseExpired)
		}
	}
}

func (r *recoverer) retry(msg *base.JobMessage, err error) {
	delay := r.retryDelayFunc(msg.Attempts, err, newJob(msg))
	retryAt := time.Now().Add(delay)
	if err := r.broker.Reschedule(context.Background(), msg, retryAt, err.Error()); err != nil {
		r.logger.Warnf("recoverer: could not schedule lease expired job for a retry: %v", err)
	}
}

func (r *recoverer) markFailed(msg *base.JobMessage, err error) {
	if err := r.broker.MarkFailed(context.Background(), msg, err.Error()); err != nil {
		r.logger.Warnf("recoverer: could not mark lease expired job as failed: %v", err)
	}
}
