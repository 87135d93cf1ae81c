// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package swarmq

import (
	"context"
	"fmt"
	"math/rand"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/priyansh/swarmq/internal/base"
	"github.com/priyansh/swarmq/internal/errors"
	"github.com/priyansh/swarmq/internal/log"
	"golang.org/x/time/rate"
)

// ErrJobTimeout indicates that a job did not finish within its timeout.
// It is the error recorded on the job when an invocation exceeds its
// processing time limit.
var ErrJobTimeout = errors.New("swarmq: job processing timed out")

// A dispatcher claims jobs off a single queue and runs the registered
// handler on them, with at most `concurrency` workers at a time.
type dispatcher struct {
	logger *log.Logger
	broker base.Broker

	queue   string
	handler Handler

	retryDelayFunc RetryDelayFunc
	baseCtxFn      func() context.Context

	errHandler ErrorHandler

	jobCheckInterval time.Duration
	shutdownTimeout  time.Duration

	// channel via which to send sync requests to syncer.
	syncRequestCh chan<- *syncRequest

	// rate limiter to prevent spamming logs with a bunch of errors.
	errLogLimiter *rate.Limiter

	// sema is a counting semaphore to ensure the number of active workers
	// does not exceed the limit.
	sema chan struct{}

	// channel to communicate back to the long running "dispatcher" goroutine.
	done chan struct{}

	// once is used to send value to the done channel only once.
	once sync.Once

	// quit channel is closed when the shutdown of the "dispatcher" goroutine starts.
	quit chan struct{}

	// abort channel communicates to the in-flight worker goroutines to stop.
	abort chan struct{}

	// startMu guards started; start may be reached from both Manager.Start
	// and a concurrent CreateQueueWithProcessor on an active manager.
	startMu sync.Mutex
	started bool

	// cancelations is a set of cancel functions for all active jobs.
	cancelations *base.Cancelations

	starting chan<- *workerInfo
	finished chan<- *base.JobMessage
}

type dispatcherParams struct {
	logger           *log.Logger
	broker           base.Broker
	queue            string
	handler          Handler
	retryDelayFunc   RetryDelayFunc
	jobCheckInterval time.Duration
	baseCtxFn        func() context.Context
	syncCh           chan<- *syncRequest
	cancelations     *base.Cancelations
	concurrency      int
	errHandler       ErrorHandler
	shutdownTimeout  time.Duration
	starting         chan<- *workerInfo
	finished         chan<- *base.JobMessage
}

func newDispatcher(params dispatcherParams) *dispatcher {
	return &dispatcher{
		logger:           params.logger,
		broker:           params.broker,
		queue:            params.queue,
		handler:          params.handler,
		retryDelayFunc:   params.retryDelayFunc,
		baseCtxFn:        params.baseCtxFn,
		errHandler:       params.errHandler,
		jobCheckInterval: params.jobCheckInterval,
		shutdownTimeout:  params.shutdownTimeout,
		syncRequestCh:    params.syncCh,
		errLogLimiter:    rate.NewLimiter(rate.Every(3*time.Second), 1),
		sema:             make(chan struct{}, params.concurrency),
		done:             make(chan struct{}, 1),
		quit:             make(chan struct{}),
		abort:            make(chan struct{}),
		cancelations:     params.cancelations,
		starting:         params.starting,
		finished:         params.finished,
	}
}

// Note: stops only the "dispatcher" goroutine, does not stop workers.
// It's safe to call this method multiple times.
func (d *dispatcher) stop() {
	d.once.Do(func() {
		d.logger.Debugf("Dispatcher for queue %q shutting down...", d.queue)
		// Unblock if the dispatcher is waiting for a sema token.
		close(d.quit)
		// Signal the dispatcher goroutine to stop claiming jobs from the queue.
		d.done <- struct{}{}
	})
}

// shutdown stops claiming, then waits for all in-flight workers to
// return, up to the shutdown timeout. Workers still running after that
// are aborted and their jobs put back on the queue.
func (d *dispatcher) shutdown() {
	d.stop()

	time.AfterFunc(d.shutdownTimeout, func() { close(d.abort) })

	d.logger.Infof("Waiting for all workers on queue %q to finish...", d.queue)
	// block until all workers have released the token
	for i := 0; i < cap(d.sema); i++ {
		d.sema <- struct{}{}
	}
	d.logger.Infof("All workers on queue %q have finished", d.queue)
}

func (d *dispatcher) start(wg *sync.WaitGroup) {
	d.startMu.Lock()
	defer d.startMu.Unlock()
	if d.started {
		return
	}
	d.started = true
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-d.done:
				d.logger.Debugf("Dispatcher for queue %q done", d.queue)
				return
			default:
				d.exec()
			}
		}
	}()
}

// exec claims a job off the queue and starts a worker goroutine to
// process the job.
func (d *dispatcher) exec() {
	select {
	case <-d.quit:
		return
	case d.sema <- struct{}{}: // acquire token
		msg, leaseDeadline, err := d.broker.Claim(d.queue)
		switch {
		case errors.Is(err, errors.ErrNoProcessableJob):
			d.logger.Debugf("No job is ready for processing on queue %q", d.queue)
			// Queue is empty or everything is waiting for an eligibility
			// instant, this is a normal behavior.
			d.idle()
			<-d.sema // release token
			return
		case err != nil:
			if d.errLogLimiter.Allow() {
				d.logger.Errorf("Claim error on queue %q: %v", d.queue, err)
			}
			d.idle()
			<-d.sema // release token
			return
		}

		d.starting <- &workerInfo{msg: msg, started: time.Now(), deadline: leaseDeadline}
		go func() {
			defer func() {
				d.finished <- msg
				<-d.sema // release token
			}()

			ctx, cancel := workerContext(d.baseCtxFn(), msg)
			d.cancelations.Add(msg.ID, cancel)
			defer func() {
				cancel()
				d.cancelations.Delete(msg.ID)
			}()

			// check context before starting a worker goroutine.
			select {
			case <-ctx.Done():
				// already canceled (e.g. deadline exceeded).
				d.handleFailedMessage(ctx, leaseDeadline, msg, ctx.Err())
				return
			default:
			}

			resCh := make(chan error, 1)
			go func() {
				resCh <- d.perform(ctx, newJob(msg))
			}()

			select {
			case <-d.abort:
				// time is up, put the message back to queue and quit this worker goroutine.
				d.logger.Warnf("Quitting worker. job id=%s", msg.ID)
				d.requeue(leaseDeadline, msg)
				return
			case <-ctx.Done():
				d.handleFailedMessage(ctx, leaseDeadline, msg, ctx.Err())
				return
			case resErr := <-resCh:
				if resErr != nil {
					d.handleFailedMessage(ctx, leaseDeadline, msg, resErr)
					return
				}
				d.markCompleted(leaseDeadline, msg)
			}
		}()
	}
}

// idle sleeps for roughly the check interval. The duration is jittered
// so that dispatchers in separate processes do not poll in lockstep.
func (d *dispatcher) idle() {
	jitter := time.Duration(rand.Int63n(int64(d.jobCheckInterval)))
	time.Sleep(d.jobCheckInterval/2 + jitter)
}

// workerContext returns the context under which the handler runs,
// carrying the job's processing time limit if it has one.
func workerContext(parent context.Context, msg *base.JobMessage) (context.Context, context.CancelFunc) {
	if msg.Timeout > 0 {
		return context.WithDeadline(parent, time.Now().Add(time.Duration(msg.Timeout)*time.Millisecond))
	}
	return context.WithCancel(parent)
}

// requeue puts the job back on the front of the pending list without
// counting the aborted invocation as an attempt.
func (d *dispatcher) requeue(leaseDeadline time.Time, msg *base.JobMessage) {
	if !time.Now().Before(leaseDeadline) {
		// Lease already expired, the recoverer owns the job now.
		return
	}
	ctx, _ := context.WithDeadline(context.Background(), leaseDeadline)
	err := d.broker.Requeue(ctx, msg)
	if err != nil {
		d.logger.Errorf("Could not push job id=%s back to queue %q: %v", msg.ID, msg.Queue, err)
	} else {
		d.logger.Infof("Pushed job id=%s back to queue %q", msg.ID, msg.Queue)
	}
}

func (d *dispatcher) markCompleted(leaseDeadline time.Time, msg *base.JobMessage) {
	if !time.Now().Before(leaseDeadline) {
		d.logger.Warnf("Lease expired before job id=%s could be marked completed; the recoverer will reschedule it", msg.ID)
		return
	}
	ctx, _ := context.WithDeadline(context.Background(), leaseDeadline)
	err := d.broker.MarkCompleted(ctx, msg)
	if err != nil {
		if errors.Is(err, errors.ErrJobNotActive) {
			// Already resolved by another actor, nothing to do.
			d.logger.Debugf("Job id=%s is no longer active; skipping completion", msg.ID)
			return
		}
		errMsg := fmt.Sprintf("Could not mark job id=%s completed on queue %q err: %+v", msg.ID, msg.Queue, err)
		d.logger.Warnf("%s; Will retry syncing", errMsg)
		d.syncRequestCh <- &syncRequest{
			fn: func() error {
				return d.broker.MarkCompleted(ctx, msg)
			},
			errMsg:   errMsg,
			deadline: leaseDeadline,
		}
	}
}

func (d *dispatcher) handleFailedMessage(ctx context.Context, leaseDeadline time.Time, msg *base.JobMessage, err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		err = ErrJobTimeout
	}
	if d.errHandler != nil {
		d.errHandler.HandleError(ctx, newJob(msg), err)
	}
	if msg.Attempts < msg.MaxRetries+1 {
		d.retry(leaseDeadline, msg, err)
	} else {
		d.logger.Warnf("Job id=%s exhausted all attempts (%d)", msg.ID, msg.Attempts)
		d.markFailed(leaseDeadline, msg, err)
	}
}

// retry schedules the job to run again after the delay computed by the
// retry delay function.
func (d *dispatcher) retry(leaseDeadline time.Time, msg *base.JobMessage, e error) {
	if !time.Now().Before(leaseDeadline) {
		d.logger.Warnf("Lease expired before job id=%s could be scheduled for a retry; the recoverer will reschedule it", msg.ID)
		return
	}
	ctx, _ := context.WithDeadline(context.Background(), leaseDeadline)
	delay := d.retryDelayFunc(msg.Attempts, e, newJob(msg))
	retryAt := time.Now().Add(delay)
	err := d.broker.Reschedule(ctx, msg, retryAt, e.Error())
	if err != nil {
		if errors.Is(err, errors.ErrJobNotActive) {
			d.logger.Debugf("Job id=%s is no longer active; skipping retry", msg.ID)
			return
		}
		errMsg := fmt.Sprintf("Could not schedule job id=%s for a retry on queue %q err: %+v", msg.ID, msg.Queue, err)
		d.logger.Warnf("%s; Will retry syncing", errMsg)
		d.syncRequestCh <- &syncRequest{
			fn: func() error {
				return d.broker.Reschedule(ctx, msg, retryAt, e.Error())
			},
			errMsg:   errMsg,
			deadline: leaseDeadline,
		}
	}
}

// markFailed records the job as terminally failed.
func (d *dispatcher) markFailed(leaseDeadline time.Time, msg *base.JobMessage, e error) {
	if !time.Now().Before(leaseDeadline) {
		d.logger.Warnf("Lease expired before job id=%s could be marked failed; the recoverer will resolve it", msg.ID)
		return
	}
	ctx, _ := context.WithDeadline(context.Background(), leaseDeadline)
	err := d.broker.MarkFailed(ctx, msg, e.Error())
	if err != nil {
		if errors.Is(err, errors.ErrJobNotActive) {
			d.logger.Debugf("Job id=%s is no longer active; skipping failure record", msg.ID)
			return
		}
		errMsg := fmt.Sprintf("Could not mark job id=%s failed on queue %q err: %+v", msg.ID, msg.Queue, err)
		d.logger.Warnf("%s; Will retry syncing", errMsg)
		d.syncRequestCh <- &syncRequest{
			fn: func() error {
				return d.broker.MarkFailed(ctx, msg, e.Error())
			},
			errMsg:   errMsg,
			deadline: leaseDeadline,
		}
	}
}

// perform calls the handler with the given job. If the call returns
// without panic, it simply returns the error the handler returned.
// If the call panics, it returns an error with the panic message.
func (d *dispatcher) perform(ctx context.Context, job *Job) (err error) {
	defer func() {
		if x := recover(); x != nil {
			d.logger.Errorf("recovering from panic. See the stack trace below for details:\n%s", string(debug.Stack()))
			_, file, line, ok := runtime.Caller(1) // skip the first frame (panic itself)
			if ok && strings.Contains(file, "runtime/") {
				// The panic came from the runtime, the second frame should
				// point at the handler code that caused it.
				_, file, line, ok = runtime.Caller(2)
			}
			if ok {
				err = fmt.Errorf("panic [%s:%d]: %v", file, line, x)
			} else {
				err = fmt.Errorf("panic: %v", x)
			}
		}
	}()
	return d.handler.ProcessJob(ctx, job)
}
