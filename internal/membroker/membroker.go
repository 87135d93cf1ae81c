// Package membroker provides an in-memory implementation of the
// base.Broker interface.
//
// It mirrors the semantics of the redis implementation in package rdb,
// including claim ordering, attempt accounting and lease handling, and is
// intended for tests and single-process development setups. All state is
// lost when the process exits.
package membroker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/priyansh/swarmq/internal/base"
	"github.com/priyansh/swarmq/internal/errors"
	"github.com/priyansh/swarmq/internal/timeutil"
)

type jobRecord struct {
	msg           *base.JobMessage
	state         base.JobState
	attempts      int
	lastError     string
	lastFailedAt  time.Time
	completedAt   time.Time
	notBefore     time.Time // eligibility instant while scheduled or retry
	expireAt      time.Time // retention deadline while completed
	leaseDeadline time.Time // set while active
}

type queueState struct {
	pending []string // job ids, front of the queue at index 0
	jobs    map[string]*jobRecord
	paused  bool

	processed   int
	failedTotal int
}

type serverEntry struct {
	info    *base.ServerInfo
	workers []*base.WorkerInfo
	expire  time.Time
}

// Broker is an in-memory message broker. The zero value is not usable;
// create one with New. Safe for concurrent use by multiple goroutines.
type Broker struct {
	mu      sync.Mutex
	queues  map[string]*queueState
	servers map[string]*serverEntry
	subs    map[*subscription]struct{}
	clock   timeutil.Clock
	closed  bool
}

// New returns an empty in-memory broker.
func New() *Broker {
	return &Broker{
		queues:  make(map[string]*queueState),
		servers: make(map[string]*serverEntry),
		subs:    make(map[*subscription]struct{}),
		clock:   timeutil.NewRealClock(),
	}
}

// SetClock sets the clock used by the broker.
//
// Use this function to set the clock to SimulatedClock in tests.
func (b *Broker) SetClock(c timeutil.Clock) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clock = c
}

func (b *Broker) Ping() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("membroker: broker is closed")
	}
	return nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *Broker) getOrCreate(qname string) *queueState {
	q, ok := b.queues[qname]
	if !ok {
		q = &queueState{jobs: make(map[string]*jobRecord)}
		b.queues[qname] = q
	}
	return q
}

// Enqueue adds the given job to the pending list of the queue.
func (b *Broker) Enqueue(ctx context.Context, msg *base.JobMessage) error {
	var op errors.Op = "membroker.Enqueue"
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.getOrCreate(msg.Queue)
	if _, ok := q.jobs[msg.ID]; ok {
		return errors.E(op, errors.AlreadyExists, errors.ErrDuplicateJob)
	}
	q.jobs[msg.ID] = &jobRecord{msg: copyMessage(msg), state: base.JobStatePending}
	q.pending = append(q.pending, msg.ID)
	return nil
}

// Schedule adds the job to the scheduled set to be processed in the future.
func (b *Broker) Schedule(ctx context.Context, msg *base.JobMessage, processAt time.Time) error {
	var op errors.Op = "membroker.Schedule"
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.getOrCreate(msg.Queue)
	if _, ok := q.jobs[msg.ID]; ok {
		return errors.E(op, errors.AlreadyExists, errors.ErrDuplicateJob)
	}
	q.jobs[msg.ID] = &jobRecord{
		msg:       copyMessage(msg),
		state:     base.JobStateScheduled,
		notBefore: processAt,
	}
	return nil
}

// Claim transitions the earliest eligible job in the queue to the active
// state, increments its attempt count and acquires a lease.
func (b *Broker) Claim(qname string) (*base.JobMessage, time.Time, error) {
	var op errors.Op = "membroker.Claim"
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	q, ok := b.queues[qname]
	if !ok || q.paused {
		return nil, time.Time{}, errors.E(op, errors.NotFound, errors.ErrNoProcessableJob)
	}
	b.promoteDue(q, now)
	if len(q.pending) == 0 {
		return nil, time.Time{}, errors.E(op, errors.NotFound, errors.ErrNoProcessableJob)
	}
	id := q.pending[0]
	q.pending = q.pending[1:]
	rec := q.jobs[id]
	rec.attempts++
	rec.state = base.JobStateActive
	rec.leaseDeadline = now.Add(time.Duration(rec.msg.Timeout)*time.Millisecond + base.LeaseGracePeriod)
	msg := copyMessage(rec.msg)
	msg.Attempts = rec.attempts
	return msg, rec.leaseDeadline, nil
}

// promoteDue moves scheduled and retry jobs whose eligibility instant has
// passed to the back of the pending list, earliest first.
func (b *Broker) promoteDue(q *queueState, now time.Time) {
	var due []*jobRecord
	for _, rec := range q.jobs {
		if (rec.state == base.JobStateScheduled || rec.state == base.JobStateRetry) && !rec.notBefore.After(now) {
			due = append(due, rec)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].notBefore.Before(due[j].notBefore) })
	for _, rec := range due {
		rec.state = base.JobStatePending
		rec.notBefore = time.Time{}
		q.pending = append(q.pending, rec.msg.ID)
	}
}

// activeRecord looks up the record for the given message and verifies that
// it is currently active.
func (b *Broker) activeRecord(op errors.Op, msg *base.JobMessage) (*queueState, *jobRecord, error) {
	q, ok := b.queues[msg.Queue]
	if !ok {
		return nil, nil, errors.E(op, errors.NotFound, errors.ErrJobNotActive)
	}
	rec, ok := q.jobs[msg.ID]
	if !ok || rec.state != base.JobStateActive {
		return nil, nil, errors.E(op, errors.NotFound, errors.ErrJobNotActive)
	}
	return q, rec, nil
}

// MarkCompleted resolves the given active invocation as successful.
func (b *Broker) MarkCompleted(ctx context.Context, msg *base.JobMessage) error {
	var op errors.Op = "membroker.MarkCompleted"
	b.mu.Lock()
	defer b.mu.Unlock()
	q, rec, err := b.activeRecord(op, msg)
	if err != nil {
		return err
	}
	now := b.clock.Now()
	q.processed++
	if rec.msg.Retention > 0 {
		rec.state = base.JobStateCompleted
		rec.completedAt = now
		rec.expireAt = now.Add(time.Duration(rec.msg.Retention) * time.Second)
		rec.leaseDeadline = time.Time{}
		return nil
	}
	delete(q.jobs, msg.ID)
	return nil
}

// Reschedule resolves the given active invocation as a failed attempt and
// makes the job claimable again once processAt has passed.
func (b *Broker) Reschedule(ctx context.Context, msg *base.JobMessage, processAt time.Time, errMsg string) error {
	var op errors.Op = "membroker.Reschedule"
	b.mu.Lock()
	defer b.mu.Unlock()
	q, rec, err := b.activeRecord(op, msg)
	if err != nil {
		return err
	}
	rec.state = base.JobStateRetry
	rec.notBefore = processAt
	rec.lastError = errMsg
	rec.lastFailedAt = b.clock.Now()
	rec.leaseDeadline = time.Time{}
	q.failedTotal++
	return nil
}

// MarkFailed resolves the given active invocation as the job's final
// failure. The terminal record is retained for inspection.
func (b *Broker) MarkFailed(ctx context.Context, msg *base.JobMessage, errMsg string) error {
	var op errors.Op = "membroker.MarkFailed"
	b.mu.Lock()
	defer b.mu.Unlock()
	q, rec, err := b.activeRecord(op, msg)
	if err != nil {
		return err
	}
	rec.state = base.JobStateFailed
	rec.lastError = errMsg
	rec.lastFailedAt = b.clock.Now()
	rec.leaseDeadline = time.Time{}
	q.failedTotal++
	return nil
}

// Requeue moves the job from active back to the front of the pending list.
// The abandoned invocation does not count toward the job's attempt budget.
func (b *Broker) Requeue(ctx context.Context, msg *base.JobMessage) error {
	var op errors.Op = "membroker.Requeue"
	b.mu.Lock()
	defer b.mu.Unlock()
	q, rec, err := b.activeRecord(op, msg)
	if err != nil {
		return err
	}
	rec.state = base.JobStatePending
	if rec.attempts > 0 {
		rec.attempts--
	}
	rec.leaseDeadline = time.Time{}
	q.pending = append([]string{msg.ID}, q.pending...)
	return nil
}

// GetInfo returns the current information of the job with the given id.
func (b *Broker) GetInfo(ctx context.Context, qname, id string) (*base.JobInfo, error) {
	var op errors.Op = "membroker.GetInfo"
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[qname]
	if !ok {
		return nil, errors.E(op, errors.NotFound, &errors.JobNotFoundError{Queue: qname, ID: id})
	}
	rec, ok := q.jobs[id]
	if !ok {
		return nil, errors.E(op, errors.NotFound, &errors.JobNotFoundError{Queue: qname, ID: id})
	}
	msg := copyMessage(rec.msg)
	msg.Attempts = rec.attempts
	info := &base.JobInfo{
		Message:      msg,
		State:        rec.state,
		LastError:    rec.lastError,
		LastFailedAt: rec.lastFailedAt,
		CompletedAt:  rec.completedAt,
	}
	if rec.state == base.JobStateScheduled || rec.state == base.JobStateRetry {
		info.NextEligibleAt = rec.notBefore
	}
	return info, nil
}

// CurrentStats returns a current state of the given queue.
func (b *Broker) CurrentStats(ctx context.Context, qname string) (*base.QueueStats, error) {
	var op errors.Op = "membroker.CurrentStats"
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[qname]
	if !ok {
		return nil, errors.E(op, errors.NotFound, &errors.QueueNotFoundError{Queue: qname})
	}
	stats := &base.QueueStats{
		Queue:       qname,
		Processed:   q.processed,
		FailedTotal: q.failedTotal,
		Paused:      q.paused,
		Timestamp:   b.clock.Now(),
	}
	for _, rec := range q.jobs {
		switch rec.state {
		case base.JobStatePending:
			stats.Pending++
		case base.JobStateActive:
			stats.Active++
		case base.JobStateScheduled:
			stats.Scheduled++
		case base.JobStateRetry:
			stats.Retry++
		case base.JobStateCompleted:
			stats.Completed++
		case base.JobStateFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

// DeleteExpiredCompletedJobs removes completed job records whose retention
// deadline has passed, up to batchSize records.
func (b *Broker) DeleteExpiredCompletedJobs(qname string, batchSize int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[qname]
	if !ok {
		return nil
	}
	now := b.clock.Now()
	deleted := 0
	for id, rec := range q.jobs {
		if deleted >= batchSize {
			break
		}
		if rec.state == base.JobStateCompleted && !rec.expireAt.After(now) {
			delete(q.jobs, id)
			deleted++
		}
	}
	return nil
}

// ListLeaseExpired returns jobs whose lease deadline passed the cutoff.
func (b *Broker) ListLeaseExpired(cutoff time.Time, qnames ...string) ([]*base.JobMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var msgs []*base.JobMessage
	for _, qname := range qnames {
		q, ok := b.queues[qname]
		if !ok {
			continue
		}
		for _, rec := range q.jobs {
			if rec.state == base.JobStateActive && !rec.leaseDeadline.After(cutoff) {
				msg := copyMessage(rec.msg)
				msg.Attempts = rec.attempts
				msgs = append(msgs, msg)
			}
		}
	}
	return msgs, nil
}

// Pause stops new claims on the given queue.
func (b *Broker) Pause(ctx context.Context, qname string) error {
	var op errors.Op = "membroker.Pause"
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.getOrCreate(qname)
	if q.paused {
		return errors.E(op, errors.FailedPrecondition, fmt.Sprintf("queue %q is already paused", qname))
	}
	q.paused = true
	return nil
}

// Unpause resumes claims on the given queue.
func (b *Broker) Unpause(ctx context.Context, qname string) error {
	var op errors.Op = "membroker.Unpause"
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.getOrCreate(qname)
	if !q.paused {
		return errors.E(op, errors.FailedPrecondition, fmt.Sprintf("queue %q is not paused", qname))
	}
	q.paused = false
	return nil
}

// WriteServerState stores the server state with the given TTL.
func (b *Broker) WriteServerState(info *base.ServerInfo, workers []*base.WorkerInfo, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := base.ServerInfoKey(info.Host, info.PID, info.ServerID)
	b.servers[key] = &serverEntry{info: info, workers: workers, expire: b.clock.Now().Add(ttl)}
	return nil
}

// ClearServerState removes the server state.
func (b *Broker) ClearServerState(host string, pid int, serverID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.servers, base.ServerInfoKey(host, pid, serverID))
	return nil
}

// Servers returns the alive server infos. Used by tests.
func (b *Broker) Servers() []*base.ServerInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	var res []*base.ServerInfo
	for _, e := range b.servers {
		if e.expire.After(now) {
			res = append(res, e.info)
		}
	}
	return res
}

type subscription struct {
	b    *Broker
	ch   chan string
	once sync.Once
}

func (s *subscription) Channel() <-chan string { return s.ch }

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.b.mu.Lock()
		delete(s.b.subs, s)
		s.b.mu.Unlock()
		close(s.ch)
	})
	return nil
}

// SubscribeCancelation returns a subscription yielding the ids of jobs to
// cancel.
func (b *Broker) SubscribeCancelation() (base.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &subscription{b: b, ch: make(chan string, 16)}
	b.subs[sub] = struct{}{}
	return sub, nil
}

// PublishCancelation delivers the given id to all cancelation subscribers.
// Delivery is best effort, matching pub/sub semantics.
func (b *Broker) PublishCancelation(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		select {
		case sub.ch <- id:
		default:
		}
	}
	return nil
}

func copyMessage(msg *base.JobMessage) *base.JobMessage {
	c := *msg
	c.Payload = append([]byte(nil), msg.Payload...)
	return &c
}
