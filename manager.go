// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package swarmq

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/priyansh/swarmq/internal/base"
	"github.com/priyansh/swarmq/internal/errors"
	"github.com/priyansh/swarmq/internal/log"
	"github.com/priyansh/swarmq/internal/rdb"
	"github.com/redis/go-redis/v9"
)

// Manager owns the queue services and dispatchers of a process.
//
// Each queue registered with CreateQueueWithProcessor gets its own
// dispatcher, which pulls jobs off that queue and processes them with the
// registered handler. If the processing of a job is unsuccessful, the
// dispatcher schedules it for a retry with exponential backoff.
//
// A job is retried until it either gets processed successfully or runs
// out of attempts, at which point it is recorded as failed.
type Manager struct {
	logger *log.Logger

	broker base.Broker
	// When a Manager has been created with an existing Redis connection, we do
	// not want to close it.
	sharedConnection bool

	state *managerState

	registry *registry

	// wait group to wait for all goroutines to finish.
	wg            sync.WaitGroup
	syncer        *syncer
	heartbeater   *heartbeater
	subscriber    *subscriber
	recoverer     *recoverer
	healthchecker *healthchecker
	janitor       *janitor

	// shared plumbing handed to each dispatcher.
	syncCh       chan *syncRequest
	starting     chan *workerInfo
	finished     chan *base.JobMessage
	cancelations *base.Cancelations

	// settings applied to dispatchers as they are registered.
	concurrency      int
	baseCtxFn        func() context.Context
	jobCheckInterval time.Duration
	retryDelayFunc   RetryDelayFunc
	errHandler       ErrorHandler
	shutdownTimeout  time.Duration

	// defaults applied to jobs as they are enqueued.
	defaultTimeout time.Duration
	defaultBackoff time.Duration
	retention      time.Duration
}

// registry tracks the queue services and dispatchers created on a Manager,
// keyed by queue name.
type registry struct {
	mu          sync.Mutex
	services    map[string]*QueueService
	dispatchers map[string]*dispatcher
}

func newRegistry() *registry {
	return &registry{
		services:    make(map[string]*QueueService),
		dispatchers: make(map[string]*dispatcher),
	}
}

// qnames returns a sorted snapshot of all registered queue names.
func (r *registry) qnames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// queueConcurrency returns a snapshot of queue name to dispatcher
// concurrency, for the heartbeat registry.
func (r *registry) queueConcurrency(concurrency int) map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := make(map[string]int, len(r.dispatchers))
	for name := range r.dispatchers {
		m[name] = concurrency
	}
	return m
}

func (r *registry) allDispatchers() []*dispatcher {
	r.mu.Lock()
	defer r.mu.Unlock()
	ds := make([]*dispatcher, 0, len(r.dispatchers))
	for _, d := range r.dispatchers {
		ds = append(ds, d)
	}
	return ds
}

type managerState struct {
	mu    sync.Mutex
	value managerStateValue
}

type managerStateValue int

const (
	// mgrStateNew represents a new manager.
	mgrStateNew managerStateValue = iota

	// mgrStateActive indicates the manager is up and dispatching.
	mgrStateActive

	// mgrStateStopped indicates the manager is up but no longer claiming new jobs.
	mgrStateStopped

	// mgrStateClosed indicates the manager has been shutdown.
	mgrStateClosed
)

var managerStates = []string{
	"new",
	"active",
	"stopped",
	"closed",
}

func (s managerStateValue) String() string {
	if mgrStateNew <= s && s <= mgrStateClosed {
		return managerStates[s]
	}
	return "unknown status"
}

// Config specifies the manager's job processing behavior.
type Config struct {
	// Maximum number of concurrent workers per dispatcher.
	//
	// If set to a zero or negative value, each dispatcher processes jobs
	// one at a time.
	Concurrency int

	// BaseContext optionally specifies a function that returns the base context for Handler invocations on this manager.
	//
	// If BaseContext is nil, the default is context.Background().
	BaseContext func() context.Context

	// JobCheckInterval specifies the interval between checks for new jobs when a queue is empty.
	//
	// If unset, zero or a negative value, the interval is set to 1 second.
	JobCheckInterval time.Duration

	// Function to calculate retry delay for a failed job.
	//
	// By default, the delay doubles on each failed attempt starting from
	// the job's backoff value.
	RetryDelayFunc RetryDelayFunc

	// ErrorHandler handles errors returned by the job handler.
	ErrorHandler ErrorHandler

	// Logger specifies the logger used by the manager instance.
	//
	// If unset, default logger is used.
	Logger Logger

	// LogLevel specifies the minimum log level to enable.
	//
	// If unset, InfoLevel is used by default.
	LogLevel LogLevel

	// ShutdownTimeout specifies the duration to wait to let workers finish their jobs
	// before forcing them to abort when stopping the manager.
	//
	// If unset or zero, default timeout of 8 seconds is used.
	ShutdownTimeout time.Duration

	// HealthCheckFunc is called periodically with any errors encountered during ping to the
	// connected redis server.
	HealthCheckFunc func(error)

	// HealthCheckInterval specifies the interval between healthchecks.
	//
	// If unset or zero, the interval is set to 15 seconds.
	HealthCheckInterval time.Duration

	// RecovererInterval specifies the interval between checks for jobs whose
	// lease has expired, typically because the worker process died mid-run.
	//
	// If unset or zero, the interval is set to 1 minute.
	RecovererInterval time.Duration

	// JanitorInterval specifies the average interval of janitor checks for expired completed jobs.
	//
	// If unset or zero, default interval of 8 seconds is used.
	JanitorInterval time.Duration

	// JanitorBatchSize specifies the number of expired completed jobs to be deleted in one run.
	//
	// If unset or zero, default batch size of 100 is used.
	JanitorBatchSize int

	// DefaultTimeout specifies the per-invocation time limit applied to
	// jobs enqueued without a Timeout option.
	//
	// If unset or zero, 60 seconds is used.
	DefaultTimeout time.Duration

	// DefaultBackoff specifies the base retry delay applied to jobs
	// enqueued without a Backoff option.
	//
	// If unset or zero, 2 seconds is used.
	DefaultBackoff time.Duration

	// CompletedRetention specifies how long completed job records are kept
	// before the janitor deletes them.
	//
	// If unset or zero, 24 hours is used.
	CompletedRetention time.Duration
}

// An ErrorHandler handles an error occurred during job processing.
type ErrorHandler interface {
	HandleError(ctx context.Context, job *Job, err error)
}

// The ErrorHandlerFunc type is an adapter to allow the use of ordinary functions as a ErrorHandler.
type ErrorHandlerFunc func(ctx context.Context, job *Job, err error)

// HandleError calls fn(ctx, job, err)
func (fn ErrorHandlerFunc) HandleError(ctx context.Context, job *Job, err error) {
	fn(ctx, job, err)
}

// RetryDelayFunc calculates the retry delay duration for a failed job given
// the number of attempts so far, the error, and the job.
type RetryDelayFunc func(n int, e error, j *Job) time.Duration

// Logger supports logging at various log levels.
type Logger interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
	Fatal(args ...interface{})
}

// LogLevel represents logging level.
type LogLevel int32

const (
	// Note: reserving value zero to differentiate unspecified case.
	level_unspecified LogLevel = iota
	DebugLevel
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

// String is part of the flag.Value interface.
func (l *LogLevel) String() string {
	switch *l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	case FatalLevel:
		return "fatal"
	}
	panic(fmt.Sprintf("swarmq: unexpected log level: %v", *l))
}

// Set is part of the flag.Value interface.
func (l *LogLevel) Set(val string) error {
	switch strings.ToLower(val) {
	case "debug":
		*l = DebugLevel
	case "info":
		*l = InfoLevel
	case "warn", "warning":
		*l = WarnLevel
	case "error":
		*l = ErrorLevel
	case "fatal":
		*l = FatalLevel
	default:
		return fmt.Errorf("swarmq: unsupported log level %q", val)
	}
	return nil
}

func toInternalLogLevel(l LogLevel) log.Level {
	switch l {
	case DebugLevel:
		return log.DebugLevel
	case InfoLevel:
		return log.InfoLevel
	case WarnLevel:
		return log.WarnLevel
	case ErrorLevel:
		return log.ErrorLevel
	case FatalLevel:
		return log.FatalLevel
	}
	panic(fmt.Sprintf("swarmq: unexpected log level: %v", l))
}

// DefaultRetryDelayFunc is the default RetryDelayFunc used if one is not
// specified in Config. The delay before attempt n+1 is the job's backoff
// doubled n-1 times, capped at 24 hours.
func DefaultRetryDelayFunc(n int, e error, j *Job) time.Duration {
	const maxDelay = 24 * time.Hour
	d := j.Backoff()
	if d <= 0 {
		d = defaultBackoff
	}
	for i := 1; i < n; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	return d
}

const (
	defaultJobCheckInterval    = 1 * time.Second
	defaultShutdownTimeout     = 8 * time.Second
	defaultHealthCheckInterval = 15 * time.Second
	defaultRecovererInterval   = 1 * time.Minute
	defaultJanitorInterval     = 8 * time.Second
	defaultJanitorBatchSize    = 100

	defaultTimeout            = 60 * time.Second
	defaultBackoff            = 2 * time.Second
	defaultCompletedRetention = 24 * time.Hour
)

// NewManager returns a new Manager given a redis connection option and
// manager configuration. It verifies the store connection before
// returning; an unreachable store is a constructor error.
func NewManager(r RedisConnOpt, cfg Config) (*Manager, error) {
	redisClient, ok := r.MakeRedisClient().(redis.UniversalClient)
	if !ok {
		return nil, fmt.Errorf("swarmq: unsupported RedisConnOpt type %T", r)
	}
	mgr, err := NewManagerFromRedisClient(redisClient, cfg)
	if err != nil {
		redisClient.Close()
		return nil, err
	}
	mgr.sharedConnection = false
	return mgr, nil
}

// NewManagerFromRedisClient returns a new instance of Manager given a
// redis.UniversalClient and manager configuration.
//
// The caller is responsible for closing the given client. It is not
// closed by the manager on Shutdown.
func NewManagerFromRedisClient(c redis.UniversalClient, cfg Config) (*Manager, error) {
	return newManager(rdb.NewRDB(c), cfg)
}

func newManager(broker base.Broker, cfg Config) (*Manager, error) {
	baseCtxFn := cfg.BaseContext
	if baseCtxFn == nil {
		baseCtxFn = context.Background
	}
	n := cfg.Concurrency
	if n < 1 {
		n = 1
	}

	jobCheckInterval := cfg.JobCheckInterval
	if jobCheckInterval <= 0 {
		jobCheckInterval = defaultJobCheckInterval
	}

	delayFunc := cfg.RetryDelayFunc
	if delayFunc == nil {
		delayFunc = DefaultRetryDelayFunc
	}
	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = defaultShutdownTimeout
	}
	healthcheckInterval := cfg.HealthCheckInterval
	if healthcheckInterval == 0 {
		healthcheckInterval = defaultHealthCheckInterval
	}
	recovererInterval := cfg.RecovererInterval
	if recovererInterval == 0 {
		recovererInterval = defaultRecovererInterval
	}
	jobTimeout := cfg.DefaultTimeout
	if jobTimeout == 0 {
		jobTimeout = defaultTimeout
	}
	jobBackoff := cfg.DefaultBackoff
	if jobBackoff == 0 {
		jobBackoff = defaultBackoff
	}
	retention := cfg.CompletedRetention
	if retention == 0 {
		retention = defaultCompletedRetention
	}
	logger := log.NewLogger(cfg.Logger)
	loglevel := cfg.LogLevel
	if loglevel == level_unspecified {
		loglevel = InfoLevel
	}
	logger.SetLevel(toInternalLogLevel(loglevel))

	if err := broker.Ping(); err != nil {
		return nil, fmt.Errorf("swarmq: cannot reach the store: %v", err)
	}

	reg := newRegistry()
	starting := make(chan *workerInfo)
	finished := make(chan *base.JobMessage)
	syncCh := make(chan *syncRequest)
	mgrState := &managerState{value: mgrStateNew}
	cancels := base.NewCancelations()

	syncer := newSyncer(syncerParams{
		logger:     logger,
		requestsCh: syncCh,
		interval:   5 * time.Second,
	})
	heartbeater := newHeartbeater(heartbeaterParams{
		logger:   logger,
		broker:   broker,
		interval: 5 * time.Second,
		queues:   func() map[string]int { return reg.queueConcurrency(n) },
		state:    mgrState,
		starting: starting,
		finished: finished,
	})
	subscriber := newSubscriber(subscriberParams{
		logger:       logger,
		broker:       broker,
		cancelations: cancels,
	})
	recoverer := newRecoverer(recovererParams{
		logger:         logger,
		broker:         broker,
		retryDelayFunc: delayFunc,
		queues:         reg.qnames,
		interval:       recovererInterval,
	})
	healthchecker := newHealthChecker(healthcheckerParams{
		logger:          logger,
		broker:          broker,
		interval:        healthcheckInterval,
		healthcheckFunc: cfg.HealthCheckFunc,
	})

	janitorInterval := cfg.JanitorInterval
	if janitorInterval == 0 {
		janitorInterval = defaultJanitorInterval
	}

	janitorBatchSize := cfg.JanitorBatchSize
	if janitorBatchSize == 0 {
		janitorBatchSize = defaultJanitorBatchSize
	}
	janitor := newJanitor(janitorParams{
		logger:    logger,
		broker:    broker,
		queues:    reg.qnames,
		interval:  janitorInterval,
		batchSize: janitorBatchSize,
	})
	return &Manager{
		logger:           logger,
		broker:           broker,
		sharedConnection: true,
		state:            mgrState,
		registry:         reg,
		syncer:           syncer,
		heartbeater:      heartbeater,
		subscriber:       subscriber,
		recoverer:        recoverer,
		healthchecker:    healthchecker,
		janitor:          janitor,
		syncCh:           syncCh,
		starting:         starting,
		finished:         finished,
		cancelations:     cancels,
		concurrency:      n,
		baseCtxFn:        baseCtxFn,
		jobCheckInterval: jobCheckInterval,
		retryDelayFunc:   delayFunc,
		errHandler:       cfg.ErrorHandler,
		shutdownTimeout:  shutdownTimeout,
		defaultTimeout:   jobTimeout,
		defaultBackoff:   jobBackoff,
		retention:        retention,
	}, nil
}

// A Handler processes jobs.
//
// ProcessJob should return nil if the processing of a job is successful.
//
// If ProcessJob returns a non-nil error or panics, the job will be
// retried after a delay if attempts are remaining, otherwise the job
// will be recorded as failed.
type Handler interface {
	ProcessJob(context.Context, *Job) error
}

// The HandlerFunc type is an adapter to allow the use of
// ordinary functions as a Handler.
type HandlerFunc func(context.Context, *Job) error

// ProcessJob calls fn(ctx, job)
func (fn HandlerFunc) ProcessJob(ctx context.Context, job *Job) error {
	return fn(ctx, job)
}

// ErrManagerClosed indicates that the operation is now illegal because of the manager has been shutdown.
var ErrManagerClosed = errors.New("swarmq: Manager closed")

// CreateQueue registers the queue with the given name and returns a
// QueueService for enqueueing jobs on it. maxRetries is the default
// retry allowance applied to jobs enqueued through the service.
//
// CreateQueue is idempotent: calling it again with a name already
// registered returns the existing service.
func (mgr *Manager) CreateQueue(qname string, maxRetries int) (*QueueService, error) {
	return mgr.createQueue(qname, maxRetries, nil)
}

// CreateQueueWithProcessor registers the queue with the given name,
// binds the handler to it and returns a QueueService for enqueueing jobs
// on it. One dispatcher is created per queue name; it starts claiming
// jobs when the manager starts, or immediately if it is already active.
//
// CreateQueueWithProcessor is idempotent: calling it again with a name
// already registered returns the existing service and keeps the first
// handler. A differing handler on a repeat call is logged and ignored.
func (mgr *Manager) CreateQueueWithProcessor(qname string, maxRetries int, handler Handler) (*QueueService, error) {
	if handler == nil {
		return nil, fmt.Errorf("swarmq: cannot register queue %q with nil handler", qname)
	}
	return mgr.createQueue(qname, maxRetries, handler)
}

func (mgr *Manager) createQueue(qname string, maxRetries int, handler Handler) (*QueueService, error) {
	if err := base.ValidateQueueName(qname); err != nil {
		return nil, fmt.Errorf("swarmq: invalid queue name %q", qname)
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	mgr.state.mu.Lock()
	if mgr.state.value == mgrStateClosed {
		mgr.state.mu.Unlock()
		return nil, ErrManagerClosed
	}
	mgr.state.mu.Unlock()

	mgr.registry.mu.Lock()
	svc, ok := mgr.registry.services[qname]
	if !ok {
		svc = newQueueService(qname, maxRetries, mgr.broker, mgr.logger, mgr.defaultTimeout, mgr.defaultBackoff, mgr.retention)
		mgr.registry.services[qname] = svc
	} else if svc.maxRetries != maxRetries {
		mgr.logger.Warnf("Queue %q is already registered with maxRetries=%d; ignoring maxRetries=%d",
			qname, svc.maxRetries, maxRetries)
	}
	if handler == nil {
		mgr.registry.mu.Unlock()
		return svc, nil
	}
	var d *dispatcher
	if _, ok := mgr.registry.dispatchers[qname]; ok {
		mgr.logger.Warnf("Queue %q already has a processor; keeping the existing one", qname)
	} else {
		d = newDispatcher(dispatcherParams{
			logger:           mgr.logger,
			broker:           mgr.broker,
			queue:            qname,
			handler:          handler,
			retryDelayFunc:   mgr.retryDelayFunc,
			jobCheckInterval: mgr.jobCheckInterval,
			baseCtxFn:        mgr.baseCtxFn,
			syncCh:           mgr.syncCh,
			cancelations:     mgr.cancelations,
			concurrency:      mgr.concurrency,
			errHandler:       mgr.errHandler,
			shutdownTimeout:  mgr.shutdownTimeout,
			starting:         mgr.starting,
			finished:         mgr.finished,
		})
		mgr.registry.dispatchers[qname] = d
	}
	mgr.registry.mu.Unlock()

	// The state is re-read after registration so that a dispatcher added
	// concurrently with Start cannot miss both start paths. dispatcher.start
	// is idempotent, so being picked up by both is fine.
	mgr.state.mu.Lock()
	active := mgr.state.value == mgrStateActive
	mgr.state.mu.Unlock()
	if d != nil && active {
		d.start(&mgr.wg)
	}
	return svc, nil
}

// GetQueue returns the QueueService registered under the given name, or
// nil if the queue has not been registered on this manager.
func (mgr *Manager) GetQueue(qname string) *QueueService {
	mgr.registry.mu.Lock()
	defer mgr.registry.mu.Unlock()
	return mgr.registry.services[qname]
}

// Run starts the job processing and blocks until an os signal to exit
// the program is received. Once it receives a signal, it gracefully
// shuts down all active workers and other goroutines to process the jobs.
func (mgr *Manager) Run() error {
	if err := mgr.Start(); err != nil {
		return err
	}
	mgr.waitForSignals()
	mgr.Shutdown()
	return nil
}

// Start starts the manager. Once the manager has started, each
// registered dispatcher pulls jobs off its queue and starts a worker
// goroutine for each job, which calls the registered handler to process it.
func (mgr *Manager) Start() error {
	if err := mgr.start(); err != nil {
		return err
	}
	mgr.logger.Info("Starting processing")

	mgr.heartbeater.start(&mgr.wg)
	mgr.healthchecker.start(&mgr.wg)
	mgr.subscriber.start(&mgr.wg)
	mgr.syncer.start(&mgr.wg)
	mgr.recoverer.start(&mgr.wg)
	for _, d := range mgr.registry.allDispatchers() {
		d.start(&mgr.wg)
	}
	mgr.janitor.start(&mgr.wg)
	return nil
}

// Checks manager state and returns an error if pre-condition is not met.
// Otherwise it sets the manager state to active.
func (mgr *Manager) start() error {
	mgr.state.mu.Lock()
	defer mgr.state.mu.Unlock()
	switch mgr.state.value {
	case mgrStateActive:
		return fmt.Errorf("swarmq: the manager is already running")
	case mgrStateStopped:
		return fmt.Errorf("swarmq: the manager is in the stopped state. Waiting for shutdown.")
	case mgrStateClosed:
		return ErrManagerClosed
	}
	mgr.state.value = mgrStateActive
	return nil
}

// Shutdown gracefully shuts down the manager.
// It gives in-flight workers ShutdownTimeout to finish; jobs still
// running after that are aborted and put back on their queue with the
// abandoned invocation uncounted.
//
// Shutting down a manager that was never started closes the connection
// and marks the manager closed without any draining. This is the way to
// release a manager used only for enqueueing.
func (mgr *Manager) Shutdown() {
	mgr.state.mu.Lock()
	if mgr.state.value == mgrStateClosed {
		mgr.state.mu.Unlock()
		return
	}
	fresh := mgr.state.value == mgrStateNew
	mgr.state.value = mgrStateClosed
	mgr.state.mu.Unlock()

	if fresh {
		if !mgr.sharedConnection {
			mgr.broker.Close()
		}
		return
	}

	mgr.logger.Info("Starting graceful shutdown")
	dispatchers := mgr.registry.allDispatchers()
	var dwg sync.WaitGroup
	for _, d := range dispatchers {
		dwg.Add(1)
		go func(d *dispatcher) {
			defer dwg.Done()
			d.shutdown()
		}(d)
	}
	dwg.Wait()
	mgr.recoverer.shutdown()
	mgr.syncer.shutdown()
	mgr.subscriber.shutdown()
	mgr.janitor.shutdown()
	mgr.healthchecker.shutdown()
	mgr.heartbeater.shutdown()
	mgr.wg.Wait()

	if !mgr.sharedConnection {
		mgr.broker.Close()
	}
	mgr.logger.Info("Exiting")
}

// Stop signals the manager to stop pulling new jobs off queues.
// In-flight workers keep running; use Shutdown to drain them.
func (mgr *Manager) Stop() {
	mgr.state.mu.Lock()
	if mgr.state.value != mgrStateActive {
		mgr.state.mu.Unlock()
		return
	}
	mgr.state.value = mgrStateStopped
	mgr.state.mu.Unlock()

	mgr.logger.Info("Stopping dispatchers")
	for _, d := range mgr.registry.allDispatchers() {
		d.stop()
	}
	mgr.logger.Info("Dispatchers stopped")
}

// Ping performs a ping against the redis connection.
func (mgr *Manager) Ping() error {
	mgr.state.mu.Lock()
	defer mgr.state.mu.Unlock()
	if mgr.state.value == mgrStateClosed {
		return nil
	}

	return mgr.broker.Ping()
}
