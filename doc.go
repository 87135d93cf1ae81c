// Copyright 2025 Priyansh. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

/*
Package swarmq provides a distributed job queue backed by Redis.

SwarmQ is a distributed job queue subsystem in Go. It is designed for
reliability with at-least-once delivery semantics, powered by Redis.

# Features

Core Features:
  - At-Least-Once Delivery: Lease-based job ownership with automatic recovery
  - Delayed/Scheduled Jobs: Make a job eligible at a specific time
  - Concurrency Control: Configurable worker count per queue
  - Retry with Exponential Backoff: Per-job timeout, retry allowance and base delay

Supporting Features:
  - Job Timeout: Per-invocation execution limits with context cancellation
  - Graceful Shutdown: Clean termination on OS signals; interrupted jobs are requeued
  - Queue Pause/Resume: Suspend claiming without losing jobs
  - Inspection: Queue stats, job listings and a web dashboard

# Quick Start

Create a Manager, register a queue with its processor, then enqueue jobs
through the returned service:

	mgr, err := swarmq.NewManager(swarmq.RedisClientOpt{
		Addr: "localhost:6379",
	}, swarmq.Config{Concurrency: 10})
	if err != nil {
		log.Fatal(err)
	}

	svc, err := mgr.CreateQueueWithProcessor("email", 3, swarmq.HandlerFunc(
		func(ctx context.Context, job *swarmq.Job) error {
			log.Printf("Processing job: %s", job.ID())
			return nil
		}))
	if err != nil {
		log.Fatal(err)
	}

	id, err := svc.AddToQueue(map[string]int{"user_id": 42})
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("Enqueued: %s", id)

	if err := mgr.Run(); err != nil {
		log.Fatal(err)
	}

A process that only enqueues can use CreateQueue instead and skip Run.

# Job Options

Available options for AddToQueue:

	MaxRetries(n)    - Retries allowed after the first failed attempt
	Timeout(d)       - Per-invocation execution timeout
	Backoff(d)       - Base delay between retries, doubled each attempt
	ProcessIn(d)     - Delay eligibility by duration
	ProcessAt(t)     - Make eligible at specific time
	Retention(d)     - Keep completed record for duration
	JobID(id)        - Custom job ID, duplicate IDs are rejected

# Architecture

SwarmQ uses Redis as the job store. Jobs are kept in Redis lists (pending,
active) and sorted sets (scheduled, retry, completed, failed). Each job is
represented as a hash containing the job message and metadata. Claims,
retries and completions run as Lua scripts, so concurrent managers never
hand the same job to two workers.

The Manager spawns one dispatcher per registered queue plus shared goroutines:
  - Dispatcher: Worker pool that claims and executes jobs for one queue
  - Recoverer: Resolves lease-expired jobs from crashed workers
  - Heartbeater: Writes manager and worker state for inspection
  - Syncer: Retries failed store writes
  - Janitor: Cleans up expired completed records
  - Subscriber: Listens for job cancelation requests
  - Healthchecker: Pings the store and reports connectivity problems

# Monitoring

SwarmQ includes a built-in web dashboard. Start it with:

	go run ./ui

Then visit http://localhost:8080 to view queues, jobs, and servers. The
swarmq CLI offers the same data in the terminal; see cmd/swarmq.
*/
package swarmq
