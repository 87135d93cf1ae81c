// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package rdb encapsulates the interactions with redis.
package rdb

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/priyansh/swarmq/internal/base"
	"github.com/priyansh/swarmq/internal/errors"
	"github.com/priyansh/swarmq/internal/timeutil"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cast"
)

const statsTTL = 90 * 24 * time.Hour // 90 days

// RDB is a client interface to query and mutate job queues.
type RDB struct {
	client redis.UniversalClient
	clock  timeutil.Clock
}

// NewRDB returns a new instance of RDB.
func NewRDB(client redis.UniversalClient) *RDB {
	return &RDB{
		client: client,
		clock:  timeutil.NewRealClock(),
	}
}

// Close closes the connection with redis server.
func (r *RDB) Close() error {
	return r.client.Close()
}

// Client returns the reference to underlying redis client.
func (r *RDB) Client() redis.UniversalClient {
	return r.client
}

// SetClock sets the clock used by RDB to the given clock.
//
// Use this function to set the clock to SimulatedClock in tests.
func (r *RDB) SetClock(c timeutil.Clock) {
	r.clock = c
}

// Ping checks the connection with redis server.
func (r *RDB) Ping() error {
	return r.client.Ping(context.Background()).Err()
}

func (r *RDB) runScript(ctx context.Context, op errors.Op, script *redis.Script, keys []string, args ...interface{}) error {
	if err := script.Run(ctx, r.client, keys, args...).Err(); err != nil {
		return errors.E(op, errors.Internal, fmt.Sprintf("redis eval error: %v", err))
	}
	return nil
}

// Runs the given script with keys and args and returns the script's return value as int64.
func (r *RDB) runScriptWithErrorCode(ctx context.Context, op errors.Op, script *redis.Script, keys []string, args ...interface{}) (int64, error) {
	res, err := script.Run(ctx, r.client, keys, args...).Result()
	if err != nil {
		return 0, errors.E(op, errors.Unknown, fmt.Sprintf("redis eval error: %v", err))
	}
	n, ok := res.(int64)
	if !ok {
		return 0, errors.E(op, errors.Internal, fmt.Sprintf("unexpected return value from Lua script: %v", res))
	}
	return n, nil
}

// enqueueCmd enqueues a given job message.
//
// Input:
// KEYS[1] -> swarmq:{<qname>}:j:<job_id>
// KEYS[2] -> swarmq:{<qname>}:pending
// --
// ARGV[1] -> job message data
// ARGV[2] -> job ID
//
// Output:
// Returns 1 if successfully enqueued
// Returns 0 if job ID already exists
var enqueueCmd = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("HSET", KEYS[1],
           "msg", ARGV[1],
           "state", "pending",
           "attempts", 0)
redis.call("LPUSH", KEYS[2], ARGV[2])
return 1
`)

// Enqueue adds the given job to the pending list of the queue.
func (r *RDB) Enqueue(ctx context.Context, msg *base.JobMessage) error {
	var op errors.Op = "rdb.Enqueue"
	encoded, err := base.EncodeMessage(msg)
	if err != nil {
		return errors.E(op, errors.Unknown, fmt.Sprintf("cannot encode message: %v", err))
	}
	if err := r.client.SAdd(ctx, base.AllQueues, msg.Queue).Err(); err != nil {
		return errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "sadd", Err: err})
	}
	keys := []string{
		base.JobKey(msg.Queue, msg.ID),
		base.PendingKey(msg.Queue),
	}
	argv := []interface{}{
		encoded,
		msg.ID,
	}
	n, err := r.runScriptWithErrorCode(ctx, op, enqueueCmd, keys, argv...)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.E(op, errors.AlreadyExists, errors.ErrDuplicateJob)
	}
	return nil
}

// scheduleCmd enqueues a job message to be processed in the future.
//
// Input:
// KEYS[1] -> swarmq:{<qname>}:j:<job_id>
// KEYS[2] -> swarmq:{<qname>}:scheduled
// --
// ARGV[1] -> job message data
// ARGV[2] -> process_at time in unix time in milliseconds
// ARGV[3] -> job ID
//
// Output:
// Returns 1 if successfully enqueued
// Returns 0 if job ID already exists
var scheduleCmd = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("HSET", KEYS[1],
           "msg", ARGV[1],
           "state", "scheduled",
           "attempts", 0,
           "not_before", ARGV[2])
redis.call("ZADD", KEYS[2], ARGV[2], ARGV[3])
return 1
`)

// Schedule adds the job to the scheduled set to be processed in the future.
func (r *RDB) Schedule(ctx context.Context, msg *base.JobMessage, processAt time.Time) error {
	var op errors.Op = "rdb.Schedule"
	encoded, err := base.EncodeMessage(msg)
	if err != nil {
		return errors.E(op, errors.Unknown, fmt.Sprintf("cannot encode message: %v", err))
	}
	if err := r.client.SAdd(ctx, base.AllQueues, msg.Queue).Err(); err != nil {
		return errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "sadd", Err: err})
	}
	keys := []string{
		base.JobKey(msg.Queue, msg.ID),
		base.ScheduledKey(msg.Queue),
	}
	argv := []interface{}{
		encoded,
		processAt.UnixMilli(),
		msg.ID,
	}
	n, err := r.runScriptWithErrorCode(ctx, op, scheduleCmd, keys, argv...)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.E(op, errors.AlreadyExists, errors.ErrDuplicateJob)
	}
	return nil
}

// claimCmd claims the next eligible job in the given queue.
//
// It first promotes jobs in the scheduled and retry sets whose eligibility
// instant has passed into the pending list, then moves the oldest pending
// job to the active list, increments its attempt count and writes its
// lease deadline. All of it runs as one script, so two concurrent claims
// can never observe the same job.
//
// Input:
// KEYS[1] -> swarmq:{<qname>}:pending
// KEYS[2] -> swarmq:{<qname>}:paused
// KEYS[3] -> swarmq:{<qname>}:active
// KEYS[4] -> swarmq:{<qname>}:lease
// KEYS[5] -> swarmq:{<qname>}:scheduled
// KEYS[6] -> swarmq:{<qname>}:retry
// --
// ARGV[1] -> current unix time in milliseconds
// ARGV[2] -> job key prefix
// ARGV[3] -> lease grace period in milliseconds
//
// Output:
// Returns nil if no processable job is found in the given queue.
// Returns an encoded JobMessage, its attempt count and its lease deadline.
var claimCmd = redis.NewScript(`
if redis.call("EXISTS", KEYS[2]) == 1 then
	return nil
end
for _, zkey in ipairs({KEYS[5], KEYS[6]}) do
	local ids = redis.call("ZRANGEBYSCORE", zkey, "-inf", ARGV[1], "LIMIT", 0, 100)
	for _, id in ipairs(ids) do
		redis.call("LPUSH", KEYS[1], id)
		redis.call("ZREM", zkey, id)
		redis.call("HSET", ARGV[2] .. id, "state", "pending")
	end
end
local id = redis.call("RPOPLPUSH", KEYS[1], KEYS[3])
if id then
	local key = ARGV[2] .. id
	local attempts = redis.call("HINCRBY", key, "attempts", 1)
	local timeout = tonumber(redis.call("HGET", key, "timeout_ms")) or 0
	local deadline = tonumber(ARGV[1]) + timeout + tonumber(ARGV[3])
	redis.call("HSET", key, "state", "active")
	redis.call("ZADD", KEYS[4], deadline, id)
	return {redis.call("HGET", key, "msg"), attempts, deadline}
end
return nil
`)

// Claim queries the given queue for eligible jobs and transitions the
// earliest one to the active state. It returns the claimed message with
// its attempt count set, along with the lease deadline.
//
// Note: Claim does not return the next eligible job until its not-before
// instant has passed; a paused queue returns no jobs at all.
func (r *RDB) Claim(qname string) (*base.JobMessage, time.Time, error) {
	var op errors.Op = "rdb.Claim"
	keys := []string{
		base.PendingKey(qname),
		base.PausedKey(qname),
		base.ActiveKey(qname),
		base.LeaseKey(qname),
		base.ScheduledKey(qname),
		base.RetryKey(qname),
	}
	argv := []interface{}{
		r.clock.Now().UnixMilli(),
		base.JobKeyPrefix(qname),
		int64(base.LeaseGracePeriod / time.Millisecond),
	}
	res, err := claimCmd.Run(context.Background(), r.client, keys, argv...).Result()
	if err == redis.Nil {
		return nil, time.Time{}, errors.E(op, errors.NotFound, errors.ErrNoProcessableJob)
	} else if err != nil {
		return nil, time.Time{}, errors.E(op, errors.Unknown, fmt.Sprintf("redis eval error: %v", err))
	}
	arr, err := cast.ToSliceE(res)
	if err != nil {
		return nil, time.Time{}, errors.E(op, errors.Internal, fmt.Sprintf("unexpected return value from Lua script: %v", res))
	}
	if len(arr) != 3 {
		return nil, time.Time{}, errors.E(op, errors.Internal, fmt.Sprintf("unexpected number of values returned from Lua script: %v", res))
	}
	encoded, err := cast.ToStringE(arr[0])
	if err != nil {
		return nil, time.Time{}, errors.E(op, errors.Internal, fmt.Sprintf("cast error: unexpected return value type from Lua script: %v", arr[0]))
	}
	attempts, err := cast.ToIntE(arr[1])
	if err != nil {
		return nil, time.Time{}, errors.E(op, errors.Internal, fmt.Sprintf("cast error: unexpected return value type from Lua script: %v", arr[1]))
	}
	deadline, err := cast.ToInt64E(arr[2])
	if err != nil {
		return nil, time.Time{}, errors.E(op, errors.Internal, fmt.Sprintf("cast error: unexpected return value type from Lua script: %v", arr[2]))
	}
	msg, err := base.DecodeMessage([]byte(encoded))
	if err != nil {
		return nil, time.Time{}, errors.E(op, errors.Internal, fmt.Sprintf("cannot decode message: %v", err))
	}
	msg.Attempts = attempts
	return msg, time.UnixMilli(deadline), nil
}

// markCompletedCmd marks the given active job as completed and removes its
// record, when the job has no retention period.
//
// Input:
// KEYS[1] -> swarmq:{<qname>}:active
// KEYS[2] -> swarmq:{<qname>}:lease
// KEYS[3] -> swarmq:{<qname>}:j:<job_id>
// KEYS[4] -> swarmq:{<qname>}:processed
// KEYS[5] -> swarmq:{<qname>}:processed:<yyyy-mm-dd>
// --
// ARGV[1] -> job ID
// ARGV[2] -> stats expiration timestamp in unix time
//
// Output:
// Returns OK if successful, error otherwise.
var markCompletedCmd = redis.NewScript(`
if redis.call("LREM", KEYS[1], 0, ARGV[1]) == 0 then
	return redis.error_reply("NOT FOUND")
end
if redis.call("ZREM", KEYS[2], ARGV[1]) == 0 then
	return redis.error_reply("NOT FOUND")
end
if redis.call("DEL", KEYS[3]) == 0 then
	return redis.error_reply("NOT FOUND")
end
redis.call("INCR", KEYS[4])
local n = redis.call("INCR", KEYS[5])
if tonumber(n) == 1 then
	redis.call("EXPIREAT", KEYS[5], ARGV[2])
end
return redis.status_reply("OK")
`)

// markCompletedWithRetentionCmd marks the given active job as completed and
// keeps its record in the completed set until its retention deadline.
//
// Input:
// KEYS[1] -> swarmq:{<qname>}:active
// KEYS[2] -> swarmq:{<qname>}:lease
// KEYS[3] -> swarmq:{<qname>}:j:<job_id>
// KEYS[4] -> swarmq:{<qname>}:completed
// KEYS[5] -> swarmq:{<qname>}:processed
// KEYS[6] -> swarmq:{<qname>}:processed:<yyyy-mm-dd>
// --
// ARGV[1] -> job ID
// ARGV[2] -> completed_at timestamp in unix time in milliseconds
// ARGV[3] -> retention deadline in unix time in milliseconds
// ARGV[4] -> stats expiration timestamp in unix time
//
// Output:
// Returns OK if successful, error otherwise.
var markCompletedWithRetentionCmd = redis.NewScript(`
if redis.call("LREM", KEYS[1], 0, ARGV[1]) == 0 then
	return redis.error_reply("NOT FOUND")
end
if redis.call("ZREM", KEYS[2], ARGV[1]) == 0 then
	return redis.error_reply("NOT FOUND")
end
redis.call("HSET", KEYS[3], "state", "completed", "completed_at", ARGV[2])
redis.call("ZADD", KEYS[4], ARGV[3], ARGV[1])
redis.call("INCR", KEYS[5])
local n = redis.call("INCR", KEYS[6])
if tonumber(n) == 1 then
	redis.call("EXPIREAT", KEYS[6], ARGV[4])
end
return redis.status_reply("OK")
`)

// MarkCompleted resolves the given active invocation as successful.
// If the message has a retention period, the terminal record is kept in the
// completed set until the janitor removes it; otherwise the record is
// deleted right away.
func (r *RDB) MarkCompleted(ctx context.Context, msg *base.JobMessage) error {
	var op errors.Op = "rdb.MarkCompleted"
	now := r.clock.Now()
	statsExpireAt := now.Add(statsTTL)
	if msg.Retention > 0 {
		keys := []string{
			base.ActiveKey(msg.Queue),
			base.LeaseKey(msg.Queue),
			base.JobKey(msg.Queue, msg.ID),
			base.CompletedKey(msg.Queue),
			base.ProcessedTotalKey(msg.Queue),
			base.DailyProcessedKey(msg.Queue, now),
		}
		argv := []interface{}{
			msg.ID,
			now.UnixMilli(),
			now.Add(time.Duration(msg.Retention) * time.Second).UnixMilli(),
			statsExpireAt.Unix(),
		}
		return r.resolveScript(ctx, op, markCompletedWithRetentionCmd, keys, argv...)
	}
	keys := []string{
		base.ActiveKey(msg.Queue),
		base.LeaseKey(msg.Queue),
		base.JobKey(msg.Queue, msg.ID),
		base.ProcessedTotalKey(msg.Queue),
		base.DailyProcessedKey(msg.Queue, now),
	}
	argv := []interface{}{
		msg.ID,
		statsExpireAt.Unix(),
	}
	return r.resolveScript(ctx, op, markCompletedCmd, keys, argv...)
}

// resolveScript runs a resolution script and converts its "NOT FOUND" error
// reply, which means another process already resolved the invocation.
func (r *RDB) resolveScript(ctx context.Context, op errors.Op, script *redis.Script, keys []string, args ...interface{}) error {
	err := script.Run(ctx, r.client, keys, args...).Err()
	if err != nil {
		if strings.Contains(err.Error(), "NOT FOUND") {
			return errors.E(op, errors.NotFound, errors.ErrJobNotActive)
		}
		return errors.E(op, errors.Unknown, fmt.Sprintf("redis eval error: %v", err))
	}
	return nil
}

// rescheduleCmd moves the given active job to the retry set with a
// not-before instant.
//
// Input:
// KEYS[1] -> swarmq:{<qname>}:j:<job_id>
// KEYS[2] -> swarmq:{<qname>}:active
// KEYS[3] -> swarmq:{<qname>}:lease
// KEYS[4] -> swarmq:{<qname>}:retry
// KEYS[5] -> swarmq:{<qname>}:failed_total
// KEYS[6] -> swarmq:{<qname>}:failed:<yyyy-mm-dd>
// --
// ARGV[1] -> job ID
// ARGV[2] -> not-before instant in unix time in milliseconds
// ARGV[3] -> error message
// ARGV[4] -> failure timestamp in unix time in milliseconds
// ARGV[5] -> stats expiration timestamp in unix time
//
// Output:
// Returns OK if successful, error otherwise.
var rescheduleCmd = redis.NewScript(`
if redis.call("LREM", KEYS[2], 0, ARGV[1]) == 0 then
	return redis.error_reply("NOT FOUND")
end
if redis.call("ZREM", KEYS[3], ARGV[1]) == 0 then
	return redis.error_reply("NOT FOUND")
end
redis.call("ZADD", KEYS[4], ARGV[2], ARGV[1])
redis.call("HSET", KEYS[1],
           "state", "retry",
           "error", ARGV[3],
           "last_failed_at", ARGV[4],
           "not_before", ARGV[2])
redis.call("INCR", KEYS[5])
local m = redis.call("INCR", KEYS[6])
if tonumber(m) == 1 then
	redis.call("EXPIREAT", KEYS[6], ARGV[5])
end
return redis.status_reply("OK")
`)

// Reschedule resolves the given active invocation as a failed attempt and
// makes the job claimable again once processAt has passed.
func (r *RDB) Reschedule(ctx context.Context, msg *base.JobMessage, processAt time.Time, errMsg string) error {
	var op errors.Op = "rdb.Reschedule"
	now := r.clock.Now()
	keys := []string{
		base.JobKey(msg.Queue, msg.ID),
		base.ActiveKey(msg.Queue),
		base.LeaseKey(msg.Queue),
		base.RetryKey(msg.Queue),
		base.FailedTotalKey(msg.Queue),
		base.DailyFailedKey(msg.Queue, now),
	}
	argv := []interface{}{
		msg.ID,
		processAt.UnixMilli(),
		errMsg,
		now.UnixMilli(),
		now.Add(statsTTL).Unix(),
	}
	return r.resolveScript(ctx, op, rescheduleCmd, keys, argv...)
}

// markFailedCmd moves the given active job to the failed set, which holds
// terminal records.
//
// Input:
// KEYS[1] -> swarmq:{<qname>}:j:<job_id>
// KEYS[2] -> swarmq:{<qname>}:active
// KEYS[3] -> swarmq:{<qname>}:lease
// KEYS[4] -> swarmq:{<qname>}:failed
// KEYS[5] -> swarmq:{<qname>}:failed_total
// KEYS[6] -> swarmq:{<qname>}:failed:<yyyy-mm-dd>
// --
// ARGV[1] -> job ID
// ARGV[2] -> failure timestamp in unix time in milliseconds
// ARGV[3] -> error message
// ARGV[4] -> stats expiration timestamp in unix time
//
// Output:
// Returns OK if successful, error otherwise.
var markFailedCmd = redis.NewScript(`
if redis.call("LREM", KEYS[2], 0, ARGV[1]) == 0 then
	return redis.error_reply("NOT FOUND")
end
if redis.call("ZREM", KEYS[3], ARGV[1]) == 0 then
	return redis.error_reply("NOT FOUND")
end
redis.call("ZADD", KEYS[4], ARGV[2], ARGV[1])
redis.call("HSET", KEYS[1],
           "state", "failed",
           "error", ARGV[3],
           "last_failed_at", ARGV[2])
redis.call("INCR", KEYS[5])
local m = redis.call("INCR", KEYS[6])
if tonumber(m) == 1 then
	redis.call("EXPIREAT", KEYS[6], ARGV[4])
end
return redis.status_reply("OK")
`)

// MarkFailed resolves the given active invocation as the job's final
// failure. The terminal record is retained for inspection.
func (r *RDB) MarkFailed(ctx context.Context, msg *base.JobMessage, errMsg string) error {
	var op errors.Op = "rdb.MarkFailed"
	now := r.clock.Now()
	keys := []string{
		base.JobKey(msg.Queue, msg.ID),
		base.ActiveKey(msg.Queue),
		base.LeaseKey(msg.Queue),
		base.FailedKey(msg.Queue),
		base.FailedTotalKey(msg.Queue),
		base.DailyFailedKey(msg.Queue, now),
	}
	argv := []interface{}{
		msg.ID,
		now.UnixMilli(),
		errMsg,
		now.Add(statsTTL).Unix(),
	}
	return r.resolveScript(ctx, op, markFailedCmd, keys, argv...)
}

// requeueCmd moves the given active job back to the pending list and takes
// back the attempt consumed by its claim.
//
// Input:
// KEYS[1] -> swarmq:{<qname>}:active
// KEYS[2] -> swarmq:{<qname>}:lease
// KEYS[3] -> swarmq:{<qname>}:pending
// KEYS[4] -> swarmq:{<qname>}:j:<job_id>
// --
// ARGV[1] -> job ID
//
// Output:
// Returns OK if successful, error otherwise.
var requeueCmd = redis.NewScript(`
if redis.call("LREM", KEYS[1], 0, ARGV[1]) == 0 then
	return redis.error_reply("NOT FOUND")
end
redis.call("ZREM", KEYS[2], ARGV[1])
redis.call("RPUSH", KEYS[3], ARGV[1])
redis.call("HSET", KEYS[4], "state", "pending")
local attempts = tonumber(redis.call("HGET", KEYS[4], "attempts")) or 0
if attempts > 0 then
	redis.call("HINCRBY", KEYS[4], "attempts", -1)
end
return redis.status_reply("OK")
`)

// Requeue moves the job from active back to pending, placing it at the
// front of the queue. The abandoned invocation does not count toward the
// job's attempt budget.
func (r *RDB) Requeue(ctx context.Context, msg *base.JobMessage) error {
	var op errors.Op = "rdb.Requeue"
	keys := []string{
		base.ActiveKey(msg.Queue),
		base.LeaseKey(msg.Queue),
		base.PendingKey(msg.Queue),
		base.JobKey(msg.Queue, msg.ID),
	}
	return r.resolveScript(ctx, op, requeueCmd, keys, msg.ID)
}

// getInfoCmd fetches the stored hash for the given job.
//
// Input:
// KEYS[1] -> swarmq:{<qname>}:j:<job_id>
//
// Output:
// Returns the job hash as a flat array of field name and value pairs.
var getInfoCmd = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return redis.error_reply("NOT FOUND")
end
return redis.call("HGETALL", KEYS[1])
`)

// GetInfo returns the current information of the job with the given id.
func (r *RDB) GetInfo(ctx context.Context, qname, id string) (*base.JobInfo, error) {
	var op errors.Op = "rdb.GetInfo"
	res, err := getInfoCmd.Run(ctx, r.client, []string{base.JobKey(qname, id)}).Result()
	if err != nil {
		if strings.Contains(err.Error(), "NOT FOUND") {
			return nil, errors.E(op, errors.NotFound, &errors.JobNotFoundError{Queue: qname, ID: id})
		}
		return nil, errors.E(op, errors.Unknown, fmt.Sprintf("redis eval error: %v", err))
	}
	arr, err := cast.ToStringSliceE(res)
	if err != nil {
		return nil, errors.E(op, errors.Internal, fmt.Sprintf("unexpected return value from Lua script: %v", res))
	}
	fields := make(map[string]string, len(arr)/2)
	for i := 0; i+1 < len(arr); i += 2 {
		fields[arr[i]] = arr[i+1]
	}
	info, err := assembleJobInfo(fields)
	if err != nil {
		return nil, errors.E(op, errors.Internal, err)
	}
	return info, nil
}

// assembleJobInfo builds a JobInfo from the stored hash fields of a job.
func assembleJobInfo(fields map[string]string) (*base.JobInfo, error) {
	msg, err := base.DecodeMessage([]byte(fields["msg"]))
	if err != nil {
		return nil, fmt.Errorf("cannot decode message: %v", err)
	}
	state, err := base.JobStateFromString(fields["state"])
	if err != nil {
		return nil, err
	}
	info := &base.JobInfo{
		Message:   msg,
		State:     state,
		LastError: fields["error"],
	}
	if v, err := strconv.Atoi(fields["attempts"]); err == nil {
		msg.Attempts = v
	}
	if state == base.JobStateScheduled || state == base.JobStateRetry {
		if v, err := strconv.ParseInt(fields["not_before"], 10, 64); err == nil && v > 0 {
			info.NextEligibleAt = time.UnixMilli(v)
		}
	}
	if v, err := strconv.ParseInt(fields["last_failed_at"], 10, 64); err == nil && v > 0 {
		info.LastFailedAt = time.UnixMilli(v)
	}
	if v, err := strconv.ParseInt(fields["completed_at"], 10, 64); err == nil && v > 0 {
		info.CompletedAt = time.UnixMilli(v)
	}
	return info, nil
}

// listLeaseExpiredCmd lists the jobs whose lease deadline has passed.
//
// Input:
// KEYS[1] -> swarmq:{<qname>}:lease
// --
// ARGV[1] -> cutoff in unix time in milliseconds
// ARGV[2] -> job key prefix
//
// Output:
// Returns a flat array of encoded message and attempt count pairs.
var listLeaseExpiredCmd = redis.NewScript(`
local res = {}
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
for _, id in ipairs(ids) do
	local key = ARGV[2] .. id
	table.insert(res, redis.call("HGET", key, "msg"))
	table.insert(res, redis.call("HGET", key, "attempts"))
end
return res
`)

// ListLeaseExpired returns a list of jobs whose lease deadline passed the
// given cutoff, together with their current attempt counts.
func (r *RDB) ListLeaseExpired(cutoff time.Time, qnames ...string) ([]*base.JobMessage, error) {
	var op errors.Op = "rdb.ListLeaseExpired"
	var msgs []*base.JobMessage
	for _, qname := range qnames {
		res, err := listLeaseExpiredCmd.Run(context.Background(), r.client,
			[]string{base.LeaseKey(qname)},
			cutoff.UnixMilli(), base.JobKeyPrefix(qname)).Result()
		if err != nil {
			return nil, errors.E(op, errors.Internal, fmt.Sprintf("redis eval error: %v", err))
		}
		arr, err := cast.ToSliceE(res)
		if err != nil {
			return nil, errors.E(op, errors.Internal, fmt.Sprintf("unexpected return value from Lua script: %v", res))
		}
		for i := 0; i+1 < len(arr); i += 2 {
			encoded, err := cast.ToStringE(arr[i])
			if err != nil {
				return nil, errors.E(op, errors.Internal, fmt.Sprintf("cast error: unexpected return value type from Lua script: %v", arr[i]))
			}
			msg, err := base.DecodeMessage([]byte(encoded))
			if err != nil {
				return nil, errors.E(op, errors.Internal, fmt.Sprintf("cannot decode message: %v", err))
			}
			if attempts, err := cast.ToIntE(arr[i+1]); err == nil {
				msg.Attempts = attempts
			}
			msgs = append(msgs, msg)
		}
	}
	return msgs, nil
}

// deleteExpiredCompletedJobsCmd removes completed job records whose
// retention deadline has passed.
//
// Input:
// KEYS[1] -> swarmq:{<qname>}:completed
// --
// ARGV[1] -> current unix time in milliseconds
// ARGV[2] -> maximum number of jobs to delete
// ARGV[3] -> job key prefix
//
// Output:
// Returns the number of deleted jobs.
var deleteExpiredCompletedJobsCmd = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
	redis.call("DEL", ARGV[3] .. id)
	redis.call("ZREM", KEYS[1], id)
end
return table.getn(ids)
`)

// DeleteExpiredCompletedJobs checks for any expired job records in the
// given queue's completed set and deletes them, up to batchSize records.
func (r *RDB) DeleteExpiredCompletedJobs(qname string, batchSize int) error {
	var op errors.Op = "rdb.DeleteExpiredCompletedJobs"
	keys := []string{base.CompletedKey(qname)}
	argv := []interface{}{
		r.clock.Now().UnixMilli(),
		batchSize,
		base.JobKeyPrefix(qname),
	}
	return r.runScript(context.Background(), op, deleteExpiredCompletedJobsCmd, keys, argv...)
}

// writeServerStateCmd writes server state data to redis with expiration
// set to the value ttl.
//
// KEYS[1] -> swarmq:servers:{<host:pid:sid>}
// KEYS[2] -> swarmq:workers:{<host:pid:sid>}
// ARGV[1] -> TTL in seconds
// ARGV[2] -> server info
// ARGV[3:] -> alternate key-value pair of (worker id, worker data)
var writeServerStateCmd = redis.NewScript(`
redis.call("SETEX", KEYS[1], ARGV[1], ARGV[2])
redis.call("DEL", KEYS[2])
for i = 3, table.getn(ARGV)-1, 2 do
	redis.call("HSET", KEYS[2], ARGV[i], ARGV[i+1])
end
redis.call("EXPIRE", KEYS[2], ARGV[1])
return redis.status_reply("OK")
`)

// WriteServerState writes server state data to redis with expiration set to the value ttl.
func (r *RDB) WriteServerState(info *base.ServerInfo, workers []*base.WorkerInfo, ttl time.Duration) error {
	var op errors.Op = "rdb.WriteServerState"
	ctx := context.Background()
	bytes, err := base.EncodeServerInfo(info)
	if err != nil {
		return errors.E(op, errors.Internal, fmt.Sprintf("cannot encode server info: %v", err))
	}
	exp := r.clock.Now().Add(ttl).UTC()
	args := []interface{}{ttl.Seconds(), bytes} // args to the Lua script
	for _, w := range workers {
		bytes, err := base.EncodeWorkerInfo(w)
		if err != nil {
			continue // skip bad data
		}
		args = append(args, w.ID, bytes)
	}
	skey := base.ServerInfoKey(info.Host, info.PID, info.ServerID)
	wkey := base.WorkersKey(info.Host, info.PID, info.ServerID)
	if err := r.client.ZAdd(ctx, base.AllServers, redis.Z{Score: float64(exp.Unix()), Member: skey}).Err(); err != nil {
		return errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "zadd", Err: err})
	}
	if err := r.client.ZAdd(ctx, base.AllWorkers, redis.Z{Score: float64(exp.Unix()), Member: wkey}).Err(); err != nil {
		return errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "zadd", Err: err})
	}
	return r.runScript(ctx, op, writeServerStateCmd, []string{skey, wkey}, args...)
}

// clearServerStateCmd clears server state data from redis.
//
// KEYS[1] -> swarmq:servers:{<host:pid:sid>}
// KEYS[2] -> swarmq:workers:{<host:pid:sid>}
var clearServerStateCmd = redis.NewScript(`
redis.call("DEL", KEYS[1])
redis.call("DEL", KEYS[2])
return redis.status_reply("OK")
`)

// ClearServerState deletes server state data from redis.
func (r *RDB) ClearServerState(host string, pid int, serverID string) error {
	var op errors.Op = "rdb.ClearServerState"
	ctx := context.Background()
	skey := base.ServerInfoKey(host, pid, serverID)
	wkey := base.WorkersKey(host, pid, serverID)
	if err := r.client.ZRem(ctx, base.AllServers, skey).Err(); err != nil {
		return errors.E(op, errors.Internal, &errors.RedisCommandError{Command: "zrem", Err: err})
	}
	if err := r.client.ZRem(ctx, base.AllWorkers, wkey).Err(); err != nil {
		return errors.E(op, errors.Internal, &errors.RedisCommandError{Command: "zrem", Err: err})
	}
	return r.runScript(ctx, op, clearServerStateCmd, []string{skey, wkey})
}

// subscription forwards messages from a redis pub/sub channel.
type subscription struct {
	pubsub *redis.PubSub
	ch     chan string
}

func (s *subscription) Channel() <-chan string { return s.ch }

func (s *subscription) Close() error { return s.pubsub.Close() }

// SubscribeCancelation subscribes to the cancelation channel and returns
// a subscription yielding the ids of jobs to cancel.
// Delivery is best effort; a message arriving while the receiver is away
// is dropped, matching pub/sub semantics.
func (r *RDB) SubscribeCancelation() (base.Subscription, error) {
	ctx := context.Background()
	pubsub := r.client.Subscribe(ctx, base.CancelChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, err
	}
	sub := &subscription{pubsub: pubsub, ch: make(chan string, 16)}
	go func() {
		defer close(sub.ch)
		for msg := range pubsub.Channel() {
			select {
			case sub.ch <- msg.Payload:
			default:
			}
		}
	}()
	return sub, nil
}

// PublishCancelation publish cancelation message to the cancelation channel.
func (r *RDB) PublishCancelation(id string) error {
	var op errors.Op = "rdb.PublishCancelation"
	ctx := context.Background()
	if err := r.client.Publish(ctx, base.CancelChannel, id).Err(); err != nil {
		return errors.E(op, errors.Unknown, fmt.Sprintf("redis pubsub publish error: %v", err))
	}
	return nil
}
