// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package rdb

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/priyansh/swarmq/internal/base"
	"github.com/priyansh/swarmq/internal/errors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cast"
)

// AllQueues returns a list of all queue names.
func (r *RDB) AllQueues(ctx context.Context) ([]string, error) {
	return r.client.SMembers(ctx, base.AllQueues).Result()
}

// currentStatsCmd gathers the sizes of all job collections for a queue.
//
// KEYS[1] -> swarmq:{<qname>}:pending
// KEYS[2] -> swarmq:{<qname>}:active
// KEYS[3] -> swarmq:{<qname>}:scheduled
// KEYS[4] -> swarmq:{<qname>}:retry
// KEYS[5] -> swarmq:{<qname>}:completed
// KEYS[6] -> swarmq:{<qname>}:failed
// KEYS[7] -> swarmq:{<qname>}:processed
// KEYS[8] -> swarmq:{<qname>}:failed_total
// KEYS[9] -> swarmq:{<qname>}:paused
var currentStatsCmd = redis.NewScript(`
local res = {}
table.insert(res, redis.call("LLEN", KEYS[1]))
table.insert(res, redis.call("LLEN", KEYS[2]))
table.insert(res, redis.call("ZCARD", KEYS[3]))
table.insert(res, redis.call("ZCARD", KEYS[4]))
table.insert(res, redis.call("ZCARD", KEYS[5]))
table.insert(res, redis.call("ZCARD", KEYS[6]))
table.insert(res, tonumber(redis.call("GET", KEYS[7])) or 0)
table.insert(res, tonumber(redis.call("GET", KEYS[8])) or 0)
table.insert(res, redis.call("EXISTS", KEYS[9]))
return res
`)

// CurrentStats returns a current state of the given queue.
func (r *RDB) CurrentStats(ctx context.Context, qname string) (*base.QueueStats, error) {
	var op errors.Op = "rdb.CurrentStats"
	exists, err := r.client.SIsMember(ctx, base.AllQueues, qname).Result()
	if err != nil {
		return nil, errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "sismember", Err: err})
	}
	if !exists {
		return nil, errors.E(op, errors.NotFound, &errors.QueueNotFoundError{Queue: qname})
	}
	keys := []string{
		base.PendingKey(qname),
		base.ActiveKey(qname),
		base.ScheduledKey(qname),
		base.RetryKey(qname),
		base.CompletedKey(qname),
		base.FailedKey(qname),
		base.ProcessedTotalKey(qname),
		base.FailedTotalKey(qname),
		base.PausedKey(qname),
	}
	res, err := currentStatsCmd.Run(ctx, r.client, keys).Result()
	if err != nil {
		return nil, errors.E(op, errors.Unknown, fmt.Sprintf("redis eval error: %v", err))
	}
	arr, err := cast.ToSliceE(res)
	if err != nil || len(arr) != 9 {
		return nil, errors.E(op, errors.Internal, fmt.Sprintf("unexpected return value from Lua script: %v", res))
	}
	counts := make([]int, len(arr))
	for i, v := range arr {
		n, err := cast.ToIntE(v)
		if err != nil {
			return nil, errors.E(op, errors.Internal, fmt.Sprintf("cast error: unexpected return value type from Lua script: %v", v))
		}
		counts[i] = n
	}
	return &base.QueueStats{
		Queue:       qname,
		Pending:     counts[0],
		Active:      counts[1],
		Scheduled:   counts[2],
		Retry:       counts[3],
		Completed:   counts[4],
		Failed:      counts[5],
		Processed:   counts[6],
		FailedTotal: counts[7],
		Paused:      counts[8] == 1,
		Timestamp:   r.clock.Now(),
	}, nil
}

// DailyStats returns the number of processed invocations and the number of
// failed invocations for the given day.
func (r *RDB) DailyStats(ctx context.Context, qname string, t time.Time) (processed, failed int, err error) {
	var op errors.Op = "rdb.DailyStats"
	res, err := r.client.MGet(ctx, base.DailyProcessedKey(qname, t), base.DailyFailedKey(qname, t)).Result()
	if err != nil {
		return 0, 0, errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "mget", Err: err})
	}
	if v := res[0]; v != nil {
		processed = cast.ToInt(v)
	}
	if v := res[1]; v != nil {
		failed = cast.ToInt(v)
	}
	return processed, failed, nil
}

// Pagination specifies the page size and page number
// for the list operation.
type Pagination struct {
	// Number of items in the page.
	Size int

	// Page number starting from zero.
	Page int
}

func (p Pagination) start() int64 {
	return int64(p.Size * p.Page)
}

func (p Pagination) stop() int64 {
	return int64(p.Size*p.Page + p.Size - 1)
}

// Fields fetched for each listed job, in order.
const listedJobFields = 6

// listJobsFromListCmd fetches job data for a page of a list collection.
//
// KEYS[1] -> list key (pending or active)
// ARGV[1] -> start offset
// ARGV[2] -> stop offset
// ARGV[3] -> job key prefix
var listJobsFromListCmd = redis.NewScript(`
local ids = redis.call("LRANGE", KEYS[1], ARGV[1], ARGV[2])
local res = {}
for _, id in ipairs(ids) do
	local key = ARGV[3] .. id
	table.insert(res, redis.call("HGET", key, "msg") or "")
	table.insert(res, redis.call("HGET", key, "attempts") or 0)
	table.insert(res, redis.call("HGET", key, "error") or "")
	table.insert(res, redis.call("HGET", key, "last_failed_at") or 0)
	table.insert(res, redis.call("HGET", key, "completed_at") or 0)
	table.insert(res, redis.call("HGET", key, "not_before") or 0)
end
return res
`)

// listJobsFromZSetCmd fetches job data for a page of a sorted set
// collection (scheduled, retry, completed or failed), ordered by score.
//
// KEYS[1] -> zset key
// ARGV[1] -> start offset
// ARGV[2] -> stop offset
// ARGV[3] -> job key prefix
var listJobsFromZSetCmd = redis.NewScript(`
local ids = redis.call("ZRANGE", KEYS[1], ARGV[1], ARGV[2])
local res = {}
for _, id in ipairs(ids) do
	local key = ARGV[3] .. id
	table.insert(res, redis.call("HGET", key, "msg") or "")
	table.insert(res, redis.call("HGET", key, "attempts") or 0)
	table.insert(res, redis.call("HGET", key, "error") or "")
	table.insert(res, redis.call("HGET", key, "last_failed_at") or 0)
	table.insert(res, redis.call("HGET", key, "completed_at") or 0)
	table.insert(res, redis.call("HGET", key, "not_before") or 0)
end
return res
`)

// ListJobs returns jobs in the given state of the queue, paginated.
// Jobs in a sorted set state are ordered by their score; pending and
// active jobs are ordered newest first.
func (r *RDB) ListJobs(ctx context.Context, qname string, state base.JobState, pgn Pagination) ([]*base.JobInfo, error) {
	var op errors.Op = "rdb.ListJobs"
	exists, err := r.client.SIsMember(ctx, base.AllQueues, qname).Result()
	if err != nil {
		return nil, errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "sismember", Err: err})
	}
	if !exists {
		return nil, errors.E(op, errors.NotFound, &errors.QueueNotFoundError{Queue: qname})
	}
	var (
		script *redis.Script
		key    string
	)
	switch state {
	case base.JobStatePending:
		script, key = listJobsFromListCmd, base.PendingKey(qname)
	case base.JobStateActive:
		script, key = listJobsFromListCmd, base.ActiveKey(qname)
	case base.JobStateScheduled:
		script, key = listJobsFromZSetCmd, base.ScheduledKey(qname)
	case base.JobStateRetry:
		script, key = listJobsFromZSetCmd, base.RetryKey(qname)
	case base.JobStateCompleted:
		script, key = listJobsFromZSetCmd, base.CompletedKey(qname)
	case base.JobStateFailed:
		script, key = listJobsFromZSetCmd, base.FailedKey(qname)
	default:
		return nil, errors.E(op, errors.FailedPrecondition, fmt.Sprintf("unsupported job state: %v", state))
	}
	res, err := script.Run(ctx, r.client, []string{key},
		pgn.start(), pgn.stop(), base.JobKeyPrefix(qname)).Result()
	if err != nil {
		return nil, errors.E(op, errors.Unknown, fmt.Sprintf("redis eval error: %v", err))
	}
	arr, err := cast.ToSliceE(res)
	if err != nil {
		return nil, errors.E(op, errors.Internal, fmt.Sprintf("unexpected return value from Lua script: %v", res))
	}
	var infos []*base.JobInfo
	for i := 0; i+listedJobFields-1 < len(arr); i += listedJobFields {
		fields := map[string]string{
			"state":          state.String(),
			"msg":            cast.ToString(arr[i]),
			"attempts":       cast.ToString(arr[i+1]),
			"error":          cast.ToString(arr[i+2]),
			"last_failed_at": cast.ToString(arr[i+3]),
			"completed_at":   cast.ToString(arr[i+4]),
			"not_before":     cast.ToString(arr[i+5]),
		}
		if fields["msg"] == "" {
			continue // record deleted between LRANGE and HGET
		}
		info, err := assembleJobInfo(fields)
		if err != nil {
			continue // skip bad data
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// ListServers returns the list of alive server infos.
func (r *RDB) ListServers(ctx context.Context) ([]*base.ServerInfo, error) {
	var op errors.Op = "rdb.ListServers"
	now := r.clock.Now()
	res, err := r.client.ZRangeByScore(ctx, base.AllServers, &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", now.Unix()),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "zrangebyscore", Err: err})
	}
	var servers []*base.ServerInfo
	for _, key := range res {
		data, err := r.client.Get(ctx, key).Result()
		if err != nil {
			continue // skip bad data
		}
		info, err := base.DecodeServerInfo([]byte(data))
		if err != nil {
			continue // skip bad data
		}
		servers = append(servers, info)
	}
	return servers, nil
}

// ListWorkers returns the list of worker infos across all alive servers.
func (r *RDB) ListWorkers(ctx context.Context) ([]*base.WorkerInfo, error) {
	var op errors.Op = "rdb.ListWorkers"
	now := r.clock.Now()
	res, err := r.client.ZRangeByScore(ctx, base.AllWorkers, &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", now.Unix()),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "zrangebyscore", Err: err})
	}
	var workers []*base.WorkerInfo
	for _, key := range res {
		data, err := r.client.HVals(ctx, key).Result()
		if err != nil {
			continue // skip bad data
		}
		for _, s := range data {
			w, err := base.DecodeWorkerInfo([]byte(s))
			if err != nil {
				continue // skip bad data
			}
			workers = append(workers, w)
		}
	}
	return workers, nil
}

// Pause pauses processing of jobs in the given queue.
func (r *RDB) Pause(ctx context.Context, qname string) error {
	var op errors.Op = "rdb.Pause"
	ok, err := r.client.SetNX(ctx, base.PausedKey(qname), r.clock.Now().Unix(), 0).Result()
	if err != nil {
		return errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "setnx", Err: err})
	}
	if !ok {
		return errors.E(op, errors.FailedPrecondition, fmt.Sprintf("queue %q is already paused", qname))
	}
	return nil
}

// Unpause resumes processing of jobs in the given queue.
func (r *RDB) Unpause(ctx context.Context, qname string) error {
	var op errors.Op = "rdb.Unpause"
	deleted, err := r.client.Del(ctx, base.PausedKey(qname)).Result()
	if err != nil {
		return errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "del", Err: err})
	}
	if deleted == 0 {
		return errors.E(op, errors.FailedPrecondition, fmt.Sprintf("queue %q is not paused", qname))
	}
	return nil
}

// deleteJobCmd removes a job record that is not currently active.
//
// KEYS[1] -> swarmq:{<qname>}:j:<job_id>
// KEYS[2] -> swarmq:{<qname>}:pending
// KEYS[3] -> swarmq:{<qname>}:scheduled
// KEYS[4] -> swarmq:{<qname>}:retry
// KEYS[5] -> swarmq:{<qname>}:completed
// KEYS[6] -> swarmq:{<qname>}:failed
// ARGV[1] -> job ID
var deleteJobCmd = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return redis.error_reply("NOT FOUND")
end
local state = redis.call("HGET", KEYS[1], "state")
if state == "active" then
	return redis.error_reply("ACTIVE")
elseif state == "pending" then
	redis.call("LREM", KEYS[2], 0, ARGV[1])
elseif state == "scheduled" then
	redis.call("ZREM", KEYS[3], ARGV[1])
elseif state == "retry" then
	redis.call("ZREM", KEYS[4], ARGV[1])
elseif state == "completed" then
	redis.call("ZREM", KEYS[5], ARGV[1])
elseif state == "failed" then
	redis.call("ZREM", KEYS[6], ARGV[1])
end
redis.call("DEL", KEYS[1])
return redis.status_reply("OK")
`)

// DeleteJob deletes the job record from the queue. It returns an error if
// the job is currently being processed.
func (r *RDB) DeleteJob(ctx context.Context, qname, id string) error {
	var op errors.Op = "rdb.DeleteJob"
	keys := []string{
		base.JobKey(qname, id),
		base.PendingKey(qname),
		base.ScheduledKey(qname),
		base.RetryKey(qname),
		base.CompletedKey(qname),
		base.FailedKey(qname),
	}
	err := deleteJobCmd.Run(ctx, r.client, keys, id).Err()
	if err != nil {
		if strings.Contains(err.Error(), "NOT FOUND") {
			return errors.E(op, errors.NotFound, &errors.JobNotFoundError{Queue: qname, ID: id})
		}
		if strings.Contains(err.Error(), "ACTIVE") {
			return errors.E(op, errors.FailedPrecondition, "job is currently being processed")
		}
		return errors.E(op, errors.Unknown, fmt.Sprintf("redis eval error: %v", err))
	}
	return nil
}
