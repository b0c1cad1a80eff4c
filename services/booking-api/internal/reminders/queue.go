package reminders

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/md-rashed-zaman/apptbook/services/booking-api/internal/model"
	"github.com/redis/go-redis/v9"
)

// Queue is a delayed-job queue for reminder jobs.
type Queue interface {
	// Enqueue stores job to fire at job.FireAt. It returns false without error when a job
	// with the same id is already pending.
	Enqueue(ctx context.Context, job model.ReminderJob) (bool, error)
	// CancelByAppointment removes every pending job of the appointment and returns how many were removed.
	CancelByAppointment(ctx context.Context, appointmentID string) (int, error)
	// ClaimDue takes up to limit jobs whose fire time is not after now. A claimed job is
	// owned by the caller until Complete or Retry, or until its lease runs out and a later
	// ClaimDue hands it out again.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]model.ReminderJob, error)
	Complete(ctx context.Context, job model.ReminderJob) error
	Retry(ctx context.Context, job model.ReminderJob, fireAt time.Time) error
}

// DefaultLease is how long a claimed job stays owned by its worker before ClaimDue hands
// it out again.
const DefaultLease = 5 * time.Minute

// RedisQueue keeps pending jobs in a sorted set scored by fire time (unix ms), claimed jobs
// in a second sorted set scored by lease deadline, the job fields in one hash per job and
// the job ids of each appointment in a set. Enqueue, cancel, claim and retry are Lua
// scripts, so they are atomic across booking-api instances.
type RedisQueue struct {
	rdb    redis.UniversalClient
	prefix string
	lease  time.Duration
}

func NewRedisQueue(rdb redis.UniversalClient, name string) *RedisQueue {
	if name == "" {
		name = model.ReminderQueueName
	}
	return &RedisQueue{rdb: rdb, prefix: name, lease: DefaultLease}
}

// WithLease sets how long a claimed job may stay unfinished before it is re-queued.
func (q *RedisQueue) WithLease(d time.Duration) *RedisQueue {
	if d > 0 {
		q.lease = d
	}
	return q
}

func (q *RedisQueue) delayedKey() string { return q.prefix + ":delayed" }
func (q *RedisQueue) activeKey() string { return q.prefix + ":active" }
func (q *RedisQueue) jobPrefix() string { return q.prefix + ":job:" }
func (q *RedisQueue) apptPrefix() string { return q.prefix + ":appt:" }
func (q *RedisQueue) jobKey(id string) string { return q.jobPrefix() + id }
func (q *RedisQueue) apptKey(apptID string) string { return q.apptPrefix() + apptID }

// A job counts as pending while it is delayed or claimed. A hash left without either
// membership belongs to nothing and is replaced.
var enqueueScript = redis.NewScript(`
if redis.call("ZSCORE", KEYS[1], ARGV[1]) or redis.call("ZSCORE", KEYS[4], ARGV[1]) then
  return 0
end
redis.call("DEL", KEYS[2])
redis.call("HSET", KEYS[2],
  "appointment_id", ARGV[3],
  "kind", ARGV[4],
  "name", ARGV[5],
  "fire_at", ARGV[2],
  "attempts", ARGV[6],
  "traceparent", ARGV[7],
  "tracestate", ARGV[8])
redis.call("ZADD", KEYS[1], ARGV[2], ARGV[1])
redis.call("SADD", KEYS[3], ARGV[1])
return 1
`)

var cancelScript = redis.NewScript(`
local ids = redis.call("SMEMBERS", KEYS[2])
local removed = 0
for _, id in ipairs(ids) do
  removed = removed + redis.call("ZREM", KEYS[1], id) + redis.call("ZREM", KEYS[3], id)
  redis.call("DEL", ARGV[1] .. id)
end
redis.call("DEL", KEYS[2])
return removed
`)

// Expired leases go back to the delayed set first, then due ids move to the active set
// under a new lease.
var claimScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", ARGV[1])
for _, id in ipairs(expired) do
  redis.call("ZREM", KEYS[2], id)
  if redis.call("EXISTS", ARGV[4] .. id) == 1 then
    redis.call("ZADD", KEYS[1], ARGV[1], id)
  end
end
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  redis.call("ZREM", KEYS[1], id)
  redis.call("ZADD", KEYS[2], ARGV[3], id)
end
return ids
`)

var completeScript = redis.NewScript(`
redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("DEL", KEYS[2])
redis.call("SREM", KEYS[3], ARGV[1])
return 1
`)

// A job cancelled while claimed has no hash left and is not brought back.
var retryScript = redis.NewScript(`
redis.call("ZREM", KEYS[1], ARGV[1])
if redis.call("EXISTS", KEYS[3]) == 0 then
  return 0
end
redis.call("HSET", KEYS[3], "attempts", ARGV[2], "fire_at", ARGV[3])
redis.call("ZADD", KEYS[2], ARGV[3], ARGV[1])
redis.call("SADD", KEYS[4], ARGV[1])
return 1
`)

func (q *RedisQueue) Enqueue(ctx context.Context, job model.ReminderJob) (bool, error) {
	if job.ID == "" || job.AppointmentID == "" {
		return false, errors.New("reminder job requires id and appointment id")
	}
	n, err := enqueueScript.Run(ctx, q.rdb,
		[]string{q.delayedKey(), q.jobKey(job.ID), q.apptKey(job.AppointmentID), q.activeKey()},
		job.ID, job.FireAt.UnixMilli(), job.AppointmentID, job.Kind, model.ReminderJobName,
		job.Attempts, job.Traceparent, job.Tracestate,
	).Int()
	if err != nil {
		return false, fmt.Errorf("enqueue reminder %s: %w", job.ID, err)
	}
	return n == 1, nil
}

func (q *RedisQueue) CancelByAppointment(ctx context.Context, appointmentID string) (int, error) {
	n, err := cancelScript.Run(ctx, q.rdb,
		[]string{q.delayedKey(), q.apptKey(appointmentID), q.activeKey()},
		q.jobPrefix(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("cancel reminders of %s: %w", appointmentID, err)
	}
	return n, nil
}

func (q *RedisQueue) ClaimDue(ctx context.Context, now time.Time, limit int) ([]model.ReminderJob, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := claimScript.Run(ctx, q.rdb,
		[]string{q.delayedKey(), q.activeKey()},
		now.UnixMilli(), limit, now.Add(q.lease).UnixMilli(), q.jobPrefix(),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("claim due reminders: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = q.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, q.jobKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load claimed reminders: %w", err)
	}

	jobs := make([]model.ReminderJob, 0, len(ids))
	for i, id := range ids {
		fields := cmds[i].Val()
		// Cancelled between the claim and the load.
		if len(fields) == 0 {
			continue
		}
		jobs = append(jobs, jobFromHash(id, fields))
	}
	return jobs, nil
}

func (q *RedisQueue) Complete(ctx context.Context, job model.ReminderJob) error {
	err := completeScript.Run(ctx, q.rdb,
		[]string{q.activeKey(), q.jobKey(job.ID), q.apptKey(job.AppointmentID)},
		job.ID,
	).Err()
	if err != nil {
		return fmt.Errorf("complete reminder %s: %w", job.ID, err)
	}
	return nil
}

// Retry puts a claimed job back on the queue with its attempt counter taken from job.
// It does nothing when the job was cancelled after it was claimed.
func (q *RedisQueue) Retry(ctx context.Context, job model.ReminderJob, fireAt time.Time) error {
	err := retryScript.Run(ctx, q.rdb,
		[]string{q.activeKey(), q.delayedKey(), q.jobKey(job.ID), q.apptKey(job.AppointmentID)},
		job.ID, job.Attempts, fireAt.UnixMilli(),
	).Err()
	if err != nil {
		return fmt.Errorf("retry reminder %s: %w", job.ID, err)
	}
	return nil
}

// Pending returns the number of jobs waiting to fire.
func (q *RedisQueue) Pending(ctx context.Context) (int64, error) {
	return q.rdb.ZCard(ctx, q.delayedKey()).Result()
}

// Claimed returns the number of jobs currently leased to a worker.
func (q *RedisQueue) Claimed(ctx context.Context) (int64, error) {
	return q.rdb.ZCard(ctx, q.activeKey()).Result()
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

func jobFromHash(id string, fields map[string]string) model.ReminderJob {
	job := model.ReminderJob{
		ID:            id,
		AppointmentID: fields["appointment_id"],
		Kind:          fields["kind"],
		Traceparent:   fields["traceparent"],
		Tracestate:    fields["tracestate"],
	}
	if ms, err := strconv.ParseInt(fields["fire_at"], 10, 64); err == nil {
		job.FireAt = time.UnixMilli(ms).UTC()
	}
	if n, err := strconv.Atoi(fields["attempts"]); err == nil {
		job.Attempts = n
	}
	return job
}
