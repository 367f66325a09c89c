package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/riptideq/riptide/riptide/errors"
	"github.com/riptideq/riptide/riptide/job"
)

type RedisConfig struct {
	Host            string
	Port            int
	DB              int
	Password        string
	Username        string
	PoolSize        int
	MaxRetries      int
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration

	RecordTTL    time.Duration
	UserIndexTTL time.Duration
}

// RedisStore keeps each record as a hash so the mutation scripts touch
// individual fields and never re-encode the parameters or result
// payloads; those stay byte-for-byte what the caller supplied.
type RedisStore struct {
	client       *redis.Client
	prefix       string
	recordTTL    time.Duration
	userIndexTTL time.Duration
}

func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	opts := &redis.Options{
		Addr:            fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:        cfg.Password,
		Username:        cfg.Username,
		DB:              cfg.DB,
		PoolSize:        cfg.PoolSize,
		MaxRetries:      cfg.MaxRetries,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	client := redis.NewClient(opts)

	pingTimeout := cfg.PingTimeout
	if pingTimeout == 0 {
		pingTimeout = 5 * time.Second
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, &errors.StoreUnavailableError{Operation: "Connect", Err: err}
	}

	recordTTL := cfg.RecordTTL
	if recordTTL == 0 {
		recordTTL = 7 * 24 * time.Hour
	}
	userIndexTTL := cfg.UserIndexTTL
	if userIndexTTL == 0 {
		userIndexTTL = 30 * 24 * time.Hour
	}

	return &RedisStore{
		client:       client,
		prefix:       "riptide",
		recordTTL:    recordTTL,
		userIndexTTL: userIndexTTL,
	}, nil
}

// createCmd writes the record, lane entry, and optional user-index entry
// atomically so a store failure never leaves partial state behind.
// ARGV: 1 = record ttl, 2 = job id, 3 = user index ttl, 4.. = hash
// field/value pairs.
var createCmd = redis.NewScript(`
	redis.call("HSET", KEYS[1], unpack(ARGV, 4, #ARGV))
	redis.call("EXPIRE", KEYS[1], ARGV[1])
	redis.call("RPUSH", KEYS[2], ARGV[2])

	if #KEYS == 3 then
		redis.call("LPUSH", KEYS[3], ARGV[2])
		redis.call("EXPIRE", KEYS[3], ARGV[3])
	end
	return 1
`)

func (r *RedisStore) CreateJob(ctx context.Context, j *job.Job) error {
	keys := []string{r.jobKey(j.ID), r.laneKey(j.Priority)}
	args := []interface{}{int(r.recordTTL.Seconds()), j.ID, int(r.userIndexTTL.Seconds())}
	args = append(args, jobFields(j)...)

	if j.UserID != "" {
		keys = append(keys, r.userKey(j.UserID))
	}

	if _, err := createCmd.Run(ctx, r.client, keys, args...).Result(); err != nil {
		return &errors.StoreUnavailableError{Operation: "CreateJob", Err: err}
	}
	return nil
}

func (r *RedisStore) GetJob(ctx context.Context, jobID string) (*job.Job, error) {
	fields, err := r.client.HGetAll(ctx, r.jobKey(jobID)).Result()
	if err != nil {
		return nil, &errors.StoreUnavailableError{Operation: "GetJob", Err: err}
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return jobFromMap(fields)
}

func (r *RedisStore) UserJobs(ctx context.Context, userID string, limit int) ([]*job.Job, error) {
	ids, err := r.client.LRange(ctx, r.userKey(userID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, &errors.StoreUnavailableError{Operation: "UserJobs", Err: err}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, r.jobKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, &errors.StoreUnavailableError{Operation: "UserJobs", Err: err}
	}

	jobs := make([]*job.Job, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			// Dangling index entry: the record outlived its TTL.
			continue
		}
		j, err := jobFromMap(fields)
		if err != nil {
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (r *RedisStore) PopLane(ctx context.Context, timeout time.Duration) (string, error) {
	keys := make([]string, 0, 4)
	for _, p := range job.Lanes() {
		keys = append(keys, r.laneKey(p))
	}

	if timeout <= 0 {
		for _, key := range keys {
			id, err := r.client.LPop(ctx, key).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return "", &errors.StoreUnavailableError{Operation: "PopLane", Err: err}
			}
			return id, nil
		}
		return "", nil
	}

	// BLPOP checks keys in argument order, which gives priority-first
	// draining; head pop keeps each lane FIFO.
	res, err := r.client.BLPop(ctx, timeout, keys...).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &errors.StoreUnavailableError{Operation: "PopLane", Err: err}
	}
	if len(res) != 2 {
		return "", nil
	}
	return res[1], nil
}

// claimCmd is the conditional pending -> started move. Returning false for
// anything not pending makes the pop/claim pair safe against a cancel
// that landed between the two.
var claimCmd = redis.NewScript(`
	local s = redis.call("HGET", KEYS[1], "status")
	if not s then return false end
	if s ~= "pending" then return false end
	redis.call("HSET", KEYS[1], "status", "started", "started_at", ARGV[1])
	return redis.call("HGETALL", KEYS[1])
`)

func (r *RedisStore) Claim(ctx context.Context, jobID string, at time.Time) (*job.Job, error) {
	res, err := claimCmd.Run(ctx, r.client, []string{r.jobKey(jobID)}, at.UTC().Format(time.RFC3339Nano)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, &errors.StoreUnavailableError{Operation: "Claim", Err: err}
	}
	return jobFromReply(res)
}

// Mutation scripts reply {code, payload}: 1 = applied (payload is the
// updated record as an HGETALL array), 0 = record missing, -1 = illegal
// transition (payload is the current status), -2 = progress decrease.

var progressCmd = redis.NewScript(`
	local s = redis.call("HGET", KEYS[1], "status")
	if not s then return {0, ""} end
	if s ~= "started" and s ~= "progress" then
		return {-1, s}
	end
	local cur = tonumber(redis.call("HGET", KEYS[1], "progress")) or 0
	if cur > tonumber(ARGV[1]) then
		return {-2, s}
	end
	redis.call("HSET", KEYS[1], "status", "progress", "progress", ARGV[1])
	if ARGV[2] == "" then
		redis.call("HDEL", KEYS[1], "progress_message")
	else
		redis.call("HSET", KEYS[1], "progress_message", ARGV[2])
	end
	return {1, redis.call("HGETALL", KEYS[1])}
`)

func (r *RedisStore) SetProgress(ctx context.Context, jobID string, percent int, message string) error {
	res, err := progressCmd.Run(ctx, r.client, []string{r.jobKey(jobID)}, percent, message).Result()
	if err != nil {
		return &errors.StoreUnavailableError{Operation: "SetProgress", Err: err}
	}
	_, err = r.decodeMutation(res, jobID, string(job.StatusProgress))
	return err
}

var completeCmd = redis.NewScript(`
	local s = redis.call("HGET", KEYS[1], "status")
	if not s then return {0, ""} end
	if s ~= "started" and s ~= "progress" then
		return {-1, s}
	end
	redis.call("HSET", KEYS[1], "status", "success", "progress", "100", "completed_at", ARGV[2])
	redis.call("HDEL", KEYS[1], "error_message")
	if ARGV[1] ~= "" then
		redis.call("HSET", KEYS[1], "result", ARGV[1])
	end
	return {1, redis.call("HGETALL", KEYS[1])}
`)

func (r *RedisStore) Complete(ctx context.Context, jobID string, result json.RawMessage) (*job.Job, error) {
	res, err := completeCmd.Run(ctx, r.client, []string{r.jobKey(jobID)},
		string(result), time.Now().UTC().Format(time.RFC3339Nano)).Result()
	if err != nil {
		return nil, &errors.StoreUnavailableError{Operation: "Complete", Err: err}
	}
	return r.decodeMutation(res, jobID, string(job.StatusSuccess))
}

var failCmd = redis.NewScript(`
	local s = redis.call("HGET", KEYS[1], "status")
	if not s then return {0, ""} end
	if s ~= "started" and s ~= "progress" then
		return {-1, s}
	end
	redis.call("HSET", KEYS[1], "status", "failure", "error_message", ARGV[1], "completed_at", ARGV[2])
	return {1, redis.call("HGETALL", KEYS[1])}
`)

func (r *RedisStore) Fail(ctx context.Context, jobID string, errMsg string) (*job.Job, error) {
	res, err := failCmd.Run(ctx, r.client, []string{r.jobKey(jobID)},
		errMsg, time.Now().UTC().Format(time.RFC3339Nano)).Result()
	if err != nil {
		return nil, &errors.StoreUnavailableError{Operation: "Fail", Err: err}
	}
	return r.decodeMutation(res, jobID, string(job.StatusFailure))
}

// requeueCmd applies the transient-failure path: the retry signal is
// momentary, the record comes back as pending at the tail of its
// original lane.
var requeueCmd = redis.NewScript(`
	local s = redis.call("HGET", KEYS[1], "status")
	if not s then return {0, ""} end
	if s ~= "started" and s ~= "progress" then
		return {-1, s}
	end
	redis.call("HSET", KEYS[1], "status", "pending", "error_message", ARGV[1], "progress", "0")
	redis.call("HINCRBY", KEYS[1], "retry_count", 1)
	redis.call("HDEL", KEYS[1], "progress_message", "started_at")
	redis.call("RPUSH", KEYS[2], ARGV[2])
	return {1, redis.call("HGETALL", KEYS[1])}
`)

func (r *RedisStore) Requeue(ctx context.Context, jobID string, errMsg string) (*job.Job, error) {
	j, err := r.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, &errors.InvalidTransitionError{JobID: jobID, From: "unknown", To: string(job.StatusRetry)}
	}

	res, err := requeueCmd.Run(ctx, r.client,
		[]string{r.jobKey(jobID), r.laneKey(j.Priority)}, errMsg, jobID).Result()
	if err != nil {
		return nil, &errors.StoreUnavailableError{Operation: "Requeue", Err: err}
	}
	return r.decodeMutation(res, jobID, string(job.StatusRetry))
}

var scheduleRetryCmd = redis.NewScript(`
	local s = redis.call("HGET", KEYS[1], "status")
	if not s then return {0, ""} end
	if s ~= "started" and s ~= "progress" then
		return {-1, s}
	end
	redis.call("HSET", KEYS[1], "status", "pending", "error_message", ARGV[1], "progress", "0")
	redis.call("HINCRBY", KEYS[1], "retry_count", 1)
	redis.call("HDEL", KEYS[1], "progress_message", "started_at")
	redis.call("ZADD", KEYS[2], ARGV[3], ARGV[2])
	return {1, redis.call("HGETALL", KEYS[1])}
`)

func (r *RedisStore) ScheduleRetry(ctx context.Context, jobID string, errMsg string, at time.Time) (*job.Job, error) {
	score := float64(at.UnixNano()) / 1e9

	res, err := scheduleRetryCmd.Run(ctx, r.client,
		[]string{r.jobKey(jobID), r.retryKey()}, errMsg, jobID, score).Result()
	if err != nil {
		return nil, &errors.StoreUnavailableError{Operation: "ScheduleRetry", Err: err}
	}
	return r.decodeMutation(res, jobID, string(job.StatusRetry))
}

var readmitCmd = redis.NewScript(`
	local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
	local moved = 0
	for _, id in ipairs(ids) do
		redis.call("ZREM", KEYS[1], id)
		local s = redis.call("HGET", ARGV[4] .. id, "status")
		if s == "pending" then
			local p = redis.call("HGET", ARGV[4] .. id, "priority")
			redis.call("RPUSH", ARGV[3] .. p, id)
			moved = moved + 1
		end
	end
	return moved
`)

func (r *RedisStore) ReadmitDueRetries(ctx context.Context, now time.Time, limit int) (int, error) {
	score := float64(now.UnixNano()) / 1e9

	res, err := readmitCmd.Run(ctx, r.client, []string{r.retryKey()},
		score, limit, r.prefix+":lane:", r.prefix+":job:").Result()
	if err != nil {
		return 0, &errors.StoreUnavailableError{Operation: "ReadmitDueRetries", Err: err}
	}
	moved, _ := res.(int64)
	return int(moved), nil
}

var cancelCmd = redis.NewScript(`
	local s = redis.call("HGET", KEYS[1], "status")
	if not s then return 0 end
	if s == "success" or s == "failure" or s == "cancelled" then
		return 0
	end
	redis.call("HSET", KEYS[1], "status", "cancelled", "completed_at", ARGV[1])
	if s == "pending" then
		redis.call("LREM", KEYS[2], 1, ARGV[2])
		redis.call("ZREM", KEYS[3], ARGV[2])
	end
	return 1
`)

func (r *RedisStore) Cancel(ctx context.Context, jobID string, at time.Time) (bool, error) {
	j, err := r.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if j == nil {
		return false, nil
	}

	res, err := cancelCmd.Run(ctx, r.client,
		[]string{r.jobKey(jobID), r.laneKey(j.Priority), r.retryKey()},
		at.UTC().Format(time.RFC3339Nano), jobID).Result()
	if err != nil {
		return false, &errors.StoreUnavailableError{Operation: "Cancel", Err: err}
	}
	code, _ := res.(int64)
	return code == 1, nil
}

func (r *RedisStore) LaneStats(ctx context.Context) (*Stats, error) {
	pipe := r.client.Pipeline()
	laneCmds := make(map[job.Priority]*redis.IntCmd, 4)
	for _, p := range job.Lanes() {
		laneCmds[p] = pipe.LLen(ctx, r.laneKey(p))
	}
	retryCmd := pipe.ZCard(ctx, r.retryKey())

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, &errors.StoreUnavailableError{Operation: "LaneStats", Err: err}
	}

	stats := &Stats{Lanes: make(map[job.Priority]int64, 4)}
	for p, cmd := range laneCmds {
		stats.Lanes[p] = cmd.Val()
	}
	stats.PendingRetry = retryCmd.Val()
	return stats, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) IsHealthy(ctx context.Context) bool {
	return r.client.Ping(ctx).Err() == nil
}

func (r *RedisStore) decodeMutation(res interface{}, jobID, to string) (*job.Job, error) {
	reply, ok := res.([]interface{})
	if !ok || len(reply) != 2 {
		return nil, &errors.StoreUnavailableError{
			Operation: "decode",
			Err:       fmt.Errorf("unexpected script reply: %v", res),
		}
	}

	code, _ := reply[0].(int64)

	switch code {
	case 1:
		return jobFromReply(reply[1])
	case 0:
		return nil, &errors.InvalidTransitionError{JobID: jobID, From: "unknown", To: to}
	default:
		from, _ := reply[1].(string)
		return nil, &errors.InvalidTransitionError{JobID: jobID, From: from, To: to}
	}
}

// jobFields flattens a record into HSET pairs. Parameters and result go
// in as opaque strings; no script ever parses them.
func jobFields(j *job.Job) []interface{} {
	fields := []interface{}{
		"job_id", j.ID,
		"job_type", j.Type,
		"priority", int(j.Priority),
		"status", string(j.Status),
		"progress", j.Progress,
		"retry_count", j.RetryCount,
		"max_retries", j.MaxRetries,
		"created_at", j.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if len(j.Parameters) > 0 {
		fields = append(fields, "parameters", string(j.Parameters))
	}
	if j.UserID != "" {
		fields = append(fields, "user_id", j.UserID)
	}
	if j.Timeout > 0 {
		fields = append(fields, "timeout", j.Timeout)
	}
	return fields
}

func jobFromReply(res interface{}) (*job.Job, error) {
	arr, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected record reply: %v", res)
	}
	fields := make(map[string]string, len(arr)/2)
	for i := 0; i+1 < len(arr); i += 2 {
		k, _ := arr[i].(string)
		v, _ := arr[i+1].(string)
		fields[k] = v
	}
	return jobFromMap(fields)
}

func jobFromMap(fields map[string]string) (*job.Job, error) {
	j := &job.Job{
		ID:              fields["job_id"],
		Type:            fields["job_type"],
		Status:          job.Status(fields["status"]),
		ProgressMessage: fields["progress_message"],
		ErrorMessage:    fields["error_message"],
		UserID:          fields["user_id"],
	}
	if j.ID == "" {
		return nil, fmt.Errorf("record has no job_id")
	}

	p, err := strconv.Atoi(fields["priority"])
	if err != nil {
		return nil, fmt.Errorf("bad priority in record %s: %w", j.ID, err)
	}
	j.Priority = job.Priority(p)

	j.Progress, _ = strconv.Atoi(fields["progress"])
	j.RetryCount, _ = strconv.Atoi(fields["retry_count"])
	j.MaxRetries, _ = strconv.Atoi(fields["max_retries"])
	j.Timeout, _ = strconv.Atoi(fields["timeout"])

	if v := fields["parameters"]; v != "" {
		j.Parameters = json.RawMessage(v)
	}
	if v := fields["result"]; v != "" {
		j.Result = json.RawMessage(v)
	}

	if v := fields["created_at"]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("bad created_at in record %s: %w", j.ID, err)
		}
		j.CreatedAt = t
	}
	if v := fields["started_at"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			j.StartedAt = &t
		}
	}
	if v := fields["completed_at"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			j.CompletedAt = &t
		}
	}
	return j, nil
}

func (r *RedisStore) jobKey(id string) string {
	return fmt.Sprintf("%s:job:%s", r.prefix, id)
}

func (r *RedisStore) laneKey(p job.Priority) string {
	return r.prefix + ":lane:" + strconv.Itoa(int(p))
}

func (r *RedisStore) userKey(userID string) string {
	return fmt.Sprintf("%s:user:%s:jobs", r.prefix, userID)
}

func (r *RedisStore) retryKey() string {
	return r.prefix + ":retry"
}
