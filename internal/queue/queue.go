package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKey is the redis list the intake side pushes jobs onto and the
// worker pool pops from. Jobs survive process restarts as long as redis
// keeps the list.
const DefaultKey = "pushdeploy:jobs"

const (
	TaskRunPipeline      = "run_pipeline"
	TaskSyncInstallation = "sync_installation"
)

// PipelineJob carries everything a worker needs to run one pipeline
// without re-reading the webhook. Secrets stay in the database, keyed by
// ConfigID.
type PipelineJob struct {
	ConfigID       int64   `json:"config_id"`
	CommitSHA      string  `json:"commit_sha"`
	TriggerEventID string  `json:"trigger_event_id"`
	InitialLogs    string  `json:"initial_logs"`
	RepoURL        string  `json:"repo_url"`
	MainBranch     string  `json:"main_branch"`
	DockerUsername *string `json:"docker_username"`
}

// InstallationJob records a platform app (un)installation so the worker
// can stamp or clear installation ids on matching repo configs.
type InstallationJob struct {
	InstallationID int64    `json:"installation_id"`
	Action         string   `json:"action"`
	RepoURLs       []string `json:"repo_urls"`
}

type Job struct {
	Task         string           `json:"task"`
	Pipeline     *PipelineJob     `json:"pipeline,omitempty"`
	Installation *InstallationJob `json:"installation,omitempty"`
}

type Queue interface {
	EnqueuePipeline(ctx context.Context, job PipelineJob) error
	EnqueueInstallation(ctx context.Context, job InstallationJob) error
	Dequeue(ctx context.Context, timeout time.Duration) (*Job, error)
	Len(ctx context.Context) (int64, error)
}

type RedisQueue struct {
	client *redis.Client
	key    string
}

func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = DefaultKey
	}
	return &RedisQueue{client: client, key: key}
}

func (q *RedisQueue) push(ctx context.Context, job Job) error {
	b, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling %s job: %w", job.Task, err)
	}
	return q.client.LPush(ctx, q.key, b).Err()
}

func (q *RedisQueue) EnqueuePipeline(ctx context.Context, job PipelineJob) error {
	return q.push(ctx, Job{Task: TaskRunPipeline, Pipeline: &job})
}

func (q *RedisQueue) EnqueueInstallation(ctx context.Context, job InstallationJob) error {
	return q.push(ctx, Job{Task: TaskSyncInstallation, Installation: &job})
}

// Dequeue blocks up to timeout for the next job. It returns (nil, nil)
// when the timeout elapses with nothing queued.
func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	res, err := q.client.BRPop(ctx, timeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// BRPOP returns [key, value]
	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, fmt.Errorf("unmarshaling queued job: %w", err)
	}
	return &job, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}
