package testutil

import (
	"context"
	"time"

	"github.com/haatos/pushdeploy/internal/queue"
	"github.com/haatos/pushdeploy/internal/service"
	"github.com/stretchr/testify/mock"
)

type MockCommandRunner struct {
	mock.Mock
}

func (m *MockCommandRunner) Run(
	ctx context.Context,
	dir string,
	env []string,
	name string,
	args ...string,
) (string, error) {
	callArgs := []any{ctx, dir, env, name}
	for _, a := range args {
		callArgs = append(callArgs, a)
	}
	res := m.Called(callArgs...)
	return res.String(0), res.Error(1)
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) PublishStatus(ctx context.Context, ev service.StatusEvent) error {
	res := m.Called(ctx, ev)
	return res.Error(0)
}

func (m *MockNotifier) SubscribeUser(
	ctx context.Context, userID int64,
) (<-chan service.StatusEvent, func(), error) {
	res := m.Called(ctx, userID)
	var ch <-chan service.StatusEvent
	if res.Get(0) != nil {
		ch = res.Get(0).(<-chan service.StatusEvent)
	}
	var cancel func()
	if res.Get(1) != nil {
		cancel = res.Get(1).(func())
	}
	return ch, cancel, res.Error(2)
}

func (m *MockNotifier) SubscribeConfig(
	ctx context.Context, configID int64,
) (<-chan service.StatusEvent, func(), error) {
	res := m.Called(ctx, configID)
	var ch <-chan service.StatusEvent
	if res.Get(0) != nil {
		ch = res.Get(0).(<-chan service.StatusEvent)
	}
	var cancel func()
	if res.Get(1) != nil {
		cancel = res.Get(1).(func())
	}
	return ch, cancel, res.Error(2)
}

type MockQueue struct {
	mock.Mock
}

func (m *MockQueue) EnqueuePipeline(ctx context.Context, job queue.PipelineJob) error {
	res := m.Called(ctx, job)
	return res.Error(0)
}

func (m *MockQueue) EnqueueInstallation(ctx context.Context, job queue.InstallationJob) error {
	res := m.Called(ctx, job)
	return res.Error(0)
}

func (m *MockQueue) Dequeue(
	ctx context.Context, timeout time.Duration,
) (*queue.Job, error) {
	res := m.Called(ctx, timeout)
	var job *queue.Job
	if res.Get(0) != nil {
		job = res.Get(0).(*queue.Job)
	}
	return job, res.Error(1)
}

func (m *MockQueue) Len(ctx context.Context) (int64, error) {
	res := m.Called(ctx)
	return res.Get(0).(int64), res.Error(1)
}
