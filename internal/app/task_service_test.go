package app

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fashion-similarity/internal/embedding"
	"fashion-similarity/internal/model"
)

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []model.TaskMessage
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, msg model.TaskMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

func TestTaskService_InProcess(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, &fakeCatalog{gone: map[int64]bool{7: true}}, nil)
	tasks := NewTaskService(svc, nil, nil)

	queued, err := tasks.Enqueue(ctx, EnqueueTaskInput{Type: model.TaskGenerateBatch, ProductIDs: []int64{1, 2, 7}})
	require.NoError(t, err)
	assert.NotEmpty(t, queued.ID)
	assert.Equal(t, model.TaskQueued, queued.State)

	tasks.Wait()

	status, err := tasks.Status(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskDone, status.State)
	assert.Equal(t, 2, status.Succeeded)
	assert.Equal(t, 1, status.Failed)
	require.Len(t, status.Results, 3)
	assert.Equal(t, embedding.StatusFetchError, status.Results[2].Status)
	assert.Equal(t, []int64{1, 2, 7}, status.Parameters["product_ids"])
}

func TestTaskService_PublishesAndWorkerExecutes(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, &fakeCatalog{ids: []int64{1, 2, 3}}, nil)
	pub := &recordingPublisher{}
	tasks := NewTaskService(svc, pub, nil)

	queued, err := tasks.Enqueue(ctx, EnqueueTaskInput{Type: model.TaskGenerateAll, StartPage: 1, BatchSize: 2})
	require.NoError(t, err)
	require.Len(t, pub.msgs, 1)
	assert.Equal(t, queued.ID, pub.msgs[0].ID)

	final := tasks.Execute(ctx, pub.msgs[0])
	assert.Equal(t, model.TaskDone, final.State)
	assert.Equal(t, 3, final.Succeeded)
	assert.Equal(t, 2, final.PagesProcessed)

	status, err := tasks.Status(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskDone, status.State)
	assert.Equal(t, queued.CreatedAt, status.CreatedAt)

	count, err := svc.CountEmbeddings(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestTaskService_GenerateAllStopsAtPageBoundaryOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	catalog := &fakeCatalog{ids: []int64{1, 2, 3, 4, 5}, onPage: func(n int) {
		if n == 2 {
			cancel()
		}
	}}
	svc := newTestService(t, catalog, nil)
	pub := &recordingPublisher{}
	tasks := NewTaskService(svc, pub, nil)

	queued, err := tasks.Enqueue(ctx, EnqueueTaskInput{Type: model.TaskGenerateAll, StartPage: 1, BatchSize: 2})
	require.NoError(t, err)
	require.Len(t, pub.msgs, 1)

	final := tasks.Execute(ctx, pub.msgs[0])
	assert.Equal(t, model.TaskFailed, final.State)
	assert.Equal(t, 2, final.PagesProcessed)
	assert.Equal(t, 3, final.NextPage)
	assert.Contains(t, final.Error, "resume from page 3")

	status, err := tasks.Status(context.Background(), queued.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, status.State)
	assert.Equal(t, 3, status.NextPage)

	count, err := svc.CountEmbeddings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), count, "the page in flight completes")
}

func TestTaskService_SingleProductTasks(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, &fakeCatalog{}, nil)
	tasks := NewTaskService(svc, &recordingPublisher{}, nil)

	run := func(typ model.TaskType, id int64) *model.TaskStatus {
		return tasks.Execute(ctx, model.TaskMessage{ID: string(typ), Type: typ, ProductID: id})
	}

	assert.Equal(t, 1, run(model.TaskUpdate, 5).Failed, "update needs an existing embedding")
	assert.Equal(t, 1, run(model.TaskGenerate, 5).Succeeded)
	assert.Equal(t, 1, run(model.TaskUpdate, 5).Succeeded)
	deleted := run(model.TaskDelete, 5)
	assert.Equal(t, model.TaskDone, deleted.State)
	assert.Equal(t, embedding.StatusOK, deleted.Results[0].Status)

	has, err := svc.HasEmbedding(ctx, 5)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestTaskService_RejectsInvalidTasks(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, &fakeCatalog{}, nil)
	pub := &recordingPublisher{}
	tasks := NewTaskService(svc, pub, nil)

	cases := []EnqueueTaskInput{
		{Type: "reindex"},
		{Type: model.TaskGenerate},
		{Type: model.TaskDelete, ProductID: -1},
		{Type: model.TaskGenerateBatch},
		{Type: model.TaskGenerateBatch, ProductIDs: []int64{1, 0}},
		{Type: model.TaskGenerateAll, StartPage: -2},
		{Type: model.TaskGenerateAll, BatchSize: -1},
	}
	for _, in := range cases {
		_, err := tasks.Enqueue(ctx, in)
		assert.ErrorIs(t, err, ErrInvalidTask, "%+v", in)
	}
	assert.Empty(t, pub.msgs)

	bad := tasks.Execute(ctx, model.TaskMessage{ID: "x", Type: model.TaskGenerate})
	assert.Equal(t, model.TaskFailed, bad.State)
	assert.NotEmpty(t, bad.Error)
}

func TestTaskService_PublishFailure(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, &fakeCatalog{}, nil)
	statuses := NewMemoryTaskStatusStore()
	tasks := NewTaskService(svc, &recordingPublisher{err: errors.New("broker down")}, statuses)

	_, err := tasks.Enqueue(ctx, EnqueueTaskInput{Type: model.TaskGenerate, ProductID: 1})
	require.Error(t, err)
	assert.Len(t, statuses.statuses, 1)
	for _, s := range statuses.statuses {
		assert.Equal(t, model.TaskFailed, s.State)
	}
}

func TestTaskService_UnknownTask(t *testing.T) {
	tasks := NewTaskService(newTestService(t, &fakeCatalog{}, nil), nil, nil)
	_, err := tasks.Status(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}
