package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/refinedata/refinery/internal/config"
	"github.com/refinedata/refinery/internal/db/models"
	"github.com/refinedata/refinery/internal/db/repos"
	"github.com/refinedata/refinery/internal/processor"
	"github.com/refinedata/refinery/internal/queue"
)

// fakeEngine is an in-memory queue.Engine for service tests. It records
// enqueues and serves scripted statuses; it never dispatches work.
type fakeEngine struct {
	mu sync.Mutex

	enqueueErr error
	enqueued   []fakeEntry
	nextID     int

	states    map[string]queue.EntryState
	cancelled []string
	depth     queue.Depth
}

type fakeEntry struct {
	ID      string
	Payload []byte
	Opts    queue.EnqueueOptions
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{states: make(map[string]queue.EntryState)}
}

func (f *fakeEngine) Enqueue(_ context.Context, payload []byte, opts queue.EnqueueOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return "", f.enqueueErr
	}
	for _, e := range f.enqueued {
		if opts.DedupKey != "" && e.Opts.DedupKey == opts.DedupKey {
			return "", queue.ErrDuplicateJob
		}
	}
	f.nextID++
	id := fmt.Sprintf("entry-%d", f.nextID)
	f.enqueued = append(f.enqueued, fakeEntry{ID: id, Payload: payload, Opts: opts})
	f.states[id] = queue.EntryStateCreated
	return id, nil
}

func (f *fakeEngine) Status(_ context.Context, id string) (queue.EntryState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[id]
	if !ok {
		return "", queue.ErrEntryNotFound
	}
	return state, nil
}

func (f *fakeEngine) Cancel(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	state, ok := f.states[id]
	if !ok || (state != queue.EntryStateCreated && state != queue.EntryStateRetry) {
		return false, nil
	}
	f.states[id] = queue.EntryStateCancelled
	return true, nil
}

func (f *fakeEngine) RegisterWorker(int, queue.Handler) error { return nil }

func (f *fakeEngine) Depth(context.Context) (queue.Depth, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.depth, nil
}

func (f *fakeEngine) Close() error { return nil }

func (f *fakeEngine) setState(id string, state queue.EntryState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[id] = state
}

func (f *fakeEngine) lastEntry() fakeEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enqueued[len(f.enqueued)-1]
}

func (f *fakeEngine) enqueueCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.enqueued)
}

// fakeProcessor returns scripted results per call.
type fakeProcessor struct {
	mu      sync.Mutex
	calls   int
	result  *processor.Result
	err     error
	perRefs map[string]*processor.Result
}

func (f *fakeProcessor) Process(_ context.Context, refs processor.Refs, _ time.Duration) (*processor.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if r, ok := f.perRefs[refs.BlobID]; ok {
		return r, nil
	}
	if f.result != nil {
		return f.result, nil
	}
	return &processor.Result{Status: processor.StatusSuccess, Data: []byte(`{"ok":true}`)}, nil
}

// TestSetup wires the services against an in-memory database and fakes.
type TestSetup struct {
	DB       *gorm.DB
	JobRepo  *repos.JobRepository
	UserRepo *repos.UserRepository
	Engine   *fakeEngine
	Proc     *fakeProcessor
	Cfg      *config.Config

	Producer *Producer
	Consumer *Consumer
	Recovery *Recovery
	Monitor  *Monitor

	ctx context.Context
}

// NewTestSetup creates a new test setup with in-memory database
func NewTestSetup(t *testing.T) *TestSetup {
	// A named shared-cache DSN keeps every pooled connection on the same
	// in-memory database, isolated per test.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   logger.Default.LogMode(logger.Silent),
	})
	assert.NoError(t, err, "Failed to create in-memory database")

	err = db.AutoMigrate(&models.Job{}, &models.User{})
	assert.NoError(t, err, "Failed to run migrations")

	cfg := &config.Config{
		QueueName:        "data-refinement",
		WorkerCount:      1,
		MaxRetries:       3,
		RetryDelay:       time.Minute,
		ProcessorTimeout: time.Second,
		StuckJobTimeout:  10 * time.Minute,
		RetentionDays:    7,
		WorkerInstanceID: "worker-test-1",
	}

	jobRepo := repos.NewJobRepository(db)
	userRepo := repos.NewUserRepository(db)
	engine := newFakeEngine()
	proc := &fakeProcessor{}

	consumer := NewConsumer(jobRepo, proc, cfg)
	recovery := NewRecovery(jobRepo, engine, cfg)

	return &TestSetup{
		DB:       db,
		JobRepo:  jobRepo,
		UserRepo: userRepo,
		Engine:   engine,
		Proc:     proc,
		Cfg:      cfg,
		Producer: NewProducer(jobRepo, userRepo, engine, cfg),
		Consumer: consumer,
		Recovery: recovery,
		Monitor:  NewMonitor(jobRepo, engine, consumer, recovery, cfg),
		ctx:      context.Background(),
	}
}

func (ts *TestSetup) createUser(t *testing.T, username string) *models.User {
	user := &models.User{Username: username, Email: username + "@example.com"}
	assert.NoError(t, ts.UserRepo.CreateUser(ts.ctx, user))
	return user
}

func (ts *TestSetup) validRequest() *SubmitRequest {
	return &SubmitRequest{
		Type:          models.JobTypeRefinement,
		BlobID:        "blob-1",
		OnchainFileID: "file-1",
		PolicyID:      "policy-1",
		Priority:      5,
	}
}

func (ts *TestSetup) getJob(t *testing.T, id string) *models.Job {
	job, err := ts.JobRepo.GetByID(ts.ctx, models.AdminID, id)
	assert.NoError(t, err)
	return job
}
