package service

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/d60-Lab/search-projector/internal/esclient"
	"github.com/d60-Lab/search-projector/internal/metrics"
	"github.com/d60-Lab/search-projector/internal/model"
	"github.com/d60-Lab/search-projector/internal/repository"
	"github.com/d60-Lab/search-projector/pkg/clock"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const testIndex = "search_index"

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, repository.AutoMigrate(db))
	return db
}

// fakeIndex 脚本化的索引端
type fakeIndex struct {
	mu      sync.Mutex
	docs    map[string][]byte
	putErrs []error
	delErrs []error
	// bulkStatus 按文档 ID 指定 bulk 项状态，缺省 201/200
	bulkStatus map[string]int
	bulkErr    error
	pingErr    error
	onPut      func(id string)

	puts, deletes, bulks int
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{docs: map[string][]byte{}, bulkStatus: map[string]int{}}
}

func (f *fakeIndex) Put(_ context.Context, _ string, id string, doc []byte) error {
	f.mu.Lock()
	f.puts++
	hook := f.onPut
	var err error
	if len(f.putErrs) > 0 {
		err, f.putErrs = f.putErrs[0], f.putErrs[1:]
	}
	if err == nil {
		f.docs[id] = doc
	}
	f.mu.Unlock()
	if hook != nil {
		hook(id)
	}
	return err
}

func (f *fakeIndex) Delete(_ context.Context, _ string, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	if len(f.delErrs) > 0 {
		err := f.delErrs[0]
		f.delErrs = f.delErrs[1:]
		if err != nil {
			return err
		}
	}
	if _, ok := f.docs[id]; !ok {
		return &esclient.StatusError{Op: "delete", StatusCode: 404}
	}
	delete(f.docs, id)
	return nil
}

func (f *fakeIndex) Bulk(_ context.Context, index string, body []byte) (*esclient.BulkResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bulks++
	if f.bulkErr != nil {
		return nil, f.bulkErr
	}
	resp := &esclient.BulkResponse{}
	dec := json.NewDecoder(bytes.NewReader(body))
	for {
		var meta map[string]struct {
			ID string `json:"_id"`
		}
		if err := dec.Decode(&meta); err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}
		for action, m := range meta {
			status, ok := f.bulkStatus[m.ID]
			if action == esclient.ActionIndex {
				var doc json.RawMessage
				if err := dec.Decode(&doc); err != nil {
					return nil, err
				}
				if !ok {
					status = 201
				}
				if status < 300 {
					f.docs[m.ID] = doc
				}
			} else {
				if !ok {
					status = 200
					if _, exists := f.docs[m.ID]; !exists {
						status = 404
					}
				}
				delete(f.docs, m.ID)
			}
			item := esclient.BulkItemResult{Index: index, ID: m.ID, Status: status}
			if status >= 300 && status != 404 {
				resp.Errors = true
				item.Error = json.RawMessage(`{"type":"mapper_parsing_exception","reason":"failed to parse"}`)
			}
			resp.Items = append(resp.Items, map[string]esclient.BulkItemResult{action: item})
		}
	}
	return resp, nil
}

func (f *fakeIndex) EnsureIndex(context.Context, string) error { return nil }

func (f *fakeIndex) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeIndex) doc(id string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[id]
	return d, ok
}

type testEnv struct {
	db       *gorm.DB
	clock    *clock.Manual
	rt       *Runtime
	repo     repository.OutboxRepository
	reads    repository.SearchIndexRepository
	statuses repository.ProjectionStatusRepository
	index    *fakeIndex
	pub      *Publisher
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	db := setupDB(t)
	clk := clock.NewManual(t0.Add(time.Minute))
	return &testEnv{
		db:       db,
		clock:    clk,
		rt:       NewRuntime(zap.NewNop(), nil, metrics.New(), clk, nil),
		repo:     repository.NewOutboxRepository(db, repository.ClaimAtomic),
		reads:    repository.NewSearchIndexRepository(db),
		statuses: repository.NewProjectionStatusRepository(db),
		index:    newFakeIndex(),
		pub:      NewPublisher(db, clk),
	}
}

func testPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseBackoff: time.Second,
		MaxBackoff:  time.Minute,
		Rand:        func() float64 { return 0 },
	}
}

func (env *testEnv) projector(owner string, useBulk bool) *Projector {
	return NewProjector(env.rt, Options{
		Owner:         owner,
		IndexName:     testIndex,
		BatchSize:     10,
		Concurrency:   4,
		UseBulk:       useBulk,
		Lease:         30 * time.Second,
		MaxProcessing: 5 * time.Minute,
		ShutdownGrace: time.Second,
		Policy:        testPolicy(),
	}, env.repo, env.reads, env.statuses, env.index, nil, nil)
}

func (env *testEnv) upsert(t *testing.T, entityType, entityID, text string) *model.OutboxEvent {
	t.Helper()
	var e *model.OutboxEvent
	require.NoError(t, env.pub.InTx(context.Background(), func(tx *gorm.DB) error {
		var err error
		e, err = env.pub.Upsert(context.Background(), tx, SearchDocument{
			EntityType: entityType, EntityID: entityID, LibraryID: "lib-1", Text: text, RankScore: 1,
		})
		return err
	}))
	return e
}

func (env *testEnv) remove(t *testing.T, entityType, entityID string) *model.OutboxEvent {
	t.Helper()
	var e *model.OutboxEvent
	require.NoError(t, env.pub.InTx(context.Background(), func(tx *gorm.DB) error {
		var err error
		e, err = env.pub.Delete(context.Background(), tx, entityType, entityID)
		return err
	}))
	return e
}

// appendOnly 只写事件不写读模型
func (env *testEnv) appendOnly(t *testing.T, entityType, entityID string, op model.Op, version int64) *model.OutboxEvent {
	t.Helper()
	e := &model.OutboxEvent{
		ID:           uuid.NewString(),
		EntityType:   entityType,
		EntityID:     entityID,
		Op:           op,
		EventVersion: version,
		Status:       model.StatusPending,
		CreatedAt:    t0.Add(time.Duration(version) * time.Millisecond),
		UpdatedAt:    t0,
	}
	require.NoError(t, env.repo.Append(context.Background(), e))
	return e
}

func (env *testEnv) reload(t *testing.T, id string) *model.OutboxEvent {
	t.Helper()
	e, err := env.repo.Get(context.Background(), id)
	require.NoError(t, err)
	return e
}

func (env *testEnv) scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	env.rt.Metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}
