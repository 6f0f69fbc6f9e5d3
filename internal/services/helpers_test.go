package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/impulse-backend/internal/domain"
	"github.com/tbourn/impulse-backend/internal/repo"
	"github.com/tbourn/impulse-backend/internal/storage"
	"github.com/tbourn/impulse-backend/internal/transform"
)

func newServiceDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:svc_%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, repo.AutoMigrate(db))
	return db
}

// countingRepo delegates to the real GORM repository and counts calls.
// deleteErr, when set, is returned by DeleteImpulse instead of deleting.
type countingRepo struct {
	calls atomic.Int32

	mu        sync.Mutex
	deleteErr error
}

func (r *countingRepo) failDeletes(err error) {
	r.mu.Lock()
	r.deleteErr = err
	r.mu.Unlock()
}

func (r *countingRepo) CreateImpulse(ctx context.Context, db *gorm.DB, imp domain.Impulse, p domain.LocationPolicy) (*domain.Impulse, error) {
	r.calls.Add(1)
	return repo.CreateImpulse(ctx, db, imp, p)
}

func (r *countingRepo) FindImpulseByID(ctx context.Context, db *gorm.DB, id string) (*domain.Impulse, error) {
	r.calls.Add(1)
	return repo.FindImpulseByID(ctx, db, id)
}

func (r *countingRepo) UpdateImpulse(ctx context.Context, db *gorm.DB, id string, patch domain.ImpulsePatch, p domain.LocationPolicy) (*domain.Impulse, error) {
	r.calls.Add(1)
	return repo.UpdateImpulse(ctx, db, id, patch, p)
}

func (r *countingRepo) DeleteImpulse(ctx context.Context, db *gorm.DB, id string) (*domain.Impulse, error) {
	r.calls.Add(1)
	r.mu.Lock()
	err := r.deleteErr
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return repo.DeleteImpulse(ctx, db, id)
}

func (r *countingRepo) ListImpulses(ctx context.Context, db *gorm.DB) ([]domain.Impulse, error) {
	r.calls.Add(1)
	return repo.ListImpulses(ctx, db)
}

func (r *countingRepo) CountImpulses(ctx context.Context, db *gorm.DB) (int64, error) {
	r.calls.Add(1)
	return repo.CountImpulses(ctx, db)
}

func (r *countingRepo) ListImpulsesPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.Impulse, error) {
	r.calls.Add(1)
	return repo.ListImpulsesPage(ctx, db, offset, limit)
}

type cleanupShim struct{}

func (cleanupShim) EnqueueCleanup(ctx context.Context, db *gorm.DB, kind, target, reason string) (*domain.CleanupTask, error) {
	return repo.EnqueueCleanup(ctx, db, kind, target, reason)
}

func (cleanupShim) DueCleanups(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.CleanupTask, error) {
	return repo.DueCleanups(ctx, db, now, limit)
}

func (cleanupShim) MarkCleanupDone(ctx context.Context, db *gorm.DB, id string, now time.Time) error {
	return repo.MarkCleanupDone(ctx, db, id, now)
}

func (cleanupShim) MarkCleanupFailed(ctx context.Context, db *gorm.DB, id, cause string, next time.Time) error {
	return repo.MarkCleanupFailed(ctx, db, id, cause, next)
}

func (cleanupShim) PendingCleanups(ctx context.Context, db *gorm.DB) (int64, error) {
	return repo.PendingCleanups(ctx, db)
}

// fakeTransformer re-labels the pair as jpeg/mp3 without decoding.
type fakeTransformer struct {
	calls atomic.Int32
	err   error
}

func (f *fakeTransformer) Transform(_ context.Context, img, aud transform.UploadFile) (transform.UploadFile, transform.UploadFile, error) {
	f.calls.Add(1)
	if f.err != nil {
		return transform.UploadFile{}, transform.UploadFile{}, f.err
	}
	img.Key = strings.TrimSuffix(img.Key, ".png") + ".jpg"
	img.MIMEType = "image/jpeg"
	aud.MIMEType = "audio/mpeg"
	return img, aud, nil
}

type harness struct {
	db      *gorm.DB
	repo    *countingRepo
	tr      *fakeTransformer
	store   *storage.MemoryGateway
	metrics *Metrics
	reg     *prometheus.Registry
	svc     *ImpulseService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		db:    newServiceDB(t),
		repo:  &countingRepo{},
		tr:    &fakeTransformer{},
		store: storage.NewMemoryGateway("impulses", "fra1.digitaloceanspaces.com"),
		reg:   prometheus.NewRegistry(),
	}
	h.metrics = MustNewMetrics(h.reg)
	h.svc = NewImpulseService(h.db, h.repo, cleanupShim{}, h.tr, h.store, zerolog.Nop())
	h.svc.Metrics = h.metrics
	return h
}

func (h *harness) pendingTasks(t *testing.T) []domain.CleanupTask {
	t.Helper()
	var out []domain.CleanupTask
	require.NoError(t, h.db.Where("done_at IS NULL").Order("created_at").Find(&out).Error)
	return out
}

func strPtr(s string) *string { return &s }

func hallInput(name string) CreateInput {
	return CreateInput{
		Name:        name,
		Description: "Large reverberant concert hall",
		Date:        time.Date(2023, 3, 4, 0, 0, 0, 0, time.UTC),
		Location:    strPtr("Vienna"),
	}
}

var uploadSeq atomic.Int64

func uploadPair() []transform.UploadFile {
	return uploadPairAt(time.UnixMilli(1700000000000 + uploadSeq.Add(1)))
}

// uploadPairAt builds the pair a single request at now would carry.
func uploadPairAt(now time.Time) []transform.UploadFile {
	prefix := transform.NewKeyPrefix(now)
	return []transform.UploadFile{
		transform.NewUploadFile("hall.wav", "audio/wav", []byte("RIFF....WAVE"), prefix),
		transform.NewUploadFile("hall.png", "image/png", []byte("\x89PNG...."), prefix),
	}
}
