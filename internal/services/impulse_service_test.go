package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/tbourn/impulse-backend/internal/domain"
	"github.com/tbourn/impulse-backend/internal/repo"
	"github.com/tbourn/impulse-backend/internal/storage"
	"github.com/tbourn/impulse-backend/internal/transform"
)

func TestCreate_SuccessStoresRecordAndBothObjects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec, err := h.svc.Create(ctx, hallInput("Test Hall"), uploadPair())
	require.NoError(t, err)

	n, err := repo.CountImpulses(ctx, h.db)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	keys := h.store.Keys()
	require.Len(t, keys, 2)
	audioKey, err := storage.KeyFromURL(rec.AudioURL)
	require.NoError(t, err)
	imageKey, err := storage.KeyFromURL(rec.ImageURL)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{audioKey, imageKey}, keys)
	assert.Equal(t, h.store.URLFor(audioKey), rec.AudioURL)
	assert.True(t, strings.HasSuffix(rec.ImageURL, ".jpg"))

	img, ok := h.store.Object(imageKey)
	require.True(t, ok)
	assert.Equal(t, "image/jpeg", img.ContentType)

	assert.Empty(t, h.pendingTasks(t))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.pipeline.WithLabelValues("create", outcomeOK)))
}

func TestCreate_SlugRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec, err := h.svc.Create(ctx, hallInput("Test Hall"), uploadPair())
	require.NoError(t, err)

	got, err := h.svc.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "test-hall", got.Slug)
}

func TestCreate_FewerThanTwoFilesHasNoSideEffects(t *testing.T) {
	for _, files := range [][]transform.UploadFile{nil, uploadPair()[:1]} {
		h := newHarness(t)
		_, err := h.svc.Create(context.Background(), hallInput("Test Hall"), files)

		var ve *ValidationError
		require.True(t, errors.As(err, &ve), "got %v", err)
		assert.Zero(t, h.tr.calls.Load(), "transform calls")
		assert.Zero(t, h.repo.calls.Load(), "repository calls")
		assert.Empty(t, h.store.PutCalls(), "storage calls")
		assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.pipeline.WithLabelValues("create", outcomeValidation)))
	}
}

func TestCreate_TransformFailureNeverWritesMetadata(t *testing.T) {
	h := newHarness(t)
	h.tr.err = &TransformError{Op: "resize", File: "hall.png", Err: errors.New("corrupt")}

	_, err := h.svc.Create(context.Background(), hallInput("Test Hall"), uploadPair())
	var te *TransformError
	require.True(t, errors.As(err, &te))

	n, _ := repo.CountImpulses(context.Background(), h.db)
	assert.Zero(t, n)
	assert.Zero(t, h.repo.calls.Load())
	assert.Empty(t, h.store.PutCalls())
}

func TestCreate_CorruptImageWithRealStage(t *testing.T) {
	h := newHarness(t)
	h.svc.Transformer = transform.NewStage(transform.NewImageResizer(0, 0), transform.NewAudioCompressor(0, 0, "", ""))

	_, err := h.svc.Create(context.Background(), hallInput("Test Hall"), uploadPair())
	var te *TransformError
	require.True(t, errors.As(err, &te), "got %v", err)

	n, _ := repo.CountImpulses(context.Background(), h.db)
	assert.Zero(t, n)
	assert.Empty(t, h.store.Keys())
}

func TestCreate_PlainTransformErrorIsWrapped(t *testing.T) {
	h := newHarness(t)
	h.tr.err = context.DeadlineExceeded

	_, err := h.svc.Create(context.Background(), hallInput("Test Hall"), uploadPair())
	var te *TransformError
	require.True(t, errors.As(err, &te))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCreate_LocationRule(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	neither := hallInput("Nowhere Hall")
	neither.Location = nil
	_, err := h.svc.Create(ctx, neither, uploadPair())
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Contains(t, ve.Fields, "location")
	assert.Empty(t, h.store.PutCalls(), "metadata failure must not upload")

	gpsOnly := hallInput("Field Recording")
	gpsOnly.Location = nil
	gpsOnly.GPSLocation = &domain.Point{Type: domain.PointType, Coordinates: []float64{16.37, 48.21}}
	_, err = h.svc.Create(ctx, gpsOnly, uploadPair())
	require.NoError(t, err)

	_, err = h.svc.Create(ctx, hallInput("Text Only Hall"), uploadPair())
	require.NoError(t, err)
}

func TestCreate_DuplicateNameAbortsBeforeUpload(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Create(ctx, hallInput("Test Hall"), uploadPair())
	require.NoError(t, err)
	puts := len(h.store.PutCalls())

	_, err = h.svc.Create(ctx, hallInput("Test Hall"), uploadPair())
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.ErrorIs(t, err, repo.ErrDuplicateName)
	assert.Len(t, h.store.PutCalls(), puts)
}

func TestCreate_UploadFailureRollsBackMetadata(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	boom := errors.New("bucket unavailable")
	h.store.FailPut(func(key string) error {
		if strings.HasSuffix(key, ".jpg") {
			return boom
		}
		return nil
	})

	_, err := h.svc.Create(ctx, hallInput("Test Hall"), uploadPair())
	var ue *UploadError
	require.True(t, errors.As(err, &ue), "got %v", err)
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, ue.CompensationErr)

	_, ferr := repo.FindImpulseByID(ctx, h.db, ue.ImpulseID)
	assert.ErrorIs(t, ferr, repo.ErrNotFound)

	// The audio blob made it; it is reported and queued for deletion.
	require.Len(t, ue.Orphans, 1)
	assert.True(t, strings.HasSuffix(ue.Orphans[0], ".wav"))
	tasks := h.pendingTasks(t)
	require.Len(t, tasks, 1)
	assert.Equal(t, domain.CleanupDeleteBlob, tasks[0].Kind)
	assert.Equal(t, ue.Orphans[0], tasks[0].Target)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.pipeline.WithLabelValues("create", outcomeUpload)))
}

func TestCreate_UploadFailureWithoutOrphanReconciliation(t *testing.T) {
	h := newHarness(t)
	h.svc.ReconcileOrphans = false
	h.store.FailPut(func(key string) error {
		if strings.HasSuffix(key, ".wav") {
			return errors.New("nope")
		}
		return nil
	})

	_, err := h.svc.Create(context.Background(), hallInput("Test Hall"), uploadPair())
	var ue *UploadError
	require.True(t, errors.As(err, &ue))
	assert.Len(t, ue.Orphans, 1)
	assert.Empty(t, h.pendingTasks(t))
}

func TestCreate_BothUploadsFail(t *testing.T) {
	h := newHarness(t)
	h.store.FailPut(func(string) error { return errors.New("down") })

	_, err := h.svc.Create(context.Background(), hallInput("Test Hall"), uploadPair())
	var ue *UploadError
	require.True(t, errors.As(err, &ue))
	assert.Empty(t, ue.Orphans)
	var se *StorageError
	assert.True(t, errors.As(err, &se))
	assert.Empty(t, h.pendingTasks(t))
}

func TestCreate_CompensationFailureIsSurfacedAndQueued(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	uploadErr := errors.New("put failed")
	dbErr := errors.New("database is locked")
	h.store.FailPut(func(string) error { return uploadErr })
	h.repo.failDeletes(dbErr)

	_, err := h.svc.Create(ctx, hallInput("Test Hall"), uploadPair())
	var ue *UploadError
	require.True(t, errors.As(err, &ue))
	assert.ErrorIs(t, err, uploadErr)
	assert.ErrorIs(t, err, dbErr)
	assert.ErrorIs(t, ue.CompensationErr, dbErr)
	assert.Contains(t, err.Error(), "compensating delete failed")

	// The record is still there and a durable task will remove it.
	_, ferr := repo.FindImpulseByID(ctx, h.db, ue.ImpulseID)
	require.NoError(t, ferr)
	tasks := h.pendingTasks(t)
	require.Len(t, tasks, 1)
	assert.Equal(t, domain.CleanupDeleteRecord, tasks[0].Kind)
	assert.Equal(t, ue.ImpulseID, tasks[0].Target)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.compensation))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.cleanupTasks.WithLabelValues(domain.CleanupDeleteRecord, "enqueued")))
}

func TestCreate_CompensationRunsAfterCancellation(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.store.FailPut(func(string) error {
		cancel()
		return errors.New("interrupted")
	})

	_, err := h.svc.Create(ctx, hallInput("Test Hall"), uploadPair())
	var ue *UploadError
	require.True(t, errors.As(err, &ue))
	assert.NoError(t, ue.CompensationErr)

	n, _ := repo.CountImpulses(context.Background(), h.db)
	assert.Zero(t, n)
}

func TestDelete_NotFoundMakesNoStorageCalls(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Delete(context.Background(), "does-not-exist")
	var nf *NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.ErrorIs(t, err, ErrImpulseNotFound)
	assert.Empty(t, h.store.DeleteCalls())
	assert.Empty(t, h.store.PutCalls())
}

func TestDelete_UsesStoredURLsAudioThenImage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// URLs that URLFor would never produce, to prove they are not recomputed.
	audioURL := "https://legacy-bucket.ams3.example.net/1600000000000-old.wav"
	imageURL := "https://legacy-bucket.ams3.example.net/1600000000000-old.jpg"
	_, err := h.store.Put(ctx, "1600000000000-old.wav", "audio/wav", []byte("a"))
	require.NoError(t, err)
	_, err = h.store.Put(ctx, "1600000000000-old.jpg", "image/jpeg", []byte("i"))
	require.NoError(t, err)

	rec, err := repo.CreateImpulse(ctx, h.db, domain.Impulse{
		Name:        "Old Hall",
		Date:        hallInput("x").Date,
		Location:    strPtr("Amsterdam"),
		Description: "legacy",
		AudioURL:    audioURL,
		ImageURL:    imageURL,
	}, domain.LocationExactlyOne)
	require.NoError(t, err)

	deleted, err := h.svc.Delete(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, deleted.ID)

	assert.Equal(t, []string{audioURL, imageURL}, h.store.DeleteCalls())
	assert.Empty(t, h.store.Keys())
	_, ferr := repo.FindImpulseByID(ctx, h.db, rec.ID)
	assert.ErrorIs(t, ferr, repo.ErrNotFound)
}

func TestDelete_BlobFailureIsWarningAndNotRolledBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec, err := h.svc.Create(ctx, hallInput("Test Hall"), uploadPair())
	require.NoError(t, err)
	h.store.FailDelete(func(key string) error {
		if strings.HasSuffix(key, ".jpg") {
			return errors.New("timeout")
		}
		return nil
	})

	_, err = h.svc.Delete(ctx, rec.ID)
	require.Error(t, err)
	assert.True(t, IsWarning(err))
	var se *StorageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "delete", se.Op)
	var bce *BlobCleanupError
	require.ErrorAs(t, err, &bce)
	assert.True(t, bce.Deferred())

	_, ferr := repo.FindImpulseByID(ctx, h.db, rec.ID)
	assert.ErrorIs(t, ferr, repo.ErrNotFound, "metadata delete is not rolled back")
	assert.Len(t, h.store.DeleteCalls(), 2)

	tasks := h.pendingTasks(t)
	require.Len(t, tasks, 1)
	assert.Equal(t, rec.ImageURL, tasks[0].Target)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.pipeline.WithLabelValues("delete", outcomeWarning)))
}

// refusingCleanup is a cleanup log whose writes always fail.
type refusingCleanup struct{ cleanupShim }

func (refusingCleanup) EnqueueCleanup(context.Context, *gorm.DB, string, string, string) (*domain.CleanupTask, error) {
	return nil, errors.New("cleanup log unavailable")
}

func TestDelete_UnqueuedBlobFailureIsReported(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec, err := h.svc.Create(ctx, hallInput("Test Hall"), uploadPair())
	require.NoError(t, err)
	h.svc.Cleanup = refusingCleanup{}
	h.store.FailDelete(func(key string) error {
		if strings.HasSuffix(key, ".jpg") {
			return errors.New("timeout")
		}
		return nil
	})

	_, err = h.svc.Delete(ctx, rec.ID)
	require.Error(t, err)
	assert.True(t, IsWarning(err))

	var bce *BlobCleanupError
	require.ErrorAs(t, err, &bce)
	assert.False(t, bce.Deferred())
	assert.Equal(t, []string{rec.ImageURL}, bce.Unqueued)
	assert.Contains(t, err.Error(), "neither removed nor queued")
	assert.Contains(t, err.Error(), "cleanup log unavailable")

	var se *StorageError
	assert.True(t, errors.As(err, &se), "the storage failure is still reported")
	assert.Empty(t, h.pendingTasks(t))
}

func TestDelete_MissingBlobIsNotAnError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec, err := h.svc.Create(ctx, hallInput("Test Hall"), uploadPair())
	require.NoError(t, err)
	require.NoError(t, h.store.Delete(ctx, rec.AudioURL))

	_, err = h.svc.Delete(ctx, rec.ID)
	assert.NoError(t, err)
	assert.Empty(t, h.pendingTasks(t))
}

func TestUpdate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec, err := h.svc.Create(ctx, hallInput("Test Hall"), uploadPair())
	require.NoError(t, err)

	_, err = h.svc.Update(ctx, rec.ID, domain.ImpulsePatch{})
	assert.ErrorIs(t, err, ErrEmptyPatch)

	_, err = h.svc.Update(ctx, "missing", domain.ImpulsePatch{Name: strPtr("Any Name")})
	assert.ErrorIs(t, err, ErrImpulseNotFound)

	up, err := h.svc.Update(ctx, rec.ID, domain.ImpulsePatch{Name: strPtr("Golden Hall")})
	require.NoError(t, err)
	assert.Equal(t, "golden-hall", up.Slug)
	assert.Equal(t, rec.AudioURL, up.AudioURL)

	_, err = h.svc.Update(ctx, rec.ID, domain.ImpulsePatch{Name: strPtr("no")})
	var ve *ValidationError
	assert.True(t, errors.As(err, &ve))
}

func TestGetAndListPage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrImpulseNotFound)

	items, total, err := h.svc.ListPage(ctx, 0, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.NotNil(t, items)

	for _, name := range []string{"Hall Alpha", "Hall Beta", "Hall Gamma"} {
		_, err := h.svc.Create(ctx, hallInput(name), uploadPair())
		require.NoError(t, err)
	}
	items, total, err = h.svc.ListPage(ctx, 2, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	assert.Len(t, items, 1)

	all, err := h.svc.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestCreate_SameMillisecondRequestsOwnDistinctKeys(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := time.UnixMilli(1700000000123)

	a, err := h.svc.Create(ctx, hallInput("Hall A"), uploadPairAt(now))
	require.NoError(t, err)

	// B's audio upload fails once, so its image becomes a queued orphan.
	h.store.FailPut(func(key string) error {
		if strings.HasSuffix(key, ".wav") {
			return errors.New("connection reset")
		}
		return nil
	})
	_, err = h.svc.Create(ctx, hallInput("Hall B"), uploadPairAt(now))
	var ue *UploadError
	require.ErrorAs(t, err, &ue)
	require.Len(t, ue.Orphans, 1)
	h.store.FailPut(nil)

	c, err := h.svc.Create(ctx, hallInput("Hall C"), uploadPairAt(now))
	require.NoError(t, err)

	urls := []string{a.AudioURL, a.ImageURL, c.AudioURL, c.ImageURL, ue.Orphans[0]}
	seen := make(map[string]bool, len(urls))
	for _, u := range urls {
		assert.False(t, seen[u], "key reused across requests: %s", u)
		seen[u] = true
	}

	res, err := newTestReconciler(h, time.Now().UTC().Add(time.Second)).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileResult{Processed: 1, Done: 1}, res)

	// the orphan sweep must leave live records' objects alone
	for _, rec := range []*domain.Impulse{a, c} {
		for _, u := range []string{rec.AudioURL, rec.ImageURL} {
			key, err := storage.KeyFromURL(u)
			require.NoError(t, err)
			_, ok := h.store.Object(key)
			assert.True(t, ok, "object of live record %s was removed: %s", rec.Name, key)
		}
	}
	assert.Len(t, h.store.Keys(), 4)
}

func TestSearch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, name := range []string{"Hall Alpha", "Hall Beta", "Stone Church"} {
		_, err := h.svc.Create(ctx, hallInput(name), uploadPair())
		require.NoError(t, err)
	}

	items, total, err := h.svc.Search(ctx, "church", 1, 20)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, items, 1)
	assert.Equal(t, "Stone Church", items[0].Name)

	// every record mentions "hall" in its description; shorter documents rank first
	items, total, err = h.svc.Search(ctx, "HALL", 1, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	require.Len(t, items, 2)
	assert.NotEqual(t, "Stone Church", items[0].Name)
	assert.NotEqual(t, "Stone Church", items[1].Name)

	items, total, err = h.svc.Search(ctx, "church", 5, 20)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Empty(t, items)
	assert.NotNil(t, items)

	items, total, err = h.svc.Search(ctx, "submarine", 0, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, items)
}

func TestErrorTaxonomy(t *testing.T) {
	assert.Equal(t, outcomeOK, outcomeOf(nil))
	assert.Equal(t, outcomeNotFound, outcomeOf(&NotFoundError{ID: "x"}))
	assert.Equal(t, outcomeWarning, outcomeOf(&BlobCleanupError{ImpulseID: "x", Err: errors.New("e")}))
	assert.Equal(t, outcomeError, outcomeOf(errors.New("db down")))
	assert.Equal(t, outcomeUpload, outcomeOf(&UploadError{Err: errors.New("e"), CompensationErr: &ValidationError{}}))

	ue := &UploadError{ImpulseID: "id", Err: errors.New("put")}
	assert.Equal(t, "upload impulse id: put", ue.Error())
}
