// Package services – ImpulseService
//
// This file implements ImpulseService, the orchestrator of the impulse
// create/delete pipeline.
//
// Create runs Received → Classified → Transformed → MetadataWritten →
// BlobsUploaded. Transforms finish before the metadata write, and the write
// finishes before any upload starts. If an upload fails the record is
// deleted again; if that compensating delete fails too, a delete_record
// cleanup task is queued and the failure is returned alongside the upload
// error.
//
// Delete runs Requested → MetadataDeleted → BlobsDeleted. Blob failures are
// not rolled back; they are returned as a warning and queued as
// delete_blob cleanup tasks.
//
// Observability: public methods are OpenTelemetry-instrumented and every
// pipeline run is counted in impulse_pipeline_total.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/tbourn/impulse-backend/internal/domain"
	"github.com/tbourn/impulse-backend/internal/search"
	"github.com/tbourn/impulse-backend/internal/storage"
	"github.com/tbourn/impulse-backend/internal/transform"
)

// ImpulseRepo defines the repository contract required by ImpulseService.
type ImpulseRepo interface {
	CreateImpulse(ctx context.Context, db *gorm.DB, imp domain.Impulse, policy domain.LocationPolicy) (*domain.Impulse, error)
	FindImpulseByID(ctx context.Context, db *gorm.DB, id string) (*domain.Impulse, error)
	UpdateImpulse(ctx context.Context, db *gorm.DB, id string, patch domain.ImpulsePatch, policy domain.LocationPolicy) (*domain.Impulse, error)
	DeleteImpulse(ctx context.Context, db *gorm.DB, id string) (*domain.Impulse, error)
	ListImpulses(ctx context.Context, db *gorm.DB) ([]domain.Impulse, error)
	CountImpulses(ctx context.Context, db *gorm.DB) (int64, error)
	ListImpulsesPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.Impulse, error)
}

// CleanupRepo is the durable compensation log.
type CleanupRepo interface {
	EnqueueCleanup(ctx context.Context, db *gorm.DB, kind, target, reason string) (*domain.CleanupTask, error)
	DueCleanups(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.CleanupTask, error)
	MarkCleanupDone(ctx context.Context, db *gorm.DB, id string, now time.Time) error
	MarkCleanupFailed(ctx context.Context, db *gorm.DB, id, cause string, next time.Time) error
	PendingCleanups(ctx context.Context, db *gorm.DB) (int64, error)
}

// Transformer re-encodes a classified image/audio pair.
type Transformer interface {
	Transform(ctx context.Context, img, aud transform.UploadFile) (transform.UploadFile, transform.UploadFile, error)
}

// CreateInput carries the metadata fields of a create request. URLs, slug
// and timestamps are never supplied by callers.
type CreateInput struct {
	Name        string
	Description string
	Date        time.Time
	Location    *string
	GPSLocation *domain.Point
}

// DefaultTransformTimeout bounds the transform barrier.
const DefaultTransformTimeout = 60 * time.Second

// ImpulseService orchestrates the impulse pipeline.
type ImpulseService struct {
	DB          *gorm.DB
	Repo        ImpulseRepo
	Cleanup     CleanupRepo
	Transformer Transformer
	Store       storage.Gateway

	// Policy decides whether location and gpsLocation may both be set.
	Policy domain.LocationPolicy
	// TransformTimeout bounds the transform barrier; <= 0 disables it.
	TransformTimeout time.Duration
	// ReconcileOrphans queues blobs left behind by a failed create for
	// deletion. When false they are only logged.
	ReconcileOrphans bool

	Metrics *Metrics
	Log     zerolog.Logger
}

// NewImpulseService wires an ImpulseService with default settings.
func NewImpulseService(db *gorm.DB, r ImpulseRepo, c CleanupRepo, t Transformer, store storage.Gateway, log zerolog.Logger) *ImpulseService {
	return &ImpulseService{
		DB:               db,
		Repo:             r,
		Cleanup:          c,
		Transformer:      t,
		Store:            store,
		Policy:           domain.LocationExactlyOne,
		TransformTimeout: DefaultTransformTimeout,
		ReconcileOrphans: true,
		Log:              log.With().Str("component", "impulse-service").Logger(),
	}
}

func tracer() trace.Tracer { return otel.Tracer("services/ImpulseService") }

// Create classifies and transforms files, writes the metadata record and
// uploads both blobs. On success the stored record is returned.
func (s *ImpulseService) Create(ctx context.Context, in CreateInput, files []transform.UploadFile) (*domain.Impulse, error) {
	ctx, span := tracer().Start(ctx, "Create",
		trace.WithAttributes(
			attribute.String("impulse.name", in.Name),
			attribute.Int("files", len(files)),
		),
	)
	defer span.End()

	rec, err := s.create(ctx, in, files)
	s.Metrics.observePipeline("create", outcomeOf(err))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcomeOf(err))
		return nil, err
	}
	span.SetAttributes(attribute.String("impulse.id", rec.ID))
	return rec, nil
}

func (s *ImpulseService) create(ctx context.Context, in CreateInput, files []transform.UploadFile) (*domain.Impulse, error) {
	// Received → Classified
	img, aud, err := transform.Classify(files)
	if err != nil {
		return nil, err
	}

	// Classified → Transformed
	img, aud, err = s.transform(ctx, img, aud)
	if err != nil {
		return nil, err
	}

	// Transformed → MetadataWritten. URLs are derived before the objects exist.
	draft := domain.Impulse{
		Name:        in.Name,
		Description: in.Description,
		Date:        in.Date,
		Location:    in.Location,
		GPSLocation: in.GPSLocation,
		AudioURL:    s.Store.URLFor(aud.Key),
		ImageURL:    s.Store.URLFor(img.Key),
	}
	start := time.Now()
	rec, err := s.Repo.CreateImpulse(ctx, s.DB, draft, s.Policy)
	s.Metrics.observeStage("metadata_write", time.Since(start))
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			return nil, err
		}
		return nil, fmt.Errorf("write impulse metadata: %w", err)
	}

	// MetadataWritten → BlobsUploaded
	imgErr, audErr := s.uploadPair(ctx, img, aud)
	if imgErr == nil && audErr == nil {
		s.Log.Info().
			Str("impulse_id", rec.ID).
			Str("audio_url", rec.AudioURL).
			Str("image_url", rec.ImageURL).
			Msg("impulse created")
		return rec, nil
	}
	return nil, s.rollbackCreate(ctx, rec, imgErr, audErr)
}

func (s *ImpulseService) transform(ctx context.Context, img, aud transform.UploadFile) (transform.UploadFile, transform.UploadFile, error) {
	tctx := ctx
	if s.TransformTimeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, s.TransformTimeout)
		defer cancel()
	}
	start := time.Now()
	outImg, outAud, err := s.Transformer.Transform(tctx, img, aud)
	s.Metrics.observeStage("transform", time.Since(start))
	if err != nil {
		var te *TransformError
		if errors.As(err, &te) {
			return transform.UploadFile{}, transform.UploadFile{}, err
		}
		return transform.UploadFile{}, transform.UploadFile{}, &TransformError{Op: "transform", File: img.Name + "," + aud.Name, Err: err}
	}
	return outImg, outAud, nil
}

// uploadPair puts both blobs concurrently and waits for both. Neither upload
// cancels the other, so the result of each is known for compensation.
func (s *ImpulseService) uploadPair(ctx context.Context, img, aud transform.UploadFile) (imgErr, audErr error) {
	start := time.Now()
	var g errgroup.Group
	g.Go(func() error {
		imgErr = s.put(ctx, img)
		return imgErr
	})
	g.Go(func() error {
		audErr = s.put(ctx, aud)
		return audErr
	})
	_ = g.Wait()
	s.Metrics.observeStage("upload", time.Since(start))
	return imgErr, audErr
}

func (s *ImpulseService) put(ctx context.Context, f transform.UploadFile) error {
	if _, err := s.Store.Put(ctx, f.Key, f.MIMEType, f.Data); err != nil {
		var se *StorageError
		if errors.As(err, &se) {
			return err
		}
		return &StorageError{Op: "put", Key: f.Key, Err: err}
	}
	return nil
}

// rollbackCreate runs the compensation edge MetadataWritten → RollbackMetadata.
// It runs detached from ctx cancellation: once the record exists, cleanup is
// always attempted.
func (s *ImpulseService) rollbackCreate(ctx context.Context, rec *domain.Impulse, imgErr, audErr error) error {
	cctx := context.WithoutCancel(ctx)
	uerr := &UploadError{ImpulseID: rec.ID, Err: errors.Join(imgErr, audErr)}
	log := s.Log.With().Str("impulse_id", rec.ID).Logger()

	_, derr := s.Repo.DeleteImpulse(cctx, s.DB, rec.ID)
	if derr != nil && !errors.Is(derr, gorm.ErrRecordNotFound) {
		uerr.CompensationErr = derr
		s.Metrics.incCompensationFailure()
		log.Error().
			Err(derr).
			AnErr("upload_error", uerr.Err).
			Str("audio_url", rec.AudioURL).
			Str("image_url", rec.ImageURL).
			Msg("compensating metadata delete failed; record references missing objects")
		if qerr := s.enqueue(cctx, domain.CleanupDeleteRecord, rec.ID, "compensating delete failed: "+derr.Error()); qerr != nil {
			uerr.CompensationErr = errors.Join(derr, qerr)
		}
	} else {
		log.Warn().Err(uerr.Err).Msg("upload failed; metadata record rolled back")
	}

	// Blobs that did upload are now orphans.
	for _, o := range []struct {
		err error
		url string
	}{{imgErr, rec.ImageURL}, {audErr, rec.AudioURL}} {
		if o.err != nil {
			continue
		}
		uerr.Orphans = append(uerr.Orphans, o.url)
		if !s.ReconcileOrphans {
			log.Warn().Str("url", o.url).Msg("orphaned blob left in object store")
			continue
		}
		if qerr := s.enqueue(cctx, domain.CleanupDeleteBlob, o.url, "orphaned by failed create of "+rec.ID); qerr != nil {
			log.Error().Err(qerr).Str("url", o.url).Msg("could not queue orphaned blob for deletion")
		}
	}
	return uerr
}

func (s *ImpulseService) enqueue(ctx context.Context, kind, target, reason string) error {
	if s.Cleanup == nil {
		return fmt.Errorf("no cleanup log configured for %s %s", kind, target)
	}
	if _, err := s.Cleanup.EnqueueCleanup(ctx, s.DB, kind, target, reason); err != nil {
		s.Log.Error().Err(err).Str("kind", kind).Str("target", target).Msg("enqueue cleanup task failed")
		return fmt.Errorf("enqueue %s cleanup: %w", kind, err)
	}
	s.Metrics.observeCleanup(kind, "enqueued")
	return nil
}

// Delete removes the record and then its audio and image blobs, in that
// order, using the URLs stored on the record. A *NotFoundError means no
// storage call was made. A *BlobCleanupError means the record is gone but
// blob removal was deferred to the reconciler.
func (s *ImpulseService) Delete(ctx context.Context, id string) (*domain.Impulse, error) {
	ctx, span := tracer().Start(ctx, "Delete",
		trace.WithAttributes(attribute.String("impulse.id", id)),
	)
	defer span.End()

	rec, err := s.delete(ctx, id)
	s.Metrics.observePipeline("delete", outcomeOf(err))
	if err != nil {
		span.RecordError(err)
		if !IsWarning(err) {
			span.SetStatus(codes.Error, outcomeOf(err))
		}
	}
	return rec, err
}

func (s *ImpulseService) delete(ctx context.Context, id string) (*domain.Impulse, error) {
	// Requested → MetadataDeleted
	rec, err := s.Repo.DeleteImpulse(ctx, s.DB, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{ID: id}
		}
		return nil, fmt.Errorf("delete impulse metadata: %w", err)
	}

	// MetadataDeleted → BlobsDeleted. No rollback past this point.
	cctx := context.WithoutCancel(ctx)
	start := time.Now()
	var (
		failed   []error
		unqueued []string
	)
	for _, u := range []string{rec.AudioURL, rec.ImageURL} {
		err := s.Store.Delete(cctx, u)
		switch {
		case err == nil:
		case storage.IsNotFound(err):
			s.Log.Debug().Str("url", u).Msg("blob already absent")
		default:
			var se *StorageError
			if !errors.As(err, &se) {
				err = &StorageError{Op: "delete", Key: u, Err: err}
			}
			failed = append(failed, err)
			if qerr := s.enqueue(cctx, domain.CleanupDeleteBlob, u, "blob delete failed after deleting "+id); qerr != nil {
				failed = append(failed, qerr)
				unqueued = append(unqueued, u)
				s.Log.Error().Err(err).AnErr("enqueue_error", qerr).Str("impulse_id", id).Str("url", u).Msg("blob delete failed and could not be queued")
				continue
			}
			s.Log.Warn().Err(err).Str("impulse_id", id).Str("url", u).Msg("blob delete failed; queued for reconciliation")
		}
	}
	s.Metrics.observeStage("blob_delete", time.Since(start))

	if len(failed) > 0 {
		return rec, &BlobCleanupError{ImpulseID: id, Err: errors.Join(failed...), Unqueued: unqueued}
	}
	s.Log.Info().Str("impulse_id", id).Msg("impulse deleted")
	return rec, nil
}

// Get fetches one impulse.
func (s *ImpulseService) Get(ctx context.Context, id string) (*domain.Impulse, error) {
	ctx, span := tracer().Start(ctx, "Get", trace.WithAttributes(attribute.String("impulse.id", id)))
	defer span.End()

	rec, err := s.Repo.FindImpulseByID(ctx, s.DB, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &NotFoundError{ID: id}
	}
	return rec, err
}

// List returns every impulse, newest first.
func (s *ImpulseService) List(ctx context.Context) ([]domain.Impulse, error) {
	ctx, span := tracer().Start(ctx, "List")
	defer span.End()
	return s.Repo.ListImpulses(ctx, s.DB)
}

// ListPage returns a page of impulses and the total count. Invalid page and
// pageSize values fall back to 1 and 20.
func (s *ImpulseService) ListPage(ctx context.Context, page, pageSize int) ([]domain.Impulse, int64, error) {
	ctx, span := tracer().Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	total, err := s.Repo.CountImpulses(ctx, s.DB)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Impulse{}, 0, nil
	}
	items, err := s.Repo.ListImpulsesPage(ctx, s.DB, offset, pageSize)
	return items, total, err
}

// Search ranks every impulse against q by name, description and location
// text and returns the requested page of matches plus the match count.
func (s *ImpulseService) Search(ctx context.Context, q string, page, pageSize int) ([]domain.Impulse, int64, error) {
	ctx, span := tracer().Start(ctx, "Search",
		trace.WithAttributes(
			attribute.String("query", q),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}

	all, err := s.List(ctx)
	if err != nil {
		return nil, 0, err
	}
	byID := make(map[string]domain.Impulse, len(all))
	for _, imp := range all {
		byID[imp.ID] = imp
	}

	hits := search.NewIndex(search.ImpulseDocuments(all)).TopK(q, 0)
	total := int64(len(hits))
	offset := (page - 1) * pageSize
	if offset >= len(hits) {
		return []domain.Impulse{}, total, nil
	}
	end := min(offset+pageSize, len(hits))

	out := make([]domain.Impulse, 0, end-offset)
	for _, h := range hits[offset:end] {
		out = append(out, byID[h.ID])
	}
	return out, total, nil
}

// Update applies a metadata patch. Files cannot be replaced.
func (s *ImpulseService) Update(ctx context.Context, id string, patch domain.ImpulsePatch) (*domain.Impulse, error) {
	ctx, span := tracer().Start(ctx, "Update", trace.WithAttributes(attribute.String("impulse.id", id)))
	defer span.End()

	if patch.Empty() {
		return nil, &ValidationError{Fields: map[string]string{"patch": ErrEmptyPatch.Error()}, Cause: ErrEmptyPatch}
	}
	rec, err := s.Repo.UpdateImpulse(ctx, s.DB, id, patch, s.Policy)
	s.Metrics.observePipeline("update", outcomeOf(err))
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, &NotFoundError{ID: id}
	case err != nil:
		return nil, err
	}
	return rec, nil
}

func outcomeOf(err error) string {
	var (
		ve *ValidationError
		te *TransformError
		ue *UploadError
	)
	switch {
	case err == nil:
		return outcomeOK
	case errors.As(err, &ue):
		return outcomeUpload
	case errors.As(err, &ve):
		return outcomeValidation
	case errors.As(err, &te):
		return outcomeTransform
	case errors.Is(err, ErrImpulseNotFound):
		return outcomeNotFound
	case IsWarning(err):
		return outcomeWarning
	default:
		return outcomeError
	}
}
