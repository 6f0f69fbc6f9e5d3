// Impulse HTTP handlers.
//
// This file exposes REST endpoints for impulse records:
//   - POST   /impulses            (multipart create: two files + metadata)
//   - GET    /impulses            (list, paginated, ETag support)
//   - GET    /impulses/{id}       (fetch)
//   - PATCH  /impulses/{id}       (metadata update)
//   - DELETE /impulses/{id}       (delete record and blobs)
//   - POST   /admin/reconcile     (one reconciliation pass)
//
// Handlers are transport-thin: they parse input, call the ImpulseService and
// translate the service error taxonomy into HTTP responses.
//
// Idempotency:
// If the client supplies an Idempotency-Key on create and an earlier request
// with the same key already produced an impulse, the handler answers with that
// impulse and sets `Idempotent-Replayed: true`.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/impulse-backend/internal/domain"
	"github.com/tbourn/impulse-backend/internal/http/middleware"
	"github.com/tbourn/impulse-backend/internal/repo"
	"github.com/tbourn/impulse-backend/internal/services"
	"github.com/tbourn/impulse-backend/internal/transform"
	"github.com/tbourn/impulse-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// ImpulseService defines the impulse operations consumed by HTTP handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type ImpulseService interface {
	// Create runs the create pipeline for one image and one audio file.
	Create(ctx context.Context, in services.CreateInput, files []transform.UploadFile) (*domain.Impulse, error)
	// Get returns one impulse or a *services.NotFoundError.
	Get(ctx context.Context, id string) (*domain.Impulse, error)
	// ListPage returns a page of impulses and the total count.
	ListPage(ctx context.Context, page, pageSize int) ([]domain.Impulse, int64, error)
	// Search returns a page of impulses ranked against a text query.
	Search(ctx context.Context, q string, page, pageSize int) ([]domain.Impulse, int64, error)
	// Update applies a metadata patch.
	Update(ctx context.Context, id string, patch domain.ImpulsePatch) (*domain.Impulse, error)
	// Delete removes the record and then its blobs.
	Delete(ctx context.Context, id string) (*domain.Impulse, error)
}

// Reconciler runs a single pass over due cleanup tasks.
type Reconciler interface {
	RunOnce(ctx context.Context) (services.ReconcileResult, error)
}

//
// Handler wiring
//

// DefaultIdempotencyTTL is how long a create result stays replayable.
const DefaultIdempotencyTTL = 24 * time.Hour

// Handlers groups the impulse endpoints.
type Handlers struct {
	svc        ImpulseService
	reconciler Reconciler

	// IdempotencyTTL bounds how long a create result can be replayed.
	IdempotencyTTL time.Duration

	now func() time.Time
}

// New constructs Handlers bound to the given service. reconciler may be nil,
// in which case the admin endpoint reports 404.
func New(svc ImpulseService, reconciler Reconciler) *Handlers {
	return &Handlers{
		svc:            svc,
		reconciler:     reconciler,
		IdempotencyTTL: DefaultIdempotencyTTL,
		now:            time.Now,
	}
}

// dbOf exposes the service's database handle for best-effort extras
// (ETags, idempotency records) when the concrete service is in use.
func dbOf(svc ImpulseService) *gorm.DB {
	if s, ok := svc.(*services.ImpulseService); ok {
		return s.DB
	}
	return nil
}

//
// DTOs
//

// UpdateImpulseRequest is the JSON payload for a metadata update. Absent
// fields are left untouched. Date accepts RFC3339 or YYYY-MM-DD.
type UpdateImpulseRequest struct {
	Name        *string       `json:"name"        example:"Great Hall"`
	Description *string       `json:"description" example:"Stone hall with a long tail"`
	Date        *string       `json:"date"        example:"2023-03-04"`
	Location    *string       `json:"location"    example:"Vienna"`
	GPSLocation *domain.Point `json:"gpsLocation"`
}

// ListImpulsesResponse wraps a page of impulses and pagination information.
type ListImpulsesResponse struct {
	Impulses   []domain.Impulse `json:"impulses"`
	Pagination utils.PageMeta   `json:"pagination"`
}

//
// Helpers
//

// dateLayouts are the accepted forms of the date field.
var dateLayouts = []string{time.RFC3339, "2006-01-02"}

func parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("date %q must be RFC3339 or YYYY-MM-DD", raw)
}

// formValue returns the first value of a multipart field.
func formValue(form *multipart.Form, name string) string {
	if vs := form.Value[name]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// parseCreateForm maps the multipart form onto CreateInput. Missing text
// fields are left empty for the domain validator to report; only malformed
// values (date, gpsLocation) are rejected here.
func parseCreateForm(form *multipart.Form) (services.CreateInput, error) {
	in := services.CreateInput{
		Name:        formValue(form, "name"),
		Description: formValue(form, "description"),
	}
	if raw := formValue(form, "date"); strings.TrimSpace(raw) != "" {
		d, err := parseDate(raw)
		if err != nil {
			return in, domain.NewValidationError("date", err.Error())
		}
		in.Date = d
	}
	if loc := formValue(form, "location"); strings.TrimSpace(loc) != "" {
		in.Location = &loc
	}
	if raw := strings.TrimSpace(formValue(form, "gpsLocation")); raw != "" {
		var p domain.Point
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return in, domain.NewValidationError("gpsLocation", "must be a JSON Point")
		}
		in.GPSLocation = &p
	}
	return in, nil
}

// readUploads loads every "files" part into memory as an UploadFile. All
// parts share one key prefix.
func readUploads(form *multipart.Form, now time.Time) ([]transform.UploadFile, error) {
	prefix := transform.NewKeyPrefix(now)
	headers := form.File["files"]
	out := make([]transform.UploadFile, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, err
		}
		out = append(out, transform.NewUploadFile(fh.Filename, fh.Header.Get("Content-Type"), data, prefix))
	}
	return out, nil
}

// toPatch converts the request DTO into a domain patch.
func (r UpdateImpulseRequest) toPatch() (domain.ImpulsePatch, error) {
	p := domain.ImpulsePatch{
		Name:        r.Name,
		Description: r.Description,
		Location:    r.Location,
		GPSLocation: r.GPSLocation,
	}
	if r.Date != nil {
		d, err := parseDate(*r.Date)
		if err != nil {
			return p, domain.NewValidationError("date", err.Error())
		}
		p.Date = &d
	}
	return p, nil
}

// validID answers 404 for ids that cannot name an impulse, without a lookup.
func validID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusNotFound, ErrCodeNotFound, fmt.Sprintf("impulse %q not found", id))
		return "", false
	}
	return id, true
}

// writeServiceError maps the service error taxonomy onto HTTP.
func writeServiceError(c *gin.Context, err error, fallbackCode string) {
	var (
		ve *services.ValidationError
		te *services.TransformError
		ue *services.UploadError
		mb *http.MaxBytesError
	)
	switch {
	case errors.As(err, &ve) && errors.Is(err, repo.ErrDuplicateName):
		fail(c, http.StatusConflict, ErrCodeDuplicateName, ve.Error())
	case errors.As(err, &ve):
		fail(c, http.StatusBadRequest, ErrCodeValidationFailed, ve.Error())
	case errors.As(err, &te):
		fail(c, http.StatusBadRequest, ErrCodeTransformFailed, te.Error())
	case errors.As(err, &ue):
		msg := "uploading files failed; nothing was stored"
		if ue.CompensationErr != nil {
			msg = "uploading files failed; cleanup of impulse " + ue.ImpulseID + " is pending"
		}
		fail(c, http.StatusBadGateway, ErrCodeUploadFailed, msg)
	case errors.Is(err, services.ErrImpulseNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "impulse not found")
	case errors.As(err, &mb):
		fail(c, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge, fmt.Sprintf("request body exceeds %d bytes", mb.Limit))
	case errors.Is(err, context.DeadlineExceeded):
		fail(c, http.StatusGatewayTimeout, fallbackCode, "operation timed out")
	default:
		fail(c, http.StatusInternalServerError, fallbackCode, err.Error())
	}
}

// replay answers a create whose Idempotency-Key already produced an impulse.
func (h *Handlers) replay(c *gin.Context, id string) {
	rec, err := h.svc.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, services.ErrImpulseNotFound) {
			fail(c, http.StatusConflict, ErrCodeConflict, "the impulse created by this Idempotency-Key no longer exists")
			return
		}
		writeServiceError(c, err, ErrCodeInternal)
		return
	}
	c.Header(middleware.HeaderIdempotentReplay, "true")
	ok(c, http.StatusCreated, rec)
}

// remember stores the create result for later replays. Best effort.
func (h *Handlers) remember(c *gin.Context, rec *domain.Impulse) {
	key, has := middleware.GetIdempotencyKey(c)
	db := dbOf(h.svc)
	if !has || db == nil {
		return
	}
	ttl := h.IdempotencyTTL
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	if _, err := repo.CreateIdempotency(c.Request.Context(), db, key.ClientID, key.Scope, key.Key, rec.ID, http.StatusCreated, ttl); err != nil {
		middleware.LoggerFrom(c).Warn().Err(err).Str("impulse_id", rec.ID).Msg("store idempotency record failed")
	}
}

//
// Handlers
//

// CreateImpulse godoc
// @ID          createImpulse
// @Summary     Create an impulse
// @Description Uploads an image and an audio file with the impulse metadata.
// @Description Supports idempotent retries via the Idempotency-Key header.
// @Tags        Impulses
// @Accept      multipart/form-data
// @Produce     json
//
// @Param       Idempotency-Key  header    string  false  "Idempotency key for safe retries"
// @Param       files            formData  file    true   "Exactly one image and one audio file"
// @Param       name             formData  string  true   "Unique name (4-40 characters)"
// @Param       description      formData  string  true   "Description"
// @Param       date             formData  string  true   "Recording date (RFC3339 or YYYY-MM-DD)"
// @Param       location         formData  string  false  "Free-text location"
// @Param       gpsLocation      formData  string  false  "GeoJSON Point"
//
// @Success     201  {object}  domain.Impulse
// @Failure     400  {object}  handlers.ErrorResponse  "Validation or transform failure"
// @Failure     409  {object}  handlers.ErrorResponse  "Duplicate name"
// @Failure     502  {object}  handlers.ErrorResponse  "Upload failure"
// @Router      /impulses [post]
func (h *Handlers) CreateImpulse(c *gin.Context) {
	if id, replayed := middleware.ReplayOf(c); replayed {
		h.replay(c, id)
		return
	}

	form, err := c.MultipartForm()
	if err != nil {
		var mb *http.MaxBytesError
		if errors.As(err, &mb) {
			writeServiceError(c, err, ErrCodeBadRequest)
			return
		}
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "expected a multipart/form-data body")
		return
	}
	defer form.RemoveAll()

	in, err := parseCreateForm(form)
	if err != nil {
		writeServiceError(c, err, ErrCodeBadRequest)
		return
	}
	files, err := readUploads(form, h.now())
	if err != nil {
		writeServiceError(c, err, ErrCodeBadRequest)
		return
	}

	rec, err := h.svc.Create(c.Request.Context(), in, files)
	if err != nil {
		writeServiceError(c, err, ErrCodeInternal)
		return
	}

	h.remember(c, rec)
	c.Header("Location", c.FullPath()+"/"+rec.ID)
	ok(c, http.StatusCreated, rec)
}

// ListImpulses godoc
// @ID          listImpulses
// @Summary     List or search impulses (paginated)
// @Description Returns a page of impulses, newest first. With q, returns matches ranked by
// @Description name, description and location. Supports weak ETag via If-None-Match when q is empty.
// @Tags        Impulses
// @Produce     json
//
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"
// @Param       q              query   string  false "Free-text search"
// @Param       page           query   int     false "Page number"     minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"  minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListImpulsesResponse
// @Success     304  {string} string "Not Modified"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /impulses [get]
func (h *Handlers) ListImpulses(c *gin.Context) {
	ctx := c.Request.Context()
	page, pageSize := utils.ParsePage(c.Query("page"), c.Query("page_size"))

	if q := strings.TrimSpace(c.Query("q")); q != "" {
		items, total, err := h.svc.Search(ctx, q, page, pageSize)
		if err != nil {
			fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
			return
		}
		ok(c, http.StatusOK, ListImpulsesResponse{
			Impulses:   items,
			Pagination: utils.NewPageMeta(page, pageSize, total),
		})
		return
	}

	// ETag pre-check (best effort).
	if db := dbOf(h.svc); db != nil {
		count, maxTS, err := repo.ImpulsesStats(ctx, db)
		if err == nil {
			var ts int64
			if maxTS != nil {
				ts = maxTS.UnixNano()
			}
			etag := fmt.Sprintf(`W/"impulses:%d:%d:%d:%d"`, count, ts, page, pageSize)
			c.Header("ETag", etag)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	items, total, err := h.svc.ListPage(ctx, page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, ListImpulsesResponse{
		Impulses:   items,
		Pagination: utils.NewPageMeta(page, pageSize, total),
	})
}

// GetImpulse godoc
// @ID          getImpulse
// @Summary     Get an impulse
// @Tags        Impulses
// @Produce     json
// @Param       id  path  string  true  "Impulse ID (UUID)"  format(uuid)
// @Success     200  {object} domain.Impulse
// @Failure     404  {object} handlers.ErrorResponse "Impulse not found"
// @Router      /impulses/{id} [get]
func (h *Handlers) GetImpulse(c *gin.Context) {
	id, valid := validID(c)
	if !valid {
		return
	}
	rec, err := h.svc.Get(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, rec)
}

// UpdateImpulse godoc
// @ID          updateImpulse
// @Summary     Update impulse metadata
// @Description Applies a partial update. Files cannot be replaced.
// @Tags        Impulses
// @Accept      json
// @Produce     json
// @Param       id    path  string  true  "Impulse ID (UUID)"  format(uuid)
// @Param       body  body  handlers.UpdateImpulseRequest  true  "Fields to change"
// @Success     200  {object} domain.Impulse
// @Failure     400  {object} handlers.ErrorResponse "Validation failure"
// @Failure     404  {object} handlers.ErrorResponse "Impulse not found"
// @Failure     409  {object} handlers.ErrorResponse "Duplicate name"
// @Router      /impulses/{id} [patch]
func (h *Handlers) UpdateImpulse(c *gin.Context) {
	id, valid := validID(c)
	if !valid {
		return
	}
	var req UpdateImpulseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	patch, err := req.toPatch()
	if err != nil {
		writeServiceError(c, err, ErrCodeBadRequest)
		return
	}
	rec, err := h.svc.Update(c.Request.Context(), id, patch)
	if err != nil {
		writeServiceError(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, rec)
}

// DeleteImpulse godoc
// @ID          deleteImpulse
// @Summary     Delete an impulse
// @Description Removes the record, then its audio and image files. When file
// @Description removal fails the record stays deleted, the files are queued for
// @Description cleanup and a Warning header is returned.
// @Tags        Impulses
// @Param       id  path  string  true  "Impulse ID (UUID)"  format(uuid)
// @Success     204  {string} string "No Content"
// @Failure     404  {object} handlers.ErrorResponse "Impulse not found"
// @Router      /impulses/{id} [delete]
func (h *Handlers) DeleteImpulse(c *gin.Context) {
	id, valid := validID(c)
	if !valid {
		return
	}
	_, err := h.svc.Delete(c.Request.Context(), id)
	switch {
	case err == nil:
	case services.IsWarning(err):
		var bce *services.BlobCleanupError
		if errors.As(err, &bce) && !bce.Deferred() {
			middleware.LoggerFrom(c).Error().Err(err).Str("impulse_id", id).Strs("unqueued", bce.Unqueued).Msg("blob cleanup failed and was not queued")
			c.Header("Warning", `199 - "impulse deleted; file cleanup failed and was not queued"`)
			break
		}
		middleware.LoggerFrom(c).Warn().Err(err).Str("impulse_id", id).Msg("blob cleanup deferred")
		c.Header("Warning", `199 - "impulse deleted; file cleanup deferred"`)
	default:
		writeServiceError(c, err, ErrCodeDeleteFailed)
		return
	}
	noContent(c)
}

// RunReconcile godoc
// @ID          runReconcile
// @Summary     Run one reconciliation pass
// @Tags        Admin
// @Produce     json
// @Success     200  {object} services.ReconcileResult
// @Failure     404  {object} handlers.ErrorResponse "Reconciler disabled"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /admin/reconcile [post]
func (h *Handlers) RunReconcile(c *gin.Context) {
	if h.reconciler == nil {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "reconciler is disabled")
		return
	}
	res, err := h.reconciler.RunOnce(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeReconcileFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, res)
}
