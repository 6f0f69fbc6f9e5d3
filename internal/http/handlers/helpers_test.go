package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/impulse-backend/internal/domain"
	"github.com/tbourn/impulse-backend/internal/http/middleware"
	"github.com/tbourn/impulse-backend/internal/repo"
	"github.com/tbourn/impulse-backend/internal/services"
	"github.com/tbourn/impulse-backend/internal/storage"
	"github.com/tbourn/impulse-backend/internal/transform"
)

func init() { gin.SetMode(gin.TestMode) }

// ---------- test DB + repo shims ----------

func newImpulseDB(t *testing.T) *gorm.DB {
	t.Helper()

	// Unique DSN per call to avoid cross-test contamination
	dsn := fmt.Sprintf("file:impulse_handlers_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// impulseRepo implements services.ImpulseRepo using the repo package (like router.go).
type impulseRepo struct{}

func (impulseRepo) CreateImpulse(ctx context.Context, db *gorm.DB, imp domain.Impulse, p domain.LocationPolicy) (*domain.Impulse, error) {
	return repo.CreateImpulse(ctx, db, imp, p)
}

func (impulseRepo) FindImpulseByID(ctx context.Context, db *gorm.DB, id string) (*domain.Impulse, error) {
	return repo.FindImpulseByID(ctx, db, id)
}

func (impulseRepo) UpdateImpulse(ctx context.Context, db *gorm.DB, id string, patch domain.ImpulsePatch, p domain.LocationPolicy) (*domain.Impulse, error) {
	return repo.UpdateImpulse(ctx, db, id, patch, p)
}

func (impulseRepo) DeleteImpulse(ctx context.Context, db *gorm.DB, id string) (*domain.Impulse, error) {
	return repo.DeleteImpulse(ctx, db, id)
}

func (impulseRepo) ListImpulses(ctx context.Context, db *gorm.DB) ([]domain.Impulse, error) {
	return repo.ListImpulses(ctx, db)
}

func (impulseRepo) CountImpulses(ctx context.Context, db *gorm.DB) (int64, error) {
	return repo.CountImpulses(ctx, db)
}

func (impulseRepo) ListImpulsesPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.Impulse, error) {
	return repo.ListImpulsesPage(ctx, db, offset, limit)
}

type cleanupRepo struct{}

func (cleanupRepo) EnqueueCleanup(ctx context.Context, db *gorm.DB, kind, target, reason string) (*domain.CleanupTask, error) {
	return repo.EnqueueCleanup(ctx, db, kind, target, reason)
}

func (cleanupRepo) DueCleanups(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.CleanupTask, error) {
	return repo.DueCleanups(ctx, db, now, limit)
}

func (cleanupRepo) MarkCleanupDone(ctx context.Context, db *gorm.DB, id string, now time.Time) error {
	return repo.MarkCleanupDone(ctx, db, id, now)
}

func (cleanupRepo) MarkCleanupFailed(ctx context.Context, db *gorm.DB, id, cause string, next time.Time) error {
	return repo.MarkCleanupFailed(ctx, db, id, cause, next)
}

func (cleanupRepo) PendingCleanups(ctx context.Context, db *gorm.DB) (int64, error) {
	return repo.PendingCleanups(ctx, db)
}

// passthrough keeps the bytes and only relabels the pair.
type passthrough struct{ err error }

func (p passthrough) Transform(_ context.Context, img, aud transform.UploadFile) (transform.UploadFile, transform.UploadFile, error) {
	if p.err != nil {
		return transform.UploadFile{}, transform.UploadFile{}, p.err
	}
	img.MIMEType, aud.MIMEType = "image/jpeg", "audio/mpeg"
	return img, aud, nil
}

// ---------- env ----------

type env struct {
	db     *gorm.DB
	store  *storage.MemoryGateway
	svc    *services.ImpulseService
	h      *Handlers
	router *gin.Engine
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		db:    newImpulseDB(t),
		store: storage.NewMemoryGateway("impulses", "fra1.digitaloceanspaces.com"),
	}
	e.svc = services.NewImpulseService(e.db, impulseRepo{}, cleanupRepo{}, passthrough{}, e.store, zerolog.Nop())
	rec := services.NewReconciler(e.db, impulseRepo{}, cleanupRepo{}, e.store, zerolog.Nop())
	e.h = New(e.svc, rec)

	var tick atomic.Int64
	e.h.now = func() time.Time { return time.UnixMilli(1700000000000 + tick.Add(1)) }

	e.router = gin.New()
	e.router.Use(middleware.RequestID())
	e.router.Use(middleware.IdempotencyValidator(middleware.IdempotencyOptions{},
		func(ctx context.Context, client, scope, key string, now time.Time) (string, bool, error) {
			rec, err := repo.GetIdempotency(ctx, e.db, client, scope, key, now)
			if err != nil {
				return "", false, nil
			}
			return rec.ResourceID, true, nil
		}))
	mountRoutes(e.router.Group("/api/v1"), e.h)
	return e
}

func mountRoutes(g *gin.RouterGroup, h *Handlers) {
	g.POST("/impulses", h.CreateImpulse)
	g.GET("/impulses", h.ListImpulses)
	g.GET("/impulses/:id", h.GetImpulse)
	g.PATCH("/impulses/:id", h.UpdateImpulse)
	g.DELETE("/impulses/:id", h.DeleteImpulse)
	g.POST("/admin/reconcile", h.RunReconcile)
}

// ---------- request builders ----------

type part struct {
	name, contentType string
	data              []byte
}

var (
	wavPart = part{"hall.wav", "audio/wav", []byte("RIFF\x24\x00\x00\x00WAVEfmt ")}
	pngPart = part{"hall.png", "image/png", []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\x0dIHDR")}
)

// multipartBody encodes fields and "files" parts.
func multipartBody(t *testing.T, fields map[string]string, files ...part) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	for _, f := range files {
		hdr := make(textproto.MIMEHeader)
		hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename=%q`, f.name))
		hdr.Set("Content-Type", f.contentType)
		w, err := mw.CreatePart(hdr)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		_, _ = w.Write(f.data)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func hallFields(name string) map[string]string {
	return map[string]string{
		"name":        name,
		"description": "Large reverberant concert hall",
		"date":        "2023-03-04",
		"location":    "Vienna",
	}
}

func (e *env) create(t *testing.T, fields map[string]string, hdr map[string]string, files ...part) *httptest.ResponseRecorder {
	t.Helper()
	body, ct := multipartBody(t, fields, files...)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/impulses", body)
	req.Header.Set("Content-Type", ct)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *env) mustCreate(t *testing.T, name string) domain.Impulse {
	t.Helper()
	w := e.create(t, hallFields(name), nil, wavPart, pngPart)
	if w.Code != http.StatusCreated {
		t.Fatalf("create %q: status=%d body=%s", name, w.Code, w.Body.String())
	}
	var rec domain.Impulse
	decode(t, w, &rec)
	return rec
}

func (e *env) do(method, target, body string, hdr map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("json: %v; body=%s", err, w.Body.String())
	}
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var er ErrorResponse
	decode(t, w, &er)
	return er.Code
}
