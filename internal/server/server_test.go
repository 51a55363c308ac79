package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imageforge/internal/artifacts"
	"imageforge/internal/events"
	"imageforge/internal/locks"
	"imageforge/internal/models"
	"imageforge/internal/pipeline"
	"imageforge/internal/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recorder) Publish(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev)
	return nil
}

func (r *recorder) Close() error { return nil }

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, 0, len(r.evs))
	for _, ev := range r.evs {
		out = append(out, ev.Type)
	}
	return out
}

type testServer struct {
	srv      *Server
	store    *artifacts.Store
	registry *storage.Memory
	events   *recorder
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	cfg := &models.Config{
		ServerAddr:       ":0",
		StoragePath:      filepath.Join(t.TempDir(), "uploads"),
		TransformTimeout: 10 * time.Second,
		Workers:          2,
		MaxUploadBytes:   5 << 20,
	}
	store, err := artifacts.NewStore(cfg.StoragePath)
	require.NoError(t, err)
	registry := storage.NewMemory()
	rec := &recorder{}

	srv := NewServer(cfg, Deps{
		Registry: registry,
		Store:    store,
		Pipeline: pipeline.New(store, pipeline.Options{Workers: cfg.Workers, Timeout: cfg.TransformTimeout}),
		Locker:   locks.NewLocal(),
		Events:   rec,
	})
	return testServer{srv: srv, store: store, registry: registry, events: rec}
}

func fixture(w, h int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: uint8(x ^ y), A: 255})
		}
	}
	return img
}

func encoded(t *testing.T, img image.Image, format imaging.Format, opts ...imaging.EncodeOption) []byte {
	t.Helper()
	buf := new(bytes.Buffer)
	require.NoError(t, imaging.Encode(buf, img, format, opts...))
	return buf.Bytes()
}

func (ts testServer) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	return w
}

type uploadResponse struct {
	ID           int64  `json:"id"`
	Filename     string `json:"filename"`
	OriginalName string `json:"originalName"`
}

type processResponse struct {
	ID       int64  `json:"id"`
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
}

type errorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (ts testServer) upload(t *testing.T, name, contentType string, data []byte) uploadResponse {
	t.Helper()
	w := ts.do(t, uploadRequest(t, "image", name, contentType, data))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var res uploadResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	return res
}

func uploadRequest(t *testing.T, field, name, contentType string, data []byte) *http.Request {
	t.Helper()
	body := new(bytes.Buffer)
	mw := multipart.NewWriter(body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, name))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func processRequestFor(id int64, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/process/%d", id), bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func (ts testServer) process(t *testing.T, id int64, body string) (*httptest.ResponseRecorder, processResponse) {
	t.Helper()
	w := ts.do(t, processRequestFor(id, body))
	var res processResponse
	if w.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	}
	return w, res
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var res errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	return res
}

func TestUploadResizeDownload(t *testing.T) {
	ts := newTestServer(t)
	up := ts.upload(t, `C:\photos\wide.png`, "image/png", encoded(t, fixture(300, 200), imaging.PNG))
	assert.Equal(t, "wide.png", up.OriginalName)
	assert.Positive(t, up.ID)

	w, res := ts.process(t, up.ID, `{"operation":"resize","params":{"width":150,"maintainAspectRatio":true,"format":"png"}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, up.ID, res.ID)
	assert.Equal(t, "image/png", res.MimeType)
	assert.Equal(t, "/api/download/"+res.Filename, res.URL)

	dl := ts.do(t, httptest.NewRequest(http.MethodGet, res.URL, nil))
	require.Equal(t, http.StatusOK, dl.Code)
	assert.Contains(t, dl.Header().Get("Content-Disposition"), res.Filename)
	assert.Equal(t, res.Size, int64(dl.Body.Len()))
	img, format, err := image.Decode(bytes.NewReader(dl.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, 150, img.Bounds().Dx())
	assert.Equal(t, 100, img.Bounds().Dy())

	// the raw upload is gone once the first transform has consumed it
	_, err = ts.store.Path(up.Filename)
	assert.ErrorIs(t, err, models.ErrArtifactMissing)

	rec, err := ts.registry.Get(t.Context(), up.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OpResize, rec.LastOperation)
	assert.Equal(t, res.Filename, rec.ArtifactID)
	assert.Equal(t, res.Size, rec.Size)
	assert.JSONEq(t, `{"width":150,"maintainAspectRatio":true,"format":"png"}`, string(rec.LastParams))

	assert.Equal(t, []events.Type{events.ImageUploaded, events.ImageProcessed}, ts.events.types())
}

func TestCompressShrinksJPEG(t *testing.T) {
	ts := newTestServer(t)
	original := encoded(t, fixture(320, 240), imaging.JPEG, imaging.JPEGQuality(95))
	up := ts.upload(t, "photo.jpg", "image/jpeg", original)

	w, res := ts.process(t, up.ID, `{"operation":"compress","params":{"quality":10,"format":"jpeg"}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Less(t, res.Size, int64(len(original)))
	assert.Equal(t, "image/jpeg", res.MimeType)
}

func TestChainedTransformsKeepProcessedArtifacts(t *testing.T) {
	ts := newTestServer(t)
	up := ts.upload(t, "a.png", "image/png", encoded(t, fixture(100, 80), imaging.PNG))

	w, first := ts.process(t, up.ID, `{"operation":"upscale","params":{"scale":2,"format":"webp"}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "image/webp", first.MimeType)

	w, second := ts.process(t, up.ID, `{"operation":"resize","params":{"width":50,"height":50,"maintainAspectRatio":false,"format":"jpeg"}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEqual(t, first.Filename, second.Filename)

	// only the raw upload is eagerly removed; processed artifacts age out
	_, err := ts.store.Path(first.Filename)
	assert.NoError(t, err)

	dl := ts.do(t, httptest.NewRequest(http.MethodGet, second.URL, nil))
	require.Equal(t, http.StatusOK, dl.Code)
	img, _, err := image.Decode(bytes.NewReader(dl.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, image.Pt(50, 50), img.Bounds().Size())
}

func TestUploadWithoutFile(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, uploadRequest(t, "other", "x.png", "image/png", []byte("x")))
	require.Equal(t, http.StatusBadRequest, w.Code)
	res := decodeError(t, w)
	assert.Equal(t, string(models.KindValidation), res.Kind)
	assert.NotEmpty(t, res.Message)
}

func TestProcessErrors(t *testing.T) {
	ts := newTestServer(t)
	good := ts.upload(t, "a.png", "image/png", encoded(t, fixture(20, 20), imaging.PNG))

	tests := []struct {
		name     string
		path     string
		body     string
		wantCode int
		wantKind models.ErrorKind
	}{
		{
			name:     "unknown id",
			path:     "/api/process/9999",
			body:     `{"operation":"compress","params":{"quality":50,"format":"png"}}`,
			wantCode: http.StatusNotFound,
			wantKind: models.KindNotFound,
		},
		{
			name:     "non numeric id",
			path:     "/api/process/abc",
			body:     `{"operation":"compress","params":{"quality":50,"format":"png"}}`,
			wantCode: http.StatusNotFound,
			wantKind: models.KindNotFound,
		},
		{
			name:     "unknown operation",
			path:     fmt.Sprintf("/api/process/%d", good.ID),
			body:     `{"operation":"rotate","params":{"format":"png"}}`,
			wantCode: http.StatusBadRequest,
			wantKind: models.KindValidation,
		},
		{
			name:     "missing params",
			path:     fmt.Sprintf("/api/process/%d", good.ID),
			body:     `{"operation":"compress"}`,
			wantCode: http.StatusBadRequest,
			wantKind: models.KindValidation,
		},
		{
			name:     "quality out of range",
			path:     fmt.Sprintf("/api/process/%d", good.ID),
			body:     `{"operation":"compress","params":{"quality":0,"format":"png"}}`,
			wantCode: http.StatusBadRequest,
			wantKind: models.KindValidation,
		},
		{
			name:     "malformed json",
			path:     fmt.Sprintf("/api/process/%d", good.ID),
			body:     `{"operation":`,
			wantCode: http.StatusBadRequest,
			wantKind: models.KindValidation,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tc.path, bytes.NewBufferString(tc.body))
			req.Header.Set("Content-Type", "application/json")
			w := ts.do(t, req)
			require.Equal(t, tc.wantCode, w.Code, w.Body.String())
			assert.Equal(t, string(tc.wantKind), decodeError(t, w).Kind)
		})
	}

	rec, err := ts.registry.Get(t.Context(), good.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OpPending, rec.LastOperation)
	assert.Equal(t, good.Filename, rec.ArtifactID)
}

func TestProcessCorruptUpload(t *testing.T) {
	ts := newTestServer(t)
	up := ts.upload(t, "broken.png", "image/png", []byte("not really a png"))

	w, _ := ts.process(t, up.ID, `{"operation":"resize","params":{"width":10,"format":"png"}}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	res := decodeError(t, w)
	assert.Equal(t, string(models.KindDecode), res.Kind)
	assert.NotContains(t, res.Message, ts.store.Dir())

	// the record still points at the untouched upload and nothing new was written
	rec, err := ts.registry.Get(t.Context(), up.ID)
	require.NoError(t, err)
	assert.Equal(t, up.Filename, rec.ArtifactID)
	assert.Equal(t, models.OpPending, rec.LastOperation)
	_, err = ts.store.Path(up.Filename)
	assert.NoError(t, err)
	assert.Len(t, ts.artifactNames(t), 1)
}

func TestProcessSweptArtifact(t *testing.T) {
	ts := newTestServer(t)
	up := ts.upload(t, "a.png", "image/png", encoded(t, fixture(20, 20), imaging.PNG))
	require.NoError(t, ts.store.Delete(up.Filename))

	w, _ := ts.process(t, up.ID, `{"operation":"compress","params":{"quality":50,"format":"png"}}`)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(models.KindNotFound), decodeError(t, w).Kind)
}

func TestConcurrentTransformsSameImage(t *testing.T) {
	ts := newTestServer(t)
	up := ts.upload(t, "a.png", "image/png", encoded(t, fixture(60, 40), imaging.PNG))

	const n = 4
	var wg sync.WaitGroup
	codes := make([]int, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := httptest.NewRecorder()
			ts.srv.Handler().ServeHTTP(w, processRequestFor(up.ID, `{"operation":"upscale","params":{"scale":2,"format":"png"}}`))
			codes[i] = w.Code
		}()
	}
	wg.Wait()

	for _, code := range codes {
		assert.Equal(t, http.StatusOK, code)
	}
	rec, err := ts.registry.Get(t.Context(), up.ID)
	require.NoError(t, err)
	_, err = ts.store.Path(rec.ArtifactID)
	require.NoError(t, err)
}

func TestDownloadNotFound(t *testing.T) {
	ts := newTestServer(t)
	for _, name := range []string{"missing.png", ".hidden", "x.png.part"} {
		w := ts.do(t, httptest.NewRequest(http.MethodGet, "/api/download/"+name, nil))
		require.Equal(t, http.StatusNotFound, w.Code, name)
		assert.Equal(t, string(models.KindNotFound), decodeError(t, w).Kind)
	}
}

func TestGetImage(t *testing.T) {
	ts := newTestServer(t)
	up := ts.upload(t, "a.png", "image/png", encoded(t, fixture(10, 10), imaging.PNG))

	w := ts.do(t, httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/images/%d", up.ID), nil))
	require.Equal(t, http.StatusOK, w.Code)
	var rec models.ImageRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, "a.png", rec.OriginalName)
	assert.Equal(t, "image/png", rec.MimeType)
	assert.Equal(t, up.Filename, rec.ArtifactID)
	assert.Equal(t, models.OpPending, rec.LastOperation)

	w = ts.do(t, httptest.NewRequest(http.MethodGet, "/api/images/424242", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func (ts testServer) artifactNames(t *testing.T) []string {
	t.Helper()
	var names []string
	for id := range ts.store.ListOlderThan(-time.Hour) {
		names = append(names, id)
	}
	return names
}
