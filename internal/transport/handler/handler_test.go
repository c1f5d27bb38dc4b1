package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Shaance/image-converter/internal/config"
	"github.com/Shaance/image-converter/internal/entities"
	"github.com/Shaance/image-converter/internal/repository/storage"
	"github.com/Shaance/image-converter/internal/transport/handler"
	"github.com/Shaance/image-converter/internal/transport/router"
	"github.com/Shaance/image-converter/internal/updater"
	use_case "github.com/Shaance/image-converter/internal/use-case"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const batchID = "0b0f6c1e-4a5e-4f5c-9a55-0d6f3d0c2b11"

type fakeUseCase struct {
	err      error
	uploaded struct {
		fileName, contentType string
		size                  int
	}
}

func (f *fakeUseCase) CreateBatch(_ context.Context, nbFiles int, targetMime string) (entities.Batch, error) {
	return entities.Batch{ID: batchID, NbFiles: nbFiles, TargetMime: targetMime}, f.err
}

func (f *fakeUseCase) Presign(_ context.Context, id, fileName string) (use_case.PresignedUpload, error) {
	return use_case.PresignedUpload{BatchID: id, ObjectKey: "OriginalImages/" + id + "/x.png", UploadURL: "u", ArchiveURL: "a"}, f.err
}

func (f *fakeUseCase) ConfirmUpload(_ context.Context, id, key string) (use_case.AcceptedUpload, error) {
	return use_case.AcceptedUpload{BatchID: id, ObjectKey: key, Uploaded: 1}, f.err
}

func (f *fakeUseCase) UploadImage(_ context.Context, id, fileName, contentType string, payload []byte) (use_case.AcceptedUpload, error) {
	f.uploaded.fileName = fileName
	f.uploaded.contentType = contentType
	f.uploaded.size = len(payload)
	return use_case.AcceptedUpload{BatchID: id, ObjectKey: "k", Uploaded: 1}, f.err
}

func (f *fakeUseCase) Status(_ context.Context, _ string) (entities.Status, error) {
	return entities.Status{Status: entities.StateConverting, Uploaded: 3, Processed: 1}, f.err
}

func newServer(t *testing.T, uc *fakeUseCase) *httptest.Server {
	t.Helper()
	cfg := config.NewConfig()
	cfg.Upload.MaxRequestBodyMB = 1
	cfg.Upload.MaxMultipartMemoryMB = 1
	srv := httptest.NewServer(router.NewRouter(handler.New(uc, cfg, zap.NewNop())))
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestCreateBatch(t *testing.T) {
	srv := newServer(t, &fakeUseCase{})

	resp := post(t, srv.URL+"/api/batches", `{"nbFiles":3,"targetMime":"image/png"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out handler.CreateBatchResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, batchID, out.BatchID)
}

func TestCreateBatchValidation(t *testing.T) {
	srv := newServer(t, &fakeUseCase{})

	for _, body := range []string{
		`{"nbFiles":0,"targetMime":"image/png"}`,
		`{"nbFiles":51,"targetMime":"image/png"}`,
		`{"nbFiles":2,"targetMime":"image/gif"}`,
		`{"nbFiles":`,
	} {
		resp := post(t, srv.URL+"/api/batches", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("x: %w", entities.ErrInvalidInput), http.StatusBadRequest},
		{storage.ErrNotFound, http.StatusNotFound},
		{entities.ErrCounterOverflow, http.StatusConflict},
		{entities.ErrBatchTerminated, http.StatusConflict},
		{fmt.Errorf("confirm: %w", entities.ErrDuplicateUpload), http.StatusConflict},
		{fmt.Errorf("batch: %w", updater.ErrRetriesExhausted), http.StatusServiceUnavailable},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		srv := newServer(t, &fakeUseCase{err: tc.err})
		resp := post(t, srv.URL+"/api/batches/"+batchID+"/presign", `{"fileName":"a.png"}`)
		assert.Equal(t, tc.code, resp.StatusCode, tc.err.Error())
	}
}

func TestRejectsMalformedBatchID(t *testing.T) {
	srv := newServer(t, &fakeUseCase{})

	resp, err := http.Get(srv.URL + "/api/batches/not-a-uuid")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatus(t *testing.T) {
	srv := newServer(t, &fakeUseCase{})

	resp, err := http.Get(srv.URL + "/api/batches/" + batchID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, map[string]any{"status": "CONVERTING", "uploaded": float64(3), "processed": float64(1)}, out)
}

func TestConfirmUpload(t *testing.T) {
	srv := newServer(t, &fakeUseCase{})

	resp := post(t, srv.URL+"/api/batches/"+batchID+"/uploads", `{"objectKey":"OriginalImages/`+batchID+`/f.png"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = post(t, srv.URL+"/api/batches/"+batchID+"/uploads", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func multipartBody(t *testing.T, field, name string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, name)
	require.NoError(t, err)
	_, err = fw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestUploadImage(t *testing.T) {
	uc := &fakeUseCase{}
	srv := newServer(t, uc)

	var img bytes.Buffer
	require.NoError(t, png.Encode(&img, image.NewRGBA(image.Rect(0, 0, 2, 2))))

	body, ct := multipartBody(t, "image", "photo.jpg", img.Bytes())
	resp, err := http.Post(srv.URL+"/api/batches/"+batchID+"/images", ct, body)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "photo.png", uc.uploaded.fileName)
	assert.Equal(t, "image/png", uc.uploaded.contentType)
	assert.Equal(t, img.Len(), uc.uploaded.size)
}

func TestUploadImageRejectsNonImages(t *testing.T) {
	srv := newServer(t, &fakeUseCase{})

	body, ct := multipartBody(t, "image", "notes.png", []byte("just some text"))
	resp, err := http.Post(srv.URL+"/api/batches/"+batchID+"/images", ct, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body, ct = multipartBody(t, "file", "a.png", []byte("x"))
	resp2, err := http.Post(srv.URL+"/api/batches/"+batchID+"/images", ct, body)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}
