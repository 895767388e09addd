package handlers

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Brownie44l1/leaf-api/internal/labels"
	"github.com/Brownie44l1/leaf-api/internal/model"
	"github.com/Brownie44l1/leaf-api/internal/pipeline"
	"github.com/Brownie44l1/leaf-api/internal/preprocess"
)

type stubClassifier struct {
	output []float32
	err    error
}

func (s *stubClassifier) Predict([]float32) ([]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.output, nil
}
func (s *stubClassifier) InputShape() []int64  { return []int64{1, 32, 32, 3} }
func (s *stubClassifier) OutputShape() []int64 { return []int64{1, 3} }
func (s *stubClassifier) Close()               {}

type loaderFunc func() (model.Classifier, error)

func newRouter(t *testing.T, load loaderFunc) (http.Handler, *pipeline.Pipeline) {
	t.Helper()
	loader := func() (*pipeline.Artifacts, error) {
		c, err := load()
		if err != nil {
			return nil, err
		}
		return &pipeline.Artifacts{
			Classifier: c,
			Labels:     labels.Set{"blimbing", "jeruk", "kemangi"},
			Preprocess: preprocess.Options{Width: 32, Height: 32, Normalization: preprocess.TanhRange, Layout: preprocess.NHWC},
		}, nil
	}
	p, err := pipeline.New(loader, pipeline.Options{Threshold: pipeline.DefaultThreshold}, zap.NewNop())
	require.NoError(t, err)
	_ = p.Init()

	r := chi.NewRouter()
	r.Use(CORS)
	NewHandler(p, zap.NewNop(), 1<<20).Routes(r)
	return r, p
}

func newServer(t *testing.T, load loaderFunc) (*httptest.Server, *pipeline.Pipeline) {
	t.Helper()
	r, p := newRouter(t, load)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, p
}

func withOutput(output ...float32) loaderFunc {
	return func() (model.Classifier, error) {
		return &stubClassifier{output: output}, nil
	}
}

func pngUpload(t *testing.T, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("image", "leaf.png")
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func leafPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 30))
	for y := 0; y < 30; y++ {
		for x := 0; x < 40; x++ {
			img.Set(x, y, color.RGBA{G: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func postImage(t *testing.T, url string, data []byte) *http.Response {
	t.Helper()
	body, ct := pngUpload(t, data)
	resp, err := http.Post(url, ct, body)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, sonic.ConfigDefault.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestPredictFromImageRecognized(t *testing.T) {
	srv, _ := newServer(t, withOutput(0.10, 0.85, 0.05))

	resp := postImage(t, srv.URL+"/predict/image", leafPNG(t))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	got := decode[PredictionResponse](t, resp)
	assert.Equal(t, StatusRecognized, got.Status)
	assert.Equal(t, "jeruk", got.Label)
	assert.Equal(t, "Jeruk (confidence: 85.00%)", got.Message)
	assert.NotEmpty(t, got.ID)
	assert.Len(t, got.Predictions, 3)
}

func TestPredictFromImageNotRecognized(t *testing.T) {
	srv, _ := newServer(t, withOutput(0.40, 0.35, 0.25))

	resp := postImage(t, srv.URL+"/predict/image", leafPNG(t))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got := decode[PredictionResponse](t, resp)
	assert.Equal(t, StatusNotRecognized, got.Status)
	assert.Empty(t, got.Label)
	assert.Equal(t, "not recognized (confidence: 40.00%)", got.Message)
}

func TestPredictFromImageText(t *testing.T) {
	srv, _ := newServer(t, withOutput(0.10, 0.85, 0.05))

	resp := postImage(t, srv.URL+"/predict/image?format=text", leafPNG(t))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")

	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "Jeruk (confidence: 85.00%)\n", buf.String())
}

func TestPredictFromImageErrors(t *testing.T) {
	t.Run("corrupt image", func(t *testing.T) {
		srv, _ := newServer(t, withOutput(0.10, 0.85, 0.05))
		resp := postImage(t, srv.URL+"/predict/image", []byte("not an image"))
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, string(pipeline.KindInputDecode), decode[ErrorResponse](t, resp).Error)
	})

	t.Run("missing field", func(t *testing.T) {
		srv, _ := newServer(t, withOutput(0.10, 0.85, 0.05))
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		require.NoError(t, mw.WriteField("note", "x"))
		require.NoError(t, mw.Close())

		resp, err := http.Post(srv.URL+"/predict/image", mw.FormDataContentType(), &body)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("not multipart", func(t *testing.T) {
		srv, _ := newServer(t, withOutput(0.10, 0.85, 0.05))
		resp, err := http.Post(srv.URL+"/predict/image", "application/json", strings.NewReader("{}"))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("too large", func(t *testing.T) {
		router, _ := newRouter(t, withOutput(0.10, 0.85, 0.05))
		body, ct := pngUpload(t, bytes.Repeat([]byte{0xff}, 2<<20))
		req := httptest.NewRequest(http.MethodPost, "/predict/image", body)
		req.Header.Set("Content-Type", ct)
		rec := httptest.NewRecorder()

		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})

	t.Run("inference failure", func(t *testing.T) {
		srv, _ := newServer(t, func() (model.Classifier, error) {
			return &stubClassifier{err: errors.New("boom")}, nil
		})
		resp := postImage(t, srv.URL+"/predict/image", leafPNG(t))
		require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		assert.Equal(t, string(pipeline.KindInference), decode[ErrorResponse](t, resp).Error)
	})

	t.Run("label mismatch", func(t *testing.T) {
		srv, _ := newServer(t, withOutput(0.05, 0.05, 0.05, 0.85))
		resp := postImage(t, srv.URL+"/predict/image", leafPNG(t))
		require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		assert.Equal(t, string(pipeline.KindLabelMismatch), decode[ErrorResponse](t, resp).Error)
	})

	t.Run("model not loaded", func(t *testing.T) {
		srv, _ := newServer(t, func() (model.Classifier, error) {
			return nil, errors.New("missing keras_model.onnx")
		})
		resp := postImage(t, srv.URL+"/predict/image", leafPNG(t))
		require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.Equal(t, string(pipeline.KindArtifactLoad), decode[ErrorResponse](t, resp).Error)
	})
}

func TestPredictRawTensor(t *testing.T) {
	srv, _ := newServer(t, withOutput(0.05, 0.05, 0.90))

	payload, err := sonic.Marshal(model.PredictionRequest{Image: make([]float32, 32*32*3)})
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+"/predict", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "kemangi", decode[PredictionResponse](t, resp).Label)

	short, err := http.Post(srv.URL+"/predict", "application/json", strings.NewReader(`{"image":[0.1,0.2]}`))
	require.NoError(t, err)
	defer short.Body.Close()
	assert.Equal(t, http.StatusBadRequest, short.StatusCode)

	bad, err := http.Post(srv.URL+"/predict", "application/json", strings.NewReader(`{"image":`))
	require.NoError(t, err)
	defer bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestHealthAndReload(t *testing.T) {
	fail := true
	srv, _ := newServer(t, func() (model.Classifier, error) {
		if fail {
			return nil, errors.New("corrupt artifact")
		}
		return &stubClassifier{output: []float32{0.1, 0.8, 0.1}}, nil
	})

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/model/reload", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	fail = false
	resp, err = http.Post(srv.URL+"/model/reload", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", decode[map[string]string](t, resp)["status"])
}

func TestUnloadedModel(t *testing.T) {
	srv, _ := newServer(t, func() (model.Classifier, error) {
		return nil, errors.New("labels.txt: no such file")
	})

	resp, err := http.Post(srv.URL+"/predict", "application/json", strings.NewReader(`{"image":[0.1]}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, string(pipeline.KindArtifactLoad), decode[ErrorResponse](t, resp).Error)

	lr, err := http.Get(srv.URL + "/labels")
	require.NoError(t, err)
	defer lr.Body.Close()
	assert.Equal(t, []string{}, decode[map[string][]string](t, lr)["labels"])
}

func TestLabelsAndPreflight(t *testing.T) {
	srv, _ := newServer(t, withOutput(0.1, 0.8, 0.1))

	resp, err := http.Get(srv.URL + "/labels")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, []string{"blimbing", "jeruk", "kemangi"}, decode[map[string][]string](t, resp)["labels"])

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/predict/image", nil)
	require.NoError(t, err)
	pre, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer pre.Body.Close()
	assert.Equal(t, http.StatusOK, pre.StatusCode)
	assert.Contains(t, pre.Header.Get("Access-Control-Allow-Methods"), "POST")
}
