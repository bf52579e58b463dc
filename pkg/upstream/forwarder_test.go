package upstream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/api-cache-proxy/internal/testutil"
)

func newTestForwarder(t *testing.T, baseURL string) *Forwarder {
	t.Helper()
	f, err := New(Config{BaseURL: baseURL})
	require.NoError(t, err)
	return f
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name        string
		config      Config
		expectError bool
	}{
		{name: "default config", config: DefaultConfig()},
		{name: "trailing slash", config: Config{BaseURL: "http://localhost:9999/v1/"}},
		{name: "empty base url", config: Config{}, expectError: true},
		{name: "relative base url", config: Config{BaseURL: "/v1"}, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := New(tt.config)
			if tt.expectError {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, f)
		})
	}
}

func TestForwarder_URL(t *testing.T) {
	f := newTestForwarder(t, "https://api.example.com/v1/")
	require.Equal(t, "https://api.example.com/v1/chat/completions", f.URL("/chat/completions"))
}

func TestForwarder_Forward_JSON(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse("/v1/chat/completions", testutil.NewJSONResponse(`{"b":2}`))

	f := newTestForwarder(t, mock.URL()+"/v1")
	resp, err := f.Forward(context.Background(), &Request{
		Method: http.MethodPost,
		Path:   "/chat/completions",
		Header: http.Header{
			"Authorization": []string{"Bearer sk-test"},
			"Content-Type":  []string{"application/json"},
			"X-Custom":      []string{"kept"},
		},
		Body: []byte(`{"a":1}`),
	})
	require.NoError(t, err)

	body, _ := io.ReadAll(resp.Body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, `{"b":2}`, string(body))
	require.Equal(t, "req_upstream_123", resp.Header.Get("X-Request-Id"))

	got, ok := mock.LastRequest()
	require.True(t, ok)
	require.Equal(t, http.MethodPost, got.Method)
	require.Equal(t, `{"a":1}`, string(got.Body))
	require.Equal(t, "Bearer sk-test", got.Header.Get("Authorization"))
	require.Equal(t, "application/json", got.Header.Get("Content-Type"))
	require.Equal(t, "kept", got.Header.Get("X-Custom"))
}

func TestForwarder_Forward_EmptyBody(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()

	f := newTestForwarder(t, mock.URL()+"/v1")
	resp, err := f.Forward(context.Background(), &Request{
		Method: http.MethodPost,
		Path:   "/models",
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   []byte{},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got, ok := mock.LastRequest()
	require.True(t, ok)
	require.Empty(t, got.Body, "empty body must be sent as no body")
	require.Empty(t, got.Header.Get("Transfer-Encoding"))
}

func TestForwarder_Forward_Multipart(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse("/v1/images/edits", testutil.NewJSONResponse(`{"created":1}`))

	body, inboundType := testutil.MultipartBody(t, map[string]string{"prompt": "a cat"},
		testutil.FormFile{Field: "image", FileName: "a.png", Content: []byte("png bytes")})
	form := testutil.ParseMultipart(t, body, inboundType)

	f := newTestForwarder(t, mock.URL()+"/v1")
	resp, err := f.Forward(context.Background(), &Request{
		Method: http.MethodPost,
		Path:   "/images/edits",
		Header: http.Header{
			"Content-Type":  []string{inboundType},
			"Authorization": []string{"Bearer sk-test"},
		},
		Form: form,
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got, ok := mock.LastRequest()
	require.True(t, ok)

	outboundType := got.Header.Get("Content-Type")
	require.NotEqual(t, inboundType, outboundType, "boundary must be regenerated")
	require.Len(t, got.Header.Values("Content-Type"), 1)

	mediaType, params, err := mime.ParseMediaType(outboundType)
	require.NoError(t, err)
	require.Equal(t, "multipart/form-data", mediaType)

	parsed, err := multipart.NewReader(bytes.NewReader(got.Body), params["boundary"]).ReadForm(1 << 20)
	require.NoError(t, err)
	defer parsed.RemoveAll()

	require.Equal(t, []string{"a cat"}, parsed.Value["prompt"])
	require.Len(t, parsed.File["image"], 1)
	require.Equal(t, "a.png", parsed.File["image"][0].Filename)

	fh, err := parsed.File["image"][0].Open()
	require.NoError(t, err)
	defer fh.Close()
	content, _ := io.ReadAll(fh)
	require.Equal(t, "png bytes", string(content))
}

func TestForwarder_Forward_ErrorStatusIsResponse(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse("/v1/missing", testutil.NewNotFoundResponse())
	mock.SetResponse("/v1/broken", testutil.NewServerErrorResponse())

	f := newTestForwarder(t, mock.URL()+"/v1")

	for path, want := range map[string]int{"/missing": 404, "/broken": 500} {
		resp, err := f.Forward(context.Background(), &Request{Method: http.MethodPost, Path: path})
		require.NoError(t, err, path)
		require.Equal(t, want, resp.StatusCode, path)
	}
}

func TestForwarder_Forward_NetworkError(t *testing.T) {
	mock := testutil.NewMockUpstream()
	baseURL := mock.URL() + "/v1"
	mock.Close()

	f := newTestForwarder(t, baseURL)
	resp, err := f.Forward(context.Background(), &Request{Method: http.MethodPost, Path: "/chat/completions"})
	require.Nil(t, resp)
	require.Error(t, err)

	var upErr *Error
	require.True(t, errors.As(err, &upErr))
	require.Equal(t, ErrorClassNetwork, upErr.ErrorClass)
	require.Equal(t, baseURL+"/chat/completions", upErr.URL)
}

func TestForwarder_Forward_Canceled(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := newTestForwarder(t, mock.URL())
	_, err := f.Forward(ctx, &Request{Method: http.MethodPost, Path: "/x"})

	var upErr *Error
	require.True(t, errors.As(err, &upErr))
	require.Equal(t, ErrorClassCanceled, upErr.ErrorClass)
	require.True(t, errors.Is(err, context.Canceled))
}

func TestForwarder_Forward_Timeout(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse("/slow", testutil.MockResponse{StatusCode: 200, Body: `{}`, Delay: 500 * time.Millisecond})
	mock.SetResponse("/fast", testutil.NewJSONResponse(`{"ok":1}`))

	f := newTestForwarder(t, mock.URL())
	f.SetHTTPClient(&http.Client{Timeout: 50 * time.Millisecond})

	_, err := f.Forward(context.Background(), &Request{Method: http.MethodPost, Path: "/slow"})
	var upErr *Error
	require.True(t, errors.As(err, &upErr))
	require.Equal(t, ErrorClassTimeout, upErr.ErrorClass)

	// The client swap holds for later requests too.
	mock.Reset()
	resp, err := f.Forward(context.Background(), &Request{Method: http.MethodPost, Path: "/fast"})
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, 1, mock.GetRequestCount())
	last, ok := mock.LastRequest()
	require.True(t, ok)
	require.Equal(t, "/fast", last.Path)
}

func TestEncodeForm_Empty(t *testing.T) {
	body, contentType, err := EncodeForm(&multipart.Form{})
	require.NoError(t, err)
	require.Contains(t, contentType, "multipart/form-data; boundary=")
	require.NotEmpty(t, body)
}
