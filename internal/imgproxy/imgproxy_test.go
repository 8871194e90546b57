package imgproxy

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Father1993/PIM-Image-Management/internal/bucket"
	"github.com/Father1993/PIM-Image-Management/internal/httpclient"
	"github.com/Father1993/PIM-Image-Management/internal/records"
	"github.com/Father1993/PIM-Image-Management/internal/syncerr"
)

func newTestServer(handler http.Handler) *httptest.Server {
	server := httptest.NewServer(handler)
	server.Config.SetKeepAlivesEnabled(false)
	return server
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := imaging.New(w, h, color.NRGBA{R: 200, G: 30, B: 30, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// newFakeImgproxy decodes base64url sources, downloads them and renders them with LocalRenderer
func newFakeImgproxy(t *testing.T, status func() int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	renderer := NewLocalRenderer(DefaultProfile())
	server := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if status != nil {
			if code := status(); code != http.StatusOK {
				w.WriteHeader(code)
				return
			}
		}
		last := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		encoded := strings.TrimSuffix(last, ".jpg")
		source, err := base64.RawURLEncoding.DecodeString(encoded)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		resp, err := http.Get(string(source))
		if err != nil {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		src, _ := io.ReadAll(resp.Body)
		out, err := renderer.Render(src)
		if err != nil {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(out)
	}))
	t.Cleanup(server.Close)
	return server, &calls
}

func newSourceServer(t *testing.T, files map[string][]byte) *httptest.Server {
	t.Helper()
	server := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, ok := files[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		_, _ = w.Write(data)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestProfile_Options(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "resize:fit:750:1000/extend:1:ce/background:255:255:255/quality:85", DefaultProfile().Options())

	p := DefaultProfile()
	p.Extend = false
	assert.Equal(t, "resize:fit:750:1000/background:255:255:255/quality:85", p.Options())
}

func TestURLBuilder_Build(t *testing.T) {
	t.Parallel()

	source := "https://pim.example.com/images/IMG_1.JPG"
	encoded := base64.RawURLEncoding.EncodeToString([]byte(source))

	t.Run("unsigned base64 source", func(t *testing.T) {
		t.Parallel()
		b := NewURLBuilder("http://imgproxy:8080/", nil, nil, false, DefaultProfile())
		assert.Equal(t,
			"http://imgproxy:8080/unsafe/resize:fit:750:1000/extend:1:ce/background:255:255:255/quality:85/"+encoded+".jpg",
			b.Build(source))
	})

	t.Run("unsigned plain source", func(t *testing.T) {
		t.Parallel()
		b := NewURLBuilder("http://imgproxy:8080", nil, nil, true, DefaultProfile())
		assert.True(t, strings.HasSuffix(b.Build(source),
			"/plain/https%3A%2F%2Fpim.example.com%2Fimages%2FIMG_1.JPG@jpg"))
	})

	t.Run("plain source with reserved characters", func(t *testing.T) {
		t.Parallel()
		b := NewURLBuilder("http://imgproxy:8080", nil, nil, true, DefaultProfile())

		tricky := "https://pim.example.com/images/a b@2x.JPG?v=1&s=2#top"
		got := b.Build(tricky)

		plain := got[strings.Index(got, "/plain/")+len("/plain/"):]
		require.Equal(t, 1, strings.Count(plain, "@"))
		assert.NotContains(t, plain, "?")
		assert.NotContains(t, plain, "#")
		assert.NotContains(t, plain, " ")

		escaped, ext, _ := strings.Cut(plain, "@")
		assert.Equal(t, "jpg", ext)
		decoded, err := url.PathUnescape(escaped)
		require.NoError(t, err)
		assert.Equal(t, tricky, decoded)
	})

	t.Run("signed", func(t *testing.T) {
		t.Parallel()
		key := []byte("secret-key")
		salt := []byte("secret-salt")
		b := NewURLBuilder("http://imgproxy:8080", key, salt, false, DefaultProfile())

		path := "/" + DefaultProfile().Options() + "/" + encoded + ".jpg"
		mac := hmac.New(sha256.New, key)
		mac.Write(append(append([]byte{}, salt...), path...))
		want := "http://imgproxy:8080/" + base64.RawURLEncoding.EncodeToString(mac.Sum(nil)) + path

		got := b.Build(source)
		assert.Equal(t, want, got)
		assert.NotContains(t, got, "unsafe")
	})
}

func TestLowerExtension(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"https://x/a/IMG.JPG", "https://x/a/IMG.jpg"},
		{"https://x/a/IMG.jpg", "https://x/a/IMG.jpg"},
		{"https://x/a/IMG.PnG?v=2", "https://x/a/IMG.png?v=2"},
		{"https://x/a/noext", "https://x/a/noext"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, lowerExtension(tt.in))
		})
	}
}

func TestClient_TransformProducesProfileSizedJPEG(t *testing.T) {
	t.Parallel()

	source := newSourceServer(t, map[string][]byte{"/images/big.png": pngBytes(t, 2000, 2000)})
	proxy, _ := newFakeImgproxy(t, nil)

	client := NewClient(NewURLBuilder(proxy.URL, nil, nil, false, DefaultProfile()), httpclient.NewDefaultClient(10*time.Second))
	rec := &records.ImageRecord{ProductID: 1, ImageName: "big.png", ImageType: records.ImageTypeMain, SourceURL: source.URL + "/images/big.png"}

	blob, err := client.Transform(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, bucket.ContentTypeJPEG, blob.ContentType)
	assert.Empty(t, blob.URL)
	assert.False(t, rec.IsOptimized, "transform must not mutate the record")

	cfg, format, err := image.DecodeConfig(bytes.NewReader(blob.Data))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 750, cfg.Width)
	assert.Equal(t, 1000, cfg.Height)
}

func TestClient_TransformWritesBucket(t *testing.T) {
	t.Parallel()

	source := newSourceServer(t, map[string][]byte{"/IMG_7.PNG": pngBytes(t, 100, 100)})
	proxy, _ := newFakeImgproxy(t, nil)
	b, err := bucket.NewLocal(t.TempDir(), "https://cdn.example.com")
	require.NoError(t, err)

	now := time.Date(2024, 2, 9, 12, 0, 0, 0, time.UTC)
	client := NewClient(NewURLBuilder(proxy.URL, nil, nil, false, DefaultProfile()), httpclient.NewDefaultClient(10*time.Second),
		WithBucket(b), WithClock(func() time.Time { return now }))

	rec := &records.ImageRecord{ProductID: 7, ImageName: "IMG_7.PNG", ImageType: records.ImageTypeAdditional, SourceURL: source.URL + "/IMG_7.PNG"}
	blob, err := client.Transform(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/2024/02/09/IMG_7.JPG", blob.URL)

	stored, err := b.Get(context.Background(), blob.URL)
	require.NoError(t, err)
	assert.Equal(t, blob.Data, stored)
}

func TestClient_TransformErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		body      []byte
		wantKind  syncerr.Kind
		retryable bool
	}{
		{name: "service unavailable", status: http.StatusServiceUnavailable, wantKind: syncerr.KindServer, retryable: true},
		{name: "bad request", status: http.StatusBadRequest, wantKind: syncerr.KindClient},
		{name: "not found", status: http.StatusNotFound, wantKind: syncerr.KindClient},
		{name: "empty payload", status: http.StatusOK, body: nil, wantKind: syncerr.KindData},
		{name: "non jpeg payload", status: http.StatusOK, body: []byte("<html>oops</html>"), wantKind: syncerr.KindData},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			server := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write(tt.body)
			}))
			defer server.Close()

			client := NewClient(NewURLBuilder(server.URL, nil, nil, false, DefaultProfile()), httpclient.NewDefaultClient(5*time.Second))
			rec := &records.ImageRecord{ProductID: 1, ImageName: "a.jpg", ImageType: records.ImageTypeMain, SourceURL: "https://src/a.jpg"}

			_, err := client.Transform(context.Background(), rec)
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, syncerr.Classify(err))
			assert.Equal(t, tt.retryable, syncerr.IsRetryable(err))
		})
	}
}

func TestClient_TransformTimeoutIsRetryable(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	server := newTestServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := NewClient(NewURLBuilder(server.URL, nil, nil, false, DefaultProfile()), httpclient.NewDefaultClient(5*time.Second),
		WithTimeout(50*time.Millisecond))
	rec := &records.ImageRecord{ProductID: 1, ImageName: "a.jpg", ImageType: records.ImageTypeMain, SourceURL: "https://src/a.jpg"}

	_, err := client.Transform(context.Background(), rec)
	require.Error(t, err)
	assert.True(t, syncerr.IsRetryable(err))
}

func TestClient_Probe(t *testing.T) {
	t.Parallel()

	source := newSourceServer(t, map[string][]byte{
		"/ok.JPG":    pngBytes(t, 10, 10),
		"/lower.jpg": pngBytes(t, 10, 10),
	})
	client := NewClient(NewURLBuilder("http://unused", nil, nil, false, DefaultProfile()), httpclient.NewDefaultClient(5*time.Second))
	ctx := context.Background()

	got, err := client.Probe(ctx, source.URL+"/ok.JPG")
	require.NoError(t, err)
	assert.Equal(t, source.URL+"/ok.JPG", got)

	got, err = client.Probe(ctx, source.URL+"/lower.JPG")
	require.NoError(t, err)
	assert.Equal(t, source.URL+"/lower.jpg", got)

	_, err = client.Probe(ctx, source.URL+"/missing.JPG")
	require.Error(t, err)
	assert.Equal(t, syncerr.KindClient, syncerr.Classify(err))
	assert.False(t, syncerr.IsRetryable(err))
}

func TestClient_MissingSourceSkipsImgproxy(t *testing.T) {
	t.Parallel()

	source := newSourceServer(t, map[string][]byte{})
	proxy, calls := newFakeImgproxy(t, nil)
	client := NewClient(NewURLBuilder(proxy.URL, nil, nil, false, DefaultProfile()), httpclient.NewDefaultClient(5*time.Second),
		WithProbe(true))

	rec := &records.ImageRecord{ProductID: 1, ImageName: "gone.JPG", ImageType: records.ImageTypeMain, SourceURL: source.URL + "/gone.JPG"}
	_, err := client.Transform(context.Background(), rec)
	require.Error(t, err)
	assert.Equal(t, syncerr.KindClient, syncerr.Classify(err))
	assert.Zero(t, calls.Load())
}

func TestClient_MissingSourceURL(t *testing.T) {
	t.Parallel()

	client := NewClient(NewURLBuilder("http://unused", nil, nil, false, DefaultProfile()), httpclient.NewDefaultClient(time.Second))
	_, err := client.Transform(context.Background(), &records.ImageRecord{ProductID: 1, ImageName: "a.jpg", ImageType: records.ImageTypeMain})
	require.Error(t, err)
	assert.Equal(t, syncerr.KindData, syncerr.Classify(err))
}

func TestLocalRenderer_SmallImageIsPadded(t *testing.T) {
	t.Parallel()

	out, err := NewLocalRenderer(DefaultProfile()).Render(pngBytes(t, 300, 100))
	require.NoError(t, err)

	img, err := imaging.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 750, 1000), img.Bounds())

	// Corners are background
	r, g, b, _ := img.At(0, 0).RGBA()
	assert.Greater(t, r>>8, uint32(240))
	assert.Greater(t, g>>8, uint32(240))
	assert.Greater(t, b>>8, uint32(240))
}

func TestLocalRenderer_RejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := NewLocalRenderer(DefaultProfile()).Render([]byte("not an image"))
	require.Error(t, err)
}

func TestDryRun_Transform(t *testing.T) {
	t.Parallel()

	d := NewDryRun(DefaultProfile())
	rec := &records.ImageRecord{ProductID: 3, ImageName: "x.png", ImageType: records.ImageTypeMain, SourceURL: "https://src/x.png"}
	blob, err := d.Transform(context.Background(), rec)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(blob.URL, "dry-run://"))
	assert.True(t, strings.HasSuffix(blob.URL, "/x.JPG"))

	cfg, err := jpegConfig(blob.Data)
	require.NoError(t, err)
	assert.Equal(t, 750, cfg.Width)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.Transform(ctx, rec)
	require.ErrorIs(t, err, context.Canceled)
}

func jpegConfig(data []byte) (image.Config, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	return cfg, err
}
