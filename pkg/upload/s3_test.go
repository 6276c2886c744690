package upload

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcpops/savingsoor/pkg/config"
)

func TestObjectKey(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		key    string
		want   string
	}{
		{
			name:   "no prefix",
			prefix: "",
			key:    "aa_report_run3_20260830_120000.csv",
			want:   "aa_report_run3_20260830_120000.csv",
		},
		{
			name:   "custom prefix",
			prefix: "reports/aa",
			key:    "run42.csv",
			want:   "reports/aa/run42.csv",
		},
		{
			name:   "trailing slash stripped",
			prefix: "reports/",
			key:    "run42.csv",
			want:   "reports/run42.csv",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := &s3Uploader{
				cfg: &config.S3UploadConfig{Prefix: tt.prefix},
			}
			assert.Equal(t, tt.want, u.objectKey(tt.key))
		})
	}
}

func TestDetectContentType(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		wantPrefix string
	}{
		{
			name:       "csv file",
			path:       "reports/run1.csv",
			wantPrefix: "text/csv",
		},
		{
			name:       "json file",
			path:       "reports/summary.json",
			wantPrefix: "application/json",
		},
		{
			name:       "no extension",
			path:       "reports/Makefile",
			wantPrefix: "application/octet-stream",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, detectContentType(tt.path), tt.wantPrefix)
		})
	}
}

// fakeS3 records PUT requests so tests can assert on keys and bodies.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]string
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "unexpected method", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	f.mu.Lock()
	f.objects[r.URL.Path] = string(body)
	f.mu.Unlock()

	w.WriteHeader(http.StatusOK)
}

func (f *fakeS3) object(path string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	body, ok := f.objects[path]

	return body, ok
}

func setupFakeS3(t *testing.T, prefix string) (Uploader, *fakeS3) {
	t.Helper()

	fake := &fakeS3{objects: make(map[string]string)}

	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	uploader, err := NewS3Uploader(log, &config.S3UploadConfig{
		Enabled:         true,
		EndpointURL:     srv.URL,
		Region:          "us-east-1",
		Bucket:          "reports",
		Prefix:          prefix,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		ForcePathStyle:  true,
	})
	require.NoError(t, err)

	return uploader, fake
}

func TestPreflight(t *testing.T) {
	uploader, fake := setupFakeS3(t, "")

	require.NoError(t, uploader.Preflight(context.Background()))

	// The raw body may carry aws-chunked framing around the payload.
	body, ok := fake.object("/reports/.savingsoor-write-test")
	require.True(t, ok, "preflight must write the test object")
	assert.Contains(t, body, "savingsoor write test:")
}

func TestUploadFile(t *testing.T) {
	uploader, fake := setupFakeS3(t, "aa/")

	path := filepath.Join(t.TempDir(), "run7.csv")
	require.NoError(t, os.WriteFile(path,
		[]byte("mc_uid,savings\nmc-1,120.00\n"), 0o644))

	require.NoError(t, uploader.UploadFile(context.Background(), path, "run7.csv"))

	body, ok := fake.object("/reports/aa/run7.csv")
	require.True(t, ok, "object key must carry the prefix")
	assert.Contains(t, body, "mc-1,120.00")
}

func TestUploadFile_MissingLocalFile(t *testing.T) {
	uploader, _ := setupFakeS3(t, "")

	err := uploader.UploadFile(context.Background(), "/nonexistent/run.csv", "run.csv")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "opening")
}
