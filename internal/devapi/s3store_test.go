package devapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestS3Store(t *testing.T, endpoint string) *S3Store {
	t.Helper()
	store, err := NewS3Store(context.Background(), S3Config{
		Bucket:          "meal-photos",
		Region:          "us-west-2",
		Endpoint:        endpoint,
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
		UsePathStyle:    true,
	})
	require.NoError(t, err)
	return store
}

func TestNewS3Store_RequiresBucket(t *testing.T) {
	_, err := NewS3Store(context.Background(), S3Config{})
	assert.Error(t, err)
}

func TestS3Store_PresignPut(t *testing.T) {
	store := newTestS3Store(t, "http://localhost:9000")

	raw, err := store.PresignPut(context.Background(), "meals/user-1/a.jpg", "image/jpeg", 5*time.Minute)
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "localhost:9000", u.Host)
	assert.Equal(t, "/meal-photos/meals/user-1/a.jpg", u.Path)
	assert.Equal(t, "300", u.Query().Get("X-Amz-Expires"))
	assert.NotEmpty(t, u.Query().Get("X-Amz-Signature"))
}

func TestS3Store_Exists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if strings.HasSuffix(r.URL.Path, "/present.jpg") {
			w.Header().Set("Content-Type", "image/jpeg")
			w.Header().Set("Content-Length", "4")
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	store := newTestS3Store(t, srv.URL)

	ok, err := store.Exists(context.Background(), "meals/user-1/present.jpg")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Exists(context.Background(), "meals/user-1/missing.jpg")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestS3Store_ExistsForbidden(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := newTestS3Store(t, srv.URL).Exists(context.Background(), "meals/user-1/a.jpg")
	assert.Error(t, err)
}
