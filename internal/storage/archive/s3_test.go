// internal/storage/archive/s3_test.go
package archive

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestS3Storage_ImplementsStorage(t *testing.T) {
	var _ Storage = (*S3Storage)(nil)
}

func TestS3Storage_Key(t *testing.T) {
	tests := []struct {
		prefix  string
		path    string
		want    string
		wantErr bool
	}{
		{"", "file.json", "file.json", false},
		{"archive", "file.json", "archive/file.json", false},
		{"archive/", "events/2026/03/02/x.json", "archive/events/2026/03/02/x.json", false},
		{"archive", "../escape.json", "", true},
		{"archive", "/abs.json", "", true},
	}

	for _, tt := range tests {
		s := &S3Storage{prefix: strings.Trim(tt.prefix, "/")}
		got, err := s.key(tt.path)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrInvalidPath, tt.path)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestNewS3_RequiresBucket(t *testing.T) {
	_, err := NewS3(S3Config{})
	assert.Error(t, err)
}

// fakeS3 answers HEAD and list requests for a fixed key set.
func fakeS3(t *testing.T, keys ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.URL.Path, "/bucket/")
		switch {
		case r.Method == http.MethodHead:
			for _, k := range keys {
				if k == key {
					w.WriteHeader(http.StatusOK)
					return
				}
			}
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodGet && r.URL.Query().Get("list-type") == "2":
			prefix := r.URL.Query().Get("prefix")
			var b strings.Builder
			b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
			b.WriteString(`<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/"><Name>bucket</Name><IsTruncated>false</IsTruncated>`)
			for _, k := range keys {
				if strings.HasPrefix(k, prefix) {
					fmt.Fprintf(&b, "<Contents><Key>%s</Key><Size>2</Size></Contents>", k)
				}
			}
			b.WriteString(`</ListBucketResult>`)
			w.Header().Set("Content-Type", "application/xml")
			_, _ = w.Write([]byte(b.String()))
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestS3Storage_ExistsAndList(t *testing.T) {
	srv := fakeS3(t, "arch/events/2026/03/02/a.json", "arch/events/2026/03/02/b.json", "arch/other.json")

	s, err := NewS3(S3Config{
		Bucket:    "bucket",
		Endpoint:  srv.URL,
		AccessKey: "key",
		SecretKey: "secret",
		Prefix:    "arch/",
	})
	require.NoError(t, err)
	ctx := context.Background()

	ok, err := s.Exists(ctx, "events/2026/03/02/a.json")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Exists(ctx, "events/2026/03/02/missing.json")
	require.NoError(t, err)
	assert.False(t, ok)

	paths, err := s.List(ctx, "events/2026/03/02")
	require.NoError(t, err)
	assert.Equal(t, []string{"events/2026/03/02/a.json", "events/2026/03/02/b.json"}, paths)

	assert.NoError(t, s.Delete(ctx, "events/2026/03/02/a.json"))
}
