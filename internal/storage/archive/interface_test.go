// internal/storage/archive/interface_test.go
package archive

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	s, err := Open(Config{})
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = Open(Config{Type: "localfs", Path: filepath.Join(t.TempDir(), "arch")})
	require.NoError(t, err)
	assert.IsType(t, &LocalFS{}, s)

	s, err = Open(Config{Type: "s3", S3: S3Config{Bucket: "b"}})
	require.NoError(t, err)
	assert.IsType(t, &S3Storage{}, s)

	_, err = Open(Config{Type: "ftp"})
	assert.Error(t, err)
}
