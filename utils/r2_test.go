package utils_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vault-settlement-system/utils"
)

func TestArchiveUploadsJSON(t *testing.T) {
	var (
		mu          sync.Mutex
		method      string
		path        string
		contentType string
		body        []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		method, path, contentType = r.Method, r.URL.Path, r.Header.Get("Content-Type")
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	archiver, err := utils.NewR2Archiver(context.Background(), utils.R2Options{
		AccessKeyID:     "key",
		AccessKeySecret: "secret",
		Bucket:          "incidents",
		Endpoint:        srv.URL,
	})
	require.NoError(t, err)

	err = archiver.Archive(context.Background(), "withdrawals/sig-1.json", map[string]string{"tx_hash": "sig-1"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/incidents/withdrawals/sig-1.json", path)
	assert.Equal(t, "application/json", contentType)
	assert.Contains(t, string(body), `"tx_hash": "sig-1"`)
}

func TestArchiveRequiresBucket(t *testing.T) {
	_, err := utils.NewR2Archiver(context.Background(), utils.R2Options{AccountID: "acct"})
	assert.Error(t, err)
}
