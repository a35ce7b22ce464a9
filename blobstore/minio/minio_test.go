package minio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnect(t *testing.T) {
	s, err := Connect(Config{
		Endpoint:  "localhost:9000",
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
		Bucket:    "snapshots",
		Prefix:    "vectorizer",
	})
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "vectorizer/a/b", s.key("a/b"))
}

func TestConnectRejectsBadEndpoint(t *testing.T) {
	_, err := Connect(Config{Endpoint: "host with spaces"})
	assert.Error(t, err)
}
