package client

import (
	"testing"

	"github.com/hqsync/hqsync/internal/blob"
	"github.com/stretchr/testify/require"
)

func blobConfigForTest() blob.S3Config {
	return blob.S3Config{
		BucketName: "hqsync-test",
		Region:     "us-east-1",
		AccessKey:  "test-access",
		SecretKey:  "test-secret",
		Endpoint:   "http://localhost:9000",
	}
}

// newTestClient builds a full client against a temp workspace. Nothing is
// started, so no network or filesystem watching happens.
func newTestClient(t *testing.T) *Client {
	t.Helper()

	cfg := validConfig(t)
	cfg.ControlPlane.AuthToken = "test-token"

	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.sharesDB.Close() })
	return c
}
