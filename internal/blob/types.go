package blob

import (
	"io"
	"time"
)

// ObjectInfo is the metadata one listing page reports for a remote object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

type GetObjectResponse struct {
	Body         io.ReadCloser
	Size         int64
	ETag         string
	LastModified time.Time
}

type PutObjectResponse struct {
	Key  string
	ETag string
	Size int64
}
