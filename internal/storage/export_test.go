package storage

import "testing"

// NewFakeS3Store exposes the in-process S3 endpoint to the external test package.
func NewFakeS3Store(t *testing.T) *S3Store {
	s, _ := newS3Store(t)
	return s
}
