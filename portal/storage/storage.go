package storage

import (
	"io"
	"path/filepath"

	"github.com/google/uuid"
)

type UsageStats struct {
	TotalBytes uint64
	FreeBytes  uint64
}

type Storage interface {
	Read(path string) (io.ReadCloser, error)

	Write(path string, data io.Reader) error

	Delete(path string) error

	List(path string) ([]string, error)

	Exists(path string) (bool, error)

	Size(path string) (int64, error)

	Usage() (UsageStats, error)

	Location() string
}

func UploadPath(uploadId uuid.UUID, filename string) string {
	return filepath.Join("uploads", uploadId.String(), filename)
}

func ExportPath(filename string) string {
	return filepath.Join("exports", filename)
}
