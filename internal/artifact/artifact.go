// Package artifact issues time-limited write handles for project archives
// and transfers the bytes to whatever storage the handle points at.
package artifact

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/alfredjeanlab/dealroom/internal/client"
	"github.com/alfredjeanlab/dealroom/internal/idgen"
	"github.com/alfredjeanlab/dealroom/internal/model"
)

// DefaultMaxBytes is the artifact ceiling (5 GiB).
const DefaultMaxBytes int64 = 5 << 30

// Request describes the archive a handle is issued for.
type Request struct {
	RoomID      string
	Name        string
	Size        int64
	ContentType string
}

// Issuer hands out write handles.
type Issuer interface {
	Issue(ctx context.Context, req Request) (*model.UploadHandle, error)
}

// CheckSize rejects sizes outside (0, max].
func CheckSize(size, max int64) error {
	if size <= 0 {
		return model.NewValidationError("size", "must be positive")
	}
	if size > max {
		return model.NewValidationError("size", "%s exceeds the %s artifact limit",
			humanize.IBytes(uint64(size)), humanize.IBytes(uint64(max)))
	}
	return nil
}

// ObjectKey builds a unique storage key for an archive delivered in roomID.
func ObjectKey(roomID, name string) (string, error) {
	id, err := idgen.GenerateWithPrefix("")
	if err != nil {
		return "", err
	}
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" {
		base = "archive"
	}
	return "deliveries/" + roomID + "/" + id + "-" + base, nil
}

// APIIssuer obtains handles from the marketplace API.
type APIIssuer struct {
	API client.API
}

// Issue requests a handle for req. A handle missing its upload URL or object
// key is an error.
func (i *APIIssuer) Issue(ctx context.Context, req Request) (*model.UploadHandle, error) {
	h, err := i.API.RequestUploadHandle(ctx, &client.UploadHandleRequest{
		RoomID:      req.RoomID,
		Name:        req.Name,
		Size:        req.Size,
		ContentType: req.ContentType,
	})
	if err != nil {
		return nil, fmt.Errorf("requesting upload handle: %w", err)
	}
	if h.UploadURL == "" || h.ObjectKey == "" {
		return nil, fmt.Errorf("requesting upload handle: incomplete handle")
	}
	return h, nil
}

// ZipStructure lists the top-level entries of a zip archive, sorted.
func ZipStructure(ra io.ReaderAt, size int64) ([]string, error) {
	zr, err := zip.NewReader(ra, size)
	if err != nil {
		return nil, model.NewValidationError("file", "not a readable zip archive: %v", err)
	}
	seen := make(map[string]struct{})
	for _, f := range zr.File {
		name := strings.TrimPrefix(f.Name, "./")
		top, _, nested := strings.Cut(name, "/")
		if top == "" {
			continue
		}
		if nested {
			top += "/"
		}
		seen[top] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}
