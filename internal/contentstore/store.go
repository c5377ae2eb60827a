// Package contentstore persists file bytes per commit under caller-supplied
// keys. Errors carry a transient vs permanent distinction through pkg/errors
// codes: CodeUnavailable is worth retrying, CodeNotFound and the rest are not.
package contentstore

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
	appErr "github.com/sitesync/engine/pkg/errors"
)

// Store is content-addressable blob storage. Put is idempotent for the same
// key and bytes.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	// DeletePrefix removes every blob whose key starts with prefix and reports
	// how many were removed. Deleting an empty prefix range is not an error.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// Key returns the namespaced location of a file as of a commit:
// project/{id}/commit/{commitId}/{path}.
func Key(projectID, commitID uuid.UUID, filePath string) string {
	return fmt.Sprintf("project/%s/commit/%s/%s", projectID, commitID, filePath)
}

// ProjectPrefix is the key prefix shared by every blob of a project.
func ProjectPrefix(projectID uuid.UUID) string {
	return fmt.Sprintf("project/%s/", projectID)
}

// NormalizePath cleans a project-relative file path and rejects paths that
// escape the project root.
func NormalizePath(p string) (string, error) {
	p = strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	if p == "" {
		return "", appErr.New(appErr.CodeInvalid, "path is required")
	}
	clean := strings.TrimPrefix(path.Clean("/"+p), "/")
	if clean == "" || clean == "." {
		return "", appErr.New(appErr.CodeInvalid, "path must name a file")
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", appErr.New(appErr.CodeInvalid, fmt.Sprintf("path %q escapes the project root", p))
		}
	}
	return clean, nil
}

func notFound(key string) error {
	return appErr.New(appErr.CodeNotFound, "blob not found").WithMeta("key", key)
}

func unavailable(err error, op string) error {
	return appErr.Wrap(err, appErr.CodeUnavailable, "content store "+op+" failed")
}
