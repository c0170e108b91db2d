// Package model defines the types shared by every fileaudit component: watch
// targets sourced from the configuration store and the operation records
// handed to the persistence sink.
package model

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PathKind is the kind of filesystem entry a WatchTarget refers to.
type PathKind string

const (
	PathKindFile      PathKind = "FILE"
	PathKindDirectory PathKind = "DIRECTORY"
)

// Valid reports whether k is one of the known path kinds.
func (k PathKind) Valid() bool {
	return k == PathKindFile || k == PathKindDirectory
}

// OperationType classifies an OperationRecord.
type OperationType string

const (
	OpCreate          OperationType = "CREATE"
	OpModify          OperationType = "MODIFY"
	OpDelete          OperationType = "DELETE"
	OpDirectoryCreate OperationType = "DIRECTORY_CREATE"
	OpDirectoryDelete OperationType = "DIRECTORY_DELETE"
	OpDirectoryModify OperationType = "DIRECTORY_MODIFY"
)

// WatchTarget is one watch definition. Identity is the normalized absolute
// Path.
//
// Include and Exclude are glob patterns evaluated against the base name of
// each entry under the target. For DIRECTORY targets registered during
// recursive expansion the patterns are inherited from the nearest ancestor.
type WatchTarget struct {
	Path      string   `json:"monitor_path" yaml:"path"`
	Kind      PathKind `json:"path_type" yaml:"type"`
	Recursive bool     `json:"recursive" yaml:"recursive"`
	Enabled   bool     `json:"enabled" yaml:"enabled"`
	Include   []string `json:"include_patterns,omitempty" yaml:"include"`
	Exclude   []string `json:"exclude_patterns,omitempty" yaml:"exclude"`
}

// OperationRecord is the immutable unit handed to the sink. An empty Content
// means the record carries no content and is stored as NULL.
type OperationRecord struct {
	ID        string        `json:"id"`
	Path      string        `json:"file_path"`
	Type      OperationType `json:"operation_type"`
	Content   string        `json:"content,omitempty"`
	Operator  string        `json:"operator"`
	Timestamp time.Time     `json:"operation_time"`
}

// NewRecord builds an OperationRecord stamped with a fresh random ID and the
// given time in UTC.
func NewRecord(path string, typ OperationType, content, operator string, at time.Time) OperationRecord {
	return OperationRecord{
		ID:        uuid.NewString(),
		Path:      path,
		Type:      typ,
		Content:   content,
		Operator:  operator,
		Timestamp: at.UTC(),
	}
}

// NormalizePath returns the cleaned absolute form of p.
func NormalizePath(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("model: empty path")
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("model: resolve %q: %w", p, err)
	}
	return abs, nil
}

// IsUnder reports whether p equals root or is lexically nested under it.
// Both arguments must already be cleaned. The test is separator-aware:
// "/a/bc" is not under "/a/b".
func IsUnder(root, p string) bool {
	if p == root {
		return true
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(p, prefix)
}
