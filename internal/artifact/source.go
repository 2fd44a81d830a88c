// Package artifact copies module artifacts from their source location into a
// per-session staging area.
package artifact

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/mannyc2/solclash/internal/domain"
)

// Kind identifies where an artifact lives.
type Kind int

const (
	KindLocal Kind = iota
	KindS3
)

// Source is a parsed artifact location.
type Source struct {
	Kind   Kind
	Path   string // local file path for KindLocal
	Bucket string // KindS3
	Key    string // KindS3
}

// ParseSource accepts a plain path, a file:// URL or an s3://bucket/key URL.
func ParseSource(raw string) (Source, error) {
	if raw == "" {
		return Source{}, fmt.Errorf("%w: empty path", domain.ErrArtifactMissing)
	}
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return Source{Kind: KindLocal, Path: raw}, nil
	}
	switch strings.ToLower(scheme) {
	case "file":
		u, err := url.Parse(raw)
		if err != nil {
			return Source{}, fmt.Errorf("%w: %v", domain.ErrArtifactMissing, err)
		}
		if u.Host != "" && u.Host != "localhost" {
			return Source{}, fmt.Errorf("%w: remote file host %q", domain.ErrStagingForbidden, u.Host)
		}
		return Source{Kind: KindLocal, Path: filepath.FromSlash(u.Path)}, nil
	case "s3":
		bucket, key, _ := strings.Cut(rest, "/")
		if bucket == "" || key == "" || strings.HasSuffix(key, "/") {
			return Source{}, fmt.Errorf("%w: malformed s3 url %q", domain.ErrArtifactMissing, raw)
		}
		return Source{Kind: KindS3, Bucket: bucket, Key: key}, nil
	}
	return Source{}, fmt.Errorf("%w: scheme %q", domain.ErrStagingForbidden, scheme)
}

// Ext returns the artifact's file extension, including the dot.
func (s Source) Ext() string {
	if s.Kind == KindS3 {
		return path.Ext(s.Key)
	}
	return filepath.Ext(s.Path)
}

// sibling returns the source of a file next to the artifact, named by
// replacing the artifact's extension with suffix.
func (s Source) sibling(suffix string) Source {
	switch s.Kind {
	case KindS3:
		s.Key = strings.TrimSuffix(s.Key, path.Ext(s.Key)) + suffix
	default:
		s.Path = strings.TrimSuffix(s.Path, filepath.Ext(s.Path)) + suffix
	}
	return s
}

func (s Source) String() string {
	if s.Kind == KindS3 {
		return "s3://" + s.Bucket + "/" + s.Key
	}
	return s.Path
}

// maxIDLen bounds program ids so staged file names stay portable.
const maxIDLen = 128

// ValidateID reports whether id can name a staged file.
func ValidateID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: empty", domain.ErrInvalidModuleID)
	case len(id) > maxIDLen:
		return fmt.Errorf("%w: longer than %d bytes", domain.ErrInvalidModuleID, maxIDLen)
	case id == "." || id == "..":
		return fmt.Errorf("%w: %q", domain.ErrInvalidModuleID, id)
	case strings.ContainsAny(id, `/\`+"\x00"):
		return fmt.Errorf("%w: %q contains a path separator", domain.ErrInvalidModuleID, id)
	}
	return nil
}
