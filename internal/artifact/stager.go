package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mannyc2/solclash/internal/crypto"
	"github.com/mannyc2/solclash/internal/domain"
)

// Stager creates staging areas under a root directory.
type Stager struct {
	root    string
	fetcher domain.BlobFetcher
	logger  *slog.Logger
}

// NewStager returns a Stager rooted at root. An empty root uses the OS temp
// directory. fetcher may be nil, in which case s3:// sources are refused.
func NewStager(root string, fetcher domain.BlobFetcher, logger *slog.Logger) *Stager {
	if root == "" {
		root = os.TempDir()
	}
	return &Stager{
		root:    root,
		fetcher: fetcher,
		logger:  logger.With(slog.String("component", "artifact")),
	}
}

// NewArea creates an empty staging directory for one session.
func (s *Stager) NewArea(name string) (*Area, error) {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: create root: %w", err)
	}
	dir, err := os.MkdirTemp(s.root, "arena-"+name+"-")
	if err != nil {
		return nil, fmt.Errorf("artifact: create area: %w", err)
	}
	return &Area{dir: dir, stager: s}, nil
}

// Area is a staging directory. Files are named after program ids.
type Area struct {
	dir    string
	stager *Stager
}

// Remove deletes the area and everything staged in it.
func (a *Area) Remove() error {
	return os.RemoveAll(a.dir)
}

// IdentityPaths returns where Stage puts the identity files for id.
func (a *Area) IdentityPaths(id string) (plain, encrypted string) {
	return filepath.Join(a.dir, id+crypto.KeypairSuffix), filepath.Join(a.dir, id+crypto.EncryptedKeypairSuffix)
}

// Stage copies the artifact at source into the area as <id><ext> and brings
// along any identity files stored next to it, renamed to match. It returns
// the staged artifact path. Safe for concurrent use with distinct ids.
func (a *Area) Stage(ctx context.Context, id, source string) (string, error) {
	if err := ValidateID(id); err != nil {
		return "", err
	}
	src, err := ParseSource(source)
	if err != nil {
		return "", err
	}

	dst := filepath.Join(a.dir, id+src.Ext())
	if err := a.copy(ctx, src, dst); err != nil {
		return "", err
	}

	plain, encrypted := a.IdentityPaths(id)
	for suffix, target := range map[string]string{crypto.KeypairSuffix: plain, crypto.EncryptedKeypairSuffix: encrypted} {
		err := a.copy(ctx, src.sibling(suffix), target)
		switch {
		case err == nil:
			a.stager.logger.Debug("identity staged", slog.String("id", id), slog.String("file", target))
		case errors.Is(err, domain.ErrArtifactMissing):
		default:
			return "", err
		}
	}

	a.stager.logger.Debug("artifact staged",
		slog.String("id", id),
		slog.String("source", src.String()),
		slog.String("path", dst),
	)
	return dst, nil
}

func (a *Area) copy(ctx context.Context, src Source, dst string) error {
	switch src.Kind {
	case KindS3:
		return a.download(ctx, src, dst)
	default:
		return copyLocal(src.Path, dst)
	}
}

func copyLocal(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", domain.ErrArtifactMissing, src)
		}
		return fmt.Errorf("artifact: open %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("artifact: stat %s: %w", src, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", domain.ErrArtifactMissing, src)
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("artifact: create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("artifact: copy %s: %w", src, err)
	}
	return out.Close()
}

func (a *Area) download(ctx context.Context, src Source, dst string) error {
	fetcher := a.stager.fetcher
	if fetcher == nil {
		return fmt.Errorf("%w: %s (object storage not configured)", domain.ErrStagingForbidden, src)
	}
	if _, err := fetcher.Stat(ctx, src.Bucket, src.Key); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("%w: %s", domain.ErrArtifactMissing, src)
		}
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("artifact: create %s: %w", dst, err)
	}
	if _, err := fetcher.Download(ctx, src.Bucket, src.Key, out); err != nil {
		out.Close()
		_ = os.Remove(dst)
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("%w: %s", domain.ErrArtifactMissing, src)
		}
		return err
	}
	return out.Close()
}
