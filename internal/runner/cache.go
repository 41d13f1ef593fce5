package runner

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/k8ika0s/island-registry/internal/artifact"
	"github.com/k8ika0s/island-registry/internal/cas"
)

// WheelFetcher matches internal/vendorpkg.WheelFetcher without importing it.
type WheelFetcher interface {
	Fetch(ctx context.Context, requirements []string, destDir string) error
}

// BlobCache is the part of cas.Registry the caching fetcher uses.
type BlobCache interface {
	Has(ctx context.Context, id artifact.ID) (bool, error)
	Fetch(ctx context.Context, id artifact.ID, destPath string) error
	Push(ctx context.Context, id artifact.ID, content []byte, mediaType string) (string, error)
}

// CachingFetcher wraps a WheelFetcher with a content-addressed cache: the
// whole downloaded wheel set is tarred and pushed keyed by the requirement
// set's digest, so repeated builds of the same roots skip the pip/network
// round trip entirely. A cache failure only logs and falls through to the
// inner fetcher; the cache is never a correctness dependency.
type CachingFetcher struct {
	Inner         WheelFetcher
	Cache         BlobCache
	Index         *cas.MemoryIndex // optional in-process memo over Cache.Has
	PythonVersion string
	PlatformTag   string
}

func (c CachingFetcher) key(requirements []string) artifact.ID {
	k := artifact.FetchKey{
		Requirements:  requirements,
		PythonVersion: c.PythonVersion,
		PlatformTag:   c.PlatformTag,
	}
	return artifact.ID{Type: artifact.WheelSetType, Digest: k.Digest()}
}

func (c CachingFetcher) cached(ctx context.Context, id artifact.ID) bool {
	if c.Index != nil {
		if ok, err := c.Index.Has(ctx, id); err == nil && ok {
			return true
		}
	}
	ok, err := c.Cache.Has(ctx, id)
	if err != nil {
		log.Printf("runner: cache check for %s failed: %v", id.Digest, err)
		return false
	}
	if ok && c.Index != nil {
		c.Index.Add(id)
	}
	return ok
}

func (c CachingFetcher) Fetch(ctx context.Context, requirements []string, destDir string) error {
	if len(requirements) == 0 {
		return nil
	}
	id := c.key(requirements)

	if c.cached(ctx, id) {
		if err := c.restore(ctx, id, destDir); err == nil {
			return nil
		} else {
			log.Printf("runner: cache restore for %s failed, refetching: %v", id.Digest, err)
		}
	}

	if err := c.Inner.Fetch(ctx, requirements, destDir); err != nil {
		return err
	}

	if err := c.save(ctx, id, destDir); err != nil {
		log.Printf("runner: caching wheel set %s failed: %v", id.Digest, err)
	}
	return nil
}

func (c CachingFetcher) restore(ctx context.Context, id artifact.ID, destDir string) error {
	tmp, err := os.CreateTemp("", "wheelset-*.tar")
	if err != nil {
		return err
	}
	tmp.Close()
	defer os.Remove(tmp.Name())
	if err := c.Cache.Fetch(ctx, id, tmp.Name()); err != nil {
		return err
	}
	return untarDir(tmp.Name(), destDir)
}

func (c CachingFetcher) save(ctx context.Context, id artifact.ID, dir string) error {
	blob, err := tarDir(dir)
	if err != nil {
		return err
	}
	if _, err := c.Cache.Push(ctx, id, blob, cas.WheelSetMediaType); err != nil {
		return err
	}
	if c.Index != nil {
		c.Index.Add(id)
	}
	return nil
}

// tarDir archives every regular file in dir (flat: wheel sets have no
// subdirectories worth preserving beyond their relative path).
func tarDir(dir string) ([]byte, error) {
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		hdr := &tar.Header{Name: filepath.ToSlash(rel), Mode: 0o644, Size: info.Size()}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func untarDir(tarPath, destDir string) error {
	f, err := os.Open(tarPath)
	if err != nil {
		return err
	}
	defer f.Close()
	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		name := filepath.Clean(hdr.Name)
		if filepath.IsAbs(name) || name == ".." || strings.HasPrefix(name, ".."+string(filepath.Separator)) {
			return fmt.Errorf("runner: unsafe path in cached wheel set: %s", hdr.Name)
		}
		dest := filepath.Join(destDir, name)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		out, err := os.Create(dest)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return err
		}
		if err := out.Close(); err != nil {
			return err
		}
	}
}
