// Package archive builds the final `.island` ZIP archive from a built
// source tree and an optional vendor tree: native-extension detection to
// decide pure-python status, platform-tag selection, and a fixed write
// order (source files, then vendor files, then dist-info files, RECORD
// last) so identical inputs produce identical archives.
package archive

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/k8ika0s/island-registry/internal/filetag"
	"github.com/k8ika0s/island-registry/internal/manifest"
	"github.com/k8ika0s/island-registry/internal/platform"
	"github.com/k8ika0s/island-registry/internal/wheelmeta"
)

// nativeExtensions are file suffixes that force a platform-specific
// build.
var nativeExtensions = map[string]bool{".so": true, ".dylib": true, ".dll": true, ".pyd": true}

// defaultExcludePatterns is applied when a build config supplies no
// exclusion globs of its own.
var defaultExcludePatterns = []string{
	"__pycache__", ".git", ".pytest_cache", "*.pyc", "*.pyo", ".DS_Store",
}

// BuildConfig configures one archive build, combining island.json fields
// (Manifest) with the filesystem and platform inputs of the build.
type BuildConfig struct {
	Game             string // world/package name, distinct from manifest schema version
	Version          string // package semver version, e.g. "1.4.0"
	SourceDir        string
	VendorDir        string // empty if nothing was vendored
	OutputDir        string
	Manifest         manifest.Manifest
	PlatformOverride *platform.Tag // explicit override, highest priority
	VendorIsPure     bool          // from vendorpkg.VendorResult.IsPurePython
	VendorHasDeps    bool          // true if any dependency was vendored at all
	ExcludePatterns  []string      // defaults to defaultExcludePatterns if empty
	CurrentPlatform  platform.Tag  // the builder host's own tag, used when not pure
}

// Result describes the archive that was written.
type Result struct {
	Path          string
	Filename      string
	FilesIncluded []string
	Size          int64
	Manifest      manifest.Manifest
	PlatformTag   platform.Tag
	IsPurePython  bool
}

// Build writes the `.island` archive: source files first, then vendor
// files, then WHEEL/METADATA/entry_points.txt(if non-empty)/island.json,
// then RECORD last (each recorded as it is written).
func Build(cfg BuildConfig) (*Result, error) {
	excludes := cfg.ExcludePatterns
	if len(excludes) == 0 {
		excludes = defaultExcludePatterns
	}

	sourceFiles, err := collectPackageFiles(cfg.SourceDir, excludes)
	if err != nil {
		return nil, fmt.Errorf("archive: collecting source files: %w", err)
	}
	var vendorFiles []string
	if cfg.VendorDir != "" {
		vendorFiles, err = collectPackageFiles(cfg.VendorDir, excludes)
		if err != nil {
			return nil, fmt.Errorf("archive: collecting vendor files: %w", err)
		}
	}

	isPure := !hasNativeExtension(sourceFiles) && !hasNativeExtension(vendorFiles) && cfg.VendorIsPure

	tag := resolvePlatformTag(cfg, isPure)

	pkgName, err := filetag.NormalizeName(cfg.Game)
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	pkgVersion := filetag.NormalizeVersion(cfg.Version)

	filename, err := filetag.BuildFilename(cfg.Game, cfg.Version, tag)
	if err != nil {
		return nil, fmt.Errorf("archive: building filename: %w", err)
	}

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, err
	}
	outPath := filepath.Join(cfg.OutputDir, filename)

	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)

	var records []wheelmeta.RecordEntry
	var included []string

	write := func(archivePath string, data []byte) error {
		w, err := zw.Create(archivePath)
		if err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
		records = append(records, wheelmeta.NewRecordEntry(archivePath, data))
		included = append(included, archivePath)
		return nil
	}

	for _, rel := range sourceFiles {
		data, err := os.ReadFile(filepath.Join(cfg.SourceDir, rel))
		if err != nil {
			return nil, err
		}
		if err := write(pkgName+"/"+filepath.ToSlash(rel), data); err != nil {
			return nil, err
		}
	}
	for _, rel := range vendorFiles {
		data, err := os.ReadFile(filepath.Join(cfg.VendorDir, rel))
		if err != nil {
			return nil, err
		}
		if err := write(pkgName+"/_vendor/"+filepath.ToSlash(rel), data); err != nil {
			return nil, err
		}
	}

	distInfo := fmt.Sprintf("%s-%s.dist-info", pkgName, pkgVersion)

	wheelFile := wheelmeta.Wheel{RootIsPurelib: isPure, Tag: tag}
	if err := write(distInfo+"/WHEEL", wheelFile.Bytes()); err != nil {
		return nil, err
	}

	meta := wheelmeta.Metadata{
		Name:     pkgName,
		Version:  pkgVersion,
		Summary:  cfg.Manifest.Description,
		HomePage: cfg.Manifest.Homepage,
		Authors:  cfg.Manifest.Authors,
		License:  cfg.Manifest.License,
		Keywords: cfg.Manifest.Keywords,
	}
	if err := write(distInfo+"/METADATA", meta.Bytes()); err != nil {
		return nil, err
	}

	if len(cfg.Manifest.EntryPoints.ApIsland) > 0 {
		groups := map[string]map[string]string{"ap-island": cfg.Manifest.EntryPoints.ApIsland}
		if err := write(distInfo+"/entry_points.txt", wheelmeta.WriteEntryPointsINI(groups)); err != nil {
			return nil, err
		}
	}

	manifestBytes, err := manifestJSON(cfg.Manifest)
	if err != nil {
		return nil, err
	}
	if err := write(distInfo+"/island.json", manifestBytes); err != nil {
		return nil, err
	}

	records = append(records, wheelmeta.RecordSelfEntry(distInfo+"/RECORD"))
	recordW, err := zw.Create(distInfo + "/RECORD")
	if err != nil {
		return nil, err
	}
	if _, err := recordW.Write(wheelmeta.WriteRecord(records)); err != nil {
		return nil, err
	}
	included = append(included, distInfo+"/RECORD")

	if err := zw.Close(); err != nil {
		return nil, err
	}
	if err := os.WriteFile(outPath, buf.Bytes(), 0o644); err != nil {
		return nil, err
	}

	return &Result{
		Path:          outPath,
		Filename:      filename,
		FilesIncluded: included,
		Size:          int64(buf.Len()),
		Manifest:      cfg.Manifest,
		PlatformTag:   tag,
		IsPurePython:  isPure,
	}, nil
}

// resolvePlatformTag picks the archive's tag: an explicit override wins
// outright; otherwise universal if pure, else the builder host's own
// tag.
func resolvePlatformTag(cfg BuildConfig, isPure bool) platform.Tag {
	if cfg.PlatformOverride != nil {
		return *cfg.PlatformOverride
	}
	if isPure {
		return platform.Universal
	}
	return cfg.CurrentPlatform
}

func hasNativeExtension(files []string) bool {
	for _, f := range files {
		if nativeExtensions[strings.ToLower(filepath.Ext(f))] {
			return true
		}
	}
	return false
}

// collectPackageFiles walks dir, skipping entries matched by excludePatterns
// (applied to each path segment and to the full relative path, supporting
// "*" glob patterns), and returns every file's path relative to dir, sorted
// for deterministic archive ordering.
func collectPackageFiles(dir string, excludePatterns []string) ([]string, error) {
	var out []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		base := info.Name()
		if matchesAny(base, excludePatterns) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if matchesAny(filepath.ToSlash(rel), excludePatterns) {
			return nil
		}
		out = append(out, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func matchesAny(name string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}

func manifestJSON(m manifest.Manifest) ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}
