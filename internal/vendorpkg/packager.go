package vendorpkg

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/k8ika0s/island-registry/internal/manifest"
	"github.com/k8ika0s/island-registry/internal/platform"
)

// DefaultVendorNamespace is the package namespace vendored modules are
// rewritten to import through when the caller does not supply one.
const DefaultVendorNamespace = "_vendor"

// VendorConfig configures one vendoring pass.
type VendorConfig struct {
	Dependencies    []string
	ExcludeNames    []string
	CoreHostModules []string
	CoreMetaPackage string
	VendorNamespace string
	Fetcher         WheelFetcher
	WorkDir         string
}

// VendoredPackage describes one top-level package copied into the vendor
// tree.
type VendoredPackage struct {
	Name         string
	Version      string
	TopLevel     []string
	IsPurePython bool
	PlatformTags []platform.Tag
	Requires     []string
}

// VendorResult is the outcome of vendoring a root requirement set.
type VendorResult struct {
	Packages             []VendoredPackage
	Graph                *Graph
	RootDependencies     []string
	IsPurePython         bool
	EffectivePlatformTag platform.Tag
	RewrittenModules     []string
}

// VendorDependencies resolves, downloads, and copies a root requirement set
// into targetDir, then rewrites every copied .py file's imports (and the
// vendor tree's own internal imports) through VendorNamespace: resolve,
// download into a scratch directory, copy matched top-level modules,
// rewrite, summarize.
func VendorDependencies(ctx context.Context, cfg VendorConfig, targetDir string) (*VendorResult, error) {
	if len(cfg.Dependencies) == 0 {
		return &VendorResult{IsPurePython: true, EffectivePlatformTag: platform.Universal}, nil
	}
	ns := cfg.VendorNamespace
	if ns == "" {
		ns = DefaultVendorNamespace
	}

	graph, err := Resolve(ctx, cfg.Dependencies, ResolveOptions{
		Fetcher:         cfg.Fetcher,
		ExcludeNames:    cfg.ExcludeNames,
		CoreHostModules: cfg.CoreHostModules,
		CoreMetaPackage: cfg.CoreMetaPackage,
		WorkDir:         cfg.WorkDir,
	})
	if err != nil {
		return nil, err
	}

	scratch, err := os.MkdirTemp(cfg.WorkDir, "island-vendor-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(scratch)

	names := make([]string, 0, len(graph.Nodes))
	for name := range graph.Nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) > 0 {
		var reqs []string
		for _, n := range names {
			reqs = append(reqs, n)
		}
		if err := cfg.Fetcher.Fetch(ctx, reqs, scratch); err != nil {
			return nil, fmt.Errorf("vendorpkg: downloading resolved dependencies: %w", err)
		}
		if err := unpackWheels(scratch); err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return nil, err
	}

	var packages []VendoredPackage
	allTopLevel := map[string]bool{}
	for _, name := range names {
		node := graph.Nodes[name]
		topLevel, err := copyDistribution(scratch, targetDir, node.Name, node.Version)
		if err != nil {
			return nil, err
		}
		for _, t := range topLevel {
			allTopLevel[t] = true
		}
		packages = append(packages, VendoredPackage{
			Name:         node.Name,
			Version:      node.Version,
			TopLevel:     topLevel,
			IsPurePython: node.IsPurePython,
			PlatformTags: node.PlatformTags,
			Requires:     node.Requires,
		})
	}

	modules := make([]string, 0, len(allTopLevel))
	for m := range allTopLevel {
		modules = append(modules, m)
	}
	sort.Strings(modules)

	if _, err := RewriteVendoredImports(targetDir, ns, modules); err != nil {
		return nil, err
	}

	initPath := filepath.Join(targetDir, "__init__.py")
	if _, err := os.Stat(initPath); os.IsNotExist(err) {
		if err := os.WriteFile(initPath, nil, 0o644); err != nil {
			return nil, err
		}
	}

	effectiveTag, err := graph.MostRestrictiveTag()
	if err != nil {
		return nil, err
	}

	return &VendorResult{
		Packages:             packages,
		Graph:                graph,
		RootDependencies:     graph.Roots,
		IsPurePython:         graph.IsPurePython(),
		EffectivePlatformTag: effectiveTag,
		RewrittenModules:     modules,
	}, nil
}

// unpackWheels extracts every downloaded .whl in dir in place, so
// copyDistribution can read dist-info directories and module trees. Wheels
// are ZIP containers per PEP 427.
func unpackWheels(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".whl") {
			continue
		}
		zr, err := zip.OpenReader(filepath.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("vendorpkg: opening wheel %s: %w", e.Name(), err)
		}
		for _, f := range zr.File {
			name := filepath.Clean(f.Name)
			if filepath.IsAbs(name) || strings.HasPrefix(name, "..") {
				zr.Close()
				return fmt.Errorf("vendorpkg: wheel %s contains unsafe path %s", e.Name(), f.Name)
			}
			dest := filepath.Join(dir, name)
			if f.FileInfo().IsDir() {
				if err := os.MkdirAll(dest, 0o755); err != nil {
					zr.Close()
					return err
				}
				continue
			}
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				zr.Close()
				return err
			}
			rc, err := f.Open()
			if err != nil {
				zr.Close()
				return err
			}
			data, err := io.ReadAll(rc)
			rc.Close()
			if err != nil {
				zr.Close()
				return err
			}
			if err := os.WriteFile(dest, data, 0o644); err != nil {
				zr.Close()
				return err
			}
		}
		zr.Close()
	}
	return nil
}

// copyDistribution copies the top-level modules belonging to one downloaded
// distribution from scratch into targetDir, returning the module names it
// copied: prefer the dist-info top_level.txt file, else fall back to
// directory inspection (any directory containing __init__.py, or any bare
// .py file, whose name normalizes to the distribution name).
func copyDistribution(scratchDir, targetDir, distName, version string) ([]string, error) {
	entries, err := os.ReadDir(scratchDir)
	if err != nil {
		return nil, err
	}

	var distInfo string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), ".dist-info") && NormalizeName(distInfoPackageName(e.Name())) == NormalizeName(distName) {
			distInfo = filepath.Join(scratchDir, e.Name())
			break
		}
	}

	var topLevel []string
	if distInfo != "" {
		if data, err := os.ReadFile(filepath.Join(distInfo, "top_level.txt")); err == nil {
			for _, line := range strings.Split(string(data), "\n") {
				if t := strings.TrimSpace(line); t != "" {
					topLevel = append(topLevel, t)
				}
			}
		}
	}

	if len(topLevel) == 0 {
		topLevel = inferTopLevelModules(scratchDir, distName)
	}

	for _, mod := range topLevel {
		srcPath := filepath.Join(scratchDir, mod)
		if info, err := os.Stat(srcPath); err == nil && info.IsDir() {
			if err := copyTree(srcPath, filepath.Join(targetDir, mod)); err != nil {
				return nil, err
			}
			continue
		}
		srcFile := filepath.Join(scratchDir, mod+".py")
		if _, err := os.Stat(srcFile); err == nil {
			if err := copyFile(srcFile, filepath.Join(targetDir, mod+".py")); err != nil {
				return nil, err
			}
		}
	}
	return topLevel, nil
}

// inferTopLevelModules guesses a distribution's top-level module names by
// normalizing every top-level entry in scratchDir and keeping the ones whose
// normalized form matches distName (hyphens/underscores collapsed the same
// way PEP 503 does for the dist name itself).
func inferTopLevelModules(scratchDir, distName string) []string {
	entries, err := os.ReadDir(scratchDir)
	if err != nil {
		return nil
	}
	want := strings.ReplaceAll(NormalizeName(distName), "-", "_")
	var out []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, ".dist-info") || strings.HasSuffix(name, ".data") {
			continue
		}
		base := strings.TrimSuffix(name, ".py")
		normalized := strings.ReplaceAll(NormalizeName(base), "-", "_")
		if normalized != want {
			continue
		}
		if e.IsDir() {
			if _, err := os.Stat(filepath.Join(scratchDir, name, "__init__.py")); err != nil {
				continue
			}
		}
		out = append(out, base)
	}
	return out
}

func distInfoPackageName(dirName string) string {
	base := strings.TrimSuffix(dirName, ".dist-info")
	if idx := strings.LastIndex(base, "-"); idx != -1 {
		return base[:idx]
	}
	return base
}

func copyTree(src, dest string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		destPath := filepath.Join(dest, rel)
		if info.IsDir() {
			return os.MkdirAll(destPath, 0o755)
		}
		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return err
		}
		return copyFile(path, destPath)
	})
}

// BuildVendorInfo renders a VendorResult into the manifest package's
// VendorInfo shape for embedding as island.json's vendored_dependencies
// field.
func BuildVendorInfo(result *VendorResult) manifest.VendorInfo {
	packages := make(map[string]manifest.VendoredDependency, len(result.Packages))
	depGraph := make(map[string][]string, len(result.Packages))
	for _, p := range result.Packages {
		tags := make([]string, 0, len(p.PlatformTags))
		for _, t := range p.PlatformTags {
			tags = append(tags, t.String())
		}
		packages[p.Name] = manifest.VendoredDependency{
			Version:            p.Version,
			Modules:            p.TopLevel,
			IsPurePython:       p.IsPurePython,
			PlatformTags:       tags,
			DirectDependencies: p.Requires,
		}
		depGraph[p.Name] = p.Requires
	}
	return manifest.VendorInfo{
		Packages:             packages,
		DependencyGraph:      depGraph,
		RootDependencies:     result.RootDependencies,
		IsPurePython:         result.IsPurePython,
		EffectivePlatformTag: result.EffectivePlatformTag.String(),
	}
}

// MarshalVendorInfo renders a VendorInfo as the raw JSON manifest.Manifest
// expects for its VendoredDependencies field.
func MarshalVendorInfo(info manifest.VendorInfo) (json.RawMessage, error) {
	b, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("vendorpkg: marshaling vendor info: %w", err)
	}
	return b, nil
}
