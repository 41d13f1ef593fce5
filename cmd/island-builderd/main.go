// island-builderd builds `.island` archives from a YAML build
// configuration: it resolves and vendors the declared dependencies,
// rewrites their imports, and assembles the final archive.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/k8ika0s/island-registry/internal/archive"
	"github.com/k8ika0s/island-registry/internal/cas"
	"github.com/k8ika0s/island-registry/internal/config"
	"github.com/k8ika0s/island-registry/internal/filetag"
	"github.com/k8ika0s/island-registry/internal/manifest"
	"github.com/k8ika0s/island-registry/internal/platform"
	"github.com/k8ika0s/island-registry/internal/runner"
	"github.com/k8ika0s/island-registry/internal/vendorpkg"
)

// BuildSpec is the YAML build configuration, mirroring the island.json
// manifest fields plus the filesystem and vendoring inputs a build needs.
type BuildSpec struct {
	Name             string            `yaml:"name"`
	Version          string            `yaml:"version"`
	GameName         string            `yaml:"game_name"`
	SourceDir        string            `yaml:"source_dir"`
	Description      string            `yaml:"description,omitempty"`
	Authors          []string          `yaml:"authors,omitempty"`
	License          string            `yaml:"license,omitempty"`
	Homepage         string            `yaml:"homepage,omitempty"`
	Repository       string            `yaml:"repository,omitempty"`
	Keywords         []string          `yaml:"keywords,omitempty"`
	Dependencies     []string          `yaml:"dependencies,omitempty"`
	MinimumApVersion string            `yaml:"minimum_ap_version,omitempty"`
	MaximumApVersion string            `yaml:"maximum_ap_version,omitempty"`
	Platforms        []string          `yaml:"platforms,omitempty"`
	Exclude          []string          `yaml:"exclude,omitempty"`
	VendorExclude    []string          `yaml:"vendor_exclude,omitempty"`
	CoreHostModules  []string          `yaml:"core_host_modules,omitempty"`
	CoreMetaPackage  string            `yaml:"core_meta_package,omitempty"`
	EntryPoints      map[string]string `yaml:"entry_points"`
}

func main() {
	var (
		specPath     = flag.String("config", "island-build.yaml", "path to the build spec")
		outputDir    = flag.String("output", "dist", "directory the .island archive is written to")
		workDir      = flag.String("work-dir", "", "scratch directory for wheel downloads (default: temp)")
		pythonTag    = flag.String("python-tag", "cp311", "host python tag used for platform-specific builds")
		hostPlat     = flag.String("platform", "manylinux_2_17_x86_64", "host platform segment used for platform-specific builds")
		fetchTimeout = flag.Duration("fetch-timeout", 10*time.Minute, "timeout for the wheel-download step")
	)
	flag.Parse()
	cfg := config.FromEnv()

	spec, err := loadSpec(*specPath)
	if err != nil {
		log.Fatalf("loading build spec: %v", err)
	}

	m := manifest.ApplyDefaults(manifest.Manifest{
		Game:             spec.GameName,
		EntryPoints:      manifest.EntryPoints{ApIsland: spec.EntryPoints},
		MinimumApVersion: spec.MinimumApVersion,
		MaximumApVersion: spec.MaximumApVersion,
		Authors:          spec.Authors,
		Description:      spec.Description,
		License:          spec.License,
		Homepage:         spec.Homepage,
		Repository:       spec.Repository,
		Keywords:         spec.Keywords,
		Platforms:        spec.Platforms,
	})
	if errs := manifest.Validate(m); len(errs) > 0 {
		for _, e := range errs {
			log.Printf("manifest: %s: %s", e.Field, e.Error)
		}
		log.Fatalf("build spec produced an invalid manifest")
	}

	ctx := context.Background()
	buildCfg := archive.BuildConfig{
		Game:            spec.Name,
		Version:         spec.Version,
		SourceDir:       spec.SourceDir,
		OutputDir:       *outputDir,
		Manifest:        m,
		VendorIsPure:    true,
		ExcludePatterns: spec.Exclude,
		CurrentPlatform: platform.Tag{Python: *pythonTag, ABI: *pythonTag, Platform: *hostPlat},
	}

	if len(spec.Dependencies) > 0 {
		vendorDir, err := os.MkdirTemp("", "island-build-vendor-*")
		if err != nil {
			log.Fatalf("creating vendor dir: %v", err)
		}
		defer os.RemoveAll(vendorDir)

		normalized, err := filetag.NormalizeName(spec.Name)
		if err != nil {
			log.Fatalf("invalid package name: %v", err)
		}
		// Vendored modules are addressed as {pkg}._vendor.X in rewritten
		// imports.
		vendorNS := normalized + "." + vendorpkg.DefaultVendorNamespace

		result, err := vendorpkg.VendorDependencies(ctx, vendorpkg.VendorConfig{
			Dependencies:    spec.Dependencies,
			ExcludeNames:    spec.VendorExclude,
			CoreHostModules: spec.CoreHostModules,
			CoreMetaPackage: spec.CoreMetaPackage,
			VendorNamespace: vendorNS,
			Fetcher:         newFetcher(cfg, *pythonTag, *hostPlat, *fetchTimeout),
			WorkDir:         *workDir,
		}, vendorDir)
		if err != nil {
			log.Fatalf("vendoring dependencies: %v", err)
		}

		info := vendorpkg.BuildVendorInfo(result)
		raw, err := vendorpkg.MarshalVendorInfo(info)
		if err != nil {
			log.Fatalf("encoding vendor manifest: %v", err)
		}
		buildCfg.Manifest.VendoredDependencies = raw
		buildCfg.VendorDir = vendorDir
		buildCfg.VendorHasDeps = true
		buildCfg.VendorIsPure = result.IsPurePython
		if !result.IsPurePython {
			tag := result.EffectivePlatformTag
			buildCfg.PlatformOverride = &tag
		}

		// Rewrite the package's own sources into a scratch copy so the
		// original tree is never modified in place.
		rewritten, err := rewriteSources(spec.SourceDir, vendorNS, result.RewrittenModules, spec.CoreHostModules)
		if err != nil {
			log.Fatalf("rewriting imports: %v", err)
		}
		defer os.RemoveAll(rewritten)
		buildCfg.SourceDir = rewritten
	}

	res, err := archive.Build(buildCfg)
	if err != nil {
		log.Fatalf("building archive: %v", err)
	}

	summary, _ := json.Marshal(map[string]any{
		"path":           res.Path,
		"filename":       res.Filename,
		"files_included": len(res.FilesIncluded),
		"size":           res.Size,
		"pure_python":    res.IsPurePython,
		"platform_tag":   res.PlatformTag.String(),
	})
	fmt.Println(string(summary))
}

func loadSpec(path string) (BuildSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return BuildSpec{}, err
	}
	var spec BuildSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return BuildSpec{}, fmt.Errorf("%s: %w", path, err)
	}
	if spec.Name == "" || spec.Version == "" || spec.SourceDir == "" {
		return BuildSpec{}, fmt.Errorf("%s: name, version, and source_dir are required", path)
	}
	return spec, nil
}

// newFetcher builds the wheel-download primitive, wrapped with the
// content-addressed cache when one is configured.
func newFetcher(cfg config.Config, pythonTag, hostPlat string, timeout time.Duration) vendorpkg.WheelFetcher {
	base := runner.Fetcher{
		Bin:       cfg.PipBin,
		PythonTag: pythonTag,
		Platform:  hostPlat,
		Timeout:   timeout,
		LogWriter: os.Stderr,
	}
	if cfg.CASBaseURL == "" {
		return base
	}
	return runner.CachingFetcher{
		Inner:         base,
		Cache:         &cas.Registry{BaseURL: cfg.CASBaseURL},
		Index:         cas.NewMemoryIndex(),
		PythonVersion: pythonTag,
		PlatformTag:   hostPlat,
	}
}

// rewriteSources copies the package source tree and rewrites its imports of
// vendored modules through the package's _vendor namespace.
func rewriteSources(sourceDir, vendorNS string, vendoredModules, coreHostModules []string) (string, error) {
	dest, err := os.MkdirTemp("", "island-build-src-*")
	if err != nil {
		return "", err
	}
	// Host-core modules are never rewritten, even when also vendored.
	rewriteSet := make([]string, 0, len(vendoredModules))
	core := map[string]bool{}
	for _, m := range coreHostModules {
		core[m] = true
	}
	for _, m := range vendoredModules {
		if !core[m] {
			rewriteSet = append(rewriteSet, m)
		}
	}
	if _, err := vendorpkg.RewriteImports(sourceDir, dest, vendorNS, rewriteSet); err != nil {
		os.RemoveAll(dest)
		return "", err
	}
	return dest, nil
}
