// Package vendorpkg resolves a package's third-party dependency graph,
// copies the resolved modules into a package-private vendor tree, and
// rewrites their imports so the vendored modules are addressed through
// that tree instead of the top-level namespace.
package vendorpkg

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/k8ika0s/island-registry/internal/platform"
)

var pep503CollapseRE = regexp.MustCompile(`[-_.]+`)

// NormalizeName applies PEP 503 package-name normalization: lowercase,
// collapse runs of "-", "_", "." into a single "-". Distinct from
// internal/filetag.NormalizeName, which collapses to "_" for the archive
// filename namespace.
func NormalizeName(name string) string {
	return strings.ToLower(pep503CollapseRE.ReplaceAllString(strings.TrimSpace(name), "-"))
}

// Requirement is a parsed pip-style requirement string, e.g. "pyyaml>=6.0"
// or "requests[security]==2.31.0".
type Requirement struct {
	Name        string
	Extras      []string
	VersionSpec string
}

var requirementRE = regexp.MustCompile(`^([A-Za-z0-9][A-Za-z0-9._-]*)(\[([^\]]*)\])?\s*(.*)$`)

// ParseRequirement parses a pip-style requirement string.
func ParseRequirement(s string) (Requirement, error) {
	s = strings.TrimSpace(s)
	m := requirementRE.FindStringSubmatch(s)
	if m == nil || m[1] == "" {
		return Requirement{}, fmt.Errorf("vendorpkg: malformed requirement %q", s)
	}
	var extras []string
	if m[3] != "" {
		for _, e := range strings.Split(m[3], ",") {
			if e = strings.TrimSpace(e); e != "" {
				extras = append(extras, e)
			}
		}
	}
	return Requirement{Name: m[1], Extras: extras, VersionSpec: strings.TrimSpace(m[4])}, nil
}

// String renders the requirement back into pip-style syntax, used when
// re-enqueueing a transitive dependency for fetching.
func (r Requirement) String() string {
	var b strings.Builder
	b.WriteString(r.Name)
	if len(r.Extras) > 0 {
		b.WriteString("[")
		b.WriteString(strings.Join(r.Extras, ","))
		b.WriteString("]")
	}
	b.WriteString(r.VersionSpec)
	return b.String()
}

var extraMarkerRE = regexp.MustCompile(`^extra\s*==\s*['"][^'"]*['"]$`)

// RequiresDistEntry is one parsed Requires-Dist METADATA line.
type RequiresDistEntry struct {
	Requirement Requirement
	Marker      string
}

// IsExtrasOnly reports whether the entry's environment marker is exactly
// `extra == '...'`. Such entries are ignored by the resolver; every other
// marker, including a compound one that merely mentions "extra", is kept
// and treated as required.
func (e RequiresDistEntry) IsExtrasOnly() bool {
	return extraMarkerRE.MatchString(strings.TrimSpace(e.Marker))
}

// ParseRequiresDist extracts Requires-Dist entries from a wheel's METADATA
// file content (RFC 822-style headers).
func ParseRequiresDist(metadata string) []RequiresDistEntry {
	var out []RequiresDistEntry
	for _, line := range strings.Split(metadata, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(strings.ToLower(trimmed), "requires-dist:") {
			continue
		}
		val := strings.TrimSpace(trimmed[len("requires-dist:"):])
		marker := ""
		if semi := strings.Index(val, ";"); semi != -1 {
			marker = strings.TrimSpace(val[semi+1:])
			val = strings.TrimSpace(val[:semi])
		}
		val = strings.TrimSuffix(val, ")")
		val = strings.Replace(val, "(", "", 1)
		req, err := ParseRequirement(val)
		if err != nil {
			continue
		}
		out = append(out, RequiresDistEntry{Requirement: req, Marker: marker})
	}
	return out
}

// WheelFetcher invokes the external wheel-download primitive for a set of
// requirement strings, writing downloaded .whl files into destDir. A
// non-zero exit (or any transport/process failure) must be returned as an
// error; the caller treats it as fatal.
type WheelFetcher interface {
	Fetch(ctx context.Context, requirements []string, destDir string) error
}

// ResolvedDependency is one node of a DependencyGraph.
type ResolvedDependency struct {
	Name         string
	Version      string
	Requires     []string
	PlatformTags []platform.Tag
	IsPurePython bool
}

// Graph is the resolved transitive dependency graph.
type Graph struct {
	Nodes map[string]*ResolvedDependency
	Roots []string
}

// newGraph creates an empty graph.
func newGraph() *Graph {
	return &Graph{Nodes: map[string]*ResolvedDependency{}}
}

// TransitiveClosure returns every name reachable from root by following
// Requires edges (root included), in breadth-first discovery order.
func (g *Graph) TransitiveClosure(root string) []string {
	root = NormalizeName(root)
	if _, ok := g.Nodes[root]; !ok {
		return nil
	}
	visited := map[string]bool{root: true}
	queue := []string{root}
	var order []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		order = append(order, cur)
		node := g.Nodes[cur]
		if node == nil {
			continue
		}
		for _, dep := range node.Requires {
			if !visited[dep] {
				visited[dep] = true
				queue = append(queue, dep)
			}
		}
	}
	return order
}

// dependents builds the reverse-edge adjacency: dependents[Y] lists every
// X such that X requires Y.
func (g *Graph) dependents() map[string][]string {
	out := map[string][]string{}
	for name, node := range g.Nodes {
		for _, dep := range node.Requires {
			out[dep] = append(out[dep], name)
		}
	}
	return out
}

// TopologicalOrder returns every graph node in dependencies-before-
// dependents order (standard Kahn's algorithm, seeded from nodes with no
// unresolved Requires), breaking ties by name for determinism.
func (g *Graph) TopologicalOrder() []string {
	inDegree := make(map[string]int, len(g.Nodes))
	for name, node := range g.Nodes {
		inDegree[name] = len(node.Requires)
	}
	deps := g.dependents()

	var queue []string
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	var order []string
	for len(queue) > 0 {
		sort.Strings(queue)
		cur := queue[0]
		queue = queue[1:]
		order = append(order, cur)
		for _, dependent := range deps[cur] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}
	return order
}

// ShortestChain returns the shortest path from some root dependency down to
// target (BFS over the reverse-edge graph), for embedding in user-facing
// errors.
func (g *Graph) ShortestChain(target string) ([]string, error) {
	target = NormalizeName(target)
	roots := make(map[string]bool, len(g.Roots))
	for _, r := range g.Roots {
		roots[r] = true
	}
	if roots[target] {
		return []string{target}, nil
	}
	deps := g.dependents()
	parent := map[string]string{}
	visited := map[string]bool{target: true}
	queue := []string{target}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, dependent := range deps[cur] {
			if visited[dependent] {
				continue
			}
			visited[dependent] = true
			parent[dependent] = cur
			if roots[dependent] {
				path := []string{dependent}
				node := dependent
				for node != target {
					node = parent[node]
					path = append(path, node)
				}
				return path, nil
			}
			queue = append(queue, dependent)
		}
	}
	return nil, fmt.Errorf("vendorpkg: no dependency chain found to %q", target)
}

// MostRestrictiveTag computes the graph's effective platform tag:
// universal if every node is pure-python, else the most specific
// platform-specific tag; an error if two or more mutually exclusive
// platform families are present.
func (g *Graph) MostRestrictiveTag() (platform.Tag, error) {
	var specific []platform.Tag
	for _, node := range g.Nodes {
		if node.IsPurePython {
			continue
		}
		specific = append(specific, node.PlatformTags...)
	}
	if len(specific) == 0 {
		return platform.Universal, nil
	}
	if families := platform.ConflictingFamilies(specific); len(families) >= 2 {
		return platform.Tag{}, fmt.Errorf("vendorpkg: graph contains mutually exclusive platform families: %s", strings.Join(families, ", "))
	}
	return platform.MostSpecific(specific), nil
}

// IsPurePython reports whether every node in the graph is pure-python.
func (g *Graph) IsPurePython() bool {
	for _, node := range g.Nodes {
		if !node.IsPurePython {
			return false
		}
	}
	return true
}

// ResolveOptions configures a Resolve call.
type ResolveOptions struct {
	Fetcher         WheelFetcher
	ExcludeNames    []string
	CoreHostModules []string
	CoreMetaPackage string
	WorkDir         string
}

// ResolveError wraps a downstream failure with the dependency chain that
// led to the failing package.
type ResolveError struct {
	Package string
	Chain   []string
	Err     error
}

func (e *ResolveError) Error() string {
	if len(e.Chain) > 0 {
		return fmt.Sprintf("vendorpkg: resolving %q (chain: %s): %v", e.Package, strings.Join(e.Chain, " -> "), e.Err)
	}
	return fmt.Sprintf("vendorpkg: resolving %q: %v", e.Package, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }

// Resolve downloads the root requirement set and its transitive closure
// (each package fetched with --no-deps and its own Requires-Dist entries
// driving further fetches, since --no-deps never resolves dependencies for
// us) and returns the filtered dependency graph.
func Resolve(ctx context.Context, rootRequirements []string, opts ResolveOptions) (*Graph, error) {
	exclude, err := buildExcludeSet(ctx, opts)
	if err != nil {
		return nil, err
	}

	g := newGraph()
	seen := map[string]bool{}
	var pending []Requirement

	for _, r := range rootRequirements {
		req, err := ParseRequirement(r)
		if err != nil {
			return nil, err
		}
		norm := NormalizeName(req.Name)
		g.Roots = append(g.Roots, norm)
		if exclude[norm] || seen[norm] {
			continue
		}
		seen[norm] = true
		pending = append(pending, req)
	}

	for len(pending) > 0 {
		req := pending[0]
		pending = pending[1:]

		destDir, err := os.MkdirTemp(opts.WorkDir, "island-resolve-*")
		if err != nil {
			return nil, err
		}
		if err := opts.Fetcher.Fetch(ctx, []string{req.String()}, destDir); err != nil {
			chain, _ := g.ShortestChain(NormalizeName(req.Name))
			os.RemoveAll(destDir)
			return nil, &ResolveError{Package: req.Name, Chain: chain, Err: err}
		}

		wheels, err := findWheels(destDir)
		if err != nil {
			os.RemoveAll(destDir)
			return nil, err
		}
		for _, wheelPath := range wheels {
			info, err := parseWheelFilename(filepath.Base(wheelPath))
			if err != nil {
				os.RemoveAll(destDir)
				return nil, err
			}
			norm := NormalizeName(info.Name)
			if exclude[norm] {
				continue
			}
			if _, already := g.Nodes[norm]; already {
				continue
			}
			tag := platform.Tag{Python: info.PythonTag, ABI: info.ABITag, Platform: info.PlatformTag}

			entries, err := readRequiresDist(wheelPath)
			if err != nil {
				os.RemoveAll(destDir)
				return nil, err
			}
			var direct []string
			for _, e := range entries {
				if e.IsExtrasOnly() {
					continue
				}
				dn := NormalizeName(e.Requirement.Name)
				if exclude[dn] {
					continue
				}
				direct = append(direct, dn)
				if !seen[dn] {
					seen[dn] = true
					pending = append(pending, e.Requirement)
				}
			}
			g.Nodes[norm] = &ResolvedDependency{
				Name:         norm,
				Version:      info.Version,
				Requires:     direct,
				PlatformTags: []platform.Tag{tag},
				IsPurePython: tag.IsPurePython(),
			}
		}
		os.RemoveAll(destDir)
	}

	return g, nil
}

// buildExcludeSet unions explicit excludes, core-host module names, and
// (if configured) the transitive closure of a host-"core" meta-package,
// resolved by a recursive Resolve call against that name alone.
func buildExcludeSet(ctx context.Context, opts ResolveOptions) (map[string]bool, error) {
	exclude := map[string]bool{}
	for _, n := range opts.ExcludeNames {
		exclude[NormalizeName(n)] = true
	}
	for _, n := range opts.CoreHostModules {
		exclude[NormalizeName(n)] = true
	}
	if opts.CoreMetaPackage == "" {
		return exclude, nil
	}
	coreGraph, err := Resolve(ctx, []string{opts.CoreMetaPackage}, ResolveOptions{
		Fetcher: opts.Fetcher,
		WorkDir: opts.WorkDir,
	})
	if err != nil {
		return nil, fmt.Errorf("vendorpkg: resolving core meta-package %q: %w", opts.CoreMetaPackage, err)
	}
	exclude[NormalizeName(opts.CoreMetaPackage)] = true
	for name := range coreGraph.Nodes {
		exclude[name] = true
	}
	return exclude, nil
}

func findWheels(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".whl") {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

type wheelFilenameInfo struct {
	Name        string
	Version     string
	PythonTag   string
	ABITag      string
	PlatformTag string
}

// parseWheelFilename parses the standard wheel filename grammar
// "{dist}-{ver}(-{build})?-{py}-{abi}-{plat}.whl".
func parseWheelFilename(name string) (wheelFilenameInfo, error) {
	base := strings.TrimSuffix(name, ".whl")
	parts := strings.Split(base, "-")
	if len(parts) < 5 {
		return wheelFilenameInfo{}, fmt.Errorf("vendorpkg: invalid wheel filename %q", name)
	}
	plat := parts[len(parts)-1]
	abi := parts[len(parts)-2]
	py := parts[len(parts)-3]
	version := parts[len(parts)-4]
	pkg := strings.Join(parts[:len(parts)-4], "-")
	return wheelFilenameInfo{Name: pkg, Version: version, PythonTag: py, ABITag: abi, PlatformTag: plat}, nil
}

// readRequiresDist extracts Requires-Dist entries from the METADATA file
// inside a downloaded wheel.
func readRequiresDist(wheelPath string) ([]RequiresDistEntry, error) {
	zr, err := zip.OpenReader(wheelPath)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	var meta []byte
	for _, f := range zr.File {
		if strings.HasSuffix(f.Name, ".dist-info/METADATA") {
			rc, err := f.Open()
			if err != nil {
				return nil, err
			}
			buf := new(bytes.Buffer)
			_, err = io.Copy(buf, rc)
			rc.Close()
			if err != nil {
				return nil, err
			}
			meta = buf.Bytes()
			break
		}
	}
	if len(meta) == 0 {
		return nil, nil
	}
	return ParseRequiresDist(string(meta)), nil
}
