// Package filetag implements the `.island` and sdist filename grammar: name
// normalization, version normalization, and filename parse/build, following
// the PEP 427 wheel filename convention the format is modeled on.
package filetag

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/k8ika0s/island-registry/internal/platform"
)

var (
	nameCollapseRE = regexp.MustCompile(`[-._\s]+`)
	validNameRE    = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_]*$`)

	binaryRE = regexp.MustCompile(`^(?P<name>[a-zA-Z0-9][a-zA-Z0-9_]*)-(?P<version>[^-]+)(?:-(?P<build>\d+))?-(?P<py>[a-z0-9]+)-(?P<abi>[a-z0-9_]+)-(?P<plat>[a-z0-9_]+)\.island$`)
	sourceRE = regexp.MustCompile(`^(?P<name>[a-zA-Z0-9][a-zA-Z0-9_]*)-(?P<version>[^/]+)\.tar\.gz$`)
)

// NormalizeName lowercases a package name, collapses runs of "-", "_", "."
// and whitespace into a single underscore, and rejects the result unless it
// matches ^[a-zA-Z0-9][a-zA-Z0-9_]*$. This is the archive-filename
// normalization — distinct from the PEP 503 dependency-graph name
// normalization in internal/vendorpkg, which collapses to "-" instead of
// "_".
func NormalizeName(name string) (string, error) {
	collapsed := nameCollapseRE.ReplaceAllString(strings.ToLower(name), "_")
	if !validNameRE.MatchString(collapsed) {
		return "", fmt.Errorf("filetag: invalid name %q (normalized %q)", name, collapsed)
	}
	return collapsed, nil
}

// NormalizeVersion replaces "-" with "_", matching the PEP 427 convention
// that a wheel filename never contains a bare hyphen inside a segment.
func NormalizeVersion(version string) string {
	return strings.ReplaceAll(version, "-", "_")
}

// Parsed is the result of parsing a `.island` filename.
type Parsed struct {
	Name    string
	Version string
	Build   string
	Tag     platform.Tag
}

// BuildFilename computes "{name}-{version}-{py}-{abi}-{plat}.island",
// normalizing name and version first.
func BuildFilename(name, version string, tag platform.Tag) (string, error) {
	n, err := NormalizeName(name)
	if err != nil {
		return "", err
	}
	v := NormalizeVersion(version)
	return fmt.Sprintf("%s-%s-%s.island", n, v, tag.String()), nil
}

// ParseFilename parses a `.island` filename into its components. Together
// with BuildFilename it round-trips: for normalized inputs,
// ParseFilename(BuildFilename(name, version, tag)) reproduces
// (normalize(name), normalize(version), tag).
func ParseFilename(filename string) (Parsed, error) {
	m := binaryRE.FindStringSubmatch(filename)
	if m == nil {
		return Parsed{}, fmt.Errorf("filetag: %q does not match the .island filename grammar", filename)
	}
	names := binaryRE.SubexpNames()
	fields := map[string]string{}
	for i, v := range m {
		if names[i] != "" {
			fields[names[i]] = v
		}
	}
	tag, err := platform.Parse(fmt.Sprintf("%s-%s-%s", fields["py"], fields["abi"], fields["plat"]))
	if err != nil {
		return Parsed{}, err
	}
	return Parsed{
		Name:    fields["name"],
		Version: fields["version"],
		Build:   fields["build"],
		Tag:     tag,
	}, nil
}

// ParsedSource is the result of parsing a source-distribution filename.
type ParsedSource struct {
	Name    string
	Version string
}

// ParseSourceFilename parses a "{name}-{version}.tar.gz" sdist filename.
func ParseSourceFilename(filename string) (ParsedSource, error) {
	m := sourceRE.FindStringSubmatch(filename)
	if m == nil {
		return ParsedSource{}, fmt.Errorf("filetag: %q does not match the sdist filename grammar", filename)
	}
	names := sourceRE.SubexpNames()
	fields := map[string]string{}
	for i, v := range m {
		if names[i] != "" {
			fields[names[i]] = v
		}
	}
	return ParsedSource{Name: fields["name"], Version: fields["version"]}, nil
}

// BuildSourceFilename computes "{name}-{version}.tar.gz".
func BuildSourceFilename(name, version string) (string, error) {
	n, err := NormalizeName(name)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s.tar.gz", n, NormalizeVersion(version)), nil
}
