// Package manifest implements the island.json schema: parsing, structured
// validation, and default application.
package manifest

import (
	"encoding/json"
	"fmt"
	"regexp"
)

const (
	// SchemaVersion is the fixed schema version every manifest must declare.
	SchemaVersion        = 7
	minCompatibleVersion = 5
	maxCompatibleVersion = 7
	maxDescriptionLen    = 500
	maxKeywordLen        = 50
	maxGameLen           = 100
)

var entryPointRE = regexp.MustCompile(`^[A-Za-z_][\w]*(\.[A-Za-z_][\w]*)*:[A-Za-z_][\w]*$`)

var validPlatforms = map[string]bool{"windows": true, "macos": true, "linux": true}

// EntryPoints groups the manifest's registered entry-point tables by type.
// The spec requires an "ap-island" group with at least one entry. Only that
// group is parsed; any other group in the JSON is dropped and not kept.
type EntryPoints struct {
	ApIsland map[string]string `json:"ap-island"`
}

// VendoredDependency describes one vendored package as embedded in
// island.json under vendored_dependencies (the enhanced form).
type VendoredDependency struct {
	Version            string   `json:"version"`
	Modules            []string `json:"modules,omitempty"`
	IsPurePython       bool     `json:"is_pure_python"`
	PlatformTags       []string `json:"platform_tags,omitempty"`
	DirectDependencies []string `json:"direct_dependencies,omitempty"`
}

// VendorInfo is the full vendored_dependencies object, combining per-package
// entries with the graph-wide summary fields.
type VendorInfo struct {
	Packages             map[string]VendoredDependency `json:"packages,omitempty"`
	DependencyGraph      map[string][]string           `json:"dependency_graph,omitempty"`
	RootDependencies     []string                      `json:"root_dependencies,omitempty"`
	IsPurePython         bool                          `json:"is_pure_python"`
	EffectivePlatformTag string                        `json:"effective_platform_tag,omitempty"`
}

// Manifest is the parsed, typed form of island.json. Unknown top-level keys
// are preserved in Extra for forward compatibility.
type Manifest struct {
	Game              string      `json:"game"`
	Version           int         `json:"version"`
	CompatibleVersion int         `json:"compatible_version"`
	EntryPoints       EntryPoints `json:"entry_points"`

	WorldVersion     string   `json:"world_version,omitempty"`
	MinimumApVersion string   `json:"minimum_ap_version,omitempty"`
	MaximumApVersion string   `json:"maximum_ap_version,omitempty"`
	Authors          []string `json:"authors,omitempty"`
	Description      string   `json:"description,omitempty"`
	License          string   `json:"license,omitempty"`
	Homepage         string   `json:"homepage,omitempty"`
	Repository       string   `json:"repository,omitempty"`
	Keywords         []string `json:"keywords,omitempty"`
	Platforms        []string `json:"platforms,omitempty"`
	PurePython       *bool    `json:"pure_python,omitempty"`

	// VendoredDependencies is emitted verbatim from a VendorInfo by the
	// vendor packager; it is also accepted as a legacy name->version string
	// map on input, so it is kept untyped here and interpreted by callers
	// that know which shape they produced.
	VendoredDependencies json.RawMessage `json:"vendored_dependencies,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// FieldError is a single structured validation failure, matching the
// registry's error envelope "details" shape.
type FieldError struct {
	Field string `json:"field"`
	Error string `json:"error"`
}

// Parse decodes raw island.json bytes, preserving unrecognized top-level
// keys in Manifest.Extra.
func Parse(data []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("manifest: invalid json: %w", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Manifest{}, fmt.Errorf("manifest: invalid json: %w", err)
	}
	known := map[string]bool{
		"game": true, "version": true, "compatible_version": true, "entry_points": true,
		"world_version": true, "minimum_ap_version": true, "maximum_ap_version": true,
		"authors": true, "description": true, "license": true, "homepage": true,
		"repository": true, "keywords": true, "platforms": true, "pure_python": true,
		"vendored_dependencies": true,
	}
	m.Extra = map[string]json.RawMessage{}
	for k, v := range raw {
		if !known[k] {
			m.Extra[k] = v
		}
	}
	return m, nil
}

// ApplyDefaults fills the fixed/implicit defaults a manifest may omit:
// schema version 7, compatible_version equal to the schema version, and
// pure_python left nil (callers distinguish "unspecified" from "false").
func ApplyDefaults(m Manifest) Manifest {
	if m.Version == 0 {
		m.Version = SchemaVersion
	}
	if m.CompatibleVersion == 0 {
		m.CompatibleVersion = SchemaVersion
	}
	return m
}

// Validate checks every required field and format constraint, returning
// one FieldError per violation (nil if valid).
func Validate(m Manifest) []FieldError {
	var errs []FieldError

	if m.Game == "" || len(m.Game) > maxGameLen {
		errs = append(errs, FieldError{"game", "must be 1-100 characters"})
	}
	if m.Version != SchemaVersion {
		errs = append(errs, FieldError{"version", fmt.Sprintf("must be %d", SchemaVersion)})
	}
	if m.CompatibleVersion < minCompatibleVersion || m.CompatibleVersion > maxCompatibleVersion {
		errs = append(errs, FieldError{"compatible_version", fmt.Sprintf("must be between %d and %d", minCompatibleVersion, maxCompatibleVersion)})
	}

	if len(m.EntryPoints.ApIsland) == 0 {
		errs = append(errs, FieldError{"entry_points.ap-island", "must have at least one entry"})
	}
	for name, target := range m.EntryPoints.ApIsland {
		if !entryPointRE.MatchString(target) {
			errs = append(errs, FieldError{
				Field: fmt.Sprintf("entry_points.ap-island.%s", name),
				Error: fmt.Sprintf("%q does not match the entry-point grammar module.path:Attr", target),
			})
		}
	}

	if len(m.Description) > maxDescriptionLen {
		errs = append(errs, FieldError{"description", fmt.Sprintf("must be at most %d characters", maxDescriptionLen)})
	}
	for _, kw := range m.Keywords {
		if len(kw) > maxKeywordLen {
			errs = append(errs, FieldError{"keywords", fmt.Sprintf("keyword %q exceeds %d characters", kw, maxKeywordLen)})
			break
		}
	}
	for _, p := range m.Platforms {
		if !validPlatforms[p] {
			errs = append(errs, FieldError{"platforms", fmt.Sprintf("unknown platform %q", p)})
			break
		}
	}

	return errs
}
