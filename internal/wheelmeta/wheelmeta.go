// Package wheelmeta writes the dist-info metadata files embedded in an
// `.island` archive: WHEEL, METADATA (PEP 566, without Requires-Dist),
// RECORD (SHA-256 + size CSV), and entry_points.txt.
package wheelmeta

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/csv"
	"fmt"
	"sort"
	"strings"

	"github.com/k8ika0s/island-registry/internal/platform"
)

// RecordEntry is one line of the RECORD file: a path, its SHA-256 (urlsafe
// base64, unpadded), and its size in bytes. RECORD's own entry carries an
// empty hash and size.
type RecordEntry struct {
	Path string
	Hash string
	Size string
}

// NewRecordEntry computes the RECORD entry for a file's contents.
func NewRecordEntry(path string, data []byte) RecordEntry {
	sum := sha256.Sum256(data)
	hash := "sha256=" + base64.RawURLEncoding.EncodeToString(sum[:])
	return RecordEntry{Path: path, Hash: hash, Size: fmt.Sprintf("%d", len(data))}
}

// RecordSelfEntry is the RECORD file's own entry: empty hash and size.
func RecordSelfEntry(path string) RecordEntry {
	return RecordEntry{Path: path}
}

// WriteRecord serializes RECORD entries as CSV: "path,sha256=...,size".
func WriteRecord(entries []RecordEntry) []byte {
	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)
	for _, e := range entries {
		_ = w.Write([]string{e.Path, e.Hash, e.Size})
	}
	w.Flush()
	return buf.Bytes()
}

// Wheel is the content of the dist-info WHEEL file.
type Wheel struct {
	RootIsPurelib bool
	Tag           platform.Tag
}

// Bytes renders the WHEEL file.
func (w Wheel) Bytes() []byte {
	var b strings.Builder
	b.WriteString("Wheel-Version: 1.0\n")
	b.WriteString("Generator: island-build\n")
	fmt.Fprintf(&b, "Root-Is-Purelib: %t\n", w.RootIsPurelib)
	fmt.Fprintf(&b, "Tag: %s\n", w.Tag.String())
	return []byte(b.String())
}

// Metadata is the content of the dist-info METADATA file, PEP 566 without
// Requires-Dist: dependencies are vendored, never declared here.
type Metadata struct {
	Name     string
	Version  string
	Summary  string
	HomePage string
	Authors  []string
	License  string
	Keywords []string
}

// Bytes renders the METADATA file. It never emits a Requires-Dist line.
func (m Metadata) Bytes() []byte {
	var b strings.Builder
	b.WriteString("Metadata-Version: 2.1\n")
	fmt.Fprintf(&b, "Name: %s\n", m.Name)
	fmt.Fprintf(&b, "Version: %s\n", m.Version)
	if m.Summary != "" {
		fmt.Fprintf(&b, "Summary: %s\n", m.Summary)
	}
	if m.HomePage != "" {
		fmt.Fprintf(&b, "Home-page: %s\n", m.HomePage)
	}
	for _, a := range m.Authors {
		fmt.Fprintf(&b, "Author: %s\n", a)
	}
	if m.License != "" {
		fmt.Fprintf(&b, "License: %s\n", m.License)
	}
	if len(m.Keywords) > 0 {
		fmt.Fprintf(&b, "Keywords: %s\n", strings.Join(m.Keywords, ","))
	}
	if m.Summary != "" {
		b.WriteString("\n" + m.Summary + "\n")
	}
	return []byte(b.String())
}

// WriteEntryPointsINI renders entry_points.txt as INI, with groups emitted
// in sorted order and each group's entries sorted by name for determinism.
func WriteEntryPointsINI(groups map[string]map[string]string) []byte {
	names := make([]string, 0, len(groups))
	for g := range groups {
		names = append(names, g)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, g := range names {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "[%s]\n", g)
		entries := groups[g]
		keys := make([]string, 0, len(entries))
		for k := range entries {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "%s = %s\n", k, entries[k])
		}
	}
	return []byte(b.String())
}
