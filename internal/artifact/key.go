// Package artifact computes content digests for the builder's CAS-backed
// wheel-download cache: a stable digest of the canonical JSON encoding of
// a resolved requirement set.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Type distinguishes artifact categories stored in the CAS.
type Type string

// WheelSetType is the only artifact category this project caches: the set
// of wheels produced by fetching a root requirement list.
const WheelSetType Type = "wheelset"

// ID is a typed reference to a content-addressed artifact.
type ID struct {
	Type   Type   `json:"type"`
	Digest string `json:"digest"`
}

// FetchKey describes one invocation of the wheel-download primitive: the
// root requirement strings plus the environment that affects what gets
// downloaded (Python version, target platform). Digest is stable across
// requirement reordering so repeated builds of the same root set, however
// the requirements were listed, hit the same cache entry.
type FetchKey struct {
	Requirements  []string `json:"requirements"`
	PythonVersion string   `json:"python_version,omitempty"`
	PlatformTag   string   `json:"platform_tag,omitempty"`
}

// Digest computes a stable content digest for the fetch key.
func (k FetchKey) Digest() string {
	sorted := k
	if len(k.Requirements) > 1 {
		reqs := append([]string(nil), k.Requirements...)
		sort.Strings(reqs)
		sorted.Requirements = reqs
	}
	return digestStruct(sorted)
}

func digestStruct(v any) string {
	b, _ := json.Marshal(v)
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:])
}
