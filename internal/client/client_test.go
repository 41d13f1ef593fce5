package client

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// fakeRegistry serves version metadata pointing at origin for one package.
func fakeRegistry(t *testing.T, originURL, sha string, size int64) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/island/packages/sample-game", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"latest_version": "1.0.0"})
	})
	mux.HandleFunc("/v1/island/packages/sample-game/1.0.0", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"distributions": []map[string]any{{
				"filename":     "sample_game-1.0.0-py3-none-any.island",
				"url":          originURL + "/sample.island",
				"sha256":       sha,
				"size_bytes":   size,
				"python_tag":   "py3",
				"abi_tag":      "none",
				"platform_tag": "any",
				"url_status":   "active",
			}},
		})
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func TestInstallVerifiesChecksum(t *testing.T) {
	body := []byte("the real island archive")
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer origin.Close()
	sum := sha256.Sum256(body)
	sha := hex.EncodeToString(sum[:])

	registry := fakeRegistry(t, origin.URL, strings.ToUpper(sha), int64(len(body)))
	c := &Client{BaseURL: registry.URL}
	out := t.TempDir()

	// The checksum comparison is case-insensitive.
	res, err := c.Install(context.Background(), "sample-game", "", "", out)
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if res.Filename != "sample_game-1.0.0-py3-none-any.island" {
		t.Fatalf("filename: %q", res.Filename)
	}
	data, err := os.ReadFile(res.Path)
	if err != nil {
		t.Fatalf("read installed file: %v", err)
	}
	if string(data) != string(body) {
		t.Fatalf("installed bytes differ from origin bytes")
	}
	if res.SHA256 != sha {
		t.Fatalf("reported checksum %q want %q", res.SHA256, sha)
	}
}

func TestInstallChecksumMismatchLeavesNoFile(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("tampered bytes"))
	}))
	defer origin.Close()

	wrong := strings.Repeat("00", 32)
	registry := fakeRegistry(t, origin.URL, wrong, 14)
	c := &Client{BaseURL: registry.URL}
	out := t.TempDir()

	_, err := c.Install(context.Background(), "sample-game", "1.0.0", "", out)
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(out, "sample_game-1.0.0-py3-none-any.island")); !os.IsNotExist(statErr) {
		t.Fatalf("corrupt file left on disk")
	}
}

func TestChooseDistribution(t *testing.T) {
	dists := []distributionMetadata{
		{Filename: "g-1.0.0-py3-none-any.island", PythonTag: "py3", ABITag: "none", PlatformTag: "any"},
		{Filename: "g-1.0.0-cp311-cp311-win_amd64.island", PythonTag: "cp311", ABITag: "cp311", PlatformTag: "win_amd64"},
	}

	d, err := chooseDistribution(dists, "cp311-cp311-win_amd64")
	if err != nil {
		t.Fatalf("choose: %v", err)
	}
	if d.PlatformTag != "win_amd64" {
		t.Fatalf("expected exact platform match, got %q", d.Filename)
	}

	// No exact match falls back to the universal build.
	d, err = chooseDistribution(dists, "cp311-cp311-linux_x86_64")
	if err != nil {
		t.Fatalf("choose: %v", err)
	}
	if d.PlatformTag != "any" {
		t.Fatalf("expected universal fallback, got %q", d.Filename)
	}

	if _, err := chooseDistribution(nil, ""); err == nil {
		t.Fatalf("expected error for empty distribution list")
	}
}

func TestComputeSHA256(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.island")
	if err := os.WriteFile(path, []byte("abc"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	digest, size, err := ComputeSHA256(path)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if size != 3 {
		t.Fatalf("size: %d", size)
	}
	if digest != "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad" {
		t.Fatalf("digest: %s", digest)
	}
}
