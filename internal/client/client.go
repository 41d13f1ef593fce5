// Package client implements the registry's CLI-facing flows: checksum
// computation, registration submission, and install-with-verify.
package client

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/k8ika0s/island-registry/internal/api"
	"github.com/k8ika0s/island-registry/internal/platform"
)

// ErrChecksumMismatch distinguishes a corrupt download from other install
// failures so the CLI can exit with a dedicated code.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// Client talks to a registry instance.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func (c *Client) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 60 * time.Second}
}

// downloadClient uses the long budget origin artifacts need.
func (c *Client) downloadClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 300 * time.Second}
}

// ComputeSHA256 hashes a file for a registration payload.
func ComputeSHA256(path string) (digest string, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// RegisterResult is the registry's registration response.
type RegisterResult struct {
	PackageName             string   `json:"package_name"`
	Version                 string   `json:"version"`
	RegisteredDistributions []string `json:"registered_distributions"`
	RegistryURL             string   `json:"registry_url"`
}

// Register submits a registration payload.
func (c *Client) Register(ctx context.Context, reg api.PackageRegistration) (RegisterResult, error) {
	data, err := json.Marshal(reg)
	if err != nil {
		return RegisterResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/island/register", bytes.NewReader(data))
	if err != nil {
		return RegisterResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return RegisterResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return RegisterResult{}, decodeAPIError(resp)
	}
	var out RegisterResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return RegisterResult{}, err
	}
	return out, nil
}

func decodeAPIError(resp *http.Response) error {
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil || env.Error.Code == "" {
		return fmt.Errorf("registry returned status %d", resp.StatusCode)
	}
	return fmt.Errorf("registry error %s: %s", env.Error.Code, env.Error.Message)
}

// versionMetadata is the subset of the version-detail response install needs.
type versionMetadata struct {
	Distributions []distributionMetadata `json:"distributions"`
}

type distributionMetadata struct {
	Filename    string `json:"filename"`
	URL         string `json:"url"`
	SHA256      string `json:"sha256"`
	SizeBytes   int64  `json:"size_bytes"`
	PythonTag   string `json:"python_tag"`
	ABITag      string `json:"abi_tag"`
	PlatformTag string `json:"platform_tag"`
	URLStatus   string `json:"url_status"`
}

func (d distributionMetadata) tag() platform.Tag {
	return platform.Tag{Python: d.PythonTag, ABI: d.ABITag, Platform: d.PlatformTag}
}

// InstallResult reports what Install wrote.
type InstallResult struct {
	Path     string
	Filename string
	Size     int64
	SHA256   string
}

// Install resolves a version's distribution list, picks a distribution
// (exact platform match first, then universal, then the first .island),
// downloads it from its external origin, verifies the checksum, and only
// then writes {outDir}/{filename}.
func (c *Client) Install(ctx context.Context, name, version, platformTag, outDir string) (InstallResult, error) {
	if version == "" {
		latest, err := c.latestVersion(ctx, name)
		if err != nil {
			return InstallResult{}, err
		}
		version = latest
	}

	meta, err := c.versionMetadata(ctx, name, version)
	if err != nil {
		return InstallResult{}, err
	}
	dist, err := chooseDistribution(meta.Distributions, platformTag)
	if err != nil {
		return InstallResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, dist.URL, nil)
	if err != nil {
		return InstallResult{}, err
	}
	resp, err := c.downloadClient().Do(req)
	if err != nil {
		return InstallResult{}, fmt.Errorf("client: downloading %s: %w", dist.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return InstallResult{}, fmt.Errorf("client: origin returned status %d for %s", resp.StatusCode, dist.URL)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return InstallResult{}, fmt.Errorf("client: reading %s: %w", dist.URL, err)
	}

	sum := sha256.Sum256(body)
	actual := hex.EncodeToString(sum[:])
	outPath := filepath.Join(outDir, dist.Filename)
	if !strings.EqualFold(actual, dist.SHA256) {
		// Never leave a corrupt artifact behind.
		_ = os.Remove(outPath)
		return InstallResult{}, fmt.Errorf("%w for %s: expected %s, got %s",
			ErrChecksumMismatch, dist.Filename, strings.ToLower(dist.SHA256), actual)
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return InstallResult{}, err
	}
	if err := os.WriteFile(outPath, body, 0o644); err != nil {
		return InstallResult{}, err
	}
	return InstallResult{Path: outPath, Filename: dist.Filename, Size: int64(len(body)), SHA256: actual}, nil
}

func (c *Client) latestVersion(ctx context.Context, name string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/v1/island/packages/"+name, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", decodeAPIError(resp)
	}
	var out struct {
		LatestVersion string `json:"latest_version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.LatestVersion == "" {
		return "", fmt.Errorf("client: %s has no installable version", name)
	}
	return out.LatestVersion, nil
}

func (c *Client) versionMetadata(ctx context.Context, name, version string) (versionMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/v1/island/packages/"+name+"/"+version, nil)
	if err != nil {
		return versionMetadata{}, err
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return versionMetadata{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return versionMetadata{}, decodeAPIError(resp)
	}
	var out versionMetadata
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return versionMetadata{}, err
	}
	return out, nil
}

// chooseDistribution picks the distribution to install: exact platform
// match first, then the universal build, then the first .island file.
func chooseDistribution(dists []distributionMetadata, platformTag string) (distributionMetadata, error) {
	if len(dists) == 0 {
		return distributionMetadata{}, fmt.Errorf("client: no distributions available")
	}
	if platformTag != "" {
		want, err := platform.Parse(platformTag)
		if err != nil {
			return distributionMetadata{}, fmt.Errorf("client: invalid platform tag %q", platformTag)
		}
		for _, d := range dists {
			if d.tag() == want {
				return d, nil
			}
		}
	}
	for _, d := range dists {
		if d.tag().IsUniversal() {
			return d, nil
		}
	}
	for _, d := range dists {
		if strings.HasSuffix(d.Filename, ".island") {
			return d, nil
		}
	}
	return dists[0], nil
}
