package cas

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/k8ika0s/island-registry/internal/artifact"
)

// DefaultRepo is the blob repository wheel-set archives live under.
const DefaultRepo = "wheelsets"

// WheelSetMediaType is the content type wheel-set tarballs are pushed with.
const WheelSetMediaType = "application/x-tar"

// Registry is a remote wheel-set cache backed by any OCI-style
// (Zot-compatible) blob store: existence checks and reads are
// digest-addressed, writes use the two-phase upload (POST an upload
// session, PUT the content with a digest query parameter).
type Registry struct {
	BaseURL  string
	Repo     string
	Username string
	Password string
	Client   *http.Client
}

func (r *Registry) client() *http.Client {
	if r.Client != nil {
		return r.Client
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func (r *Registry) repo() string {
	if repo := strings.Trim(r.Repo, "/"); repo != "" {
		return repo
	}
	return DefaultRepo
}

func (r *Registry) blobURL(id artifact.ID) string {
	return fmt.Sprintf("%s/v2/%s/blobs/%s", strings.TrimRight(r.BaseURL, "/"), r.repo(), id.Digest)
}

func (r *Registry) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if r.Username != "" || r.Password != "" {
		req.SetBasicAuth(r.Username, r.Password)
	}
	return req, nil
}

func (r *Registry) ensure(id artifact.ID) error {
	if r.BaseURL == "" || id.Digest == "" {
		return fmt.Errorf("cas: missing base URL or digest")
	}
	return nil
}

// Has reports whether the blob for id exists, via a digest-addressed HEAD.
func (r *Registry) Has(ctx context.Context, id artifact.ID) (bool, error) {
	if err := r.ensure(id); err != nil {
		return false, err
	}
	req, err := r.newRequest(ctx, http.MethodHead, r.blobURL(id), nil)
	if err != nil {
		return false, err
	}
	resp, err := r.client().Do(req)
	if err != nil {
		return false, err
	}
	resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("cas: blob check for %s: unexpected status %d", id.Digest, resp.StatusCode)
	}
}

// Fetch downloads the blob for id into destPath.
func (r *Registry) Fetch(ctx context.Context, id artifact.ID, destPath string) error {
	if err := r.ensure(id); err != nil {
		return err
	}
	req, err := r.newRequest(ctx, http.MethodGet, r.blobURL(id), nil)
	if err != nil {
		return err
	}
	resp, err := r.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cas: fetch %s: unexpected status %d", id.Digest, resp.StatusCode)
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}
	out, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, resp.Body)
	return err
}

// Push uploads content as the blob for id and returns its blob URL.
func (r *Registry) Push(ctx context.Context, id artifact.ID, content []byte, mediaType string) (string, error) {
	if err := r.ensure(id); err != nil {
		return "", err
	}
	initURL := fmt.Sprintf("%s/v2/%s/blobs/uploads/", strings.TrimRight(r.BaseURL, "/"), r.repo())
	initReq, err := r.newRequest(ctx, http.MethodPost, initURL, nil)
	if err != nil {
		return "", err
	}
	initResp, err := r.client().Do(initReq)
	if err != nil {
		return "", err
	}
	initResp.Body.Close()
	if initResp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("cas: init upload status %d", initResp.StatusCode)
	}
	loc := initResp.Header.Get("Location")
	if loc == "" {
		return "", fmt.Errorf("cas: upload location missing")
	}
	if strings.HasPrefix(loc, "/") {
		loc = strings.TrimRight(r.BaseURL, "/") + loc
	}
	sep := "?"
	if strings.Contains(loc, "?") {
		sep = "&"
	}
	putReq, err := r.newRequest(ctx, http.MethodPut, loc+sep+"digest="+id.Digest, bytes.NewReader(content))
	if err != nil {
		return "", err
	}
	if mediaType == "" {
		mediaType = WheelSetMediaType
	}
	putReq.Header.Set("Content-Type", mediaType)
	putResp, err := r.client().Do(putReq)
	if err != nil {
		return "", err
	}
	putResp.Body.Close()
	if putResp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("cas: push status %d", putResp.StatusCode)
	}
	return r.blobURL(id), nil
}
