package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/k8ika0s/island-registry/internal/apierr"
)

// URLVerifier checks that every distribution in a registration is actually
// hosted where the payload claims: HEAD reachability first, then a full GET
// with size and SHA-256 comparison. All checks for one registration run
// concurrently; any single failure fails the whole registration before any
// database write happens.
type URLVerifier struct {
	Client      *http.Client
	HeadTimeout time.Duration
	GetTimeout  time.Duration
}

// verifyTarget is one distribution's claim to check.
type verifyTarget struct {
	Filename string
	URL      string
	SHA256   string
	Size     int64
}

func (v *URLVerifier) client() *http.Client {
	if v.Client != nil {
		return v.Client
	}
	return http.DefaultClient
}

func (v *URLVerifier) headTimeout() time.Duration {
	if v.HeadTimeout > 0 {
		return v.HeadTimeout
	}
	return 30 * time.Second
}

func (v *URLVerifier) getTimeout() time.Duration {
	if v.GetTimeout > 0 {
		return v.GetTimeout
	}
	return 120 * time.Second
}

// Verify runs the HEAD fan-out, then the GET fan-out, returning the typed
// error for the first failed target. Redirects are followed in both phases.
func (v *URLVerifier) Verify(ctx context.Context, targets []verifyTarget) *apierr.APIError {
	g, headCtx := errgroup.WithContext(ctx)
	for _, t := range targets {
		t := t
		g.Go(func() error { return v.head(headCtx, t) })
	}
	if err := g.Wait(); err != nil {
		return apierr.AsAPIError(err)
	}

	g, getCtx := errgroup.WithContext(ctx)
	for _, t := range targets {
		t := t
		g.Go(func() error { return v.get(getCtx, t) })
	}
	if err := g.Wait(); err != nil {
		return apierr.AsAPIError(err)
	}
	return nil
}

func (v *URLVerifier) head(ctx context.Context, t verifyTarget) error {
	ctx, cancel := context.WithTimeout(ctx, v.headTimeout())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, t.URL, nil)
	if err != nil {
		return apierr.New(apierr.CodeInvalidRequest, fmt.Sprintf("HEAD %s for %s: %v", t.URL, t.Filename, err))
	}
	resp, err := v.client().Do(req)
	if err != nil {
		return apierr.New(apierr.CodeInvalidRequest, fmt.Sprintf("HEAD %s for %s failed: %v", t.URL, t.Filename, err))
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apierr.New(apierr.CodeInvalidRequest, fmt.Sprintf("HEAD %s for %s returned status %d", t.URL, t.Filename, resp.StatusCode))
	}
	return nil
}

func (v *URLVerifier) get(ctx context.Context, t verifyTarget) error {
	ctx, cancel := context.WithTimeout(ctx, v.getTimeout())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL, nil)
	if err != nil {
		return apierr.New(apierr.CodeInvalidRequest, fmt.Sprintf("GET %s for %s: %v", t.URL, t.Filename, err))
	}
	resp, err := v.client().Do(req)
	if err != nil {
		return apierr.New(apierr.CodeInvalidRequest, fmt.Sprintf("GET %s for %s failed: %v", t.URL, t.Filename, err))
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apierr.New(apierr.CodeInvalidRequest, fmt.Sprintf("GET %s for %s returned status %d", t.URL, t.Filename, resp.StatusCode))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return apierr.New(apierr.CodeInvalidRequest, fmt.Sprintf("GET %s for %s: reading body: %v", t.URL, t.Filename, err))
	}
	if int64(len(body)) != t.Size {
		return apierr.New(apierr.CodeChecksumMismatch,
			fmt.Sprintf("%s: size mismatch for %s: expected %d bytes, got %d", t.Filename, t.URL, t.Size, len(body)))
	}
	sum := sha256.Sum256(body)
	actual := hex.EncodeToString(sum[:])
	if actual != t.SHA256 {
		return apierr.New(apierr.CodeChecksumMismatch,
			fmt.Sprintf("%s: checksum mismatch for %s: expected %s, got %s", t.Filename, t.URL, t.SHA256, actual))
	}
	return nil
}
