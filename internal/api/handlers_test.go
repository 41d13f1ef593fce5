package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"

	"github.com/k8ika0s/island-registry/internal/auth"
	"github.com/k8ika0s/island-registry/internal/config"
	"github.com/k8ika0s/island-registry/internal/settings"
	"github.com/k8ika0s/island-registry/internal/store"
)

// memStore is an in-memory store.Store for handler tests.
type memStore struct {
	mu         sync.Mutex
	packages   map[string]store.Package
	versions   map[string][]store.Version
	dists      map[string][]store.Distribution
	entries    map[string][]store.EntryPoint
	authors    map[string][]string
	keywords   map[string][]string
	publishers map[string][]store.Publisher
	tokens     map[string]store.TokenInfoRow
	audits     []store.AuditLogEntry
	downloads  map[string]int64
}

func newMemStore() *memStore {
	return &memStore{
		packages:   map[string]store.Package{},
		versions:   map[string][]store.Version{},
		dists:      map[string][]store.Distribution{},
		entries:    map[string][]store.EntryPoint{},
		authors:    map[string][]string{},
		keywords:   map[string][]string{},
		publishers: map[string][]store.Publisher{},
		tokens:     map[string]store.TokenInfoRow{},
		downloads:  map[string]int64{},
	}
}

func vkey(name, version string) string { return name + "@" + version }

func (m *memStore) Ping(ctx context.Context) error { return nil }

func (m *memStore) GetPackage(ctx context.Context, name string) (store.Package, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pkg, ok := m.packages[name]
	if !ok {
		return store.Package{}, store.ErrNotFound
	}
	pkg.TotalDownloads = m.downloads[name]
	return pkg, nil
}

func (m *memStore) ListPackages(ctx context.Context, offset, limit int) ([]store.Package, int, error) {
	all, _ := m.ListAllPackages(ctx)
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *memStore) ListAllPackages(ctx context.Context) ([]store.Package, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.packages))
	for n := range m.packages {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]store.Package, 0, len(names))
	for _, n := range names {
		pkg := m.packages[n]
		pkg.TotalDownloads = m.downloads[n]
		out = append(out, pkg)
	}
	return out, nil
}

func (m *memStore) SearchCandidates(ctx context.Context, f store.SearchFilter) ([]store.Package, error) {
	all, _ := m.ListAllPackages(ctx)
	var out []store.Package
	for _, pkg := range all {
		if f.Query != "" && !containsFold(pkg.Name, f.Query) && !containsFold(pkg.DisplayName, f.Query) && !containsFold(pkg.Description, f.Query) {
			keywordHit := false
			for _, k := range m.keywords[pkg.Name] {
				if containsFold(k, f.Query) {
					keywordHit = true
				}
			}
			if !keywordHit {
				continue
			}
		}
		if f.Author != "" {
			hit := false
			for _, a := range m.authors[pkg.Name] {
				if containsFold(a, f.Author) {
					hit = true
				}
			}
			if !hit {
				continue
			}
		}
		if f.Game != "" {
			hit := false
			for _, v := range m.versions[pkg.Name] {
				if !v.Yanked && v.Game == f.Game {
					hit = true
				}
			}
			if !hit {
				continue
			}
		}
		out = append(out, pkg)
	}
	return out, nil
}

func containsFold(haystack, needle string) bool {
	return bytes.Contains(bytes.ToLower([]byte(haystack)), bytes.ToLower([]byte(needle)))
}

func (m *memStore) IncrementDownloads(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downloads[name]++
	return nil
}

func (m *memStore) ListAuthors(ctx context.Context, name string) ([]store.Author, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Author
	for _, a := range m.authors[name] {
		out = append(out, store.Author{PackageName: name, Name: a})
	}
	return out, nil
}

func (m *memStore) ListKeywords(ctx context.Context, name string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keywords[name], nil
}

func (m *memStore) FindPublishers(ctx context.Context, name string) ([]store.Publisher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.publishers[name], nil
}

func (m *memStore) AddPublisher(ctx context.Context, p store.Publisher) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishers[p.PackageName] = append(m.publishers[p.PackageName], p)
	return nil
}

func (m *memStore) RemovePublisher(ctx context.Context, name, publisherID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.publishers[name]
	for i, p := range list {
		if p.PublisherID == publisherID {
			m.publishers[name] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return store.ErrNotFound
}

func (m *memStore) Register(ctx context.Context, in store.RegisterInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := in.Package.Name
	for _, v := range m.versions[name] {
		if v.Version == in.Version.Version {
			return fmt.Errorf("version exists: %w", store.ErrConflict)
		}
	}
	if _, ok := m.packages[name]; !ok {
		m.packages[name] = in.Package
		m.publishers[name] = append(m.publishers[name], store.Publisher{
			PackageName:    name,
			PublisherID:    in.PublisherID,
			PublisherType:  in.PublisherType,
			GithubRepo:     in.PublisherRepo,
			GithubWorkflow: in.PublisherWorkflow,
			IsOwner:        true,
		})
		m.authors[name] = in.Authors
		m.keywords[name] = in.Keywords
	}
	ver := in.Version
	ver.CreatedAt = time.Now()
	m.versions[name] = append(m.versions[name], ver)
	key := vkey(name, ver.Version)
	for _, d := range in.Distributions {
		d.URLStatus = store.URLStatusActive
		d.CreatedAt = time.Now()
		m.dists[key] = append(m.dists[key], d)
	}
	m.entries[key] = in.EntryPoints
	m.audits = append(m.audits, store.AuditLogEntry{PackageName: name, Action: "register", ActorID: in.PublisherID})
	return nil
}

func (m *memStore) GetVersion(ctx context.Context, name, version string) (store.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.versions[name] {
		if v.Version == version {
			return v, nil
		}
	}
	return store.Version{}, store.ErrNotFound
}

func (m *memStore) ListVersions(ctx context.Context, name string) ([]store.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.versions[name], nil
}

func (m *memStore) YankVersion(ctx context.Context, name, version, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.versions[name] {
		if m.versions[name][i].Version == version {
			m.versions[name][i].Yanked = true
			m.versions[name][i].YankedReason = reason
			return nil
		}
	}
	return store.ErrNotFound
}

func (m *memStore) ListDistributions(ctx context.Context, name, version string) ([]store.Distribution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dists[vkey(name, version)], nil
}

func (m *memStore) GetDistributionByFilename(ctx context.Context, name, version, filename string) (store.Distribution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.dists[vkey(name, version)] {
		if d.Filename == filename {
			return d, nil
		}
	}
	return store.Distribution{}, store.ErrNotFound
}

func (m *memStore) UpdateDistributionURLStatus(ctx context.Context, name, version, filename, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := vkey(name, version)
	for i := range m.dists[key] {
		if m.dists[key][i].Filename == filename {
			m.dists[key][i].URLStatus = status
			return nil
		}
	}
	return store.ErrNotFound
}

func (m *memStore) ListDistributionsForProbe(ctx context.Context, limit int) ([]store.Distribution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Distribution
	for _, list := range m.dists {
		out = append(out, list...)
	}
	return out, nil
}

func (m *memStore) ListEntryPoints(ctx context.Context, name, version string) ([]store.EntryPoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[vkey(name, version)], nil
}

func (m *memStore) RecordAudit(ctx context.Context, entry store.AuditLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, entry)
	return nil
}

func (m *memStore) CreateAPIToken(ctx context.Context, userID, tokenHash, label string, scopes []string, expiresAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[tokenHash] = store.TokenInfoRow{TokenHash: tokenHash, UserID: userID, Scopes: scopes, ExpiresAt: expiresAt}
	return nil
}

func (m *memStore) FindTokenByHash(tokenHash string) (store.TokenInfoRow, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.tokens[tokenHash]
	return row, ok, nil
}

func (m *memStore) TouchTokenLastUsed(tokenHash string, at time.Time) error { return nil }

func (m *memStore) RevokeAPIToken(ctx context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.tokens[tokenHash]
	if !ok {
		return store.ErrNotFound
	}
	row.Revoked = true
	m.tokens[tokenHash] = row
	return nil
}

// newTestRegistry wires a handler over a memStore with one upload-scoped
// token and returns the registry server, the store, and the raw token.
func newTestRegistry(t *testing.T, originClient *http.Client) (*httptest.Server, *memStore, string) {
	return newTestRegistryWith(t, originClient, settings.Settings{})
}

func newTestRegistryWith(t *testing.T, originClient *http.Client, s settings.Settings) (*httptest.Server, *memStore, string) {
	t.Helper()
	ms := newMemStore()
	token, hash, err := auth.GenerateAPIToken()
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	if err := ms.CreateAPIToken(context.Background(), "user-1", hash, "test", []string{"upload"}, nil); err != nil {
		t.Fatalf("create token: %v", err)
	}
	h := &Handler{
		Store:    ms,
		Config:   config.Config{RegistryURL: "https://registry.test"},
		Settings: s,
		Verifier: &URLVerifier{Client: originClient},
	}
	mux := http.NewServeMux()
	h.Routes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, ms, token
}

// newOrigin serves body at every path over TLS, counting HEAD and GET hits.
func newOrigin(t *testing.T, body []byte) (*httptest.Server, *int, *int) {
	t.Helper()
	heads, gets := 0, 0
	origin := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodHead:
			heads++
			w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			gets++
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(body)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(origin.Close)
	return origin, &heads, &gets
}

func registrationPayload(originURL string, body []byte, sha string) map[string]any {
	if sha == "" {
		sum := sha256.Sum256(body)
		sha = hex.EncodeToString(sum[:])
	}
	return map[string]any{
		"name":               "sample-game",
		"version":            "1.0.0",
		"game":               "Sample Game",
		"authors":            []string{"A"},
		"minimum_ap_version": "0.5.0",
		"entry_points":       map[string]string{"sample": "sample_game:World"},
		"distributions": []map[string]any{{
			"filename":     "sample_game-1.0.0-py3-none-any.island",
			"url":          originURL + "/sample.island",
			"sha256":       sha,
			"size":         len(body),
			"platform_tag": "py3-none-any",
		}},
	}
}

func postRegister(t *testing.T, ts *httptest.Server, token string, payload map[string]any) *http.Response {
	t.Helper()
	data, _ := json.Marshal(payload)
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/island/register", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post register: %v", err)
	}
	return resp
}

func decodeError(t *testing.T, resp *http.Response) (code, message string) {
	t.Helper()
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	return env.Error.Code, env.Error.Message
}

func TestRegisterVerifiesAndPersists(t *testing.T) {
	body := []byte("island archive bytes")
	origin, heads, gets := newOrigin(t, body)
	ts, ms, token := newTestRegistry(t, origin.Client())

	resp := postRegister(t, ts, token, registrationPayload(origin.URL, body, ""))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	var out struct {
		PackageName             string   `json:"package_name"`
		Version                 string   `json:"version"`
		RegisteredDistributions []string `json:"registered_distributions"`
		RegistryURL             string   `json:"registry_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.RegisteredDistributions) != 1 || out.RegisteredDistributions[0] != "sample_game-1.0.0-py3-none-any.island" {
		t.Fatalf("unexpected distributions: %+v", out.RegisteredDistributions)
	}
	if out.RegistryURL != "https://registry.test" {
		t.Fatalf("registry_url: %q", out.RegistryURL)
	}
	if *heads == 0 || *gets == 0 {
		t.Fatalf("expected HEAD and GET verification hits, got %d/%d", *heads, *gets)
	}

	// Metadata is now discoverable.
	vr, err := http.Get(ts.URL + "/v1/island/packages/sample-game/1.0.0")
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	if vr.StatusCode != http.StatusOK {
		t.Fatalf("version status: %d", vr.StatusCode)
	}
	var vout struct {
		Distributions []store.Distribution `json:"distributions"`
	}
	if err := json.NewDecoder(vr.Body).Decode(&vout); err != nil {
		t.Fatalf("decode version: %v", err)
	}
	if len(vout.Distributions) != 1 || vout.Distributions[0].Filename != "sample_game-1.0.0-py3-none-any.island" {
		t.Fatalf("unexpected distributions: %+v", vout.Distributions)
	}
	if len(ms.audits) == 0 {
		t.Fatalf("expected register audit entry")
	}
}

func TestRegisterChecksumMismatchPersistsNothing(t *testing.T) {
	body := []byte("island archive bytes")
	origin, _, _ := newOrigin(t, body)
	ts, ms, token := newTestRegistry(t, origin.Client())

	bad := "0000000000000000000000000000000000000000000000000000000000000000"
	resp := postRegister(t, ts, token, registrationPayload(origin.URL, body, bad))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	code, msg := decodeError(t, resp)
	if code != "CHECKSUM_MISMATCH" {
		t.Fatalf("code: %q (%s)", code, msg)
	}

	// Nothing may persist from a failed registration.
	if len(ms.packages) != 0 || len(ms.versions) != 0 || len(ms.dists) != 0 || len(ms.audits) != 0 {
		t.Fatalf("registration partially persisted: %+v", ms.packages)
	}
	pr, _ := http.Get(ts.URL + "/v1/island/packages/sample-game")
	if pr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after failed registration, got %d", pr.StatusCode)
	}
}

func TestRegisterSizeMismatchFails(t *testing.T) {
	body := []byte("island archive bytes")
	origin, _, _ := newOrigin(t, body)
	ts, _, token := newTestRegistry(t, origin.Client())

	payload := registrationPayload(origin.URL, body, "")
	payload["distributions"].([]map[string]any)[0]["size"] = len(body) + 7
	resp := postRegister(t, ts, token, payload)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	code, _ := decodeError(t, resp)
	if code != "CHECKSUM_MISMATCH" {
		t.Fatalf("code: %q", code)
	}
}

func TestRegisterDoubleRegisterConflicts(t *testing.T) {
	body := []byte("island archive bytes")
	origin, _, _ := newOrigin(t, body)
	ts, ms, token := newTestRegistry(t, origin.Client())

	payload := registrationPayload(origin.URL, body, "")
	if resp := postRegister(t, ts, token, payload); resp.StatusCode != http.StatusOK {
		t.Fatalf("first register status: %d", resp.StatusCode)
	}
	resp := postRegister(t, ts, token, payload)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second register status: %d", resp.StatusCode)
	}
	code, _ := decodeError(t, resp)
	if code != "VERSION_EXISTS" {
		t.Fatalf("code: %q", code)
	}
	// The first registration's rows are untouched.
	if len(ms.versions["sample-game"]) != 1 {
		t.Fatalf("expected exactly one version, got %d", len(ms.versions["sample-game"]))
	}
	if len(ms.dists[vkey("sample-game", "1.0.0")]) != 1 {
		t.Fatalf("expected exactly one distribution row")
	}
}

func TestRegisterRejectsHTTPURL(t *testing.T) {
	body := []byte("x")
	origin, _, _ := newOrigin(t, body)
	ts, _, token := newTestRegistry(t, origin.Client())

	payload := registrationPayload(origin.URL, body, "")
	payload["distributions"].([]map[string]any)[0]["url"] = "http://host/sample.island"
	resp := postRegister(t, ts, token, payload)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	code, _ := decodeError(t, resp)
	if code != "INVALID_MANIFEST" {
		t.Fatalf("code: %q", code)
	}
}

func TestRegisterRequiresAuth(t *testing.T) {
	body := []byte("x")
	origin, _, _ := newOrigin(t, body)
	ts, _, _ := newTestRegistry(t, origin.Client())

	data, _ := json.Marshal(registrationPayload(origin.URL, body, ""))
	resp, err := http.Post(ts.URL+"/v1/island/register", "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status: %d", resp.StatusCode)
	}
}

func signedOIDCToken(t *testing.T, repository, workflow string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"iss":        auth.DefaultOIDCIssuer,
		"sub":        "repo:" + repository + ":ref:refs/heads/main",
		"exp":        float64(time.Now().Add(time.Hour).Unix()),
		"repository": repository,
		"workflow":   workflow,
		"sha":        "0123456789abcdef0123456789abcdef01234567",
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("signing test token: %v", err)
	}
	return token
}

// A trusted publisher whose package does not exist yet must still
// authenticate: the first successful registration claims the name and
// records the repository/workflow as the owning publisher's provenance.
func TestRegisterKeylessFirstRegistration(t *testing.T) {
	body := []byte("island archive bytes")
	origin, _, _ := newOrigin(t, body)
	ts, ms, _ := newTestRegistry(t, origin.Client())

	token := signedOIDCToken(t, "owner/game-repo", ".github/workflows/release.yml")
	resp := postRegister(t, ts, token, registrationPayload(origin.URL, body, ""))
	if resp.StatusCode != http.StatusOK {
		code, msg := decodeError(t, resp)
		t.Fatalf("status %d (%s: %s)", resp.StatusCode, code, msg)
	}

	owners := ms.publishers["sample-game"]
	if len(owners) != 1 || !owners[0].IsOwner {
		t.Fatalf("expected one owning publisher, got %+v", owners)
	}
	if owners[0].PublisherType != "trusted_publisher" || owners[0].GithubRepo != "owner/game-repo" {
		t.Fatalf("provenance not recorded: %+v", owners[0])
	}
	if owners[0].GithubWorkflow != ".github/workflows/release.yml" {
		t.Fatalf("workflow provenance missing: %+v", owners[0])
	}

	// A follow-up version from the same repository is allowed.
	payload := registrationPayload(origin.URL, body, "")
	payload["version"] = "1.1.0"
	if resp := postRegister(t, ts, token, payload); resp.StatusCode != http.StatusOK {
		t.Fatalf("second version status: %d", resp.StatusCode)
	}
}

func TestRegisterOtherRepositoryForbidden(t *testing.T) {
	body := []byte("island archive bytes")
	origin, _, _ := newOrigin(t, body)
	ts, _, _ := newTestRegistry(t, origin.Client())

	first := signedOIDCToken(t, "owner/game-repo", "release.yml")
	if resp := postRegister(t, ts, first, registrationPayload(origin.URL, body, "")); resp.StatusCode != http.StatusOK {
		t.Fatalf("first register status: %d", resp.StatusCode)
	}

	// A different repository's token authenticates but is not a publisher
	// of the existing package.
	other := signedOIDCToken(t, "intruder/fork", "release.yml")
	payload := registrationPayload(origin.URL, body, "")
	payload["version"] = "2.0.0"
	resp := postRegister(t, ts, other, payload)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign repository, got %d", resp.StatusCode)
	}
}

func TestOIDCDisabledBySettings(t *testing.T) {
	body := []byte("island archive bytes")
	origin, _, _ := newOrigin(t, body)
	disabled := false
	ts, _, _ := newTestRegistryWith(t, origin.Client(), settings.Settings{OIDCEnabled: &disabled})

	token := signedOIDCToken(t, "owner/game-repo", "release.yml")
	resp := postRegister(t, ts, token, registrationPayload(origin.URL, body, ""))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with OIDC disabled, got %d", resp.StatusCode)
	}
}

func TestSettingsPaginationBounds(t *testing.T) {
	ts, ms, _ := newTestRegistryWith(t, nil, settings.Settings{DefaultPerPage: 2, MaxPerPage: 3})
	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("game-%d", i)
		ms.packages[name] = store.Package{Name: name}
	}

	fetch := func(query string) int {
		resp, err := http.Get(ts.URL + "/v1/island/packages" + query)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		var out struct {
			Packages []packageSummary `json:"packages"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return len(out.Packages)
	}

	if n := fetch(""); n != 2 {
		t.Fatalf("default per_page not honored: got %d", n)
	}
	if n := fetch("?per_page=10"); n != 3 {
		t.Fatalf("max per_page not enforced: got %d", n)
	}
}

func noRedirectClient() *http.Client {
	return &http.Client{CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}}
}

func TestDownloadRedirect(t *testing.T) {
	body := []byte("island archive bytes")
	origin, _, _ := newOrigin(t, body)
	ts, _, token := newTestRegistry(t, origin.Client())
	sum := sha256.Sum256(body)
	sha := hex.EncodeToString(sum[:])

	if resp := postRegister(t, ts, token, registrationPayload(origin.URL, body, "")); resp.StatusCode != http.StatusOK {
		t.Fatalf("register status: %d", resp.StatusCode)
	}

	resp, err := noRedirectClient().Get(ts.URL + "/v1/island/packages/sample-game/1.0.0/download/sample_game-1.0.0-py3-none-any.island")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	// Location and checksum headers reflect the stored row exactly.
	if loc := resp.Header.Get("Location"); loc != origin.URL+"/sample.island" {
		t.Fatalf("location: %q", loc)
	}
	if got := resp.Header.Get("X-Checksum-SHA256"); got != sha {
		t.Fatalf("checksum header: %q want %q", got, sha)
	}
	if got := resp.Header.Get("X-Expected-Size"); got != fmt.Sprintf("%d", len(body)) {
		t.Fatalf("size header: %q", got)
	}
}

func TestDownloadUnavailableURLIs404(t *testing.T) {
	body := []byte("island archive bytes")
	origin, _, _ := newOrigin(t, body)
	ts, ms, token := newTestRegistry(t, origin.Client())

	if resp := postRegister(t, ts, token, registrationPayload(origin.URL, body, "")); resp.StatusCode != http.StatusOK {
		t.Fatalf("register status: %d", resp.StatusCode)
	}
	if err := ms.UpdateDistributionURLStatus(context.Background(), "sample-game", "1.0.0", "sample_game-1.0.0-py3-none-any.island", store.URLStatusUnavailable); err != nil {
		t.Fatalf("flip status: %v", err)
	}
	resp, _ := noRedirectClient().Get(ts.URL + "/v1/island/packages/sample-game/1.0.0/download/sample_game-1.0.0-py3-none-any.island")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status: %d", resp.StatusCode)
	}
}

// seedMultiPlatform inserts a version with universal, windows, and macOS
// distributions directly into the store.
func seedMultiPlatform(ms *memStore) {
	ms.packages["multi-game"] = store.Package{Name: "multi-game", DisplayName: "Multi Game"}
	ms.versions["multi-game"] = []store.Version{{PackageName: "multi-game", Version: "1.0.0", Game: "Multi Game", CreatedAt: time.Now()}}
	key := vkey("multi-game", "1.0.0")
	mk := func(py, abi, plat, suffix string) store.Distribution {
		return store.Distribution{
			PackageName: "multi-game", Version: "1.0.0",
			Filename:  "multi_game-1.0.0-" + suffix + ".island",
			URL:       "https://host.example/" + suffix + ".island",
			SHA256:    "aa" + suffix,
			SizeBytes: 10, PythonTag: py, ABITag: abi, PlatformTag: plat,
			URLStatus: store.URLStatusActive,
		}
	}
	ms.dists[key] = []store.Distribution{
		mk("py3", "none", "any", "py3-none-any"),
		mk("cp311", "cp311", "win_amd64", "cp311-cp311-win_amd64"),
		mk("cp311", "cp311", "macosx_11_0_arm64", "cp311-cp311-macosx_11_0_arm64"),
	}
}

func TestDownloadBestMatchSelection(t *testing.T) {
	ts, ms, _ := newTestRegistry(t, nil)
	seedMultiPlatform(ms)

	// Exact platform match preferred.
	resp, err := noRedirectClient().Get(ts.URL + "/v1/island/packages/multi-game/1.0.0/download?platform=cp311-cp311-win_amd64")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	if fn := resp.Header.Get("X-Filename"); fn != "multi_game-1.0.0-cp311-cp311-win_amd64.island" {
		t.Fatalf("filename: %q", fn)
	}

	// Linux has no platform-specific build; the universal one is always
	// compatible and wins as the only candidate.
	resp, _ = noRedirectClient().Get(ts.URL + "/v1/island/packages/multi-game/1.0.0/download?platform=cp311-cp311-linux_x86_64")
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected universal fallback redirect, got %d", resp.StatusCode)
	}
	if fn := resp.Header.Get("X-Filename"); fn != "multi_game-1.0.0-py3-none-any.island" {
		t.Fatalf("expected universal fallback, got %q", fn)
	}

	// No platform parameter: the most specific wins, stably. The windows
	// and mac tags tie on specificity, so the lexicographically first
	// filename is the deterministic pick.
	first := ""
	for i := 0; i < 3; i++ {
		resp, _ = noRedirectClient().Get(ts.URL + "/v1/island/packages/multi-game/1.0.0/download")
		if resp.StatusCode != http.StatusFound {
			t.Fatalf("status: %d", resp.StatusCode)
		}
		fn := resp.Header.Get("X-Filename")
		if fn == "multi_game-1.0.0-py3-none-any.island" {
			t.Fatalf("universal tag must not beat platform-specific tags")
		}
		if first == "" {
			first = fn
		} else if fn != first {
			t.Fatalf("best-match selection not stable: %q then %q", first, fn)
		}
	}
}

func TestDownloadNoCompatibleDistributionIs404(t *testing.T) {
	ts, ms, _ := newTestRegistry(t, nil)
	seedMultiPlatform(ms)
	// Drop the universal build so only win/mac remain.
	key := vkey("multi-game", "1.0.0")
	ms.dists[key] = ms.dists[key][1:]

	resp, _ := noRedirectClient().Get(ts.URL + "/v1/island/packages/multi-game/1.0.0/download?platform=cp311-cp311-linux_x86_64")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 with no compatible distribution, got %d", resp.StatusCode)
	}
}

func TestUniversalDistributionMatchesAnyPlatform(t *testing.T) {
	ts, ms, _ := newTestRegistry(t, nil)
	ms.packages["pure-game"] = store.Package{Name: "pure-game"}
	ms.versions["pure-game"] = []store.Version{{PackageName: "pure-game", Version: "2.0.0", CreatedAt: time.Now()}}
	ms.dists[vkey("pure-game", "2.0.0")] = []store.Distribution{{
		PackageName: "pure-game", Version: "2.0.0",
		Filename: "pure_game-2.0.0-py3-none-any.island", URL: "https://host.example/pure.island",
		SHA256: "ab", SizeBytes: 5, PythonTag: "py3", ABITag: "none", PlatformTag: "any",
		URLStatus: store.URLStatusActive,
	}}

	resp, _ := noRedirectClient().Get(ts.URL + "/v1/island/packages/pure-game/2.0.0/download?platform=cp311-cp311-linux_x86_64")
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("universal wheel should match any requested platform, got %d", resp.StatusCode)
	}
}

func TestYankExcludesFromLatestButKeepsDownload(t *testing.T) {
	body := []byte("island archive bytes")
	origin, _, _ := newOrigin(t, body)
	ts, _, token := newTestRegistry(t, origin.Client())

	if resp := postRegister(t, ts, token, registrationPayload(origin.URL, body, "")); resp.StatusCode != http.StatusOK {
		t.Fatalf("register status: %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/island/packages/sample-game/1.0.0/yank", bytes.NewBufferString(`{"reason":"broken"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("yank: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("yank status: %d", resp.StatusCode)
	}

	// latest_version is null-ish, the version hidden from default listings.
	pr, _ := http.Get(ts.URL + "/v1/island/packages/sample-game")
	var pout struct {
		LatestVersion string `json:"latest_version"`
	}
	if err := json.NewDecoder(pr.Body).Decode(&pout); err != nil {
		t.Fatalf("decode package: %v", err)
	}
	if pout.LatestVersion != "" {
		t.Fatalf("yanked version still latest: %q", pout.LatestVersion)
	}
	lr, _ := http.Get(ts.URL + "/v1/island/packages/sample-game/versions")
	var lout struct {
		Total int `json:"total"`
	}
	if err := json.NewDecoder(lr.Body).Decode(&lout); err != nil {
		t.Fatalf("decode versions: %v", err)
	}
	if lout.Total != 0 {
		t.Fatalf("yanked version in default listing: %d", lout.Total)
	}

	// Still downloadable.
	dr, _ := noRedirectClient().Get(ts.URL + "/v1/island/packages/sample-game/1.0.0/download/sample_game-1.0.0-py3-none-any.island")
	if dr.StatusCode != http.StatusFound {
		t.Fatalf("yanked version must stay downloadable, got %d", dr.StatusCode)
	}
}

func TestYankRequiresOwner(t *testing.T) {
	body := []byte("island archive bytes")
	origin, _, _ := newOrigin(t, body)
	ts, ms, token := newTestRegistry(t, origin.Client())

	if resp := postRegister(t, ts, token, registrationPayload(origin.URL, body, "")); resp.StatusCode != http.StatusOK {
		t.Fatalf("register status: %d", resp.StatusCode)
	}

	// A different user's token, upload scope but not an owner.
	otherToken, otherHash, _ := auth.GenerateAPIToken()
	_ = ms.CreateAPIToken(context.Background(), "user-2", otherHash, "other", []string{"upload"}, nil)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/island/packages/sample-game/1.0.0/yank", bytes.NewBufferString(`{"reason":"x"}`))
	req.Header.Set("Authorization", "Bearer "+otherToken)
	resp, _ := http.DefaultClient.Do(req)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-owner yank, got %d", resp.StatusCode)
	}
}

func TestRemoveLastOwnerRefused(t *testing.T) {
	body := []byte("island archive bytes")
	origin, _, _ := newOrigin(t, body)
	ts, ms, token := newTestRegistry(t, origin.Client())

	if resp := postRegister(t, ts, token, registrationPayload(origin.URL, body, "")); resp.StatusCode != http.StatusOK {
		t.Fatalf("register status: %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/island/packages/sample-game/collaborators/user-1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, _ := http.DefaultClient.Do(req)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 removing last owner, got %d", resp.StatusCode)
	}
	// The owner row is intact.
	owners := 0
	for _, p := range ms.publishers["sample-game"] {
		if p.IsOwner {
			owners++
		}
	}
	if owners != 1 {
		t.Fatalf("expected 1 owner after refused removal, got %d", owners)
	}

	// Adding a second collaborator makes removal of the non-owner fine.
	addBody := bytes.NewBufferString(`{"user_id":"user-2","publisher_type":"user"}`)
	addReq, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/island/packages/sample-game/collaborators", addBody)
	addReq.Header.Set("Authorization", "Bearer "+token)
	addResp, _ := http.DefaultClient.Do(addReq)
	if addResp.StatusCode != http.StatusOK {
		t.Fatalf("add collaborator status: %d", addResp.StatusCode)
	}
	rmReq, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/island/packages/sample-game/collaborators/user-2", nil)
	rmReq.Header.Set("Authorization", "Bearer "+token)
	rmResp, _ := http.DefaultClient.Do(rmReq)
	if rmResp.StatusCode != http.StatusOK {
		t.Fatalf("remove collaborator status: %d", rmResp.StatusCode)
	}
}

func TestSearchFilters(t *testing.T) {
	ts, ms, _ := newTestRegistry(t, nil)
	ms.packages["alpha-game"] = store.Package{Name: "alpha-game", DisplayName: "Alpha", Description: "first"}
	ms.versions["alpha-game"] = []store.Version{{
		PackageName: "alpha-game", Version: "1.0.0", Game: "Alpha",
		MinimumApVersion: "0.4.0", MaximumApVersion: "0.6.0", CreatedAt: time.Now(),
	}}
	ms.packages["beta-game"] = store.Package{Name: "beta-game", DisplayName: "Beta", Description: "second"}
	ms.versions["beta-game"] = []store.Version{{
		PackageName: "beta-game", Version: "2.0.0", Game: "Beta",
		MinimumApVersion: "0.7.0", CreatedAt: time.Now(),
	}}
	ms.authors["alpha-game"] = []string{"Alice"}
	ms.authors["beta-game"] = []string{"Bob"}

	get := func(query string) []string {
		resp, err := http.Get(ts.URL + "/v1/island/search?" + query)
		if err != nil {
			t.Fatalf("search: %v", err)
		}
		var out struct {
			Results []packageSummary `json:"results"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode search: %v", err)
		}
		names := make([]string, 0, len(out.Results))
		for _, r := range out.Results {
			names = append(names, r.Name)
		}
		return names
	}

	if names := get("q=alpha"); len(names) != 1 || names[0] != "alpha-game" {
		t.Fatalf("q filter: %v", names)
	}
	if names := get("author=bob"); len(names) != 1 || names[0] != "beta-game" {
		t.Fatalf("author filter: %v", names)
	}
	if names := get("game=Alpha"); len(names) != 1 || names[0] != "alpha-game" {
		t.Fatalf("game filter: %v", names)
	}
	// 0.5.0 is inside alpha's [0.4.0, 0.6.0] but below beta's 0.7.0 minimum.
	if names := get("compatible_with=0.5.0"); len(names) != 1 || names[0] != "alpha-game" {
		t.Fatalf("compatible_with filter: %v", names)
	}
}

func TestIndexDocument(t *testing.T) {
	ts, ms, _ := newTestRegistry(t, nil)
	seedMultiPlatform(ms)

	resp, err := http.Get(ts.URL + "/v1/island/index.json")
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	var out struct {
		Packages      map[string]json.RawMessage `json:"packages"`
		GeneratedAt   string                     `json:"generated_at"`
		TotalPackages int                        `json:"total_packages"`
		TotalVersions int                        `json:"total_versions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode index: %v", err)
	}
	if out.TotalPackages != 1 || out.TotalVersions != 1 {
		t.Fatalf("totals: %d/%d", out.TotalPackages, out.TotalVersions)
	}
	if _, ok := out.Packages["multi-game"]; !ok {
		t.Fatalf("index missing multi-game")
	}
	if out.GeneratedAt == "" {
		t.Fatalf("generated_at missing")
	}
}

func TestListPackagesPagination(t *testing.T) {
	ts, ms, _ := newTestRegistry(t, nil)
	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("game-%d", i)
		ms.packages[name] = store.Package{Name: name}
	}
	resp, err := http.Get(ts.URL + "/v1/island/packages?page=2&per_page=2")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var out struct {
		Packages   []packageSummary `json:"packages"`
		Pagination pagination       `json:"pagination"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Packages) != 2 || out.Packages[0].Name != "game-2" {
		t.Fatalf("unexpected page: %+v", out.Packages)
	}
	if out.Pagination.Total != 5 || out.Pagination.TotalPages != 3 {
		t.Fatalf("pagination: %+v", out.Pagination)
	}
}
