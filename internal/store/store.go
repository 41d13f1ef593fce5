// Package store persists the registry's entities: packages, versions,
// distributions, publishers, entry points, and audit log rows. The registry
// never stores distribution bytes itself, only references — every
// Distribution row is a URL plus a checksum.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/k8ika0s/island-registry/internal/auth"
)

// ErrNotFound is returned when a requested record is missing.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned for uniqueness violations the caller should
// surface as a VERSION_EXISTS-style APIError rather than an internal error.
var ErrConflict = errors.New("conflict")

// url_status values a Distribution row may carry. Registration only ever
// writes active; the background prober flips rows between the two.
const (
	URLStatusActive      = "active"
	URLStatusUnavailable = "unavailable"
)

// Package is one registered island package.
type Package struct {
	Name           string    `json:"name"`
	DisplayName    string    `json:"display_name,omitempty"`
	Description    string    `json:"description,omitempty"`
	Homepage       string    `json:"homepage,omitempty"`
	Repository     string    `json:"repository,omitempty"`
	License        string    `json:"license,omitempty"`
	TotalDownloads int64     `json:"total_downloads"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Version is one released version of a Package.
type Version struct {
	PackageName      string    `json:"package_name"`
	Version          string    `json:"version"`
	Game             string    `json:"game"`
	WorldVersion     string    `json:"world_version,omitempty"`
	MinimumApVersion string    `json:"minimum_ap_version,omitempty"`
	MaximumApVersion string    `json:"maximum_ap_version,omitempty"`
	PurePython       bool      `json:"pure_python"`
	Yanked           bool      `json:"yanked"`
	YankedReason     string    `json:"yanked_reason,omitempty"`
	SourceRepository string    `json:"source_repository,omitempty"`
	SourceCommit     string    `json:"source_commit,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Distribution is one platform-tagged artifact for a Version: a reference
// only, never the bytes themselves.
type Distribution struct {
	PackageName    string     `json:"package_name"`
	Version        string     `json:"version"`
	Filename       string     `json:"filename"`
	URL            string     `json:"url"`
	SHA256         string     `json:"sha256"`
	SizeBytes      int64      `json:"size_bytes"`
	PythonTag      string     `json:"python_tag"`
	ABITag         string     `json:"abi_tag"`
	PlatformTag    string     `json:"platform_tag"`
	URLStatus      string     `json:"url_status"` // URLStatusActive or URLStatusUnavailable
	LastVerifiedAt *time.Time `json:"last_verified_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Author is one author credited on a package.
type Author struct {
	PackageName string `json:"package_name"`
	Name        string `json:"name"`
}

// Keyword is one search keyword attached to a package.
type Keyword struct {
	PackageName string `json:"package_name"`
	Keyword     string `json:"keyword"`
}

// Publisher is an owner or trusted-publisher binding for a package,
// carrying the identity and provenance fields the registration
// authorization check matches against.
type Publisher struct {
	PackageName    string `json:"package_name"`
	PublisherID    string `json:"publisher_id,omitempty"`
	PublisherType  string `json:"publisher_type"` // "user" or "trusted_publisher"
	GithubRepo     string `json:"github_repository,omitempty"`
	GithubWorkflow string `json:"github_workflow,omitempty"`
	IsOwner        bool   `json:"is_owner"`
}

// EntryPoint is one registered entry point for a package version.
type EntryPoint struct {
	PackageName string `json:"package_name"`
	Version     string `json:"version"`
	Group       string `json:"group"`
	Name        string `json:"name"`
	Module      string `json:"module"`
	Attr        string `json:"attr,omitempty"`
}

// AuditLogEntry records one mutating action against a package. The log is
// append-only.
type AuditLogEntry struct {
	PackageName string          `json:"package_name"`
	Action      string          `json:"action"`
	ActorID     string          `json:"actor_id,omitempty"`
	Details     json.RawMessage `json:"details,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// APIToken is a stored, hashed API token record (internal/auth.TokenInfo
// plus the fields needed for issuance/listing/revocation).
type APIToken struct {
	TokenHash  string     `json:"-"`
	UserID     string     `json:"user_id"`
	Label      string     `json:"label,omitempty"`
	Scopes     []string   `json:"scopes"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	Revoked    bool       `json:"revoked"`
}

// RegisterInput bundles everything one registration persists: the package,
// version, its distributions, and entry points, written inside a single
// transaction.
type RegisterInput struct {
	Package       Package
	Version       Version
	Distributions []Distribution
	EntryPoints   []EntryPoint
	Authors       []string
	Keywords      []string

	// Publisher fields describe the authenticated caller performing this
	// registration; on first registration of a package they become its
	// owning Publisher row.
	PublisherID       string
	PublisherType     string // "user" or "trusted_publisher"
	PublisherRepo     string
	PublisherWorkflow string
}

// SearchFilter narrows SearchCandidates. Every set field must match
// (predicate conjunction); the semver compatible_with and platform filters
// are applied by the caller, which can parse version strings.
type SearchFilter struct {
	Query  string // substring of name, display_name, description, or a keyword
	Author string // substring of an author name
	Game   string // exact game of a non-yanked version
}

// Store abstracts registry persistence.
type Store interface {
	// Packages
	GetPackage(ctx context.Context, name string) (Package, error)
	ListPackages(ctx context.Context, offset, limit int) ([]Package, int, error)
	ListAllPackages(ctx context.Context) ([]Package, error)
	SearchCandidates(ctx context.Context, f SearchFilter) ([]Package, error)
	IncrementDownloads(ctx context.Context, packageName string) error

	// Package metadata
	ListAuthors(ctx context.Context, packageName string) ([]Author, error)
	ListKeywords(ctx context.Context, packageName string) ([]string, error)

	// Publishers / ownership
	FindPublishers(ctx context.Context, packageName string) ([]Publisher, error)
	AddPublisher(ctx context.Context, p Publisher) error
	RemovePublisher(ctx context.Context, packageName, publisherID string) error

	// Registration (atomic: package upsert + version + distributions + entry points + audit log)
	Register(ctx context.Context, in RegisterInput) error

	// Versions
	GetVersion(ctx context.Context, packageName, version string) (Version, error)
	ListVersions(ctx context.Context, packageName string) ([]Version, error)
	YankVersion(ctx context.Context, packageName, version, reason string) error

	// Distributions
	ListDistributions(ctx context.Context, packageName, version string) ([]Distribution, error)
	GetDistributionByFilename(ctx context.Context, packageName, version, filename string) (Distribution, error)
	UpdateDistributionURLStatus(ctx context.Context, packageName, version, filename, status string) error
	ListDistributionsForProbe(ctx context.Context, limit int) ([]Distribution, error)

	// Entry points
	ListEntryPoints(ctx context.Context, packageName, version string) ([]EntryPoint, error)

	// Audit log
	RecordAudit(ctx context.Context, entry AuditLogEntry) error

	// API tokens (internal/auth.TokenStore)
	CreateAPIToken(ctx context.Context, userID, tokenHash, label string, scopes []string, expiresAt *time.Time) error
	FindTokenByHash(tokenHash string) (TokenInfoRow, bool, error)
	TouchTokenLastUsed(tokenHash string, at time.Time) error
	RevokeAPIToken(ctx context.Context, tokenHash string) error

	Ping(ctx context.Context) error
}

// TokenInfoRow adapts store.APIToken to internal/auth.TokenInfo's shape.
type TokenInfoRow struct {
	TokenHash string
	UserID    string
	Scopes    []string
	ExpiresAt *time.Time
	Revoked   bool
}

// AuthAdapter exposes a Store as internal/auth's TokenStore interface,
// translating between the two packages' entity shapes without creating an
// import cycle (auth never imports store).
type AuthAdapter struct{ Store Store }

func (a AuthAdapter) FindTokenByHash(tokenHash string) (auth.TokenInfo, bool, error) {
	row, ok, err := a.Store.FindTokenByHash(tokenHash)
	if err != nil || !ok {
		return auth.TokenInfo{}, ok, err
	}
	return auth.TokenInfo{
		TokenHash: row.TokenHash,
		UserID:    row.UserID,
		Scopes:    row.Scopes,
		ExpiresAt: row.ExpiresAt,
		Revoked:   row.Revoked,
	}, true, nil
}

func (a AuthAdapter) TouchTokenLastUsed(tokenHash string, at time.Time) error {
	return a.Store.TouchTokenLastUsed(tokenHash, at)
}
