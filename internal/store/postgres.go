package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store using Postgres over database/sql and
// lib/pq.
type PostgresStore struct {
	db *sql.DB
}

func (p *PostgresStore) ensureDB() error {
	if p == nil || p.db == nil {
		return fmt.Errorf("store: db not configured")
	}
	return nil
}

// NewPostgres creates a new store with an existing *sql.DB.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const schema = `
CREATE EXTENSION IF NOT EXISTS pg_trgm;

CREATE TABLE IF NOT EXISTS packages (
    name            TEXT PRIMARY KEY,
    display_name    TEXT,
    description     TEXT,
    homepage        TEXT,
    repository      TEXT,
    license         TEXT,
    total_downloads BIGINT NOT NULL DEFAULT 0,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_packages_name_trgm ON packages USING GIN (name gin_trgm_ops);
CREATE INDEX IF NOT EXISTS idx_packages_description_trgm ON packages USING GIN (description gin_trgm_ops);

ALTER TABLE packages ADD COLUMN IF NOT EXISTS display_name TEXT;
ALTER TABLE packages ADD COLUMN IF NOT EXISTS total_downloads BIGINT NOT NULL DEFAULT 0;

CREATE TABLE IF NOT EXISTS versions (
    package_name        TEXT NOT NULL REFERENCES packages(name),
    version             TEXT NOT NULL,
    game                TEXT,
    world_version       TEXT,
    minimum_ap_version  TEXT,
    maximum_ap_version  TEXT,
    pure_python         BOOLEAN NOT NULL DEFAULT TRUE,
    yanked              BOOLEAN NOT NULL DEFAULT FALSE,
    yanked_reason       TEXT,
    source_repository   TEXT,
    source_commit       TEXT,
    created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (package_name, version)
);
CREATE INDEX IF NOT EXISTS idx_versions_package ON versions(package_name);

ALTER TABLE versions ADD COLUMN IF NOT EXISTS game TEXT;
ALTER TABLE versions ADD COLUMN IF NOT EXISTS yanked BOOLEAN NOT NULL DEFAULT FALSE;
ALTER TABLE versions ADD COLUMN IF NOT EXISTS yanked_reason TEXT;
ALTER TABLE versions ADD COLUMN IF NOT EXISTS source_repository TEXT;
ALTER TABLE versions ADD COLUMN IF NOT EXISTS source_commit TEXT;

CREATE TABLE IF NOT EXISTS distributions (
    package_name TEXT NOT NULL,
    version      TEXT NOT NULL,
    filename     TEXT NOT NULL,
    url          TEXT NOT NULL,
    sha256       TEXT NOT NULL,
    size_bytes   BIGINT NOT NULL,
    python_tag   TEXT,
    abi_tag      TEXT,
    platform_tag TEXT,
    url_status   TEXT NOT NULL DEFAULT 'active',
    last_verified_at TIMESTAMPTZ,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (package_name, version, filename),
    FOREIGN KEY (package_name, version) REFERENCES versions(package_name, version)
);
CREATE INDEX IF NOT EXISTS idx_distributions_pkg_version ON distributions(package_name, version);

ALTER TABLE distributions ADD COLUMN IF NOT EXISTS url_status TEXT NOT NULL DEFAULT 'active';
ALTER TABLE distributions ADD COLUMN IF NOT EXISTS last_verified_at TIMESTAMPTZ;

CREATE TABLE IF NOT EXISTS authors (
    package_name TEXT NOT NULL REFERENCES packages(name),
    name         TEXT NOT NULL,
    PRIMARY KEY (package_name, name)
);

CREATE TABLE IF NOT EXISTS keywords (
    package_name TEXT NOT NULL REFERENCES packages(name),
    keyword      TEXT NOT NULL,
    PRIMARY KEY (package_name, keyword)
);
CREATE INDEX IF NOT EXISTS idx_keywords_keyword_trgm ON keywords USING GIN (keyword gin_trgm_ops);

CREATE TABLE IF NOT EXISTS publishers (
    package_name    TEXT NOT NULL REFERENCES packages(name),
    publisher_id    TEXT,
    publisher_type  TEXT NOT NULL,
    github_repository TEXT,
    github_workflow TEXT,
    is_owner        BOOLEAN NOT NULL DEFAULT FALSE,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_publishers_package ON publishers(package_name);

CREATE TABLE IF NOT EXISTS entry_points (
    package_name TEXT NOT NULL,
    version      TEXT NOT NULL,
    "group"      TEXT NOT NULL,
    name         TEXT NOT NULL,
    module       TEXT NOT NULL,
    attr         TEXT,
    PRIMARY KEY (package_name, version, "group", name),
    FOREIGN KEY (package_name, version) REFERENCES versions(package_name, version)
);

CREATE TABLE IF NOT EXISTS audit_log (
    id           BIGSERIAL PRIMARY KEY,
    package_name TEXT NOT NULL,
    action       TEXT NOT NULL,
    actor_id     TEXT,
    details      JSONB,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_audit_log_package ON audit_log(package_name);

CREATE TABLE IF NOT EXISTS api_tokens (
    token_hash   TEXT PRIMARY KEY,
    user_id      TEXT NOT NULL,
    label        TEXT,
    scopes       TEXT[] NOT NULL DEFAULT '{}',
    revoked      BOOLEAN NOT NULL DEFAULT FALSE,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    expires_at   TIMESTAMPTZ,
    last_used_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_api_tokens_user ON api_tokens(user_id);
`

// RunMigrations ensures schema is present.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("store: db is nil")
	}
	_, err := db.ExecContext(ctx, schema)
	return err
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	if err := p.ensureDB(); err != nil {
		return err
	}
	return p.db.PingContext(ctx)
}

const packageColumns = `name, COALESCE(display_name,''), COALESCE(description,''), COALESCE(homepage,''), COALESCE(repository,''), COALESCE(license,''), total_downloads, created_at, updated_at`

func scanPackage(row interface{ Scan(...any) error }) (Package, error) {
	var pkg Package
	err := row.Scan(&pkg.Name, &pkg.DisplayName, &pkg.Description, &pkg.Homepage, &pkg.Repository, &pkg.License, &pkg.TotalDownloads, &pkg.CreatedAt, &pkg.UpdatedAt)
	return pkg, err
}

func (p *PostgresStore) GetPackage(ctx context.Context, name string) (Package, error) {
	if err := p.ensureDB(); err != nil {
		return Package{}, err
	}
	pkg, err := scanPackage(p.db.QueryRowContext(ctx, `
		SELECT `+packageColumns+` FROM packages WHERE name = $1
	`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return Package{}, ErrNotFound
	}
	if err != nil {
		return Package{}, err
	}
	return pkg, nil
}

func (p *PostgresStore) ListPackages(ctx context.Context, offset, limit int) ([]Package, int, error) {
	if err := p.ensureDB(); err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = 20
	}
	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM packages`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+packageColumns+` FROM packages ORDER BY name ASC OFFSET $1 LIMIT $2
	`, offset, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	out, err := scanPackages(rows)
	return out, total, err
}

func (p *PostgresStore) ListAllPackages(ctx context.Context) ([]Package, error) {
	if err := p.ensureDB(); err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+packageColumns+` FROM packages ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPackages(rows)
}

// SearchCandidates applies the SQL-expressible search predicates; the caller
// layers the semver compatible_with and platform-tag filters on top.
func (p *PostgresStore) SearchCandidates(ctx context.Context, f SearchFilter) ([]Package, error) {
	if err := p.ensureDB(); err != nil {
		return nil, err
	}
	query := `SELECT ` + packageColumns + ` FROM packages WHERE 1=1`
	var args []any
	if f.Query != "" {
		args = append(args, f.Query)
		n := fmt.Sprintf("$%d", len(args))
		query += ` AND (name ILIKE '%' || ` + n + ` || '%'
			OR display_name ILIKE '%' || ` + n + ` || '%'
			OR description ILIKE '%' || ` + n + ` || '%'
			OR EXISTS (SELECT 1 FROM keywords k WHERE k.package_name = packages.name AND k.keyword ILIKE '%' || ` + n + ` || '%'))`
	}
	if f.Author != "" {
		args = append(args, f.Author)
		n := fmt.Sprintf("$%d", len(args))
		query += ` AND EXISTS (SELECT 1 FROM authors a WHERE a.package_name = packages.name AND a.name ILIKE '%' || ` + n + ` || '%')`
	}
	if f.Game != "" {
		args = append(args, f.Game)
		n := fmt.Sprintf("$%d", len(args))
		query += ` AND EXISTS (SELECT 1 FROM versions v WHERE v.package_name = packages.name AND NOT v.yanked AND v.game = ` + n + `)`
	}
	query += ` ORDER BY name ASC`
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPackages(rows)
}

func scanPackages(rows *sql.Rows) ([]Package, error) {
	var out []Package
	for rows.Next() {
		pkg, err := scanPackage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pkg)
	}
	return out, rows.Err()
}

func (p *PostgresStore) IncrementDownloads(ctx context.Context, packageName string) error {
	if err := p.ensureDB(); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `
		UPDATE packages SET total_downloads = total_downloads + 1 WHERE name = $1
	`, packageName)
	return err
}

func (p *PostgresStore) ListAuthors(ctx context.Context, packageName string) ([]Author, error) {
	if err := p.ensureDB(); err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT package_name, name FROM authors WHERE package_name = $1 ORDER BY name
	`, packageName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Author
	for rows.Next() {
		var a Author
		if err := rows.Scan(&a.PackageName, &a.Name); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListKeywords(ctx context.Context, packageName string) ([]string, error) {
	if err := p.ensureDB(); err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT keyword FROM keywords WHERE package_name = $1 ORDER BY keyword
	`, packageName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (p *PostgresStore) FindPublishers(ctx context.Context, packageName string) ([]Publisher, error) {
	if err := p.ensureDB(); err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT package_name, COALESCE(publisher_id,''), publisher_type, COALESCE(github_repository,''), COALESCE(github_workflow,''), is_owner
		FROM publishers WHERE package_name = $1
	`, packageName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Publisher
	for rows.Next() {
		var pub Publisher
		if err := rows.Scan(&pub.PackageName, &pub.PublisherID, &pub.PublisherType, &pub.GithubRepo, &pub.GithubWorkflow, &pub.IsOwner); err != nil {
			return nil, err
		}
		out = append(out, pub)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AddPublisher(ctx context.Context, pub Publisher) error {
	if err := p.ensureDB(); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO publishers (package_name, publisher_id, publisher_type, github_repository, github_workflow, is_owner)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, pub.PackageName, nullString(pub.PublisherID), pub.PublisherType, nullString(pub.GithubRepo), nullString(pub.GithubWorkflow), pub.IsOwner)
	return err
}

func (p *PostgresStore) RemovePublisher(ctx context.Context, packageName, publisherID string) error {
	if err := p.ensureDB(); err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM publishers WHERE package_name = $1 AND publisher_id = $2
	`, packageName, publisherID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Register persists a package, its version, distributions, and entry points
// in a single transaction: a failed registration leaves the database
// unchanged.
func (p *PostgresStore) Register(ctx context.Context, in RegisterInput) error {
	if err := p.ensureDB(); err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var existed bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM packages WHERE name = $1)`, in.Package.Name).Scan(&existed); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO packages (name, display_name, description, homepage, repository, license, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (name) DO UPDATE SET
			description = EXCLUDED.description,
			homepage = EXCLUDED.homepage,
			repository = EXCLUDED.repository,
			license = EXCLUDED.license,
			updated_at = NOW()
	`, in.Package.Name, nullString(in.Package.DisplayName), nullString(in.Package.Description), nullString(in.Package.Homepage), nullString(in.Package.Repository), nullString(in.Package.License))
	if err != nil {
		return err
	}

	if !existed {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO publishers (package_name, publisher_id, publisher_type, github_repository, github_workflow, is_owner)
			VALUES ($1, $2, $3, $4, $5, TRUE)
		`, in.Package.Name, nullString(firstPublisherID(in)), firstPublisherType(in), nullString(firstPublisherRepo(in)), nullString(firstPublisherWorkflow(in))); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO audit_log (package_name, action, actor_id, details) VALUES ($1, 'create_package', $2, NULL)
		`, in.Package.Name, nullString(firstPublisherID(in))); err != nil {
			return err
		}
	}

	for _, a := range in.Authors {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO authors (package_name, name) VALUES ($1, $2) ON CONFLICT DO NOTHING
		`, in.Package.Name, a); err != nil {
			return err
		}
	}
	for _, k := range in.Keywords {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO keywords (package_name, keyword) VALUES ($1, $2) ON CONFLICT DO NOTHING
		`, in.Package.Name, k); err != nil {
			return err
		}
	}

	var versionExists bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM versions WHERE package_name = $1 AND version = $2)
	`, in.Package.Name, in.Version.Version).Scan(&versionExists); err != nil {
		return err
	}
	if versionExists {
		return fmt.Errorf("store: version %s@%s already exists: %w", in.Package.Name, in.Version.Version, ErrConflict)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO versions (package_name, version, game, world_version, minimum_ap_version, maximum_ap_version, pure_python, source_repository, source_commit, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
	`, in.Package.Name, in.Version.Version, nullString(in.Version.Game), nullString(in.Version.WorldVersion),
		nullString(in.Version.MinimumApVersion), nullString(in.Version.MaximumApVersion), in.Version.PurePython,
		nullString(in.Version.SourceRepository), nullString(in.Version.SourceCommit)); err != nil {
		return err
	}

	for _, d := range in.Distributions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO distributions (package_name, version, filename, url, sha256, size_bytes, python_tag, abi_tag, platform_tag, url_status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'active', NOW())
		`, in.Package.Name, in.Version.Version, d.Filename, d.URL, d.SHA256, d.SizeBytes,
			nullString(d.PythonTag), nullString(d.ABITag), nullString(d.PlatformTag)); err != nil {
			return err
		}
	}

	for _, e := range in.EntryPoints {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO entry_points (package_name, version, "group", name, module, attr)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, in.Package.Name, in.Version.Version, e.Group, e.Name, e.Module, nullString(e.Attr)); err != nil {
			return err
		}
	}

	detailsJSON, _ := registerAuditDetails(in)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO audit_log (package_name, action, actor_id, details) VALUES ($1, 'register', $2, $3)
	`, in.Package.Name, nullString(firstPublisherID(in)), detailsJSON); err != nil {
		return err
	}

	return tx.Commit()
}

func (p *PostgresStore) GetVersion(ctx context.Context, packageName, version string) (Version, error) {
	if err := p.ensureDB(); err != nil {
		return Version{}, err
	}
	var v Version
	var yankedReason, worldVersion, minAp, maxAp, game, srcRepo, srcCommit sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT package_name, version, game, world_version, minimum_ap_version, maximum_ap_version,
		       pure_python, yanked, yanked_reason, source_repository, source_commit, created_at
		FROM versions WHERE package_name = $1 AND version = $2
	`, packageName, version).Scan(&v.PackageName, &v.Version, &game, &worldVersion, &minAp, &maxAp,
		&v.PurePython, &v.Yanked, &yankedReason, &srcRepo, &srcCommit, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Version{}, ErrNotFound
	}
	if err != nil {
		return Version{}, err
	}
	v.Game, v.WorldVersion, v.MinimumApVersion, v.MaximumApVersion = game.String, worldVersion.String, minAp.String, maxAp.String
	v.YankedReason, v.SourceRepository, v.SourceCommit = yankedReason.String, srcRepo.String, srcCommit.String
	return v, nil
}

func (p *PostgresStore) ListVersions(ctx context.Context, packageName string) ([]Version, error) {
	if err := p.ensureDB(); err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT package_name, version, COALESCE(game,''), COALESCE(world_version,''), COALESCE(minimum_ap_version,''), COALESCE(maximum_ap_version,''),
		       pure_python, yanked, COALESCE(yanked_reason,''), COALESCE(source_repository,''), COALESCE(source_commit,''), created_at
		FROM versions WHERE package_name = $1 ORDER BY created_at DESC
	`, packageName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Version
	for rows.Next() {
		var v Version
		if err := rows.Scan(&v.PackageName, &v.Version, &v.Game, &v.WorldVersion, &v.MinimumApVersion, &v.MaximumApVersion,
			&v.PurePython, &v.Yanked, &v.YankedReason, &v.SourceRepository, &v.SourceCommit, &v.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (p *PostgresStore) YankVersion(ctx context.Context, packageName, version, reason string) error {
	if err := p.ensureDB(); err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE versions SET yanked = TRUE, yanked_reason = $3 WHERE package_name = $1 AND version = $2
	`, packageName, version, nullString(reason))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO audit_log (package_name, action, details) VALUES ($1, 'yank', $2)
	`, packageName, jsonDetails(map[string]any{"version": version, "reason": reason}))
	return err
}

func (p *PostgresStore) ListDistributions(ctx context.Context, packageName, version string) ([]Distribution, error) {
	if err := p.ensureDB(); err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT package_name, version, filename, url, sha256, size_bytes, COALESCE(python_tag,''), COALESCE(abi_tag,''), COALESCE(platform_tag,''), url_status, last_verified_at, created_at
		FROM distributions WHERE package_name = $1 AND version = $2 ORDER BY filename
	`, packageName, version)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDistributions(rows)
}

func (p *PostgresStore) GetDistributionByFilename(ctx context.Context, packageName, version, filename string) (Distribution, error) {
	if err := p.ensureDB(); err != nil {
		return Distribution{}, err
	}
	var d Distribution
	var lastVerified sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT package_name, version, filename, url, sha256, size_bytes, COALESCE(python_tag,''), COALESCE(abi_tag,''), COALESCE(platform_tag,''), url_status, last_verified_at, created_at
		FROM distributions WHERE package_name = $1 AND version = $2 AND filename = $3
	`, packageName, version, filename).Scan(&d.PackageName, &d.Version, &d.Filename, &d.URL, &d.SHA256, &d.SizeBytes,
		&d.PythonTag, &d.ABITag, &d.PlatformTag, &d.URLStatus, &lastVerified, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Distribution{}, ErrNotFound
	}
	if lastVerified.Valid {
		d.LastVerifiedAt = &lastVerified.Time
	}
	return d, err
}

func (p *PostgresStore) UpdateDistributionURLStatus(ctx context.Context, packageName, version, filename, status string) error {
	if err := p.ensureDB(); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `
		UPDATE distributions SET url_status = $4, last_verified_at = NOW() WHERE package_name = $1 AND version = $2 AND filename = $3
	`, packageName, version, filename, status)
	return err
}

func (p *PostgresStore) ListDistributionsForProbe(ctx context.Context, limit int) ([]Distribution, error) {
	if err := p.ensureDB(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT package_name, version, filename, url, sha256, size_bytes, COALESCE(python_tag,''), COALESCE(abi_tag,''), COALESCE(platform_tag,''), url_status, last_verified_at, created_at
		FROM distributions ORDER BY created_at ASC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDistributions(rows)
}

func scanDistributions(rows *sql.Rows) ([]Distribution, error) {
	var out []Distribution
	for rows.Next() {
		var d Distribution
		var lastVerified sql.NullTime
		if err := rows.Scan(&d.PackageName, &d.Version, &d.Filename, &d.URL, &d.SHA256, &d.SizeBytes,
			&d.PythonTag, &d.ABITag, &d.PlatformTag, &d.URLStatus, &lastVerified, &d.CreatedAt); err != nil {
			return nil, err
		}
		if lastVerified.Valid {
			d.LastVerifiedAt = &lastVerified.Time
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListEntryPoints(ctx context.Context, packageName, version string) ([]EntryPoint, error) {
	if err := p.ensureDB(); err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT package_name, version, "group", name, module, COALESCE(attr,'')
		FROM entry_points WHERE package_name = $1 AND version = $2 ORDER BY "group", name
	`, packageName, version)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EntryPoint
	for rows.Next() {
		var e EntryPoint
		if err := rows.Scan(&e.PackageName, &e.Version, &e.Group, &e.Name, &e.Module, &e.Attr); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) RecordAudit(ctx context.Context, entry AuditLogEntry) error {
	if err := p.ensureDB(); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO audit_log (package_name, action, actor_id, details) VALUES ($1, $2, $3, $4)
	`, entry.PackageName, entry.Action, nullString(entry.ActorID), []byte(entry.Details))
	return err
}

func (p *PostgresStore) CreateAPIToken(ctx context.Context, userID, tokenHash, label string, scopes []string, expiresAt *time.Time) error {
	if err := p.ensureDB(); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO api_tokens (token_hash, user_id, label, scopes, expires_at) VALUES ($1, $2, $3, $4, $5)
	`, tokenHash, userID, nullString(label), pq.Array(scopes), expiresAt)
	return err
}

func (p *PostgresStore) FindTokenByHash(tokenHash string) (TokenInfoRow, bool, error) {
	if err := p.ensureDB(); err != nil {
		return TokenInfoRow{}, false, err
	}
	var row TokenInfoRow
	var scopes pq.StringArray
	var expiresAt sql.NullTime
	err := p.db.QueryRow(`
		SELECT token_hash, user_id, scopes, revoked, expires_at FROM api_tokens WHERE token_hash = $1
	`, tokenHash).Scan(&row.TokenHash, &row.UserID, &scopes, &row.Revoked, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return TokenInfoRow{}, false, nil
	}
	if err != nil {
		return TokenInfoRow{}, false, err
	}
	row.Scopes = []string(scopes)
	if expiresAt.Valid {
		row.ExpiresAt = &expiresAt.Time
	}
	return row, true, nil
}

func (p *PostgresStore) TouchTokenLastUsed(tokenHash string, at time.Time) error {
	if err := p.ensureDB(); err != nil {
		return err
	}
	_, err := p.db.Exec(`UPDATE api_tokens SET last_used_at = $2 WHERE token_hash = $1`, tokenHash, at)
	return err
}

func (p *PostgresStore) RevokeAPIToken(ctx context.Context, tokenHash string) error {
	if err := p.ensureDB(); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `UPDATE api_tokens SET revoked = TRUE WHERE token_hash = $1`, tokenHash)
	return err
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func jsonDetails(v map[string]any) []byte {
	b, _ := jsonMarshal(v)
	return b
}
