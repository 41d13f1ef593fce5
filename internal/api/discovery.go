package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/k8ika0s/island-registry/internal/apierr"
	"github.com/k8ika0s/island-registry/internal/platform"
	"github.com/k8ika0s/island-registry/internal/semver"
	"github.com/k8ika0s/island-registry/internal/store"
)

type pagination struct {
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

func paginate(page, perPage, total int) pagination {
	totalPages := (total + perPage - 1) / perPage
	return pagination{Page: page, PerPage: perPage, Total: total, TotalPages: totalPages}
}

// pageParams resolves page/per_page query values against the configured
// pagination bounds.
func (h *Handler) pageParams(q map[string][]string) (page, perPage int) {
	s := h.settings()
	get := func(key string) string {
		if v, ok := q[key]; ok && len(v) > 0 {
			return v[0]
		}
		return ""
	}
	page = parseIntDefault(get("page"), 1, 0)
	if page < 1 {
		page = 1
	}
	perPage = parseIntDefault(get("per_page"), s.DefaultPerPage, s.MaxPerPage)
	if perPage < 1 {
		perPage = 1
	}
	return page, perPage
}

type packageSummary struct {
	Name           string `json:"name"`
	DisplayName    string `json:"display_name,omitempty"`
	Description    string `json:"description,omitempty"`
	LatestVersion  string `json:"latest_version"`
	TotalDownloads int64  `json:"total_downloads"`
}

// latestVersion picks the newest non-yanked version by publish time, or ""
// if every version is yanked.
func latestVersion(versions []store.Version) string {
	var best *store.Version
	for i := range versions {
		v := &versions[i]
		if v.Yanked {
			continue
		}
		if best == nil || v.CreatedAt.After(best.CreatedAt) {
			best = v
		}
	}
	if best == nil {
		return ""
	}
	return best.Version
}

func (h *Handler) summarize(ctx context.Context, pkg store.Package) (packageSummary, error) {
	versions, err := h.Store.ListVersions(ctx, pkg.Name)
	if err != nil {
		return packageSummary{}, err
	}
	return packageSummary{
		Name:           pkg.Name,
		DisplayName:    pkg.DisplayName,
		Description:    pkg.Description,
		LatestVersion:  latestVersion(versions),
		TotalDownloads: pkg.TotalDownloads,
	}, nil
}

func (h *Handler) listPackages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, apierr.New(apierr.CodeInvalidRequest, "method not allowed"))
		return
	}
	page, perPage := h.pageParams(r.URL.Query())
	pkgs, total, err := h.Store.ListPackages(r.Context(), (page-1)*perPage, perPage)
	if err != nil {
		writeError(w, apierr.Internal(err))
		return
	}
	out := make([]packageSummary, 0, len(pkgs))
	for _, pkg := range pkgs {
		sum, err := h.summarize(r.Context(), pkg)
		if err != nil {
			writeError(w, apierr.Internal(err))
			return
		}
		out = append(out, sum)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"packages":   out,
		"pagination": paginate(page, perPage, total),
	})
}

func (h *Handler) getPackage(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodGet {
		writeError(w, apierr.New(apierr.CodeInvalidRequest, "method not allowed"))
		return
	}
	ctx := r.Context()
	pkg, err := h.Store.GetPackage(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, apierr.New(apierr.CodePackageNotFound, "package "+name+" not found"))
		return
	}
	if err != nil {
		writeError(w, apierr.Internal(err))
		return
	}
	versions, err := h.Store.ListVersions(ctx, name)
	if err != nil {
		writeError(w, apierr.Internal(err))
		return
	}
	authors, err := h.Store.ListAuthors(ctx, name)
	if err != nil {
		writeError(w, apierr.Internal(err))
		return
	}
	keywords, err := h.Store.ListKeywords(ctx, name)
	if err != nil {
		writeError(w, apierr.Internal(err))
		return
	}
	authorNames := make([]string, 0, len(authors))
	for _, a := range authors {
		authorNames = append(authorNames, a.Name)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":            pkg.Name,
		"display_name":    pkg.DisplayName,
		"description":     pkg.Description,
		"homepage":        pkg.Homepage,
		"repository":      pkg.Repository,
		"license":         pkg.License,
		"total_downloads": pkg.TotalDownloads,
		"latest_version":  latestVersion(versions),
		"versions":        versions,
		"authors":         authorNames,
		"keywords":        keywords,
		"created_at":      pkg.CreatedAt,
		"updated_at":      pkg.UpdatedAt,
	})
}

func (h *Handler) listVersions(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodGet {
		writeError(w, apierr.New(apierr.CodeInvalidRequest, "method not allowed"))
		return
	}
	if _, err := h.Store.GetPackage(r.Context(), name); errors.Is(err, store.ErrNotFound) {
		writeError(w, apierr.New(apierr.CodePackageNotFound, "package "+name+" not found"))
		return
	} else if err != nil {
		writeError(w, apierr.Internal(err))
		return
	}
	versions, err := h.Store.ListVersions(r.Context(), name)
	if err != nil {
		writeError(w, apierr.Internal(err))
		return
	}
	includeYanked := r.URL.Query().Get("include_yanked") == "true"
	out := make([]store.Version, 0, len(versions))
	for _, v := range versions {
		if v.Yanked && !includeYanked {
			continue
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"package_name": name,
		"versions":     out,
		"total":        len(out),
	})
}

func (h *Handler) getVersion(w http.ResponseWriter, r *http.Request, name, version string) {
	if r.Method != http.MethodGet {
		writeError(w, apierr.New(apierr.CodeInvalidRequest, "method not allowed"))
		return
	}
	ctx := r.Context()
	if _, err := h.Store.GetPackage(ctx, name); errors.Is(err, store.ErrNotFound) {
		writeError(w, apierr.New(apierr.CodePackageNotFound, "package "+name+" not found"))
		return
	} else if err != nil {
		writeError(w, apierr.Internal(err))
		return
	}
	v, err := h.Store.GetVersion(ctx, name, version)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, apierr.New(apierr.CodeVersionNotFound, "version "+version+" of "+name+" not found"))
		return
	}
	if err != nil {
		writeError(w, apierr.Internal(err))
		return
	}
	dists, err := h.Store.ListDistributions(ctx, name, version)
	if err != nil {
		writeError(w, apierr.Internal(err))
		return
	}
	eps, err := h.Store.ListEntryPoints(ctx, name, version)
	if err != nil {
		writeError(w, apierr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"package_name":  name,
		"version":       v,
		"distributions": dists,
		"entry_points":  eps,
	})
}

// search applies the filter predicates as a conjunction: the SQL-backed
// filters run in the store, the semver compatible_with and platform filters
// here, where version strings can be parsed.
func (h *Handler) search(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, apierr.New(apierr.CodeInvalidRequest, "method not allowed"))
		return
	}
	q := r.URL.Query()
	filter := store.SearchFilter{
		Query:  q.Get("q"),
		Author: q.Get("author"),
		Game:   q.Get("game"),
	}
	compatibleWith := q.Get("compatible_with")
	platformFilter := q.Get("platform")

	var compatVer semver.Version
	if compatibleWith != "" {
		var err error
		compatVer, err = semver.Parse(compatibleWith)
		if err != nil {
			writeError(w, apierr.New(apierr.CodeInvalidVersion, "compatible_with must be a valid semver string"))
			return
		}
	}
	var reqTag platform.Tag
	if platformFilter != "" {
		var err error
		reqTag, err = platform.Parse(platformFilter)
		if err != nil {
			writeError(w, apierr.New(apierr.CodeInvalidRequest, "platform must be a py-abi-platform triple"))
			return
		}
	}

	ctx := r.Context()
	candidates, err := h.Store.SearchCandidates(ctx, filter)
	if err != nil {
		writeError(w, apierr.Internal(err))
		return
	}

	var matched []store.Package
	for _, pkg := range candidates {
		ok, err := h.matchesVersionFilters(ctx, pkg.Name, compatibleWith != "", compatVer, platformFilter != "", reqTag)
		if err != nil {
			writeError(w, apierr.Internal(err))
			return
		}
		if ok {
			matched = append(matched, pkg)
		}
	}

	page, perPage := h.pageParams(q)
	total := len(matched)
	start := (page - 1) * perPage
	if start > total {
		start = total
	}
	end := start + perPage
	if end > total {
		end = total
	}

	results := make([]packageSummary, 0, end-start)
	for _, pkg := range matched[start:end] {
		sum, err := h.summarize(ctx, pkg)
		if err != nil {
			writeError(w, apierr.Internal(err))
			return
		}
		results = append(results, sum)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results": results,
		"query":   filter.Query,
		"filters": map[string]string{
			"author":          filter.Author,
			"game":            filter.Game,
			"compatible_with": compatibleWith,
			"platform":        platformFilter,
		},
		"total":      total,
		"pagination": paginate(page, perPage, total),
	})
}

// matchesVersionFilters reports whether a package has at least one
// non-yanked version satisfying the compatible_with bound, and at least one
// distribution compatible with the requested platform tag.
func (h *Handler) matchesVersionFilters(ctx context.Context, name string, checkCompat bool, compat semver.Version, checkPlatform bool, reqTag platform.Tag) (bool, error) {
	if !checkCompat && !checkPlatform {
		return true, nil
	}
	versions, err := h.Store.ListVersions(ctx, name)
	if err != nil {
		return false, err
	}
	if checkCompat {
		ok := false
		for _, v := range versions {
			if v.Yanked {
				continue
			}
			if versionCompatible(v, compat) {
				ok = true
				break
			}
		}
		if !ok {
			return false, nil
		}
	}
	if checkPlatform {
		ok := false
		for _, v := range versions {
			dists, err := h.Store.ListDistributions(ctx, name, v.Version)
			if err != nil {
				return false, err
			}
			for _, d := range dists {
				distTag := platform.Tag{Python: d.PythonTag, ABI: d.ABITag, Platform: d.PlatformTag}
				if platform.Compatible(distTag, reqTag) {
					ok = true
					break
				}
			}
			if ok {
				break
			}
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func versionCompatible(v store.Version, apVersion semver.Version) bool {
	if v.MinimumApVersion != "" {
		lo, err := semver.Parse(v.MinimumApVersion)
		if err != nil || semver.Compare(lo, apVersion) > 0 {
			return false
		}
	}
	if v.MaximumApVersion != "" {
		hi, err := semver.Parse(v.MaximumApVersion)
		if err != nil || semver.Compare(hi, apVersion) < 0 {
			return false
		}
	}
	return true
}

// index emits the whole registry as one JSON document.
func (h *Handler) index(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, apierr.New(apierr.CodeInvalidRequest, "method not allowed"))
		return
	}
	ctx := r.Context()
	pkgs, err := h.Store.ListAllPackages(ctx)
	if err != nil {
		writeError(w, apierr.Internal(err))
		return
	}

	type indexVersion struct {
		Game             string               `json:"game,omitempty"`
		MinimumApVersion string               `json:"minimum_ap_version,omitempty"`
		MaximumApVersion string               `json:"maximum_ap_version,omitempty"`
		PurePython       bool                 `json:"pure_python"`
		PublishedAt      string               `json:"published_at"`
		Yanked           bool                 `json:"yanked"`
		Distributions    []store.Distribution `json:"distributions"`
	}
	type indexPackage struct {
		DisplayName   string                  `json:"display_name,omitempty"`
		Description   string                  `json:"description,omitempty"`
		LatestVersion string                  `json:"latest_version"`
		Versions      map[string]indexVersion `json:"versions"`
	}

	entries := make(map[string]indexPackage, len(pkgs))
	totalVersions := 0
	for _, pkg := range pkgs {
		versions, err := h.Store.ListVersions(ctx, pkg.Name)
		if err != nil {
			writeError(w, apierr.Internal(err))
			return
		}
		vmap := make(map[string]indexVersion, len(versions))
		for _, v := range versions {
			dists, err := h.Store.ListDistributions(ctx, pkg.Name, v.Version)
			if err != nil {
				writeError(w, apierr.Internal(err))
				return
			}
			vmap[v.Version] = indexVersion{
				Game:             v.Game,
				MinimumApVersion: v.MinimumApVersion,
				MaximumApVersion: v.MaximumApVersion,
				PurePython:       v.PurePython,
				PublishedAt:      v.CreatedAt.UTC().Format(time.RFC3339),
				Yanked:           v.Yanked,
				Distributions:    dists,
			}
		}
		totalVersions += len(versions)
		entries[pkg.Name] = indexPackage{
			DisplayName:   pkg.DisplayName,
			Description:   pkg.Description,
			LatestVersion: latestVersion(versions),
			Versions:      vmap,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"packages":       entries,
		"generated_at":   h.now().Format(time.RFC3339),
		"total_packages": len(pkgs),
		"total_versions": totalVersions,
	})
}
