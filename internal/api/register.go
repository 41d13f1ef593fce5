package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/k8ika0s/island-registry/internal/apierr"
	"github.com/k8ika0s/island-registry/internal/auth"
	"github.com/k8ika0s/island-registry/internal/platform"
	"github.com/k8ika0s/island-registry/internal/semver"
	"github.com/k8ika0s/island-registry/internal/store"
)

var (
	packageNameRE = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)
	sha256HexRE   = regexp.MustCompile(`^[0-9a-f]{64}$`)
	commitSHARE   = regexp.MustCompile(`^[0-9a-f]{40}$`)
)

// RegistrationDistribution is one externally hosted artifact declared in a
// registration payload.
type RegistrationDistribution struct {
	Filename    string `json:"filename"`
	URL         string `json:"url"`
	SHA256      string `json:"sha256"`
	Size        int64  `json:"size"`
	PlatformTag string `json:"platform_tag"`
}

// PackageRegistration is the POST /v1/island/register request body.
type PackageRegistration struct {
	Name             string                     `json:"name"`
	Version          string                     `json:"version"`
	Game             string                     `json:"game"`
	Description      string                     `json:"description,omitempty"`
	Authors          []string                   `json:"authors"`
	MinimumApVersion string                     `json:"minimum_ap_version"`
	MaximumApVersion string                     `json:"maximum_ap_version,omitempty"`
	Keywords         []string                   `json:"keywords,omitempty"`
	Homepage         string                     `json:"homepage,omitempty"`
	Repository       string                     `json:"repository,omitempty"`
	License          string                     `json:"license,omitempty"`
	EntryPoints      map[string]string          `json:"entry_points"`
	Distributions    []RegistrationDistribution `json:"distributions"`
	SourceRepository string                     `json:"source_repository,omitempty"`
	SourceCommit     string                     `json:"source_commit,omitempty"`
}

// validate applies every request-time check, normalizing checksums and the
// source commit to lowercase in place.
func (reg *PackageRegistration) validate() *apierr.APIError {
	var details []apierr.Detail
	if !packageNameRE.MatchString(reg.Name) {
		details = append(details, apierr.Detail{Field: "name", Error: "must match ^[a-z][a-z0-9_-]*$"})
	}
	if !semver.Valid(reg.Version) {
		return apierr.New(apierr.CodeInvalidVersion, fmt.Sprintf("%q is not a valid semantic version", reg.Version)).
			WithDetails(apierr.Detail{Field: "version", Error: "must be a valid semver string"})
	}
	if reg.Game == "" {
		details = append(details, apierr.Detail{Field: "game", Error: "required"})
	}
	if len(reg.Authors) == 0 {
		details = append(details, apierr.Detail{Field: "authors", Error: "at least one author required"})
	}
	if reg.MinimumApVersion != "" && !semver.Valid(reg.MinimumApVersion) {
		details = append(details, apierr.Detail{Field: "minimum_ap_version", Error: "must be a valid semver string"})
	}
	if reg.MaximumApVersion != "" && !semver.Valid(reg.MaximumApVersion) {
		details = append(details, apierr.Detail{Field: "maximum_ap_version", Error: "must be a valid semver string"})
	}
	if len(reg.EntryPoints) == 0 {
		details = append(details, apierr.Detail{Field: "entry_points", Error: "at least one entry point required"})
	}
	if len(reg.Distributions) == 0 {
		details = append(details, apierr.Detail{Field: "distributions", Error: "at least one distribution required"})
	}
	for i := range reg.Distributions {
		d := &reg.Distributions[i]
		field := fmt.Sprintf("distributions[%d]", i)
		if d.Filename == "" {
			details = append(details, apierr.Detail{Field: field + ".filename", Error: "required"})
		}
		if !strings.HasPrefix(d.URL, "https://") {
			details = append(details, apierr.Detail{Field: field + ".url", Error: "must be an HTTPS URL", Value: d.URL})
		}
		d.SHA256 = strings.ToLower(d.SHA256)
		if !sha256HexRE.MatchString(d.SHA256) {
			details = append(details, apierr.Detail{Field: field + ".sha256", Error: "must be 64 lowercase hex characters"})
		}
		if d.Size <= 0 {
			details = append(details, apierr.Detail{Field: field + ".size", Error: "must be positive"})
		}
		if _, err := platform.Parse(d.PlatformTag); err != nil {
			details = append(details, apierr.Detail{Field: field + ".platform_tag", Error: "must be a py-abi-platform triple", Value: d.PlatformTag})
		}
	}
	if reg.SourceCommit != "" {
		reg.SourceCommit = strings.ToLower(reg.SourceCommit)
		if !commitSHARE.MatchString(reg.SourceCommit) {
			details = append(details, apierr.Detail{Field: "source_commit", Error: "must be a 40-character hex commit SHA"})
		}
	}
	if len(details) > 0 {
		return apierr.New(apierr.CodeInvalidManifest, "registration payload failed validation").WithDetails(details...)
	}
	return nil
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, apierr.New(apierr.CodeInvalidRequest, "method not allowed"))
		return
	}
	var reg PackageRegistration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		writeError(w, apierr.New(apierr.CodeInvalidRequest, "invalid json"))
		return
	}
	if apiErr := reg.validate(); apiErr != nil {
		writeError(w, apiErr)
		return
	}

	user, apiErr := h.authenticate(r)
	if apiErr != nil {
		writeError(w, apiErr)
		return
	}
	if user.AuthType == "api_token" && !user.HasScope("upload") {
		writeError(w, apierr.Forbidden("token lacks the upload scope"))
		return
	}

	ctx := r.Context()

	// If the package exists the caller must already be one of its
	// publishers; a fresh name is claimable by any authenticated subject.
	publishers, err := h.Store.FindPublishers(ctx, reg.Name)
	if err != nil {
		writeError(w, apierr.Internal(err))
		return
	}
	if len(publishers) > 0 {
		allowed := false
		for _, p := range publishers {
			if matchesPublisher(p, user) {
				allowed = true
				break
			}
		}
		if !allowed {
			writeError(w, apierr.Forbidden("caller is not a publisher of "+reg.Name))
			return
		}
	}

	// Version immutability: refuse before doing any network verification.
	if _, err := h.Store.GetVersion(ctx, reg.Name, reg.Version); err == nil {
		writeError(w, apierr.New(apierr.CodeVersionExists,
			fmt.Sprintf("version %s of %s is already registered", reg.Version, reg.Name)))
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		writeError(w, apierr.Internal(err))
		return
	}

	targets := make([]verifyTarget, 0, len(reg.Distributions))
	for _, d := range reg.Distributions {
		targets = append(targets, verifyTarget{Filename: d.Filename, URL: d.URL, SHA256: d.SHA256, Size: d.Size})
	}
	if apiErr := h.verifier().Verify(ctx, targets); apiErr != nil {
		writeError(w, apiErr)
		return
	}

	input, apiErr := buildRegisterInput(reg, user)
	if apiErr != nil {
		writeError(w, apiErr)
		return
	}
	if err := h.Store.Register(ctx, input); err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeError(w, apierr.New(apierr.CodeVersionExists,
				fmt.Sprintf("version %s of %s is already registered", reg.Version, reg.Name)))
			return
		}
		writeError(w, apierr.Internal(err))
		return
	}

	filenames := make([]string, 0, len(reg.Distributions))
	for _, d := range reg.Distributions {
		filenames = append(filenames, d.Filename)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"package_name":             reg.Name,
		"version":                  reg.Version,
		"registered_distributions": filenames,
		"registry_url":             h.Config.RegistryURL,
	})
}

// buildRegisterInput maps a validated registration payload onto the store's
// transactional input, parsing entry points by their rightmost colon and
// platform tags into their triple parts.
func buildRegisterInput(reg PackageRegistration, user auth.AuthenticatedUser) (store.RegisterInput, *apierr.APIError) {
	purePython := true
	dists := make([]store.Distribution, 0, len(reg.Distributions))
	for _, d := range reg.Distributions {
		tag, err := platform.Parse(d.PlatformTag)
		if err != nil {
			return store.RegisterInput{}, apierr.New(apierr.CodeInvalidManifest, err.Error())
		}
		if !tag.IsPurePython() {
			purePython = false
		}
		dists = append(dists, store.Distribution{
			PackageName: reg.Name,
			Version:     reg.Version,
			Filename:    d.Filename,
			URL:         d.URL,
			SHA256:      d.SHA256,
			SizeBytes:   d.Size,
			PythonTag:   tag.Python,
			ABITag:      tag.ABI,
			PlatformTag: tag.Platform,
		})
	}

	eps := make([]store.EntryPoint, 0, len(reg.EntryPoints))
	for name, target := range reg.EntryPoints {
		module, attr := target, ""
		if idx := strings.LastIndex(target, ":"); idx != -1 {
			module, attr = target[:idx], target[idx+1:]
		}
		eps = append(eps, store.EntryPoint{
			PackageName: reg.Name,
			Version:     reg.Version,
			Group:       "ap-island",
			Name:        name,
			Module:      module,
			Attr:        attr,
		})
	}

	// Publisher rows use the data model's "user"/"trusted_publisher" enum;
	// "user" covers API-token subjects.
	publisherType := "user"
	if user.AuthType == "trusted_publisher" {
		publisherType = "trusted_publisher"
	}

	return store.RegisterInput{
		Package: store.Package{
			Name:        reg.Name,
			DisplayName: reg.Game,
			Description: reg.Description,
			Homepage:    reg.Homepage,
			Repository:  reg.Repository,
			License:     reg.License,
		},
		Version: store.Version{
			PackageName:      reg.Name,
			Version:          reg.Version,
			Game:             reg.Game,
			MinimumApVersion: reg.MinimumApVersion,
			MaximumApVersion: reg.MaximumApVersion,
			PurePython:       purePython,
			SourceRepository: reg.SourceRepository,
			SourceCommit:     reg.SourceCommit,
		},
		Distributions:     dists,
		EntryPoints:       eps,
		Authors:           reg.Authors,
		Keywords:          reg.Keywords,
		PublisherID:       user.UserID,
		PublisherType:     publisherType,
		PublisherRepo:     user.GithubRepository,
		PublisherWorkflow: user.GithubWorkflow,
	}, nil
}
