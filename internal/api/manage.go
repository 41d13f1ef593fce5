package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/k8ika0s/island-registry/internal/apierr"
	"github.com/k8ika0s/island-registry/internal/store"
)

// yank soft-deprecates a version: it stays downloadable but drops out of
// latest_version and default version listings.
func (h *Handler) yank(w http.ResponseWriter, r *http.Request, name, version string) {
	if r.Method != http.MethodDelete {
		writeError(w, apierr.New(apierr.CodeInvalidRequest, "method not allowed"))
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
	if apiErr := h.requireOwner(r.Context(), name, user); apiErr != nil {
		writeError(w, apiErr)
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	err := h.Store.YankVersion(r.Context(), name, version, body.Reason)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, apierr.New(apierr.CodeVersionNotFound, "version "+version+" of "+name+" not found"))
		return
	}
	if err != nil {
		writeError(w, apierr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "version " + version + " of " + name + " yanked",
	})
}

func (h *Handler) listCollaborators(w http.ResponseWriter, r *http.Request, name string) {
	if _, err := h.Store.GetPackage(r.Context(), name); errors.Is(err, store.ErrNotFound) {
		writeError(w, apierr.New(apierr.CodePackageNotFound, "package "+name+" not found"))
		return
	} else if err != nil {
		writeError(w, apierr.Internal(err))
		return
	}
	publishers, err := h.Store.FindPublishers(r.Context(), name)
	if err != nil {
		writeError(w, apierr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"package":       name,
		"collaborators": publishers,
	})
}

func (h *Handler) addCollaborator(w http.ResponseWriter, r *http.Request, name string) {
	user, apiErr := h.authenticate(r)
	if apiErr != nil {
		writeError(w, apiErr)
		return
	}
	if apiErr := h.requireOwner(r.Context(), name, user); apiErr != nil {
		writeError(w, apiErr)
		return
	}

	var body struct {
		UserID         string `json:"user_id"`
		PublisherType  string `json:"publisher_type"`
		GithubRepo     string `json:"github_repository,omitempty"`
		GithubWorkflow string `json:"github_workflow,omitempty"`
		IsOwner        bool   `json:"is_owner,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apierr.New(apierr.CodeInvalidRequest, "invalid json"))
		return
	}
	if body.PublisherType == "" {
		body.PublisherType = "user"
	}
	if body.PublisherType != "trusted_publisher" && body.UserID == "" {
		writeError(w, apierr.New(apierr.CodeInvalidRequest, "user_id required"))
		return
	}
	if body.PublisherType == "trusted_publisher" && body.GithubRepo == "" {
		writeError(w, apierr.New(apierr.CodeInvalidRequest, "github_repository required for trusted publishers"))
		return
	}

	err := h.Store.AddPublisher(r.Context(), store.Publisher{
		PackageName:    name,
		PublisherID:    body.UserID,
		PublisherType:  body.PublisherType,
		GithubRepo:     body.GithubRepo,
		GithubWorkflow: body.GithubWorkflow,
		IsOwner:        body.IsOwner,
	})
	if err != nil {
		writeError(w, apierr.Internal(err))
		return
	}
	details, _ := json.Marshal(map[string]string{"user_id": body.UserID, "publisher_type": body.PublisherType})
	_ = h.Store.RecordAudit(r.Context(), store.AuditLogEntry{
		PackageName: name,
		Action:      "add_collaborator",
		ActorID:     user.UserID,
		Details:     details,
	})
	writeJSON(w, http.StatusOK, map[string]string{"message": "collaborator added to " + name})
}

func (h *Handler) removeCollaborator(w http.ResponseWriter, r *http.Request, name, publisherID string) {
	user, apiErr := h.authenticate(r)
	if apiErr != nil {
		writeError(w, apiErr)
		return
	}
	if apiErr := h.requireOwner(r.Context(), name, user); apiErr != nil {
		writeError(w, apiErr)
		return
	}

	publishers, err := h.Store.FindPublishers(r.Context(), name)
	if err != nil {
		writeError(w, apierr.Internal(err))
		return
	}
	owners := 0
	targetIsOwner := false
	found := false
	for _, p := range publishers {
		if p.IsOwner {
			owners++
		}
		if p.PublisherID == publisherID {
			found = true
			targetIsOwner = p.IsOwner
		}
	}
	if !found {
		writeError(w, apierr.New(apierr.CodePackageNotFound, "collaborator not found"))
		return
	}
	// A package must always keep at least one owner.
	if targetIsOwner && owners <= 1 {
		writeError(w, apierr.Forbidden("cannot remove the last owner of "+name))
		return
	}

	if err := h.Store.RemovePublisher(r.Context(), name, publisherID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, apierr.New(apierr.CodePackageNotFound, "collaborator not found"))
			return
		}
		writeError(w, apierr.Internal(err))
		return
	}
	details, _ := json.Marshal(map[string]string{"user_id": publisherID})
	_ = h.Store.RecordAudit(r.Context(), store.AuditLogEntry{
		PackageName: name,
		Action:      "remove_collaborator",
		ActorID:     user.UserID,
		Details:     details,
	})
	writeJSON(w, http.StatusOK, map[string]string{"message": "collaborator removed from " + name})
}
