package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/k8ika0s/island-registry/internal/apierr"
	"github.com/k8ika0s/island-registry/internal/platform"
	"github.com/k8ika0s/island-registry/internal/store"
)

// downloadNotFound surfaces every miss subcase as the same 404 so callers
// cannot distinguish registration state, while the audit log records the
// specific reason.
func (h *Handler) downloadNotFound(r *http.Request, name, version, reason string) *apierr.APIError {
	details, _ := json.Marshal(map[string]string{"version": version, "reason": reason, "path": r.URL.Path})
	_ = h.Store.RecordAudit(r.Context(), store.AuditLogEntry{
		PackageName: name,
		Action:      "download_miss",
		Details:     details,
	})
	return apierr.New(apierr.CodePackageNotFound, "not found")
}

func (h *Handler) downloadExact(w http.ResponseWriter, r *http.Request, name, version, filename string) {
	if r.Method != http.MethodGet {
		writeError(w, apierr.New(apierr.CodeInvalidRequest, "method not allowed"))
		return
	}
	d, err := h.Store.GetDistributionByFilename(r.Context(), name, version, filename)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, h.downloadNotFound(r, name, version, "file missing"))
		return
	}
	if err != nil {
		writeError(w, apierr.Internal(err))
		return
	}
	if d.URLStatus != store.URLStatusActive {
		writeError(w, h.downloadNotFound(r, name, version, "url marked unavailable"))
		return
	}
	h.redirect(w, r, d, false)
}

// downloadBestMatch picks the best distribution for an optional ?platform=
// tag: exact tag-string match first, then the most specific compatible one.
func (h *Handler) downloadBestMatch(w http.ResponseWriter, r *http.Request, name, version string) {
	if r.Method != http.MethodGet {
		writeError(w, apierr.New(apierr.CodeInvalidRequest, "method not allowed"))
		return
	}
	dists, err := h.Store.ListDistributions(r.Context(), name, version)
	if err != nil {
		writeError(w, apierr.Internal(err))
		return
	}
	var active []store.Distribution
	for _, d := range dists {
		if d.URLStatus == store.URLStatusActive {
			active = append(active, d)
		}
	}
	if len(active) == 0 {
		writeError(w, h.downloadNotFound(r, name, version, "no active distributions"))
		return
	}

	requested := r.URL.Query().Get("platform")
	var pick *store.Distribution
	if requested != "" {
		reqTag, err := platform.Parse(requested)
		if err != nil {
			writeError(w, apierr.New(apierr.CodeInvalidRequest, "platform must be a py-abi-platform triple"))
			return
		}
		for i := range active {
			if distTag(active[i]).String() == reqTag.String() {
				pick = &active[i]
				break
			}
		}
		if pick == nil {
			var compatible []store.Distribution
			for _, d := range active {
				if platform.Compatible(distTag(d), reqTag) {
					compatible = append(compatible, d)
				}
			}
			if len(compatible) == 0 {
				writeError(w, h.downloadNotFound(r, name, version, fmt.Sprintf("no distribution compatible with %s", requested)))
				return
			}
			pick = mostSpecific(compatible)
		}
	} else {
		pick = mostSpecific(active)
	}
	h.redirect(w, r, *pick, true)
}

func distTag(d store.Distribution) platform.Tag {
	return platform.Tag{Python: d.PythonTag, ABI: d.ABITag, Platform: d.PlatformTag}
}

// mostSpecific picks the distribution with the highest platform-tag
// specificity score, breaking ties by filename for a stable choice.
func mostSpecific(dists []store.Distribution) *store.Distribution {
	best := &dists[0]
	for i := 1; i < len(dists); i++ {
		d := &dists[i]
		bs, ds := distTag(*best).Specificity(), distTag(*d).Specificity()
		if ds > bs || (ds == bs && d.Filename < best.Filename) {
			best = d
		}
	}
	return best
}

// redirect answers 302 to the distribution's external URL with the stored
// checksum and size in headers; the registry itself never proxies bytes.
func (h *Handler) redirect(w http.ResponseWriter, r *http.Request, d store.Distribution, withFilename bool) {
	if err := h.Store.IncrementDownloads(r.Context(), d.PackageName); err != nil {
		log.Printf("api: counting download for %s: %v", d.PackageName, err)
	}
	w.Header().Set("X-Checksum-SHA256", d.SHA256)
	w.Header().Set("X-Expected-Size", strconv.FormatInt(d.SizeBytes, 10))
	if withFilename {
		w.Header().Set("X-Filename", d.Filename)
	}
	w.Header().Set("Location", d.URL)
	w.WriteHeader(http.StatusFound)
}
