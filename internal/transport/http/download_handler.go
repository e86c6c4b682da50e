package http

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "keygate/internal/errors"
	"keygate/internal/infrastructure"
	"keygate/internal/license"
	"keygate/internal/middleware"
	"keygate/internal/security"
	"keygate/internal/store"
)

// DownloadHandler issues and verifies signed download URLs. Tokens are
// stateless capabilities; only issuance consults the license store.
type DownloadHandler struct {
	tokens         *security.TokenService
	licenses       store.LicenseStore
	releaseBaseURL string
	logger         *slog.Logger
	now            func() time.Time
}

// NewDownloadHandler creates a new download handler. releaseBaseURL may
// be empty; verified requests then receive a JSON receipt instead of a
// redirect.
func NewDownloadHandler(tokens *security.TokenService, licenses store.LicenseStore, releaseBaseURL string, logger *slog.Logger) *DownloadHandler {
	return &DownloadHandler{
		tokens:         tokens,
		licenses:       licenses,
		releaseBaseURL: releaseBaseURL,
		logger:         logger.With(slog.String("handler", "download")),
		now:            time.Now,
	}
}

// TokenRequest asks for a signed URL for one release.
type TokenRequest struct {
	LicenseID string `json:"license_id" validate:"required"`
	ReleaseID string `json:"release_id" validate:"required"`
}

// Bind implements the render.Binder interface
func (req *TokenRequest) Bind(r *http.Request) error {
	return validateRequest(req)
}

// IssueToken handles POST /api/downloads/token. Only a currently usable
// license earns a download capability.
func (h *DownloadHandler) IssueToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer(infrastructure.TracerName)
	ctx, span := tracer.Start(ctx, "download_handler.issue_token",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/downloads/token"),
		),
	)
	defer span.End()

	data := &TokenRequest{}
	if err := render.Bind(r, data); err != nil {
		span.RecordError(err)
		h.renderProblem(w, r, http.StatusBadRequest, "/errors/invalid-request",
			"Invalid Request", err.Error())
		return
	}

	lic, err := h.licenses.LicenseByID(ctx, data.LicenseID)
	if errors.Is(err, store.ErrNotFound) {
		h.renderProblem(w, r, http.StatusNotFound, "/errors/not-found",
			"Not Found", "No license matches the supplied id")
		return
	}
	if err != nil {
		span.RecordError(err)
		h.logger.ErrorContext(ctx, "license lookup failed",
			slog.String("error", err.Error()))
		h.renderProblem(w, r, http.StatusServiceUnavailable, "/errors/storage-unavailable",
			"Storage Unavailable", "The license store is temporarily unreachable")
		return
	}

	state := license.EffectiveStatus(lic, h.now().UTC())
	if !state.Usable() {
		span.SetAttributes(attribute.String("license.status", string(state)))
		h.logger.WarnContext(ctx, "download token refused",
			slog.String("license_id", lic.ID),
			slog.String("status", string(state)))
		h.renderProblem(w, r, http.StatusForbidden, "/errors/license-not-usable",
			"License Not Usable", "Downloads require an active or grace-period license")
		return
	}

	token := h.tokens.Issue(lic.ID, data.ReleaseID)
	downloadTokensIssued.Inc()
	span.SetAttributes(
		attribute.String("license.id", lic.ID),
		attribute.String("release.id", data.ReleaseID),
	)
	h.logger.InfoContext(ctx, "download token issued",
		slog.String("license_id", lic.ID),
		slog.String("release_id", data.ReleaseID),
		slog.Time("expires_at", token.ExpiresAt))

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, token)
}

// Serve handles GET /api/downloads/{releaseID}. The signature gates the
// request; expired or tampered URLs fail closed with 403.
func (h *DownloadHandler) Serve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer(infrastructure.TracerName)
	ctx, span := tracer.Start(ctx, "download_handler.serve",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/downloads/{releaseID}"),
		),
	)
	defer span.End()

	releaseID := chi.URLParam(r, "releaseID")
	q := r.URL.Query()
	licenseID := q.Get("license_id")
	signature := q.Get("signature")
	expires, err := strconv.ParseInt(q.Get("expires"), 10, 64)
	if releaseID == "" || licenseID == "" || signature == "" || err != nil {
		h.renderProblem(w, r, http.StatusBadRequest, "/errors/invalid-request",
			"Invalid Request", "license_id, expires and signature query parameters are required")
		return
	}

	if !h.tokens.Verify(licenseID, releaseID, expires, signature) {
		downloadVerifications.WithLabelValues("rejected").Inc()
		span.SetAttributes(attribute.Bool("token.valid", false))
		h.logger.WarnContext(ctx, "download token rejected",
			slog.String("release_id", releaseID),
			slog.String("remote_addr", r.RemoteAddr))
		h.renderProblem(w, r, http.StatusForbidden, "/errors/signature-invalid",
			"Signature Invalid", "The download URL is expired or has been tampered with")
		return
	}

	downloadVerifications.WithLabelValues("success").Inc()
	span.SetAttributes(
		attribute.Bool("token.valid", true),
		attribute.String("release.id", releaseID),
	)
	h.logger.InfoContext(ctx, "download authorized",
		slog.String("license_id", licenseID),
		slog.String("release_id", releaseID))

	if h.releaseBaseURL != "" {
		http.Redirect(w, r, h.releaseBaseURL+"/"+releaseID, http.StatusFound)
		return
	}

	render.JSON(w, r, map[string]any{
		"release_id": releaseID,
		"license_id": licenseID,
		"authorized": true,
	})
}

func (h *DownloadHandler) renderProblem(w http.ResponseWriter, r *http.Request, status int, problemType, title, detail string) {
	problem := apperrors.NewProblemDetails(status, problemType, title, detail, r.URL.Path).
		WithExtension("trace_id", middleware.GetRequestID(r.Context()))
	render.Render(w, r, problem)
}
