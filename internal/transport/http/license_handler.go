package http

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "keygate/internal/errors"
	"keygate/internal/infrastructure"
	"keygate/internal/middleware"
	"keygate/internal/services"
)

// LicenseHandler exposes the activation engine over HTTP.
type LicenseHandler struct {
	service services.LicenseService
	logger  *slog.Logger
}

// NewLicenseHandler creates a new license handler
func NewLicenseHandler(service services.LicenseService, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "license")),
	}
}

// CreateLicenseRequest is the order-fulfillment payload.
type CreateLicenseRequest struct {
	OwnerID        string     `json:"owner_id" validate:"required"`
	ProductID      string     `json:"product_id" validate:"required"`
	OrderRef       *string    `json:"order_ref,omitempty"`
	MaxActivations *int       `json:"max_activations,omitempty" validate:"omitempty,min=0"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	GraceUntil     *time.Time `json:"grace_until,omitempty"`
}

// Bind implements the render.Binder interface
func (req *CreateLicenseRequest) Bind(r *http.Request) error {
	return validateRequest(req)
}

// ActivationRequest carries the key/domain pair for activate, validate
// and deactivate. Client IP and user agent come from the request itself.
type ActivationRequest struct {
	LicenseKey string `json:"license_key" validate:"required,licensekey"`
	Domain     string `json:"domain" validate:"required"`
}

// Bind implements the render.Binder interface
func (req *ActivationRequest) Bind(r *http.Request) error {
	return validateRequest(req)
}

// Routes returns a chi router for the license endpoints. Rate limiting
// is applied by the parent router so the handler stays policy-free.
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/activate", h.Activate)
	r.Post("/validate", h.Validate)
	r.Post("/deactivate", h.Deactivate)
	r.Get("/status", h.Status)
	return r
}

// Create handles POST /api/licenses. The response carries the plaintext
// key exactly once; it is never retrievable again.
func (h *LicenseHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer(infrastructure.TracerName)
	ctx, span := tracer.Start(ctx, "license_handler.create",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/licenses"),
		),
	)
	defer span.End()

	data := &CreateLicenseRequest{}
	if err := render.Bind(r, data); err != nil {
		span.RecordError(err)
		h.renderProblem(w, r, http.StatusBadRequest, "/errors/invalid-request",
			"Invalid Request", err.Error())
		return
	}

	created, err := h.service.CreateLicense(ctx, services.CreateLicenseParams{
		OwnerID:        data.OwnerID,
		ProductID:      data.ProductID,
		OrderRef:       data.OrderRef,
		MaxActivations: data.MaxActivations,
		ExpiresAt:      data.ExpiresAt,
		GraceUntil:     data.GraceUntil,
	})
	if err != nil {
		span.RecordError(err)
		h.handleServiceError(w, r, err)
		return
	}

	span.SetAttributes(attribute.String("license.id", created.ID))
	h.logger.InfoContext(ctx, "license issued",
		slog.String("license_id", created.ID),
		slog.String("product_id", data.ProductID))

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, created)
}

// Activate handles POST /api/license/activate. Business failures are
// results, not errors: the response is 200 with success=false and a
// coarse reason, so probing clients learn nothing beyond the outcome.
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer(infrastructure.TracerName)
	ctx, span := tracer.Start(ctx, "license_handler.activate",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/license/activate"),
		),
	)
	defer span.End()

	data := &ActivationRequest{}
	if err := render.Bind(r, data); err != nil {
		span.RecordError(err)
		h.renderProblem(w, r, http.StatusBadRequest, "/errors/invalid-request",
			"Invalid Request", err.Error())
		return
	}

	result, err := h.service.Activate(ctx, data.LicenseKey, data.Domain,
		middleware.ClientIP(r), r.UserAgent())
	if err != nil {
		span.RecordError(err)
		h.handleServiceError(w, r, err)
		return
	}

	span.SetAttributes(
		attribute.Bool("activation.success", result.Success),
		attribute.String("activation.reason", result.Reason),
	)
	render.JSON(w, r, result)
}

// Validate handles POST /api/license/validate, the periodic heartbeat.
func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer(infrastructure.TracerName)
	ctx, span := tracer.Start(ctx, "license_handler.validate",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/license/validate"),
		),
	)
	defer span.End()

	data := &ActivationRequest{}
	if err := render.Bind(r, data); err != nil {
		span.RecordError(err)
		h.renderProblem(w, r, http.StatusBadRequest, "/errors/invalid-request",
			"Invalid Request", err.Error())
		return
	}

	result, err := h.service.ValidateHeartbeat(ctx, data.LicenseKey, data.Domain,
		middleware.ClientIP(r))
	if err != nil {
		span.RecordError(err)
		h.handleServiceError(w, r, err)
		return
	}

	span.SetAttributes(
		attribute.Bool("validation.success", result.Success),
		attribute.String("validation.reason", result.Reason),
	)
	render.JSON(w, r, result)
}

// Deactivate handles POST /api/license/deactivate.
func (h *LicenseHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer(infrastructure.TracerName)
	ctx, span := tracer.Start(ctx, "license_handler.deactivate",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/license/deactivate"),
		),
	)
	defer span.End()

	data := &ActivationRequest{}
	if err := render.Bind(r, data); err != nil {
		span.RecordError(err)
		h.renderProblem(w, r, http.StatusBadRequest, "/errors/invalid-request",
			"Invalid Request", err.Error())
		return
	}

	result, err := h.service.Deactivate(ctx, data.LicenseKey, data.Domain)
	if err != nil {
		span.RecordError(err)
		h.handleServiceError(w, r, err)
		return
	}

	span.SetAttributes(attribute.Bool("deactivation.success", result.Success))
	render.JSON(w, r, result)
}

// Status handles GET /api/license/status?key=... for operators.
func (h *LicenseHandler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer(infrastructure.TracerName)
	ctx, span := tracer.Start(ctx, "license_handler.status",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/license/status"),
		),
	)
	defer span.End()

	key := r.URL.Query().Get("key")
	if key == "" {
		h.renderProblem(w, r, http.StatusBadRequest, "/errors/invalid-request",
			"Invalid Request", "key query parameter is required")
		return
	}

	report, err := h.service.Status(ctx, key)
	if err != nil {
		span.RecordError(err)
		h.handleServiceError(w, r, err)
		return
	}

	span.SetAttributes(attribute.String("license.status", string(report.Status)))
	render.JSON(w, r, report)
}

// handleServiceError maps engine errors onto the RFC 7807 taxonomy.
func (h *LicenseHandler) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()

	switch {
	case errors.Is(err, apperrors.ErrKeyNotFound):
		h.renderProblem(w, r, http.StatusNotFound, "/errors/not-found",
			"Not Found", "No license matches the supplied key")
	case errors.Is(err, apperrors.ErrInvalidDomain):
		h.renderProblem(w, r, http.StatusBadRequest, "/errors/invalid-domain",
			"Invalid Domain", "The supplied domain could not be normalized")
	case errors.Is(err, apperrors.ErrKeySpaceExhausted):
		h.logger.ErrorContext(ctx, "key generation exhausted retries",
			slog.String("error", err.Error()))
		h.renderProblem(w, r, http.StatusInternalServerError, "/errors/internal-server-error",
			"Internal Server Error", "License key generation failed")
	case errors.Is(err, apperrors.ErrTransientStorage):
		h.logger.ErrorContext(ctx, "storage unavailable",
			slog.String("error", err.Error()))
		h.renderProblem(w, r, http.StatusServiceUnavailable, "/errors/storage-unavailable",
			"Storage Unavailable", "The license store is temporarily unreachable")
	case errors.Is(err, apperrors.ErrInvalidParams):
		h.renderProblem(w, r, http.StatusBadRequest, "/errors/validation-failed",
			"Validation Failed", err.Error())
	default:
		h.logger.ErrorContext(ctx, "unhandled service error",
			slog.String("error", err.Error()))
		h.renderProblem(w, r, http.StatusInternalServerError, "/errors/internal-server-error",
			"Internal Server Error", "An unexpected error occurred")
	}
}

func (h *LicenseHandler) renderProblem(w http.ResponseWriter, r *http.Request, status int, problemType, title, detail string) {
	problem := apperrors.NewProblemDetails(status, problemType, title, detail, r.URL.Path).
		WithExtension("trace_id", middleware.GetRequestID(r.Context()))
	render.Render(w, r, problem)
}
