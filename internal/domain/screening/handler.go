package screening

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/labflag/labflag/internal/platform/upload"
	"github.com/labflag/labflag/pkg/pagination"
)

// UploadField is the multipart form field carrying the ORU file.
const UploadField = "file"

type Handler struct {
	svc  *Service
	repo MetricRepository
}

func NewHandler(svc *Service, repo MetricRepository) *Handler {
	return &Handler{svc: svc, repo: repo}
}

// RegisterRoutes registers the screening endpoints on the provided group.
//
//	POST /api/v1/upload       - Screen an uploaded ORU file
//	GET  /api/v1/metrics      - List reference-range definitions
//	GET  /api/v1/metrics/:id  - Get one definition
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/upload", h.Upload)
	g.GET("/metrics", h.ListMetrics)
	g.GET("/metrics/:id", h.GetMetric)
}

func errorJSON(c echo.Context, status int, msg string) error {
	return c.JSON(status, map[string]string{"error": msg})
}

// Upload handles POST /api/v1/upload.
func (h *Handler) Upload(c echo.Context) error {
	form, err := c.MultipartForm()
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return errorJSON(c, http.StatusBadRequest, "No file uploaded")
	}
	defer form.RemoveAll()

	files := form.File[UploadField]
	if len(files) == 0 {
		return errorJSON(c, http.StatusBadRequest, "No file uploaded")
	}

	text, err := upload.ReadMultipartFile(files[0], 0)
	if err != nil {
		if errors.Is(err, upload.ErrNotUTF8) {
			return errorJSON(c, http.StatusBadRequest, "File is not valid UTF-8 text")
		}
		return errorJSON(c, http.StatusInternalServerError, "Failed to process file upload")
	}

	ctx := c.Request().Context()
	report, err := h.svc.Screen(ctx, text)
	if err != nil {
		// Leave the response to RequestTimeout.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		var le *LookupError
		if errors.As(err, &le) {
			return errorJSON(c, http.StatusBadGateway, "reference range lookup failed")
		}
		return errorJSON(c, http.StatusInternalServerError, "Failed to process file upload")
	}
	return c.JSON(http.StatusOK, report)
}

func (h *Handler) ListMetrics(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.repo.List(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetMetric(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	m, err := h.repo.GetByID(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrMetricNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "metric not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, m)
}
