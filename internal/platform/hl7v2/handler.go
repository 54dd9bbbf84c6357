package hl7v2

import (
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Handler exposes the batch parser over HTTP without any range lookups.
type Handler struct {
	now func() time.Time
}

// NewHandler creates a new HL7v2 handler using the wall clock for ages.
func NewHandler() *Handler {
	return &Handler{now: time.Now}
}

// RegisterRoutes registers HL7v2 endpoints on the provided route group.
//
//	POST /api/v1/hl7v2/parse - Parse an ORU batch to patient contexts and observations
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/hl7v2/parse", h.ParseBatch)
}

// groupJSON is the JSON representation of one tokenized message.
type groupJSON struct {
	ControlID    string         `json:"control_id"`
	Segments     int            `json:"segments"`
	Patient      PatientContext `json:"patient"`
	Observations []Observation  `json:"observations"`
}

// ParseBatch handles POST /api/v1/hl7v2/parse. It reads a raw ORU batch
// from the request body and returns what the extractors see in each message.
func (h *Handler) ParseBatch(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "failed to read request body",
		})
	}

	now := h.now()
	groups := Tokenize(string(body))
	out := make([]groupJSON, 0, len(groups))
	for _, g := range groups {
		obs := ExtractObservations(g)
		if obs == nil {
			obs = []Observation{}
		}
		out = append(out, groupJSON{
			ControlID:    g.ControlID(),
			Segments:     len(g.Segments()),
			Patient:      ExtractContext(g, now),
			Observations: obs,
		})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"messages": out,
	})
}
