package hl7v2

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Handler provides HTTP endpoints for inspecting HL7v2 messages outside the
// MLLP path.
type Handler struct {
	acks *AckBuilder
}

// NewHandler creates a new HL7v2 handler. acks builds the replies returned by
// the ack endpoint.
func NewHandler(acks *AckBuilder) *Handler {
	if acks == nil {
		acks = NewAckBuilder("", "", "")
	}
	return &Handler{acks: acks}
}

// RegisterRoutes registers HL7v2 endpoints on the provided route group.
//
//	POST /api/v1/hl7v2/parse  - Parse HL7v2 message to JSON
//	POST /api/v1/hl7v2/view   - Typed ADT/ORU/RDE view as JSON
//	POST /api/v1/hl7v2/ack    - Acknowledgment the gateway would send
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/hl7v2/parse", h.ParseMessage)
	g.POST("/hl7v2/view", h.ViewMessage)
	g.POST("/hl7v2/ack", h.AckMessage)
}

// segmentJSON is the JSON representation of a parsed segment.
type segmentJSON struct {
	Name   string      `json:"name"`
	Fields []fieldJSON `json:"fields"`
}

// fieldJSON is the JSON representation of a parsed field. Value is the field
// as encoded; Repeats holds the decoded components of each repetition.
type fieldJSON struct {
	Value   string     `json:"value"`
	Repeats [][]string `json:"repeats,omitempty"`
}

// ParseMessage handles POST /api/v1/hl7v2/parse.
// It reads raw HL7v2 from the request body and returns parsed JSON.
func (h *Handler) ParseMessage(c echo.Context) error {
	body, err := readBody(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	msg, err := Parse(body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "failed to parse HL7v2 message: " + err.Error(),
		})
	}

	segments := make([]segmentJSON, len(msg.Segments))
	for i := range msg.Segments {
		seg := &msg.Segments[i]
		fields := make([]fieldJSON, len(seg.Fields))
		for j := range seg.Fields {
			n := j + 1
			f := fieldJSON{Value: seg.Raw(n)}
			if !(seg.Name == "MSH" && n <= 2) {
				for r, rep := range seg.Fields[j].Repetitions {
					comps := make([]string, len(rep.Components))
					for k := range rep.Components {
						comps[k] = seg.Value(n, r+1, k+1, 1)
					}
					f.Repeats = append(f.Repeats, comps)
				}
			}
			fields[j] = f
		}
		segments[i] = segmentJSON{Name: seg.Name, Fields: fields}
	}

	result := map[string]interface{}{
		"type":         msg.MessageType(),
		"controlId":    msg.ControlID(),
		"version":      msg.Version(),
		"sendingApp":   msg.SendingApp(),
		"sendingFac":   msg.SendingFacility(),
		"receivingApp": msg.ReceivingApp(),
		"receivingFac": msg.ReceivingFacility(),
		"delimiters":   string(msg.Delimiters.Field) + msg.Delimiters.String(),
		"segments":     segments,
	}
	if ts, err := msg.Timestamp(); err == nil {
		result["timestamp"] = ts.Format("2006-01-02T15:04:05Z07:00")
	}

	return c.JSON(http.StatusOK, result)
}

// ViewMessage handles POST /api/v1/hl7v2/view.
// It returns the ADT, ORU or RDE view of the message in the request body.
func (h *Handler) ViewMessage(c echo.Context) error {
	body, err := readBody(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	msg, err := Parse(body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "failed to parse HL7v2 message: " + err.Error(),
		})
	}

	view, err := View(msg)
	if err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, ErrWrongMessageType) {
			status = http.StatusUnsupportedMediaType
		}
		return c.JSON(status, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"family": msg.MessageCode(),
		"view":   view,
	})
}

// AckMessage handles POST /api/v1/hl7v2/ack?code=AA|AE|AR&text=...
// It returns the acknowledgment as text/plain with CR segment terminators.
// Unparseable bodies get the same best-effort NAK the MLLP server sends.
func (h *Handler) AckMessage(c echo.Context) error {
	body, err := readBody(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	code := AckCode(c.QueryParam("code"))
	if code == "" {
		code = AckAccept
	}
	if !code.Valid() {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "code must be one of AA, AE, AR",
		})
	}
	text := c.QueryParam("text")

	msg, err := Parse(body)
	if err != nil {
		if text == "" {
			text = err.Error()
		}
		if code == AckAccept {
			code = AckReject
		}
		return c.Blob(http.StatusOK, "text/plain", h.acks.Nak(body, code, text).Bytes())
	}

	ack, err := h.acks.Ack(msg, code, text)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.Blob(http.StatusOK, "text/plain", ack.Bytes())
}

func readBody(c echo.Context) ([]byte, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, errors.New("failed to read request body")
	}
	if len(body) == 0 {
		return nil, errors.New("request body is empty")
	}
	return body, nil
}
