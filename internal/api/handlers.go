package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/expensio/expensio/internal/blob"
	"github.com/expensio/expensio/internal/errors"
	"github.com/expensio/expensio/internal/geometry"
	"github.com/expensio/expensio/internal/imaging"
	"github.com/expensio/expensio/internal/ledger"
	"github.com/expensio/expensio/internal/signature"
)

// respondError maps application error codes onto HTTP statuses.
func (s *Server) respondError(c *fiber.Ctx, err error) error {
	code := errors.GetCode(err)
	status := 500
	switch code {
	case errors.ErrEntryNotFound.Code, errors.ErrNotFound.Code:
		status = 404
	case errors.ErrCaptureBusy.Code, errors.ErrCaptureStale.Code:
		status = 409
	case errors.ErrEmptyLedger.Code, errors.ErrNoSignature.Code:
		status = 422
	case errors.ErrRecognitionFailed.Code:
		status = 502
	case errors.ErrRecognitionUnavailable.Code:
		status = 503
	case errors.ErrStreamNotReady.Code, errors.ErrBadRequest.Code, errors.ErrConfigInvalid.Code:
		status = 400
	case errors.ErrUnauthorized.Code:
		status = 401
	}

	if status == 500 {
		s.logger.Error("Request failed", zap.String("path", c.Path()), zap.Error(err))
	}

	msg := err.Error()
	if appErr, ok := err.(*errors.AppError); ok {
		msg = appErr.Message
	}
	return c.Status(status).JSON(fiber.Map{"error": msg, "code": code})
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "healthy",
		"version":   "0.1.0",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleLogin(c *fiber.Ctx) error {
	var req struct {
		Password string `json:"password"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request"})
	}

	if s.config.Security.AdminPassword == "" || req.Password != s.config.Security.AdminPassword {
		return c.Status(401).JSON(fiber.Map{"error": "invalid credentials"})
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "admin",
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(7 * 24 * time.Hour).Unix(),
	})
	tokenString, err := token.SignedString([]byte(s.config.Security.JWTSecret))
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "failed to generate token"})
	}

	return c.JSON(fiber.Map{"token": tokenString})
}

// uploadedFrame adapts one posted video frame to the capture pipeline.
type uploadedFrame struct {
	img image.Image
}

func (u *uploadedFrame) Frame() (image.Image, error) {
	if u.img == nil {
		return nil, errors.ErrStreamNotReady
	}
	return u.img, nil
}

func (s *Server) handleCapture(c *fiber.Ctx) error {
	file, err := c.FormFile("frame")
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "missing frame upload"})
	}

	f, err := file.Open()
	if err != nil {
		return s.respondError(c, errors.Wrap(err, errors.ErrBadRequest.Code, "failed to read frame"))
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return s.respondError(c, errors.Wrap(err, errors.ErrStreamNotReady.Code, "frame is not a decodable image"))
	}

	var guide geometry.GuideRect
	if err := json.Unmarshal([]byte(c.FormValue("guide")), &guide); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid guide rectangle"})
	}

	viewportW := parseFloat(c.FormValue("viewport_w"))
	viewportH := parseFloat(c.FormValue("viewport_h"))

	still, err := s.capture.Capture(c.Context(), &uploadedFrame{img: img}, viewportW, viewportH, guide)
	if err != nil {
		return s.respondError(c, err)
	}

	c.Set("Content-Type", "image/jpeg")
	c.Set("X-Capture-Width", fmt.Sprintf("%d", still.Width))
	c.Set("X-Capture-Height", fmt.Sprintf("%d", still.Height))
	return c.Send(still.JPEG)
}

func (s *Server) handleRecognize(c *fiber.Ctx) error {
	file, err := c.FormFile("document")
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "missing document upload"})
	}

	f, err := file.Open()
	if err != nil {
		return s.respondError(c, errors.Wrap(err, errors.ErrBadRequest.Code, "failed to read document"))
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return s.respondError(c, errors.Wrap(err, errors.ErrBadRequest.Code, "failed to read document"))
	}

	normalized, mime, err := imaging.Normalize(data, file.Header.Get("Content-Type"))
	if err != nil {
		return s.respondError(c, err)
	}

	draft, err := s.recognizer.Extract(c.Context(), normalized, mime)
	if err != nil {
		return s.respondError(c, err)
	}

	return c.JSON(draft)
}

func (s *Server) handleListEntries(c *fiber.Ctx) error {
	entries := s.ledger.Entries()
	total, byCategory := s.ledger.Totals()
	return c.JSON(fiber.Map{
		"entries":     entries,
		"total":       total,
		"by_category": byCategory,
	})
}

func (s *Server) handleCreateEntry(c *fiber.Ctx) error {
	var entry ledger.Entry
	var receipt *blob.Payload

	if raw := c.FormValue("entry"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "invalid entry payload"})
		}
		payload, err := s.formReceipt(c)
		if err != nil {
			return s.respondError(c, err)
		}
		receipt = payload
	} else if err := c.BodyParser(&entry); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid entry payload"})
	}

	// The store mints the ID; a draft ID from recognition is display-only.
	created, err := s.ledger.Add(entry, receipt)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.Status(201).JSON(created)
}

// formReceipt extracts the optional receipt file from a multipart request.
func (s *Server) formReceipt(c *fiber.Ctx) (*blob.Payload, error) {
	file, err := c.FormFile("receipt")
	if err != nil {
		return nil, nil
	}
	f, err := file.Open()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrBadRequest.Code, "failed to read receipt")
	}
	defer f.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, f); err != nil {
		return nil, errors.Wrap(err, errors.ErrBadRequest.Code, "failed to read receipt")
	}
	return &blob.Payload{Data: buf.Bytes(), ContentType: file.Header.Get("Content-Type")}, nil
}

func (s *Server) handleUpdateEntry(c *fiber.Ctx) error {
	var patch ledger.Patch
	var receipt *blob.Payload

	if raw := c.FormValue("entry"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &patch); err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "invalid patch payload"})
		}
		payload, err := s.formReceipt(c)
		if err != nil {
			return s.respondError(c, err)
		}
		receipt = payload
	} else if err := c.BodyParser(&patch); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid patch payload"})
	}

	updated, err := s.ledger.Update(c.Params("id"), patch, receipt)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(updated)
}

func (s *Server) handleDeleteEntry(c *fiber.Ctx) error {
	if err := s.ledger.Delete(c.Params("id")); err != nil {
		return s.respondError(c, err)
	}
	return c.SendStatus(204)
}

func (s *Server) handleSortEntries(c *fiber.Ctx) error {
	if err := s.ledger.SortByDate(); err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(s.ledger.Entries())
}

func (s *Server) handleGetReceipt(c *fiber.Ctx) error {
	entry, err := s.ledger.Get(c.Params("id"))
	if err != nil {
		return s.respondError(c, err)
	}
	if entry.ReceiptRef == "" {
		return c.Status(404).JSON(fiber.Map{"error": "entry has no receipt"})
	}

	payload, ok, err := s.blobs.Get(entry.ReceiptRef)
	if err != nil {
		return s.respondError(c, err)
	}
	if !ok {
		return c.Status(404).JSON(fiber.Map{"error": "receipt blob missing"})
	}

	c.Set("Content-Type", payload.ContentType)
	return c.Send(payload.Data)
}

func (s *Server) handleGetMetadata(c *fiber.Ctx) error {
	return c.JSON(s.ledger.Metadata())
}

func (s *Server) handlePutMetadata(c *fiber.Ctx) error {
	var meta ledger.Metadata
	if err := c.BodyParser(&meta); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid metadata payload"})
	}

	// The signature is managed through its own endpoint; a metadata update
	// never clears it.
	if meta.SignatureRef == "" {
		meta.SignatureRef = s.ledger.Metadata().SignatureRef
	}

	if err := s.ledger.SetMetadata(meta); err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(s.ledger.Metadata())
}

const signatureKey = "signature/current"

func (s *Server) handleSignature(c *fiber.Ctx) error {
	var req struct {
		Width       int                 `json:"width"`
		Height      int                 `json:"height"`
		StrokeWidth float64             `json:"stroke_width"`
		Strokes     [][]signature.Point `json:"strokes"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid signature payload"})
	}
	if req.Width <= 0 || req.Height <= 0 {
		return c.Status(400).JSON(fiber.Map{"error": "invalid signature dimensions"})
	}

	pad := signature.NewPad(req.Width, req.Height, req.StrokeWidth)
	for _, stroke := range req.Strokes {
		pad.AddStroke(stroke)
	}
	if pad.Empty() {
		return c.Status(400).JSON(fiber.Map{"error": "signature has no strokes"})
	}

	data, err := pad.Flatten()
	if err != nil {
		return s.respondError(c, err)
	}

	if err := s.blobs.Put(signatureKey, blob.Payload{Data: data, ContentType: "image/png"}); err != nil {
		return s.respondError(c, err)
	}
	if err := s.ledger.SetSignatureRef(signatureKey); err != nil {
		return s.respondError(c, err)
	}

	return c.JSON(fiber.Map{"signature_ref": signatureKey})
}

func (s *Server) handleReport(c *fiber.Ctx) error {
	doc, err := s.assembler.Assemble(s.ledger.Entries(), s.ledger.Metadata(), s.config.ReportIdentity())
	if err != nil {
		return s.respondError(c, err)
	}

	c.Set("Content-Type", "application/pdf")
	c.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", doc.Filename))
	return c.Send(doc.Bytes)
}

func (s *Server) handleClearLedger(c *fiber.Ctx) error {
	if err := s.ledger.ClearAll(); err != nil {
		return s.respondError(c, err)
	}
	return c.SendStatus(204)
}

func parseFloat(s string) float64 {
	var v float64
	fmt.Sscanf(s, "%g", &v)
	return v
}
