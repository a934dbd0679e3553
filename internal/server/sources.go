package server

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/draw"
	"net/http"
	"strings"

	_ "image/jpeg"
	_ "image/png"

	"pulsecast/internal/compositor"
	"pulsecast/internal/media"
)

const defaultSourceDimension = 64

type registerSourceRequest struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Color  string `json:"color,omitempty"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
	Data   string `json:"data,omitempty"`
}

// Sources handles the source collection. POST registers a server-built
// renderable (a solid color fill or an uploaded still image) under an id
// that scene compositions can reference.
func (h *Handler) Sources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	var req registerSourceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("source id is required"))
		return
	}

	element, err := buildRenderable(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	h.Controller.RegisterSource(id, element)
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// SourceByID removes a registered source. Scenes still referencing the id
// fall back to the compositor's placeholder fill.
func (h *Handler) SourceByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/sources/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, fmt.Errorf("source not found"))
		return
	}
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	h.Controller.RegisterSource(id, nil)
	w.WriteHeader(http.StatusNoContent)
}

func buildRenderable(req registerSourceRequest) (media.Renderable, error) {
	switch strings.ToLower(strings.TrimSpace(req.Kind)) {
	case "color":
		fill, err := compositor.ParseHexColor(req.Color)
		if err != nil {
			return nil, err
		}
		width, height := req.Width, req.Height
		if width <= 0 {
			width = defaultSourceDimension
		}
		if height <= 0 {
			height = defaultSourceDimension
		}
		img := image.NewNRGBA(image.Rect(0, 0, width, height))
		draw.Draw(img, img.Bounds(), image.NewUniform(fill), image.Point{}, draw.Src)
		return media.NewStillImage(img), nil
	case "image":
		if strings.TrimSpace(req.Data) == "" {
			return nil, fmt.Errorf("image source requires base64 data")
		}
		raw, err := base64.StdEncoding.DecodeString(req.Data)
		if err != nil {
			return nil, fmt.Errorf("decode source data: %w", err)
		}
		img, _, err := image.Decode(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("decode source image: %w", err)
		}
		return media.NewStillImage(img), nil
	default:
		return nil, fmt.Errorf("unsupported source kind %q", req.Kind)
	}
}
