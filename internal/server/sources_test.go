package server

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"strings"
	"testing"

	"pulsecast/internal/media"
)

func TestRegisterColorSource(t *testing.T) {
	controller := newFakeController()
	ts := newTestServer(t, controller, Config{})

	body := `{"id": "backdrop", "kind": "color", "color": "#ff0000", "width": 8, "height": 8}`
	resp, err := http.Post(ts.URL+"/api/sources", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	element, ok := controller.sources["backdrop"]
	if !ok {
		t.Fatal("source not registered with controller")
	}
	frame, err := element.Frame()
	if err != nil {
		t.Fatalf("Frame failed: %v", err)
	}
	if got := frame.Bounds(); got.Dx() != 8 || got.Dy() != 8 {
		t.Fatalf("unexpected bounds %v", got)
	}
	r, g, b, a := frame.At(0, 0).RGBA()
	if r != 0xffff || g != 0 || b != 0 || a != 0xffff {
		t.Fatalf("expected solid red fill, got rgba(%d, %d, %d, %d)", r, g, b, a)
	}
}

func TestRegisterImageSource(t *testing.T) {
	controller := newFakeController()
	ts := newTestServer(t, controller, Config{})

	img := image.NewNRGBA(image.Rect(0, 0, 2, 3))
	img.SetNRGBA(1, 2, color.NRGBA{G: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode fixture: %v", err)
	}
	body := `{"id": "logo", "kind": "image", "data": "` + base64.StdEncoding.EncodeToString(buf.Bytes()) + `"}`

	resp, err := http.Post(ts.URL+"/api/sources", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	element, ok := controller.sources["logo"]
	if !ok {
		t.Fatal("source not registered with controller")
	}
	frame, err := element.Frame()
	if err != nil {
		t.Fatalf("Frame failed: %v", err)
	}
	if got := frame.Bounds(); got.Dx() != 2 || got.Dy() != 3 {
		t.Fatalf("unexpected bounds %v", got)
	}
}

func TestRegisterSourceValidation(t *testing.T) {
	controller := newFakeController()
	ts := newTestServer(t, controller, Config{})

	cases := []string{
		`{"kind": "color", "color": "#fff"}`,
		`{"id": "x", "kind": "hologram"}`,
		`{"id": "x", "kind": "color", "color": "red"}`,
		`{"id": "x", "kind": "image", "data": ""}`,
		`{"id": "x", "kind": "image", "data": "!!!not-base64!!!"}`,
	}
	for i, body := range cases {
		resp, err := http.Post(ts.URL+"/api/sources", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("case %d: request failed: %v", i, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("case %d: expected 400, got %d", i, resp.StatusCode)
		}
	}
	if len(controller.sources) != 0 {
		t.Fatalf("rejected requests must not register sources: %v", controller.sources)
	}
}

func TestDeleteSourceRemovesBinding(t *testing.T) {
	controller := newFakeController()
	controller.sources["backdrop"] = mustColorRenderable(t)
	ts := newTestServer(t, controller, Config{})

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/sources/backdrop", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if _, ok := controller.sources["backdrop"]; ok {
		t.Fatal("source binding not removed")
	}

	resp, err = http.Get(ts.URL + "/api/sources/backdrop")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET, got %d", resp.StatusCode)
	}
}

func mustColorRenderable(t *testing.T) media.Renderable {
	t.Helper()
	element, err := buildRenderable(registerSourceRequest{Kind: "color", Color: "#00ff00"})
	if err != nil {
		t.Fatalf("buildRenderable failed: %v", err)
	}
	return element
}
