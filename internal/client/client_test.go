package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/catalogcast/catalog-server/internal/catalog"
	"github.com/catalogcast/catalog-server/internal/notify"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.BaseURL != "http://localhost:8080" {
		t.Errorf("BaseURL = %q, want %q", cfg.BaseURL, "http://localhost:8080")
	}
	if cfg.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want %v", cfg.Timeout, 30*time.Second)
	}
}

func TestClientNew(t *testing.T) {
	t.Run("default config", func(t *testing.T) {
		c := New(Config{})
		if c.baseURL != "http://localhost:8080" {
			t.Errorf("baseURL = %q, want %q", c.baseURL, "http://localhost:8080")
		}
		if c.socketURL != "ws://localhost:8080/ws" {
			t.Errorf("socketURL = %q, want %q", c.socketURL, "ws://localhost:8080/ws")
		}
	})

	t.Run("custom config", func(t *testing.T) {
		c := New(Config{
			BaseURL:   "http://custom:9000/",
			SocketURL: "ws://custom:9001/ws",
		})
		if c.baseURL != "http://custom:9000" {
			t.Errorf("baseURL = %q, want %q", c.baseURL, "http://custom:9000")
		}
		if c.socketURL != "ws://custom:9001/ws" {
			t.Errorf("socketURL = %q, want %q", c.socketURL, "ws://custom:9001/ws")
		}
	})
}

func TestSocketURL(t *testing.T) {
	tests := map[string]string{
		"http://localhost:8080":      "ws://localhost:8080/ws",
		"https://shop.example.com":   "wss://shop.example.com/ws",
		"http://proxy/catalog/":      "ws://proxy/catalog/ws",
		"http://127.0.0.1:9000/base": "ws://127.0.0.1:9000/base/ws",
	}
	for in, want := range tests {
		if got := SocketURL(in); got != want {
			t.Errorf("SocketURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestClientHealth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			t.Errorf("path = %q, want %q", r.URL.Path, "/healthz")
		}
		if r.Method != http.MethodGet {
			t.Errorf("method = %q, want %q", r.Method, http.MethodGet)
		}

		if err := json.NewEncoder(w).Encode(HealthResponse{
			Status:  "ok",
			Version: "1.0.0",
		}); err != nil {
			t.Errorf("failed to encode response: %v", err)
		}
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL})
	resp, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Status != "ok" {
		t.Errorf("Status = %q, want %q", resp.Status, "ok")
	}
	if resp.Version != "1.0.0" {
		t.Errorf("Version = %q, want %q", resp.Version, "1.0.0")
	}
}

func TestClientReady_Degraded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"degraded","bus":"degraded"}`))
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL})
	resp, err := c.Ready(context.Background())
	if err == nil {
		t.Fatal("expected error for 503")
	}
	if resp.Status != "degraded" || resp.Bus != "degraded" {
		t.Errorf("resp = %+v, want degraded body", resp)
	}
}

func TestClientProducts(t *testing.T) {
	var gotBody catalog.Input
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/products":
			_ = json.NewEncoder(w).Encode([]catalog.Product{{ID: "p1", Name: "Lamp"}})
		case r.Method == http.MethodGet && r.URL.Path == "/products/p1":
			_ = json.NewEncoder(w).Encode(catalog.Product{ID: "p1", Name: "Lamp"})
		case r.Method == http.MethodPost && r.URL.Path == "/products":
			if ct := r.Header.Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
			_ = json.NewDecoder(r.Body).Decode(&gotBody)
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(catalog.Product{ID: "p2", Name: gotBody.Name, Price: gotBody.Price})
		case r.Method == http.MethodPut && r.URL.Path == "/products/p1":
			_ = json.NewDecoder(r.Body).Decode(&gotBody)
			_ = json.NewEncoder(w).Encode(catalog.Product{ID: "p1", Name: gotBody.Name})
		case r.Method == http.MethodDelete && r.URL.Path == "/products/p1":
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusTeapot)
		}
	}))
	defer server.Close()

	ctx := context.Background()
	c := New(Config{BaseURL: server.URL})

	list, err := c.ListProducts(ctx)
	if err != nil {
		t.Fatalf("ListProducts: %v", err)
	}
	if len(list) != 1 || list[0].ID != "p1" {
		t.Errorf("ListProducts = %+v", list)
	}

	p, err := c.GetProduct(ctx, "p1")
	if err != nil {
		t.Fatalf("GetProduct: %v", err)
	}
	if p.Name != "Lamp" {
		t.Errorf("Name = %q, want Lamp", p.Name)
	}

	created, err := c.CreateProduct(ctx, catalog.Input{Name: "Chair", Price: 49.5})
	if err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}
	if created.ID != "p2" || created.Price != 49.5 {
		t.Errorf("CreateProduct = %+v", created)
	}

	updated, err := c.UpdateProduct(ctx, "p1", catalog.Input{Name: "Desk lamp"})
	if err != nil {
		t.Fatalf("UpdateProduct: %v", err)
	}
	if updated.Name != "Desk lamp" {
		t.Errorf("UpdateProduct name = %q", updated.Name)
	}

	if err := c.DeleteProduct(ctx, "p1"); err != nil {
		t.Fatalf("DeleteProduct: %v", err)
	}
}

func TestClientAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"product not found","code":"NOT_FOUND","message":"product not found"}`))
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL})
	_, err := c.GetProduct(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected error")
	}

	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("error type = %T, want *APIError", err)
	}
	if apiErr.Status != http.StatusNotFound || apiErr.Code != "NOT_FOUND" {
		t.Errorf("APIError = %+v", apiErr)
	}
}

func TestClientNonJSONError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL})
	_, err := c.ListProducts(context.Background())
	if err == nil || !strings.Contains(err.Error(), "HTTP 502") {
		t.Errorf("err = %v, want HTTP 502", err)
	}
}

func TestClientUploadImage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/upload" {
			t.Errorf("path = %q, want /upload", r.URL.Path)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)

		if header.Filename != "shoe.png" {
			t.Errorf("Filename = %q, want shoe.png", header.Filename)
		}
		if ct := header.Header.Get("Content-Type"); ct != "image/png" {
			t.Errorf("part Content-Type = %q, want image/png", ct)
		}
		if string(data) != "pngbytes" {
			t.Errorf("data = %q", data)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"imageUrl": "/images/1_shoe.png"})
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL})
	u, err := c.UploadImage(context.Background(), "/tmp/shoe.png", "image/png", strings.NewReader("pngbytes"))
	if err != nil {
		t.Fatalf("UploadImage: %v", err)
	}
	if u != "/images/1_shoe.png" {
		t.Errorf("url = %q, want /images/1_shoe.png", u)
	}
}

func TestClientWatch(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Origin"); got != "http://shop.example.com" {
			t.Errorf("Origin = %q", got)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		data, _ := notify.EncodeFrame(notify.ChangeEvent{
			Kind:             notify.KindCreated,
			EntityID:         "p1",
			OriginInstanceID: "i1",
			Sequence:         1,
			Timestamp:        time.Now().UTC(),
		})
		_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		_ = conn.WriteMessage(websocket.TextMessage, data)
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_, _, _ = conn.ReadMessage()
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL, Origin: "http://shop.example.com"})

	var frames []notify.Frame
	err := c.Watch(context.Background(), func(f notify.Frame) {
		frames = append(frames, f)
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(frames))
	}
	if frames[0].Type != notify.FrameType || frames[0].Event.EntityID != "p1" {
		t.Errorf("frame = %+v", frames[0])
	}
}

func TestClientWatch_ContextCancel(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if err := c.Watch(ctx, func(notify.Frame) {}); err != nil {
		t.Errorf("Watch after cancel = %v, want nil", err)
	}
}

func TestClientWatch_HandshakeRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL})
	err := c.Watch(context.Background(), func(notify.Frame) {})
	if err == nil || !strings.Contains(err.Error(), "HTTP 403") {
		t.Errorf("err = %v, want HTTP 403", err)
	}
}
