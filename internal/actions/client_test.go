package actions

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClient_SendsWireBody(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/computer-use" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", 0)
	res, err := c.Execute(context.Background(), Request{
		Kind:   ClickMouse,
		Params: map[string]any{"coordinates": map[string]any{"x": 100, "y": 200}},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got["action"] != "click_mouse" {
		t.Errorf("got action %v, want click_mouse", got["action"])
	}
	if got["button"] != "left" {
		t.Errorf("expected default button left, got %v", got["button"])
	}
	if res.Payload["success"] != true {
		t.Errorf("unexpected payload %v", res.Payload)
	}
}

func TestClient_Screenshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"type":"image","format":"png","data":"iVBORw0KGgo=","width":1280,"height":960}`))
	}))
	defer srv.Close()

	res, err := NewClient(srv.URL, time.Second).Execute(context.Background(), Request{Kind: Screenshot})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Image == nil {
		t.Fatal("expected image")
	}
	if res.Image.MediaType != "image/png" || res.Image.Width != 1280 || res.Image.Height != 960 {
		t.Errorf("unexpected image %+v", res.Image)
	}
	if _, ok := res.Payload["data"]; ok {
		t.Error("image data should be moved out of the payload")
	}
}

func TestClient_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorKind
	}{
		{http.StatusBadGateway, ErrUnreachable},
		{http.StatusServiceUnavailable, ErrUnreachable},
		{http.StatusGatewayTimeout, ErrUnreachable},
		{http.StatusBadRequest, ErrInvalidParameters},
		{http.StatusUnprocessableEntity, ErrInvalidParameters},
		{http.StatusRequestTimeout, ErrTimeout},
		{http.StatusInternalServerError, ErrTargetApplication},
		{http.StatusNotFound, ErrTargetApplication},
	}

	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			w.Write([]byte(`{"detail":"boom"}`))
		}))

		_, err := NewClient(srv.URL, time.Second).Execute(context.Background(), Request{Kind: CursorPosition})
		srv.Close()

		var ae *Error
		if !errors.As(err, &ae) {
			t.Fatalf("status %d: expected *Error, got %v", tt.status, err)
		}
		if ae.Kind != tt.want {
			t.Errorf("status %d: got %s, want %s", tt.status, ae.Kind, tt.want)
		}
		if ae.Message != "boom" {
			t.Errorf("status %d: got message %q, want boom", tt.status, ae.Message)
		}
	}
}

func TestClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, time.Second).Execute(context.Background(), Request{Kind: Screenshot})
	if !IsUnreachable(err) {
		t.Fatalf("expected unreachable error, got %v", err)
	}
}

func TestClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := NewClient(srv.URL, 50*time.Millisecond).Execute(context.Background(), Request{Kind: Screenshot})
	if ErrorKindOf(err) != ErrTimeout {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestClient_ValidationBeforeDispatch(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second).Execute(context.Background(), Request{
		Kind:   Wait,
		Params: map[string]any{"duration": 120000},
	})
	if ErrorKindOf(err) != ErrInvalidParameters {
		t.Fatalf("expected invalid parameters, got %v", err)
	}
	if called {
		t.Error("request should not reach the service")
	}
}

func TestClient_CancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewClient(srv.URL, time.Second).Execute(ctx, Request{Kind: Screenshot})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
