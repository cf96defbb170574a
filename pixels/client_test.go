package pixels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pixeldraw/core"
	"pixeldraw/gate"
	"pixeldraw/stores/memory"
)

func sizeBody(w, h int) string {
	return fmt.Sprintf(`{"width":%d,"height":%d}`, w, h)
}

func writeSuccess(w http.ResponseWriter, reset string, message string) {
	w.Header().Set("Requests-Remaining", "0")
	w.Header().Set("Requests-Limit", "1")
	w.Header().Set("Requests-Reset", reset)
	_, _ = io.WriteString(w, `{"message":"`+message+`"}`)
}

func TestGetSize_SendsAuthAndUserAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/get_size" {
			t.Fatalf("path=%s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Fatalf("auth header mismatch: %q", got)
		}
		if ua := r.Header.Get("User-Agent"); !strings.HasPrefix(ua, "pixeldraw/1.1") {
			t.Fatalf("unexpected UA: %q", ua)
		}
		_, _ = io.WriteString(w, sizeBody(160, 90))
	}))
	defer srv.Close()

	c, err := NewClient("test-token", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	sz, err := c.GetSize(context.Background())
	if err != nil {
		t.Fatalf("GetSize() failed: %v", err)
	}
	if sz.Width != 160 || sz.Height != 90 {
		t.Errorf("size mismatch: got %dx%d, want 160x90", sz.Width, sz.Height)
	}
}

func TestNewClient_RequiresToken(t *testing.T) {
	if _, err := NewClient(" "); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestGetCanvas_AssemblesPixels(t *testing.T) {
	raw := []byte{
		0xFF, 0x00, 0x00, 0x00, 0xFF, 0x00,
		0x00, 0x00, 0xFF, 0xFF, 0xFF, 0xFF,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/get_size":
			_, _ = io.WriteString(w, sizeBody(2, 2))
		case "/get_pixels":
			_, _ = w.Write(raw)
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c, err := NewClient("t", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	canvas, err := c.GetCanvas(context.Background())
	if err != nil {
		t.Fatalf("GetCanvas() failed: %v", err)
	}
	want := map[core.Point]core.Color{
		core.Pt(0, 0): core.Red,
		core.Pt(1, 0): core.Green,
		core.Pt(0, 1): core.Blue,
		core.Pt(1, 1): core.White,
	}
	for p, wantColor := range want {
		got, err := canvas.At(p)
		if err != nil {
			t.Fatalf("At(%s) failed: %v", p, err)
		}
		if got != wantColor {
			t.Errorf("At(%s) mismatch: got %s, want %s", p, got, wantColor)
		}
	}
}

func TestGetPixel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/get_size":
			_, _ = io.WriteString(w, sizeBody(10, 10))
		case "/get_pixel":
			q := r.URL.Query()
			if q.Get("x") != "3" || q.Get("y") != "4" {
				t.Fatalf("query mismatch: %s", r.URL.RawQuery)
			}
			_, _ = io.WriteString(w, `{"rgb":"00ff00"}`)
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c, err := NewClient("t", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	col, err := c.GetPixel(context.Background(), core.Pt(3, 4))
	if err != nil {
		t.Fatalf("GetPixel() failed: %v", err)
	}
	if col != core.Green {
		t.Errorf("color mismatch: got %s, want %s", col, core.Green)
	}
}

func TestGetPixel_AbsorbsRateLimit(t *testing.T) {
	pixelHits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/get_size":
			_, _ = io.WriteString(w, sizeBody(10, 10))
		case "/get_pixel":
			pixelHits++
			if pixelHits == 1 {
				w.Header().Set("Cooldown-Reset", "0")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = io.WriteString(w, `{"message":"slow down"}`)
				return
			}
			_, _ = io.WriteString(w, `{"rgb":"ff0000"}`)
		}
	}))
	defer srv.Close()

	c, err := NewClient("t", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	col, err := c.GetPixel(context.Background(), core.Pt(0, 0))
	if err != nil {
		t.Fatalf("GetPixel() should absorb a 429: %v", err)
	}
	if col != core.Red {
		t.Errorf("color mismatch: got %s, want %s", col, core.Red)
	}
	if pixelHits != 2 {
		t.Errorf("request count mismatch: got %d, want 2", pixelHits)
	}
}

func TestPutPixel_WritesAndRecordsCooldown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/get_size":
			_, _ = io.WriteString(w, sizeBody(10, 10))
		case "/set_pixel":
			var req struct {
				X   int    `json:"x"`
				Y   int    `json:"y"`
				RGB string `json:"rgb"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if req.X != 1 || req.Y != 2 || req.RGB != "ff0000" {
				t.Fatalf("payload mismatch: %+v", req)
			}
			writeSuccess(w, "2", "added pixel")
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	store := memory.NewStore()
	c, err := NewClient("t", WithBaseURL(srv.URL), WithGate(gate.New(store, gate.Config{})))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.PutPixel(context.Background(), core.Pt(1, 2), core.Red); err != nil {
		t.Fatalf("PutPixel() failed: %v", err)
	}

	notBefore, ok := store.Get(core.Pt(1, 2))
	if !ok {
		t.Fatal("the reported cooldown was not recorded")
	}
	if wait := time.Until(notBefore); wait < time.Second {
		t.Errorf("recorded window too short: %v", wait)
	}
}

func TestPutPixel_RetriesAfter429(t *testing.T) {
	setCalls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/get_size":
			_, _ = io.WriteString(w, sizeBody(10, 10))
		case "/set_pixel":
			setCalls++
			if setCalls == 1 {
				w.Header().Set("Cooldown-Reset", "0")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = io.WriteString(w, `{"message":"cooldown"}`)
				return
			}
			writeSuccess(w, "0", "added pixel")
		}
	}))
	defer srv.Close()

	c, err := NewClient("t", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.PutPixel(context.Background(), core.Pt(0, 0), core.Blue); err != nil {
		t.Fatalf("PutPixel() should retry through a 429: %v", err)
	}
	if setCalls != 2 {
		t.Errorf("write count mismatch: got %d, want 2", setCalls)
	}
}

func TestPutPixel_OutOfRange(t *testing.T) {
	setCalls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/get_size":
			_, _ = io.WriteString(w, sizeBody(10, 10))
		case "/set_pixel":
			setCalls++
			writeSuccess(w, "0", "added pixel")
		}
	}))
	defer srv.Close()

	c, err := NewClient("t", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	err = c.PutPixel(context.Background(), core.Pt(10, 0), core.Red)
	var re *core.RangeError
	if !errors.As(err, &re) {
		t.Fatalf("error type mismatch: got %v, want *core.RangeError", err)
	}
	if setCalls != 0 {
		t.Errorf("an out-of-range write should never reach the service, got %d calls", setCalls)
	}
}

func TestPutPixel_SurfacesAPIError(t *testing.T) {
	setCalls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/get_size":
			_, _ = io.WriteString(w, sizeBody(10, 10))
		case "/set_pixel":
			setCalls++
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = io.WriteString(w, `{"message":"boom"}`)
		}
	}))
	defer srv.Close()

	c, err := NewClient("t", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	err = c.PutPixel(context.Background(), core.Pt(0, 0), core.Red)
	var ae *APIError
	if !errors.As(err, &ae) {
		t.Fatalf("error type mismatch: got %v, want *APIError", err)
	}
	if ae.StatusCode != 500 || ae.Message != "boom" {
		t.Errorf("APIError fields mismatch: %+v", ae)
	}
	if setCalls != 1 {
		t.Errorf("a server error must not be retried, got %d calls", setCalls)
	}
}

func TestPutPixel_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, sizeBody(10, 10))
	}))

	c, err := NewClient("t", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	// Cache the size, then lose the server.
	if _, err := c.GetSize(context.Background()); err != nil {
		t.Fatalf("GetSize() failed: %v", err)
	}
	srv.Close()

	err = c.PutPixel(context.Background(), core.Pt(0, 0), core.Red)
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("error type mismatch: got %v, want *TransportError", err)
	}
	if IsRateLimited(err) {
		t.Error("a transport failure must not classify as rate limited")
	}
}

func TestSwapPixels_Atomic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/get_size":
			_, _ = io.WriteString(w, sizeBody(10, 10))
		case "/swap_pixel":
			var req struct {
				Origin core.Point `json:"origin"`
				Dest   core.Point `json:"dest"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if req.Origin != core.Pt(1, 2) || req.Dest != core.Pt(3, 4) {
				t.Fatalf("payload mismatch: %+v", req)
			}
			writeSuccess(w, "3", "swapped")
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	store := memory.NewStore()
	c, err := NewClient("t", WithBaseURL(srv.URL), WithGate(gate.New(store, gate.Config{})))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.SwapPixels(context.Background(), core.Pt(1, 2), core.Pt(3, 4)); err != nil {
		t.Fatalf("SwapPixels() failed: %v", err)
	}

	// Both pixels share the reported cooldown.
	for _, p := range []core.Point{core.Pt(1, 2), core.Pt(3, 4)} {
		notBefore, ok := store.Get(p)
		if !ok {
			t.Fatalf("cooldown for %s not recorded", p)
		}
		if wait := time.Until(notBefore); wait < 2*time.Second {
			t.Errorf("window for %s too short: %v", p, wait)
		}
	}
}

func TestSwapPixels_FallsBackWhenEndpointGone(t *testing.T) {
	colors := map[string]string{"1,2": "ff0000", "3,4": "0000ff"}
	swapCalls, getCalls := 0, 0
	var sets []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/get_size":
			_, _ = io.WriteString(w, sizeBody(10, 10))
		case "/swap_pixel":
			swapCalls++
			w.WriteHeader(http.StatusGone)
			_, _ = io.WriteString(w, `{"message":"endpoint disabled"}`)
		case "/get_pixel":
			getCalls++
			q := r.URL.Query()
			_, _ = io.WriteString(w, `{"rgb":"`+colors[q.Get("x")+","+q.Get("y")]+`"}`)
		case "/set_pixel":
			var req struct {
				X   int    `json:"x"`
				Y   int    `json:"y"`
				RGB string `json:"rgb"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			sets = append(sets, fmt.Sprintf("%d,%d=%s", req.X, req.Y, req.RGB))
			writeSuccess(w, "0", "added pixel")
		}
	}))
	defer srv.Close()

	c, err := NewClient("t", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	a, b := core.Pt(1, 2), core.Pt(3, 4)
	if err := c.SwapPixels(context.Background(), a, b); err != nil {
		t.Fatalf("SwapPixels() failed: %v", err)
	}
	if swapCalls != 1 {
		t.Fatalf("swap endpoint hit count mismatch: got %d, want 1", swapCalls)
	}
	if len(sets) != 2 || sets[0] != "1,2=0000ff" || sets[1] != "3,4=ff0000" {
		t.Fatalf("fallback writes mismatch: %v", sets)
	}

	// The dead endpoint is remembered; the second swap goes straight to
	// the fallback.
	if err := c.SwapPixels(context.Background(), a, b); err != nil {
		t.Fatalf("second SwapPixels() failed: %v", err)
	}
	if swapCalls != 1 {
		t.Errorf("swap endpoint should not be retried, got %d calls", swapCalls)
	}
	if getCalls != 4 {
		t.Errorf("read count mismatch: got %d, want 4", getCalls)
	}
}

func TestSwapPixels_NoOpWhenColorsMatch(t *testing.T) {
	setCalls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/get_size":
			_, _ = io.WriteString(w, sizeBody(10, 10))
		case "/swap_pixel":
			w.WriteHeader(http.StatusMethodNotAllowed)
			_, _ = io.WriteString(w, `{"message":"nope"}`)
		case "/get_pixel":
			_, _ = io.WriteString(w, `{"rgb":"ffffff"}`)
		case "/set_pixel":
			setCalls++
			writeSuccess(w, "0", "added pixel")
		}
	}))
	defer srv.Close()

	c, err := NewClient("t", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.SwapPixels(context.Background(), core.Pt(0, 0), core.Pt(1, 1)); err != nil {
		t.Fatalf("SwapPixels() failed: %v", err)
	}
	if setCalls != 0 {
		t.Errorf("swapping equal colors should write nothing, got %d writes", setCalls)
	}
}

func TestSwapPixels_SecondWriteFailureLeavesFirstApplied(t *testing.T) {
	colors := map[string]string{"55,1": "ff0000", "50,3": "00ff00"}
	applied := map[string]string{}
	setCalls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/get_size":
			_, _ = io.WriteString(w, sizeBody(160, 90))
		case "/swap_pixel":
			w.WriteHeader(http.StatusMethodNotAllowed)
			_, _ = io.WriteString(w, `{"message":"nope"}`)
		case "/get_pixel":
			q := r.URL.Query()
			_, _ = io.WriteString(w, `{"rgb":"`+colors[q.Get("x")+","+q.Get("y")]+`"}`)
		case "/set_pixel":
			setCalls++
			if setCalls == 2 {
				panic(http.ErrAbortHandler)
			}
			var req struct {
				X   int    `json:"x"`
				Y   int    `json:"y"`
				RGB string `json:"rgb"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			applied[fmt.Sprintf("%d,%d", req.X, req.Y)] = req.RGB
			writeSuccess(w, "0", "added pixel")
		}
	}))
	defer srv.Close()

	c, err := NewClient("t", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	err = c.SwapPixels(context.Background(), core.Pt(55, 1), core.Pt(50, 3))
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("error type mismatch: got %v, want *TransportError", err)
	}
	if got := applied["55,1"]; got != "00ff00" {
		t.Errorf("first write should stay applied: got %q, want %q", got, "00ff00")
	}
	if _, ok := applied["50,3"]; ok {
		t.Error("second write should not have been applied")
	}
}

func TestClose_UnblocksSuspendedWrite(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, sizeBody(10, 10))
	}))
	defer srv.Close()

	store := memory.NewStore()
	store.Set(core.Pt(1, 1), time.Now().Add(time.Hour))
	c, err := NewClient("t", WithBaseURL(srv.URL), WithGate(gate.New(store, gate.Config{})))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.GetSize(context.Background()); err != nil {
		t.Fatalf("GetSize() failed: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.PutPixel(context.Background(), core.Pt(1, 1), core.Red)
	}()

	time.Sleep(100 * time.Millisecond)
	if err := c.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("error mismatch: got %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("PutPixel() did not return after Close()")
	}
}

func TestOperationsAfterClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = io.WriteString(w, sizeBody(10, 10))
	}))
	defer srv.Close()

	c, err := NewClient("t", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close() is not idempotent: %v", err)
	}

	if _, err := c.GetSize(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("GetSize() after Close(): got %v, want ErrClosed", err)
	}
}

func TestCooldownFromHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Requests-Remaining", "0")
	h.Set("Requests-Reset", "2.5")
	if got := cooldownFromHeaders(h); got != 2500*time.Millisecond {
		t.Errorf("exhausted budget mismatch: got %v, want 2.5s", got)
	}

	h = http.Header{}
	h.Set("Requests-Remaining", "3")
	h.Set("Requests-Reset", "2.5")
	if got := cooldownFromHeaders(h); got != 0 {
		t.Errorf("remaining budget should mean no cooldown, got %v", got)
	}

	if got := cooldownFromHeaders(http.Header{}); got != 0 {
		t.Errorf("missing headers should mean no cooldown, got %v", got)
	}
}

func TestRetryAfterFromHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Cooldown-Reset", "1.5")
	if got := retryAfterFromHeaders(h); got != 1500*time.Millisecond {
		t.Errorf("Cooldown-Reset mismatch: got %v, want 1.5s", got)
	}

	h = http.Header{}
	h.Set("Retry-After", "2")
	if got := retryAfterFromHeaders(h); got != 2*time.Second {
		t.Errorf("Retry-After mismatch: got %v, want 2s", got)
	}

	if got := retryAfterFromHeaders(http.Header{}); got != time.Second {
		t.Errorf("header-less 429 should back off one second, got %v", got)
	}
}

func TestBuildAPIError(t *testing.T) {
	err := buildAPIError(422, []byte(`{"message":"bad pixel"}`))
	var ae *APIError
	if !errors.As(err, &ae) {
		t.Fatalf("expected *APIError, got %T", err)
	}
	if ae.StatusCode != 422 || ae.Message != "bad pixel" {
		t.Errorf("fields mismatch: %+v", ae)
	}

	err = buildAPIError(422, []byte(`{"detail":"missing field"}`))
	errors.As(err, &ae)
	if ae.Message != "missing field" {
		t.Errorf("detail fallback mismatch: got %q", ae.Message)
	}

	err = buildAPIError(502, []byte("bad gateway"))
	errors.As(err, &ae)
	if ae.Message != "bad gateway" {
		t.Errorf("plain body mismatch: got %q", ae.Message)
	}
}
