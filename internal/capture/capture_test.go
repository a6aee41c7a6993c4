package capture

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestYapeRules(t *testing.T) {
	rules := NewRules(DefaultSources)
	yape, ok := rules.Lookup("com.bcp.innovacxion.yapeapp")
	if !ok {
		t.Fatal("Expected yape to be a known source")
	}

	if !yape.Matches("Confirmación de Pago", "Yape! Juan Perez te envió un pago por S/ 25.50") {
		t.Error("Expected a yape payment to match")
	}
	if yape.Matches("Yape", "Yape! Juan Perez te envió un pago por S/ 25.50") {
		t.Error("Expected a non-exact yape title to be rejected")
	}
	if yape.Matches("Confirmación de Pago", "Recibiste un pago") {
		t.Error("Expected a message without an amount to be rejected")
	}
}

func TestPlinRules(t *testing.T) {
	rules := NewRules(DefaultSources)
	ibk, _ := rules.Lookup("pe.com.interbank.mobilebanking")

	if !ibk.Matches("Interbank", "Te plinearon S/150") {
		t.Error("Expected interbank plin to match")
	}
	if ibk.Matches("Promociones", "Te plinearon S/150") {
		t.Error("Expected unrelated title to be rejected")
	}
	if ibk.Matches("Interbank", "Tu estado de cuenta está listo") {
		t.Error("Expected non-payment message to be rejected")
	}
}

func TestUnknownPackage(t *testing.T) {
	rules := NewRules(DefaultSources)
	if _, ok := rules.Lookup("com.whatsapp"); ok {
		t.Error("Expected unknown package to be ignored")
	}
	if got := len(rules.Known()); got != 4 {
		t.Errorf("Expected 4 known sources, got %d", got)
	}
	if rules.Known()[0] != "com.bcp.innovacxion.yapeapp" {
		t.Errorf("Expected declaration order, got %v", rules.Known())
	}
}

func TestDisplayTitleFallback(t *testing.T) {
	src := SourceConfig{SourceKey: "bbva"}
	if got := src.DisplayTitle("  "); got != "BBVA" {
		t.Errorf("Expected BBVA, got %q", got)
	}
	if got := src.DisplayTitle("BBVA Plin"); got != "BBVA Plin" {
		t.Errorf("Expected title kept, got %q", got)
	}
}

func TestBestMessage(t *testing.T) {
	if got := BestMessage("big", "short", []string{"a"}); got != "big" {
		t.Errorf("Expected big text first, got %q", got)
	}
	if got := BestMessage(" ", "short", nil); got != "short" {
		t.Errorf("Expected short text, got %q", got)
	}
	if got := BestMessage("", "", []string{"l1", "l2"}); got != "l1\nl2" {
		t.Errorf("Expected joined lines, got %q", got)
	}
	if got := BestMessage("", "", nil); got != "" {
		t.Errorf("Expected empty, got %q", got)
	}
}

func TestExternalRefDeterministic(t *testing.T) {
	ts := time.UnixMilli(1760432400123)
	a := ExternalRef("yape", "com.bcp.innovacxion.yapeapp", ts, "Confirmación de Pago", "S/ 10")
	b := ExternalRef("yape", "com.bcp.innovacxion.yapeapp", ts, "Confirmación de Pago", "S/ 10")
	if a != b {
		t.Fatalf("Expected same ref, got %s and %s", a, b)
	}
	if !strings.HasPrefix(a, "yape-") || len(a) != len("yape-")+40 {
		t.Errorf("Unexpected ref format %q", a)
	}

	c := ExternalRef("yape", "com.bcp.innovacxion.yapeapp", ts.Add(time.Millisecond), "Confirmación de Pago", "S/ 10")
	if c == a {
		t.Error("Expected a different timestamp to change the ref")
	}
}

func TestReceivedAtOffset(t *testing.T) {
	lima := time.FixedZone("PET", -5*60*60)
	ts := time.Date(2026, 10, 14, 15, 4, 5, 0, time.UTC)
	if got := ReceivedAt(ts, lima); got != "2026-10-14T10:04:05-05:00" {
		t.Errorf("Unexpected receivedAt %q", got)
	}
}

func TestControlClientPermission(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/permission" || r.Method != http.MethodGet {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"enabled":true}`))
	}))
	defer srv.Close()

	c := NewControlClient(srv.URL+"/", time.Second, zap.NewNop())
	enabled, err := c.PermissionEnabled(context.Background())
	if err != nil {
		t.Fatalf("PermissionEnabled failed: %v", err)
	}
	if !enabled {
		t.Error("Expected permission enabled")
	}
}

func TestControlClientWithoutEndpoint(t *testing.T) {
	c := NewControlClient("", time.Second, zap.NewNop())
	enabled, err := c.PermissionEnabled(context.Background())
	if err != nil || enabled {
		t.Errorf("Expected permission off without endpoint, got enabled=%v err=%v", enabled, err)
	}
	if err := c.ToggleComponent(context.Background()); err == nil {
		t.Error("Expected toggle to fail without endpoint")
	}
}

func TestControlClientRebindUnsupported(t *testing.T) {
	var toggles atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/rebind":
			w.WriteHeader(http.StatusNotImplemented)
		case "/toggle":
			toggles.Add(1)
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewControlClient(srv.URL, time.Second, zap.NewNop())
	if err := c.RequestRebind(context.Background()); !errors.Is(err, ErrRebindUnsupported) {
		t.Errorf("Expected ErrRebindUnsupported, got %v", err)
	}
	if err := c.ToggleComponent(context.Background()); err != nil {
		t.Errorf("Toggle failed: %v", err)
	}
	if toggles.Load() != 1 {
		t.Errorf("Expected one toggle, got %d", toggles.Load())
	}
}
