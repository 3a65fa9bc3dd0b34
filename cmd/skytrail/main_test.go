package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/signalsfoundry/skytrail/internal/catalog"
	"github.com/signalsfoundry/skytrail/internal/logging"
	"github.com/signalsfoundry/skytrail/internal/tracker"
	"github.com/signalsfoundry/skytrail/model"
)

func fakeProxy(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/above", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"info":{"satcount":1},"above":[{"satid":25544,"satname":"SPACE STATION","intDesignator":"1998-067A","satlat":10,"satlng":20,"satalt":420}]}`)
	})
	mux.HandleFunc("/api/positions", func(w http.ResponseWriter, r *http.Request) {
		now := time.Now().Unix()
		var b strings.Builder
		b.WriteString(`{"info":{"satid":25544},"positions":[`)
		for i := 0; i < 5; i++ {
			if i > 0 {
				b.WriteString(",")
			}
			fmt.Fprintf(&b, `{"satlatitude":%d,"satlongitude":%d,"sataltitude":420,"timestamp":%d}`, i, 2*i, now+int64(i))
		}
		b.WriteString("]}")
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, b.String())
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(wsMessage) bool) wsMessage {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if match(msg) {
			return msg
		}
	}
}

func TestViewerStreamsCatalogTrailAndMarker(t *testing.T) {
	upstream := fakeProxy(t)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	cfg := Config{
		ListenAddress: lis.Addr().String(),
		ProxyURL:      upstream.URL,
		Observer:      model.DefaultObserver,
		Catalog:       catalog.Config{Debounce: 10 * time.Millisecond},
		Tracker:       tracker.Config{Interval: 200 * time.Millisecond},
		FrameInterval: 20 * time.Millisecond,
	}
	log := logging.New(logging.Config{Level: "warn", Format: "text", Output: io.Discard})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		errCh <- run(ctx, cfg, log, lis)
	}()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+lis.Addr().String()+"/ws", nil)
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	defer conn.Close()

	readUntil(t, conn, func(m wsMessage) bool {
		if m.Type != "catalog" {
			return false
		}
		var st catalog.State
		return json.Unmarshal(m.Data, &st) == nil && len(st.Entries) == 1
	})

	if err := conn.WriteJSON(map[string]any{"type": "select", "id": 25544}); err != nil {
		t.Fatalf("send select: %v", err)
	}

	readUntil(t, conn, func(m wsMessage) bool {
		if m.Type != "trail" {
			return false
		}
		var data struct {
			TargetID int         `json:"targetId"`
			Samples  model.Trail `json:"samples"`
		}
		return json.Unmarshal(m.Data, &data) == nil && data.TargetID == 25544 && len(data.Samples) == 5
	})

	marker := readUntil(t, conn, func(m wsMessage) bool { return m.Type == "marker" && len(m.Data) > 0 })
	var pos struct {
		ID  int     `json:"id"`
		Lat float64 `json:"lat"`
	}
	if err := json.Unmarshal(marker.Data, &pos); err != nil {
		t.Fatalf("decode marker: %v", err)
	}
	if pos.ID != 25544 || pos.Lat < 0 || pos.Lat > 4 {
		t.Fatalf("marker = %+v, want id 25544 inside the trail", pos)
	}

	resp, err := http.Get("http://" + lis.Addr().String() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `skytrail_fetches_total{kind="trajectory",outcome="ok"}`) {
		t.Fatalf("metrics missing trajectory fetches:\n%s", body)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("viewer returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("viewer did not shut down")
	}
}

func TestRunRejectsInvalidObserver(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	defer lis.Close()

	cfg := Config{ProxyURL: "http://localhost:1", Observer: model.ObserverLocation{Lat: 91}}
	if err := run(context.Background(), cfg, logging.Noop(), lis); err == nil {
		t.Fatal("expected invalid observer error")
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"http://localhost:5173"})
	for origin, want := range map[string]bool{
		"":                      true,
		"http://localhost:5173": true,
		"http://viewer.test":    true,
		"https://evil.example":  false,
	} {
		r := httptest.NewRequest(http.MethodGet, "http://viewer.test/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		if got := check(r); got != want {
			t.Fatalf("origin %q allowed = %v, want %v", origin, got, want)
		}
	}
}
