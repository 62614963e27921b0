package connector

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"chartflow/logger"
)

func TestThrottleObservesWeightHeader(t *testing.T) {
	th := newRestThrottle("binance", 100, 100, 2400)

	header := http.Header{}
	header.Set("X-MBX-USED-WEIGHT-1M", "120")
	th.observe(header)
	if got := th.used.Load(); got != 120 {
		t.Fatalf("used = %d, want 120", got)
	}

	// Header lookup is case-insensitive.
	header = http.Header{}
	header.Add("x-mbx-used-weight-1m", "240")
	th.observe(header)
	if got := th.used.Load(); got != 240 {
		t.Fatalf("used = %d, want 240", got)
	}

	th.observe(http.Header{})
	if got := th.used.Load(); got != 240 {
		t.Fatalf("missing header must not reset usage, used = %d", got)
	}
}

func TestThrottleWaitFastPathBelowThreshold(t *testing.T) {
	th := newRestThrottle("binance", 1000, 1000, 2400)
	th.used.Store(1000)

	start := time.Now()
	if err := th.wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("below 80%% usage should not pause, took %v", elapsed)
	}
}

func TestThrottleWaitRespectsContextNearLimit(t *testing.T) {
	th := newRestThrottle("binance", 1000, 1000, 2400)
	th.used.Store(2400)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := th.wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestThrottleSetWeightLimit(t *testing.T) {
	th := newRestThrottle("binance", 10, 10, 1200)
	th.setWeightLimit(2400)
	if th.weight != 2400 {
		t.Fatalf("weight = %d", th.weight)
	}
	th.setWeightLimit(0)
	if th.weight != 2400 {
		t.Fatal("zero limit must not overwrite budget")
	}
}

func TestWSRunnerDeliversAndReconnects(t *testing.T) {
	upgrader := websocket.Upgrader{}
	dials := make(chan struct{}, 8)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		dials <- struct{}{}
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"hello":true}`)); err != nil {
			return
		}
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	received := make(chan []byte, 8)
	ups := make(chan struct{}, 8)

	log := logger.GetLogger().WithComponent("test")
	runner := newWSRunner(log, 10*time.Millisecond, 100*time.Millisecond)
	runner.dialURL = func() string { return wsURL }
	runner.handler = func(msg []byte) { received <- msg }
	runner.onUp = func() { ups <- struct{}{} }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		runner.run(ctx)
		close(done)
	}()

	waitSignal(t, dials, "first dial")
	waitSignal(t, ups, "first onUp")

	select {
	case msg := <-received:
		if string(msg) != `{"hello":true}` {
			t.Fatalf("message = %s", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
	}

	runner.forceReconnect()
	waitSignal(t, dials, "redial after forceReconnect")
	waitSignal(t, ups, "onUp after reconnect")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop on context cancel")
	}
}

func waitSignal(t *testing.T, ch chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}
