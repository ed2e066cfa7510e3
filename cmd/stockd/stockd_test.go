package main

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mirkobrombin/go-lease/v1/lock"
	"github.com/mirkobrombin/go-lease/v1/presets"
	"github.com/mirkobrombin/go-lease/v1/runner"
)

func newService(t *testing.T) (*service, *presets.Stack) {
	t.Helper()
	stack := presets.NewInMemoryStandalone()
	t.Cleanup(func() { _ = stack.Close() })
	return &service{
		runner:   stack.Runner,
		resource: "stock",
		initial:  2,
		ttl:      time.Second,
	}, stack
}

func get(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	body, _ := io.ReadAll(rec.Body)
	return rec.Code, string(body)
}

func TestHTTPDeductFlow(t *testing.T) {
	svc, _ := newService(t)
	mux := svc.routes()

	if code, body := get(t, mux, "/api/initStock"); code != http.StatusOK || body != "success" {
		t.Fatalf("init: %d %q", code, body)
	}
	for _, want := range []string{"deducted: 1", "deducted: 0", "insufficient stock"} {
		if _, body := get(t, mux, "/api/deductStock"); body != want {
			t.Fatalf("deduct: got %q want %q", body, want)
		}
	}
	if _, body := get(t, mux, "/api/stock"); body != "0" {
		t.Fatalf("stock: %q", body)
	}
	if code, _ := get(t, mux, "/api/initStock?n=-1"); code != http.StatusBadRequest {
		t.Fatalf("negative init accepted: %d", code)
	}
}

func TestHTTPLockBusy(t *testing.T) {
	svc, stack := newService(t)
	mux := svc.routes()
	get(t, mux, "/api/initStock?n=5")

	other := lock.New(stack.Store)
	defer other.Close()
	if _, ok, _ := other.Handle(runner.LockKey("stock")).TryAcquire(context.Background(), time.Minute); !ok {
		t.Fatal("pre-acquire failed")
	}
	code, body := get(t, mux, "/api/deductStock")
	if code != http.StatusConflict || body != "lock busy" {
		t.Fatalf("expected lock busy, got %d %q", code, body)
	}
}

func TestRESPCommands(t *testing.T) {
	svc, _ := newService(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.serveRESP(ctx, ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	rd := bufio.NewReader(conn)

	send := func(cmd string, want string) {
		t.Helper()
		if _, err := io.WriteString(conn, cmd); err != nil {
			t.Fatalf("write %q: %v", cmd, err)
		}
		line, err := rd.ReadString('\n')
		if err != nil {
			t.Fatalf("read reply to %q: %v", cmd, err)
		}
		if got := strings.TrimSuffix(line, "\r\n"); got != want {
			t.Fatalf("%q: got %q want %q", cmd, got, want)
		}
	}

	send("PING\r\n", "+PONG")
	send("*3\r\n$9\r\nINITSTOCK\r\n$5\r\nstock\r\n$1\r\n1\r\n", "+OK")
	send("*2\r\n$6\r\nDEDUCT\r\n$5\r\nstock\r\n", ":0")
	send("DEDUCT stock\r\n", "-INSUFFICIENT insufficient stock")
	send("STOCK\r\n", ":0")
	send("NOPE\r\n", "-ERR unknown command 'NOPE'")
	send("QUIT\r\n", "+OK")
}
