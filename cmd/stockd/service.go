package main

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mirkobrombin/go-lease/v1/runner"
)

type service struct {
	runner   *runner.Runner
	resource string
	initial  int64
	ttl      time.Duration
	maxWait  time.Duration
}

// reply turns a deduction result into the response text and HTTP status.
func reply(res runner.Result) (string, int) {
	switch res.Status {
	case runner.StatusSuccess:
		return fmt.Sprintf("deducted: %d", res.Count), http.StatusOK
	case runner.StatusInsufficientInventory:
		return "insufficient stock", http.StatusOK
	case runner.StatusLockUnavailable:
		return "lock busy", http.StatusConflict
	case runner.StatusStoreUnavailable:
		return "store unavailable", http.StatusServiceUnavailable
	default:
		return "error: " + res.Err.Error(), http.StatusInternalServerError
	}
}

func (s *service) deduct(ctx context.Context, resource string) runner.Result {
	if resource == "" {
		resource = s.resource
	}
	return s.runner.Deduct(ctx, resource, s.maxWait, s.ttl)
}

func (s *service) initStock(ctx context.Context, resource string, n int64) error {
	if resource == "" {
		resource = s.resource
	}
	return s.runner.InitStock(ctx, resource, n)
}

func (s *service) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/initStock", func(w http.ResponseWriter, r *http.Request) {
		n := s.initial
		if v := r.URL.Query().Get("n"); v != "" {
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil || parsed < 0 {
				http.Error(w, "invalid n", http.StatusBadRequest)
				return
			}
			n = parsed
		}
		if err := s.initStock(r.Context(), r.URL.Query().Get("resource"), n); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, "success")
	})
	mux.HandleFunc("/api/deductStock", func(w http.ResponseWriter, r *http.Request) {
		msg, code := reply(s.deduct(r.Context(), r.URL.Query().Get("resource")))
		w.WriteHeader(code)
		fmt.Fprint(w, msg)
	})
	mux.HandleFunc("/api/stock", func(w http.ResponseWriter, r *http.Request) {
		resource := r.URL.Query().Get("resource")
		if resource == "" {
			resource = s.resource
		}
		n, err := s.runner.Stock(r.Context(), resource)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, n)
	})
	return mux
}
