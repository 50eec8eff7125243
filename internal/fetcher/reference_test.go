package fetcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestReferenceFetchMissingFeedID(t *testing.T) {
	r := NewReference(ReferenceOptions{}, noopLogger())
	if _, _, err := r.FetchReference(context.Background(), ""); err == nil {
		t.Fatal("缺少 feed id 时应返回错误")
	}
}

func TestReferenceFetchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"errorType": "bad"})
	}))
	defer srv.Close()

	r := NewReference(ReferenceOptions{
		BaseURL:   srv.URL,
		Timeout:   time.Second,
		UserAgent: "test",
	}, noopLogger())

	if _, _, err := r.FetchReference(context.Background(), "feed-eth"); err == nil {
		t.Fatal("HTTP 400 应返回错误")
	}
}

func TestReferenceFetchNoParsedEntry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"parsed": []any{}})
	}))
	defer srv.Close()

	r := NewReference(ReferenceOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	if _, _, err := r.FetchReference(context.Background(), "feed-eth"); err == nil {
		t.Fatal("空 parsed 列表应返回错误")
	}
}

func TestReferenceFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if got := req.URL.Query().Get("ids[]"); got != "feed-eth" {
			t.Fatalf("期望查询 feed-eth, 实际 %s", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"parsed": []map[string]any{
				{
					"id": "feed-eth",
					"price": map[string]any{
						"price":        "25010000000",
						"conf":         "12345",
						"expo":         -7,
						"publish_time": 1700000000,
					},
				},
			},
		})
	}))
	defer srv.Close()

	r := NewReference(ReferenceOptions{
		BaseURL:   srv.URL,
		Timeout:   time.Second,
		UserAgent: "test",
	}, noopLogger())

	obs, raw, err := r.FetchReference(context.Background(), "feed-eth")
	if err != nil {
		t.Fatalf("成功响应不应报错: %v", err)
	}
	if obs.Significand != "25010000000" {
		t.Fatalf("期望 significand 25010000000, 实际 %s", obs.Significand)
	}
	if obs.Exponent != -7 {
		t.Fatalf("期望 expo -7, 实际 %d", obs.Exponent)
	}
	if len(raw) == 0 {
		t.Fatal("应返回原始响应负载")
	}
}
