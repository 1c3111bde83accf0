package geo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"careroute/internal/model"
)

func newTestProvider(url string) *HTTPProvider {
	return NewHTTPProvider(HTTPProviderConfig{
		BaseURL:     url,
		MaxAttempts: 3,
		Backoff:     time.Millisecond,
		RatePerSec:  1000,
	})
}

func TestHTTPProviderRetriesTransientFailures(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&hits, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"distances":[[0,1200],[1100,0]],"durations":[[0,180],[170,0]]}`))
	}))
	defer srv.Close()

	p := newTestProvider(srv.URL)
	distM, durS, err := p.GetPair(context.Background(), model.Location{Lat: 52.5, Lng: 13.4}, model.Location{Lat: 52.51, Lng: 13.41})
	if err != nil {
		t.Fatalf("GetPair: %v", err)
	}
	if distM != 1200 || durS != 180 {
		t.Fatalf("got (%d,%d), want (1200,180)", distM, durS)
	}
	if hits != 3 {
		t.Fatalf("hits = %d, want 3", hits)
	}
}

func TestHTTPProviderDoesNotRetryClientErrors(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		http.Error(w, "bad profile", http.StatusBadRequest)
	}))
	defer srv.Close()

	p := newTestProvider(srv.URL)
	_, err := p.GetMatrix(context.Background(), testLocs())
	if err == nil {
		t.Fatal("expected error")
	}
	var ese *model.ExternalServiceError
	if !errors.As(err, &ese) {
		t.Fatalf("error type = %T, want *model.ExternalServiceError", err)
	}
	if hits != 1 {
		t.Fatalf("hits = %d, want 1 (no retry on 400)", hits)
	}
}

func TestHTTPProviderExhaustsAttempts(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := newTestProvider(srv.URL)
	if _, err := p.GetMatrix(context.Background(), testLocs()); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if hits != 3 {
		t.Fatalf("hits = %d, want 3", hits)
	}
}

func TestHaversineProviderSymmetricMatrix(t *testing.T) {
	p := NewHaversineProvider(40)
	m, err := p.GetMatrix(context.Background(), testLocs())
	if err != nil {
		t.Fatalf("GetMatrix: %v", err)
	}
	for i := range m.DistancesM {
		if m.DistancesM[i][i] != 0 {
			t.Fatalf("diagonal [%d][%d] = %d, want 0", i, i, m.DistancesM[i][i])
		}
		for j := range m.DistancesM[i] {
			if m.DistancesM[i][j] != m.DistancesM[j][i] {
				t.Fatalf("matrix not symmetric at (%d,%d)", i, j)
			}
		}
	}
	if m.DurationsSec[0][1] <= 0 {
		t.Fatal("expected positive duration for distinct points")
	}
}
