package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func resetFailures(n int) {
	mu.Lock()
	defer mu.Unlock()
	failFirstN = n
	warmCount = 0
	failStatus = http.StatusBadGateway
}

func TestHandleObject(t *testing.T) {
	tests := []struct {
		name           string
		path           string
		expectedStatus int
		wantAnalysis   bool
	}{
		{
			name:           "known object with analysis",
			path:           "/storage/objects/3801",
			expectedStatus: http.StatusOK,
			wantAnalysis:   true,
		},
		{
			name:           "known object missing analysis",
			path:           "/storage/objects/3802",
			expectedStatus: http.StatusOK,
			wantAnalysis:   false,
		},
		{
			name:           "unknown object",
			path:           "/storage/objects/99999",
			expectedStatus: http.StatusNotFound,
		},
		{
			name:           "malformed id",
			path:           "/storage/objects/abc",
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.path, nil)
			w := httptest.NewRecorder()

			handleObject(w, req)

			if w.Code != tt.expectedStatus {
				t.Fatalf("handleObject() status = %d, want %d", w.Code, tt.expectedStatus)
			}
			if tt.expectedStatus != http.StatusOK {
				return
			}

			var obj map[string]any
			if err := json.NewDecoder(w.Body).Decode(&obj); err != nil {
				t.Fatalf("decode object: %v", err)
			}
			_, hasAnalysis := obj["ai_context_metadata"]
			if hasAnalysis != tt.wantAnalysis {
				t.Errorf("object analysis present = %v, want %v", hasAnalysis, tt.wantAnalysis)
			}
		})
	}
}

func TestHandleEmbed(t *testing.T) {
	tests := []struct {
		name           string
		method         string
		failFirstN     int
		expectedStatus int
	}{
		{
			name:           "successful trigger",
			method:         "POST",
			failFirstN:     0,
			expectedStatus: http.StatusOK,
		},
		{
			name:           "first request fails with gateway error",
			method:         "POST",
			failFirstN:     1,
			expectedStatus: http.StatusBadGateway,
		},
		{
			name:           "GET not allowed",
			method:         "GET",
			failFirstN:     0,
			expectedStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetFailures(tt.failFirstN)

			req := httptest.NewRequest(tt.method, "/storage/kg/embed/3802", nil)
			w := httptest.NewRecorder()

			handleEmbed(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("handleEmbed() status = %d, want %d", w.Code, tt.expectedStatus)
			}
		})
	}
}

func TestHandleEmbed_RecoversAfterFailures(t *testing.T) {
	resetFailures(2)

	for i, want := range []int{http.StatusBadGateway, http.StatusBadGateway, http.StatusOK} {
		req := httptest.NewRequest("POST", "/storage/kg/embed/3802", nil)
		w := httptest.NewRecorder()
		handleEmbed(w, req)
		if w.Code != want {
			t.Errorf("request %d status = %d, want %d", i+1, w.Code, want)
		}
	}
}

func TestHandleProducts(t *testing.T) {
	req := httptest.NewRequest("GET", "/products?limit=1000&offset=0", nil)
	w := httptest.NewRecorder()

	handleProducts(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("handleProducts() status = %d, want %d", w.Code, http.StatusOK)
	}

	var page struct {
		Results []struct {
			ID    int64 `json:"id"`
			Media []struct {
				StorageID int64  `json:"storage_id"`
				Role      string `json:"role"`
			} `json:"media"`
		} `json:"results"`
	}
	if err := json.NewDecoder(w.Body).Decode(&page); err != nil {
		t.Fatalf("decode products: %v", err)
	}
	if len(page.Results) != 5 {
		t.Fatalf("got %d products, want 5", len(page.Results))
	}
	for _, p := range page.Results {
		if len(p.Media) != 2 {
			t.Errorf("product %d has %d media entries, want 2", p.ID, len(p.Media))
		}
		if p.Media[0].Role != "primary" {
			t.Errorf("product %d first media role = %q, want primary", p.ID, p.Media[0].Role)
		}
	}
}

func TestHandleProxy(t *testing.T) {
	tests := []struct {
		name           string
		query          string
		failFirstN     int
		expectedStatus int
	}{
		{
			name:           "renders rendition",
			query:          "id=9001&width=130&height=130&format=webp&quality=75",
			failFirstN:     0,
			expectedStatus: http.StatusOK,
		},
		{
			name:           "missing id",
			query:          "width=130",
			failFirstN:     0,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "missing width",
			query:          "id=9001",
			failFirstN:     0,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "gateway failure mode",
			query:          "id=9001&width=130",
			failFirstN:     1,
			expectedStatus: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetFailures(tt.failFirstN)

			req := httptest.NewRequest("GET", "/proxy.php?"+tt.query, nil)
			w := httptest.NewRecorder()

			handleProxy(w, req)

			if w.Code != tt.expectedStatus {
				t.Fatalf("handleProxy() status = %d, want %d", w.Code, tt.expectedStatus)
			}
			if tt.expectedStatus == http.StatusOK && !strings.Contains(w.Body.String(), "fake-webp") {
				t.Errorf("handleProxy() body = %q, want rendered marker", w.Body.String())
			}
		})
	}
}
