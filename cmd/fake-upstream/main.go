// fake-upstream simulates the storage API, the product catalog, and the
// image proxy for local warmctl runs. It serves a small fixed inventory and
// can be told to fail the first N warm calls with a gateway error so retry
// behavior is easy to exercise end to end.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
)

var (
	mu         sync.Mutex
	failFirstN = 0
	warmCount  = 0
	failStatus = http.StatusBadGateway
)

// objects holds the fake storage inventory. Odd IDs already carry full AI
// analysis, even IDs are missing it.
var objects = func() map[int64]map[string]any {
	full := map[string]any{
		"visual_analysis":  map[string]any{"done": true},
		"product_analysis": map[string]any{"done": true},
		"embedding_info":   map[string]any{"model": "fake"},
	}
	m := make(map[int64]map[string]any)
	for id := int64(3800); id < 3820; id++ {
		obj := map[string]any{
			"id":            id,
			"collection_id": "oneal_catalog",
		}
		if id%2 == 1 {
			obj["ai_context_metadata"] = full
		}
		m[id] = obj
	}
	return m
}()

func main() {
	if v := os.Getenv("FAIL_FIRST_N"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			failFirstN = n
		}
	}
	if v := os.Getenv("FAIL_STATUS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			failStatus = n
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/storage/objects/", handleObject)
	mux.HandleFunc("/storage/kg/embed/", handleEmbed)
	mux.HandleFunc("/products", handleProducts)
	mux.HandleFunc("/proxy.php", handleProxy)

	addr := ":8085"
	if v := os.Getenv("FAKE_UPSTREAM_ADDR"); v != "" {
		addr = v
	}
	log.Printf("fake-upstream listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, mux))
}

// handleObject serves storage object probes. Unknown IDs get a 404, matching
// the sparse ID space of the real API.
func handleObject(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(strings.TrimPrefix(r.URL.Path, "/storage/objects/"), 10, 64)
	if err != nil {
		http.Error(w, "bad object id", http.StatusBadRequest)
		return
	}
	obj, ok := objects[id]
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(obj)
}

// handleEmbed accepts embedding triggers, failing the first N with the
// configured gateway status.
func handleEmbed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if shouldFail() {
		http.Error(w, "upstream overloaded", failStatus)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/storage/kg/embed/")
	log.Printf("fake-upstream embed OK object=%s", id)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"queued"}`))
}

// handleProducts serves a single short page so pagination terminates.
func handleProducts(w http.ResponseWriter, r *http.Request) {
	products := make([]map[string]any, 0, 5)
	for i := int64(1); i <= 5; i++ {
		products = append(products, map[string]any{
			"id": i,
			"media": []map[string]any{
				{"storage_id": 9000 + i, "role": "primary"},
				{"storage_id": 9100 + i, "role": "gallery"},
			},
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"results": products})
}

// handleProxy pretends to render a rendition: it validates the variant
// parameters and returns a small body so the client has something to drain.
func handleProxy(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("id") == "" || q.Get("width") == "" {
		http.Error(w, "missing id or width", http.StatusBadRequest)
		return
	}
	if shouldFail() {
		http.Error(w, "gateway timeout", failStatus)
		return
	}
	log.Printf("fake-upstream proxy OK id=%s width=%s refresh=%s", q.Get("id"), q.Get("width"), q.Get("refresh"))
	w.Header().Set("Content-Type", "image/webp")
	_, _ = fmt.Fprintf(w, "fake-webp-%s-%s", q.Get("id"), q.Get("width"))
}

func shouldFail() bool {
	mu.Lock()
	defer mu.Unlock()
	warmCount++
	return warmCount <= failFirstN
}
