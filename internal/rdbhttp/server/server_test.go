package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/rdbkv/rdb/internal/backend/lrucache"
	"github.com/rdbkv/rdb/internal/codec"
)

func newTestServer(t *testing.T) (*httptest.Server, func()) {
	t.Helper()
	b := lrucache.NewBackend(100)
	if err := b.Open(context.Background()); err != nil {
		t.Fatalf("open backend: %v", err)
	}
	ts := httptest.NewServer(New(b, nil))
	return ts, func() {
		ts.Close()
		b.Close(context.Background())
	}
}

func envelopeBody(t *testing.T, kind codec.Kind, value string) string {
	t.Helper()
	return `{"type":"` + string(kind) + `","value":` + value + `}`
}

func TestPutGetDelete(t *testing.T) {
	ts, cleanup := newTestServer(t)
	defer cleanup()

	body := envelopeBody(t, codec.KindObject, `"world"`)
	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/data/hello", strings.NewReader(body))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	getResp, err := http.Get(ts.URL + "/data/hello")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("GET status = %d, want 200", getResp.StatusCode)
	}
	var env codec.Envelope
	if err := json.NewDecoder(getResp.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	var v string
	if err := codec.Decode(env, &v); err != nil {
		t.Fatalf("codec decode: %v", err)
	}
	if v != "world" {
		t.Fatalf("got %q, want %q", v, "world")
	}

	delReq, _ := http.NewRequest(http.MethodDelete, ts.URL+"/data/hello", nil)
	delResp, err := http.DefaultClient.Do(delReq)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusOK {
		t.Fatalf("DELETE status = %d, want 200", delResp.StatusCode)
	}
}

func TestGetAbsentIs404(t *testing.T) {
	ts, cleanup := newTestServer(t)
	defer cleanup()

	resp, err := http.Get(ts.URL + "/data/absent")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestPutMalformedEnvelopeIs406(t *testing.T) {
	ts, cleanup := newTestServer(t)
	defer cleanup()

	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/data/k", strings.NewReader("not json"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotAcceptable {
		t.Fatalf("status = %d, want 406", resp.StatusCode)
	}
}

// TestBulkGetBeforePut mirrors spec.md §8 scenario 3: a bulk request with
// both get and put sees the pre-request state for its get half.
func TestBulkGetBeforePut(t *testing.T) {
	ts, cleanup := newTestServer(t)
	defer cleanup()

	form := url.Values{}
	form.Set("get", `{"keys":["a","b"]}`)
	form.Set("put", `{"a":{"type":"object","value":1}}`)

	resp, err := http.PostForm(ts.URL+"/_bulk", form)
	if err != nil {
		t.Fatalf("bulk: %v", err)
	}
	defer resp.Body.Close()
	var first map[string]codec.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(first) != 0 {
		t.Fatalf("first bulk response = %v, want empty (get precedes put)", first)
	}

	form2 := url.Values{}
	form2.Set("get", `{"keys":["a","b"]}`)
	resp2, err := http.PostForm(ts.URL+"/_bulk", form2)
	if err != nil {
		t.Fatalf("bulk 2: %v", err)
	}
	defer resp2.Body.Close()
	var second map[string]codec.Envelope
	if err := json.NewDecoder(resp2.Body).Decode(&second); err != nil {
		t.Fatalf("decode: %v", err)
	}
	env, ok := second["a"]
	if !ok {
		t.Fatalf("second bulk response missing %q: %v", "a", second)
	}
	var v float64
	if err := codec.Decode(env, &v); err != nil {
		t.Fatalf("decode value: %v", err)
	}
	if v != 1 {
		t.Fatalf("got %v, want 1", v)
	}
	if _, ok := second["b"]; ok {
		t.Fatalf("second bulk response should omit absent %q", "b")
	}
}

func TestAllKeysNotImplementedForLRU(t *testing.T) {
	ts, cleanup := newTestServer(t)
	defer cleanup()

	resp, err := http.Get(ts.URL + "/_all_keys")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501 (lru backend does not support iteration)", resp.StatusCode)
	}
}

func TestStats(t *testing.T) {
	ts, cleanup := newTestServer(t)
	defer cleanup()

	resp, err := http.Get(ts.URL + "/_stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var stats map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := stats["capacity"]; !ok {
		t.Fatalf("stats missing capacity field: %v", stats)
	}
}
