package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cm4all/myproxy/internal/cluster"
	"github.com/cm4all/myproxy/internal/config"
)

type fakeConnectionCloser struct {
	closed []string
}

func (f *fakeConnectionCloser) CloseConnectionsIf(predicate func(string) bool) int {
	n := 0
	for _, a := range f.closed {
		if predicate(a) {
			n++
		}
	}
	return n
}

func testServer() (*Server, *cluster.Cluster, *fakeConnectionCloser) {
	c := cluster.New([]string{"db1:3306", "db2:3306"})
	fc := &fakeConnectionCloser{closed: []string{"alice", "bob"}}
	s := NewServer(c, fc, nil, config.AdminConfig{HTTPBind: "127.0.0.1", HTTPPort: 0})
	return s, c, fc
}

func doRequest(s *Server, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func TestListNodesReportsAvailability(t *testing.T) {
	s, c, _ := testServer()
	c.MarkUnavailable("db1:3306")

	rec := doRequest(s, http.MethodGet, "/clusters/default/nodes")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var nodes []struct {
		Address   string `json:"address"`
		Available bool   `json:"available"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &nodes); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	found := false
	for _, n := range nodes {
		if n.Address == "db1:3306" {
			found = true
			if n.Available {
				t.Error("db1:3306 should report unavailable")
			}
		}
	}
	if !found {
		t.Fatal("db1:3306 missing from node list")
	}
}

func TestDisableAndEnableNode(t *testing.T) {
	s, c, _ := testServer()

	rec := doRequest(s, http.MethodPost, "/clusters/default/nodes/db1:3306/disable")
	if rec.Code != http.StatusOK {
		t.Fatalf("disable status = %d", rec.Code)
	}
	if c.IsAvailable("db1:3306") {
		t.Fatal("expected db1:3306 to be unavailable after disable")
	}

	rec = doRequest(s, http.MethodPost, "/clusters/default/nodes/db1:3306/enable")
	if rec.Code != http.StatusOK {
		t.Fatalf("enable status = %d", rec.Code)
	}
	if !c.IsAvailable("db1:3306") {
		t.Fatal("expected db1:3306 to be available after enable")
	}
}

func TestDisconnectInvokesConnectionCloser(t *testing.T) {
	s, _, _ := testServer()
	rec := doRequest(s, http.MethodPost, "/disconnect/alice")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if resp["closed"].(float64) != 1 {
		t.Errorf("closed = %v, want 1", resp["closed"])
	}
}

func TestHealthzReportsNodeCount(t *testing.T) {
	s, _, _ := testServer()
	rec := doRequest(s, http.MethodGet, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if resp["nodes"].(float64) != 2 {
		t.Errorf("nodes = %v, want 2", resp["nodes"])
	}
}

func TestMetricsRouteFallsBackToDefaultHandlerWhenNil(t *testing.T) {
	s, _, _ := testServer()
	rec := doRequest(s, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
