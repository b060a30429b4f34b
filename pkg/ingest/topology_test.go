package ingest

import (
	"math"
	"testing"
	"time"

	"github.com/nicktill/tinyrum/pkg/storage"
)

func xhrRecord(app, host, status string, count int64, totalMs float64) storage.Record {
	return storage.Record{
		AppID:    app,
		Type:     "xhr",
		Received: time.Now(),
		Params:   map[string]any{"method": "GET", "host": host, "pathname": "/", "status": status},
		Metrics: map[string]storage.Metric{
			"duration": {Count: count, Total: totalMs},
		},
	}
}

func TestBuildTopology(t *testing.T) {
	records := []storage.Record{
		xhrRecord("shop", "https://payments.example.com", "200", 8, 800),
		xhrRecord("shop", "https://payments.example.com", "503", 2, 400),
		xhrRecord("shop", "http://users-postgres:5432", "200", 5, 50),
		xhrRecord("admin", "http://localhost:9000", "0", 1, 30000),
		// Non-xhr and host-less records are ignored
		{AppID: "shop", Type: "err", Params: map[string]any{"stackHash": "abc"}},
		{AppID: "shop", Type: "xhr", Params: map[string]any{"status": "200"}},
	}

	topology := buildTopology(records, 2*time.Hour)

	if len(topology.Nodes) != 5 {
		t.Fatalf("Expected 5 nodes, got %d: %+v", len(topology.Nodes), topology.Nodes)
	}
	if len(topology.Edges) != 3 {
		t.Fatalf("Expected 3 edges, got %d: %+v", len(topology.Edges), topology.Edges)
	}

	var payments *TopologyEdge
	for i := range topology.Edges {
		if topology.Edges[i].Target == "payments.example.com" {
			payments = &topology.Edges[i]
		}
	}
	if payments == nil {
		t.Fatal("Expected shop -> payments.example.com edge")
	}
	if payments.Source != "shop" {
		t.Errorf("Expected source shop, got %s", payments.Source)
	}
	if payments.Requests != 10 {
		t.Errorf("Expected 10 requests, got %d", payments.Requests)
	}
	if math.Abs(payments.ErrorRate-0.2) > 1e-9 {
		t.Errorf("Expected error rate 0.2, got %v", payments.ErrorRate)
	}
	if math.Abs(payments.Latency-120) > 1e-9 {
		t.Errorf("Expected latency 120ms, got %v", payments.Latency)
	}
	if math.Abs(payments.RequestRate-5) > 1e-9 {
		t.Errorf("Expected 5 requests/hour, got %v", payments.RequestRate)
	}

	types := make(map[string]string)
	for _, n := range topology.Nodes {
		types[n.ID] = n.Type
	}
	want := map[string]string{
		"shop":                 "app",
		"admin":                "app",
		"payments.example.com": "external",
		"users-postgres:5432":  "database",
		"localhost:9000":       "service",
	}
	for id, typ := range want {
		if types[id] != typ {
			t.Errorf("Node %s: expected type %s, got %s", id, typ, types[id])
		}
	}
}

func TestIsFailedStatus(t *testing.T) {
	tests := []struct {
		status any
		want   bool
	}{
		{"200", false},
		{"304", false},
		{"404", true},
		{"0", true},
		{float64(500), true},
		{"bogus", true},
		{nil, false},
	}
	for _, tt := range tests {
		if got := isFailedStatus(tt.status); got != tt.want {
			t.Errorf("isFailedStatus(%v) = %v, want %v", tt.status, got, tt.want)
		}
	}
}
