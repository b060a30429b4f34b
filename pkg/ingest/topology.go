package ingest

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nicktill/tinyrum/pkg/config"
	"github.com/nicktill/tinyrum/pkg/httpx"
	"github.com/nicktill/tinyrum/pkg/storage"
)

// TopologyNode represents an app or a host it calls
type TopologyNode struct {
	ID          string  `json:"id"`           // App id or host
	Label       string  `json:"label"`        // Display name
	RequestRate float64 `json:"request_rate"` // Requests per hour
	ErrorRate   float64 `json:"error_rate"`   // Error rate (0-1)
	Type        string  `json:"type"`         // "app", "database", "external", "service"
}

// TopologyEdge represents outbound calls from an app to a host
type TopologyEdge struct {
	Source      string  `json:"source"`       // Calling app id
	Target      string  `json:"target"`       // Called host
	Requests    int64   `json:"requests"`     // Calls in the window
	RequestRate float64 `json:"request_rate"` // Requests per hour
	ErrorRate   float64 `json:"error_rate"`   // Error rate (0-1)
	Latency     float64 `json:"latency"`      // Average latency in ms
}

// TopologyResponse represents the dependency graph
type TopologyResponse struct {
	Nodes          []TopologyNode `json:"nodes"`
	Edges          []TopologyEdge `json:"edges"`
	LastUpdated    string         `json:"last_updated"`
	TimeRangeHours float64        `json:"time_range_hours"`
}

// HandleTopology handles the /v1/topology endpoint
// Builds the app -> host dependency graph from recorded outbound calls (xhr buckets)
func (h *Handler) HandleTopology(w http.ResponseWriter, r *http.Request) {
	timeRange := 1 * time.Hour
	if rangeParam := r.URL.Query().Get("hours"); rangeParam != "" {
		hours, err := strconv.ParseFloat(rangeParam, 64)
		if err != nil || hours <= 0 || time.Duration(hours*float64(time.Hour)) > maxQueryWindow {
			httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid hours: %q", rangeParam))
			return
		}
		timeRange = time.Duration(hours * float64(time.Hour))
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.CollectorQueryTimeout)
	defer cancel()

	end := time.Now()
	records, err := h.storage.Query(ctx, storage.QueryRequest{
		Start: end.Add(-timeRange),
		End:   end,
		AppID: r.URL.Query().Get("app"),
		Type:  "xhr",
	})
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, fmt.Errorf("failed to query calls: %w", err))
		return
	}

	httpx.RespondJSON(w, http.StatusOK, buildTopology(records, timeRange))
}

type edgeTotals struct {
	requests int64
	errors   int64
	duration float64
}

// buildTopology analyzes xhr records and constructs the dependency graph
func buildTopology(records []storage.Record, timeRange time.Duration) TopologyResponse {
	nodes := make(map[string]*TopologyNode)
	edges := make(map[string]*TopologyEdge)
	totals := make(map[string]*edgeTotals)
	nodeErrors := make(map[string]int64)
	nodeRequests := make(map[string]int64)

	hours := timeRange.Hours()

	for _, r := range records {
		if r.Type != "xhr" {
			continue
		}
		target := hostName(r.Params["host"])
		if target == "" {
			continue
		}

		calls := occurrences(r)
		failed := isFailedStatus(r.Params["status"])

		if _, exists := nodes[r.AppID]; !exists {
			nodes[r.AppID] = &TopologyNode{ID: r.AppID, Label: r.AppID, Type: "app"}
		}
		if _, exists := nodes[target]; !exists {
			nodes[target] = &TopologyNode{ID: target, Label: target, Type: detectServiceType(target)}
		}

		edgeKey := r.AppID + "->" + target
		if _, exists := edges[edgeKey]; !exists {
			edges[edgeKey] = &TopologyEdge{Source: r.AppID, Target: target}
			totals[edgeKey] = &edgeTotals{}
		}
		t := totals[edgeKey]
		t.requests += calls
		if d, ok := r.Metrics["duration"]; ok {
			t.duration += d.Total
		}

		nodeRequests[r.AppID] += calls
		nodeRequests[target] += calls
		if failed {
			t.errors += calls
			nodeErrors[r.AppID] += calls
			nodeErrors[target] += calls
		}
	}

	nodeSlice := make([]TopologyNode, 0, len(nodes))
	for id, node := range nodes {
		node.RequestRate = float64(nodeRequests[id]) / hours
		if nodeRequests[id] > 0 {
			node.ErrorRate = float64(nodeErrors[id]) / float64(nodeRequests[id])
		}
		nodeSlice = append(nodeSlice, *node)
	}
	sort.Slice(nodeSlice, func(i, j int) bool { return nodeSlice[i].ID < nodeSlice[j].ID })

	edgeSlice := make([]TopologyEdge, 0, len(edges))
	for key, edge := range edges {
		t := totals[key]
		edge.Requests = t.requests
		edge.RequestRate = float64(t.requests) / hours
		if t.requests > 0 {
			edge.ErrorRate = float64(t.errors) / float64(t.requests)
			edge.Latency = t.duration / float64(t.requests)
		}
		edgeSlice = append(edgeSlice, *edge)
	}
	sort.Slice(edgeSlice, func(i, j int) bool {
		if edgeSlice[i].Source != edgeSlice[j].Source {
			return edgeSlice[i].Source < edgeSlice[j].Source
		}
		return edgeSlice[i].Target < edgeSlice[j].Target
	})

	return TopologyResponse{
		Nodes:          nodeSlice,
		Edges:          edgeSlice,
		LastUpdated:    time.Now().Format(time.RFC3339),
		TimeRangeHours: hours,
	}
}

// hostName strips the scheme from the agent's host param ("https://api.example.com:443")
func hostName(v any) string {
	s, _ := v.(string)
	if s == "" {
		return ""
	}
	if u, err := url.Parse(s); err == nil && u.Host != "" {
		return u.Host
	}
	return s
}

// isFailedStatus reports whether an xhr status param is a network failure (0) or >= 400
func isFailedStatus(v any) bool {
	var code int
	switch s := v.(type) {
	case string:
		n, err := strconv.Atoi(s)
		if err != nil {
			return true
		}
		code = n
	case float64:
		code = int(s)
	default:
		return false
	}
	return code == 0 || code >= 400
}

// detectServiceType detects whether a host is a database, external service, or internal service
func detectServiceType(host string) string {
	name := strings.ToLower(host)

	if isDatabaseName(name) {
		return "database"
	}

	// Internal hosts: localhost, single-label names, cluster DNS
	if strings.HasPrefix(name, "localhost") ||
		strings.HasPrefix(name, "127.") ||
		strings.Contains(name, ".svc") ||
		strings.Contains(name, ".internal") ||
		!strings.Contains(strings.Split(name, ":")[0], ".") {
		return "service"
	}

	return "external"
}

// isDatabaseName checks if a host looks like a database
func isDatabaseName(name string) bool {
	databases := []string{
		"postgres", "postgresql", "mysql", "mongodb", "mongo", "redis",
		"cassandra", "elasticsearch", "dynamodb", "database",
	}

	for _, db := range databases {
		if strings.Contains(name, db) {
			return true
		}
	}
	return false
}
