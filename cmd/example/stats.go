package main

import (
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/nicktill/tinyrum/pkg/httpx"
	"github.com/nicktill/tinyrum/pkg/ingest"
)

// statsClient is not instrumented; calls to the collector are not app traffic.
var statsClient = &http.Client{Timeout: 5 * time.Second}

// StatsResponse summarizes what the collector has seen from this app
type StatsResponse struct {
	Errors    int64               `json:"errors"`
	Groups    int                 `json:"groups"`
	TopGroups []ingest.ErrorGroup `json:"top_groups"`
	Active    int64               `json:"active"`
	Uptime    string              `json:"uptime"`
}

// handleStats queries the collector for this app's error groups over the last hour
func handleStats(collectorURL, appID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		groups, err := queryGroups(collectorURL, appID)
		if err != nil {
			log.Debug().Err(err).Msg("collector query failed")
		}

		var total int64
		for _, g := range groups {
			total += g.Count
		}
		top := groups
		if len(top) > 5 {
			top = top[:5]
		}

		httpx.RespondJSON(w, http.StatusOK, StatsResponse{
			Errors:    total,
			Groups:    len(groups),
			TopGroups: top,
			Active:    atomic.LoadInt64(&activeRequests),
			Uptime:    time.Since(startTime).Round(time.Second).String(),
		})
	}
}

// queryGroups reads GET /v1/errors/groups. A collector that is down yields no groups.
func queryGroups(collectorURL, appID string) ([]ingest.ErrorGroup, error) {
	q := url.Values{"app": {appID}, "since": {"1h"}}
	resp, err := statsClient.Get(collectorURL + "/v1/errors/groups?" + q.Encode())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil
	}

	var groupsResp ingest.GroupsResponse
	if err := json.NewDecoder(resp.Body).Decode(&groupsResp); err != nil {
		return nil, err
	}
	return groupsResp.Groups, nil
}
