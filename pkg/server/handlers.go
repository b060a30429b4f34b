package server

import (
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/nicktill/tinyrum/pkg/config"
	"github.com/nicktill/tinyrum/pkg/httpx"
	"github.com/nicktill/tinyrum/pkg/server/monitor"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

var startTime = time.Now()

// StorageUsage represents current storage usage stats.
type StorageUsage struct {
	UsedBytes int64 `json:"used_bytes"`
	MaxBytes  int64 `json:"max_bytes"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string                  `json:"status"`
	Version   string                  `json:"version"`
	Uptime    string                  `json:"uptime"`
	Retention monitor.RetentionStatus `json:"retention"`
}

// handleHealth returns service health status.
func handleHealth(retentionMonitor *monitor.RetentionMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := retentionMonitor.Status()
		overallStatus := "healthy"
		statusCode := http.StatusOK

		if !status.Healthy {
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}

		httpx.RespondJSON(w, statusCode, HealthResponse{
			Status:    overallStatus,
			Version:   Version,
			Uptime:    time.Since(startTime).Round(time.Second).String(),
			Retention: status,
		})
	}
}

// handleStorageUsage returns current storage usage.
func handleStorageUsage(storageMonitor *monitor.StorageMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if storageMonitor == nil {
			httpx.RespondJSON(w, http.StatusOK, StorageUsage{})
			return
		}

		usedBytes, err := storageMonitor.GetUsage()
		if err != nil {
			httpx.RespondError(w, http.StatusInternalServerError, err)
			return
		}

		httpx.RespondJSON(w, http.StatusOK, StorageUsage{
			UsedBytes: usedBytes,
			MaxBytes:  storageMonitor.GetLimit(),
		})
	}
}

// SetupRoutes configures all HTTP routes for the collector.
func SetupRoutes(router *mux.Router, c *Components, addr string) {
	// CORS middleware for API access
	router.Use(corsMiddleware(portOf(addr)))

	// Harvest endpoint, one path per agent feature
	router.HandleFunc("/jserrors/1/{appID}", c.Ingest.HandleHarvest).Methods("POST", "OPTIONS")

	// API routes
	api := router.PathPrefix("/v1").Subrouter()

	// Stored errors
	api.HandleFunc("/errors", c.Ingest.HandleErrors).Methods("GET")
	api.HandleFunc("/errors/groups", c.Ingest.HandleGroups).Methods("GET")
	api.HandleFunc("/topology", c.Ingest.HandleTopology).Methods("GET")

	// Metadata and stats
	api.HandleFunc("/stats", c.Ingest.HandleStats).Methods("GET")
	api.HandleFunc("/storage", handleStorageUsage(c.StorageMonitor)).Methods("GET")
	api.HandleFunc("/health", handleHealth(c.Retention)).Methods("GET")

	// WebSocket for live harvests
	api.HandleFunc("/ws", c.Hub.HandleWebSocket).Methods("GET")

	// Export/import
	api.HandleFunc("/export", c.Export.HandleExport).Methods("GET")
	api.HandleFunc("/import", c.Export.HandleImport).Methods("POST")

	// Prometheus-compatible metrics endpoint (standard /metrics path)
	router.Handle("/metrics", c.Metrics.Handler()).Methods("GET")
}

// portOf extracts the port from a listen address like ":8080" or "0.0.0.0:8080".
func portOf(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return port
}

// corsMiddleware creates CORS middleware that restricts to localhost origins only.
func corsMiddleware(port string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			// Allow localhost origins for local development
			allowedOrigins := []string{
				"http://localhost:" + port,
				"http://127.0.0.1:" + port,
				"http://localhost:3000",
				"http://127.0.0.1:3000",
			}

			allowed := false
			for _, allowedOrigin := range allowedOrigins {
				if origin == allowedOrigin {
					allowed = true
					break
				}
			}

			// Only set CORS headers for allowed origins
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Encoding, Authorization")
				w.Header().Set("Access-Control-Expose-Headers", "Retry-After, "+config.BlockHeader)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
