// Package export provides backup and restore of collected error records.
//
// # Overview
//
// The export package lets operators back up the collector's records to JSON or CSV files and
// restore them later. This is useful for:
//   - Moving error history between collectors
//   - Archiving records before the retention job deletes them
//   - Loading error groups into a spreadsheet or notebook
//
// # Supported Formats
//
// JSON Format:
//   - Preserves every record field (params, metrics, custom attributes, session)
//   - Includes backup metadata (timestamp, time range, record count, version)
//   - Can be re-imported
//
// CSV Format:
//   - One row per record, one column per param, custom attribute and metric count/total
//   - Columns are the union of keys present in the exported records, sorted
//   - Export-only
//
// # HTTP API
//
// Export endpoint: GET /v1/export
// Query parameters:
//   - format: "json" or "csv" (default: json)
//   - start: RFC3339 timestamp (default: 24h ago)
//   - end: RFC3339 timestamp (default: now)
//   - app: app id filter (optional)
//   - type: err, ierr or xhr (optional)
//
// Example:
//
//	curl "http://localhost:8080/v1/export?format=json&app=shop" -o backup.json
//
// Import endpoint: POST /v1/import
// Content-Type: application/json
//
//	curl -X POST "http://localhost:8080/v1/import" \
//	  -H "Content-Type: application/json" \
//	  -d @backup.json
//
// # Usage Limits
//
//   - Maximum export time range: 30 days
//   - Import batch size: 5,000 records per write
//   - Imported records go through the same limits as live harvests; records received more
//     than 10 years ago or over a day in the future are rejected
//
// # Error Handling
//
// Import validates each record and skips invalid ones rather than failing the whole import.
// Skipped records are listed in ImportResult.Errors. A document that is not a backup at all
// fails with ErrInvalidBackup.
package export
