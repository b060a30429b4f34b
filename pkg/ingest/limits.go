package ingest

import (
	"errors"
	"fmt"

	"github.com/nicktill/tinyrum/pkg/config"
	"github.com/nicktill/tinyrum/pkg/storage"
)

// Payload validation limits
const (
	// Per-bucket limits
	MaxParamsPerBucket  = 64  // Maximum params per bucket
	MaxCustomPerBucket  = 64  // Maximum custom attributes per bucket
	MaxMetricsPerBucket = 16  // Maximum metric names per bucket
	MaxAttrKeyLength    = 256 // Maximum param or attribute key length
	MaxAppIDLength      = 128 // Maximum app id length

	// Per-request limits
	MaxBucketsPerRequest = config.MaxBucketsPerRequest
)

// knownTypes are the event types a jserrors harvest may carry.
var knownTypes = map[string]bool{"err": true, "ierr": true, "xhr": true}

var (
	// ErrInvalidPayload is returned when the body is not a harvest payload
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrUnknownType is returned for an event type the collector does not accept
	ErrUnknownType = errors.New("unknown event type")

	// ErrTooManyBuckets is returned when a request carries too many buckets
	ErrTooManyBuckets = fmt.Errorf("too many buckets in request (max %d)", MaxBucketsPerRequest)

	// ErrTooManyParams is returned when a bucket has too many params
	ErrTooManyParams = fmt.Errorf("too many params (max %d)", MaxParamsPerBucket)

	// ErrTooManyAttributes is returned when a bucket has too many custom attributes
	ErrTooManyAttributes = fmt.Errorf("too many custom attributes (max %d)", MaxCustomPerBucket)

	// ErrKeyTooLong is returned when a param or attribute key is too long
	ErrKeyTooLong = fmt.Errorf("key too long (max %d chars)", MaxAttrKeyLength)

	// ErrNoMetrics is returned for a bucket without metrics
	ErrNoMetrics = errors.New("bucket has no metrics")

	// ErrInvalidAppID is returned for an empty or oversized app id
	ErrInvalidAppID = fmt.Errorf("invalid app id (1-%d chars)", MaxAppIDLength)
)

// Bucket is one aggregated entry of a harvest payload.
type Bucket struct {
	Params  map[string]any            `json:"params"`
	Metrics map[string]storage.Metric `json:"metrics"`
	Custom  map[string]any            `json:"custom,omitempty"`
}

// Payload is a harvest body: event type -> buckets.
type Payload map[string][]Bucket

// KnownType reports whether the collector accepts buckets of eventType
func KnownType(eventType string) bool {
	return knownTypes[eventType]
}

// ValidateAppID validates the app id taken from the request path
func ValidateAppID(appID string) error {
	if appID == "" || len(appID) > MaxAppIDLength {
		return ErrInvalidAppID
	}
	return nil
}

// ValidatePayload validates a harvest payload against the collector's limits
func ValidatePayload(p Payload) error {
	total := 0
	for eventType, buckets := range p {
		if !knownTypes[eventType] {
			return fmt.Errorf("%w: %q", ErrUnknownType, eventType)
		}
		total += len(buckets)
		if total > MaxBucketsPerRequest {
			return ErrTooManyBuckets
		}
		for i, b := range buckets {
			if err := ValidateBucket(b); err != nil {
				return fmt.Errorf("%s[%d]: %w", eventType, i, err)
			}
		}
	}
	return nil
}

// ValidateBucket validates one bucket
func ValidateBucket(b Bucket) error {
	if len(b.Metrics) == 0 {
		return ErrNoMetrics
	}
	if len(b.Metrics) > MaxMetricsPerBucket {
		return fmt.Errorf("too many metrics (max %d): %d", MaxMetricsPerBucket, len(b.Metrics))
	}
	if len(b.Params) > MaxParamsPerBucket {
		return fmt.Errorf("%w: %d", ErrTooManyParams, len(b.Params))
	}
	if len(b.Custom) > MaxCustomPerBucket {
		return fmt.Errorf("%w: %d", ErrTooManyAttributes, len(b.Custom))
	}
	for k := range b.Params {
		if len(k) > MaxAttrKeyLength {
			return fmt.Errorf("%w: param %.32q", ErrKeyTooLong, k)
		}
	}
	for k := range b.Custom {
		if len(k) > MaxAttrKeyLength {
			return fmt.Errorf("%w: attribute %.32q", ErrKeyTooLong, k)
		}
	}
	return nil
}
