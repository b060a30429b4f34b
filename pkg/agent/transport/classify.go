package transport

import (
	"net/http"
	"strconv"
	"time"

	"github.com/nicktill/tinyrum/pkg/agent/harvest"
	"github.com/nicktill/tinyrum/pkg/config"
)

// Classify maps a response to the harvest result contract:
//
//	2xx                                     -> Sent
//	408, 429, 500, 502, 503, 504, no answer -> Retry
//	block header, other 4xx                 -> Blocked
//	anything else                           -> Dropped
//
// A Retry-After header on 429 or 503 becomes Result.Delay.
func Classify(resp Response) harvest.Result {
	res := harvest.Result{Status: resp.Status, Err: resp.Err}

	if resp.Err != nil || resp.Status == 0 {
		res.Outcome = harvest.Retry
		return res
	}
	if resp.Header.Get(config.BlockHeader) != "" {
		res.Outcome = harvest.Blocked
		return res
	}

	switch s := resp.Status; {
	case s >= 200 && s < 300:
		res.Outcome = harvest.Sent
	case s == http.StatusRequestTimeout,
		s == http.StatusInternalServerError,
		s == http.StatusBadGateway,
		s == http.StatusGatewayTimeout:
		res.Outcome = harvest.Retry
	case s == http.StatusTooManyRequests, s == http.StatusServiceUnavailable:
		res.Outcome = harvest.Retry
		res.Delay = retryAfter(resp.Header.Get("Retry-After"), time.Now())
	case s >= 400 && s < 500:
		res.Outcome = harvest.Blocked
	default:
		res.Outcome = harvest.Dropped
	}
	return res
}

// retryAfter parses delay-seconds or an HTTP date. Unparseable or past values yield 0.
func retryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
