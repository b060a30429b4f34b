// Package transport carries harvest payloads to the collector.
//
// The send mechanisms are exposed as a capability set: an ordinary request that can be awaited
// (XHR, optionally synchronous), a keep-alive request that outlives the caller's context
// (FetchKeepAlive) and a fire-and-forget send (Beacon). SelectMethod picks one per harvest,
// Submit falls back to async XHR when the pick cannot even start, and Classify turns every
// response into the same harvest.Result.
package transport

import (
	"context"
	"errors"
	"net/http"
)

var (
	// ErrBeaconRejected is reported when the beacon refused to queue a request.
	ErrBeaconRejected = errors.New("transport: beacon rejected request")

	// ErrPayloadTooLarge is returned by keep-alive sends over the size limit.
	ErrPayloadTooLarge = errors.New("transport: payload too large for keep-alive send")

	// ErrUnsupported is returned by a capability the environment does not have.
	ErrUnsupported = errors.New("transport: method not supported")
)

// Method is one submission mechanism.
type Method int

const (
	MethodXHR Method = iota
	MethodXHRSync
	MethodFetchKeepAlive
	MethodBeacon
)

func (m Method) String() string {
	switch m {
	case MethodXHR:
		return "xhr"
	case MethodXHRSync:
		return "xhr_sync"
	case MethodFetchKeepAlive:
		return "fetch_keepalive"
	case MethodBeacon:
		return "beacon"
	default:
		return "unknown"
	}
}

// Environment declares which optional mechanisms are available.
type Environment struct {
	SupportsFetchKeepAlive bool
	SupportsBeacon         bool
}

// Request is an encoded harvest ready to send.
type Request struct {
	URL     string
	Body    []byte
	Headers http.Header
}

// Response is what came back, or the failure that prevented an answer.
type Response struct {
	Status int
	Header http.Header
	Err    error
}

// Call is an outstanding request.
type Call struct {
	done chan struct{}
	resp Response
}

func newCall() *Call { return &Call{done: make(chan struct{})} }

func (c *Call) complete(resp Response) {
	c.resp = resp
	close(c.done)
}

// Done is closed once the response is available.
func (c *Call) Done() <-chan struct{} { return c.done }

// Wait blocks until the response arrives or ctx ends.
func (c *Call) Wait(ctx context.Context) Response {
	select {
	case <-c.done:
		return c.resp
	case <-ctx.Done():
		return Response{Err: ctx.Err()}
	}
}

// Capabilities is the set of send mechanisms. XHR and FetchKeepAlive return an error only when
// the request could not be started; Beacon returns false in that case.
type Capabilities interface {
	XHR(ctx context.Context, req Request, sync bool) (*Call, error)
	FetchKeepAlive(ctx context.Context, req Request) (*Call, error)
	Beacon(req Request) bool
}

// SelectMethod picks the mechanism for one harvest. Final harvests prefer a keep-alive fetch,
// then a beacon, then a synchronous XHR; everything else goes out as async XHR.
func SelectMethod(final bool, env Environment) Method {
	if !final {
		return MethodXHR
	}
	switch {
	case env.SupportsFetchKeepAlive:
		return MethodFetchKeepAlive
	case env.SupportsBeacon:
		return MethodBeacon
	default:
		return MethodXHRSync
	}
}

// Submission describes how a request went out.
type Submission struct {
	// Call is nil for beacon sends, which never report back.
	Call *Call
	// Method is the mechanism that carried the request.
	Method Method
	// FellBack is set when Chosen failed to start and async XHR was used instead.
	FellBack bool
	Chosen   Method
}

// Submit sends req with the selected method. When that method cannot start, the request goes
// out as async XHR in the same attempt; only a failure of that fallback is returned.
func Submit(ctx context.Context, caps Capabilities, env Environment, req Request, final bool) (Submission, error) {
	chosen := SelectMethod(final, env)
	sub := Submission{Method: chosen, Chosen: chosen}

	var (
		call *Call
		err  error
	)
	switch chosen {
	case MethodFetchKeepAlive:
		call, err = caps.FetchKeepAlive(ctx, req)
	case MethodBeacon:
		if !caps.Beacon(req) {
			err = ErrBeaconRejected
		}
	case MethodXHRSync:
		call, err = caps.XHR(ctx, req, true)
	default:
		call, err = caps.XHR(ctx, req, false)
		sub.Call = call
		return sub, err
	}
	if err == nil {
		sub.Call = call
		return sub, nil
	}

	call, err = caps.XHR(ctx, req, false)
	if err != nil {
		return sub, err
	}
	sub.Call = call
	sub.Method = MethodXHR
	sub.FellBack = true
	return sub, nil
}
