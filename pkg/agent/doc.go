/*
Package agent provides the TinyRUM agent for reporting errors from Go applications.

# Quick Start

Instrument your application:

	package main

	import (
	    "context"
	    "net/http"

	    "github.com/nicktill/tinyrum/pkg/agent"
	    "github.com/nicktill/tinyrum/pkg/agent/httpx"
	)

	func main() {
	    // Create the agent
	    a, err := agent.New(agent.Config{
	        AppID:    "my-app",
	        Endpoint: "http://localhost:8080",
	    })
	    if err != nil {
	        log.Fatal(err)
	    }

	    // Start the agent (arms the harvest timer)
	    a.Start(context.Background())
	    defer a.Shutdown(context.Background())

	    // Wrap HTTP handlers to catch panics and attribute errors to requests
	    mux := http.NewServeMux()
	    mux.HandleFunc("/", homeHandler)
	    handler := httpx.Middleware(a)(mux)

	    http.ListenAndServe(":8000", handler)
	}

This automatically tracks:
  - Handler panics, grouped by stack
  - Outbound calls made through httpx.RoundTripper
  - The request each error belongs to

# Noticing Errors

	if err := chargeCard(ctx, order); err != nil {
	    a.NoticeError(err, map[string]any{"order_id": order.ID})
	}

Inside a request served through httpx.Middleware, pass the request context so the error is
attributed to that request even when others are in flight:

	a.NoticeErrorContext(r.Context(), err, nil)

Errors wrapped with github.com/pkg/errors keep the stack of the original call site. Anything
else is reported with the stack of the caller.

Repeats of the same error are not sent one by one. They are counted in a bucket keyed by the
error's stack and custom attributes, and each bucket is sent once per harvest with its count
and timing stats. The full stack text goes out only the first time a given error is seen in
the session; later harvests carry a short hash of it.

# Buffering

Observations made before Start are held and replayed, in order, when Start runs. A Block
observed before Start is replayed first so nothing held is sent for a blocked feature.

# Harvesting

Every HarvestPeriod the agent sends what it has aggregated. Only one send is outstanding at a
time; a tick that finds a send in progress is skipped.

The collector's answer decides what happens to the data:

	2xx                          sent, data released
	408 429 500 502 503 504      kept and merged into the next harvest
	network error                kept and merged into the next harvest
	X-Tinyrum-Block, other 4xx   feature blocked for the session
	anything else                data discarded

Retry-After on 429 or 503 delays the next harvest, capped at MaxRetryDelay.

# Shutdown

Shutdown runs a final harvest. It prefers a keep-alive request, then a beacon, then a blocking
request, as enabled in Config.Env, and does not wait for the collector's answer. It waits for
the request to leave until ctx ends.

# Interactions

	a.BeginInteraction(id)
	// ... errors noticed here are held
	a.InteractionDone(id, true, map[string]any{"route": "/checkout"})

Errors noticed during an open interaction are held until it ends. A saved interaction adds its
id and attributes to them; a discarded one releases them unchanged.

# Custom Attributes

Attributes apply in increasing precedence: session attributes from SetCustomAttribute, then the
interaction's, then the ones passed with the error. Maps, slices and structs are sent as JSON
strings.
*/
package agent
