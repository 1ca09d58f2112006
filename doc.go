// Package routed is a hot-reloadable HTTP runtime. It discovers routes from
// a source tree, keeps a versioned route table in sync while files change,
// and runs every request through a middleware chain, lifecycle hooks and a
// time-bounded handler with guaranteed cleanup.
//
// # Units
//
// Every file below the source root that declares a routable unit maps to one
// route. The path relative to the root, without extension, is the unit's
// source id; segments written as [name] become parameters, [...name] a
// trailing catch-all, and index segments are elided:
//
//	routes/users.go          GET /users
//	routes/users/[id].go     GET /users/:id
//	routes/files/[...p].hcl  GET /files/*p
//
// Go files are inspected without being compiled. An exported function named
// after an HTTP method (GET, POST, ...) declares the method; a constant Path
// overrides the derived pattern. The handler code itself is compiled into the
// program and registered under (source id, entry ref):
//
//	srv, err := routed.NewServer(routed.Config{SourceRoot: "./routes"},
//	    routed.WithEntry("users/[id]", "GET", pipeline.Entry{
//	        Handler: func(w http.ResponseWriter, r *http.Request, g *pipeline.Global, l *pipeline.Local) error {
//	            return json.NewEncoder(w).Encode(map[string]string{"id": l.Param("id")})
//	        },
//	    }),
//	)
//
// Declarative .hcl units reference a named entry or carry a static response:
//
//	route {
//	  method = "GET"
//	  respond {
//	    content_type = "application/json"
//	    body         = jsonencode({ ok = true })
//	  }
//	}
//
// # Running a server
//
//	srv, stop, err := routed.StartServer(ctx, routed.Config{
//	    SourceRoot: "./routes",
//	    Listen:     "127.0.0.1:8080",
//	    Manifest:   "sqlite:///var/lib/routed/manifest.db",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
//
// NewServer registers modules and freezes the registry, scans the whole tree
// and publishes route table version 1 before Start listens. Edits are
// debounced and applied as one batch; the table is rebuilt and swapped
// atomically, so a request sees exactly one version from start to finish.
// Shutdown drains HTTP and in-flight requests, stops the watcher, closes
// modules in reverse registration order, then the manifest and telemetry.
//
// # Errors
//
// Handler errors never reach clients verbatim. A response carries an error
// code, a detail that is generic unless the handler opted in through
// pipeline.HandlerError, and the request id that also appears in the logs.
// Handlers that overrun their timeout yield 504 handler_timeout.
//
// Set ROUTED_TRACE=true (or Config.Trace) to record per-request traces,
// available under /_routed/traces/{requestId}.
package routed
