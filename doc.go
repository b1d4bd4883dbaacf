// Package netlock exposes the Go APIs behind netlockd, a single-binary
// network lock manager. Clients hold locks over plain TCP or unix socket
// connections and a lock lives exactly as long as the connection that took
// it, so a crashed client never leaves a stale lock behind.
//
// Copyright (C) 2025 Michel Blomgren <https://pkt.systems>
//
// # Running a server
//
// The server listens on Config.Listen (default ":9342") and, optionally, on
// the unix socket Config.UnixSocket. Setting Listen to "-" serves the unix
// socket only.
//
//	cfg := netlock.Config{
//	    Listen:     ":9342",
//	    UnixSocket: "/run/netlock.sock",
//	    Management: true,
//	}
//	srv, err := netlock.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("netlockd: %v", err)
//	    }
//	}()
//	defer srv.Shutdown(context.Background())
//
// StartServer wraps the same steps, waits until the listeners are bound and
// returns a stop function:
//
//	srv, stop, err := netlock.StartServer(ctx, netlock.Config{Listen: "127.0.0.1:0"})
//	if err != nil { log.Fatal(err) }
//	defer stop(context.Background())
//
// # Resources
//
// Every resource is served by its own goroutine that owns the holders and the
// wait queue. The name decides the kind: "orders" is a simple resource with
// DLM modes, "pool[4]" a numeric resource with capacity 4, "a,b,c" a set of
// elements and "fs/home/alice" a node in a hierarchy. Resources are created on
// first use and retire after Config.Lifespan without connections.
//
// # Shutdown
//
// Shutdown stops accepting connections and lets resources drain for up to
// Config.DrainGrace before they are stopped. Close stops everything at once.
// With Config.Management enabled, clients can trigger either mode through a
// MANAGEMENT request.
//
// # Observability
//
// Config.MetricsListen serves Prometheus metrics, Config.AdminListen serves
// JSON snapshots of live resources, Config.OTLPEndpoint exports traces and
// Config.PprofListen exposes net/http/pprof.
//
// # Overload guard
//
// With Config.QRFEnabled the server samples pending connections, live
// resources and host pressure every Config.LSFSampleInterval. While a soft or
// hard limit is crossed, new connections wait a short pacing delay before
// their first request is read. When the delay would exceed Config.QRFMaxWait
// the first request is answered busy instead. Connections that already hold
// or wait for a lock are never touched.
//
// # Client SDK
//
// The Go client lives in pkt.systems/netlock/client and the in-process
// variant, which embeds a daemon on a private unix socket, in
// pkt.systems/netlock/client/inprocess.
package netlock
