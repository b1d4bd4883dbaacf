// Package client is the Go SDK for netlockd.
//
// # Quick start
//
// The address decides the transport:
//
//   - host:9342 or tcp://host:9342 for TCP
//   - unix:///run/netlock.sock for a local unix socket
//
// Every lease owns one connection. Losing the connection releases the lock,
// so a crashed process never leaves a lock behind:
//
//	cli, err := client.New("127.0.0.1:9342")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cli.Close()
//
//	lease, err := cli.Lock(ctx, "orders", client.WithMode("EX"))
//	if errors.Is(err, client.ErrBusy) {
//	    // someone else holds it and the request did not wait
//	}
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer lease.Unlock(ctx)
//
// # Resource names
//
// The shape of the name picks the resource kind:
//
//   - "orders" is a simple resource locked with DLM modes (NL, CR, CW, PR, PW, EX)
//   - "pool[4]" or "pool(4)" is a numeric resource with capacity 4; use WithQuantity
//   - "a,b,c" is a set; each lease gets one free element, see Lease.Element
//   - "fs/home/alice" is hierarchical; a lock conflicts with ancestors and descendants
//
// # Waiting
//
// By default the daemon queues a request that cannot be granted and Lock
// blocks until the grant arrives. WithWait(false) turns that into an
// immediate ErrBusy. Cancelling the context of a waiting Lock withdraws the
// request.
package client
