// Package sshmux implements the core SSH-2 protocol engine: the
// transport-layer key exchange state machine, the multiplexed channel
// subsystem with window-based flow control, and the request/reply
// correlation protocol layered on a single encrypted connection.
//
// The engine is single-threaded and cooperative. Every nominally
// blocking call (connect, channel open, request, read) drives an
// internal packet-processing pump until its completion predicate holds
// or a deadline passes. A timeout surfaces as ErrTimeout, a distinct
// try-again status, never as a session failure. One session must not be
// entered from two goroutines at once; independent sessions share
// nothing and may run on separate goroutines freely.
//
// Example:
//
//	opts := sshmux.DefaultOptions()
//	opts.HostKeyCallback = func(publicBlob []byte) error {
//	    return nil // consult known_hosts here
//	}
//	session, err := sshmux.Dial("tcp", "host:22", opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer session.Disconnect()
//
//	if err := session.AuthPassword("user", "secret"); err != nil {
//	    log.Fatal(err)
//	}
//
//	ch, err := session.OpenSession()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := ch.RequestExec("uptime"); err != nil {
//	    log.Fatal(err)
//	}
//
//	out := make([]byte, 4096)
//	n, err := ch.Read(out)
//	if err != nil && err != io.EOF {
//	    log.Fatal(err)
//	}
//	fmt.Print(string(out[:n]))
package sshmux
