// Package keyd runs the key custody service: it tracks whether the one
// shared office key is on its hook, arbitrates who gets it next through a
// reservation queue with expiring holds, and tells everybody about it.
//
// # Running a server
//
// A Server owns a single event loop (internal/core) that is the only writer
// of custody and queue state. Everything else feeds it or listens to it:
//
//   - the RFID reader on a serial line reports reads; a watchdog turns a
//     silent reader into "key taken",
//   - browsers connect over a websocket on /ws, receive a HELLO with the
//     current state and every change after it, and enqueue or leave the
//     queue,
//   - an LED ring shows the state and the countdown of the queue head,
//   - chat rooms, mail and a NATS subject tree receive notifications.
//
//	cfg := keyd.Config{
//	    Listen:       ":8080",
//	    SensorDevice: "/dev/ttyAMA0",
//	    MailAddr:     "smtp.example.com:25",
//	    MailFrom:     "keyd@example.com",
//	    MailTo:       []string{"office@example.com"},
//	}
//	srv, err := keyd.NewServer(cfg, keyd.WithLogger(logger))
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("keyd: %v", err)
//	    }
//	}()
//	defer srv.Shutdown(context.Background())
//
// Start returns an error wrapping core.ErrSensorFailed when the reader cannot
// be opened or read; the process is expected to exit and be restarted.
//
// # Debug mode
//
// Config.DebugMode ignores the reader, shortens the missing, escalation and
// queue hold timeouts to 5s, 3s and 10s, and never mails. Custody then only
// changes through GET /switch.
//
// # HTTP endpoints
//
//	GET /ws       websocket; session cookie kk_sess carries the client id
//	GET /state    current snapshot
//	GET /switch   toggle taken/returned, returns the new snapshot
//	GET /glance   chat glance body for the current state
//	GET /healthz  liveness
//
// Websocket clients send {"type":"REQ_ENQUEUE"} or {"type":"REQ_LEAVE_QUEUE"}
// with an optional "id" and receive {"type":"REPLY","id":...,"status":...}
// where status starts with DONE! or FAIL!.
//
// # Telemetry
//
// Config.MetricsListen serves Prometheus metrics (keyd.events,
// keyd.queue.length, keyd.clients.connected, ...). Config.OTLPEndpoint exports
// traces for every core operation and HTTP request.
package keyd
