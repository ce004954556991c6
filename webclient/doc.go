// Package webclient is an asynchronous network client core.
//
// A Runtime bundles a transport Factory (URL scheme to Transport), a
// connection Pool keyed by scheme://host:port, usage Stats and the dispatcher
// that runs receivers. A Connection is configured with setters and started
// with Send; the handshake happens on the first Send. Progress is reported
// asynchronously:
//
//   - state receivers see every transition of the state machine
//     (Connecting, Connected, Closing, Closed, Retry, Disconnected);
//   - data receivers see one RequestData per received chunk, the last one
//     with Done set.
//
// Receivers of one connection run one at a time and in order, on a worker
// chosen by the connection ID. They may call Close and Pool.Release but not
// Shutdown on their own connection.
//
//	rt, _ := webclient.NewRuntime(webclient.WithConfig(cfg))
//	defer rt.Close()
//	transports.RegisterDefaults(rt, transports.Config{})
//
//	c, err := rt.Request("http://example.com/", nil, "GET", nil,
//		func(d *webclient.RequestData) {
//			if d.Done {
//				rt.Release(c)
//			}
//		}, nil)
package webclient
