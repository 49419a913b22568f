// Package sdk is the client side of the gateway's WebSocket protocol. A
// Client performs the hello/welcome handshake, keeps a subscription set and
// a table of outstanding queries, and reconnects with exponential backoff
// when the connection drops.
//
// Construction
//
//	c := sdk.New(sdk.Config{URL: "wss://gateway.example/ws", Token: tok})
//	if err := c.Connect(ctx); err != nil {
//	    return err
//	}
//	defer c.Close()
//	_ = c.Subscribe("pressure.nfl-2024-w1")
//	for ev := range c.Events() {
//	    ...
//	}
//
// # Reconnects
//
// After a disconnect the client waits Backoff(n, BaseDelay, MaxDelay,
// jitter) and dials again. Every subscription is re-sent and every query
// still waiting for its reply is re-sent under its original correlation id.
// Frames passed to Send while disconnected are held in a bounded queue and
// flushed once the next session opens. After MaxAttempts consecutive failed
// attempts the client moves to StateFailed and Err returns ErrFailed.
//
// Close codes 4001 and 4003, and error frames carrying AuthFailed, TierDenied
// or PolicyViolation, stop the client immediately: retrying with the same
// token cannot succeed.
//
// A connection that shows no server traffic for two heartbeat intervals is
// treated as dead and dropped.
package sdk
