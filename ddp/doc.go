// Package ddp implements the client side of a DDP-style publish/subscribe and
// RPC protocol over a persistent, message-oriented connection.
//
// A Client keeps a local mirror of the collections the peer publishes and
// invokes remote methods whose results arrive asynchronously:
//   - Connection lifecycle (Disconnected, Connecting, Connected, Failed, Closed)
//   - Correlation of method calls and subscriptions by id (Registry)
//   - Incremental merge of added/changed/removed diffs into a Store
//   - Change and connection-status notifications for observers
//
// # Transport
//
// The client does not dial anything itself. It drives any Transport that can
// send text frames and report open/message/error/close back to a
// TransportHandler. The http package in this module provides a WebSocket
// transport:
//
//	client, err := gohttp.Dial(ctx, "ws://localhost:3000/websocket", nil, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
// # Calls and subscriptions
//
//	client.Call("tasks.add", func(result json.RawMessage, err error) {
//	    // err is a *RemoteError when the peer reported one
//	}, "buy milk")
//
//	subId, err := client.Subscribe("tasks", nil, func(_ json.RawMessage, err error) {
//	    // called once when the initial snapshot is complete (ready),
//	    // or with an error if the peer refused the subscription (nosub)
//	})
//
// # Message Protocol
//
// Every frame is a JSON object with a "msg" discriminator:
//
//	// Client → Peer
//	{"msg": "connect", "version": "1", "support": ["1", "pre2", "pre1"]}
//	{"msg": "method", "id": "1", "method": "tasks.add", "params": ["buy milk"]}
//	{"msg": "sub", "id": "2", "name": "tasks", "params": []}
//	{"msg": "unsub", "id": "2"}
//	{"msg": "pong", "id": "7"}
//
//	// Peer → Client
//	{"msg": "connected", "session": "..."}
//	{"msg": "failed", "version": "1"}
//	{"msg": "result", "id": "1", "result": ...}             // or "error": {...}
//	{"msg": "nosub", "id": "2", "error": {...}}
//	{"msg": "added", "collection": "tasks", "id": "42", "fields": {...}}
//	{"msg": "changed", "collection": "tasks", "id": "42", "fields": {...}, "cleared": [...]}
//	{"msg": "removed", "collection": "tasks", "id": "42"}
//	{"msg": "ready", "subs": ["2"]}
//	{"msg": "ping", "id": "7"}
//
// Frames with a missing or unknown "msg" are dropped silently. Frames that
// cannot be decoded are logged and dropped; they never close the connection.
package ddp
