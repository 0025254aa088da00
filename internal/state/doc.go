// Package state holds the single versioned payload shared between the
// HTTP trigger side and the WebSocket session side.
//
// Writers call [Store.Write]; sessions call [Store.Read] on their poll
// cadence and compare the returned version against the last one they
// pushed. The version is a plain uint32 serial, so change detection is a
// comparison and never needs a subscriber registry.
//
// Concurrent writes are serialized in arbitrary order and the last one
// wins. Readers never observe a version without its payload.
package state
