// Package notify fans catalog change events out to live clients.
//
// A mutation on any instance goes through the Publisher onto the shared
// bus. Every instance runs a Dispatcher subscribed to the same channel; it
// encodes each received event once and queues it on every Connection in the
// local Registry. Delivery is best-effort: a client that cannot keep up is
// disconnected rather than allowed to slow the others down.
package notify
