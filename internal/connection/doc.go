// Package connection owns the session's single chat stream connection.
//
// # State machine
//
//	Disconnected|Failed --Connect--> Connecting --ack--> Connected
//	Connected --drop--> Reconnecting --success--> Connected
//	Reconnecting --attempts exhausted--> Failed
//	any --auth rejection--> Failed
//	any --Disconnect--> Disconnected
//
// Reconnecting waits on the ReconnectPolicy ladder (1s, 2s, 4s, 8s, 10s by
// default) before each attempt. Auth rejections are never retried: the token
// source is told via Invalidate and the manager stays Failed until Connect is
// called again.
//
// # Rooms
//
// Join and Leave keep a set of joined conversations. The set survives drops and
// is replayed to the server after every transition to Connected.
//
// # Generations
//
// Every Connect, Reconnect and Disconnect starts a new generation. A dial that
// completes or a read loop that ends after its generation was superseded
// changes nothing.
package connection
