// Package ws implements the per-machine WebSocket broadcast hub.
//
// Subscribers register under a machine id. Broadcast serialises one reading
// and pushes it to every subscriber of that machine; a subscriber whose send
// fails is dropped and closed while delivery continues to the others.
//
// Hub.ServeMachine upgrades an HTTP request to WebSocket and registers the
// connection as a subscriber. Clients may send the text message "ping" and
// receive "pong". Hub.Run blocks until ctx is cancelled, then closes every
// subscriber.
//
// Message format sent to clients:
//
//	{
//	  "machine_id": 1,
//	  "data": {
//	    "temperature": 71.25,
//	    "vibration": 1.204,
//	    "energy_consumption": 402.5,
//	    "recorded_at": "2024-05-01T12:00:00Z"
//	  }
//	}
//
// The upgrader accepts all origins. Apply CORS restrictions at the reverse
// proxy level.
package ws
