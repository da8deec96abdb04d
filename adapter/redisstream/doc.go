// Package redisstream provides a Redis Streams broker for microbus.
//
// Broker name: "redis-streams"
//
// Each queue is a stream with one consumer group. DeclareQueue creates both
// (XGROUP CREATE ... MKSTREAM), Publish appends with XADD and Consume reads
// with XREADGROUP NOACK, so entries are acknowledged the moment they are read.
//
// Config keys:
//   - addr: "host:port" (default "127.0.0.1:6379")
//   - group: consumer group name (default "microbus")
//   - consumer: consumer name (default "microbus-<host>-<pid>")
//   - batch_size: XREADGROUP COUNT (default 128)
//   - block: XREADGROUP BLOCK duration (default 5s)
//   - max_len_approx: approximate stream length cap (default 0, unbounded)
//
// Example builder usage:
//
//	bus, err := microbus.NewBusBuilder().
//	    WithBroker(redisstream.BrokerName, map[string]any{
//	        "addr":  "localhost:6379",
//	        "group": "payments",
//	        "block": "2s",
//	    }).
//	    Build()
package redisstream
