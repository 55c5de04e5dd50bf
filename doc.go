// Package slimbus is a message-bus abstraction with pluggable transports
// (Kafka, Redis, NATS, in-memory) supporting two interaction styles:
// fire-and-forget publish/subscribe and correlated request/response over
// the same asynchronous transports.
//
// # Registration
//
// A bus is configured once through a builder and immutable afterwards:
//
//	b := slimbus.NewBuilder().
//	    WithSerializer(serializer.JSON{}).
//	    WithResolver(resolver).
//	    WithTransport(func(*transport.Topology) (transport.Transport, error) {
//	        return kafka.New(client)
//	    }).
//	    ExpectRequestResponses("orders-resp", "web", 30*time.Second)
//	slimbus.AddPublisher[OrderCreated](b, "orders",
//	    slimbus.WithKey(func(m OrderCreated) []byte { return []byte(m.ID) }))
//	slimbus.SubscribeTo[OrderCreated](b, "orders", "audit",
//	    slimbus.TypeOf[*AuditHandler]())
//	slimbus.Handle[EchoRequest, EchoResponse](b, "echo", "workers",
//	    slimbus.TypeOf[*EchoHandler]())
//	bus, err := b.Build(ctx)
//
// # Request/response
//
// Send assigns each request an opaque correlation id, registers a pending
// entry with a deadline, and publishes the request with an envelope header
// naming the reply topic. The handler side publishes the response (or a
// fault) under the same correlation id; the response processor resolves
// the pending entry. Late replies after timeout are dropped.
//
// # Delivery semantics
//
// Consumption is at-least-once: offsets are committed only after dispatch
// completes, so handlers must be idempotent or the application must
// tolerate duplicates across rebalances.
package slimbus
