package slimbus

import "context"

// Delivery describes where a dispatched message came from.
// Partition and Offset are meaningful only on partitioned transports.
type Delivery struct {
	Topic     string
	Partition int32
	Offset    int64
}

type deliveryContextKey struct{}

func withDelivery(ctx context.Context, d Delivery) context.Context {
	return context.WithValue(ctx, deliveryContextKey{}, d)
}

// DeliveryFromContext returns the delivery info for the message being
// handled, when called from inside a Subscriber or RequestHandler.
func DeliveryFromContext(ctx context.Context) (Delivery, bool) {
	d, ok := ctx.Value(deliveryContextKey{}).(Delivery)
	return d, ok
}
