package events

import (
	"fmt"
	"hash/fnv"
	"strings"
)

// Topic families, one per aggregate kind.
const (
	TopicOrderEvents   = "order-events"
	TopicPaymentEvents = "payment-events"
	TopicSagaEvents    = "saga-events"
)

// Topic maps an event type to its topic family. Unknown prefixes land on the
// saga topic so nothing is silently dropped.
func Topic(eventType string) string {
	switch {
	case strings.HasPrefix(eventType, "Order"):
		return TopicOrderEvents
	case strings.HasPrefix(eventType, "Payment"):
		return TopicPaymentEvents
	default:
		return TopicSagaEvents
	}
}

// ShardedTopic derives a content-addressed topic: the family suffixed with a
// stable shard index computed from the correlation id. With shards < 2 it
// degrades to the plain family name. Pure function, independent of any bus.
func ShardedTopic(eventType, correlationID string, shards int) string {
	family := Topic(eventType)
	if shards < 2 || correlationID == "" {
		return family
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(correlationID))
	return fmt.Sprintf("%s-%d", family, h.Sum32()%uint32(shards))
}
