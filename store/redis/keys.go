package redis

// Key prefixes for primary entity storage.
const (
	prefixSubscription = "herald:sub:"
	prefixDelivery     = "herald:dlv:"
)

// Counters live in a hash beside the subscription document so that
// configuration writes never race with HINCRBY.
const prefixCounters = "herald:h:sub:ctr:" // + subscription ID

// Hash fields of the counters hash.
const (
	fieldSuccess       = "success"
	fieldFailure       = "failure"
	fieldLastTriggered = "last_triggered_at"
)

// Key prefixes for sorted set indexes.
const (
	zSubscriptionTenant = "herald:z:sub:tenant:" // + tenant ID
	zDeliveryAll        = "herald:z:dlv:all"
	zDeliveryTenant     = "herald:z:dlv:tenant:" // + tenant ID
	zDeliverySub        = "herald:z:dlv:sub:"    // + subscription ID
	zDeliveryDue        = "herald:z:dlv:due"

	// Pending records scored by the time they were created or claimed.
	zDeliveryLease = "herald:z:dlv:lease"
)

// entityKey returns the primary key for an entity.
func entityKey(prefix, id string) string {
	return prefix + id
}
