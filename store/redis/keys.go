package redis

import "github.com/xraph/herald/delivery"

// Key prefixes for primary entity storage.
const (
	prefixWebhook  = "herald:wh:"
	prefixDelivery = "herald:del:"
)

// Key prefixes for sorted set indexes.
const (
	zWebhookWorkspace = "herald:z:wh:ws:"       // + workspace ID, scored by CreatedAt
	zDeliveryAll      = "herald:z:del:all"      // scored by CreatedAt
	zDeliveryWebhook  = "herald:z:del:wh:"      // + webhook ID, scored by CreatedAt
	zDeliveryDue      = "herald:z:del:due:"     // + claimable state, scored by DueAt
	zDeliveryInFlight = "herald:z:del:inflight" // scored by UpdatedAt
)

// sDeliveryState is the set of delivery IDs currently in a state.
const sDeliveryState = "herald:s:del:state:" // + state

// entityKey returns the primary key for an entity.
func entityKey(prefix, id string) string {
	return prefix + id
}

// dueKey returns the due index of a claimable state. Membership in a due
// index is the claim token: whoever removes the member owns the delivery.
func dueKey(state delivery.State) string {
	return zDeliveryDue + string(state)
}

func stateKey(state delivery.State) string {
	return sDeliveryState + string(state)
}
