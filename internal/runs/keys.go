package runs

// Counter-store key layout. Every key is scoped by (actor) or (actor, run)
// so tenants cannot interfere with each other.
func runKey(id string) string       { return "demo:run:" + id }
func tombstoneKey(id string) string { return "demo:tombstone:" + id }
func activeKey(actor string) string { return "demo:active:" + actor }

func pollCountKey(actor, id string) string { return "demo:poll:count:" + actor + ":" + id }
func pollLastKey(actor, id string) string  { return "demo:poll:last:" + actor + ":" + id }

// runKeyPrefix is scanned by the expiry sweeper.
const runKeyPrefix = "demo:run:"
