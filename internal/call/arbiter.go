package call

// ShouldInitiate decides which of two matched peers sends the offer. When a
// match notifies both devices nearly simultaneously, both offering causes
// glare and neither offering deadlocks; a total order over the ids yields
// exactly one initiator with no extra round trip. The comparison is pure
// and independent of arrival order or network timing: the lexicographically
// smaller id initiates.
func ShouldInitiate(selfID, peerID string) bool {
	return selfID < peerID
}
