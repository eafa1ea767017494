package ledger

// Deduplicate filters out movements whose movement keys have all been
// committed before. A movement with any unseen key is kept whole: batches
// persist atomically, so a partially-known movement means the earlier
// submission never committed. Order is preserved and the input is not
// modified.
func Deduplicate(movements []Movement, committed map[MovementKey]struct{}) []Movement {
	if len(committed) == 0 {
		return movements
	}
	fresh := make([]Movement, 0, len(movements))
	for _, m := range movements {
		if allKeysCommitted(m, committed) {
			continue
		}
		fresh = append(fresh, m)
	}
	return fresh
}

func allKeysCommitted(m Movement, committed map[MovementKey]struct{}) bool {
	for _, key := range m.Keys() {
		if _, ok := committed[key]; !ok {
			return false
		}
	}
	return true
}
