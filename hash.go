package agentrink

import (
	"encoding/binary"
	"hash/fnv"
	"sort"

	"github.com/dgryski/go-jump"
)

// ConsistentHashTask maps a task onto one of memberCount buckets (somewhat) evenly.
// If memberCount is decreased, tasks in buckets lower than memberCount keep their bucket.
func ConsistentHashTask(task string, memberCount int32) int32 {
	// Convert task string to uint64 hash key
	h := fnv.New64a()
	_, _ = h.Write([]byte(task))
	b := h.Sum(nil)
	key := binary.BigEndian.Uint64(b[len(b)-8:])

	return jump.Hash(key, int(memberCount))
}

// reclaimPosition returns how many members come before me in the
// reclaim order for task. The member at the task's hash bucket goes
// first and the rest follow in name order, wrapping around.
// It returns 0 if I am not a member.
func reclaimPosition(task string, members map[string]bool, me string) int {
	if !members[me] {
		return 0
	}
	names := make([]string, 0, len(members))
	for m := range members {
		names = append(names, m)
	}
	sort.Strings(names)

	first := int(ConsistentHashTask(task, int32(len(names))))
	mine := sort.SearchStrings(names, me)

	return (mine - first + len(names)) % len(names)
}
