package agentrink

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsistentHashTask(t *testing.T) {
	testCases := []struct {
		name        string
		task        string
		memberCount int32

		expBucket int32
	}{
		{name: "zero member count returns invalid bucket",
			expBucket: -1},
		{name: "empty task is zero",
			memberCount: 1,
			expBucket:   0,
		},
		{name: "'test' task is 1 when size is 10",
			task:        "test",
			memberCount: 10,
			expBucket:   1,
		},
		{name: "'test' task is 1 when size is reduced to 5",
			task:        "test",
			memberCount: 5,
			expBucket:   1,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			bucket := ConsistentHashTask(tc.task, tc.memberCount)
			assert.Equal(t, tc.expBucket, bucket)
		})
	}
}

func TestConsistentHash_EvenDistribution(t *testing.T) {
	r := rand.New(rand.NewSource(0))
	randString := func() string {
		alphabet := "abcdefghijklmnopqrstuvwxyz"
		var b strings.Builder
		for i := 0; i < 20; i++ {
			_ = b.WriteByte(alphabet[r.Intn(len(alphabet))])
		}
		return b.String()
	}

	taskCount := 100_000
	tasks := make(map[string]bool, taskCount)
	for i := 0; i < taskCount; i++ {
		tasks[randString()] = true
	}
	require.Len(t, tasks, taskCount)

	memberCount := int32(20)
	buckets := make(map[int32]int)
	for task := range tasks {
		buckets[ConsistentHashTask(task, memberCount)]++
	}

	exp := float64(taskCount) / float64(memberCount)
	// Every bucket should receive 95-105% of the share
	fiveCent := exp * 0.05

	for bucket, count := range buckets {
		assert.InDelta(t, exp, count, fiveCent,
			"bucket %d has %d of %d tasks", bucket, count, taskCount,
		)
	}
}

func TestReclaimPosition(t *testing.T) {
	members := make(map[string]bool)
	for i := 0; i < 7; i++ {
		members[fmt.Sprintf("client-%d", i)] = true
	}

	for _, task := range []string{"leader", "agentX", "t1", ""} {
		t.Run(task, func(t *testing.T) {
			seen := make(map[int]string)
			for m := range members {
				pos := reclaimPosition(task, members, m)
				require.GreaterOrEqual(t, pos, 0)
				require.Less(t, pos, len(members))
				other, dup := seen[pos]
				require.False(t, dup, "%s and %s share position %d", m, other, pos)
				seen[pos] = m
			}
		})
	}
}

func TestReclaimPosition_NotMember(t *testing.T) {
	members := map[string]bool{"a": true, "b": true}
	assert.Equal(t, 0, reclaimPosition("t1", members, "c"))
	assert.Equal(t, 0, reclaimPosition("t1", nil, "a"))
}
