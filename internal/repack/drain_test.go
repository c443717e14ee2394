package repack

import (
	"github.com/stretchr/testify/assert"
	"testing"
)

func Test_waitProgress_report(t *testing.T) {
	p := newWaitProgress()

	// the first observation is always news
	assert.True(t, p.report(3))
	assert.False(t, p.report(3))
	assert.False(t, p.report(3))

	// the set shrank
	assert.True(t, p.report(2))
	assert.False(t, p.report(2))
	assert.True(t, p.report(1))
}

func Test_aliveSet_add(t *testing.T) {
	testcases := []struct {
		name      string
		pids      []int
		wantCount int
		wantFirst int
	}{
		{name: "empty", pids: nil, wantCount: 0, wantFirst: 0},
		{name: "single blocker", pids: []int{4242}, wantCount: 1, wantFirst: 4242},
		{name: "first pid kept", pids: []int{100, 200, 300}, wantCount: 3, wantFirst: 100},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			var alive aliveSet
			for _, pid := range tc.pids {
				alive.add(pid)
			}
			assert.Equal(t, tc.wantCount, alive.count)
			assert.Equal(t, tc.wantFirst, alive.firstPid)
		})
	}
}
