package repack

import (
	"github.com/stretchr/testify/assert"
	"testing"
	"time"
)

func Test_escalationAction(t *testing.T) {
	const wait = 60 * time.Second

	testcases := []struct {
		name             string
		elapsed          time.Duration
		serverVersionNum int
		want             escalateAction
	}{
		{name: "within deadline", elapsed: 10 * time.Second, serverVersionNum: 90600, want: escalateNone},
		{name: "exactly at deadline", elapsed: wait, serverVersionNum: 90600, want: escalateNone},
		{name: "past deadline", elapsed: 61 * time.Second, serverVersionNum: 90600, want: escalateCancel},
		{name: "past doubled deadline", elapsed: 121 * time.Second, serverVersionNum: 90600, want: escalateTerminate},
		{name: "exactly at doubled deadline", elapsed: 2 * wait, serverVersionNum: 90600, want: escalateCancel},
		{name: "old server never terminates", elapsed: 10 * time.Minute, serverVersionNum: 80300, want: escalateCancel},
		{name: "8.4 terminates", elapsed: 121 * time.Second, serverVersionNum: 80400, want: escalateTerminate},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, escalationAction(tc.elapsed, wait, tc.serverVersionNum))
		})
	}
}

func Test_lockTimeoutMillis(t *testing.T) {
	testcases := []struct {
		attempt int
		want    int
	}{
		{attempt: 1, want: 100},
		{attempt: 2, want: 200},
		{attempt: 9, want: 900},
		{attempt: 10, want: 1000},
		{attempt: 11, want: 1000},
		{attempt: 100, want: 1000},
	}

	for _, tc := range testcases {
		assert.Equal(t, tc.want, lockTimeoutMillis(tc.attempt))
	}
}
