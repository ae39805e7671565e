package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueryTransitions(t *testing.T) {
	cases := []struct {
		from, to QueryState
		ok       bool
	}{
		{QueryIdle, QueryPreparing, true},
		{QueryPreparing, QueryRunning, true},
		{QueryPreparing, QueryAborting, true},
		{QueryPreparing, QueryIdle, true},
		{QueryRunning, QueryIdle, true},
		{QueryRunning, QueryAborting, true},
		{QueryAborting, QueryIdle, true},
		{QueryIdle, QueryRunning, false},
		{QueryIdle, QueryAborting, false},
		{QueryAborting, QueryRunning, false},
		{QueryRunning, QueryPreparing, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, validQueryTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestActivityTransitions(t *testing.T) {
	cases := []struct {
		from, to ActivityState
		ok       bool
	}{
		{ActivityIdle, ActivityWorking, true},
		{ActivityWorking, ActivityWaiting, true},
		{ActivityWaiting, ActivityWorking, true},
		{ActivityWorking, ActivityIdle, true},
		{ActivityWaiting, ActivityIdle, true},
		{ActivityIdle, ActivityWaiting, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, validActivityTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}
