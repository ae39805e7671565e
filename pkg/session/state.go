package session

// QueryState tracks where a session is in its query lifecycle
type QueryState string

const (
	QueryIdle      QueryState = "idle"
	QueryPreparing QueryState = "preparing"
	QueryRunning   QueryState = "running"
	QueryAborting  QueryState = "aborting"
)

// ActivityState tracks what the session is doing from the user's view
type ActivityState string

const (
	ActivityIdle    ActivityState = "idle"
	ActivityWorking ActivityState = "working"
	// ActivityWaiting means a choice prompt is pending user input
	ActivityWaiting ActivityState = "waiting"
)

var queryTransitions = map[QueryState][]QueryState{
	QueryIdle:      {QueryPreparing},
	QueryPreparing: {QueryRunning, QueryAborting, QueryIdle},
	QueryRunning:   {QueryIdle, QueryAborting},
	QueryAborting:  {QueryIdle},
}

var activityTransitions = map[ActivityState][]ActivityState{
	ActivityIdle:    {ActivityWorking},
	ActivityWorking: {ActivityWaiting, ActivityIdle},
	ActivityWaiting: {ActivityWorking, ActivityIdle},
}

// validQueryTransition reports whether from → to is an allowed edge
func validQueryTransition(from, to QueryState) bool {
	for _, next := range queryTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func validActivityTransition(from, to ActivityState) bool {
	for _, next := range activityTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
