/*
Package resilience provides circuit breakers for origin fetches.

A Breaker guards a single dependency. A Group keeps one Breaker per origin
host so that an unreachable site fails fast without affecting others.

	group := resilience.NewGroup(resilience.Settings{
		Timeout: 30 * time.Second,
		ReadyToTrip: func(c resilience.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
	})

	err := group.Do(target.Host, func() error {
		return fetch(ctx, target)
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		// answer 503 without contacting the origin
	}

# States

	Closed --[failures]-> Open --[timeout]-> Half-Open --[successes]-> Closed
	                                           |
	                                       [failure]
	                                           v
	                                         Open
*/
package resilience
