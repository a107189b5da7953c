package health

import "context"

// Flag reports up while ready() is true and down with message otherwise.
func Flag(ready func() bool, message string) Check {
	return func(context.Context) ComponentHealth {
		if ready() {
			return ComponentHealth{Status: StatusUp}
		}
		return ComponentHealth{Status: StatusDown, Message: message}
	}
}

// Ping wraps a connectivity probe such as a database or cache ping. A failing
// optional dependency only degrades the service.
func Ping(ping func(context.Context) error, optional bool) Check {
	return func(ctx context.Context) ComponentHealth {
		if err := ping(ctx); err != nil {
			status := StatusDown
			if optional {
				status = StatusDegraded
			}
			return ComponentHealth{Status: status, Message: err.Error()}
		}
		return ComponentHealth{Status: StatusUp}
	}
}
