package routing

import "errors"

var (
	// ErrNoRoute is returned when no route's predicates match a request.
	// The engine surfaces it as 404 Not Found.
	ErrNoRoute = errors.New("no matching route")

	// ErrNoHealthyTargets is returned when every target of a route is
	// disabled, unhealthy, or excluded. The engine surfaces it as 503.
	ErrNoHealthyTargets = errors.New("no healthy targets available")
)
