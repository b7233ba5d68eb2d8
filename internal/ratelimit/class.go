package ratelimit

import "time"

// Route class names shipped with the default configuration.
const (
	ClassAuth   = "auth"
	ClassAPI    = "api"
	ClassUpload = "upload"
	ClassAdmin  = "admin"
	ClassPublic = "public"
)

// RouteClass is the rate-limit policy shared by a group of routes: Limit
// points per Window, an optional lockout once the budget is exhausted, and
// the overall request deadline.
type RouteClass struct {
	Name          string
	Limit         int
	Window        time.Duration
	BlockDuration time.Duration
	Timeout       time.Duration
}

// DefaultClasses returns the built-in route classes.
func DefaultClasses() []RouteClass {
	return []RouteClass{
		{Name: ClassAuth, Limit: 5, Window: 15 * time.Minute, BlockDuration: 15 * time.Minute, Timeout: 10 * time.Second},
		{Name: ClassAPI, Limit: 100, Window: time.Minute, Timeout: 30 * time.Second},
		{Name: ClassUpload, Limit: 10, Window: time.Minute, Timeout: 2 * time.Minute},
		{Name: ClassAdmin, Limit: 30, Window: time.Minute, Timeout: 30 * time.Second},
		{Name: ClassPublic, Limit: 300, Window: time.Minute, Timeout: 15 * time.Second},
	}
}
