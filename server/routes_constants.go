package server

// Route path constants
const (
	// Session routes
	RouteToken        = "/token"
	RouteStatus       = "/status"
	RouteSession      = "/session"
	RouteLogout       = "/logout"
	RouteUnauthorized = "/unauthorized"

	// Operator routes
	RouteAdminBreakerReset     = "/admin/breaker/reset"
	RouteAdminConsistencyCheck = "/admin/consistency/check"

	RouteMetrics = "/metrics"
)
