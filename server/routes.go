package server

func (s *Server) initRoutes() {
	s.RegisterRouteHandler("GET "+RouteToken, ChainMiddleware(s.TokenHandler(), s.APIMiddleware()...))
	s.RegisterRouteHandler("GET "+RouteStatus, ChainMiddleware(s.StatusHandler(), s.APIMiddleware()...))
	s.RegisterRouteHandler("POST "+RouteSession, ChainMiddleware(s.SetSessionHandler(), s.APIMiddleware()...))
	s.RegisterRouteHandler("POST "+RouteLogout, ChainMiddleware(s.LogoutHandler(), s.APIMiddleware()...))
	s.RegisterRouteHandler("POST "+RouteUnauthorized, ChainMiddleware(s.UnauthorizedHandler(), s.APIMiddleware()...))

	s.RegisterRouteHandler("POST "+RouteAdminBreakerReset, ChainMiddleware(s.BreakerResetHandler(), s.APIMiddleware()...))
	if s.checker != nil {
		s.RegisterRouteHandler("POST "+RouteAdminConsistencyCheck, ChainMiddleware(s.ConsistencyCheckHandler(), s.APIMiddleware()...))
	}

	if s.metrics != nil {
		s.RegisterRouteHandler("GET "+RouteMetrics, ChainMiddleware(s.metrics.ServeHTTP, s.RecoverMiddleware))
	}
}
