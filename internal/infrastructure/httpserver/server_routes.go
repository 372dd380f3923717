package httpserver

func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthCheck)
	s.echo.GET("/metrics", s.metricsEndpoint)

	cache := s.echo.Group("/api/v1/cache", s.middleware.RateLimit.Handler())
	cache.GET("/keys", s.listKeys)
	cache.DELETE("/keys", s.deleteKeys)
	cache.GET("/keys/:key", s.getKey)
	cache.PUT("/keys/:key", s.setKey)
	cache.DELETE("/keys/:key", s.deleteKey)
	cache.POST("/keys/:key/add", s.addKey)
	cache.POST("/keys/:key/incr", s.incrKey)
	cache.POST("/keys/:key/touch", s.touchKey)
	cache.POST("/maintenance", s.runMaintenance)
}
