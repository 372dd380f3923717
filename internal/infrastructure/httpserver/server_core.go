package httpserver

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/adamchainz/django-mysql-sub000/internal/core/ports"
	customMiddleware "github.com/adamchainz/django-mysql-sub000/internal/infrastructure/httpserver/middleware"
)

type ServerConfig struct {
	Host           string
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	TLSCertFile    string
	TLSKeyFile     string
	AllowedOrigins []string
	Environment    string
}

type ServerDeps struct {
	Cache          ports.CacheAPI
	Maintenance    ports.CacheMaintainer    // optional
	RateLimiter    ports.RateLimiterService // optional
	HealthCheckers []ports.HealthChecker
}

type Server struct {
	echo           *echo.Echo
	config         *ServerConfig
	logger         *logrus.Logger
	cache          ports.CacheAPI
	maintenance    ports.CacheMaintainer
	middleware     *customMiddleware.MiddlewareCollection
	healthCheckers []ports.HealthChecker
}

func NewServer(serverConfig *ServerConfig, logger *logrus.Logger, deps ServerDeps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	server := &Server{
		echo:           e,
		config:         serverConfig,
		logger:         logger,
		cache:          deps.Cache,
		maintenance:    deps.Maintenance,
		healthCheckers: deps.HealthCheckers,
		middleware: customMiddleware.NewMiddlewareCollection(
			deps.RateLimiter,
			logger,
			GetRequestsTotal(),
			GetRequestDuration(),
			requestsInFlight,
		),
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server
}
