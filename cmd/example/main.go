// Package main runs an example AJP backend with the full middleware stack.
// Put it behind Apache httpd (mod_proxy_ajp) or nginx with an AJP module and
// browse the routes through the front proxy.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/adietish/undertow/internal/logging"
	"github.com/adietish/undertow/pkg/undertow"
)

func main() {
	logger := logging.New(logging.Config{
		Level:       os.Getenv("LOG_LEVEL"),
		Development: os.Getenv("LOG_DEV") == "1",
	})
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	router := undertow.NewRouter()
	router.Use(
		undertow.Recovery(),
		undertow.RequestID(),
		undertow.LoggerWithConfig(undertow.LoggerConfig{
			Logger:    logger,
			SkipPaths: []string{"/health"},
		}),
		undertow.Prometheus(),
		undertow.Tracing(),
		undertow.Compress(),
		undertow.Health(),
	)

	// Register routes
	router.GET("/", homeHandler)
	router.GET("/hello/:name", helloHandler)
	router.GET("/proxy-info", proxyInfoHandler)
	router.GET("/events", eventsHandler)
	router.POST("/api/data", dataHandler)

	// Create API route group
	api := router.Group("/api/v1")
	api.GET("/users", usersHandler)
	api.GET("/users/:id", userHandler)
	api.POST("/users", createUserHandler)

	config := undertow.DefaultConfig()
	if addr := os.Getenv("AJP_ADDR"); addr != "" {
		config.Addr = addr
	}
	// Matches the requiredSecret worker property on the proxy side
	config.Secret = os.Getenv("AJP_SECRET")
	config.Logger = logger

	server := undertow.New(config)

	// Prometheus scrapes speak HTTP, not AJP, so metrics go out on a
	// separate management port.
	metricsAddr := os.Getenv("METRICS_ADDR")
	if metricsAddr == "" {
		metricsAddr = ":9090"
	}
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info("starting metrics listener", zap.String("addr", metricsAddr))
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Warn("metrics listener", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("starting AJP listener", zap.String("addr", config.Addr))
		if err := server.ListenAndServe(router); err != nil {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
}

// homeHandler serves the home page with example endpoints information.
func homeHandler(ctx *undertow.Context) error {
	return ctx.HTML(200, `
<!DOCTYPE html>
<html>
<head>
    <title>Undertow AJP Backend</title>
    <style>
        body { font-family: Arial, sans-serif; max-width: 800px; margin: 50px auto; padding: 20px; }
        h1 { color: #333; }
        .info { background: #f4f4f4; padding: 15px; border-radius: 5px; margin: 20px 0; }
        code { background: #eee; padding: 2px 6px; border-radius: 3px; }
    </style>
</head>
<body>
    <h1>Undertow AJP Backend</h1>
    <p>An AJP/1.3 application server built with gnet, reached through your front proxy</p>
    <div class="info">
        <h2>Try these endpoints:</h2>
        <ul>
            <li><code>GET /hello/:name</code> - Say hello</li>
            <li><code>GET /proxy-info</code> - What the proxy forwarded</li>
            <li><code>GET /events</code> - Server-sent events</li>
            <li><code>POST /api/data</code> - Send data</li>
            <li><code>GET /api/v1/users</code> - List users</li>
        </ul>
    </div>
</body>
</html>
`)
}

// helloHandler returns a personalized greeting in JSON format.
func helloHandler(ctx *undertow.Context) error {
	name := undertow.Param(ctx, "name")
	return ctx.JSON(200, map[string]string{
		"message": "Hello, " + name + "!",
		"method":  ctx.Method(),
		"path":    ctx.Path(),
	})
}

// proxyInfoHandler exposes the request metadata the front proxy forwarded,
// including AJP attributes that plain HTTP headers never carry.
func proxyInfoHandler(ctx *undertow.Context) error {
	return ctx.JSON(200, map[string]interface{}{
		"client":      ctx.RemoteAddr(),
		"client_host": ctx.RemoteHost(),
		"scheme":      ctx.Scheme(),
		"authority":   ctx.Authority(),
		"protocol":    ctx.Protocol(),
		"remote_user": ctx.RemoteUser(),
		"auth_type":   ctx.AuthType(),
		"route":       ctx.Attribute("route"),
		"ssl_cipher":  ctx.Attribute("ssl_cipher"),
	})
}

// eventsHandler streams a short series of server-sent events.
func eventsHandler(ctx *undertow.Context) error {
	for i := 1; i <= 5; i++ {
		err := ctx.SSE(undertow.SSEEvent{
			ID:    strconv.Itoa(i),
			Event: "tick",
			Data:  time.Now().UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return err
		}
		if err := ctx.Flush(); err != nil {
			return err
		}
		time.Sleep(500 * time.Millisecond)
	}
	return nil
}

// dataHandler processes POST requests with JSON data.
func dataHandler(ctx *undertow.Context) error {
	var data map[string]interface{}
	if err := ctx.BindJSON(&data); err != nil {
		return ctx.JSON(400, map[string]string{
			"error": "Invalid JSON",
		})
	}

	return ctx.JSON(200, map[string]interface{}{
		"received": data,
		"status":   "success",
	})
}

// usersHandler returns a list of example users.
func usersHandler(ctx *undertow.Context) error {
	users := []map[string]interface{}{
		{"id": 1, "name": "Alice", "email": "alice@example.com"},
		{"id": 2, "name": "Bob", "email": "bob@example.com"},
		{"id": 3, "name": "Charlie", "email": "charlie@example.com"},
	}

	return ctx.JSON(200, map[string]interface{}{
		"users": users,
		"total": len(users),
	})
}

// userHandler returns information for a specific user by ID.
func userHandler(ctx *undertow.Context) error {
	id := undertow.Param(ctx, "id")

	return ctx.JSON(200, map[string]interface{}{
		"id":    id,
		"name":  "User " + id,
		"email": "user" + id + "@example.com",
	})
}

// createUserHandler simulates creation of a new user.
func createUserHandler(ctx *undertow.Context) error {
	var user map[string]interface{}
	if err := ctx.BindJSON(&user); err != nil {
		return ctx.JSON(400, map[string]string{
			"error": "Invalid JSON",
		})
	}

	user["id"] = 4

	return ctx.JSON(201, map[string]interface{}{
		"user":    user,
		"message": "User created successfully",
	})
}
