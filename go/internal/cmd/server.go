package main

import (
	"fmt"
	"net/http"

	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/clowbot/clowbot/go/internal/httpapi"
)

func setupServer(port string, services *Services) *http.Server {
	mux := http.NewServeMux()

	// the console sends identity in headers, so those must be allowed explicitly
	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{
			"Content-Type",
			httpapi.HeaderTenantID,
			httpapi.HeaderUserID,
			httpapi.HeaderAdminToken,
		},
	})

	registerServices(mux, services)
	setupHealthCheck(mux, services)

	handler := c.Handler(mux)

	return &http.Server{
		Addr:    fmt.Sprintf(":%s", port),
		Handler: h2c.NewHandler(handler, &http2.Server{}),
	}
}

func registerServices(mux *http.ServeMux, services *Services) {
	services.Policy.Register(mux)
	services.Outbox.Register(mux)
	services.Actions.Register(mux)
	services.Skills.Register(mux)
	services.Audit.Register(mux)
}

func setupHealthCheck(mux *http.ServeMux, services *Services) {
	mux.Handle("GET /health", services.Health)
	mux.Handle("GET /metrics", services.Health.MetricsHandler())
}
