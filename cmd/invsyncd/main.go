// Copyright 2026 The invsync Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/reselly/invsync/invserver"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	// Optional .env for local development; real deployments set the
	// environment directly.
	_ = godotenv.Load()

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		logger.Error("JWT_SECRET is required")
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		logger.Error("failed to create connection pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	service, err := invserver.NewService(ctx, pool, &invserver.Config{AppName: "invsyncd"}, logger)
	if err != nil {
		logger.Error("server setup failed", "error", err)
		os.Exit(1)
	}

	handlers := invserver.NewHTTPHandlers(service, invserver.NewJWTAuth(jwtSecret), logger)
	mux := http.NewServeMux()
	handlers.Register(mux)

	addr := ":8080"
	if v := os.Getenv("PORT"); v != "" {
		addr = ":" + v
	}

	logger.Info("invsyncd listening", "addr", addr)
	logger.Info("Endpoints:")
	logger.Info("  GET    /api/{table}       - List non-deleted rows (paged)")
	logger.Info("  GET    /api/{table}/{id}  - Fetch one row")
	logger.Info("  POST   /api/{table}       - Create a row")
	logger.Info("  PATCH  /api/{table}/{id}  - Partial update, bumps updated_at")
	logger.Info("  DELETE /api/{table}/{id}  - Soft delete")
	logger.Info("  POST   /auth/token        - Dev sign-in to obtain a JWT")

	server := &http.Server{Addr: addr, Handler: mux}
	if err := server.ListenAndServe(); err != nil {
		logger.Error("http server failed", "error", err)
		os.Exit(1)
	}
}
