package main

import (
	"context"

	"github.com/clowbot/clowbot/go/internal/dbconfig"
	"github.com/clowbot/clowbot/go/internal/db"
)

func setupDatabase(ctx context.Context, cfg dbconfig.Config) (*db.DB, error) {
	database, err := db.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(ctx); err != nil {
		database.Close()
		return nil, err
	}
	return database, nil
}
