package server

import (
	"context"
	"database/sql"

	"github.com/wavecast-live/wavecast/backend/stream"
	"github.com/wavecast-live/wavecast/backend/videoapi"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db    *sql.DB
	ctx   context.Context
	video *videoapi.Client
	rec   *stream.Reconciler
	views *stream.ViewCountResolver
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(ctx context.Context, db *sql.DB, video *videoapi.Client) *Handlers {
	return &Handlers{
		db:    db,
		ctx:   ctx,
		video: video,
		rec:   &stream.Reconciler{DB: db, Video: video},
		views: &stream.ViewCountResolver{DB: db, Video: video},
	}
}
