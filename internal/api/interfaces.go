package api

import (
	"context"
	"net/http"

	"github.com/nkkko/engine-tap/internal/activity"
	"github.com/nkkko/engine-tap/internal/tap"
)

// TapState is the read side of the running tap
type TapState interface {
	Status() tap.Status
	Feed() *tap.Feed
	Catalog() *tap.Catalog
	Nodes() *tap.NodeStats
	Activity() *activity.Aggregator
	Classifier() *activity.Classifier
}

// Streamer serves live dashboard updates
type Streamer interface {
	ServeWebSocket(w http.ResponseWriter, r *http.Request)
	ServeSSE(w http.ResponseWriter, r *http.Request)
	ClientCount() int
}

// EngineClient is the subset of the engine REST client the API proxies
type EngineClient interface {
	RefreshCache(ctx context.Context) (any, error)
}
