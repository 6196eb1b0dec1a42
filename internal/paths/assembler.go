// Package paths reconstructs traceroute exchanges from the individual
// request and response packets the mesh publishes.
package paths

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/meshsink/meshsink/internal/decode"
	"github.com/meshsink/meshsink/internal/storage"
)

// Saver is the storage dependency of the assembler.
type Saver interface {
	SaveTraceroute(ctx context.Context, rec storage.TracerouteRecord) (storage.TracerouteResult, error)
}

// Assembler correlates traceroute requests with their responses and persists
// the combined route. It is stateless; correlation rides on the request id
// the mesh echoes back in the response.
type Assembler struct {
	store  Saver
	logger *slog.Logger

	anomalies atomic.Uint64
}

// Option configures the assembler.
type Option func(*Assembler)

// WithLogger injects a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Assembler) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewAssembler creates an assembler writing through the given store.
func NewAssembler(store Saver, opts ...Option) *Assembler {
	a := &Assembler{
		store:  store,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Result reports how one traceroute envelope landed.
type Result struct {
	// RouteID is the packet id the exchange is keyed under: the request's
	// own id, or the echoed request id for a response.
	RouteID  uint32
	Response bool
	Stored   storage.TracerouteResult
}

// Handle processes one traceroute envelope.
//
// A request (want_response set, no echoed request id) opens the exchange
// under its own packet id. A response carries the request id and attaches
// the return route to the same row; a response that outruns its request
// creates the row with an empty forward leg, filled in when the request
// arrives. A forward route disagreeing with the one already stored is kept
// out and counted as an anomaly.
func (a *Assembler) Handle(ctx context.Context, env decode.Envelope, importTime time.Time) (Result, error) {
	rd, ok := env.Record.(decode.RouteDiscovery)
	if !ok {
		return Result{}, errors.New("paths: envelope is not a route discovery")
	}

	var result Result
	rec := storage.TracerouteRecord{
		PacketID:   env.PacketID,
		FromNodeID: env.From,
		ToNodeID:   env.To,
		Route:      rd.Route,
		SnrTowards: rd.SnrTowards,
		RouteBack:  rd.RouteBack,
		SnrBack:    rd.SnrBack,
		ImportTime: importTime,
	}

	if env.RequestID != 0 && !env.WantResponse {
		// Response: key under the original request, endpoints swapped back.
		result.Response = true
		rec.PacketID = env.RequestID
		rec.FromNodeID = env.To
		rec.ToNodeID = env.From
	}
	result.RouteID = rec.PacketID

	stored, err := a.store.SaveTraceroute(ctx, rec)
	if err != nil {
		return result, err
	}
	result.Stored = stored

	if stored.RouteConflict {
		a.anomalies.Add(1)
		a.logger.Warn("conflicting forward route ignored",
			slog.Uint64("packet_id", uint64(rec.PacketID)),
			slog.String("from", decode.NodeHexID(rec.FromNodeID)),
			slog.Int("hops", len(rd.Route)),
		)
	}

	return result, nil
}

// Anomalies returns how many conflicting forward routes were rejected.
func (a *Assembler) Anomalies() uint64 {
	return a.anomalies.Load()
}
