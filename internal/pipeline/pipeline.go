// Package pipeline wires the MQTT listener, the decoder, storage, traceroute
// reconstruction, and the live hub into one supervised flow.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meshsink/meshsink/internal/decode"
	"github.com/meshsink/meshsink/internal/geo"
	"github.com/meshsink/meshsink/internal/hub"
	"github.com/meshsink/meshsink/internal/mqtt"
	"github.com/meshsink/meshsink/internal/observability"
	"github.com/meshsink/meshsink/internal/paths"
	"github.com/meshsink/meshsink/internal/storage"
)

const (
	defaultWorkers       = 4
	defaultWriteAttempts = 3
	defaultWriteTimeout  = 5 * time.Second
	defaultRetryBackoff  = 200 * time.Millisecond
)

// Client abstracts the MQTT listener behaviour required by the pipeline.
type Client interface {
	Start(ctx context.Context) error
	Stop()
	Messages() <-chan mqtt.Message
	Errors() <-chan error
	States() <-chan mqtt.ConnState
	Dropped() uint64
}

// Store abstracts the persistence operations the pipeline performs.
type Store interface {
	RecordPacket(ctx context.Context, pkt storage.PacketRecord, seen storage.Observation) (storage.RecordResult, error)
	MergeNode(ctx context.Context, upd storage.NodeUpdate) error
	DisplayName(nodeID uint32) (storage.NodeName, bool)
	LastPosition(nodeID uint32) (lat, lon float64, ok bool)
}

// Tracer abstracts traceroute reconstruction.
type Tracer interface {
	Handle(ctx context.Context, env decode.Envelope, importTime time.Time) (paths.Result, error)
}

// Config tunes pipeline behaviour.
type Config struct {
	// Workers is the size of the decode/process worker pool.
	Workers int

	// WriteAttempts bounds retries of a failed storage write before the
	// envelope is dropped and counted.
	WriteAttempts int

	// WriteTimeout caps each individual write attempt.
	WriteTimeout time.Duration

	// RetryBackoff is the pause between write attempts.
	RetryBackoff time.Duration
}

func (c *Config) normalise() {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.WriteAttempts <= 0 {
		c.WriteAttempts = defaultWriteAttempts
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaultRetryBackoff
	}
}

// Pipeline is the supervised ingest flow. A malformed or failing message
// affects only itself; the flow keeps consuming.
type Pipeline struct {
	cfg     Config
	client  Client
	decoder decode.Decoder
	store   Store
	tracer  Tracer
	fanout  *hub.Hub
	logger  *slog.Logger
	metrics *observability.Metrics

	errCh       chan error
	wg          sync.WaitGroup
	lastDropped atomic.Uint64
}

// Option configures the pipeline.
type Option func(*Pipeline)

// WithLogger injects a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics injects service metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// New creates a pipeline instance.
func New(cfg Config, client Client, decoder decode.Decoder, store Store, tracer Tracer, fanout *hub.Hub, opts ...Option) *Pipeline {
	cfg.normalise()
	p := &Pipeline{
		cfg:     cfg,
		client:  client,
		decoder: decoder,
		store:   store,
		tracer:  tracer,
		fanout:  fanout,
		logger:  slog.Default(),
		errCh:   make(chan error, 32),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Errors exposes asynchronous processing errors. These are informational;
// the pipeline has already isolated the failure and moved on.
func (p *Pipeline) Errors() <-chan error {
	return p.errCh
}

// Run starts the pipeline and blocks until the context is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	if p.client == nil {
		return errors.New("pipeline: client is nil")
	}
	if p.decoder == nil {
		return errors.New("pipeline: decoder is nil")
	}
	if p.store == nil {
		return errors.New("pipeline: store is nil")
	}

	if err := p.client.Start(ctx); err != nil {
		return fmt.Errorf("pipeline: start client: %w", err)
	}

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.consume(ctx)
	}
	p.wg.Add(2)
	go p.forwardClientErrors(ctx)
	go p.trackConnState(ctx)

	<-ctx.Done()
	p.client.Stop()
	p.wg.Wait()
	if p.fanout != nil {
		p.fanout.Close()
	}
	close(p.errCh)

	return nil
}

func (p *Pipeline) consume(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-p.client.Messages():
			if !ok {
				return
			}
			p.metrics.IncMessagesReceived()
			p.metrics.ObserveQueueDepth(len(p.client.Messages()))
			p.noteListenerDrops()

			env, err := p.decoder.Decode(ctx, msg)
			if err != nil {
				p.metrics.IncDecodeErrors()
				p.logger.Debug("message rejected",
					slog.String("topic", msg.Topic),
					slog.Any("error", err),
				)
				p.publishErr(fmt.Errorf("pipeline: decode: %w", err))
				continue
			}
			if err := p.process(ctx, env); err != nil {
				p.publishErr(fmt.Errorf("pipeline: process: %w", err))
			}
		}
	}
}

// process applies one decoded envelope: the idempotent packet/observation
// write, the node state merge, traceroute reconstruction, and the live
// fanout. Storage failure of the canonical write drops the envelope after
// bounded retries; later stages are best-effort per envelope.
func (p *Pipeline) process(ctx context.Context, env decode.Envelope) error {
	kind := decode.KindForPort(env.PortNum)
	if env.Encrypted {
		kind = decode.KindUnknown
		p.metrics.IncUndecryptable()
	}

	pkt := storage.PacketRecord{
		PacketID:   env.PacketID,
		FromNodeID: env.From,
		ToNodeID:   env.To,
		Channel:    env.Channel,
		PortNum:    env.PortNum,
		Kind:       kind.String(),
		Payload:    env.Payload,
		Encrypted:  env.Encrypted,
		ImportTime: env.ReceivedAt,
	}
	seen := storage.Observation{
		PacketID:      env.PacketID,
		FromNodeID:    env.From,
		GatewayNodeID: env.GatewayNodeID,
		GatewayID:     env.GatewayID,
		RxTime:        env.RxTime,
		RxSnr:         env.RxSnr,
		RxRssi:        env.RxRssi,
		HopLimit:      env.HopLimit,
		HopStart:      env.HopStart,
		HopCount:      env.HopCount(),
		Channel:       env.Channel,
		Topic:         env.Topic,
		ImportTime:    env.ReceivedAt,
	}

	var result storage.RecordResult
	err := p.withRetry(ctx, func(attempt context.Context) error {
		var err error
		result, err = p.store.RecordPacket(attempt, pkt, seen)
		return err
	})
	if err != nil {
		p.metrics.IncStoreDrops()
		return fmt.Errorf("store packet %d from %s: %w",
			env.PacketID, decode.NodeHexID(env.From), err)
	}

	if result.PacketInserted {
		p.metrics.ObservePacketStored(pkt.Kind)
	}
	if !result.SeenInserted {
		p.metrics.IncDuplicates()
	}

	p.mergeNodeState(ctx, env)

	if _, ok := env.Record.(decode.RouteDiscovery); ok && p.tracer != nil {
		res, err := p.tracer.Handle(ctx, env, env.ReceivedAt)
		if err != nil {
			p.publishErr(fmt.Errorf("pipeline: traceroute: %w", err))
		} else if res.Stored.RouteConflict {
			p.metrics.IncRouteAnomalies()
		}
	}

	p.publish(env, kind, !result.SeenInserted)
	return nil
}

// mergeNodeState folds the envelope's payload into the sender's merged node
// row. Merge failures are logged, not fatal: the canonical packet is already
// recorded.
func (p *Pipeline) mergeNodeState(ctx context.Context, env decode.Envelope) {
	upd := storage.NodeUpdate{
		NodeID:     env.From,
		ObservedAt: env.ReceivedAt,
	}

	switch rec := env.Record.(type) {
	case decode.NodeInfo:
		upd.Identity = &storage.NodeIdentity{
			UserID:    rec.UserID,
			LongName:  rec.LongName,
			ShortName: rec.ShortName,
			HWModel:   rec.HWModel,
			Role:      rec.Role,
			Channel:   env.Channel,
		}
	case decode.Position:
		if rec.Latitude != 0 || rec.Longitude != 0 {
			upd.Position = &storage.NodePosition{
				Latitude:  rec.Latitude,
				Longitude: rec.Longitude,
				Altitude:  rec.Altitude,
			}
		}
	case decode.Telemetry:
		upd.Telemetry = &storage.NodeTelemetry{
			BatteryLevel: rec.BatteryLevel,
			Voltage:      rec.Voltage,
		}
	case decode.MapReport:
		upd.Identity = &storage.NodeIdentity{
			LongName:  rec.LongName,
			ShortName: rec.ShortName,
			HWModel:   rec.HWModel,
			Role:      rec.Role,
			Firmware:  rec.FirmwareVersion,
			Channel:   env.Channel,
		}
		if rec.Latitude != 0 || rec.Longitude != 0 {
			upd.Position = &storage.NodePosition{
				Latitude:  rec.Latitude,
				Longitude: rec.Longitude,
				Altitude:  rec.Altitude,
			}
		}
	}

	if err := p.store.MergeNode(ctx, upd); err != nil {
		p.logger.Warn("node merge failed",
			slog.String("node", decode.NodeHexID(env.From)),
			slog.Any("error", err),
		)
		return
	}
	p.metrics.IncNodeMerges()
}

func (p *Pipeline) publish(env decode.Envelope, kind decode.Kind, duplicate bool) {
	if p.fanout == nil {
		return
	}

	event := hub.Event{
		ReceivedAt:    env.ReceivedAt,
		PacketID:      env.PacketID,
		FromNodeID:    env.From,
		ToNodeID:      env.To,
		Kind:          kind,
		PortNum:       env.PortNum,
		Channel:       env.Channel,
		Encrypted:     env.Encrypted,
		GatewayID:     env.GatewayID,
		GatewayNodeID: env.GatewayNodeID,
		HopCount:      env.HopCount(),
		RxSnr:         env.RxSnr,
		RxRssi:        env.RxRssi,
		Duplicate:     duplicate,
		Record:        env.Record,
	}

	if name, ok := p.store.DisplayName(env.From); ok {
		event.FromLongName = name.LongName
		event.FromShortName = name.ShortName
	}
	if name, ok := p.store.DisplayName(env.GatewayNodeID); ok {
		event.GatewayLong = name.LongName
	}

	var from, gateway *geo.Point
	if lat, lon, ok := p.store.LastPosition(env.From); ok {
		from = &geo.Point{Lat: lat, Lon: lon}
	}
	if lat, lon, ok := p.store.LastPosition(env.GatewayNodeID); ok {
		gateway = &geo.Point{Lat: lat, Lon: lon}
	}
	event.DistanceMeters = geo.Distance(from, gateway)

	before := p.fanout.Evicted()
	p.fanout.Publish(event)
	p.metrics.IncSubscriberDrops(p.fanout.Evicted() - before)
	p.metrics.SetSubscribers(p.fanout.Subscribers())
}

// withRetry runs a storage write with per-attempt timeouts and bounded
// retries. The caller decides what exhaustion means.
func (p *Pipeline) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < p.cfg.WriteAttempts; attempt++ {
		if attempt > 0 {
			p.metrics.IncStoreRetries()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.RetryBackoff):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
		lastErr = fn(attemptCtx)
		cancel()
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return lastErr
}

// noteListenerDrops folds the listener's eviction counter into metrics.
func (p *Pipeline) noteListenerDrops() {
	current := p.client.Dropped()
	previous := p.lastDropped.Swap(current)
	for i := previous; i < current; i++ {
		p.metrics.IncMessagesDropped()
	}
}

func (p *Pipeline) forwardClientErrors(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-p.client.Errors():
			if !ok {
				return
			}
			p.publishErr(fmt.Errorf("pipeline: mqtt: %w", err))
		}
	}
}

func (p *Pipeline) trackConnState(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-p.client.States():
			if !ok {
				return
			}
			p.metrics.SetBrokerConnected(state.Connected)
			if state.Connected {
				p.logger.Info("broker connected")
			} else {
				p.logger.Warn("broker connection lost", slog.Any("error", state.Err))
			}
		}
	}
}

func (p *Pipeline) publishErr(err error) {
	if err == nil {
		return
	}
	select {
	case p.errCh <- err:
	default:
	}
}
