// Package httpapi serves the read surface of the ingestion service: node
// state, packet history, traffic aggregates, the connectivity graph, and a
// live websocket stream.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/meshsink/meshsink/internal/decode"
	"github.com/meshsink/meshsink/internal/hub"
	"github.com/meshsink/meshsink/internal/storage"
)

const (
	defaultWindowHours = 24
	defaultLimit       = 20
	maxLimit           = 500
)

// Reader is the storage dependency of the API.
type Reader interface {
	GetNode(ctx context.Context, nodeID uint32) (*storage.NodeRow, error)
	RecentPackets(ctx context.Context, fromNode uint32, kind string, limit int) ([]storage.PacketSummary, error)
	Observations(ctx context.Context, packetID, fromNodeID uint32) ([]storage.ObservationRow, error)
	TopTrafficNodes(ctx context.Context, since time.Time, limit int) ([]storage.TrafficEntry, error)
	NodeTraffic(ctx context.Context, nodeID uint32, since time.Time) (map[string]int64, error)
	GraphEdges(ctx context.Context, since time.Time) ([]storage.Edge, error)
	Traceroutes(ctx context.Context, since time.Time, limit int) ([]storage.TracerouteRow, error)
}

// Config controls the API server.
type Config struct {
	Address        string
	Cache          CacheConfig
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	ShutdownPeriod time.Duration
}

// Server hosts the HTTP read endpoints and the live stream.
type Server struct {
	cfg    Config
	reader Reader
	fanout *hub.Hub
	cache  cacheLayer
	logger *slog.Logger
	srv    *http.Server
}

// Option configures the server.
type Option func(*Server)

// WithLogger injects a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer prepares the API server. The hub may be nil, which disables the
// live endpoint.
func NewServer(cfg Config, reader Reader, fanout *hub.Hub, opts ...Option) (*Server, error) {
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.ShutdownPeriod == 0 {
		cfg.ShutdownPeriod = 5 * time.Second
	}

	cache, err := newCache(cfg.Cache)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:    cfg,
		reader: reader,
		fanout: fanout,
		cache:  cache,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/nodes/{id}", s.handleNode)
	mux.HandleFunc("GET /api/nodes/{id}/traffic", s.handleNodeTraffic)
	mux.HandleFunc("GET /api/packets", s.handlePackets)
	mux.HandleFunc("GET /api/packets/{packet}/{from}/seen", s.handleObservations)
	mux.HandleFunc("GET /api/traffic/top", s.handleTopTraffic)
	mux.HandleFunc("GET /api/graph", s.handleGraph)
	mux.HandleFunc("GET /api/traceroutes", s.handleTraceroutes)
	mux.HandleFunc("GET /live", s.handleLive)

	s.srv = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s, nil
}

// Run serves requests until the context is cancelled.
func (s *Server) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownPeriod)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("api server shutdown error", slog.Any("error", err))
		}
		_ = s.cache.Close()
	}()

	s.logger.Info("api server listening", slog.String("address", s.cfg.Address))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("api server stopped unexpectedly", slog.Any("error", err))
	}
}

func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	nodeID, err := parseNodeID(r.PathValue("id"))
	if err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}

	node, err := s.reader.GetNode(r.Context(), nodeID)
	if err != nil {
		s.internalError(w, "get node", err)
		return
	}
	if node == nil {
		httpError(w, http.StatusNotFound, fmt.Errorf("node %s unknown", decode.NodeHexID(nodeID)))
		return
	}

	writeJSON(w, nodeResponse(node))
}

func (s *Server) handleNodeTraffic(w http.ResponseWriter, r *http.Request) {
	nodeID, err := parseNodeID(r.PathValue("id"))
	if err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	since := windowStart(r)

	traffic, err := s.reader.NodeTraffic(r.Context(), nodeID, since)
	if err != nil {
		s.internalError(w, "node traffic", err)
		return
	}

	writeJSON(w, map[string]any{
		"node_id": nodeID,
		"node":    decode.NodeHexID(nodeID),
		"since":   since.UTC().Format(time.RFC3339),
		"kinds":   traffic,
	})
}

func (s *Server) handlePackets(w http.ResponseWriter, r *http.Request) {
	var fromNode uint32
	if raw := r.URL.Query().Get("from"); raw != "" {
		id, err := parseNodeID(raw)
		if err != nil {
			httpError(w, http.StatusBadRequest, err)
			return
		}
		fromNode = id
	}
	kind := r.URL.Query().Get("kind")

	packets, err := s.reader.RecentPackets(r.Context(), fromNode, kind, queryLimit(r, 50))
	if err != nil {
		s.internalError(w, "recent packets", err)
		return
	}

	out := make([]map[string]any, 0, len(packets))
	for _, p := range packets {
		out = append(out, map[string]any{
			"packet_id":   p.PacketID,
			"from":        decode.NodeHexID(p.FromNodeID),
			"to":          decode.NodeHexID(p.ToNodeID),
			"channel":     p.Channel,
			"portnum":     p.PortNum,
			"kind":        p.Kind,
			"encrypted":   p.Encrypted,
			"seen_count":  p.SeenCount,
			"import_time": p.ImportTime.UTC().Format(time.RFC3339Nano),
		})
	}
	writeJSON(w, map[string]any{"packets": out})
}

func (s *Server) handleObservations(w http.ResponseWriter, r *http.Request) {
	packetID, err := strconv.ParseUint(r.PathValue("packet"), 10, 32)
	if err != nil {
		httpError(w, http.StatusBadRequest, fmt.Errorf("invalid packet id: %w", err))
		return
	}
	fromNode, err := parseNodeID(r.PathValue("from"))
	if err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}

	obs, err := s.reader.Observations(r.Context(), uint32(packetID), fromNode)
	if err != nil {
		s.internalError(w, "observations", err)
		return
	}

	out := make([]map[string]any, 0, len(obs))
	for _, o := range obs {
		out = append(out, map[string]any{
			"gateway":     decode.NodeHexID(o.GatewayNodeID),
			"gateway_id":  o.GatewayID,
			"rx_time":     o.RxTime,
			"rx_snr":      o.RxSnr,
			"rx_rssi":     o.RxRssi,
			"hop_limit":   o.HopLimit,
			"hop_start":   o.HopStart,
			"hop_count":   o.HopCount,
			"channel":     o.Channel,
			"topic":       o.Topic,
			"import_time": o.ImportTime.UTC().Format(time.RFC3339Nano),
		})
	}
	writeJSON(w, map[string]any{"observations": out})
}

func (s *Server) handleTopTraffic(w http.ResponseWriter, r *http.Request) {
	since := windowStart(r)
	limit := queryLimit(r, defaultLimit)

	cacheKey := fmt.Sprintf("meshsink:traffic:%d:%d", since.Unix(), limit)
	if cached, ok, err := s.cache.Get(r.Context(), cacheKey); err == nil && ok {
		writeRawJSON(w, cached)
		return
	}

	entries, err := s.reader.TopTrafficNodes(r.Context(), since, limit)
	if err != nil {
		s.internalError(w, "top traffic", err)
		return
	}

	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]any{
			"node_id":      e.NodeID,
			"node":         decode.NodeHexID(e.NodeID),
			"long_name":    e.LongName,
			"short_name":   e.ShortName,
			"packet_count": e.PacketCount,
			"times_seen":   e.TimesSeen,
		})
	}
	body := map[string]any{
		"since": since.UTC().Format(time.RFC3339),
		"nodes": out,
	}

	raw, err := json.Marshal(body)
	if err != nil {
		s.internalError(w, "encode top traffic", err)
		return
	}
	if err := s.cache.Set(r.Context(), cacheKey, raw, 0); err != nil {
		s.logger.Debug("cache write failed", slog.Any("error", err))
	}
	writeRawJSON(w, raw)
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	since := windowStart(r)

	cacheKey := fmt.Sprintf("meshsink:graph:%d", since.Unix())
	if cached, ok, err := s.cache.Get(r.Context(), cacheKey); err == nil && ok {
		writeRawJSON(w, cached)
		return
	}

	edges, err := s.reader.GraphEdges(r.Context(), since)
	if err != nil {
		s.internalError(w, "graph edges", err)
		return
	}

	out := make([]map[string]any, 0, len(edges))
	for _, e := range edges {
		out = append(out, map[string]any{
			"from":        decode.NodeHexID(e.From),
			"to":          decode.NodeHexID(e.To),
			"snr":         e.Snr,
			"source":      string(e.Source),
			"observed_at": e.ObservedAt.UTC().Format(time.RFC3339),
		})
	}
	body := map[string]any{
		"since": since.UTC().Format(time.RFC3339),
		"edges": out,
	}

	raw, err := json.Marshal(body)
	if err != nil {
		s.internalError(w, "encode graph", err)
		return
	}
	if err := s.cache.Set(r.Context(), cacheKey, raw, 0); err != nil {
		s.logger.Debug("cache write failed", slog.Any("error", err))
	}
	writeRawJSON(w, raw)
}

func (s *Server) handleTraceroutes(w http.ResponseWriter, r *http.Request) {
	since := windowStart(r)

	traces, err := s.reader.Traceroutes(r.Context(), since, queryLimit(r, 100))
	if err != nil {
		s.internalError(w, "traceroutes", err)
		return
	}

	out := make([]map[string]any, 0, len(traces))
	for _, t := range traces {
		out = append(out, map[string]any{
			"packet_id":   t.PacketID,
			"from":        decode.NodeHexID(t.FromNodeID),
			"to":          decode.NodeHexID(t.ToNodeID),
			"route":       t.Route,
			"route_back":  t.RouteBack,
			"snr_towards": t.SnrTowards,
			"snr_back":    t.SnrBack,
			"updated_at":  t.UpdatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	writeJSON(w, map[string]any{"traceroutes": out})
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("api request failed", slog.String("op", op), slog.Any("error", err))
	httpError(w, http.StatusInternalServerError, errors.New("internal error"))
}

func nodeResponse(n *storage.NodeRow) map[string]any {
	out := map[string]any{
		"node_id":    n.NodeID,
		"node":       decode.NodeHexID(n.NodeID),
		"user_id":    n.UserID,
		"long_name":  n.LongName,
		"short_name": n.ShortName,
		"hw_model":   n.HWModel,
		"role":       n.Role,
		"firmware":   n.Firmware,
		"channel":    n.Channel,
		"last_seen":  n.LastSeen.UTC().Format(time.RFC3339Nano),
	}
	if n.Latitude != nil && n.Longitude != nil {
		out["latitude"] = *n.Latitude
		out["longitude"] = *n.Longitude
	}
	if n.Altitude != nil {
		out["altitude"] = *n.Altitude
	}
	if n.BatteryLevel != nil {
		out["battery_level"] = *n.BatteryLevel
	}
	if n.Voltage != nil {
		out["voltage"] = *n.Voltage
	}
	return out
}

// parseNodeID accepts both decimal node numbers and the !hex form used on
// the mesh. The hex path requires the "!" prefix so an all-digit id is never
// misread as hex.
func parseNodeID(raw string) (uint32, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, errors.New("node id must be provided")
	}
	if strings.HasPrefix(raw, "!") {
		if id, ok := decode.GatewayNodeID(raw); ok {
			return id, nil
		}
		return 0, fmt.Errorf("invalid node id %q", raw)
	}
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid node id %q", raw)
	}
	return uint32(id), nil
}

func windowStart(r *http.Request) time.Time {
	hours := defaultWindowHours
	if raw := r.URL.Query().Get("hours"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			hours = n
		}
	}
	return time.Now().Add(-time.Duration(hours) * time.Hour)
}

func queryLimit(r *http.Request, fallback int) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			if n > maxLimit {
				return maxLimit
			}
			return n
		}
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func writeRawJSON(w http.ResponseWriter, raw []byte) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(raw)
}

func httpError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
