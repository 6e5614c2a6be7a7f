package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	armonmetrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
)

var ErrMetaTooLarge = errors.New("gossip: service meta exceeds the node meta limit")

// ServiceMeta is what a node advertises to the cluster: the analyzer
// service it runs and where its dispatch server listens.
type ServiceMeta struct {
	Service string `json:"service"`
	Addr    string `json:"addr"`
}

// GossipConfig configures `NewGossipDiscovery`.
type GossipConfig struct {
	// NodeName must be unique in the cluster, defaults to the hostname.
	NodeName string
	BindAddr string
	BindPort int

	// Advertise is nil for nodes which only discover, e.g. a gateway.
	Advertise *ServiceMeta

	// Neighbours are joined right away when non-empty.
	Neighbours []string

	LogHandler   slog.Handler
	MetricLabels []metrics.Label
}

// GossipDiscovery keeps a `Registry` in sync with the analyzers advertised
// by the members of a gossip cluster.
type GossipDiscovery struct {
	reg    *Registry
	logger *slog.Logger
	meta   []byte
	ml     *memberlist.Memberlist

	lk    sync.Mutex
	known map[string]ServiceMeta
}

// NewGossipDiscovery joins the cluster described by `cfg` and registers
// every advertised analyzer into `reg`.
func NewGossipDiscovery(reg *Registry, cfg GossipConfig) (*GossipDiscovery, error) {
	gd := &GossipDiscovery{
		reg:   reg,
		known: make(map[string]ServiceMeta),
	}

	if cfg.LogHandler == nil {
		cfg.LogHandler = slog.Default().Handler()
	}
	gd.logger = slog.New(cfg.LogHandler)

	if cfg.Advertise != nil {
		if _, _, err := splitAddress(cfg.Advertise.Addr); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
		meta, err := json.Marshal(cfg.Advertise)
		if err != nil {
			return nil, err
		}
		if len(meta) > memberlist.MetaMaxSize {
			return nil, ErrMetaTooLarge
		}
		gd.meta = meta
	}

	mlCfg := memberlist.DefaultLocalConfig()
	if cfg.NodeName != "" {
		mlCfg.Name = cfg.NodeName
	}
	if cfg.BindAddr != "" {
		mlCfg.BindAddr = cfg.BindAddr
	}
	mlCfg.BindPort = cfg.BindPort
	mlCfg.AdvertisePort = cfg.BindPort
	mlCfg.Delegate = gd
	mlCfg.Events = gd
	mlCfg.LogOutput = nil
	mlCfg.Logger = slog.NewLogLogger(cfg.LogHandler, slog.LevelDebug)

	// memberlist still reports through armon/go-metrics.
	for _, label := range cfg.MetricLabels {
		mlCfg.MetricLabels = append(mlCfg.MetricLabels, armonmetrics.Label{
			Name:  label.Name,
			Value: label.Value,
		})
	}

	ml, err := memberlist.Create(mlCfg)
	if err != nil {
		return nil, fmt.Errorf("gossip: failed to start memberlist: %w", err)
	}
	gd.ml = ml
	gd.logger = gd.logger.With(slog.String("node", mlCfg.Name))

	if len(cfg.Neighbours) > 0 {
		if _, err := gd.Join(cfg.Neighbours...); err != nil {
			ml.Shutdown()
			return nil, err
		}
	}
	return gd, nil
}

// Join contacts `neighbours` and returns how many answered.
func (gd *GossipDiscovery) Join(neighbours ...string) (int, error) {
	n, err := gd.ml.Join(neighbours)
	if err != nil {
		return n, fmt.Errorf("gossip: failed to join cluster: %w", err)
	}
	gd.logger.Info("joined cluster", slog.Int("contacted", n))
	return n, nil
}

// LocalAddr is the gossip address of this node.
func (gd *GossipDiscovery) LocalAddr() string {
	node := gd.ml.LocalNode()
	return fmt.Sprintf("%s:%d", node.Addr, node.Port)
}

// Members returns the services currently advertised, by node name.
func (gd *GossipDiscovery) Members() map[string]ServiceMeta {
	gd.lk.Lock()
	defer gd.lk.Unlock()
	out := make(map[string]ServiceMeta, len(gd.known))
	for name, meta := range gd.known {
		out[name] = meta
	}
	return out
}

// Leave broadcasts our departure then stops gossiping.
func (gd *GossipDiscovery) Leave(timeout time.Duration) error {
	err := gd.ml.Leave(timeout)
	if serr := gd.ml.Shutdown(); err == nil {
		err = serr
	}
	return err
}

// Shutdown stops gossiping without telling the cluster.
func (gd *GossipDiscovery) Shutdown() error {
	return gd.ml.Shutdown()
}

func (gd *GossipDiscovery) NodeMeta(limit int) []byte {
	if len(gd.meta) > limit {
		gd.logger.Warn("service meta does not fit the node meta limit", slog.Int("limit", limit))
		return nil
	}
	return gd.meta
}

// The service list only travels in node meta.
func (gd *GossipDiscovery) NotifyMsg([]byte)                           {}
func (gd *GossipDiscovery) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (gd *GossipDiscovery) LocalState(join bool) []byte               { return nil }
func (gd *GossipDiscovery) MergeRemoteState(buf []byte, join bool)    {}

func (gd *GossipDiscovery) NotifyJoin(node *memberlist.Node) {
	meta, ok := gd.decode(node)
	if !ok {
		withLogNode(gd.logger, node).Debug("peer joined without advertising a service")
		return
	}
	gd.track(node.Name, meta)
}

func (gd *GossipDiscovery) NotifyLeave(node *memberlist.Node) {
	gd.lk.Lock()
	meta, ok := gd.known[node.Name]
	delete(gd.known, node.Name)
	gd.lk.Unlock()

	if ok && gd.reg.Remove(meta.Service, meta.Addr) {
		withLogNode(gd.logger, node).Info("analyzer left cluster",
			LabelService.L(meta.Service), LabelEndpoint.L(meta.Addr))
	}
}

func (gd *GossipDiscovery) NotifyUpdate(node *memberlist.Node) {
	meta, ok := gd.decode(node)
	gd.lk.Lock()
	previous, had := gd.known[node.Name]
	gd.lk.Unlock()

	if had && (!ok || previous != meta) {
		gd.NotifyLeave(node)
	}
	if ok {
		gd.track(node.Name, meta)
	}
}

func (gd *GossipDiscovery) track(name string, meta ServiceMeta) {
	gd.lk.Lock()
	gd.known[name] = meta
	gd.lk.Unlock()

	added, err := gd.reg.AddAddress(meta.Service, meta.Addr)
	if err != nil {
		gd.logger.Warn("peer advertised an invalid address", LabelError.L(err), slog.String("node", name))
		return
	}
	if added {
		gd.logger.Info("analyzer joined cluster",
			slog.String("node", name), LabelService.L(meta.Service), LabelEndpoint.L(meta.Addr))
	}
}

func (gd *GossipDiscovery) decode(node *memberlist.Node) (ServiceMeta, bool) {
	var meta ServiceMeta
	if len(node.Meta) == 0 {
		return meta, false
	}
	if err := json.Unmarshal(node.Meta, &meta); err != nil {
		withLogNode(gd.logger, node).Warn("peer advertised unreadable meta", LabelError.L(err))
		return meta, false
	}
	return meta, meta.Service != "" && meta.Addr != ""
}

func withLogNode(logger *slog.Logger, node *memberlist.Node) *slog.Logger {
	return logger.With(
		slog.String("node", node.Name),
		slog.String("gossip_addr", node.Address()),
	)
}
