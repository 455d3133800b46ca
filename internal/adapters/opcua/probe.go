package opcua

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/JustinD-T/Quantum-Subradience/internal/domain"
	"github.com/JustinD-T/Quantum-Subradience/internal/ports"
)

// Config captures the runtime details required to open an OPC UA session.
type Config struct {
	Endpoint        string        `yaml:"endpoint"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	SecurityMode    string        `yaml:"security_mode"`
	SecurityPolicy  string        `yaml:"security_policy"`
	ApplicationName string        `yaml:"application_name"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	Nodes           []NodeConfig  `yaml:"nodes"`
}

// NodeConfig maps one node onto a sample channel.
type NodeConfig struct {
	NodeID  string `yaml:"node_id"`
	Channel int    `yaml:"channel"`
	Unit    string `yaml:"unit"`
}

func (c *Config) ApplyDefaults() {
	if c.SecurityMode == "" {
		c.SecurityMode = "None"
	}
	if c.SecurityPolicy == "" {
		c.SecurityPolicy = "None"
	}
	if c.ApplicationName == "" {
		c.ApplicationName = "labflow"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 2 * time.Second
	}
	for i := range c.Nodes {
		if c.Nodes[i].Channel == 0 {
			c.Nodes[i].Channel = i
		}
	}
}

func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	if len(c.Nodes) == 0 {
		return errors.New("at least one node must be configured")
	}
	for _, n := range c.Nodes {
		if _, err := ua.ParseNodeID(n.NodeID); err != nil {
			return fmt.Errorf("parse node id %q: %w", n.NodeID, err)
		}
	}
	return nil
}

// nodeReader is the part of *opcua.Client the probe uses.
type nodeReader interface {
	Read(ctx context.Context, req *ua.ReadRequest) (*ua.ReadResponse, error)
	Close(ctx context.Context) error
}

type dialFunc func(ctx context.Context, cfg Config) (nodeReader, error)

// Probe polls a set of OPC UA nodes. A node value counts as fresh only when
// its source timestamp moved since the previous read.
type Probe struct {
	id     string
	cfg    Config
	dial   dialFunc
	client nodeReader
	nodes  []*ua.ReadValueID
	last   []time.Time
}

func NewProbe(id string, cfg Config) (*Probe, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %v: %w", id, err, domain.ErrConfigRejected)
	}
	nodes := make([]*ua.ReadValueID, len(cfg.Nodes))
	for i, n := range cfg.Nodes {
		nodes[i] = &ua.ReadValueID{NodeID: ua.MustParseNodeID(n.NodeID), AttributeID: ua.AttributeIDValue}
	}
	return &Probe{id: id, cfg: cfg, dial: dial, nodes: nodes}, nil
}

func (p *Probe) ID() string              { return p.id }
func (p *Probe) Kind() domain.Kind       { return domain.KindOPCUAProbe }
func (p *Probe) MinCycle() time.Duration { return 0 }

// Configure opens the session and verifies every node is readable.
func (p *Probe) Configure(ctx context.Context) error {
	if p.client == nil {
		client, err := p.dial(ctx, p.cfg)
		if err != nil {
			return fmt.Errorf("%s: connect %s: %v: %w", p.id, p.cfg.Endpoint, err, domain.ErrTransportDisconnected)
		}
		p.client = client
	}
	res, err := p.read(ctx)
	if err != nil {
		return err
	}
	for i, r := range res.Results {
		if r.Status != ua.StatusOK {
			return fmt.Errorf("%s: node %s: %s: %w", p.id, p.cfg.Nodes[i].NodeID, r.Status, domain.ErrConfigRejected)
		}
	}
	p.last = make([]time.Time, len(p.nodes))
	for i, r := range res.Results {
		p.last[i] = r.SourceTimestamp
	}
	return nil
}

func (p *Probe) Measure(ctx context.Context) ([]domain.Reading, error) {
	if p.client == nil {
		return nil, fmt.Errorf("%s: measure before configure: %w", p.id, domain.ErrConfigRejected)
	}
	res, err := p.read(ctx)
	if err != nil {
		return nil, err
	}

	readings := make([]domain.Reading, len(res.Results))
	stamps := make([]time.Time, len(res.Results))
	for i, r := range res.Results {
		node := p.cfg.Nodes[i]
		if r.Status != ua.StatusOK {
			return nil, fmt.Errorf("%s: node %s: %s: %w", p.id, node.NodeID, r.Status, domain.ErrMalformedResponse)
		}
		v, ok := variantToFloat(r.Value)
		if !ok {
			return nil, fmt.Errorf("%s: node %s: unsupported value type %T: %w", p.id, node.NodeID, r.Value, domain.ErrMalformedResponse)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%s: node %s: value %v: %w", p.id, node.NodeID, v, domain.ErrMalformedResponse)
		}
		if r.SourceTimestamp.IsZero() || !r.SourceTimestamp.After(p.last[i]) {
			return nil, fmt.Errorf("%s: node %s: source timestamp %s did not advance: %w",
				p.id, node.NodeID, r.SourceTimestamp.Format(time.RFC3339Nano), domain.ErrStaleRead)
		}
		stamps[i] = r.SourceTimestamp
		readings[i] = domain.Reading{Channel: node.Channel, Value: v, Unit: node.Unit}
	}
	copy(p.last, stamps)
	return readings, nil
}

func (p *Probe) Close() error {
	if p.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := p.client.Close(ctx)
	p.client = nil
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Probe) read(ctx context.Context) (*ua.ReadResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ReadTimeout)
	defer cancel()
	res, err := p.client.Read(ctx, &ua.ReadRequest{
		MaxAge:             0,
		NodesToRead:        p.nodes,
		TimestampsToReturn: ua.TimestampsToReturnBoth,
	})
	if err != nil {
		return nil, p.classify(err)
	}
	if len(res.Results) != len(p.nodes) {
		return nil, fmt.Errorf("%s: %d results for %d nodes: %w", p.id, len(res.Results), len(p.nodes), domain.ErrMalformedResponse)
	}
	return res, nil
}

func (p *Probe) classify(err error) error {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, ua.StatusBadConnectionClosed), errors.Is(err, ua.StatusBadServerNotConnected):
		return fmt.Errorf("%s: %v: %w", p.id, err, domain.ErrTransportDisconnected)
	default:
		// the client reconnects on its own; anything else is worth a retry
		return fmt.Errorf("%s: %v: %w", p.id, err, domain.ErrTransportTimeout)
	}
}

func dial(ctx context.Context, cfg Config) (nodeReader, error) {
	client, err := opcua.NewClient(cfg.Endpoint, buildClientOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("opcua new client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("opcua connect: %w", err)
	}
	return client, nil
}

func buildClientOptions(cfg Config) []opcua.Option {
	opts := []opcua.Option{
		opcua.SecurityModeString(normalizeSecurityMode(cfg.SecurityMode)),
		opcua.SecurityPolicy(normalizeSecurityPolicy(cfg.SecurityPolicy)),
		opcua.ApplicationName(cfg.ApplicationName),
		opcua.AutoReconnect(true),
		opcua.RequestTimeout(cfg.ReadTimeout),
	}
	if cfg.Username != "" {
		opts = append(opts, opcua.AuthUsername(cfg.Username, cfg.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}
	return opts
}

func variantToFloat(v *ua.Variant) (float64, bool) {
	if v == nil {
		return 0, false
	}

	switch val := v.Value().(type) {
	case float32:
		return float64(val), true
	case float64:
		return val, true
	case int8:
		return float64(val), true
	case uint8:
		return float64(val), true
	case int16:
		return float64(val), true
	case uint16:
		return float64(val), true
	case int32:
		return float64(val), true
	case uint32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint64:
		return float64(val), true
	case bool:
		if val {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func normalizeSecurityMode(mode string) string {
	switch strings.ToLower(mode) {
	case "sign":
		return "Sign"
	case "signandencrypt", "signencrypt", "sign_and_encrypt", "sign+encrypt":
		return "SignAndEncrypt"
	default:
		return "None"
	}
}

func normalizeSecurityPolicy(policy string) string {
	if policy == "" {
		return "None"
	}
	return policy
}

var _ ports.Driver = (*Probe)(nil)
