// Package node owns every component of a running mesh node and drives them.
//
// Design:
//   - One goroutine (Run) touches mesh state. Each tick it handles at most
//     one external request, one app frame or one bridge datagram, then runs
//     the role's Loop (dispatcher, timers, offline queue).
//   - Everything else (HTTP API, console, websocket reader, UDP reader)
//     talks to that goroutine through Do, so no mesh state is shared.
package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ripplebiz/MeshCore/internal/api"
	"github.com/ripplebiz/MeshCore/internal/bridge"
	"github.com/ripplebiz/MeshCore/internal/clock"
	"github.com/ripplebiz/MeshCore/internal/companion"
	"github.com/ripplebiz/MeshCore/internal/config"
	"github.com/ripplebiz/MeshCore/internal/crypto"
	"github.com/ripplebiz/MeshCore/internal/dispatch"
	"github.com/ripplebiz/MeshCore/internal/mesh"
	"github.com/ripplebiz/MeshCore/internal/pool"
	"github.com/ripplebiz/MeshCore/internal/prefs"
	"github.com/ripplebiz/MeshCore/internal/radio"
	"github.com/ripplebiz/MeshCore/internal/repeater"
	"github.com/ripplebiz/MeshCore/internal/store"
)

const (
	defaultTick      = time.Millisecond
	defaultPoolSize  = 32
	requestQueueSize = 16
)

var (
	// ErrRadioInit means the radio could not be started; the node cannot run.
	ErrRadioInit = errors.New("node: radio init failed")
	// ErrReboot is returned by Run when a reboot command was received.
	ErrReboot = errors.New("node: reboot requested")
)

// App is a node role.
type App interface {
	Begin() error
	Loop()
	Engine() *mesh.Engine
}

// Config configures a Node.
type Config struct {
	Role  string // config.RoleRepeater or config.RoleCompanion
	Keys  *crypto.KeyPair
	Radio radio.Radio
	Clock clock.Clock      // defaults to the system clock
	Store *store.Store     // optional
	Prefs *prefs.NodePrefs // defaults to prefs.Default()

	PoolSize    int
	QueueSize   int
	MaxClients  int
	MaxContacts int
	Channels    []mesh.GroupChannel

	Bridge *bridge.Config    // nil disables the bridge
	Link   *companion.WSLink // companion app link, optional
	Tick   time.Duration     // poll interval; defaults to 1ms

	Version   string
	BuildDate string
	Log       *zap.Logger
}

type request struct {
	fn   func()
	done chan struct{}
}

// Node is a running mesh node.
type Node struct {
	cfg     Config
	log     *zap.Logger
	app     App
	rep     *repeater.Repeater
	comp    *companion.Companion
	bridge  *bridge.Bridge
	reqs    chan request
	reboot  chan struct{}
	started time.Time
}

// New builds every component from cfg. Nothing touches the radio or the
// network until Run.
func New(cfg Config) (*Node, error) {
	if cfg.Keys == nil || cfg.Radio == nil {
		return nil, errors.New("node: keys and radio are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewSystem()
	}
	if cfg.Prefs == nil {
		p := prefs.Default()
		cfg.Prefs = &p
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultPoolSize
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.PoolSize
	}
	if cfg.Tick <= 0 {
		cfg.Tick = defaultTick
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}

	n := &Node{
		cfg:    cfg,
		log:    cfg.Log.Named("node"),
		reqs:   make(chan request, requestQueueSize),
		reboot: make(chan struct{}, 1),
	}

	mc := mesh.Config{
		Dispatch: dispatch.Config{
			Radio: cfg.Radio,
			Pool:  pool.New(cfg.PoolSize, cfg.QueueSize),
			Clock: cfg.Clock,
			Log:   cfg.Log,
		},
		Self: cfg.Keys,
		RTC:  clock.NewRTC(cfg.Clock, uint32(time.Now().Unix())),
	}

	switch cfg.Role {
	case config.RoleRepeater:
		n.rep = repeater.New(repeater.Config{
			Mesh:       mc,
			Prefs:      cfg.Prefs,
			Store:      cfg.Store,
			MaxClients: cfg.MaxClients,
			Version:    cfg.Version,
			BuildDate:  cfg.BuildDate,
			OnReboot:   n.requestReboot,
		})
		n.app = n.rep
	case config.RoleCompanion:
		n.comp = companion.New(companion.Config{
			Mesh:        mc,
			Prefs:       cfg.Prefs,
			Store:       cfg.Store,
			MaxContacts: cfg.MaxContacts,
			Channels:    cfg.Channels,
			BuildDate:   cfg.BuildDate,
			OnReboot:    n.requestReboot,
		})
		if cfg.Link != nil {
			n.comp.SetLink(cfg.Link)
		}
		n.app = n.comp
	default:
		return nil, fmt.Errorf("node: unknown role %q", cfg.Role)
	}

	if cfg.Bridge != nil {
		bc := *cfg.Bridge
		bc.Keys = cfg.Keys
		bc.RTC = n.app.Engine().RTC()
		if bc.Log == nil {
			bc.Log = cfg.Log
		}
		n.bridge = bridge.New(bc, n.app.Engine())
		n.app.Engine().AddObserver(n.bridge)
	}
	return n, nil
}

// App returns the role application.
func (n *Node) App() App { return n.app }

// Bridge returns the bridge, or nil when disabled.
func (n *Node) Bridge() *bridge.Bridge { return n.bridge }

func (n *Node) requestReboot() {
	select {
	case n.reboot <- struct{}{}:
	default:
	}
}

// Run starts the radio and the bridge and polls until ctx is done. A radio
// failure is returned wrapped in ErrRadioInit.
func (n *Node) Run(ctx context.Context) error {
	if err := n.app.Begin(); err != nil {
		return fmt.Errorf("%w: %w", ErrRadioInit, err)
	}
	n.started = time.Now()
	if n.bridge != nil {
		if err := n.bridge.Start(); err != nil {
			return err
		}
		defer n.bridge.Close()
	}
	n.log.Info("node running",
		zap.String("role", n.cfg.Role),
		zap.String("id", n.cfg.Keys.PublicKeyHex()),
		zap.String("name", n.cfg.Prefs.Name))

	ticker := time.NewTicker(n.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-n.reboot:
			return ErrReboot
		case <-ticker.C:
			n.step()
		}
	}
}

func (n *Node) step() {
	select {
	case r := <-n.reqs:
		r.fn()
		close(r.done)
	default:
		if n.comp != nil && n.cfg.Link != nil {
			select {
			case f := <-n.cfg.Link.Frames():
				n.comp.HandleFrame(f)
			default:
			}
		}
	}
	if n.bridge != nil {
		n.bridge.Poll()
	}
	n.app.Loop()
}

// Do runs fn on the node goroutine and waits for it. If ctx ends first the
// wait is abandoned; fn may still run later, so it must not write to state
// the caller reads after Do returns.
func (n *Node) Do(ctx context.Context, fn func()) error {
	r := request{fn: fn, done: make(chan struct{})}
	select {
	case n.reqs <- r:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// api.Backend

func (n *Node) Stats(ctx context.Context) (api.Stats, error) {
	out := make(chan api.Stats, 1)
	if err := n.Do(ctx, func() { out <- n.collectStats() }); err != nil {
		return api.Stats{}, err
	}
	return <-out, nil
}

func (n *Node) collectStats() api.Stats {
	e := n.app.Engine()
	ds := e.Stats()
	st := api.Stats{
		Role:          n.cfg.Role,
		Name:          n.cfg.Prefs.Name,
		PublicKey:     e.Self().PublicKeyHex(),
		PoolFree:      e.Pool().FreeCount(),
		PoolCapacity:  e.Pool().Capacity(),
		OutboundQueue: e.Pool().OutboundCount(),
		SentFlood:     ds.SentFlood,
		SentDirect:    ds.SentDirect,
		RecvFlood:     ds.RecvFlood,
		RecvDirect:    ds.RecvDirect,
		FullEvents:    ds.FullEvents,
		AirtimeMillis: ds.TotalAirtime,
		FloodDups:     e.Seen().FloodDups(),
		DirectDups:    e.Seen().DirectDups(),
	}
	if !n.started.IsZero() {
		st.UptimeSecs = uint32(time.Since(n.started).Seconds())
	}
	if n.bridge != nil {
		bs := n.bridge.Stats()
		st.Bridge = &api.BridgeStats{
			Sent:     bs.Sent,
			Received: bs.Received,
			Injected: bs.Injected,
			Rejected: bs.Rejected,
			Dropped:  bs.Dropped,
		}
	}
	return st
}

// Command runs one text command with local privileges. Only the repeater
// role has an interpreter.
func (n *Node) Command(ctx context.Context, line string) (string, error) {
	if n.rep == nil {
		return "", api.ErrUnsupported
	}
	out := make(chan string, 1)
	if err := n.Do(ctx, func() { out <- n.rep.HandleCommand(0, line) }); err != nil {
		return "", err
	}
	return <-out, nil
}
