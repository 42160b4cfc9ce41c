package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/qnetproto/qnet-htx/internal/carrier"
	"github.com/qnetproto/qnet-htx/internal/config"
	"github.com/qnetproto/qnet-htx/internal/control"
	"github.com/qnetproto/qnet-htx/internal/decoy"
	"github.com/qnetproto/qnet-htx/internal/identity"
	"github.com/qnetproto/qnet-htx/internal/innerkey"
	"github.com/qnetproto/qnet-htx/internal/logging"
	"github.com/qnetproto/qnet-htx/internal/metrics"
	"github.com/qnetproto/qnet-htx/internal/mirror"
	"github.com/qnetproto/qnet-htx/internal/mux"
	"github.com/qnetproto/qnet-htx/internal/noise"
)

// loadConfig reads cfgPath, or falls back to config.Default() when cfgPath
// is empty, matching the teacher's "run without a config file" default.
func loadConfig(cfgPath string) (*config.Config, error) {
	if cfgPath == "" {
		return config.Default(), nil
	}
	return config.Load(cfgPath)
}

func newLogger(cfg *config.Config) *slog.Logger {
	return logging.NewLogger(cfg.Agent.LogLevel, cfg.Agent.LogFormat)
}

// agentID resolves the local identity: a pinned hex id from cfg.Agent.ID,
// or a persisted-or-generated one in cfg.Agent.DataDir when cfg.Agent.ID
// is "auto" (the default).
func agentID(cfg *config.Config) (identity.AgentID, error) {
	if cfg.Agent.ID == "" || cfg.Agent.ID == "auto" {
		id, _, err := identity.LoadOrCreate(cfg.Agent.DataDir)
		return id, err
	}
	return identity.ParseAgentID(cfg.Agent.ID)
}

// resolveDialAddr picks the TCP address this process actually dials: the
// decoy catalog's mapped destination for origin when one is configured and
// matches, otherwise origin's own host:port. The second return value is the
// string safe to log for this dial: origin itself, unless
// STEALTH_LOG_DECOY_ONLY is set and a decoy mapping resolved, in which case
// it is the decoy host instead, so logs never record the real destination.
func resolveDialAddr(origin string, cfg *config.Config) (string, string, error) {
	u, err := url.Parse(origin)
	if err != nil || u.Hostname() == "" {
		return "", "", fmt.Errorf("bad origin url %q", origin)
	}
	host, port := u.Hostname(), u.Port()
	if port == "" {
		port = "443"
	}
	fallback := net.JoinHostPort(host, port)

	if cfg.Decoy.CatalogFile == "" {
		return fallback, origin, nil
	}
	signed, err := loadDecoyFile(cfg.Decoy.CatalogFile)
	if err != nil {
		return "", "", fmt.Errorf("load decoy catalog: %w", err)
	}
	catalog, err := verifyDecoyCatalog(cfg, signed)
	if err != nil {
		return "", "", err
	}
	res, ok := decoy.Resolve(origin, catalog)
	if !ok {
		return fallback, origin, nil
	}
	return net.JoinHostPort(res.Host, fmt.Sprintf("%d", res.Port)), decoy.LogSafeOrigin(origin, res, ok), nil
}

// chooseTemplate runs the C5 selection algorithm: operator allow-list,
// then the calibration cache, then a fresh calibration probe.
func chooseTemplate(ctx context.Context, origin string, cfg *config.Config) (mirror.TemplateID, mirror.Template, error) {
	allow := mirror.LoadAllowlistFromEnv()
	cache := mirror.NewCache(cfg.Mirror.CacheTTL)
	return mirror.ChooseTemplate(ctx, origin, allow, cache)
}

// noiseBootstrapInitiator dials addr with tpl's mirrored ClientHello, runs
// Noise-XK as the initiator against peerStaticPub, and derives inner keys
// bound to templateID. The Noise handshake's own Export method stands in
// for a real outer TLS exporter, since the carrier transports in play here
// don't expose one.
func noiseBootstrapInitiator(ctx context.Context, addr string, tpl mirror.Template, templateID mirror.TemplateID, staticPriv, staticPub, peerStaticPub [32]byte) (carrier.Carrier, innerkey.Keys, error) {
	c, err := carrier.DialTLSMirror(ctx, addr, tpl)
	if err != nil {
		return nil, innerkey.Keys{}, err
	}

	hs := noise.NewInitiator(staticPriv, staticPub, peerStaticPub)
	msg1, err := hs.WriteMessage1()
	if err != nil {
		c.Close()
		return nil, innerkey.Keys{}, fmt.Errorf("noise message 1: %w", err)
	}
	if err := c.Send(msg1); err != nil {
		c.Close()
		return nil, innerkey.Keys{}, fmt.Errorf("send noise message 1: %w", err)
	}

	msg2, err := c.Recv()
	if err != nil {
		c.Close()
		return nil, innerkey.Keys{}, fmt.Errorf("recv noise message 2: %w", err)
	}
	if err := hs.ReadMessage2(msg2); err != nil {
		c.Close()
		return nil, innerkey.Keys{}, fmt.Errorf("noise message 2: %w", err)
	}

	msg3, err := hs.WriteMessage3()
	if err != nil {
		c.Close()
		return nil, innerkey.Keys{}, fmt.Errorf("noise message 3: %w", err)
	}
	if err := c.Send(msg3); err != nil {
		c.Close()
		return nil, innerkey.Keys{}, fmt.Errorf("send noise message 3: %w", err)
	}

	tx, rx, err := hs.TransportKeys()
	if err != nil {
		c.Close()
		return nil, innerkey.Keys{}, fmt.Errorf("transport keys: %w", err)
	}
	keys, err := innerkey.OpenNoiseBootstrap(tx, rx, hs, templateID[:], innerkey.Caps{Features: []string{"diagnostic-stream"}}, nil)
	if err != nil {
		c.Close()
		return nil, innerkey.Keys{}, fmt.Errorf("derive inner keys: %w", err)
	}
	return c, keys, nil
}

// noiseBootstrapResponder runs the mirror side of noiseBootstrapInitiator
// over an already-accepted connection.
func noiseBootstrapResponder(conn net.Conn, templateID mirror.TemplateID, staticPriv, staticPub [32]byte) (carrier.Carrier, innerkey.Keys, error) {
	c := carrier.WrapTLSMirrorConn(conn)

	msg1, err := c.Recv()
	if err != nil {
		c.Close()
		return nil, innerkey.Keys{}, fmt.Errorf("recv noise message 1: %w", err)
	}
	hs := noise.NewResponder(staticPriv, staticPub)
	if err := hs.ReadMessage1(msg1); err != nil {
		c.Close()
		return nil, innerkey.Keys{}, fmt.Errorf("noise message 1: %w", err)
	}

	msg2, err := hs.WriteMessage2()
	if err != nil {
		c.Close()
		return nil, innerkey.Keys{}, fmt.Errorf("noise message 2: %w", err)
	}
	if err := c.Send(msg2); err != nil {
		c.Close()
		return nil, innerkey.Keys{}, fmt.Errorf("send noise message 2: %w", err)
	}

	msg3, err := c.Recv()
	if err != nil {
		c.Close()
		return nil, innerkey.Keys{}, fmt.Errorf("recv noise message 3: %w", err)
	}
	if err := hs.ReadMessage3(msg3); err != nil {
		c.Close()
		return nil, innerkey.Keys{}, fmt.Errorf("noise message 3: %w", err)
	}

	tx, rx, err := hs.TransportKeys()
	if err != nil {
		c.Close()
		return nil, innerkey.Keys{}, fmt.Errorf("transport keys: %w", err)
	}
	keys, err := innerkey.OpenNoiseBootstrap(tx, rx, hs, templateID[:], innerkey.Caps{Features: []string{"diagnostic-stream"}}, nil)
	if err != nil {
		c.Close()
		return nil, innerkey.Keys{}, fmt.Errorf("derive inner keys: %w", err)
	}
	return c, keys, nil
}

// newMux wraps c in an encrypted mux, attaches the default metrics sink, and
// arms cfg's proactive rotation policy.
func newMux(c carrier.Carrier, keys innerkey.Keys, isDialer bool, log *slog.Logger, cfg *config.Config) *mux.Mux {
	w, r := carrier.ReaderWriter(c)
	mx := mux.New(w, r, keys.TxKey, keys.RxKey, isDialer, log)
	mx.SetMetrics(metrics.Default())
	mx.SetRotationPolicy(mux.RotationPolicy{
		MaxFrames:  cfg.Rotation.MaxFrames,
		MaxSeconds: cfg.Rotation.MaxSeconds,
	})
	return mx
}

// dialTimeout bounds the outer dial and inner handshake together.
const dialTimeout = 15 * time.Second

// sessionAgent adapts a live id+mux pair to control.AgentInfo so a single
// dial/listen invocation can optionally expose a status socket.
type sessionAgent struct {
	id    identity.AgentID
	mx    *mux.Mux
	state atomic.Value // string
}

func newSessionAgent(id identity.AgentID, mx *mux.Mux) *sessionAgent {
	a := &sessionAgent{id: id, mx: mx}
	a.state.Store("disabled")
	return a
}

func (a *sessionAgent) ID() identity.AgentID { return a.id }
func (a *sessionAgent) IsRunning() bool      { return true }
func (a *sessionAgent) StreamCount() int     { return 1 }
func (a *sessionAgent) EncryptionEpoch() uint64 {
	return a.mx.EncryptionEpoch()
}
func (a *sessionAgent) BootstrapState() string {
	return a.state.Load().(string)
}

// maybeStartControl starts a status socket for agent if cfg.Control.SocketPath
// is set, returning a stop func that is a no-op when it isn't.
func maybeStartControl(cfg *config.Config, agent control.AgentInfo, log *slog.Logger) (func(), error) {
	if cfg.Control.SocketPath == "" {
		return func() {}, nil
	}
	ctrlCfg := control.DefaultServerConfig()
	ctrlCfg.SocketPath = cfg.Control.SocketPath
	srv := control.NewServer(ctrlCfg, agent)
	if err := srv.Start(); err != nil {
		return nil, fmt.Errorf("start control socket: %w", err)
	}
	log.Info("control socket listening", "path", ctrlCfg.SocketPath)
	return func() { srv.Stop() }, nil
}
