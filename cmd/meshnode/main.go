package main

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"resty.dev/v3"

	"github.com/ripplebiz/MeshCore/internal/api"
	"github.com/ripplebiz/MeshCore/internal/bridge"
	"github.com/ripplebiz/MeshCore/internal/clock"
	"github.com/ripplebiz/MeshCore/internal/companion"
	"github.com/ripplebiz/MeshCore/internal/config"
	"github.com/ripplebiz/MeshCore/internal/crypto"
	"github.com/ripplebiz/MeshCore/internal/mesh"
	"github.com/ripplebiz/MeshCore/internal/node"
	"github.com/ripplebiz/MeshCore/internal/observability"
	"github.com/ripplebiz/MeshCore/internal/prefs"
	"github.com/ripplebiz/MeshCore/internal/radio"
	"github.com/ripplebiz/MeshCore/internal/store"
)

const (
	identityFile = "identity.json"
	firmwareVer  = "v1.0.0"
)

var buildDate = "18 Oct 2026"

var rootCmd = &cobra.Command{
	Use:   "meshnode",
	Short: "LoRa flood-mesh node",
	Long: `meshnode runs one node of a LoRa flood mesh.

As a repeater it relays flood and direct traffic, answers logins and
status requests and takes admin commands over the air.
As a companion it keeps contacts and messages for a phone app that
connects over a websocket.`,
	SilenceUsage: true,
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if dd, _ := cmd.Flags().GetString("data"); dd != "" {
		cfg.Node.DataDir = dd
	}
	return cfg, nil
}

// ─── keygen ─────────────────────────────────────────────────────────────────

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a new node identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		path := filepath.Join(cfg.Node.DataDir, identityFile)

		if _, err := os.Stat(path); err == nil {
			ok, _ := pterm.DefaultInteractiveConfirm.
				WithDefaultText(fmt.Sprintf("Identity already exists at %s. Overwrite?", path)).
				Show()
			if !ok {
				pterm.Println("Aborted.")
				return nil
			}
		}

		kp, err := crypto.GenerateKeyPair()
		if err != nil {
			return err
		}
		if err := kp.Save(path); err != nil {
			return err
		}
		pterm.Success.Println("Identity generated")
		pterm.Printfln("  Public key : %s", kp.PublicKeyHex())
		pterm.Printfln("  Sign key   : %x", kp.SignPub)
		pterm.Printfln("  Saved to   : %s", path)
		return nil
	},
}

// ─── daemon ──────────────────────────────────────────────────────────────────

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger, err := observability.SetupLogger(cfg.Log)
		if err != nil {
			return err
		}
		defer logger.Sync()

		kp, err := crypto.LoadKeyPair(filepath.Join(cfg.Node.DataDir, identityFile))
		if err != nil {
			return fmt.Errorf("no identity in %s, run 'meshnode keygen' first: %w", cfg.Node.DataDir, err)
		}

		st, err := store.Open(cfg.Node.DataDir)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		np, err := loadPrefs(cfg, st)
		if err != nil {
			return err
		}

		clk := clock.NewSystem()
		rad, closeRadio := buildRadio(cfg, np, clk, logger)
		defer closeRadio()

		ncfg := node.Config{
			Role:        cfg.Node.Role,
			Keys:        kp,
			Radio:       rad,
			Clock:       clk,
			Store:       st,
			Prefs:       np,
			PoolSize:    cfg.Node.PoolSize,
			QueueSize:   cfg.Node.QueueSize,
			MaxClients:  cfg.Node.MaxClients,
			MaxContacts: cfg.Companion.MaxContacts,
			Tick:        time.Duration(cfg.Node.TickMS) * time.Millisecond,
			Version:     firmwareVer,
			BuildDate:   buildDate,
			Log:         logger,
		}
		for _, ch := range cfg.Companion.Channels {
			ncfg.Channels = append(ncfg.Channels, mesh.NewGroupChannel(ch.Name, ch.Passphrase))
		}
		if cfg.Bridge.Enable {
			if ncfg.Bridge, err = bridgeConfig(cfg.Bridge, logger); err != nil {
				return err
			}
		}
		var link *companion.WSLink
		if cfg.Node.Role == config.RoleCompanion {
			link = companion.NewWSLink(logger)
			ncfg.Link = link
		}

		n, err := node.New(ncfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if link != nil {
			go serveLink(ctx, cfg.Companion.Listen, link, logger)
		}
		if cfg.API.Enable {
			srv := api.New(n, logger)
			go func() {
				if err := srv.Serve(ctx, cfg.API.Listen); err != nil {
					logger.Error("api stopped", zap.Error(err))
				}
			}()
		}

		printBanner(cfg, kp, np)
		if cfg.Node.Role == config.RoleRepeater {
			go console(ctx, n)
		}

		err = n.Run(ctx)
		switch {
		case errors.Is(err, node.ErrReboot):
			pterm.Info.Println("Reboot requested, exiting.")
			return nil
		case err != nil:
			return err
		}
		pterm.Println("\nShutting down.")
		return nil
	},
}

// loadPrefs reads the stored prefs; on first boot they are seeded from the
// config file and saved.
func loadPrefs(cfg *config.Config, st *store.Store) (*prefs.NodePrefs, error) {
	np := prefs.Default()
	err := st.LoadPrefs(&np)
	if err == nil {
		return &np, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load prefs: %w", err)
	}
	np.SetName(cfg.Node.Name)
	p := cfg.Radio.Params()
	if err := np.SetRadio(p.FreqMHz, p.BandwidthKHz, int(p.SF), int(p.CR)); err != nil {
		return nil, err
	}
	if err := np.SetTxPower(int(p.TxPowerDBm)); err != nil {
		return nil, err
	}
	if err := st.SavePrefs(&np); err != nil {
		return nil, err
	}
	return &np, nil
}

func buildRadio(cfg *config.Config, np *prefs.NodePrefs, clk clock.Clock, log *zap.Logger) (radio.Radio, func()) {
	if cfg.Radio.Kind == "sim" {
		return radio.NewMedium(clk).NewRadio(np.Name, np.RadioParams()), func() {}
	}
	t := radio.NewTCP(radio.TCPConfig{
		Listen: cfg.Radio.Listen,
		Peers:  cfg.Radio.Peers,
		Params: np.RadioParams(),
		SNR:    cfg.Radio.SNR,
		RSSI:   cfg.Radio.RSSI,
		Log:    log,
	}, clk)
	return t, func() { t.Close() }
}

func bridgeConfig(c config.BridgeConfig, log *zap.Logger) (*bridge.Config, error) {
	mode, err := bridge.ParseMode(c.Mode)
	if err != nil {
		return nil, err
	}
	bc := &bridge.Config{
		Listen: c.Listen,
		Peers:  c.Peers,
		Mode:   mode,
		Layout: bridge.Layout{Version: c.Version, Radio: c.Radio, Signal: c.Signal, Timestamp: c.Timestamp},
		Log:    log,
	}
	for _, h := range c.Trusted {
		key, err := hex.DecodeString(strings.TrimSpace(h))
		if err != nil || len(key) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("bridge: bad trusted key %q", h)
		}
		bc.Trusted = append(bc.Trusted, ed25519.PublicKey(key))
	}
	return bc, nil
}

func serveLink(ctx context.Context, addr string, link *companion.WSLink, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/ws", link)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("app link listen failed", zap.Error(err))
		return
	}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	log.Info("app link listening", zap.String("url", "ws://"+ln.Addr().String()+"/ws"))
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		log.Error("app link stopped", zap.Error(err))
	}
}

func printBanner(cfg *config.Config, kp *crypto.KeyPair, np *prefs.NodePrefs) {
	pterm.DefaultSection.Println("meshnode " + firmwareVer)
	rows := pterm.TableData{
		{"Role", cfg.Node.Role},
		{"Name", np.Name},
		{"Identity", kp.PublicKeyHex()},
		{"Radio", fmt.Sprintf("%s %.3f MHz BW%.1f SF%d CR%d %d dBm", cfg.Radio.Kind, np.FreqMHz, np.BandwidthKHz, np.SF, np.CR, np.TxPowerDBm)},
		{"Data", cfg.Node.DataDir},
	}
	if cfg.Bridge.Enable {
		rows = append(rows, []string{"Bridge", cfg.Bridge.Listen + " (" + cfg.Bridge.Mode + ")"})
	}
	if cfg.Node.Role == config.RoleCompanion {
		rows = append(rows, []string{"App link", "ws://" + cfg.Companion.Listen + "/ws"})
	}
	if cfg.API.Enable {
		rows = append(rows, []string{"API", "http://" + cfg.API.Listen})
	}
	pterm.DefaultTable.WithData(rows).Render()
	if cfg.Node.Role == config.RoleRepeater {
		pterm.Println("\n  Type a command ('help' lists them).")
	}
	pterm.Println()
}

// console feeds stdin lines to the repeater's command interpreter.
func console(ctx context.Context, n *node.Node) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		reply, err := n.Command(cctx, line)
		cancel()
		if err != nil {
			pterm.Error.Println(err)
			continue
		}
		if reply != "" {
			pterm.Println("  -> " + reply)
		}
	}
}

// ─── status ──────────────────────────────────────────────────────────────────

func apiClient(cmd *cobra.Command) (*resty.Client, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return resty.New().
		SetBaseURL("http://" + cfg.API.Listen).
		SetTimeout(5 * time.Second), nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the counters of a running node",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		var st api.Stats
		resp, err := c.R().SetResult(&st).Get(api.EPStats)
		if err != nil {
			return fmt.Errorf("node not reachable: %w", err)
		}
		if resp.IsError() {
			return fmt.Errorf("node: %s", resp.Status())
		}

		rows := pterm.TableData{
			{"Role", st.Role},
			{"Name", st.Name},
			{"Identity", st.PublicKey},
			{"Uptime", (time.Duration(st.UptimeSecs) * time.Second).String()},
			{"Pool free", fmt.Sprintf("%d / %d", st.PoolFree, st.PoolCapacity)},
			{"Outbound queue", strconv.Itoa(st.OutboundQueue)},
			{"Sent flood/direct", fmt.Sprintf("%d / %d", st.SentFlood, st.SentDirect)},
			{"Recv flood/direct", fmt.Sprintf("%d / %d", st.RecvFlood, st.RecvDirect)},
			{"Dups flood/direct", fmt.Sprintf("%d / %d", st.FloodDups, st.DirectDups)},
			{"Full events", strconv.FormatUint(uint64(st.FullEvents), 10)},
			{"Airtime", (time.Duration(st.AirtimeMillis) * time.Millisecond).String()},
		}
		if b := st.Bridge; b != nil {
			rows = append(rows, []string{"Bridge", fmt.Sprintf("sent %d recv %d injected %d rejected %d dropped %d",
				b.Sent, b.Received, b.Injected, b.Rejected, b.Dropped)})
		}
		return pterm.DefaultTable.WithData(rows).Render()
	},
}

// ─── cli ─────────────────────────────────────────────────────────────────────

var cliCmd = &cobra.Command{
	Use:   "cli <command...>",
	Short: "Run one command on a running repeater",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		var out api.CLIResp
		resp, err := c.R().
			SetBody(map[string]string{"command": strings.Join(args, " ")}).
			SetResult(&out.Body).
			Post(api.EPCLI)
		if err != nil {
			return fmt.Errorf("node not reachable: %w", err)
		}
		if resp.IsError() {
			return fmt.Errorf("node: %s: %s", resp.Status(), resp.String())
		}
		if out.Body.Reply != "" {
			pterm.Println(out.Body.Reply)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file (default ./meshnode.yaml, $MESHNODE_CONFIG)")
	rootCmd.PersistentFlags().String("data", "", "data directory, overrides node.data_dir")

	rootCmd.AddCommand(keygenCmd, daemonCmd, statusCmd, cliCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
