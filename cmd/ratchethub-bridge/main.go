// Command ratchethub-bridge runs the Transport Bridge as a standalone
// daemon: one process per machine multiplexing every tab/CLI Connection
// onto a shared Crypto Engine handle and channel driver (spec.md §4.4,
// §5 Process Boundary). The Crypto Engine may live in-process or be reached
// over the ipc.Client socket cmd/cryptoengined exposes.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ratchethub/ratchethub/bridge"
	"github.com/ratchethub/ratchethub/channel"
	"github.com/ratchethub/ratchethub/crypto"
	"github.com/ratchethub/ratchethub/internal/config"
	"github.com/ratchethub/ratchethub/internal/logging"
	"github.com/ratchethub/ratchethub/internal/metrics"
	"github.com/ratchethub/ratchethub/ipc"
)

func main() {
	var (
		cfgPath   string
		inProcess bool
		statePath string
		pickleHex string
		showVer   bool
	)
	flag.StringVar(&cfgPath, "config", "", "path to a TOML config file (optional)")
	flag.BoolVar(&inProcess, "in-process-crypto", false, "run the Crypto Engine in this process instead of dialing -crypto-engine-socket")
	flag.StringVar(&statePath, "state", "", "override the bolt state path (only used with -in-process-crypto)")
	flag.StringVar(&pickleHex, "pickle-key", "", "hex-encoded 32-byte store key (only used with -in-process-crypto); falls back to $RATCHETHUB_PICKLE_KEY")
	flag.BoolVar(&showVer, "version", false, "print version and exit")
	flag.Parse()

	if showVer {
		fmt.Println(versioninfo.Version)
		return
	}

	cfg := config.Default()
	if cfgPath != "" {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ratchethub-bridge: load config: %s\n", err)
			os.Exit(1)
		}
	}
	if statePath != "" {
		cfg.StatePath = statePath
	}

	logger := logging.New(nil, "ratchethub-bridge", logging.ParseLevel(cfg.LogLevel))

	cryptoClient, closeCrypto, err := buildCryptoClient(cfg, inProcess, pickleHex)
	if err != nil {
		logger.Fatalf("crypto client: %s", err)
	}
	defer closeCrypto()

	promReg := prometheus.NewRegistry()
	reg := metrics.NewRegistry(promReg)

	newDriver := func(t config.Transport) channel.Driver {
		if t == config.TransportPeer {
			return channel.NewPeerDriver()
		}
		return channel.NewRelayDriver()
	}

	b := bridge.New(cryptoClient, cfg, newDriver, reg, logger)

	if cfg.MetricsListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(cfg.MetricsListenAddr, mux); err != nil {
				logger.Errorf("metrics listener: %s", err)
			}
		}()
		logger.Infof("metrics on %s/metrics", cfg.MetricsListenAddr)
	}

	ev, cancel := b.Events().Subscribe()
	defer cancel()
	go func() {
		for e := range ev {
			logger.Debugf("event: kind=%s hub=%s sub=%s", e.Kind, e.HubID, e.SubscriptionID)
		}
	}()

	logger.Info("bridge ready")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
}

// buildCryptoClient returns either an in-process engine (opening its own
// bolt store) or an ipc.Client dialed against cfg.CryptoEngineSocket.
func buildCryptoClient(cfg config.Config, inProcess bool, pickleHex string) (bridge.CryptoClient, func(), error) {
	if !inProcess {
		c, err := ipc.Dial(cfg.CryptoEngineSocket)
		if err != nil {
			return nil, nil, fmt.Errorf("dial %s: %w", cfg.CryptoEngineSocket, err)
		}
		return c, func() { c.Close() }, nil
	}

	pickleKey, err := resolvePickleKey(pickleHex)
	if err != nil {
		return nil, nil, err
	}
	store, err := crypto.OpenStore(cfg.StatePath, pickleKey)
	if err != nil {
		return nil, nil, err
	}
	identity, err := crypto.LoadOrCreateIdentity(store, nil)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	engine := crypto.NewEngine(identity, store)
	return bridge.WrapEngine(engine), func() { store.Close() }, nil
}

func resolvePickleKey(hexFlag string) ([]byte, error) {
	s := hexFlag
	if s == "" {
		s = os.Getenv("RATCHETHUB_PICKLE_KEY")
	}
	if s == "" {
		return nil, fmt.Errorf("no pickle key provided via -pickle-key or $RATCHETHUB_PICKLE_KEY")
	}
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("pickle key must be hex-encoded: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("pickle key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}
