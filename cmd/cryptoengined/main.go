// Command cryptoengined runs the Crypto Engine as a standalone process,
// listening on a Unix socket for ipc.Client connections from the bridge
// (spec.md §5 Process Boundary). Keeping it a separate process lets the
// long-term identity and ratchet state live in a process the bridge never
// needs direct memory access to.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/carlmjohnson/versioninfo"

	"github.com/ratchethub/ratchethub/crypto"
	"github.com/ratchethub/ratchethub/internal/config"
	"github.com/ratchethub/ratchethub/internal/logging"
	"github.com/ratchethub/ratchethub/ipc"
)

func main() {
	var (
		cfgPath    string
		statePath  string
		socketPath string
		pickleHex  string
		showVer    bool
	)
	flag.StringVar(&cfgPath, "config", "", "path to a TOML config file (optional)")
	flag.StringVar(&statePath, "state", "", "override the bolt state path")
	flag.StringVar(&socketPath, "socket", "", "override the listen socket path")
	flag.StringVar(&pickleHex, "pickle-key", "", "hex-encoded 32-byte store encryption key (required unless $RATCHETHUB_PICKLE_KEY is set)")
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
			fmt.Fprintf(os.Stderr, "cryptoengined: load config: %s\n", err)
			os.Exit(1)
		}
	}
	if statePath != "" {
		cfg.StatePath = statePath
	}
	if socketPath != "" {
		cfg.CryptoEngineSocket = socketPath
	}

	logger := logging.New(nil, "cryptoengined", logging.ParseLevel(cfg.LogLevel))

	pickleKey, err := resolvePickleKey(pickleHex)
	if err != nil {
		logger.Fatalf("pickle key: %s", err)
	}

	store, err := crypto.OpenStore(cfg.StatePath, pickleKey)
	if err != nil {
		logger.Fatalf("open store: %s", err)
	}
	defer store.Close()

	identity, err := crypto.LoadOrCreateIdentity(store, nil)
	if err != nil {
		logger.Fatalf("load identity: %s", err)
	}

	engine := crypto.NewEngine(identity, store)

	srv, err := ipc.Listen(cfg.CryptoEngineSocket, engine, logger)
	if err != nil {
		logger.Fatalf("listen %s: %s", cfg.CryptoEngineSocket, err)
	}
	go srv.Serve()

	logger.Infof("listening on %s", cfg.CryptoEngineSocket)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	srv.Close()
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
