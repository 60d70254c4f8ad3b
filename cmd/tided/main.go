// Package main provides the tided daemon, a non-custodial swap engine
// bridging Lightning invoices and the Liquid network.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/tidewallet-labs/tidewallet/internal/config"
	"github.com/tidewallet-labs/tidewallet/internal/daemon"
	"github.com/tidewallet-labs/tidewallet/internal/store"
	"github.com/tidewallet-labs/tidewallet/internal/wallet"
	"github.com/tidewallet-labs/tidewallet/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

// passwordEnvVar lets deployments unlock the wallet without a TTY.
const passwordEnvVar = "TIDED_WALLET_PASSWORD"

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.tidewallet", "Data directory")
		networkFlag = flag.String("network", "", "Network (mainnet, testnet, regtest), overrides config")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		initWallet  = flag.Bool("init", false, "Create a new wallet and exit")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("tided %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	cfg, err := config.Load(*dataDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}
	if *networkFlag != "" {
		cfg.NetworkType = config.NetworkType(*networkFlag)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	params, err := cfg.Params()
	if err != nil {
		log.Fatal("Invalid network configuration", "error", err)
	}

	dataPath := config.ExpandPath(*dataDir)
	seedPath := cfg.Wallet.SeedFile
	if !filepath.IsAbs(seedPath) {
		seedPath = filepath.Join(dataPath, seedPath)
	}
	walletSvc := wallet.NewService(params, seedPath)

	if *initWallet {
		runInit(log, walletSvc)
		return
	}

	password, err := readPassword()
	if err != nil {
		log.Fatal("Failed to read wallet password", "error", err)
	}
	if err := walletSvc.LoadWallet(password, ""); err != nil {
		log.Fatal("Failed to unlock wallet", "error", err)
	}

	st, err := store.New(dataPath)
	if err != nil {
		log.Fatal("Failed to open swap store", "error", err)
	}
	defer st.Close()

	d, err := daemon.New(cfg, walletSvc, st)
	if err != nil {
		log.Fatal("Failed to assemble daemon", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		log.Fatal("Failed to start daemon", "error", err)
	}

	printBanner(log, cfg, params, dataPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down...")
	cancel()
	d.Wait()
	log.Info("Goodbye!")
}

// runInit creates a wallet, printing the mnemonic exactly once.
func runInit(log *logging.Logger, walletSvc *wallet.Service) {
	mnemonic, err := wallet.GenerateMnemonic()
	if err != nil {
		log.Fatal("Failed to generate mnemonic", "error", err)
	}

	fmt.Print("Choose a wallet password: ")
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		log.Fatal("Failed to read password", "error", err)
	}

	if err := walletSvc.CreateWallet(mnemonic, "", string(password)); err != nil {
		log.Fatal("Failed to create wallet", "error", err)
	}

	fmt.Println()
	fmt.Println("Wallet created. Write down the recovery phrase, it is shown only once:")
	fmt.Println()
	fmt.Printf("  %s\n", mnemonic)
	fmt.Println()
}

// readPassword takes the wallet password from the environment or, when
// attached to a terminal, from a prompt.
func readPassword() (string, error) {
	if password := os.Getenv(passwordEnvVar); password != "" {
		return password, nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("no %s set and stdin is not a terminal", passwordEnvVar)
	}
	fmt.Print("Wallet password: ")
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", err
	}
	return string(password), nil
}

func printBanner(log *logging.Logger, cfg *config.Config, params *config.NetworkParams, dataPath string) {
	log.Info("")
	log.Info("=================================================")
	log.Infof("  tided swap engine (%s)", params.Name)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  Swap service: %s", params.SwapAPIURL)
	log.Infof("  Chain backend: %s", params.EsploraURL)
	log.Infof("  Fee rate: %.3f sat/vB", cfg.Fees.SatsPerVByte)
	log.Infof("  Data dir: %s", dataPath)
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
