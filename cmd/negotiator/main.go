// Command negotiator serves the bargaining bot over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/term"

	"negotiator/pkg/config"
	"negotiator/pkg/dispatch"
	"negotiator/pkg/extract"
	"negotiator/pkg/hostpool"
	"negotiator/pkg/llm"
	"negotiator/pkg/llm/ollama"
	"negotiator/pkg/logx"
	"negotiator/pkg/metrics"
	"negotiator/pkg/negotiation"
	"negotiator/pkg/persistence"
	"negotiator/pkg/version"
	"negotiator/pkg/webui"
)

func main() {
	var (
		configPath  = flag.String("config", config.DefaultConfigFile, "Path to the JSON configuration file")
		secretsPath = flag.String("secrets", config.DefaultSecretsFile, "Path to the encrypted secrets file")
		initSecrets = flag.Bool("init-secrets", false, "Prompt for the backend password, encrypt it and exit")
		debug       = flag.Bool("debug", false, "Enable debug logging and debug record files")
		trail       = flag.Bool("trail", false, "Push the decision trail of the bot to the interface")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("negotiator %s\n", version.String())
		os.Exit(0)
	}
	if *debug {
		logx.SetDebugConfig(true, true, "")
	}

	if *initSecrets {
		if err := writeSecrets(*secretsPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write secrets: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	os.Exit(run(*configPath, *secretsPath, *trail))
}

// run contains the main application logic and returns an exit code so that defers
// execute before os.Exit.
func run(configPath, secretsPath string, showTrail bool) int {
	if err := config.LoadConfig(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	cfg, err := config.GetConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to get config: %v\n", err)
		return 1
	}
	if err := handleSecretsDecryption(secretsPath); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to handle secrets: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, &cfg, showTrail); err != nil {
		fmt.Fprintf(os.Stderr, "negotiator failed: %v\n", err)
		return 1
	}
	return 0
}

// serve wires the components and blocks until ctx is done.
func serve(ctx context.Context, cfg *config.Config, showTrail bool) error {
	logger := logx.NewLogger("negotiator")

	db, err := persistence.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			logger.Warn("Failed to close database: %v", closeErr)
		}
	}()
	store := persistence.NewStore(db)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewRecorder(registry)

	creds := ollama.Credentials{User: cfg.LLM.User}
	if password, secretErr := config.GetSecret(config.SecretLLMPassword); secretErr == nil {
		creds.Password = password
	} else if cfg.LLM.User != "" {
		logger.Warn("Backend user %s configured without %s", cfg.LLM.User, config.SecretLLMPassword)
	}

	hosts := hostpool.NewRegistry(
		hostpool.ProbeDiscovery{Hosts: cfg.Hosts, Check: hostpool.OllamaCheck(creds, cfg.HeartbeatTimeout())},
		hostpool.Options{WaitCeiling: cfg.WaitCeiling(), Observer: recorder},
	)
	llmLogger := logx.NewLogger("llm")
	clients := func(host string) llm.Client {
		return llm.Chain(ollama.NewClient(host, cfg.LLM.Model, creds), metrics.Middleware(recorder, nil, llmLogger))
	}

	hub := dispatch.NewHub(cfg.Negotiation.SubscriberBuffer)
	ranges := negotiation.Ranges{
		ProductionCostLow:  cfg.Market.ProductionCostLow,
		ProductionCostHigh: cfg.Market.ProductionCostHigh,
		MarketPriceLow:     cfg.Market.MarketPriceLow,
		MarketPriceHigh:    cfg.Market.MarketPriceHigh,
	}
	deps := negotiation.Deps{
		Store:    store,
		Notifier: hub,
		Observer: recorder,
		Models: negotiation.Models{
			Chat:        cfg.LLM.Model,
			Reader:      cfg.LLM.Reader,
			Constraint:  cfg.LLM.Constraint,
			Temperature: cfg.LLM.Temperature,
		},
		Ranges:          ranges,
		Extractor:       extract.Extractor{File: cfg.Debug.ExtractFile},
		InterpretFile:   cfg.Debug.InterpretFile,
		ConstraintsFile: cfg.Debug.ConstraintsFile,
		SettleDelay:     cfg.SettleDelay(),
		ShowTrail:       showTrail,
	}
	//nolint:gosec // experiment draws, not secrets
	seeded := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed))
	if cfg.Negotiation.RandomConstraintDraw {
		deps.Draw = negotiation.UniformDraw(seeded)
	}

	runner := negotiation.NewRunner(negotiation.RunnerConfig{
		Protocol:   negotiation.NewProtocol(deps),
		Repository: store,
		Hosts:      hosts,
		Clients:    clients,
		Notifier:   hub,
		Observer:   recorder,
	})
	defer runner.Shutdown()

	server := webui.NewServer(runner, hub, webui.Options{
		Ranges:  ranges,
		Draw:    negotiation.UniformDraw(rand.New(rand.NewPCG(seeded.Uint64(), seeded.Uint64()))), //nolint:gosec // experiment draws
		Metrics: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})

	logger.Info("negotiator %s serving %d configured hosts, models chat=%s reader=%s constraint=%s",
		version.String(), len(cfg.Hosts), cfg.LLM.Model, cfg.LLM.Reader, cfg.LLM.Constraint)
	if err := server.ListenAndServe(ctx, cfg.Addr()); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("Waiting for running turns")
	return nil
}

// handleSecretsDecryption loads the encrypted secrets file when it exists. The password
// comes from NEGOTIATOR_PASSWORD or an interactive prompt.
func handleSecretsDecryption(path string) error {
	if !config.SecretsFileExists(path) {
		return nil
	}
	password, err := secretsPassword("Enter the secrets password: ")
	if err != nil {
		return err
	}
	secrets, err := config.DecryptSecretsFile(path, password)
	if err != nil {
		return fmt.Errorf("decrypt %s: %w", path, err)
	}
	config.SetDecryptedSecrets(secrets)
	logx.Infof("Loaded %d secrets from %s", len(secrets), path)
	return nil
}

// writeSecrets prompts for the backend and operator passwords and encrypts them.
func writeSecrets(path string) error {
	llmPass, err := readPassword("Backend password (" + config.SecretLLMPassword + "): ")
	if err != nil {
		return err
	}
	webPass, err := readPassword("Operator password (" + config.SecretWebUIPassword + ", empty for none): ")
	if err != nil {
		return err
	}
	password, err := secretsPassword("Password protecting the secrets file: ")
	if err != nil {
		return err
	}

	secrets := map[string]string{config.SecretLLMPassword: llmPass}
	if webPass != "" {
		secrets[config.SecretWebUIPassword] = webPass
	}
	if err := config.EncryptSecretsFile(path, password, secrets); err != nil {
		return fmt.Errorf("encrypt secrets: %w", err)
	}
	fmt.Printf("Secrets saved to %s (file permissions: 0600)\n", path)
	return nil
}

func secretsPassword(prompt string) (string, error) {
	if password := os.Getenv("NEGOTIATOR_PASSWORD"); password != "" {
		return password, nil
	}
	return readPassword(prompt)
}

func readPassword(prompt string) (string, error) {
	if !term.IsTerminal(int(syscall.Stdin)) { //nolint:unconvert // Stdin is not an int on every platform
		return "", fmt.Errorf("no terminal to read %q from; set NEGOTIATOR_PASSWORD", strings.TrimSpace(prompt))
	}
	fmt.Print(prompt)
	raw, err := term.ReadPassword(int(syscall.Stdin)) //nolint:unconvert // see above
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	password := string(raw)
	for i := range raw {
		raw[i] = 0
	}
	return password, nil
}
