// Copyright 2024 The pipewatch Authors
// This file is part of the pipewatch library.
//
// The pipewatch library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The pipewatch library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the pipewatch library. If not, see <http://www.gnu.org/licenses/>.

// pipewatch watches stackflow payment pipes on a Stacks chain, disputes
// dishonest closures and co-signs counterparty state transitions.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/urfave/cli/v2"

	"github.com/stackflow-labs/pipewatch/chain"
	"github.com/stackflow-labs/pipewatch/config"
	"github.com/stackflow-labs/pipewatch/cosigner"
	"github.com/stackflow-labs/pipewatch/dispute"
	"github.com/stackflow-labs/pipewatch/events"
	"github.com/stackflow-labs/pipewatch/internal/flags"
	"github.com/stackflow-labs/pipewatch/metrics"
	"github.com/stackflow-labs/pipewatch/params"
	"github.com/stackflow-labs/pipewatch/server"
	"github.com/stackflow-labs/pipewatch/store"
	"github.com/stackflow-labs/pipewatch/verifier"
	"github.com/stackflow-labs/pipewatch/watchtower"
)

// shutdownTimeout bounds the graceful drain on SIGINT/SIGTERM.
const shutdownTimeout = 10 * time.Second

var (
	defaults = config.Default()

	serverFlags = []cli.Flag{
		&cli.StringFlag{
			Name:    "host",
			Usage:   "HTTP listen interface",
			Value:   defaults.Host,
			EnvVars: []string{"PIPEWATCH_HOST"},
		},
		&cli.IntFlag{
			Name:    "port",
			Usage:   "HTTP listen port",
			Value:   defaults.Port,
			EnvVars: []string{"PIPEWATCH_PORT"},
		},
		&cli.StringSliceFlag{
			Name:    "cors.origins",
			Usage:   "Comma separated list of allowed CORS origins",
			EnvVars: []string{"PIPEWATCH_CORS_ORIGINS"},
		},
		&cli.StringFlag{
			Name:    "db",
			Usage:   "Path of the state database",
			Value:   defaults.DBFile,
			EnvVars: []string{"PIPEWATCH_DB_FILE"},
		},
		&cli.IntFlag{
			Name:    "events.max",
			Usage:   "Number of observed events kept in the recent-events ring",
			Value:   defaults.MaxRecentEvents,
			EnvVars: []string{"PIPEWATCH_MAX_RECENT_EVENTS"},
		},
		&cli.StringFlag{
			Name:    "log.level",
			Usage:   "Logging verbosity (trace, debug, info, warn, error)",
			Value:   defaults.LogLevel,
			EnvVars: []string{"PIPEWATCH_LOG_LEVEL"},
		},
		&cli.BoolFlag{
			Name:    "events.lograw",
			Usage:   "Log raw chain observer payloads at debug level",
			EnvVars: []string{"PIPEWATCH_LOG_RAW_EVENTS"},
		},
	}

	chainFlags = []cli.Flag{
		&cli.StringFlag{
			Name:    "network",
			Usage:   "Stacks network (mainnet, testnet, devnet, mocknet)",
			Value:   string(defaults.StacksNetwork),
			EnvVars: []string{"PIPEWATCH_NETWORK"},
		},
		&cli.StringFlag{
			Name:    "api",
			Usage:   "Stacks API endpoint, defaults to the network's canonical one",
			EnvVars: []string{"PIPEWATCH_API_URL"},
		},
		&cli.StringSliceFlag{
			Name:    "contracts",
			Usage:   "Contract id to watch, repeatable; empty watches the stackflow suffix",
			EnvVars: []string{"PIPEWATCH_WATCH_CONTRACTS"},
		},
		&cli.StringSliceFlag{
			Name:    "principals",
			Usage:   "Principal whose signature states are accepted, repeatable; empty accepts any",
			EnvVars: []string{"PIPEWATCH_WATCH_PRINCIPALS"},
		},
	}

	disputeFlags = []cli.Flag{
		&cli.StringFlag{
			Name:    "signer.key",
			Usage:   "Hex private key funding dispute transactions",
			EnvVars: []string{"PIPEWATCH_SIGNER_KEY"},
		},
		&cli.StringFlag{
			Name:    "dispute.mode",
			Usage:   "Dispute executor mode (auto, noop, mock)",
			Value:   string(defaults.DisputeExecutorMode),
			EnvVars: []string{"PIPEWATCH_DISPUTE_MODE"},
		},
		&cli.Uint64Flag{
			Name:    "dispute.fee",
			Usage:   "Transaction fee in microstacks for dispute submissions",
			Value:   defaults.DisputeFee,
			EnvVars: []string{"PIPEWATCH_DISPUTE_FEE"},
		},
		&cli.BoolFlag{
			Name:    "dispute.beneficial-only",
			Usage:   "Only dispute with states that improve on the closure balance",
			EnvVars: []string{"PIPEWATCH_DISPUTE_ONLY_BENEFICIAL"},
		},
		&cli.StringFlag{
			Name:    "verifier.mode",
			Usage:   "Signature verifier mode (readonly, accept-all, reject-all)",
			Value:   string(defaults.SignatureVerifierMode),
			EnvVars: []string{"PIPEWATCH_VERIFIER_MODE"},
		},
	}

	cosignerFlags = []cli.Flag{
		&cli.StringFlag{
			Name:    "cosigner.mode",
			Usage:   "Counterparty signer mode (local-key, kms)",
			Value:   defaults.CounterpartySignerMode,
			EnvVars: []string{"PIPEWATCH_COSIGNER_MODE"},
		},
		&cli.StringFlag{
			Name:    "cosigner.key",
			Usage:   "Hex private key used to co-sign counterparty requests",
			EnvVars: []string{"PIPEWATCH_COSIGNER_KEY"},
		},
		&cli.StringFlag{
			Name:    "cosigner.principal",
			Usage:   "Expected principal of the co-signing key, checked at startup",
			EnvVars: []string{"PIPEWATCH_COSIGNER_PRINCIPAL"},
		},
		&cli.StringFlag{
			Name:    "cosigner.kms.keyid",
			Usage:   "AWS KMS key id for the kms signer mode",
			EnvVars: []string{"PIPEWATCH_COSIGNER_KMS_KEY_ID"},
		},
		&cli.StringFlag{
			Name:    "cosigner.kms.region",
			Usage:   "AWS region of the KMS key",
			EnvVars: []string{"PIPEWATCH_COSIGNER_KMS_REGION"},
		},
		&cli.StringFlag{
			Name:    "cosigner.kms.endpoint",
			Usage:   "AWS KMS endpoint override, mostly for local stacks",
			EnvVars: []string{"PIPEWATCH_COSIGNER_KMS_ENDPOINT"},
		},
		&cli.StringFlag{
			Name:    "message.version",
			Usage:   "stackflow structured-data version string",
			Value:   defaults.StackflowMessageVersion,
			EnvVars: []string{"PIPEWATCH_MESSAGE_VERSION"},
		},
	}
)

func main() {
	app := flags.NewApp("stackflow payment pipe watchtower")
	app.Flags = flags.Merge(serverFlags, chainFlags, disputeFlags, cosignerFlags)
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func makeConfig(ctx *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	cfg.Host = ctx.String("host")
	cfg.Port = ctx.Int("port")
	cfg.DBFile = ctx.String("db")
	cfg.MaxRecentEvents = ctx.Int("events.max")
	cfg.LogLevel = ctx.String("log.level")
	cfg.LogRawEvents = ctx.Bool("events.lograw")
	cfg.WatchedContracts = ctx.StringSlice("contracts")
	cfg.WatchedPrincipals = ctx.StringSlice("principals")
	cfg.StacksNetwork = params.Network(ctx.String("network"))
	cfg.StacksAPIURL = ctx.String("api")
	cfg.SignerKey = ctx.String("signer.key")
	cfg.DisputeFee = ctx.Uint64("dispute.fee")
	cfg.DisputeExecutorMode = dispute.Mode(ctx.String("dispute.mode"))
	cfg.DisputeOnlyBeneficial = ctx.Bool("dispute.beneficial-only")
	cfg.SignatureVerifierMode = verifier.Mode(ctx.String("verifier.mode"))
	cfg.CounterpartySignerMode = ctx.String("cosigner.mode")
	cfg.CounterpartyKey = ctx.String("cosigner.key")
	cfg.CounterpartyPrincipal = ctx.String("cosigner.principal")
	cfg.CounterpartyKMSKeyID = ctx.String("cosigner.kms.keyid")
	cfg.CounterpartyKMSRegion = ctx.String("cosigner.kms.region")
	cfg.CounterpartyKMSEndpoint = ctx.String("cosigner.kms.endpoint")
	cfg.StackflowMessageVersion = ctx.String("message.version")
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func makeSigner(ctx context.Context, cfg *config.Config) (cosigner.Signer, error) {
	switch cfg.CounterpartySignerMode {
	case config.SignerModeKMS:
		return cosigner.NewKMSSigner(ctx, cosigner.KMSConfig{
			KeyID:    cfg.CounterpartyKMSKeyID,
			Region:   cfg.CounterpartyKMSRegion,
			Endpoint: cfg.CounterpartyKMSEndpoint,
		}, cfg.StacksNetwork)

	default:
		if cfg.CounterpartyKey == "" {
			return cosigner.NewUnsupportedSigner(), nil
		}
		key, err := chain.ParsePrivateKey(cfg.CounterpartyKey)
		if err != nil {
			return nil, fmt.Errorf("parsing co-signer key: %w", err)
		}
		return cosigner.NewLocalSigner(key, cfg.StacksNetwork), nil
	}
}

func run(cliCtx *cli.Context) error {
	cfg, err := makeConfig(cliCtx)
	if err != nil {
		return err
	}
	setLogLevels(cfg.LogLevel)
	log.Infof("Starting pipewatch %s on %s", params.VersionWithMeta, cfg.StacksNetwork)

	db, err := store.Open(cfg.DBFile, cfg.MaxRecentEvents)
	if err != nil {
		return err
	}
	defer db.Close()

	client := chain.NewClient(cfg.APIURL())

	v, err := verifier.New(cfg.SignatureVerifierMode, client)
	if err != nil {
		return err
	}

	var signerKey *btcec.PrivateKey
	if cfg.SignerKey != "" {
		if signerKey, err = chain.ParsePrivateKey(cfg.SignerKey); err != nil {
			return fmt.Errorf("parsing signer key: %w", err)
		}
	}
	executor, err := dispute.New(cfg.DisputeExecutorMode, dispute.Config{
		Network: cfg.StacksNetwork,
		Client:  client,
		Key:     signerKey,
		Fee:     cfg.DisputeFee,
	})
	if err != nil {
		return err
	}

	m := metrics.New()
	core := watchtower.New(watchtower.Config{
		Store:                 db,
		Parser:                events.NewParser(cfg.WatchedContracts),
		Verifier:              v,
		Executor:              executor,
		WatchedPrincipals:     cfg.WatchedPrincipals,
		DisputeOnlyBeneficial: cfg.DisputeOnlyBeneficial,
		Metrics:               m,
		LogRawEvents:          cfg.LogRawEvents,
	})

	signer, err := makeSigner(cliCtx.Context, cfg)
	if err != nil {
		return err
	}
	if signer.Enabled() {
		principal := signer.Principal()
		if cfg.CounterpartyPrincipal != "" && principal != "" && principal != cfg.CounterpartyPrincipal {
			return fmt.Errorf("co-signer key resolves to %s, configured principal is %s",
				principal, cfg.CounterpartyPrincipal)
		}
		log.Infof("Co-signing enabled for %s", principal)
	} else {
		log.Infof("Co-signing disabled; no counterparty key configured")
	}

	srv := server.New(server.Config{
		Host:        cfg.Host,
		Port:        cfg.Port,
		Network:     cfg.StacksNetwork,
		Core:        core,
		CoSigner:    cosigner.New(cosigner.Config{Core: core, Signer: signer, Network: cfg.StacksNetwork, MessageVersion: cfg.StackflowMessageVersion}),
		Metrics:     m,
		CORSOrigins: cliCtx.StringSlice("cors.origins"),
	})
	if err := srv.Start(); err != nil {
		return err
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigc
	log.Infof("Received %v, shutting down", sig)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warnf("Shutdown did not drain cleanly: %v", err)
	}
	return nil
}
