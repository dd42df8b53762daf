// Command billingctl is the operator CLI for the billing core.
//
// Usage:
//
//	billingctl migrate
//	billingctl plans
//	billingctl entitlement usr_123
//	billingctl archive --period 2026-09 [--bucket NAME]
//	billingctl user add usr_123 --email ops@example.com
//	billingctl apikey issue usr_123
//	billingctl apikey revoke key_abc
//	billingctl bootstrap --env dev
//
// Store, catalog and AWS settings come from the same environment variables
// the API reads. Output is a table on a terminal and JSON otherwise; --output
// overrides the choice.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/spf13/cobra"

	"sponsorscout/internal/archive"
	"sponsorscout/internal/billing"
	"sponsorscout/internal/config"
	"sponsorscout/internal/db"
	"sponsorscout/internal/types"
)

// cli carries the command dependencies. Tests replace the loaders with
// in-memory implementations.
type cli struct {
	out    io.Writer
	errOut io.Writer
	in     io.Reader
	logger *slog.Logger
	clock  types.Clock

	openStores  func(ctx context.Context) (*db.Stores, error)
	loadCatalog func() (billing.PlanCatalog, error)
	objectStore func(ctx context.Context) (archive.ObjectStore, string, error)
	awsSession  func(ctx context.Context, region, profile string) (*awsSession, error)
	isTerminal  func(w io.Writer) bool

	output string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd(newCLI()).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newCLI() *cli {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	return &cli{
		out:    os.Stdout,
		errOut: os.Stderr,
		in:     os.Stdin,
		logger: logger,
		clock:  types.RealClock{},
		openStores: func(ctx context.Context) (*db.Stores, error) {
			return openConfiguredStores(ctx, logger)
		},
		loadCatalog: loadConfiguredCatalog,
		objectStore: s3ObjectStore,
		awsSession:  newAWSSession,
		isTerminal:  writerIsTerminal,
	}
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "billingctl",
		Short:         "Operate the sponsorscout billing core",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch c.output {
			case outputAuto, outputJSON, outputTable:
				return nil
			}
			return fmt.Errorf("invalid --output %q (must be auto, json or table)", c.output)
		},
	}
	root.PersistentFlags().StringVarP(&c.output, "output", "o", outputAuto, "Output format: auto, json or table")
	root.SetOut(c.out)
	root.SetErr(c.errOut)
	root.SetIn(c.in)

	root.AddCommand(
		newMigrateCmd(c),
		newPlansCmd(c),
		newEntitlementCmd(c),
		newArchiveCmd(c),
		newUserCmd(c),
		newAPIKeyCmd(c),
		newBootstrapCmd(c),
		newVersionCmd(c),
	)
	return root
}

func newVersionCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := config.NewBuildInfo()
			fmt.Fprintf(c.out, "billingctl %s\n", info.Version)
			if info.Commit != "none" {
				fmt.Fprintf(c.out, "Commit: %s\n", info.Commit)
			}
			if info.BuildTime != "unknown" {
				fmt.Fprintf(c.out, "Built: %s\n", info.BuildTime)
			}
			return nil
		},
	}
}

// withStores opens the configured backend for the duration of fn.
func (c *cli) withStores(ctx context.Context, fn func(*db.Stores) error) error {
	stores, err := c.openStores(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := stores.Close(context.WithoutCancel(ctx)); cerr != nil {
			c.logger.Warn("closing stores", "error", cerr)
		}
	}()
	return fn(stores)
}

func secretProvider() config.SecretProvider {
	if os.Getenv("APP_ENV") == "local" {
		return nil
	}
	return config.NewSSMProvider(os.Getenv("AWS_REGION"))
}

func openConfiguredStores(ctx context.Context, logger *slog.Logger) (*db.Stores, error) {
	var cfg config.StoreConfig
	if err := config.LoadSections(secretProvider(), &cfg); err != nil {
		return nil, fmt.Errorf("loading store configuration: %w", err)
	}
	return db.OpenStores(ctx, cfg, logger)
}

func loadConfiguredCatalog() (billing.PlanCatalog, error) {
	var cfg config.CatalogConfig
	if err := config.LoadSections(secretProvider(), &cfg); err != nil {
		return nil, fmt.Errorf("loading catalog configuration: %w", err)
	}
	return cfg.Catalog()
}

// s3ObjectStore returns an S3 client and the configured archive bucket.
// AWS_ENDPOINT_URL points the client at a local emulator.
func s3ObjectStore(ctx context.Context) (archive.ObjectStore, string, error) {
	var cfg config.AWSConfig
	if err := config.LoadSections(secretProvider(), &cfg); err != nil {
		return nil, "", fmt.Errorf("loading aws configuration: %w", err)
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, "", fmt.Errorf("loading aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			o.UsePathStyle = true
		}
	})
	return client, cfg.ArchiveBucket, nil
}

// newAWSSession resolves credentials and confirms the caller identity before
// any parameter is written.
func newAWSSession(ctx context.Context, region, profile string) (*awsSession, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	idCtx, cancel := context.WithTimeout(ctx, identityTimeout)
	defer cancel()
	identity, err := sts.NewFromConfig(cfg).GetCallerIdentity(idCtx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return nil, fmt.Errorf("verifying AWS identity (profile %q, region %q): %w", profile, region, err)
	}

	return &awsSession{
		Params:    ssm.NewFromConfig(cfg),
		AccountID: aws.ToString(identity.Account),
		CallerARN: aws.ToString(identity.Arn),
		Region:    cfg.Region,
	}, nil
}
