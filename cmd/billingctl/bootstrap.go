package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const (
	identityTimeout = 10 * time.Second
	paramTimeout    = 15 * time.Second

	// maxAttempts bounds how often a rejected value may be re-entered.
	maxAttempts = 3
)

// ParamStore is the subset of the SSM API the bootstrap writes through.
type ParamStore interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	PutParameter(ctx context.Context, params *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
}

// awsSession is a verified AWS identity plus the parameter store client.
type awsSession struct {
	Params    ParamStore
	AccountID string
	CallerARN string
	Region    string
}

// secretStep is one parameter the services resolve through NAME_SSM_PARAM.
type secretStep struct {
	Label    string
	Key      string
	EnvName  string
	Prompt   string
	Pattern  *regexp.Regexp
	Optional bool
}

var bootstrapEnvironments = map[string]bool{"dev": true, "staging": true, "prod": true}

func secretInventory() []secretStep {
	return []secretStep{
		{
			Label:    "Database URL",
			Key:      "database/url",
			EnvName:  "DATABASE_URL",
			Prompt:   "Postgres connection string (postgres://...), or Enter to skip when STORE_DRIVER=mongo:",
			Pattern:  regexp.MustCompile(`^postgres(ql)?://.+`),
			Optional: true,
		},
		{
			Label:    "MongoDB URI",
			Key:      "database/mongo_uri",
			EnvName:  "MONGO_URI",
			Prompt:   "MongoDB URI (mongodb://... or mongodb+srv://...), or Enter to skip:",
			Pattern:  regexp.MustCompile(`^mongodb(\+srv)?://.+`),
			Optional: true,
		},
		{
			Label:   "Stripe Secret Key",
			Key:     "billing/stripe_secret_key",
			EnvName: "STRIPE_SECRET_KEY",
			Prompt:  "Stripe Dashboard > Developers > API keys. Paste the secret or restricted key (sk_... / rk_...):",
			Pattern: regexp.MustCompile(`^(sk|rk)_(test|live)_[0-9a-zA-Z]{10,}$`),
		},
		{
			Label:   "Stripe Webhook Signing Secret",
			Key:     "billing/stripe_webhook_secret",
			EnvName: "STRIPE_WEBHOOK_SECRET",
			Prompt:  "Stripe Dashboard > Developers > Webhooks > endpoint > Signing secret (whsec_...):",
			Pattern: regexp.MustCompile(`^whsec_[0-9a-zA-Z]{10,}$`),
		},
		{
			Label:    "LLM API Key",
			Key:      "llm/api_key",
			EnvName:  "LLM_API_KEY",
			Prompt:   "API key of the recommendation model provider, or Enter to skip:",
			Pattern:  regexp.MustCompile(`^\S{16,}$`),
			Optional: true,
		},
	}
}

func paramPath(env, key string) string {
	return fmt.Sprintf("/%s/sponsorscout/%s", env, key)
}

type bootstrapOptions struct {
	Env       string
	Region    string
	Profile   string
	Overwrite bool
	Yes       bool
}

func newBootstrapCmd(c *cli) *cobra.Command {
	var opts bootstrapOptions
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Store the service secrets in SSM Parameter Store",
		Long: `Prompt for each secret the services need, validate it and store it as an
SSM SecureString under /{env}/sponsorscout/. Parameters that already exist
are kept unless --overwrite is given. The NAME_SSM_PARAM lines the services
read are printed at the end.`,
		Example: `  billingctl bootstrap --env dev
  billingctl bootstrap --env prod --profile sponsorscout-prod --overwrite`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !bootstrapEnvironments[opts.Env] {
				return fmt.Errorf("invalid --env %q (must be dev, staging or prod)", opts.Env)
			}
			sess, err := c.awsSession(cmd.Context(), opts.Region, opts.Profile)
			if err != nil {
				return err
			}
			b := &bootstrapper{cli: c, sess: sess, opts: opts, steps: secretInventory()}
			return b.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&opts.Env, "env", "", "Target environment: dev, staging or prod [required]")
	cmd.Flags().StringVar(&opts.Region, "region", "us-east-1", "AWS region")
	cmd.Flags().StringVar(&opts.Profile, "profile", "", "AWS shared config profile")
	cmd.Flags().BoolVar(&opts.Overwrite, "overwrite", false, "Replace parameters that already exist")
	cmd.Flags().BoolVar(&opts.Yes, "yes", false, "Skip the production confirmation prompt")
	_ = cmd.MarkFlagRequired("env")
	return cmd
}

type bootstrapper struct {
	cli   *cli
	sess  *awsSession
	opts  bootstrapOptions
	steps []secretStep

	scanner *bufio.Scanner
}

type stepResult struct {
	Step   secretStep
	Path   string
	Action string // written, overwritten, kept, skipped
}

// Run walks the inventory, then prints the summary to stderr and the
// pointer variables to stdout.
func (b *bootstrapper) Run(ctx context.Context) error {
	w := b.cli.errOut
	fmt.Fprintln(w, "------------------------------------------------------------")
	fmt.Fprintf(w, "  Environment:  %s\n", b.opts.Env)
	fmt.Fprintf(w, "  AWS Account:  %s\n", b.sess.AccountID)
	fmt.Fprintf(w, "  AWS Region:   %s\n", b.sess.Region)
	fmt.Fprintf(w, "  Identity:     %s\n", b.sess.CallerARN)
	fmt.Fprintf(w, "  SSM Prefix:   %s\n", paramPath(b.opts.Env, ""))
	fmt.Fprintln(w, "------------------------------------------------------------")

	if b.opts.Env == "prod" && !b.opts.Yes {
		fmt.Fprint(w, "You are targeting PRODUCTION. Type 'yes' to continue: ")
		answer, err := b.readLine()
		if err != nil || !strings.EqualFold(strings.TrimSpace(answer), "yes") {
			return errors.New("aborted, no parameters were written")
		}
	}

	results := make([]stepResult, 0, len(b.steps))
	for i, step := range b.steps {
		fmt.Fprintf(w, "\n[%d/%d] %s\n", i+1, len(b.steps), step.Label)
		res, err := b.processStep(ctx, step)
		if err != nil {
			return fmt.Errorf("%s: %w", step.Label, err)
		}
		results = append(results, res)
	}

	b.printSummary(results)
	for _, res := range results {
		if res.Action != "skipped" {
			fmt.Fprintf(b.cli.out, "%s_SSM_PARAM=%s\n", res.Step.EnvName, res.Path)
		}
	}
	return nil
}

func (b *bootstrapper) processStep(ctx context.Context, step secretStep) (stepResult, error) {
	path := paramPath(b.opts.Env, step.Key)
	res := stepResult{Step: step, Path: path}

	exists, err := b.exists(ctx, path)
	if err != nil {
		return res, err
	}
	if exists && !b.opts.Overwrite {
		fmt.Fprintf(b.cli.errOut, "  Already set: %s\n", path)
		res.Action = "kept"
		return res, nil
	}

	value, err := b.promptValue(step)
	if err != nil {
		return res, err
	}
	if value == "" {
		fmt.Fprintln(b.cli.errOut, "  Skipped.")
		res.Action = "skipped"
		return res, nil
	}

	if err := b.put(ctx, path, value, exists); err != nil {
		return res, err
	}
	res.Action = "written"
	if exists {
		res.Action = "overwritten"
	}
	fmt.Fprintf(b.cli.errOut, "  Stored: %s\n", path)
	return res, nil
}

// promptValue returns "" when an optional step is skipped.
func (b *bootstrapper) promptValue(step secretStep) (string, error) {
	fmt.Fprintf(b.cli.errOut, "  %s\n", step.Prompt)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		input, err := b.readSecret("  > ")
		if err != nil {
			return "", fmt.Errorf("reading input: %w", err)
		}
		input = strings.TrimSpace(input)
		if input == "" {
			if step.Optional {
				return "", nil
			}
			fmt.Fprintln(b.cli.errOut, "  A value is required.")
			continue
		}
		// Never echo the value itself.
		fmt.Fprintf(b.cli.errOut, "  Received %d chars.\n", len(input))
		if step.Pattern != nil && !step.Pattern.MatchString(input) {
			fmt.Fprintf(b.cli.errOut, "  That does not look like a %s (%d/%d).\n", step.Label, attempt, maxAttempts)
			continue
		}
		return input, nil
	}
	return "", fmt.Errorf("no valid value after %d attempts", maxAttempts)
}

func (b *bootstrapper) exists(ctx context.Context, path string) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, paramTimeout)
	defer cancel()

	_, err := b.sess.Params.GetParameter(opCtx, &ssm.GetParameterInput{
		Name:           aws.String(path),
		WithDecryption: aws.Bool(false),
	})
	if err != nil {
		var notFound *ssmtypes.ParameterNotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("checking SSM parameter %q: %w", path, err)
	}
	return true, nil
}

func (b *bootstrapper) put(ctx context.Context, path, value string, overwrite bool) error {
	opCtx, cancel := context.WithTimeout(ctx, paramTimeout)
	defer cancel()

	_, err := b.sess.Params.PutParameter(opCtx, &ssm.PutParameterInput{
		Name:      aws.String(path),
		Value:     aws.String(value),
		Type:      ssmtypes.ParameterTypeSecureString,
		Overwrite: aws.Bool(overwrite),
	})
	if err != nil {
		return fmt.Errorf("writing SSM parameter %q: %w", path, err)
	}
	b.cli.logger.Info("SSM parameter written", "path", path, "value_length", len(value))
	return nil
}

func (b *bootstrapper) readLine() (string, error) {
	if b.scanner == nil {
		b.scanner = bufio.NewScanner(b.cli.in)
	}
	if !b.scanner.Scan() {
		if err := b.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return b.scanner.Text(), nil
}

// readSecret disables echo when stdin is a terminal and falls back to line
// reads for piped input.
func (b *bootstrapper) readSecret(prompt string) (string, error) {
	fmt.Fprint(b.cli.errOut, prompt)
	if f, ok := b.cli.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		secret, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(b.cli.errOut)
		if err != nil {
			return "", err
		}
		return string(secret), nil
	}
	return b.readLine()
}

func (b *bootstrapper) printSummary(results []stepResult) {
	w := b.cli.errOut
	counts := map[string]int{}
	fmt.Fprintln(w, "\n============================================================")
	fmt.Fprintln(w, "  Bootstrap Summary")
	fmt.Fprintln(w, "============================================================")
	for _, res := range results {
		counts[res.Action]++
		fmt.Fprintf(w, "  %-14s %s\n", "["+strings.ToUpper(res.Action)+"]", res.Step.Label)
	}
	fmt.Fprintln(w, "------------------------------------------------------------")
	fmt.Fprintf(w, "  Written: %d | Overwritten: %d | Kept: %d | Skipped: %d\n",
		counts["written"], counts["overwritten"], counts["kept"], counts["skipped"])
	fmt.Fprintln(w, "============================================================")
}
