package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"

	"sponsorscout/internal/archive"
	"sponsorscout/internal/auth"
	"sponsorscout/internal/billing"
	"sponsorscout/internal/db"
	"sponsorscout/internal/types"
)

func newMigrateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the store schema and indexes",
		Long:  `Apply the schema (postgres) or indexes (mongo) of the configured store. Safe to run repeatedly.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStores(cmd.Context(), func(s *db.Stores) error {
				if err := s.Migrate(cmd.Context()); err != nil {
					return fmt.Errorf("migrating %s store: %w", s.Driver, err)
				}
				fmt.Fprintf(c.out, "migrations applied (driver=%s)\n", s.Driver)
				return nil
			})
		},
	}
}

type planView struct {
	ID             types.PlanID `json:"id"`
	Name           string       `json:"name"`
	IsRecurring    bool         `json:"is_recurring"`
	UnitsPerPeriod int          `json:"units_per_period"`
	PriceID        string       `json:"price_id"`
}

func newPlansCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "plans",
		Short: "List the plan catalog with its processor price bindings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := c.loadCatalog()
			if err != nil {
				return err
			}
			plans := catalog.All()
			views := make([]planView, 0, len(plans))
			rows := make([][]string, 0, len(plans))
			for _, p := range plans {
				views = append(views, planView{ID: p.ID, Name: p.Name, IsRecurring: p.IsRecurring, UnitsPerPeriod: p.UnitsPerPeriod, PriceID: p.PriceID})
				rows = append(rows, []string{string(p.ID), p.Name, strconv.FormatBool(p.IsRecurring), strconv.Itoa(p.UnitsPerPeriod), p.PriceID})
			}
			return c.render(views, []string{"ID", "NAME", "RECURRING", "UNITS", "PRICE"}, rows)
		},
	}
}

func newEntitlementCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "entitlement <userId>",
		Short: "Show a user's current entitlement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := c.loadCatalog()
			if err != nil {
				return err
			}
			return c.withStores(cmd.Context(), func(s *db.Stores) error {
				res, err := billing.NewEvaluator(s.Subscriptions, catalog, c.logger).Evaluate(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				rows := [][]string{
					{"user", args[0]},
					{"allowed", strconv.FormatBool(res.Allowed)},
					{"remaining", strconv.Itoa(res.RemainingUnits)},
				}
				if res.Reason != "" {
					rows = append(rows, []string{"reason", res.Reason})
				}
				if rec := res.Record; rec != nil {
					rows = append(rows,
						[]string{"plan", string(rec.PlanID)},
						[]string{"status", string(rec.Status)},
						[]string{"consumed", fmt.Sprintf("%d/%d", rec.UnitsConsumedThisPeriod, rec.UnitsPerPeriod)},
					)
					if rec.CurrentPeriodEnd != nil {
						rows = append(rows, []string{"resets_at", rec.CurrentPeriodEnd.Format(time.RFC3339)})
					}
				}
				return c.render(res, nil, rows)
			})
		},
	}
}

func newArchiveCmd(c *cli) *cobra.Command {
	var period, bucket string
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Export a billing period's ledger to S3",
		Long: `Write the period's ledger entries to S3 as zstd-compressed JSON lines
with a manifest next to them. Re-running a period overwrites both objects.`,
		Example: `  billingctl archive --period 2026-09
  billingctl archive --period 2026-09 --bucket sponsorscout-ledger-archive`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if period == "" {
				period = previousPeriod(c.clock.Now())
			}
			if _, err := billing.ParsePeriodKey(period); err != nil {
				return err
			}
			store, defaultBucket, err := c.objectStore(cmd.Context())
			if err != nil {
				return err
			}
			if bucket == "" {
				bucket = defaultBucket
			}
			if bucket == "" {
				return errors.New("archive bucket is required (--bucket or ARCHIVE_BUCKET)")
			}

			return c.withStores(cmd.Context(), func(s *db.Stores) error {
				exporter := archive.NewExporter(s.Ledger, store, bucket, c.clock, c.logger)
				m, err := exporter.Export(cmd.Context(), period)
				if errors.Is(err, archive.ErrEmptyPeriod) {
					fmt.Fprintf(c.errOut, "no ledger entries for %s, nothing archived\n", period)
					return nil
				}
				if err != nil {
					return err
				}
				return c.render(m, []string{"PERIOD", "ENTRIES", "USERS", "BYTES", "OBJECT"}, [][]string{{
					m.Period, strconv.Itoa(m.Entries), strconv.Itoa(m.Users), strconv.Itoa(m.Bytes),
					"s3://" + bucket + "/" + archive.DataKey(m.Period),
				}})
			})
		},
	}
	cmd.Flags().StringVar(&period, "period", "", "Billing period YYYY-MM (default: previous month)")
	cmd.Flags().StringVar(&bucket, "bucket", "", "Target bucket (default: ARCHIVE_BUCKET)")
	return cmd
}

// previousPeriod is the period key of the month before now.
func previousPeriod(now time.Time) string {
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return billing.PeriodKey(first.AddDate(0, -1, 0))
}

func newUserCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}

	var email string
	add := &cobra.Command{
		Use:   "add <userId>",
		Short: "Register a user",
		Long:  `Register a user. An existing user id is left unchanged.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validator.New().Var(email, "required,email"); err != nil {
				return fmt.Errorf("invalid --email %q", email)
			}
			u := &types.User{ID: args[0], Email: email, CreatedAt: c.clock.Now()}
			return c.withStores(cmd.Context(), func(s *db.Stores) error {
				if err := s.Users.Create(cmd.Context(), u); err != nil {
					return err
				}
				stored, err := s.Users.Get(cmd.Context(), u.ID)
				if err != nil {
					return err
				}
				return c.render(stored, []string{"ID", "EMAIL", "CREATED"}, [][]string{
					{stored.ID, stored.Email, stored.CreatedAt.Format(time.RFC3339)},
				})
			})
		},
	}
	add.Flags().StringVar(&email, "email", "", "Contact email [required]")

	cmd.AddCommand(add)
	return cmd
}

type issuedKey struct {
	KeyID  string `json:"key_id"`
	UserID string `json:"user_id"`
	Token  string `json:"token"`
}

func newAPIKeyCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Issue and revoke API keys",
	}

	issue := &cobra.Command{
		Use:   "issue <userId>",
		Short: "Issue an API key; the token is printed once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStores(cmd.Context(), func(s *db.Stores) error {
				u, err := s.Users.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if u == nil {
					return fmt.Errorf("user %q not found", args[0])
				}
				keys := auth.NewKeyService(s.APIKeys, auth.NewBcryptHasher(0), c.clock, c.logger)
				token, key, err := keys.Issue(cmd.Context(), u.ID)
				if err != nil {
					return err
				}
				fmt.Fprintln(c.errOut, "Store this token now. It cannot be shown again.")
				out := issuedKey{KeyID: key.ID, UserID: key.UserID, Token: token.Unmask()}
				return c.render(out, []string{"KEY ID", "USER", "TOKEN"}, [][]string{{out.KeyID, out.UserID, out.Token}})
			})
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke <keyId>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStores(cmd.Context(), func(s *db.Stores) error {
				if err := s.APIKeys.Revoke(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(c.out, "revoked %s\n", args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(issue, revoke)
	return cmd
}
