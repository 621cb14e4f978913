package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"resonance-backend/application/services"
	"resonance-backend/infrastructure/config"
	"resonance-backend/infrastructure/di"
	"resonance-backend/pkg/auth"
)

// Commands annotated with annotationNoContainer only need configuration.
const annotationNoContainer = "noContainer"

// app carries global flags and the container built before each command.
type app struct {
	configDir    string
	environment  string
	backend      string
	profilesFile string
	verbose      bool

	cfg       *config.Config
	container *di.Container
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "resonancectl",
		Short:         "Operate the profile similarity graph",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd.Context(), cmd.Annotations[annotationNoContainer] == "")
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.container == nil {
				return nil
			}
			ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), 30*time.Second)
			defer cancel()
			return a.container.Close(ctx)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configDir, "config-dir", "", "directory holding base.yaml and <env>.yaml (default $CONFIG_DIR or ./config)")
	flags.StringVar(&a.environment, "env", "", "environment name (default $ENVIRONMENT or development)")
	flags.StringVar(&a.backend, "backend", "", "override storage.backend (memory, dynamodb, postgres, badger)")
	flags.StringVar(&a.profilesFile, "profiles", "", "YAML profile seed for the memory backend")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "log at info level")

	root.AddCommand(
		newRecomputeCmd(a),
		newRecomputeUserCmd(a),
		newBreakdownCmd(a),
		newStatsCmd(a),
		newRepairWeightsCmd(a),
		newTokenCmd(a),
	)
	return root
}

func (a *app) setup(ctx context.Context, withContainer bool) error {
	env := config.EnvironmentFromEnv()
	if a.environment != "" {
		env = config.Environment(a.environment)
	}
	dir := a.configDir
	if dir == "" {
		dir = os.Getenv("CONFIG_DIR")
	}
	cfg, err := config.NewLoader(dir, env).Load()
	if err != nil {
		return err
	}
	if a.backend != "" {
		cfg.Storage.Backend = a.backend
	}
	if a.profilesFile != "" {
		cfg.Storage.ProfilesFile = a.profilesFile
	}
	if !a.verbose {
		cfg.Logging.Level = "warn"
	}
	cfg.Logging.Format = "console"
	cfg.Tracing.Enabled = false
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	if !withContainer {
		return nil
	}
	a.container, err = di.NewContainer(ctx, cfg)
	return err
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRecomputeCmd(a *app) *cobra.Command {
	var (
		communityID string
		resumeFrom  string
	)
	cmd := &cobra.Command{
		Use:   "recompute",
		Short: "Recompute every pair of a community",
		Long: `Scores every pair of profiles in the community and upserts both directed
rows of each pair. When interrupted, the summary's resumeFrom can be passed
back with --resume-from to continue.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := a.container.Logger
			summary, err := a.container.Engine.CalculateAndUpdateAllSimilarities(cmd.Context(), communityID, services.RecomputeOptions{
				ResumeFrom: resumeFrom,
				OnProgress: func(s services.RecomputeSummary) {
					logger.Info("progress",
						zap.Int("pairs_processed", s.PairsProcessed),
						zap.String("resume_from", s.ResumeFrom),
					)
				},
			})
			if summary != nil {
				if perr := printJSON(cmd, summary); perr != nil {
					return perr
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&communityID, "community", "", "community id")
	cmd.Flags().StringVar(&resumeFrom, "resume-from", "", "first user id to process")
	_ = cmd.MarkFlagRequired("community")
	return cmd
}

func newRecomputeUserCmd(a *app) *cobra.Command {
	var communityID string
	cmd := &cobra.Command{
		Use:   "recompute-user USER_ID",
		Short: "Recompute the edges of one member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			summary, err := a.container.Engine.RecalculateSimilaritiesForUser(cmd.Context(), communityID, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, summary)
		},
	}
	cmd.Flags().StringVar(&communityID, "community", "", "community id")
	_ = cmd.MarkFlagRequired("community")
	return cmd
}

func newBreakdownCmd(a *app) *cobra.Command {
	var communityID string
	cmd := &cobra.Command{
		Use:   "breakdown USER_ID USER_ID",
		Short: "Explain the score of one pair",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			breakdown, err := a.container.Engine.GetSimilarityBreakdown(cmd.Context(), communityID, args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd, breakdown)
		},
	}
	cmd.Flags().StringVar(&communityID, "community", "", "community id")
	_ = cmd.MarkFlagRequired("community")
	return cmd
}

func newStatsCmd(a *app) *cobra.Command {
	var communityID string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print network statistics for a community",
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := a.container.Engine.GetNetworkSimilarityStats(cmd.Context(), communityID)
			if err != nil {
				return err
			}
			return printJSON(cmd, stats)
		},
	}
	cmd.Flags().StringVar(&communityID, "community", "", "community id")
	_ = cmd.MarkFlagRequired("community")
	return cmd
}

func newRepairWeightsCmd(a *app) *cobra.Command {
	var (
		communityID string
		dryRun      bool
	)
	cmd := &cobra.Command{
		Use:   "repair-weights",
		Short: "Clamp stored weights into [1,10]",
		Long: `Scans stored connections and rewrites out-of-range weights. Only the
weight attribute is touched. Without --community every community is scanned.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := a.container.Integrity.Run(cmd.Context(), services.RepairOptions{CommunityID: communityID, DryRun: dryRun})
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
	cmd.Flags().StringVar(&communityID, "community", "", "community id (default: all)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report corrections without writing")
	return cmd
}

func newTokenCmd(a *app) *cobra.Command {
	var (
		communityID string
		roles       []string
		ttl         time.Duration
	)
	cmd := &cobra.Command{
		Use:         "token USER_ID",
		Short:       "Issue an HS256 bearer token signed with auth.jwt_secret",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{annotationNoContainer: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.IsProduction() {
				return fmt.Errorf("refusing to issue tokens for production")
			}
			var audience []string
			if a.cfg.Auth.Audience != "" {
				audience = []string{a.cfg.Auth.Audience}
			}
			gen, err := auth.NewJWTGenerator(a.cfg.Auth.JWTSecret, a.cfg.Auth.Issuer, audience, ttl)
			if err != nil {
				return err
			}
			token, err := gen.GenerateToken(args[0], communityID, roles)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&communityID, "community", "", "restrict the token to one community")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role to grant (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
