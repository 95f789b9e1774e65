package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/likearthian/docstore"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/bson"
)

type globalFlags struct {
	configFile string
	envPrefix  string
	timeout    time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:           "docstorectl",
		Short:         "Inspect and query a docstore backend",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&flags.envPrefix, "env-prefix", "DOCSTORE", "environment variable prefix")
	rootCmd.PersistentFlags().DurationVar(&flags.timeout, "timeout", 30*time.Second, "command timeout")

	rootCmd.AddCommand(newQueryCmd(flags))
	rootCmd.AddCommand(newPingCmd(flags))
	rootCmd.AddCommand(newCollectionsCmd(flags))

	return rootCmd
}

func newQueryCmd(flags *globalFlags) *cobra.Command {
	var (
		fields     string
		collection string
		exec       bool
		limit      int64
	)

	cmd := &cobra.Command{
		Use:   "query <template> [args...]",
		Short: "Bind arguments into a ?N query template and print the result",
		Example: `  docstorectl query "{ 'lastname' : ?0 }" "'Matthews'"
  docstorectl query "{ 'age' : { '\$gt' : ?0 } }" 18 --exec --collection person`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values := make([]any, 0, len(args)-1)
			for _, raw := range args[1:] {
				values = append(values, parseArg(raw))
			}

			q, err := docstore.BuildQuery(args[0], fields, docstore.NewParameterAccessor(values...))
			if err != nil {
				return err
			}
			if limit > 0 {
				q.Limit = limit
			}

			fmt.Fprintln(cmd.OutOrStdout(), q.String())
			if !exec {
				return nil
			}
			if collection == "" {
				return fmt.Errorf("--collection is required with --exec")
			}

			return withTemplate(cmd.Context(), flags, func(ctx context.Context, tpl *docstore.Template) error {
				var docs []bson.D
				if err := tpl.Find(ctx, q, &docs, docstore.InCollection(collection)); err != nil {
					return err
				}
				return printDocuments(cmd.OutOrStdout(), docs)
			})
		},
	}
	cmd.Flags().StringVar(&fields, "fields", "", "field projection template")
	cmd.Flags().StringVar(&collection, "collection", "", "collection to run the query against")
	cmd.Flags().BoolVar(&exec, "exec", false, "execute the query and print matching documents")
	cmd.Flags().Int64Var(&limit, "limit", 0, "maximum number of documents")

	return cmd
}

func newPingCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check connectivity to the configured backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTemplate(cmd.Context(), flags, func(ctx context.Context, tpl *docstore.Template) error {
				if err := tpl.Driver().Ping(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "ok")
				return nil
			})
		},
	}
}

func newCollectionsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "collections",
		Short: "List collections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTemplate(cmd.Context(), flags, func(ctx context.Context, tpl *docstore.Template) error {
				names, err := tpl.CollectionNames(ctx)
				if err != nil {
					return err
				}
				for _, name := range names {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			})
		},
	}
}

func withTemplate(ctx context.Context, flags *globalFlags, fn func(ctx context.Context, tpl *docstore.Template) error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := docstore.LoadConfig(flags.configFile, flags.envPrefix)
	if err != nil {
		return err
	}

	log, err := docstore.NewZapLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := context.WithTimeout(ctx, flags.timeout)
	defer cancel()

	driver, err := docstore.Connect(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer driver.Close(context.Background())

	return fn(ctx, docstore.NewTemplate(driver, docstore.WithLogger(log)))
}

// parseArg reads a command line argument as a shell value and falls back to
// the raw string.
func parseArg(raw string) any {
	v, err := docstore.ParseValue(raw)
	if err != nil {
		return raw
	}
	return v
}

func printDocuments(w io.Writer, docs []bson.D) error {
	for _, doc := range docs {
		b, err := bson.MarshalExtJSON(doc, false, false)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(b))
	}
	return nil
}
