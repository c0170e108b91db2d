package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tripwire/fileaudit/internal/model"
	"github.com/tripwire/fileaudit/internal/pattern"
	"github.com/tripwire/fileaudit/internal/store"
)

// withStore opens the configured store for the duration of fn.
func (a *app) withStore(ctx context.Context, fn func(store.Store) error) error {
	st, err := store.Open(ctx, a.cfg.Store.Driver, a.cfg.Store.DSN)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(st)
}

func newTargetsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "targets",
		Short: "Edit the stored watch targets",
		Long: `Edit the stored watch targets.

Changes apply to the store only; a running monitor picks them up on its
next start.`,
	}
	cmd.AddCommand(newTargetsListCmd(a), newTargetsAddDirCmd(a), newTargetsAddFileCmd(a), newTargetsRemoveCmd(a))
	return cmd
}

func newTargetsListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List enabled watch targets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStore(cmd.Context(), func(st store.Store) error {
				targets, err := st.ListEnabled(cmd.Context())
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "PATH\tTYPE\tRECURSIVE\tINCLUDE\tEXCLUDE")
				for _, t := range targets {
					fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n",
						t.Path, t.Kind, t.Recursive, pattern.Join(t.Include), pattern.Join(t.Exclude))
				}
				return tw.Flush()
			})
		},
	}
}

type patternFlags struct {
	include []string
	exclude []string
}

func (p *patternFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&p.include, "include", nil, "glob patterns an entry's name must match (comma-separated or repeated)")
	cmd.Flags().StringSliceVar(&p.exclude, "exclude", nil, "glob patterns that reject an entry's name")
}

// validate compiles the patterns so a typo fails here, not at watch time.
func (p *patternFlags) validate() error {
	_, err := pattern.Compile(p.include, p.exclude)
	return err
}

func newTargetsAddDirCmd(a *app) *cobra.Command {
	var (
		pf        patternFlags
		recursive bool
	)
	cmd := &cobra.Command{
		Use:   "add-dir PATH",
		Short: "Add or update a directory target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.upsertTarget(cmd, args[0], model.PathKindDirectory, recursive, pf)
		},
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", true, "watch the whole tree")
	pf.register(cmd)
	return cmd
}

func newTargetsAddFileCmd(a *app) *cobra.Command {
	var pf patternFlags
	cmd := &cobra.Command{
		Use:   "add-file PATH",
		Short: "Add or update a single-file target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.upsertTarget(cmd, args[0], model.PathKindFile, false, pf)
		},
	}
	pf.register(cmd)
	return cmd
}

func (a *app) upsertTarget(cmd *cobra.Command, path string, kind model.PathKind, recursive bool, pf patternFlags) error {
	abs, err := model.NormalizePath(path)
	if err != nil {
		return err
	}
	if err := pf.validate(); err != nil {
		return err
	}
	t := model.WatchTarget{
		Path:      abs,
		Kind:      kind,
		Recursive: recursive,
		Enabled:   true,
		Include:   pf.include,
		Exclude:   pf.exclude,
	}
	return a.withStore(cmd.Context(), func(st store.Store) error {
		if err := st.Upsert(cmd.Context(), t); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "stored %s target %s\n", kind, abs)
		return nil
	})
}

func newTargetsRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "remove PATH",
		Short: "Soft-delete the target at PATH and every target below it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			abs, err := model.NormalizePath(args[0])
			if err != nil {
				return err
			}
			return a.withStore(cmd.Context(), func(st store.Store) error {
				n, err := st.SoftDeleteUnder(cmd.Context(), abs)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d target(s) under %s\n", n, abs)
				return nil
			})
		},
	}
}
