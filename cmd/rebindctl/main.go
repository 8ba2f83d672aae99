// rebindctl inspects the import tables of Mach-O binaries: the indirect
// symbol pointer slots a live rebinding could retarget.
package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"zombiezen.com/go/log"

	"github.com/appsworld/go-rebind"
)

func main() {
	rootCommand := &cobra.Command{
		Use:           "rebindctl",
		Short:         "inspect Mach-O import tables",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	showDebug := rootCommand.PersistentFlags().Bool("debug", false, "show debugging output")
	rootCommand.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		initLogging(*showDebug)
		return nil
	}

	rootCommand.AddCommand(
		newImportsCommand(),
		newInfoCommand(),
	)

	if err := rootCommand.ExecuteContext(context.Background()); err != nil {
		initLogging(*showDebug)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}
}

var initLogOnce sync.Once

func initLogging(showDebug bool) {
	initLogOnce.Do(func() {
		minLogLevel := log.Info
		if showDebug {
			minLogLevel = log.Debug
		}
		log.SetDefault(&log.LevelFilter{
			Min:    minLogLevel,
			Output: log.New(os.Stderr, "rebindctl: ", log.StdFlags, nil),
		})
	})
}

type importsOptions struct {
	segment string
}

func newImportsCommand() *cobra.Command {
	c := &cobra.Command{
		Use:                   "imports [options] FILE",
		Short:                 "list the rebindable import slots of a Mach-O binary",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ExactArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(importsOptions)
	c.Flags().StringVar(&opts.segment, "segment", "", "only show slots in the named `seg`ment")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runImports(cmd.Context(), args[0], opts)
	}
	return c
}

func runImports(ctx context.Context, path string, opts *importsOptions) error {
	f, err := rebind.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	imports, err := f.ImportedSymbols()
	if err != nil {
		return err
	}
	log.Debugf(ctx, "%s: %d indirect pointer slots", path, len(imports))

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "SEGMENT\tSECTION\tADDRESS\tKIND\tSYMBOL")
	for _, imp := range imports {
		if opts.segment != "" && imp.Segment != opts.segment {
			continue
		}
		kind := "non-lazy"
		if imp.Lazy {
			kind = "lazy"
		}
		name := imp.Name
		if name == "" {
			switch {
			case imp.Local && imp.Absolute:
				name = "(local,absolute)"
			case imp.Local:
				name = "(local)"
			case imp.Absolute:
				name = "(absolute)"
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%#x\t%s\t%s\n", imp.Segment, imp.Section, imp.Address, kind, name)
	}
	return nil
}

func newInfoCommand() *cobra.Command {
	c := &cobra.Command{
		Use:                   "info FILE",
		Short:                 "summarize a Mach-O binary's header and import slot counts",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ExactArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runInfo(cmd.Context(), args[0])
	}
	return c
}

func runInfo(ctx context.Context, path string) error {
	f, err := rebind.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	imports, err := f.ImportedSymbols()
	if err != nil {
		return err
	}
	var lazy, nonLazy int
	for _, imp := range imports {
		if imp.Lazy {
			lazy++
		} else {
			nonLazy++
		}
	}

	fmt.Printf("Magic    = %s\n", f.Magic)
	fmt.Printf("CPU      = %s\n", f.CPU)
	fmt.Printf("Type     = %s\n", f.Type)
	fmt.Printf("Flags    = %s\n", f.Flags)
	fmt.Printf("Imports  = %d lazy, %d non-lazy\n", lazy, nonLazy)
	return nil
}
