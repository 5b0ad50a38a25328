// Command tcgrun loads an RV64I ELF binary and runs it to completion
// through the dynamic binary translator, or dumps the IR translated
// for a block of guest code for offline inspection.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tcg-go/tcg/internal/guestexec"
	"github.com/tcg-go/tcg/internal/riscv"
	"github.com/tcg-go/tcg/pkg/hostasm/x86_64"
	"github.com/tcg-go/tcg/pkg/ir"
	"github.com/tcg-go/tcg/pkg/irdump"
	"github.com/tcg-go/tcg/pkg/liveness"
	"github.com/tcg-go/tcg/pkg/tcglog"
)

func main() {
	var verbose bool

	rootCmd := &cobra.Command{
		Use:   "tcgrun",
		Short: "tcgrun — RV64I to x86-64 dynamic binary translator",
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log translation/dispatch activity to stderr")

	runCmd := &cobra.Command{
		Use:   "run [elf]",
		Short: "Load and execute an RV64I ELF binary to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			logger := tcglog.New(os.Stderr, level)

			elfData, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			logger.Debug("read guest image", "path", args[0], "bytes", len(elfData))

			space, err := guestexec.NewGuestSpace()
			if err != nil {
				return err
			}
			defer space.Close()

			driver, err := guestexec.NewDriver(x86_64.New(), space)
			if err != nil {
				return err
			}
			defer driver.Close()

			code, err := driver.Run(elfData)
			if err != nil {
				logger.Error("guest run failed", "error", err)
				return err
			}
			logger.Debug("guest exited", "code", code)
			os.Exit(int(code))
			return nil
		},
	}

	var irOutput string
	var irMaxInsns uint32
	irdumpCmd := &cobra.Command{
		Use:   "irdump [elf]",
		Short: "Translate the entry block of an RV64I ELF and dump its IR",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			elfData, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}

			space, err := guestexec.NewGuestSpace()
			if err != nil {
				return err
			}
			defer space.Close()

			res, err := guestexec.LoadELF(elfData, space)
			if err != nil {
				return err
			}

			state := riscv.NewCPUState()
			state.GuestBase = uint64(space.GuestBase())
			cpu := riscv.NewCPU(state, space)

			ctx := ir.New()
			cpu.GenCode(ctx, res.Entry, irMaxInsns)
			liveness.Analyze(ctx)
			block := irdump.FromContext(ctx, res.Entry, 0)

			if irOutput == "" {
				irOutput = "tcg.irdump"
			}
			if err := irdump.WriteFile(irOutput, []irdump.Block{block}); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "loaded 1 TB(s)\n")
			fmt.Printf("wrote %d ops, %d temps to %s\n", len(block.Ops), len(block.Temps), irOutput)
			return nil
		},
	}
	irdumpCmd.Flags().StringVarP(&irOutput, "output", "o", "", "Output TCIR file path (default tcg.irdump)")
	irdumpCmd.Flags().Uint32Var(&irMaxInsns, "max-insns", 512, "Maximum guest instructions to translate")

	rootCmd.AddCommand(runCmd, irdumpCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
