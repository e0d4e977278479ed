// bio-abundance turns classifier read counts into spike-in calibrated
// absolute genome equivalents.
//
// Usage:
//
//	bio-abundance run -config abundance.toml
//	bio-abundance lod -registry data/StandardizedSamples.tsv -summary summary_read_count.tsv
//
// Each subcommand runs one stage and the stages it depends on. A stage whose
// input was produced by an earlier run can load it instead of recomputing
// it: -registry replaces -samples, and -efficiency replaces the calibration
// inputs.
package main

import (
	"fmt"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/oceangenomics/abundance/pipeline"
	"v.io/x/lib/cmdline"
)

func newCmdStage(name, short string, stages ...pipeline.Stage) *cmdline.Command {
	cmd := &cmdline.Command{
		Name:  name,
		Short: short,
	}
	flags := registerFlags(&cmd.Flags)
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 0 {
			return fmt.Errorf("%s takes no arguments, but got %v", name, argv)
		}
		ctx := vcontext.Background()
		opts, err := flags.opts(ctx, &cmd.Flags)
		if err != nil {
			return err
		}
		report, err := pipeline.Run(ctx, opts, stages...)
		if err != nil {
			return err
		}
		if !*flags.quiet {
			render(env.Stdout, report)
		}
		return nil
	})
	return cmd
}

func newCmdRoot() *cmdline.Command {
	return &cmdline.Command{
		Name:     "bio-abundance",
		Short:    "Spike-in calibrated absolute genome equivalents",
		LookPath: false,
		Children: []*cmdline.Command{
			newCmdStage("run", "Run every stage"),
			newCmdStage("standardize", "Build the canonical sample table from per-cruise metadata",
				pipeline.StageStandardize),
			newCmdStage("lod", "Gate samples on the limit of detection and filter the count tables",
				pipeline.StageLOD),
			newCmdStage("efficiency", "Compute spike-in recovery efficiencies",
				pipeline.StageEfficiency),
			newCmdStage("absolute", "Compute subclade and clade absolute genome equivalents",
				pipeline.StageAbsolute),
			newCmdStage("summarize", "Compute grouped summary statistics",
				pipeline.StageSummarize),
		},
	}
}

func main() {
	shutdown := grail.Init()
	defer shutdown()
	cmdline.HideGlobalFlagsExcept()
	log.Debug.Printf("bio-abundance: starting")
	cmdline.Main(newCmdRoot())
}
