// rtconvert converts a trained policy checkpoint (an Orbax checkpoint-manager
// directory or a flat Flax JSON export) into the RTNeural JSON document loaded
// by the Pupper real-time controller.
//
// Usage:
//
//	rtconvert [flags] [input] [output]
//
// input defaults to "pure_rl_policy_flax.json" and output to
// "pure_rl_policy.json". Converting from a checkpoint-manager directory
// requires a build that registers a checkpoint.Restorer.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/rtconvert/convert"
	"github.com/gomlx/rtconvert/rtneural"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

const (
	defaultInput  = "pure_rl_policy_flax.json"
	defaultOutput = "pure_rl_policy.json"
)

var (
	flagProfile = flag.String("profile", "", "Path to a YAML robot profile overriding the default (Pupper) "+
		"controller constants: gains, action scale, observation size and joint arrays.")
	flagActivation = flag.String("activation", "", "Activation for the hidden layers. "+
		"Overrides the profile; empty keeps the profile (default \"elu\").")
	flagObservationSize = flag.Int("obs_size", 0, "Observation vector width. "+
		"Overrides the profile when > 0 (default 720).")
	flagReport = flag.Bool("report", true, "Print a summary of the converted network.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	args := flag.Args()
	if len(args) > 2 {
		klog.Errorf("Too many arguments: expected [input] [output]. See 'rtconvert -help'.")
		os.Exit(1)
	}
	inputPath, outputPath := defaultInput, defaultOutput
	if len(args) >= 1 {
		inputPath = args[0]
	}
	if len(args) == 2 {
		outputPath = args[1]
	}

	err := exceptions.TryCatch[error](func() {
		cfg := rtneural.NewConfig()
		if *flagProfile != "" {
			must.M(cfg.LoadProfile(*flagProfile))
		}
		if *flagActivation != "" {
			cfg.Activation = *flagActivation
		}
		if *flagObservationSize > 0 {
			cfg.ObservationSize = *flagObservationSize
		}
		doc := must.M1(convert.Convert(inputPath, outputPath, cfg))
		klog.Infof("converted %q -> %q", inputPath, outputPath)
		if *flagReport {
			report(inputPath, outputPath, doc)
		}
	})
	if err != nil {
		klog.Errorf("Conversion failed: %+v", err)
		os.Exit(1)
	}
}

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == 1 {
				s = headerRowStyle
				return
			}
			switch {
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

func report(inputPath, outputPath string, doc *rtneural.Document) {
	numParams := doc.NumParameters()

	fmt.Println(titleStyle.Render("Summary"))
	table := newPlainTable(false)
	table.Row("input", inputPath)
	table.Row("output", outputPath)
	table.Row("in_shape", fmt.Sprintf("%v", doc.InShape))
	table.Row("observation_history", humanize.Comma(int64(doc.ObservationHistory)))
	table.Row("# layers", humanize.Comma(int64(len(doc.Layers))))
	table.Row("# parameters", humanize.Comma(int64(numParams)))
	// Parameters are float32 in the runtime.
	table.Row("runtime weights size", humanize.Bytes(uint64(4*numParams)))
	table.Row("normalizer", normalizerSummary(&doc.Normalizer))
	fmt.Println(table.Render())

	fmt.Println(titleStyle.Render("Layers"))
	table = newPlainTable(true)
	table.Row("Layer", "Type", "Shape", "Activation", "Parameters")
	for ii := range doc.Layers {
		layer := &doc.Layers[ii]
		kernelParams := 0
		if len(layer.Weights.Kernel) > 0 {
			kernelParams = len(layer.Weights.Kernel) * len(layer.Weights.Kernel[0])
		}
		table.Row(
			humanize.Comma(int64(ii)),
			layer.Type,
			fmt.Sprintf("%v", layer.Shape),
			layer.Activation,
			humanize.Comma(int64(kernelParams+len(layer.Weights.Bias))),
		)
	}
	fmt.Println(table.Render())
}

func normalizerSummary(n *rtneural.Normalizer) string {
	if len(n.Mean) == 0 && len(n.Std) == 0 {
		return "(none)"
	}
	return fmt.Sprintf("mean[%d], std[%d]", len(n.Mean), len(n.Std))
}
