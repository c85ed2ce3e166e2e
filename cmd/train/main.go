// train fits a segmentation or keypoint model on a dataset directory.
//
// The configuration comes from -config (a YAML file) merged over the
// defaults, then from the explicitly given flags. Network hyperparameters
// not in the configuration are set with -set, e.g.
//
//	train -dataset_dir=data/cloth -kind=keypoint -set="unet_base_channels=32;unet_depth=3"
//
// Training always uses both splits, so -val has no effect here.
//
// Interrupting the program (Ctrl+C) stops after the current epoch; the run
// can be resumed with -run_dir.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Noofbiz/fcvision/config"
	"github.com/Noofbiz/fcvision/trainer"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	mlcontext "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagRunDir      = flag.String("run_dir", "", "resume the run in this directory instead of starting a new one")
	flagPrintConfig = flag.Bool("print_config", false, "print the effective configuration and exit")
	flagProgressBar = flag.Bool("progress", true, "show a progress bar while training")
)

var summaryStyle = lipgloss.NewStyle().
	Border(lipgloss.RoundedBorder()).
	BorderForeground(lipgloss.Color("63")).
	Padding(0, 2)

var labelStyle = lipgloss.NewStyle().Bold(true).Width(12)

func main() {
	klog.InitFlags(nil)
	flags := config.RegisterFlags(flag.CommandLine)
	settingsCtx := mlcontext.New()
	settingsCtx.SetParams(config.Default().ContextParams())
	settings := commandline.CreateContextSettingsFlag(settingsCtx, "")
	flag.Parse()

	cfg, err := flags.Config()
	if err != nil {
		klog.Exitf("invalid configuration: %+v", err)
	}
	if *flagPrintConfig {
		fmt.Print(cfg.String())
		if _, err := commandline.ParseContextSettings(settingsCtx, *settings); err != nil {
			klog.Exitf("invalid -set: %+v", err)
		}
		fmt.Println(commandline.SprintContextSettings(settingsCtx))
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	t := &trainer.Trainer{
		Config:          cfg,
		ContextSettings: *settings,
		RunDir:          *flagRunDir,
		ProgressBar:     *flagProgressBar,
	}
	res, err := t.Train(ctx)
	if res != nil {
		fmt.Println(summary(res))
	}
	if errors.Is(err, context.Canceled) && res != nil {
		klog.Warningf("training interrupted, resume with -run_dir=%s", res.Run.Dir)
		return
	}
	if err != nil {
		klog.Fatalf("%+v", err)
	}
}

func summary(res *trainer.Result) string {
	rows := [][2]string{
		{"run", res.Run.Dir},
		{"epochs", fmt.Sprint(res.Epochs)},
		{"steps", humanize.Comma(res.Steps)},
		{"final loss", fmt.Sprintf("%.5f", res.FinalLoss)},
		{"final lr", fmt.Sprintf("%.3g", res.FinalLR)},
		{"time", res.Duration.Round(time.Second).String()},
	}
	lines := make([]string, len(rows))
	for i, row := range rows {
		lines[i] = lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(row[0]), row[1])
	}
	return summaryStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}
