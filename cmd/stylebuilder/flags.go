package main

import (
	"fmt"
	"image"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/setanarut/stylebuilder"
	"github.com/setanarut/stylebuilder/loss"
	"github.com/setanarut/stylebuilder/network"
	"github.com/setanarut/stylebuilder/tensor"
	"github.com/setanarut/stylebuilder/utils"
)

// synthesisFlags are shared by transfer, texture and dream.
type synthesisFlags struct {
	net          string
	styles       []string
	styleWeights []float64
	out          string

	widths     []int
	iterations int
	timeout    time.Duration
	tile       int
	padding    int
	offsetX    int
	offsetY    int

	layers        []int
	mean          float64
	covariance    float64
	enhance       float64
	centering     string
	contentLayer  int
	contentWeight float64

	segmented      bool
	masks          int
	colorClusters  int
	textureCluster int
	colorTransform bool

	init        string
	seed        int64
	orientation string
	lineSearch  string
	workers     int
	verbose     bool
}

func addNetworkFlag(cmd *cobra.Command, path *string) {
	cmd.Flags().StringVar(path, "net", "", "network JSON written by 'stylebuilder network' (default: built-in network)")
}

func addSynthesisFlags(cmd *cobra.Command, f *synthesisFlags) {
	fs := cmd.Flags()
	addNetworkFlag(cmd, &f.net)
	fs.StringVarP(&f.out, "out", "o", "out.png", "output image")
	fs.IntSliceVar(&f.widths, "width", nil, "canvas width per phase, e.g. 256,512 (default: derived from the image size)")
	fs.IntVarP(&f.iterations, "iterations", "n", 0, "iterations per phase (default: derived from the image size)")
	fs.DurationVar(&f.timeout, "timeout", 0, "wall clock limit per phase")
	fs.IntVar(&f.tile, "tile", 512, "tile size, 0 disables tiling")
	fs.IntVar(&f.padding, "padding", 16, "tile overlap")
	fs.IntSliceVar(&f.layers, "layers", []int{0, 1, 2, 3}, "style layers")
	fs.Float64Var(&f.mean, "mean", 10, "style mean weight")
	fs.Float64Var(&f.covariance, "cov", 1, "style covariance weight")
	fs.Float64Var(&f.enhance, "enhance", 0, "activation enhance weight")
	fs.StringVar(&f.centering, "centering", "origin", "covariance centering: origin, dynamic or static")
	fs.IntVar(&f.masks, "masks", 3, "segmentation masks")
	fs.IntVar(&f.colorClusters, "color-clusters", 3, "color clusters of the segmentation")
	fs.IntVar(&f.textureCluster, "texture-clusters", 3, "texture clusters of the segmentation")
	fs.StringVar(&f.init, "init", "content", "starting canvas: content, gray or noise")
	fs.Int64Var(&f.seed, "seed", 1, "noise seed")
	fs.StringVar(&f.orientation, "orientation", "lbfgs", "step direction: lbfgs, gd or adam")
	fs.StringVar(&f.lineSearch, "line-search", "armijo", "line search: armijo or backtracking")
	fs.IntVar(&f.workers, "workers", 0, "parallel workers (default: all CPUs)")
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "log progress")
}

func addStyleFlags(cmd *cobra.Command, f *synthesisFlags) {
	fs := cmd.Flags()
	fs.StringSliceVarP(&f.styles, "style", "s", nil, "style image, repeatable")
	fs.Float64SliceVar(&f.styleWeights, "style-weight", nil, "relative weight per style image")
	cmd.MarkFlagRequired("style")
}

func loadNetwork(path string) (network.Network, error) {
	if path == "" {
		return network.NewConvNet(network.DefaultConfig())
	}
	return network.LoadConvNet(path)
}

func parseInit(s string) (stylebuilder.Init, error) {
	switch strings.ToLower(s) {
	case "content":
		return stylebuilder.InitContent, nil
	case "gray", "grey":
		return stylebuilder.InitGray, nil
	case "noise":
		return stylebuilder.InitNoise, nil
	}
	return 0, fmt.Errorf("unknown init %q", s)
}

// options maps the flags onto builder options for a canvas of size.
func (f *synthesisFlags) options(size image.Point) (stylebuilder.Options, error) {
	opt := stylebuilder.OptionsFromSize(size)
	if len(f.widths) > 0 {
		opt.Phases = opt.Phases[:0]
		for _, w := range f.widths {
			opt.Phases = append(opt.Phases, stylebuilder.Phase{Width: w, Iterations: 50})
		}
	}
	for i := range opt.Phases {
		if f.iterations > 0 {
			opt.Phases[i].Iterations = f.iterations
		}
		opt.Phases[i].Timeout = f.timeout
	}

	centering := loss.ParseCentering(f.centering)
	opt.Style = make(loss.StyleCoefficients, len(f.layers))
	for _, id := range f.layers {
		opt.Style[network.LayerID(id)] = loss.LayerCoefficients{
			Mean:       f.mean,
			Covariance: f.covariance,
			Enhance:    f.enhance,
			Centering:  centering,
		}
	}
	opt.Content = nil
	if f.contentWeight != 0 {
		opt.Content = loss.ContentCoefficients{network.LayerID(f.contentLayer): f.contentWeight}
	}

	opt.TileSize = f.tile
	opt.Padding = f.padding
	opt.OffsetX, opt.OffsetY = f.offsetX, f.offsetY
	opt.Segmented = f.segmented
	opt.Segment.Masks = f.masks
	opt.Segment.ColorClusters = f.colorClusters
	opt.Segment.TextureClusters = f.textureCluster
	opt.Segment.Verbose = f.verbose
	opt.ColorTransform = f.colorTransform
	opt.Seed = f.seed
	opt.Orientation = f.orientation
	opt.LineSearch = f.lineSearch
	opt.Verbose = f.verbose
	if f.workers > 0 {
		opt.Workers = f.workers
		opt.Stats.Workers = f.workers
	}
	start, err := parseInit(f.init)
	if err != nil {
		return opt, err
	}
	opt.Init = start
	return opt, nil
}

func (f *synthesisFlags) readStyles() ([]stylebuilder.Style, error) {
	if len(f.styleWeights) > 0 && len(f.styleWeights) != len(f.styles) {
		return nil, fmt.Errorf("%d style weights for %d styles", len(f.styleWeights), len(f.styles))
	}
	styles := make([]stylebuilder.Style, len(f.styles))
	seen := make(map[string]bool, len(f.styles))
	for i, path := range f.styles {
		img, err := utils.ReadTensor(path)
		if err != nil {
			return nil, err
		}
		// Files sharing a base name in different directories stay distinct.
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		if seen[name] {
			name = fmt.Sprintf("%s.%d", name, i)
		}
		seen[name] = true
		styles[i] = stylebuilder.Style{Name: name, Image: img}
		if len(f.styleWeights) > 0 {
			styles[i].Weight = f.styleWeights[i]
		}
	}
	return styles, nil
}

// synthesize runs the builder and writes the canvas, which after a failed
// phase is the last accepted one.
func synthesize(cmd *cobra.Command, f *synthesisFlags, content *tensor.Tensor, styles []stylebuilder.Style) error {
	net, err := loadNetwork(f.net)
	if err != nil {
		return err
	}
	base := styles[0].Image
	if content != nil {
		base = content
	}
	opt, err := f.options(image.Pt(base.W, base.H))
	if err != nil {
		return err
	}
	sb, err := stylebuilder.NewStyleBuilder(net, content, styles, opt)
	if err != nil {
		return err
	}
	buildErr := sb.Build(cmd.Context())
	if sb.Canvas == nil {
		return buildErr
	}
	if err := utils.SaveTensor(sb.Canvas, f.out); err != nil {
		return err
	}
	for i, r := range sb.Reports {
		fmt.Fprintf(cmd.OutOrStdout(), "phase %d: %s, %d iterations, loss %.6g -> %.6g\n",
			i+1, r.Reason, r.Iterations, r.Initial, r.Value)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", f.out)
	return buildErr
}
