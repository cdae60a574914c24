package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/setanarut/stylebuilder"
	"github.com/setanarut/stylebuilder/network"
	"github.com/setanarut/stylebuilder/segment"
	"github.com/setanarut/stylebuilder/utils"
)

func newTransferCommand() *cobra.Command {
	f := &synthesisFlags{}
	var contentPath string
	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Repaint a content image with the statistics of style images",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			content, err := utils.ReadTensor(contentPath)
			if err != nil {
				return err
			}
			styles, err := f.readStyles()
			if err != nil {
				return err
			}
			return synthesize(cmd, f, content, styles)
		},
	}
	cmd.Flags().StringVarP(&contentPath, "content", "c", "", "content image")
	cmd.MarkFlagRequired("content")
	addStyleFlags(cmd, f)
	addSynthesisFlags(cmd, f)
	cmd.Flags().IntVar(&f.contentLayer, "content-layer", 2, "content layer")
	cmd.Flags().Float64Var(&f.contentWeight, "content-weight", 0.5, "content weight, 0 disables the content term")
	cmd.Flags().BoolVar(&f.segmented, "segmented", false, "match styles region by region through segmentation masks")
	cmd.Flags().BoolVar(&f.colorTransform, "color-transform", false, "fit a color rotation to the styles before painting")
	return cmd
}

func newTextureCommand() *cobra.Command {
	f := &synthesisFlags{}
	cmd := &cobra.Command{
		Use:   "texture",
		Short: "Synthesize a texture from style images",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("init") {
				f.init = "noise"
			}
			styles, err := f.readStyles()
			if err != nil {
				return err
			}
			return synthesize(cmd, f, nil, styles)
		},
	}
	addStyleFlags(cmd, f)
	addSynthesisFlags(cmd, f)
	cmd.Flags().IntVar(&f.offsetX, "offset-x", 0, "horizontal tile grid offset, wraps around for seamless textures")
	cmd.Flags().IntVar(&f.offsetY, "offset-y", 0, "vertical tile grid offset")
	return cmd
}

func newDreamCommand() *cobra.Command {
	f := &synthesisFlags{}
	var contentPath string
	cmd := &cobra.Command{
		Use:   "dream",
		Short: "Exaggerate the features an image already has",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			content, err := utils.ReadTensor(contentPath)
			if err != nil {
				return err
			}
			fs := cmd.Flags()
			if !fs.Changed("mean") {
				f.mean = 0
			}
			if !fs.Changed("cov") {
				f.covariance = 0
			}
			if !fs.Changed("enhance") {
				f.enhance = 1
			}
			if !fs.Changed("centering") {
				f.centering = "dynamic"
			}
			styles := []stylebuilder.Style{{Name: "content", Image: content}}
			return synthesize(cmd, f, content, styles)
		},
	}
	cmd.Flags().StringVarP(&contentPath, "content", "c", "", "image to dream on")
	cmd.MarkFlagRequired("content")
	addSynthesisFlags(cmd, f)
	return cmd
}

func newMasksCommand() *cobra.Command {
	var (
		netPath, imagePath, outDir, seeding, palette string
		iterations, width                            int
		verbose                                      bool
	)
	opt := segment.DefaultOptions()
	cmd := &cobra.Command{
		Use:   "masks",
		Short: "Segment an image and write mask previews",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			net, err := loadNetwork(netPath)
			if err != nil {
				return err
			}
			img, err := utils.ReadImage(imagePath)
			if err != nil {
				return err
			}
			if size := img.Bounds().Size(); width > 0 && width != size.X {
				size = utils.FitWidth(size, width)
				img = utils.ResizeImage(img, size.X, size.Y)
			}
			opt.Seeding = segment.ParseSeeding(seeding)
			opt.Iterations = iterations
			opt.Verbose = verbose
			engine, err := segment.NewEngine(net, opt)
			if err != nil {
				return err
			}
			masks, err := engine.Segment(cmd.Context(), utils.ImageToTensor(img))
			if err != nil {
				return err
			}
			if err := os.MkdirAll(outDir, 0755); err != nil {
				return err
			}
			colors := utils.Palette(img, len(masks), utils.ParsePaletteMethod(palette))
			if err := utils.SaveGrayImages(utils.MaskLayers(masks), outDir); err != nil {
				return err
			}
			if err := utils.SaveColorImages(utils.ColorLayers(masks, colors), outDir); err != nil {
				return err
			}
			if err := utils.SaveImage(utils.Composite(masks, colors), filepath.Join(outDir, "composite.png")); err != nil {
				return err
			}
			if err := utils.SavePalette(colors, 64, filepath.Join(outDir, "palette.png")); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d masks to %s\n", len(masks), outDir)
			return nil
		},
	}
	fs := cmd.Flags()
	addNetworkFlag(cmd, &netPath)
	fs.StringVarP(&imagePath, "image", "i", "", "image to segment")
	cmd.MarkFlagRequired("image")
	fs.StringVarP(&outDir, "out", "o", "masks", "output directory")
	fs.IntVarP(&width, "width", "w", 0, "segment at this width, keeping the aspect; 0 keeps the image size")
	fs.IntVar(&opt.Masks, "masks", opt.Masks, "number of masks")
	fs.IntVar(&opt.ColorClusters, "color-clusters", opt.ColorClusters, "color clusters, 0 skips the color stage")
	fs.IntVar(&opt.TextureClusters, "texture-clusters", opt.TextureClusters, "texture clusters, 0 skips the texture stages")
	fs.IntVarP(&iterations, "iterations", "n", opt.Iterations, "training iterations per stage")
	fs.IntVar(&opt.BlurPasses, "blur", opt.BlurPasses, "box blur passes per stage")
	fs.StringVar(&seeding, "seeding", opt.Seeding.String(), "mixing model seed: pca or kmeans")
	fs.StringVar(&palette, "palette", utils.PaletteMethodDominantColor.String(), "preview palette: dominantcolor or kmeans")
	fs.BoolVarP(&verbose, "verbose", "v", false, "log training progress")
	return cmd
}

func newNetworkCommand() *cobra.Command {
	var (
		out  string
		seed int64
	)
	cmd := &cobra.Command{
		Use:   "network",
		Short: "Write the built-in network with freshly initialized weights",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := network.DefaultConfig()
			cfg.Seed = seed
			net, err := network.NewConvNet(cfg)
			if err != nil {
				return err
			}
			if err := net.Save(out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d stage network to %s\n", len(net.Layers()), out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "net.json", "output file")
	cmd.Flags().Int64Var(&seed, "seed", 1, "weight seed")
	return cmd
}
