package main

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/setanarut/stylebuilder/network"
	"github.com/setanarut/stylebuilder/tensor"
	"github.com/setanarut/stylebuilder/utils"
)

func writeImage(t *testing.T, dir, name string, seed int64, w, h int) string {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	img := tensor.New(w, h, 3)
	for i := range img.Pix {
		img.Pix[i] = rng.Float64() * 255
	}
	path := filepath.Join(dir, name)
	if err := utils.SaveTensor(img, path); err != nil {
		t.Fatal(err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	out := new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestTransferCommandHelp(t *testing.T) {
	out, err := execute(t, "transfer", "--help")
	if err != nil {
		t.Fatalf("help should not error: %v", err)
	}
	for _, flag := range []string{"--content", "--style", "--segmented", "--tile"} {
		if !strings.Contains(out, flag) {
			t.Errorf("help output should mention %s", flag)
		}
	}
}

func TestTransferWritesCanvas(t *testing.T) {
	dir := t.TempDir()
	content := writeImage(t, dir, "content.png", 1, 12, 10)
	style := writeImage(t, dir, "style.png", 2, 12, 12)
	out := filepath.Join(dir, "out.png")

	stdout, err := execute(t, "transfer",
		"--content", content, "--style", style, "--out", out,
		"--iterations", "2", "--layers", "0,1", "--content-layer", "1")
	if err != nil && !strings.Contains(err.Error(), "rejections") {
		t.Fatal(err)
	}
	img, err := utils.ReadImage(out)
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() != 12 || b.Dy() != 10 {
		t.Errorf("output is %v, want 12x10", b)
	}
	if !strings.Contains(stdout, "wrote "+out) {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestTextureWritesStyleAspect(t *testing.T) {
	dir := t.TempDir()
	style := writeImage(t, dir, "style.png", 3, 10, 20)
	out := filepath.Join(dir, "texture.png")
	if _, err := execute(t, "texture", "--style", style, "--out", out,
		"--width", "8", "--iterations", "1", "--layers", "0"); err != nil && !strings.Contains(err.Error(), "rejections") {
		t.Fatal(err)
	}
	img, err := utils.ReadImage(out)
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() != 8 || b.Dy() != 16 {
		t.Errorf("output is %v, want 8x16", b)
	}
}

func TestMissingRequiredFlags(t *testing.T) {
	tests := [][]string{
		{"transfer", "--style", "s.png"},
		{"texture"},
		{"dream"},
		{"masks"},
	}
	for _, args := range tests {
		t.Run(args[0], func(t *testing.T) {
			if _, err := execute(t, args...); err == nil {
				t.Errorf("%v: expected an error", args)
			}
		})
	}
}

func TestMismatchedStyleWeights(t *testing.T) {
	dir := t.TempDir()
	style := writeImage(t, dir, "style.png", 4, 8, 8)
	_, err := execute(t, "texture", "--style", style, "--style-weight", "1,2", "--out", filepath.Join(dir, "o.png"))
	if err == nil || !strings.Contains(err.Error(), "style weights") {
		t.Errorf("error = %v", err)
	}
}

func TestMasksWritesPreviews(t *testing.T) {
	dir := t.TempDir()
	img := writeImage(t, dir, "image.png", 5, 12, 12)
	out := filepath.Join(dir, "masks")
	stdout, err := execute(t, "masks", "--image", img, "--out", out,
		"--masks", "2", "--color-clusters", "2", "--texture-clusters", "0", "--iterations", "2")
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"gray_00.png", "gray_01.png", "rgba_00.png", "composite.png", "palette.png"} {
		if _, err := os.Stat(filepath.Join(out, name)); err != nil {
			t.Errorf("%s: %v", name, err)
		}
	}
	if !strings.Contains(stdout, "wrote 2 masks") {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestMasksSegmentsAtWidth(t *testing.T) {
	dir := t.TempDir()
	img := writeImage(t, dir, "image.png", 8, 16, 12)
	out := filepath.Join(dir, "masks")
	if _, err := execute(t, "masks", "--image", img, "--out", out, "--width", "8",
		"--masks", "2", "--color-clusters", "2", "--texture-clusters", "0", "--iterations", "1"); err != nil {
		t.Fatal(err)
	}
	composite, err := utils.ReadImage(filepath.Join(out, "composite.png"))
	if err != nil {
		t.Fatal(err)
	}
	if b := composite.Bounds(); b.Dx() != 8 || b.Dy() != 6 {
		t.Errorf("composite is %v, want 8x6", b)
	}
}

func TestNetworkCommandSavesLoadableNetwork(t *testing.T) {
	path := filepath.Join(t.TempDir(), "net.json")
	if _, err := execute(t, "network", "--out", path, "--seed", "7"); err != nil {
		t.Fatal(err)
	}
	net, err := network.LoadConvNet(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := net.Config().Seed; got != 7 {
		t.Errorf("seed = %d, want 7", got)
	}
	if len(net.Layers()) != len(network.DefaultConfig().Stages) {
		t.Errorf("%d layers", len(net.Layers()))
	}
}

func TestReadStylesKeepsNamesDistinct(t *testing.T) {
	dir := t.TempDir()
	for _, sub := range []string{"a", "b"} {
		if err := os.Mkdir(filepath.Join(dir, sub), 0755); err != nil {
			t.Fatal(err)
		}
	}
	f := &synthesisFlags{styles: []string{
		writeImage(t, filepath.Join(dir, "a"), "style.png", 6, 4, 4),
		writeImage(t, filepath.Join(dir, "b"), "style.png", 7, 4, 4),
	}}
	styles, err := f.readStyles()
	if err != nil {
		t.Fatal(err)
	}
	if styles[0].Name != "style" || styles[1].Name != "style.1" {
		t.Errorf("names = %q, %q", styles[0].Name, styles[1].Name)
	}
}
