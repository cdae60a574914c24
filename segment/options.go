// Package segment derives soft region masks from an image by clustering
// color and texture features with an entropy trained linear mixing model.
package segment

import (
	"fmt"

	"github.com/setanarut/stylebuilder/network"
)

// Seeding selects how the mixing model is initialized.
type Seeding int

const (
	// PCA seeds the projection from the leading principal components.
	PCA Seeding = iota
	// KMeans seeds it from k-means centroids of the feature vectors.
	KMeans
)

func (s Seeding) String() string {
	if s == KMeans {
		return "kmeans"
	}
	return "pca"
}

// ParseSeeding maps a flag value to a method, defaulting to PCA.
func ParseSeeding(s string) Seeding {
	if s == KMeans.String() {
		return KMeans
	}
	return PCA
}

type Options struct {
	// Masks is the number of final masks.
	Masks int
	// ColorClusters is the class count of the color stage; zero skips it.
	ColorClusters int
	// TextureClusters is the class count of every texture stage; zero
	// skips them.
	TextureClusters int
	// TextureLayers are the network layers clustered, coarse to fine.
	TextureLayers []network.LayerID

	Seeding Seeding
	// Power is applied to each principal component's eigenvalue when
	// scaling it; negative values whiten.
	Power float64
	// Recenter sets the bias so the projection of the mean feature is zero.
	Recenter bool
	// Rescale gives every output band a unit mean square.
	Rescale bool
	// Emphasis is the exponent on the normalized global class entropy.
	Emphasis float64
	// Iterations bounds the training of each mixing model.
	Iterations int
	// BlurPasses box blurs the masks of every stage this many times.
	BlurPasses int
	Verbose    bool
}

func DefaultOptions() Options {
	return Options{
		Masks:           3,
		ColorClusters:   3,
		TextureClusters: 3,
		TextureLayers:   []network.LayerID{1, 2},
		Seeding:         PCA,
		Power:           -0.5,
		Recenter:        true,
		Rescale:         true,
		Emphasis:        1,
		Iterations:      20,
		BlurPasses:      2,
	}
}

func (o Options) validate() error {
	switch {
	case o.Masks < 1:
		return fmt.Errorf("%w: %d masks", ErrInvalidOptions, o.Masks)
	case o.ColorClusters < 0 || o.TextureClusters < 0:
		return fmt.Errorf("%w: %d color and %d texture clusters", ErrInvalidOptions, o.ColorClusters, o.TextureClusters)
	case o.ColorClusters == 0 && (o.TextureClusters == 0 || len(o.TextureLayers) == 0):
		return fmt.Errorf("%w: no color or texture stage", ErrInvalidOptions)
	case o.Iterations < 0 || o.BlurPasses < 0:
		return fmt.Errorf("%w: %d iterations, %d blur passes", ErrInvalidOptions, o.Iterations, o.BlurPasses)
	}
	return nil
}
