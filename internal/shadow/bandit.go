package shadow

import (
	"math/rand"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/arbiterml/modelplane/pkg/models"
)

// drawPosterior samples the arm's Beta posterior through the experiment's
// own uniform stream, so an allocation sequence replays identically for a
// given seed.
func drawPosterior(rng *rand.Rand, arm *models.ArmStats) float64 {
	dist := distuv.Beta{Alpha: arm.Alpha, Beta: arm.Beta}
	return dist.Quantile(rng.Float64())
}

// pickArm runs one round of Thompson sampling: sample both posteriors and
// play the larger draw. Ties go to control.
func pickArm(rng *rand.Rand, experiment *models.Experiment) models.Arm {
	control := drawPosterior(rng, &experiment.Control)
	variant := drawPosterior(rng, &experiment.Variant)
	if variant > control {
		return models.ArmVariant
	}
	return models.ArmControl
}
