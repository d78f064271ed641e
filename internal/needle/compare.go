package needle

import (
	"math"

	"github.com/kstaniek/go-sut-driver/internal/vnc"
)

const (
	kindMatch   = "match"
	kindNomatch = "nomatch"
)

// Compare checks screenshot against n at threshold: every "match" area must
// have similarity >= threshold, every "nomatch" area must have similarity
// < threshold. The reported aggregate similarity is the minimum across
// "match" areas (the weakest link); a needle with no match areas reports 1.
func Compare(screenshot *vnc.Screenshot, n *Needle, threshold float32) (similarity float32, matched bool) {
	minMatch := float32(math.MaxFloat32)
	sawMatch := false
	matched = true

	for _, area := range n.Areas {
		got := areaSimilarity(screenshot, n.Image, area)
		switch area.Kind {
		case kindMatch:
			sawMatch = true
			if got < minMatch {
				minMatch = got
			}
			if got < threshold {
				matched = false
			}
		case kindNomatch:
			if got >= threshold {
				matched = false
			}
		}
	}

	if !sawMatch {
		return 1, matched
	}
	return minMatch, matched
}

func areaSimilarity(screenshot, reference *vnc.Screenshot, a Area) float32 {
	got := screenshot.Crop(a.Left, a.Top, a.Width, a.Height)
	want := reference.Crop(a.Left, a.Top, a.Width, a.Height)
	return vnc.Similarity(got, want)
}
