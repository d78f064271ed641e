// Package needle implements the needle-based visual pattern matcher (C5):
// a reference image plus named match/nomatch rectangles and an optional
// click point, compared against a live screenshot.
package needle

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kstaniek/go-sut-driver/internal/vnc"
)

// Area is one labeled rectangle within a needle, either required to match
// ("match") or required not to match ("nomatch").
type Area struct {
	Kind   string `json:"type"`
	Left   int    `json:"left"`
	Top    int    `json:"top"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	// Click, if non-nil, marks this area as bearing a click point relative
	// to the area's own top-left corner.
	Click *Point `json:"click,omitempty"`
}

// Point is an (x, y) offset.
type Point struct {
	Left int `json:"left"`
	Top  int `json:"top"`
}

// Needle is the parsed sidecar JSON plus its reference image.
type Needle struct {
	Tag   string
	Areas []Area
	Image *vnc.Screenshot
}

// ErrNotFound is returned by Load when either sidecar file is missing.
var ErrNotFound = errors.New("needle: not found")

// ErrMalformed is returned by Load when the needle files are present but
// do not describe a usable needle: unparsable JSON, no areas at all, no
// "match" area, an undecodable PNG, or an area outside the image bounds.
var ErrMalformed = errors.New("needle: malformed")

type sidecar struct {
	Areas []Area `json:"areas"`
}

// Load resolves {dir}/{tag}.json and {dir}/{tag}.png. A missing file of
// either kind is ErrNotFound (wrapped), not a hard failure, since scripts
// commonly probe for needles that may not exist yet.
func Load(dir, tag string) (*Needle, error) {
	jsonPath := filepath.Join(dir, tag+".json")
	pngPath := filepath.Join(dir, tag+".png")

	raw, err := os.ReadFile(jsonPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, jsonPath)
		}
		return nil, err
	}
	var sc sidecar
	if err := json.Unmarshal(raw, &sc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(sc.Areas) == 0 {
		return nil, fmt.Errorf("%w: no areas defined", ErrMalformed)
	}
	hasMatch := false
	for _, a := range sc.Areas {
		if a.Kind == "match" {
			hasMatch = true
			break
		}
	}
	if !hasMatch {
		return nil, fmt.Errorf("%w: no match area defined", ErrMalformed)
	}

	pngData, err := os.ReadFile(pngPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, pngPath)
		}
		return nil, err
	}
	img, err := vnc.DecodePNG(pngData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	for _, a := range sc.Areas {
		if a.Left < 0 || a.Top < 0 || a.Width < 0 || a.Height < 0 ||
			a.Left+a.Width > img.Width || a.Top+a.Height > img.Height {
			return nil, fmt.Errorf("%w: area %q out of image bounds", ErrMalformed, a.Kind)
		}
	}

	return &Needle{Tag: tag, Areas: sc.Areas, Image: img}, nil
}

// ClickPoint returns the absolute (x, y) target of the first area bearing
// a click point, translating the area-relative offset to screen
// coordinates. ok is false if no area in the needle has one.
func (n *Needle) ClickPoint() (x, y int, ok bool) {
	for _, a := range n.Areas {
		if a.Click != nil {
			return a.Left + a.Click.Left, a.Top + a.Click.Top, true
		}
	}
	return 0, 0, false
}
