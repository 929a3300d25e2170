package processor

import (
	"regexp"
	"strconv"

	"github.com/adverant/nexus/visual-triage-worker/internal/errors"
	"github.com/adverant/nexus/visual-triage-worker/internal/geometry"
)

// ResolutionMethod records how an image got its bounding box
type ResolutionMethod string

const (
	ResolvedExisting ResolutionMethod = "existing"
	ResolvedIdentity ResolutionMethod = "identity"
	ResolvedIndex    ResolutionMethod = "index"
	ResolvedNone     ResolutionMethod = "none"
)

// imageOrdinalPattern extracts K from extractor filenames like page3_img1.png
var imageOrdinalPattern = regexp.MustCompile(`img(\d+)`)

// BBoxResolver fills missing image bounding boxes from page layouts. Stable
// extractor identities are preferred; index pairing is the fallback and is
// only trusted when a page has exactly as many positions as images.
type BBoxResolver struct {
	pages       map[int]PageLayout
	imageCounts map[int]int
}

// NewBBoxResolver indexes pages by number and counts extracted images per page
func NewBBoxResolver(pages []PageLayout, images []*ImageRecord) *BBoxResolver {
	r := &BBoxResolver{
		pages:       make(map[int]PageLayout, len(pages)),
		imageCounts: make(map[int]int),
	}
	for _, p := range pages {
		r.pages[p.Number] = p
	}
	for _, img := range images {
		r.imageCounts[img.Page]++
	}
	return r
}

// Page returns the layout for a page number, or an empty layout with the
// default page size when the extractor reported nothing for it
func (r *BBoxResolver) Page(number int) PageLayout {
	if p, ok := r.pages[number]; ok {
		return p
	}
	return PageLayout{Number: number}
}

// Resolve sets img.BBox when it is missing. On ambiguity the record is left
// untouched and a BBoxResolutionAmbiguity error is returned.
func (r *BBoxResolver) Resolve(img *ImageRecord) (ResolutionMethod, error) {
	if img.BBox != nil {
		return ResolvedExisting, nil
	}

	page := r.Page(img.Page)
	positions := page.ImagePositions
	images := r.imageCounts[img.Page]

	if img.ObjectID != "" {
		for _, pos := range positions {
			if pos.ID == img.ObjectID {
				img.BBox = rectPtr(pos.BBox)
				return ResolvedIdentity, nil
			}
		}
	}

	ambiguous := errors.NewBBoxAmbiguityError(img.Filename, img.Page, images, len(positions))

	if len(positions) == 0 || len(positions) != images {
		return ResolvedNone, ambiguous
	}

	match := imageOrdinalPattern.FindStringSubmatch(img.Filename)
	if match == nil {
		return ResolvedNone, ambiguous
	}
	ordinal, err := strconv.Atoi(match[1])
	if err != nil || ordinal >= len(positions) {
		return ResolvedNone, ambiguous
	}

	img.BBox = rectPtr(positions[ordinal].BBox)
	return ResolvedIndex, nil
}

func rectPtr(r geometry.Rect) *geometry.Rect {
	return &r
}
