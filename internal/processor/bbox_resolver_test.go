package processor

import (
	"testing"

	"github.com/adverant/nexus/visual-triage-worker/internal/errors"
	"github.com/adverant/nexus/visual-triage-worker/internal/geometry"
)

func TestBBoxResolver(t *testing.T) {
	positions := []ImagePosition{
		{ID: "xref12", BBox: geometry.NewRect(50, 50, 300, 250)},
		{ID: "xref15", BBox: geometry.NewRect(50, 400, 550, 700)},
	}
	pages := []PageLayout{
		{Number: 1, ImagePositions: positions},
		{Number: 2, ImagePositions: positions[:1]},
	}

	testCases := []struct {
		name       string
		img        *ImageRecord
		extra      []*ImageRecord // other images extracted from the document
		wantMethod ResolutionMethod
		wantBBox   *geometry.Rect
		wantErr    bool
	}{
		{
			name:       "existing bbox is kept",
			img:        &ImageRecord{Filename: "page1_img1.png", Page: 1, BBox: rect(1, 2, 3, 4)},
			extra:      []*ImageRecord{{Filename: "page1_img0.png", Page: 1}},
			wantMethod: ResolvedExisting,
			wantBBox:   rect(1, 2, 3, 4),
		},
		{
			name:       "extractor identity wins over ordinal",
			img:        &ImageRecord{Filename: "page1_img0.png", Page: 1, ObjectID: "xref15"},
			wantMethod: ResolvedIdentity,
			wantBBox:   rect(50, 400, 550, 700),
		},
		{
			name:       "ordinal pairs with position when counts agree",
			img:        &ImageRecord{Filename: "page1_img1.png", Page: 1},
			extra:      []*ImageRecord{{Filename: "page1_img0.png", Page: 1}},
			wantMethod: ResolvedIndex,
			wantBBox:   rect(50, 400, 550, 700),
		},
		{
			name:    "count mismatch is ambiguous",
			img:     &ImageRecord{Filename: "page1_img0.png", Page: 1},
			extra:   []*ImageRecord{{Filename: "page1_img1.png", Page: 1}, {Filename: "page1_img2.png", Page: 1}},
			wantErr: true,
		},
		{
			name:    "filename without ordinal",
			img:     &ImageRecord{Filename: "cover.png", Page: 2},
			wantErr: true,
		},
		{
			name:    "ordinal out of range",
			img:     &ImageRecord{Filename: "page2_img3.png", Page: 2},
			wantErr: true,
		},
		{
			name:    "page without layout",
			img:     &ImageRecord{Filename: "page9_img0.png", Page: 9},
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			images := append([]*ImageRecord{tc.img}, tc.extra...)
			resolver := NewBBoxResolver(pages, images)

			method, err := resolver.Resolve(tc.img)

			if tc.wantErr {
				if !errors.IsCode(err, errors.ErrorBBoxAmbiguous) {
					t.Fatalf("expected BBOX_AMBIGUOUS, got %v", err)
				}
				if method != ResolvedNone || tc.img.BBox != nil {
					t.Errorf("ambiguous image must stay unresolved: method=%s bbox=%v", method, tc.img.BBox)
				}
				return
			}

			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if method != tc.wantMethod {
				t.Errorf("method = %s, want %s", method, tc.wantMethod)
			}
			if tc.img.BBox == nil || *tc.img.BBox != *tc.wantBBox {
				t.Errorf("bbox = %v, want %v", tc.img.BBox, tc.wantBBox)
			}
		})
	}
}

func TestBBoxResolverCopiesPosition(t *testing.T) {
	pages := []PageLayout{{Number: 1, ImagePositions: []ImagePosition{{BBox: geometry.NewRect(0, 0, 10, 10)}}}}
	img := &ImageRecord{Filename: "page1_img0.png", Page: 1}
	resolver := NewBBoxResolver(pages, []*ImageRecord{img})

	if _, err := resolver.Resolve(img); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	img.BBox.X1 = 99

	if got := resolver.Page(1).ImagePositions[0].BBox.X1; got != 10 {
		t.Errorf("mutating the image bbox changed the page layout (x1=%v)", got)
	}
}

func TestBBoxResolverMissingPage(t *testing.T) {
	resolver := NewBBoxResolver(nil, nil)

	page := resolver.Page(4)
	if page.Number != 4 || page.Area() != DefaultPageWidth*DefaultPageHeight {
		t.Errorf("missing page should default to letter size, got %+v (area %v)", page, page.Area())
	}
}
