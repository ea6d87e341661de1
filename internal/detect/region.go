package detect

import (
	"github.com/alanagoyal/ghostbusters-sub001/internal/core/model"
)

// FilterRegion drops candidates whose box center falls outside the region
// of interest. Pure function; the input slice is not modified.
func FilterRegion(candidates []model.Candidate, roi model.ROI, width, height int) []model.Candidate {
	if len(candidates) == 0 {
		return nil
	}
	kept := make([]model.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if roi.ContainsCenter(c.Box, width, height) {
			kept = append(kept, c)
		}
	}
	return kept
}
