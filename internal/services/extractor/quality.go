package extractor

import (
	"fmt"
	"math"

	"github.com/ternarybob/skrapp/internal/common"
	"github.com/ternarybob/skrapp/internal/models"
)

// Verdict thresholds for the combined score
const (
	passThreshold     = 0.6
	marginalThreshold = 0.3
)

// Score is the quality gate evaluation of an extraction result
type Score struct {
	TextOK        float64 `json:"text_ok"`
	LinkDensityOK float64 `json:"link_density_ok"`
	TextDensityOK float64 `json:"text_density_ok"`
	Value         float64 `json:"value"`
	Verdict       string  `json:"verdict"`
	Reason        string  `json:"reason,omitempty"`
}

// Gate scores extraction results against configurable length thresholds
type Gate struct {
	minSuccess  int
	minMarginal int
}

// NewGate creates a quality gate from the configured thresholds
func NewGate(cfg *common.QualityConfig) *Gate {
	minSuccess := cfg.MinTextLengthSuccess
	if minSuccess <= 0 {
		minSuccess = 200
	}
	minMarginal := cfg.MinTextLengthMarginal
	if minMarginal <= 0 || minMarginal >= minSuccess {
		minMarginal = minSuccess / 4
	}

	return &Gate{
		minSuccess:  minSuccess,
		minMarginal: minMarginal,
	}
}

// Evaluate scores a result on text length, link density and text density.
// Pass at 0.6, marginal from 0.3, fail below. Marginal results are meant to
// be re-extracted once with the alternate parser and the better score kept.
func (g *Gate) Evaluate(result *Result) Score {
	textLen := float64(result.TextLength)
	htmlLen := float64(result.HTMLLength)
	linkCount := float64(result.OutlinkCount)

	textOK := clamp((textLen-float64(g.minMarginal))/float64(g.minSuccess-g.minMarginal), 0, 1)

	linkDensity := linkCount * 50 / math.Max(textLen, 1)
	linkDensityOK := 1 - math.Min(1, linkDensity)

	textRatio := textLen / math.Max(htmlLen, 1)
	textDensityOK := math.Min(1, textRatio*10)

	score := Score{
		TextOK:        textOK,
		LinkDensityOK: linkDensityOK,
		TextDensityOK: textDensityOK,
		Value:         (textOK + linkDensityOK + textDensityOK) / 3,
	}

	switch {
	case score.Value >= passThreshold:
		score.Verdict = models.VerdictPass
	case score.Value >= marginalThreshold:
		score.Verdict = models.VerdictMarginal
	default:
		score.Verdict = models.VerdictFail
	}

	if score.Verdict != models.VerdictPass {
		score.Reason = g.reason(score, result.TextLength, linkDensity, textRatio)
	}

	return score
}

// reason names the weakest scoring component with its measured value
func (g *Gate) reason(score Score, textLen int, linkDensity, textRatio float64) string {
	switch {
	case score.TextOK <= score.LinkDensityOK && score.TextOK <= score.TextDensityOK:
		return fmt.Sprintf("text_too_short:%d<%d", textLen, g.minSuccess)
	case score.LinkDensityOK <= score.TextDensityOK:
		return fmt.Sprintf("link_farm:density=%.2f", linkDensity)
	default:
		return fmt.Sprintf("thin_html:ratio=%.2f", textRatio)
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
