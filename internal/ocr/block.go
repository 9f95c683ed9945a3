// Package ocr turns recognized payment screenshots into ledger-ready records.
//
// A screenshot arrives as an ordered list of text blocks, each with a
// confidence score and a bounding box. The first block that reads as a
// two-decimal amount anchors the record; the merchant name is rebuilt from
// the blocks laid out just before it. Label blocks (支付时间, 订单号 ...)
// give the remaining fields from the block that follows them.
package ocr

import (
	"math"
	"regexp"
	"strings"
)

// DefaultMinScore is the confidence a block must exceed to be considered at all.
const DefaultMinScore = 0.3

const (
	sameLineTolerance     = 10.0
	continuationTolerance = 20.0
)

var amountPattern = regexp.MustCompile(`^-?\d+\.\d{2}$`)

// Point is one corner of a bounding box in image pixels.
type Point struct {
	X float64
	Y float64
}

// Block is one recognized piece of text.
type Block struct {
	Text     string
	Score    float64
	Position [4]Point
}

// Top returns the smallest y of the bounding box.
func (b Block) Top() float64 {
	top := math.Inf(1)
	for _, p := range b.Position {
		top = math.Min(top, p.Y)
	}
	return top
}

// Bottom returns the largest y of the bounding box.
func (b Block) Bottom() float64 {
	bottom := math.Inf(-1)
	for _, p := range b.Position {
		bottom = math.Max(bottom, p.Y)
	}
	return bottom
}

// BlockAt returns a block with an axis-aligned box, mostly useful for fixtures.
func BlockAt(text string, score, left, top, right, bottom float64) Block {
	return Block{
		Text:  text,
		Score: score,
		Position: [4]Point{
			{X: left, Y: top}, {X: right, Y: top},
			{X: right, Y: bottom}, {X: left, Y: bottom},
		},
	}
}

// Filter drops blocks with empty text or a score not above minScore.
// Order is preserved.
func Filter(blocks []Block, minScore float64) []Block {
	out := make([]Block, 0, len(blocks))
	for _, b := range blocks {
		if b.Text == "" || b.Score <= minScore {
			continue
		}
		out = append(out, b)
	}
	return out
}

// DetectAmount returns the index of the first block whose text matches
// pattern and whose score clears minScore. Later matches are never considered.
func DetectAmount(blocks []Block, pattern *regexp.Regexp, minScore float64) (int, bool) {
	if pattern == nil {
		pattern = amountPattern
	}
	for i, b := range blocks {
		if b.Score > minScore && pattern.MatchString(b.Text) {
			return i, true
		}
	}
	return -1, false
}

// Reconstruct rebuilds a merchant name that the recognizer split over several
// blocks. It walks backward from anchor, prepending each predecessor that sits
// on the same line or directly above the current block, and stops at the first
// one that does neither.
func Reconstruct(blocks []Block, anchor int) string {
	if anchor < 0 || anchor >= len(blocks) {
		return ""
	}

	text := blocks[anchor].Text
	for i := anchor; i > 0; i-- {
		cur, pred := blocks[i], blocks[i-1]
		sameLine := math.Abs(pred.Top()-cur.Top()) < sameLineTolerance
		continues := math.Abs(pred.Bottom()-cur.Top()) < continuationTolerance
		if !sameLine && !continues {
			break
		}
		text = pred.Text + text
	}

	return trimTruncation(text)
}

func trimTruncation(s string) string {
	s = strings.TrimSpace(s)
	for _, glyph := range []string{"…", "..."} {
		s = strings.TrimSuffix(s, glyph)
	}
	return strings.TrimSpace(s)
}
