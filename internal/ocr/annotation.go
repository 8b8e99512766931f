package ocr

import (
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"cloud.google.com/go/vision/v2/apiv1/visionpb"
)

// pageBlock is one detected text block pinned to its page and position so
// the document text can be reassembled in reading order.
type pageBlock struct {
	page       int
	top        float64
	left       float64
	text       string
	confidence float64
}

// collectBlocks flattens per-page annotation responses into positioned
// blocks. Confidence is rescaled from the service's 0..1 range to percent.
// Blocks without any symbols (pictures, rulers) are dropped.
func collectBlocks(responses []*visionpb.AnnotateImageResponse) []pageBlock {
	var blocks []pageBlock
	for i, response := range responses {
		pageNumber := int(response.GetContext().GetPageNumber())
		if pageNumber == 0 {
			pageNumber = i + 1
		}
		for _, page := range response.GetFullTextAnnotation().GetPages() {
			for _, block := range page.GetBlocks() {
				text := blockText(block)
				if text == "" {
					continue
				}
				top, left := blockOrigin(block.GetBoundingBox())
				blocks = append(blocks, pageBlock{
					page:       pageNumber,
					top:        top,
					left:       left,
					text:       text,
					confidence: float64(block.GetConfidence()) * 100,
				})
			}
		}
	}
	return blocks
}

// pageErrors returns the error messages of pages the service could not
// annotate.
func pageErrors(responses []*visionpb.AnnotateImageResponse) []string {
	var msgs []string
	for i, response := range responses {
		if response.GetError() != nil {
			page := int(response.GetContext().GetPageNumber())
			if page == 0 {
				page = i + 1
			}
			msgs = append(msgs, "page "+strconv.Itoa(page)+": "+response.GetError().GetMessage())
		}
	}
	return msgs
}

// assembleText orders blocks by page, then vertical position, then
// horizontal position, and joins them with newlines.
func assembleText(blocks []pageBlock) string {
	sort.SliceStable(blocks, func(i, j int) bool {
		if blocks[i].page != blocks[j].page {
			return blocks[i].page < blocks[j].page
		}
		if blocks[i].top != blocks[j].top {
			return blocks[i].top < blocks[j].top
		}
		return blocks[i].left < blocks[j].left
	})

	parts := make([]string, 0, len(blocks))
	for _, block := range blocks {
		parts = append(parts, block.text)
	}
	return strings.Join(parts, "\n")
}

// blockConfidences lists the percent-scale confidence of each block, in the
// same order as the blocks.
func blockConfidences(blocks []pageBlock) []float64 {
	scores := make([]float64, len(blocks))
	for i, block := range blocks {
		scores[i] = block.confidence
	}
	return scores
}

// blockText reassembles a block's text from its symbols, honoring the
// detected breaks between them.
func blockText(block *visionpb.Block) string {
	var sb strings.Builder
	for _, paragraph := range block.GetParagraphs() {
		for _, word := range paragraph.GetWords() {
			for _, symbol := range word.GetSymbols() {
				sb.WriteString(symbol.GetText())
				sb.WriteString(breakText(symbol.GetProperty().GetDetectedBreak()))
			}
		}
	}
	return strings.TrimRight(sb.String(), " \n")
}

// breakText maps a detected break to the characters it stands for.
func breakText(br *visionpb.TextAnnotation_DetectedBreak) string {
	if br == nil {
		return ""
	}
	switch br.GetType() {
	case visionpb.TextAnnotation_DetectedBreak_SPACE,
		visionpb.TextAnnotation_DetectedBreak_SURE_SPACE:
		return " "
	case visionpb.TextAnnotation_DetectedBreak_EOL_SURE_SPACE,
		visionpb.TextAnnotation_DetectedBreak_LINE_BREAK:
		return "\n"
	case visionpb.TextAnnotation_DetectedBreak_HYPHEN:
		return "-\n"
	default:
		return ""
	}
}

// blockOrigin returns the top-left corner of a bounding poly. Normalized
// vertices are preferred; the service emits those for PDF input. Taking the
// minimum over all vertices keeps slightly rotated boxes stable.
func blockOrigin(poly *visionpb.BoundingPoly) (top, left float64) {
	if normalized := poly.GetNormalizedVertices(); len(normalized) > 0 {
		top, left = math.Inf(1), math.Inf(1)
		for _, v := range normalized {
			top = math.Min(top, float64(v.GetY()))
			left = math.Min(left, float64(v.GetX()))
		}
		return top, left
	}
	vertices := poly.GetVertices()
	if len(vertices) == 0 {
		return 0, 0
	}
	top, left = math.Inf(1), math.Inf(1)
	for _, v := range vertices {
		top = math.Min(top, float64(v.GetY()))
		left = math.Min(left, float64(v.GetX()))
	}
	return top, left
}

// Async detection output shards are named "output-<first>-to-<last>.json".
var shardNamePattern = regexp.MustCompile(`output-(\d+)-to-(\d+)\.json$`)

// shardStart returns the first page a result shard covers, parsed from its
// object name. Names that don't match sort last.
func shardStart(name string) int {
	m := shardNamePattern.FindStringSubmatch(name)
	if m == nil {
		return math.MaxInt
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return math.MaxInt
	}
	return n
}

// sortShardNames orders result shard names by their starting page, so
// "output-10-to-11.json" follows "output-2-to-3.json".
func sortShardNames(names []string) {
	sort.SliceStable(names, func(i, j int) bool {
		return shardStart(names[i]) < shardStart(names[j])
	})
}
