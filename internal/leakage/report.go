package leakage

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/Sumatoshi-tech/sidetrace/internal/trace"
)

// LeakageEntry is one reported statistic for an access site, ready for
// JSON/text rendering.
type LeakageEntry struct {
	Site               string  `json:"site"`
	Kind               string  `json:"kind"`
	MutualInformation  float64 `json:"mutualInformation"`
	GuessingEntropy    float64 `json:"guessingEntropy"`
	MinGuessingEntropy float64 `json:"minGuessingEntropy"`
	Score              float64 `json:"score"`
	ScoreStdev         float64 `json:"scoreStdev"`
	TestcaseCount      int     `json:"testcaseCount"`
	Severity           string  `json:"severity"`
}

// CallStackNode is one node of the reported call-stack tree: a call
// (with nested children), a split (with alternatives), or a leaf holding
// leakage entries for the access sites reached at that position.
type CallStackNode struct {
	CallStackID    int64            `json:"callStackId"`
	Label          string           `json:"label"`
	Kind           string           `json:"kind"`
	Tags           []int32          `json:"tags,omitempty"`
	LeakageEntries []LeakageEntry   `json:"leakageEntries,omitempty"`
	Children       []*CallStackNode `json:"children,omitempty"`
	Alternatives   []*CallStackAlt  `json:"alternatives,omitempty"`
}

// CallStackAlt is one alternative branch of a split node.
type CallStackAlt struct {
	Tags     []int32          `json:"tags"`
	Children []*CallStackNode `json:"children,omitempty"`
}

// reportBuilder walks the consolidated tree once, assigning a dense
// callStackId to every node in traversal order and resolving each access
// site's label against the image table via symbolizer.
type reportBuilder struct {
	images          []trace.Image
	nextID          int64
	bootstrapRounds int
	nextRand        func(n int) int
}

func newReportBuilder(images []trace.Image, bootstrapRounds int, nextRand func(n int) int) *reportBuilder {
	return &reportBuilder{images: images, bootstrapRounds: bootstrapRounds, nextRand: nextRand}
}

func (b *reportBuilder) allocID() int64 {
	id := b.nextID
	b.nextID++

	return id
}

// build walks node under the given enclosing partition (nil at the root)
// and returns its reported form plus, for bookkeeping during the walk,
// nothing further — children are attached recursively.
func (b *reportBuilder) build(node *callNode, part partition) *CallStackNode {
	out := &CallStackNode{CallStackID: b.allocID(), Kind: "sequence"}

	for _, c := range node.children {
		out.Children = append(out.Children, b.buildChild(c, part))
	}

	return out
}

func (b *reportBuilder) buildChild(c *child, part partition) *CallStackNode {
	switch c.kind {
	case childCall:
		n := &CallStackNode{
			CallStackID: b.allocID(),
			Kind:        "call",
			Label:       b.symbolizeCall(c.call),
			Tags:        sortedTags(c.tags),
		}
		sub := b.build(c.subtree, part)
		n.Children = sub.Children

		return n

	case childAccess:
		entry := b.statEntry(c, part)

		n := &CallStackNode{
			CallStackID: b.allocID(),
			Kind:        "access",
			Label:       b.symbolizeAccess(c.access),
			Tags:        sortedTags(c.tags),
		}
		if entry != nil {
			n.LeakageEntries = []LeakageEntry{*entry}
		}

		return n

	case childBranch:
		return &CallStackNode{
			CallStackID: b.allocID(),
			Kind:        "branch",
			Label:       b.symbolizeBranch(c.branch),
			Tags:        sortedTags(c.tags),
		}

	default:
		return b.buildSplit(c, part)
	}
}

func (b *reportBuilder) buildSplit(c *child, part partition) *CallStackNode {
	n := &CallStackNode{
		CallStackID: b.allocID(),
		Kind:        "split",
		Tags:        sortedTags(c.tags),
	}

	childPart := extendPartition(part, c.split.alternatives)

	for _, alt := range c.split.alternatives {
		altNode := &CallStackAlt{Tags: sortedTags(alt.tags)}

		sub := b.build(alt.seq, childPart)
		altNode.Children = sub.Children

		n.Alternatives = append(n.Alternatives, altNode)
	}

	if entry := b.branchSplitEntry(c.split); entry != nil {
		n.LeakageEntries = []LeakageEntry{*entry}
	}

	return n
}

// branchSplitEntry reports the leakage inherent in the split itself when
// every alternative's first step is a branch outcome: the chosen
// alternative perfectly identifies which branch target a testcase took,
// so this scores the divergence directly from the alternatives' tag
// sets rather than from any histogram.
func (b *reportBuilder) branchSplitEntry(s *splitNode) *LeakageEntry {
	if len(s.alternatives) == 0 {
		return nil
	}

	var label string

	samples := make([]accessSample, 0)

	for altIdx, alt := range s.alternatives {
		if len(alt.seq.children) == 0 || alt.seq.children[0].kind != childBranch {
			return nil
		}

		if label == "" {
			label = b.symbolizeBranch(alt.seq.children[0].branch)
		}

		for id := range alt.tags {
			samples = append(samples, accessSample{testcaseID: id, target: uint64(altIdx)}) //nolint:gosec // alternative count is small
		}
	}

	stat := computeStat(samples, nil, 0, nil)
	if stat.testcaseCount < 2 {
		return nil
	}

	return &LeakageEntry{
		Site:               label,
		Kind:               "branch",
		MutualInformation:  stat.mutualInformation,
		GuessingEntropy:    stat.guessingEntropy,
		MinGuessingEntropy: stat.minGuessingEntropy,
		Score:              stat.score,
		ScoreStdev:         stat.scoreStdev,
		TestcaseCount:      stat.testcaseCount,
		Severity:           classify(stat.score).String(),
	}
}

// extendPartition returns a new partition mapping every testcase tagged
// by any alternative to that alternative's index, overriding any
// outer-split mapping (the nearest enclosing split wins).
func extendPartition(outer partition, alts []*alternative) partition {
	p := make(partition, len(outer))
	for k, v := range outer {
		p[k] = v
	}

	for i, alt := range alts {
		for id := range alt.tags {
			p[id] = int32(i) //nolint:gosec // alternative counts are small
		}
	}

	return p
}

func (b *reportBuilder) statEntry(c *child, part partition) *LeakageEntry {
	samples := c.histogram.samples
	if len(samples) == 0 {
		return nil
	}

	stat := computeStat(samples, part, b.bootstrapRounds, b.nextRand)
	if stat.testcaseCount < 2 {
		return nil
	}

	return &LeakageEntry{
		Site:               b.symbolizeAccess(c.access),
		Kind:               accessKindName(c.access.kind),
		MutualInformation:  stat.mutualInformation,
		GuessingEntropy:    stat.guessingEntropy,
		MinGuessingEntropy: stat.minGuessingEntropy,
		Score:              stat.score,
		ScoreStdev:         stat.scoreStdev,
		TestcaseCount:      stat.testcaseCount,
		Severity:           classify(stat.score).String(),
	}
}

func accessKindName(k accessKind) string {
	switch k {
	case accessImageRead:
		return "image-read"
	case accessImageWrite:
		return "image-write"
	case accessHeapRead:
		return "heap-read"
	case accessHeapWrite:
		return "heap-write"
	case accessStackRead:
		return "stack-read"
	case accessStackWrite:
		return "stack-write"
	default:
		return "unknown"
	}
}

func (b *reportBuilder) symbolizeCall(k callKey) string {
	return fmt.Sprintf("%s -> %s", b.site(k.callerImg, k.callerOff), b.site(k.calleeImg, k.calleeOff))
}

func (b *reportBuilder) symbolizeBranch(k branchKey) string {
	return fmt.Sprintf("%s -> %s", b.site(k.srcImg, k.srcOff), b.site(k.dstImg, k.dstOff))
}

func (b *reportBuilder) symbolizeAccess(k accessKey) string {
	return fmt.Sprintf("%s [%s]", b.site(k.instrImg, k.instrOff), accessKindName(k.kind))
}

func (b *reportBuilder) site(imgID int32, off uint32) string {
	for _, img := range b.images {
		if img.ID == imgID {
			return fmt.Sprintf("%s+%#x", img.Name, off)
		}
	}

	return fmt.Sprintf("img%d+%#x", imgID, off)
}

func sortedTags(tags map[int32]struct{}) []int32 {
	out := make([]int32, 0, len(tags))
	for id := range tags {
		out = append(out, id)
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	return out
}

// toJSON renders the root node as call-stacks.json.
func toJSON(root *CallStackNode) ([]byte, error) {
	buf, err := json.MarshalIndent(root, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("leakage: marshal report: %w", err)
	}

	return buf, nil
}

// toText renders the root node as call-stacks.txt: one indented block per
// node, with a go-pretty table listing leakage entries wherever present.
func toText(root *CallStackNode) string {
	var sb strings.Builder

	writeNode(&sb, root, 0)

	return sb.String()
}

func writeNode(sb *strings.Builder, n *CallStackNode, depth int) {
	indent := strings.Repeat("  ", depth)

	if n.Label != "" {
		fmt.Fprintf(sb, "%s#%d %s %s\n", indent, n.CallStackID, n.Kind, n.Label)
	} else if n.Kind != "sequence" {
		fmt.Fprintf(sb, "%s#%d %s\n", indent, n.CallStackID, n.Kind)
	}

	if len(n.LeakageEntries) > 0 {
		sb.WriteString(renderLeakageTable(indent, n.LeakageEntries))
	}

	for _, c := range n.Children {
		writeNode(sb, c, depth+1)
	}

	for i, alt := range n.Alternatives {
		fmt.Fprintf(sb, "%s  alt %d tags=%v\n", indent, i, alt.Tags)

		for _, c := range alt.Children {
			writeNode(sb, c, depth+2)
		}
	}
}

func renderLeakageTable(indent string, entries []LeakageEntry) string {
	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleLight)
	tbl.Style().Options.SeparateRows = false
	tbl.Style().Options.SeparateColumns = false
	tbl.Style().Options.DrawBorder = false
	tbl.Style().Options.SeparateHeader = false

	tbl.AppendHeader(table.Row{"kind", "score", "stdev", "n", "severity"})

	for _, e := range entries {
		tbl.AppendRow(table.Row{e.Kind, fmt.Sprintf("%.1f", e.Score), fmt.Sprintf("%.1f", e.ScoreStdev), e.TestcaseCount, e.Severity})
	}

	rendered := tbl.Render()

	var sb strings.Builder

	for _, line := range strings.Split(rendered, "\n") {
		sb.WriteString(indent)
		sb.WriteString("  ")
		sb.WriteString(line)
		sb.WriteString("\n")
	}

	return sb.String()
}
