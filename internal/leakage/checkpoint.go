package leakage

import (
	"errors"
	"os"

	"github.com/Sumatoshi-tech/sidetrace/internal/trace"
	"github.com/Sumatoshi-tech/sidetrace/pkg/alg/mapx"
	"github.com/Sumatoshi-tech/sidetrace/pkg/persist"
)

const checkpointBasename = "call-tree-checkpoint"

// checkpointRoot is the gob-serializable mirror of callNode. gob only
// encodes exported fields, so the tree's working representation (built
// for fast merge/lookup, not for serialization) is converted to and from
// this shape around a checkpoint save/load rather than exported directly.
type checkpointRoot struct {
	Children []checkpointChild
	Images   []trace.Image
}

type checkpointChild struct {
	Kind   childKind
	Tags   []int32
	Call   callKey
	Subtre []checkpointChild
	Access accessKey
	Histo  []accessSample
	Branch branchKey
	Split  []checkpointAlternative
}

type checkpointAlternative struct {
	Tags []int32
	Seq  []checkpointChild
}

func toCheckpointChildren(children []*child) []checkpointChild {
	out := make([]checkpointChild, len(children))

	for i, c := range children {
		cc := checkpointChild{
			Kind:   c.kind,
			Tags:   tagSlice(c.tags),
			Call:   c.call,
			Access: c.access,
			Branch: c.branch,
		}

		if c.subtree != nil {
			cc.Subtre = toCheckpointChildren(c.subtree.children)
		}

		if c.histogram != nil {
			cc.Histo = append([]accessSample(nil), c.histogram.samples...)
		}

		if c.split != nil {
			cc.Split = make([]checkpointAlternative, len(c.split.alternatives))
			for j, a := range c.split.alternatives {
				cc.Split[j] = checkpointAlternative{Tags: tagSlice(a.tags), Seq: toCheckpointChildren(a.seq.children)}
			}
		}

		out[i] = cc
	}

	return out
}

func fromCheckpointChildren(children []checkpointChild) []*child {
	out := make([]*child, len(children))

	for i, cc := range children {
		c := &child{
			kind:   cc.Kind,
			tags:   tagSet(cc.Tags),
			call:   cc.Call,
			access: cc.Access,
			branch: cc.Branch,
		}

		if cc.Subtre != nil {
			c.subtree = &callNode{children: fromCheckpointChildren(cc.Subtre)}
		}

		if cc.Histo != nil {
			c.histogram = &accessHistogram{samples: append([]accessSample(nil), cc.Histo...)}
		}

		if cc.Split != nil {
			alternatives := make([]*alternative, len(cc.Split))
			for j, a := range cc.Split {
				alternatives[j] = &alternative{tags: tagSet(a.Tags), seq: &callNode{children: fromCheckpointChildren(a.Seq)}}
			}

			c.split = &splitNode{alternatives: alternatives}
		}

		out[i] = c
	}

	return out
}

// tagSlice orders tags deterministically so a checkpoint's gob encoding
// does not depend on map iteration order from one save to the next.
func tagSlice(tags map[int32]struct{}) []int32 {
	return mapx.SortedKeys(tags)
}

func tagSet(ids []int32) map[int32]struct{} {
	out := make(map[int32]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}

	return out
}

// saveCheckpoint snapshots the consolidated call tree to dir using the gob
// codec. It is called from Finish once the run's traces are all merged,
// so a later invocation pointed at the same checkpoint directory can pick
// up where this one left off.
func (a *Analyzer) saveCheckpoint(dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}

	state := checkpointRoot{Children: toCheckpointChildren(a.root.children), Images: a.images}
	persister := persist.NewPersister[checkpointRoot](checkpointBasename, persist.NewGobCodec())

	return persister.Save(dir, func() *checkpointRoot { return &state })
}

// loadCheckpoint restores a previously saved call tree from dir, merging
// it in as the Analyzer's starting state. A missing checkpoint file is
// not an error: the first run against a given checkpoint directory has
// nothing to resume from.
func (a *Analyzer) loadCheckpoint(dir string) error {
	persister := persist.NewPersister[checkpointRoot](checkpointBasename, persist.NewGobCodec())

	var loadErr error

	err := persister.Load(dir, func(state *checkpointRoot) {
		a.root = &callNode{children: fromCheckpointChildren(state.Children)}
		a.images = state.Images
	})

	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}

		loadErr = err
	}

	return loadErr
}
