package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/marmos91/auvault/internal/logger"
	"github.com/marmos91/auvault/pkg/store/content"
	"github.com/marmos91/auvault/pkg/store/metadata"
)

// IssueKind classifies a consistency problem.
type IssueKind string

const (
	IssueMissingHead     IssueKind = "missing-head"
	IssueMissingPrevious IssueKind = "missing-previous"
	IssueBadPreferred    IssueKind = "bad-preferred"
	IssueUnreachable     IssueKind = "unreachable-version"
	IssueMissingLocation IssueKind = "missing-location"
	IssueMissingSegment  IssueKind = "missing-segment"
	IssueCyclicChain     IssueKind = "cyclic-chain"
	IssueVersionsOnNode  IssueKind = "versions-on-node"
)

// Issue is one problem found by CheckConsistency.
type Issue struct {
	Kind    IssueKind
	URL     string
	Version metadata.VersionID
	Detail  string
}

func (i Issue) String() string {
	if i.Version != 0 {
		return fmt.Sprintf("%s: %s version %s: %s", i.Kind, i.URL, i.Version, i.Detail)
	}
	return fmt.Sprintf("%s: %s: %s", i.Kind, i.URL, i.Detail)
}

// ConsistencyReport is the result of CheckConsistency.
type ConsistencyReport struct {
	Nodes    int
	Files    int
	Versions int
	Issues   []Issue
}

// OK reports whether no issue was found.
func (r *ConsistencyReport) OK() bool {
	return len(r.Issues) == 0
}

func (r *ConsistencyReport) add(issue Issue) {
	r.Issues = append(r.Issues, issue)
}

// CheckConsistency walks the whole AU tree and reports version chains that
// point at missing records, explicit preferred versions that are not
// committed versions of their file, versions no chain reaches, and
// committed content whose segment file is gone.
//
// It only reads. Failures of the stores themselves abort the walk and are
// returned as errors.
func (a *AuRepository) CheckConsistency(ctx context.Context) (*ConsistencyReport, error) {
	report := &ConsistencyReport{}
	segmentSeen := make(map[string]bool)

	var visit func(n *Node) error
	visit = func(n *Node) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		report.Nodes++

		if n.IsFile() {
			report.Files++
			return a.checkFile(ctx, &File{Node: *n}, report, segmentSeen)
		}

		rec, err := n.Record(ctx)
		if err != nil {
			return err
		}
		if rec.Head != 0 || rec.PreferredSet {
			report.add(Issue{Kind: IssueVersionsOnNode, URL: n.url, Detail: "internal node carries version state"})
		}

		children, err := n.Children(ctx)
		if err != nil {
			return err
		}
		for _, child := range children {
			if err := visit(child); err != nil {
				return err
			}
		}
		return nil
	}

	if err := visit(a.root); err != nil {
		return report, err
	}

	if report.OK() {
		logger.Debug("AU %q consistent: %d nodes, %d files, %d versions",
			a.auID, report.Nodes, report.Files, report.Versions)
	} else {
		logger.Warn("AU %q: %d consistency issues", a.auID, len(report.Issues))
	}
	return report, nil
}

func (a *AuRepository) checkFile(ctx context.Context, f *File, report *ConsistencyReport, segmentSeen map[string]bool) error {
	rec, err := f.Record(ctx)
	if err != nil {
		return err
	}
	versions, err := metadata.ListVersions(ctx, a.shard.meta, f.id)
	if err != nil {
		return wrapErr("check consistency", f.url, err)
	}
	report.Versions += len(versions)

	byID := make(map[metadata.VersionID]*metadata.VersionRecord, len(versions))
	for _, v := range versions {
		byID[v.ID] = v
	}

	// Step 1: Walk the chain from the head
	reached := make(map[metadata.VersionID]bool, len(versions))
	if rec.Head != 0 {
		if _, ok := byID[rec.Head]; !ok {
			report.add(Issue{Kind: IssueMissingHead, URL: f.url, Version: rec.Head, Detail: "head version record is missing"})
		}
	}
	for id := rec.Head; id != 0; {
		if reached[id] {
			report.add(Issue{Kind: IssueCyclicChain, URL: f.url, Version: id, Detail: "chain loops back"})
			break
		}
		v, ok := byID[id]
		if !ok {
			break
		}
		reached[id] = true
		if v.Previous != 0 {
			if _, ok := byID[v.Previous]; !ok {
				report.add(Issue{Kind: IssueMissingPrevious, URL: f.url, Version: v.ID,
					Detail: fmt.Sprintf("previous version %s is missing", v.Previous)})
			}
		}
		id = v.Previous
	}

	// Step 2: Check the explicit preferred version
	if rec.PreferredSet && rec.Preferred != 0 {
		v, ok := byID[rec.Preferred]
		switch {
		case !ok:
			report.add(Issue{Kind: IssueBadPreferred, URL: f.url, Version: rec.Preferred, Detail: "preferred version is missing"})
		case !v.Locked:
			report.add(Issue{Kind: IssueBadPreferred, URL: f.url, Version: rec.Preferred, Detail: "preferred version is not committed"})
		case !reached[v.ID]:
			report.add(Issue{Kind: IssueBadPreferred, URL: f.url, Version: rec.Preferred, Detail: "preferred version is not in the chain"})
		}
	}

	// Step 3: Check every stored version
	for _, v := range versions {
		if !reached[v.ID] {
			report.add(Issue{Kind: IssueUnreachable, URL: f.url, Version: v.ID, Detail: "no chain link reaches the version"})
		}
		if !v.Locked {
			continue
		}
		if !v.Location.IsSet() {
			report.add(Issue{Kind: IssueMissingLocation, URL: f.url, Version: v.ID, Detail: "committed without a content location"})
			continue
		}
		ok, err := a.segmentExists(v.Location, segmentSeen)
		if err != nil {
			return err
		}
		if !ok {
			report.add(Issue{Kind: IssueMissingSegment, URL: f.url, Version: v.ID,
				Detail: fmt.Sprintf("segment %d of %s is missing", v.Location.Segment, v.Location.Stem)})
		}
	}
	return nil
}

func (a *AuRepository) segmentExists(loc metadata.ContentLocation, seen map[string]bool) (bool, error) {
	key := fmt.Sprintf("%s\x00%d", loc.Stem, loc.Segment)
	if ok, cached := seen[key]; cached {
		return ok, nil
	}
	_, err := a.shard.segments.SegmentPath(loc.Stem, loc.Segment)
	switch {
	case err == nil:
		seen[key] = true
	case errors.Is(err, content.ErrSegmentNotFound):
		seen[key] = false
	default:
		return false, &Error{Op: "check consistency", URL: loc.Stem, Err: errors.Join(ErrBackingStore, err)}
	}
	return seen[key], nil
}
