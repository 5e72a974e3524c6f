package plan

import (
	"fmt"

	"github.com/planweave/planweave/pkg/models"
)

// AnchorPosition places a task relative to an anchor task.
type AnchorPosition string

const (
	// AnchorFirstChild inserts as the anchor's (or parent's) first child.
	AnchorFirstChild AnchorPosition = "first_child"
	// AnchorLastChild inserts as the anchor's (or parent's) last child.
	AnchorLastChild AnchorPosition = "last_child"
	// AnchorBefore inserts as a sibling directly before the anchor.
	AnchorBefore AnchorPosition = "before"
	// AnchorAfter inserts as a sibling directly after the anchor.
	AnchorAfter AnchorPosition = "after"
)

// ParseAnchorPosition validates an anchor position string. Empty means
// the default placement (last child).
func ParseAnchorPosition(value string) (AnchorPosition, error) {
	switch AnchorPosition(value) {
	case "", AnchorLastChild:
		return AnchorLastChild, nil
	case AnchorFirstChild, AnchorBefore, AnchorAfter:
		return AnchorPosition(value), nil
	default:
		return "", fmt.Errorf("unknown anchor position %q", value)
	}
}

// placement is a resolved insertion point: the parent to insert under
// and the ordinal among its children.
type placement struct {
	parentID *int64
	index    int
	warnings []string
}

// resolvePlacement computes where a node lands. Precedence: explicit
// position, then anchor, then append as last child of parentID.
//
// Anchor semantics: before/after place the node as a sibling of the
// anchor (the anchor's parent must match parentID when both are
// given); first_child/last_child treat the anchor itself as the
// parent. Indexes are relative to the sibling list with the node
// itself excluded, so moves within one group land exactly adjacent to
// the anchor. selfID is 0 for inserts.
func resolvePlacement(tree *models.PlanTree, parentID *int64, anchorID *int64, anchorPos AnchorPosition, position *int, selfID int64) (placement, error) {
	p := placement{parentID: parentID}
	if anchorPos == "" {
		anchorPos = AnchorLastChild
	}
	if anchorID != nil && selfID != 0 && *anchorID == selfID {
		return p, &InvalidAnchorError{AnchorID: *anchorID, Position: anchorPos,
			Reason: "task cannot be its own anchor"}
	}

	if position != nil {
		if anchorID != nil {
			p.warnings = append(p.warnings,
				fmt.Sprintf("explicit position %d takes precedence over anchor %d", *position, *anchorID))
		}
		p.index = clamp(*position, 0, siblingCount(tree, parentID, selfID))
		return p, nil
	}

	if anchorID != nil {
		anchor := tree.Get(*anchorID)
		if anchor == nil {
			return p, &InvalidAnchorError{AnchorID: *anchorID, Position: anchorPos,
				Reason: "anchor task does not exist in this plan"}
		}
		switch anchorPos {
		case AnchorBefore, AnchorAfter:
			if parentID != nil && !sameParent(parentID, anchor.ParentID) {
				return p, &InvalidAnchorError{AnchorID: *anchorID, Position: anchorPos,
					Reason: fmt.Sprintf("anchor is not a child of parent %d", *parentID)}
			}
			p.parentID = anchor.ParentID
			p.index = siblingOrdinal(tree, anchor, selfID)
			if anchorPos == AnchorAfter {
				p.index++
			}
			return p, nil
		case AnchorFirstChild:
			p.parentID = anchorID
			p.index = 0
			return p, nil
		default: // AnchorLastChild
			p.parentID = anchorID
			p.index = siblingCount(tree, anchorID, selfID)
			return p, nil
		}
	}

	if anchorPos == AnchorFirstChild {
		p.index = 0
		return p, nil
	}
	p.index = siblingCount(tree, parentID, selfID)
	return p, nil
}

// siblingOrdinal returns the anchor's ordinal among its siblings with
// selfID skipped, matching the list insertions index into.
func siblingOrdinal(tree *models.PlanTree, anchor *models.PlanNode, selfID int64) int {
	ordinal := 0
	for _, s := range childrenOf(tree, anchor.ParentID) {
		if s.ID == selfID {
			continue
		}
		if s.ID == anchor.ID {
			return ordinal
		}
		ordinal++
	}
	return ordinal
}

// siblingCount counts children under a parent excluding selfID.
func siblingCount(tree *models.PlanTree, parentID *int64, selfID int64) int {
	n := 0
	for _, s := range childrenOf(tree, parentID) {
		if s.ID != selfID {
			n++
		}
	}
	return n
}

// childrenOf returns the ordered children under a nullable parent,
// roots when parentID is nil.
func childrenOf(tree *models.PlanTree, parentID *int64) []*models.PlanNode {
	if parentID == nil {
		return tree.Roots()
	}
	return tree.Children(*parentID)
}

func sameParent(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
