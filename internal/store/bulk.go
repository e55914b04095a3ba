package store

import (
	"fmt"
	"sort"
)

// BulkTarget is one folder in a multi-item move or delete request.
type BulkTarget struct {
	ID   string
	Path string
}

// BulkError records one item's failure inside a batch.
type BulkError struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// BulkResult reports a batch's outcome per item. One item failing never
// aborts the rest.
type BulkResult struct {
	Succeeded []string    `json:"succeeded"`
	Failed    []BulkError `json:"failed"`
}

// PlanBulkDelete orders delete targets deepest-first and separates out
// targets that are path-descendants of another target: deleting the ancestor
// cascades over them, so issuing their delete would be redundant. The caller
// reports an implicit target as deleted only when its covering ancestor's
// delete went through.
//
// Pure function over the path set; no store state is consulted or mutated.
func PlanBulkDelete(targets []BulkTarget) (explicit, implicit []BulkTarget) {
	ordered := make([]BulkTarget, len(targets))
	copy(ordered, targets)
	sort.SliceStable(ordered, func(i, j int) bool {
		return len(ordered[i].Path) > len(ordered[j].Path)
	})

	for _, t := range ordered {
		covered := false
		for _, other := range targets {
			if other.ID != t.ID && isDescendantPath(t.Path, other.Path) {
				covered = true
				break
			}
		}
		if covered {
			implicit = append(implicit, t)
		} else {
			explicit = append(explicit, t)
		}
	}
	return explicit, implicit
}

// PlanBulkMove orders move targets shallowest-first and drops targets that
// are path-descendants of another target (they move implicitly with their
// ancestor). The whole batch is rejected if any target equals or is a
// path-ancestor of the destination, which would create a cycle.
func PlanBulkMove(targets []BulkTarget, destPath string) (explicit, implicit []BulkTarget, err error) {
	if destPath != "" {
		for _, t := range targets {
			if t.Path == destPath || isDescendantPath(destPath, t.Path) {
				return nil, nil, fmt.Errorf("destination inside moved subtree %q: %w", t.Path, ErrInvalidOperation)
			}
		}
	}

	ordered := make([]BulkTarget, len(targets))
	copy(ordered, targets)
	sort.SliceStable(ordered, func(i, j int) bool {
		return len(ordered[i].Path) < len(ordered[j].Path)
	})

	for _, t := range ordered {
		covered := false
		for _, other := range targets {
			if other.ID != t.ID && isDescendantPath(t.Path, other.Path) {
				covered = true
				break
			}
		}
		if covered {
			implicit = append(implicit, t)
		} else {
			explicit = append(explicit, t)
		}
	}
	return explicit, implicit, nil
}

// settleImplicit distributes implicit targets into the result: succeeded
// when some ancestor in coveredBy actually carried them, failed otherwise.
func settleImplicit(result *BulkResult, implicit []BulkTarget, coveredBy []string, reason string) {
	for _, t := range implicit {
		carried := false
		for _, p := range coveredBy {
			if isDescendantPath(t.Path, p) {
				carried = true
				break
			}
		}
		if carried {
			result.Succeeded = append(result.Succeeded, t.ID)
		} else {
			result.Failed = append(result.Failed, BulkError{ID: t.ID, Error: reason})
		}
	}
}

// BulkDeleteFolders deletes a set of folders, cascading per folder and
// skipping targets already covered by an ancestor in the same batch.
// Items are processed sequentially so the path ordering holds throughout.
func (s *Store) BulkDeleteFolders(userID string, folderIDs []string) BulkResult {
	var result BulkResult

	targets, failed := s.resolveTargets(userID, folderIDs)
	result.Failed = failed

	explicit, implicit := PlanBulkDelete(targets)
	var deletedPaths []string
	for _, t := range explicit {
		if err := s.DeleteFolder(t.ID, userID); err != nil {
			result.Failed = append(result.Failed, BulkError{ID: t.ID, Error: err.Error()})
			continue
		}
		result.Succeeded = append(result.Succeeded, t.ID)
		deletedPaths = append(deletedPaths, t.Path)
	}
	// An implicit target only went away if an ancestor's cascade did.
	settleImplicit(&result, implicit, deletedPaths, "covering ancestor was not deleted")
	return result
}

// BulkMoveFolders moves a set of folders under targetParentID (root when
// empty). Rejects the whole batch when any target contains the destination.
func (s *Store) BulkMoveFolders(userID string, folderIDs []string, targetParentID string) (BulkResult, error) {
	var result BulkResult

	destPath := ""
	if targetParentID != "" {
		dest, err := s.GetFolder(targetParentID, userID)
		if err != nil {
			return result, err
		}
		destPath = dest.Path
	}

	targets, failed := s.resolveTargets(userID, folderIDs)
	result.Failed = failed

	explicit, implicit, err := PlanBulkMove(targets, destPath)
	if err != nil {
		return result, err
	}
	var movedPaths []string
	for _, t := range explicit {
		if _, err := s.MoveFolder(t.ID, userID, targetParentID); err != nil {
			result.Failed = append(result.Failed, BulkError{ID: t.ID, Error: err.Error()})
			continue
		}
		result.Succeeded = append(result.Succeeded, t.ID)
		movedPaths = append(movedPaths, t.Path)
	}
	// An implicit target only traveled if its covering ancestor moved.
	settleImplicit(&result, implicit, movedPaths, "covering ancestor was not moved")
	return result, nil
}

// resolveTargets snapshots (id, path) pairs for the batch, recording lookup
// failures without aborting.
func (s *Store) resolveTargets(userID string, folderIDs []string) ([]BulkTarget, []BulkError) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var targets []BulkTarget
	var failed []BulkError
	seen := make(map[string]struct{}, len(folderIDs))
	for _, id := range folderIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		f, err := s.folderLocked(id, userID)
		if err != nil {
			failed = append(failed, BulkError{ID: id, Error: err.Error()})
			continue
		}
		targets = append(targets, BulkTarget{ID: f.ID, Path: f.Path})
	}
	return targets, failed
}
