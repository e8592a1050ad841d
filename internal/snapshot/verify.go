package snapshot

import (
	"context"
	"fmt"

	"rewind/internal/blobstore"
)

// VerifyResult reports the outcome of an integrity walk.
type VerifyResult struct {
	Checkpoints  int      `json:"checkpoints"`
	TreesChecked int      `json:"trees_checked"`
	BlobsChecked int      `json:"blobs_checked"`
	Problems     []string `json:"problems,omitempty"`
}

// OK reports whether the walk found no problems.
func (r *VerifyResult) OK() bool {
	return len(r.Problems) == 0
}

// Verify walks every checkpoint of a session and checks that its snapshot is
// intact: the tree document parses, every referenced blob exists, HEAD points
// at a known node and active-child edges reference actual children. With
// deep, each blob is read back and re-hashed against its key.
func (s *Service) Verify(ctx context.Context, sessionID string, deep bool) (*VerifyResult, error) {
	timeline, err := s.graph.Timeline(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{Checkpoints: len(timeline.Nodes)}
	nodes := make(map[string]bool, len(timeline.Nodes))
	children := make(map[string]map[string]bool)
	for _, node := range timeline.Nodes {
		nodes[node.ID] = true
		if node.ParentID != "" {
			if children[node.ParentID] == nil {
				children[node.ParentID] = make(map[string]bool)
			}
			children[node.ParentID][node.ID] = true
		}
	}

	if timeline.HeadID != "" && !nodes[timeline.HeadID] {
		result.Problems = append(result.Problems,
			fmt.Sprintf("HEAD %s does not exist in session %s", timeline.HeadID, sessionID))
	}

	checkedTrees := make(map[string]bool)
	for _, node := range timeline.Nodes {
		if node.ParentID != "" && !nodes[node.ParentID] {
			result.Problems = append(result.Problems,
				fmt.Sprintf("checkpoint %s references missing parent %s", node.ID, node.ParentID))
		}
		if node.ActiveChildID != "" && !children[node.ID][node.ActiveChildID] {
			result.Problems = append(result.Problems,
				fmt.Sprintf("checkpoint %s active child %s is not a child", node.ID, node.ActiveChildID))
		}

		switch {
		case node.TreeHash != "":
			if checkedTrees[node.TreeHash] {
				continue
			}
			checkedTrees[node.TreeHash] = true
			result.TreesChecked++

			mapping, err := s.trees.Read(ctx, node.TreeHash)
			if err != nil {
				result.Problems = append(result.Problems,
					fmt.Sprintf("checkpoint %s: %v", node.ID, err))
				continue
			}
			for path, hash := range mapping {
				result.BlobsChecked++
				if !deep {
					if !s.blobs.Exists(hash) {
						result.Problems = append(result.Problems,
							fmt.Sprintf("tree %s: missing blob %s for %s", node.TreeHash, hash, path))
					}
					continue
				}
				content, err := s.blobs.Get(ctx, hash)
				if err != nil {
					result.Problems = append(result.Problems,
						fmt.Sprintf("tree %s: blob %s for %s: %v", node.TreeHash, hash, path, err))
					continue
				}
				if blobstore.Hash(content) != hash {
					result.Problems = append(result.Problems,
						fmt.Sprintf("blob %s content does not match its hash", hash))
				}
			}

		case node.HasInline:
			payload, err := s.db.GetInlineFiles(node.ID)
			if err != nil {
				result.Problems = append(result.Problems,
					fmt.Sprintf("checkpoint %s: %v", node.ID, err))
				continue
			}
			if _, err := s.decodeInline(payload); err != nil {
				result.Problems = append(result.Problems,
					fmt.Sprintf("checkpoint %s: %v", node.ID, err))
			}
		}
	}

	return result, nil
}
