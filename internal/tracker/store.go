package tracker

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Store persists the tracked-request set of a project as an opaque
// blob. The tracker does not know or care about the storage format
// behind this interface.
type Store interface {
	// Load returns the blob for a project key, or nil if absent.
	Load(projectKey string) ([]byte, error)
	// Save overwrites the blob for a project key.
	Save(projectKey string, blob []byte) error
	// Delete removes the blob for a project key.
	Delete(projectKey string) error
}

// projectBlob is the serialized form of one project's tracking state.
type projectBlob struct {
	Requests []*Request   `json:"requests"`
	Stats    ProjectStats `json:"stats"`
	SavedAt  time.Time    `json:"saved_at"`
}

func encodeProject(requests []*Request, now time.Time) ([]byte, error) {
	blob := projectBlob{
		Requests: requests,
		Stats:    ComputeStats(requests),
		SavedAt:  now,
	}
	data, err := json.Marshal(blob)
	if err != nil {
		return nil, fmt.Errorf("encode project: %w", err)
	}
	return data, nil
}

func decodeProject(data []byte) ([]*Request, error) {
	var blob projectBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, fmt.Errorf("decode project: %w", err)
	}
	return blob.Requests, nil
}

// topAssignorCount bounds the leaderboard in project stats.
const topAssignorCount = 5

// ComputeStats derives project aggregates from the full record set.
// Always recomputed whole so rounding errors never compound across
// saves.
func ComputeStats(requests []*Request) ProjectStats {
	var stats ProjectStats
	stats.TotalRequests = len(requests)
	if len(requests) == 0 {
		return stats
	}

	byAssignor := make(map[string]int)
	var approvalTotal time.Duration
	var approvalCount int
	for _, r := range requests {
		stats.TotalReviews += r.TotalReviews
		stats.TotalFollowups += r.TotalFollowups
		if r.Assignment.Username != "" {
			byAssignor[r.Assignment.Username]++
		}
		if r.ApprovedAt != nil {
			approvalTotal += r.ApprovedAt.Sub(r.CreatedAt)
			approvalCount++
		}
	}

	stats.AvgReviewsPerRequest = float64(stats.TotalReviews+stats.TotalFollowups) / float64(len(requests))
	if approvalCount > 0 {
		stats.AvgTimeToApprovalMs = (approvalTotal / time.Duration(approvalCount)).Milliseconds()
	}

	for username, count := range byAssignor {
		stats.TopAssignors = append(stats.TopAssignors, AssignorCount{Username: username, Count: count})
	}
	sort.Slice(stats.TopAssignors, func(i, j int) bool {
		if stats.TopAssignors[i].Count != stats.TopAssignors[j].Count {
			return stats.TopAssignors[i].Count > stats.TopAssignors[j].Count
		}
		return stats.TopAssignors[i].Username < stats.TopAssignors[j].Username
	})
	if len(stats.TopAssignors) > topAssignorCount {
		stats.TopAssignors = stats.TopAssignors[:topAssignorCount]
	}
	return stats
}
