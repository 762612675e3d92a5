package usecase

import (
	"context"

	"github.com/glideops/flightbridge/internal/domain"
)

// StatusService answers the UI's upload-progress polling.
type StatusService struct {
	statuses domain.StatusStore
}

func NewStatusService(statuses domain.StatusStore) *StatusService {
	return &StatusService{statuses: statuses}
}

// Get returns the progress record for every requested flight. Unknown
// or expired flights come back as empty records.
func (s *StatusService) Get(ctx context.Context, flightIDs []int64) (map[int64]domain.UploadStatus, error) {
	out := make(map[int64]domain.UploadStatus, len(flightIDs))
	for _, id := range flightIDs {
		st, err := s.statuses.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out[id] = st
	}
	return out, nil
}
