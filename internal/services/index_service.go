package services

import (
	"context"
	"fmt"

	"github.com/otcheredev/ris-dimse-node/internal/models"
)

// IndexStore persists the local study index
type IndexStore interface {
	SaveStudy(ctx context.Context, study *models.Study) error
	SaveSeries(ctx context.Context, series *models.Series) error
	SaveInstance(ctx context.Context, instance *models.Instance) error
}

// IndexService maintains the records the C-FIND SCP answers from
type IndexService struct {
	store IndexStore
}

// NewIndexService creates a new index service
func NewIndexService(store IndexStore) *IndexService {
	return &IndexService{store: store}
}

// IndexStudy validates and stores a study
func (s *IndexService) IndexStudy(ctx context.Context, study *models.Study) error {
	if study.StudyInstanceUID == "" {
		return fmt.Errorf("%w: study instance UID is required", ErrInvalidRequest)
	}
	if study.PatientID == "" {
		return fmt.Errorf("%w: patient ID is required", ErrInvalidRequest)
	}
	return s.store.SaveStudy(ctx, study)
}

// IndexSeries validates and stores a series
func (s *IndexService) IndexSeries(ctx context.Context, series *models.Series) error {
	if series.SeriesInstanceUID == "" || series.StudyInstanceUID == "" {
		return fmt.Errorf("%w: series and study instance UIDs are required", ErrInvalidRequest)
	}
	return s.store.SaveSeries(ctx, series)
}

// IndexInstance validates and stores an instance
func (s *IndexService) IndexInstance(ctx context.Context, instance *models.Instance) error {
	if instance.SOPInstanceUID == "" || instance.SeriesInstanceUID == "" || instance.StudyInstanceUID == "" {
		return fmt.Errorf("%w: SOP, series and study instance UIDs are required", ErrInvalidRequest)
	}
	return s.store.SaveInstance(ctx, instance)
}
