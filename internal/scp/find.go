package scp

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/otcheredev/ris-dimse-node/internal/models"
	"github.com/otcheredev/ris-dimse-node/pkg/dimse"
	"github.com/rs/zerolog"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// FindService answers C-FIND requests on the Patient Root and Study Root
// information models from a Source.
type FindService struct {
	source Source
	logger zerolog.Logger
}

// NewFindService creates a C-FIND handler backed by source
func NewFindService(source Source, logger zerolog.Logger) *FindService {
	return &FindService{
		source: source,
		logger: logger.With().Str("component", "find-scp").Logger(),
	}
}

// Register binds the service to both FIND information models
func (s *FindService) Register(d *dimse.Dispatcher) {
	d.Register(dimse.PatientRootQueryRetrieveFind, s)
	d.Register(dimse.StudyRootQueryRetrieveFind, s)
}

// Commands implements dimse.Handler
func (s *FindService) Commands() []dimse.CommandField {
	return []dimse.CommandField{dimse.CFindRQ}
}

// OnRequest implements dimse.Handler
func (s *FindService) OnRequest(as *dimse.Association, pc *dimse.PresentationContext, req *dimse.Message) (dimse.Operation, error) {
	identifier := req.Data
	if identifier == nil {
		return nil, dimse.NewStatusError(dimse.StatusIdentifierDoesNotMatch, "missing identifier")
	}

	level, err := queryLevel(identifier, pc.AbstractSyntax)
	if err != nil {
		return nil, err
	}
	params := QueryParams(identifier, level)

	s.logger.Info().
		Str("calling_ae", as.RemoteAETitle()).
		Str("level", level).
		Uint16("message_id", req.MessageID).
		Msg("C-FIND request")

	return dimse.OperationFunc(func(ctx context.Context) iter.Seq2[*dicom.Dataset, error] {
		switch level {
		case models.LevelPatient:
			return respond(s.source.Patients(ctx, params), patientAttributes, identifier, level)
		case models.LevelStudy:
			return respond(s.source.Studies(ctx, params), studyAttributes, identifier, level)
		case models.LevelSeries:
			return respond(s.source.Series(ctx, params), seriesAttributes, identifier, level)
		default:
			return respond(s.source.Instances(ctx, params), instanceAttributes, identifier, level)
		}
	}), nil
}

func respond[T any](records iter.Seq2[T, error], attrs func(T) attributes, identifier *dicom.Dataset, level string) iter.Seq2[*dicom.Dataset, error] {
	return func(yield func(*dicom.Dataset, error) bool) {
		for record, err := range records {
			if err != nil {
				yield(nil, dimse.NewStatusError(dimse.StatusUnableToProcess, err.Error()))
				return
			}
			ds, err := attrs(record).response(identifier, level)
			if err != nil {
				yield(nil, fmt.Errorf("failed to build response identifier: %w", err))
				return
			}
			if !yield(ds, nil) {
				return
			}
		}
	}
}

func queryLevel(identifier *dicom.Dataset, model string) (string, error) {
	if !dimse.HasTag(identifier, tag.QueryRetrieveLevel) {
		return "", dimse.NewStatusError(dimse.StatusIdentifierDoesNotMatch, "missing query/retrieve level")
	}

	level := strings.ToUpper(dimse.GetString(identifier, tag.QueryRetrieveLevel))
	switch level {
	case models.LevelStudy, models.LevelSeries, models.LevelImage:
		return level, nil
	case models.LevelPatient:
		if model == dimse.StudyRootQueryRetrieveFind {
			return "", dimse.NewStatusError(dimse.StatusIdentifierDoesNotMatch, "PATIENT level is not part of the Study Root model")
		}
		return level, nil
	default:
		return "", dimse.NewStatusError(dimse.StatusIdentifierDoesNotMatch, fmt.Sprintf("invalid query/retrieve level %q", level))
	}
}

// QueryParams extracts the matching keys of a C-FIND identifier
func QueryParams(identifier *dicom.Dataset, level string) models.QueryParams {
	return models.QueryParams{
		Level:             level,
		PatientID:         dimse.GetString(identifier, tag.PatientID),
		PatientName:       dimse.GetString(identifier, tag.PatientName),
		PatientBirthDate:  dimse.GetString(identifier, tag.PatientBirthDate),
		StudyInstanceUID:  dimse.GetString(identifier, tag.StudyInstanceUID),
		StudyDate:         dimse.GetString(identifier, tag.StudyDate),
		StudyTime:         dimse.GetString(identifier, tag.StudyTime),
		AccessionNumber:   dimse.GetString(identifier, tag.AccessionNumber),
		Modality:          firstNonEmpty(dimse.GetString(identifier, tag.ModalitiesInStudy), dimse.GetString(identifier, tag.Modality)),
		StudyDescription:  dimse.GetString(identifier, tag.StudyDescription),
		SeriesInstanceUID: dimse.GetString(identifier, tag.SeriesInstanceUID),
		SOPInstanceUID:    dimse.GetString(identifier, tag.SOPInstanceUID),
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
