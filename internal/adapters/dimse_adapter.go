package adapters

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/otcheredev/ris-dimse-node/internal/models"
	"github.com/otcheredev/ris-dimse-node/pkg/dimse"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// DIMSE timeouts
const (
	TimeoutCEcho = 10 * time.Second
	TimeoutCFind = 120 * time.Second // can return many results
)

// Count attributes returned by the query/retrieve information models
var (
	numberOfPatientRelatedStudies  = tag.Tag{Group: 0x0020, Element: 0x1200}
	numberOfStudyRelatedSeries     = tag.Tag{Group: 0x0020, Element: 0x1206}
	numberOfStudyRelatedInstances  = tag.Tag{Group: 0x0020, Element: 0x1208}
	numberOfSeriesRelatedInstances = tag.Tag{Group: 0x0020, Element: 0x1209}
)

// Options configures the associations an adapter opens
type Options struct {
	// CallingAETitle is used when the node does not set its own
	CallingAETitle string
	MaxPDULength   uint32
	PoolSize       int
	PoolIdleTime   time.Duration
	Observer       dimse.Observer
	Logger         zerolog.Logger
}

// DIMSEAdapter implements NodeAdapter over pooled associations
type DIMSEAdapter struct {
	BaseAdapter
	pool   *dimse.ConnectionPool
	logger zerolog.Logger
}

// NewDIMSEAdapter creates a new DIMSE adapter
func NewDIMSEAdapter(node models.RemoteNode, opts Options) (*DIMSEAdapter, error) {
	if node.AETitle == "" {
		return nil, fmt.Errorf("AE Title (Called AE) is required for DIMSE connection")
	}
	if node.Host == "" {
		return nil, fmt.Errorf("host is required for DIMSE connection")
	}
	if node.Port == 0 {
		return nil, fmt.Errorf("port is required for DIMSE connection")
	}

	callingAE := node.CallingAETitle
	if callingAE == "" {
		callingAE = opts.CallingAETitle
	}

	logger := opts.Logger.With().
		Str("node_id", node.ID.String()).
		Str("host", node.Host).
		Int("port", node.Port).
		Str("called_ae", node.AETitle).
		Logger()

	pool := dimse.NewConnectionPool(dimse.PoolConfig{
		AssociationConfig: dimse.AssociationConfig{
			Host:         node.Host,
			Port:         node.Port,
			CallingAET:   callingAE,
			CalledAET:    node.AETitle,
			Timeout:      TimeoutCEcho,
			MaxPDULength: opts.MaxPDULength,
			Observer:     opts.Observer,
			Logger:       &logger,
		},
		MaxPoolSize: opts.PoolSize,
		MaxIdleTime: opts.PoolIdleTime,
	})

	logger.Info().
		Str("calling_ae", callingAE).
		Str("tenant_id", node.TenantID.String()).
		Msg("Created DIMSE adapter")

	return &DIMSEAdapter{
		BaseAdapter: BaseAdapter{node: node},
		pool:        pool,
		logger:      logger,
	}, nil
}

func (d *DIMSEAdapter) Capabilities() []string {
	return []string{"C-ECHO", "C-FIND"}
}

// Stats reports the adapter's association pool
func (d *DIMSEAdapter) Stats() dimse.PoolStats {
	return d.pool.Stats()
}

// withAssociation runs fn on a pooled association and returns it afterwards
func (d *DIMSEAdapter) withAssociation(ctx context.Context, fn func(*dimse.Association) error) error {
	assoc, err := d.pool.Get(ctx)
	if err != nil {
		return err
	}
	defer d.pool.Put(assoc)
	return fn(assoc)
}

// TestConnection tests the node using C-ECHO
func (d *DIMSEAdapter) TestConnection(ctx context.Context) (*models.ConnectionStatus, error) {
	start := time.Now()
	status := &models.ConnectionStatus{
		LastChecked: start,
		IsConnected: false,
	}

	d.logger.Debug().Msg("Testing DIMSE connection with C-ECHO")

	ctx, cancel := context.WithTimeout(ctx, TimeoutCEcho)
	defer cancel()
	err := d.withAssociation(ctx, func(assoc *dimse.Association) error {
		return assoc.CEcho(ctx)
	})

	status.ResponseTime = time.Since(start).Milliseconds()

	if err != nil {
		status.ErrorMessage = fmt.Sprintf("C-ECHO failed: %v", err)
		d.logger.Warn().
			Err(err).
			Int64("response_time_ms", status.ResponseTime).
			Msg("DIMSE C-ECHO failed")
		return status, err
	}

	status.IsConnected = true
	status.Capabilities = d.Capabilities()

	d.logger.Info().
		Int64("response_time_ms", status.ResponseTime).
		Msg("DIMSE C-ECHO successful")

	return status, nil
}

// FindPatients queries for patients using C-FIND at PATIENT level on the Patient Root model
func (d *DIMSEAdapter) FindPatients(ctx context.Context, params models.QueryParams) ([]models.Patient, error) {
	identifier, err := dimse.NewDataset(map[tag.Tag]string{
		tag.QueryRetrieveLevel:        models.LevelPatient,
		tag.PatientID:                 params.PatientID,
		tag.PatientName:               params.PatientName,
		tag.PatientBirthDate:          params.PatientBirthDate,
		tag.PatientSex:                "",
		numberOfPatientRelatedStudies: "",
	})
	if err != nil {
		return nil, err
	}
	return find(ctx, d, dimse.PatientRootQueryRetrieveFind, identifier, params.Limit, toPatient)
}

// FindStudies queries for studies using C-FIND at STUDY level
func (d *DIMSEAdapter) FindStudies(ctx context.Context, params models.QueryParams) ([]models.Study, error) {
	// Empty values are return keys (universal match)
	identifier, err := dimse.NewDataset(map[tag.Tag]string{
		tag.QueryRetrieveLevel:        models.LevelStudy,
		tag.PatientID:                 params.PatientID,
		tag.PatientName:               params.PatientName,
		tag.PatientBirthDate:          params.PatientBirthDate,
		tag.PatientSex:                "",
		tag.StudyInstanceUID:          params.StudyInstanceUID,
		tag.StudyDate:                 params.StudyDate,
		tag.StudyTime:                 params.StudyTime,
		tag.AccessionNumber:           params.AccessionNumber,
		tag.ModalitiesInStudy:         params.Modality,
		tag.StudyDescription:          params.StudyDescription,
		tag.ReferringPhysicianName:    "",
		numberOfStudyRelatedSeries:    "",
		numberOfStudyRelatedInstances: "",
	})
	if err != nil {
		return nil, err
	}
	return find(ctx, d, dimse.StudyRootQueryRetrieveFind, identifier, params.Limit, toStudy)
}

// FindSeries queries for series using C-FIND at SERIES level
func (d *DIMSEAdapter) FindSeries(ctx context.Context, params models.QueryParams) ([]models.Series, error) {
	identifier, err := dimse.NewDataset(map[tag.Tag]string{
		tag.QueryRetrieveLevel:         models.LevelSeries,
		tag.StudyInstanceUID:           params.StudyInstanceUID,
		tag.SeriesInstanceUID:          params.SeriesInstanceUID,
		tag.Modality:                   params.Modality,
		tag.SeriesNumber:               "",
		tag.SeriesDescription:          "",
		tag.SeriesDate:                 "",
		tag.SeriesTime:                 "",
		tag.BodyPartExamined:           "",
		numberOfSeriesRelatedInstances: "",
	})
	if err != nil {
		return nil, err
	}
	return find(ctx, d, dimse.StudyRootQueryRetrieveFind, identifier, params.Limit, toSeries)
}

// FindInstances queries for instances using C-FIND at IMAGE level
func (d *DIMSEAdapter) FindInstances(ctx context.Context, params models.QueryParams) ([]models.Instance, error) {
	identifier, err := dimse.NewDataset(map[tag.Tag]string{
		tag.QueryRetrieveLevel: models.LevelImage,
		tag.StudyInstanceUID:   params.StudyInstanceUID,
		tag.SeriesInstanceUID:  params.SeriesInstanceUID,
		tag.SOPInstanceUID:     params.SOPInstanceUID,
		tag.SOPClassUID:        "",
		tag.InstanceNumber:     "",
		tag.Rows:               "",
		tag.Columns:            "",
		tag.NumberOfFrames:     "",
	})
	if err != nil {
		return nil, err
	}
	return find(ctx, d, dimse.StudyRootQueryRetrieveFind, identifier, params.Limit, toInstance)
}

// errLimitReached stops a C-FIND once enough results arrived
var errLimitReached = errors.New("result limit reached")

// find runs one C-FIND and converts every pending result. With limit > 0
// the query is cancelled once limit results have arrived.
func find[T any](ctx context.Context, d *DIMSEAdapter, model string, identifier *dicom.Dataset, limit int, convert func(*dicom.Dataset) T) ([]T, error) {
	level := dimse.GetString(identifier, tag.QueryRetrieveLevel)
	d.logger.Debug().Str("level", level).Msg("Executing C-FIND")

	ctx, cancel := context.WithTimeout(ctx, TimeoutCFind)
	defer cancel()
	queryCtx, stop := context.WithCancelCause(ctx)
	defer stop(nil)

	results := make([]T, 0)
	start := time.Now()
	var status dimse.Status
	err := d.withAssociation(ctx, func(assoc *dimse.Association) error {
		var err error
		status, err = assoc.CFindStream(queryCtx, dimse.CFindRequest{
			SOPClassUID: model,
			Identifier:  identifier,
			Timeout:     TimeoutCFind,
		}, func(ds *dicom.Dataset) {
			if limit > 0 && len(results) >= limit {
				return
			}
			results = append(results, convert(ds))
			if limit > 0 && len(results) == limit {
				stop(errLimitReached)
			}
		})
		return err
	})
	duration := time.Since(start)

	if err != nil && !(status == dimse.StatusCancel && errors.Is(context.Cause(queryCtx), errLimitReached)) {
		d.logger.Error().
			Err(err).
			Str("level", level).
			Str("status", status.String()).
			Dur("duration", duration).
			Msg("C-FIND failed")
		return nil, fmt.Errorf("C-FIND failed: %w", err)
	}

	d.logger.Info().
		Int("num_results", len(results)).
		Str("level", level).
		Str("status", status.String()).
		Dur("duration", duration).
		Msg("C-FIND completed successfully")

	return results, nil
}

// Close releases the adapter's pooled associations
func (d *DIMSEAdapter) Close() error {
	d.logger.Debug().Msg("Closing DIMSE adapter")
	return d.pool.Close()
}

// Helper functions to convert response identifiers to models

func toPatient(ds *dicom.Dataset) models.Patient {
	return models.Patient{
		PatientID:        dimse.GetString(ds, tag.PatientID),
		PatientName:      dimse.GetString(ds, tag.PatientName),
		PatientBirthDate: dimse.GetString(ds, tag.PatientBirthDate),
		PatientSex:       dimse.GetString(ds, tag.PatientSex),
		NumberOfStudies:  getIntValue(ds, numberOfPatientRelatedStudies),
	}
}

func toStudy(ds *dicom.Dataset) models.Study {
	return models.Study{
		StudyInstanceUID:   dimse.GetString(ds, tag.StudyInstanceUID),
		PatientID:          dimse.GetString(ds, tag.PatientID),
		PatientName:        dimse.GetString(ds, tag.PatientName),
		PatientBirthDate:   dimse.GetString(ds, tag.PatientBirthDate),
		PatientSex:         dimse.GetString(ds, tag.PatientSex),
		StudyDate:          dimse.GetString(ds, tag.StudyDate),
		StudyTime:          dimse.GetString(ds, tag.StudyTime),
		StudyDescription:   dimse.GetString(ds, tag.StudyDescription),
		AccessionNumber:    dimse.GetString(ds, tag.AccessionNumber),
		ReferringPhysician: dimse.GetString(ds, tag.ReferringPhysicianName),
		NumberOfSeries:     getIntValue(ds, numberOfStudyRelatedSeries),
		NumberOfInstances:  getIntValue(ds, numberOfStudyRelatedInstances),
		ModalitiesInStudy:  splitValues(dimse.GetString(ds, tag.ModalitiesInStudy)),
	}
}

func toSeries(ds *dicom.Dataset) models.Series {
	return models.Series{
		SeriesInstanceUID: dimse.GetString(ds, tag.SeriesInstanceUID),
		StudyInstanceUID:  dimse.GetString(ds, tag.StudyInstanceUID),
		SeriesNumber:      getIntValue(ds, tag.SeriesNumber),
		Modality:          dimse.GetString(ds, tag.Modality),
		SeriesDescription: dimse.GetString(ds, tag.SeriesDescription),
		SeriesDate:        dimse.GetString(ds, tag.SeriesDate),
		SeriesTime:        dimse.GetString(ds, tag.SeriesTime),
		BodyPartExamined:  dimse.GetString(ds, tag.BodyPartExamined),
		NumberOfInstances: getIntValue(ds, numberOfSeriesRelatedInstances),
	}
}

func toInstance(ds *dicom.Dataset) models.Instance {
	return models.Instance{
		SOPInstanceUID:    dimse.GetString(ds, tag.SOPInstanceUID),
		SOPClassUID:       dimse.GetString(ds, tag.SOPClassUID),
		StudyInstanceUID:  dimse.GetString(ds, tag.StudyInstanceUID),
		SeriesInstanceUID: dimse.GetString(ds, tag.SeriesInstanceUID),
		InstanceNumber:    getIntValue(ds, tag.InstanceNumber),
		Rows:              getIntValue(ds, tag.Rows),
		Columns:           getIntValue(ds, tag.Columns),
		NumberOfFrames:    getIntValue(ds, tag.NumberOfFrames),
	}
}

func getIntValue(ds *dicom.Dataset, t tag.Tag) int {
	str := dimse.GetString(ds, t)
	if str == "" {
		return 0
	}
	// IS values may carry a sign or padding
	val, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(str, "+")))
	if err != nil {
		log.Debug().Str("tag", t.String()).Str("value", str).Msg("Ignoring non-integer value")
		return 0
	}
	return val
}

// splitValues splits a multi-valued element on the DICOM separator
func splitValues(str string) []string {
	if str == "" {
		return nil
	}
	var values []string
	for _, v := range strings.Split(str, `\`) {
		if v = strings.TrimSpace(v); v != "" {
			values = append(values, v)
		}
	}
	return values
}
