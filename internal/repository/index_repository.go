package repository

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"strings"

	"github.com/otcheredev/ris-dimse-node/internal/database"
	"github.com/otcheredev/ris-dimse-node/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// IndexRepository serves the local study index that answers inbound C-FIND
// requests. Results are streamed row by row so a cancelled query stops
// reading from the database.
type IndexRepository struct{}

// NewIndexRepository creates a new index repository
func NewIndexRepository() *IndexRepository {
	return &IndexRepository{}
}

// SaveStudy inserts or replaces a study record
func (r *IndexRepository) SaveStudy(ctx context.Context, study *models.Study) error {
	if err := upsert(ctx, study); err != nil {
		return fmt.Errorf("failed to index study: %w", err)
	}
	return nil
}

// SaveSeries inserts or replaces a series record
func (r *IndexRepository) SaveSeries(ctx context.Context, series *models.Series) error {
	if err := upsert(ctx, series); err != nil {
		return fmt.Errorf("failed to index series: %w", err)
	}
	return nil
}

// SaveInstance inserts or replaces an instance record
func (r *IndexRepository) SaveInstance(ctx context.Context, instance *models.Instance) error {
	if err := upsert(ctx, instance); err != nil {
		return fmt.Errorf("failed to index instance: %w", err)
	}
	return nil
}

func upsert(ctx context.Context, record any) error {
	return database.DB.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(record).Error
}

// Patients streams patients grouped from the indexed studies
func (r *IndexRepository) Patients(ctx context.Context, q models.QueryParams) iter.Seq2[models.Patient, error] {
	return stream[models.Patient](ctx, func(db *gorm.DB) *gorm.DB {
		db = db.Model(&models.Study{}).
			Select("patient_id, MAX(patient_name) AS patient_name, MAX(patient_birth_date) AS patient_birth_date, " +
				"MAX(patient_sex) AS patient_sex, COUNT(*) AS number_of_studies").
			Group("patient_id").
			Order("patient_id")
		return where(db,
			matchCondition("patient_id", q.PatientID, matchText),
			matchCondition("patient_name", q.PatientName, matchText),
			matchCondition("patient_birth_date", q.PatientBirthDate, matchDate),
		)
	}, q)
}

// Studies streams studies matching the query keys
func (r *IndexRepository) Studies(ctx context.Context, q models.QueryParams) iter.Seq2[models.Study, error] {
	return stream[models.Study](ctx, func(db *gorm.DB) *gorm.DB {
		db = db.Model(&models.Study{}).Order("study_date DESC, study_instance_uid")
		return where(db,
			matchCondition("patient_id", q.PatientID, matchText),
			matchCondition("patient_name", q.PatientName, matchText),
			matchCondition("patient_birth_date", q.PatientBirthDate, matchDate),
			matchCondition("study_instance_uid", q.StudyInstanceUID, matchUID),
			matchCondition("study_date", q.StudyDate, matchDate),
			matchCondition("study_time", q.StudyTime, matchDate),
			matchCondition("accession_number", q.AccessionNumber, matchText),
			matchCondition("study_description", q.StudyDescription, matchText),
			modalityCondition(q.Modality),
		)
	}, q)
}

// Series streams series matching the query keys
func (r *IndexRepository) Series(ctx context.Context, q models.QueryParams) iter.Seq2[models.Series, error] {
	return stream[models.Series](ctx, func(db *gorm.DB) *gorm.DB {
		db = db.Model(&models.Series{}).Order("study_instance_uid, series_number")
		return where(db,
			matchCondition("study_instance_uid", q.StudyInstanceUID, matchUID),
			matchCondition("series_instance_uid", q.SeriesInstanceUID, matchUID),
			matchCondition("modality", q.Modality, matchText),
		)
	}, q)
}

// Instances streams instances matching the query keys
func (r *IndexRepository) Instances(ctx context.Context, q models.QueryParams) iter.Seq2[models.Instance, error] {
	return stream[models.Instance](ctx, func(db *gorm.DB) *gorm.DB {
		db = db.Model(&models.Instance{}).Order("series_instance_uid, instance_number")
		return where(db,
			matchCondition("study_instance_uid", q.StudyInstanceUID, matchUID),
			matchCondition("series_instance_uid", q.SeriesInstanceUID, matchUID),
			matchCondition("sop_instance_uid", q.SOPInstanceUID, matchUID),
		)
	}, q)
}

func stream[T any](ctx context.Context, build func(*gorm.DB) *gorm.DB, q models.QueryParams) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		if database.DB == nil {
			yield(zero, database.ErrNotConnected)
			return
		}

		db := build(database.DB.WithContext(ctx))
		if q.Limit > 0 {
			db = db.Limit(q.Limit)
		}
		if q.Offset > 0 {
			db = db.Offset(q.Offset)
		}

		rows, err := db.Rows()
		if err != nil {
			yield(zero, fmt.Errorf("failed to query index: %w", err))
			return
		}
		defer closeRows(rows)

		for rows.Next() {
			var item T
			if err := database.DB.ScanRows(rows, &item); err != nil {
				yield(zero, fmt.Errorf("failed to scan index row: %w", err))
				return
			}
			if !yield(item, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(zero, fmt.Errorf("failed to read index rows: %w", err))
		}
	}
}

func closeRows(rows *sql.Rows) {
	_ = rows.Close()
}

type matchKind int

const (
	matchText matchKind = iota
	matchDate
	matchUID
)

// condition is a single SQL predicate; an empty clause matches everything
type condition struct {
	clause string
	args   []any
}

func where(db *gorm.DB, conds ...condition) *gorm.DB {
	for _, c := range conds {
		if c.clause != "" {
			db = db.Where(c.clause, c.args...)
		}
	}
	return db
}

// matchCondition translates a C-FIND matching key into a predicate on column.
// Empty and "*" are universal matches. Text keys support * and ? wildcards,
// date keys support ranges with open ends and UID keys support lists.
func matchCondition(column, value string, kind matchKind) condition {
	value = strings.TrimSpace(value)
	if value == "" || value == "*" {
		return condition{}
	}

	switch kind {
	case matchUID:
		if strings.Contains(value, `\`) {
			return condition{clause: column + " IN ?", args: []any{strings.Split(value, `\`)}}
		}
	case matchDate:
		if from, to, ok := strings.Cut(value, "-"); ok {
			switch {
			case from != "" && to != "":
				return condition{clause: column + " BETWEEN ? AND ?", args: []any{from, to}}
			case from != "":
				return condition{clause: column + " >= ?", args: []any{from}}
			case to != "":
				return condition{clause: column + " <= ?", args: []any{to}}
			}
			return condition{}
		}
	case matchText:
		if strings.ContainsAny(value, "*?") {
			return condition{clause: column + ` LIKE ? ESCAPE '\'`, args: []any{likePattern(value)}}
		}
	}
	return condition{clause: column + " = ?", args: []any{value}}
}

// modalityCondition matches against the JSON encoded ModalitiesInStudy list
func modalityCondition(modality string) condition {
	modality = strings.TrimSpace(modality)
	if modality == "" || strings.ContainsAny(modality, "*?") {
		return condition{}
	}
	var clauses []string
	var args []any
	for _, m := range strings.Split(modality, `\`) {
		clauses = append(clauses, `modalities_in_study LIKE ? ESCAPE '\'`)
		args = append(args, `%"`+escapeLike(m)+`"%`)
	}
	return condition{clause: "(" + strings.Join(clauses, " OR ") + ")", args: args}
}

func likePattern(value string) string {
	var b strings.Builder
	for _, r := range escapeLike(value) {
		switch r {
		case '*':
			b.WriteByte('%')
		case '?':
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func escapeLike(value string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(value)
}
