package scp

import (
	"context"
	"iter"

	"github.com/otcheredev/ris-dimse-node/internal/models"
)

// Source streams the records that answer a query. Implementations should
// stop producing once ctx is done.
type Source interface {
	Patients(ctx context.Context, q models.QueryParams) iter.Seq2[models.Patient, error]
	Studies(ctx context.Context, q models.QueryParams) iter.Seq2[models.Study, error]
	Series(ctx context.Context, q models.QueryParams) iter.Seq2[models.Series, error]
	Instances(ctx context.Context, q models.QueryParams) iter.Seq2[models.Instance, error]
}
