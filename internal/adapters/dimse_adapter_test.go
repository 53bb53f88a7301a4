package adapters

import (
	"context"
	"iter"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/otcheredev/ris-dimse-node/internal/models"
	"github.com/otcheredev/ris-dimse-node/internal/scp"
	"github.com/otcheredev/ris-dimse-node/pkg/dimse"
	"github.com/rs/zerolog"
)

// indexSource serves fixed records regardless of the query
type indexSource struct {
	studies   []models.Study
	instances []models.Instance
}

func (s *indexSource) Patients(context.Context, models.QueryParams) iter.Seq2[models.Patient, error] {
	return records([]models.Patient{{PatientID: "P1", PatientName: "DOE^JANE", NumberOfStudies: len(s.studies)}})
}

func (s *indexSource) Studies(context.Context, models.QueryParams) iter.Seq2[models.Study, error] {
	return records(s.studies)
}

func (s *indexSource) Series(context.Context, models.QueryParams) iter.Seq2[models.Series, error] {
	return records[models.Series](nil)
}

func (s *indexSource) Instances(context.Context, models.QueryParams) iter.Seq2[models.Instance, error] {
	return records(s.instances)
}

func records[T any](items []T) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for _, item := range items {
			if !yield(item, nil) {
				return
			}
		}
	}
}

func startNode(t *testing.T, source scp.Source) models.RemoteNode {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	dispatcher := dimse.NewDispatcher()
	dispatcher.Register(dimse.VerificationSOPClass, dimse.VerificationService{})
	scp.NewFindService(source, zerolog.Nop()).Register(dispatcher)
	server := dimse.NewServer(dimse.AssociationConfig{CalledAET: "REMOTE_PACS"}, dispatcher,
		dimse.WithServerLogger(zerolog.Nop()))

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- server.Serve(ctx, listener) }()
	t.Cleanup(func() {
		cancel()
		<-served
	})

	return models.RemoteNode{
		ID:       uuid.New(),
		TenantID: uuid.New(),
		Name:     "remote",
		Host:     "127.0.0.1",
		Port:     listener.Addr().(*net.TCPAddr).Port,
		AETitle:  "REMOTE_PACS",
	}
}

func testOptions() Options {
	return Options{
		CallingAETitle: "RIS_SCU",
		PoolSize:       2,
		PoolIdleTime:   time.Minute,
		Logger:         zerolog.Nop(),
	}
}

func TestDIMSEAdapterTestConnection(t *testing.T) {
	node := startNode(t, &indexSource{})
	adapter, err := NewDIMSEAdapter(node, testOptions())
	if err != nil {
		t.Fatalf("NewDIMSEAdapter failed: %v", err)
	}
	defer adapter.Close()

	status, err := adapter.TestConnection(context.Background())
	if err != nil {
		t.Fatalf("TestConnection failed: %v", err)
	}
	if !status.IsConnected {
		t.Error("Expected IsConnected")
	}
	if len(status.Capabilities) == 0 {
		t.Error("Expected capabilities to be reported")
	}
	if stats := adapter.Stats(); stats.IdleAssociations != 1 {
		t.Errorf("Expected the association back in the pool, got %+v", stats)
	}
}

func TestDIMSEAdapterTestConnectionFailure(t *testing.T) {
	node := startNode(t, &indexSource{})
	node.AETitle = "WRONG_AE"

	adapter, err := NewDIMSEAdapter(node, testOptions())
	if err != nil {
		t.Fatalf("NewDIMSEAdapter failed: %v", err)
	}
	defer adapter.Close()

	status, err := adapter.TestConnection(context.Background())
	if err == nil {
		t.Fatal("Expected C-ECHO against a wrong called AE title to fail")
	}
	if status.IsConnected || status.ErrorMessage == "" {
		t.Errorf("status = %+v", status)
	}
}

func TestDIMSEAdapterFind(t *testing.T) {
	source := &indexSource{
		studies: []models.Study{
			{StudyInstanceUID: "1.2.1", PatientID: "P1", StudyDate: "20240101", NumberOfSeries: 3, ModalitiesInStudy: []string{"CT", "PT"}},
			{StudyInstanceUID: "1.2.2", PatientID: "P1", StudyDate: "20240102"},
			{StudyInstanceUID: "1.2.3", PatientID: "P1", StudyDate: "20240103"},
		},
		instances: []models.Instance{
			{SOPInstanceUID: "1.2.1.1.1", SeriesInstanceUID: "1.2.1.1", StudyInstanceUID: "1.2.1", InstanceNumber: 1, Rows: 256},
		},
	}
	adapter, err := NewDIMSEAdapter(startNode(t, source), testOptions())
	if err != nil {
		t.Fatalf("NewDIMSEAdapter failed: %v", err)
	}
	defer adapter.Close()
	ctx := context.Background()

	studies, err := adapter.FindStudies(ctx, models.QueryParams{PatientID: "P1"})
	if err != nil {
		t.Fatalf("FindStudies failed: %v", err)
	}
	if len(studies) != 3 {
		t.Fatalf("Expected 3 studies, got %d", len(studies))
	}
	first := studies[0]
	if first.StudyInstanceUID != "1.2.1" || first.NumberOfSeries != 3 {
		t.Errorf("first study = %+v", first)
	}
	if len(first.ModalitiesInStudy) != 2 || first.ModalitiesInStudy[1] != "PT" {
		t.Errorf("ModalitiesInStudy = %v", first.ModalitiesInStudy)
	}

	patients, err := adapter.FindPatients(ctx, models.QueryParams{PatientID: "P1"})
	if err != nil {
		t.Fatalf("FindPatients failed: %v", err)
	}
	if len(patients) != 1 || patients[0].NumberOfStudies != 3 {
		t.Errorf("patients = %+v", patients)
	}

	instances, err := adapter.FindInstances(ctx, models.QueryParams{StudyInstanceUID: "1.2.1", SeriesInstanceUID: "1.2.1.1"})
	if err != nil {
		t.Fatalf("FindInstances failed: %v", err)
	}
	if len(instances) != 1 || instances[0].Rows != 256 {
		t.Errorf("instances = %+v", instances)
	}

	series, err := adapter.FindSeries(ctx, models.QueryParams{StudyInstanceUID: "1.2.1"})
	if err != nil {
		t.Fatalf("FindSeries failed: %v", err)
	}
	if len(series) != 0 {
		t.Errorf("Expected no series, got %d", len(series))
	}
}

func TestDIMSEAdapterFindLimit(t *testing.T) {
	var studies []models.Study
	for i := range 50 {
		studies = append(studies, models.Study{StudyInstanceUID: "1.2." + string(rune('A'+i%26)), PatientID: "P1"})
	}
	adapter, err := NewDIMSEAdapter(startNode(t, &indexSource{studies: studies}), testOptions())
	if err != nil {
		t.Fatalf("NewDIMSEAdapter failed: %v", err)
	}
	defer adapter.Close()

	got, err := adapter.FindStudies(context.Background(), models.QueryParams{Limit: 5})
	if err != nil {
		t.Fatalf("FindStudies failed: %v", err)
	}
	if len(got) != 5 {
		t.Errorf("Expected 5 studies, got %d", len(got))
	}

	// the association survives a cancelled query
	if _, err := adapter.TestConnection(context.Background()); err != nil {
		t.Errorf("TestConnection after cancelled query failed: %v", err)
	}
}

func TestAdapterFactory(t *testing.T) {
	node := startNode(t, &indexSource{})
	factory := NewAdapterFactory(testOptions())
	defer factory.CloseAll()

	first, err := factory.GetAdapter(node)
	if err != nil {
		t.Fatalf("GetAdapter failed: %v", err)
	}
	again, err := factory.GetAdapter(node)
	if err != nil {
		t.Fatalf("GetAdapter failed: %v", err)
	}
	if first != again {
		t.Error("Expected the cached adapter")
	}

	node.CallingAETitle = "OTHER_SCU"
	replaced, err := factory.GetAdapter(node)
	if err != nil {
		t.Fatalf("GetAdapter failed: %v", err)
	}
	if replaced == first {
		t.Error("Expected a new adapter after the node's addressing changed")
	}

	if len(factory.Stats()) != 1 {
		t.Errorf("Stats = %v, want one adapter", factory.Stats())
	}
	if err := factory.RemoveAdapter(node.ID); err != nil {
		t.Fatalf("RemoveAdapter failed: %v", err)
	}
	if len(factory.Stats()) != 0 {
		t.Error("Expected no adapters after RemoveAdapter")
	}

	if _, err := factory.GetAdapter(models.RemoteNode{ID: uuid.New()}); err == nil {
		t.Error("Expected an error for a node without address")
	}
}
