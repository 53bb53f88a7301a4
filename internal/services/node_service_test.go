package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/otcheredev/ris-dimse-node/internal/adapters"
	"github.com/otcheredev/ris-dimse-node/internal/cache"
	"github.com/otcheredev/ris-dimse-node/internal/models"
	"github.com/otcheredev/ris-dimse-node/internal/repository"
	"github.com/otcheredev/ris-dimse-node/pkg/dimse"
)

type fakeNodes struct {
	mu     sync.Mutex
	nodes  map[uuid.UUID]models.RemoteNode
	status map[uuid.UUID]models.ConnectionStatus
}

func newFakeNodes() *fakeNodes {
	return &fakeNodes{
		nodes:  make(map[uuid.UUID]models.RemoteNode),
		status: make(map[uuid.UUID]models.ConnectionStatus),
	}
}

func (f *fakeNodes) Create(_ context.Context, node *models.RemoteNode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if node.ID == uuid.Nil {
		node.ID = uuid.New()
	}
	f.nodes[node.ID] = *node
	return nil
}

func (f *fakeNodes) GetByID(_ context.Context, tenantID, id uuid.UUID) (*models.RemoteNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	node, ok := f.nodes[id]
	if !ok || node.TenantID != tenantID {
		return nil, repository.ErrNotFound
	}
	return &node, nil
}

func (f *fakeNodes) GetByTenantID(_ context.Context, tenantID uuid.UUID) ([]models.RemoteNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.RemoteNode
	for _, n := range f.nodes {
		if n.TenantID == tenantID {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeNodes) Delete(_ context.Context, tenantID, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	node, ok := f.nodes[id]
	if !ok || node.TenantID != tenantID {
		return repository.ErrNotFound
	}
	delete(f.nodes, id)
	return nil
}

func (f *fakeNodes) UpdateConnectionStatus(_ context.Context, id uuid.UUID, status *models.ConnectionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[id] = *status
	return nil
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []models.AuditLog
}

func (f *fakeAudit) Create(_ context.Context, entry *models.AuditLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, *entry)
	return nil
}

func (f *fakeAudit) List(_ context.Context, filter models.AuditFilter) ([]models.AuditLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.AuditLog
	for _, e := range f.entries {
		if e.TenantID == filter.TenantID && (filter.Action == "" || e.Action == filter.Action) {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeAdapter struct {
	mu      sync.Mutex
	calls   int
	studies []models.Study
	err     error
	echoErr error
	closed  bool
}

func (a *fakeAdapter) FindPatients(context.Context, models.QueryParams) ([]models.Patient, error) {
	return nil, a.err
}

func (a *fakeAdapter) FindStudies(context.Context, models.QueryParams) ([]models.Study, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.err != nil {
		return nil, a.err
	}
	return a.studies, nil
}

func (a *fakeAdapter) FindSeries(context.Context, models.QueryParams) ([]models.Series, error) {
	return nil, a.err
}

func (a *fakeAdapter) FindInstances(context.Context, models.QueryParams) ([]models.Instance, error) {
	return nil, a.err
}

func (a *fakeAdapter) TestConnection(context.Context) (*models.ConnectionStatus, error) {
	status := &models.ConnectionStatus{LastChecked: time.Now(), ResponseTime: 3}
	if a.echoErr != nil {
		status.ErrorMessage = a.echoErr.Error()
		return status, a.echoErr
	}
	status.IsConnected = true
	return status, nil
}

func (a *fakeAdapter) Stats() dimse.PoolStats { return dimse.PoolStats{} }

func (a *fakeAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

func (a *fakeAdapter) Capabilities() []string { return []string{"C-ECHO", "C-FIND"} }

type fakeProvider struct {
	adapter *fakeAdapter
	removed []uuid.UUID
}

func (p *fakeProvider) GetAdapter(models.RemoteNode) (adapters.NodeAdapter, error) {
	return p.adapter, nil
}

func (p *fakeProvider) NewTransient(models.RemoteNode) (adapters.NodeAdapter, error) {
	return p.adapter, nil
}

func (p *fakeProvider) RemoveAdapter(id uuid.UUID) error {
	p.removed = append(p.removed, id)
	return nil
}

type fixture struct {
	service  *NodeService
	nodes    *fakeNodes
	audit    *fakeAudit
	adapter  *fakeAdapter
	provider *fakeProvider
	cache    *cache.MemoryCache
	tenantID uuid.UUID
	node     *models.RemoteNode
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		nodes:    newFakeNodes(),
		audit:    &fakeAudit{},
		adapter:  &fakeAdapter{studies: []models.Study{{StudyInstanceUID: "1.2.3", PatientID: "P1"}}},
		cache:    cache.NewMemoryCache(),
		tenantID: uuid.New(),
	}
	t.Cleanup(func() { _ = f.cache.Close() })
	f.provider = &fakeProvider{adapter: f.adapter}
	f.service = NewNodeService(f.nodes, f.audit, f.provider, f.cache, time.Minute)

	node, err := f.service.CreateNode(context.Background(), f.tenantID, &models.NodeRequest{
		Name:    "archive",
		Host:    "pacs.local",
		Port:    104,
		AETitle: "ARCHIVE",
	})
	if err != nil {
		t.Fatalf("CreateNode failed: %v", err)
	}
	f.node = node
	return f
}

func TestCreateNodeValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.CreateNode(context.Background(), f.tenantID, &models.NodeRequest{
		Name:    "bad",
		Host:    "pacs.local",
		Port:    104,
		AETitle: "AN_AE_TITLE_THAT_IS_TOO_LONG",
	})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("Expected ErrInvalidRequest, got %v", err)
	}
}

func TestGetNodeOtherTenant(t *testing.T) {
	f := newFixture(t)

	if _, err := f.service.GetNode(context.Background(), uuid.New(), f.node.ID); !errors.Is(err, ErrNodeNotFound) {
		t.Errorf("Expected ErrNodeNotFound, got %v", err)
	}
}

func TestEchoNodeRecordsStatus(t *testing.T) {
	f := newFixture(t)
	f.adapter.echoErr = errors.New("connection refused")

	status, err := f.service.EchoNode(context.Background(), f.tenantID, f.node.ID, Caller{IPAddress: "10.0.0.1"})
	if err != nil {
		t.Fatalf("EchoNode failed: %v", err)
	}
	if status.IsConnected {
		t.Error("Expected a failed echo")
	}
	if stored := f.nodes.status[f.node.ID]; stored.ErrorMessage == "" {
		t.Errorf("stored status = %+v", stored)
	}
	if len(f.audit.entries) != 1 || f.audit.entries[0].Status != "failure" || f.audit.entries[0].Action != models.ActionEcho {
		t.Errorf("audit entries = %+v", f.audit.entries)
	}
}

func TestFindStudiesUsesCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	params := models.QueryParams{PatientID: "P1"}

	for range 2 {
		studies, err := f.service.FindStudies(ctx, f.tenantID, f.node.ID, params, Caller{})
		if err != nil {
			t.Fatalf("FindStudies failed: %v", err)
		}
		if len(studies) != 1 || studies[0].StudyInstanceUID != "1.2.3" {
			t.Errorf("studies = %+v", studies)
		}
	}

	if f.adapter.calls != 1 {
		t.Errorf("adapter called %d times, want 1", f.adapter.calls)
	}
	if len(f.audit.entries) != 1 {
		t.Fatalf("Expected one audited node round trip, got %d", len(f.audit.entries))
	}
	entry := f.audit.entries[0]
	if entry.Level != models.LevelStudy || entry.Results != 1 || entry.Status != "success" {
		t.Errorf("audit entry = %+v", entry)
	}
}

func TestFindStudiesFailureAudited(t *testing.T) {
	f := newFixture(t)
	f.adapter.err = dimse.NewStatusError(dimse.StatusIdentifierDoesNotMatch, "bad identifier")

	_, err := f.service.FindStudies(context.Background(), f.tenantID, f.node.ID, models.QueryParams{}, Caller{})
	if err == nil {
		t.Fatal("Expected an error")
	}
	if dimse.StatusOf(err, 0) != dimse.StatusIdentifierDoesNotMatch {
		t.Errorf("status lost in %v", err)
	}

	entry := f.audit.entries[0]
	if entry.DIMSEStatus != uint16(dimse.StatusIdentifierDoesNotMatch) || entry.Status != "failure" {
		t.Errorf("audit entry = %+v", entry)
	}
	if f.cache.Len() != 0 {
		t.Error("failed query should not be cached")
	}
}

func TestDeleteNode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.service.FindStudies(ctx, f.tenantID, f.node.ID, models.QueryParams{}, Caller{}); err != nil {
		t.Fatalf("FindStudies failed: %v", err)
	}
	if f.cache.Len() != 1 {
		t.Fatalf("Expected one cached query, got %d", f.cache.Len())
	}

	if err := f.service.DeleteNode(ctx, f.tenantID, f.node.ID); err != nil {
		t.Fatalf("DeleteNode failed: %v", err)
	}
	if len(f.provider.removed) != 1 || f.provider.removed[0] != f.node.ID {
		t.Errorf("removed adapters = %v", f.provider.removed)
	}
	if f.cache.Len() != 0 {
		t.Error("Expected cached results to be cleared")
	}
	if err := f.service.DeleteNode(ctx, f.tenantID, f.node.ID); !errors.Is(err, ErrNodeNotFound) {
		t.Errorf("second delete = %v, want ErrNodeNotFound", err)
	}
}

func TestTestConnectionClosesAdapter(t *testing.T) {
	f := newFixture(t)

	status, err := f.service.TestConnection(context.Background(), &models.ConnectionTestRequest{
		Host:    "pacs.local",
		Port:    104,
		AETitle: "ARCHIVE",
	})
	if err != nil {
		t.Fatalf("TestConnection failed: %v", err)
	}
	if !status.IsConnected {
		t.Error("Expected a successful echo")
	}
	if !f.adapter.closed {
		t.Error("Expected the transient adapter to be closed")
	}

	if _, err := f.service.TestConnection(context.Background(), &models.ConnectionTestRequest{Port: 104, AETitle: "X"}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("Expected ErrInvalidRequest, got %v", err)
	}
}
