package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/shsh-pilot/internal/container"
	"github.com/ashureev/shsh-pilot/internal/domain"
	"github.com/ashureev/shsh-pilot/internal/store"
	"github.com/go-chi/chi/v5"
)

type fakeManager struct {
	container.Manager

	mu       sync.Mutex
	running  map[string]bool
	ensured  []string
	stopped  chan string
	ensureFn func() (string, error)
}

func newFakeManager() *fakeManager {
	return &fakeManager{running: make(map[string]bool), stopped: make(chan string, 4)}
}

func (m *fakeManager) EnsureContainer(_ context.Context, sessionID, currentID string, _ time.Time, _ map[string]string) (string, error) {
	m.mu.Lock()
	m.ensured = append(m.ensured, sessionID+":"+currentID)
	m.mu.Unlock()
	if m.ensureFn != nil {
		return m.ensureFn()
	}
	return "ctr-" + sessionID, nil
}

func (m *fakeManager) StopContainer(_ context.Context, id string) error {
	m.stopped <- id
	return nil
}

func (m *fakeManager) IsRunning(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running[id], nil
}

type fakeCloser struct {
	mu     sync.Mutex
	closed []string
}

func (c *fakeCloser) CloseSession(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = append(c.closed, id)
}

func (c *fakeCloser) Cancel(id, _ string) error {
	c.CloseSession("cancel:" + id)
	return nil
}

type targetFixture struct {
	router chi.Router
	repo   *store.SQLiteStore
	mgr    *fakeManager
	closer *fakeCloser
}

func newTargetFixture(t *testing.T) *targetFixture {
	t.Helper()
	f := &targetFixture{router: chi.NewRouter(), repo: newTestRepo(t), mgr: newFakeManager(), closer: &fakeCloser{}}
	NewTargetHandler(f.repo, f.mgr, f.closer, f.closer, TargetOptions{}, nil).RegisterRoutes(f.router)
	return f
}

func (f *targetFixture) do(method, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

func TestBindTarget(t *testing.T) {
	f := newTargetFixture(t)

	if rec := f.do(http.MethodPut, "/api/sessions/s1/target", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if rec := f.do(http.MethodPut, "/api/sessions/s1/target", `{"containerId":"ext"}`); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}

	f.mgr.running["ext"] = true
	if rec := f.do(http.MethodPut, "/api/sessions/s1/target", `{"containerId":"ext","user":"root"}`); rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	target, err := f.repo.GetTarget(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if target.ContainerID != "ext" || target.Provisioned || target.Shell != container.DefaultShell || target.User != "root" {
		t.Fatalf("unexpected target %+v", target)
	}

	if rec := f.do(http.MethodGet, "/api/sessions/s1/target", ""); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"containerId":"ext"`) {
		t.Fatalf("GET target = %d %s", rec.Code, rec.Body)
	}
	if rec := f.do(http.MethodPost, "/api/sessions/s1/provision", ""); rec.Code != http.StatusConflict {
		t.Fatalf("provision over external binding = %d, want 409", rec.Code)
	}
}

func TestProvisionReusesContainer(t *testing.T) {
	f := newTargetFixture(t)

	for range 2 {
		if rec := f.do(http.MethodPost, "/api/sessions/s1/provision", ""); rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
		}
	}
	if got := f.mgr.ensured; len(got) != 2 || got[0] != "s1:" || got[1] != "s1:ctr-s1" {
		t.Fatalf("unexpected EnsureContainer calls %v", got)
	}
	target, err := f.repo.GetTarget(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if !target.Provisioned || target.ContainerID != "ctr-s1" {
		t.Fatalf("unexpected target %+v", target)
	}
}

func TestProvisionFailure(t *testing.T) {
	f := newTargetFixture(t)
	f.mgr.ensureFn = func() (string, error) { return "", errors.New("image missing") }

	if rec := f.do(http.MethodPost, "/api/sessions/s1/provision", ""); rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if _, err := f.repo.GetTarget(context.Background(), "s1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no target, got %v", err)
	}
}

func TestDestroyTarget(t *testing.T) {
	f := newTargetFixture(t)
	if err := f.repo.UpsertTarget(context.Background(), &domain.Target{SessionID: "s1", ContainerID: "ctr-s1", Provisioned: true}); err != nil {
		t.Fatal(err)
	}

	if rec := f.do(http.MethodDelete, "/api/sessions/s1/target", ""); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	select {
	case id := <-f.mgr.stopped:
		if id != "ctr-s1" {
			t.Fatalf("stopped %q", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("container was not stopped")
	}
	if _, err := f.repo.GetTarget(context.Background(), "s1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected binding removed, got %v", err)
	}
	f.closer.mu.Lock()
	closed := strings.Join(f.closer.closed, ",")
	f.closer.mu.Unlock()
	if closed != "s1,cancel:s1" {
		t.Fatalf("unexpected teardown order %q", closed)
	}

	if rec := f.do(http.MethodDelete, "/api/sessions/s1/target", ""); rec.Code != http.StatusOK {
		t.Fatalf("second destroy = %d, want 200", rec.Code)
	}
}

func TestDestroyExternalTargetKeepsContainer(t *testing.T) {
	f := newTargetFixture(t)
	if err := f.repo.UpsertTarget(context.Background(), &domain.Target{SessionID: "s1", ContainerID: "ext"}); err != nil {
		t.Fatal(err)
	}
	if rec := f.do(http.MethodDelete, "/api/sessions/s1/target", ""); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	select {
	case id := <-f.mgr.stopped:
		t.Fatalf("external container %q was stopped", id)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHealth(t *testing.T) {
	ok := PingerFunc(func(context.Context) error { return nil })
	down := PingerFunc(func(context.Context) error { return errors.New("down") })

	rec := httptest.NewRecorder()
	NewHealthHandler(map[string]Pinger{"database": ok}, 0, nil).Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"database":"ok"`) {
		t.Fatalf("healthy = %d %s", rec.Code, rec.Body)
	}

	rec = httptest.NewRecorder()
	NewHealthHandler(map[string]Pinger{"database": ok, "redis": down}, 0, nil).Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), `"redis":"unreachable"`) {
		t.Fatalf("degraded = %d %s", rec.Code, rec.Body)
	}
}
