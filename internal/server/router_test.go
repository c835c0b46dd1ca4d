package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/vittorioscocca/kidbox-sync/internal/auth"
	"github.com/vittorioscocca/kidbox-sync/internal/remote"
	"gorm.io/gorm"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	m.Run()
}

type serverFixture struct {
	server *httptest.Server
	token  string
	now    time.Time
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := db.AutoMigrate(&RemoteDoc{}); err != nil {
		t.Fatalf("failed to migrate documents: %v", err)
	}

	now := time.Unix(1700000000, 0).UTC()
	tokens := auth.NewDeviceTokenIssuer(auth.DeviceTokenIssuerConfig{
		SigningSecret: []byte("test-secret"),
	})
	handler, err := NewHTTPHandler(Dependencies{
		Tokens:     tokens,
		Database:   db,
		Dispatcher: NewDispatcher(),
		Clock:      func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	token, _, err := tokens.IssueDeviceToken("device-1")
	if err != nil {
		t.Fatalf("failed to issue device token: %v", err)
	}
	return &serverFixture{server: server, token: token, now: now}
}

func (f *serverFixture) request(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request, err := http.NewRequest(method, f.server.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+f.token)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return response
}

func todoEnvelope(id string, updatedAt *int64) remote.Envelope {
	return remote.Envelope{
		Kind:             "todo",
		ID:               id,
		FamilyID:         "fam-1",
		CreatedAtSeconds: 1690000000,
		UpdatedAtSeconds: updatedAt,
		Payload:          json.RawMessage(`{"title":"buy milk"}`),
	}
}

func TestRequestsWithoutTokenAreUnauthorized(t *testing.T) {
	fixture := newServerFixture(t)

	request, err := http.NewRequest(http.MethodGet, fixture.server.URL+"/v1/families/fam-1/todo/changes", nil)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", response.StatusCode)
	}
}

func TestDeviceAuthIssuesUsableToken(t *testing.T) {
	fixture := newServerFixture(t)

	payload, _ := json.Marshal(map[string]string{"device_id": "device-2"})
	response, err := http.Post(fixture.server.URL+"/auth/device", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.StatusCode)
	}

	var decoded deviceAuthResponse
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if decoded.AccessToken == "" || decoded.TokenType != "Bearer" || decoded.ExpiresIn <= 0 {
		t.Fatalf("unexpected auth response %+v", decoded)
	}

	fixture.token = decoded.AccessToken
	changes := fixture.request(t, http.MethodGet, "/v1/families/fam-1/todo/changes", nil)
	defer changes.Body.Close()
	if changes.StatusCode != http.StatusOK {
		t.Fatalf("issued token must authorize requests, got %d", changes.StatusCode)
	}
}

func TestUpsertThenChangesRoundTrip(t *testing.T) {
	fixture := newServerFixture(t)

	stamp := int64(1700000100)
	put := fixture.request(t, http.MethodPut, "/v1/families/fam-1/todo/todo-1", todoEnvelope("todo-1", &stamp))
	put.Body.Close()
	if put.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", put.StatusCode)
	}

	response := fixture.request(t, http.MethodGet, "/v1/families/fam-1/todo/changes?since=0", nil)
	defer response.Body.Close()
	var decoded struct {
		Changes []remote.Envelope `json:"changes"`
	}
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		t.Fatalf("failed to decode changes: %v", err)
	}
	if len(decoded.Changes) != 1 {
		t.Fatalf("expected one change, got %d", len(decoded.Changes))
	}
	envelope := decoded.Changes[0]
	if envelope.ID != "todo-1" || envelope.Kind != "todo" {
		t.Fatalf("unexpected envelope %+v", envelope)
	}
	if envelope.UpdatedAtSeconds == nil || *envelope.UpdatedAtSeconds != stamp {
		t.Fatalf("expected updated-at preserved, got %v", envelope.UpdatedAtSeconds)
	}

	// The since filter excludes documents at or below the cursor.
	filtered := fixture.request(t, http.MethodGet, fmt.Sprintf("/v1/families/fam-1/todo/changes?since=%d", stamp), nil)
	defer filtered.Body.Close()
	var empty struct {
		Changes []remote.Envelope `json:"changes"`
	}
	if err := json.NewDecoder(filtered.Body).Decode(&empty); err != nil {
		t.Fatalf("failed to decode changes: %v", err)
	}
	if len(empty.Changes) != 0 {
		t.Fatalf("expected no changes past the cursor, got %d", len(empty.Changes))
	}
}

func TestAbsentUpdatedAtSurvivesRoundTrip(t *testing.T) {
	fixture := newServerFixture(t)

	put := fixture.request(t, http.MethodPut, "/v1/families/fam-1/todo/todo-1", todoEnvelope("todo-1", nil))
	put.Body.Close()
	if put.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", put.StatusCode)
	}

	response := fixture.request(t, http.MethodGet, "/v1/families/fam-1/todo/changes?since=0", nil)
	defer response.Body.Close()
	var decoded struct {
		Changes []remote.Envelope `json:"changes"`
	}
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		t.Fatalf("failed to decode changes: %v", err)
	}
	if len(decoded.Changes) != 1 {
		t.Fatalf("expected one change, got %d", len(decoded.Changes))
	}
	if decoded.Changes[0].UpdatedAtSeconds != nil {
		t.Fatalf("a document stored without updated-at must stay without it, got %v",
			*decoded.Changes[0].UpdatedAtSeconds)
	}
}

func TestSoftDeleteMarksDeletedAndStampsServerTime(t *testing.T) {
	fixture := newServerFixture(t)

	stamp := int64(1690000100)
	put := fixture.request(t, http.MethodPut, "/v1/families/fam-1/todo/todo-1", todoEnvelope("todo-1", &stamp))
	put.Body.Close()

	soft := fixture.request(t, http.MethodPost, "/v1/families/fam-1/todo/todo-1/soft-delete", nil)
	soft.Body.Close()
	if soft.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", soft.StatusCode)
	}

	response := fixture.request(t, http.MethodGet, "/v1/families/fam-1/todo/changes?since=0", nil)
	defer response.Body.Close()
	var decoded struct {
		Changes []remote.Envelope `json:"changes"`
	}
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		t.Fatalf("failed to decode changes: %v", err)
	}
	if len(decoded.Changes) != 1 {
		t.Fatalf("expected the tombstone listed, got %d changes", len(decoded.Changes))
	}
	tombstone := decoded.Changes[0]
	if !tombstone.IsDeleted {
		t.Fatalf("expected is_deleted set, got %+v", tombstone)
	}
	if tombstone.UpdatedAtSeconds == nil || *tombstone.UpdatedAtSeconds != fixture.now.Unix() {
		t.Fatalf("expected server-time stamp on the tombstone, got %v", tombstone.UpdatedAtSeconds)
	}
}

func TestSoftDeleteMissingDocumentIsNotFound(t *testing.T) {
	fixture := newServerFixture(t)
	response := fixture.request(t, http.MethodPost, "/v1/families/fam-1/todo/absent/soft-delete", nil)
	defer response.Body.Close()
	if response.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", response.StatusCode)
	}
}

func TestDeleteRemovesDocument(t *testing.T) {
	fixture := newServerFixture(t)

	stamp := int64(1700000100)
	put := fixture.request(t, http.MethodPut, "/v1/families/fam-1/event/evt-1", remote.Envelope{
		Kind: "event", ID: "evt-1", FamilyID: "fam-1", UpdatedAtSeconds: &stamp,
	})
	put.Body.Close()

	del := fixture.request(t, http.MethodDelete, "/v1/families/fam-1/event/evt-1", nil)
	del.Body.Close()
	if del.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", del.StatusCode)
	}

	response := fixture.request(t, http.MethodGet, "/v1/families/fam-1/event/changes?since=0", nil)
	defer response.Body.Close()
	var decoded struct {
		Changes []remote.Envelope `json:"changes"`
	}
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		t.Fatalf("failed to decode changes: %v", err)
	}
	if len(decoded.Changes) != 0 {
		t.Fatalf("expected document gone, got %d changes", len(decoded.Changes))
	}
}

func TestUnknownKindIsRejected(t *testing.T) {
	fixture := newServerFixture(t)
	response := fixture.request(t, http.MethodGet, "/v1/families/fam-1/pet/changes", nil)
	defer response.Body.Close()
	if response.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", response.StatusCode)
	}
}

func TestOversizedIdentifiersAreRejected(t *testing.T) {
	fixture := newServerFixture(t)
	long := strings.Repeat("x", 191)

	stamp := int64(1700000100)
	put := fixture.request(t, http.MethodPut, "/v1/families/fam-1/todo/"+long, todoEnvelope(long, &stamp))
	put.Body.Close()
	if put.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for an oversized document id, got %d", put.StatusCode)
	}

	scoped := fixture.request(t, http.MethodGet, "/v1/families/"+long+"/todo/changes", nil)
	scoped.Body.Close()
	if scoped.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for an oversized family id, got %d", scoped.StatusCode)
	}

	revoke := fixture.request(t, http.MethodPost, "/admin/families/"+long+"/revoke", nil)
	revoke.Body.Close()
	if revoke.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 from the revoke endpoint, got %d", revoke.StatusCode)
	}
}

func TestDeviceAuthRejectsInvalidDeviceIDs(t *testing.T) {
	fixture := newServerFixture(t)

	for _, deviceID := range []string{"   ", strings.Repeat("d", 191)} {
		payload, _ := json.Marshal(map[string]string{"device_id": deviceID})
		response, err := http.Post(fixture.server.URL+"/auth/device", "application/json", bytes.NewReader(payload))
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		response.Body.Close()
		if response.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400 for device id %q, got %d", deviceID, response.StatusCode)
		}
	}
}

func TestRevokedFamilyGetsForbidden(t *testing.T) {
	fixture := newServerFixture(t)

	revoke := fixture.request(t, http.MethodPost, "/admin/families/fam-1/revoke", nil)
	revoke.Body.Close()
	if revoke.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", revoke.StatusCode)
	}

	response := fixture.request(t, http.MethodGet, "/v1/families/fam-1/todo/changes", nil)
	defer response.Body.Close()
	if response.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for the revoked family, got %d", response.StatusCode)
	}

	other := fixture.request(t, http.MethodGet, "/v1/families/fam-2/todo/changes", nil)
	defer other.Body.Close()
	if other.StatusCode != http.StatusOK {
		t.Fatalf("other families must stay reachable, got %d", other.StatusCode)
	}
}

func TestSubscribeStreamsPublishedUpserts(t *testing.T) {
	fixture := newServerFixture(t)

	request, err := http.NewRequest(http.MethodGet, fixture.server.URL+"/v1/families/fam-1/todo/subscribe", nil)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+fixture.token)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.StatusCode)
	}
	if !strings.HasPrefix(response.Header.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("unexpected content type %q", response.Header.Get("Content-Type"))
	}

	events := make(chan remote.ChangeBatch, 1)
	go func() {
		scanner := bufio.NewScanner(response.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if value, ok := strings.CutPrefix(line, "data: "); ok {
				var batch remote.ChangeBatch
				if err := json.Unmarshal([]byte(value), &batch); err == nil {
					events <- batch
					return
				}
			}
		}
	}()

	// Let the subscription register before publishing.
	time.Sleep(100 * time.Millisecond)
	stamp := int64(1700000100)
	put := fixture.request(t, http.MethodPut, "/v1/families/fam-1/todo/todo-1", todoEnvelope("todo-1", &stamp))
	put.Body.Close()

	select {
	case batch := <-events:
		if len(batch.Upserts) != 1 || batch.Upserts[0].ID != "todo-1" {
			t.Fatalf("unexpected batch %+v", batch)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for a streamed event")
	}
}
