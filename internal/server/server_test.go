package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"spatialtag/internal/config"
	"spatialtag/internal/domain/apperr"
	"spatialtag/internal/domain/discovery"
	"spatialtag/internal/domain/entity"
	"spatialtag/internal/domain/geo"
)

// fakeService records the last caller and returns canned results
type fakeService struct {
	discovery.Service

	caller  discovery.Caller
	nearby  discovery.NearbyRequest
	batch   []discovery.CreateTagRequest
	err     error
	updates chan discovery.TagUpdate
}

func (f *fakeService) CreateTag(_ context.Context, caller discovery.Caller, req discovery.CreateTagRequest) (*entity.Tag, error) {
	f.caller = caller
	if f.err != nil {
		return nil, f.err
	}
	return &entity.Tag{ID: "t1", CreatorID: caller.ID, Content: req.Content, Position: req.Position}, nil
}

func (f *fakeService) GetTag(_ context.Context, caller discovery.Caller, id string) (*entity.Tag, error) {
	f.caller = caller
	if f.err != nil {
		return nil, f.err
	}
	return &entity.Tag{ID: id}, nil
}

func (f *fakeService) GetNearbyTags(_ context.Context, caller discovery.Caller, req discovery.NearbyRequest) (*discovery.NearbyTagsResponse, error) {
	f.caller, f.nearby = caller, req
	if f.err != nil {
		return nil, f.err
	}
	return &discovery.NearbyTagsResponse{
		Tags:               []discovery.NearbyTag{{Tag: entity.Tag{ID: "t1"}, Distance: 12.5}},
		SearchRadiusMeters: req.Radius,
	}, nil
}

func (f *fakeService) DeleteTag(_ context.Context, caller discovery.Caller, _ string) error {
	f.caller = caller
	return f.err
}

func (f *fakeService) BatchCreateTags(_ context.Context, _ discovery.Caller, reqs []discovery.CreateTagRequest) (*discovery.BatchCreateResult, error) {
	f.batch = reqs
	if f.err != nil {
		return nil, f.err
	}
	return &discovery.BatchCreateResult{
		Created: []entity.Tag{{ID: "t1"}},
		Errors:  []discovery.BatchItemError{{Index: 1, Code: string(apperr.CodeInvalidArgument), Field: "content", Message: "empty"}},
	}, nil
}

func (f *fakeService) UpdateLocation(_ context.Context, caller discovery.Caller, pos geo.Position) (*entity.Profile, error) {
	f.caller = caller
	return &entity.Profile{ID: caller.ID, Position: pos}, nil
}

func (f *fakeService) SubscribeTagUpdates(_ context.Context, caller discovery.Caller, req discovery.NearbyRequest) (<-chan discovery.TagUpdate, error) {
	f.caller, f.nearby = caller, req
	if f.err != nil {
		return nil, f.err
	}
	return f.updates, nil
}

type countingStreams struct {
	opened, closed, delivered atomic.Int64
}

func (c *countingStreams) StreamOpened()    { c.opened.Add(1) }
func (c *countingStreams) StreamClosed()    { c.closed.Add(1) }
func (c *countingStreams) StreamDelivered() { c.delivered.Add(1) }

func newTestServer(svc *fakeService, streams *countingStreams) *Server {
	return NewServer(config.ServerConfig{CorsOrigins: []string{"*"}, RequestTimeout: time.Second}, Deps{
		Discovery: svc,
		Streams:   streams,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("# metrics"))
		}),
		Logger: zap.NewNop(),
	})
}

func doRequest(t *testing.T, s *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

var alice = map[string]string{"X-Caller-ID": "alice", "X-Caller-Status": "elite"}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(&fakeService{}, &countingStreams{})

	rec := doRequest(t, s, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = doRequest(t, s, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# metrics")
}

func TestHealthReportsUnavailable(t *testing.T) {
	s := NewServer(config.ServerConfig{}, Deps{
		Discovery: &fakeService{},
		Streams:   &countingStreams{},
		Health:    func(context.Context) error { return errors.New("index down") },
		Logger:    zap.NewNop(),
	})

	rec := doRequest(t, s, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRequestsRequireCaller(t *testing.T) {
	s := newTestServer(&fakeService{}, &countingStreams{})

	rec := doRequest(t, s, http.MethodGet, "/api/v1/tags/t1", "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "PERMISSION_DENIED", body["code"])
	assert.Equal(t, false, body["retryable"])

	rec = doRequest(t, s, http.MethodGet, "/api/v1/tags/t1", "", map[string]string{
		"X-Caller-ID": "alice", "X-Caller-Status": "legendary",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateTag(t *testing.T) {
	svc := &fakeService{}
	s := newTestServer(svc, &countingStreams{})

	body := `{"position":{"latitude":40.7128,"longitude":-74.006},"content":"hello"}`
	rec := doRequest(t, s, http.MethodPost, "/api/v1/tags/", body, alice)
	require.Equal(t, http.StatusCreated, rec.Code)

	var tag entity.Tag
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tag))
	assert.Equal(t, "hello", tag.Content)
	assert.Equal(t, "alice", tag.CreatorID)
	assert.Equal(t, entity.StatusElite, svc.caller.Status)
}

func TestCreateTagRejectsMalformedBody(t *testing.T) {
	s := newTestServer(&fakeService{}, &countingStreams{})

	rec := doRequest(t, s, http.MethodPost, "/api/v1/tags/", `{"content":`, alice)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
		retry  bool
		msg    string
	}{
		{"not found", apperr.New(apperr.CodeNotFound, "tag not found"), http.StatusNotFound, "NOT_FOUND", false, "tag not found"},
		{"denied", apperr.New(apperr.CodePermissionDenied, "not the creator"), http.StatusForbidden, "PERMISSION_DENIED", false, "not the creator"},
		{"exhausted", apperr.New(apperr.CodeResourceExhausted, "slow down"), http.StatusTooManyRequests, "RESOURCE_EXHAUSTED", true, "slow down"},
		{"internal hides cause", errors.New("connection refused"), http.StatusInternalServerError, "INTERNAL", true, "internal error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(&fakeService{err: tt.err}, &countingStreams{})

			rec := doRequest(t, s, http.MethodGet, "/api/v1/tags/t1", "", alice)
			assert.Equal(t, tt.status, rec.Code)

			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.code, body["code"])
			assert.Equal(t, tt.retry, body["retryable"])
			assert.Equal(t, tt.msg, body["message"])
		})
	}
}

func TestGetNearbyTags(t *testing.T) {
	svc := &fakeService{}
	s := newTestServer(svc, &countingStreams{})

	rec := doRequest(t, s, http.MethodGet, "/api/v1/tags/nearby?lat=40.7128&lng=-74.006&radius=50&limit=10", "", alice)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.InDelta(t, 40.7128, svc.nearby.Position.Latitude, 1e-9)
	assert.Equal(t, 50.0, svc.nearby.Radius)
	assert.Equal(t, 10, svc.nearby.Limit)

	var resp discovery.NearbyTagsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Tags, 1)
	assert.Equal(t, 12.5, resp.Tags[0].Distance)
	assert.Contains(t, rec.Body.String(), `"search_radius_meters":50`)
}

func TestGetNearbyTagsValidatesQuery(t *testing.T) {
	s := newTestServer(&fakeService{}, &countingStreams{})

	for _, query := range []string{
		"lng=-74&radius=50",
		"lat=abc&lng=-74&radius=50",
		"lat=95&lng=-74&radius=50",
		"lat=40&lng=-74",
		"lat=40&lng=-74&radius=50&limit=many",
	} {
		rec := doRequest(t, s, http.MethodGet, "/api/v1/tags/nearby?"+query, "", alice)
		assert.Equal(t, http.StatusBadRequest, rec.Code, query)
	}
}

func TestDeleteTag(t *testing.T) {
	s := newTestServer(&fakeService{}, &countingStreams{})

	rec := doRequest(t, s, http.MethodDelete, "/api/v1/tags/t1", "", alice)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestBatchCreateTags(t *testing.T) {
	svc := &fakeService{}
	s := newTestServer(svc, &countingStreams{})

	body := `{"tags":[{"content":"a","position":{"latitude":1,"longitude":1}},{"content":""}]}`
	rec := doRequest(t, s, http.MethodPost, "/api/v1/tags/batch", body, alice)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Len(t, svc.batch, 2)

	var result discovery.BatchCreateResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Len(t, result.Created, 1)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, 1, result.Errors[0].Index)
	assert.Equal(t, "content", result.Errors[0].Field)
}

func TestUpdateLocation(t *testing.T) {
	svc := &fakeService{}
	s := newTestServer(svc, &countingStreams{})

	rec := doRequest(t, s, http.MethodPut, "/api/v1/profiles/me/location",
		`{"latitude":51.5,"longitude":-0.12,"horizontal_accuracy":4}`, alice)
	require.Equal(t, http.StatusOK, rec.Code)

	var profile entity.Profile
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &profile))
	assert.Equal(t, "alice", profile.ID)
	assert.Equal(t, 51.5, profile.Position.Latitude)
}

func TestStreamTags(t *testing.T) {
	svc := &fakeService{updates: make(chan discovery.TagUpdate, 1)}
	streams := &countingStreams{}
	ts := httptest.NewServer(newTestServer(svc, streams).Handler())
	defer ts.Close()

	header := http.Header{}
	header.Set("X-Caller-ID", "alice")
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/tags?lat=40.7128&lng=-74.006&radius=40"
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()

	var hello map[string]any
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "subscribed", hello["type"])
	assert.Equal(t, 40.0, hello["search_radius_meters"])

	svc.updates <- discovery.TagUpdate{Type: discovery.EventCreated, TagID: "t9", Tag: &entity.Tag{ID: "t9"}, Distance: 3}

	var update discovery.TagUpdate
	require.NoError(t, conn.ReadJSON(&update))
	assert.Equal(t, discovery.EventCreated, update.Type)
	assert.Equal(t, "t9", update.TagID)
	assert.EqualValues(t, 1, streams.opened.Load())

	// Closing the subscription ends the stream
	close(svc.updates)
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	assert.Eventually(t, func() bool { return streams.closed.Load() == 1 }, time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, streams.delivered.Load())
}

func TestStreamTagsRejectsBeforeUpgrade(t *testing.T) {
	svc := &fakeService{err: apperr.New(apperr.CodeUnavailable, "streaming disabled")}
	s := newTestServer(svc, &countingStreams{})

	rec := doRequest(t, s, http.MethodGet, "/ws/tags?lat=1&lng=1&radius=10", "", alice)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
