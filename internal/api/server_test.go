package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/framectl/framectl/internal/controller"
	"github.com/framectl/framectl/internal/dispatch"
)

type stubController struct {
	executing bool
	fileName  string
}

func (s *stubController) ExecuteAcquisition() error { return nil }
func (s *stubController) StopAcquisition() error    { return nil }
func (s *stubController) IsExecuting() bool         { return s.executing }
func (s *stubController) Close() error              { return nil }

func (s *stubController) Tree() controller.Tree {
	return controller.Tree{
		"args/file_name": {
			Get: func() (any, error) { return s.fileName, nil },
			Set: func(value any) error {
				str, ok := value.(string)
				if !ok {
					return errors.New("expected string")
				}
				s.fileName = str
				return nil
			},
		},
		"status/executing": {
			Get: func() (any, error) { return s.executing, nil },
		},
	}
}

func newTestServer(t *testing.T, ctrl *stubController) *Server {
	t.Helper()
	d, err := dispatch.New(dispatch.Options{
		Subsystems:  []string{"babyd"},
		Controllers: map[string]controller.AcquisitionController{"babyd": ctrl},
	})
	require.NoError(t, err)
	return NewServer(d, "127.0.0.1:0", zap.NewNop().Sugar())
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeValue(t *testing.T, rec *httptest.ResponseRecorder) any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	return payload["value"]
}

func TestGetLeaf(t *testing.T) {
	s := newTestServer(t, &stubController{fileName: "run1"})

	rec := do(t, s, http.MethodGet, "/api/subsystems/babyd/args/file_name", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "run1", decodeValue(t, rec))
}

func TestGetOverviewAtRoot(t *testing.T) {
	s := newTestServer(t, &stubController{})

	rec := do(t, s, http.MethodGet, "/api/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	top, ok := decodeValue(t, rec).(map[string]any)
	require.True(t, ok)
	assert.Contains(t, top, "subsystem_list")
	assert.Contains(t, top, "execute")
}

func TestPutLeaf(t *testing.T) {
	ctrl := &stubController{}
	s := newTestServer(t, ctrl)

	rec := do(t, s, http.MethodPut, "/api/subsystems/babyd/args/file_name", `"capture"`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "capture", decodeValue(t, rec))
	assert.Equal(t, "capture", ctrl.fileName)
}

func TestPutExecuteConflict(t *testing.T) {
	s := newTestServer(t, &stubController{executing: true})

	rec := do(t, s, http.MethodPut, "/api/execute/babyd", "true")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetUnknownPath(t *testing.T) {
	s := newTestServer(t, &stubController{})

	rec := do(t, s, http.MethodGet, "/api/subsystems/babyd/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/subsystems/other/args", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPutReadOnlyLeaf(t *testing.T) {
	s := newTestServer(t, &stubController{})

	rec := do(t, s, http.MethodPut, "/api/subsystems/babyd/status/executing", "true")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestPutMalformedBody(t *testing.T) {
	s := newTestServer(t, &stubController{})

	rec := do(t, s, http.MethodPut, "/api/subsystems/babyd/args/file_name", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, &stubController{})

	rec := do(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsExposed(t *testing.T) {
	s := newTestServer(t, &stubController{})

	rec := do(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
