package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdplabs/guidance/internal/cache"
	"github.com/vdplabs/guidance/internal/calibration"
	"github.com/vdplabs/guidance/internal/config"
	"github.com/vdplabs/guidance/internal/guideline"
	"github.com/vdplabs/guidance/internal/prompt"
	"github.com/vdplabs/guidance/internal/ratelimit"
	"github.com/vdplabs/guidance/internal/service"
	"github.com/vdplabs/guidance/internal/store"
)

type stubGateway struct {
	calls    int
	response string
	err      error
}

func (g *stubGateway) Generate(ctx context.Context, promptText, modelID string, maxTokens int) (string, error) {
	g.calls++
	if g.err != nil {
		return "", g.err
	}
	return g.response, nil
}

func validDocument() guideline.Document {
	doc := guideline.Document{}
	for _, cat := range prompt.BaseCategories {
		doc.Categories = append(doc.Categories, guideline.Category{
			Section:  cat.Section,
			Name:     cat.Name,
			Weight:   0.125,
			Criteria: []string{"Clear evidence"},
			RedFlags: []string{"Hand-waving"},
			ScoringBands: map[string]string{
				"1-3": "weak", "4-5": "fair", "6-7": "good", "8-10": "strong",
			},
		})
	}
	return doc
}

type testEnv struct {
	handler http.Handler
	gateway *stubGateway
	store   *store.MemoryStore
	cfg     *config.Config
}

func newTestEnv(t *testing.T, ceiling int) *testEnv {
	t.Helper()

	raw, err := json.Marshal(validDocument())
	require.NoError(t, err)
	gateway := &stubGateway{response: string(raw)}

	snapshots := calibration.NewMemoryStore()
	snapshots.Put("prog-1", "org-1", map[string]string{"team_weight": "9", "risk_tolerance": "low"})
	snapshots.Put("prog-other", "org-2", map[string]string{})

	versions := store.NewMemoryStore()
	versions.RegisterProgram("prog-1", "org-1")
	versions.RegisterProgram("prog-other", "org-2")

	svc := service.New(service.Config{
		Snapshots: snapshots,
		Builder:   prompt.NewBuilder(),
		Limiter:   ratelimit.New(nil, ratelimit.Config{Ceiling: ceiling, Window: time.Hour}),
		Gateway:   gateway,
		Cache:     cache.New(&cache.Config{Enabled: true, TTL: time.Hour, MaxSize: 100}),
		Store:     versions,
	})

	cfg := config.Default()
	cfg.Security.JWTSecret = ""
	server := NewServer(svc, versions, nil, cfg)
	return &testEnv{handler: server.SetupRoutes(), gateway: gateway, store: versions, cfg: cfg}
}

func (e *testEnv) do(t *testing.T, method, path, org string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if org != "" {
		req.Header.Set("X-Organization-ID", org)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestHealthNeedsNoAuth(t *testing.T) {
	env := newTestEnv(t, 10)

	rec := env.do(t, http.MethodGet, "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMissingOrganizationIsUnauthorized(t *testing.T) {
	env := newTestEnv(t, 10)

	rec := env.do(t, http.MethodPost, "/api/v1/programs/prog-1/guidelines/generate", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGenerateReturnsDraft(t *testing.T) {
	env := newTestEnv(t, 10)

	rec := env.do(t, http.MethodPost, "/api/v1/programs/prog-1/guidelines/generate", "org-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp GenerateResponse
	decode(t, rec, &resp)
	assert.Equal(t, service.StatusGenerated, resp.Status)
	require.NotNil(t, resp.Draft)
	assert.Len(t, resp.Draft.Document.Categories, 8)
}

func TestGenerateWithoutCalibration(t *testing.T) {
	env := newTestEnv(t, 10)

	rec := env.do(t, http.MethodPost, "/api/v1/programs/prog-other/guidelines/generate", "org-2", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "calibration")
}

func TestGenerateCrossTenantProgramIs404(t *testing.T) {
	env := newTestEnv(t, 10)

	// org-2 generating against org-1's program looks exactly like an
	// unknown program id; no draft derived from org-1's calibration leaks.
	probed := env.do(t, http.MethodPost, "/api/v1/programs/prog-1/guidelines/generate", "org-2", nil)
	unknown := env.do(t, http.MethodPost, "/api/v1/programs/no-such/guidelines/generate", "org-2", nil)
	assert.Equal(t, http.StatusNotFound, probed.Code)
	assert.Equal(t, http.StatusNotFound, unknown.Code)
	assert.Equal(t, unknown.Body.String(), probed.Body.String())
	assert.Equal(t, 0, env.gateway.calls)
}

func TestGenerateRateLimitedGets429(t *testing.T) {
	env := newTestEnv(t, 1)

	rec := env.do(t, http.MethodPost, "/api/v1/programs/prog-1/guidelines/generate", "org-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Force a cache miss by requesting a different model.
	rec = env.do(t, http.MethodPost, "/api/v1/programs/prog-1/guidelines/generate", "org-1",
		GenerateRequest{Model: "gpt-4o"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	var resp GenerateResponse
	decode(t, rec, &resp)
	assert.Equal(t, service.StatusRateLimited, resp.Status)
	assert.Greater(t, resp.RetryAfterSeconds, 0)
}

func TestGenerateUnusableModelOutputGets422(t *testing.T) {
	env := newTestEnv(t, 10)
	env.gateway.response = "no json here"

	rec := env.do(t, http.MethodPost, "/api/v1/programs/prog-1/guidelines/generate", "org-1", nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var resp GenerateResponse
	decode(t, rec, &resp)
	assert.Equal(t, service.StatusInvalid, resp.Status)
	assert.Equal(t, guideline.ReasonNotJSON, resp.Reason)
}

func TestSaveCreatesVersion(t *testing.T) {
	env := newTestEnv(t, 10)

	rec := env.do(t, http.MethodPost, "/api/v1/programs/prog-1/guidelines/save", "org-1",
		SaveRequest{Document: validDocument(), ModelUsed: "gpt-4o", Notes: "first", Activate: true})
	require.Equal(t, http.StatusCreated, rec.Code)

	var v guideline.Version
	decode(t, rec, &v)
	assert.Equal(t, 1, v.Version)
	assert.True(t, v.IsActive)
	assert.Equal(t, "first", v.Notes)
}

func TestSaveRejectsBadWeights(t *testing.T) {
	env := newTestEnv(t, 10)

	doc := validDocument()
	doc.Categories[0].Weight = 0.9

	rec := env.do(t, http.MethodPost, "/api/v1/programs/prog-1/guidelines/save", "org-1",
		SaveRequest{Document: doc})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), guideline.ReasonWeightSumMismatch)
}

func TestActivateSwitchesVersion(t *testing.T) {
	env := newTestEnv(t, 10)

	for i := 0; i < 2; i++ {
		rec := env.do(t, http.MethodPost, "/api/v1/programs/prog-1/guidelines/save", "org-1",
			SaveRequest{Document: validDocument(), Activate: true})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := env.do(t, http.MethodPost, "/api/v1/programs/prog-1/guidelines/activate", "org-1",
		ActivateRequest{Version: 1})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/programs/prog-1/guidelines/active", "org-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var v guideline.Version
	decode(t, rec, &v)
	assert.Equal(t, 1, v.Version)
}

func TestActivateUnknownVersionIs404(t *testing.T) {
	env := newTestEnv(t, 10)

	rec := env.do(t, http.MethodPost, "/api/v1/programs/prog-1/guidelines/activate", "org-1",
		ActivateRequest{Version: 7})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestActivateVersionZeroIsRejected(t *testing.T) {
	env := newTestEnv(t, 10)

	rec := env.do(t, http.MethodPost, "/api/v1/programs/prog-1/guidelines/activate", "org-1",
		ActivateRequest{Version: 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistoryEmptyIsEmptyArray(t *testing.T) {
	env := newTestEnv(t, 10)

	rec := env.do(t, http.MethodGet, "/api/v1/programs/prog-1/guidelines/history", "org-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestHistoryNewestFirst(t *testing.T) {
	env := newTestEnv(t, 10)

	for i := 0; i < 3; i++ {
		rec := env.do(t, http.MethodPost, "/api/v1/programs/prog-1/guidelines/save", "org-1",
			SaveRequest{Document: validDocument()})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := env.do(t, http.MethodGet, "/api/v1/programs/prog-1/guidelines/history", "org-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var versions []guideline.Version
	decode(t, rec, &versions)
	require.Len(t, versions, 3)
	assert.Equal(t, 3, versions[0].Version)
	assert.Equal(t, 1, versions[2].Version)
}

func TestActiveWithNoneIs204(t *testing.T) {
	env := newTestEnv(t, 10)

	rec := env.do(t, http.MethodGet, "/api/v1/programs/prog-1/guidelines/active", "org-1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestCrossTenantAccessIs404(t *testing.T) {
	env := newTestEnv(t, 10)

	rec := env.do(t, http.MethodPost, "/api/v1/programs/prog-1/guidelines/save", "org-1",
		SaveRequest{Document: validDocument(), Activate: true})
	require.Equal(t, http.StatusCreated, rec.Code)

	// Another org probing this program sees the same 404 as for an
	// unknown id.
	probed := env.do(t, http.MethodGet, "/api/v1/programs/prog-1/guidelines/history", "org-2", nil)
	unknown := env.do(t, http.MethodGet, "/api/v1/programs/no-such/guidelines/history", "org-2", nil)
	assert.Equal(t, http.StatusNotFound, probed.Code)
	assert.Equal(t, http.StatusNotFound, unknown.Code)
	assert.Equal(t, unknown.Body.String(), probed.Body.String())
}

func TestStatusEndpoint(t *testing.T) {
	env := newTestEnv(t, 10)

	rec := env.do(t, http.MethodPost, "/api/v1/programs/prog-1/guidelines/save", "org-1",
		SaveRequest{Document: validDocument(), Activate: true})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/programs/prog-1/guidelines/status", "org-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status service.Status
	decode(t, rec, &status)
	assert.True(t, status.HasActiveGuidelines)
	assert.Equal(t, 1, status.ActiveVersion)
	assert.Equal(t, 1, status.TotalVersions)
}

func TestUnknownActionIs404(t *testing.T) {
	env := newTestEnv(t, 10)

	rec := env.do(t, http.MethodGet, "/api/v1/programs/prog-1/guidelines/bogus", "org-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMethodMismatch(t *testing.T) {
	env := newTestEnv(t, 10)

	rec := env.do(t, http.MethodGet, "/api/v1/programs/prog-1/guidelines/generate", "org-1", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/programs/prog-1/guidelines/history", "org-1", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestJWTAuth(t *testing.T) {
	env := newTestEnv(t, 10)
	env.cfg.Security.JWTSecret = "test-secret"

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"org_id": "org-1",
		"exp":    time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/programs/prog-1/guidelines/history", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Wrong key: rejected, and the header fallback is ignored.
	forged, err := token.SignedString([]byte("other-secret"))
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/api/v1/programs/prog-1/guidelines/history", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	req.Header.Set("X-Organization-ID", "org-1")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
