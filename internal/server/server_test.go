package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/quantumhub/execgate/internal/errors"
	"github.com/quantumhub/execgate/internal/server/handlers"
	"github.com/quantumhub/execgate/pkg/auth"
	"github.com/quantumhub/execgate/pkg/backend"
	"github.com/quantumhub/execgate/pkg/backend/simulator"
	"github.com/quantumhub/execgate/pkg/dispatch"
	"github.com/quantumhub/execgate/pkg/entitlement"
	"github.com/quantumhub/execgate/pkg/job"
	"github.com/quantumhub/execgate/pkg/ratelimit"
)

type fixture struct {
	srv    *Server
	signer *auth.Signer
	store  *entitlement.MemoryStore
	jobs   *job.MemoryStore
	key    *entitlement.Key
	userID string
}

type fixtureOpts struct {
	class           string
	remaining       *int64
	simCfg          simulator.Config
	blockingCeiling time.Duration
}

func newFixture(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()
	ctx := context.Background()

	if opts.class == "" {
		opts.class = "100/min"
	}
	if opts.blockingCeiling == 0 {
		opts.blockingCeiling = 2 * time.Second
	}

	store := entitlement.NewMemoryStore()
	userID := uuid.NewString()
	sub := &entitlement.Subscription{
		ID:        uuid.NewString(),
		UserID:    userID,
		Status:    entitlement.StatusActive,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.CreateSubscription(ctx, sub))

	key := &entitlement.Key{
		ID:                  uuid.NewString(),
		SubscriptionID:      sub.ID,
		Name:                "test",
		Value:               entitlement.NewKeyValue(),
		RateLimitClass:      opts.class,
		RemainingUsageCount: opts.remaining,
		Status:              entitlement.StatusActive,
		CreatedAt:           time.Now().UTC(),
	}
	require.NoError(t, store.CreateKey(ctx, key))

	signer := auth.NewSigner("test-secret", 0)
	validator := auth.NewValidator(signer, store, nil)
	limiter := ratelimit.New(store)

	registry := backend.NewRegistry()
	registry.RegisterPlatform("simulator", simulator.New(opts.simCfg), simulator.Devices())

	jobs := job.NewMemoryStore()
	dispatcher := dispatch.New(dispatch.Config{
		PollInterval:    5 * time.Millisecond,
		BlockingCeiling: opts.blockingCeiling,
	}, registry, jobs, nil, nil)
	t.Cleanup(dispatcher.Close)

	handlers.SetReady(true)
	srv := New("127.0.0.1", 0, Deps{
		Validator:  validator,
		Limiter:    limiter,
		Dispatcher: dispatcher,
		Jobs:       jobs,
		Registry:   registry,
	})

	return &fixture{srv: srv, signer: signer, store: store, jobs: jobs, key: key, userID: userID}
}

func (f *fixture) submit(t *testing.T, body map[string]any, creds func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader(raw))
	if creds != nil {
		creds(req)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) withKey(req *http.Request) {
	req.Header.Set("X-API-Key", f.key.Value)
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	f.withKey(req)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestSubmitBlockingClientDisconnectKeepsQuota(t *testing.T) {
	n := int64(1)
	f := newFixture(t, fixtureOpts{
		remaining:       &n,
		simCfg:          simulator.Config{ExecLatency: 300 * time.Millisecond},
		blockingCeiling: 5 * time.Second,
	})

	raw, err := json.Marshal(map[string]any{
		"platform":  "simulator",
		"device_id": "sim-30q",
		"run_mode":  "blocking",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader(raw)).WithContext(ctx)
	f.withKey(req)
	rec := httptest.NewRecorder()

	served := make(chan struct{})
	go func() {
		defer close(served)
		f.srv.Handler().ServeHTTP(rec, req)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-served

	// The job was dispatched before the disconnect; its usage unit
	// stays spent.
	got, err := f.store.GetKeyByID(context.Background(), f.key.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), *got.RemainingUsageCount)
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apperrors.HTTPErrorResponse {
	t.Helper()
	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func simBody() map[string]any {
	return map[string]any{
		"platform":  "simulator",
		"device_id": "sim-30q",
		"shots":     64,
	}
}

func TestServerUsesStandardErrorHandlers(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	rec := f.get(t, "/does-not-exist")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeError(t, rec).Error.Code)
}

func TestServerMethodNotAllowed(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	req := httptest.NewRequest(http.MethodPost, "/version", nil)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "METHOD_NOT_ALLOWED", decodeError(t, rec).Error.Code)
}

func TestServerRoutesRegistered(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	for _, path := range []string{"/health", "/health/live", "/health/ready", "/version", "/platforms"} {
		t.Run(path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, path, nil)
			rec := httptest.NewRecorder()
			f.srv.Handler().ServeHTTP(rec, req)
			assert.Equal(t, http.StatusOK, rec.Code)
		})
	}
}

func TestServerPort(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	assert.Equal(t, 0, f.srv.Port())
	assert.NotNil(t, f.srv.Handler())
}

func TestSubmitAuth(t *testing.T) {
	t.Run("missing credential", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		rec := f.submit(t, simBody(), nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "UNAUTHORIZED", decodeError(t, rec).Error.Code)
	})

	t.Run("unknown key", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		rec := f.submit(t, simBody(), func(r *http.Request) {
			r.Header.Set("X-API-Key", "qh_bogus")
		})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("revoked key", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		require.NoError(t, f.store.Revoke(context.Background(), f.key.ID))
		rec := f.submit(t, simBody(), f.withKey)
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, "FORBIDDEN", decodeError(t, rec).Error.Code)
	})

	t.Run("bearer token", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		tok, err := f.signer.Mint(f.userID)
		require.NoError(t, err)
		rec := f.submit(t, simBody(), func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+tok)
		})
		assert.Equal(t, http.StatusAccepted, rec.Code)
	})
}

func TestSubmitNonBlocking(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	rec := f.submit(t, simBody(), f.withKey)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var accepted struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&accepted))
	assert.NotEmpty(t, accepted.ID)
	assert.Equal(t, "queued", accepted.Status)

	// Job endpoint reflects progress.
	jrec := f.get(t, "/jobs/"+accepted.ID)
	require.Equal(t, http.StatusOK, jrec.Code)

	// Result appears once the simulator completes.
	require.Eventually(t, func() bool {
		return f.get(t, "/jobs/"+accepted.ID+"/result").Code == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	res := f.get(t, "/jobs/"+accepted.ID+"/result")
	var result job.Result
	require.NoError(t, json.NewDecoder(res.Body).Decode(&result))
	assert.Equal(t, job.StateCompleted, result.Status)
	assert.NotEmpty(t, result.Data)
}

func TestSubmitBlocking(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	body := simBody()
	body["run_mode"] = "blocking"
	rec := f.submit(t, body, f.withKey)
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Job    job.Job    `json:"job"`
		Result job.Result `json:"result"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	assert.Equal(t, job.StateCompleted, out.Job.Status)
	assert.Equal(t, job.StateCompleted, out.Result.Status)
}

func TestSubmitBlockingTimeout(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		simCfg:          simulator.Config{ExecLatency: time.Second},
		blockingCeiling: 30 * time.Millisecond,
	})

	body := simBody()
	body["run_mode"] = "blocking"
	rec := f.submit(t, body, f.withKey)
	require.Equal(t, http.StatusGatewayTimeout, rec.Code)

	errBody := decodeError(t, rec)
	assert.Equal(t, "EXECUTION_TIMEOUT", errBody.Error.Code)
	jobID, _ := errBody.Error.Details["job_id"].(string)
	require.NotEmpty(t, jobID)

	// The job keeps running; the result is retrievable afterwards.
	require.Eventually(t, func() bool {
		return f.get(t, "/jobs/"+jobID+"/result").Code == http.StatusOK
	}, 3*time.Second, 20*time.Millisecond)
}

func TestSubmitRateLimited(t *testing.T) {
	f := newFixture(t, fixtureOpts{class: "10/min"})

	for i := 0; i < 10; i++ {
		rec := f.submit(t, simBody(), f.withKey)
		require.Equal(t, http.StatusAccepted, rec.Code, "submission %d", i+1)
	}

	rec := f.submit(t, simBody(), f.withKey)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	errBody := decodeError(t, rec)
	assert.Equal(t, "RATE_LIMITED", errBody.Error.Code)
	assert.Equal(t, "request_quota_exceeded", errBody.Error.Details["reason"])
}

func TestSubmitUsageExhausted(t *testing.T) {
	n := int64(1)
	f := newFixture(t, fixtureOpts{remaining: &n})

	rec := f.submit(t, simBody(), f.withKey)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.submit(t, simBody(), f.withKey)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "usage_count_exhausted", decodeError(t, rec).Error.Details["reason"])
}

func TestSubmitInvalidDevice(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	body := simBody()
	body["device_id"] = "sim-999q"
	rec := f.submit(t, body, f.withKey)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	errBody := decodeError(t, rec)
	assert.Equal(t, "SUBMISSION_REJECTED", errBody.Error.Code)
	jobID, _ := errBody.Error.Details["job_id"].(string)
	require.NotEmpty(t, jobID)

	// The job exists in failed state with a descriptive error.
	j, err := f.jobs.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, job.StateFailed, j.Status)
	require.NotNil(t, j.Error)
	assert.NotEmpty(t, *j.Error)
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	t.Run("missing fields", func(t *testing.T) {
		rec := f.submit(t, map[string]any{"platform": "simulator"}, f.withKey)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "VALIDATION_ERROR", decodeError(t, rec).Error.Code)
	})

	t.Run("bad run mode", func(t *testing.T) {
		body := simBody()
		body["run_mode"] = "sideways"
		rec := f.submit(t, body, f.withKey)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestGetJobAndResult(t *testing.T) {
	f := newFixture(t, fixtureOpts{simCfg: simulator.Config{QueueLatency: time.Hour}})

	t.Run("unknown job", func(t *testing.T) {
		rec := f.get(t, "/jobs/"+uuid.NewString())
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "UNKNOWN_JOB", decodeError(t, rec).Error.Code)
	})

	t.Run("result while in flight is 202", func(t *testing.T) {
		rec := f.submit(t, simBody(), f.withKey)
		require.Equal(t, http.StatusAccepted, rec.Code)
		var accepted struct {
			ID string `json:"id"`
		}
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&accepted))

		res := f.get(t, "/jobs/"+accepted.ID+"/result")
		assert.Equal(t, http.StatusAccepted, res.Code)
	})
}

func TestCancelJob(t *testing.T) {
	f := newFixture(t, fixtureOpts{simCfg: simulator.Config{QueueLatency: time.Hour}})

	rec := f.submit(t, simBody(), f.withKey)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var accepted struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&accepted))

	req := httptest.NewRequest(http.MethodDelete, "/jobs/"+accepted.ID, nil)
	f.withKey(req)
	del := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(del, req)

	require.Equal(t, http.StatusOK, del.Code)
	var j job.Job
	require.NoError(t, json.NewDecoder(del.Body).Decode(&j))
	assert.Equal(t, job.StateCancelled, j.Status)

	// Cancelling again is a no-op returning the same state.
	req = httptest.NewRequest(http.MethodDelete, "/jobs/"+accepted.ID, nil)
	f.withKey(req)
	del = httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(del, req)
	require.Equal(t, http.StatusOK, del.Code)
	require.NoError(t, json.NewDecoder(del.Body).Decode(&j))
	assert.Equal(t, job.StateCancelled, j.Status)
}

func TestDeviceCatalog(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	rec := f.get(t, "/platforms/simulator/devices")
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Platform string           `json:"platform"`
		Devices  []backend.Device `json:"devices"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	assert.Equal(t, "simulator", out.Platform)
	assert.NotEmpty(t, out.Devices)

	rec = f.get(t, "/platforms/ion-trap/devices")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequestIDEchoed(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	req.Header.Set("X-Request-ID", "req-abc-123")
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "req-abc-123", rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "req-abc-123", decodeError(t, rec).Error.RequestID)
}
