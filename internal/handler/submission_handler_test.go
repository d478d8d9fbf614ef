package handler_test

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-autograder/internal/dto"
	"github.com/noah-isme/gema-autograder/internal/handler"
)

func TestSubmissionHandlerGetChecksOwnership(t *testing.T) {
	app, _, _ := setupGraderApp(t, 10, "student")
	resp, payload := perform(t, app, http.MethodGet, "/api/v2/submissions/5", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var submission dto.SubmissionResponse
	require.NoError(t, json.Unmarshal(payload.Data, &submission))
	require.Equal(t, uint(5), submission.ID)

	app, _, _ = setupGraderApp(t, 11, "student")
	resp, _ = perform(t, app, http.MethodGet, "/api/v2/submissions/5", nil)
	require.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	app, _, _ = setupGraderApp(t, 0, "")
	resp, _ = perform(t, app, http.MethodGet, "/api/v2/submissions/5", nil)
	require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestSubmissionHandlerRegradeProgressIsStaffOnly(t *testing.T) {
	app, _, _ := setupGraderApp(t, 10, "student")
	resp, _ := perform(t, app, http.MethodPost, "/api/v2/progress/4/regrade", nil)
	require.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	app, _, _ = setupGraderApp(t, 1, "admin")
	resp, payload := perform(t, app, http.MethodPost, "/api/v2/progress/4/regrade", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var progress dto.ProgressResponse
	require.NoError(t, json.Unmarshal(payload.Data, &progress))
	require.Equal(t, uint(4), progress.ID)
}

func TestHealthCheckReportsLanguages(t *testing.T) {
	app, _, _ := setupGraderApp(t, 0, "")
	resp, payload := perform(t, app, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, "Test", resp.Header.Get("X-Application"))

	var health handler.HealthResponse
	require.NoError(t, json.Unmarshal(payload.Data, &health))
	require.Equal(t, "ok", health.Status)
	require.Equal(t, "process", health.Executor)
	require.Equal(t, []string{"c", "python"}, health.Languages)
}
