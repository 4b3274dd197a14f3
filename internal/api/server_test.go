package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"

	"github.com/crewdeck/crewdeck-core/internal/auth"
	"github.com/crewdeck/crewdeck-core/internal/infrastructure/config"
	"github.com/crewdeck/crewdeck-core/internal/infrastructure/logging"
	"github.com/crewdeck/crewdeck-core/internal/project"
	"github.com/crewdeck/crewdeck-core/internal/realtime"
	"github.com/crewdeck/crewdeck-core/internal/security"
)

// setupTestDB creates a temporary SQLite database with the full schema.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	f, err := os.CreateTemp("", "api-test-*.db")
	if err != nil {
		t.Fatalf("creating temp db: %v", err)
	}
	dbPath := f.Name()
	f.Close()
	t.Cleanup(func() { os.Remove(dbPath) })

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=ON")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	schema := `
		CREATE TABLE users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'member',
			is_active INTEGER NOT NULL DEFAULT 1,
			failed_attempts INTEGER NOT NULL DEFAULT 0,
			locked_until TEXT,
			last_login TEXT,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
		) STRICT;
		CREATE UNIQUE INDEX idx_users_email ON users(email);
		CREATE INDEX idx_users_role ON users(role);

		CREATE TABLE projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			owner_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY (owner_id) REFERENCES users(id) ON DELETE CASCADE
		) STRICT;

		CREATE TABLE project_members (
			project_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			added_at TEXT NOT NULL,
			PRIMARY KEY (project_id, user_id),
			FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE,
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		) STRICT;

		CREATE TABLE tasks (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'todo',
			priority TEXT NOT NULL DEFAULT 'medium',
			assignee_id TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
		) STRICT;

		CREATE TABLE security_events (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			severity TEXT NOT NULL DEFAULT 'low',
			subject_id TEXT,
			project_id TEXT,
			metadata TEXT,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
		) STRICT;
		CREATE INDEX idx_security_events_subject ON security_events(subject_id);
		CREATE INDEX idx_security_events_type ON security_events(event_type);
		CREATE INDEX idx_security_events_created ON security_events(created_at);
	`
	if _, execErr := db.Exec(schema); execErr != nil {
		t.Fatalf("applying test schema: %v", execErr)
	}

	return db
}

// testServer wires a Server over a fresh database with a fast bcrypt cost.
func testServer(t *testing.T) (*Server, *sql.DB) {
	t.Helper()

	db := setupTestDB(t)
	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")

	users := auth.NewUserRepository(db)
	events := security.NewSQLiteRepository(db)
	recorder := security.NewRecorder(events, log)
	authSvc := auth.NewService(users, recorder, log, auth.ServiceConfig{
		Secret:     "test-secret-key-at-least-32-chars-long!",
		BcryptCost: bcrypt.MinCost,
	})

	srv, err := New(Deps{
		Config: config.ServerConfig{
			Host: "127.0.0.1",
			Port: 0,
			Timeouts: config.ServerTimeoutConfig{
				Read:  5,
				Write: 5,
				Idle:  5,
			},
		},
		WS: config.WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logger:   log,
		Auth:     authSvc,
		Users:    users,
		Projects: project.NewSQLiteRepository(db),
		Events:   events,
		Recorder: recorder,
		Version:  "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	// Initialise hub for tests that don't go through Start()
	srv.hub = realtime.NewHub(srv.wsCfg, authSvc, recorder, log)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.hub.Run(ctx)

	return srv, db
}

// doJSON performs a request against the router with an optional bearer token.
func doJSON(t *testing.T, router http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()

	var rd *strings.Reader
	if body != "" {
		rd = strings.NewReader(body)
	} else {
		rd = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// registerUser creates an account through the API and returns its token and ID.
func registerUser(t *testing.T, router http.Handler, name, email string) (token, userID string) {
	t.Helper()

	body := fmt.Sprintf(`{"name":%q,"email":%q,"password":"correct-horse-battery"}`, name, email)
	w := doJSON(t, router, http.MethodPost, "/api/v1/auth/register", "", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("register status = %d, want %d; body: %s", w.Code, http.StatusCreated, w.Body.String())
	}

	var resp struct {
		Token string `json:"token"`
		User  struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal register response: %v", err)
	}
	return resp.Token, resp.User.ID
}

// errorCode extracts the code field from a structured error response.
func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()

	var e Error
	if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil {
		t.Fatalf("unmarshal error response: %v; body: %s", err, w.Body.String())
	}
	return e.Code
}

// ─── Health and Middleware Tests ───────────────────────────────────

func TestHealth(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	w := doJSON(t, router, http.MethodGet, "/api/v1/health", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("status = %v, want ok", resp["status"])
	}
	if resp["version"] != "test" {
		t.Errorf("version = %v, want test", resp["version"])
	}
}

func TestRequestID_Generated(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	w := doJSON(t, router, http.MethodGet, "/api/v1/health", "", "")
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header to be set")
	}
}

func TestCORS_Preflight(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
}

func TestNotFound(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	w := doJSON(t, router, http.MethodGet, "/api/v1/nonexistent", "", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown route status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestMetrics(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	w := doJSON(t, router, http.MethodGet, "/api/v1/metrics", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d, want %d", w.Code, http.StatusOK)
	}

	var m SystemMetrics
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal metrics: %v", err)
	}
	if m.Version != "test" {
		t.Errorf("version = %q, want test", m.Version)
	}
}

// ─── Registration Tests ────────────────────────────────────────────

func TestRegister_Success(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	body := `{"name":"Grace","email":"Grace@Example.com","password":"correct-horse-battery"}`
	w := doJSON(t, router, http.MethodPost, "/api/v1/auth/register", "", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d; body: %s", w.Code, http.StatusCreated, w.Body.String())
	}

	var resp struct {
		Token string `json:"token"`
		User  struct {
			ID    string `json:"id"`
			Email string `json:"email"`
			Role  string `json:"role"`
		} `json:"user"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if resp.Token == "" {
		t.Error("expected a token in the register response")
	}
	if resp.User.Email != "grace@example.com" {
		t.Errorf("email = %q, want normalised grace@example.com", resp.User.Email)
	}
	if resp.User.Role != "member" {
		t.Errorf("role = %q, want member", resp.User.Role)
	}
}

func TestRegister_DuplicateEmail(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	registerUser(t, router, "Grace", "grace@example.com")

	body := `{"name":"Imposter","email":"grace@example.com","password":"another-password"}`
	w := doJSON(t, router, http.MethodPost, "/api/v1/auth/register", "", body)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if code := errorCode(t, w); code != ErrCodeDuplicateIdentity {
		t.Errorf("code = %q, want %q", code, ErrCodeDuplicateIdentity)
	}
}

func TestRegister_WeakPassword(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	body := `{"name":"Grace","email":"grace@example.com","password":"short"}`
	w := doJSON(t, router, http.MethodPost, "/api/v1/auth/register", "", body)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if code := errorCode(t, w); code != ErrCodeWeakPassword {
		t.Errorf("code = %q, want %q", code, ErrCodeWeakPassword)
	}
}

func TestRegister_InvalidJSON(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	w := doJSON(t, router, http.MethodPost, "/api/v1/auth/register", "", "not json")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

// ─── Login Tests ───────────────────────────────────────────────────

func TestLogin_Success(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	registerUser(t, router, "Grace", "grace@example.com")

	body := `{"email":"grace@example.com","password":"correct-horse-battery"}`
	w := doJSON(t, router, http.MethodPost, "/api/v1/auth/login", "", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body: %s", w.Code, http.StatusOK, w.Body.String())
	}

	var resp tokenResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Token == "" {
		t.Error("expected a token in the login response")
	}
}

func TestLogin_WrongPassword(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	registerUser(t, router, "Grace", "grace@example.com")

	body := `{"email":"grace@example.com","password":"wrong-password"}`
	w := doJSON(t, router, http.MethodPost, "/api/v1/auth/login", "", body)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	if code := errorCode(t, w); code != ErrCodeInvalidCredentials {
		t.Errorf("code = %q, want %q", code, ErrCodeInvalidCredentials)
	}
}

func TestLogin_UnknownEmail(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	body := `{"email":"nobody@example.com","password":"whatever-password"}`
	w := doJSON(t, router, http.MethodPost, "/api/v1/auth/login", "", body)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	// Same code as a wrong password: no account enumeration.
	if code := errorCode(t, w); code != ErrCodeInvalidCredentials {
		t.Errorf("code = %q, want %q", code, ErrCodeInvalidCredentials)
	}
}

func TestLogin_LockoutAfterRepeatedFailures(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	registerUser(t, router, "Grace", "grace@example.com")

	bad := `{"email":"grace@example.com","password":"wrong-password"}`
	for i := 1; i <= 4; i++ {
		w := doJSON(t, router, http.MethodPost, "/api/v1/auth/login", "", bad)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("failure %d status = %d, want %d", i, w.Code, http.StatusUnauthorized)
		}
	}

	// Fifth failure crosses the threshold
	w := doJSON(t, router, http.MethodPost, "/api/v1/auth/login", "", bad)
	if w.Code != http.StatusLocked {
		t.Fatalf("fifth failure status = %d, want %d", w.Code, http.StatusLocked)
	}
	if code := errorCode(t, w); code != ErrCodeAccountLocked {
		t.Errorf("code = %q, want %q", code, ErrCodeAccountLocked)
	}

	// Correct password while locked still answers 423
	good := `{"email":"grace@example.com","password":"correct-horse-battery"}`
	w = doJSON(t, router, http.MethodPost, "/api/v1/auth/login", "", good)
	if w.Code != http.StatusLocked {
		t.Errorf("locked login with correct password status = %d, want %d", w.Code, http.StatusLocked)
	}
}

// ─── Protected Route Tests ─────────────────────────────────────────

func TestProtectedRoute_RequiresToken(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	w := doJSON(t, router, http.MethodGet, "/api/v1/auth/me", "", "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no token status = %d, want %d", w.Code, http.StatusUnauthorized)
	}

	w = doJSON(t, router, http.MethodGet, "/api/v1/auth/me", "not-a-real-token", "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("garbage token status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestMe(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	token, userID := registerUser(t, router, "Grace", "grace@example.com")

	w := doJSON(t, router, http.MethodGet, "/api/v1/auth/me", token, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body: %s", w.Code, http.StatusOK, w.Body.String())
	}

	var user struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &user); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if user.ID != userID {
		t.Errorf("id = %q, want %q", user.ID, userID)
	}
	if user.Email != "grace@example.com" {
		t.Errorf("email = %q, want grace@example.com", user.Email)
	}
}

func TestChangePassword(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	token, _ := registerUser(t, router, "Grace", "grace@example.com")

	// Wrong current password
	body := `{"current_password":"wrong-password","new_password":"fresh-long-password"}`
	w := doJSON(t, router, http.MethodPost, "/api/v1/auth/change-password", token, body)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong current status = %d, want %d", w.Code, http.StatusUnauthorized)
	}

	// New password too short
	body = `{"current_password":"correct-horse-battery","new_password":"short"}`
	w = doJSON(t, router, http.MethodPost, "/api/v1/auth/change-password", token, body)
	if w.Code != http.StatusBadRequest {
		t.Errorf("weak new password status = %d, want %d", w.Code, http.StatusBadRequest)
	}

	// Success
	body = `{"current_password":"correct-horse-battery","new_password":"fresh-long-password"}`
	w = doJSON(t, router, http.MethodPost, "/api/v1/auth/change-password", token, body)
	if w.Code != http.StatusOK {
		t.Fatalf("change status = %d, want %d; body: %s", w.Code, http.StatusOK, w.Body.String())
	}

	// Old password no longer works, new one does
	w = doJSON(t, router, http.MethodPost, "/api/v1/auth/login", "", `{"email":"grace@example.com","password":"correct-horse-battery"}`)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("old password status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	w = doJSON(t, router, http.MethodPost, "/api/v1/auth/login", "", `{"email":"grace@example.com","password":"fresh-long-password"}`)
	if w.Code != http.StatusOK {
		t.Errorf("new password status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestLogout(t *testing.T) {
	srv, db := testServer(t)
	router := srv.buildRouter()

	token, userID := registerUser(t, router, "Grace", "grace@example.com")

	w := doJSON(t, router, http.MethodPost, "/api/v1/auth/logout", token, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body: %s", w.Code, http.StatusOK, w.Body.String())
	}

	// The logout lands on the security trail
	events := security.NewSQLiteRepository(db)
	result, err := events.List(testContext(t), security.Filter{
		SubjectID: userID,
		Type:      security.EventLogout,
	})
	if err != nil {
		t.Fatalf("listing events: %v", err)
	}
	if len(result.Events) != 1 {
		t.Errorf("logout events = %d, want 1", len(result.Events))
	}
}

func TestUpdateMe(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	token, userID := registerUser(t, router, "Grace", "grace@example.com")

	// Empty name is rejected
	w := doJSON(t, router, http.MethodPatch, "/api/v1/auth/me", token, `{"name":""}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty name status = %d, want %d", w.Code, http.StatusBadRequest)
	}

	w = doJSON(t, router, http.MethodPatch, "/api/v1/auth/me", token, `{"name":"Grace Hopper"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body: %s", w.Code, http.StatusOK, w.Body.String())
	}

	var user struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &user); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if user.ID != userID {
		t.Errorf("id = %q, want %q", user.ID, userID)
	}
	if user.Name != "Grace Hopper" {
		t.Errorf("name = %q, want %q", user.Name, "Grace Hopper")
	}

	// Change is persisted
	w = doJSON(t, router, http.MethodGet, "/api/v1/auth/me", token, "")
	if err := json.Unmarshal(w.Body.Bytes(), &user); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if user.Name != "Grace Hopper" {
		t.Errorf("persisted name = %q, want %q", user.Name, "Grace Hopper")
	}
}

// ─── Role Enforcement Tests ────────────────────────────────────────

// seedAdmin creates an admin account directly and returns a login token.
func seedAdmin(t *testing.T, router http.Handler, db *sql.DB) string {
	t.Helper()

	hash, err := auth.HashPassword("admin-password-123", bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hashing admin password: %v", err)
	}
	users := auth.NewUserRepository(db)
	admin := &auth.User{
		Name:         "Admin",
		Email:        "admin@example.com",
		PasswordHash: hash,
		Role:         auth.RoleAdmin,
		IsActive:     true,
	}
	if err := users.Create(testContext(t), admin); err != nil {
		t.Fatalf("creating admin: %v", err)
	}

	w := doJSON(t, router, http.MethodPost, "/api/v1/auth/login", "", `{"email":"admin@example.com","password":"admin-password-123"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("admin login status = %d, want %d; body: %s", w.Code, http.StatusOK, w.Body.String())
	}

	var resp tokenResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal admin login: %v", err)
	}
	return resp.Token
}

func TestUserAdministration_AdminOnly(t *testing.T) {
	srv, db := testServer(t)
	router := srv.buildRouter()

	memberToken, _ := registerUser(t, router, "Grace", "grace@example.com")

	w := doJSON(t, router, http.MethodGet, "/api/v1/users", memberToken, "")
	if w.Code != http.StatusForbidden {
		t.Errorf("member list users status = %d, want %d", w.Code, http.StatusForbidden)
	}

	adminToken := seedAdmin(t, router, db)
	w = doJSON(t, router, http.MethodGet, "/api/v1/users", adminToken, "")
	if w.Code != http.StatusOK {
		t.Fatalf("admin list users status = %d, want %d; body: %s", w.Code, http.StatusOK, w.Body.String())
	}
}

func TestAdminCannotDeleteSelf(t *testing.T) {
	srv, db := testServer(t)
	router := srv.buildRouter()

	adminToken := seedAdmin(t, router, db)

	var claims struct {
		ID string `json:"id"`
	}
	w := doJSON(t, router, http.MethodGet, "/api/v1/auth/me", adminToken, "")
	if err := json.Unmarshal(w.Body.Bytes(), &claims); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}

	w = doJSON(t, router, http.MethodDelete, "/api/v1/users/"+claims.ID, adminToken, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("self-delete status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

// ─── Project Tests ─────────────────────────────────────────────────

// createProject creates a project through the API and returns its ID.
func createProject(t *testing.T, router http.Handler, token, name string) string {
	t.Helper()

	body := fmt.Sprintf(`{"name":%q,"description":"test project"}`, name)
	w := doJSON(t, router, http.MethodPost, "/api/v1/projects", token, body)
	if w.Code != http.StatusCreated {
		t.Fatalf("create project status = %d, want %d; body: %s", w.Code, http.StatusCreated, w.Body.String())
	}

	var p struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	return p.ID
}

func TestProjectMembership(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	ownerToken, ownerID := registerUser(t, router, "Owner", "owner@example.com")
	otherToken, otherID := registerUser(t, router, "Other", "other@example.com")

	projectID := createProject(t, router, ownerToken, "Launch")

	// Owner can read their project
	w := doJSON(t, router, http.MethodGet, "/api/v1/projects/"+projectID, ownerToken, "")
	if w.Code != http.StatusOK {
		t.Fatalf("owner get status = %d, want %d", w.Code, http.StatusOK)
	}

	// Non-member is rejected
	w = doJSON(t, router, http.MethodGet, "/api/v1/projects/"+projectID, otherToken, "")
	if w.Code != http.StatusForbidden {
		t.Errorf("non-member get status = %d, want %d", w.Code, http.StatusForbidden)
	}

	// Enrol the other user
	body := fmt.Sprintf(`{"user_id":%q}`, otherID)
	w = doJSON(t, router, http.MethodPost, "/api/v1/projects/"+projectID+"/members", ownerToken, body)
	if w.Code != http.StatusCreated {
		t.Fatalf("add member status = %d, want %d; body: %s", w.Code, http.StatusCreated, w.Body.String())
	}

	// Double enrolment conflicts
	w = doJSON(t, router, http.MethodPost, "/api/v1/projects/"+projectID+"/members", ownerToken, body)
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate add status = %d, want %d", w.Code, http.StatusConflict)
	}

	// Member can now read
	w = doJSON(t, router, http.MethodGet, "/api/v1/projects/"+projectID, otherToken, "")
	if w.Code != http.StatusOK {
		t.Errorf("member get status = %d, want %d", w.Code, http.StatusOK)
	}

	// A plain member cannot modify the project
	w = doJSON(t, router, http.MethodPatch, "/api/v1/projects/"+projectID, otherToken, `{"name":"Hijacked"}`)
	if w.Code != http.StatusForbidden {
		t.Errorf("member patch status = %d, want %d", w.Code, http.StatusForbidden)
	}

	// The owner cannot be removed
	w = doJSON(t, router, http.MethodDelete, "/api/v1/projects/"+projectID+"/members/"+ownerID, ownerToken, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("remove owner status = %d, want %d", w.Code, http.StatusBadRequest)
	}

	// Removing the member works
	w = doJSON(t, router, http.MethodDelete, "/api/v1/projects/"+projectID+"/members/"+otherID, ownerToken, "")
	if w.Code != http.StatusOK {
		t.Errorf("remove member status = %d, want %d; body: %s", w.Code, http.StatusOK, w.Body.String())
	}
}

func TestProjectUpdate(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	token, _ := registerUser(t, router, "Owner", "owner@example.com")
	projectID := createProject(t, router, token, "Launch")

	w := doJSON(t, router, http.MethodPatch, "/api/v1/projects/"+projectID, token, `{"name":"Relaunch","status":"on_hold"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("patch status = %d, want %d; body: %s", w.Code, http.StatusOK, w.Body.String())
	}

	var p struct {
		Name   string `json:"name"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.Name != "Relaunch" {
		t.Errorf("name = %q, want Relaunch", p.Name)
	}
	if p.Status != "on_hold" {
		t.Errorf("status = %q, want on_hold", p.Status)
	}

	// Invalid status is rejected
	w = doJSON(t, router, http.MethodPatch, "/api/v1/projects/"+projectID, token, `{"status":"paused"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid status code = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

// ─── Task Tests ────────────────────────────────────────────────────

func TestTaskLifecycle(t *testing.T) {
	srv, db := testServer(t)
	router := srv.buildRouter()

	token, userID := registerUser(t, router, "Owner", "owner@example.com")
	projectID := createProject(t, router, token, "Launch")

	// Create with defaults
	w := doJSON(t, router, http.MethodPost, "/api/v1/projects/"+projectID+"/tasks", token, `{"title":"Write docs"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create task status = %d, want %d; body: %s", w.Code, http.StatusCreated, w.Body.String())
	}

	var task struct {
		ID       string `json:"id"`
		Status   string `json:"status"`
		Priority string `json:"priority"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if task.Status != "todo" {
		t.Errorf("default status = %q, want todo", task.Status)
	}
	if task.Priority != "medium" {
		t.Errorf("default priority = %q, want medium", task.Priority)
	}

	// Update status and priority
	w = doJSON(t, router, http.MethodPatch, "/api/v1/tasks/"+task.ID, token, `{"status":"in_progress","priority":"high"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("patch task status = %d, want %d; body: %s", w.Code, http.StatusOK, w.Body.String())
	}

	// The update lands on the security trail
	events := security.NewSQLiteRepository(db)
	result, err := events.List(testContext(t), security.Filter{
		SubjectID: userID,
		Type:      security.EventTaskUpdate,
	})
	if err != nil {
		t.Fatalf("listing events: %v", err)
	}
	if len(result.Events) != 1 {
		t.Errorf("task_update events = %d, want 1", len(result.Events))
	}

	// Invalid status is rejected
	w = doJSON(t, router, http.MethodPatch, "/api/v1/tasks/"+task.ID, token, `{"status":"finished"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid status code = %d, want %d", w.Code, http.StatusBadRequest)
	}

	// Delete and confirm gone
	w = doJSON(t, router, http.MethodDelete, "/api/v1/tasks/"+task.ID, token, "")
	if w.Code != http.StatusOK {
		t.Errorf("delete task status = %d, want %d", w.Code, http.StatusOK)
	}
	w = doJSON(t, router, http.MethodGet, "/api/v1/tasks/"+task.ID, token, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestTask_NonMemberForbidden(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	ownerToken, _ := registerUser(t, router, "Owner", "owner@example.com")
	otherToken, _ := registerUser(t, router, "Other", "other@example.com")
	projectID := createProject(t, router, ownerToken, "Launch")

	w := doJSON(t, router, http.MethodPost, "/api/v1/projects/"+projectID+"/tasks", ownerToken, `{"title":"Secret work"}`)
	var task struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}

	w = doJSON(t, router, http.MethodGet, "/api/v1/tasks/"+task.ID, otherToken, "")
	if w.Code != http.StatusForbidden {
		t.Errorf("non-member get task status = %d, want %d", w.Code, http.StatusForbidden)
	}
}

// ─── Security Trail Tests ──────────────────────────────────────────

func TestSecurityDashboard(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	token, _ := registerUser(t, router, "Grace", "grace@example.com")

	// One failed login on record
	doJSON(t, router, http.MethodPost, "/api/v1/auth/login", "", `{"email":"grace@example.com","password":"wrong-password"}`)

	w := doJSON(t, router, http.MethodGet, "/api/v1/security/dashboard", token, "")
	if w.Code != http.StatusOK {
		t.Fatalf("dashboard status = %d, want %d; body: %s", w.Code, http.StatusOK, w.Body.String())
	}

	var summary struct {
		Total  int            `json:"total"`
		ByType map[string]int `json:"by_type"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &summary); err != nil {
		t.Fatalf("unmarshal summary: %v", err)
	}
	if summary.Total == 0 {
		t.Error("expected at least one event on the caller's trail")
	}
	if summary.ByType[security.EventFailedLogin] != 1 {
		t.Errorf("failed_login count = %d, want 1", summary.ByType[security.EventFailedLogin])
	}
}

func TestReportIncident(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	token, userID := registerUser(t, router, "Grace", "grace@example.com")

	// Missing alert_type is rejected
	w := doJSON(t, router, http.MethodPost, "/api/v1/security/incidents", token, `{"message":"something odd"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing alert_type status = %d, want %d", w.Code, http.StatusBadRequest)
	}

	w = doJSON(t, router, http.MethodPost, "/api/v1/security/incidents", token, `{"alert_type":"suspicious_activity","message":"odd login pattern"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("report status = %d, want %d; body: %s", w.Code, http.StatusCreated, w.Body.String())
	}

	var event struct {
		Severity  string `json:"severity"`
		SubjectID string `json:"subject_id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &event); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if event.Severity != string(security.SeverityMedium) {
		t.Errorf("severity = %q, want medium default", event.Severity)
	}
	if event.SubjectID != userID {
		t.Errorf("subject = %q, want caller %q", event.SubjectID, userID)
	}
}

func TestListEvents_AdminOnly(t *testing.T) {
	srv, db := testServer(t)
	router := srv.buildRouter()

	memberToken, _ := registerUser(t, router, "Grace", "grace@example.com")

	w := doJSON(t, router, http.MethodGet, "/api/v1/security/events", memberToken, "")
	if w.Code != http.StatusForbidden {
		t.Errorf("member list events status = %d, want %d", w.Code, http.StatusForbidden)
	}

	adminToken := seedAdmin(t, router, db)
	w = doJSON(t, router, http.MethodGet, "/api/v1/security/events?type=user_registered", adminToken, "")
	if w.Code != http.StatusOK {
		t.Fatalf("admin list events status = %d, want %d; body: %s", w.Code, http.StatusOK, w.Body.String())
	}

	var result struct {
		Total int `json:"total"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Total != 1 {
		t.Errorf("user_registered total = %d, want 1", result.Total)
	}
}

func TestSecurityRecommendations(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	token, _ := registerUser(t, router, "Grace", "grace@example.com")

	w := doJSON(t, router, http.MethodGet, "/api/v1/security/recommendations", token, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body: %s", w.Code, http.StatusOK, w.Body.String())
	}

	var resp struct {
		Recommendations []struct {
			Title    string `json:"title"`
			Priority string `json:"priority"`
		} `json:"recommendations"`
		Count int `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Count != len(resp.Recommendations) {
		t.Errorf("count = %d, recommendations = %d", resp.Count, len(resp.Recommendations))
	}

	hasPasswordAdvice := func() bool {
		for _, rec := range resp.Recommendations {
			if rec.Title == "Password Security" {
				return true
			}
		}
		return false
	}

	// A fresh account has never changed its password.
	if !hasPasswordAdvice() {
		t.Error("expected password advice for a fresh account")
	}

	// After a password change the advice disappears.
	body := `{"current_password":"correct-horse-battery","new_password":"fresh-long-password"}`
	w = doJSON(t, router, http.MethodPost, "/api/v1/auth/change-password", token, body)
	if w.Code != http.StatusOK {
		t.Fatalf("change password status = %d; body: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, http.MethodGet, "/api/v1/security/recommendations", token, "")
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if hasPasswordAdvice() {
		t.Error("password advice still present after a password change")
	}
}

func TestSystemNotification_AdminOnly(t *testing.T) {
	srv, db := testServer(t)
	router := srv.buildRouter()

	memberToken, _ := registerUser(t, router, "Grace", "grace@example.com")
	w := doJSON(t, router, http.MethodPost, "/api/v1/system/notifications", memberToken, `{"title":"Maintenance"}`)
	if w.Code != http.StatusForbidden {
		t.Errorf("member status = %d, want %d", w.Code, http.StatusForbidden)
	}

	adminToken := seedAdmin(t, router, db)

	w = doJSON(t, router, http.MethodPost, "/api/v1/system/notifications", adminToken, `{"message":"no title"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing title status = %d, want %d", w.Code, http.StatusBadRequest)
	}

	w = doJSON(t, router, http.MethodPost, "/api/v1/system/notifications", adminToken,
		`{"title":"Maintenance","message":"Restarting at midnight UTC","level":"warning"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d; body: %s", w.Code, http.StatusAccepted, w.Body.String())
	}

	var resp struct {
		Recipients int `json:"recipients"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Recipients != 0 {
		t.Errorf("recipients = %d, want 0 with no clients connected", resp.Recipients)
	}
}

// ─── Server Lifecycle ──────────────────────────────────────────────

func TestServer_StartAndClose(t *testing.T) {
	srv, addr := testServerWithRealListener(t, 19090)

	resp, err := http.Get("http://" + addr + "/api/v1/health")
	if err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want 200", resp.StatusCode)
	}

	if err := srv.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if _, err := http.Get("http://" + addr + "/api/v1/health"); err == nil {
		t.Error("server still responding after Close()")
	}
}
