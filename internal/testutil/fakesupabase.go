// Package testutil provides an in-process stand-in for the hosted platform.
package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// Credentials used by every FakeSupabase.
const (
	FakeAnonKey    = "anon-key"
	FakeServiceKey = "service-role-key"
	FakeJWTSecret  = "super-secret-jwt-token-with-at-least-32-characters"
)

// FakeUser is an auth user held by FakeSupabase.
type FakeUser struct {
	ID        string
	Email     string
	Password  string
	Confirmed bool
	Metadata  map[string]interface{}
	CreatedAt time.Time
}

// FakeSupabase emulates the auth, rest and storage endpoints closely enough
// to drive the client end to end.
type FakeSupabase struct {
	Server *httptest.Server

	// TokenTTL is the lifetime of issued access tokens.
	TokenTTL time.Duration

	mu         sync.Mutex
	users      map[string]*FakeUser
	sessions   map[string]string
	refresh    map[string]string
	tables     map[string][]map[string]interface{}
	uniques    map[string]string
	buckets    map[string]map[string]interface{}
	objects    map[string][]byte
	signTokens map[string]string
	rpcs       []RPCCall
	failures   map[string]failure
	calls      map[string]int
}

// RPCCall records one function invocation.
type RPCCall struct {
	Function string
	Params   map[string]interface{}
}

type failure struct {
	status int
	body   string
}

// NewFakeSupabase starts a fake and closes it when t finishes.
func NewFakeSupabase(t testing.TB) *FakeSupabase {
	t.Helper()
	f := &FakeSupabase{
		TokenTTL:   time.Hour,
		users:      make(map[string]*FakeUser),
		sessions:   make(map[string]string),
		refresh:    make(map[string]string),
		tables:     make(map[string][]map[string]interface{}),
		uniques:    map[string]string{"cows": "tracking_id", "profiles": "id"},
		buckets:    make(map[string]map[string]interface{}),
		objects:    make(map[string][]byte),
		signTokens: make(map[string]string),
		failures:   make(map[string]failure),
		calls:      make(map[string]int),
	}
	f.Server = httptest.NewServer(f.router())
	t.Cleanup(f.Server.Close)
	return f
}

// URL returns the project URL.
func (f *FakeSupabase) URL() string {
	return f.Server.URL
}

// =============================================================================
// Test controls
// =============================================================================

// AddUser registers a user and returns it.
func (f *FakeSupabase) AddUser(email, password string, confirmed bool) *FakeUser {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addUserLocked(email, password, confirmed, nil)
}

func (f *FakeSupabase) addUserLocked(email, password string, confirmed bool, meta map[string]interface{}) *FakeUser {
	u := &FakeUser{
		ID:        uuid.NewString(),
		Email:     strings.ToLower(email),
		Password:  password,
		Confirmed: confirmed,
		Metadata:  meta,
		CreatedAt: time.Now().UTC(),
	}
	f.users[u.ID] = u
	return u
}

// User looks a user up by email.
func (f *FakeSupabase) User(email string) (*FakeUser, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.userByEmailLocked(email)
	if u == nil {
		return nil, false
	}
	cp := *u
	return &cp, true
}

// SignIn issues a session for an existing user.
func (f *FakeSupabase) SignIn(t testing.TB, email string) (accessToken, refreshToken string) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.userByEmailLocked(email)
	if u == nil {
		t.Fatalf("SignIn(%q): no such user", email)
	}
	return f.issueLocked(u, f.TokenTTL)
}

// IssueToken signs an access token for userID with the given lifetime,
// which may be negative. The token is not registered as a session.
func (f *FakeSupabase) IssueToken(userID, email string, ttl time.Duration) string {
	tok, _ := signToken(userID, email, ttl)
	return tok
}

// IssueRefreshToken registers a refresh token for the user.
func (f *FakeSupabase) IssueRefreshToken(userID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	rt := uuid.NewString()
	f.refresh[rt] = userID
	return rt
}

// SetFailure forces every request on route to fail with status. Routes are
// "auth.token", "auth.user", "auth.logout", "auth.admin", "rest.<table>",
// "rpc.<fn>", "storage.bucket", "storage.upload", "storage.sign" and
// "storage.signed_put".
func (f *FakeSupabase) SetFailure(route string, status int, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, _ := json.Marshal(map[string]string{"message": message, "statusCode": strconv.Itoa(status), "error": message})
	f.failures[route] = failure{status: status, body: string(body)}
}

// ClearFailure removes a forced failure.
func (f *FakeSupabase) ClearFailure(route string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failures, route)
}

// Calls returns how many requests reached route.
func (f *FakeSupabase) Calls(route string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[route]
}

// Rows returns a copy of a table.
func (f *FakeSupabase) Rows(table string) []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]interface{}, 0, len(f.tables[table]))
	for _, row := range f.tables[table] {
		out = append(out, copyRow(row))
	}
	return out
}

// Seed appends rows to a table as-is.
func (f *FakeSupabase) Seed(table string, rows ...map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range rows {
		f.tables[table] = append(f.tables[table], copyRow(row))
	}
}

// AddBucket creates a bucket.
func (f *FakeSupabase) AddBucket(id string, public bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buckets[id] = map[string]interface{}{"id": id, "name": id, "public": public}
}

// Bucket returns a bucket's attributes.
func (f *FakeSupabase) Bucket(id string) (map[string]interface{}, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.buckets[id]
	return b, ok
}

// Object returns a stored object.
func (f *FakeSupabase) Object(bucket, path string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[bucket+"/"+path]
	return data, ok
}

// RPCs returns recorded function calls.
func (f *FakeSupabase) RPCs() []RPCCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]RPCCall(nil), f.rpcs...)
}

// =============================================================================
// Routing
// =============================================================================

func (f *FakeSupabase) router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/auth/v1/token", f.handleToken).Methods(http.MethodPost)
	r.HandleFunc("/auth/v1/user", f.handleGetUser).Methods(http.MethodGet)
	r.HandleFunc("/auth/v1/logout", f.handleLogout).Methods(http.MethodPost)
	r.HandleFunc("/auth/v1/admin/users", f.handleAdminListUsers).Methods(http.MethodGet)
	r.HandleFunc("/auth/v1/admin/users", f.handleAdminCreateUser).Methods(http.MethodPost)
	r.HandleFunc("/auth/v1/admin/users/{id}", f.handleAdminUpdateUser).Methods(http.MethodPut)

	r.HandleFunc("/rest/v1/rpc/{fn}", f.handleRPC).Methods(http.MethodPost)
	r.HandleFunc("/rest/v1/{table}", f.handleTable)

	r.HandleFunc("/storage/v1/bucket", f.handleListBuckets).Methods(http.MethodGet)
	r.HandleFunc("/storage/v1/bucket", f.handleCreateBucket).Methods(http.MethodPost)
	r.HandleFunc("/storage/v1/bucket/{id}", f.handleGetBucket).Methods(http.MethodGet)
	r.HandleFunc("/storage/v1/object/upload/sign/{bucket}/{path:.+}", f.handleSignUpload).Methods(http.MethodPost)
	r.HandleFunc("/storage/v1/object/upload/sign/{bucket}/{path:.+}", f.handleSignedPut).Methods(http.MethodPut)
	r.HandleFunc("/storage/v1/object/public/{bucket}/{path:.+}", f.handlePublicObject).Methods(http.MethodGet)
	r.HandleFunc("/storage/v1/object/{bucket}/{path:.+}", f.handleUpload).Methods(http.MethodPost)

	return f.requireAPIKey(r)
}

func (f *FakeSupabase) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/storage/v1/object/public/") {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("apikey")
		if key != FakeAnonKey && key != FakeServiceKey {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Invalid API key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// enter counts the call and reports a forced failure.
func (f *FakeSupabase) enter(w http.ResponseWriter, route string) bool {
	f.mu.Lock()
	f.calls[route]++
	fail, ok := f.failures[route]
	f.mu.Unlock()
	if ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(fail.status)
		io.WriteString(w, fail.body)
		return false
	}
	return true
}

type caller struct {
	service bool
	userID  string
}

func (f *FakeSupabase) callerOf(r *http.Request) caller {
	bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if bearer == FakeServiceKey {
		return caller{service: true}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.sessions[bearer]; ok {
		if _, err := parseToken(bearer); err == nil {
			return caller{userID: id}
		}
	}
	return caller{}
}

func (c caller) authenticated() bool {
	return c.service || c.userID != ""
}

// =============================================================================
// Auth
// =============================================================================

func (f *FakeSupabase) handleToken(w http.ResponseWriter, r *http.Request) {
	if !f.enter(w, "auth.token") {
		return
	}
	var body map[string]string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"msg": "invalid body"})
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.URL.Query().Get("grant_type") {
	case "password":
		u := f.userByEmailLocked(body["email"])
		if u == nil || u.Password != body["password"] {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"code": 400, "error_code": "invalid_credentials", "msg": "Invalid login credentials",
			})
			return
		}
		if !u.Confirmed {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"code": 400, "error_code": "email_not_confirmed", "msg": "Email not confirmed",
			})
			return
		}
		access, refresh := f.issueLocked(u, f.TokenTTL)
		writeJSON(w, http.StatusOK, sessionJSON(u, access, refresh, f.TokenTTL))
	case "refresh_token":
		id, ok := f.refresh[body["refresh_token"]]
		u := f.users[id]
		if !ok || u == nil {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"code": 400, "error_code": "refresh_token_not_found", "msg": "Invalid Refresh Token: Refresh Token Not Found",
			})
			return
		}
		delete(f.refresh, body["refresh_token"])
		access, refresh := f.issueLocked(u, f.TokenTTL)
		writeJSON(w, http.StatusOK, sessionJSON(u, access, refresh, f.TokenTTL))
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"msg": "unsupported grant_type"})
	}
}

func (f *FakeSupabase) handleGetUser(w http.ResponseWriter, r *http.Request) {
	if !f.enter(w, "auth.user") {
		return
	}
	c := f.callerOf(r)
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.users[c.userID]
	if u == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
			"code": 401, "error_code": "bad_jwt", "msg": "invalid JWT: unable to parse or verify signature",
		})
		return
	}
	writeJSON(w, http.StatusOK, userJSON(u))
}

func (f *FakeSupabase) handleLogout(w http.ResponseWriter, r *http.Request) {
	if !f.enter(w, "auth.logout") {
		return
	}
	bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	f.mu.Lock()
	delete(f.sessions, bearer)
	f.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (f *FakeSupabase) requireService(w http.ResponseWriter, r *http.Request) bool {
	if !f.callerOf(r).service {
		writeJSON(w, http.StatusForbidden, map[string]interface{}{
			"code": 403, "error_code": "not_admin", "msg": "User not allowed",
		})
		return false
	}
	return true
}

func (f *FakeSupabase) handleAdminListUsers(w http.ResponseWriter, r *http.Request) {
	if !f.enter(w, "auth.admin") || !f.requireService(w, r) {
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 50
	}

	f.mu.Lock()
	all := make([]*FakeUser, 0, len(f.users))
	for _, u := range f.users {
		all = append(all, u)
	}
	f.mu.Unlock()
	sort.Slice(all, func(i, j int) bool { return all[i].Email < all[j].Email })

	start := (page - 1) * perPage
	users := make([]map[string]interface{}, 0)
	for i := start; i < len(all) && i < start+perPage; i++ {
		users = append(users, userJSON(all[i]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"users": users, "aud": "authenticated"})
}

type adminAttrs struct {
	Email        *string                `json:"email"`
	Password     *string                `json:"password"`
	EmailConfirm *bool                  `json:"email_confirm"`
	UserMetadata map[string]interface{} `json:"user_metadata"`
}

func (f *FakeSupabase) handleAdminCreateUser(w http.ResponseWriter, r *http.Request) {
	if !f.enter(w, "auth.admin") || !f.requireService(w, r) {
		return
	}
	var attrs adminAttrs
	if err := json.NewDecoder(r.Body).Decode(&attrs); err != nil || attrs.Email == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"msg": "email is required"})
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.userByEmailLocked(*attrs.Email) != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"code": 422, "error_code": "email_exists", "msg": "A user with this email address has already been registered",
		})
		return
	}
	password := ""
	if attrs.Password != nil {
		password = *attrs.Password
	}
	u := f.addUserLocked(*attrs.Email, password, attrs.EmailConfirm != nil && *attrs.EmailConfirm, attrs.UserMetadata)
	writeJSON(w, http.StatusOK, userJSON(u))
}

func (f *FakeSupabase) handleAdminUpdateUser(w http.ResponseWriter, r *http.Request) {
	if !f.enter(w, "auth.admin") || !f.requireService(w, r) {
		return
	}
	var attrs adminAttrs
	if err := json.NewDecoder(r.Body).Decode(&attrs); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"msg": "invalid body"})
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.users[mux.Vars(r)["id"]]
	if u == nil {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"code": 404, "error_code": "user_not_found", "msg": "User not found"})
		return
	}
	if attrs.Email != nil {
		u.Email = strings.ToLower(*attrs.Email)
	}
	if attrs.Password != nil {
		u.Password = *attrs.Password
	}
	if attrs.EmailConfirm != nil && *attrs.EmailConfirm {
		u.Confirmed = true
	}
	if attrs.UserMetadata != nil {
		u.Metadata = attrs.UserMetadata
	}
	writeJSON(w, http.StatusOK, userJSON(u))
}

func (f *FakeSupabase) userByEmailLocked(email string) *FakeUser {
	email = strings.ToLower(strings.TrimSpace(email))
	for _, u := range f.users {
		if u.Email == email {
			return u
		}
	}
	return nil
}

func (f *FakeSupabase) issueLocked(u *FakeUser, ttl time.Duration) (string, string) {
	access, _ := signToken(u.ID, u.Email, ttl)
	refresh := uuid.NewString()
	f.sessions[access] = u.ID
	f.refresh[refresh] = u.ID
	return access, refresh
}

// signToken mints an HS256 token; jti keeps tokens from the same second distinct.
func signToken(userID, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   userID,
		"email": email,
		"role":  "authenticated",
		"aud":   "authenticated",
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
		"jti":   uuid.NewString(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(FakeJWTSecret))
}

func parseToken(raw string) (*jwt.Token, error) {
	return jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		return []byte(FakeJWTSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
}

func userJSON(u *FakeUser) map[string]interface{} {
	out := map[string]interface{}{
		"id":            u.ID,
		"aud":           "authenticated",
		"role":          "authenticated",
		"email":         u.Email,
		"user_metadata": u.Metadata,
		"created_at":    u.CreatedAt.Format(time.RFC3339),
		"updated_at":    u.CreatedAt.Format(time.RFC3339),
	}
	if u.Confirmed {
		out["email_confirmed_at"] = u.CreatedAt.Format(time.RFC3339)
	}
	return out
}

func sessionJSON(u *FakeUser, access, refresh string, ttl time.Duration) map[string]interface{} {
	return map[string]interface{}{
		"access_token":  access,
		"token_type":    "bearer",
		"expires_in":    int(ttl.Seconds()),
		"expires_at":    time.Now().Add(ttl).Unix(),
		"refresh_token": refresh,
		"user":          userJSON(u),
	}
}

// =============================================================================
// REST
// =============================================================================

func (f *FakeSupabase) handleRPC(w http.ResponseWriter, r *http.Request) {
	fn := mux.Vars(r)["fn"]
	if !f.enter(w, "rpc."+fn) {
		return
	}
	if !f.callerOf(r).service {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"code": "42501", "message": "permission denied for function " + fn})
		return
	}
	var params map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"code": "PGRST102", "message": "invalid body"})
		return
	}
	f.mu.Lock()
	f.rpcs = append(f.rpcs, RPCCall{Function: fn, Params: params})
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, nil)
}

func (f *FakeSupabase) handleTable(w http.ResponseWriter, r *http.Request) {
	table := mux.Vars(r)["table"]
	if !f.enter(w, "rest."+table) {
		return
	}
	c := f.callerOf(r)
	if !c.authenticated() {
		// policies only grant the authenticated role
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			f.writeRows(w, r, nil, 0)
			return
		}
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"code": "42501", "message": fmt.Sprintf("new row violates row-level security policy for table %q", table),
		})
		return
	}

	query, err := parseQuery(r.URL.RawQuery)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"code": "PGRST100", "message": err.Error()})
		return
	}

	switch r.Method {
	case http.MethodGet, http.MethodHead:
		f.mu.Lock()
		rows, total := query.apply(f.tables[table])
		f.mu.Unlock()
		f.writeRows(w, r, rows, total)
	case http.MethodPost:
		f.insert(w, r, table, query)
	case http.MethodPatch:
		f.update(w, r, table, query)
	case http.MethodDelete:
		f.mu.Lock()
		var kept, removed []map[string]interface{}
		for _, row := range f.tables[table] {
			if query.matches(row) {
				removed = append(removed, row)
			} else {
				kept = append(kept, row)
			}
		}
		f.tables[table] = kept
		f.mu.Unlock()
		f.writeRows(w, r, removed, len(removed))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *FakeSupabase) writeRows(w http.ResponseWriter, r *http.Request, rows []map[string]interface{}, total int) {
	if rows == nil {
		rows = []map[string]interface{}{}
	}
	if strings.Contains(r.Header.Get("Prefer"), "count=") {
		if len(rows) == 0 {
			w.Header().Set("Content-Range", fmt.Sprintf("*/%d", total))
		} else {
			w.Header().Set("Content-Range", fmt.Sprintf("0-%d/%d", len(rows)-1, total))
		}
	}
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	if strings.Contains(r.Header.Get("Accept"), "vnd.pgrst.object") {
		if len(rows) != 1 {
			writeJSON(w, http.StatusNotAcceptable, map[string]string{
				"code":    "PGRST116",
				"message": "JSON object requested, multiple (or no) rows returned",
				"details": fmt.Sprintf("The result contains %d rows", len(rows)),
			})
			return
		}
		writeJSON(w, http.StatusOK, rows[0])
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func decodeRows(r *http.Request) ([]map[string]interface{}, error) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	raw = []byte(strings.TrimSpace(string(raw)))
	if len(raw) > 0 && raw[0] == '[' {
		var rows []map[string]interface{}
		err := json.Unmarshal(raw, &rows)
		return rows, err
	}
	var row map[string]interface{}
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, err
	}
	return []map[string]interface{}{row}, nil
}

func (f *FakeSupabase) insert(w http.ResponseWriter, r *http.Request, table string, q *fakeQuery) {
	rows, err := decodeRows(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"code": "PGRST102", "message": "Empty or invalid json"})
		return
	}
	merge := strings.Contains(r.Header.Get("Prefer"), "merge-duplicates")

	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]map[string]interface{}, 0, len(rows))
	for _, row := range rows {
		row = copyRow(row)
		if _, ok := row["id"]; !ok || row["id"] == nil {
			row["id"] = uuid.NewString()
		}
		if _, ok := row["created_at"]; !ok || row["created_at"] == nil {
			row["created_at"] = time.Now().UTC().Format(time.RFC3339Nano)
		}

		conflictCol := q.onConflict
		if conflictCol == "" {
			conflictCol = f.uniques[table]
		}
		if idx := f.findLocked(table, conflictCol, row[conflictCol]); idx >= 0 {
			if !merge {
				writeJSON(w, http.StatusConflict, map[string]string{
					"code":    "23505",
					"message": fmt.Sprintf("duplicate key value violates unique constraint \"%s_%s_key\"", table, conflictCol),
				})
				return
			}
			existing := f.tables[table][idx]
			for k, v := range row {
				if k == "created_at" {
					if _, had := existing[k]; had {
						continue
					}
				}
				existing[k] = v
			}
			out = append(out, copyRow(existing))
			continue
		}
		f.tables[table] = append(f.tables[table], row)
		out = append(out, copyRow(row))
	}

	if strings.Contains(r.Header.Get("Accept"), "vnd.pgrst.object") && len(out) == 1 {
		writeJSON(w, http.StatusCreated, out[0])
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (f *FakeSupabase) findLocked(table, column string, value interface{}) int {
	if column == "" || value == nil {
		return -1
	}
	want := fmt.Sprint(value)
	for i, row := range f.tables[table] {
		if v, ok := row[column]; ok && fmt.Sprint(v) == want {
			return i
		}
	}
	return -1
}

func (f *FakeSupabase) update(w http.ResponseWriter, r *http.Request, table string, q *fakeQuery) {
	rows, err := decodeRows(r)
	if err != nil || len(rows) != 1 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"code": "PGRST102", "message": "Empty or invalid json"})
		return
	}
	patch := rows[0]

	f.mu.Lock()
	out := make([]map[string]interface{}, 0)
	for _, row := range f.tables[table] {
		if !q.matches(row) {
			continue
		}
		for k, v := range patch {
			row[k] = v
		}
		out = append(out, copyRow(row))
	}
	f.mu.Unlock()

	if strings.Contains(r.Header.Get("Accept"), "vnd.pgrst.object") {
		f.writeRows(w, r, out, len(out))
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// Query evaluation
// =============================================================================

type fakeFilter struct {
	column string
	op     string
	value  string
}

type fakeOrder struct {
	column string
	desc   bool
}

type fakeQuery struct {
	filters    []fakeFilter
	or         [][]fakeFilter
	orders     []fakeOrder
	limit      int
	offset     int
	onConflict string
}

func parseQuery(raw string) (*fakeQuery, error) {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return nil, err
	}
	q := &fakeQuery{limit: -1}
	for key, vals := range values {
		for _, v := range vals {
			switch key {
			case "select", "columns":
			case "on_conflict":
				q.onConflict = v
			case "limit":
				q.limit, _ = strconv.Atoi(v)
			case "offset":
				q.offset, _ = strconv.Atoi(v)
			case "order":
				for _, part := range strings.Split(v, ",") {
					segs := strings.Split(part, ".")
					q.orders = append(q.orders, fakeOrder{column: segs[0], desc: len(segs) > 1 && segs[1] == "desc"})
				}
			case "or":
				group, err := parseOrGroup(v)
				if err != nil {
					return nil, err
				}
				q.or = append(q.or, group)
			default:
				op, val, ok := strings.Cut(v, ".")
				if !ok {
					return nil, fmt.Errorf("failed to parse filter (%s)", v)
				}
				q.filters = append(q.filters, fakeFilter{column: key, op: op, value: val})
			}
		}
	}
	return q, nil
}

func parseOrGroup(v string) ([]fakeFilter, error) {
	v = strings.TrimSuffix(strings.TrimPrefix(v, "("), ")")
	var out []fakeFilter
	for _, part := range strings.Split(v, ",") {
		segs := strings.SplitN(part, ".", 3)
		if len(segs) != 3 {
			return nil, fmt.Errorf("failed to parse logic tree (%s)", v)
		}
		out = append(out, fakeFilter{column: segs[0], op: segs[1], value: segs[2]})
	}
	return out, nil
}

func (q *fakeQuery) matches(row map[string]interface{}) bool {
	for _, flt := range q.filters {
		if !flt.matches(row) {
			return false
		}
	}
	for _, group := range q.or {
		hit := false
		for _, flt := range group {
			if flt.matches(row) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	return true
}

func (q *fakeQuery) apply(rows []map[string]interface{}) ([]map[string]interface{}, int) {
	matched := make([]map[string]interface{}, 0)
	for _, row := range rows {
		if q.matches(row) {
			matched = append(matched, copyRow(row))
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		for _, o := range q.orders {
			c := compareValues(matched[i][o.column], matched[j][o.column])
			if c == 0 {
				continue
			}
			if o.desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
	total := len(matched)
	if q.offset > 0 {
		if q.offset >= len(matched) {
			matched = matched[:0]
		} else {
			matched = matched[q.offset:]
		}
	}
	if q.limit >= 0 && q.limit < len(matched) {
		matched = matched[:q.limit]
	}
	return matched, total
}

func (flt fakeFilter) matches(row map[string]interface{}) bool {
	v := row[flt.column]
	switch flt.op {
	case "eq":
		return v != nil && compareValues(v, flt.value) == 0
	case "neq":
		return v == nil || compareValues(v, flt.value) != 0
	case "gt":
		return v != nil && compareValues(v, flt.value) > 0
	case "gte":
		return v != nil && compareValues(v, flt.value) >= 0
	case "lt":
		return v != nil && compareValues(v, flt.value) < 0
	case "lte":
		return v != nil && compareValues(v, flt.value) <= 0
	case "is":
		if flt.value == "null" {
			return v == nil
		}
		return fmt.Sprint(v) == flt.value
	case "in":
		list := strings.Split(strings.TrimSuffix(strings.TrimPrefix(flt.value, "("), ")"), ",")
		for _, item := range list {
			if v != nil && compareValues(v, item) == 0 {
				return true
			}
		}
		return false
	case "ilike", "like":
		if v == nil {
			return false
		}
		pattern := regexp.QuoteMeta(flt.value)
		pattern = strings.NewReplacer(`\*`, ".*", "%", ".*").Replace(pattern)
		if flt.op == "ilike" {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile("^" + pattern + "$")
		return err == nil && re.MatchString(fmt.Sprint(v))
	}
	return false
}

// compareValues orders timestamps by time, numbers numerically and
// everything else as strings.
func compareValues(a, b interface{}) int {
	as, bs := stringify(a), stringify(b)
	if at, err := time.Parse(time.RFC3339Nano, as); err == nil {
		if bt, err := time.Parse(time.RFC3339Nano, bs); err == nil {
			return at.Compare(bt)
		}
	}
	if af, err := strconv.ParseFloat(as, 64); err == nil {
		if bf, err := strconv.ParseFloat(bs, 64); err == nil {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			}
			return 0
		}
	}
	return strings.Compare(as, bs)
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func copyRow(row map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

// =============================================================================
// Storage
// =============================================================================

func storageError(w http.ResponseWriter, status int, message string) {
	// storage answers 400 and carries the real status in the body
	writeJSON(w, http.StatusBadRequest, map[string]string{
		"statusCode": strconv.Itoa(status),
		"error":      http.StatusText(status),
		"message":    message,
	})
}

func (f *FakeSupabase) handleListBuckets(w http.ResponseWriter, r *http.Request) {
	if !f.enter(w, "storage.bucket") {
		return
	}
	if !f.callerOf(r).service {
		storageError(w, http.StatusForbidden, "permission denied")
		return
	}
	f.mu.Lock()
	out := make([]map[string]interface{}, 0, len(f.buckets))
	for _, b := range f.buckets {
		out = append(out, b)
	}
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (f *FakeSupabase) handleGetBucket(w http.ResponseWriter, r *http.Request) {
	if !f.enter(w, "storage.bucket") {
		return
	}
	f.mu.Lock()
	b, ok := f.buckets[mux.Vars(r)["id"]]
	f.mu.Unlock()
	if !ok {
		storageError(w, http.StatusNotFound, "Bucket not found")
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (f *FakeSupabase) handleCreateBucket(w http.ResponseWriter, r *http.Request) {
	if !f.enter(w, "storage.bucket") {
		return
	}
	if !f.callerOf(r).service {
		storageError(w, http.StatusForbidden, "new row violates row-level security policy")
		return
	}
	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		storageError(w, http.StatusBadRequest, "invalid body")
		return
	}
	id := fmt.Sprint(body["id"])
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.buckets[id]; exists {
		storageError(w, http.StatusConflict, "The resource already exists")
		return
	}
	f.buckets[id] = body
	writeJSON(w, http.StatusOK, map[string]string{"name": id})
}

func (f *FakeSupabase) storeObject(w http.ResponseWriter, r *http.Request, bucket, path string, upsert bool) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		storageError(w, http.StatusBadRequest, "read body")
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.buckets[bucket]; !ok {
		storageError(w, http.StatusNotFound, "Bucket not found")
		return
	}
	key := bucket + "/" + path
	if _, exists := f.objects[key]; exists && !upsert {
		storageError(w, http.StatusConflict, "The resource already exists")
		return
	}
	f.objects[key] = data
	writeJSON(w, http.StatusOK, map[string]string{"Key": key})
}

func (f *FakeSupabase) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !f.enter(w, "storage.upload") {
		return
	}
	if !f.callerOf(r).authenticated() {
		storageError(w, http.StatusForbidden, "new row violates row-level security policy")
		return
	}
	vars := mux.Vars(r)
	f.storeObject(w, r, vars["bucket"], vars["path"], r.Header.Get("x-upsert") == "true")
}

func (f *FakeSupabase) handleSignUpload(w http.ResponseWriter, r *http.Request) {
	if !f.enter(w, "storage.sign") {
		return
	}
	if !f.callerOf(r).authenticated() {
		storageError(w, http.StatusForbidden, "new row violates row-level security policy")
		return
	}
	vars := mux.Vars(r)
	token := uuid.NewString()
	f.mu.Lock()
	f.signTokens[token] = vars["bucket"] + "/" + vars["path"]
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{
		"url": fmt.Sprintf("/object/upload/sign/%s/%s?token=%s", vars["bucket"], vars["path"], token),
	})
}

func (f *FakeSupabase) handleSignedPut(w http.ResponseWriter, r *http.Request) {
	if !f.enter(w, "storage.signed_put") {
		return
	}
	vars := mux.Vars(r)
	token := r.URL.Query().Get("token")
	f.mu.Lock()
	target, ok := f.signTokens[token]
	if ok {
		delete(f.signTokens, token)
	}
	f.mu.Unlock()
	if !ok || target != vars["bucket"]+"/"+vars["path"] {
		storageError(w, http.StatusForbidden, "invalid signature")
		return
	}
	f.storeObject(w, r, vars["bucket"], vars["path"], true)
}

func (f *FakeSupabase) handlePublicObject(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	data, ok := f.Object(vars["bucket"], vars["path"])
	if !ok {
		storageError(w, http.StatusNotFound, "Object not found")
		return
	}
	w.Write(data)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
