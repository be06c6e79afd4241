package workflow

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

// fakeLoyalty is an in-memory stand-in for the target API. It implements
// every endpoint the workflows touch, including 409s on duplicate emails,
// so conflict fallbacks can be exercised without a real backend.
type fakeLoyalty struct {
	mu sync.Mutex

	users       map[string]*fakeUser // keyed by email
	otps        map[string]string    // email -> otp
	tokens      map[string]string    // token -> user id
	merchants   []*fakeMerchant
	customers   []*fakeCustomer
	programs    []*fakeProgram
	rules       int
	rewards     []*fakeReward
	txCount     int
	redemptions []*fakeRedemption
	nextID      int

	// failLogin makes every login attempt answer 500.
	failLogin bool
	// customer401 makes duplicate-customer creation answer 401 instead
	// of 409, mimicking the target's inconsistent variant.
	customer401 bool

	srv *httptest.Server
}

type fakeUser struct {
	id       string
	email    string
	password string
	verified bool
}

type fakeMerchant struct {
	id     string
	userID string
}

type fakeCustomer struct {
	id         string
	merchantID string
	email      string
}

type fakeProgram struct {
	id         string
	merchantID string
}

type fakeReward struct {
	id             string
	programID      string
	pointsRequired int
}

type fakeRedemption struct {
	customerID string
	rewardID   string
	pointsUsed int
}

func newFakeLoyalty() *fakeLoyalty {
	f := &fakeLoyalty{
		users:  make(map[string]*fakeUser),
		otps:   make(map[string]string),
		tokens: make(map[string]string),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/register", f.register)
	mux.HandleFunc("GET /api/auth/test/get-verification/code", f.verificationCode)
	mux.HandleFunc("POST /api/auth/verify", f.verify)
	mux.HandleFunc("POST /api/auth/login", f.login)
	mux.HandleFunc("POST /api/auth/logout", f.logout)
	mux.HandleFunc("GET /api/users/me", f.profile)
	mux.HandleFunc("POST /api/merchants", f.createMerchant)
	mux.HandleFunc("GET /api/merchants", f.listMerchants)
	mux.HandleFunc("POST /api/merchant-customers", f.createCustomer)
	mux.HandleFunc("GET /api/merchant-customers/merchant/{id}", f.listCustomers)
	mux.HandleFunc("POST /api/programs", f.createProgram)
	mux.HandleFunc("GET /api/programs/merchant/{id}", f.listPrograms)
	mux.HandleFunc("POST /api/program-rules", f.createRule)
	mux.HandleFunc("POST /api/transactions", f.createTransaction)
	mux.HandleFunc("POST /api/rewards", f.createReward)
	mux.HandleFunc("GET /api/rewards/program/{id}", f.listRewards)
	mux.HandleFunc("POST /api/redemptions", f.createRedemption)

	f.srv = httptest.NewServer(mux)
	return f
}

func (f *fakeLoyalty) Close() { f.srv.Close() }

func (f *fakeLoyalty) URL() string { return f.srv.URL }

func (f *fakeLoyalty) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%04d", prefix, f.nextID)
}

func (f *fakeLoyalty) authedUser(r *http.Request) (string, bool) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	f.mu.Lock()
	defer f.mu.Unlock()
	userID, ok := f.tokens[token]
	if !ok || userID != r.Header.Get("X-User-Id") {
		return "", false
	}
	return userID, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeLoyalty) register(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.users[body.Email]; exists {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "email already registered"})
		return
	}
	u := &fakeUser{id: f.id("user"), email: body.Email, password: body.Password}
	f.users[body.Email] = u
	f.otps[body.Email] = "123456"
	writeJSON(w, http.StatusCreated, map[string]string{"id": u.id})
}

func (f *fakeLoyalty) verificationCode(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	f.mu.Lock()
	otp, ok := f.otps[email]
	f.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no pending verification"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"otp": otp})
}

func (f *fakeLoyalty) verify(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
		OTP   string `json:"otp"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[body.Email]
	if !ok || f.otps[body.Email] != body.OTP {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad otp"})
		return
	}
	u.verified = true
	writeJSON(w, http.StatusOK, map[string]string{"status": "verified"})
}

func (f *fakeLoyalty) login(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failLogin {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "login broken"})
		return
	}
	u, ok := f.users[body.Email]
	if !ok || u.password != body.Password || !u.verified {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
		return
	}
	token := f.id("tok")
	f.tokens[token] = u.id
	writeJSON(w, http.StatusOK, map[string]string{"token": token, "user_id": u.id})
}

func (f *fakeLoyalty) logout(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	f.mu.Lock()
	delete(f.tokens, token)
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func (f *fakeLoyalty) profile(w http.ResponseWriter, r *http.Request) {
	userID, ok := f.authedUser(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"user_id": userID})
}

func (f *fakeLoyalty) createMerchant(w http.ResponseWriter, r *http.Request) {
	userID, ok := f.authedUser(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	m := &fakeMerchant{id: f.id("mrc"), userID: userID}
	f.merchants = append(f.merchants, m)
	writeJSON(w, http.StatusCreated, map[string]string{"id": m.id})
}

func (f *fakeLoyalty) listMerchants(w http.ResponseWriter, r *http.Request) {
	userID, ok := f.authedUser(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []map[string]string{}
	for _, m := range f.merchants {
		if m.userID == userID {
			out = append(out, map[string]string{"id": m.id})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (f *fakeLoyalty) createCustomer(w http.ResponseWriter, r *http.Request) {
	if _, ok := f.authedUser(r); !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	var body struct {
		Email      string `json:"email"`
		MerchantID string `json:"merchant_id"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.customers {
		if c.email == body.Email {
			status := http.StatusConflict
			if f.customer401 {
				status = http.StatusUnauthorized
			}
			writeJSON(w, status, map[string]string{"error": "customer already exists"})
			return
		}
	}
	c := &fakeCustomer{id: f.id("cst"), merchantID: body.MerchantID, email: body.Email}
	f.customers = append(f.customers, c)
	writeJSON(w, http.StatusCreated, map[string]string{"id": c.id})
}

func (f *fakeLoyalty) listCustomers(w http.ResponseWriter, r *http.Request) {
	merchantID := r.PathValue("id")
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []map[string]string{}
	for _, c := range f.customers {
		if c.merchantID == merchantID {
			out = append(out, map[string]string{"id": c.id})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (f *fakeLoyalty) createProgram(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MerchantID string `json:"merchant_id"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakeProgram{id: f.id("prg"), merchantID: body.MerchantID}
	f.programs = append(f.programs, p)
	writeJSON(w, http.StatusCreated, map[string]string{"program_id": p.id})
}

func (f *fakeLoyalty) listPrograms(w http.ResponseWriter, r *http.Request) {
	merchantID := r.PathValue("id")
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []map[string]string{}
	for _, p := range f.programs {
		if p.merchantID == merchantID {
			out = append(out, map[string]string{"program_id": p.id})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (f *fakeLoyalty) createRule(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.rules++
	id := f.id("rul")
	f.mu.Unlock()
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (f *fakeLoyalty) createTransaction(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MerchantID string  `json:"merchant_id"`
		CustomerID string  `json:"merchant_customers_id"`
		ProgramID  string  `json:"program_id"`
		Amount     float64 `json:"transaction_amount"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.MerchantID == "" || body.CustomerID == "" || body.ProgramID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing references"})
		return
	}

	f.mu.Lock()
	f.txCount++
	id := f.id("txn")
	f.mu.Unlock()
	writeJSON(w, http.StatusCreated, map[string]string{"transaction_id": id})
}

func (f *fakeLoyalty) createReward(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ProgramID      string `json:"program_id"`
		PointsRequired int    `json:"points_required"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	defer f.mu.Unlock()
	rw := &fakeReward{id: f.id("rwd"), programID: body.ProgramID, pointsRequired: body.PointsRequired}
	f.rewards = append(f.rewards, rw)
	writeJSON(w, http.StatusCreated, map[string]string{"id": rw.id})
}

func (f *fakeLoyalty) listRewards(w http.ResponseWriter, r *http.Request) {
	programID := r.PathValue("id")
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []map[string]any{}
	for _, rw := range f.rewards {
		if rw.programID == programID {
			out = append(out, map[string]any{"id": rw.id, "points_required": rw.pointsRequired})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (f *fakeLoyalty) createRedemption(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CustomerID string `json:"merchant_customers_id"`
		RewardID   string `json:"reward_id"`
		PointsUsed int    `json:"points_used"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.redemptions = append(f.redemptions, &fakeRedemption{
		customerID: body.CustomerID,
		rewardID:   body.RewardID,
		pointsUsed: body.PointsUsed,
	})
	writeJSON(w, http.StatusCreated, map[string]string{"id": f.id("rdm")})
}

// rewardPoints returns the points_required of a reward by id.
func (f *fakeLoyalty) rewardPoints(id string) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rw := range f.rewards {
		if rw.id == id {
			return rw.pointsRequired, true
		}
	}
	return 0, false
}
