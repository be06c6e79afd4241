package workflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/loyaltysim/harness/internal/gateway"
)

// Session is the credential pair issued by a login and carried on every
// authenticated call.
type Session struct {
	Token  string
	UserID string
}

// NewUser holds the registration fields for one simulated end-user or
// merchant customer.
type NewUser struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
	Phone    string `json:"phone"`
}

// Resolution is the uniform result of a create-or-discover operation:
// either a fresh identifier or a pre-existing one found via a listing
// call after a conflict.
type Resolution struct {
	ID      string
	Created bool
}

// Reward is the subset of the reward resource redemptions depend on.
type Reward struct {
	ID             string `json:"id"`
	PointsRequired int    `json:"points_required"`
}

// RuleSpec carries the program-rule creation payload.
type RuleSpec struct {
	ProgramID      string  `json:"program_id"`
	RuleName       string  `json:"rule_name"`
	ConditionType  string  `json:"condition_type"`
	ConditionValue string  `json:"condition_value"`
	Multiplier     float64 `json:"multiplier"`
	PointsAwarded  int     `json:"points_awarded"`
	EffectiveFrom  string  `json:"effective_from"`
	EffectiveTo    string  `json:"effective_to"`
}

// TransactionSpec carries the transaction creation payload. Date may be
// empty, in which case the server stamps the transaction itself.
type TransactionSpec struct {
	MerchantID string  `json:"merchant_id"`
	CustomerID string  `json:"merchant_customers_id"`
	ProgramID  string  `json:"program_id"`
	Type       string  `json:"transaction_type"`
	Amount     float64 `json:"transaction_amount"`
	Date       string  `json:"transaction_date,omitempty"`
	Status     string  `json:"status"`
}

// RewardSpec carries the reward creation payload.
type RewardSpec struct {
	ProgramID      string `json:"program_id"`
	Name           string `json:"name"`
	Description    string `json:"description"`
	PointsRequired int    `json:"points_required"`
	Quantity       int    `json:"quantity"`
	Active         bool   `json:"is_active"`
}

// API exposes the loyalty endpoints as typed operations over the gateway
// client. It holds no per-session state; sessions travel as arguments.
type API struct {
	gw *gateway.Client
	// The target is inconsistent about answering 401 instead of 409 when
	// merchant-customer creation races; this knob selects whether such a
	// 401 takes the conflict fallback.
	unauthorizedAsConflict bool
	log                    zerolog.Logger
}

// NewAPI creates the typed operation set.
func NewAPI(gw *gateway.Client, unauthorizedAsConflict bool, log zerolog.Logger) *API {
	return &API{gw: gw, unauthorizedAsConflict: unauthorizedAsConflict, log: log}
}

// Register submits a registration. A 409 means the email already exists
// and is not a failure; created reports which case occurred.
func (a *API) Register(ctx context.Context, u NewUser) (created bool, err error) {
	out, err := a.gw.Call(ctx, http.MethodPost, "/api/auth/register", nil, u)
	if err != nil {
		return false, fmt.Errorf("register: %w", err)
	}
	return !out.Conflict(), nil
}

// FetchVerificationCode reads the OTP the server issued for email via the
// test-only endpoint.
func (a *API) FetchVerificationCode(ctx context.Context, email string) (string, error) {
	path := "/api/auth/test/get-verification/code?email=" + url.QueryEscape(email)
	out, err := a.gw.Call(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return "", fmt.Errorf("fetch verification code: %w", err)
	}
	var resp struct {
		OTP string `json:"otp"`
	}
	if err := out.Decode(&resp); err != nil {
		return "", fmt.Errorf("fetch verification code: %w", err)
	}
	if resp.OTP == "" {
		return "", errors.New("fetch verification code: empty otp in response")
	}
	return resp.OTP, nil
}

// VerifyEmail submits the OTP, advancing the account to verified.
func (a *API) VerifyEmail(ctx context.Context, email, otp string) error {
	body := map[string]string{"email": email, "otp": otp}
	if _, err := a.gw.Call(ctx, http.MethodPost, "/api/auth/verify", nil, body); err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	return nil
}

// Login authenticates and returns the issued session.
func (a *API) Login(ctx context.Context, email, password string) (Session, error) {
	body := map[string]string{"email": email, "password": password}
	out, err := a.gw.Call(ctx, http.MethodPost, "/api/auth/login", nil, body)
	if err != nil {
		return Session{}, fmt.Errorf("login: %w", err)
	}
	var resp struct {
		Token  string `json:"token"`
		UserID string `json:"user_id"`
	}
	if err := out.Decode(&resp); err != nil {
		return Session{}, fmt.Errorf("login: %w", err)
	}
	if resp.Token == "" || resp.UserID == "" {
		return Session{}, errors.New("login: response missing token or user_id")
	}

	a.logTokenClaims(resp.Token, resp.UserID)
	return Session{Token: resp.Token, UserID: resp.UserID}, nil
}

// logTokenClaims decodes the bearer token without verifying its signature
// and logs the claims that matter for session diagnostics. Tokens that are
// not JWTs are fine; the claims log is best-effort.
func (a *API) logTokenClaims(token, userID string) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return
	}
	evt := a.log.Debug().Str("user_id", userID)
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		evt = evt.Time("token_exp", exp.Time)
	}
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		evt = evt.Str("token_sub", sub)
	}
	evt.Msg("issued token claims")
}

// Logout invalidates the session server-side.
func (a *API) Logout(ctx context.Context, s Session) error {
	if _, err := a.gw.Call(ctx, http.MethodPost, "/api/auth/logout", gateway.AuthHeaders(s.Token, s.UserID), nil); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// FetchProfile reads the authenticated user's own profile. Read-only
// sanity check; the body is not interpreted.
func (a *API) FetchProfile(ctx context.Context, s Session) error {
	if _, err := a.gw.Call(ctx, http.MethodGet, "/api/users/me", gateway.AuthHeaders(s.Token, s.UserID), nil); err != nil {
		return fmt.Errorf("fetch profile: %w", err)
	}
	return nil
}

// CreateMerchant creates one merchant owned by the session user.
func (a *API) CreateMerchant(ctx context.Context, s Session, name, merchantType string) (string, error) {
	body := map[string]any{
		"merchant_name": name,
		"merchant_type": merchantType,
		"user_id":       s.UserID,
	}
	out, err := a.gw.Call(ctx, http.MethodPost, "/api/merchants", gateway.AuthHeaders(s.Token, s.UserID), body)
	if err != nil {
		return "", fmt.Errorf("create merchant: %w", err)
	}
	if out.Conflict() {
		return "", errConflict
	}
	return idFromBody(out, "id", "create merchant")
}

// ListMerchants returns the ids of the merchants owned by the session user.
func (a *API) ListMerchants(ctx context.Context, s Session) ([]string, error) {
	out, err := a.gw.Call(ctx, http.MethodGet, "/api/merchants", gateway.AuthHeaders(s.Token, s.UserID), nil)
	if err != nil {
		return nil, fmt.Errorf("list merchants: %w", err)
	}
	return idsFromList(out, "id", "list merchants")
}

// EnsureMerchant is the create-or-discover operation for merchants. With
// fresh set it creates a new merchant; otherwise (or on a creation
// conflict) it binds the first merchant the listing endpoint returns.
func (a *API) EnsureMerchant(ctx context.Context, s Session, fresh bool, name, merchantType string) (Resolution, error) {
	if fresh {
		id, err := a.CreateMerchant(ctx, s, name, merchantType)
		if err == nil {
			return Resolution{ID: id, Created: true}, nil
		}
		if !isConflictStatus(err, false) {
			return Resolution{}, err
		}
	}

	ids, err := a.ListMerchants(ctx, s)
	if err != nil {
		return Resolution{}, err
	}
	if len(ids) == 0 {
		return Resolution{}, errors.New("ensure merchant: no merchant exists for this user")
	}
	return Resolution{ID: ids[0], Created: false}, nil
}

// CreateCustomer creates one merchant customer.
func (a *API) CreateCustomer(ctx context.Context, s Session, merchantID string, u NewUser) (string, error) {
	body := map[string]any{
		"email":       u.Email,
		"merchant_id": merchantID,
		"name":        u.Name,
		"password":    u.Password,
		"phone":       u.Phone,
	}
	out, err := a.gw.Call(ctx, http.MethodPost, "/api/merchant-customers", gateway.AuthHeaders(s.Token, s.UserID), body)
	if err != nil {
		return "", fmt.Errorf("create customer: %w", err)
	}
	if out.Conflict() {
		return "", errConflict
	}
	return idFromBody(out, "id", "create customer")
}

// ListCustomersByMerchant returns the customer ids under a merchant.
func (a *API) ListCustomersByMerchant(ctx context.Context, s Session, merchantID string) ([]string, error) {
	out, err := a.gw.Call(ctx, http.MethodGet, "/api/merchant-customers/merchant/"+merchantID, gateway.AuthHeaders(s.Token, s.UserID), nil)
	if err != nil {
		return nil, fmt.Errorf("list customers: %w", err)
	}
	return idsFromList(out, "id", "list customers")
}

// EnsureCustomer is the create-or-discover operation for merchant
// customers. A 409 — and, when configured, a 401 — falls back to binding
// the first existing customer under the merchant.
func (a *API) EnsureCustomer(ctx context.Context, s Session, merchantID string, u NewUser) (Resolution, error) {
	id, err := a.CreateCustomer(ctx, s, merchantID, u)
	if err == nil {
		return Resolution{ID: id, Created: true}, nil
	}
	if !isConflictStatus(err, a.unauthorizedAsConflict) {
		return Resolution{}, err
	}

	ids, err := a.ListCustomersByMerchant(ctx, s, merchantID)
	if err != nil {
		return Resolution{}, err
	}
	if len(ids) == 0 {
		return Resolution{}, errors.New("ensure customer: conflict reported but no customer listed")
	}
	return Resolution{ID: ids[0], Created: false}, nil
}

// CreateProgram creates a loyalty program under a merchant.
func (a *API) CreateProgram(ctx context.Context, s Session, merchantID, name, pointCurrency string) (string, error) {
	body := map[string]any{
		"merchant_id":         merchantID,
		"user_id":             s.UserID,
		"program_name":        name,
		"point_currency_name": pointCurrency,
	}
	out, err := a.gw.Call(ctx, http.MethodPost, "/api/programs", gateway.AuthHeaders(s.Token, s.UserID), body)
	if err != nil {
		return "", fmt.Errorf("create program: %w", err)
	}
	return idFromBody(out, "program_id", "create program")
}

// ListProgramsByMerchant returns the program ids under a merchant.
func (a *API) ListProgramsByMerchant(ctx context.Context, s Session, merchantID string) ([]string, error) {
	out, err := a.gw.Call(ctx, http.MethodGet, "/api/programs/merchant/"+merchantID, gateway.AuthHeaders(s.Token, s.UserID), nil)
	if err != nil {
		return nil, fmt.Errorf("list programs: %w", err)
	}
	return idsFromList(out, "program_id", "list programs")
}

// CreateProgramRule attaches one earning rule to a program.
func (a *API) CreateProgramRule(ctx context.Context, s Session, rule RuleSpec) (string, error) {
	out, err := a.gw.Call(ctx, http.MethodPost, "/api/program-rules", gateway.AuthHeaders(s.Token, s.UserID), rule)
	if err != nil {
		return "", fmt.Errorf("create program rule: %w", err)
	}
	return idFromBody(out, "id", "create program rule")
}

// CreateTransaction records one purchase transaction.
func (a *API) CreateTransaction(ctx context.Context, s Session, tx TransactionSpec) (string, error) {
	out, err := a.gw.Call(ctx, http.MethodPost, "/api/transactions", gateway.AuthHeaders(s.Token, s.UserID), tx)
	if err != nil {
		return "", fmt.Errorf("create transaction: %w", err)
	}
	return idFromBody(out, "transaction_id", "create transaction")
}

// CreateReward creates one redeemable reward under a program.
func (a *API) CreateReward(ctx context.Context, s Session, reward RewardSpec) (string, error) {
	out, err := a.gw.Call(ctx, http.MethodPost, "/api/rewards", gateway.AuthHeaders(s.Token, s.UserID), reward)
	if err != nil {
		return "", fmt.Errorf("create reward: %w", err)
	}
	return idFromBody(out, "id", "create reward")
}

// ListRewardsByProgram returns the rewards redeemable under a program.
func (a *API) ListRewardsByProgram(ctx context.Context, s Session, programID string) ([]Reward, error) {
	out, err := a.gw.Call(ctx, http.MethodGet, "/api/rewards/program/"+programID, gateway.AuthHeaders(s.Token, s.UserID), nil)
	if err != nil {
		return nil, fmt.Errorf("list rewards: %w", err)
	}
	var rewards []Reward
	if err := out.Decode(&rewards); err != nil {
		return nil, fmt.Errorf("list rewards: %w", err)
	}
	return rewards, nil
}

// CreateRedemption redeems a reward for a customer, consuming exactly the
// reward's point cost.
func (a *API) CreateRedemption(ctx context.Context, s Session, customerID, rewardID string, points int, date string) (string, error) {
	body := map[string]any{
		"merchant_customers_id": customerID,
		"reward_id":             rewardID,
		"points_used":           points,
		"point_required":        points,
		"status":                "completed",
	}
	if date != "" {
		body["redemption_date"] = date
	}
	out, err := a.gw.Call(ctx, http.MethodPost, "/api/redemptions", gateway.AuthHeaders(s.Token, s.UserID), body)
	if err != nil {
		return "", fmt.Errorf("create redemption: %w", err)
	}
	return idFromBody(out, "id", "create redemption")
}

// errConflict marks a recoverable 409 surfaced through an op that needs
// to distinguish it from hard failures.
var errConflict = errors.New("workflow: resource already exists")

// isConflictStatus reports whether err represents a recoverable conflict:
// the errConflict sentinel, a 409 status, or — when unauthorizedOK — a 401.
func isConflictStatus(err error, unauthorizedOK bool) bool {
	if errors.Is(err, errConflict) {
		return true
	}
	var se *gateway.StatusError
	if !errors.As(err, &se) {
		return false
	}
	if se.Status == http.StatusConflict {
		return true
	}
	return unauthorizedOK && se.Status == http.StatusUnauthorized
}

// idFromBody extracts a named identifier from a 2xx response body. An
// absent or empty identifier makes the response malformed, which is a
// hard failure.
func idFromBody(out gateway.Outcome, field, op string) (string, error) {
	var raw map[string]any
	if err := out.Decode(&raw); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	id, _ := raw[field].(string)
	if id == "" {
		return "", fmt.Errorf("%s: response missing %q", op, field)
	}
	return id, nil
}

// idsFromList extracts a named identifier from every element of a JSON
// array response.
func idsFromList(out gateway.Outcome, field, op string) ([]string, error) {
	var raw []map[string]any
	if err := out.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	ids := make([]string, 0, len(raw))
	for _, item := range raw {
		if id, _ := item[field].(string); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
