package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/loyaltysim/harness/internal/datagen"
	"github.com/loyaltysim/harness/internal/verify"
)

// StepStatus classifies how a single step ended.
type StepStatus string

const (
	StepPassed   StepStatus = "passed"
	StepConflict StepStatus = "conflict"
	StepFailed   StepStatus = "failed"
	StepSkipped  StepStatus = "skipped"
)

// StepResult records one step's outcome for the session log.
type StepResult struct {
	Name     string
	Status   StepStatus
	Duration time.Duration
	Err      error
}

// StepObserver receives every step outcome; the executor hooks its
// metrics in here.
type StepObserver func(step string, status StepStatus, d time.Duration)

// Result aggregates one journey run.
type Result struct {
	SessionID     string
	Steps         []StepResult
	Verifications []verify.Report
	FailedStep    int
	Duration      time.Duration
}

// Passed reports whether the journey ran to completion without a hard
// failure. Conflicts and verification mismatches do not fail a journey.
func (r *Result) Passed() bool {
	return r.FailedStep < 0
}

// Err returns the cause of the hard failure, or nil when the journey
// passed.
func (r *Result) Err() error {
	if r.FailedStep < 0 || r.FailedStep >= len(r.Steps) {
		return nil
	}
	return r.Steps[r.FailedStep].Err
}

// JourneyConfig tunes one sequencer run. A zero User is filled in with
// randomized fields; pinning User exercises idempotency against an
// already-registered email. SessionID defaults to a fresh uuid.
type JourneyConfig struct {
	SessionID    string
	User         NewUser
	VerifyStores bool
}

// Sequencer drives the fixed thirteen-step end-user journey: register,
// verify, login, cross-store checks, profile, logout/re-login, then the
// merchant → program → rule → transaction → reward → redemption chain.
// Identifiers flow strictly forward through the session's binding table.
type Sequencer struct {
	api      *API
	verifier *verify.Verifier
	observe  StepObserver
	log      zerolog.Logger
}

// NewSequencer creates a journey sequencer. verifier may be nil when no
// side-channel stores are configured; observe may be nil.
func NewSequencer(api *API, verifier *verify.Verifier, observe StepObserver, log zerolog.Logger) *Sequencer {
	return &Sequencer{api: api, verifier: verifier, observe: observe, log: log}
}

type journeyRun struct {
	seq  *Sequencer
	res  *Result
	b    *Bindings
	sess Session
	log  zerolog.Logger

	registered bool
}

// step runs fn, records its outcome and returns false when the remainder
// of the sequence must be aborted.
func (r *journeyRun) step(name string, fn func() (StepStatus, error)) bool {
	start := time.Now()
	status, err := fn()
	d := time.Since(start)

	r.res.Steps = append(r.res.Steps, StepResult{Name: name, Status: status, Duration: d, Err: err})
	if r.seq.observe != nil {
		r.seq.observe(name, status, d)
	}

	evt := r.log.Info()
	if status == StepFailed {
		evt = r.log.Error().Err(err)
	}
	evt.Str("step", name).Str("status", string(status)).Dur("duration", d).Msg("journey step")

	if status == StepFailed {
		r.res.FailedStep = len(r.res.Steps) - 1
		return false
	}
	return true
}

// Run executes the journey. Steps after a hard failure are not attempted;
// the result names the failing step and cause.
func (s *Sequencer) Run(ctx context.Context, gen *datagen.Generator, cfg JourneyConfig) *Result {
	user := cfg.User
	if user.Email == "" {
		user = NewUser{
			Email:    gen.Email(),
			Name:     gen.Name(),
			Password: "Password123!",
			Phone:    gen.Phone(),
		}
	}

	sessionID := cfg.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	run := &journeyRun{
		seq: s,
		res: &Result{SessionID: sessionID, FailedStep: -1},
		b:   NewBindings(),
		log: s.log.With().Str("session_id", sessionID).Str("email", user.Email).Logger(),
	}
	start := time.Now()
	defer func() { run.res.Duration = time.Since(start) }()

	if !run.register(ctx, user) {
		return run.res
	}
	if !run.verifyEmail(ctx, user) {
		return run.res
	}
	if !run.login(ctx, user, "login") {
		return run.res
	}
	if cfg.VerifyStores {
		run.crossCheck(ctx, user)
	}
	if !run.step("fetch-profile", func() (StepStatus, error) {
		if err := s.api.FetchProfile(ctx, run.sess); err != nil {
			return StepFailed, err
		}
		return StepPassed, nil
	}) {
		return run.res
	}
	if !run.step("logout", func() (StepStatus, error) {
		if err := s.api.Logout(ctx, run.sess); err != nil {
			return StepFailed, err
		}
		return StepPassed, nil
	}) {
		return run.res
	}
	// Re-login exercises invalidation and reissuance; the refreshed token
	// replaces the old one in the binding table.
	if !run.login(ctx, user, "re-login") {
		return run.res
	}
	if !run.entityChain(ctx, gen, user) {
		return run.res
	}

	run.log.Info().Int("steps", len(run.res.Steps)).Dur("duration", time.Since(start)).Msg("journey completed")
	return run.res
}

func (r *journeyRun) register(ctx context.Context, user NewUser) bool {
	return r.step("register", func() (StepStatus, error) {
		created, err := r.seq.api.Register(ctx, user)
		if err != nil {
			return StepFailed, err
		}
		r.registered = created
		if !created {
			return StepConflict, nil
		}
		return StepPassed, nil
	})
}

func (r *journeyRun) verifyEmail(ctx context.Context, user NewUser) bool {
	if !r.registered {
		// Existing account: the verification steps have nothing to do.
		return r.step("verify-email", func() (StepStatus, error) { return StepSkipped, nil })
	}
	return r.step("verify-email", func() (StepStatus, error) {
		otp, err := r.seq.api.FetchVerificationCode(ctx, user.Email)
		if err != nil {
			return StepFailed, err
		}
		if err := r.seq.api.VerifyEmail(ctx, user.Email, otp); err != nil {
			return StepFailed, err
		}
		return StepPassed, nil
	})
}

func (r *journeyRun) login(ctx context.Context, user NewUser, name string) bool {
	return r.step(name, func() (StepStatus, error) {
		sess, err := r.seq.api.Login(ctx, user.Email, user.Password)
		if err != nil {
			return StepFailed, err
		}
		r.sess = sess
		r.b.Set("user_id", sess.UserID)
		r.b.Set("auth_token", sess.Token)
		return StepPassed, nil
	})
}

func (r *journeyRun) crossCheck(ctx context.Context, user NewUser) {
	r.step("verify-stores", func() (StepStatus, error) {
		if r.seq.verifier == nil {
			return StepSkipped, nil
		}
		userID, err := r.b.Get("user_id")
		if err != nil {
			return StepFailed, err
		}
		token, err := r.b.Get("auth_token")
		if err != nil {
			return StepFailed, err
		}
		reports := []verify.Report{
			r.seq.verifier.CheckStoredField(ctx, "users", "email", user.Email),
			r.seq.verifier.CheckCachedSession(ctx, userID, token),
		}
		r.res.Verifications = append(r.res.Verifications, reports...)
		// Mismatches are recorded, never fatal.
		return StepPassed, nil
	})
}

// entityChain runs steps 7-13: the dependency-chained entity creation.
func (r *journeyRun) entityChain(ctx context.Context, gen *datagen.Generator, user NewUser) bool {
	api := r.seq.api

	if !r.step("ensure-merchant", func() (StepStatus, error) {
		res, err := api.EnsureMerchant(ctx, r.sess, r.registered, "Merchant "+user.Name, gen.Pick(datagen.MerchantTypes))
		if err != nil {
			return StepFailed, err
		}
		r.b.Set("merchant_id", res.ID)
		if !res.Created {
			return StepConflict, nil
		}
		return StepPassed, nil
	}) {
		return false
	}

	merchantID, err := r.b.Get("merchant_id")
	if err != nil {
		return r.step("ensure-customer", func() (StepStatus, error) { return StepFailed, err })
	}

	if !r.step("ensure-customer", func() (StepStatus, error) {
		customer := NewUser{
			Email:    gen.Email(),
			Name:     gen.Name(),
			Password: "CustomerPassword123!",
			Phone:    gen.Phone(),
		}
		res, err := api.EnsureCustomer(ctx, r.sess, merchantID, customer)
		if err != nil {
			return StepFailed, err
		}
		r.b.Set("customer_id", res.ID)
		if !res.Created {
			return StepConflict, nil
		}
		return StepPassed, nil
	}) {
		return false
	}

	if !r.step("create-program", func() (StepStatus, error) {
		id, err := api.CreateProgram(ctx, r.sess, merchantID, fmt.Sprintf("Program %s", uuid.NewString()), "Points")
		if err != nil {
			return StepFailed, err
		}
		r.b.Set("program_id", id)
		return StepPassed, nil
	}) {
		return false
	}

	programID, _ := r.b.Get("program_id")
	now := time.Now().UTC()

	if !r.step("create-rule", func() (StepStatus, error) {
		_, err := api.CreateProgramRule(ctx, r.sess, RuleSpec{
			ProgramID:      programID,
			RuleName:       "Standard Rule",
			ConditionType:  "amount",
			ConditionValue: "100",
			Multiplier:     1.0,
			PointsAwarded:  10,
			EffectiveFrom:  datagen.Timestamp(now),
			EffectiveTo:    datagen.Timestamp(now.Add(24 * time.Hour)),
		})
		if err != nil {
			return StepFailed, err
		}
		return StepPassed, nil
	}) {
		return false
	}

	customerID, _ := r.b.Get("customer_id")

	if !r.step("create-transaction", func() (StepStatus, error) {
		id, err := api.CreateTransaction(ctx, r.sess, TransactionSpec{
			MerchantID: merchantID,
			CustomerID: customerID,
			ProgramID:  programID,
			Type:       "purchase",
			Amount:     100.0,
			Status:     "completed",
		})
		if err != nil {
			return StepFailed, err
		}
		r.b.Set("transaction_id", id)
		return StepPassed, nil
	}) {
		return false
	}

	const rewardPoints = 1

	if !r.step("create-reward", func() (StepStatus, error) {
		id, err := api.CreateReward(ctx, r.sess, RewardSpec{
			ProgramID:      programID,
			Name:           "Test Reward",
			Description:    "Test Reward Description",
			PointsRequired: rewardPoints,
			Quantity:       10,
			Active:         true,
		})
		if err != nil {
			return StepFailed, err
		}
		r.b.Set("reward_id", id)
		return StepPassed, nil
	}) {
		return false
	}

	rewardID, _ := r.b.Get("reward_id")

	return r.step("create-redemption", func() (StepStatus, error) {
		id, err := api.CreateRedemption(ctx, r.sess, customerID, rewardID, rewardPoints, "")
		if err != nil {
			return StepFailed, err
		}
		r.b.Set("redemption_id", id)
		return StepPassed, nil
	})
}
