package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/loyaltysim/harness/internal/datagen"
)

// FanOutConfig bounds the randomized cardinalities of a volume run. The
// defaults reproduce the proportions of a realistic loyalty dataset.
type FanOutConfig struct {
	Merchants               int     `validate:"gte=1"`
	MinPrograms             int     `validate:"gte=1"`
	MaxPrograms             int     `validate:"gtefield=MinPrograms"`
	MinRewards              int     `validate:"gte=1"`
	MaxRewards              int     `validate:"gtefield=MinRewards"`
	MinCustomers            int     `validate:"gte=1"`
	MaxCustomers            int     `validate:"gtefield=MinCustomers"`
	MinTransactions         int     `validate:"gte=1"`
	MaxTransactions         int     `validate:"gtefield=MinTransactions"`
	RedemptionProbability   float64 `validate:"gte=0,lte=1"`
	RedemptionDelay         time.Duration
	TransactionWindowStart  time.Time
	MinAmount, MaxAmount    float64
}

// DefaultFanOutConfig returns the standard volume profile: 5 merchants,
// 3-7 programs each, 2-5 rewards per program, 5-10 customers per merchant
// and 30-50 transactions per customer with a 30% redemption chance.
func DefaultFanOutConfig() FanOutConfig {
	return FanOutConfig{
		Merchants:              5,
		MinPrograms:            3,
		MaxPrograms:            7,
		MinRewards:             2,
		MaxRewards:             5,
		MinCustomers:           5,
		MaxCustomers:           10,
		MinTransactions:        30,
		MaxTransactions:        50,
		RedemptionProbability:  0.3,
		RedemptionDelay:        time.Minute,
		TransactionWindowStart: time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC),
		MinAmount:              50.0,
		MaxAmount:              500.0,
	}
}

// Totals counts what one fan-out run produced.
type Totals struct {
	Merchants    int
	Programs     int
	Rules        int
	Rewards      int
	Customers    int
	Transactions int
	Redemptions  int
	FailedUnits  int
}

// FanOut generates a multi-level entity hierarchy for one authenticated
// session and then fans transactions and probabilistic redemptions out
// over every (merchant, customer) pair. When the authenticating user
// already owns merchants the hierarchy is discovered through the listing
// endpoints instead of recreated.
type FanOut struct {
	api     *API
	cfg     FanOutConfig
	observe StepObserver
	log     zerolog.Logger
}

// NewFanOut creates a fan-out generator; observe may be nil.
func NewFanOut(api *API, cfg FanOutConfig, observe StepObserver, log zerolog.Logger) *FanOut {
	return &FanOut{api: api, cfg: cfg, observe: observe, log: log}
}

// dataset is the hierarchy one run works over: built fresh or discovered.
type dataset struct {
	merchantIDs []string
	programs    map[string][]string // merchant id -> program ids
	customers   map[string][]string // merchant id -> customer ids
}

func newDataset() *dataset {
	return &dataset{
		programs:  make(map[string][]string),
		customers: make(map[string][]string),
	}
}

func (f *FanOut) observeStep(name string, status StepStatus, d time.Duration) {
	if f.observe != nil {
		f.observe(name, status, d)
	}
}

// Run executes one volume-generation session. A hard failure during
// authentication is fatal; failures inside the generation loops abandon
// only the innermost unit of work — a volume run favors completing over
// perfect fidelity.
func (f *FanOut) Run(ctx context.Context, sessionID string, gen *datagen.Generator, user NewUser) (*Totals, error) {
	if user.Email == "" {
		user = NewUser{
			Email:    gen.Email(),
			Name:     gen.Name(),
			Password: "Password123!",
			Phone:    gen.Phone(),
		}
	}

	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	log := f.log.With().Str("session_id", sessionID).Str("email", user.Email).Logger()
	totals := &Totals{}

	created, err := f.api.Register(ctx, user)
	if err != nil {
		return totals, fmt.Errorf("fan-out register: %w", err)
	}
	if created {
		otp, err := f.api.FetchVerificationCode(ctx, user.Email)
		if err != nil {
			return totals, fmt.Errorf("fan-out verification: %w", err)
		}
		if err := f.api.VerifyEmail(ctx, user.Email, otp); err != nil {
			return totals, fmt.Errorf("fan-out verification: %w", err)
		}
	}

	sess, err := f.api.Login(ctx, user.Email, user.Password)
	if err != nil {
		return totals, fmt.Errorf("fan-out login: %w", err)
	}

	var ds *dataset
	if created {
		ds = f.buildHierarchy(ctx, sess, gen, user, totals, log)
	} else {
		log.Info().Msg("user already has a dataset, discovering it")
		ds, err = f.discoverHierarchy(ctx, sess)
		if err != nil {
			return totals, fmt.Errorf("fan-out discovery: %w", err)
		}
		totals.Merchants = len(ds.merchantIDs)
		for _, ids := range ds.programs {
			totals.Programs += len(ids)
		}
		for _, ids := range ds.customers {
			totals.Customers += len(ids)
		}
	}

	if err := f.generateTraffic(ctx, sess, gen, ds, totals, log); err != nil {
		return totals, err
	}

	log.Info().
		Int("merchants", totals.Merchants).
		Int("programs", totals.Programs).
		Int("customers", totals.Customers).
		Int("transactions", totals.Transactions).
		Int("redemptions", totals.Redemptions).
		Int("failed_units", totals.FailedUnits).
		Msg("fan-out completed")
	return totals, nil
}

// buildHierarchy creates merchants with their programs, rules, rewards and
// customers. Unit failures are counted and skipped.
func (f *FanOut) buildHierarchy(ctx context.Context, sess Session, gen *datagen.Generator, user NewUser, totals *Totals, log zerolog.Logger) *dataset {
	ds := newDataset()

	for i := 0; i < f.cfg.Merchants; i++ {
		if ctx.Err() != nil {
			return ds
		}
		name := fmt.Sprintf("%s%s_%d", gen.Pick(datagen.MerchantNamePrefixes), user.Name, i)
		start := time.Now()
		merchantID, err := f.api.CreateMerchant(ctx, sess, name, gen.Pick(datagen.MerchantTypes))
		if err != nil {
			f.observeStep("create-merchant", StepFailed, time.Since(start))
			totals.FailedUnits++
			log.Warn().Err(err).Int("merchant_index", i).Msg("merchant unit abandoned")
			continue
		}
		f.observeStep("create-merchant", StepPassed, time.Since(start))
		ds.merchantIDs = append(ds.merchantIDs, merchantID)
		totals.Merchants++

		f.buildPrograms(ctx, sess, gen, ds, merchantID, totals, log)
		f.buildCustomers(ctx, sess, gen, ds, merchantID, totals, log)
	}
	return ds
}

func (f *FanOut) buildPrograms(ctx context.Context, sess Session, gen *datagen.Generator, ds *dataset, merchantID string, totals *Totals, log zerolog.Logger) {
	now := time.Now().UTC()
	numPrograms := gen.IntBetween(f.cfg.MinPrograms, f.cfg.MaxPrograms)

	for j := 0; j < numPrograms; j++ {
		if ctx.Err() != nil {
			return
		}
		programID, err := f.api.CreateProgram(ctx, sess, merchantID, fmt.Sprintf("Program %d - %s", j, uuid.NewString()), "Points")
		if err != nil {
			totals.FailedUnits++
			log.Warn().Err(err).Str("merchant_id", merchantID).Msg("program unit abandoned")
			continue
		}
		ds.programs[merchantID] = append(ds.programs[merchantID], programID)
		totals.Programs++

		_, err = f.api.CreateProgramRule(ctx, sess, RuleSpec{
			ProgramID:      programID,
			RuleName:       fmt.Sprintf("Standard Rule %d", j),
			ConditionType:  "amount",
			ConditionValue: fmt.Sprintf("%d", gen.IntBetween(50, 200)),
			Multiplier:     gen.AmountBetween(0.5, 2.0),
			PointsAwarded:  gen.IntBetween(5, 20),
			EffectiveFrom:  datagen.Timestamp(now),
			EffectiveTo:    datagen.Timestamp(now.Add(365 * 24 * time.Hour)),
		})
		if err != nil {
			totals.FailedUnits++
			log.Warn().Err(err).Str("program_id", programID).Msg("rule unit abandoned")
		} else {
			totals.Rules++
		}

		numRewards := gen.IntBetween(f.cfg.MinRewards, f.cfg.MaxRewards)
		for k := 0; k < numRewards; k++ {
			_, err := f.api.CreateReward(ctx, sess, RewardSpec{
				ProgramID:      programID,
				Name:           fmt.Sprintf("Reward %d for Program %d", k, j),
				Description:    fmt.Sprintf("Reward %d Description", k),
				PointsRequired: gen.IntBetween(5, 100),
				Quantity:       gen.IntBetween(10, 100),
				Active:         true,
			})
			if err != nil {
				totals.FailedUnits++
				log.Warn().Err(err).Str("program_id", programID).Msg("reward unit abandoned")
				continue
			}
			totals.Rewards++
		}
	}
}

func (f *FanOut) buildCustomers(ctx context.Context, sess Session, gen *datagen.Generator, ds *dataset, merchantID string, totals *Totals, log zerolog.Logger) {
	numCustomers := gen.IntBetween(f.cfg.MinCustomers, f.cfg.MaxCustomers)
	for l := 0; l < numCustomers; l++ {
		if ctx.Err() != nil {
			return
		}
		customer := NewUser{
			Email:    gen.Email(),
			Name:     gen.Name(),
			Password: "CustomerPassword123!",
			Phone:    gen.Phone(),
		}
		res, err := f.api.EnsureCustomer(ctx, sess, merchantID, customer)
		if err != nil {
			totals.FailedUnits++
			log.Warn().Err(err).Str("merchant_id", merchantID).Msg("customer unit abandoned")
			continue
		}
		ds.customers[merchantID] = append(ds.customers[merchantID], res.ID)
		totals.Customers++
	}
}

// discoverHierarchy reads the existing merchants, their programs and
// customers through the listing endpoints.
func (f *FanOut) discoverHierarchy(ctx context.Context, sess Session) (*dataset, error) {
	ds := newDataset()

	merchantIDs, err := f.api.ListMerchants(ctx, sess)
	if err != nil {
		return nil, err
	}
	ds.merchantIDs = merchantIDs

	for _, merchantID := range merchantIDs {
		programs, err := f.api.ListProgramsByMerchant(ctx, sess, merchantID)
		if err != nil {
			return nil, err
		}
		ds.programs[merchantID] = programs

		customers, err := f.api.ListCustomersByMerchant(ctx, sess, merchantID)
		if err != nil {
			return nil, err
		}
		ds.customers[merchantID] = customers
	}
	return ds, nil
}

// generateTraffic creates the transaction/redemption volume over every
// (merchant, customer) pair. Only a cancelled context stops it early.
func (f *FanOut) generateTraffic(ctx context.Context, sess Session, gen *datagen.Generator, ds *dataset, totals *Totals, log zerolog.Logger) error {
	windowEnd := time.Now().UTC()

	for _, merchantID := range ds.merchantIDs {
		programs := ds.programs[merchantID]
		if len(programs) == 0 {
			continue
		}
		for _, customerID := range ds.customers[merchantID] {
			numTransactions := gen.IntBetween(f.cfg.MinTransactions, f.cfg.MaxTransactions)
			for n := 0; n < numTransactions; n++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				f.transactionUnit(ctx, sess, gen, merchantID, customerID, programs, windowEnd, totals, log)
			}
		}
	}
	return nil
}

// transactionUnit creates one transaction and, with the configured
// probability, a follow-up redemption dated just after it.
func (f *FanOut) transactionUnit(ctx context.Context, sess Session, gen *datagen.Generator, merchantID, customerID string, programs []string, windowEnd time.Time, totals *Totals, log zerolog.Logger) {
	programID := gen.Pick(programs)
	txTime := gen.TimeBetween(f.cfg.TransactionWindowStart, windowEnd)

	start := time.Now()
	_, err := f.api.CreateTransaction(ctx, sess, TransactionSpec{
		MerchantID: merchantID,
		CustomerID: customerID,
		ProgramID:  programID,
		Type:       "purchase",
		Amount:     gen.AmountBetween(f.cfg.MinAmount, f.cfg.MaxAmount),
		Date:       datagen.Timestamp(txTime),
		Status:     gen.Pick(datagen.TransactionStatuses),
	})
	if err != nil {
		f.observeStep("create-transaction", StepFailed, time.Since(start))
		totals.FailedUnits++
		log.Warn().Err(err).Str("customer_id", customerID).Msg("transaction unit abandoned")
		return
	}
	f.observeStep("create-transaction", StepPassed, time.Since(start))
	totals.Transactions++

	if gen.Float64() >= f.cfg.RedemptionProbability {
		return
	}

	rewards, err := f.api.ListRewardsByProgram(ctx, sess, programID)
	if err != nil {
		totals.FailedUnits++
		log.Warn().Err(err).Str("program_id", programID).Msg("reward listing abandoned")
		return
	}
	if len(rewards) == 0 {
		return
	}

	reward := rewards[gen.IntBetween(0, len(rewards)-1)]
	start = time.Now()
	_, err = f.api.CreateRedemption(ctx, sess, customerID, reward.ID, reward.PointsRequired,
		datagen.Timestamp(txTime.Add(f.cfg.RedemptionDelay)))
	if err != nil {
		f.observeStep("create-redemption", StepFailed, time.Since(start))
		totals.FailedUnits++
		log.Warn().Err(err).Str("customer_id", customerID).Msg("redemption unit abandoned")
		return
	}
	f.observeStep("create-redemption", StepPassed, time.Since(start))
	totals.Redemptions++
}
