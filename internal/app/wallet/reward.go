package wallet

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/rg-fling/rgfling/internal/domain"
	"github.com/rg-fling/rgfling/internal/infra/observability"
)

// ─── Rewards ────────────────────────────────────────────────────────────────

// ClaimDailyReward credits a random amount from the daily table, at most once
// per calendar day in the account's timezone.
func (s *Service) ClaimDailyReward(ctx context.Context, accountID string) (int64, error) {
	return s.Claim(ctx, accountID, domain.RewardDailySpin)
}

// CompleteCourse credits the course completion reward once per course.
func (s *Service) CompleteCourse(ctx context.Context, accountID, courseID string) (int64, error) {
	courseID = strings.TrimSpace(courseID)
	if courseID == "" {
		return 0, domain.Invalid("course_id", domain.ErrMissingField)
	}
	return s.Claim(ctx, accountID, domain.RewardCourseComplete.ForCourse(courseID))
}

// Claim issues the reward rt to the account if it is eligible. The
// eligibility check, the credit and the claim marker commit together.
func (s *Service) Claim(ctx context.Context, accountID string, rt domain.RewardType) (amount int64, err error) {
	ctx, end := s.trace(ctx, "wallet.claim", map[string]string{
		"account": accountID, "reward": string(rt),
	})
	defer func() { end(err) }()

	if accountID == "" {
		return 0, domain.Invalid("account_id", domain.ErrMissingField)
	}
	if _, ok := s.rule(rt); !ok {
		return 0, domain.Invalid("reward_type", domain.ErrInvalidReason)
	}

	var entry domain.LedgerEntry
	err = s.mutate(ctx, []string{accountID}, func(ctx context.Context, tx domain.LedgerTx) error {
		a, err := activeAccount(ctx, tx, accountID)
		if err != nil {
			return err
		}
		entry, err = s.grant(ctx, tx, a, rt)
		return err
	})

	kind := rewardKind(rt)
	if err != nil {
		outcome := "error"
		if domain.IsBusiness(err) {
			outcome = "rejected"
		}
		observability.RewardClaims.WithLabelValues(kind, outcome).Inc()
		s.logResult("claim", err, zap.String("account", accountID), zap.String("reward", string(rt)))
		return 0, err
	}

	observability.RewardClaims.WithLabelValues(kind, "granted").Inc()
	observability.RewardCoins.WithLabelValues(kind).Add(float64(entry.Amount))
	s.log.Info("reward granted",
		zap.String("account", accountID),
		zap.String("reward", string(rt)),
		zap.Int64("amount", entry.Amount))
	s.publish(entry)
	return entry.Amount, nil
}

// rewardRule describes one reward: how often it may be claimed and what it
// pays.
type rewardRule struct {
	reason domain.Reason
	daily  bool // eligible again on the next calendar day; otherwise once ever
	amount func() int64
}

func (s *Service) rule(rt domain.RewardType) (rewardRule, bool) {
	switch {
	case rt == domain.RewardDailySpin:
		return rewardRule{
			reason: domain.ReasonDailySpin,
			daily:  true,
			amount: func() int64 { return s.picker.Pick(s.cfg.DailySpinTable) },
		}, true
	case rt == domain.RewardSignupBonus:
		return rewardRule{
			reason: domain.ReasonSignupBonus,
			amount: func() int64 { return s.cfg.SignupBonus },
		}, s.cfg.SignupBonus > 0
	case strings.HasPrefix(string(rt), string(domain.RewardCourseComplete)+":"):
		return rewardRule{
			reason: domain.ReasonCourseComplete,
			amount: func() int64 { return s.cfg.CourseComplete },
		}, s.cfg.CourseComplete > 0
	}
	return rewardRule{}, false
}

// grant checks eligibility for rt and writes the credit plus the claim
// marker through tx. The caller holds the account lock.
func (s *Service) grant(ctx context.Context, tx domain.LedgerTx, a *domain.Account, rt domain.RewardType) (domain.LedgerEntry, error) {
	rule, ok := s.rule(rt)
	if !ok {
		return domain.LedgerEntry{}, domain.Invalid("reward_type", domain.ErrInvalidReason)
	}

	now := s.now()
	today := domain.CalendarDate(now, a.Location(s.cfg.Location))

	prev, err := tx.GetRewardClaim(ctx, a.ID, rt)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	if prev != nil && (!rule.daily || prev.LastClaimed == today) {
		return domain.LedgerEntry{}, domain.ErrAlreadyClaimed
	}

	amount := rule.amount()
	if amount <= 0 {
		return domain.LedgerEntry{}, domain.Invalid("amount", domain.ErrInvalidAmount)
	}
	balance, err := tx.SumForAccount(ctx, a.ID)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	if err := checkCredit(balance, amount); err != nil {
		return domain.LedgerEntry{}, err
	}

	e := domain.LedgerEntry{
		AccountID:   a.ID,
		Amount:      amount,
		Reason:      rule.reason,
		Description: rewardDescription(rt),
		CreatedAt:   now.UTC(),
	}
	if err := appendEntry(ctx, tx, &e); err != nil {
		return domain.LedgerEntry{}, err
	}
	if err := tx.UpsertRewardClaim(ctx, domain.RewardClaim{
		AccountID:   a.ID,
		RewardType:  rt,
		LastClaimed: today,
	}); err != nil {
		return domain.LedgerEntry{}, err
	}
	return e, nil
}

// rewardKind drops the per-course suffix for metric labels.
func rewardKind(rt domain.RewardType) string {
	kind, _, _ := strings.Cut(string(rt), ":")
	return kind
}

func rewardDescription(rt domain.RewardType) string {
	switch kind, course, _ := strings.Cut(string(rt), ":"); domain.RewardType(kind) {
	case domain.RewardDailySpin:
		return "Daily spin reward"
	case domain.RewardSignupBonus:
		return "Welcome bonus"
	case domain.RewardCourseComplete:
		return "Completed course " + course
	}
	return string(rt)
}
