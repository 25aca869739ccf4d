package preprocessor

import (
	"context"
	"errors"
	"time"

	"github.com/openmates/ai-core/internal/corerequest"
	"github.com/openmates/ai-core/internal/obs"
	"github.com/openmates/ai-core/internal/storagegw"
)

// creditGate runs spec §4.6 step 1. ok=true means the request is rejected
// and result is the final (CanProceed=false) outcome; ok=false means the
// gate passed (or was skipped in self-hosted mode) and preprocessing
// continues.
func (p *Preprocessor) creditGate(ctx context.Context, req *corerequest.AskRequest) (corerequest.PreprocessingResult, bool) {
	if p.SelfHostedMode || req.IsIncognito {
		return corerequest.PreprocessingResult{}, false
	}
	log := obs.LoggerWithTrace(ctx).With().Str("user_id_hash", req.UserIDHash).Logger()

	user, err := p.users.GetUser(ctx, req.UserID)
	if err != nil {
		if !errors.Is(err, storagegw.ErrNotFound) {
			log.Error().Err(err).Msg("preprocessor: credit gate storage read failed")
		}
		return rejectInsufficientCredits(), true
	}

	if user.Credits < 1 {
		if user.AutoTopupEnabled && user.HasPaymentMethod {
			if err := p.users.TopUpCredits(ctx, req.UserID); err == nil {
				select {
				case <-time.After(500 * time.Millisecond):
				case <-ctx.Done():
					return rejectInsufficientCredits(), true
				}
				user, err = p.users.GetUser(ctx, req.UserID)
				if err == nil && user.Credits >= 1 {
					return corerequest.PreprocessingResult{}, false
				}
			}
		}
		return rejectInsufficientCredits(), true
	}
	return corerequest.PreprocessingResult{}, false
}

func rejectInsufficientCredits() corerequest.PreprocessingResult {
	return corerequest.PreprocessingResult{
		CanProceed:      false,
		RejectionReason: corerequest.RejectInsufficientCredits,
		ErrorMessage:    "insufficient_credits",
	}
}
