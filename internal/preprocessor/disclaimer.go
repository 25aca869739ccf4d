package preprocessor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openmates/ai-core/internal/corerequest"
	"github.com/openmates/ai-core/internal/obs"
)

// categoryDisclaimers is the fixed category -> disclaimer-type mapping
// (spec §4.6 step 11, kept hard-coded per the §9 open question).
var categoryDisclaimers = map[string]corerequest.DisclaimerType{
	"finance":                 corerequest.DisclaimerFinancial,
	"medical_health":          corerequest.DisclaimerMedical,
	"legal_law":               corerequest.DisclaimerLegal,
	"life_coach_psychology":   corerequest.DisclaimerMentalHealth,
}

// disclaimerText is the fixed copy appended to the system prompt once
// decideDisclaimer flags a category (spec §4.6 step 11).
var disclaimerText = map[corerequest.DisclaimerType]string{
	corerequest.DisclaimerFinancial:    "This is not financial advice; consult a licensed professional before acting on it.",
	corerequest.DisclaimerMedical:      "This is not medical advice; consult a qualified healthcare provider before acting on it.",
	corerequest.DisclaimerLegal:        "This is not legal advice; consult a licensed attorney before acting on it.",
	corerequest.DisclaimerMentalHealth: "This is not a substitute for professional mental health care; please reach out to a qualified professional if you need support.",
}

// DisclaimerText returns the fixed disclaimer copy for dt, for callers
// building the final system prompt outside this package.
func DisclaimerText(dt corerequest.DisclaimerType) string { return disclaimerText[dt] }

type disclaimerRecord struct {
	LastDisclaimerType      string `json:"last_disclaimer_type"`
	LastDisclaimerTimestamp int64  `json:"last_disclaimer_timestamp"`
}

func disclaimerKey(chatID string) string { return "chat:" + chatID + ":list_item_data" }

// decideDisclaimer sets r.RequiresAdviceDisclaimer per spec §4.6 step 11: if
// the validated category maps to a disclaimer type, inject when the type
// differs from the last one shown, or the same type was shown ≥30 minutes
// ago. Any read/decode error fails safe (injects).
func (p *Preprocessor) decideDisclaimer(ctx context.Context, chatID string, r *corerequest.PreprocessingResult) {
	disclaimerType, mapped := categoryDisclaimers[r.Category]
	if !mapped {
		return
	}

	log := obs.LoggerWithTrace(ctx).With().Str("chat_id", chatID).Logger()
	raw, found, err := p.store.Get(ctx, disclaimerKey(chatID))
	if err != nil {
		log.Warn().Err(err).Msg("preprocessor: disclaimer record read failed, injecting fail-safe")
		dt := disclaimerType
		r.RequiresAdviceDisclaimer = &dt
		return
	}
	if !found {
		dt := disclaimerType
		r.RequiresAdviceDisclaimer = &dt
		return
	}

	var rec disclaimerRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		log.Warn().Err(err).Msg("preprocessor: disclaimer record decode failed, injecting fail-safe")
		dt := disclaimerType
		r.RequiresAdviceDisclaimer = &dt
		return
	}

	elapsed := p.clock.Now().Sub(time.Unix(rec.LastDisclaimerTimestamp, 0))
	reinjectAfter := time.Duration(p.cfg.Pipeline.DisclaimerReinjectMinutes) * time.Minute
	if rec.LastDisclaimerType != string(disclaimerType) || elapsed >= reinjectAfter {
		dt := disclaimerType
		r.RequiresAdviceDisclaimer = &dt
	}
}

// RecordDisclaimerShown persists the disclaimer record after MainProcessor
// has actually appended the disclaimer to a response, so the 30-minute
// window is measured from when it was shown, not merely decided.
func (p *Preprocessor) RecordDisclaimerShown(ctx context.Context, chatID string, disclaimerType corerequest.DisclaimerType) error {
	rec := disclaimerRecord{
		LastDisclaimerType:      string(disclaimerType),
		LastDisclaimerTimestamp: p.clock.Now().Unix(),
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("preprocessor: encode disclaimer record: %w", err)
	}
	return p.store.Set(ctx, disclaimerKey(chatID), string(b), 0)
}
