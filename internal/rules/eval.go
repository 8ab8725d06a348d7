package rules

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"

	"github.com/sells-group/retention-cli/internal/model"
)

// noteExcerptLen bounds the note fragment substituted into explanations.
const noteExcerptLen = 80

// Eval applies the predicate to (note text, customer features). A nil
// feature referenced by a numeric predicate is "not present" and evaluates
// to false rather than erroring; only structurally broken predicates error.
func (p *Predicate) Eval(text string, f model.CustomerFeatures) (bool, error) {
	switch p.Kind {
	case KindSubstring:
		return strings.Contains(strings.ToLower(text), strings.ToLower(p.Pattern)), nil
	case KindRegex:
		re := p.re
		if re == nil {
			var err error
			re, err = regexp.Compile(p.Pattern)
			if err != nil {
				return false, eris.Wrap(err, "rules: compile regex")
			}
			p.re = re
		}
		return re.MatchString(text), nil
	case KindNumeric:
		v, ok := featureValue(p.Field, f)
		if !ok {
			return false, nil
		}
		return compare(v, p.Op, p.Value), nil
	case KindComposite:
		for i := range p.Rules {
			hit, err := p.Rules[i].Eval(text, f)
			if err != nil {
				return false, err
			}
			if p.Mode == ModeAll && !hit {
				return false, nil
			}
			if p.Mode == ModeAny && hit {
				return true, nil
			}
		}
		return p.Mode == ModeAll, nil
	default:
		return false, eris.Errorf("rules: unknown predicate kind %q", p.Kind)
	}
}

func featureValue(field string, f model.CustomerFeatures) (float64, bool) {
	switch field {
	case "rate":
		if f.CurrentRate != nil {
			return *f.CurrentRate, true
		}
	case "prev_rate":
		if f.PrevRate != nil {
			return *f.PrevRate, true
		}
	case "rate_diff":
		if f.RateDiff != nil {
			return *f.RateDiff, true
		}
	case "term_months":
		if f.TermMonths != nil {
			return float64(*f.TermMonths), true
		}
	case "account_age_days":
		if f.AccountAgeDays != nil {
			return float64(*f.AccountAgeDays), true
		}
	}
	return 0, false
}

func compare(v float64, op string, threshold float64) bool {
	switch op {
	case OpGT:
		return v > threshold
	case OpGTE:
		return v >= threshold
	case OpLT:
		return v < threshold
	case OpLTE:
		return v <= threshold
	case OpEQ:
		return v == threshold
	default:
		return false
	}
}

// FillTemplate renders a rule's explanation template. Placeholders like
// {rate} or {evidence} are replaced with values from the features, the
// note, and the hit. Rendering is pure: identical inputs yield identical
// strings, which is what makes persisted cards auditable.
func FillTemplate(tmpl string, f model.CustomerFeatures, note model.Note, hit model.RuleHit) string {
	excerpt := note.Text
	if len(excerpt) > noteExcerptLen {
		cut := noteExcerptLen
		for cut > 0 && !utf8.RuneStart(excerpt[cut]) {
			cut--
		}
		excerpt = excerpt[:cut]
	}

	pairs := []string{
		"{customer_id}", f.CustomerID,
		"{rate}", formatOptFloat(f.CurrentRate),
		"{prev_rate}", formatOptFloat(f.PrevRate),
		"{rate_diff}", formatOptFloat(f.RateDiff),
		"{term_months}", formatOptInt(f.TermMonths),
		"{account_age_days}", formatOptInt(f.AccountAgeDays),
		"{note_excerpt}", excerpt,
		"{evidence}", hit.Evidence,
		"{confidence}", strconv.FormatFloat(hit.Confidence, 'g', -1, 64),
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

func formatOptFloat(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return strconv.FormatFloat(*v, 'g', -1, 64)
}

func formatOptInt(v *int) string {
	if v == nil {
		return "n/a"
	}
	return strconv.Itoa(*v)
}
