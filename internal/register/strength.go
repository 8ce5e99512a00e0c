package register

import "strings"

// Score buckets a password's strength for UI feedback.
type Score string

const (
	ScoreWeak   Score = "weak"
	ScoreFair   Score = "fair"
	ScoreGood   Score = "good"
	ScoreStrong Score = "strong"
)

// Strength is the result of scoring a candidate password. Valid reflects the
// hard policy (length, upper, lower, digit); Suggestions are advisory only.
type Strength struct {
	Valid       bool     `json:"valid"`
	Score       Score    `json:"score"`
	Errors      []string `json:"errors"`
	Suggestions []string `json:"suggestions"`
}

const specialCharacters = `!@#$%^&*(),.?":{}|<>`

// CheckPasswordStrength scores a password against the registration policy.
// Special characters raise the score but are never required.
func CheckPasswordStrength(password string) Strength {
	if password == "" {
		return Strength{
			Score:       ScoreWeak,
			Errors:      []string{"Password is required"},
			Suggestions: []string{"Create a password at least 8 characters long"},
		}
	}

	var (
		errors      []string
		suggestions []string
		score       int
	)

	if len(password) < 8 {
		errors = append(errors, "Password must be at least 8 characters long")
	} else {
		score += 20
		if len(password) >= 12 {
			score += 10
		}
	}

	if !strings.ContainsAny(password, "ABCDEFGHIJKLMNOPQRSTUVWXYZ") {
		errors = append(errors, "Must contain at least one uppercase letter")
		suggestions = append(suggestions, "Add uppercase letters (A-Z)")
	} else {
		score += 20
	}

	if !strings.ContainsAny(password, "abcdefghijklmnopqrstuvwxyz") {
		errors = append(errors, "Must contain at least one lowercase letter")
		suggestions = append(suggestions, "Add lowercase letters (a-z)")
	} else {
		score += 20
	}

	if !strings.ContainsAny(password, "0123456789") {
		errors = append(errors, "Must contain at least one number")
		suggestions = append(suggestions, "Add numbers (0-9)")
	} else {
		score += 20
	}

	if strings.ContainsAny(password, specialCharacters) {
		score += 20
	} else {
		suggestions = append(suggestions, "Consider adding special characters for extra security")
	}

	return Strength{
		Valid:       len(errors) == 0,
		Score:       bucket(score),
		Errors:      errors,
		Suggestions: suggestions,
	}
}

func bucket(score int) Score {
	switch {
	case score < 40:
		return ScoreWeak
	case score < 70:
		return ScoreFair
	case score < 90:
		return ScoreGood
	default:
		return ScoreStrong
	}
}
