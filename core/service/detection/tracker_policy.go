// Package detection decides whether an inbound message answers a tracked
// conversation.
//
// Four independent checks contribute a weight each:
//
//	headers  (40)  → In-Reply-To / References, resolved against pending conversations
//	thread   (35)  → same conversation id at thread position > 1
//	subject  (20)  → reply-prefixed subject matching a recent pending conversation
//	body      (5)  → quoted-reply markers in the preview
//
// A message is a response when the matched weights reach the threshold (25).
package detection

import (
	"errors"
	"fmt"
)

// Method names, in table order.
const (
	MethodHeaders = "headers"
	MethodThread  = "thread"
	MethodSubject = "subject"
	MethodBody    = "body"
)

var ErrInvalidPolicy = errors.New("invalid detection policy")

// Weights holds the contribution of each check.
type Weights struct {
	Headers int `koanf:"headers"`
	Thread  int `koanf:"thread"`
	Subject int `koanf:"subject"`
	Body    int `koanf:"body"`
}

// Policy holds the tunable detection parameters.
type Policy struct {
	Weights          Weights `koanf:"weights"`
	Threshold        int     `koanf:"threshold"`
	SubjectScanLimit int     `koanf:"subject_scan_limit"`
}

// DefaultPolicy returns the stock weights 40/35/20/5 and threshold 25.
func DefaultPolicy() Policy {
	return Policy{
		Weights: Weights{
			Headers: 40,
			Thread:  35,
			Subject: 20,
			Body:    5,
		},
		Threshold:        25,
		SubjectScanLimit: 20,
	}
}

// Validate rejects negative weights and thresholds outside 1..100.
func (p Policy) Validate() error {
	w := p.Weights
	if w.Headers < 0 || w.Thread < 0 || w.Subject < 0 || w.Body < 0 {
		return fmt.Errorf("%w: weights must not be negative", ErrInvalidPolicy)
	}
	if p.Threshold < 1 || p.Threshold > maxConfidence {
		return fmt.Errorf("%w: threshold %d out of range", ErrInvalidPolicy, p.Threshold)
	}
	if p.SubjectScanLimit < 1 {
		return fmt.Errorf("%w: subject_scan_limit must be positive", ErrInvalidPolicy)
	}
	return nil
}
