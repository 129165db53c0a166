package conversion

import (
	"errors"
	"fmt"
)

// Stage is the progress of one conversion request.
//
//	Unindexed -> Indexed -> Assembled -> MaskReady | StructureReady
//
// GeometryError, AlignmentError and Failed are terminal failure stages that
// abort the request only.
type Stage int

const (
	Unindexed Stage = iota
	Indexed
	Assembled
	MaskReady
	StructureReady
	GeometryError
	AlignmentError
	Failed
)

var stageNames = [...]string{
	Unindexed:      "unindexed",
	Indexed:        "indexed",
	Assembled:      "assembled",
	MaskReady:      "mask-ready",
	StructureReady: "structure-ready",
	GeometryError:  "geometry-error",
	AlignmentError: "alignment-error",
	Failed:         "failed",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// Terminal reports whether no transition leaves s.
func (s Stage) Terminal() bool {
	return len(transitions[s]) == 0
}

// Failure reports whether s is a terminal failure.
func (s Stage) Failure() bool {
	return s == GeometryError || s == AlignmentError || s == Failed
}

var transitions = map[Stage][]Stage{
	Unindexed: {Indexed, Failed},
	Indexed:   {Assembled, GeometryError, Failed},
	Assembled: {MaskReady, StructureReady, AlignmentError, Failed},
}

// ErrInvalidTransition is returned when a request is moved backwards or out
// of a terminal stage.
var ErrInvalidTransition = errors.New("invalid stage transition")

// Request tracks one conversion through its stages. Transitions are one-way.
type Request struct {
	stage   Stage
	history []Stage
}

// NewRequest returns a request at stage from. A request that reuses an
// already assembled grid starts at Assembled.
func NewRequest(from Stage) *Request {
	return &Request{stage: from, history: []Stage{from}}
}

// Stage returns the current stage.
func (r *Request) Stage() Stage { return r.stage }

// History returns every stage the request has been in, in order.
func (r *Request) History() []Stage {
	out := make([]Stage, len(r.history))
	copy(out, r.history)
	return out
}

// Advance moves the request to stage to.
func (r *Request) Advance(to Stage) error {
	for _, next := range transitions[r.stage] {
		if next == to {
			r.stage = to
			r.history = append(r.history, to)
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.stage, to)
}

// Fail moves the request to the failure stage matching err.
func (r *Request) Fail(to Stage, err error) error {
	if !to.Failure() {
		to = Failed
	}
	if advErr := r.Advance(to); advErr != nil {
		r.stage = Failed
		r.history = append(r.history, Failed)
	}
	return &RequestError{Stage: r.stage, Err: err}
}

// RequestError is returned by a failed request. Stage is the terminal stage
// it ended in.
type RequestError struct {
	Stage Stage
	Err   error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// StageOf returns the terminal stage recorded in err, or Failed.
func StageOf(err error) Stage {
	var re *RequestError
	if errors.As(err, &re) {
		return re.Stage
	}
	return Failed
}
