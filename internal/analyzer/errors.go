package analyzer

import (
	"errors"
	"fmt"

	"github.com/kerixyz/video-streamlit/internal/extractor"
	"github.com/kerixyz/video-streamlit/internal/models"
	"github.com/kerixyz/video-streamlit/internal/sampler"
)

var (
	// ErrPipelineFailed matches every run that ended in StatusFailed.
	ErrPipelineFailed = errors.New("analysis failed")
	// ErrCancelled matches runs stopped by their context.
	ErrCancelled = errors.New("analysis cancelled")
	// ErrDescriberExhausted matches runs where every describer call failed
	// after its retries.
	ErrDescriberExhausted = errors.New("all describer calls failed")
)

// PipelineError is returned by Run for any run that did not complete. Report
// holds whatever was gathered before the run stopped.
type PipelineError struct {
	Kind   models.ErrorKind
	Report *models.AnalysisReport
	Err    error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *PipelineError) Unwrap() []error {
	errs := []error{ErrPipelineFailed, e.Err}
	switch e.Kind {
	case models.ErrorCancelled:
		errs = append(errs, ErrCancelled)
	case models.ErrorSourceUnavailable:
		errs = append(errs, extractor.ErrSourceUnavailable)
	case models.ErrorInvalidPolicy:
		errs = append(errs, sampler.ErrInvalidPolicy)
	}
	return errs
}

// KindOf extracts the ErrorKind of an error returned by Run.
func KindOf(err error) models.ErrorKind {
	if err == nil {
		return models.ErrorNone
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return models.ErrorPipelineFailed
}
