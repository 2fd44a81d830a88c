package domain

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrNotInitialized   = errors.New("not initialized")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrModuleNotFound   = errors.New("program not found")
	ErrDuplicateModule  = errors.New("duplicate program id")
	ErrInvalidModuleID  = errors.New("invalid program id")
	ErrArtifactMissing  = errors.New("program artifact unavailable")
	ErrEvalFailed       = errors.New("eval failed")
	ErrMissingOutput    = errors.New("output region missing")
	ErrStagingForbidden = errors.New("artifact source not allowed")
)
