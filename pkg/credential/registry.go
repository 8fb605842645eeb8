package credential

import "errors"

var (
	ErrNilValidator    = errors.New("credential: validator is nil")
	ErrEmptyScheme     = errors.New("credential: scheme is empty")
	ErrDuplicateScheme = errors.New("credential: scheme already registered")
)

// Registry maps credential schemes to their validators.
type Registry struct {
	validators map[Scheme]Validator
}

func NewRegistry() *Registry {
	return &Registry{validators: map[Scheme]Validator{}}
}

func (r *Registry) Register(scheme Scheme, validator Validator) error {
	if validator == nil {
		return ErrNilValidator
	}
	if scheme == "" {
		return ErrEmptyScheme
	}
	if _, exists := r.validators[scheme]; exists {
		return ErrDuplicateScheme
	}

	r.validators[scheme] = validator
	return nil
}

func (r *Registry) Validator(scheme Scheme) (Validator, bool) {
	if r == nil {
		return nil, false
	}
	validator, ok := r.validators[scheme]
	return validator, ok
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.validators)
}
