package plan

import "errors"

var (
	ErrFailedToLoadCatalog = errors.New("plan: failed to load catalog")
	ErrInvalidCatalog      = errors.New("plan: invalid catalog configuration")
	ErrPlanNotFound        = errors.New("plan: not found in catalog")
)
