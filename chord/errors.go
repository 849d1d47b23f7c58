package chord

import "errors"

// Error kinds surfaced by the core. Handlers flatten these into
// SUCCESS=false responses; callers match with errors.Is.
var (
	ErrNotFound             = errors.New("key does not exist")
	ErrDuplicate            = errors.New("key already exists")
	ErrCapacityExceeded     = errors.New("value exceeds block capacity")
	ErrInsufficientReplicas = errors.New("fewer than the reconstruction threshold of replicas")
	ErrInvalidRequest       = errors.New("invalid request")
	ErrSingularDecode       = errors.New("decode matrix is singular")
)
