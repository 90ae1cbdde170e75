package schema

import "errors"

var (
	ErrNotFound      = errors.New("schema entity not found")
	ErrConflict      = errors.New("schema entity already exists")
	ErrConstraint    = errors.New("referential or uniqueness precondition is not met")
	ErrDataIntegrity = errors.New("existing data violates the change")
)
