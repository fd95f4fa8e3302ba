package replication

import "errors"

var (
	ErrObjectNotFound   = errors.New("object not found")
	ErrUnknownClass     = errors.New("unknown class")
	ErrUnknownProperty  = errors.New("unknown property")
	ErrNotBound         = errors.New("object has no entity reference")
	ErrNotAuthoritative = errors.New("not authoritative")
	ErrStableNotFound   = errors.New("stable object not registered")
	ErrPropertyType     = errors.New("value does not match property kind")
	ErrTombstoned       = errors.New("entity is tombstoned")
)
