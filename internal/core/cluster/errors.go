package cluster

import "errors"

var (
	ErrDuplicateNode     = errors.New("cluster: duplicate node id")
	ErrUnknownNode       = errors.New("cluster: unknown node")
	ErrTopologyFull      = errors.New("cluster: topology at capacity")
	ErrInvalidNode       = errors.New("cluster: invalid node")
	ErrPromotionDenied   = errors.New("cluster: promotion denied")
	ErrInvalidPromotion  = errors.New("cluster: invalid promotion target")
	ErrCoordinatorExists = errors.New("cluster: another node coordinates")
	ErrUnknownCapability = errors.New("cluster: unknown capability")
	ErrInvalidConfig     = errors.New("cluster: invalid topology config")
)
